package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blueberrycongee/llmux/internal/domain"
	"github.com/blueberrycongee/llmux/internal/registry"
)

func strp(s string) *string { return &s }

func testDescriptor(baseURL string) *registry.Descriptor {
	return &registry.Descriptor{
		Name:         "testprov",
		BaseURL:      baseURL,
		APIKey:       "sk-test",
		Models:       []string{"test-model"},
		Timeout:      5 * time.Second,
		ExtraHeaders: map[string]string{"X-Extra": "yes"},
	}
}

func testRequest() domain.ChatRequest {
	return domain.ChatRequest{
		Model:    "test-model",
		Messages: []domain.Message{{Role: "user", Content: strp("hello")}},
	}
}

func TestComplete_StampsProvider(t *testing.T) {
	var gotPath, gotAuth, gotExtra string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotExtra = r.Header.Get("X-Extra")
		json.NewDecoder(r.Body).Decode(&gotBody)

		json.NewEncoder(w).Encode(domain.ChatResponse{
			ID:      "chatcmpl-1",
			Object:  "chat.completion",
			Model:   "test-model",
			Choices: []domain.Choice{{Message: &domain.Message{Role: "assistant", Content: strp("hi")}, FinishReason: "stop"}},
		})
	}))
	defer srv.Close()

	c := NewClient(testDescriptor(srv.URL))
	resp, err := c.Complete(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if resp.Provider != "testprov" {
		t.Errorf("provider = %q, want testprov", resp.Provider)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotExtra != "yes" {
		t.Errorf("extra header = %q", gotExtra)
	}
}

func TestComplete_StripsGatewayFields(t *testing.T) {
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(domain.ChatResponse{ID: "chatcmpl-1"})
	}))
	defer srv.Close()

	req := testRequest()
	req.Provider = "testprov"
	cacheOff := false
	req.Cache = &cacheOff

	c := NewClient(testDescriptor(srv.URL))
	if _, err := c.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if _, ok := gotBody["provider"]; ok {
		t.Error("provider field forwarded upstream")
	}
	if _, ok := gotBody["cache"]; ok {
		t.Error("cache field forwarded upstream")
	}
}

func TestComplete_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "rate limited"}}`)
	}))
	defer srv.Close()

	c := NewClient(testDescriptor(srv.URL))
	_, err := c.Complete(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error")
	}

	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %T, want *domain.ProviderError", err)
	}
	if perr.Provider != "testprov" {
		t.Errorf("provider = %q", perr.Provider)
	}
	if perr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", perr.StatusCode)
	}
}

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept header = %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
		}
	}))
}

func chunkLine(t *testing.T, content string, finish *string) string {
	t.Helper()
	chunk := domain.ChatChunk{
		ID:      "chatcmpl-1",
		Object:  "chat.completion.chunk",
		Choices: []domain.ChunkChoice{{Delta: domain.Delta{Content: &content}, FinishReason: finish}},
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		t.Fatalf("marshal chunk: %v", err)
	}
	return "data: " + string(data)
}

func TestStream_ParsesChunks(t *testing.T) {
	stop := "stop"
	srv := sseServer(t, []string{
		": keep-alive comment",
		chunkLine(t, "Hel", nil),
		"",
		chunkLine(t, "lo", &stop),
		"",
		"data: [DONE]",
		"",
	})
	defer srv.Close()

	c := NewClient(testDescriptor(srv.URL))
	stream, err := c.Stream(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	if stream.Provider() != "testprov" {
		t.Errorf("Provider() = %q", stream.Provider())
	}

	var got []string
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if c := chunk.Choices[0].Delta.Content; c != nil {
			got = append(got, *c)
		}
	}

	if len(got) != 2 || got[0] != "Hel" || got[1] != "lo" {
		t.Errorf("deltas = %v, want [Hel lo]", got)
	}

	// Next after the sentinel keeps reporting EOF.
	if _, err := stream.Next(); err != io.EOF {
		t.Errorf("post-DONE Next err = %v, want EOF", err)
	}
}

func TestStream_SkipsMalformedChunks(t *testing.T) {
	srv := sseServer(t, []string{
		"data: {not json",
		chunkLine(t, "ok", nil),
		"data: [DONE]",
	})
	defer srv.Close()

	c := NewClient(testDescriptor(srv.URL))
	stream, err := c.Stream(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	chunk, err := stream.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if c := chunk.Choices[0].Delta.Content; c == nil || *c != "ok" {
		t.Errorf("chunk after malformed line = %+v", chunk)
	}

	if _, err := stream.Next(); err != io.EOF {
		t.Errorf("err = %v, want EOF", err)
	}
}

func TestStream_EOFWithoutSentinel(t *testing.T) {
	srv := sseServer(t, []string{chunkLine(t, "partial", nil)})
	defer srv.Close()

	c := NewClient(testDescriptor(srv.URL))
	stream, err := c.Stream(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, err := stream.Next(); err != io.EOF {
		t.Errorf("err = %v, want EOF on body close", err)
	}
}

func TestStream_Non200DoesNotCommit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "overloaded")
	}))
	defer srv.Close()

	c := NewClient(testDescriptor(srv.URL))
	_, err := c.Stream(context.Background(), testRequest())

	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %T, want *domain.ProviderError", err)
	}
	if perr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", perr.StatusCode)
	}
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"object": "list", "data": []}`)
	}))
	defer srv.Close()

	c := NewClient(testDescriptor(srv.URL))
	if err := c.Probe(context.Background()); err != nil {
		t.Errorf("Probe: %v", err)
	}
}

func TestProbe_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(testDescriptor(srv.URL))
	if err := c.Probe(context.Background()); err == nil {
		t.Error("expected error from unhealthy upstream")
	}
}
