package cache

import (
	"context"
	"testing"
	"time"

	"github.com/blueberrycongee/llmux/internal/domain"
)

func strp(s string) *string { return &s }

func floatp(f float64) *float64 { return &f }

func boolp(b bool) *bool { return &b }

func chatReq(model, content string) domain.ChatRequest {
	return domain.ChatRequest{
		Model:    model,
		Messages: []domain.Message{{Role: "user", Content: strp(content)}},
	}
}

func chatResp(id, provider string) *domain.ChatResponse {
	return &domain.ChatResponse{
		ID:       id,
		Object:   "chat.completion",
		Created:  1700000000,
		Model:    "m",
		Provider: provider,
		Choices: []domain.Choice{{
			Message:      &domain.Message{Role: "assistant", Content: strp("hi")},
			FinishReason: "stop",
		}},
	}
}

func TestKey_IgnoresNonSemanticFields(t *testing.T) {
	base := chatReq("gpt-test", "hello")
	key := Key(base)

	variants := map[string]domain.ChatRequest{}

	withProvider := base
	withProvider.Provider = "openai"
	variants["provider"] = withProvider

	withCache := base
	withCache.Cache = boolp(false)
	variants["cache"] = withCache

	withStream := base
	withStream.Stream = true
	variants["stream"] = withStream

	withUser := base
	withUser.User = "someone"
	variants["user"] = withUser

	for name, req := range variants {
		if got := Key(req); got != key {
			t.Errorf("%s changed the cache key: %s != %s", name, got, key)
		}
	}
}

func TestKey_SensitiveToSemanticFields(t *testing.T) {
	base := chatReq("gpt-test", "hello")
	key := Key(base)

	otherModel := base
	otherModel.Model = "gpt-other"
	if Key(otherModel) == key {
		t.Error("model change did not change the cache key")
	}

	otherMessages := chatReq("gpt-test", "goodbye")
	if Key(otherMessages) == key {
		t.Error("message change did not change the cache key")
	}

	otherTemp := base
	otherTemp.Temperature = floatp(0.7)
	if Key(otherTemp) == key {
		t.Error("temperature change did not change the cache key")
	}

	otherMax := base
	maxTok := 256
	otherMax.MaxTokens = &maxTok
	if Key(otherMax) == key {
		t.Error("max_tokens change did not change the cache key")
	}
}

func TestResponseCache_GetStampsCached(t *testing.T) {
	c := New(NewMemoryBackend(10), true, time.Minute)
	ctx := context.Background()
	req := chatReq("gpt-test", "hello")

	if _, ok := c.Get(ctx, req); ok {
		t.Fatal("unexpected hit on empty cache")
	}

	c.Set(ctx, req, chatResp("resp-1", "openai"))

	got, ok := c.Get(ctx, req)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if !got.Cached {
		t.Error("cached response not stamped cached=true")
	}
	if got.ID != "resp-1" || got.Provider != "openai" {
		t.Errorf("wrong cached response: %+v", got)
	}
}

func TestResponseCache_SkipsStreams(t *testing.T) {
	c := New(NewMemoryBackend(10), true, time.Minute)
	ctx := context.Background()

	req := chatReq("gpt-test", "hello")
	req.Stream = true

	c.Set(ctx, req, chatResp("resp-1", "openai"))
	if _, ok := c.Get(ctx, req); ok {
		t.Error("streaming request was cached")
	}

	// The same request without stream must also miss: nothing was stored.
	unary := chatReq("gpt-test", "hello")
	if _, ok := c.Get(ctx, unary); ok {
		t.Error("streaming Set leaked into the unary keyspace")
	}
}

func TestResponseCache_SkipsWhenOptedOut(t *testing.T) {
	c := New(NewMemoryBackend(10), true, time.Minute)
	ctx := context.Background()

	req := chatReq("gpt-test", "hello")
	c.Set(ctx, req, chatResp("resp-1", "openai"))

	optedOut := req
	optedOut.Cache = boolp(false)
	if _, ok := c.Get(ctx, optedOut); ok {
		t.Error("cache=false request got a cache hit")
	}
}

func TestResponseCache_Disabled(t *testing.T) {
	c := New(nil, false, 0)
	ctx := context.Background()
	req := chatReq("gpt-test", "hello")

	c.Set(ctx, req, chatResp("resp-1", "openai"))
	if _, ok := c.Get(ctx, req); ok {
		t.Error("disabled cache returned a hit")
	}
}

func TestMemoryBackend_EvictsOldest(t *testing.T) {
	m := NewMemoryBackend(2)
	ctx := context.Background()

	m.Set(ctx, "a", []byte("1"), time.Minute)
	m.Set(ctx, "b", []byte("2"), time.Minute)
	m.Set(ctx, "c", []byte("3"), time.Minute)

	if _, ok := m.Get(ctx, "a"); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok := m.Get(ctx, "b"); !ok {
		t.Error("entry b evicted early")
	}
	if _, ok := m.Get(ctx, "c"); !ok {
		t.Error("entry c evicted early")
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}
}

func TestMemoryBackend_GetRefreshesRecency(t *testing.T) {
	m := NewMemoryBackend(2)
	ctx := context.Background()

	m.Set(ctx, "a", []byte("1"), time.Minute)
	m.Set(ctx, "b", []byte("2"), time.Minute)
	m.Get(ctx, "a")
	m.Set(ctx, "c", []byte("3"), time.Minute)

	if _, ok := m.Get(ctx, "a"); !ok {
		t.Error("recently read entry was evicted")
	}
	if _, ok := m.Get(ctx, "b"); ok {
		t.Error("least recently used entry survived")
	}
}

func TestMemoryBackend_TTLExpiry(t *testing.T) {
	m := NewMemoryBackend(10)
	ctx := context.Background()

	m.Set(ctx, "a", []byte("1"), -time.Second)
	if _, ok := m.Get(ctx, "a"); ok {
		t.Error("expired entry returned")
	}
}
