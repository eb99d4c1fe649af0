// Package provider implements the single upstream client. Every enabled
// provider speaks the OpenAI chat-completions dialect, so one client
// parameterised by a registry descriptor covers all of them.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/blueberrycongee/llmux/internal/domain"
	"github.com/blueberrycongee/llmux/internal/httputil"
	"github.com/blueberrycongee/llmux/internal/registry"
)

const ssePrefix = "data: "

// maxSSELineSize bounds a single SSE line. Large tool-call argument deltas
// can exceed bufio's default 64KiB token limit.
const maxSSELineSize = 1 << 20

// Client talks to one upstream provider.
type Client struct {
	desc *registry.Descriptor
	http *http.Client
}

func NewClient(desc *registry.Descriptor) *Client {
	return &Client{
		desc: desc,
		http: httputil.NewClient(httputil.ProviderConfig(desc.Timeout)),
	}
}

func (c *Client) Name() string { return c.desc.Name }

// upstreamRequest is the wire shape sent upstream. Gateway-only fields
// (provider, cache) never leave the process.
type upstreamRequest struct {
	Model            string           `json:"model"`
	Messages         []domain.Message `json:"messages"`
	Temperature      *float64         `json:"temperature,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
	MaxTokens        *int             `json:"max_tokens,omitempty"`
	Stream           bool             `json:"stream,omitempty"`
	Stop             []string         `json:"stop,omitempty"`
	PresencePenalty  *float64         `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64         `json:"frequency_penalty,omitempty"`
	Tools            []domain.Tool    `json:"tools,omitempty"`
	ToolChoice       json.RawMessage  `json:"tool_choice,omitempty"`
	User             string           `json:"user,omitempty"`
}

func (c *Client) buildRequest(ctx context.Context, req domain.ChatRequest, stream bool) (*http.Request, error) {
	body := upstreamRequest{
		Model:            req.Model,
		Messages:         req.Messages,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		Stream:           stream,
		Stop:             req.Stop,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		Tools:            req.Tools,
		ToolChoice:       req.ToolChoice,
		User:             req.User,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(c.desc.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.desc.APIKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range c.desc.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	return httpReq, nil
}

func (c *Client) providerError(resp *http.Response) *domain.ProviderError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &domain.ProviderError{
		Provider:   c.desc.Name,
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
}

// Complete performs a unary chat completion and stamps the provider name on
// the response.
func (c *Client) Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	httpReq, err := c.buildRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &domain.ProviderError{Provider: c.desc.Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.providerError(resp)
	}

	var out domain.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &domain.ProviderError{Provider: c.desc.Name, Err: fmt.Errorf("decode response: %w", err)}
	}

	out.Provider = c.desc.Name
	return &out, nil
}

// ChunkStream is a pull-based iterator over upstream SSE chunks. The
// consumer drives reads, so backpressure propagates to the upstream
// connection naturally.
type ChunkStream struct {
	provider string
	body     io.ReadCloser
	scanner  *bufio.Scanner
	done     bool
}

// Next returns the next chunk. It reports io.EOF on a data: [DONE] sentinel
// or when the upstream closes the body. Undecodable data lines are logged
// and skipped rather than terminating the stream.
func (s *ChunkStream) Next() (*domain.ChatChunk, error) {
	if s.done {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, ssePrefix) {
			continue
		}

		payload := strings.TrimPrefix(line, ssePrefix)
		if payload == "[DONE]" {
			s.done = true
			return nil, io.EOF
		}

		var chunk domain.ChatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Warn("provider: skipping undecodable stream chunk",
				"provider", s.provider, "error", err)
			continue
		}

		return &chunk, nil
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		return nil, &domain.ProviderError{Provider: s.provider, Err: err}
	}
	return nil, io.EOF
}

// Provider names the upstream this stream is committed to.
func (s *ChunkStream) Provider() string { return s.provider }

func (s *ChunkStream) Close() error {
	s.done = true
	return s.body.Close()
}

// Stream opens a streaming completion. The call commits to this provider
// once a 200 header arrives; errors after that point surface mid-stream
// through Next.
func (c *Client) Stream(ctx context.Context, req domain.ChatRequest) (*ChunkStream, error) {
	httpReq, err := c.buildRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &domain.ProviderError{Provider: c.desc.Name, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.providerError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxSSELineSize)

	return &ChunkStream{
		provider: c.desc.Name,
		body:     resp.Body,
		scanner:  scanner,
	}, nil
}

// Probe checks upstream reachability by listing models. Used by the
// provider health endpoint; a non-2xx status is reported as an error.
func (c *Client) Probe(ctx context.Context) error {
	url := strings.TrimSuffix(c.desc.BaseURL, "/") + "/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.desc.APIKey)
	for k, v := range c.desc.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &domain.ProviderError{Provider: c.desc.Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.providerError(resp)
	}
	return nil
}
