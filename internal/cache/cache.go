// Package cache provides the content-addressed response cache. Requests are
// fingerprinted over the fields that can affect a completion; backends are
// opaque KV stores with TTL. Cache failures never fail a request.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/blueberrycongee/llmux/internal/domain"
)

// Backend is the KV contract cache stores must satisfy.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Key fingerprints a request over exactly the fields that can affect the
// response. Provider, cache, stream, and user never contribute: requests
// differing only in those hash identically.
func Key(req domain.ChatRequest) string {
	data, _ := json.Marshal(struct {
		Model            string           `json:"model"`
		Messages         []domain.Message `json:"messages"`
		Temperature      *float64         `json:"temperature,omitempty"`
		TopP             *float64         `json:"top_p,omitempty"`
		MaxTokens        *int             `json:"max_tokens,omitempty"`
		Stop             []string         `json:"stop,omitempty"`
		PresencePenalty  *float64         `json:"presence_penalty,omitempty"`
		FrequencyPenalty *float64         `json:"frequency_penalty,omitempty"`
	}{
		Model:            req.Model,
		Messages:         req.Messages,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		Stop:             req.Stop,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
	})

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ResponseCache applies the caching policy in front of a backend.
type ResponseCache struct {
	backend Backend
	enabled bool
	ttl     time.Duration
}

func New(backend Backend, enabled bool, ttl time.Duration) *ResponseCache {
	return &ResponseCache{
		backend: backend,
		enabled: enabled,
		ttl:     ttl,
	}
}

func (c *ResponseCache) skip(req domain.ChatRequest) bool {
	if c == nil || !c.enabled || c.backend == nil {
		return true
	}
	if req.Stream {
		return true
	}
	if req.Cache != nil && !*req.Cache {
		return true
	}
	return false
}

// Get returns the cached response for a request, stamped cached=true.
func (c *ResponseCache) Get(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, bool) {
	if c.skip(req) {
		return nil, false
	}

	data, ok := c.backend.Get(ctx, Key(req))
	if !ok {
		return nil, false
	}

	var resp domain.ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		slog.Warn("cache: dropping undecodable entry", "error", err)
		return nil, false
	}

	resp.Cached = true
	return &resp, true
}

// Set stores a response under the request's fingerprint. Backend errors are
// swallowed and logged.
func (c *ResponseCache) Set(ctx context.Context, req domain.ChatRequest, resp *domain.ChatResponse) {
	if c.skip(req) || resp == nil {
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		slog.Warn("cache: marshal response", "error", err)
		return
	}

	if err := c.backend.Set(ctx, Key(req), data, c.ttl); err != nil {
		slog.Warn("cache: set failed", "error", err)
	}
}
