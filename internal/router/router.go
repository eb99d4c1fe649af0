// Package router selects upstream providers for a request and walks the
// candidate list on failure. Fallback happens only before the first byte of
// a response reaches the client.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/blueberrycongee/llmux/internal/domain"
	"github.com/blueberrycongee/llmux/internal/provider"
	"github.com/blueberrycongee/llmux/internal/registry"
)

const (
	StrategyFirstAvailable = "first-available"
	StrategyRandom         = "random"
	StrategyRoundRobin     = "round-robin"
	StrategyLatency        = "latency"
)

// Observer receives routing outcomes for metrics and alerting. All methods
// must be non-blocking or cheap; they run on the request path.
type Observer interface {
	ProviderFailed(provider string, err error)
	FellBack(from, to string)
	Exhausted(model string, err error)
}

// Router owns one client per enabled provider and applies the configured
// selection strategy.
type Router struct {
	registry *registry.Registry
	clients  map[string]*provider.Client
	strategy string
	fallback []string
	obs      Observer

	mu      sync.Mutex
	rrByKey map[string]int
	latency *latencyTracker
}

func New(reg *registry.Registry, strategy string, fallback []string) *Router {
	clients := make(map[string]*provider.Client)
	for _, d := range reg.List() {
		clients[d.Name] = provider.NewClient(d)
	}
	return &Router{
		registry: reg,
		clients:  clients,
		strategy: strategy,
		fallback: fallback,
		rrByKey:  make(map[string]int),
		latency:  newLatencyTracker(),
	}
}

// SetObserver installs the routing observer. Must be called before the
// router starts serving requests.
func (r *Router) SetObserver(obs Observer) {
	r.obs = obs
}

func (r *Router) providerFailed(name string, err error) {
	if r.obs != nil {
		r.obs.ProviderFailed(name, err)
	}
}

func (r *Router) fellBack(from, to string) {
	if r.obs != nil {
		r.obs.FellBack(from, to)
	}
}

func (r *Router) exhausted(model string, err error) {
	if r.obs != nil {
		r.obs.Exhausted(model, err)
	}
}

// Client returns the client for an enabled provider.
func (r *Router) Client(name string) (*provider.Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// candidates builds the ordered provider list for a request. An explicit
// provider pin bypasses strategy and fallback entirely.
func (r *Router) candidates(req domain.ChatRequest) ([]string, error) {
	if req.Provider != "" {
		if _, ok := r.clients[req.Provider]; !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, req.Provider)
		}
		return []string{req.Provider}, nil
	}

	var eligible []string
	for _, name := range r.order() {
		native := r.registry.Resolve(req.Model, name)
		if r.registry.Supports(name, native) {
			eligible = append(eligible, name)
		}
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w for model %s", domain.ErrNoProvidersAvailable, req.Model)
	}

	switch r.strategy {
	case StrategyRandom:
		shuffled := make([]string, len(eligible))
		copy(shuffled, eligible)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		return shuffled, nil
	case StrategyRoundRobin:
		return r.rotate(req.Model, eligible), nil
	case StrategyLatency:
		return r.latency.order(eligible), nil
	default:
		return eligible, nil
	}
}

// order returns the base provider ordering: the fallback chain when
// configured, configuration order otherwise.
func (r *Router) order() []string {
	if len(r.fallback) > 0 {
		return r.fallback
	}
	return r.registry.Names()
}

// rotate applies the per-model round-robin offset. The counter is read and
// advanced under the lock; fairness under concurrency is approximate.
func (r *Router) rotate(model string, eligible []string) []string {
	r.mu.Lock()
	start := r.rrByKey[model] % len(eligible)
	r.rrByKey[model]++
	r.mu.Unlock()

	out := make([]string, 0, len(eligible))
	out = append(out, eligible[start:]...)
	out = append(out, eligible[:start]...)
	return out
}

// resolve rewrites the request model to the provider-native name.
func (r *Router) resolve(req domain.ChatRequest, providerName string) domain.ChatRequest {
	req.Model = r.registry.Resolve(req.Model, providerName)
	return req
}

// Complete runs a unary completion, falling back through the candidate list
// until one provider succeeds.
func (r *Router) Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	names, err := r.candidates(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, name := range names {
		client := r.clients[name]
		resp, err := client.Complete(ctx, r.resolve(req, name))
		if err == nil {
			return resp, nil
		}
		lastErr = err
		r.providerFailed(name, err)
		if ctx.Err() != nil {
			return nil, lastErr
		}
		slog.Warn("router: provider failed, trying next",
			"provider", name, "model", req.Model, "error", err)
		if i+1 < len(names) {
			r.fellBack(name, names[i+1])
		}
	}

	r.exhausted(req.Model, lastErr)
	return nil, fmt.Errorf("%w. Last error: %v", domain.ErrAllProvidersFailed, lastErr)
}

// Stream opens a streaming completion. Providers that fail before returning
// a 200 header are skipped; once a stream is open the route is committed.
func (r *Router) Stream(ctx context.Context, req domain.ChatRequest) (*provider.ChunkStream, error) {
	names, err := r.candidates(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, name := range names {
		client := r.clients[name]
		stream, err := client.Stream(ctx, r.resolve(req, name))
		if err == nil {
			return stream, nil
		}
		lastErr = err
		r.providerFailed(name, err)
		if ctx.Err() != nil {
			return nil, lastErr
		}
		slog.Warn("router: provider stream failed, trying next",
			"provider", name, "model", req.Model, "error", err)
		if i+1 < len(names) {
			r.fellBack(name, names[i+1])
		}
	}

	r.exhausted(req.Model, lastErr)
	return nil, fmt.Errorf("%w. Last error: %v", domain.ErrAllProvidersFailed, lastErr)
}

// ObserveLatency feeds the latency strategy with a completed call's
// duration in seconds.
func (r *Router) ObserveLatency(providerName string, seconds float64) {
	r.latency.observe(providerName, seconds)
}
