// Package api exposes the gateway's HTTP surface: the chat-completions and
// responses endpoints, model listing, health probes, and metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/llmux/internal/auth"
	"github.com/blueberrycongee/llmux/internal/cache"
	"github.com/blueberrycongee/llmux/internal/domain"
	"github.com/blueberrycongee/llmux/internal/metrics"
	"github.com/blueberrycongee/llmux/internal/registry"
	"github.com/blueberrycongee/llmux/internal/responses"
	"github.com/blueberrycongee/llmux/internal/router"
	"github.com/blueberrycongee/llmux/internal/telemetry"
)

// UsageSink receives usage records after completed requests. Sinks must be
// best-effort: failures are theirs to log and swallow.
type UsageSink interface {
	Record(ctx context.Context, rec domain.UsageRecord)
}

type HandlerConfig struct {
	Auth      *auth.Authenticator
	Registry  *registry.Registry
	Router    *router.Router
	Cache     *cache.ResponseCache
	Responses *responses.Service
	Usage     []UsageSink
}

type Handler struct {
	auth      *auth.Authenticator
	registry  *registry.Registry
	router    *router.Router
	cache     *cache.ResponseCache
	responses *responses.Service
	usage     []UsageSink
	mux       *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		auth:      cfg.Auth,
		registry:  cfg.Registry,
		router:    cfg.Router,
		cache:     cfg.Cache,
		responses: cfg.Responses,
		usage:     cfg.Usage,
		mux:       http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("POST /v1/responses", h.handleResponses)
	h.mux.HandleFunc("GET /v1/responses/{id}", h.handleGetResponse)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/providers", h.handleProviderHealth)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// authenticate resolves the client label and stamps the request id on the
// response. A false return means the error has been written.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	label, err := h.auth.Authenticate(r)
	if err != nil {
		slog.Warn("auth failed", "error", err, "request_id", requestID)
		writeDomainError(w, err)
		return "", requestID, false
	}
	return label, requestID, true
}

func (h *Handler) recordUsage(ctx context.Context, rec domain.UsageRecord) {
	for _, sink := range h.usage {
		sink.Record(ctx, rec)
	}
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	label, requestID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	ctx = auth.WithLabel(ctx, label)

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_request", "invalid request body")
		return
	}
	if err := validateChatRequest(req); err != nil {
		writeDomainError(w, err)
		return
	}

	if req.Stream {
		h.handleChatStream(w, r, req, label, requestID, start)
		return
	}

	ctx, span := telemetry.StartSpan(ctx, "chat.completions")
	defer span.End()

	if cached, ok := h.cache.Get(ctx, req); ok {
		metrics.CacheHits.Inc()
		telemetry.AddRequestAttributes(span, label, cached.Provider, req.Model, requestID)
		telemetry.AddCacheAttribute(span, true)
		if cached.Usage != nil {
			telemetry.AddTokenAttributes(span, cached.Usage.PromptTokens, cached.Usage.CompletionTokens)
		}
		latency := time.Since(start).Milliseconds()
		slog.Info("cache hit",
			"request_id", requestID,
			"client_label", label,
			"model", req.Model,
			"latency_ms", latency,
		)
		h.recordUsage(ctx, usageRecord(requestID, label, cached.Provider, req.Model, cached.Usage, true, latency))
		writeJSON(w, http.StatusOK, cached)
		return
	}
	metrics.CacheMisses.Inc()
	telemetry.AddCacheAttribute(span, false)

	resp, err := h.router.Complete(ctx, req)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		slog.Error("completion failed", "error", err, "request_id", requestID, "model", req.Model)
		metrics.RecordRequest("", req.Model, "error", time.Since(start).Seconds())
		writeDomainError(w, err)
		return
	}

	h.cache.Set(ctx, req, resp)

	elapsed := time.Since(start)
	h.router.ObserveLatency(resp.Provider, elapsed.Seconds())
	metrics.RecordRequest(resp.Provider, req.Model, "success", elapsed.Seconds())
	telemetry.AddRequestAttributes(span, label, resp.Provider, req.Model, requestID)
	if resp.Usage != nil {
		metrics.RecordTokens(resp.Provider, req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		telemetry.AddTokenAttributes(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}

	latency := elapsed.Milliseconds()
	slog.Info("request completed",
		"request_id", requestID,
		"client_label", label,
		"provider", resp.Provider,
		"model", req.Model,
		"latency_ms", latency,
		"trace_id", telemetry.GetTraceID(ctx),
	)
	h.recordUsage(ctx, usageRecord(requestID, label, resp.Provider, req.Model, resp.Usage, false, latency))

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request, req domain.ChatRequest, label, requestID string, start time.Time) {
	ctx, span := telemetry.StartSpan(r.Context(), "chat.stream")
	defer span.End()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "api_error", "internal_error", "streaming not supported")
		return
	}

	stream, err := h.router.Stream(ctx, req)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		slog.Error("stream open failed", "error", err, "request_id", requestID, "model", req.Model)
		writeDomainError(w, err)
		return
	}
	defer stream.Close()

	setStreamHeaders(w)
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	var usage *domain.Usage
	for {
		chunk, err := stream.Next()
		if err != nil {
			if err != io.EOF {
				telemetry.AddErrorAttribute(span, err)
				slog.Warn("stream error", "error", err, "request_id", requestID, "provider", stream.Provider())
				writeSSEError(w, err)
			}
			break
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	elapsed := time.Since(start)
	h.router.ObserveLatency(stream.Provider(), elapsed.Seconds())
	metrics.RecordRequest(stream.Provider(), req.Model, "success", elapsed.Seconds())
	telemetry.AddRequestAttributes(span, label, stream.Provider(), req.Model, requestID)
	if usage != nil {
		telemetry.AddTokenAttributes(span, usage.PromptTokens, usage.CompletionTokens)
	}

	latency := elapsed.Milliseconds()
	slog.Info("streaming request completed",
		"request_id", requestID,
		"client_label", label,
		"provider", stream.Provider(),
		"model", req.Model,
		"latency_ms", latency,
		"trace_id", telemetry.GetTraceID(ctx),
	)
	h.recordUsage(ctx, usageRecord(requestID, label, stream.Provider(), req.Model, usage, false, latency))
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.authenticate(w, r); !ok {
		return
	}

	now := time.Now().Unix()
	seen := make(map[string]bool)
	out := domain.ModelsResponse{Object: "list", Data: []domain.Model{}}

	for _, d := range h.registry.List() {
		for _, m := range d.Models {
			if seen[m] {
				continue
			}
			seen[m] = true
			out.Data = append(out.Data, domain.Model{ID: m, Object: "model", Created: now, OwnedBy: d.Name})
		}
	}
	for _, alias := range h.registry.AliasNames() {
		if seen[alias] {
			continue
		}
		seen[alias] = true
		out.Data = append(out.Data, domain.Model{ID: alias, Object: "model", Created: now, OwnedBy: "llmux"})
	}

	writeJSON(w, http.StatusOK, out)
}

func validateChatRequest(req domain.ChatRequest) error {
	if req.Model == "" {
		return fmt.Errorf("%w: model is required", domain.ErrInvalidRequest)
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", domain.ErrInvalidRequest)
	}
	return nil
}

func usageRecord(requestID, label, provider, model string, usage *domain.Usage, cached bool, latencyMs int64) domain.UsageRecord {
	rec := domain.UsageRecord{
		RequestID:   requestID,
		ClientLabel: label,
		Provider:    provider,
		Model:       model,
		Cached:      cached,
		LatencyMs:   latencyMs,
		CreatedAt:   time.Now().UTC(),
	}
	if usage != nil {
		rec.InputTokens = usage.PromptTokens
		rec.OutputTokens = usage.CompletionTokens
	}
	return rec
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeSSEError emits the terminal error frame of a committed chat stream.
func writeSSEError(w http.ResponseWriter, err error) {
	data, merr := json.Marshal(domain.ErrorResponse{
		Error: domain.ErrorDetail{Type: "api_error", Code: "stream_error", Message: err.Error()},
	})
	if merr != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
