package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/blueberrycongee/llmux/internal/auth"
	"github.com/blueberrycongee/llmux/internal/domain"
	"github.com/blueberrycongee/llmux/internal/metrics"
)

func (h *Handler) handleResponses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	label, requestID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	ctx = auth.WithLabel(ctx, label)

	var req domain.ResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_request", "invalid request body")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_request", "model is required")
		return
	}

	if req.Stream {
		h.handleResponsesStream(w, r, req, label, requestID, start)
		return
	}

	resp, err := h.responses.Create(ctx, req)
	if err != nil {
		slog.Error("response failed", "error", err, "request_id", requestID, "model", req.Model)
		writeDomainError(w, err)
		return
	}

	elapsed := time.Since(start)
	metrics.RecordRequest(resp.Provider, req.Model, "success", elapsed.Seconds())

	var usage *domain.Usage
	if resp.Usage != nil {
		usage = &domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	latency := elapsed.Milliseconds()
	slog.Info("response completed",
		"request_id", requestID,
		"client_label", label,
		"provider", resp.Provider,
		"model", req.Model,
		"latency_ms", latency,
	)
	h.recordUsage(ctx, usageRecord(requestID, label, resp.Provider, req.Model, usage, resp.Cached, latency))

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleResponsesStream(w http.ResponseWriter, r *http.Request, req domain.ResponseRequest, label, requestID string, start time.Time) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "api_error", "internal_error", "streaming not supported")
		return
	}

	emitter, input, err := h.responses.Stream(ctx, req)
	if err != nil {
		slog.Error("response stream open failed", "error", err, "request_id", requestID, "model", req.Model)
		writeDomainError(w, err)
		return
	}
	defer emitter.Close()

	setStreamHeaders(w)
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	for {
		ev, err := emitter.Next()
		if err != nil {
			if err != io.EOF {
				slog.Warn("response stream error", "error", err, "request_id", requestID)
				writeSSEEvent(w, emitter.FailEvent(err))
				flusher.Flush()
			}
			break
		}
		writeSSEEvent(w, ev)
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	h.responses.Remember(emitter.Final(), input)

	elapsed := time.Since(start)
	latency := elapsed.Milliseconds()
	if final := emitter.Final(); final != nil {
		metrics.RecordRequest(final.Provider, req.Model, "success", elapsed.Seconds())
		var usage *domain.Usage
		if final.Usage != nil {
			usage = &domain.Usage{
				PromptTokens:     final.Usage.InputTokens,
				CompletionTokens: final.Usage.OutputTokens,
				TotalTokens:      final.Usage.TotalTokens,
			}
		}
		h.recordUsage(ctx, usageRecord(requestID, label, final.Provider, req.Model, usage, false, latency))
	}

	slog.Info("response stream completed",
		"request_id", requestID,
		"client_label", label,
		"model", req.Model,
		"latency_ms", latency,
	)
}

func (h *Handler) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.authenticate(w, r); !ok {
		return
	}

	id := r.PathValue("id")
	resp, ok := h.responses.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "invalid_request_error", "response_not_found",
			fmt.Sprintf("response %s not found", id))
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeSSEEvent(w http.ResponseWriter, ev *domain.StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}
