package api

import (
	"context"
	"net/http"
	"sync"
	"time"
)

const providerProbeTimeout = 5 * time.Second

type providerHealth struct {
	Status string   `json:"status"`
	Error  string   `json:"error,omitempty"`
	Models []string `json:"models"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleProviderHealth probes every enabled provider's models endpoint
// concurrently and reports per-provider reachability.
func (h *Handler) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), providerProbeTimeout)
	defer cancel()

	results := make(map[string]providerHealth)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, d := range h.registry.List() {
		client, ok := h.router.Client(d.Name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, models []string) {
			defer wg.Done()

			result := providerHealth{Status: "ok", Models: models}
			if err := client.Probe(ctx); err != nil {
				result.Status = "unhealthy"
				result.Error = err.Error()
			}

			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(d.Name, d.Models)
	}

	wg.Wait()

	status := http.StatusOK
	for _, result := range results {
		if result.Status != "ok" {
			status = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, status, map[string]any{
		"providers": results,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
