package domain

import "time"

// UsageRecord captures one completed request for accounting sinks. No cost
// or quota semantics attach to it.
type UsageRecord struct {
	RequestID    string    `json:"request_id"`
	ClientLabel  string    `json:"client_label"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cached       bool      `json:"cached"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}
