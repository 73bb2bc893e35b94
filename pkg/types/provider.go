// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// Usage is token and cost accounting for one or more provider calls.
type Usage struct {
	InputTokens  int     `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int     `json:"output_tokens" yaml:"output_tokens"`
	CostUSD      float64 `json:"cost_usd" yaml:"cost_usd"`
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CostUSD += o.CostUSD
}

// ProviderCallRecord is emitted once per provider attempt, successful or not.
type ProviderCallRecord struct {
	JobID      string `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	Provider   string `json:"provider" yaml:"provider"`
	Model      string `json:"model" yaml:"model"`
	Task       string `json:"task" yaml:"task"`
	Capability string `json:"capability" yaml:"capability"`
	Success    bool   `json:"success" yaml:"success"`

	InputTokens  int           `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int           `json:"output_tokens" yaml:"output_tokens"`
	CostUSD      float64       `json:"cost_usd" yaml:"cost_usd"`
	Latency      time.Duration `json:"latency" yaml:"latency"`

	ErrorType        string `json:"error_type,omitempty" yaml:"error_type,omitempty"`
	WasFallback      bool   `json:"was_fallback" yaml:"was_fallback"`
	OriginalProvider string `json:"original_provider,omitempty" yaml:"original_provider,omitempty"`
	FallbackReason   string `json:"fallback_reason,omitempty" yaml:"fallback_reason,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}
