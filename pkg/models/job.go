package models

import (
	"encoding/json"
	"time"
)

// EnqueueJobRequest queues a job. A missing run_at makes it due now.
type EnqueueJobRequest struct {
	Kind    string          `json:"kind" binding:"required"`
	Payload json.RawMessage `json:"payload,omitempty"`
	RunAt   *time.Time      `json:"run_at,omitempty"`
}

// RunJobRequest runs a job synchronously.
type RunJobRequest struct {
	Kind    string          `json:"kind" binding:"required"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
