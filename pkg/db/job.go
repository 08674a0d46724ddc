// Database models for the durable job queue
package db

import (
	"time"

	"gorm.io/datatypes"
)

// Job states. Transitions only go forward: queued -> running -> succeeded|failed.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// Job is never deleted; its row is the execution history.
type Job struct {
	ID         string         `json:"id" gorm:"primaryKey;size:36"`
	Kind       string         `json:"kind" gorm:"size:64;not null;index:idx_jobs_kind_state,priority:1"`
	State      string         `json:"state" gorm:"size:16;not null;index:idx_jobs_kind_state,priority:2;index:idx_jobs_state_run_at,priority:1"`
	Payload    datatypes.JSON `json:"payload"`
	RunAt      *time.Time     `json:"run_at,omitempty" gorm:"index:idx_jobs_state_run_at,priority:2"`
	Result     datatypes.JSON `json:"result,omitempty"`
	Error      string         `json:"error,omitempty" gorm:"type:text"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at" gorm:"index"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (Job) TableName() string {
	return "jobs"
}

// Setting is a flat key/value row.
type Setting struct {
	Key       string    `json:"key" gorm:"primaryKey;column:setting_key;size:128"`
	Value     string    `json:"value" gorm:"type:text"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Setting) TableName() string {
	return "settings"
}
