// Package scheduler runs background jobs on cron schedules: one
// refresh job per KPI at the KPI's own cadence, and the conversation
// purge. Each run is recorded as an Execution.
package scheduler

import (
	"time"
)

// JobKind identifies what a job does.
type JobKind string

const (
	JobKPIRefresh JobKind = "kpi_refresh" // Re-evaluate one KPI
	JobPurge      JobKind = "purge"       // Remove expired conversations
)

// PurgeJobID is the job id of the conversation purge.
const PurgeJobID = "purge"

// Job is a scheduled unit of work.
type Job struct {
	ID     string  `json:"id"`     // kpi:<kpi id> or purge
	Kind   JobKind `json:"kind"`   // What to do
	Target string  `json:"target"` // KPI id for refresh jobs
	Spec   string  `json:"spec"`   // Cron spec, e.g. @every 3600s
}

// kpiJobID returns the job id of a KPI's refresh job.
func kpiJobID(kpiID string) string {
	return "kpi:" + kpiID
}

// Execution represents a single run of a job.
type Execution struct {
	ID          string          `json:"id"` // UUIDv7
	JobID       string          `json:"job_id"`
	Kind        JobKind         `json:"kind"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"` // Output or error
}

// ExecutionStatus indicates the state of an execution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped" // Previous run still in progress
)
