package model

import "time"

// RunType distinguishes scheduled monitoring runs from on-demand ones.
type RunType string

const (
	RunScheduled RunType = "scheduled"
	RunManual    RunType = "manual"
)

// RunStatus is the lifecycle state of a monitoring run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunStats holds the counters accumulated over one monitoring run.
type RunStats struct {
	SourcesChecked       int      `json:"sources_checked"`
	CompaniesChecked     int      `json:"companies_checked"`
	UpdatesDetected      int      `json:"updates_detected"`
	UpdatesAutoApproved  int      `json:"updates_auto_approved"`
	UpdatesPendingReview int      `json:"updates_pending_review"`
	FactsDiscarded       int      `json:"facts_discarded"` // implausible text matches
	ErrorsCount          int      `json:"errors_count"`
	ErrorDetails         []string `json:"error_details,omitempty"`
}

// MonitoringRun wraps one batch execution of the orchestrator.
type MonitoringRun struct {
	ID          string     `json:"id"`
	RunType     RunType    `json:"run_type"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Stats       RunStats   `json:"stats"`
}
