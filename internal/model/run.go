package model

import "time"

// RunStatus represents the lifecycle state of a scraping run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusAborted   RunStatus = "ABORTED"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusAborted:
		return true
	default:
		return false
	}
}

// ScrapingRun is the record of one orchestrated pass over a single retailer.
// It is written when the run starts and finalized when it ends, on every
// outcome including total failure.
type ScrapingRun struct {
	ID                string     `json:"run_id" yaml:"run_id"`
	Source            string     `json:"source" yaml:"source"`
	StartedAt         time.Time  `json:"started_at" yaml:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	Status            RunStatus  `json:"status" yaml:"status"`
	ProductsAttempted int        `json:"products_attempted" yaml:"products_attempted"`
	ProductsSucceeded int        `json:"products_succeeded" yaml:"products_succeeded"`
	ProductsFailed    int        `json:"products_failed" yaml:"products_failed"`
	ParseErrors       int        `json:"parse_errors" yaml:"parse_errors"`
	Error             string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// RecordSuccess counts one item whose outcome was observed and persisted.
func (r *ScrapingRun) RecordSuccess() {
	r.ProductsAttempted++
	r.ProductsSucceeded++
}

// RecordFailure counts one failed item. parse marks data-quality failures.
func (r *ScrapingRun) RecordFailure(parse bool) {
	r.ProductsAttempted++
	r.ProductsFailed++
	if parse {
		r.ParseErrors++
	}
}

// Finish stamps the end time and terminal status.
func (r *ScrapingRun) Finish(status RunStatus, at time.Time) {
	t := at.UTC()
	r.EndedAt = &t
	r.Status = status
}

// Duration returns the run's wall time, or zero while it is in flight.
func (r *ScrapingRun) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
