package schemas

import (
	"context"
	"time"
)

// RunOutcome is the terminal status of a run as recorded in the audit log.
type RunOutcome string

const (
	OutcomeSucceeded RunOutcome = "succeeded"
	OutcomeFailed    RunOutcome = "failed"
	OutcomeRejected  RunOutcome = "rejected"
)

// RunRecord is the audit row written for every submitted run. It never
// carries the account password.
type RunRecord struct {
	RunID       string         `json:"run_id"`
	RequesterID int64          `json:"requester_id"`
	Kind        AccountKind    `json:"kind"`
	PackageID   string         `json:"package_id"`
	Username    string         `json:"username,omitempty"`
	Outcome     RunOutcome     `json:"outcome"`
	Step        Step           `json:"step,omitempty"`
	ErrorCode   ErrorCode      `json:"error_code,omitempty"`
	QuotaSeen   *int           `json:"quota_seen,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// RunRecorder persists audit records.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// NopRecorder discards records. Used when no database is configured.
type NopRecorder struct{}

func (NopRecorder) RecordRun(context.Context, RunRecord) error { return nil }
