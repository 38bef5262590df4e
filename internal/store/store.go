// Package store persists the audit trail of provisioning runs in Postgres.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/panelbot/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts pgxpool.Pool so tests can use pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store records provisioning runs. It never sees a password: RunRecord has
// no field for one.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.RunRecorder = (*Store)(nil)

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

const sqlInsertRun = `
    INSERT INTO provisioning_runs
        (run_id, requester_id, kind, package_id, username, outcome, step, error_code, quota_seen, started_at, finished_at, detail)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    ON CONFLICT (run_id) DO NOTHING;
`

// RecordRun inserts rec. Recording the same run twice is a no-op.
func (s *Store) RecordRun(ctx context.Context, rec schemas.RunRecord) error {
	detail := []byte("{}")
	if len(rec.Detail) > 0 {
		b, err := json.Marshal(rec.Detail)
		if err != nil {
			return fmt.Errorf("failed to encode run detail: %w", err)
		}
		detail = b
	}

	_, err := s.pool.Exec(ctx, sqlInsertRun,
		rec.RunID, rec.RequesterID, string(rec.Kind), rec.PackageID, rec.Username,
		string(rec.Outcome), string(rec.Step), string(rec.ErrorCode), rec.QuotaSeen,
		rec.StartedAt.UTC(), rec.FinishedAt.UTC(), detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", rec.RunID, err)
	}
	s.log.Debug("Recorded run", zap.String("run_id", rec.RunID), zap.String("outcome", string(rec.Outcome)))
	return nil
}

const sqlRecentRuns = `
    SELECT run_id, requester_id, kind, package_id, username, outcome, step, error_code, quota_seen, started_at, finished_at, detail
    FROM provisioning_runs
    WHERE ($1::bigint = 0 OR requester_id = $1)
    ORDER BY started_at DESC
    LIMIT $2;
`

// RecentRuns returns the latest runs, newest first. A zero requesterID
// returns runs of every requester.
func (s *Store) RecentRuns(ctx context.Context, requesterID int64, limit int) ([]schemas.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, sqlRecentRuns, requesterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []schemas.RunRecord
	for rows.Next() {
		var (
			r                       schemas.RunRecord
			kind, outcome, step, ec string
			detail                  []byte
			startedAt, finishedAt   time.Time
		)
		err := rows.Scan(&r.RunID, &r.RequesterID, &kind, &r.PackageID, &r.Username,
			&outcome, &step, &ec, &r.QuotaSeen, &startedAt, &finishedAt, &detail)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		r.Kind = schemas.AccountKind(kind)
		r.Outcome = schemas.RunOutcome(outcome)
		r.Step = schemas.Step(step)
		r.ErrorCode = schemas.ErrorCode(ec)
		r.StartedAt, r.FinishedAt = startedAt, finishedAt
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &r.Detail); err != nil {
				return nil, fmt.Errorf("failed to decode detail of run %s: %w", r.RunID, err)
			}
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

const sqlOutcomeCounts = `
    SELECT outcome, count(*)
    FROM provisioning_runs
    WHERE finished_at >= $1
    GROUP BY outcome;
`

// OutcomeCounts tallies runs finished since the given time by outcome.
func (s *Store) OutcomeCounts(ctx context.Context, since time.Time) (map[schemas.RunOutcome]int64, error) {
	rows, err := s.pool.Query(ctx, sqlOutcomeCounts, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[schemas.RunOutcome]int64)
	for rows.Next() {
		var (
			outcome string
			n       int64
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[schemas.RunOutcome(outcome)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return counts, nil
}
