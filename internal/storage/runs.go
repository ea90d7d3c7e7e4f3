package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrRunNotFound = errors.New("run not found")

// TimeLayout is a fixed-width RFC 3339 layout, so stored timestamps sort
// lexically in chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// QueryRun is the persisted record of one statement execution.
type QueryRun struct {
	ID              string     `json:"id"`
	Token           string     `json:"token"`
	URL             string     `json:"url"`
	Database        string     `json:"db"`
	Statement       string     `json:"statement"`
	Commit          bool       `json:"commit"`
	State           string     `json:"state"`
	Outcome         string     `json:"outcome,omitempty"`
	Error           string     `json:"error,omitempty"`
	ErrorKind       string     `json:"error_kind,omitempty"`
	JobID           int64      `json:"job_id,omitempty"`
	RowCount        *int64     `json:"row_count,omitempty"`
	AffectedRows    *int64     `json:"affected_rows,omitempty"`
	PollAttempts    int        `json:"poll_attempts"`
	CleanupFailures int        `json:"cleanup_failures"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	DurationMS      *int64     `json:"duration_ms,omitempty"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Outcome  string
	Database string
	Limit    int
}

// RunStore persists query runs in sqlite.
type RunStore struct {
	db *sql.DB
}

func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// SaveRun inserts run or updates the stored row with the same id. A stored
// finish time is kept when run carries none.
func (s *RunStore) SaveRun(ctx context.Context, run QueryRun) error {
	var finishedAt any
	if run.FinishedAt != nil {
		finishedAt = run.FinishedAt.UTC().Format(TimeLayout)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_runs (id, token, url, db, statement, commit_changes, state, outcome, error, error_kind,
			job_id, row_count, affected_rows, poll_attempts, cleanup_failures, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			outcome = excluded.outcome,
			error = excluded.error,
			error_kind = excluded.error_kind,
			job_id = excluded.job_id,
			row_count = excluded.row_count,
			affected_rows = excluded.affected_rows,
			poll_attempts = excluded.poll_attempts,
			cleanup_failures = excluded.cleanup_failures,
			finished_at = COALESCE(excluded.finished_at, query_runs.finished_at),
			duration_ms = COALESCE(excluded.duration_ms, query_runs.duration_ms)
	`, run.ID, run.Token, run.URL, run.Database, run.Statement, run.Commit, run.State,
		nullString(run.Outcome), nullString(run.Error), nullString(run.ErrorKind), nullInt(run.JobID),
		run.RowCount, run.AffectedRows, run.PollAttempts, run.CleanupFailures,
		run.StartedAt.UTC().Format(TimeLayout), finishedAt, run.DurationMS)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

const runColumns = `id, token, url, db, statement, commit_changes, state, outcome, error, error_kind,
	job_id, row_count, affected_rows, poll_attempts, cleanup_failures, started_at, finished_at, duration_ms`

func (s *RunStore) GetRun(ctx context.Context, id string) (*QueryRun, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+" FROM query_runs WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return &runs[0], nil
}

// ListRuns returns the most recent runs first.
func (s *RunStore) ListRuns(ctx context.Context, filter RunFilter) ([]QueryRun, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var where []string
	var args []any
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, filter.Outcome)
	}
	if filter.Database != "" {
		where = append(where, "db = ?")
		args = append(args, filter.Database)
	}

	query := "SELECT " + runColumns + " FROM query_runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]QueryRun, error) {
	defer rows.Close()

	runs := []QueryRun{}
	for rows.Next() {
		var r QueryRun
		var outcome, errStr, errKind, startedAt, finishedAt sql.NullString
		var jobID, rowCount, affected, duration sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Token, &r.URL, &r.Database, &r.Statement, &r.Commit, &r.State,
			&outcome, &errStr, &errKind, &jobID, &rowCount, &affected, &r.PollAttempts, &r.CleanupFailures,
			&startedAt, &finishedAt, &duration); err != nil {
			return nil, err
		}
		r.Outcome = outcome.String
		r.Error = errStr.String
		r.ErrorKind = errKind.String
		r.JobID = jobID.Int64
		if rowCount.Valid {
			r.RowCount = &rowCount.Int64
		}
		if affected.Valid {
			r.AffectedRows = &affected.Int64
		}
		if duration.Valid {
			r.DurationMS = &duration.Int64
		}
		if t, err := time.Parse(TimeLayout, startedAt.String); err == nil {
			r.StartedAt = t
		}
		if finishedAt.Valid {
			if t, err := time.Parse(TimeLayout, finishedAt.String); err == nil {
				r.FinishedAt = &t
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
