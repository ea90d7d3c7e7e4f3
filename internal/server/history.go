package server

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hal-o-swarm/odoo-toolkit/internal/odoo"
	"github.com/hal-o-swarm/odoo-toolkit/internal/sqlrunner"
	"github.com/hal-o-swarm/odoo-toolkit/internal/storage"
)

const historyWriteTimeout = 5 * time.Second

// RunHistory persists every query run it observes.
type RunHistory struct {
	store  *storage.RunStore
	logger *zap.Logger
}

func NewRunHistory(store *storage.RunStore, logger *zap.Logger) *RunHistory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHistory{store: store, logger: logger}
}

// ObserveTransition saves the run snapshot of t. The row is created on the
// first transition and updated in place afterwards.
func (h *RunHistory) ObserveTransition(t sqlrunner.Transition) {
	if h == nil || h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()

	if err := h.store.SaveRun(ctx, runRecord(t)); err != nil {
		h.logger.Warn("failed to save query run",
			zap.String("run_id", t.RunID),
			zap.String("state", string(t.To)),
			zap.Error(err),
		)
	}
}

func runRecord(t sqlrunner.Transition) storage.QueryRun {
	run := t.Run
	rec := storage.QueryRun{
		ID:              run.ID,
		Token:           run.Token,
		URL:             run.URL,
		Database:        run.Database,
		Statement:       run.Statement,
		Commit:          run.Commit,
		State:           string(run.State),
		Outcome:         string(run.Outcome),
		JobID:           run.JobID,
		PollAttempts:    run.PollAttempts,
		CleanupFailures: run.CleanupFailures,
		StartedAt:       run.StartedAt,
	}
	if t.Err != nil {
		rec.Error = t.Err.Error()
		rec.ErrorKind = errorKind(t.Err)
	}
	if run.Result != nil {
		rowCount := run.Result.RowCount
		affected := run.Result.AffectedRows
		rec.RowCount = &rowCount
		rec.AffectedRows = &affected
	}
	if t.To.Terminal() {
		finished := t.At
		duration := t.At.Sub(run.StartedAt).Milliseconds()
		rec.FinishedAt = &finished
		rec.DurationMS = &duration
	}
	return rec
}

// errorKind classifies a run failure for storage and event subscribers.
func errorKind(err error) string {
	if kind := sqlrunner.KindOf(err); kind != "" {
		return string(kind)
	}
	if errors.Is(err, odoo.ErrAuthentication) {
		return "authentication"
	}
	return "remote"
}
