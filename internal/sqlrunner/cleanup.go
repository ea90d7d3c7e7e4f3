package sqlrunner

import (
	"context"

	"go.uber.org/zap"
)

// cleanup removes the run's job and both keys. It runs detached from the
// caller's cancellation so an abandoned request still leaves nothing behind.
func (e *Executor) cleanup(ctx context.Context, client RemoteClient, run *Run) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.CleanupTimeout)
	defer cancel()

	if run.JobID > 0 {
		_, err := bestEffort(e.logger, "unlink ir.cron", func() (struct{}, error) {
			return struct{}{}, client.Unlink(ctx, "ir.cron", []int64{run.JobID})
		})
		if err != nil {
			run.CleanupFailures++
		}
	}

	keys := e.keys(run.Token)
	for _, key := range []string{keys.Result, keys.Error} {
		ids, err := bestEffort(e.logger, "search ir.config_parameter", func() ([]int64, error) {
			return client.Search(ctx, "ir.config_parameter", []any{[]any{"key", "=", key}}, 0)
		})
		if err != nil {
			run.CleanupFailures++
			continue
		}
		if len(ids) == 0 {
			continue
		}
		_, err = bestEffort(e.logger, "unlink ir.config_parameter", func() (struct{}, error) {
			return struct{}{}, client.Unlink(ctx, "ir.config_parameter", ids)
		})
		if err != nil {
			run.CleanupFailures++
		}
	}
}

// bestEffort runs fn and logs its error at debug level. The error is returned
// only so callers can count it; it never changes a run's outcome.
func bestEffort[T any](logger *zap.Logger, op string, fn func() (T, error)) (T, error) {
	value, err := fn()
	if err != nil {
		logger.Debug("best-effort operation failed", zap.String("op", op), zap.Error(err))
	}
	return value, err
}
