package sqlrunner

import (
	"context"
	"time"
)

// await polls the token's keys until one holds a payload or the deadline
// passes. The last read always happens at or after the deadline.
func (e *Executor) await(ctx context.Context, client RemoteClient, run *Run, timeout time.Duration) (*QueryResult, error) {
	keys := e.keys(run.Token)
	deadline := e.now().Add(timeout)

	for {
		run.PollAttempts++

		if raw, ok := e.readKey(ctx, client, keys.Result); ok {
			return parseResult(raw)
		}
		if raw, ok := e.readKey(ctx, client, keys.Error); ok {
			return nil, statementError(errorMessage(raw))
		}

		remaining := deadline.Sub(e.now())
		if remaining <= 0 {
			return nil, timeoutError(timeout)
		}

		if err := e.sleep(ctx, min(e.opts.PollInterval, remaining)); err != nil {
			return nil, &Error{Kind: KindTimeout, Message: "query wait cancelled", Err: err}
		}
	}
}

// readKey reads one parameter. A failed read counts as absent.
func (e *Executor) readKey(ctx context.Context, client RemoteClient, key string) (string, bool) {
	value, err := bestEffort(e.logger, "get_param "+key, func() (string, error) {
		v, ok, err := client.GetParam(ctx, key)
		if err != nil || !ok {
			return "", err
		}
		return v, nil
	})
	if err != nil || value == "" {
		return "", false
	}
	return value, true
}
