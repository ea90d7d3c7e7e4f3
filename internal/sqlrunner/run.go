package sqlrunner

import (
	"time"

	"go.uber.org/zap"
)

// RunState is a step of the run lifecycle.
type RunState string

const (
	StateIdle          RunState = "idle"
	StateAuthenticated RunState = "authenticated"
	StateCompiled      RunState = "compiled"
	StateCreated       RunState = "created"
	StateTriggered     RunState = "triggered"
	StateSucceeded     RunState = "succeeded"
	StateFailed        RunState = "failed"
	StateTimedOut      RunState = "timed_out"
	StateCleanedUp     RunState = "cleaned_up"
)

// Terminal reports whether s is a final outcome, before cleanup.
func (s RunState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}

// Run is the bookkeeping of one RunQuery call.
type Run struct {
	ID        string
	Token     string
	Statement string
	Commit    bool
	URL       string
	Database  string
	JobID     int64
	State     RunState
	StartedAt time.Time

	// Outcome is the terminal state reached before cleanup.
	Outcome         RunState
	PollAttempts    int
	CleanupFailures int
	Result          *QueryResult

	authenticated bool
}

// Authenticated reports whether the run logged in, and so whether remote
// cleanup was attempted.
func (r Run) Authenticated() bool {
	return r.authenticated
}

// Transition is emitted each time a run changes state. Run is a snapshot
// taken after the change.
type Transition struct {
	RunID string
	Token string
	From  RunState
	To    RunState
	At    time.Time
	Err   error
	Run   Run
}

// Observer receives run transitions. It is called synchronously on the
// run's goroutine and must not block.
type Observer interface {
	ObserveTransition(Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

func (f ObserverFunc) ObserveTransition(t Transition) {
	f(t)
}

func (e *Executor) advance(run *Run, to RunState, err error) {
	from := run.State
	run.State = to
	if to.Terminal() {
		run.Outcome = to
	}

	t := Transition{
		RunID: run.ID,
		Token: run.Token,
		From:  from,
		To:    to,
		At:    e.now(),
		Err:   err,
		Run:   *run,
	}

	fields := []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("token", run.Token),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	}
	switch {
	case err != nil && to.Terminal():
		e.logger.Warn("query run failed", append(fields, zap.Error(err))...)
	case to.Terminal():
		e.logger.Info("query run finished", append(fields, zap.Int("poll_attempts", run.PollAttempts))...)
	default:
		e.logger.Debug("query run transition", fields...)
	}

	e.mu.RLock()
	observers := append([]Observer(nil), e.observers...)
	e.mu.RUnlock()
	for _, o := range observers {
		o.ObserveTransition(t)
	}
}
