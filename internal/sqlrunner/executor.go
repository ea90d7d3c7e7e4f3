// Package sqlrunner executes raw SQL on an Odoo database that exposes only
// its JSON-RPC API. Each statement is compiled into a one-shot ir.cron
// scheduled action, triggered immediately, and its outcome is read back from
// ir.config_parameter keys derived from a per-run token.
package sqlrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/hal-o-swarm/odoo-toolkit/internal/odoo"
)

const (
	DefaultPollInterval   = 2 * time.Second
	DefaultCleanupTimeout = 15 * time.Second
	DefaultResultPrefix   = "sql_runner.result."
	DefaultErrorPrefix    = "sql_runner.error."
	DefaultCacheSize      = 128

	jobNamePrefix  = "SQL Runner "
	cronTimeLayout = "2006-01-02 15:04:05"
)

// Servers before 17.0 still expect numbercall and doall on ir.cron.
var legacyCronConstraint = mustConstraint("< 17.0.0")

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return constraint
}

// RemoteClient is the part of odoo.Session a run needs.
type RemoteClient interface {
	Connection() odoo.Connection
	Authenticate(ctx context.Context) (int64, error)
	Invoke(ctx context.Context, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error)
	Search(ctx context.Context, model string, domain []any, limit int) ([]int64, error)
	Create(ctx context.Context, model string, values map[string]any) (int64, error)
	Unlink(ctx context.Context, model string, ids []int64) error
	GetParam(ctx context.Context, key string) (string, bool, error)
	ServerVersion(ctx context.Context) (*semver.Version, error)
}

// Options tunes an Executor.
type Options struct {
	PollInterval   time.Duration
	CleanupTimeout time.Duration
	ResultPrefix   string
	ErrorPrefix    string
	CacheSize      int
	// SessionOptions are applied to sessions built by ExecuteStatement.
	SessionOptions []odoo.Option
}

// DefaultOptions returns the stock executor settings.
func DefaultOptions() Options {
	return Options{
		PollInterval:   DefaultPollInterval,
		CleanupTimeout: DefaultCleanupTimeout,
		ResultPrefix:   DefaultResultPrefix,
		ErrorPrefix:    DefaultErrorPrefix,
		CacheSize:      DefaultCacheSize,
	}
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = DefaultCleanupTimeout
	}
	if o.ResultPrefix == "" {
		o.ResultPrefix = DefaultResultPrefix
	}
	if o.ErrorPrefix == "" {
		o.ErrorPrefix = DefaultErrorPrefix
	}
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
}

// Executor runs statements through scheduled actions. It is safe for
// concurrent use; each RunQuery call is independent apart from the shared
// model-id and server-version caches.
type Executor struct {
	opts   Options
	logger *zap.Logger

	modelIDs *lru.Cache[string, int64]
	versions *lru.Cache[string, *semver.Version]

	mu        sync.RWMutex
	observers []Observer

	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	newToken func() string
	newRunID func() string
}

// NewExecutor creates an executor. Zero option fields take their defaults.
func NewExecutor(opts Options, logger *zap.Logger) (*Executor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.applyDefaults()
	if opts.ResultPrefix == opts.ErrorPrefix {
		return nil, fmt.Errorf("result and error prefixes must differ")
	}

	modelIDs, err := lru.New[string, int64](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create model id cache: %w", err)
	}
	versions, err := lru.New[string, *semver.Version](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create version cache: %w", err)
	}

	return &Executor{
		opts:     opts,
		logger:   logger,
		modelIDs: modelIDs,
		versions: versions,
		now:      time.Now,
		sleep:    sleepContext,
		newToken: NewToken,
		newRunID: uuid.NewString,
	}, nil
}

// Options returns the effective executor options.
func (e *Executor) Options() Options {
	return e.opts
}

// AddObserver registers o for every run transition.
func (e *Executor) AddObserver(o Observer) {
	if o == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// ExecuteStatement runs statement on the database described by conn using a
// fresh session.
func (e *Executor) ExecuteStatement(ctx context.Context, conn odoo.Connection, statement string, timeout time.Duration, commit bool) (*QueryResult, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	opts := append([]odoo.Option{odoo.WithLogger(e.logger)}, e.opts.SessionOptions...)
	return e.RunQuery(ctx, odoo.NewSession(conn, opts...), statement, timeout, commit)
}

// RunQuery executes statement once on the remote database and waits up to
// timeout for its outcome. Unless commit is set, every change is rolled back
// before the script reports. The scheduled job and both result keys are
// removed before RunQuery returns, whatever the outcome.
func (e *Executor) RunQuery(ctx context.Context, client RemoteClient, statement string, timeout time.Duration, commit bool) (result *QueryResult, err error) {
	conn := client.Connection()
	run := &Run{
		ID:        e.newRunID(),
		Token:     e.newToken(),
		Statement: statement,
		Commit:    commit,
		URL:       conn.URL,
		Database:  conn.Database,
		StartedAt: e.now(),
		State:     StateIdle,
	}

	defer func() {
		outcome := StateSucceeded
		switch {
		case errors.Is(err, ErrTimeout):
			outcome = StateTimedOut
		case err != nil:
			outcome = StateFailed
		}
		run.Result = result
		e.advance(run, outcome, err)

		if run.authenticated {
			e.cleanup(ctx, client, run)
		}
		e.advance(run, StateCleanedUp, err)
	}()

	uid, err := client.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	run.authenticated = true
	e.advance(run, StateAuthenticated, nil)

	script, err := Compile(ScriptParams{
		Statement:    statement,
		Token:        run.Token,
		Commit:       commit,
		ResultPrefix: e.opts.ResultPrefix,
		ErrorPrefix:  e.opts.ErrorPrefix,
	})
	if err != nil {
		return nil, setupError("failed to compile script", err)
	}
	e.advance(run, StateCompiled, nil)

	jobID, err := e.createJob(ctx, client, uid, run.Token, script)
	if err != nil {
		return nil, err
	}
	run.JobID = jobID
	e.advance(run, StateCreated, nil)

	if err := e.trigger(ctx, client, run); err != nil {
		return nil, err
	}
	e.advance(run, StateTriggered, nil)

	return e.await(ctx, client, run, timeout)
}

func (e *Executor) createJob(ctx context.Context, client RemoteClient, uid int64, token, script string) (int64, error) {
	modelID, err := e.cronModelID(ctx, client)
	if err != nil {
		return 0, err
	}

	values := map[string]any{
		"name":            jobNamePrefix + token,
		"model_id":        modelID,
		"state":           "code",
		"code":            script,
		"interval_number": 1,
		"interval_type":   "minutes",
		"active":          true,
		"nextcall":        e.now().UTC().Format(cronTimeLayout),
		"user_id":         uid,
	}
	if e.needsLegacyCronFields(ctx, client) {
		values["numbercall"] = 1
		values["doall"] = true
	}

	jobID, err := client.Create(ctx, "ir.cron", values)
	if err != nil {
		return 0, setupError("failed to create scheduled action", err)
	}
	return jobID, nil
}

func (e *Executor) cronModelID(ctx context.Context, client RemoteClient) (int64, error) {
	key := client.Connection().Key()
	if id, ok := e.modelIDs.Get(key); ok {
		return id, nil
	}

	ids, err := client.Search(ctx, "ir.model", []any{[]any{"model", "=", "ir.cron"}}, 1)
	if err != nil {
		if errors.Is(err, odoo.ErrUnexpectedResponse) {
			return 0, setupError("unexpected model_id response", err)
		}
		return 0, setupError("failed to look up ir.cron model", err)
	}
	if len(ids) == 0 || ids[0] <= 0 {
		return 0, setupError("could not find ir.cron model", nil)
	}

	e.modelIDs.Add(key, ids[0])
	return ids[0], nil
}

// needsLegacyCronFields reports whether the server predates 17.0. A version
// that cannot be determined is treated as legacy and is not cached.
func (e *Executor) needsLegacyCronFields(ctx context.Context, client RemoteClient) bool {
	key := client.Connection().Key()
	version, ok := e.versions.Get(key)
	if !ok {
		v, err := client.ServerVersion(ctx)
		if err != nil {
			e.logger.Debug("server version unavailable, keeping legacy cron fields",
				zap.String("url", client.Connection().URL),
				zap.Error(err),
			)
			return true
		}
		e.versions.Add(key, v)
		version = v
	}
	return legacyCronConstraint.Check(version)
}

// trigger runs the job now. When the call fails but the script already
// reported an error, that error is the more useful one.
func (e *Executor) trigger(ctx context.Context, client RemoteClient, run *Run) error {
	_, err := client.Invoke(ctx, "ir.cron", "method_direct_trigger", []any{[]int64{run.JobID}}, nil)
	if err == nil {
		return nil
	}

	keys := e.keys(run.Token)
	if raw, ok := e.readKey(ctx, client, keys.Error); ok {
		return statementError(errorMessage(raw))
	}
	return &Error{Kind: KindTrigger, Err: err}
}

func (e *Executor) keys(token string) Keys {
	return keysFor(e.opts.ResultPrefix, e.opts.ErrorPrefix, token)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
