package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hal-o-swarm/odoo-toolkit/internal/inspect"
	"github.com/hal-o-swarm/odoo-toolkit/internal/odoo"
	"github.com/hal-o-swarm/odoo-toolkit/internal/shared"
	"github.com/hal-o-swarm/odoo-toolkit/internal/sqlrunner"
	"github.com/hal-o-swarm/odoo-toolkit/internal/storage"
)

const (
	maxRequestBody      = 1 << 20
	defaultRunListLimit = 50

	msgMissingFields = "Missing required fields"
)

// HTTPAPI serves the toolkit operations over JSON.
type HTTPAPI struct {
	executor  *sqlrunner.Executor
	runs      *storage.RunStore
	authToken string
	logger    *zap.Logger

	defaultTimeout time.Duration
	maxTimeout     time.Duration
	sessionOpts    []odoo.Option

	health  *HealthChecker
	audit   *AuditLogger
	hub     *EventHub
	metrics *Metrics
}

func NewHTTPAPI(executor *sqlrunner.Executor, runs *storage.RunStore, authToken string, logger *zap.Logger) *HTTPAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPAPI{
		executor:       executor,
		runs:           runs,
		authToken:      authToken,
		logger:         logger,
		defaultTimeout: time.Minute,
		maxTimeout:     10 * time.Minute,
	}
}

func (a *HTTPAPI) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleLiveness)
	mux.HandleFunc("GET /readyz", a.handleReadiness)
	mux.HandleFunc("GET /api/v1/health", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.route(mux, "POST /api/v1/query", "query", a.handleQuery)
	a.route(mux, "POST /api/v1/records/count", "records_count", a.handleCountRecords)
	a.route(mux, "POST /api/v1/modules/list", "modules_list", a.handleListModules)
	a.route(mux, "POST /api/v1/modules/compare", "modules_compare", a.handleCompareModules)
	a.route(mux, "POST /api/v1/access/check", "access_check", a.handleCheckAccess)
	a.route(mux, "POST /api/v1/access/compare", "access_compare", a.handleCompareAccess)
	a.route(mux, "POST /api/v1/groups/insight", "groups_insight", a.handleGroupInsight)
	a.route(mux, "GET /api/v1/runs", "runs_list", a.handleListRuns)
	a.route(mux, "GET /api/v1/runs/{id}", "runs_get", a.handleGetRun)

	if a.hub != nil {
		mux.Handle("GET /ws/runs", http.HandlerFunc(a.hub.ServeWS))
	}

	return a.withCorrelationID(mux)
}

func (a *HTTPAPI) SetHealthChecker(hc *HealthChecker) {
	a.health = hc
}

func (a *HTTPAPI) SetAuditLogger(al *AuditLogger) {
	a.audit = al
}

func (a *HTTPAPI) SetHub(hub *EventHub) {
	a.hub = hub
}

func (a *HTTPAPI) SetMetrics(m *Metrics) {
	a.metrics = m
}

// SetTimeouts sets the timeout used when a query names none and the upper
// bound a request may ask for.
func (a *HTTPAPI) SetTimeouts(defaultTimeout, maxTimeout time.Duration) {
	a.defaultTimeout = defaultTimeout
	a.maxTimeout = maxTimeout
}

// SetSessionOptions configures every remote session opened by the API.
func (a *HTTPAPI) SetSessionOptions(opts ...odoo.Option) {
	a.sessionOpts = opts
}

type apiResponse struct {
	Data interface{} `json:"data"`
	Meta *apiMeta    `json:"meta,omitempty"`
}

type apiMeta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (a *HTTPAPI) route(mux *http.ServeMux, pattern, name string, h http.HandlerFunc) {
	mux.Handle(pattern, a.requireAuth(a.instrument(name, h)))
}

func (a *HTTPAPI) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "unauthorized", "AUTH_REQUIRED")
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		if a.authToken == "" || token != a.authToken {
			writeError(w, http.StatusUnauthorized, "unauthorized", "AUTH_REQUIRED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAPI) withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := shared.RequestCorrelationID(r)
		w.Header().Set(shared.CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(shared.WithCorrelationID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *HTTPAPI) instrument(name string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rec, r)
		a.metrics.RecordRequest(name, rec.status)
		shared.LoggerWithContext(r.Context(), a.logger).Debug("api request",
			zap.String("route", name),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (a *HTTPAPI) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if a.health == nil {
		writeJSON(w, http.StatusOK, HealthCheckResult{Status: HealthHealthy, Components: map[string]ComponentHealth{}, Timestamp: time.Now().UTC()})
		return
	}
	writeJSON(w, http.StatusOK, a.health.CheckLiveness(r.Context()))
}

func (a *HTTPAPI) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if a.health == nil {
		writeError(w, http.StatusServiceUnavailable, "health checker not configured", "UNAVAILABLE")
		return
	}
	result := a.health.CheckReadiness(r.Context())
	status := http.StatusOK
	if result.Status == HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

func (a *HTTPAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.health == nil {
		writeJSON(w, http.StatusOK, apiResponse{Data: HealthCheckResult{Status: HealthDegraded, Components: map[string]ComponentHealth{}, Timestamp: time.Now().UTC()}})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: a.health.CheckReadiness(r.Context())})
}

func (a *HTTPAPI) session(params shared.ConnectionParams) *odoo.Session {
	conn := odoo.NewConnection(params.URL, params.DB, params.Username, params.Password)
	opts := append([]odoo.Option{odoo.WithLogger(a.logger)}, a.sessionOpts...)
	return odoo.NewSession(conn, opts...)
}

// queryTimeout applies the default to an unset timeout and clamps the
// result to the configured maximum.
func (a *HTTPAPI) queryTimeout(ms int) time.Duration {
	timeout := time.Duration(ms) * time.Millisecond
	if timeout <= 0 {
		timeout = a.defaultTimeout
	}
	if a.maxTimeout > 0 && timeout > a.maxTimeout {
		timeout = a.maxTimeout
	}
	return timeout
}

func (a *HTTPAPI) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req shared.QueryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Connection.Complete() || strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, msgMissingFields, "BAD_REQUEST")
		return
	}

	timeout := a.queryTimeout(req.TimeoutMS)
	start := time.Now()
	result, err := a.executor.RunQuery(r.Context(), a.session(req.Connection), req.Query, timeout, req.ApplyChanges)

	if req.ApplyChanges {
		entry := AuditEntry{
			Actor:      "api",
			Action:     "query.commit",
			Target:     odoo.NormalizeURL(req.Connection.URL) + "/" + req.Connection.DB,
			Args:       SanitizeArgs(req),
			Result:     "success",
			DurationMs: int(time.Since(start).Milliseconds()),
			IPAddress:  clientIP(r),
		}
		if err != nil {
			entry.Result = "failure"
			entry.Error = err.Error()
		}
		a.audit.Record(r.Context(), entry)
	}

	if err != nil {
		a.writeOperationError(w, r, "query execution failed", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: result})
}

func (a *HTTPAPI) handleCountRecords(w http.ResponseWriter, r *http.Request) {
	var req shared.CountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Connection.Complete() || req.Model == "" {
		writeError(w, http.StatusBadRequest, msgMissingFields, "BAD_REQUEST")
		return
	}
	domain, err := inspect.ParseDomain(req.Domain)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Domain must be an array", "BAD_REQUEST")
		return
	}

	count, err := inspect.CountRecords(r.Context(), a.session(req.Connection), req.Model, domain)
	if err != nil {
		a.writeOperationError(w, r, "count records failed", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: count})
}

func (a *HTTPAPI) handleListModules(w http.ResponseWriter, r *http.Request) {
	var req shared.ConnectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Connection.Complete() {
		writeError(w, http.StatusBadRequest, msgMissingFields, "BAD_REQUEST")
		return
	}

	modules, err := inspect.ListModules(r.Context(), a.session(req.Connection))
	if err != nil {
		a.writeOperationError(w, r, "list modules failed", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Data: modules,
		Meta: &apiMeta{Total: len(modules)},
	})
}

func (a *HTTPAPI) handleCompareModules(w http.ResponseWriter, r *http.Request) {
	var req shared.CompareModulesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Env1.Complete() || !req.Env2.Complete() {
		writeError(w, http.StatusBadRequest, "Missing environment configurations", "BAD_REQUEST")
		return
	}

	comparison, err := inspect.CompareModules(r.Context(), a.session(req.Env1), a.session(req.Env2))
	if err != nil {
		a.writeOperationError(w, r, "compare modules failed", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: comparison})
}

func (a *HTTPAPI) handleCheckAccess(w http.ResponseWriter, r *http.Request) {
	var req shared.UserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Connection.Complete() || req.TargetUser == "" {
		writeError(w, http.StatusBadRequest, msgMissingFields, "BAD_REQUEST")
		return
	}

	report, err := inspect.CheckAccessRights(r.Context(), a.session(req.Connection), req.TargetUser)
	if err != nil {
		a.writeOperationError(w, r, "check access rights failed", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: report})
}

func (a *HTTPAPI) handleCompareAccess(w http.ResponseWriter, r *http.Request) {
	var req shared.CompareAccessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Connection.Complete() || req.LeftUser == "" || req.RightUser == "" {
		writeError(w, http.StatusBadRequest, msgMissingFields, "BAD_REQUEST")
		return
	}

	comparison, err := inspect.CompareAccessRights(r.Context(), a.session(req.Connection), req.LeftUser, req.RightUser)
	if err != nil {
		a.writeOperationError(w, r, "compare access rights failed", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Data: comparison,
		Meta: &apiMeta{Total: len(comparison.Differences)},
	})
}

func (a *HTTPAPI) handleGroupInsight(w http.ResponseWriter, r *http.Request) {
	var req shared.UserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Connection.Complete() || req.TargetUser == "" {
		writeError(w, http.StatusBadRequest, msgMissingFields, "BAD_REQUEST")
		return
	}

	report, err := inspect.GroupInsight(r.Context(), a.session(req.Connection), req.TargetUser)
	if err != nil {
		a.writeOperationError(w, r, "group insight failed", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: report})
}

func (a *HTTPAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if a.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history not configured", "UNAVAILABLE")
		return
	}
	q := r.URL.Query()
	limit := parseIntParam(q.Get("limit"), defaultRunListLimit)

	runs, err := a.runs.ListRuns(r.Context(), storage.RunFilter{
		Outcome:  q.Get("outcome"),
		Database: q.Get("db"),
		Limit:    limit,
	})
	if err != nil {
		a.writeOperationError(w, r, "list runs failed", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Data: runs,
		Meta: &apiMeta{Total: len(runs), Limit: limit},
	})
}

func (a *HTTPAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if a.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history not configured", "UNAVAILABLE")
		return
	}
	id := r.PathValue("id")
	run, err := a.runs.GetRun(r.Context(), id)
	if err != nil {
		a.writeOperationError(w, r, "get run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: run})
}

// errorStatus maps an operation error to its HTTP status and API code.
func errorStatus(err error) (int, string) {
	var remoteErr *odoo.RemoteError
	switch {
	case errors.Is(err, odoo.ErrMissingField), errors.Is(err, inspect.ErrInvalidDomain):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, inspect.ErrUserNotFound), errors.Is(err, storage.ErrRunNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, odoo.ErrAuthentication):
		return http.StatusBadGateway, "REMOTE_AUTH_FAILED"
	case errors.Is(err, sqlrunner.ErrTimeout):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, sqlrunner.ErrStatement):
		return http.StatusUnprocessableEntity, "STATEMENT_ERROR"
	case errors.Is(err, sqlrunner.ErrSetup):
		return http.StatusBadGateway, "SETUP_ERROR"
	case errors.Is(err, sqlrunner.ErrTrigger):
		return http.StatusBadGateway, "TRIGGER_ERROR"
	case errors.Is(err, sqlrunner.ErrResultParse):
		return http.StatusBadGateway, "RESULT_PARSE_ERROR"
	case errors.As(err, &remoteErr), errors.Is(err, odoo.ErrUnexpectedResponse):
		return http.StatusBadGateway, "REMOTE_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func (a *HTTPAPI) writeOperationError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError && code == "INTERNAL_ERROR" {
		shared.LogErrorWithContext(r.Context(), a.logger, msg, err)
		writeError(w, status, "internal error", code)
		return
	}
	shared.LoggerWithContext(r.Context(), a.logger).Warn(msg,
		zap.String("code", code),
		zap.Error(err),
	)
	writeError(w, status, err.Error(), code)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{Error: message, Code: code})
}

func parseIntParam(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}
