// Package odootest provides an in-process fake of the Odoo JSON-RPC endpoint
// for tests. It implements login, version and enough of execute_kw on
// ir.model, ir.cron and ir.config_parameter to drive a full scheduled query
// run; other models are served by handlers registered with Handle.
package odootest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
)

const (
	DefaultDatabase = "testdb"
	DefaultUsername = "admin"
	DefaultPassword = "secret"
	DefaultUID      = 2
	CronModelID     = 77
)

// Job is a scheduled action created through ir.cron.create.
type Job struct {
	ID     int64
	Name   string
	Code   string
	Values map[string]any
}

// Token returns the run token embedded in the job name.
func (j Job) Token() string {
	return strings.TrimPrefix(j.Name, "SQL Runner ")
}

// TriggerFunc runs when method_direct_trigger is called for job. A non-nil
// error is returned to the client as an RPC error envelope.
type TriggerFunc func(srv *Server, job Job) error

// HandlerFunc serves one model method.
type HandlerFunc func(args []any, kwargs map[string]any) (any, error)

// Server is a fake Odoo instance.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	database      string
	username      string
	password      string
	uid           int64
	version       string
	versionInfo   []any
	loginCalls    int
	calls         []string
	jobs          map[int64]Job
	nextJobID     int64
	params        map[string]string
	paramIDs      map[string]int64
	nextParamID   int64
	cronModelID   int64
	trigger       TriggerFunc
	handlers      map[string]HandlerFunc
	failures      map[string]string
	statusFailure int
}

// NewServer starts a fake server with default credentials and a 16.0 version.
func NewServer() *Server {
	s := &Server{
		database:    DefaultDatabase,
		username:    DefaultUsername,
		password:    DefaultPassword,
		uid:         DefaultUID,
		version:     "16.0",
		versionInfo: []any{16, 0, 0, "final", 0, ""},
		jobs:        make(map[int64]Job),
		nextJobID:   100,
		params:      make(map[string]string),
		paramIDs:    make(map[string]int64),
		nextParamID: 500,
		cronModelID: CronModelID,
		handlers:    make(map[string]HandlerFunc),
		failures:    make(map[string]string),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// SetVersion sets the version reported by common.version.
func (s *Server) SetVersion(version string, major, minor int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = version
	s.versionInfo = []any{major, minor, 0, "final", 0, ""}
}

// SetCronModelID overrides the id returned for the ir.cron model lookup. Zero
// makes the lookup return no ids.
func (s *Server) SetCronModelID(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cronModelID = id
}

// OnTrigger installs the function run by method_direct_trigger.
func (s *Server) OnTrigger(fn TriggerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trigger = fn
}

// Handle registers a handler for model.method.
func (s *Server) Handle(model, method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[model+"."+method] = fn
}

// Fail makes every call to model.method return an RPC error with message.
func (s *Server) Fail(model, method, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[model+"."+method] = message
}

// FailStatus makes every request fail with the given HTTP status.
func (s *Server) FailStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusFailure = status
}

// SetParam stores an ir.config_parameter value.
func (s *Server) SetParam(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setParamLocked(key, value)
}

func (s *Server) setParamLocked(key, value string) {
	if _, ok := s.paramIDs[key]; !ok {
		s.nextParamID++
		s.paramIDs[key] = s.nextParamID
	}
	s.params[key] = value
}

// Param returns a stored ir.config_parameter value.
func (s *Server) Param(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.params[key]
	return v, ok
}

// ParamKeys returns every stored parameter key, sorted.
func (s *Server) ParamKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.params))
	for k := range s.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Jobs returns the scheduled jobs that still exist.
func (s *Server) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].ID < jobs[b].ID })
	return jobs
}

// LoginCalls returns how many times common.login was called.
func (s *Server) LoginCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginCalls
}

// Calls returns every "service.method" or "model.method" served, in order.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CallCount returns how many times name was called.
func (s *Server) CallCount(name string) int {
	count := 0
	for _, c := range s.Calls() {
		if c == name {
			count++
		}
	}
	return count
}

type request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params struct {
		Service string `json:"service"`
		Method  string `json:"method"`
		Args    []any  `json:"args"`
	} `json:"params"`
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/jsonrpc" {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	status := s.statusFailure
	s.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	result, err := s.dispatch(req.Params.Service, req.Params.Method, req.Params.Args)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error": map[string]any{
				"code":    200,
				"message": "Odoo Server Error",
				"data": map[string]any{
					"name":    "odoo.exceptions.UserError",
					"message": err.Error(),
					"debug":   "Traceback (most recent call last):\n" + err.Error(),
				},
			},
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  result,
	})
}

func (s *Server) dispatch(service, method string, args []any) (any, error) {
	switch service {
	case "common":
		return s.dispatchCommon(method, args)
	case "object":
		if method != "execute_kw" {
			return nil, fmt.Errorf("unsupported object method %s", method)
		}
		return s.dispatchObject(args)
	default:
		return nil, fmt.Errorf("unsupported service %s", service)
	}
}

func (s *Server) dispatchCommon(method string, args []any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "common."+method)

	switch method {
	case "login":
		s.loginCalls++
		if len(args) != 3 {
			return nil, fmt.Errorf("login expects 3 arguments")
		}
		if args[0] != s.database || args[1] != s.username || args[2] != s.password {
			return false, nil
		}
		return s.uid, nil
	case "version":
		return map[string]any{
			"server_version":      s.version,
			"server_version_info": s.versionInfo,
			"protocol_version":    1,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported common method %s", method)
	}
}

func (s *Server) dispatchObject(args []any) (any, error) {
	if len(args) < 5 {
		return nil, fmt.Errorf("execute_kw expects at least 5 arguments")
	}
	model, _ := args[3].(string)
	method, _ := args[4].(string)
	var callArgs []any
	if len(args) > 5 {
		callArgs, _ = args[5].([]any)
	}
	kwargs := map[string]any{}
	if len(args) > 6 {
		if kw, ok := args[6].(map[string]any); ok {
			kwargs = kw
		}
	}
	name := model + "." + method

	s.mu.Lock()
	s.calls = append(s.calls, name)
	uid, _ := args[1].(float64)
	if args[0] != s.database || int64(uid) != s.uid || args[2] != s.password {
		s.mu.Unlock()
		return nil, fmt.Errorf("Access Denied")
	}
	if msg, ok := s.failures[name]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s", msg)
	}
	handler := s.handlers[name]
	trigger := s.trigger
	s.mu.Unlock()

	if handler != nil {
		return handler(callArgs, kwargs)
	}

	switch name {
	case "ir.model.search":
		s.mu.Lock()
		defer s.mu.Unlock()
		if domainValue(callArgs, "model") == "ir.cron" && s.cronModelID != 0 {
			return []any{s.cronModelID}, nil
		}
		return []any{}, nil

	case "ir.cron.create":
		if len(callArgs) == 0 {
			return nil, fmt.Errorf("create expects values")
		}
		values, _ := callArgs[0].(map[string]any)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.nextJobID++
		job := Job{ID: s.nextJobID, Values: values}
		job.Name, _ = values["name"].(string)
		job.Code, _ = values["code"].(string)
		s.jobs[job.ID] = job
		return job.ID, nil

	case "ir.cron.method_direct_trigger":
		ids := idsArg(callArgs)
		s.mu.Lock()
		var jobs []Job
		for _, id := range ids {
			if job, ok := s.jobs[id]; ok {
				jobs = append(jobs, job)
			}
		}
		s.mu.Unlock()
		if trigger == nil {
			return true, nil
		}
		for _, job := range jobs {
			if err := trigger(s, job); err != nil {
				return nil, err
			}
		}
		return true, nil

	case "ir.cron.unlink":
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, id := range idsArg(callArgs) {
			delete(s.jobs, id)
		}
		return true, nil

	case "ir.config_parameter.get_param":
		if len(callArgs) == 0 {
			return nil, fmt.Errorf("get_param expects a key")
		}
		key, _ := callArgs[0].(string)
		s.mu.Lock()
		defer s.mu.Unlock()
		if v, ok := s.params[key]; ok {
			return v, nil
		}
		if def, ok := kwargs["default"]; ok {
			return def, nil
		}
		return false, nil

	case "ir.config_parameter.search":
		key := domainValue(callArgs, "key")
		s.mu.Lock()
		defer s.mu.Unlock()
		if id, ok := s.paramIDs[key]; ok {
			if _, exists := s.params[key]; exists {
				return []any{id}, nil
			}
		}
		return []any{}, nil

	case "ir.config_parameter.unlink":
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, id := range idsArg(callArgs) {
			for key, pid := range s.paramIDs {
				if pid == id {
					delete(s.params, key)
					delete(s.paramIDs, key)
				}
			}
		}
		return true, nil
	}

	return nil, fmt.Errorf("Object %s doesn't exist or method %s is not supported", model, method)
}

// domainValue returns the right operand of the first (field, "=", value) leaf
// of a search domain argument.
func domainValue(args []any, field string) string {
	if len(args) == 0 {
		return ""
	}
	domain, _ := args[0].([]any)
	for _, leaf := range domain {
		term, ok := leaf.([]any)
		if !ok || len(term) != 3 {
			continue
		}
		if term[0] == field && term[1] == "=" {
			v, _ := term[2].(string)
			return v
		}
	}
	return ""
}

func idsArg(args []any) []int64 {
	if len(args) == 0 {
		return nil
	}
	raw, _ := args[0].([]any)
	ids := make([]int64, 0, len(raw))
	for _, v := range raw {
		if f, ok := v.(float64); ok {
			ids = append(ids, int64(f))
		}
	}
	return ids
}
