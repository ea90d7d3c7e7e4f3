package server

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/hal-o-swarm/odoo-toolkit/internal/odoo/odootest"
	"github.com/hal-o-swarm/odoo-toolkit/internal/shared"
	"github.com/hal-o-swarm/odoo-toolkit/internal/sqlrunner"
	"github.com/hal-o-swarm/odoo-toolkit/internal/storage"
)

const testAuthToken = "test-secret-token"

func setupServerTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "toolkit.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.NewMigrationRunner(db).Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type testEnv struct {
	api      *HTTPAPI
	handler  http.Handler
	executor *sqlrunner.Executor
	runs     *storage.RunStore
	audit    *AuditLogger
	db       *sql.DB
	odoo     *odootest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := setupServerTestDB(t)
	logger := zap.NewNop()

	executor, err := sqlrunner.NewExecutor(sqlrunner.Options{
		PollInterval:   10 * time.Millisecond,
		CleanupTimeout: 2 * time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	runs := storage.NewRunStore(db)
	executor.AddObserver(NewRunHistory(runs, logger))

	audit := NewAuditLogger(db, logger)
	api := NewHTTPAPI(executor, runs, testAuthToken, logger)
	api.SetAuditLogger(audit)
	api.SetHealthChecker(NewHealthChecker(db, nil, executor))

	srv := odootest.NewServer()
	t.Cleanup(srv.Close)

	return &testEnv{
		api:      api,
		handler:  api.Handler(),
		executor: executor,
		runs:     runs,
		audit:    audit,
		db:       db,
		odoo:     srv,
	}
}

func (e *testEnv) connection() shared.ConnectionParams {
	return shared.ConnectionParams{
		URL:      e.odoo.URL,
		DB:       odootest.DefaultDatabase,
		Username: odootest.DefaultUsername,
		Password: odootest.DefaultPassword,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAuthToken)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// succeedWith makes every triggered job publish payload as its result.
func (e *testEnv) succeedWith(payload map[string]any) {
	e.odoo.OnTrigger(func(s *odootest.Server, job odootest.Job) error {
		raw, _ := json.Marshal(payload)
		s.SetParam(sqlrunner.DefaultResultPrefix+job.Token(), string(raw))
		return nil
	})
}

func (e *testEnv) failWith(message string) {
	e.odoo.OnTrigger(func(s *odootest.Server, job odootest.Job) error {
		raw, _ := json.Marshal(map[string]string{"query": "", "error": message})
		s.SetParam(sqlrunner.DefaultErrorPrefix+job.Token(), string(raw))
		return nil
	})
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) *apiMeta {
	t.Helper()
	var resp struct {
		Data json.RawMessage `json:"data"`
		Meta *apiMeta        `json:"meta"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			t.Fatalf("decode data %s: %v", resp.Data, err)
		}
	}
	return resp.Meta
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var apiErr apiError
	if err := json.NewDecoder(rec.Body).Decode(&apiErr); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return apiErr
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code, contains string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	apiErr := decodeError(t, rec)
	if apiErr.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, apiErr.Code, apiErr.Error)
	}
	if contains != "" && !strings.Contains(apiErr.Error, contains) {
		t.Fatalf("expected error containing %q, got %q", contains, apiErr.Error)
	}
}
