package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hal-o-swarm/odoo-toolkit/internal/odoo"
	"github.com/hal-o-swarm/odoo-toolkit/internal/odoo/odootest"
	"github.com/hal-o-swarm/odoo-toolkit/internal/sqlrunner"
)

func TestMetricsInitialization(t *testing.T) {
	if InitMetrics() == nil || GetMetrics() != InitMetrics() {
		t.Fatal("expected a single metrics instance")
	}
}

func TestMetricsObserveRun(t *testing.T) {
	m := GetMetrics()
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	before := testutil.ToFloat64(m.RunsTotal.WithLabelValues("timed_out", "true"))
	cleanupBefore := testutil.ToFloat64(m.CleanupFailuresTotal)
	activeBefore := testutil.ToFloat64(m.RunsActive)

	run := sqlrunner.Run{ID: "r1", Commit: true, StartedAt: started, PollAttempts: 3}
	m.ObserveTransition(sqlrunner.Transition{To: sqlrunner.StateAuthenticated, At: started, Run: run})
	if got := testutil.ToFloat64(m.RunsActive); got != activeBefore+1 {
		t.Fatalf("expected active runs %v, got %v", activeBefore+1, got)
	}

	m.ObserveTransition(sqlrunner.Transition{
		From: sqlrunner.StateTriggered,
		To:   sqlrunner.StateTimedOut,
		At:   started.Add(5 * time.Second),
		Err:  errors.New("query timeout after 5000ms"),
		Run:  run,
	})
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("timed_out", "true")); got != before+1 {
		t.Fatalf("expected timed_out count %v, got %v", before+1, got)
	}

	// Run values built outside the executor never authenticated, so the
	// cleaned_up transition leaves the gauge alone.
	run.CleanupFailures = 2
	m.ObserveTransition(sqlrunner.Transition{From: sqlrunner.StateTimedOut, To: sqlrunner.StateCleanedUp, Run: run})
	if got := testutil.ToFloat64(m.CleanupFailuresTotal); got != cleanupBefore {
		t.Fatalf("expected cleanup failures unchanged, got %v", got)
	}
}

func TestMetricsTrackExecutorRuns(t *testing.T) {
	env := newTestEnv(t)
	env.succeedWith(selectOne(true))
	m := GetMetrics()
	env.executor.AddObserver(m)

	succeeded := testutil.ToFloat64(m.RunsTotal.WithLabelValues("succeeded", "false"))
	active := testutil.ToFloat64(m.RunsActive)

	if _, err := env.executor.RunQuery(context.Background(), odoo.NewSession(odoo.NewConnection(
		env.odoo.URL, odootest.DefaultDatabase, odootest.DefaultUsername, odootest.DefaultPassword,
	)), "SELECT 1", 5*time.Second, false); err != nil {
		t.Fatalf("RunQuery: %v", err)
	}

	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("succeeded", "false")); got != succeeded+1 {
		t.Fatalf("expected succeeded count %v, got %v", succeeded+1, got)
	}
	if got := testutil.ToFloat64(m.RunsActive); got != active {
		t.Fatalf("expected active runs back to %v, got %v", active, got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTransition(sqlrunner.Transition{To: sqlrunner.StateSucceeded})
	m.RecordRequest("query", 200)
	m.SetEventSubscribers(3)
}

func TestStatusLabel(t *testing.T) {
	tests := map[int]string{200: "2xx", 204: "2xx", 301: "3xx", 404: "4xx", 502: "5xx"}
	for status, want := range tests {
		if got := statusLabel(status); got != want {
			t.Fatalf("statusLabel(%d) = %s, want %s", status, got, want)
		}
	}
}
