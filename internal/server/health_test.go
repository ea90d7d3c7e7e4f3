package server

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/hal-o-swarm/odoo-toolkit/internal/sqlrunner"
)

func TestHealthCheckerLiveness(t *testing.T) {
	result := NewHealthChecker(nil, nil, nil).CheckLiveness(context.Background())
	if result.Status != HealthHealthy || len(result.Components) != 0 {
		t.Fatalf("unexpected liveness %+v", result)
	}
}

func TestHealthCheckerReadinessNothingConfigured(t *testing.T) {
	result := NewHealthChecker(nil, nil, nil).CheckReadiness(context.Background())
	if result.Status != HealthUnhealthy {
		t.Fatalf("expected unhealthy without an executor, got %s", result.Status)
	}
	if len(result.Components) != 3 {
		t.Fatalf("expected 3 components, got %d", len(result.Components))
	}
	if result.Components["database"].Status != StatusUnavailable {
		t.Fatalf("expected database unavailable, got %s", result.Components["database"].Status)
	}
}

func TestHealthCheckerReadiness(t *testing.T) {
	db := setupServerTestDB(t)
	executor, err := sqlrunner.NewExecutor(sqlrunner.DefaultOptions(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	hub := NewEventHub("token", nil, zap.NewNop())

	hc := NewHealthChecker(db, hub, executor)
	result := hc.CheckReadiness(context.Background())
	if result.Status != HealthUnhealthy || result.Components["event_hub"].Status != StatusError {
		t.Fatalf("expected a stopped hub to be an error, got %+v", result)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	waitFor(t, hub.Running)

	result = hc.CheckReadiness(context.Background())
	if result.Status != HealthHealthy {
		t.Fatalf("expected healthy, got %+v", result)
	}
}

func TestHealthCheckerClosedDatabase(t *testing.T) {
	db := setupServerTestDB(t)
	db.Close()

	executor, _ := sqlrunner.NewExecutor(sqlrunner.DefaultOptions(), nil)
	result := NewHealthChecker(db, nil, executor).CheckReadiness(context.Background())
	if result.Components["database"].Status != StatusError || result.Status != HealthUnhealthy {
		t.Fatalf("expected database error, got %+v", result)
	}
}
