package server

import (
	"context"
	"database/sql"
	"time"

	"github.com/hal-o-swarm/odoo-toolkit/internal/sqlrunner"
)

// ComponentStatus represents the health status of a component
type ComponentStatus string

const (
	StatusOK          ComponentStatus = "ok"
	StatusError       ComponentStatus = "error"
	StatusUnavailable ComponentStatus = "unavailable"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

type ComponentHealth struct {
	Status ComponentStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

type HealthCheckResult struct {
	Status     HealthStatus               `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// HealthChecker reports on the local components the API depends on. Remote
// Odoo instances are per request and are not probed.
type HealthChecker struct {
	db       *sql.DB
	hub      *EventHub
	executor *sqlrunner.Executor
}

func NewHealthChecker(db *sql.DB, hub *EventHub, executor *sqlrunner.Executor) *HealthChecker {
	return &HealthChecker{db: db, hub: hub, executor: executor}
}

// CheckLiveness always reports healthy while the process serves requests.
func (hc *HealthChecker) CheckLiveness(ctx context.Context) HealthCheckResult {
	return HealthCheckResult{
		Status:     HealthHealthy,
		Components: map[string]ComponentHealth{},
		Timestamp:  time.Now().UTC(),
	}
}

// CheckReadiness checks every component. A failing database makes the
// daemon unhealthy; a missing optional component only degrades it.
func (hc *HealthChecker) CheckReadiness(ctx context.Context) HealthCheckResult {
	components := map[string]ComponentHealth{
		"database":       hc.checkDatabase(ctx),
		"event_hub":      hc.checkHub(),
		"query_executor": hc.checkExecutor(),
	}

	overall := HealthHealthy
	for _, comp := range components {
		if comp.Status == StatusError {
			overall = HealthUnhealthy
			break
		}
		if comp.Status == StatusUnavailable {
			overall = HealthDegraded
		}
	}

	return HealthCheckResult{
		Status:     overall,
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentHealth {
	if hc.db == nil {
		return ComponentHealth{Status: StatusUnavailable, Error: "database not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := hc.db.PingContext(ctx); err != nil {
		return ComponentHealth{Status: StatusError, Error: err.Error()}
	}
	return ComponentHealth{Status: StatusOK}
}

func (hc *HealthChecker) checkHub() ComponentHealth {
	if hc.hub == nil {
		return ComponentHealth{Status: StatusUnavailable, Error: "event hub not configured"}
	}
	if !hc.hub.Running() {
		return ComponentHealth{Status: StatusError, Error: "event hub not running"}
	}
	return ComponentHealth{Status: StatusOK}
}

func (hc *HealthChecker) checkExecutor() ComponentHealth {
	if hc.executor == nil {
		return ComponentHealth{Status: StatusError, Error: "query executor not configured"}
	}
	return ComponentHealth{Status: StatusOK}
}
