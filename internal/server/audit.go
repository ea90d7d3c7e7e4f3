package server

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hal-o-swarm/odoo-toolkit/internal/storage"
)

type AuditEntry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	Target     string    `json:"target"`
	Args       string    `json:"args,omitempty"`
	Result     string    `json:"result"`
	Error      string    `json:"error,omitempty"`
	DurationMs int       `json:"duration_ms"`
	IPAddress  string    `json:"ip_address,omitempty"`
}

// AuditLogger records mutating API calls in the audit_log table.
type AuditLogger struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

func NewAuditLogger(db *sql.DB, logger *zap.Logger) *AuditLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLogger{db: db, logger: logger, now: time.Now}
}

// Record writes entry. Failures are logged and never reach the caller.
func (a *AuditLogger) Record(ctx context.Context, entry AuditEntry) {
	if a == nil || a.db == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = a.now()
	}
	if entry.Target == "" {
		entry.Target = "unknown"
	}

	_, err := a.db.ExecContext(context.WithoutCancel(ctx), `
		INSERT INTO audit_log (id, timestamp, actor, action, target, args, result, error, duration_ms, ip_address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Timestamp.UTC().Format(storage.TimeLayout), entry.Actor, entry.Action,
		entry.Target, entry.Args, entry.Result, entry.Error, entry.DurationMs, entry.IPAddress)
	if err != nil {
		a.logger.Warn("failed to write audit log entry",
			zap.String("action", entry.Action),
			zap.Error(err),
		)
	}
}

// QueryByAction returns the newest entries for action first.
func (a *AuditLogger) QueryByAction(ctx context.Context, action string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, timestamp, actor, action, target, args, result, error, duration_ms, ip_address
		FROM audit_log WHERE action = ? ORDER BY timestamp DESC LIMIT ?`, action, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var ts string
		var args, errStr, ipAddr sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &e.Action, &e.Target, &args, &e.Result, &errStr, &e.DurationMs, &ipAddr); err != nil {
			return nil, err
		}
		if t, err := time.Parse(storage.TimeLayout, ts); err == nil {
			e.Timestamp = t
		}
		e.Args = args.String
		e.Error = errStr.String
		e.IPAddress = ipAddr.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PurgeOlderThan deletes entries older than retentionDays and returns how
// many were removed.
func (a *AuditLogger) PurgeOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	if a == nil || a.db == nil {
		return 0, nil
	}
	cutoff := a.now().UTC().AddDate(0, 0, -retentionDays).Format(storage.TimeLayout)
	result, err := a.db.ExecContext(ctx, "DELETE FROM audit_log WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
