package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/hal-o-swarm/odoo-toolkit/internal/inspect"
	"github.com/hal-o-swarm/odoo-toolkit/internal/shared"
	"github.com/hal-o-swarm/odoo-toolkit/internal/sqlrunner"
)

func TestConnectionFromEnv(t *testing.T) {
	t.Setenv("ODOO_URL", "erp.example.com")
	t.Setenv("ODOO_DB", "prod")
	t.Setenv("ODOO_USERNAME", "admin")
	t.Setenv("ODOO_PASSWORD", "secret")

	c := &CmdControl{FlagDatabase: "staging"}
	conn, err := c.connection()
	if err != nil {
		t.Fatalf("connection: %v", err)
	}
	if conn.DB != "staging" || conn.URL != "erp.example.com" || conn.Password != "secret" {
		t.Fatalf("flags must win over env: %+v", conn)
	}
}

func TestConnectionIncomplete(t *testing.T) {
	t.Setenv("ODOO_URL", "")
	t.Setenv("ODOO_DB", "")
	t.Setenv("ODOO_USERNAME", "")
	t.Setenv("ODOO_PASSWORD", "")

	c := &CmdControl{FlagOdooURL: "erp.example.com"}
	if _, err := c.connection(); err == nil {
		t.Fatal("expected error for incomplete connection")
	}
}

func TestClientRequiresToken(t *testing.T) {
	t.Setenv("TOOLKIT_AUTH_TOKEN", "")
	c := &CmdControl{FlagToolkitURL: "http://localhost:8420"}
	if _, err := c.client(); err == nil {
		t.Fatal("expected error without token")
	}
	t.Setenv("TOOLKIT_AUTH_TOKEN", "tok")
	if _, err := c.client(); err != nil {
		t.Fatalf("client: %v", err)
	}
}

func TestQueryStatementSource(t *testing.T) {
	c := &cmdQuery{common: &CmdControl{}}
	if _, err := c.statement(nil); err == nil {
		t.Fatal("expected error without statement")
	}
	got, err := c.statement([]string{"SELECT 1"})
	if err != nil || got != "SELECT 1" {
		t.Fatalf("statement = %q, %v", got, err)
	}
}

func TestPrintQueryResult(t *testing.T) {
	one := "1"
	status := "SELECT 2"
	result := &sqlrunner.QueryResult{
		Columns:       []string{"id", "name"},
		Rows:          [][]*string{{&one, nil}},
		RowCount:      1,
		StatusMessage: &status,
		DryRun:        true,
	}

	var buf bytes.Buffer
	printQueryResult(&buf, result)
	out := buf.String()
	for _, want := range []string{"id", "name", "NULL", "rolled back", "SELECT 2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPermissionString(t *testing.T) {
	if got := permissionString(nil); got != "none" {
		t.Fatalf("permissionString(nil) = %q", got)
	}
	got := permissionString(&inspect.Permissions{Read: true, Create: true})
	if got != "r-c-" {
		t.Fatalf("permissionString = %q, want r-c-", got)
	}
}

func TestFormatEvent(t *testing.T) {
	ev := &shared.RunEvent{
		RunID:        "run-1",
		URL:          "https://erp.example.com",
		Database:     "prod",
		From:         "timed_out",
		To:           "cleaned_up",
		Outcome:      "timed_out",
		Error:        "query timeout after 100ms",
		ErrorKind:    "timeout",
		DurationMS:   120,
		PollAttempts: 4,
	}
	line := formatEvent(shared.MessageTypeRunFinished, ev)
	for _, want := range []string{"run-1", "timed_out -> cleaned_up", "[timeout]", "120ms", "4 polls"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line missing %q: %s", want, line)
		}
	}
	if strings.Contains(formatEvent(shared.MessageTypeRunTransition, ev), "polls") {
		t.Fatal("transition lines must not carry the run summary")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("SELECT 1", 48); got != "SELECT 1" {
		t.Fatalf("truncate short = %q", got)
	}
	if got := truncate("SELECT id FROM res_partner", 10); got != "SELECT ..." {
		t.Fatalf("truncate long = %q", got)
	}
}
