package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hal-o-swarm/odoo-toolkit/internal/shared"
	"github.com/hal-o-swarm/odoo-toolkit/internal/sqlrunner"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startTestHub(t *testing.T) (*EventHub, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewEventHub(testAuthToken, nil, zap.NewNop())
	go hub.Run(ctx)
	waitFor(t, hub.Running)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/runs", hub.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialRuns(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+testAuthToken)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/runs" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) (*shared.Envelope, *shared.RunEvent) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	env, err := shared.UnmarshalEnvelope(data)
	if err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	event, err := env.RunEvent()
	if err != nil {
		t.Fatalf("decode run event: %v", err)
	}
	return env, event
}

func transition(runID string, from, to sqlrunner.RunState) sqlrunner.Transition {
	started := time.Now().Add(-time.Second)
	return sqlrunner.Transition{
		RunID: runID,
		Token: strings.Repeat("a", 32),
		From:  from,
		To:    to,
		At:    time.Now(),
		Run: sqlrunner.Run{
			ID:        runID,
			URL:       "https://erp.example.com",
			Database:  "prod",
			State:     to,
			StartedAt: started,
		},
	}
}

func TestEventHubRejectsBadToken(t *testing.T) {
	_, srv := startTestHub(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/runs?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestEventHubStreamsTransitions(t *testing.T) {
	hub, srv := startTestHub(t)
	conn := dialRuns(t, srv, "")
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.ObserveTransition(transition("run-1", sqlrunner.StateIdle, sqlrunner.StateAuthenticated))
	hub.ObserveTransition(transition("run-1", sqlrunner.StateSucceeded, sqlrunner.StateCleanedUp))

	env, event := readEvent(t, conn)
	if env.Type != string(shared.MessageTypeRunTransition) || event.To != "authenticated" || event.From != "idle" {
		t.Fatalf("unexpected first event %s %+v", env.Type, event)
	}
	if event.Database != "prod" || event.DurationMS < 1000 {
		t.Fatalf("unexpected event fields %+v", event)
	}

	env, event = readEvent(t, conn)
	if env.Type != string(shared.MessageTypeRunFinished) || event.To != "cleaned_up" || env.RunID != "run-1" {
		t.Fatalf("unexpected final event %s %+v", env.Type, event)
	}
}

func TestEventHubRunFilter(t *testing.T) {
	hub, srv := startTestHub(t)
	conn := dialRuns(t, srv, "?run_id=wanted")
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.ObserveTransition(transition("other", sqlrunner.StateIdle, sqlrunner.StateAuthenticated))
	hub.ObserveTransition(transition("wanted", sqlrunner.StateIdle, sqlrunner.StateAuthenticated))

	_, event := readEvent(t, conn)
	if event.RunID != "wanted" {
		t.Fatalf("expected only the filtered run, got %s", event.RunID)
	}
}

func TestEventHubEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.succeedWith(selectOne(true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewEventHub(testAuthToken, nil, zap.NewNop())
	go hub.Run(ctx)
	waitFor(t, hub.Running)
	env.executor.AddObserver(hub)
	env.api.SetHub(hub)

	srv := httptest.NewServer(env.api.Handler())
	defer srv.Close()
	conn := dialRuns(t, srv, "")
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	env.handler = env.api.Handler()
	rec := env.do(t, http.MethodPost, "/api/v1/query", shared.QueryRequest{Connection: env.connection(), Query: "SELECT 1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var states []string
	for {
		msg, event := readEvent(t, conn)
		states = append(states, event.To)
		if msg.Type == string(shared.MessageTypeRunFinished) {
			if event.Outcome != "succeeded" {
				t.Fatalf("expected succeeded outcome, got %s", event.Outcome)
			}
			break
		}
	}
	want := "authenticated,compiled,created,triggered,succeeded,cleaned_up"
	if got := strings.Join(states, ","); got != want {
		t.Fatalf("expected states %s, got %s", want, got)
	}
}

func TestEventHubShutdownDisconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewEventHub(testAuthToken, nil, zap.NewNop())
	go hub.Run(ctx)
	waitFor(t, hub.Running)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()
	conn := dialRuns(t, srv, "")
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	cancel()
	waitFor(t, func() bool { return !hub.Running() })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to close on shutdown")
	}
}
