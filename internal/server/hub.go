package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hal-o-swarm/odoo-toolkit/internal/shared"
	"github.com/hal-o-swarm/odoo-toolkit/internal/sqlrunner"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // 90% of pongWait
	maxMessageSize = 4096
	sendBuffer     = 64
)

type hubMessage struct {
	runID string
	data  []byte
}

// EventHub streams run transitions to websocket subscribers using the
// Gorilla hub pattern.
type EventHub struct {
	clients    map[*subscriber]struct{}
	register   chan *subscriber
	unregister chan *subscriber
	broadcast  chan hubMessage

	authToken      string
	allowedOrigins []string

	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *Metrics
	mu       sync.RWMutex
	running  atomic.Bool
	done     chan struct{}
}

func NewEventHub(authToken string, allowedOrigins []string, logger *zap.Logger) *EventHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &EventHub{
		clients:        make(map[*subscriber]struct{}),
		register:       make(chan *subscriber),
		unregister:     make(chan *subscriber),
		broadcast:      make(chan hubMessage, 256),
		authToken:      authToken,
		allowedOrigins: allowedOrigins,
		logger:         logger,
		done:           make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	return h
}

// SetMetrics reports the subscriber count to m.
func (h *EventHub) SetMetrics(m *Metrics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metrics = m
}

// Run serves registrations and broadcasts until ctx is done.
func (h *EventHub) Run(ctx context.Context) {
	h.running.Store(true)
	defer func() {
		h.running.Store(false)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for sub := range h.clients {
				close(sub.send)
				delete(h.clients, sub)
			}
			h.mu.Unlock()
			h.reportCount()
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub] = struct{}{}
			h.mu.Unlock()
			h.logger.Info("run subscriber connected",
				zap.String("subscriber_id", sub.id),
				zap.String("run_id", sub.runID),
			)
			h.reportCount()

		case sub := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[sub]; ok {
				delete(h.clients, sub)
				close(sub.send)
				h.logger.Info("run subscriber disconnected", zap.String("subscriber_id", sub.id))
			}
			h.mu.Unlock()
			h.reportCount()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for sub := range h.clients {
				if sub.runID != "" && sub.runID != msg.runID {
					continue
				}
				select {
				case sub.send <- msg.data:
				default:
					h.logger.Warn("dropping slow subscriber", zap.String("subscriber_id", sub.id))
					close(sub.send)
					delete(h.clients, sub)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ServeWS upgrades an authenticated request to a run event stream. The
// token is read from the Authorization header or the token query parameter;
// run_id restricts the stream to one run.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := ""
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	} else {
		token = r.URL.Query().Get("token")
	}
	if h.authToken == "" || token != h.authToken {
		writeError(w, http.StatusUnauthorized, "unauthorized", "AUTH_REQUIRED")
		return
	}
	if !h.Running() {
		writeError(w, http.StatusServiceUnavailable, "event hub not running", "UNAVAILABLE")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := newSubscriber(h, conn, r.URL.Query().Get("run_id"))
	select {
	case h.register <- sub:
	case <-h.done:
		conn.Close()
		return
	}

	go sub.writePump()
	go sub.readPump()
}

// ObserveTransition publishes t to every matching subscriber without
// blocking the run.
func (h *EventHub) ObserveTransition(t sqlrunner.Transition) {
	msgType := shared.MessageTypeRunTransition
	if t.To == sqlrunner.StateCleanedUp {
		msgType = shared.MessageTypeRunFinished
	}

	env, err := shared.NewRunEnvelope(msgType, runEvent(t))
	if err != nil {
		h.logger.Warn("failed to build run event", zap.String("run_id", t.RunID), zap.Error(err))
		return
	}
	data, err := shared.MarshalEnvelope(env)
	if err != nil {
		h.logger.Warn("failed to encode run event", zap.String("run_id", t.RunID), zap.Error(err))
		return
	}

	select {
	case h.broadcast <- hubMessage{runID: t.RunID, data: data}:
	default:
		h.logger.Warn("run event dropped, broadcast queue full", zap.String("run_id", t.RunID))
	}
}

func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Running reports whether Run is serving the hub.
func (h *EventHub) Running() bool {
	return h.running.Load()
}

func (h *EventHub) reportCount() {
	h.mu.RLock()
	m := h.metrics
	count := len(h.clients)
	h.mu.RUnlock()
	m.SetEventSubscribers(count)
}

func (h *EventHub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if MatchOrigin(origin, allowed) {
			return true
		}
	}
	h.logger.Warn("rejected subscriber from unauthorized origin", zap.String("origin", origin))
	return false
}

func runEvent(t sqlrunner.Transition) shared.RunEvent {
	event := shared.RunEvent{
		RunID:        t.RunID,
		Token:        t.Token,
		From:         string(t.From),
		To:           string(t.To),
		Outcome:      string(t.Run.Outcome),
		URL:          t.Run.URL,
		Database:     t.Run.Database,
		Commit:       t.Run.Commit,
		JobID:        t.Run.JobID,
		PollAttempts: t.Run.PollAttempts,
		DurationMS:   t.At.Sub(t.Run.StartedAt).Milliseconds(),
		At:           t.At.UnixMilli(),
	}
	if t.Err != nil {
		event.Error = t.Err.Error()
		event.ErrorKind = errorKind(t.Err)
	}
	return event
}
