package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/hal-o-swarm/odoo-toolkit/internal/config"
	"github.com/hal-o-swarm/odoo-toolkit/internal/notify"
	"github.com/hal-o-swarm/odoo-toolkit/internal/odoo/odootest"
	"github.com/hal-o-swarm/odoo-toolkit/internal/server"
	"github.com/hal-o-swarm/odoo-toolkit/internal/shared"
	"github.com/hal-o-swarm/odoo-toolkit/internal/sqlrunner"
	"github.com/hal-o-swarm/odoo-toolkit/internal/storage"
	"github.com/hal-o-swarm/odoo-toolkit/internal/toolkitctl"
)

const harnessToken = "integration-token"

// toolkitHarness runs the daemon stack in process against a fake Odoo.
type toolkitHarness struct {
	t        *testing.T
	dbPath   string
	db       *sql.DB
	executor *sqlrunner.Executor
	runs     *storage.RunStore
	audit    *server.AuditLogger
	hub      *server.EventHub
	srv      *server.Server
	odoo     *odootest.Server
	discord  *recordingDiscord
	client   *toolkitctl.HTTPClient

	cancel  context.CancelFunc
	stopped bool
}

func newToolkitHarness(t *testing.T) *toolkitHarness {
	t.Helper()
	fake := odootest.NewServer()
	t.Cleanup(fake.Close)
	return newToolkitHarnessWith(t, filepath.Join(t.TempDir(), "toolkit.db"), fake)
}

func newToolkitHarnessWith(t *testing.T, dbPath string, fake *odootest.Server) *toolkitHarness {
	t.Helper()
	logger := zap.NewNop()

	db := openIntegrationDB(t, dbPath)

	executor, err := sqlrunner.NewExecutor(sqlrunner.Options{
		PollInterval:   10 * time.Millisecond,
		CleanupTimeout: 2 * time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	metrics := server.InitMetrics()
	runs := storage.NewRunStore(db)
	hub := server.NewEventHub(harnessToken, nil, logger)
	hub.SetMetrics(metrics)
	discord := &recordingDiscord{}
	notifier := notify.NewDiscordNotifierWithSession(discord, "ops", logger)

	executor.AddObserver(metrics)
	executor.AddObserver(server.NewRunHistory(runs, logger))
	executor.AddObserver(hub)
	executor.AddObserver(notifier)

	audit := server.NewAuditLogger(db, logger)
	api := server.NewHTTPAPI(executor, runs, harnessToken, logger)
	api.SetTimeouts(2*time.Second, 5*time.Second)
	api.SetHub(hub)
	api.SetMetrics(metrics)
	api.SetAuditLogger(audit)
	api.SetHealthChecker(server.NewHealthChecker(db, hub, executor))

	cfg := &config.ToolkitConfig{}
	cfg.Server.AuthToken = harnessToken
	cfg.Audit.Enabled = true
	cfg.Audit.RetentionDays = 90

	srv := server.NewServer(cfg, api, hub, audit, logger)
	if err := srv.Start(); err != nil {
		t.Fatalf("start toolkit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go notifier.Run(ctx)

	h := &toolkitHarness{
		t:        t,
		dbPath:   dbPath,
		db:       db,
		executor: executor,
		runs:     runs,
		audit:    audit,
		hub:      hub,
		srv:      srv,
		odoo:     fake,
		discord:  discord,
		cancel:   cancel,
	}
	h.client = toolkitctl.NewHTTPClient(h.baseURL(), harnessToken, 10*time.Second)
	t.Cleanup(h.stop)

	waitFor(t, 2*time.Second, hub.Running, "event hub running")
	return h
}

func openIntegrationDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.NewMigrationRunner(db).Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func (h *toolkitHarness) baseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", h.srv.Addr().(*net.TCPAddr).Port)
}

func (h *toolkitHarness) stop() {
	if h.stopped {
		return
	}
	h.stopped = true
	h.cancel()
	h.srv.Stop()
}

func (h *toolkitHarness) connection() shared.ConnectionParams {
	return shared.ConnectionParams{
		URL:      h.odoo.URL,
		DB:       odootest.DefaultDatabase,
		Username: odootest.DefaultUsername,
		Password: odootest.DefaultPassword,
	}
}

// answerWith makes every triggered job publish a result built from its code.
func (h *toolkitHarness) answerWith(fn func(job odootest.Job) map[string]any) {
	h.odoo.OnTrigger(func(s *odootest.Server, job odootest.Job) error {
		raw, _ := json.Marshal(fn(job))
		s.SetParam(sqlrunner.DefaultResultPrefix+job.Token(), string(raw))
		return nil
	})
}

func (h *toolkitHarness) failWith(message string) {
	h.odoo.OnTrigger(func(s *odootest.Server, job odootest.Job) error {
		raw, _ := json.Marshal(map[string]string{"error": message})
		s.SetParam(sqlrunner.DefaultErrorPrefix+job.Token(), string(raw))
		return nil
	})
}

// watch subscribes to the run stream and collects every event until the
// returned stop function is called.
func (h *toolkitHarness) watch(runID string) (*eventLog, func()) {
	h.t.Helper()
	log := &eventLog{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	before := h.hub.ClientCount()
	go func() {
		defer close(done)
		h.client.WatchRuns(ctx, runID, log.add)
	}()
	waitFor(h.t, 2*time.Second, func() bool { return h.hub.ClientCount() > before }, "subscriber registered")
	return log, func() {
		cancel()
		<-done
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []shared.RunEvent
	types  []shared.MessageType
}

func (l *eventLog) add(mt shared.MessageType, ev *shared.RunEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, *ev)
	l.types = append(l.types, mt)
}

func (l *eventLog) states(runID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		if ev.RunID == runID {
			out = append(out, ev.To)
		}
	}
	return out
}

func (l *eventLog) finished() []shared.RunEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []shared.RunEvent
	for i, ev := range l.events {
		if l.types[i] == shared.MessageTypeRunFinished {
			out = append(out, ev)
		}
	}
	return out
}

// recordingDiscord captures embeds instead of posting them.
type recordingDiscord struct {
	mu     sync.Mutex
	embeds []*discordgo.MessageEmbed
}

func (d *recordingDiscord) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.embeds = append(d.embeds, embed)
	return &discordgo.Message{ChannelID: channelID}, nil
}

func (d *recordingDiscord) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.embeds)
}

func (d *recordingDiscord) titles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.embeds))
	for i, e := range d.embeds {
		out[i] = e.Title
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, fn func() bool, label string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", label)
}

func selectOne(job odootest.Job) map[string]any {
	return map[string]any{
		"query":     "SELECT 1",
		"columns":   []string{"?column?"},
		"rows":      [][]string{{"1"}},
		"row_count": 1,
		"dry_run":   true,
	}
}
