package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hal-o-swarm/odoo-toolkit/internal/config"
)

const (
	auditPurgeInterval = 24 * time.Hour
	shutdownTimeout    = 5 * time.Second
)

// Server represents the toolkit daemon with lifecycle management.
type Server struct {
	cfg    *config.ToolkitConfig
	logger *zap.Logger
	api    *HTTPAPI
	hub    *EventHub
	audit  *AuditLogger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	addr    net.Addr

	httpShutdown func(ctx context.Context) error
}

// NewServer wires api and hub into a daemon. audit may be nil.
func NewServer(cfg *config.ToolkitConfig, api *HTTPAPI, hub *EventHub, audit *AuditLogger, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: logger,
		api:    api,
		hub:    hub,
		audit:  audit,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds the HTTP port and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server is already running")
	}

	tlsConfig, err := LoadTLSConfig(s.cfg.TLS)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Server.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.cfg.Server.HTTPPort, err)
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}
	s.addr = listener.Addr()

	if s.hub != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.hub.Run(s.ctx)
		}()
	}

	if s.audit != nil && s.cfg.Audit.Enabled {
		s.wg.Add(1)
		go s.maintenanceLoop()
	}

	httpSrv := &http.Server{
		Handler:     s.api.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("http api server starting",
			zap.String("addr", listener.Addr().String()),
			zap.Bool("tls", tlsConfig != nil),
		)
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http api server error", zap.Error(err))
		}
	}()
	s.httpShutdown = httpSrv.Shutdown
	s.running = true

	return nil
}

// Stop drains in-flight requests and waits for background loops.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("server is not running")
	}

	s.logger.Info("toolkit shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpShutdown(shutdownCtx); err != nil {
		s.logger.Error("http api shutdown error", zap.Error(err))
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("toolkit shutdown complete")
	case <-shutdownCtx.Done():
		s.logger.Warn("toolkit shutdown timeout exceeded")
	}

	s.running = false
	return nil
}

// maintenanceLoop purges expired audit entries at start and once a day.
func (s *Server) maintenanceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(auditPurgeInterval)
	defer ticker.Stop()

	for {
		s.purgeAudit()
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) purgeAudit() {
	removed, err := s.audit.PurgeOlderThan(s.ctx, s.cfg.Audit.RetentionDays)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Warn("audit log purge failed", zap.Error(err))
		}
		return
	}
	if removed > 0 {
		s.logger.Info("audit log purged",
			zap.Int64("removed", removed),
			zap.Int("retention_days", s.cfg.Audit.RetentionDays),
		)
	}
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the bound listener address once started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
