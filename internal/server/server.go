// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server wires together the controller side of BotWave: the TLS
// WebSocket control-plane listener, the fleet registry, the broadcast
// coordinator, the queue controller, the sync engine, and the token-gated
// transfer plane.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/botwave/internal/broadcast"
	"github.com/nishisan-dev/botwave/internal/config"
	"github.com/nishisan-dev/botwave/internal/pki"
	"github.com/nishisan-dev/botwave/internal/protocol"
	"github.com/nishisan-dev/botwave/internal/queue"
	"github.com/nishisan-dev/botwave/internal/registry"
	"github.com/nishisan-dev/botwave/internal/session"
	"github.com/nishisan-dev/botwave/internal/syncengine"
	"github.com/nishisan-dev/botwave/internal/transfer"
)

// Server is the running controller process.
type Server struct {
	cfg *config.ServerConfig
	serverVersion protocol.Version
	logger *slog.Logger

	identity *pki.Identity
	upgrader websocket.Upgrader

	registry *registry.Registry
	pending *registry.PendingTable
	tokens *transfer.Store
	coordinator *broadcast.Coordinator
	queueQueue *queue.Queue
	queueCtrl *queue.Controller
	syncEngine *syncengine.Engine

	transferSrv *transfer.Server
	cron *cron.Cron

	controlListener net.Listener
}

// New constructs a Server from cfg. GenerateServerIdentity is called here so
// Run can bind both TLS listeners immediately.
func New(cfg *config.ServerConfig, logger *slog.Logger) (*Server, error) {
	version, err := protocol.ParseVersion(cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("server: parsing configured version: %w", err)
	}

	hostname := cfg.TLS.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	identity, err := pki.GenerateServerIdentity(hostname, cfg.TLS.CertValidity)
	if err != nil {
		return nil, fmt.Errorf("server: generating TLS identity: %w", err)
	}

	reg := registry.New()
	pending := registry.NewPendingTable()
	tokens := transfer.NewStore(cfg.Transfer.TokenIdleTimeout)

	s := &Server{
		cfg: cfg,
		serverVersion: version,
		logger: logger,
		identity: identity,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		registry: reg,
		pending: pending,
		tokens: tokens,
		queueQueue: queue.New(),
	}

	transferBaseURL := "https://" + hostname + transferPort(cfg.Transfer.Listen)

	s.coordinator = broadcast.New(s, cfg.Broadcast.WaitStart, logger)
	s.coordinator.SetTransferBaseURL(transferBaseURL)
	s.queueCtrl = queue.NewController(s.queueQueue, s.coordinator)
	s.coordinator.OnEnd(s.queueCtrl.HandleEnd)

	s.syncEngine = syncengine.New(s, pending, tokens, syncengine.Config{
		StabilityWindow: cfg.Timeouts.SyncStabilityWindow,
		PerFileTimeout: cfg.Timeouts.SyncPerFile,
		ListTimeout: cfg.Timeouts.FileListSync,
		TransferBaseURL: transferBaseURL,
	}, logger)

	s.transferSrv = transfer.NewServer(tokens, transfer.Config{
		UploadDir: cfg.Filesystem.UploadsDir,
		TransferBytesPerSec: cfg.Transfer.TransferBytesPerSec,
		StreamBytesPerSec: cfg.Transfer.StreamBytesPerSec,
		MaxUploadBody: cfg.Transfer.MaxUploadBodyRaw,
	}, logger)

	return s, nil
}

// Run starts the control-plane listener, the transfer-plane listener, and
// the background cron jobs. It blocks until ctx is canceled, then shuts
// every component down.
func (s *Server) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.Filesystem.UploadsDir, 0o755); err != nil {
		return fmt.Errorf("server: creating uploads dir: %w", err)
	}
	if err := os.MkdirAll(s.cfg.Filesystem.HandlersDir, 0o755); err != nil {
		return fmt.Errorf("server: creating handlers dir: %w", err)
	}

	tlsConfig := pki.NewServerTLSConfig(s.identity)

	rawListener, err := net.Listen("tcp", s.cfg.Control.Listen)
	if err != nil {
		return fmt.Errorf("server: binding control listener: %w", err)
	}
	s.controlListener = tls.NewListener(rawListener, tlsConfig)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	controlSrv := &http.Server{Handler: mux}

	s.cron = cron.New()
	s.cron.AddFunc("@every 1m", func() {
		if n := s.tokens.GC(); n > 0 {
			s.logger.Debug("server: garbage collected idle transfer tokens", "count", n)
		}
	})
	if s.cfg.Queue.AutoplaySchedule != "" {
		s.cron.AddFunc(s.cfg.Queue.AutoplaySchedule, func() {
			s.queueCtrl.StepNext()
		})
	}
	s.cron.Start()

	s.replayHandler(ctx, "s_onready")

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("server: control plane listening", "addr", s.cfg.Control.Listen)
		if err := controlSrv.Serve(s.controlListener); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("control listener: %w", err)
		}
	}()
	go func() {
		s.logger.Info("server: transfer plane listening", "addr", s.cfg.Transfer.Listen)
		if err := s.transferSrv.Serve(s.cfg.Transfer.Listen, tlsConfig); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("transfer listener: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.logger.Error("server: listener failed", "err", err)
	}

	s.shutdown(controlSrv)
	return nil
}

func (s *Server) shutdown(controlSrv *http.Server) {
	s.logger.Info("server: shutting down")

	for _, rec := range s.registry.List() {
		if rec.Kick != nil {
			rec.Kick("Server is shutting down")
		}
	}

	s.cron.Stop()

	if n := s.tokens.ReleaseAll(); n > 0 {
		s.logger.Info("server: released outstanding transfer tokens", "count", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	controlSrv.Shutdown(ctx)
	s.transferSrv.Shutdown(ctx)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("server: websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	conn := session.NewConn(ws, s.logger)
	cs := newClientSession(conn, r.RemoteAddr, s.logger)

	ctx, cancel := context.WithCancel(context.Background())
	go s.pingLoop(ctx, cs)

	conn.Run(ctx, func(f protocol.Frame) {
		s.handle(cs, f)
	}, func() {
		cancel()
		s.onClose(cs)
	})
}

// Registry exposes the fleet registry for target resolution by the operator
// console and local mode.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Coordinator exposes the broadcast coordinator for the operator console.
func (s *Server) Coordinator() *broadcast.Coordinator { return s.coordinator }

// Queue exposes the queue for the operator console.
func (s *Server) Queue() *queue.Queue { return s.queueQueue }

// QueueController exposes the queue controller for the operator console.
func (s *Server) QueueController() *queue.Controller { return s.queueCtrl }

// SyncEngine exposes the sync engine for the operator console.
func (s *Server) SyncEngine() *syncengine.Engine { return s.syncEngine }

// Tokens exposes the transfer token store for minting stream tokens (LIVE).
func (s *Server) Tokens() *transfer.Store { return s.tokens }

// Config exposes the loaded configuration.
func (s *Server) Config() *config.ServerConfig { return s.cfg }

// transferPort extracts ":port" from a listen address like ":9921" or
// "0.0.0.0:9921", for building the transfer plane's base URL.
func transferPort(listen string) string {
	if i := strings.LastIndexByte(listen, ':'); i >= 0 {
		return listen[i:]
	}
	return ":" + listen
}
