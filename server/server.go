/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/PivotLLM/Switchboard/approval"
	"github.com/PivotLLM/Switchboard/config"
	"github.com/PivotLLM/Switchboard/events"
	"github.com/PivotLLM/Switchboard/global"
	"github.com/PivotLLM/Switchboard/handlers"
	"github.com/PivotLLM/Switchboard/history"
	"github.com/PivotLLM/Switchboard/logging"
	"github.com/PivotLLM/Switchboard/metrics"
	"github.com/PivotLLM/Switchboard/orchestrator"
	"github.com/PivotLLM/Switchboard/servers"
	"github.com/PivotLLM/Switchboard/tasks"
	"github.com/PivotLLM/Switchboard/transport"
)

const shutdownTimeout = 5 * time.Second

// Server wraps the MCP server with our services
type Server struct {
	config      *config.Config
	logger      *logging.Logger
	manager     *servers.Manager
	store       *tasks.Store
	gate        *approval.Gate
	bridge      *orchestrator.Bridge
	broadcaster *events.Broadcaster
	history     *history.Store
	metrics     *metrics.Metrics
	watcher     *servers.Watcher
	mcpServer   *server.MCPServer
	httpServer  *http.Server

	markNonDestructive bool

	// ctx outlives individual tool calls; runs started from a tool use it
	ctx    context.Context
	cancel context.CancelFunc
}

// components holds the services a Server exposes
type components struct {
	manager            *servers.Manager
	store              *tasks.Store
	gate               *approval.Gate
	bridge             *orchestrator.Bridge
	broadcaster        *events.Broadcaster
	history            *history.Store
	metrics            *metrics.Metrics
	markNonDestructive bool
}

// New creates a new server instance
func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	m := metrics.New()
	broadcaster := events.New(
		events.WithLogger(logger.Named("events")),
		events.WithCountHook(m.SetSubscribers),
	)
	publishers := global.Publishers{broadcaster, m}

	store := tasks.New(
		tasks.WithLogger(logger.Named("tasks")),
		tasks.WithPublisher(publishers),
	)
	gate := approval.New(store,
		approval.WithLogger(logger.Named("approval")),
		approval.WithPublisher(broadcaster),
	)

	// Tool server registry
	tc := cfg.Transport()
	conn := cfg.Connections()
	process := transport.NewProcess(
		transport.WithLogger(logger.Named("process")),
		transport.WithCallTimeout(tc.CallTimeout()),
	)
	httpClient := transport.NewHTTPClient(
		transport.WithHTTPTimeout(tc.HTTPTimeout()),
		transport.WithHTTPLogger(logger.Named("http")),
	)
	manager := servers.New(
		servers.WithLogger(logger.Named("servers")),
		servers.WithProcessTransport(process),
		servers.WithHTTPClient(httpClient),
		servers.WithConfigFile(servers.NewConfigFile(cfg.ServersFile(), logger)),
		servers.WithObserver(m),
		servers.WithReconnect(servers.ReconnectPolicy{
			Enabled:    conn.AutoReconnect,
			MaxRetries: conn.MaxRetries,
			Delay:      conn.RetryDelay(),
			Backoff:    conn.Backoff,
		}),
	)

	// Task handlers and the orchestrator
	built, err := handlers.Build(cfg.EnabledHandlers(), manager, logger.Named("handlers"))
	if err != nil {
		return nil, fmt.Errorf("failed to build handlers: %w", err)
	}
	oc := cfg.Orchestrator()
	bridge := orchestrator.New(store, orchestrator.NewRegistry(built...),
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithPublisher(publishers),
		orchestrator.WithClassifier(orchestrator.NewKeywordClassifier(cfg.Classifier())),
		orchestrator.WithRateLimiter(orchestrator.NewRateLimiter(oc.RateLimit.MaxRequests, oc.RateLimit.PeriodSeconds)),
		orchestrator.WithIdleWait(time.Duration(oc.IdleWaitMs)*time.Millisecond),
		orchestrator.WithTaskDelay(time.Duration(oc.TaskDelayMs)*time.Millisecond),
	)

	var hist *history.Store
	if path := cfg.HistoryDB(); path != "" {
		hist, err = history.Open(path, logger.Named("history"))
		if err != nil {
			_ = manager.Close()
			return nil, err
		}
		hist.Follow(broadcaster)
	}

	srv, err := newServer(cfg, logger, components{
		manager:            manager,
		store:              store,
		gate:               gate,
		bridge:             bridge,
		broadcaster:        broadcaster,
		history:            hist,
		metrics:            m,
		markNonDestructive: cfg.MarkNonDestructive(),
	})
	if err != nil {
		if hist != nil {
			_ = hist.Close()
		}
		_ = manager.Close()
		return nil, err
	}
	return srv, nil
}

// newServer assembles a Server from already built components
func newServer(cfg *config.Config, logger *logging.Logger, c components) (*Server, error) {
	// Create MCP server
	mcpServer := server.NewMCPServer(
		global.ProgramName,
		global.Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		config:             cfg,
		logger:             logger,
		manager:            c.manager,
		store:              c.store,
		gate:               c.gate,
		bridge:             c.bridge,
		broadcaster:        c.broadcaster,
		history:            c.history,
		metrics:            c.metrics,
		mcpServer:          mcpServer,
		markNonDestructive: c.markNonDestructive,
		ctx:                ctx,
		cancel:             cancel,
	}

	// An approved batch, or one that needs no approval, starts at once
	srv.gate.SetReadyHandler(srv.autoStart)

	// Register tools
	if err := srv.registerTools(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	return srv, nil
}

// readOnlyTool creates a tool with read-only annotations
// ReadOnly: true, Destructive: false, OpenWorld: false
func (s *Server) readOnlyTool(name string, opts ...mcp.ToolOption) mcp.Tool {
	opts = append(opts, mcp.WithToolAnnotation(mcp.ToolAnnotation{
		ReadOnlyHint:    mcp.ToBoolPtr(true),
		DestructiveHint: mcp.ToBoolPtr(false),
		OpenWorldHint:   mcp.ToBoolPtr(false),
	}))
	return mcp.NewTool(name, opts...)
}

// defaultTool creates a tool with default annotations (non-destructive)
// ReadOnly: false, Destructive: false, OpenWorld: false
func (s *Server) defaultTool(name string, opts ...mcp.ToolOption) mcp.Tool {
	opts = append(opts, mcp.WithToolAnnotation(mcp.ToolAnnotation{
		ReadOnlyHint:    mcp.ToBoolPtr(false),
		DestructiveHint: mcp.ToBoolPtr(false),
		OpenWorldHint:   mcp.ToBoolPtr(false),
	}))
	return mcp.NewTool(name, opts...)
}

// openWorldTool creates a tool that reaches an external tool server
// ReadOnly: false, Destructive: false, OpenWorld: true
func (s *Server) openWorldTool(name string, opts ...mcp.ToolOption) mcp.Tool {
	opts = append(opts, mcp.WithToolAnnotation(mcp.ToolAnnotation{
		ReadOnlyHint:    mcp.ToBoolPtr(false),
		DestructiveHint: mcp.ToBoolPtr(false),
		OpenWorldHint:   mcp.ToBoolPtr(true),
	}))
	return mcp.NewTool(name, opts...)
}

// destructiveTool creates a tool with destructive annotations
// ReadOnly: false, Destructive: true (unless markNonDestructive config is set), OpenWorld: false
func (s *Server) destructiveTool(name string, opts ...mcp.ToolOption) mcp.Tool {
	destructive := true
	if s.markNonDestructive {
		destructive = false
	}
	opts = append(opts, mcp.WithToolAnnotation(mcp.ToolAnnotation{
		ReadOnlyHint:    mcp.ToBoolPtr(false),
		DestructiveHint: mcp.ToBoolPtr(destructive),
		OpenWorldHint:   mcp.ToBoolPtr(false),
	}))
	return mcp.NewTool(name, opts...)
}

// Start loads the tool server registry, connects the auto-connect list and
// starts the file watcher and observer HTTP surface
func (s *Server) Start() error {
	if s.manager.ConfigFile() != nil {
		result, err := s.manager.LoadFromConfig()
		if err != nil {
			return fmt.Errorf("failed to load tool servers: %w", err)
		}
		for _, msg := range result.Errors {
			s.logger.Warnf("Server config entry skipped: %s", msg)
		}
	}

	for _, id := range s.config.Connections().AutoConnect {
		if err := s.manager.Connect(s.ctx, id); err != nil {
			s.logger.Warnf("Auto-connect failed: %v", err)
		}
	}

	if s.config.WatchServersFile() && s.manager.ConfigFile() != nil {
		w, err := servers.NewWatcher(s.manager, s.logger.Named("watcher"), servers.DefaultDebounce)
		if err != nil {
			return err
		}
		w.OnReload(s.connectAdded)
		if err := w.Start(s.ctx); err != nil {
			_ = w.Stop()
			return err
		}
		s.watcher = w
	}

	if addr := s.config.Listen(); addr != "" {
		s.httpServer = &http.Server{
			Addr:              addr,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Errorf("Observer HTTP server error: %v", err)
			}
		}()
		s.logger.Infof("Observer listening on %s", addr)
	}
	return nil
}

// connectAdded connects servers added by a reload that are on the auto-connect list
func (s *Server) connectAdded(result *servers.SyncResult, err error) {
	if err != nil || result == nil {
		return
	}
	auto := make(map[string]bool)
	for _, id := range s.config.Connections().AutoConnect {
		auto[id] = true
	}
	for _, id := range result.Added {
		if !auto[id] {
			continue
		}
		go func(id string) {
			if err := s.manager.Connect(s.ctx, id); err != nil {
				s.logger.Warnf("Auto-connect failed: %v", err)
			}
		}(id)
	}
}

// Run starts the MCP server with graceful shutdown
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		s.shutdown()
		return err
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		err := server.ServeStdio(s.mcpServer)
		// ServeStdio returns when stdin is closed (EOF) or on error
		errChan <- err
	}()

	s.logger.Infof("MCP server started successfully")

	// Wait for shutdown signal, stdin close, or error
	select {
	case <-sigChan:
		s.logger.Info("Shutdown signal received")
		s.shutdown()
		s.logger.Info("Server stopped")
		// Flush logs before exiting
		if err := s.logger.Sync(); err != nil {
			s.logger.Warnf("Failed to flush logs on shutdown: %v", err)
		}
		return nil

	case err := <-errChan:
		if err != nil {
			s.logger.Errorf("Server error: %v", err)
			s.shutdown()
			return fmt.Errorf("server error: %w", err)
		}
		// nil error means stdin was closed (EOF) - normal exit
		s.logger.Info("Connection closed")
		s.shutdown()
		s.logger.Info("Server exiting")
		return nil
	}
}

// shutdown stops the active run before its next task, waits for the task in
// flight, then closes history, observers and tool servers
func (s *Server) shutdown() {
	if s.bridge.Abort() {
		s.logger.Info("Waiting for the active task to finish...")
	}
	s.bridge.Wait()
	s.cancel()

	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Warnf("Failed to stop watcher: %v", err)
		}
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warnf("Observer shutdown: %v", err)
		}
		cancel()
	}
	// History stops following before its stream is closed
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.logger.Warnf("Failed to close history: %v", err)
		}
	}
	s.broadcaster.CloseAll()
	if err := s.manager.Close(); err != nil {
		s.logger.Warnf("Failed to stop tool servers: %v", err)
	}
}
