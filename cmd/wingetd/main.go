package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wingetd/internal/api"
	"wingetd/internal/config"
	"wingetd/internal/core"
	"wingetd/internal/logging"
	wingetmcp "wingetd/internal/mcp"
	"wingetd/internal/notify"
	"wingetd/internal/store"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout carries the MCP protocol in mcp and both modes.
	var logOut io.Writer = os.Stdout
	if cfg.Mode != config.ModeHTTP {
		logOut = os.Stderr
	}
	logger := logging.New(cfg.Log.Level, logOut)

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		logger.Error("load profile", "path", cfg.ProfilePath, "err", err)
		os.Exit(1)
	}
	// Interactive tasks may read the daemon's stdin only when no protocol uses it.
	var engineOpts []core.Option
	if cfg.Mode == config.ModeHTTP {
		engineOpts = append(engineOpts, core.WithConsoleInput(os.Stdin))
	}
	engine, err := core.NewEngine(profile, logger, engineOpts...)
	if err != nil {
		logger.Error("create engine", "err", err)
		os.Exit(1)
	}
	logger.Info("engine ready", "executable", profile.Executable, "encoding", profile.Encoding,
		"soft_success", profile.SoftSuccess.String())

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.Close()

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	scheduler := core.NewScheduler(storeInst, engine, logger, location)
	scheduler.Start(ctx)
	if err := scheduler.Sync(ctx); err != nil {
		logger.Error("initial sync", "err", err)
	}

	if cfg.Notification.Bark.Enabled {
		startBarkWatcher(ctx, cfg, engine, logger)
	}

	mcpServer := wingetmcp.NewMCPServer(engine, storeInst, scheduler, logger, location)

	switch cfg.Mode {
	case config.ModeHTTP:
		runHTTPMode(cfg, engine, storeInst, scheduler, mcpServer, logger, location)
	case config.ModeMCP:
		runMCPMode(mcpServer, logger, cancel)
	case config.ModeBoth:
		runBothMode(cfg, engine, storeInst, scheduler, mcpServer, logger, location)
	}

	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("scheduler stop timed out")
	}
	for _, task := range engine.Active() {
		logger.Info("cancelling task on shutdown", "task_id", task.ID, "pid", task.PID)
		_ = engine.Cancel(task.ID)
	}
	logger.Info("shutdown complete")
}

func startBarkWatcher(ctx context.Context, cfg *config.Config, engine *core.Engine, logger *slog.Logger) {
	bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
	if err != nil {
		logger.Error("bark notifier disabled", "err", err)
		return
	}
	events, unsubscribe := engine.Subscribe(cfg.EventBuffer)
	watcher := notify.NewWatcher(notify.NewMultiNotifier(bark), logger)
	go func() {
		defer unsubscribe()
		watcher.Run(ctx, events)
	}()
	logger.Info("bark notifications enabled")
}

func newHTTPServer(cfg *config.Config, engine *core.Engine, storeInst *store.Store, scheduler *core.Scheduler, mcpServer *wingetmcp.MCPServer, logger *slog.Logger, location *time.Location) *api.Server {
	return api.NewServer(api.Options{
		Addr:        cfg.Server.Addr,
		AuthToken:   cfg.Server.AuthToken,
		EventBuffer: cfg.EventBuffer,
		Location:    location,
	}, engine, storeInst, scheduler, mcpServer, logger)
}

// runHTTPMode serves the REST API and the streamable MCP endpoint until a signal arrives.
func runHTTPMode(cfg *config.Config, engine *core.Engine, storeInst *store.Store, scheduler *core.Scheduler, mcpServer *wingetmcp.MCPServer, logger *slog.Logger, location *time.Location) {
	server := newHTTPServer(cfg, engine, storeInst, scheduler, mcpServer, logger, location)
	serverErr := startHTTP(server)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}
	shutdownHTTP(cfg, server, logger)
}

// runMCPMode serves MCP over stdio until stdin closes or a signal arrives.
func runMCPMode(mcpServer *wingetmcp.MCPServer, logger *slog.Logger, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	mcpErr := make(chan error, 1)
	go func() {
		mcpErr <- mcpServer.Run()
	}()

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-mcpErr:
		if err != nil {
			logger.Error("mcp server error", "err", err)
		}
	}
	cancel()
}

// runBothMode serves stdio MCP and HTTP together.
func runBothMode(cfg *config.Config, engine *core.Engine, storeInst *store.Store, scheduler *core.Scheduler, mcpServer *wingetmcp.MCPServer, logger *slog.Logger, location *time.Location) {
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server := newHTTPServer(cfg, engine, storeInst, scheduler, mcpServer, logger, location)
	serverErr := startHTTP(server)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}
	shutdownHTTP(cfg, server, logger)
}

func startHTTP(server *api.Server) <-chan error {
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	return serverErr
}

func shutdownHTTP(cfg *config.Config, server *api.Server, logger *slog.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
}
