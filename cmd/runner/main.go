package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/courierlabs/runner/internal/browser"
	"github.com/courierlabs/runner/internal/config"
	"github.com/courierlabs/runner/internal/httpexec"
	"github.com/courierlabs/runner/internal/identity"
	"github.com/courierlabs/runner/internal/logging"
	"github.com/courierlabs/runner/internal/monitoring"
	"github.com/courierlabs/runner/internal/ws"
)

const version = "1.2.0"

func main() {
	cfg := config.LoadOrDefault()

	token := flag.String("token", "", "Runner authentication token (required)")
	server := flag.String("server", "", "Control plane URL")
	headless := flag.Bool("headless", cfg.Headless, "Run browser sessions headless")
	flag.Parse()

	if *token != "" {
		cfg.Token = *token
	}
	if *server != "" {
		cfg.ServerURL = *server
	}
	cfg.Headless = *headless

	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "error: --token is required")
		flag.Usage()
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: init logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	id, err := identity.New(cfg.Token, version, []string{
		identity.CapabilityHTTP,
		identity.CapabilityBrowser,
	})
	if err != nil {
		logger.Fatal("build runner identity", zap.Error(err))
	}
	logger.Info("runner starting",
		zap.String("runner_id", id.RunnerID),
		zap.String("version", version),
		zap.String("server", cfg.ServerURL))

	metrics := monitoring.NewMetrics()
	var debugServer *monitoring.DebugServer
	if cfg.Debug.Addr != "" {
		debugServer = monitoring.NewDebugServer(cfg.Debug.Addr, metrics, logger)
		debugServer.Start()
	}

	ctrl := ws.NewControlChannel(ws.ControlConfig{
		ServerURL:       cfg.ServerURL,
		Identity:        id,
		Executor:        httpexec.New(logger),
		NewEngine:       func() browser.Engine { return browser.NewRodEngine(logger) },
		NewStrategy:     strategyFactory(cfg, logger),
		AckOnAttach:     cfg.Capture.Mode == config.CaptureTraffic,
		DefaultHeadless: cfg.Headless,
		Logger:          logger,
		Metrics:         metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Connect(ctx); err != nil {
		logger.Fatal("connect to control plane", zap.Error(err))
	}

	errChan := make(chan error, 1)
	go func() { errChan <- ctrl.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-sigChan:
		logger.Info("shutting down")
	case err := <-errChan:
		// Reconnection policy belongs to whatever supervises this process.
		logger.Error("control connection terminated", zap.Error(err))
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	ctrl.Disconnect(shutdownCtx)
	if debugServer != nil {
		_ = debugServer.Shutdown(shutdownCtx)
	}
	os.Exit(exitCode)
}

func strategyFactory(cfg *config.Config, logger *logging.Logger) browser.StrategyFactory {
	if cfg.Capture.Mode == config.CaptureTraffic {
		return func(sessionID string) browser.Strategy {
			return browser.NewTrafficStrategy(sessionID, logger)
		}
	}
	interval := time.Duration(cfg.Capture.FrameIntervalMs) * time.Millisecond
	return func(sessionID string) browser.Strategy {
		return browser.NewFrameStrategy(sessionID, interval, logger)
	}
}
