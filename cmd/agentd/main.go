package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bridgeagent/internal/app"
	"bridgeagent/internal/bridge"
	"bridgeagent/internal/config"
	"bridgeagent/internal/model"
	"bridgeagent/internal/orchestrator"
	"bridgeagent/internal/repo"
)

const (
	envHTTPReadHeaderTimeoutSeconds = "AGENTD_HTTP_READ_HEADER_TIMEOUT_SECONDS"
	envHTTPReadTimeoutSeconds       = "AGENTD_HTTP_READ_TIMEOUT_SECONDS"
	envHTTPWriteTimeoutSeconds      = "AGENTD_HTTP_WRITE_TIMEOUT_SECONDS"
	envHTTPIdleTimeoutSeconds       = "AGENTD_HTTP_IDLE_TIMEOUT_SECONDS"
	envHTTPShutdownTimeoutSeconds   = "AGENTD_HTTP_SHUTDOWN_TIMEOUT_SECONDS"

	startupCatalogTimeout = 30 * time.Second
)

var (
	defaultHTTPReadHeaderTimeout = 10 * time.Second
	defaultHTTPReadTimeout       = 120 * time.Second
	defaultHTTPWriteTimeout      = 0 * time.Second
	defaultHTTPIdleTimeout       = 120 * time.Second
	defaultHTTPShutdownTimeout   = 30 * time.Second
)

type httpRuntimeConfig struct {
	readHeaderTimeout time.Duration
	readTimeout       time.Duration
	writeTimeout      time.Duration
	idleTimeout       time.Duration
	shutdownTimeout   time.Duration
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	if err := run(logger); err != nil {
		logger.Error("agentd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := config.Load()

	store, err := repo.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("init store failed: %w", err)
	}
	defer store.Close()

	bridgeClient := bridge.NewClient(cfg.BridgeURL, nil)
	session := model.NewSession(model.NewClient(model.Config{
		APIKey:    cfg.ModelAPIKey,
		Model:     cfg.ModelName,
		BaseURL:   cfg.ModelBaseURL,
		TimeoutMS: cfg.ModelTimeoutMS,
	}, nil))

	svc, err := orchestrator.NewService(orchestrator.Dependencies{
		Model:   session,
		Tools:   bridgeClient,
		Catalog: bridgeClient,
		Store:   store,
		Logger:  logger,
	}, orchestrator.Config{MaxToolHops: cfg.MaxToolHops})
	if err != nil {
		return fmt.Errorf("init orchestrator failed: %w", err)
	}

	// Without a catalog the model never learns the tool protocol, so an
	// unreachable bridge at boot is a startup failure, not a degraded start.
	catalogCtx, cancel := context.WithTimeout(context.Background(), startupCatalogTimeout)
	err = svc.RefreshCatalog(catalogCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("initial catalog refresh failed: %w", err)
	}

	srv, err := app.NewServer(cfg, svc, bridgeClient, logger)
	if err != nil {
		return fmt.Errorf("init server failed: %w", err)
	}
	defer srv.Close()

	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	runtimeCfg := loadHTTPRuntimeConfig(logger)
	httpServer := newHTTPServer(addr, srv.Handler(), runtimeCfg)

	errCh := make(chan error, 1)
	go func() {
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			errCh <- listenErr
			return
		}
		errCh <- nil
	}()

	logger.Info("agentd listening",
		"addr", addr,
		"bridge_url", cfg.BridgeURL,
		"shutdown_timeout", runtimeCfg.shutdownTimeout.String(),
	)

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case listenErr := <-errCh:
		if listenErr != nil {
			return fmt.Errorf("listen failed: %w", listenErr)
		}
		return nil
	case <-signalCtx.Done():
		logger.Info("shutdown signal received, draining in-flight requests",
			"timeout", runtimeCfg.shutdownTimeout.String())
	}

	timedOut, shutdownErr := shutdownHTTPServer(httpServer, runtimeCfg.shutdownTimeout)
	if shutdownErr != nil {
		return shutdownErr
	}
	if timedOut {
		logger.Warn("shutdown degraded: in-flight requests exceeded timeout, forced close",
			"timeout", runtimeCfg.shutdownTimeout.String())
	} else {
		logger.Info("agentd shutdown complete")
	}

	if listenErr := <-errCh; listenErr != nil {
		return fmt.Errorf("listen failed during shutdown: %w", listenErr)
	}
	return nil
}

func loadHTTPRuntimeConfig(logger *slog.Logger) httpRuntimeConfig {
	return httpRuntimeConfig{
		readHeaderTimeout: readDurationSecondsEnv(logger, envHTTPReadHeaderTimeoutSeconds, defaultHTTPReadHeaderTimeout, false),
		readTimeout:       readDurationSecondsEnv(logger, envHTTPReadTimeoutSeconds, defaultHTTPReadTimeout, false),
		writeTimeout:      readDurationSecondsEnv(logger, envHTTPWriteTimeoutSeconds, defaultHTTPWriteTimeout, true),
		idleTimeout:       readDurationSecondsEnv(logger, envHTTPIdleTimeoutSeconds, defaultHTTPIdleTimeout, false),
		shutdownTimeout:   readDurationSecondsEnv(logger, envHTTPShutdownTimeoutSeconds, defaultHTTPShutdownTimeout, false),
	}
}

func newHTTPServer(addr string, handler http.Handler, runtimeCfg httpRuntimeConfig) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: runtimeCfg.readHeaderTimeout,
		ReadTimeout:       runtimeCfg.readTimeout,
		WriteTimeout:      runtimeCfg.writeTimeout,
		IdleTimeout:       runtimeCfg.idleTimeout,
	}
}

func shutdownHTTPServer(httpServer *http.Server, timeout time.Duration) (bool, error) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			if closeErr := httpServer.Close(); closeErr != nil {
				return true, fmt.Errorf("force close failed after shutdown timeout: %w", closeErr)
			}
			return true, nil
		}
		return false, fmt.Errorf("shutdown failed: %w", err)
	}
	return false, nil
}

func readDurationSecondsEnv(logger *slog.Logger, key string, fallback time.Duration, allowZero bool) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 || (seconds == 0 && !allowZero) {
		logger.Warn("invalid http timeout value, using fallback", "key", key, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
