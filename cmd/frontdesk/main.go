package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxline/frontdesk/internal/dotenv"
	"github.com/voxline/frontdesk/pkg/bridge/config"
	"github.com/voxline/frontdesk/pkg/bridge/memory"
	"github.com/voxline/frontdesk/pkg/bridge/notify"
	"github.com/voxline/frontdesk/pkg/bridge/playbook"
	"github.com/voxline/frontdesk/pkg/bridge/realtime"
	"github.com/voxline/frontdesk/pkg/bridge/recording"
	bridgeserver "github.com/voxline/frontdesk/pkg/bridge/server"
	"github.com/voxline/frontdesk/pkg/bridge/session"
)

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	newServer    func(config.Config, *slog.Logger, bridgeserver.Dependencies) *bridgeserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig: config.LoadFromEnv,
		newServer:  bridgeserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * cfg.WriteTimeout,
	}
}

// buildSessionDeps wires the real collaborators from configuration. Optional
// pieces (recordings, database memory) degrade to no-ops when unconfigured.
func buildSessionDeps(ctx context.Context, cfg config.Config, logger *slog.Logger) (bridgeserver.Dependencies, func(), error) {
	cleanup := func() {}

	dialer, err := realtime.NewDialer(realtime.DialerConfig{
		APIKey:           cfg.AIBackendKey,
		Model:            cfg.AIModel,
		BaseWSURL:        cfg.AIBackendURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
	})
	if err != nil {
		return bridgeserver.Dependencies{}, cleanup, fmt.Errorf("realtime dialer: %w", err)
	}

	notifier := notify.NewWebhook(notify.WebhookConfig{
		FinalURL:     cfg.WebhookFinalURL,
		PartialURL:   cfg.WebhookPartialURL,
		InfoURL:      cfg.WebhookInfoURL,
		AbandonedURL: cfg.WebhookAbandonedURL,
	}, logger)

	var recordings session.RecordingResolver
	if cfg.RecordingBaseURL != "" {
		resolver, err := recording.NewResolver(recording.Config{
			BaseURL:   cfg.RecordingBaseURL,
			AuthToken: cfg.RecordingAuthToken,
		}, logger)
		if err != nil {
			return bridgeserver.Dependencies{}, cleanup, fmt.Errorf("recording resolver: %w", err)
		}
		recordings = resolver
	}

	var callerMemory session.CallerMemory = memory.Noop{}
	if cfg.DatabaseURL != "" {
		store, err := memory.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return bridgeserver.Dependencies{}, cleanup, fmt.Errorf("caller memory: %w", err)
		}
		callerMemory = store
		cleanup = store.Close
	}

	var prompts session.PromptProvider
	if cfg.PlaybookPath != "" {
		pb, err := playbook.LoadFile(cfg.PlaybookPath)
		if err != nil {
			cleanup()
			return bridgeserver.Dependencies{}, func() {}, fmt.Errorf("playbook: %w", err)
		}
		prompts = pb
	} else {
		prompts = playbook.NewStatic(session.Prompts{})
	}

	return bridgeserver.Dependencies{
		Dialer:     dialer,
		Notifier:   notifier,
		Recordings: recordings,
		Memory:     callerMemory,
		Prompts:    prompts,
	}, cleanup, nil
}

func runBridge(ctx context.Context, logger *slog.Logger, deps bridgeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newServer == nil {
		return errors.New("missing newServer dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sessionDeps, cleanup, err := buildSessionDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := deps.newServer(cfg, logger, sessionDeps)
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting frontdesk bridge", "addr", cfg.Addr, "bargein_mode", string(cfg.BargeIn))

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer drainCancel()
	if !srv.Drain(drainCtx) {
		logger.Warn("live calls did not drain before deadline")
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("frontdesk bridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "frontdesk: %v\n", err)
		return 1
	}

	if err := runBridge(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "frontdesk: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
