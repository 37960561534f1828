package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"sync/atomic"
	"syscall"
	"time"

	"teamsync/internal/clock"
	"teamsync/internal/config"
	"teamsync/internal/control"
	"teamsync/internal/domain"
	"teamsync/internal/logging"
	"teamsync/internal/loop"
	"teamsync/internal/metrics"
	"teamsync/internal/namecache"
	"teamsync/internal/prefs"
	"teamsync/internal/remote"
	"teamsync/internal/state"
	"teamsync/internal/subscription"
	"teamsync/internal/templatefmt"
	"teamsync/internal/throttle"

	"golang.org/x/sync/errgroup"
)

var metricNameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// ServiceOption overrides one collaborator built by NewService.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	backend remote.Backend
	titles  TitleSink
	console io.Writer
}

// WithBackend replaces the configured backend (the service takes ownership and closes it).
func WithBackend(backend remote.Backend) ServiceOption {
	return func(opts *serviceOptions) {
		opts.backend = backend
	}
}

// WithTitleSink receives rendered window titles instead of the log.
func WithTitleSink(sink TitleSink) ServiceOption {
	return func(opts *serviceOptions) {
		opts.titles = sink
	}
}

// WithConsole redirects console log output.
func WithConsole(out io.Writer) ServiceOption {
	return func(opts *serviceOptions) {
		opts.console = out
	}
}

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable teamsync service.
type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	loop      *loop.Loop
	backend   remote.Backend
	store     *state.Store
	registry  *subscription.Registry
	orch      *Orchestrator
	metrics   *metrics.Registry
	httpSrv   *http.Server
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService builds service instance from config source.
// Params: config source, clock implementation, and optional overrides.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock, options ...ServiceOption) (*Service, error) {
	var opts serviceOptions
	for _, option := range options {
		option(&opts)
	}

	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log, logging.Options{Console: opts.console, Service: cfg.Service.Name})
	if err != nil {
		return nil, err
	}

	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		loop:     loop.New(logger),
		metrics:  metrics.New(metricNameUnsafe.ReplaceAllString(cfg.Service.Name, "_")),
		clock:    clk,
	}

	service.backend = opts.backend
	if service.backend == nil {
		backend, err := buildBackend(cfg, logger)
		if err != nil {
			service.cleanupInitResources()
			return nil, err
		}
		service.backend = backend
	}

	if err := service.buildOrchestrator(opts.titles); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildHTTPServer(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	group, groupCtx := errgroup.WithContext(loopCtx)

	group.Go(func() error {
		if err := s.loop.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := s.loop.Do(ctx, s.orch.Init); err != nil {
		_ = s.shutdown(stopLoop, group)
		return fmt.Errorf("orchestrator init: %w", err)
	}

	if s.httpSrv != nil {
		group.Go(func() error {
			s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen)
			err := s.httpSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server failed: %w", err)
			}
			return nil
		})
	}

	s.readyFlag.Store(true)
	s.logger.Info("service started", "mode", s.cfg.Service.Mode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
	case <-groupCtx.Done():
	case <-sigChan:
	}
	return s.shutdown(stopLoop, group)
}

// shutdown closes runtime resources in dependency order.
// Params: loop stop function and the group running loop and HTTP server.
// Returns: first close error.
func (s *Service) shutdown(stopLoop context.CancelFunc, group *errgroup.Group) error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.Service.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown failed", "error", err.Error())
			markErr(fmt.Errorf("http shutdown: %w", err))
		}
	}
	cleanupErr := s.loop.Do(ctx, func() error {
		s.orch.Cleanup()
		return nil
	})
	stopLoop()
	if err := group.Wait(); err != nil {
		markErr(err)
	}
	if cleanupErr != nil {
		// Loop has exited, so the orchestrator is no longer shared.
		s.orch.Cleanup()
	}
	if err := s.backend.Close(); err != nil {
		s.logger.Error("backend close failed", "error", err.Error())
		markErr(fmt.Errorf("backend close: %w", err))
	}
	s.logger.Info("service stopped")
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.backend != nil {
		_ = s.backend.Close()
		s.backend = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildOrchestrator wires store, registry, throttle, prefs, and name cache.
// Params: optional title sink override.
// Returns: setup error.
func (s *Service) buildOrchestrator(titles TitleSink) error {
	tmpl, err := templatefmt.ParseTitleTemplate("ui.title_template", s.cfg.UI.TitleTemplate)
	if err != nil {
		return fmt.Errorf("ui.title_template: %w", err)
	}
	prefStore, err := buildPrefs(s.cfg)
	if err != nil {
		return err
	}
	if titles == nil {
		titles = TitleFunc(func(title string) {
			s.logger.Info("window title updated", "title", title)
		})
	}

	s.store = state.New(s.loop, state.Options{
		MaxSubscribers: s.cfg.Store.MaxSubscribers,
		MaxCascade:     s.cfg.Store.MaxCascade,
		Logger:         s.logger,
		Metrics:        s.metrics,
	})
	s.registry = subscription.NewRegistry(s.cfg.Subscriptions.Capacity, s.logger, s.metrics)
	backend := s.backend
	names := namecache.New(func(ctx context.Context, id string) (string, error) {
		doc, err := backend.Get(ctx, domain.TeamPath(id))
		if err != nil {
			return "", err
		}
		return doc.Text("name"), nil
	})

	s.orch, err = NewOrchestrator(OrchestratorDeps{
		Store:    s.store,
		Loop:     s.loop,
		Backend:  s.backend,
		Registry: s.registry,
		Throttle: throttle.New(s.cfg.Subscriptions.Throttle.Limit, s.cfg.Subscriptions.Throttle.Window(), s.clock),
		Prefs:    prefStore,
		Names:    names,
		Titles:   titles,
		Clock:    s.clock,
		Logger:   s.logger,
		Metrics:  s.metrics,
	}, OrchestratorOptions{
		Policy:        s.cfg.Subscriptions.Retry.Policy(),
		TitleDebounce: s.cfg.UI.TitleDebounce(),
		TitleTemplate: tmpl,
	})
	return err
}

// buildHTTPServer wires router with control, metrics, and health endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	if !s.cfg.HTTP.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(s.cfg.HTTP.MetricsPath, s.metrics.Handler())

	ctrl := loopController{loop: s.loop, orch: s.orch}
	mux.Handle(s.cfg.HTTP.ControlPrefix+"/", control.NewHTTPHandler(ctrl, s.cfg.HTTP.ControlPrefix, s.cfg.HTTP.MaxBodyBytes, s.logger))

	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// buildBackend creates remote backend from config.
// Params: root config snapshot and logger.
// Returns: selected backend.
func buildBackend(cfg config.Config, logger *slog.Logger) (remote.Backend, error) {
	if isSingleMode(cfg) {
		return remote.NewMemory(), nil
	}
	return remote.NewNATSBackend(cfg.Backend.NATS, logger)
}

// buildPrefs picks file-backed preferences when a path is configured.
func buildPrefs(cfg config.Config) (prefs.Store, error) {
	if cfg.Prefs.Path == "" {
		return prefs.NewMemory(), nil
	}
	return prefs.NewFile(cfg.Prefs.Path)
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
