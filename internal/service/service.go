// Package service runs the long-lived monitoring server: HTTP ingestion,
// per-subject monitoring sessions, directory reloads and alert retention.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ecg-sentinel/internal/api"
	"ecg-sentinel/internal/config"
	"ecg-sentinel/internal/dispatch"
	"ecg-sentinel/internal/metrics"
	"ecg-sentinel/internal/monitor"
	"ecg-sentinel/internal/scheduler"
	"ecg-sentinel/internal/storage"
	"ecg-sentinel/internal/stream"
)

// Watcher reloads an external resource until ctx is done.
type Watcher interface {
	Watch(ctx context.Context) error
}

// Deps are the collaborators assembled by the caller.
type Deps struct {
	Store      storage.AlertStore
	Dispatcher *dispatch.Dispatcher
	Analyzer   monitor.Assessor
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	// Watcher is optional; it is run alongside the server when set.
	Watcher Watcher
	Ready   func(ctx context.Context) error
}

// Service wires the monitoring hub, the HTTP API and the background jobs.
type Service struct {
	cfg     *config.Config
	store   storage.AlertStore
	metrics *metrics.Metrics
	watcher Watcher
	broker  *stream.Broker[monitor.Frame]
	hub     *monitor.Hub
	api     *api.API
	logger  zerolog.Logger

	locker  storage.AdvisoryLocker
	lockKey int64
}

// New constructs the service. It does not start anything.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("service: config is required")
	}
	if deps.Store == nil || deps.Dispatcher == nil || deps.Analyzer == nil {
		return nil, errors.New("service: store, dispatcher and analyzer are required")
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry())
	}

	broker := stream.NewBroker[monitor.Frame](
		stream.WithBuffer(cfg.Ingest.QueueDepth),
		stream.WithDropHook(m.DropHook()),
	)
	hub := monitor.NewHub(broker, deps.Analyzer, deps.Dispatcher.Escalator(), cfg.Monitor.Policy(),
		monitor.WithLogger(logger),
		monitor.WithArbiterHooks(m.ArbiterHooks()),
	)

	var metricsHandler http.Handler
	if deps.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})
	}
	handlers := api.New(logger, api.Deps{
		Alerts:   deps.Dispatcher,
		Lister:   deps.Store,
		Hub:      hub,
		Analyzer: deps.Analyzer,
		Metrics:  metricsHandler,
		Ready:    deps.Ready,
	}, api.Options{MaxSamples: cfg.Ingest.MaxSamples})

	var locker storage.AdvisoryLocker
	if l, ok := deps.Store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		cfg:     cfg,
		store:   deps.Store,
		metrics: m,
		watcher: deps.Watcher,
		broker:  broker,
		hub:     hub,
		api:     handlers,
		logger:  logger.With().Str("component", "service").Logger(),
		locker:  locker,
		lockKey: cfg.Retention.AdvisoryLockKey,
	}, nil
}

// Hub exposes the monitoring hub.
func (s *Service) Hub() *monitor.Hub {
	return s.hub
}

// Handler returns the HTTP handler with middleware applied.
func (s *Service) Handler() http.Handler {
	return s.api.Handler()
}

// Run serves until ctx is cancelled, then shuts everything down.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if s.watcher != nil {
		g.Go(func() error {
			return ignoreCancel(s.watcher.Watch(gctx))
		})
	}

	if s.cfg.Retention.Enabled {
		sched := scheduler.New(scheduler.Options{
			Name:          "retention",
			Interval:      s.cfg.Retention.Interval,
			AlignToBucket: s.cfg.Retention.AlignToBucket,
			StartupDelay:  s.cfg.Retention.StartupDelay,
		}, s.logger)
		g.Go(func() error {
			return ignoreCancel(sched.Run(gctx, s.Sweep))
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(context.WithoutCancel(ctx), srv)
	})

	return g.Wait()
}

func (s *Service) shutdown(ctx context.Context, srv *http.Server) error {
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info().Msg("shutting down")
	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.hub.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("monitor shutdown: %w", err))
	}
	s.broker.Close()
	return errors.Join(errs...)
}

// Sweep deletes alerts older than the retention window ending at slot. When
// the store supports advisory locks only one instance sweeps per slot.
func (s *Service) Sweep(ctx context.Context, slot time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("slot", slot).Msg("skip retention sweep because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	cutoff := slot.Add(-s.cfg.Retention.MaxAge)
	deleted, err := s.store.DeleteAlertsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("delete alerts before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	s.metrics.ObserveRetention(deleted)
	s.logger.Info().Time("cutoff", cutoff).Int64("deleted", deleted).Msg("retention sweep finished")
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
