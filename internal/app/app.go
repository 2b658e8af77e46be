package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"ecg-sentinel/internal/alerting"
	"ecg-sentinel/internal/classifier"
	"ecg-sentinel/internal/config"
	"ecg-sentinel/internal/dispatch"
	"ecg-sentinel/internal/metrics"
	"ecg-sentinel/internal/responder"
	"ecg-sentinel/internal/service"
	"ecg-sentinel/internal/signal"
	"ecg-sentinel/internal/storage"
	"ecg-sentinel/internal/storage/memstore"
	"ecg-sentinel/internal/storage/sqlitestore"
	"ecg-sentinel/internal/telemetry"
	"ecg-sentinel/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output. Defaults to stdout.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger, Out: os.Stdout}
}

// backend is an opened alert store plus the handles its driver exposes.
type backend struct {
	alerts storage.AlertStore
	// postgres is set only for the postgres driver; it also serves the
	// responder directory and advisory locks.
	postgres *storage.Store
	ping     func(context.Context) error
	close    func()
}

func (a *App) openStore(ctx context.Context) (*backend, error) {
	db := a.Config.Database
	switch db.Driver {
	case config.DriverPostgres:
		pool, err := storage.NewPool(ctx, db)
		if err != nil {
			return nil, err
		}
		store := storage.NewStore(pool)
		return &backend{alerts: store, postgres: store, ping: store.Ping, close: store.Close}, nil
	case config.DriverSQLite:
		store, err := sqlitestore.Open(ctx, db.Path)
		if err != nil {
			return nil, err
		}
		return &backend{
			alerts: store,
			ping:   store.Ping,
			close: func() {
				if err := store.Close(); err != nil {
					a.Logger.Warn().Err(err).Msg("close sqlite store")
				}
			},
		}, nil
	case config.DriverMemory:
		a.Logger.Warn().Msg("database.driver is memory; alerts are lost on exit")
		return &backend{alerts: memstore.New(), ping: func(context.Context) error { return nil }, close: func() {}}, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", db.Driver)
	}
}

// openDirectory returns the responder directory and, for a watched file, the
// watcher that keeps it fresh.
func (a *App) openDirectory(b *backend) (responder.Directory, service.Watcher, error) {
	dir := a.Config.Directory
	switch dir.Source {
	case config.DirectoryFile:
		fd, err := responder.LoadFile(dir.Path, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		if dir.Watch {
			return fd, fd, nil
		}
		return fd, nil, nil
	case config.DirectoryDatabase:
		if b.postgres == nil {
			return nil, nil, errors.New("directory.source database requires the postgres driver")
		}
		return b.postgres, nil, nil
	case config.DirectoryNone:
		a.Logger.Warn().Msg("responder directory disabled; escalations will reach nobody")
		return responder.NewStaticDirectory(nil, nil), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown directory source %q", dir.Source)
	}
}

func (a *App) newChannels() []alerting.Channel {
	ch := a.Config.Channels
	timeout := a.Config.Dispatch.SendTimeout

	var out []alerting.Channel
	for _, kind := range a.Config.Kinds() {
		switch kind {
		case alerting.KindSMS:
			out = append(out, alerting.NewSMS(alerting.SMSOptions{
				AccountSID:   ch.SMS.AccountSID,
				AuthToken:    ch.SMS.AuthToken,
				From:         ch.SMS.From,
				BaseURL:      ch.SMS.BaseURL,
				CallbackBase: ch.SMS.CallbackBase,
				Timeout:      timeout,
			}, a.Logger))
		case alerting.KindTelegram:
			out = append(out, alerting.NewTelegram(alerting.TelegramOptions{
				BotToken: ch.Telegram.BotToken,
				BaseURL:  ch.Telegram.APIBase,
				Timeout:  timeout,
			}, a.Logger))
		case alerting.KindEmail:
			out = append(out, alerting.NewEmail(alerting.EmailOptions{
				Host:     ch.Email.Host,
				Port:     ch.Email.Port,
				Username: ch.Email.Username,
				Password: ch.Email.Password,
				From:     ch.Email.From,
				Timeout:  timeout,
			}, a.Logger))
		case alerting.KindSlack:
			out = append(out, alerting.NewSlack(alerting.SlackOptions{
				WebhookURL: ch.Slack.WebhookURL,
				Timeout:    timeout,
			}, a.Logger))
		}
	}
	for _, c := range out {
		if !c.Configured() {
			a.Logger.Warn().Str("channel", string(c.Kind())).Msg("channel selected but not configured; attempts will be skipped")
		}
	}
	return out
}

func (a *App) newAnalyzer(m *metrics.Metrics) *signal.Analyzer {
	opts := []signal.Option{signal.WithLogger(a.Logger)}
	if m != nil {
		opts = append(opts, signal.WithHooks(m.AnalyzerHooks()))
	}
	if url := a.Config.Analyzer.ClassifierURL; url != "" {
		ua := a.Config.Analyzer.UserAgent
		if ua == "" {
			ua = version.UserAgent()
		}
		client := classifier.New(classifier.Options{
			BaseURL:   url,
			Timeout:   a.Config.Analyzer.ClassifierTimeout,
			UserAgent: ua,
		}, a.Logger)
		opts = append(opts, signal.WithClassifier(client, a.Config.Analyzer.ClassifierTimeout))
	}
	return signal.NewAnalyzer(opts...)
}

func (a *App) newDispatcher(store storage.AlertStore, dir responder.Directory, m *metrics.Metrics) (*dispatch.Dispatcher, error) {
	required, err := responder.ParseCapabilities(a.Config.Dispatch.RequiredCapabilities)
	if err != nil {
		return nil, err
	}
	opts := []dispatch.Option{
		dispatch.WithLogger(a.Logger),
		dispatch.WithSendTimeout(a.Config.Dispatch.SendTimeout),
		dispatch.WithRanking(a.Config.Dispatch.RankLimit, required),
	}
	if m != nil {
		opts = append(opts, dispatch.WithHooks(m.DispatchHooks()))
	}
	return dispatch.New(store, dir, a.newChannels(), opts...), nil
}

// Serve executes the long-running monitoring service.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := ossignal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Options{
		Enabled:     a.Config.Telemetry.Enabled,
		Endpoint:    a.Config.Telemetry.Endpoint,
		Insecure:    a.Config.Telemetry.Insecure,
		SampleRatio: a.Config.Telemetry.SampleRatio,
		Service:     a.Config.App.Name,
		Version:     version.Version,
	}, a.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			a.Logger.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	b, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer b.close()

	dir, watcher, err := a.openDirectory(b)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	dispatcher, err := a.newDispatcher(b.alerts, dir, m)
	if err != nil {
		return err
	}

	svc, err := service.New(a.Config, service.Deps{
		Store:      b.alerts,
		Dispatcher: dispatcher,
		Analyzer:   a.newAnalyzer(m),
		Metrics:    m,
		Gatherer:   reg,
		Watcher:    watcher,
		Ready:      b.ping,
	}, a.Logger)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Str("version", version.Version).
		Str("driver", a.Config.Database.Driver).
		Str("directory", a.Config.Directory.Source).
		Msg("starting monitoring service")
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}
