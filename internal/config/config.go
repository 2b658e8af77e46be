package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"ecg-sentinel/internal/alerting"
	"ecg-sentinel/internal/arbiter"
	"ecg-sentinel/internal/logging"
	"ecg-sentinel/internal/responder"
)

// MaxSendTimeout caps a single delivery attempt so one slow provider cannot
// hold an alert in triggered.
const MaxSendTimeout = 10 * time.Second

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ECGSENTINEL"

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Directory sources.
const (
	DirectoryFile     = "file"
	DirectoryDatabase = "database"
	DirectoryNone     = "none"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
	Retention RetentionConfig `mapstructure:"retention"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the alert store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// IngestConfig bounds incoming windows.
type IngestConfig struct {
	MaxSamples int `mapstructure:"max_samples"`
	QueueDepth int `mapstructure:"queue_depth"`
}

// MonitorConfig tunes the escalation state machine.
type MonitorConfig struct {
	Threshold      float64       `mapstructure:"threshold"`
	Sustain        time.Duration `mapstructure:"sustain"`
	Countdown      time.Duration `mapstructure:"countdown"`
	Tick           time.Duration `mapstructure:"tick"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
	NoticeInterval time.Duration `mapstructure:"notice_interval"`
}

// Policy converts the section into an arbiter policy.
func (m MonitorConfig) Policy() arbiter.Policy {
	return arbiter.Policy{
		Threshold:      m.Threshold,
		Sustain:        m.Sustain,
		Countdown:      m.Countdown,
		Tick:           m.Tick,
		Cooldown:       m.Cooldown,
		NoticeInterval: m.NoticeInterval,
	}
}

// AnalyzerConfig configures the optional external classifier.
type AnalyzerConfig struct {
	ClassifierURL     string        `mapstructure:"classifier_url"`
	ClassifierTimeout time.Duration `mapstructure:"classifier_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// DispatchConfig defines fan-out behaviour.
type DispatchConfig struct {
	Channels             []string      `mapstructure:"channels"`
	SendTimeout          time.Duration `mapstructure:"send_timeout"`
	RankLimit            int           `mapstructure:"rank_limit"`
	RequiredCapabilities []string      `mapstructure:"required_capabilities"`
}

// DirectoryConfig selects where responders come from.
type DirectoryConfig struct {
	Source string `mapstructure:"source"`
	Path   string `mapstructure:"path"`
	Watch  bool   `mapstructure:"watch"`
}

// ChannelsConfig holds provider credentials.
type ChannelsConfig struct {
	SMS      SMSConfig      `mapstructure:"sms"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Email    EmailConfig    `mapstructure:"email"`
	Slack    SlackConfig    `mapstructure:"slack"`
}

// SMSConfig is a Twilio-compatible account.
type SMSConfig struct {
	AccountSID   string `mapstructure:"account_sid"`
	AuthToken    string `mapstructure:"auth_token"`
	From         string `mapstructure:"from"`
	BaseURL      string `mapstructure:"base_url"`
	CallbackBase string `mapstructure:"callback_base"`
}

// TelegramConfig is the bot used for Telegram delivery.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	APIBase  string `mapstructure:"api_base"`
}

// EmailConfig is the SMTP relay.
type EmailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// SlackConfig is an incoming webhook.
type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// RetentionConfig governs the cleanup job.
type RetentionConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// TelemetryConfig configures OTLP tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	ChartWidth  int `mapstructure:"chart_width"`
	ChartHeight int `mapstructure:"chart_height"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// setDefaults registers every key, including empty secrets, so that
// environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ecg-sentinel")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.time_format", "")
	v.SetDefault("logging.caller", false)
	v.SetDefault("logging.pretty", false)

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.path", "ecg-sentinel.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("ingest.max_samples", 5000)
	v.SetDefault("ingest.queue_depth", 64)

	policy := arbiter.DefaultPolicy()
	v.SetDefault("monitor.threshold", policy.Threshold)
	v.SetDefault("monitor.sustain", policy.Sustain.String())
	v.SetDefault("monitor.countdown", policy.Countdown.String())
	v.SetDefault("monitor.tick", policy.Tick.String())
	v.SetDefault("monitor.cooldown", policy.Cooldown.String())
	v.SetDefault("monitor.notice_interval", policy.NoticeInterval.String())

	v.SetDefault("analyzer.classifier_url", "")
	v.SetDefault("analyzer.classifier_timeout", "2s")
	v.SetDefault("analyzer.user_agent", "")

	v.SetDefault("dispatch.channels", []string{"sms"})
	v.SetDefault("dispatch.send_timeout", "10s")
	v.SetDefault("dispatch.rank_limit", responder.DefaultLimit)
	v.SetDefault("dispatch.required_capabilities", []string{})

	v.SetDefault("directory.source", DirectoryFile)
	v.SetDefault("directory.path", "responders.yaml")
	v.SetDefault("directory.watch", true)

	v.SetDefault("channels.sms.account_sid", "")
	v.SetDefault("channels.sms.auth_token", "")
	v.SetDefault("channels.sms.from", "")
	v.SetDefault("channels.sms.base_url", "https://api.twilio.com")
	v.SetDefault("channels.sms.callback_base", "")
	v.SetDefault("channels.telegram.bot_token", "")
	v.SetDefault("channels.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("channels.email.host", "")
	v.SetDefault("channels.email.port", 587)
	v.SetDefault("channels.email.username", "")
	v.SetDefault("channels.email.password", "")
	v.SetDefault("channels.email.from", "")
	v.SetDefault("channels.slack.webhook_url", "")

	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.interval", "1h")
	v.SetDefault("retention.max_age", "720h")
	v.SetDefault("retention.align_to_bucket", true)
	v.SetDefault("retention.advisory_lock_key", int64(0x45434753))
	v.SetDefault("retention.startup_delay", "0s")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("export.chart_width", 1200)
	v.SetDefault("export.chart_height", 400)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver %q must be postgres, sqlite or memory", c.Database.Driver)
	}

	if c.Ingest.MaxSamples <= 0 {
		return fmt.Errorf("ingest.max_samples must be greater than zero")
	}
	if c.Ingest.QueueDepth <= 0 {
		return fmt.Errorf("ingest.queue_depth must be greater than zero")
	}

	m := c.Monitor
	if m.Threshold <= 0 || m.Threshold > 100 {
		return fmt.Errorf("monitor.threshold must be in (0, 100]")
	}
	if m.Sustain <= 0 || m.Countdown <= 0 || m.Tick <= 0 || m.Cooldown <= 0 || m.NoticeInterval <= 0 {
		return fmt.Errorf("monitor durations must be greater than zero")
	}
	if m.Tick > m.Countdown {
		return fmt.Errorf("monitor.tick cannot exceed monitor.countdown")
	}

	if c.Analyzer.ClassifierURL != "" && c.Analyzer.ClassifierTimeout <= 0 {
		return fmt.Errorf("analyzer.classifier_timeout must be greater than zero")
	}

	if len(c.Dispatch.Channels) == 0 {
		return fmt.Errorf("dispatch.channels must list at least one channel")
	}
	for _, name := range c.Dispatch.Channels {
		if _, err := alerting.ParseKind(name); err != nil {
			return fmt.Errorf("dispatch.channels: %w", err)
		}
	}
	if c.Dispatch.SendTimeout <= 0 || c.Dispatch.SendTimeout > MaxSendTimeout {
		return fmt.Errorf("dispatch.send_timeout must be in (0, %s]", MaxSendTimeout)
	}
	if c.Dispatch.RankLimit <= 0 {
		return fmt.Errorf("dispatch.rank_limit must be greater than zero")
	}
	if _, err := responder.ParseCapabilities(c.Dispatch.RequiredCapabilities); err != nil {
		return fmt.Errorf("dispatch.required_capabilities: %w", err)
	}

	switch c.Directory.Source {
	case DirectoryFile:
		if c.Directory.Path == "" {
			return fmt.Errorf("directory.path is required for the file source")
		}
	case DirectoryDatabase:
		if c.Database.Driver != DriverPostgres {
			return fmt.Errorf("directory.source database requires the postgres driver")
		}
	case DirectoryNone:
	default:
		return fmt.Errorf("directory.source %q must be file, database or none", c.Directory.Source)
	}

	if c.Retention.Enabled {
		if c.Retention.Interval <= 0 {
			return fmt.Errorf("retention.interval must be greater than zero")
		}
		if c.Retention.MaxAge <= 0 {
			return fmt.Errorf("retention.max_age must be greater than zero")
		}
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.Export.ChartWidth <= 0 || c.Export.ChartHeight <= 0 {
		return fmt.Errorf("export chart dimensions must be greater than zero")
	}
	return nil
}

// Kinds returns the configured dispatch channels.
func (c *Config) Kinds() []alerting.Kind {
	out := make([]alerting.Kind, 0, len(c.Dispatch.Channels))
	seen := make(map[alerting.Kind]bool, len(c.Dispatch.Channels))
	for _, name := range c.Dispatch.Channels {
		kind, err := alerting.ParseKind(name)
		if err != nil || seen[kind] {
			continue
		}
		seen[kind] = true
		out = append(out, kind)
	}
	return out
}
