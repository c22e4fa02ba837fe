package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"meterwatch/internal/logging"
	"meterwatch/internal/measurement"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Source    SourceConfig    `mapstructure:"source"`
	Sampler   SamplerConfig   `mapstructure:"sampler"`
	Retention RetentionConfig `mapstructure:"retention"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Client    ClientConfig    `mapstructure:"client"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// SourceConfig selects the meter to poll.
type SourceConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	SNMP      SNMPConfig    `mapstructure:"snmp"`
}

// SNMPConfig binds meter fields to OIDs for snmp:// endpoints.
type SNMPConfig struct {
	Version string             `mapstructure:"version"`
	Retries int                `mapstructure:"retries"`
	OIDs    map[string]string  `mapstructure:"oids"`
	Scale   map[string]float64 `mapstructure:"scale"`
}

// SamplerConfig governs polling cadence and retention sweeps.
type SamplerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	EvictEvery    int           `mapstructure:"evict_every"`
	EvictInterval time.Duration `mapstructure:"evict_interval"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// RetentionConfig bounds the in-memory history.
type RetentionConfig struct {
	Window     time.Duration `mapstructure:"window"`
	MaxSamples int           `mapstructure:"max_samples"`
}

// HTTPConfig configures the query server.
type HTTPConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigin      string        `mapstructure:"cors_origin"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ArchiveConfig encapsulates the optional PostgreSQL sample archive.
type ArchiveConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	BatchSize       int           `mapstructure:"batch_size"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	QueueSize       int           `mapstructure:"queue_size"`
}

// AlertingConfig defines threshold rules and routing.
type AlertingConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	Cooldown  time.Duration  `mapstructure:"cooldown"`
	QueueSize int            `mapstructure:"queue_size"`
	Rules     []AlertRule    `mapstructure:"rules"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
}

// AlertRule fires when a field leaves the [Below, Above] band.
type AlertRule struct {
	Name  string   `mapstructure:"name"`
	Field string   `mapstructure:"field"`
	Above *float64 `mapstructure:"above"`
	Below *float64 `mapstructure:"below"`
}

// TelegramConfig describes Telegram delivery.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ClientConfig points CLI commands at a running server.
type ClientConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("METERWATCH")
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
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "meterwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 50)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)

	v.SetDefault("source.endpoint", "sim://tc66c")
	v.SetDefault("source.timeout", "5s")
	v.SetDefault("source.user_agent", "meterwatch/1.0")
	v.SetDefault("source.snmp.version", "2c")
	v.SetDefault("source.snmp.retries", 1)

	v.SetDefault("sampler.interval", "1s")
	v.SetDefault("sampler.evict_every", 10)
	v.SetDefault("sampler.evict_interval", "0s")
	v.SetDefault("sampler.startup_delay", "0s")

	v.SetDefault("retention.window", "10m")
	v.SetDefault("retention.max_samples", 0)

	v.SetDefault("http.listen_addr", ":5000")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.cors_origin", "*")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.max_open_conns", 4)
	v.SetDefault("archive.max_idle_conns", 1)
	v.SetDefault("archive.conn_max_lifetime", "30m")
	v.SetDefault("archive.batch_size", 100)
	v.SetDefault("archive.flush_interval", "10s")
	v.SetDefault("archive.queue_size", 1024)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "10m")
	v.SetDefault("alerting.queue_size", 256)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("client.base_url", "http://127.0.0.1:5000")
	v.SetDefault("client.timeout", "10s")

	v.SetDefault("export.max_data_points", 5000)
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
	if strings.TrimSpace(c.Source.Endpoint) == "" {
		return fmt.Errorf("source.endpoint is required")
	}
	if c.Sampler.Interval <= 0 {
		return fmt.Errorf("sampler.interval must be greater than zero")
	}
	if c.Sampler.EvictEvery < 0 {
		return fmt.Errorf("sampler.evict_every cannot be negative")
	}
	if c.Sampler.EvictInterval < 0 {
		return fmt.Errorf("sampler.evict_interval cannot be negative")
	}
	if c.Retention.Window <= 0 {
		return fmt.Errorf("retention.window must be greater than zero")
	}
	if c.Retention.MaxSamples < 0 {
		return fmt.Errorf("retention.max_samples cannot be negative")
	}
	if c.HTTP.ListenAddr == "" {
		return fmt.Errorf("http.listen_addr is required")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}

	if c.Archive.Enabled {
		if c.Archive.DSN == "" {
			return fmt.Errorf("archive.dsn is required when the archive is enabled")
		}
		if c.Archive.BatchSize <= 0 {
			return fmt.Errorf("archive.batch_size must be greater than zero")
		}
		if c.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than zero")
		}
		if c.Archive.QueueSize <= 0 {
			return fmt.Errorf("archive.queue_size must be greater than zero")
		}
	}

	if c.Alerting.Enabled {
		if c.Alerting.Cooldown < 0 {
			return fmt.Errorf("alerting.cooldown cannot be negative")
		}
		if c.Alerting.QueueSize <= 0 {
			return fmt.Errorf("alerting.queue_size must be greater than zero")
		}
		for i, rule := range c.Alerting.Rules {
			if _, err := measurement.ParseField(rule.Field); err != nil {
				return fmt.Errorf("alerting.rules[%d]: %w", i, err)
			}
			if rule.Above == nil && rule.Below == nil {
				return fmt.Errorf("alerting.rules[%d]: above or below is required", i)
			}
			if rule.Above != nil && rule.Below != nil && *rule.Below > *rule.Above {
				return fmt.Errorf("alerting.rules[%d]: below must not exceed above", i)
			}
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
