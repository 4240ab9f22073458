package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Dispatch   DispatchConfig   `yaml:"dispatch" mapstructure:"dispatch"`
	Capability CapabilityConfig `yaml:"capability" mapstructure:"capability"`
	Bridges    []BridgeConfig   `yaml:"bridges" mapstructure:"bridges"`
	Webhook    WebhookConfig    `yaml:"webhook" mapstructure:"webhook"`
	Devices    DevicesConfig    `yaml:"devices" mapstructure:"devices"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// DispatchConfig tunes enforcement job execution.
type DispatchConfig struct {
	Workers         int     `yaml:"workers" mapstructure:"workers"`
	CallTimeoutSecs int     `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	PlatformRate    float64 `yaml:"platform_rate" mapstructure:"platform_rate"`
	PlatformBurst   int     `yaml:"platform_burst" mapstructure:"platform_burst"`
}

// CapabilityConfig points at the platform capability registry file. The
// compiled-in matrix is used when the path is empty.
type CapabilityConfig struct {
	RegistryPath string `yaml:"registry_path" mapstructure:"registry_path"`
}

// BridgeConfig wires one platform to its HTTP bridge endpoint.
type BridgeConfig struct {
	PlatformID string `yaml:"platform_id" mapstructure:"platform_id"`
	Endpoint   string `yaml:"endpoint" mapstructure:"endpoint"`
	Token      string `yaml:"token" mapstructure:"token"`
}

// WebhookConfig tunes the delivery scheduler.
type WebhookConfig struct {
	IntervalSecs int     `yaml:"interval_secs" mapstructure:"interval_secs"`
	BatchSize    int     `yaml:"batch_size" mapstructure:"batch_size"`
	Workers      int     `yaml:"workers" mapstructure:"workers"`
	Rate         float64 `yaml:"rate" mapstructure:"rate"`
	Burst        int     `yaml:"burst" mapstructure:"burst"`
}

// DevicesConfig configures the pull-sync protocol.
type DevicesConfig struct {
	StaleWindowHours int `yaml:"stale_window_hours" mapstructure:"stale_window_hours"`
}

// MonitoringConfig configures the health sweep and ops alerting.
type MonitoringConfig struct {
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/safeguard")

	// Environment
	v.SetEnvPrefix("SAFEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "safeguard.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.call_timeout_secs", 60)
	v.SetDefault("dispatch.platform_rate", 2.0)
	v.SetDefault("dispatch.platform_burst", 4)
	v.SetDefault("webhook.interval_secs", 15)
	v.SetDefault("webhook.batch_size", 50)
	v.SetDefault("webhook.workers", 4)
	v.SetDefault("webhook.rate", 10.0)
	v.SetDefault("webhook.burst", 20)
	v.SetDefault("devices.stale_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration needed for the given run mode. Modes
// are "serve" (API plus schedulers) and "cli" (one-shot commands).
func (c *Config) Validate(mode string) error {
	var missing []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		missing = append(missing, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		missing = append(missing, "store.database_url is required")
	}
	if c.Dispatch.Workers < 1 || c.Dispatch.Workers > 64 {
		missing = append(missing, "dispatch.workers must be between 1 and 64")
	}
	if c.Dispatch.CallTimeoutSecs <= 0 {
		missing = append(missing, "dispatch.call_timeout_secs must be > 0")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			missing = append(missing, "server.port must be > 0")
		}
		if c.Webhook.IntervalSecs <= 0 {
			missing = append(missing, "webhook.interval_secs must be > 0")
		}
	case "cli":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	for _, b := range c.Bridges {
		if b.PlatformID == "" || b.Endpoint == "" {
			missing = append(missing, "bridges entries need platform_id and endpoint")
			break
		}
	}

	if len(missing) > 0 {
		return eris.New("config: " + strings.Join(missing, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
