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
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Google   GoogleConfig   `yaml:"google" mapstructure:"google"`
	Heatmap  HeatmapConfig  `yaml:"heatmap" mapstructure:"heatmap"`
	Quota    QuotaConfig    `yaml:"quota" mapstructure:"quota"`
	Pricing  PricingConfig  `yaml:"pricing" mapstructure:"pricing"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend. For the sqlite driver
// DatabaseURL is a file path or DSN.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// GoogleConfig holds Google Places API settings.
type GoogleConfig struct {
	Key          string `yaml:"key" mapstructure:"key"`
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	LanguageCode string `yaml:"language_code" mapstructure:"language_code"`
	// BiasRadiusM is the location bias circle around each grid point.
	BiasRadiusM int `yaml:"bias_radius_m" mapstructure:"bias_radius_m"`
}

// HeatmapConfig configures scan execution.
type HeatmapConfig struct {
	DelayMs            int           `yaml:"delay_ms" mapstructure:"delay_ms"`
	Depth              int           `yaml:"depth" mapstructure:"depth"`
	WeakLocations      int           `yaml:"weak_locations" mapstructure:"weak_locations"`
	ScanTimeoutSecs    int           `yaml:"scan_timeout_secs" mapstructure:"scan_timeout_secs"`
	MaxConcurrentScans int           `yaml:"max_concurrent_scans" mapstructure:"max_concurrent_scans"`
	PersistAttempts    int           `yaml:"persist_attempts" mapstructure:"persist_attempts"`
	Retry              RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Breaker            BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

// RetryConfig configures per-point provider retries.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// BreakerConfig configures the per-scan provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CooldownSecs     int `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
}

// QuotaConfig configures the plan catalog.
type QuotaConfig struct {
	PlansFile   string `yaml:"plans_file" mapstructure:"plans_file"`
	DefaultPlan string `yaml:"default_plan" mapstructure:"default_plan"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Google GooglePricing `yaml:"google" mapstructure:"google"`
}

// GooglePricing holds Places Text Search pricing in USD.
type GooglePricing struct {
	PerRequest float64 `yaml:"per_request" mapstructure:"per_request"`
}

// TemporalConfig configures the durable scan worker.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures scan health alerts sent from the API server.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	PartialRateThreshold float64 `yaml:"partial_rate_threshold" mapstructure:"partial_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
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

	// Environment
	v.SetEnvPrefix("LOCALRANK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("google.key", "")
	v.SetDefault("google.base_url", "https://places.googleapis.com/v1")
	v.SetDefault("google.timeout_secs", 10)
	v.SetDefault("google.language_code", "en")
	v.SetDefault("google.bias_radius_m", 1000)
	v.SetDefault("heatmap.delay_ms", 200)
	v.SetDefault("heatmap.depth", 20)
	v.SetDefault("heatmap.weak_locations", 5)
	v.SetDefault("heatmap.scan_timeout_secs", 300)
	v.SetDefault("heatmap.max_concurrent_scans", 4)
	v.SetDefault("heatmap.persist_attempts", 3)
	v.SetDefault("heatmap.retry.max_attempts", 2)
	v.SetDefault("heatmap.retry.initial_backoff_ms", 500)
	v.SetDefault("heatmap.retry.max_backoff_ms", 5000)
	v.SetDefault("heatmap.breaker.failure_threshold", 5)
	v.SetDefault("heatmap.breaker.cooldown_secs", 30)
	v.SetDefault("quota.plans_file", "")
	v.SetDefault("quota.default_plan", "free")
	v.SetDefault("pricing.google.per_request", 0.032)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "heatmap-scans")
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.partial_rate_threshold", 0.2)
	v.SetDefault("monitoring.cost_threshold_usd", 0)

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

// Validate checks that the settings a command needs are present. Modes:
// "store" (migrate, quota, export), "scan", "serve" and "worker".
func (c *Config) Validate(mode string) error {
	var problems []string
	requireStore := func() {
		switch c.Store.Driver {
		case "postgres", "sqlite":
		default:
			problems = append(problems, "store.driver must be postgres or sqlite")
		}
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	}
	requireScan := func() {
		requireStore()
		if c.Google.Key == "" {
			problems = append(problems, "google.key is required")
		}
		if c.Heatmap.Depth < 1 || c.Heatmap.Depth > 20 {
			problems = append(problems, "heatmap.depth must be between 1 and 20")
		}
		if c.Heatmap.DelayMs < 0 {
			problems = append(problems, "heatmap.delay_ms must be >= 0")
		}
		if c.Heatmap.MaxConcurrentScans < 1 {
			problems = append(problems, "heatmap.max_concurrent_scans must be > 0")
		}
	}

	switch mode {
	case "store":
		requireStore()
	case "scan":
		requireScan()
	case "serve":
		requireScan()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Monitoring.Enabled && c.Monitoring.WebhookURL == "" {
			problems = append(problems, "monitoring.webhook_url is required when monitoring is enabled")
		}
	case "worker":
		requireScan()
		if c.Temporal.HostPort == "" {
			problems = append(problems, "temporal.host_port is required")
		}
		if c.Temporal.TaskQueue == "" {
			problems = append(problems, "temporal.task_queue is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
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
