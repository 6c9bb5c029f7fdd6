package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/avishj/ForexRadar-sub001/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Archive   ArchiveConfig   `yaml:"archive" mapstructure:"archive"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Fetch     FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
	Providers ProvidersConfig `yaml:"providers" mapstructure:"providers"`
	Live      LiveConfig      `yaml:"live" mapstructure:"live"`
	Backfill  BackfillConfig  `yaml:"backfill" mapstructure:"backfill"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// ArchiveConfig locates the published shard archive.
type ArchiveConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
	// BaseURL reads the archive over HTTP instead of from Dir.
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	MinYear int    `yaml:"min_year" mapstructure:"min_year"`
}

// CacheConfig configures the client cache.
type CacheConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// FetchConfig configures provider HTTP calls.
type FetchConfig struct {
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
}

// Timeout returns the per-request timeout.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSecs) * time.Second
}

// ProvidersConfig holds the per-provider settings.
type ProvidersConfig struct {
	Visa       ProviderConfig `yaml:"visa" mapstructure:"visa"`
	Mastercard ProviderConfig `yaml:"mastercard" mapstructure:"mastercard"`
	ECB        ProviderConfig `yaml:"ecb" mapstructure:"ecb"`
}

// ProviderConfig tunes one provider.
type ProviderConfig struct {
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	BatchSize    int    `yaml:"batch_size" mapstructure:"batch_size"`
	BatchDelayMs int    `yaml:"batch_delay_ms" mapstructure:"batch_delay_ms"`
}

// BatchDelay returns the pause between batches.
func (p ProviderConfig) BatchDelay() time.Duration {
	return time.Duration(p.BatchDelayMs) * time.Millisecond
}

// Provider returns the settings of p.
func (c *Config) Provider(p model.Provider) ProviderConfig {
	switch p {
	case model.ProviderVisa:
		return c.Providers.Visa
	case model.ProviderMastercard:
		return c.Providers.Mastercard
	case model.ProviderECB:
		return c.Providers.ECB
	default:
		return ProviderConfig{}
	}
}

// LiveConfig bounds the live gap-fill of the read path.
type LiveConfig struct {
	DelayMs              int `yaml:"delay_ms" mapstructure:"delay_ms"`
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors" mapstructure:"max_consecutive_errors"`
	LookbackDays         int `yaml:"lookback_days" mapstructure:"lookback_days"`
}

// BackfillConfig configures the backfill command.
type BackfillConfig struct {
	Days int `yaml:"days" mapstructure:"days"`
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url" mapstructure:"pushgateway_url"`
}

// ServerConfig configures the archive server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("FOREXRADAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("archive.dir", "db")
	v.SetDefault("archive.base_url", "")
	v.SetDefault("archive.min_year", 2010)
	v.SetDefault("cache.path", "forexradar-cache.db")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("fetch.user_agent", "forexradar/1.0")
	v.SetDefault("providers.visa.base_url", "https://www.visa.co.in/cmsapi/fx/rates")
	v.SetDefault("providers.visa.batch_size", 8)
	v.SetDefault("providers.visa.batch_delay_ms", 1000)
	v.SetDefault("providers.mastercard.base_url", "https://www.mastercard.us/settlement/currencyrate/conversion-rate")
	v.SetDefault("providers.mastercard.batch_size", 1)
	v.SetDefault("providers.mastercard.batch_delay_ms", 2000)
	v.SetDefault("providers.ecb.base_url", "https://data-api.ecb.europa.eu/service/data/EXR")
	v.SetDefault("providers.ecb.batch_size", 4)
	v.SetDefault("providers.ecb.batch_delay_ms", 500)
	v.SetDefault("live.delay_ms", 250)
	v.SetDefault("live.max_consecutive_errors", 3)
	v.SetDefault("live.lookback_days", 365)
	v.SetDefault("backfill.days", 365)
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("server.port", 8080)
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

// Validate checks the settings a command mode depends on. Modes are
// "backfill", "rates" and "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "backfill":
		if c.Archive.Dir == "" {
			errs = append(errs, "archive.dir is required")
		}
		for _, p := range model.Providers {
			pc := c.Provider(p)
			if pc.BatchSize < 1 || pc.BatchSize > 64 {
				errs = append(errs, fmt.Sprintf("providers.%s.batch_size must be between 1 and 64", strings.ToLower(string(p))))
			}
			if pc.BatchDelayMs < 0 {
				errs = append(errs, fmt.Sprintf("providers.%s.batch_delay_ms must be >= 0", strings.ToLower(string(p))))
			}
		}
		if c.Backfill.Days < 1 {
			errs = append(errs, "backfill.days must be > 0")
		}
	case "rates":
		if c.Archive.Dir == "" && c.Archive.BaseURL == "" {
			errs = append(errs, "archive.dir or archive.base_url is required")
		}
		if c.Cache.Path == "" {
			errs = append(errs, "cache.path is required")
		}
		if c.Live.DelayMs < 0 {
			errs = append(errs, "live.delay_ms must be >= 0")
		}
		if c.Live.MaxConsecutiveErrors < 1 {
			errs = append(errs, "live.max_consecutive_errors must be > 0")
		}
		if c.Live.LookbackDays < 1 {
			errs = append(errs, "live.lookback_days must be > 0")
		}
	case "serve":
		if c.Archive.Dir == "" {
			errs = append(errs, "archive.dir is required")
		}
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Fetch.TimeoutSecs < 1 {
		errs = append(errs, "fetch.timeout_secs must be > 0")
	}
	if c.Fetch.MaxRetries < 0 {
		errs = append(errs, "fetch.max_retries must be >= 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
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
