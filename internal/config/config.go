package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/newthinker/quantbase/internal/core"
)

type Config struct {
	Database     DatabaseConfig            `mapstructure:"database"`
	Log          LogConfig                 `mapstructure:"log"`
	Sources      map[string]SourceConfig   `mapstructure:"sources"`
	Dispatch     map[string][]string       `mapstructure:"dispatch"`
	Orchestrator OrchestratorConfig        `mapstructure:"orchestrator"`
	ETL          ETLConfig                 `mapstructure:"etl"`
	Valuation    ValuationConfig           `mapstructure:"valuation"`
	Archive      ArchiveConfig             `mapstructure:"archive"`
	Metrics      MetricsConfig             `mapstructure:"metrics"`
	Notifiers    map[string]NotifierConfig `mapstructure:"notifiers"`
	Router       RouterConfig              `mapstructure:"router"`
	Watchlist    []WatchlistItem           `mapstructure:"watchlist"`
	Rules        RulesConfig               `mapstructure:"rules"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	TxTimeout       time.Duration `mapstructure:"tx_timeout"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	Dir         string `mapstructure:"dir"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

type SourceConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type OrchestratorConfig struct {
	Workers         int                 `mapstructure:"workers"`
	SymbolInterval  time.Duration       `mapstructure:"symbol_interval"`
	SourceRPM       int                 `mapstructure:"source_rpm"`
	FetchTimeout    time.Duration       `mapstructure:"fetch_timeout"`
	RefreshInterval time.Duration       `mapstructure:"refresh_interval"`
	StaleTTL        time.Duration       `mapstructure:"stale_ttl"`
	Retry           RetryConfig         `mapstructure:"retry"`
	Holidays        map[string][]string `mapstructure:"holidays"`
}

type RetryConfig struct {
	Base        time.Duration `mapstructure:"base"`
	Factor      float64       `mapstructure:"factor"`
	Cap         time.Duration `mapstructure:"cap"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type ETLConfig struct {
	Workers     int    `mapstructure:"workers"`
	MaxAttempts int    `mapstructure:"max_attempts"`
	Recovery    string `mapstructure:"recovery"` // cron spec of the unprocessed-payload sweep
}

type ValuationConfig struct {
	CumulativeSources []string           `mapstructure:"cumulative_sources"`
	ADRRatios         map[string]float64 `mapstructure:"adr_ratios"`
	FXCacheTTL        time.Duration      `mapstructure:"fx_cache_ttl"`
	Schedule          string             `mapstructure:"schedule"` // cron spec of the watchlist assessment, empty disables
}

type ArchiveConfig struct {
	Type string   `mapstructure:"type"` // "", "localfs" or "s3"
	Path string   `mapstructure:"path"` // For localfs
	S3   S3Config `mapstructure:"s3"`   // For S3
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
}

// MetricsConfig holds metrics configuration. Nothing listens unless Listen
// is set.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

type NotifierConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Webhook notifier fields
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	// Telegram notifier fields
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

type RouterConfig struct {
	Cooldown time.Duration `mapstructure:"cooldown"`
	MinLevel string        `mapstructure:"min_level"`
}

type WatchlistItem struct {
	Symbol string `mapstructure:"symbol"`
	Market string `mapstructure:"market"`
	Kind   string `mapstructure:"kind"`
	Source string `mapstructure:"source"`
}

type RulesConfig struct {
	Path    string `mapstructure:"path"`
	Profile string `mapstructure:"profile"`
}

// Environment variables read on top of the file.
const (
	EnvDBURL         = "DB_URL"
	EnvLogDir        = "LOG_DIR"
	EnvLixingerToken = "LIXINGER_TOKEN"
	EnvYahooAPIKey   = "YAHOO_API_KEY"
)

// LoadDotEnv loads .env from the working directory when present. Variables
// already set in the environment win.
func LoadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
}

// Load reads configuration from file over Defaults. An empty path uses the
// defaults and the environment only.
func Load(path string) (*Config, error) {
	LoadDotEnv()

	v := viper.New()

	// Support environment variable overrides
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = v.BindEnv("database.url", EnvDBURL)
	_ = v.BindEnv("log.dir", EnvLogDir)

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, core.WrapError(core.ErrConfigMissing, fmt.Errorf("config file: %w", err))
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, core.WrapError(core.ErrConfigInvalid, fmt.Errorf("reading config: %w", err))
		}
	}

	// Expand environment variables in string values
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if strings.Contains(val, "${") {
			v.Set(key, os.ExpandEnv(val))
		}
	}

	cfg := Defaults()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, core.WrapError(core.ErrConfigInvalid, fmt.Errorf("unmarshaling config: %w", err))
	}
	cfg.normalize()
	cfg.applyEnv()
	return cfg, nil
}

// Defaults returns a config with sensible defaults
func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL:       "sqlite://quantbase.db",
			TxTimeout: time.Second,
		},
		Sources: map[string]SourceConfig{
			"yahoo":     {Enabled: true, RequestsPerMinute: 30},
			"eastmoney": {Enabled: true, RequestsPerMinute: 30},
			"lixinger":  {Enabled: false, RequestsPerMinute: 20},
			"binance":   {Enabled: true, RequestsPerMinute: 60},
		},
		Orchestrator: OrchestratorConfig{
			Workers:         4,
			SymbolInterval:  10 * time.Second,
			SourceRPM:       5,
			FetchTimeout:    30 * time.Second,
			RefreshInterval: 60 * time.Second,
			StaleTTL:        60 * time.Second,
			Retry: RetryConfig{
				Base:        time.Second,
				Factor:      2,
				Cap:         time.Minute,
				MaxAttempts: 3,
			},
		},
		ETL: ETLConfig{
			Workers:     2,
			MaxAttempts: 5,
			Recovery:    "@every 5m",
		},
		Valuation: ValuationConfig{
			CumulativeSources: []string{"lixinger"},
			ADRRatios:         map[string]float64{"BABA": 8},
			FXCacheTTL:        time.Hour,
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Router: RouterConfig{
			Cooldown: 24 * time.Hour,
			MinLevel: "ALERT",
		},
	}
}

// viper lowercases map keys; markets and tickers are upper case and the
// file's entries win over the defaults.
func (c *Config) normalize() {
	c.Dispatch = upperKeys(c.Dispatch)
	c.Orchestrator.Holidays = upperKeys(c.Orchestrator.Holidays)
	c.Valuation.ADRRatios = upperKeys(c.Valuation.ADRRatios)
	c.Router.MinLevel = strings.ToUpper(c.Router.MinLevel)
	c.Archive.Type = strings.ToLower(c.Archive.Type)
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDBURL); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv(EnvLogDir); v != "" {
		c.Log.Dir = v
	}
	c.sourceKey("lixinger", EnvLixingerToken)
	c.sourceKey("yahoo", EnvYahooAPIKey)
}

func (c *Config) sourceKey(name, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	if c.Sources == nil {
		c.Sources = map[string]SourceConfig{}
	}
	s := c.Sources[name]
	if s.APIKey == "" {
		s.APIKey = v
		c.Sources[name] = s
	}
}

func upperKeys[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		if k == strings.ToUpper(k) {
			out[k] = v
		}
	}
	for k, v := range m {
		if k != strings.ToUpper(k) {
			out[strings.ToUpper(k)] = v
		}
	}
	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return core.WrapError(core.ErrConfigMissing,
			fmt.Errorf("database.url or %s is required", EnvDBURL))
	}

	if c.Orchestrator.Workers < 1 || c.Orchestrator.Workers > 16 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("orchestrator.workers must be between 1 and 16, got %d", c.Orchestrator.Workers))
	}
	if c.ETL.Workers < 1 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("etl.workers must be positive, got %d", c.ETL.Workers))
	}
	if c.ETL.MaxAttempts < 1 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("etl.max_attempts must be positive, got %d", c.ETL.MaxAttempts))
	}
	if c.Orchestrator.Retry.Factor != 0 && c.Orchestrator.Retry.Factor < 1 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("orchestrator.retry.factor must be at least 1, got %g", c.Orchestrator.Retry.Factor))
	}

	for key, names := range c.Dispatch {
		if !strings.Contains(key, ":") {
			return core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("dispatch key %q must be MARKET:KIND", key))
		}
		for _, n := range names {
			if _, ok := c.Sources[n]; !ok {
				return core.WrapError(core.ErrConfigInvalid,
					fmt.Errorf("dispatch %s names unknown source %q", key, n))
			}
		}
	}

	for sym, ratio := range c.Valuation.ADRRatios {
		if ratio <= 0 {
			return core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("adr ratio of %s must be positive, got %g", sym, ratio))
		}
	}

	switch c.Archive.Type {
	case "":
	case "localfs":
		if c.Archive.Path == "" {
			return core.WrapError(core.ErrConfigMissing,
				fmt.Errorf("archive.path required when type is localfs"))
		}
	case "s3":
		if c.Archive.S3.Bucket == "" {
			return core.WrapError(core.ErrConfigMissing,
				fmt.Errorf("archive.s3.bucket required when type is s3"))
		}
	default:
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("archive.type must be localfs or s3, got %q", c.Archive.Type))
	}

	for name, n := range c.Notifiers {
		if !n.Enabled {
			continue
		}
		switch name {
		case "webhook":
			if n.URL == "" {
				return core.WrapError(core.ErrConfigMissing,
					fmt.Errorf("webhook url required when enabled"))
			}
		case "telegram":
			if n.BotToken == "" || n.ChatID == "" {
				return core.WrapError(core.ErrConfigMissing,
					fmt.Errorf("telegram bot_token and chat_id required when enabled"))
			}
		default:
			return core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("unknown notifier %q", name))
		}
	}

	if c.Router.Cooldown < 0 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("router.cooldown cannot be negative, got %s", c.Router.Cooldown))
	}
	switch c.Router.MinLevel {
	case "", "INFO", "WARN", "ALERT":
	default:
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("router.min_level must be INFO, WARN or ALERT, got %q", c.Router.MinLevel))
	}

	for i, w := range c.Watchlist {
		if strings.TrimSpace(w.Symbol) == "" {
			return core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("watchlist[%d] has no symbol", i))
		}
	}

	return nil
}

// EnabledSources returns the sources switched on.
func (c *Config) EnabledSources() map[string]SourceConfig {
	out := make(map[string]SourceConfig)
	for name, s := range c.Sources {
		if s.Enabled {
			out[name] = s
		}
	}
	return out
}

// PerSourceRPM returns the orchestrator limiter overrides.
func (c *Config) PerSourceRPM() map[string]int {
	out := make(map[string]int)
	for name, s := range c.Sources {
		if s.RequestsPerMinute > 0 {
			out[name] = s.RequestsPerMinute
		}
	}
	return out
}
