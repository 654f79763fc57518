package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

var (
	ServiceName    = ""
	ServiceVersion = ""
)

var (
	Env *EnvConfig
)

type EnvConfig struct {
	Env                     string                    `mapstructure:"env"`
	Log                     LogConfig                 `mapstructure:"log"`
	GracefulShutdownTimeout time.Duration             `mapstructure:"graceful_shutdown_timeout"`
	Port                    map[string]string         `mapstructure:"port"`
	Database                map[string]DatabaseConfig `mapstructure:"database"`
	Redis                   map[string]RedisConfig    `mapstructure:"redis"`
	NatsJetstream           NatsJetstreamConfig       `mapstructure:"nats_jetstream"`
	Exchange                ExchangeConfig            `mapstructure:"exchange"`
	Market                  MarketConfig              `mapstructure:"market"`
	Feeds                   FeedsConfig               `mapstructure:"feeds"`
	Workers                 []WorkerConfig            `mapstructure:"workers"`
	Maintenance             MaintenanceConfig         `mapstructure:"maintenance"`
}

type LogConfig struct {
	ShowCaller bool   `mapstructure:"show_caller"`
	LogLevel   string `mapstructure:"log_level"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
	MaxRetry        int           `mapstructure:"max_retry"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxActiveConns  int           `mapstructure:"max_active_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type RedisConfig struct {
	CacheDSN string `mapstructure:"cache_dsn"`
}

type NatsJetstreamConfig struct {
	URL             string                   `mapstructure:"url"`
	MaxRetries      int                      `mapstructure:"max_retries"`
	ReconnectFactor float64                  `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration            `mapstructure:"min_jitter"`
	MaxJitter       time.Duration            `mapstructure:"max_jitter"`
	TimeoutHandler  map[string]time.Duration `mapstructure:"timeout_handler"`
}

type ExchangeConfig struct {
	Name       string `mapstructure:"name"`
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	RecvWindow int64  `mapstructure:"recv_window"`
}

type MarketConfig struct {
	BaseSymbol     string `mapstructure:"base_symbol"`
	BasePrecision  int32  `mapstructure:"base_precision"`
	QuoteSymbol    string `mapstructure:"quote_symbol"`
	QuotePrecision int32  `mapstructure:"quote_precision"`
}

type FeedsConfig struct {
	SuppressErrors bool               `mapstructure:"suppress_errors"`
	FetchTimeout   time.Duration      `mapstructure:"fetch_timeout"`
	Sources        []FeedSourceConfig `mapstructure:"sources"`
}

type FeedSourceConfig struct {
	Name   string          `mapstructure:"name"`
	Type   string          `mapstructure:"type"` // rest | stream
	URL    string          `mapstructure:"url"`
	Weight decimal.Decimal `mapstructure:"weight"`
	// PriceField and VolumeField name the keys in the ticker payload,
	// default "price" and "volume".
	PriceField  string        `mapstructure:"price_field"`
	VolumeField string        `mapstructure:"volume_field"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
}

type WorkerConfig struct {
	ID         string          `mapstructure:"id"`
	Increment  decimal.Decimal `mapstructure:"increment"`
	LowerBound decimal.Decimal `mapstructure:"lower_bound"`
	UpperBound decimal.Decimal `mapstructure:"upper_bound"`
	// ActiveLevels caps funded levels per side, 0 means no cap.
	ActiveLevels int `mapstructure:"active_levels"`
	// PriceTolerance is the relative band for matching live orders back to
	// planned levels during reconciliation, default one tenth of Increment.
	PriceTolerance decimal.Decimal            `mapstructure:"price_tolerance"`
	Shares         map[string]decimal.Decimal `mapstructure:"shares"` // asset symbol -> fraction
}

type MaintenanceConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	MinSpacing    time.Duration `mapstructure:"min_spacing"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryBaseWait time.Duration `mapstructure:"retry_base_wait"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
}

func LoadConfig(configPath string) error {
	viper.Reset()

	configPath = strings.TrimSpace(configPath)
	if configPath == "" {
		viper.SetConfigName("config")
		viper.SetConfigType("yml")
		viper.AddConfigPath(".")
	} else {
		ext := strings.ToLower(filepath.Ext(configPath))
		if ext == ".yml" || ext == ".yaml" {
			viper.SetConfigFile(configPath)
		} else {
			viper.SetConfigName(filepath.Base(configPath))
			viper.SetConfigType("yml")
			configDir := filepath.Dir(configPath)
			if configDir == "." || configDir == "" {
				viper.AddConfigPath(".")
			} else {
				viper.AddConfigPath(configDir)
			}
		}
	}

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	err = viper.Unmarshal(&Env)
	if err != nil {
		return fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	if err := Env.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	return nil
}

// Validate enforces the configuration-time invariants the runtime relies on:
// positive grid increments, ordered price bounds, and per-asset worker
// shares that sum to at most 1 across workers sharing the account.
func (c *EnvConfig) Validate() error {
	if c.Market.BasePrecision < 0 || c.Market.QuotePrecision < 0 {
		return fmt.Errorf("market precision must be >= 0")
	}

	seenWorkers := make(map[string]struct{}, len(c.Workers))
	shareTotals := make(map[string]decimal.Decimal)

	for _, worker := range c.Workers {
		if strings.TrimSpace(worker.ID) == "" {
			return fmt.Errorf("worker id is required")
		}
		if _, ok := seenWorkers[worker.ID]; ok {
			return fmt.Errorf("duplicate worker id: %s", worker.ID)
		}
		seenWorkers[worker.ID] = struct{}{}

		if worker.Increment.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("worker %s: increment must be greater than zero", worker.ID)
		}
		if worker.LowerBound.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("worker %s: lower bound must be greater than zero", worker.ID)
		}
		if worker.UpperBound.LessThan(worker.LowerBound) {
			return fmt.Errorf("worker %s: upper bound %s is below lower bound %s", worker.ID, worker.UpperBound, worker.LowerBound)
		}
		if worker.PriceTolerance.LessThan(decimal.Zero) {
			return fmt.Errorf("worker %s: price tolerance must not be negative", worker.ID)
		}

		for asset, fraction := range worker.Shares {
			if fraction.LessThanOrEqual(decimal.Zero) || fraction.GreaterThan(decimal.NewFromInt(1)) {
				return fmt.Errorf("worker %s: share for %s must be in (0, 1]", worker.ID, asset)
			}
			shareTotals[asset] = shareTotals[asset].Add(fraction)
		}
	}

	for asset, total := range shareTotals {
		if total.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("worker shares for %s sum to %s, exceeding the account", asset, total)
		}
	}

	for _, source := range c.Feeds.Sources {
		if strings.TrimSpace(source.Name) == "" {
			return fmt.Errorf("feed source name is required")
		}
		if source.Weight.LessThan(decimal.Zero) {
			return fmt.Errorf("feed source %s: weight must not be negative", source.Name)
		}
	}

	return nil
}
