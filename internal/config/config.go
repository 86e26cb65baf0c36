// Package config loads engine configuration from a YAML file and the
// environment. Environment variables override file values and use the OMS_
// prefix with underscores for nesting (OMS_DATABASE_DSN, OMS_BROKER_MODE).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Broker modes.
const (
	BrokerModePaper   = "paper"
	BrokerModeGateway = "gateway"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full engine configuration.
type Config struct {
	Environment string         `mapstructure:"environment"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Broker      BrokerConfig   `mapstructure:"broker"`
	Engine      EngineConfig   `mapstructure:"engine"`
	Risk        RiskConfig     `mapstructure:"risk"`
	Firehose    FirehoseConfig `mapstructure:"firehose"`
}

// LoggingConfig tunes the zap logger.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// ServerConfig tunes the operational HTTP endpoint.
type ServerConfig struct {
	// Addr serves /metrics and /healthz. Empty disables the listener.
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig selects and tunes the persistence store.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	// DSN is the file path for sqlite or the connection string for postgres.
	DSN string `mapstructure:"dsn"`
	// RedisAddr enables the read-through order cache when set.
	RedisAddr string `mapstructure:"redis_addr"`
}

// BrokerConfig selects the broker adapter.
type BrokerConfig struct {
	Mode    string        `mapstructure:"mode"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Paper   PaperConfig   `mapstructure:"paper"`
}

// GatewayConfig tunes the websocket order-gateway adapter.
type GatewayConfig struct {
	URL              string        `mapstructure:"url"`
	Token            string        `mapstructure:"token"`
	BackoffMin       time.Duration `mapstructure:"backoff_min"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// PaperConfig tunes the simulated broker.
type PaperConfig struct {
	AutoFill          bool          `mapstructure:"auto_fill"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// EngineConfig tunes the reactor.
type EngineConfig struct {
	QueueSize        int           `mapstructure:"queue_size"`
	AckTimeout       time.Duration `mapstructure:"ack_timeout"`
	ReconcileTimeout time.Duration `mapstructure:"reconcile_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	Accounts         []string      `mapstructure:"accounts"`
}

// RiskConfig configures the admission gate. Money amounts are decimal
// strings so YAML and env values survive without float rounding.
type RiskConfig struct {
	MaxOrderNotional     string            `mapstructure:"max_order_notional"`
	MaxDailyLoss         string            `mapstructure:"max_daily_loss"`
	SymbolPositionLimits map[string]string `mapstructure:"symbol_position_limits"`
	ExemptAccounts       []string          `mapstructure:"exempt_accounts"`
}

// FirehoseConfig enables mirroring applied commands and events to Kafka.
type FirehoseConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Load reads configuration from the given YAML file (optional) and the
// environment, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("OMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// Viper lowercases map keys on the way through; symbols are upper-case
	// everywhere else in the system, so restore them here.
	if len(cfg.Risk.SymbolPositionLimits) > 0 {
		limits := make(map[string]string, len(cfg.Risk.SymbolPositionLimits))
		for symbol, limit := range cfg.Risk.SymbolPositionLimits {
			limits[strings.ToUpper(symbol)] = limit
		}
		cfg.Risk.SymbolPositionLimits = limits
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "json")
	v.SetDefault("server.addr", ":9316")
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", "oms.db")
	v.SetDefault("broker.mode", BrokerModePaper)
	v.SetDefault("broker.paper.heartbeat_interval", 15*time.Second)
	v.SetDefault("broker.gateway.backoff_min", time.Second)
	v.SetDefault("broker.gateway.backoff_max", time.Minute)
	v.SetDefault("broker.gateway.dial_timeout", 10*time.Second)
	v.SetDefault("broker.gateway.breaker_threshold", 5)
	v.SetDefault("broker.gateway.breaker_cooldown", time.Minute)
	v.SetDefault("engine.queue_size", 4096)
	v.SetDefault("engine.ack_timeout", 30*time.Second)
	v.SetDefault("engine.reconcile_timeout", time.Minute)
	v.SetDefault("engine.sweep_interval", 5*time.Second)
	v.SetDefault("engine.snapshot_interval", 5*time.Minute)
	v.SetDefault("firehose.topic", "oms.events")
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database dsn is required")
	}
	switch c.Broker.Mode {
	case BrokerModePaper:
	case BrokerModeGateway:
		if c.Broker.Gateway.URL == "" {
			return fmt.Errorf("config: broker.gateway.url is required in gateway mode")
		}
	default:
		return fmt.Errorf("config: unknown broker mode %q", c.Broker.Mode)
	}
	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("config: engine.queue_size must be positive")
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"engine.ack_timeout", c.Engine.AckTimeout},
		{"engine.reconcile_timeout", c.Engine.ReconcileTimeout},
		{"engine.sweep_interval", c.Engine.SweepInterval},
	} {
		if d.val <= 0 {
			return fmt.Errorf("config: %s must be positive", d.name)
		}
	}
	if c.Firehose.Enabled && len(c.Firehose.Brokers) == 0 {
		return fmt.Errorf("config: firehose.brokers is required when the firehose is enabled")
	}
	return nil
}
