// Package settings loads the tierrouterd daemon settings: defaults, an
// optional settings file, then TIERROUTER_* environment variables.
package settings

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TIERROUTER_HTTP_ADDR.
const EnvPrefix = "TIERROUTER"

// Settings is the daemon configuration. Routing policy lives in the file at
// Routing.ConfigPath.
type Settings struct {
	Service ServiceSettings `mapstructure:"service"`
	HTTP    HTTPSettings    `mapstructure:"http"`
	Routing RoutingSettings `mapstructure:"routing"`
	Ledger  LedgerSettings  `mapstructure:"ledger"`
	Log     LogSettings     `mapstructure:"log"`
	Events  EventSettings   `mapstructure:"events"`
	Tracing TracingSettings `mapstructure:"tracing"`
}

type ServiceSettings struct {
	Name   string `mapstructure:"name"`
	Region string `mapstructure:"region"`
}

type HTTPSettings struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// APIKey, when set, is required in the X-API-Key header.
	APIKey string `mapstructure:"api_key"`
}

type RoutingSettings struct {
	ConfigPath string `mapstructure:"config_path"`
}

type LedgerSettings struct {
	// Backend is one of "memory", "redis", "postgres".
	Backend     string `mapstructure:"backend"`
	MaxRecords  int    `mapstructure:"max_records"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPass   string `mapstructure:"redis_password"`
	RedisDB     int    `mapstructure:"redis_db"`
	KeyPrefix   string `mapstructure:"key_prefix"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	TablePrefix string `mapstructure:"table_prefix"`
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EventSettings struct {
	// Sink is one of "log", "zap", "none".
	Sink    string `mapstructure:"sink"`
	Metrics bool   `mapstructure:"metrics"`
}

type TracingSettings struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Load reads settings. path may be empty, in which case only defaults and the
// environment apply.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("settings: read %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("settings: unmarshal: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks enumerated values and backend requirements.
func (s *Settings) Validate() error {
	switch s.Ledger.Backend {
	case "memory":
	case "redis":
		if s.Ledger.RedisAddr == "" {
			return fmt.Errorf("settings: ledger.redis_addr is required for the redis backend")
		}
	case "postgres":
		if s.Ledger.PostgresDSN == "" {
			return fmt.Errorf("settings: ledger.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("settings: unknown ledger backend %q", s.Ledger.Backend)
	}

	switch s.Events.Sink {
	case "log", "zap", "none":
	default:
		return fmt.Errorf("settings: unknown event sink %q", s.Events.Sink)
	}

	if s.Routing.ConfigPath == "" {
		return fmt.Errorf("settings: routing.config_path is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "tierrouter")
	v.SetDefault("service.region", "")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 120*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("http.api_key", "")

	v.SetDefault("routing.config_path", "configs/routing.yaml")

	v.SetDefault("ledger.backend", "memory")
	v.SetDefault("ledger.max_records", 100000)
	v.SetDefault("ledger.redis_addr", "")
	v.SetDefault("ledger.redis_password", "")
	v.SetDefault("ledger.redis_db", 0)
	v.SetDefault("ledger.key_prefix", "tierrouter:ledger:")
	v.SetDefault("ledger.postgres_dsn", "")
	v.SetDefault("ledger.table_prefix", "tierrouter_")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("events.sink", "log")
	v.SetDefault("events.metrics", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)
}
