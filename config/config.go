package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/spf13/viper"
)

// Config holds all configuration for the agentdb service.
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	Tiers      TiersConfig      `mapstructure:"tiers"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Resolver   ResolverConfig   `mapstructure:"resolver"`
	Compaction CompactionConfig `mapstructure:"compaction"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// TiersConfig bounds the hot tier and the warm retention window.
type TiersConfig struct {
	HotMaxRows    int   `mapstructure:"hot_max_rows"`
	HotMaxSize    int64 `mapstructure:"hot_max_size"`
	WarmMaxRanges int   `mapstructure:"warm_max_ranges"`
	MailboxSize   int   `mapstructure:"mailbox_size"`
}

func (t TiersConfig) Validate() error {
	if t.HotMaxRows < 0 || t.HotMaxSize < 0 {
		return fmt.Errorf("tiers thresholds must be >= 0")
	}
	return nil
}

// RedisConfig locates the warm tier and notification streams.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// StreamMaxLen caps notification streams approximately; 0 disables.
	StreamMaxLen int64 `mapstructure:"stream_max_len"`
}

// PostgresConfig locates the cold tier and durable state.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds the Postgres connection string.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// ResolverConfig tunes intent resolution heuristics.
type ResolverConfig struct {
	TimestampColumn string  `mapstructure:"timestamp_column"`
	DueColumn       string  `mapstructure:"due_column"`
	DefaultLimit    int     `mapstructure:"default_limit"`
	AmbiguityMargin float64 `mapstructure:"ambiguity_margin"`
}

// CompactionConfig schedules the tombstone/demotion pass.
type CompactionConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

func (c CompactionConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, err := cronexpr.Parse(c.Schedule); err != nil {
		return fmt.Errorf("compaction.schedule: %w", err)
	}
	return nil
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	if err := c.Tiers.Validate(); err != nil {
		return err
	}
	return c.Compaction.Validate()
}

// LoadConfig reads configuration from file and environment. Environment
// variables use the AGENTDB_ prefix with underscores (AGENTDB_SERVER_ADDRESS).
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigName("agentdb")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("AGENTDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		// Missing config file is fine: defaults plus env carry a dev setup.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timeout", "30s")
	v.SetDefault("server.address", ":10020")
	v.SetDefault("tiers.hot_max_rows", 10000)
	v.SetDefault("tiers.hot_max_size", 16<<20)
	v.SetDefault("tiers.warm_max_ranges", 64)
	v.SetDefault("tiers.mailbox_size", 128)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.stream_max_len", 100000)
	v.SetDefault("resolver.timestamp_column", "created_at")
	v.SetDefault("resolver.due_column", "due_date")
	v.SetDefault("resolver.default_limit", 100)
	v.SetDefault("resolver.ambiguity_margin", 0.1)
	v.SetDefault("compaction.enabled", true)
	v.SetDefault("compaction.schedule", "0 */6 * * *")
}
