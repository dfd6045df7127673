package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/niktanya/telegram-book-bot/internal/dataset"
	"github.com/niktanya/telegram-book-bot/internal/governor"
	"github.com/niktanya/telegram-book-bot/internal/semantic"
	"github.com/niktanya/telegram-book-bot/internal/services"
)

type Config struct {
	Server     ServerConfig          `mapstructure:"server"`
	Logging    LoggingConfig         `mapstructure:"logging"`
	Dataset    dataset.Config        `mapstructure:"dataset"`
	Database   DatabaseConfig        `mapstructure:"database"`
	Redis      RedisConfig           `mapstructure:"redis"`
	Engine     services.EngineConfig `mapstructure:"engine"`
	Semantic   SemanticConfig        `mapstructure:"semantic"`
	Governor   governor.Config       `mapstructure:"governor"`
	Cache      CacheConfig           `mapstructure:"cache"`
	Kafka      KafkaConfig           `mapstructure:"kafka"`
	Monitoring MonitoringConfig      `mapstructure:"monitoring"`
	Security   SecurityConfig        `mapstructure:"security"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AdminToken      string        `mapstructure:"admin_token"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig is only used by the postgres dataset driver.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	MaxConnections int           `mapstructure:"max_connections"`
	MaxIdleTime    time.Duration `mapstructure:"max_idle_time"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// RedisConfig configures the shared second-level result cache.
type RedisConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	URL        string        `mapstructure:"url"`
	MaxRetries int           `mapstructure:"max_retries"`
	PoolSize   int           `mapstructure:"pool_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
	KeyPrefix  string        `mapstructure:"key_prefix"`
}

type SemanticConfig struct {
	Client  semantic.ClientConfig  `mapstructure:"client"`
	Breaker semantic.BreakerConfig `mapstructure:"breaker"`
	Adapter semantic.Options       `mapstructure:"adapter"`
}

type CacheConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
}

type SecurityConfig struct {
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// Load reads config/app.yaml (or configFile when set), then environment
// variables such as SEMANTIC_CLIENT_API_KEY, over the defaults below.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("app")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional, continue with env vars and defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Dataset.Driver {
	case dataset.DriverCSV, dataset.DriverSQLite:
	case dataset.DriverPostgres:
		if c.Database.URL == "" {
			return errors.New("config: database.url is required for the postgres dataset driver")
		}
	default:
		return fmt.Errorf("config: unknown dataset.driver %q", c.Dataset.Driver)
	}
	if c.Semantic.Client.Endpoint == "" {
		return errors.New("config: semantic.client.endpoint is required")
	}
	if t := c.Semantic.Adapter.MatchThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("config: semantic.adapter.match_threshold must be in (0,1], got %v", t)
	}
	if f := c.Engine.Matrix.MaxOrphanFraction; f < 0 || f > 1 {
		return fmt.Errorf("config: engine.matrix.max_orphan_fraction must be in [0,1], got %v", f)
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		return errors.New("config: redis.url is required when redis is enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("config: kafka.brokers is required when kafka is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "development")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// Dataset defaults
	v.SetDefault("dataset.driver", dataset.DriverCSV)
	v.SetDefault("dataset.books_path", "./data/books.csv")
	v.SetDefault("dataset.ratings_path", "./data/ratings.csv")
	v.SetDefault("dataset.sqlite_path", "./data/books.db")

	// Database defaults
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.max_idle_time", "15m")
	v.SetDefault("database.max_lifetime", "1h")
	v.SetDefault("database.connect_timeout", "10s")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "localhost:6379")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.timeout", "5s")
	v.SetDefault("redis.key_prefix", "bookrec:")

	// Engine defaults
	engine := services.DefaultEngineConfig()
	v.SetDefault("engine.matrix.max_orphan_fraction", engine.Matrix.MaxOrphanFraction)
	v.SetDefault("engine.similarity.metric", string(engine.Similarity.Metric))
	v.SetDefault("engine.similarity.min_ratings", engine.Similarity.MinRatings)
	v.SetDefault("engine.similarity.min_co_raters", engine.Similarity.MinCoRaters)
	v.SetDefault("engine.collaborative_ttl", engine.CollaborativeTTL.String())
	v.SetDefault("engine.semantic_ttl", engine.SemanticTTL.String())
	v.SetDefault("engine.title_match_threshold", engine.TitleMatchThreshold)

	// Semantic search defaults
	adapter := semantic.DefaultOptions()
	breaker := semantic.DefaultBreakerConfig()
	v.SetDefault("semantic.client.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("semantic.client.model", "gpt-4o-mini")
	v.SetDefault("semantic.client.api_key", "")
	v.SetDefault("semantic.client.timeout", "20s")
	v.SetDefault("semantic.adapter.timeout", adapter.Timeout.String())
	v.SetDefault("semantic.adapter.match_threshold", adapter.MatchThreshold)
	v.SetDefault("semantic.breaker.max_requests", breaker.MaxRequests)
	v.SetDefault("semantic.breaker.interval", breaker.Interval.String())
	v.SetDefault("semantic.breaker.timeout", breaker.Timeout.String())
	v.SetDefault("semantic.breaker.consecutive_failures", breaker.ConsecutiveFailures)

	// Governor defaults
	gov := governor.DefaultConfig()
	v.SetDefault("governor.max_concurrent", gov.MaxConcurrent)
	v.SetDefault("governor.per_window", gov.PerWindow)
	v.SetDefault("governor.window", gov.Window.String())
	v.SetDefault("governor.mode", string(gov.Mode))
	v.SetDefault("governor.max_queue", gov.MaxQueue)
	v.SetDefault("governor.max_wait", gov.MaxWait.String())
	v.SetDefault("governor.cooldown", gov.Cooldown.String())

	// Cache defaults
	v.SetDefault("cache.max_entries", 10000)

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "dataset-refresh")
	v.SetDefault("kafka.group_id", "bookrec-engine")

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.cors.allowed_headers", []string{"*"})
}
