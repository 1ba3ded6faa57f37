package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Neo4j      Neo4jConfig      `mapstructure:"neo4j"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Ranking    RankingConfig    `mapstructure:"ranking"`
	Session    SessionConfig    `mapstructure:"session"`
	Experiment ExperimentConfig `mapstructure:"experiment"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Profile    ProfileConfig    `mapstructure:"profile"`
	Trending   TrendingConfig   `mapstructure:"trending"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	MaxConnections int           `mapstructure:"max_connections"`
	MaxIdleTime    time.Duration `mapstructure:"max_idle_time"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type RedisConfig struct {
	Hot  RedisInstanceConfig `mapstructure:"hot"`
	Warm RedisInstanceConfig `mapstructure:"warm"`
}

type RedisInstanceConfig struct {
	URL        string        `mapstructure:"url"`
	MaxRetries int           `mapstructure:"max_retries"`
	PoolSize   int           `mapstructure:"pool_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type Neo4jConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topics  struct {
		Interactions string `mapstructure:"interactions"`
		Telemetry    string `mapstructure:"telemetry"`
	} `mapstructure:"topics"`
	ConsumerGroup string `mapstructure:"consumer_group"`
}

type AuthConfig struct {
	JWTSecret string          `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration   `mapstructure:"token_ttl"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Default int           `mapstructure:"default"`
	Window  time.Duration `mapstructure:"window"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RankingConfig tunes the scoring primitives and the ranking engine.
type RankingConfig struct {
	Engagement EngagementConfig `mapstructure:"engagement"`
	Freshness  FreshnessConfig  `mapstructure:"freshness"`
	Quality    QualityConfig    `mapstructure:"quality"`
	Diversity  DiversityConfig  `mapstructure:"diversity"`

	// LookupTimeout bounds profile/cache/trending sub-requests so a slow
	// dependency degrades the request instead of blocking it.
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
}

type EngagementConfig struct {
	LikeWeight   float64 `mapstructure:"like_weight"`
	RepostWeight float64 `mapstructure:"repost_weight"`
	ReplyWeight  float64 `mapstructure:"reply_weight"`
	ViewWeight   float64 `mapstructure:"view_weight"`
}

type FreshnessConfig struct {
	// Lambda is the default hourly decay rate; per content-type overrides
	// take precedence.
	Lambda        float64            `mapstructure:"lambda"`
	LambdaPerType map[string]float64 `mapstructure:"lambda_per_type"`
}

type QualityConfig struct {
	MinTextLength    int     `mapstructure:"min_text_length"`
	MinEngagement    int64   `mapstructure:"min_engagement"`
	WilsonConfidence float64 `mapstructure:"wilson_confidence"`
}

type DiversityConfig struct {
	MaxConsecutiveSameAuthor int     `mapstructure:"max_consecutive_same_author"`
	DiscoveryRatio           float64 `mapstructure:"discovery_ratio"`
	AffinityFloor            float64 `mapstructure:"affinity_floor"`
}

// SessionConfig tunes the session optimizer.
type SessionConfig struct {
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	EndTimeout        time.Duration `mapstructure:"end_timeout"`
	MinFlushDuration  time.Duration `mapstructure:"min_flush_duration"`
	MaxTrackedActions int           `mapstructure:"max_tracked_actions"`
	MetricsWindow     time.Duration `mapstructure:"metrics_window"`
	LearningRate      float64       `mapstructure:"learning_rate"`
	StabilityPeriod   time.Duration `mapstructure:"stability_period"`
	QueueSize         int           `mapstructure:"queue_size"`
	JanitorInterval   time.Duration `mapstructure:"janitor_interval"`
}

type ExperimentConfig struct {
	AssignmentTTL time.Duration `mapstructure:"assignment_ttl"`
	Smoothing     float64       `mapstructure:"smoothing"`
}

type CacheConfig struct {
	FeedTTL   time.Duration `mapstructure:"feed_ttl"`
	LocalSize int           `mapstructure:"local_size"`
}

type ProfileConfig struct {
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
	WarmTTL          time.Duration `mapstructure:"warm_ttl"`
	MaxWeightDelta   float64       `mapstructure:"max_weight_delta"`
	AffinityHalfLife time.Duration `mapstructure:"affinity_half_life"`
}

type TrendingConfig struct {
	RefreshInterval       time.Duration `mapstructure:"refresh_interval"`
	MaxBoost              float64       `mapstructure:"max_boost"`
	HighVelocityThreshold float64       `mapstructure:"high_velocity_threshold"`
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

func Load() (*Config, error) {
	viper.SetConfigName("app")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional, continue with env vars and defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Default returns a config built purely from defaults, used by tests.
func Default() *Config {
	setDefaults()
	var config Config
	_ = viper.Unmarshal(&config)
	return &config
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "development")

	// Database defaults
	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.max_idle_time", "15m")
	viper.SetDefault("database.max_lifetime", "1h")
	viper.SetDefault("database.connect_timeout", "10s")

	// Redis defaults
	viper.SetDefault("redis.hot.max_retries", 3)
	viper.SetDefault("redis.hot.pool_size", 10)
	viper.SetDefault("redis.hot.timeout", "5s")
	viper.SetDefault("redis.warm.max_retries", 3)
	viper.SetDefault("redis.warm.pool_size", 5)
	viper.SetDefault("redis.warm.timeout", "10s")

	// Kafka defaults
	viper.SetDefault("kafka.topics.interactions", "interaction-events")
	viper.SetDefault("kafka.topics.telemetry", "ranking-telemetry")
	viper.SetDefault("kafka.consumer_group", "session-optimizers")

	// Auth defaults
	viper.SetDefault("auth.token_ttl", "24h")
	viper.SetDefault("auth.rate_limit.default", 1000)
	viper.SetDefault("auth.rate_limit.window", "1h")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	// Ranking defaults
	viper.SetDefault("ranking.engagement.like_weight", 0.4)
	viper.SetDefault("ranking.engagement.repost_weight", 0.3)
	viper.SetDefault("ranking.engagement.reply_weight", 0.2)
	viper.SetDefault("ranking.engagement.view_weight", 0.1)
	// At lambda 0.08 a 24h-old post scores below 0.15, so stale virality
	// gets repositioned behind fresher items.
	viper.SetDefault("ranking.freshness.lambda", 0.08)
	viper.SetDefault("ranking.freshness.lambda_per_type", map[string]float64{
		"post":    0.08,
		"video":   0.04,
		"article": 0.02,
	})
	viper.SetDefault("ranking.quality.min_text_length", 10)
	viper.SetDefault("ranking.quality.min_engagement", 0)
	viper.SetDefault("ranking.quality.wilson_confidence", 0.95)
	viper.SetDefault("ranking.diversity.max_consecutive_same_author", 2)
	viper.SetDefault("ranking.diversity.discovery_ratio", 0.1)
	viper.SetDefault("ranking.diversity.affinity_floor", 0.3)
	viper.SetDefault("ranking.lookup_timeout", "200ms")

	// Session defaults
	viper.SetDefault("session.idle_timeout", "5m")
	viper.SetDefault("session.end_timeout", "30m")
	viper.SetDefault("session.min_flush_duration", "1m")
	viper.SetDefault("session.max_tracked_actions", 200)
	viper.SetDefault("session.metrics_window", "5m")
	viper.SetDefault("session.learning_rate", 0.05)
	viper.SetDefault("session.stability_period", "10s")
	viper.SetDefault("session.queue_size", 256)
	viper.SetDefault("session.janitor_interval", "1m")

	// Experiment defaults
	viper.SetDefault("experiment.assignment_ttl", "24h")
	viper.SetDefault("experiment.smoothing", 0.2)

	// Cache defaults
	viper.SetDefault("cache.feed_ttl", "3m")
	viper.SetDefault("cache.local_size", 1024)

	// Profile defaults
	viper.SetDefault("profile.refresh_interval", "5m")
	viper.SetDefault("profile.warm_ttl", "1h")
	viper.SetDefault("profile.max_weight_delta", 0.1)
	viper.SetDefault("profile.affinity_half_life", "168h")

	// Trending defaults
	viper.SetDefault("trending.refresh_interval", "2m")
	viper.SetDefault("trending.max_boost", 1.5)
	viper.SetDefault("trending.high_velocity_threshold", 0.8)

	// Monitoring defaults
	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.metrics_path", "/metrics")

	// Security defaults
	viper.SetDefault("security.cors.allowed_origins", []string{"*"})
	viper.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	viper.SetDefault("security.cors.allowed_headers", []string{"*"})
}
