package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the signal engine.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
	Risk        RiskConfig        `yaml:"risk"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Actions     ActionsConfig     `yaml:"actions"`
	Cache       CacheConfig       `yaml:"cache"`
}

// ServerConfig controls HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// DatabaseConfig configures the Postgres-backed signal/incident store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RiskConfig holds the composite risk weights. Weights are expected to sum to
// roughly 1.0; the scorer clamps rather than renormalizes, so miscalibrated
// weights saturate silently.
type RiskConfig struct {
	WeightSentiment    float64 `yaml:"weightSentiment"`
	WeightAnomaly      float64 `yaml:"weightAnomaly"`
	WeightTicketVolume float64 `yaml:"weightTicketVolume"`
	WeightRevenue      float64 `yaml:"weightRevenue"`
	WeightEngagement   float64 `yaml:"weightEngagement"`
}

// SchedulerConfig controls the periodic driver.
type SchedulerConfig struct {
	Interval           time.Duration `yaml:"interval"`
	ForecastInterval   time.Duration `yaml:"forecastInterval"`
	ScoringBatch       int           `yaml:"scoringBatch"`
	AnomalyGrace       time.Duration `yaml:"anomalyGrace"`
	ForecastGrace      time.Duration `yaml:"forecastGrace"`
	ForecastMaxMetrics int           `yaml:"forecastMaxMetrics"`
	ForecastLookback   time.Duration `yaml:"forecastLookback"`
	ForecastHorizon    int           `yaml:"forecastHorizon"`
}

// EmbeddingConfig controls the in-memory similarity index.
type EmbeddingConfig struct {
	Dimension int `yaml:"dimension"`
}

// CorrelationConfig controls correlation queries and graph building.
type CorrelationConfig struct {
	DefaultK      int           `yaml:"defaultK"`
	WindowHours   int           `yaml:"windowHours"`
	MaxGraphNodes int           `yaml:"maxGraphNodes"`
	CacheTTL      time.Duration `yaml:"cacheTTL"`
	GraphCacheTTL time.Duration `yaml:"graphCacheTTL"`
}

// ActionsConfig controls rule-pack loading for incident recommended actions.
type ActionsConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig controls Valkey-backed caching of correlation lookups.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SIGNAL_ENGINE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:             "postgres://localhost:5432/signalforge?sslmode=disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Risk: RiskConfig{
			WeightSentiment:    0.25,
			WeightAnomaly:      0.25,
			WeightTicketVolume: 0.20,
			WeightRevenue:      0.15,
			WeightEngagement:   0.15,
		},
		Scheduler: SchedulerConfig{
			Interval:           time.Minute,
			ForecastInterval:   15 * time.Minute,
			ScoringBatch:       50,
			AnomalyGrace:       90 * time.Minute,
			ForecastGrace:      180 * time.Minute,
			ForecastMaxMetrics: 6,
			ForecastLookback:   168 * time.Hour,
			ForecastHorizon:    8,
		},
		Embedding: EmbeddingConfig{Dimension: 384},
		Correlation: CorrelationConfig{
			DefaultK:      10,
			WindowHours:   6,
			MaxGraphNodes: 64,
			CacheTTL:      time.Minute,
			GraphCacheTTL: 2 * time.Minute,
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
	}
}

func (c *Config) validate() error {
	weights := []struct {
		name  string
		value float64
	}{
		{"weightSentiment", c.Risk.WeightSentiment},
		{"weightAnomaly", c.Risk.WeightAnomaly},
		{"weightTicketVolume", c.Risk.WeightTicketVolume},
		{"weightRevenue", c.Risk.WeightRevenue},
		{"weightEngagement", c.Risk.WeightEngagement},
	}
	for _, w := range weights {
		if w.value < 0 || w.value > 1 {
			return fmt.Errorf("risk.%s must be within [0,1], got %v", w.name, w.value)
		}
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %v", c.Scheduler.Interval)
	}
	if c.Scheduler.ForecastInterval <= 0 {
		return fmt.Errorf("scheduler.forecastInterval must be positive, got %v", c.Scheduler.ForecastInterval)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Correlation.MaxGraphNodes <= 0 {
		return fmt.Errorf("correlation.maxGraphNodes must be positive, got %d", c.Correlation.MaxGraphNodes)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SIGNAL_ENGINE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("SIGNAL_ENGINE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("SIGNAL_ENGINE_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("SIGNAL_ENGINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SIGNAL_ENGINE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("SIGNAL_ENGINE_SCHEDULER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.Interval = d
		}
	}
	if v := os.Getenv("SIGNAL_ENGINE_FORECAST_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.ForecastInterval = d
		}
	}
	if v := os.Getenv("SIGNAL_ENGINE_ACTIONS_PATH"); v != "" {
		cfg.Actions.Path = v
	}
	if v := os.Getenv("SIGNAL_ENGINE_EMBEDDING_DIM"); v != "" {
		if dim, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimension = dim
		}
	}
	applyWeightOverrides(cfg)
	applyCacheOverrides(cfg)
}

func applyWeightOverrides(cfg *Config) {
	overrides := []struct {
		env    string
		target *float64
	}{
		{"SIGNAL_ENGINE_RISK_WEIGHT_SENTIMENT", &cfg.Risk.WeightSentiment},
		{"SIGNAL_ENGINE_RISK_WEIGHT_ANOMALY", &cfg.Risk.WeightAnomaly},
		{"SIGNAL_ENGINE_RISK_WEIGHT_TICKET_VOLUME", &cfg.Risk.WeightTicketVolume},
		{"SIGNAL_ENGINE_RISK_WEIGHT_REVENUE", &cfg.Risk.WeightRevenue},
		{"SIGNAL_ENGINE_RISK_WEIGHT_ENGAGEMENT", &cfg.Risk.WeightEngagement},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*o.target = f
			}
		}
	}
}

func applyCacheOverrides(cfg *Config) {
	if v := os.Getenv("SIGNAL_ENGINE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("SIGNAL_ENGINE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("SIGNAL_ENGINE_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("SIGNAL_ENGINE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("SIGNAL_ENGINE_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("SIGNAL_ENGINE_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
}
