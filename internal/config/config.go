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

// Config captures the settings required to boot the surveillance engine.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Sources    []SourceConfig   `yaml:"sources"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Fusion     FusionConfig     `yaml:"fusion"`
	Detection  DetectionConfig  `yaml:"detection"`
	Notify     NotifyConfig     `yaml:"notify"`
	Cache      CacheConfig      `yaml:"cache"`
	Store      StoreConfig      `yaml:"store"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig controls HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// SourceConfig describes one external disease-data provider.
type SourceConfig struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	BaseURL     string        `yaml:"baseURL"`
	FetchPath   string        `yaml:"fetchPath"`
	HealthPath  string        `yaml:"healthPath"`
	APIKey      string        `yaml:"apiKey"`
	Timeout     time.Duration `yaml:"timeout"`
	Reliability float64       `yaml:"reliability"`
	Diseases    []string      `yaml:"diseases"`
	Regions     []string      `yaml:"regions"`
}

// ResilienceConfig tunes the circuit breaker and retry policy shared by all
// source calls.
type ResilienceConfig struct {
	FailureThreshold  int           `yaml:"failureThreshold"`
	SlidingWindow     time.Duration `yaml:"slidingWindow"`
	CoolDownPeriod    time.Duration `yaml:"coolDownPeriod"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier"`
	MaxCoolDown       time.Duration `yaml:"maxCoolDown"`
	MaxRetries        int           `yaml:"maxRetries"`
	RetryBaseDelay    time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay     time.Duration `yaml:"retryMaxDelay"`
	RetryJitterRatio  float64       `yaml:"retryJitterRatio"`
}

// AggregatorConfig tunes the source fan-out.
type AggregatorConfig struct {
	MaxParallelism       int64         `yaml:"maxParallelism"`
	PerCallTimeout       time.Duration `yaml:"perCallTimeout"`
	MinSuccessfulSources int           `yaml:"minSuccessfulSources"`
	MinReliability       float64       `yaml:"minReliability"`
	SourceRatePerSecond  float64       `yaml:"sourceRatePerSecond"`
	SourceRateBurst      int           `yaml:"sourceRateBurst"`
	CacheTTL             time.Duration `yaml:"cacheTTL"`
}

// FusionConfig tunes the fusion engine.
type FusionConfig struct {
	Bucket            time.Duration          `yaml:"bucket"`
	MaxFillGap        time.Duration          `yaml:"maxFillGap"`
	FreshnessHalfLife time.Duration          `yaml:"freshnessHalfLife"`
	TrimZThreshold    float64                `yaml:"trimZThreshold"`
	BaseVariance      float64                `yaml:"baseVariance"`
	ProcessNoise      float64                `yaml:"processNoise"`
	MeasurementNoise  float64                `yaml:"measurementNoise"`
	IDWPower          float64                `yaml:"idwPower"`
	CanonicalUnits    map[string]string      `yaml:"canonicalUnits"`
	UnitConversions   map[string]float64     `yaml:"unitConversions"`
	RegionCoords      map[string]CoordConfig `yaml:"regionCoords"`
}

// CoordConfig locates a region centroid for spatial interpolation.
type CoordConfig struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
}

// DetectionConfig controls detection thresholds and monitoring sessions.
type DetectionConfig struct {
	ThresholdsPath  string        `yaml:"thresholdsPath"`
	SessionInterval time.Duration `yaml:"sessionInterval"`
}

// NotifyConfig tunes the alert delivery worker.
type NotifyConfig struct {
	QueueCapacity int           `yaml:"queueCapacity"`
	MaxAttempts   int           `yaml:"maxAttempts"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	WebhookURL    string        `yaml:"webhookURL"`
}

// CacheConfig controls Valkey-backed caching of source responses.
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

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // memory or postgres
	DSN     string `yaml:"dsn"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("EPIWATCH_CONFIG")
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
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Resilience: ResilienceConfig{
			FailureThreshold:  5,
			SlidingWindow:     time.Minute,
			CoolDownPeriod:    30 * time.Second,
			BackoffMultiplier: 2,
			MaxCoolDown:       10 * time.Minute,
			MaxRetries:        2,
			RetryBaseDelay:    200 * time.Millisecond,
			RetryMaxDelay:     5 * time.Second,
			RetryJitterRatio:  0.2,
		},
		Aggregator: AggregatorConfig{
			MaxParallelism:       8,
			PerCallTimeout:       5 * time.Second,
			MinSuccessfulSources: 1,
			MinReliability:       0.2,
			SourceRatePerSecond:  5,
			SourceRateBurst:      5,
			CacheTTL:             2 * time.Minute,
		},
		Fusion: FusionConfig{
			Bucket:            time.Hour,
			MaxFillGap:        6 * time.Hour,
			FreshnessHalfLife: 12 * time.Hour,
			TrimZThreshold:    2.5,
			BaseVariance:      1,
			ProcessNoise:      0.05,
			MeasurementNoise:  1,
			IDWPower:          2,
		},
		Detection: DetectionConfig{
			ThresholdsPath:  "configs/thresholds/default.yaml",
			SessionInterval: 30 * time.Second,
		},
		Notify: NotifyConfig{
			QueueCapacity: 256,
			MaxAttempts:   3,
			RetryDelay:    500 * time.Millisecond,
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
		Store:   StoreConfig{Backend: "memory"},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EPIWATCH_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("EPIWATCH_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("EPIWATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("EPIWATCH_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("EPIWATCH_THRESHOLDS_PATH"); v != "" {
		cfg.Detection.ThresholdsPath = v
	}
	if v := os.Getenv("EPIWATCH_SESSION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Detection.SessionInterval = d
		}
	}
	if v := os.Getenv("EPIWATCH_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("EPIWATCH_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("EPIWATCH_NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("EPIWATCH_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("EPIWATCH_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("EPIWATCH_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("EPIWATCH_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("EPIWATCH_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("EPIWATCH_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("EPIWATCH_MIN_SOURCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Aggregator.MinSuccessfulSources = n
		}
	}
	if v := os.Getenv("EPIWATCH_PER_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Aggregator.PerCallTimeout = d
		}
	}
	if v := os.Getenv("EPIWATCH_BREAKER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Resilience.FailureThreshold = n
		}
	}
	if v := os.Getenv("EPIWATCH_BREAKER_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Resilience.CoolDownPeriod = d
		}
	}
}
