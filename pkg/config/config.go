// Package config loads journeyd configuration from YAML with environment
// fallbacks and validated defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Redis        RedisConfig        `yaml:"redis"`
	ClickHouse   ClickHouseConfig   `yaml:"clickhouse"`
	Journey      JourneyConfig      `yaml:"journey"`
	Scarcity     ScarcityConfig     `yaml:"scarcity"`
	Identity     IdentityConfig     `yaml:"identity"`
	Optimization OptimizationConfig `yaml:"optimization"`
	Debug        bool               `yaml:"debug"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port    int `yaml:"port"`
	ObsPort int `yaml:"obs_port"`
	// DecisionTimeout bounds any client-facing decision call. On expiry
	// the gateway answers with the safe default (standard strategy, no
	// triggers) so rendering is never blocked.
	DecisionTimeout time.Duration `yaml:"decision_timeout"`
	// RatePerSecond / RateBurst configure the per-client token bucket.
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
}

// RedisConfig holds the journey state store connection.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
	PoolSize int           `yaml:"pool_size"`
}

// ClickHouseConfig holds the optional retention-archive sink.
type ClickHouseConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Addrs    []string `yaml:"addrs"`
	Database string   `yaml:"database"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

// StageCriteria are the tunable thresholds that advance a session out of
// a stage. Values are deliberately configuration, not constants: the
// right numbers are an empirical question.
type StageCriteria struct {
	// MinEngagement is the minimum recent average engagement score.
	MinEngagement float64 `yaml:"min_engagement"`
	// MinDwell is the minimum time spent in the stage.
	MinDwell time.Duration `yaml:"min_dwell"`
	// MinTouchpoints is the minimum touchpoints observed in the stage.
	MinTouchpoints int `yaml:"min_touchpoints"`
}

// JourneyConfig tunes the state machine.
type JourneyConfig struct {
	// EngagementWeight is the EWMA weight of the newest signal when the
	// conversion probability is recomputed.
	EngagementWeight float64 `yaml:"engagement_weight"`
	// Advance maps each stage to the criteria for moving forward.
	Advance map[string]StageCriteria `yaml:"advance"`
	// ReconsiderBelow sends decision back to consideration when recent
	// engagement drops under this score.
	ReconsiderBelow float64 `yaml:"reconsider_below"`
	// IdleWindow is the inactivity timeout before a session is swept to
	// abandoned.
	IdleWindow time.Duration `yaml:"idle_window"`
	// RetentionWindow is how long terminal sessions are kept before
	// archival.
	RetentionWindow time.Duration `yaml:"retention_window"`
	// StorageRetries caps retries of transient storage errors.
	StorageRetries int `yaml:"storage_retries"`
}

// ScarcityConfig tunes the trigger engine.
type ScarcityConfig struct {
	// ProofMinimum suppresses social-proof triggers whose real counter
	// is below it. Explicit 0 turns suppression off; the pointer keeps
	// that distinguishable from an absent key, which gets the default.
	ProofMinimum *int64 `yaml:"proof_minimum"`
	// CountdownWindow is the deadline attached to a time-pressure
	// trigger when first issued.
	CountdownWindow time.Duration `yaml:"countdown_window"`
}

// IdentityConfig tunes the cross-device resolver.
type IdentityConfig struct {
	// FingerprintThreshold is the minimum similarity score for a
	// probabilistic link. Declared-identifier matches ignore it.
	FingerprintThreshold float64 `yaml:"fingerprint_threshold"`
}

// OptimizationConfig tunes the real-time optimization loop.
type OptimizationConfig struct {
	// Tick is the loop interval.
	Tick time.Duration `yaml:"tick"`
	// ConfidenceThreshold gates whether an opportunity is applied.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// LowEngagement marks sessions below this score as improvement
	// opportunities.
	LowEngagement float64 `yaml:"low_engagement"`
	// AccelerateBelow marks decision-stage sessions below this
	// conversion probability as acceleration opportunities.
	AccelerateBelow float64 `yaml:"accelerate_below"`
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if cfg.Redis.Addr == "localhost:6379" {
		if addr := os.Getenv("REDIS_ADDR"); addr != "" {
			cfg.Redis.Addr = addr
		}
	}
	if cfg.Redis.Password == "" {
		cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every tunable at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ObsPort == 0 {
		cfg.Server.ObsPort = 9090
	}
	if cfg.Server.DecisionTimeout == 0 {
		cfg.Server.DecisionTimeout = 500 * time.Millisecond
	}
	if cfg.Server.RatePerSecond == 0 {
		cfg.Server.RatePerSecond = 50
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 100
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Journey.EngagementWeight == 0 {
		cfg.Journey.EngagementWeight = 0.3
	}
	if cfg.Journey.ReconsiderBelow == 0 {
		cfg.Journey.ReconsiderBelow = 0.2
	}
	if cfg.Journey.IdleWindow == 0 {
		cfg.Journey.IdleWindow = 30 * time.Minute
	}
	if cfg.Journey.RetentionWindow == 0 {
		cfg.Journey.RetentionWindow = 30 * 24 * time.Hour
	}
	if cfg.Journey.StorageRetries == 0 {
		cfg.Journey.StorageRetries = 3
	}
	if cfg.Journey.Advance == nil {
		cfg.Journey.Advance = map[string]StageCriteria{
			"awareness":     {MinEngagement: 0.5, MinDwell: 10 * time.Second, MinTouchpoints: 3},
			"consideration": {MinEngagement: 0.6, MinDwell: 30 * time.Second, MinTouchpoints: 3},
			"decision":      {MinEngagement: 0.7, MinDwell: 20 * time.Second, MinTouchpoints: 2},
		}
	}
	if cfg.Scarcity.ProofMinimum == nil {
		pm := int64(10)
		cfg.Scarcity.ProofMinimum = &pm
	}
	if cfg.Scarcity.CountdownWindow == 0 {
		cfg.Scarcity.CountdownWindow = 15 * time.Minute
	}
	if cfg.Identity.FingerprintThreshold == 0 {
		cfg.Identity.FingerprintThreshold = 0.75
	}
	if cfg.Optimization.Tick == 0 {
		cfg.Optimization.Tick = 30 * time.Second
	}
	if cfg.Optimization.ConfidenceThreshold == 0 {
		cfg.Optimization.ConfidenceThreshold = 0.7
	}
	if cfg.Optimization.LowEngagement == 0 {
		cfg.Optimization.LowEngagement = 0.3
	}
	if cfg.Optimization.AccelerateBelow == 0 {
		cfg.Optimization.AccelerateBelow = 0.35
	}
}

// Validate checks if the configuration is valid
func (cfg *Config) Validate() error {
	if w := cfg.Journey.EngagementWeight; w <= 0 || w >= 1 {
		return fmt.Errorf("journey.engagement_weight must be in (0, 1), got %v", w)
	}
	if t := cfg.Identity.FingerprintThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("identity.fingerprint_threshold must be in (0, 1], got %v", t)
	}
	if t := cfg.Optimization.ConfidenceThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("optimization.confidence_threshold must be in (0, 1], got %v", t)
	}
	if pm := cfg.Scarcity.ProofMinimum; pm != nil && *pm < 0 {
		return fmt.Errorf("scarcity.proof_minimum must be >= 0, got %d", *pm)
	}
	for stage, c := range cfg.Journey.Advance {
		if c.MinEngagement < 0 || c.MinEngagement > 1 {
			return fmt.Errorf("journey.advance.%s.min_engagement must be in [0, 1], got %v", stage, c.MinEngagement)
		}
	}
	return nil
}
