package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Config holds all tunables. Scoring and routing weights are deploy-time
// knobs; Default covers local runs.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Scoring ScoringConfig `yaml:"scoring"`
	Routing RoutingConfig `yaml:"routing"`
	Expiry  ExpiryConfig  `yaml:"expiry"`

	DatabaseURL string `yaml:"databaseUrl"`
	RedisURL    string `yaml:"redisUrl"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	// RateLimit is intake requests per second per client; RateBurst the burst.
	RateLimit float64 `yaml:"rateLimit"`
	RateBurst int     `yaml:"rateBurst"`
}

type ScoringConfig struct {
	// ProximityFalloffPerKm is subtracted from 100 per kilometre of distance.
	ProximityFalloffPerKm float64 `yaml:"proximityFalloffPerKm"`
	// SearchRadiusKm bounds candidate queries against the geo index.
	SearchRadiusKm float64 `yaml:"searchRadiusKm"`
	// UrgencyBoost maps urgency level name to an additive boost.
	UrgencyBoost map[string]float64 `yaml:"urgencyBoost"`
}

type RoutingConfig struct {
	// SpeedKph converts leg distance into travel time estimates.
	SpeedKph float64 `yaml:"speedKph"`
	// ServiceMinutes is the fixed handling time per stop.
	ServiceMinutes float64 `yaml:"serviceMinutes"`
	// MaxImprovePasses caps 2-opt sweeps so planning stays bounded.
	MaxImprovePasses int `yaml:"maxImprovePasses"`
}

type ExpiryConfig struct {
	SweepInterval Duration `yaml:"sweepInterval"`
}

// Duration decodes YAML strings like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: "8080", RateLimit: 20, RateBurst: 40},
		Scoring: ScoringConfig{
			ProximityFalloffPerKm: 10,
			SearchRadiusKm:        10,
			UrgencyBoost: map[string]float64{
				"critical": 30, "high": 20, "medium": 10, "low": 0,
			},
		},
		Routing: RoutingConfig{SpeedKph: 30, ServiceMinutes: 5, MaxImprovePasses: 40},
		Expiry:  ExpiryConfig{SweepInterval: Duration(30 * time.Second)},
	}
}

// Load reads the YAML file at path (optional) and applies env overrides.
// Missing file is not an error; defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Scoring.ProximityFalloffPerKm <= 0 {
		return fmt.Errorf("scoring.proximityFalloffPerKm must be > 0")
	}
	if c.Scoring.SearchRadiusKm <= 0 {
		return fmt.Errorf("scoring.searchRadiusKm must be > 0")
	}
	if c.Routing.SpeedKph <= 0 {
		return fmt.Errorf("routing.speedKph must be > 0")
	}
	if c.Routing.MaxImprovePasses <= 0 {
		return fmt.Errorf("routing.maxImprovePasses must be > 0")
	}
	return nil
}
