// Package config loads forkerd's YAML configuration and applies
// environment-variable overrides: a Config struct, a Default
// constructor, Load/Save, and applyEnvOverrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forkernet/forker/internal/ferrors"
)

// Environment gates destructive test hooks: corruption-injection and
// other test-only behavior must refuse to run unless set to Demo.
type Environment string

const (
	EnvironmentDemo       Environment = "Demo"
	EnvironmentProduction Environment = "Production"
)

// Directories holds the on-disk layout roots.
type Directories struct {
	Source     string `yaml:"source"`
	TargetA    string `yaml:"targetA"`
	TargetB    string `yaml:"targetB"`
	Quarantine string `yaml:"quarantine"`
	Processing string `yaml:"processing"`
}

// Monitoring configures the discovery source and stability detector.
type Monitoring struct {
	FileFilters            []string `yaml:"fileFilters"`
	ExcludeExtensions      []string `yaml:"excludeExtensions"`
	MinimumFileAgeSeconds  int      `yaml:"minimumFileAge"`
	StabilityCheckInterval int      `yaml:"stabilityCheckInterval"`
	MaxStabilityChecks     int      `yaml:"maxStabilityChecks"`
}

// Target configures the retry/classifier policy.
type Target struct {
	MaxAttempts   int `yaml:"maxAttempts"`
	BackoffBaseMs int `yaml:"backoffBase"`
	BackoffMaxMs  int `yaml:"backoffMax"`
}

// Database configures the durable store.
type Database struct {
	ConnectionString string `yaml:"connectionString"`
}

// Testing configures corruption-injection and other test-only hooks; the
// fields here must never have effect outside Environment == Demo.
type Testing struct {
	VerificationDelaySeconds int `yaml:"verificationDelaySeconds"`
}

// Config is the root of forkerd's configuration file.
type Config struct {
	Environment Environment `yaml:"environment"`
	Directories Directories `yaml:"directories"`
	Monitoring  Monitoring  `yaml:"monitoring"`
	Target      Target      `yaml:"target"`
	Database    Database    `yaml:"database"`
	Testing     Testing     `yaml:"testing"`
}

// Default returns a Config with sensible defaults rooted under root, all
// directories laid out as direct children of it.
func Default(root string) *Config {
	return &Config{
		Environment: EnvironmentProduction,
		Directories: Directories{
			Source:     filepath.Join(root, "Input"),
			TargetA:    filepath.Join(root, "DestinationA"),
			TargetB:    filepath.Join(root, "DestinationB"),
			Quarantine: filepath.Join(root, "Quarantine"),
			Processing: filepath.Join(root, "Processing"),
		},
		Monitoring: Monitoring{
			FileFilters:            nil,
			ExcludeExtensions:      []string{".tmp", ".part"},
			MinimumFileAgeSeconds:  5,
			StabilityCheckInterval: 2,
			MaxStabilityChecks:     3,
		},
		Target: Target{
			MaxAttempts:   5,
			BackoffBaseMs: 1000,
			BackoffMaxMs:  60000,
		},
		Database: Database{
			ConnectionString: filepath.Join(root, "forker.db"),
		},
		Testing: Testing{
			VerificationDelaySeconds: 0,
		},
	}
}

// Load reads and parses a YAML config file from path, then applies
// environment-variable overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ferrors.Configuration("path", fmt.Sprintf("cannot read %s: %v", path, err))
	}

	cfg := Default(filepath.Dir(path))
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, ferrors.Configuration("path", fmt.Sprintf("invalid YAML in %s: %v", path, err))
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save marshals cfg to YAML and writes it to path, creating parent
// directories as needed.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return ferrors.Configuration("config", fmt.Sprintf("marshal failed: %v", err))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ferrors.Configuration("path", fmt.Sprintf("cannot create directory for %s: %v", path, err))
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnvOverrides lets deployment tooling override file-based settings
// without editing the YAML.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FORKER_ENVIRONMENT"); v != "" {
		c.Environment = Environment(v)
	}
	if v := os.Getenv("FORKER_SOURCE_DIR"); v != "" {
		c.Directories.Source = v
	}
	if v := os.Getenv("FORKER_TARGET_A_DIR"); v != "" {
		c.Directories.TargetA = v
	}
	if v := os.Getenv("FORKER_TARGET_B_DIR"); v != "" {
		c.Directories.TargetB = v
	}
	if v := os.Getenv("FORKER_DATABASE_CONNECTION_STRING"); v != "" {
		c.Database.ConnectionString = v
	}
}

// Validate enforces the constraints the component constructors would
// otherwise each check individually, surfacing them as one Configuration
// error at startup instead of scattered across every component.
func (c *Config) Validate() error {
	if c.Directories.Source == "" {
		return ferrors.Configuration("directories.source", "must not be empty")
	}
	if c.Directories.TargetA == "" && c.Directories.TargetB == "" {
		return ferrors.Configuration("directories.targetA/targetB", "at least one destination required")
	}
	if c.Target.MaxAttempts < 1 {
		return ferrors.Configuration("target.maxAttempts", "must be >= 1")
	}
	if c.Target.BackoffBaseMs <= 0 {
		return ferrors.Configuration("target.backoffBase", "must be > 0")
	}
	if c.Target.BackoffMaxMs < c.Target.BackoffBaseMs {
		return ferrors.Configuration("target.backoffMax", "must be >= target.backoffBase")
	}
	if c.Monitoring.MaxStabilityChecks < 1 {
		return ferrors.Configuration("monitoring.maxStabilityChecks", "must be >= 1")
	}
	if c.Monitoring.StabilityCheckInterval < 1 {
		return ferrors.Configuration("monitoring.stabilityCheckInterval", "must be >= 1")
	}
	if c.Testing.VerificationDelaySeconds > 0 && c.Environment != EnvironmentDemo {
		return ferrors.Configuration("testing.verificationDelaySeconds", "corruption-injection delay requires environment=Demo")
	}
	return nil
}

// BackoffBase returns target.backoffBase as a time.Duration.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Target.BackoffBaseMs) * time.Millisecond
}

// BackoffMax returns target.backoffMax as a time.Duration.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Target.BackoffMaxMs) * time.Millisecond
}

// VerificationDelay returns the testing.verificationDelaySeconds hook as a
// time.Duration, or zero if outside Demo environment.
func (c *Config) VerificationDelay() time.Duration {
	if c.Environment != EnvironmentDemo {
		return 0
	}
	return time.Duration(c.Testing.VerificationDelaySeconds) * time.Second
}

// MinimumFileAge returns monitoring.minimumFileAge as a time.Duration.
func (c *Config) MinimumFileAge() time.Duration {
	return time.Duration(c.Monitoring.MinimumFileAgeSeconds) * time.Second
}

// StabilityCheckInterval returns monitoring.stabilityCheckInterval as a
// time.Duration.
func (c *Config) StabilityCheckInterval() time.Duration {
	return time.Duration(c.Monitoring.StabilityCheckInterval) * time.Second
}
