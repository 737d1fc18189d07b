// Package config provides configuration loading and management for
// morphnorm. It handles loading configuration from YAML files and
// provides default values matching the published analysis protocol.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Normalization parameters
	Normalization struct {
		// GlogQuantile is the quantile of each feature used as the
		// generalized-log shift parameter
		GlogQuantile float64 `yaml:"glogQuantile"`

		// VariabilityThreshold excludes features whose cross-batch
		// median spread is at or above it
		VariabilityThreshold float64 `yaml:"variabilityThreshold"`

		// ScalingStrategy selects the control spread estimator:
		// "per-batch" or "pooled"
		ScalingStrategy string `yaml:"scalingStrategy"`
	} `yaml:"normalization"`

	// Columns names the metadata columns of the joined screening table
	Columns struct {
		// BatchKey is the column partitioning rows into batches
		BatchKey string `yaml:"batchKey"`

		// Compound is the column holding the treatment identity
		Compound string `yaml:"compound"`

		// NegativeControl is the compound value marking control rows
		NegativeControl string `yaml:"negativeControl"`
	} `yaml:"columns"`

	// Processing parameters
	Processing struct {
		// NumWorkers bounds per-stage parallelism
		NumWorkers int `yaml:"numWorkers"`

		// FailurePolicy decides what happens to features that fail a
		// stage: "drop" or "abort"
		FailurePolicy string `yaml:"failurePolicy"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// SaveDiagnostics determines whether the variability ranking and
		// run summary are written alongside the normalized table
		SaveDiagnostics bool `yaml:"saveDiagnostics"`

		// DiagnosticsDir is the directory diagnostics are written to
		DiagnosticsDir string `yaml:"diagnosticsDir"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default normalization parameters
	cfg.Normalization.GlogQuantile = 0.05
	cfg.Normalization.VariabilityThreshold = 0.3
	cfg.Normalization.ScalingStrategy = "pooled"

	// Set default column names for the joined screening table
	cfg.Columns.BatchKey = "plate"
	cfg.Columns.Compound = "compound"
	cfg.Columns.NegativeControl = "DMSO"

	// Set default processing parameters
	cfg.Processing.NumWorkers = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.FailurePolicy = "drop"

	// Set default output parameters
	cfg.Output.Verbose = true
	cfg.Output.SaveDiagnostics = true
	cfg.Output.DiagnosticsDir = "diagnostics"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
