// Package config provides configuration loading and management for sctmetrics.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Image metric parameters
	Image struct {
		// DynamicRange is the population intensity range [min, max] used to
		// clip volumes for PSNR and SSIM
		DynamicRange [2]float64 `yaml:"dynamicRange"`

		// EmpiricalPSNRRange takes the PSNR peak from the masked reference
		// voxels instead of the population range
		EmpiricalPSNRRange bool `yaml:"empiricalPSNRRange"`
	} `yaml:"image"`

	// Dose metric parameters
	Dose struct {
		// Prescribed maps a region name to its prescribed dose in Gy
		Prescribed map[string]float64 `yaml:"prescribed"`

		// Threshold is the fraction of the prescribed dose selecting the
		// voxels evaluated by the dose MAE
		Threshold float64 `yaml:"threshold"`

		// Modalities lists the modalities evaluated per patient
		Modalities []string `yaml:"modalities"`
	} `yaml:"dose"`

	// External dose recalculation tool
	Recompute struct {
		// Command is the executable invoked per patient and modality
		Command string `yaml:"command"`

		// Args are passed before the positional workspace, patient,
		// modality and prediction arguments
		Args []string `yaml:"args"`

		// Timeout bounds a single invocation, zero disables it
		Timeout time.Duration `yaml:"timeout"`

		// Workspace is the directory holding one sub-directory per patient
		Workspace string `yaml:"workspace"`

		// Artifacts are file name patterns inside a patient directory,
		// %s is replaced by the modality
		Artifacts struct {
			Plan     string `yaml:"plan"`
			DoseGT   string `yaml:"doseGT"`
			DosePred string `yaml:"dosePred"`
			DVHGT    string `yaml:"dvhGT"`
			DVHPred  string `yaml:"dvhPred"`
			Gamma    string `yaml:"gamma"`
		} `yaml:"artifacts"`
	} `yaml:"recompute"`

	// Logging parameters
	Logging struct {
		// Level is one of DEBUG, INFO, WARN, ERROR
		Level string `yaml:"level"`

		// JSON switches to structured JSON output
		JSON bool `yaml:"json"`

		// File additionally writes logs to a rotating file
		File string `yaml:"file"`

		MaxSizeMB  int `yaml:"maxSizeMB"`
		MaxBackups int `yaml:"maxBackups"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// CT Hounsfield range
	cfg.Image.DynamicRange = [2]float64{-1024, 3071}

	cfg.Dose.Prescribed = map[string]float64{
		"Brain":  2.0,
		"Pelvis": 2.5,
	}
	cfg.Dose.Threshold = 0.9
	cfg.Dose.Modalities = []string{"photon", "proton"}

	cfg.Recompute.Command = "matRad_recompute"
	cfg.Recompute.Timeout = 30 * time.Minute
	cfg.Recompute.Workspace = "workspace"
	cfg.Recompute.Artifacts.Plan = "plan_%s.mat"
	cfg.Recompute.Artifacts.DoseGT = "dose_ct_%s.mat"
	cfg.Recompute.Artifacts.DosePred = "dose_sct_%s.mat"
	cfg.Recompute.Artifacts.DVHGT = "dvh_ct_%s.json"
	cfg.Recompute.Artifacts.DVHPred = "dvh_sct_%s.json"
	cfg.Recompute.Artifacts.Gamma = "gamma_%s.json"

	cfg.Logging.Level = "INFO"
	cfg.Logging.MaxSizeMB = 50
	cfg.Logging.MaxBackups = 3

	return cfg
}

// Validate checks the configuration for values the metrics cannot work with
func (c *Config) Validate() error {
	var errs []error
	if c.Image.DynamicRange[0] >= c.Image.DynamicRange[1] {
		errs = append(errs, fmt.Errorf("image.dynamicRange must be increasing, got %v", c.Image.DynamicRange))
	}
	if len(c.Dose.Prescribed) == 0 {
		errs = append(errs, fmt.Errorf("dose.prescribed must name at least one region"))
	}
	for region, d := range c.Dose.Prescribed {
		if !(d > 0) {
			errs = append(errs, fmt.Errorf("dose.prescribed.%s must be positive, got %v", region, d))
		}
	}
	if c.Dose.Threshold < 0 || c.Dose.Threshold > 1 {
		errs = append(errs, fmt.Errorf("dose.threshold must be within [0, 1], got %v", c.Dose.Threshold))
	}
	if c.Recompute.Timeout < 0 {
		errs = append(errs, fmt.Errorf("recompute.timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

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
