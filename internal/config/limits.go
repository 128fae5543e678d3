package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// limitsYAML is the on-disk shape of the optional threshold override file.
type limitsYAML struct {
	CalibrationLimit int `yaml:"calibration_limit"`
	UncertaintyLimit int `yaml:"uncertainty_limit"`
}

// applyLimitsFile overrides the stage thresholds from a mounted YAML file.
// Zero values in the file leave the corresponding env value untouched.
func (c *Config) applyLimitsFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("op=config.limits_file: %w", err)
	}
	var l limitsYAML
	if err := yaml.Unmarshal(raw, &l); err != nil {
		return fmt.Errorf("op=config.limits_file: %w", err)
	}
	if l.CalibrationLimit > 0 {
		c.CalibrationLimit = l.CalibrationLimit
	}
	if l.UncertaintyLimit > 0 {
		c.UncertaintyLimit = l.UncertaintyLimit
	}
	return nil
}
