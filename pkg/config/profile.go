package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a named tuning overlay. Deployments with slow counterparties
// raise the lease duration and retry delay without touching the
// environment.
type Profile struct {
	Name                     string `yaml:"name"`
	LeaseDurationMs          int    `yaml:"lease_duration_ms"`
	PollIntervalMs           int    `yaml:"poll_interval_ms"`
	MaxBatchSize             int    `yaml:"max_batch_size"`
	MaxStateCountBeforeFatal int    `yaml:"max_state_count_before_fatal"`
	RetryBaseDelayMs         int    `yaml:"retry_base_delay_ms"`
}

// LoadProfile reads profile_<name>.yaml from the profiles directory.
func LoadProfile(profilesDir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	return &profile, nil
}

// Apply overlays the profile's non-zero fields onto the config.
func (p *Profile) Apply(cfg *Config) {
	if p.LeaseDurationMs > 0 {
		cfg.LeaseDuration = time.Duration(p.LeaseDurationMs) * time.Millisecond
	}
	if p.PollIntervalMs > 0 {
		cfg.PollInterval = time.Duration(p.PollIntervalMs) * time.Millisecond
	}
	if p.MaxBatchSize > 0 {
		cfg.MaxBatchSize = p.MaxBatchSize
	}
	if p.MaxStateCountBeforeFatal > 0 {
		cfg.MaxStateCountBeforeFatal = p.MaxStateCountBeforeFatal
	}
	if p.RetryBaseDelayMs > 0 {
		cfg.RetryBaseDelay = time.Duration(p.RetryBaseDelayMs) * time.Millisecond
	}
}
