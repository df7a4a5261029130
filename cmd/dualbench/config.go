package main

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// benchNames lists the runnable benchmarks in execution order.
var benchNames = []string{"plain", "index", "range", "dictionary", "all_in_par"}

// Config describes one benchmark run.
type Config struct {
	Total   int64    `yaml:"total"`
	MemMB   int64    `yaml:"mem_mb"`
	Dir     string   `yaml:"dir"`
	Benches []string `yaml:"benches"`
	Backend string   `yaml:"backend"`
	// Keep leaves the run directory in place after the benchmarks finish.
	Keep bool `yaml:"keep"`
}

func defaultConfig() *Config {
	return &Config{
		Total:   1_000_000,
		MemMB:   256,
		Dir:     os.TempDir(),
		Benches: []string{"plain", "index", "range", "dictionary"},
		Backend: "pebble",
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects unknown benchmarks and non-positive sizes.
func (c *Config) Validate() error {
	if c.Total <= 0 {
		return fmt.Errorf("total must be positive, got %d", c.Total)
	}
	if c.MemMB <= 0 {
		return fmt.Errorf("mem_mb must be positive, got %d", c.MemMB)
	}
	if len(c.Benches) == 0 {
		return fmt.Errorf("no benchmarks selected")
	}
	for _, b := range c.Benches {
		if !slices.Contains(benchNames, b) {
			return fmt.Errorf("unknown benchmark %q (want one of %s)", b, strings.Join(benchNames, ", "))
		}
	}
	return nil
}

// parseBenches splits a comma separated list, dropping blanks.
func parseBenches(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
