// Package config holds agent-wide tunables loaded from a TOML file, with
// environment-variable overrides — the same override pattern
// steveyegge-beads' internal/rpc.NewServer applies to its daemon
// defaults (BEADS_DAEMON_MAX_CACHE_SIZE and friends), adapted here to the
// agent core's own knobs.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config holds every tunable the agent core's packages read instead of
// hard-coding.
type Config struct {
	Scanner ScannerConfig `toml:"scanner"`
	Hooks   HooksConfig   `toml:"hooks"`
	Strings StringsConfig `toml:"strings"`
	Nop     NopConfig     `toml:"nop"`
}

type ScannerConfig struct {
	MaxResults   int     `toml:"max_results"`
	FloatEpsilon float64 `toml:"float_epsilon"`
}

type HooksConfig struct {
	DefaultArgSampleCount int `toml:"default_arg_sample_count"`
}

type StringsConfig struct {
	DefaultCap int `toml:"default_cap"`
}

// NopConfig maps an architecture name to its NOP byte encoding, as a hex
// string (e.g. "90" for x64, "1f2003d5" for arm64). internal/patch falls
// back to its own built-in table when a Config is not supplied.
type NopConfig struct {
	Encodings map[string]string `toml:"encodings"`
}

// Default returns the built-in tunables matching spec.md's stated
// defaults (256-byte string cap, 1000-entry scan result cap, 1e-4 float
// scan epsilon).
func Default() *Config {
	return &Config{
		Scanner: ScannerConfig{MaxResults: 1000, FloatEpsilon: 1e-4},
		Hooks:   HooksConfig{DefaultArgSampleCount: 4},
		Strings: StringsConfig{DefaultCap: 256},
		Nop: NopConfig{Encodings: map[string]string{
			"x64":   "90",
			"ia32":  "90",
			"arm":   "00f020e3",
			"arm64": "1f2003d5",
		}},
	}
}

// Load reads a TOML config file, starting from Default() so an absent or
// partial file still yields workable values, then applies any
// AGENTCORE_-prefixed environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("AGENTCORE_SCAN_MAX_RESULTS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scanner.MaxResults = n
		}
	}
	if v, ok := os.LookupEnv("AGENTCORE_SCAN_FLOAT_EPSILON"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Scanner.FloatEpsilon = f
		}
	}
	if v, ok := os.LookupEnv("AGENTCORE_STRING_CAP"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Strings.DefaultCap = n
		}
	}
}
