// Package config loads minikv's runtime configuration from an optional
// JWCC (JSON with comments/trailing commas) file, following the same
// defaults-then-global-then-project-then-CLI merge precedence the
// reference tool uses for its own config file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// ConfigFileName is the default project-local config file name.
const ConfigFileName = ".minikv.json"

// Config holds every tunable named in the protocol and resource-model
// sections of the design.
type Config struct {
	Port             int    `json:"port"`
	SnapshotPath     string `json:"snapshot_path"`
	SnapshotInterval int    `json:"snapshot_interval_ms"`
	IdleTimeoutMs    int    `json:"idle_timeout_ms"`
	MaxMsgBytes      int    `json:"max_msg_bytes"`
	MaxArgs          int    `json:"max_args"`
	SlotCount        int    `json:"slot_count"`
	DestroyWorkers   int    `json:"destroy_workers"`
}

// ErrEmptySnapshotPath is returned when the merged snapshot_path is the
// empty string, which would otherwise silently disable snapshotting. Only
// an explicit CLI override can produce it: merge ignores an empty
// snapshot_path in a config file, as it does every zero value.
var ErrEmptySnapshotPath = errors.New("config: snapshot_path must not be empty")

// Default returns the built-in defaults, used as the base of the merge
// chain before any file or CLI override is applied.
func Default() Config {
	return Config{
		Port:             7711,
		SnapshotPath:     "minikv.snapshot",
		SnapshotInterval: 60_000,
		IdleTimeoutMs:    120_000,
		MaxMsgBytes:      64 * 1024,
		MaxArgs:          1024,
		SlotCount:        16,
		DestroyWorkers:   2,
	}
}

// Load resolves Config by merging, lowest to highest precedence:
// built-in defaults, a global config file, a project-local config file
// (or an explicit path override), then CLI-supplied overrides. A missing
// global or default project config file is not an error; a missing
// explicit path, or an invalid file, is.
func Load(workDir, globalPath, explicitPath string, overrides Config, overridden map[string]bool) (Config, error) {
	cfg := Default()

	if globalPath != "" {
		fileCfg, loaded, err := loadFile(globalPath, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg = merge(cfg, fileCfg)
		}
	}

	projectPath := explicitPath
	mustExist := explicitPath != ""

	if projectPath == "" {
		projectPath = filepath.Join(workDir, ConfigFileName)
	}

	fileCfg, loaded, err := loadFile(projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg = merge(cfg, fileCfg)
	}

	cfg = applyOverrides(cfg, overrides, overridden)

	if cfg.SnapshotPath == "" {
		return Config{}, ErrEmptySnapshotPath
	}

	return cfg, nil
}

func loadFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("config: reading %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("config: %s: invalid JWCC: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, false, fmt.Errorf("config: %s: invalid JSON: %w", path, err)
	}

	return cfg, true, nil
}

// merge overlays only the fields overlay actually set (non-zero), so a
// partial config file never zeroes out fields it didn't mention.
func merge(base, overlay Config) Config {
	if overlay.Port != 0 {
		base.Port = overlay.Port
	}

	if overlay.SnapshotPath != "" {
		base.SnapshotPath = overlay.SnapshotPath
	}

	if overlay.SnapshotInterval != 0 {
		base.SnapshotInterval = overlay.SnapshotInterval
	}

	if overlay.IdleTimeoutMs != 0 {
		base.IdleTimeoutMs = overlay.IdleTimeoutMs
	}

	if overlay.MaxMsgBytes != 0 {
		base.MaxMsgBytes = overlay.MaxMsgBytes
	}

	if overlay.MaxArgs != 0 {
		base.MaxArgs = overlay.MaxArgs
	}

	if overlay.SlotCount != 0 {
		base.SlotCount = overlay.SlotCount
	}

	if overlay.DestroyWorkers != 0 {
		base.DestroyWorkers = overlay.DestroyWorkers
	}

	return base
}

// applyOverrides applies only the fields named true in overridden,
// letting a zero value (like port 0, which is meaningless here) win when
// the caller explicitly asked for it via a CLI flag.
func applyOverrides(base, overrides Config, overridden map[string]bool) Config {
	if overridden["port"] {
		base.Port = overrides.Port
	}

	if overridden["snapshot_path"] {
		base.SnapshotPath = overrides.SnapshotPath
	}

	return base
}

// Format renders cfg as indented JSON, for CONFIG-file inspection tooling.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("config: formatting: %w", err)
	}

	return string(data), nil
}
