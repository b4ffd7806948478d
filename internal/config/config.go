// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package config holds the patcher's build-time constants and the
// thin runtime overlay (YAML file, then flags) that lets an operator point
// a binary at a staging server without a rebuild.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config names every server-side constant the patcher needs to find its
// server plus the operational knobs the ambient stack needs (HTTP timeout,
// retry budget).
type Config struct {
	PatchServer string `yaml:"patch_server"`
	BaseDir     string `yaml:"base_dir"`
	BaseZip     string `yaml:"base_zip"`
	MetaDir     string `yaml:"meta_dir"`
	Patchlist   string `yaml:"patchlist"`
	Status      string `yaml:"status"`
	PatchDir    string `yaml:"patch_dir"`
	GameExe     string `yaml:"game_exe"`

	HTTPTimeout    time.Duration `yaml:"http_timeout"`
	Retries        int           `yaml:"retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	LaunchSettle   time.Duration `yaml:"launch_settle"`
	SidecarRetries int           `yaml:"sidecar_retries"`
	SidecarDelay   time.Duration `yaml:"sidecar_delay"`
}

// Default returns the built-in defaults. Callers overlay a config file
// and/or flags on top via Load.
func Default() Config {
	return Config{
		PatchServer: "https://patch.example.com",
		BaseDir:     "base",
		BaseZip:     "base.zip",
		MetaDir:     "meta",
		Patchlist:   "patchlist.json",
		Status:      "status.json",
		PatchDir:    "patch",
		GameExe:     "game.exe",

		HTTPTimeout:    30 * time.Second,
		Retries:        4,
		RetryDelay:     250 * time.Millisecond,
		LaunchSettle:   3 * time.Second,
		SidecarRetries: 5,
		SidecarDelay:   250 * time.Millisecond,
	}
}

// Load overlays a YAML config file (if path is non-empty) onto base. Only
// fields present in the file are changed; "file supplies defaults, flags
// win" is the caller's job (flags are applied after Load returns).
func Load(path string, base Config) (Config, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
