// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	// Global is the process-wide config singleton.
	Global DevstackConfig
	once   sync.Once
)

// Load ensures the config is loaded into Global. The first run creates
// ~/.devstack/devstack.yaml with defaults so users have something to
// edit.
func Load() error {
	var err error
	once.Do(func() {
		err = loadInternal()
	})
	return err
}

func loadInternal() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("could not find the user's home directory: %w", err)
	}
	configPath := filepath.Join(home, ".devstack", "devstack.yaml")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Printf(" First run detected, creating the config at %s\n", configPath)
		if err := createDefault(configPath); err != nil {
			return err
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := DefaultConfig()
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", configPath, err)
	}

	applyEnvOverrides(&cfg)

	if err := Validate(cfg); err != nil {
		return err
	}

	Global = cfg
	return nil
}

// Validate checks a config against the struct validation tags.
func Validate(cfg DevstackConfig) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyEnvOverrides honors the legacy environment knobs, which win
// over the config file.
func applyEnvOverrides(cfg *DevstackConfig) {
	if v := os.Getenv("COLIMA_PROFILE"); v != "" {
		cfg.Colima.Profile = v
	}
	if v := envInt("COLIMA_CPU"); v > 0 {
		cfg.Colima.CPU = v
	}
	if v := envInt("COLIMA_MEMORY"); v > 0 {
		cfg.Colima.Memory = v
	}
	if v := envInt("COLIMA_DISK"); v > 0 {
		cfg.Colima.Disk = v
	}
	if v := os.Getenv("VAULT_ADDR"); v != "" {
		cfg.Vault.Addr = v
	}
	if v := os.Getenv("DEVSTACK_DIR"); v != "" {
		cfg.Stack.Dir = v
	}
}

func envInt(key string) int {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
