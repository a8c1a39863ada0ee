// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Stack.ProjectName != "devstack" {
		t.Errorf("ProjectName = %q", cfg.Stack.ProjectName)
	}
	if cfg.Stack.ContainerPrefix != "dev-" {
		t.Errorf("ContainerPrefix = %q", cfg.Stack.ContainerPrefix)
	}
	if cfg.Colima.CPU != 4 || cfg.Colima.Memory != 8 || cfg.Colima.Disk != 60 {
		t.Errorf("colima defaults = %+v", cfg.Colima)
	}
	if cfg.Vault.Addr != "http://localhost:8200" {
		t.Errorf("Vault.Addr = %q", cfg.Vault.Addr)
	}
	if cfg.Vault.Shares != 5 || cfg.Vault.Threshold != 3 {
		t.Errorf("shamir defaults = %d/%d", cfg.Vault.Shares, cfg.Vault.Threshold)
	}
	if !strings.HasSuffix(cfg.Vault.ConfigDir, ".config/vault") && cfg.Vault.ConfigDir != ".vault" {
		t.Errorf("Vault.ConfigDir = %q", cfg.Vault.ConfigDir)
	}
	if cfg.Backups.MaxBackups != 5 {
		t.Errorf("MaxBackups = %d", cfg.Backups.MaxBackups)
	}
}

func TestDefaultConfig_Validates(t *testing.T) {
	if err := Validate(DefaultConfig()); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DevstackConfig)
	}{
		{"missing stack dir", func(c *DevstackConfig) { c.Stack.Dir = "" }},
		{"zero cpu", func(c *DevstackConfig) { c.Colima.CPU = 0 }},
		{"tiny disk", func(c *DevstackConfig) { c.Colima.Disk = 5 }},
		{"threshold above shares", func(c *DevstackConfig) { c.Vault.Threshold = 9 }},
		{"bad vault addr", func(c *DevstackConfig) { c.Vault.Addr = "not a url" }},
		{"negative rotation", func(c *DevstackConfig) { c.Backups.MaxBackups = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfig_YAMLRoundTrip(t *testing.T) {
	in := DefaultConfig()
	in.Stack.Dir = "/opt/devstack"
	in.Colima.Profile = "work"

	data, err := yaml.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out DevstackConfig
	if err := yaml.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if out.Stack.Dir != "/opt/devstack" || out.Colima.Profile != "work" {
		t.Errorf("round trip lost values: %+v", out)
	}
}

func TestApplyEnvOverridesUnparseable(t *testing.T) {
	t.Setenv("COLIMA_PROFILE", "ci")
	t.Setenv("COLIMA_CPU", "8")
	t.Setenv("COLIMA_MEMORY", "not-a-number")
	t.Setenv("VAULT_ADDR", "http://127.0.0.1:8201")

	cfg := DefaultConfig()
	applyEnvOverrides(&cfg)

	if cfg.Colima.Profile != "ci" {
		t.Errorf("Profile = %q", cfg.Colima.Profile)
	}
	if cfg.Colima.CPU != 8 {
		t.Errorf("CPU = %d", cfg.Colima.CPU)
	}
	// Unparseable values leave the default in place.
	if cfg.Colima.Memory != 8 {
		t.Errorf("Memory = %d", cfg.Colima.Memory)
	}
	if cfg.Vault.Addr != "http://127.0.0.1:8201" {
		t.Errorf("Vault.Addr = %q", cfg.Vault.Addr)
	}
}
