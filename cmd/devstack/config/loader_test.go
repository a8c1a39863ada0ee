// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestValidateDefaults(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DevstackConfig)
	}{
		{"empty stack dir", func(c *DevstackConfig) { c.Stack.Dir = "" }},
		{"zero cpu", func(c *DevstackConfig) { c.Colima.CPU = 0 }},
		{"tiny disk", func(c *DevstackConfig) { c.Colima.Disk = 5 }},
		{"bad vault addr", func(c *DevstackConfig) { c.Vault.Addr = "not a url" }},
		{"threshold above shares", func(c *DevstackConfig) {
			c.Vault.Shares = 3
			c.Vault.Threshold = 5
		}},
		{"negative max backups", func(c *DevstackConfig) { c.Backups.MaxBackups = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("COLIMA_PROFILE", "bench")
	t.Setenv("COLIMA_CPU", "8")
	t.Setenv("COLIMA_MEMORY", "16")
	t.Setenv("VAULT_ADDR", "http://10.0.0.5:8200")
	t.Setenv("DEVSTACK_DIR", "/opt/stack")

	cfg := DefaultConfig()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "bench", cfg.Colima.Profile)
	assert.Equal(t, 8, cfg.Colima.CPU)
	assert.Equal(t, 16, cfg.Colima.Memory)
	assert.Equal(t, "http://10.0.0.5:8200", cfg.Vault.Addr)
	assert.Equal(t, "/opt/stack", cfg.Stack.Dir)
}

func TestApplyEnvOverridesIgnoresGarbage(t *testing.T) {
	t.Setenv("COLIMA_CPU", "many")
	t.Setenv("COLIMA_DISK", "-3")

	cfg := DefaultConfig()
	want := cfg.Colima
	applyEnvOverrides(&cfg)

	assert.Equal(t, want.CPU, cfg.Colima.CPU, "non-numeric override should be ignored")
	assert.Equal(t, want.Disk, cfg.Colima.Disk, "negative override should be ignored")
}

func TestCreateDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devstack.yaml")
	require.NoError(t, createDefault(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var cfg DevstackConfig
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, DefaultConfig().Stack.ProjectName, cfg.Stack.ProjectName)
	assert.Equal(t, DefaultConfig().Vault.Addr, cfg.Vault.Addr)
}

func TestEnvInt(t *testing.T) {
	t.Setenv("DEVSTACK_TEST_INT", "12")
	assert.Equal(t, 12, envInt("DEVSTACK_TEST_INT"))

	t.Setenv("DEVSTACK_TEST_INT", "")
	assert.Equal(t, 0, envInt("DEVSTACK_TEST_INT"))

	t.Setenv("DEVSTACK_TEST_INT", "12GB")
	assert.Equal(t, 0, envInt("DEVSTACK_TEST_INT"))
}
