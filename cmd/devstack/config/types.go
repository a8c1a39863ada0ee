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
)

// DevstackConfig is the top-level configuration for manage-devstack,
// loaded from ~/.devstack/devstack.yaml with coded defaults.
type DevstackConfig struct {
	// Stack configures the compose project.
	Stack StackConfig `yaml:"stack"`

	// Colima configures the container runtime VM (macOS).
	Colima ColimaConfig `yaml:"colima"`

	// Vault configures access to the Vault dev server.
	Vault VaultConfig `yaml:"vault"`

	// Backups configures backup placement and rotation.
	Backups BackupSettings `yaml:"backups"`

	// Health configures health-check polling.
	Health HealthSettings `yaml:"health"`
}

// StackConfig describes the compose project on disk.
type StackConfig struct {
	// Dir is the directory holding docker-compose.yml, .env,
	// configs/profiles.yaml and configs/profiles/<p>.env overlays.
	Dir string `yaml:"dir" validate:"required"`

	// ProjectName is the compose project name. Default "devstack".
	ProjectName string `yaml:"project_name"`

	// ComposeFile is the compose file name inside Dir.
	ComposeFile string `yaml:"compose_file"`

	// ContainerPrefix is the container_name prefix ("dev-").
	ContainerPrefix string `yaml:"container_prefix"`

	// DefaultProfile is used when start is invoked without a profile.
	DefaultProfile string `yaml:"default_profile"`
}

// ColimaConfig carries the VM provisioning knobs. These mirror the
// COLIMA_PROFILE / COLIMA_CPU / COLIMA_MEMORY / COLIMA_DISK environment
// variables, which still override the file values.
type ColimaConfig struct {
	Profile string `yaml:"profile"`
	CPU     int    `yaml:"cpu" validate:"gte=1"`
	// Memory is in GiB.
	Memory int `yaml:"memory" validate:"gte=1"`
	// Disk is in GiB.
	Disk int `yaml:"disk" validate:"gte=10"`
	// NetworkAddress asks colima to assign the VM a reachable IP.
	NetworkAddress bool `yaml:"network_address"`
}

// VaultConfig describes how to reach Vault and where its operator
// artifacts live on the host.
type VaultConfig struct {
	// Addr is the Vault API address. Default http://localhost:8200.
	Addr string `yaml:"addr" validate:"omitempty,url"`

	// ConfigDir holds keys.json, root-token and ca/. Default
	// ~/.config/vault.
	ConfigDir string `yaml:"config_dir"`

	// Container is the Vault container name for exec fallbacks.
	Container string `yaml:"container"`

	// Shares and Threshold are the Shamir parameters used by
	// vault-init.
	Shares    int `yaml:"shares" validate:"gte=1"`
	Threshold int `yaml:"threshold" validate:"gte=1,ltefield=Shares"`
}

// BackupSettings configures backup placement and rotation.
type BackupSettings struct {
	// Dir is the backups directory. Default: <stack dir>/backups.
	Dir string `yaml:"dir"`

	// MaxBackups is the number of backup directories kept by rotation.
	// 0 disables rotation.
	MaxBackups int `yaml:"max_backups" validate:"gte=0"`
}

// HealthSettings configures the health wait loop.
type HealthSettings struct {
	// TimeoutSeconds bounds `health --wait`. Default 60.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"gte=0"`

	// OTLPEndpoint, when set, receives a trace of each health run
	// (the stack's own collector, e.g. localhost:4317).
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// DefaultConfig returns the coded defaults. The stack dir defaults to
// the current working directory so the CLI works when run from a
// devstack checkout without any config file.
func DefaultConfig() DevstackConfig {
	stackDir, err := os.Getwd()
	if err != nil {
		stackDir = "."
	}

	home, err := os.UserHomeDir()
	vaultDir := filepath.Join(home, ".config", "vault")
	if err != nil {
		vaultDir = ".vault"
	}

	return DevstackConfig{
		Stack: StackConfig{
			Dir:             stackDir,
			ProjectName:     "devstack",
			ComposeFile:     "docker-compose.yml",
			ContainerPrefix: "dev-",
			DefaultProfile:  "standard",
		},
		Colima: ColimaConfig{
			Profile:        "default",
			CPU:            4,
			Memory:         8,
			Disk:           60,
			NetworkAddress: true,
		},
		Vault: VaultConfig{
			Addr:      "http://localhost:8200",
			ConfigDir: vaultDir,
			Container: "dev-vault",
			Shares:    5,
			Threshold: 3,
		},
		Backups: BackupSettings{
			MaxBackups: 5,
		},
		Health: HealthSettings{
			TimeoutSeconds: 60,
		},
	}
}
