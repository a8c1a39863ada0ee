// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/devstack/cmd/devstack/config"
	"github.com/AleutianAI/devstack/cmd/devstack/internal/infra/compose"
	"github.com/AleutianAI/devstack/cmd/devstack/internal/infra/process"
	"github.com/AleutianAI/devstack/pkg/logging"
)

// Global flags, bound to the root command.
var (
	flagProfiles []string
	flagJSON     bool
	flagQuiet    bool
	flagYes      bool
	flagVerbose  bool
)

// logger is the process-wide logger, built in PersistentPreRun once
// the verbosity flags are known.
var logger = logging.Default()

var rootCmd = &cobra.Command{
	Use:   "manage-devstack",
	Short: "Manage the local development stack",
	Long: `manage-devstack runs the local development stack: a Colima VM,
docker compose services on top of it, and a Vault instance that holds
every service credential.

Typical first run:
  manage-devstack start --profile standard
  manage-devstack vault-init
  manage-devstack vault-bootstrap
  manage-devstack redis-cluster-init`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringSliceVarP(&flagProfiles, "profile", "p", nil,
		"Compose profile(s) to operate on (repeatable)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false,
		"Output as JSON for scripting")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false,
		"Suppress output, rely on exit codes")
	rootCmd.PersistentFlags().BoolVarP(&flagYes, "yes", "y", false,
		"Assume yes for confirmation prompts")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false,
		"Enable debug logging")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(ipCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(resetCmd)

	rootCmd.AddCommand(healthCmd)

	rootCmd.AddCommand(vaultInitCmd)
	rootCmd.AddCommand(vaultBootstrapCmd)
	rootCmd.AddCommand(vaultStatusCmd)
	rootCmd.AddCommand(vaultUnsealCmd)
	rootCmd.AddCommand(vaultTokenCmd)
	rootCmd.AddCommand(vaultShowPasswordCmd)
	rootCmd.AddCommand(vaultCACertCmd)

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)

	rootCmd.AddCommand(forgejoInitCmd)
	rootCmd.AddCommand(redisClusterInitCmd)
}

// outputConfig builds the OutputConfig from the global flags.
func outputConfig() OutputConfig {
	return OutputConfig{JSON: flagJSON, Quiet: flagQuiet}
}

// effectiveProfiles returns the --profile values, falling back to the
// configured default profile.
func effectiveProfiles() []string {
	if len(flagProfiles) > 0 {
		return flagProfiles
	}
	return []string{config.Global.Stack.DefaultProfile}
}

// stackDir resolves and validates the stack checkout directory.
func stackDir() (string, error) {
	dir, err := getStackDir(config.Global.Stack.Dir)
	if err != nil {
		return "", err
	}
	if err := ensureStackDir(dir, config.Global.Stack.ComposeFile); err != nil {
		return "", err
	}
	return dir, nil
}

// newExecutor builds the compose executor against the resolved stack
// directory.
func newExecutor() (compose.Executor, string, error) {
	dir, err := stackDir()
	if err != nil {
		return nil, "", err
	}
	executor, err := compose.NewDefaultExecutor(compose.Config{
		StackDir:            dir,
		ProjectName:         config.Global.Stack.ProjectName,
		ComposeFile:         config.Global.Stack.ComposeFile,
		ContainerNamePrefix: config.Global.Stack.ContainerPrefix,
	}, process.NewExecRunner(), logger)
	if err != nil {
		return nil, "", err
	}
	return executor, dir, nil
}

// newVaultManager builds the vault manager with the keystore at the
// configured vault config dir.
func newVaultManager() (*VaultManager, error) {
	keystore, err := NewVaultKeystore(config.Global.Vault.ConfigDir)
	if err != nil {
		return nil, err
	}
	return NewVaultManager(VaultManagerConfig{
		Addr:      config.Global.Vault.Addr,
		Shares:    config.Global.Vault.Shares,
		Threshold: config.Global.Vault.Threshold,
	}, keystore, logger)
}

// newInfraManager builds the Colima manager from the configured VM
// sizing.
func newInfraManager() (*ColimaManager, error) {
	return NewColimaManager(process.NewExecRunner(), ColimaOptions{
		Profile:        config.Global.Colima.Profile,
		CPU:            config.Global.Colima.CPU,
		MemoryGiB:      config.Global.Colima.Memory,
		DiskGiB:        config.Global.Colima.Disk,
		NetworkAddress: config.Global.Colima.NetworkAddress,
	}, logger)
}

// newStackManager wires the full stack manager. Vault is optional:
// a broken vault config degrades start to "no unseal" instead of
// failing outright.
func newStackManager() (*DefaultStackManager, error) {
	executor, dir, err := newExecutor()
	if err != nil {
		return nil, err
	}
	infra, err := newInfraManager()
	if err != nil {
		return nil, err
	}
	vault, err := newVaultManager()
	if err != nil {
		logger.Warn("vault manager unavailable", "error", err)
		vault = nil
	}
	health := NewDefaultHealthChecker(executor, HealthCheckerConfig{
		ContainerNamePrefix: config.Global.Stack.ContainerPrefix,
	})
	lock := process.NewFileLock(process.DefaultLockConfig())
	resolver := &ProfileResolver{StackDir: dir}
	return NewStackManager(infra, executor, resolver, vault, health, lock, logger)
}

// newBackupManager wires the backup manager. The backups dir comes
// from config, defaulting to <stack dir>/backups.
func newBackupManager() (*DefaultStackBackupManager, error) {
	executor, dir, err := newExecutor()
	if err != nil {
		return nil, err
	}
	vault, err := newVaultManager()
	if err != nil {
		logger.Warn("vault manager unavailable, mysql backup will be skipped", "error", err)
		vault = nil
	}
	backupsDir := config.Global.Backups.Dir
	if backupsDir == "" {
		backupsDir = filepath.Join(dir, "backups")
	}
	return NewStackBackupManager(executor, vault, BackupConfig{
		BackupsDir: backupsDir,
		StackDir:   dir,
		MaxBackups: config.Global.Backups.MaxBackups,
	}, logger)
}

// healthTimeout returns the configured health gate timeout.
func healthTimeout() time.Duration {
	if config.Global.Health.TimeoutSeconds > 0 {
		return time.Duration(config.Global.Health.TimeoutSeconds) * time.Second
	}
	return DefaultHealthWaitTimeout
}
