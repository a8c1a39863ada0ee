// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up all service data to a timestamped directory",
	Long: `Dumps PostgreSQL, MySQL, and MongoDB, archives the Forgejo data
directory, and copies the stack .env into backups/<timestamp>/ under
the stack directory. Services that are not running are skipped with a
warning. Old backups beyond the configured retention are removed.`,
	Run: runBackupCommand,
}

var restoreCmd = &cobra.Command{
	Use:   "restore [backup-name]",
	Short: "Restore service data from a backup",
	Long: `Restores every artifact found in the named backup, overwriting the
current service data. With no argument, lists available backups.

The stack must be running with the services being restored.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRestoreCommand,
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runBackupCommand(cmd *cobra.Command, args []string) {
	start := time.Now()
	manager, err := newBackupManager()
	if err != nil {
		OutputError(flagJSON, "Failed to initialize", err)
		os.Exit(CLIExitError)
	}

	var result *BackupResult
	err = SpinWhileContext(cmd.Context(), "Backing up devstack data", func() error {
		var backupErr error
		result, backupErr = manager.Create(cmd.Context())
		return backupErr
	})
	if err != nil {
		os.Exit(OutputResult(outputConfig(), "backup", start, nil, false, err))
	}

	if !flagJSON && !flagQuiet {
		fmt.Printf("Backup written to %s\n", result.Dir)
		for _, a := range result.Artifacts {
			fmt.Printf("  %-24s %s\n", a.Name, formatBytes(a.SizeBytes))
		}
		for _, s := range result.Skipped {
			fmt.Printf("  %-24s skipped\n", s)
		}
	}
	// Skipped services mean the backup is partial.
	os.Exit(OutputResult(outputConfig(), "backup", start, result, len(result.Skipped) > 0, nil))
}

func runRestoreCommand(cmd *cobra.Command, args []string) {
	start := time.Now()
	manager, err := newBackupManager()
	if err != nil {
		OutputError(flagJSON, "Failed to initialize", err)
		os.Exit(CLIExitError)
	}

	if len(args) == 0 {
		listBackups(manager)
		return
	}
	name := args[0]

	confirmed, err := confirmDestructive(fmt.Sprintf("Restore backup %s?", name),
		"Current service data will be overwritten with the backup contents.",
		flagYes)
	if err != nil {
		OutputError(flagJSON, "Confirmation failed", err)
		os.Exit(CLIExitError)
	}
	if !confirmed {
		fmt.Fprintln(os.Stderr, "Restore cancelled")
		os.Exit(CLIExitError)
	}

	err = SpinWhileContext(cmd.Context(), "Restoring "+name, func() error {
		return manager.Restore(cmd.Context(), name)
	})
	if err == nil && !flagJSON && !flagQuiet {
		fmt.Println("Restore complete. Restart the stack to pick up restored configuration:")
		fmt.Println("  manage-devstack restart")
	}
	os.Exit(OutputResult(outputConfig(), "restore", start, nil, false, err))
}

// listBackups prints the available backups, newest first.
func listBackups(manager StackBackupManager) {
	backups, err := manager.List()
	if err != nil {
		OutputError(flagJSON, "Failed to list backups", err)
		os.Exit(CLIExitError)
	}

	if flagJSON {
		OutputJSON(backups, false)
		os.Exit(CLIExitSuccess)
	}
	if len(backups) == 0 {
		fmt.Println("No backups found. Create one with: manage-devstack backup")
		os.Exit(CLIExitSuccess)
	}
	fmt.Println("Available backups:")
	for _, b := range backups {
		fmt.Printf("  %s  %8s  %d artifact(s)\n", b.Name, formatBytes(b.SizeBytes), countArtifacts(b))
	}
	fmt.Println("\nRestore with: manage-devstack restore <name>")
	os.Exit(CLIExitSuccess)
}

// countArtifacts prefers the manifest count, falling back to zero for
// backups without one.
func countArtifacts(b BackupInfo) int {
	if b.Manifest == nil {
		return 0
	}
	return len(b.Manifest.Artifacts)
}
