// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/devstack/cmd/devstack/internal/infra/compose"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	startSkipHealth bool   // Skip the post-start health gate
	logsFollow      bool   // Stream logs until interrupted
	logsTail        int    // Lines of history per service
	shellProgram    string // Explicit shell, empty for auto-detect
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the VM and the selected compose profiles",
	Long: `Starts the Colima VM if needed, tears down containers left over
from a previous profile selection, brings the selected profiles up,
unseals Vault when keys are on disk, and waits for services to report
healthy.

Examples:
  manage-devstack start                      # default profile
  manage-devstack start --profile minimal
  manage-devstack start -p standard --skip-health`,
	Run: runStartCommand,
}

var stopCmd = &cobra.Command{
	Use:   "stop [service...]",
	Short: "Stop the stack, or just the named services",
	Long: `Without arguments, takes every compose profile down and stops the
Colima VM. With service names, stops only those containers and leaves
the rest of the stack running. Data volumes survive; use reset to
destroy them.`,
	Run: runStopCommand,
}

var restartCmd = &cobra.Command{
	Use:   "restart [service...]",
	Short: "Restart services, or the whole stack when none are named",
	Run:   runRestartCommand,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show VM and container status",
	Run:   runStatusCommand,
}

var ipCmd = &cobra.Command{
	Use:   "ip",
	Short: "Print the VM's network address",
	Long:  `Prints the Colima VM's reachable address. Requires the VM to have been started with network address assignment enabled.`,
	Run:   runIPCommand,
}

var logsCmd = &cobra.Command{
	Use:   "logs [service...]",
	Short: "Show container logs",
	Run:   runLogsCommand,
}

var shellCmd = &cobra.Command{
	Use:   "shell <service>",
	Short: "Open an interactive shell in a service container",
	Long: `Opens an interactive shell in the named service's container. Runs
bash when the image ships it, sh otherwise; use --shell to pick an
explicit program.`,
	Args: cobra.ExactArgs(1),
	Run:  runShellCommand,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Destroy the stack: containers, volumes, VM, and Vault keys",
	Long: `Destroys everything: takes all containers down with their data
volumes, deletes the Colima VM, and removes the stored Vault unseal
keys, root token, and CA chain. All service data is lost.`,
	Run: runResetCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	startCmd.Flags().BoolVar(&startSkipHealth, "skip-health", false,
		"Skip waiting for services to report healthy")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false,
		"Stream logs until interrupted")
	logsCmd.Flags().IntVar(&logsTail, "tail", 100,
		"Lines of history to show per service")
	shellCmd.Flags().StringVarP(&shellProgram, "shell", "s", "",
		"Shell to run (default: bash when present, else sh)")
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runStartCommand(cmd *cobra.Command, args []string) {
	start := time.Now()
	manager, err := newStackManager()
	if err != nil {
		OutputError(flagJSON, "Failed to initialize", err)
		os.Exit(CLIExitError)
	}

	profiles := effectiveProfiles()
	result, err := manager.Start(cmd.Context(), StartOptions{
		Profiles:      profiles,
		SkipHealth:    startSkipHealth,
		HealthTimeout: healthTimeout(),
	})
	if err != nil {
		code := OutputResult(outputConfig(), "start", start, healthData(result), false, err)
		os.Exit(code)
	}

	if !flagJSON && !flagQuiet {
		fmt.Printf("Stack is up with profile(s) %v\n", profiles)
		if result != nil {
			fmt.Printf("All %d service(s) healthy in %s\n", len(result.Services), result.Duration.Round(time.Millisecond))
		}
	}
	os.Exit(OutputResult(outputConfig(), "start", start, healthData(result), false, nil))
}

// healthData converts a possibly nil WaitResult for the JSON envelope.
func healthData(result *WaitResult) interface{} {
	if result == nil {
		return nil
	}
	return result
}

func runStopCommand(cmd *cobra.Command, args []string) {
	start := time.Now()
	manager, err := newStackManager()
	if err != nil {
		OutputError(flagJSON, "Failed to initialize", err)
		os.Exit(CLIExitError)
	}

	message := "Stopping devstack"
	if len(args) > 0 {
		message = fmt.Sprintf("Stopping %d service(s)", len(args))
	}
	err = SpinWhileContext(cmd.Context(), message, func() error {
		return manager.Stop(cmd.Context(), args)
	})
	os.Exit(OutputResult(outputConfig(), "stop", start, nil, false, err))
}

func runRestartCommand(cmd *cobra.Command, args []string) {
	start := time.Now()
	manager, err := newStackManager()
	if err != nil {
		OutputError(flagJSON, "Failed to initialize", err)
		os.Exit(CLIExitError)
	}

	err = manager.Restart(cmd.Context(), args)
	os.Exit(OutputResult(outputConfig(), "restart", start, nil, false, err))
}

func runStatusCommand(cmd *cobra.Command, args []string) {
	start := time.Now()
	manager, err := newStackManager()
	if err != nil {
		OutputError(flagJSON, "Failed to initialize", err)
		os.Exit(CLIExitError)
	}

	result, err := manager.Status(cmd.Context())
	if err != nil {
		os.Exit(OutputResult(outputConfig(), "status", start, nil, false, err))
	}

	if !flagJSON && !flagQuiet {
		printStatus(result)
	}
	// A stopped VM or stopped containers are findings, not errors.
	hasFindings := !result.VMRunning || result.Running < result.Total
	os.Exit(OutputResult(outputConfig(), "status", start, result, hasFindings, nil))
}

// printStatus renders the human-readable status report.
func printStatus(result *StackStatusResult) {
	if !result.VMRunning {
		fmt.Println("VM: stopped (run: manage-devstack start)")
		return
	}
	fmt.Printf("VM: running (profile %s", result.Profile)
	if result.VMAddress != "" {
		fmt.Printf(", address %s", result.VMAddress)
	}
	fmt.Println(")")

	if result.Total == 0 {
		fmt.Println("Containers: none")
		return
	}
	fmt.Printf("Containers: %d/%d running\n", result.Running, result.Total)
	for _, c := range result.Containers {
		health := c.Health
		if health == "" {
			health = "-"
		}
		fmt.Printf("  %-24s %-10s %s\n", c.Name, c.State, health)
	}
}

func runIPCommand(cmd *cobra.Command, args []string) {
	manager, err := newStackManager()
	if err != nil {
		OutputError(flagJSON, "Failed to initialize", err)
		os.Exit(CLIExitError)
	}

	addr, err := manager.IPAddress(cmd.Context())
	if err != nil {
		OutputError(flagJSON, "Could not determine VM address", err)
		os.Exit(CLIExitError)
	}
	fmt.Println(addr)
	os.Exit(CLIExitSuccess)
}

func runLogsCommand(cmd *cobra.Command, args []string) {
	executor, _, err := newExecutor()
	if err != nil {
		OutputError(flagJSON, "Failed to initialize", err)
		os.Exit(CLIExitError)
	}

	// Follow mode streams until the user interrupts; no timeout.
	ctx := cmd.Context()
	if !logsFollow {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultComposeTimeout)
		defer cancel()
	}

	err = executor.Logs(ctx, compose.LogsOptions{
		Services: args,
		Follow:   logsFollow,
		Tail:     logsTail,
	}, os.Stdout, os.Stderr)
	if err != nil {
		OutputError(flagJSON, "Log streaming failed", err)
		os.Exit(CLIExitError)
	}
	os.Exit(CLIExitSuccess)
}

func runShellCommand(cmd *cobra.Command, args []string) {
	executor, _, err := newExecutor()
	if err != nil {
		OutputError(flagJSON, "Failed to initialize", err)
		os.Exit(CLIExitError)
	}

	code, err := executor.ExecInteractive(cmd.Context(), args[0], nil,
		shellArgv(shellProgram)...)
	if err != nil {
		OutputError(flagJSON, "Shell failed", err)
		os.Exit(CLIExitError)
	}
	os.Exit(code)
}

// shellArgv builds the in-container command for the shell session.
//
// With an explicit program the command is just that program. Otherwise
// it probes for bash before exec'ing it: a plain `exec bash || exec sh`
// would not work, because a failed exec terminates a non-interactive
// POSIX shell before the fallback runs.
func shellArgv(program string) []string {
	if program != "" {
		return []string{program}
	}
	return []string{"sh", "-c", "command -v bash >/dev/null 2>&1 && exec bash; exec sh"}
}

func runResetCommand(cmd *cobra.Command, args []string) {
	start := time.Now()
	confirmed, err := confirmDestructive("Reset the devstack?",
		"This deletes all containers, data volumes, the VM, and the stored Vault keys.",
		flagYes)
	if err != nil {
		OutputError(flagJSON, "Confirmation failed", err)
		os.Exit(CLIExitError)
	}
	if !confirmed {
		fmt.Fprintln(os.Stderr, "Reset cancelled")
		os.Exit(CLIExitError)
	}

	manager, err := newStackManager()
	if err != nil {
		OutputError(flagJSON, "Failed to initialize", err)
		os.Exit(CLIExitError)
	}

	err = manager.Reset(cmd.Context())
	os.Exit(OutputResult(outputConfig(), "reset", start, nil, false, err))
}
