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

	"github.com/AleutianAI/devstack/cmd/devstack/config"
)

// healthStateDir is where run history lives, next to the config file.
const healthStateDir = "~/.devstack"

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	healthWait        bool // Poll until healthy instead of a single pass
	healthWaitTimeout time.Duration
	healthHistory     int // Show the last N runs instead of checking
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// healthCmd checks every stack service.
//
// # Description
//
// Runs the per-service health probes (HTTP, TCP, AMQP, Redis PING,
// container state) for the services of the selected profiles. With
// --wait it polls with backoff until all critical services pass or
// the timeout expires. Each run is appended to a local history file,
// and exported as a trace when an OTLP endpoint is configured.
//
// # Examples
//
//	manage-devstack health                 # single pass
//	manage-devstack health --wait          # poll until healthy
//	manage-devstack health --json          # JSON output for scripting
//	manage-devstack health --history 5     # show recent runs
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check health of the stack services",
	Run:   runStackHealthCommand,
}

func init() {
	healthCmd.Flags().BoolVarP(&healthWait, "wait", "w", false,
		"Poll with backoff until all critical services are healthy")
	healthCmd.Flags().DurationVar(&healthWaitTimeout, "timeout", 0,
		"Overall timeout for --wait (default from config)")
	healthCmd.Flags().IntVar(&healthHistory, "history", 0,
		"Show the last N health runs and exit")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runStackHealthCommand(cmd *cobra.Command, args []string) {
	start := time.Now()

	if healthHistory > 0 {
		showHealthHistory(healthHistory)
		return
	}

	executor, _, err := newExecutor()
	if err != nil {
		OutputError(flagJSON, "Failed to initialize", err)
		os.Exit(CLIExitError)
	}
	checker := NewDefaultHealthChecker(executor, HealthCheckerConfig{
		ContainerNamePrefix: config.Global.Stack.ContainerPrefix,
	})

	defs, err := selectedServiceDefinitions()
	if err != nil {
		OutputError(flagJSON, "Failed to resolve profiles", err)
		os.Exit(CLIExitError)
	}

	opts := DefaultWaitOptions()
	opts.Timeout = healthTimeout()
	if healthWaitTimeout > 0 {
		opts.Timeout = healthWaitTimeout
	}
	if !healthWait {
		// Single pass: one round of checks, no retries.
		opts.Timeout = MinHTTPTimeout
		opts.FailFast = false
	}

	exporter, err := NewHealthTraceExporter(cmd.Context(), config.Global.Health.OTLPEndpoint)
	if err != nil {
		logger.Warn("trace export disabled", "error", err)
		exporter = NoOpHealthExporter{}
	}
	ctx, finish := exporter.StartHealthRunSpan(cmd.Context(), "cli")

	result, err := checker.WaitForServices(ctx, defs, opts)
	finish(err)
	if result != nil {
		exporter.ExportWaitResult(ctx, result)
	}
	exporter.Shutdown(cmd.Context())

	if err != nil {
		os.Exit(OutputResult(outputConfig(), "health", start, result, false, err))
	}

	recordHealthHistory(result)

	if !flagJSON && !flagQuiet {
		printHealthReport(result)
	}
	os.Exit(OutputResult(outputConfig(), "health", start, result, !result.Success, nil))
}

// selectedServiceDefinitions filters the known service checks down to
// the services of the selected profiles. Falls back to all known
// services when the stack dir has no profiles file.
func selectedServiceDefinitions() ([]ServiceDefinition, error) {
	defs := DefaultServiceDefinitions()
	dir, err := stackDir()
	if err != nil {
		return nil, err
	}
	resolver := &ProfileResolver{StackDir: dir}
	services, err := resolver.Services(effectiveProfiles())
	if err != nil {
		logger.Debug("profile resolution failed, checking all services", "error", err)
		return defs, nil
	}
	return FilterDefinitions(defs, services), nil
}

// recordHealthHistory appends the run to the local history file.
// Failures only log; history is advisory.
func recordHealthHistory(result *WaitResult) {
	history, err := NewJSONLHealthHistory(healthStateDir)
	if err != nil {
		logger.Debug("health history unavailable", "error", err)
		return
	}
	if err := history.Append(result); err != nil {
		logger.Debug("health history append failed", "error", err)
	}
}

// showHealthHistory prints the most recent runs.
func showHealthHistory(n int) {
	history, err := NewJSONLHealthHistory(healthStateDir)
	if err != nil {
		OutputError(flagJSON, "Health history unavailable", err)
		os.Exit(CLIExitError)
	}
	entries, err := history.Recent(n)
	if err != nil {
		OutputError(flagJSON, "Failed to read health history", err)
		os.Exit(CLIExitError)
	}

	if flagJSON {
		OutputJSON(entries, false)
		os.Exit(CLIExitSuccess)
	}
	if len(entries) == 0 {
		fmt.Println("No health runs recorded yet")
		os.Exit(CLIExitSuccess)
	}
	for _, e := range entries {
		verdict := "healthy"
		if !e.Healthy {
			verdict = fmt.Sprintf("unhealthy (%v)", e.Failed)
		}
		fmt.Printf("%s  %-9s  %dms\n", e.Timestamp.Format(time.RFC3339), verdict, e.DurationMs)
	}
	os.Exit(CLIExitSuccess)
}

// printHealthReport renders the human-readable per-service report.
func printHealthReport(result *WaitResult) {
	for _, s := range result.Services {
		mark := "ok"
		if s.State != HealthStateHealthy {
			mark = string(s.State)
		}
		detail := ""
		if s.Message != "" && s.State != HealthStateHealthy {
			detail = "  " + truncateString(s.Message, 60)
		}
		fmt.Printf("  %-12s %-10s%s\n", s.Name, mark, detail)
	}
	if result.Success {
		fmt.Printf("All critical services healthy in %s\n", result.Duration.Round(time.Millisecond))
	} else {
		fmt.Printf("Unhealthy critical services: %v\n", result.FailedCritical)
	}
}
