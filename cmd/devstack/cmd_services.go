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

var forgejoInitCmd = &cobra.Command{
	Use:   "forgejo-init",
	Short: "Run the Forgejo automated first-time setup",
	Long: `Completes the Forgejo install wizard non-interactively, using the
admin credentials stored in Vault. Run after:

  manage-devstack start
  manage-devstack vault-bootstrap

Forgejo is then reachable at http://localhost:3000.`,
	Run: runForgejoInitCommand,
}

var redisClusterInitCmd = &cobra.Command{
	Use:   "redis-cluster-init",
	Short: "Join the Redis nodes into a cluster",
	Long: `Forms the three Redis nodes into a cluster with automatic slot
distribution. Needed once after the first start with the standard or
full profile; a no-op when the cluster already exists.`,
	Run: runRedisClusterInitCommand,
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runForgejoInitCommand(cmd *cobra.Command, args []string) {
	start := time.Now()
	initializer, err := newServiceInitializer()
	if err != nil {
		OutputError(flagJSON, "Failed to initialize", err)
		os.Exit(CLIExitError)
	}

	err = SpinWhileContext(cmd.Context(), "Initializing Forgejo", func() error {
		return initializer.InitForgejo(cmd.Context())
	})
	if err == nil && !flagJSON && !flagQuiet {
		fmt.Println("Forgejo is ready at http://localhost:3000")
	}
	os.Exit(OutputResult(outputConfig(), "forgejo-init", start, nil, false, err))
}

func runRedisClusterInitCommand(cmd *cobra.Command, args []string) {
	start := time.Now()
	initializer, err := newServiceInitializer()
	if err != nil {
		OutputError(flagJSON, "Failed to initialize", err)
		os.Exit(CLIExitError)
	}

	err = SpinWhileContext(cmd.Context(), "Initializing Redis cluster", func() error {
		return initializer.InitRedisCluster(cmd.Context())
	})
	os.Exit(OutputResult(outputConfig(), "redis-cluster-init", start, nil, false, err))
}

// newServiceInitializer wires the initializer from the shared
// builders.
func newServiceInitializer() (*ServiceInitializer, error) {
	executor, _, err := newExecutor()
	if err != nil {
		return nil, err
	}
	vault, err := newVaultManager()
	if err != nil {
		return nil, err
	}
	return NewServiceInitializer(executor, vault, logger)
}
