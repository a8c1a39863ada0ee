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
	"sort"
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var vaultInitCmd = &cobra.Command{
	Use:   "vault-init",
	Short: "Initialize Vault and store the unseal keys locally",
	Long: `Initializes Vault with Shamir key sharing, saves the unseal keys
and root token under the vault config directory with owner-only
permissions, and performs the first unseal.

Fails if Vault is already initialized or if init material already
exists on disk; it is never overwritten.`,
	Run: runVaultInitCommand,
}

var vaultBootstrapCmd = &cobra.Command{
	Use:   "vault-bootstrap",
	Short: "Provision secrets, the PKI chain, and service credentials",
	Long: `Bootstraps a freshly initialized Vault: enables the KV v2 secrets
engine, builds a root and intermediate CA with a certificate role for
local services, generates a credential set for each stack service, and
exports the CA chain for client use.

Safe to re-run; existing credentials are never regenerated.`,
	Run: runVaultBootstrapCommand,
}

var vaultStatusCmd = &cobra.Command{
	Use:   "vault-status",
	Short: "Show Vault seal and initialization state",
	Run:   runVaultStatusCommand,
}

var vaultUnsealCmd = &cobra.Command{
	Use:   "vault-unseal",
	Short: "Unseal Vault using the stored keys",
	Run:   runVaultUnsealCommand,
}

var vaultTokenCmd = &cobra.Command{
	Use:   "vault-token",
	Short: "Print the root token",
	Long: `Prints the stored root token to stdout with no decoration, for use
in scripts:

  export VAULT_TOKEN=$(manage-devstack vault-token)`,
	Run: runVaultTokenCommand,
}

var vaultShowPasswordCmd = &cobra.Command{
	Use:   "vault-show-password <service>",
	Short: "Print a service's password from Vault",
	Args:  cobra.ExactArgs(1),
	Run:   runVaultShowPasswordCommand,
}

var vaultCACertCmd = &cobra.Command{
	Use:   "vault-ca-cert",
	Short: "Print the CA certificate chain",
	Long: `Prints the exported CA chain (intermediate plus root) to stdout in
PEM format, for appending to a trust store:

  manage-devstack vault-ca-cert >> ./ca-bundle.pem`,
	Run: runVaultCACertCommand,
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runVaultInitCommand(cmd *cobra.Command, args []string) {
	start := time.Now()
	manager, err := newVaultManager()
	if err != nil {
		OutputError(flagJSON, "Failed to initialize", err)
		os.Exit(CLIExitError)
	}

	err = manager.Initialize(cmd.Context())
	if err == nil && !flagJSON && !flagQuiet {
		fmt.Printf("Vault initialized and unsealed. Keys stored in %s\n", manager.Keystore().KeysPath())
		fmt.Println("Next: manage-devstack vault-bootstrap")
	}
	os.Exit(OutputResult(outputConfig(), "vault-init", start, nil, false, err))
}

func runVaultBootstrapCommand(cmd *cobra.Command, args []string) {
	start := time.Now()
	manager, err := newVaultManager()
	if err != nil {
		OutputError(flagJSON, "Failed to initialize", err)
		os.Exit(CLIExitError)
	}

	var created []string
	err = SpinWhileContext(cmd.Context(), "Bootstrapping Vault", func() error {
		var bootErr error
		created, bootErr = manager.Bootstrap(cmd.Context())
		return bootErr
	})
	if err != nil {
		os.Exit(OutputResult(outputConfig(), "vault-bootstrap", start, nil, false, err))
	}

	// The forgejo database lives in postgres; create it now so
	// forgejo-init finds it. Best effort, the stack may be running
	// without postgres.
	if executor, _, execErr := newExecutor(); execErr == nil {
		if dbErr := manager.CreateForgejoDatabase(cmd.Context(), executor); dbErr != nil {
			logger.Warn("forgejo database setup skipped", "error", dbErr)
		}
	}

	if !flagJSON && !flagQuiet {
		if len(created) == 0 {
			fmt.Println("Vault already bootstrapped, nothing to do")
		} else {
			fmt.Printf("Bootstrapped %d service credential(s): %v\n", len(created), created)
			fmt.Printf("CA chain exported to %s\n", manager.Keystore().CAPath())
		}
	}
	os.Exit(OutputResult(outputConfig(), "vault-bootstrap", start,
		map[string]interface{}{"created": created}, false, nil))
}

func runVaultStatusCommand(cmd *cobra.Command, args []string) {
	start := time.Now()
	manager, err := newVaultManager()
	if err != nil {
		OutputError(flagJSON, "Failed to initialize", err)
		os.Exit(CLIExitError)
	}

	result, err := manager.Status(cmd.Context())
	if err != nil {
		os.Exit(OutputResult(outputConfig(), "vault-status", start, nil, false, err))
	}

	if !flagJSON && !flagQuiet {
		fmt.Printf("Initialized: %v\n", result.Initialized)
		fmt.Printf("Sealed:      %v\n", result.Sealed)
		if result.Version != "" {
			fmt.Printf("Version:     %s\n", result.Version)
		}
		fmt.Printf("Keys on disk: %v\n", result.KeysOnDisk)
	}
	// Sealed or uninitialized is a finding for scripts polling status.
	hasFindings := !result.Initialized || result.Sealed
	os.Exit(OutputResult(outputConfig(), "vault-status", start, result, hasFindings, nil))
}

func runVaultUnsealCommand(cmd *cobra.Command, args []string) {
	start := time.Now()
	manager, err := newVaultManager()
	if err != nil {
		OutputError(flagJSON, "Failed to initialize", err)
		os.Exit(CLIExitError)
	}

	// Vault may still be starting right after compose up.
	err = manager.WaitReady(cmd.Context())
	if err == nil {
		err = manager.Unseal(cmd.Context())
	}
	if err == nil && !flagJSON && !flagQuiet {
		fmt.Println("Vault unsealed")
	}
	os.Exit(OutputResult(outputConfig(), "vault-unseal", start, nil, false, err))
}

func runVaultTokenCommand(cmd *cobra.Command, args []string) {
	manager, err := newVaultManager()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(CLIExitError)
	}

	enclave, err := manager.Keystore().LoadRootToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(CLIExitError)
	}
	buf, err := enclave.Open()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open token: %v\n", err)
		os.Exit(CLIExitError)
	}
	// Raw token on stdout only; everything else goes to stderr so
	// $(manage-devstack vault-token) stays clean.
	fmt.Println(buf.String())
	buf.Destroy()
	os.Exit(CLIExitSuccess)
}

func runVaultShowPasswordCommand(cmd *cobra.Command, args []string) {
	manager, err := newVaultManager()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(CLIExitError)
	}

	creds, err := manager.ServiceCredentials(cmd.Context(), args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(CLIExitError)
	}

	// Most services store a single password; print it bare so it can
	// be piped. Forgejo stores admin_user/admin_email/admin_password.
	if password, ok := creds["password"]; ok && len(creds) == 1 {
		fmt.Println(password)
		os.Exit(CLIExitSuccess)
	}
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s=%s\n", k, creds[k])
	}
	os.Exit(CLIExitSuccess)
}

func runVaultCACertCommand(cmd *cobra.Command, args []string) {
	manager, err := newVaultManager()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(CLIExitError)
	}

	pem, err := manager.Keystore().LoadCACert()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(CLIExitError)
	}
	os.Stdout.Write(pem)
	os.Exit(CLIExitSuccess)
}
