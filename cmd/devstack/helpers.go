// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
)

// passwordAlphabet excludes shell metacharacters and quote characters
// so generated passwords survive docker exec command lines unescaped.
const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// getStackDir returns the directory holding docker-compose.yml.
//
// Resolution order: DEVSTACK_DIR environment variable, then the
// configured stack dir, then the current working directory.
func getStackDir(configured string) (string, error) {
	if dir := os.Getenv("DEVSTACK_DIR"); dir != "" {
		return expandHome(dir)
	}
	if configured != "" {
		return expandHome(configured)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to determine working directory: %w", err)
	}
	return cwd, nil
}

// ensureStackDir verifies the stack directory contains a compose file.
func ensureStackDir(dir, composeFile string) error {
	path := filepath.Join(dir, composeFile)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no %s found in %s (set DEVSTACK_DIR or run from the stack checkout)", composeFile, dir)
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, expected a compose file", path)
	}
	return nil
}

// expandHome expands a leading ~ to the user's home directory.
func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

// stdinIsTerminal reports whether stdin is an interactive terminal.
// Confirmation prompts are skipped (and treated as declined) when it
// is not, so scripted callers never hang.
func stdinIsTerminal() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// confirmDestructive prompts the user before a destructive operation.
//
// # Description
//
// Shows a yes/no prompt defaulting to No. Returns false without
// prompting when stdin is not a terminal, unless assumeYes is set
// (the --yes flag). Destructive operations must never proceed on an
// ambiguous answer.
//
// # Inputs
//
//   - title: Short description of the operation (e.g. "Reset dev stack")
//   - detail: What will be destroyed
//   - assumeYes: Skip the prompt and confirm (from --yes)
//
// # Outputs
//
//   - bool: true only on an explicit Yes or assumeYes
//   - error: Non-nil if the prompt itself fails
func confirmDestructive(title, detail string, assumeYes bool) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if !stdinIsTerminal() {
		fmt.Fprintln(os.Stderr, "Refusing to continue: stdin is not a terminal (use --yes to confirm non-interactively)")
		return false, nil
	}

	confirmed := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(detail).
				Affirmative("Yes").
				Negative("No").
				Value(&confirmed),
		),
	)
	if err := form.Run(); err != nil {
		return false, fmt.Errorf("confirmation prompt failed: %w", err)
	}
	return confirmed, nil
}

// generatePassword returns a random password of the given length from
// the shell-safe alphabet, using crypto/rand.
func generatePassword(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("password length must be positive, got %d", length)
	}
	max := big.NewInt(int64(len(passwordAlphabet)))
	var sb strings.Builder
	sb.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate random password: %w", err)
		}
		sb.WriteByte(passwordAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// formatBytes renders a byte count in human units (KiB, MiB, GiB).
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// truncateString shortens s to max runes, appending "..." if trimmed.
func truncateString(s string, max int) string {
	if max <= 3 {
		max = 3
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
