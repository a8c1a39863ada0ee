// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import "time"

// Timeout constants define minimum and default values for various operations.
//
// These constants prevent accidental infinite hangs by ensuring all
// operations have a reasonable timeout even if misconfigured.
const (
	// MinHTTPTimeout is the absolute minimum for any HTTP operation.
	// Prevents accidental infinite hangs from zero timeouts.
	MinHTTPTimeout = 1 * time.Second

	// MinTCPTimeout is the absolute minimum for TCP connection checks.
	MinTCPTimeout = 500 * time.Millisecond

	// MinProcessTimeout is the absolute minimum for process operations.
	MinProcessTimeout = 5 * time.Second

	// DefaultHTTPTimeout is the standard timeout for HTTP health checks.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultTCPTimeout is the standard timeout for TCP connectivity checks.
	DefaultTCPTimeout = 5 * time.Second

	// DefaultProcessTimeout is the standard timeout for process operations.
	DefaultProcessTimeout = 2 * time.Minute

	// DefaultComposeTimeout is the standard timeout for compose operations.
	DefaultComposeTimeout = 5 * time.Minute

	// DefaultVMStartTimeout covers a cold colima VM boot, which can
	// take minutes on first start while the disk image is created.
	DefaultVMStartTimeout = 10 * time.Minute

	// DefaultVaultTimeout is the standard timeout for Vault API
	// operations (init, unseal, bootstrap writes).
	DefaultVaultTimeout = 30 * time.Second

	// DefaultHealthWaitTimeout bounds the full health convergence loop
	// after a stack start.
	DefaultHealthWaitTimeout = 60 * time.Second

	// DefaultBackupTimeout bounds a single database dump or archive.
	// MongoDB archives of large datasets are the slow case.
	DefaultBackupTimeout = 15 * time.Minute
)

// EnforceMinTimeout returns at least the minimum timeout.
//
// # Description
//
// Ensures a timeout is never below the specified minimum. If the requested
// timeout is zero, negative, or below the minimum, returns the minimum
// instead. This prevents misconfiguration from causing infinite hangs.
//
// # Example
//
//	timeout := EnforceMinTimeout(cfg.Timeout, MinHTTPTimeout)
//	client := &http.Client{Timeout: timeout}
func EnforceMinTimeout(requested, minimum time.Duration) time.Duration {
	if requested <= 0 || requested < minimum {
		return minimum
	}
	return requested
}

// EnforceDefaultTimeout returns the default if the requested is zero or negative.
//
// Unlike EnforceMinTimeout, this only applies the default when the value
// is explicitly zero or negative. Useful when any positive value is
// acceptable but a sensible default is wanted.
func EnforceDefaultTimeout(requested, defaultVal time.Duration) time.Duration {
	if requested <= 0 {
		return defaultVal
	}
	return requested
}
