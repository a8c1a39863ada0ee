// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/devstack/cmd/devstack/internal/infra/process"
	"github.com/AleutianAI/devstack/pkg/logging"
)

// InfrastructureManager handles the colima VM lifecycle.
//
// # Description
//
// On macOS the docker daemon runs inside a colima-managed Linux VM.
// This manager abstracts VM operations (status, start, stop, delete,
// IP lookup) so stack commands can be tested without colima installed.
//
// # Platform Behavior
//
//   - macOS: Full VM management through the colima CLI
//   - Linux: colima still works but a native docker daemon is common;
//     callers may skip VM management when docker is reachable directly
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type InfrastructureManager interface {
	// IsRunning reports whether the VM for the configured colima
	// profile is up.
	IsRunning(ctx context.Context) (bool, error)

	// EnsureRunning starts the VM if it is not already running.
	// A cold first boot creates the disk image and can take minutes.
	EnsureRunning(ctx context.Context) error

	// Stop stops the VM. Stopping an already stopped VM is not an error.
	Stop(ctx context.Context) error

	// Delete destroys the VM and its disk. Irreversible; callers must
	// confirm with the user first.
	Delete(ctx context.Context) error

	// Status returns structured VM state from `colima ls -j`.
	Status(ctx context.Context) (*VMStatus, error)

	// IPAddress returns the VM's network address, for reaching
	// services from other machines or libvirt guests. Requires the VM
	// to have been started with --network-address.
	IPAddress(ctx context.Context) (string, error)
}

// VMStatus is the parsed output of `colima ls -p <profile> -j`.
type VMStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Arch    string `json:"arch"`
	CPUs    int    `json:"cpus"`
	Memory  int64  `json:"memory"`
	Disk    int64  `json:"disk"`
	Runtime string `json:"runtime"`
	Address string `json:"address"`
}

// Running reports whether the status string indicates a running VM.
func (s *VMStatus) Running() bool {
	return strings.EqualFold(s.Status, "Running")
}

// ColimaOptions carries the VM sizing knobs for colima start.
type ColimaOptions struct {
	// Profile is the colima profile name (-p flag). Default "default".
	Profile string

	// CPU is the vCPU count passed to colima start.
	CPU int

	// MemoryGiB is the VM memory in GiB.
	MemoryGiB int

	// DiskGiB is the VM disk size in GiB.
	DiskGiB int

	// NetworkAddress requests a reachable VM IP (--network-address).
	NetworkAddress bool
}

// ColimaManager implements InfrastructureManager via the colima CLI.
//
// All commands go through process.Runner for mocking. Colima writes
// human output to stderr, so status parsing checks both streams.
type ColimaManager struct {
	runner process.Runner
	opts   ColimaOptions
	logger *logging.Logger
}

// NewColimaManager creates a manager for the given colima profile.
func NewColimaManager(runner process.Runner, opts ColimaOptions, logger *logging.Logger) (*ColimaManager, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner must not be nil")
	}
	if opts.Profile == "" {
		opts.Profile = "default"
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ColimaManager{runner: runner, opts: opts, logger: logger}, nil
}

// IsRunning checks VM state with `colima status`.
//
// Colima reports status on stderr and exits non-zero when the VM is
// down, so both streams and the exit code are consulted.
func (m *ColimaManager) IsRunning(ctx context.Context) (bool, error) {
	stdout, stderr, code, err := m.runner.RunInDir(ctx, "", nil, "colima", "status", "-p", m.opts.Profile)
	if err != nil {
		return false, fmt.Errorf("failed to run colima status: %w", err)
	}
	combined := strings.ToLower(stdout + stderr)
	return code == 0 && strings.Contains(combined, "running"), nil
}

// EnsureRunning starts the VM if needed with the configured resources.
func (m *ColimaManager) EnsureRunning(ctx context.Context) error {
	running, err := m.IsRunning(ctx)
	if err != nil {
		return err
	}
	if running {
		m.logger.Debug("colima VM already running", "profile", m.opts.Profile)
		return nil
	}

	args := []string{
		"start",
		"-p", m.opts.Profile,
		"--cpu", strconv.Itoa(m.opts.CPU),
		"--memory", strconv.Itoa(m.opts.MemoryGiB),
		"--disk", strconv.Itoa(m.opts.DiskGiB),
	}
	if m.opts.NetworkAddress {
		args = append(args, "--network-address")
	}

	m.logger.Info("starting colima VM",
		"profile", m.opts.Profile,
		"cpu", m.opts.CPU,
		"memory_gib", m.opts.MemoryGiB,
		"disk_gib", m.opts.DiskGiB)

	_, stderr, code, err := m.runner.RunInDir(ctx, "", nil, "colima", args...)
	if err != nil {
		return fmt.Errorf("failed to run colima start: %w", err)
	}
	if code != 0 {
		return NewCommandError("colima start", code, stderr, nil)
	}
	return nil
}

// Stop stops the VM if it is running.
func (m *ColimaManager) Stop(ctx context.Context) error {
	running, err := m.IsRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		m.logger.Debug("colima VM was not running", "profile", m.opts.Profile)
		return nil
	}

	_, stderr, code, err := m.runner.RunInDir(ctx, "", nil, "colima", "stop", "-p", m.opts.Profile)
	if err != nil {
		return fmt.Errorf("failed to run colima stop: %w", err)
	}
	if code != 0 {
		return NewCommandError("colima stop", code, stderr, nil)
	}
	return nil
}

// Delete destroys the VM with --force. No confirmation happens here;
// the reset command confirms before calling.
func (m *ColimaManager) Delete(ctx context.Context) error {
	_, stderr, code, err := m.runner.RunInDir(ctx, "", nil, "colima", "delete", "-p", m.opts.Profile, "--force")
	if err != nil {
		return fmt.Errorf("failed to run colima delete: %w", err)
	}
	if code != 0 {
		return NewCommandError("colima delete", code, stderr, nil)
	}
	m.logger.Info("colima VM deleted", "profile", m.opts.Profile)
	return nil
}

// Status parses `colima ls -p <profile> -j`. Colima emits one JSON
// object for the profile, or an empty line when it does not exist.
func (m *ColimaManager) Status(ctx context.Context) (*VMStatus, error) {
	stdout, stderr, code, err := m.runner.RunInDir(ctx, "", nil, "colima", "ls", "-p", m.opts.Profile, "-j")
	if err != nil {
		return nil, fmt.Errorf("failed to run colima ls: %w", err)
	}
	if code != 0 {
		return nil, NewCommandError("colima ls", code, stderr, nil)
	}

	line := strings.TrimSpace(stdout)
	if line == "" {
		return &VMStatus{Name: m.opts.Profile, Status: "Stopped"}, nil
	}

	var status VMStatus
	if err := json.Unmarshal([]byte(line), &status); err != nil {
		return nil, fmt.Errorf("failed to parse colima ls output: %w", err)
	}
	return &status, nil
}

// IPAddress returns the VM address from Status.
func (m *ColimaManager) IPAddress(ctx context.Context) (string, error) {
	status, err := m.Status(ctx)
	if err != nil {
		return "", err
	}
	if !status.Running() {
		return "", fmt.Errorf("colima VM is not running (start it first)")
	}
	if status.Address == "" {
		return "", fmt.Errorf("colima VM has no network address (start with --network-address)")
	}
	return status.Address, nil
}

// MockInfrastructureManager is a test double with function fields.
type MockInfrastructureManager struct {
	IsRunningFunc     func(ctx context.Context) (bool, error)
	EnsureRunningFunc func(ctx context.Context) error
	StopFunc          func(ctx context.Context) error
	DeleteFunc        func(ctx context.Context) error
	StatusFunc        func(ctx context.Context) (*VMStatus, error)
	IPAddressFunc     func(ctx context.Context) (string, error)

	// Calls records method names in invocation order.
	Calls []string
}

func (m *MockInfrastructureManager) IsRunning(ctx context.Context) (bool, error) {
	m.Calls = append(m.Calls, "IsRunning")
	if m.IsRunningFunc != nil {
		return m.IsRunningFunc(ctx)
	}
	return true, nil
}

func (m *MockInfrastructureManager) EnsureRunning(ctx context.Context) error {
	m.Calls = append(m.Calls, "EnsureRunning")
	if m.EnsureRunningFunc != nil {
		return m.EnsureRunningFunc(ctx)
	}
	return nil
}

func (m *MockInfrastructureManager) Stop(ctx context.Context) error {
	m.Calls = append(m.Calls, "Stop")
	if m.StopFunc != nil {
		return m.StopFunc(ctx)
	}
	return nil
}

func (m *MockInfrastructureManager) Delete(ctx context.Context) error {
	m.Calls = append(m.Calls, "Delete")
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx)
	}
	return nil
}

func (m *MockInfrastructureManager) Status(ctx context.Context) (*VMStatus, error) {
	m.Calls = append(m.Calls, "Status")
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx)
	}
	return &VMStatus{Status: "Running"}, nil
}

func (m *MockInfrastructureManager) IPAddress(ctx context.Context) (string, error) {
	m.Calls = append(m.Calls, "IPAddress")
	if m.IPAddressFunc != nil {
		return m.IPAddressFunc(ctx)
	}
	return "192.168.106.2", nil
}

// Compile-time interface checks
var (
	_ InfrastructureManager = (*ColimaManager)(nil)
	_ InfrastructureManager = (*MockInfrastructureManager)(nil)
)
