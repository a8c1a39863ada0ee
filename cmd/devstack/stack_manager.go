// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/devstack/cmd/devstack/internal/infra/compose"
	"github.com/AleutianAI/devstack/cmd/devstack/internal/infra/process"
	"github.com/AleutianAI/devstack/pkg/logging"
)

// allComposeProfiles lists every profile the compose file defines.
// Down uses the full set so containers left over from a previous run
// under a different profile are torn down too.
var allComposeProfiles = []string{"minimal", "standard", "full", "reference"}

// StartOptions controls Start behavior.
type StartOptions struct {
	// Profiles are the compose profiles to bring up.
	Profiles []string

	// SkipHealth skips the post-start health gate.
	SkipHealth bool

	// HealthTimeout bounds the health gate. Zero uses the default.
	HealthTimeout time.Duration
}

// StackManager orchestrates the devstack lifecycle.
//
// # Description
//
// Ties the layers together: the Colima VM underneath, docker compose
// on top of it, Vault unsealing once the containers are up, and the
// health gate at the end. Every mutating operation takes the process
// lock first so two invocations cannot interleave.
//
// # Thread Safety
//
// Safe for sequential use only. Cross-process exclusion comes from
// the file lock, not from this type.
type StackManager interface {
	// Start brings the VM and the requested profiles up, unseals
	// Vault when keys are on disk, and waits for services to report
	// healthy. The returned WaitResult is nil when SkipHealth is set.
	Start(ctx context.Context, opts StartOptions) (*WaitResult, error)

	// Stop takes the containers down and stops the VM. With services
	// named, only those containers are stopped and the VM stays up.
	// Data volumes survive either way.
	Stop(ctx context.Context, services []string) error

	// Restart restarts the named services, or the whole stack when
	// none are given.
	Restart(ctx context.Context, services []string) error

	// Status reports VM and container state without mutating anything.
	Status(ctx context.Context) (*StackStatusResult, error)

	// Reset destroys everything: containers, volumes, the VM, and the
	// stored Vault material. Caller must confirm with the user first.
	Reset(ctx context.Context) error

	// IPAddress returns the VM's network address.
	IPAddress(ctx context.Context) (string, error)
}

// DefaultStackManager is the production StackManager.
type DefaultStackManager struct {
	infra    InfrastructureManager
	executor compose.Executor
	resolver *ProfileResolver
	vault    *VaultManager
	health   HealthChecker
	lock     process.Locker
	logger   *logging.Logger
}

// NewStackManager wires a stack manager from its collaborators.
// vault and health may be nil; the corresponding start phases are
// then skipped.
func NewStackManager(
	infra InfrastructureManager,
	executor compose.Executor,
	resolver *ProfileResolver,
	vault *VaultManager,
	health HealthChecker,
	lock process.Locker,
	logger *logging.Logger,
) (*DefaultStackManager, error) {
	if infra == nil {
		return nil, fmt.Errorf("infrastructure manager must not be nil")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor must not be nil")
	}
	if resolver == nil {
		return nil, fmt.Errorf("profile resolver must not be nil")
	}
	if lock == nil {
		return nil, fmt.Errorf("lock must not be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DefaultStackManager{
		infra:    infra,
		executor: executor,
		resolver: resolver,
		vault:    vault,
		health:   health,
		lock:     lock,
		logger:   logger,
	}, nil
}

// Start implements StackManager.
func (s *DefaultStackManager) Start(ctx context.Context, opts StartOptions) (*WaitResult, error) {
	if len(opts.Profiles) == 0 {
		return nil, fmt.Errorf("at least one profile is required")
	}
	if err := s.lock.Acquire(); err != nil {
		return nil, err
	}
	defer s.lock.Release()

	if err := s.resolver.Validate(opts.Profiles); err != nil {
		return nil, err
	}
	services, err := s.resolver.Services(opts.Profiles)
	if err != nil {
		return nil, err
	}
	envVars, err := s.resolver.Environment(opts.Profiles)
	if err != nil {
		return nil, err
	}
	env := envVars.ToMap()

	s.logger.Info("starting devstack", "profiles", opts.Profiles, "services", len(services))

	if err := s.infra.EnsureRunning(ctx); err != nil {
		return nil, fmt.Errorf("vm start failed: %w", err)
	}

	// Tear down leftovers from a previous run before bringing the
	// requested profiles up. Switching from full to minimal must not
	// leave full-only containers running.
	if err := s.executor.Down(ctx, compose.DownOptions{
		Profiles:      allComposeProfiles,
		RemoveOrphans: true,
		Env:           env,
	}); err != nil {
		s.logger.Warn("pre-start cleanup failed", "error", err)
	}

	if err := s.executor.Up(ctx, compose.UpOptions{
		Profiles: opts.Profiles,
		Env:      env,
	}); err != nil {
		return nil, fmt.Errorf("compose up failed: %w", err)
	}

	s.unsealVault(ctx)

	if opts.SkipHealth || s.health == nil {
		return nil, nil
	}

	waitOpts := DefaultWaitOptions()
	if opts.HealthTimeout > 0 {
		waitOpts.Timeout = opts.HealthTimeout
	}
	defs := FilterDefinitions(DefaultServiceDefinitions(), services)
	result, err := s.health.WaitForServices(ctx, defs, waitOpts)
	if err != nil {
		return result, fmt.Errorf("health wait failed: %w", err)
	}
	if !result.Success {
		return result, fmt.Errorf("stack started but %d critical service(s) are unhealthy", len(result.FailedCritical))
	}
	return result, nil
}

// unsealVault tries to unseal Vault after compose up. Best effort: a
// fresh stack has no keys yet, and a missing Vault container should
// not fail the whole start.
func (s *DefaultStackManager) unsealVault(ctx context.Context) {
	if s.vault == nil {
		return
	}
	if !s.vault.Keystore().HasKeys() {
		s.logger.Info("no vault unseal keys on disk, skipping unseal (run vault-init)")
		return
	}
	if err := s.vault.WaitReady(ctx); err != nil {
		s.logger.Warn("vault not reachable, skipping unseal", "error", err)
		return
	}
	if err := s.vault.Unseal(ctx); err != nil {
		if errors.Is(err, ErrVaultNotInitialized) {
			s.logger.Warn("vault not initialized despite keys on disk, skipping unseal")
			return
		}
		s.logger.Warn("vault unseal failed", "error", err)
		return
	}
	s.logger.Info("vault unsealed")
}

// Stop implements StackManager.
func (s *DefaultStackManager) Stop(ctx context.Context, services []string) error {
	if err := s.lock.Acquire(); err != nil {
		return err
	}
	defer s.lock.Release()

	if len(services) > 0 {
		return s.stopServices(ctx, services)
	}

	if err := s.executor.Down(ctx, compose.DownOptions{
		Profiles:      allComposeProfiles,
		RemoveOrphans: true,
	}); err != nil {
		return fmt.Errorf("compose down failed: %w", err)
	}
	if err := s.infra.Stop(ctx); err != nil {
		return fmt.Errorf("vm stop failed: %w", err)
	}
	s.logger.Info("devstack stopped")
	return nil
}

// stopServices stops individual service containers, resolving compose
// service names to container names through the project status.
func (s *DefaultStackManager) stopServices(ctx context.Context, services []string) error {
	containers, err := s.executor.Status(ctx, nil)
	if err != nil {
		return fmt.Errorf("cannot resolve container names: %w", err)
	}
	byService := make(map[string]string, len(containers))
	for _, c := range containers {
		byService[c.Service] = c.Name
	}

	names := make([]string, 0, len(services))
	for _, svc := range services {
		name, ok := byService[svc]
		if !ok {
			return fmt.Errorf("no container found for service %q", svc)
		}
		names = append(names, name)
	}

	if err := s.executor.StopContainers(ctx, names); err != nil {
		return fmt.Errorf("stop failed: %w", err)
	}
	s.logger.Info("services stopped", "services", services)
	return nil
}

// Restart implements StackManager.
func (s *DefaultStackManager) Restart(ctx context.Context, services []string) error {
	if err := s.lock.Acquire(); err != nil {
		return err
	}
	defer s.lock.Release()

	if err := s.executor.Restart(ctx, services, nil); err != nil {
		return fmt.Errorf("restart failed: %w", err)
	}
	s.unsealVault(ctx)
	return nil
}

// Status implements StackManager.
func (s *DefaultStackManager) Status(ctx context.Context) (*StackStatusResult, error) {
	result := &StackStatusResult{}

	vm, err := s.infra.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("vm status failed: %w", err)
	}
	result.VMRunning = vm.Running()
	result.VMAddress = vm.Address
	result.Profile = vm.Name

	if !result.VMRunning {
		return result, nil
	}

	containers, err := s.executor.Status(ctx, nil)
	if err != nil {
		// The VM can be up with the docker context not yet usable.
		s.logger.Warn("container status unavailable", "error", err)
		return result, nil
	}
	for _, c := range containers {
		info := ContainerInfo{
			Name:    c.Name,
			Service: c.Service,
			State:   c.State,
			Health:  c.Health,
		}
		result.Containers = append(result.Containers, info)
		result.Total++
		if c.Running() {
			result.Running++
		}
	}
	return result, nil
}

// Reset implements StackManager.
func (s *DefaultStackManager) Reset(ctx context.Context) error {
	if err := s.lock.Acquire(); err != nil {
		return err
	}
	defer s.lock.Release()

	s.logger.Warn("resetting devstack, all data volumes will be removed")

	if err := s.executor.Down(ctx, compose.DownOptions{
		Profiles:      allComposeProfiles,
		RemoveVolumes: true,
		RemoveOrphans: true,
	}); err != nil {
		s.logger.Warn("compose down failed during reset", "error", err)
	}
	if err := s.infra.Delete(ctx); err != nil {
		return fmt.Errorf("vm delete failed: %w", err)
	}
	if s.vault != nil {
		if err := s.vault.Keystore().Purge(); err != nil {
			return fmt.Errorf("failed to remove vault material: %w", err)
		}
		s.logger.Info("removed stored vault keys, token, and CA chain")
	}
	s.logger.Info("devstack reset complete")
	return nil
}

// IPAddress implements StackManager.
func (s *DefaultStackManager) IPAddress(ctx context.Context) (string, error) {
	return s.infra.IPAddress(ctx)
}

// MockStackManager is a test double for StackManager.
type MockStackManager struct {
	StartFunc     func(ctx context.Context, opts StartOptions) (*WaitResult, error)
	StopFunc      func(ctx context.Context, services []string) error
	RestartFunc   func(ctx context.Context, services []string) error
	StatusFunc    func(ctx context.Context) (*StackStatusResult, error)
	ResetFunc     func(ctx context.Context) error
	IPAddressFunc func(ctx context.Context) (string, error)

	Calls []string
}

func (m *MockStackManager) Start(ctx context.Context, opts StartOptions) (*WaitResult, error) {
	m.Calls = append(m.Calls, "Start")
	if m.StartFunc != nil {
		return m.StartFunc(ctx, opts)
	}
	return &WaitResult{Success: true}, nil
}

func (m *MockStackManager) Stop(ctx context.Context, services []string) error {
	m.Calls = append(m.Calls, "Stop")
	if m.StopFunc != nil {
		return m.StopFunc(ctx, services)
	}
	return nil
}

func (m *MockStackManager) Restart(ctx context.Context, services []string) error {
	m.Calls = append(m.Calls, "Restart")
	if m.RestartFunc != nil {
		return m.RestartFunc(ctx, services)
	}
	return nil
}

func (m *MockStackManager) Status(ctx context.Context) (*StackStatusResult, error) {
	m.Calls = append(m.Calls, "Status")
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx)
	}
	return &StackStatusResult{}, nil
}

func (m *MockStackManager) Reset(ctx context.Context) error {
	m.Calls = append(m.Calls, "Reset")
	if m.ResetFunc != nil {
		return m.ResetFunc(ctx)
	}
	return nil
}

func (m *MockStackManager) IPAddress(ctx context.Context) (string, error) {
	m.Calls = append(m.Calls, "IPAddress")
	if m.IPAddressFunc != nil {
		return m.IPAddressFunc(ctx)
	}
	return "", nil
}

// Compile-time interface checks
var (
	_ StackManager = (*DefaultStackManager)(nil)
	_ StackManager = (*MockStackManager)(nil)
)
