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
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/devstack/cmd/devstack/internal/infra/compose"
	"github.com/AleutianAI/devstack/cmd/devstack/internal/infra/process"
)

// recordingLock is a process.Locker that tracks acquire/release pairing.
type recordingLock struct {
	acquires int
	releases int
	failWith error
}

func (l *recordingLock) Acquire() error {
	if l.failWith != nil {
		return l.failWith
	}
	l.acquires++
	return nil
}

func (l *recordingLock) Release() error {
	l.releases++
	return nil
}

func (l *recordingLock) IsHeld() bool   { return l.acquires > l.releases }
func (l *recordingLock) HolderPID() int { return 0 }

var _ process.Locker = (*recordingLock)(nil)

type stackManagerFixture struct {
	infra    *MockInfrastructureManager
	executor *compose.MockExecutor
	health   *MockHealthChecker
	lock     *recordingLock
	manager  *DefaultStackManager
}

func newStackManagerFixture(t *testing.T) *stackManagerFixture {
	t.Helper()
	f := &stackManagerFixture{
		infra:    &MockInfrastructureManager{},
		executor: &compose.MockExecutor{},
		health:   &MockHealthChecker{},
		lock:     &recordingLock{},
	}
	resolver := NewProfileResolver(writeProfilesFixture(t))
	manager, err := NewStackManager(f.infra, f.executor, resolver, nil, f.health, f.lock, nil)
	if err != nil {
		t.Fatalf("NewStackManager failed: %v", err)
	}
	f.manager = manager
	return f
}

func TestStackManagerRequiresCollaborators(t *testing.T) {
	resolver := NewProfileResolver(t.TempDir())
	executor := &compose.MockExecutor{}
	infra := &MockInfrastructureManager{}
	lock := &recordingLock{}

	cases := []struct {
		name string
		fn   func() (*DefaultStackManager, error)
	}{
		{"nil infra", func() (*DefaultStackManager, error) {
			return NewStackManager(nil, executor, resolver, nil, nil, lock, nil)
		}},
		{"nil executor", func() (*DefaultStackManager, error) {
			return NewStackManager(infra, nil, resolver, nil, nil, lock, nil)
		}},
		{"nil resolver", func() (*DefaultStackManager, error) {
			return NewStackManager(infra, executor, nil, nil, nil, lock, nil)
		}},
		{"nil lock", func() (*DefaultStackManager, error) {
			return NewStackManager(infra, executor, resolver, nil, nil, nil, nil)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.fn(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestStartPhaseOrder(t *testing.T) {
	f := newStackManagerFixture(t)

	var downOpts compose.DownOptions
	var upOpts compose.UpOptions
	f.executor.DownFunc = func(ctx context.Context, opts compose.DownOptions) error {
		downOpts = opts
		return nil
	}
	f.executor.UpFunc = func(ctx context.Context, opts compose.UpOptions) error {
		upOpts = opts
		return nil
	}
	f.health.WaitForServicesFunc = func(ctx context.Context, services []ServiceDefinition, opts WaitOptions) (*WaitResult, error) {
		return &WaitResult{Success: true}, nil
	}

	result, err := f.manager.Start(context.Background(), StartOptions{Profiles: []string{"minimal"}})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if result == nil || !result.Success {
		t.Errorf("result = %+v, want success", result)
	}

	// VM first, then cleanup down, then up.
	if !reflect.DeepEqual(f.infra.Calls, []string{"EnsureRunning"}) {
		t.Errorf("infra calls = %v", f.infra.Calls)
	}
	if !reflect.DeepEqual(f.executor.Calls, []string{"Down", "Up"}) {
		t.Errorf("executor calls = %v, want [Down Up]", f.executor.Calls)
	}

	// Cleanup covers every profile so a profile switch removes strays.
	if !reflect.DeepEqual(downOpts.Profiles, allComposeProfiles) {
		t.Errorf("down profiles = %v, want %v", downOpts.Profiles, allComposeProfiles)
	}
	if !downOpts.RemoveOrphans {
		t.Error("cleanup down should remove orphans")
	}
	if downOpts.RemoveVolumes {
		t.Error("cleanup down must not remove volumes")
	}
	if !reflect.DeepEqual(upOpts.Profiles, []string{"minimal"}) {
		t.Errorf("up profiles = %v, want [minimal]", upOpts.Profiles)
	}
	if upOpts.Env["COMPOSE_PROJECT_NAME"] != "devstack" {
		t.Errorf("up env missing base .env values: %v", upOpts.Env)
	}

	if f.lock.acquires != 1 || f.lock.releases != 1 {
		t.Errorf("lock acquires=%d releases=%d, want 1/1", f.lock.acquires, f.lock.releases)
	}
}

func TestStartRequiresProfiles(t *testing.T) {
	f := newStackManagerFixture(t)
	if _, err := f.manager.Start(context.Background(), StartOptions{}); err == nil {
		t.Error("Start with no profiles should fail")
	}
	if len(f.executor.Calls) != 0 {
		t.Errorf("executor should not be touched, calls = %v", f.executor.Calls)
	}
}

func TestStartUnknownProfile(t *testing.T) {
	f := newStackManagerFixture(t)
	_, err := f.manager.Start(context.Background(), StartOptions{Profiles: []string{"nope"}})
	if err == nil {
		t.Fatal("unknown profile should fail")
	}
	if len(f.infra.Calls) != 0 || len(f.executor.Calls) != 0 {
		t.Error("nothing should be started for an unknown profile")
	}
	// Validation failures must still release the lock.
	if f.lock.releases != f.lock.acquires {
		t.Errorf("lock leaked: acquires=%d releases=%d", f.lock.acquires, f.lock.releases)
	}
}

func TestStartVMFailure(t *testing.T) {
	f := newStackManagerFixture(t)
	f.infra.EnsureRunningFunc = func(ctx context.Context) error {
		return fmt.Errorf("qemu exploded")
	}
	_, err := f.manager.Start(context.Background(), StartOptions{Profiles: []string{"minimal"}})
	if err == nil || !strings.Contains(err.Error(), "vm start failed") {
		t.Errorf("err = %v, want vm start failed", err)
	}
	if len(f.executor.Calls) != 0 {
		t.Errorf("compose should not run when the VM fails, calls = %v", f.executor.Calls)
	}
}

func TestStartToleratesCleanupFailure(t *testing.T) {
	f := newStackManagerFixture(t)
	f.executor.DownFunc = func(ctx context.Context, opts compose.DownOptions) error {
		return fmt.Errorf("nothing to remove")
	}
	f.health.WaitForServicesFunc = func(ctx context.Context, services []ServiceDefinition, opts WaitOptions) (*WaitResult, error) {
		return &WaitResult{Success: true}, nil
	}
	if _, err := f.manager.Start(context.Background(), StartOptions{Profiles: []string{"minimal"}}); err != nil {
		t.Errorf("pre-start cleanup failure should not abort: %v", err)
	}
}

func TestStartSkipHealth(t *testing.T) {
	f := newStackManagerFixture(t)
	result, err := f.manager.Start(context.Background(), StartOptions{
		Profiles:   []string{"minimal"},
		SkipHealth: true,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if result != nil {
		t.Errorf("result = %+v, want nil when health is skipped", result)
	}
	if len(f.health.Calls) != 0 {
		t.Errorf("health checker should not run, calls = %v", f.health.Calls)
	}
}

func TestStartHealthGateScopedToProfile(t *testing.T) {
	f := newStackManagerFixture(t)

	var gated []ServiceDefinition
	f.health.WaitForServicesFunc = func(ctx context.Context, services []ServiceDefinition, opts WaitOptions) (*WaitResult, error) {
		gated = services
		return &WaitResult{Success: true}, nil
	}

	if _, err := f.manager.Start(context.Background(), StartOptions{Profiles: []string{"minimal"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if len(gated) == 0 {
		t.Fatal("health gate received no service definitions")
	}
	allowed := map[string]bool{"vault": true, "postgres": true, "pgbouncer": true, "forgejo": true}
	for _, def := range gated {
		if !allowed[def.ComposeService] {
			t.Errorf("service %s gated but not in the minimal profile", def.ComposeService)
		}
	}
}

func TestStartHealthTimeoutOverride(t *testing.T) {
	f := newStackManagerFixture(t)

	var gotOpts WaitOptions
	f.health.WaitForServicesFunc = func(ctx context.Context, services []ServiceDefinition, opts WaitOptions) (*WaitResult, error) {
		gotOpts = opts
		return &WaitResult{Success: true}, nil
	}

	if _, err := f.manager.Start(context.Background(), StartOptions{
		Profiles:      []string{"minimal"},
		HealthTimeout: 123 * time.Second,
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if gotOpts.Timeout.Seconds() != 123 {
		t.Errorf("health timeout = %v, want 123s", gotOpts.Timeout)
	}
}

func TestStartUnhealthyCritical(t *testing.T) {
	f := newStackManagerFixture(t)
	f.health.WaitForServicesFunc = func(ctx context.Context, services []ServiceDefinition, opts WaitOptions) (*WaitResult, error) {
		return &WaitResult{Success: false, FailedCritical: []string{"vault"}}, nil
	}
	result, err := f.manager.Start(context.Background(), StartOptions{Profiles: []string{"minimal"}})
	if err == nil || !strings.Contains(err.Error(), "unhealthy") {
		t.Errorf("err = %v, want unhealthy", err)
	}
	if result == nil || result.Success {
		t.Errorf("result = %+v, want the failing wait result", result)
	}
}

func TestStopOrder(t *testing.T) {
	f := newStackManagerFixture(t)
	if err := f.manager.Stop(context.Background(), nil); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !reflect.DeepEqual(f.executor.Calls, []string{"Down"}) {
		t.Errorf("executor calls = %v, want [Down]", f.executor.Calls)
	}
	if !reflect.DeepEqual(f.infra.Calls, []string{"Stop"}) {
		t.Errorf("infra calls = %v, want [Stop]", f.infra.Calls)
	}
}

func TestStopComposeFailureAbortsVMStop(t *testing.T) {
	f := newStackManagerFixture(t)
	f.executor.DownFunc = func(ctx context.Context, opts compose.DownOptions) error {
		return fmt.Errorf("daemon unreachable")
	}
	if err := f.manager.Stop(context.Background(), nil); err == nil {
		t.Fatal("Stop should propagate compose failure")
	}
	if len(f.infra.Calls) != 0 {
		t.Errorf("VM should stay up when down fails, infra calls = %v", f.infra.Calls)
	}
}

func TestStopNamedServices(t *testing.T) {
	f := newStackManagerFixture(t)
	f.executor.StatusFunc = func(ctx context.Context, env map[string]string) ([]compose.ContainerStatus, error) {
		return []compose.ContainerStatus{
			{Name: "dev-postgres", Service: "postgres", State: "running"},
			{Name: "dev-vault", Service: "vault", State: "running"},
		}, nil
	}
	var stopped []string
	f.executor.StopContainersFunc = func(ctx context.Context, names []string) error {
		stopped = names
		return nil
	}

	if err := f.manager.Stop(context.Background(), []string{"postgres"}); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !reflect.DeepEqual(stopped, []string{"dev-postgres"}) {
		t.Errorf("stopped = %v, want [dev-postgres]", stopped)
	}
	// A scoped stop must leave the VM alone.
	if len(f.infra.Calls) != 0 {
		t.Errorf("infra calls = %v, want none", f.infra.Calls)
	}
}

func TestStopUnknownService(t *testing.T) {
	f := newStackManagerFixture(t)
	f.executor.StatusFunc = func(ctx context.Context, env map[string]string) ([]compose.ContainerStatus, error) {
		return []compose.ContainerStatus{
			{Name: "dev-vault", Service: "vault", State: "running"},
		}, nil
	}
	err := f.manager.Stop(context.Background(), []string{"grafana"})
	if err == nil || !strings.Contains(err.Error(), "grafana") {
		t.Errorf("err = %v, want unknown service error naming grafana", err)
	}
}

func TestRestartDelegates(t *testing.T) {
	f := newStackManagerFixture(t)
	var restarted []string
	f.executor.RestartFunc = func(ctx context.Context, services []string, env map[string]string) error {
		restarted = services
		return nil
	}
	if err := f.manager.Restart(context.Background(), []string{"vault", "postgres"}); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if !reflect.DeepEqual(restarted, []string{"vault", "postgres"}) {
		t.Errorf("restarted = %v", restarted)
	}
}

func TestStatusVMStopped(t *testing.T) {
	f := newStackManagerFixture(t)
	f.infra.StatusFunc = func(ctx context.Context) (*VMStatus, error) {
		return &VMStatus{Name: "default", Status: "Stopped"}, nil
	}
	result, err := f.manager.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if result.VMRunning {
		t.Error("VMRunning = true, want false")
	}
	// No point asking compose when the VM is down.
	if len(f.executor.Calls) != 0 {
		t.Errorf("executor calls = %v, want none", f.executor.Calls)
	}
}

func TestStatusCountsRunning(t *testing.T) {
	f := newStackManagerFixture(t)
	f.infra.StatusFunc = func(ctx context.Context) (*VMStatus, error) {
		return &VMStatus{Name: "default", Status: "Running", Address: "192.168.106.2"}, nil
	}
	f.executor.StatusFunc = func(ctx context.Context, env map[string]string) ([]compose.ContainerStatus, error) {
		return []compose.ContainerStatus{
			{Name: "dev-vault", Service: "vault", State: "running", Health: "healthy"},
			{Name: "dev-postgres", Service: "postgres", State: "running"},
			{Name: "dev-mysql", Service: "mysql", State: "exited", ExitCode: 1},
		}, nil
	}
	result, err := f.manager.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !result.VMRunning || result.VMAddress != "192.168.106.2" {
		t.Errorf("vm fields = %+v", result)
	}
	if result.Running != 2 || result.Total != 3 {
		t.Errorf("running/total = %d/%d, want 2/3", result.Running, result.Total)
	}
}

func TestStatusToleratesComposeFailure(t *testing.T) {
	f := newStackManagerFixture(t)
	f.executor.StatusFunc = func(ctx context.Context, env map[string]string) ([]compose.ContainerStatus, error) {
		return nil, fmt.Errorf("docker context not ready")
	}
	result, err := f.manager.Status(context.Background())
	if err != nil {
		t.Fatalf("Status should tolerate compose failure: %v", err)
	}
	if !result.VMRunning || result.Total != 0 {
		t.Errorf("result = %+v, want VM up with no containers", result)
	}
}

func TestResetRemovesVolumesAndVM(t *testing.T) {
	f := newStackManagerFixture(t)
	var downOpts compose.DownOptions
	f.executor.DownFunc = func(ctx context.Context, opts compose.DownOptions) error {
		downOpts = opts
		return nil
	}
	if err := f.manager.Reset(context.Background()); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if !downOpts.RemoveVolumes || !downOpts.RemoveOrphans {
		t.Errorf("down opts = %+v, want volumes and orphans removed", downOpts)
	}
	if !reflect.DeepEqual(f.infra.Calls, []string{"Delete"}) {
		t.Errorf("infra calls = %v, want [Delete]", f.infra.Calls)
	}
}

func TestResetVMDeleteFailure(t *testing.T) {
	f := newStackManagerFixture(t)
	f.infra.DeleteFunc = func(ctx context.Context) error {
		return fmt.Errorf("colima delete failed")
	}
	if err := f.manager.Reset(context.Background()); err == nil {
		t.Error("Reset should propagate VM delete failure")
	}
}

func TestMutatingOpsNeedTheLock(t *testing.T) {
	f := newStackManagerFixture(t)
	f.lock.failWith = fmt.Errorf("another instance is running")

	if _, err := f.manager.Start(context.Background(), StartOptions{Profiles: []string{"minimal"}}); err == nil {
		t.Error("Start should fail when the lock is held")
	}
	if err := f.manager.Stop(context.Background(), nil); err == nil {
		t.Error("Stop should fail when the lock is held")
	}
	if err := f.manager.Reset(context.Background()); err == nil {
		t.Error("Reset should fail when the lock is held")
	}
	if len(f.infra.Calls) != 0 || len(f.executor.Calls) != 0 {
		t.Error("nothing should run without the lock")
	}
}

func TestIPAddressDelegates(t *testing.T) {
	f := newStackManagerFixture(t)
	f.infra.IPAddressFunc = func(ctx context.Context) (string, error) {
		return "192.168.106.5", nil
	}
	addr, err := f.manager.IPAddress(context.Background())
	if err != nil {
		t.Fatalf("IPAddress failed: %v", err)
	}
	if addr != "192.168.106.5" {
		t.Errorf("addr = %s", addr)
	}
}
