// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package compose wraps the `docker compose` CLI for devstack lifecycle
operations.

The executor owns everything that shells out to docker: bringing
profiles up and down, restarting and stopping services, log streaming,
in-container exec, and container status queries. Callers never build
docker argument lists themselves; they go through the Executor
interface, which also gives tests a single seam to mock.

# Profiles

The devstack compose file assigns every service to one or more compose
profiles (minimal, standard, full, reference). Up and Down take the
profile names to activate and translate them to repeated `--profile`
flags.

# Concurrency

Mutating operations (Up, Down, Restart, StopContainers) are serialized
with an internal mutex. Read operations (Status, Logs) run unlocked so
a health poll can observe a stack that is starting.
*/
package compose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/devstack/cmd/devstack/internal/infra/process"
	"github.com/AleutianAI/devstack/pkg/logging"
)

// Sentinel errors for compose operations.
var (
	// ErrNilRunner is returned when the executor is built without a runner.
	ErrNilRunner = errors.New("runner must not be nil")

	// ErrInvalidConfig is returned when the compose config fails validation.
	ErrInvalidConfig = errors.New("invalid compose config")

	// ErrComposeFailed is returned when a docker compose command exits non-zero.
	ErrComposeFailed = errors.New("docker compose command failed")

	// ErrDockerFailed is returned when a plain docker command exits non-zero.
	ErrDockerFailed = errors.New("docker command failed")

	// ErrNoService is returned when an exec target service is empty.
	ErrNoService = errors.New("service name must not be empty")
)

// Config describes the compose project the executor operates on.
type Config struct {
	// StackDir is the directory containing the compose file and .env.
	// All compose commands run with this as the working directory.
	StackDir string

	// ProjectName is passed as --project-name so containers are found
	// regardless of the directory name. Default: "devstack".
	ProjectName string

	// ComposeFile is the compose file name inside StackDir.
	// Default: "docker-compose.yml".
	ComposeFile string

	// ContainerNamePrefix is the fixed prefix of container names in the
	// compose file (container_name: dev-postgres etc). Default: "dev-".
	ContainerNamePrefix string

	// DefaultTimeout bounds each compose invocation when the caller's
	// context has no deadline. Default: 5 minutes.
	DefaultTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProjectName == "" {
		c.ProjectName = "devstack"
	}
	if c.ComposeFile == "" {
		c.ComposeFile = "docker-compose.yml"
	}
	if c.ContainerNamePrefix == "" {
		c.ContainerNamePrefix = "dev-"
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	return c
}

func (c Config) validate() error {
	if c.StackDir == "" {
		return fmt.Errorf("%w: StackDir is required", ErrInvalidConfig)
	}
	return nil
}

// UpOptions controls Up behavior.
type UpOptions struct {
	// Profiles are compose profile names to activate.
	Profiles []string

	// Services optionally limits Up to specific services.
	Services []string

	// Env is layered over the parent environment (profile overlays,
	// COMPOSE_* knobs).
	Env map[string]string
}

// DownOptions controls Down behavior.
type DownOptions struct {
	Profiles      []string
	RemoveVolumes bool
	RemoveOrphans bool
	Env           map[string]string
}

// LogsOptions controls Logs behavior.
type LogsOptions struct {
	Services []string
	Follow   bool
	Tail     int
	Env      map[string]string
}

// ContainerStatus is one row of `docker compose ps --format json`.
type ContainerStatus struct {
	Name     string `json:"Name"`
	Service  string `json:"Service"`
	State    string `json:"State"`
	Health   string `json:"Health"`
	ExitCode int    `json:"ExitCode"`
	Status   string `json:"Status"`
}

// Running reports whether the container is in the running state.
func (c ContainerStatus) Running() bool {
	return strings.EqualFold(c.State, "running")
}

// Healthy reports whether the container's health check, if any, passes.
// Containers without a health check count as healthy when running.
func (c ContainerStatus) Healthy() bool {
	if c.Health == "" {
		return c.Running()
	}
	return strings.EqualFold(c.Health, "healthy")
}

// Executor runs docker compose operations against the devstack project.
type Executor interface {
	// Up starts the services selected by opts.Profiles in detached mode.
	Up(ctx context.Context, opts UpOptions) error

	// Down stops and removes the project's containers. RemoveVolumes
	// also deletes named volumes (data loss; reset only).
	Down(ctx context.Context, opts DownOptions) error

	// Restart restarts the named services, or all running services
	// when the list is empty.
	Restart(ctx context.Context, services []string, env map[string]string) error

	// StopContainers stops individual containers by name via `docker
	// stop` without removing them.
	StopContainers(ctx context.Context, names []string) error

	// Logs streams service logs to stdout/stderr.
	Logs(ctx context.Context, opts LogsOptions, stdout, stderr io.Writer) error

	// Exec runs a command inside a service container without a TTY and
	// returns its stdout.
	Exec(ctx context.Context, service string, env map[string]string, command ...string) (string, error)

	// ExecWithInput is Exec with stdin connected to input (restores).
	ExecWithInput(ctx context.Context, service string, input io.Reader, env map[string]string, command ...string) (string, error)

	// ExecInteractive runs a command inside a service container with
	// the caller's terminal attached. Returns the command's exit code.
	ExecInteractive(ctx context.Context, service string, env map[string]string, command ...string) (int, error)

	// Status returns the state of every project container, including
	// stopped ones.
	Status(ctx context.Context, env map[string]string) ([]ContainerStatus, error)
}

// DefaultExecutor is the production Executor backed by a process.Runner.
type DefaultExecutor struct {
	cfg    Config
	runner process.Runner
	logger *logging.Logger
	mu     sync.Mutex
}

// NewDefaultExecutor validates the config and creates an executor.
func NewDefaultExecutor(cfg Config, runner process.Runner, logger *logging.Logger) (*DefaultExecutor, error) {
	if runner == nil {
		return nil, ErrNilRunner
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}

	return &DefaultExecutor{
		cfg:    cfg.withDefaults(),
		runner: runner,
		logger: logger.With("component", "compose"),
	}, nil
}

// Up implements Executor.
func (e *DefaultExecutor) Up(ctx context.Context, opts UpOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	args := e.baseArgs(opts.Profiles)
	args = append(args, "up", "-d", "--remove-orphans")
	args = append(args, opts.Services...)

	e.logger.Info("compose up", "profiles", opts.Profiles)

	return e.runCompose(ctx, args, opts.Env)
}

// Down implements Executor.
func (e *DefaultExecutor) Down(ctx context.Context, opts DownOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	args := e.baseArgs(opts.Profiles)
	args = append(args, "down")
	if opts.RemoveVolumes {
		args = append(args, "-v")
	}
	if opts.RemoveOrphans {
		args = append(args, "--remove-orphans")
	}

	e.logger.Info("compose down", "remove_volumes", opts.RemoveVolumes)

	return e.runCompose(ctx, args, opts.Env)
}

// Restart implements Executor.
func (e *DefaultExecutor) Restart(ctx context.Context, services []string, env map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	args := e.baseArgs(nil)
	args = append(args, "restart")
	args = append(args, services...)

	e.logger.Info("compose restart", "services", services)

	return e.runCompose(ctx, args, env)
}

// StopContainers implements Executor.
func (e *DefaultExecutor) StopContainers(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, cancel := e.ensureDeadline(ctx)
	defer cancel()

	args := append([]string{"stop"}, names...)

	_, stderr, exitCode, err := e.runner.RunInDir(ctx, e.cfg.StackDir, nil, "docker", args...)
	if err != nil {
		return fmt.Errorf("docker stop: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("%w: docker stop exited %d: %s", ErrDockerFailed, exitCode, firstLines(stderr, 5))
	}

	return nil
}

// Logs implements Executor.
func (e *DefaultExecutor) Logs(ctx context.Context, opts LogsOptions, stdout, stderr io.Writer) error {
	args := e.baseArgs(nil)
	args = append(args, "logs")
	if opts.Follow {
		args = append(args, "-f")
	}
	tail := opts.Tail
	if tail <= 0 {
		tail = 100
	}
	args = append(args, "--tail", strconv.Itoa(tail))
	args = append(args, opts.Services...)

	// No deadline for follow mode; the user interrupts it.
	if !opts.Follow {
		var cancel context.CancelFunc
		ctx, cancel = e.ensureDeadline(ctx)
		defer cancel()
	}

	exitCode, err := e.runner.Stream(ctx, e.cfg.StackDir, stdout, stderr, opts.Env, "docker", args...)
	if err != nil {
		return fmt.Errorf("docker compose logs: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("%w: logs exited %d", ErrComposeFailed, exitCode)
	}

	return nil
}

// Exec implements Executor.
func (e *DefaultExecutor) Exec(ctx context.Context, service string, env map[string]string, command ...string) (string, error) {
	return e.ExecWithInput(ctx, service, nil, env, command...)
}

// ExecWithInput implements Executor.
func (e *DefaultExecutor) ExecWithInput(ctx context.Context, service string, input io.Reader, env map[string]string, command ...string) (string, error) {
	if service == "" {
		return "", ErrNoService
	}

	ctx, cancel := e.ensureDeadline(ctx)
	defer cancel()

	args := e.baseArgs(nil)
	args = append(args, "exec", "-T", service)
	args = append(args, command...)

	stdout, stderrOut, exitCode, err := e.runner.RunWithInput(ctx, e.cfg.StackDir, input, env, "docker", args...)
	if err != nil {
		return stdout, fmt.Errorf("docker compose exec %s: %w", service, err)
	}
	if exitCode != 0 {
		return stdout, fmt.Errorf("%w: exec in %s exited %d: %s", ErrComposeFailed, service, exitCode, firstLines(stderrOut, 5))
	}

	return stdout, nil
}

// ExecInteractive implements Executor.
func (e *DefaultExecutor) ExecInteractive(ctx context.Context, service string, env map[string]string, command ...string) (int, error) {
	if service == "" {
		return -1, ErrNoService
	}

	args := e.baseArgs(nil)
	args = append(args, "exec", service)
	args = append(args, command...)

	return e.runner.RunInteractive(ctx, e.cfg.StackDir, env, "docker", args...)
}

// Status implements Executor.
func (e *DefaultExecutor) Status(ctx context.Context, env map[string]string) ([]ContainerStatus, error) {
	ctx, cancel := e.ensureDeadline(ctx)
	defer cancel()

	args := e.baseArgs(nil)
	args = append(args, "ps", "-a", "--format", "json")

	stdout, stderr, exitCode, err := e.runner.RunInDir(ctx, e.cfg.StackDir, env, "docker", args...)
	if err != nil {
		return nil, fmt.Errorf("docker compose ps: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("%w: ps exited %d: %s", ErrComposeFailed, exitCode, firstLines(stderr, 5))
	}

	return parseStatusLines(stdout)
}

// ContainerName returns the full container name for a service
// (prefix + service, e.g. "dev-postgres").
func (e *DefaultExecutor) ContainerName(service string) string {
	return e.cfg.ContainerNamePrefix + service
}

// baseArgs builds the shared compose prefix: compose -f <file>
// --project-name <name> [--profile p]...
func (e *DefaultExecutor) baseArgs(profiles []string) []string {
	args := []string{"compose", "-f", e.cfg.ComposeFile, "--project-name", e.cfg.ProjectName}
	for _, profile := range profiles {
		args = append(args, "--profile", profile)
	}
	return args
}

func (e *DefaultExecutor) runCompose(ctx context.Context, args []string, env map[string]string) error {
	ctx, cancel := e.ensureDeadline(ctx)
	defer cancel()

	_, stderr, exitCode, err := e.runner.RunInDir(ctx, e.cfg.StackDir, env, "docker", args...)
	if err != nil {
		return fmt.Errorf("docker %s: %w", strings.Join(args[:2], " "), err)
	}
	if exitCode != 0 {
		return fmt.Errorf("%w: %s exited %d: %s", ErrComposeFailed, strings.Join(args, " "), exitCode, firstLines(stderr, 5))
	}

	return nil
}

func (e *DefaultExecutor) ensureDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.cfg.DefaultTimeout)
}

// parseStatusLines handles both output shapes docker compose has
// shipped: one JSON object per line (current) and a single JSON array
// (older releases).
func parseStatusLines(out string) ([]ContainerStatus, error) {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var statuses []ContainerStatus
		if err := json.Unmarshal([]byte(trimmed), &statuses); err != nil {
			return nil, fmt.Errorf("failed to parse compose ps output: %w", err)
		}
		return statuses, nil
	}

	var statuses []ContainerStatus
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var status ContainerStatus
		if err := json.Unmarshal([]byte(line), &status); err != nil {
			return nil, fmt.Errorf("failed to parse compose ps line %q: %w", firstLines(line, 1), err)
		}
		statuses = append(statuses, status)
	}

	return statuses, nil
}

// firstLines truncates s to at most n lines for error messages.
func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) <= n {
		return strings.TrimSpace(s)
	}
	return strings.Join(lines[:n], "\n") + " ..."
}

// MockExecutor is a test double for Executor with function fields and
// recorded calls.
type MockExecutor struct {
	mu    sync.Mutex
	Calls []string

	UpFunc              func(ctx context.Context, opts UpOptions) error
	DownFunc            func(ctx context.Context, opts DownOptions) error
	RestartFunc         func(ctx context.Context, services []string, env map[string]string) error
	StopContainersFunc  func(ctx context.Context, names []string) error
	LogsFunc            func(ctx context.Context, opts LogsOptions, stdout, stderr io.Writer) error
	ExecFunc            func(ctx context.Context, service string, env map[string]string, command ...string) (string, error)
	ExecWithInputFunc   func(ctx context.Context, service string, input io.Reader, env map[string]string, command ...string) (string, error)
	ExecInteractiveFunc func(ctx context.Context, service string, env map[string]string, command ...string) (int, error)
	StatusFunc          func(ctx context.Context, env map[string]string) ([]ContainerStatus, error)
}

func (m *MockExecutor) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

// Up implements Executor.
func (m *MockExecutor) Up(ctx context.Context, opts UpOptions) error {
	m.record("Up")
	if m.UpFunc != nil {
		return m.UpFunc(ctx, opts)
	}
	return nil
}

// Down implements Executor.
func (m *MockExecutor) Down(ctx context.Context, opts DownOptions) error {
	m.record("Down")
	if m.DownFunc != nil {
		return m.DownFunc(ctx, opts)
	}
	return nil
}

// Restart implements Executor.
func (m *MockExecutor) Restart(ctx context.Context, services []string, env map[string]string) error {
	m.record("Restart")
	if m.RestartFunc != nil {
		return m.RestartFunc(ctx, services, env)
	}
	return nil
}

// StopContainers implements Executor.
func (m *MockExecutor) StopContainers(ctx context.Context, names []string) error {
	m.record("StopContainers")
	if m.StopContainersFunc != nil {
		return m.StopContainersFunc(ctx, names)
	}
	return nil
}

// Logs implements Executor.
func (m *MockExecutor) Logs(ctx context.Context, opts LogsOptions, stdout, stderr io.Writer) error {
	m.record("Logs")
	if m.LogsFunc != nil {
		return m.LogsFunc(ctx, opts, stdout, stderr)
	}
	return nil
}

// Exec implements Executor.
func (m *MockExecutor) Exec(ctx context.Context, service string, env map[string]string, command ...string) (string, error) {
	m.record("Exec")
	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, service, env, command...)
	}
	return "", nil
}

// ExecWithInput implements Executor.
func (m *MockExecutor) ExecWithInput(ctx context.Context, service string, input io.Reader, env map[string]string, command ...string) (string, error) {
	m.record("ExecWithInput")
	if m.ExecWithInputFunc != nil {
		return m.ExecWithInputFunc(ctx, service, input, env, command...)
	}
	return "", nil
}

// ExecInteractive implements Executor.
func (m *MockExecutor) ExecInteractive(ctx context.Context, service string, env map[string]string, command ...string) (int, error) {
	m.record("ExecInteractive")
	if m.ExecInteractiveFunc != nil {
		return m.ExecInteractiveFunc(ctx, service, env, command...)
	}
	return 0, nil
}

// Status implements Executor.
func (m *MockExecutor) Status(ctx context.Context, env map[string]string) ([]ContainerStatus, error) {
	m.record("Status")
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, env)
	}
	return nil, nil
}

// Compile-time interface satisfaction checks
var (
	_ Executor = (*DefaultExecutor)(nil)
	_ Executor = (*MockExecutor)(nil)
)
