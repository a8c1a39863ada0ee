// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
)

// envKeyPattern matches valid environment variable names. Injected env
// maps are validated against it so a malformed profile overlay cannot
// smuggle shell metacharacters into a child process environment.
var envKeyPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrInvalidEnvKey is returned when an injected env key fails validation.
var ErrInvalidEnvKey = errors.New("invalid environment variable name")

// Runner executes external commands (docker, colima, vault) with
// captured output and explicit exit codes.
//
// All methods honor context cancellation: when ctx is done the child
// process is killed and the context error is returned.
//
// Implementations must be safe for concurrent use.
type Runner interface {
	// RunInDir runs name with args in dir (empty dir = inherit cwd),
	// with env merged over the parent environment. Returns captured
	// stdout, stderr, and the process exit code. A non-zero exit is
	// reported through exitCode with err == nil; err is reserved for
	// failures to run the command at all (binary missing, ctx done).
	RunInDir(ctx context.Context, dir string, env map[string]string, name string, args ...string) (stdout, stderr string, exitCode int, err error)

	// RunWithInput is RunInDir with stdin connected to input. Used for
	// restore pipelines (psql/mysql/mongorestore reading a dump).
	RunWithInput(ctx context.Context, dir string, input io.Reader, env map[string]string, name string, args ...string) (stdout, stderr string, exitCode int, err error)

	// Stream runs the command with stdout and stderr connected to the
	// given writers. Used for `logs -f` and for dumping database
	// backups straight to files without buffering them in memory.
	Stream(ctx context.Context, dir string, stdout, stderr io.Writer, env map[string]string, name string, args ...string) (exitCode int, err error)

	// RunInteractive runs the command with the parent's stdin, stdout
	// and stderr attached. Used for `shell` so the container gets a
	// real terminal.
	RunInteractive(ctx context.Context, dir string, env map[string]string, name string, args ...string) (exitCode int, err error)
}

// ExecRunner is the production Runner backed by os/exec.
type ExecRunner struct{}

// NewExecRunner creates the production runner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// RunInDir implements Runner.
func (r *ExecRunner) RunInDir(ctx context.Context, dir string, env map[string]string, name string, args ...string) (string, string, int, error) {
	return r.RunWithInput(ctx, dir, nil, env, name, args...)
}

// RunWithInput implements Runner.
func (r *ExecRunner) RunWithInput(ctx context.Context, dir string, input io.Reader, env map[string]string, name string, args ...string) (string, string, int, error) {
	var stdout, stderr bytes.Buffer

	exitCode, err := r.run(ctx, dir, input, &stdout, &stderr, env, name, args...)

	return stdout.String(), stderr.String(), exitCode, err
}

// Stream implements Runner.
func (r *ExecRunner) Stream(ctx context.Context, dir string, stdout, stderr io.Writer, env map[string]string, name string, args ...string) (int, error) {
	return r.run(ctx, dir, nil, stdout, stderr, env, name, args...)
}

// RunInteractive implements Runner.
func (r *ExecRunner) RunInteractive(ctx context.Context, dir string, env map[string]string, name string, args ...string) (int, error) {
	return r.run(ctx, dir, os.Stdin, os.Stdout, os.Stderr, env, name, args...)
}

func (r *ExecRunner) run(ctx context.Context, dir string, stdin io.Reader, stdout, stderr io.Writer, env map[string]string, name string, args ...string) (int, error) {
	mergedEnv, err := mergeEnv(env)
	if err != nil {
		return -1, err
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = mergedEnv
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Prefer the context error so callers see "deadline
			// exceeded" instead of "signal: killed".
			if ctxErr := ctx.Err(); ctxErr != nil {
				return exitErr.ExitCode(), ctxErr
			}
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("failed to run %s: %w", name, err)
	}

	return 0, nil
}

// mergeEnv layers overrides over the parent environment, validating
// each key. A nil or empty map returns nil so exec inherits directly.
func mergeEnv(env map[string]string) ([]string, error) {
	if len(env) == 0 {
		return nil, nil
	}

	merged := os.Environ()
	for key, value := range env {
		if !envKeyPattern.MatchString(key) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEnvKey, key)
		}
		merged = append(merged, key+"="+value)
	}

	return merged, nil
}

// RunnerCall records one invocation on MockRunner.
type RunnerCall struct {
	Method string
	Dir    string
	Env    map[string]string
	Name   string
	Args   []string
}

// MockRunner is a test double for Runner. Set the function fields to
// control behavior; calls are recorded for assertion.
type MockRunner struct {
	mu    sync.Mutex
	Calls []RunnerCall

	RunInDirFunc       func(ctx context.Context, dir string, env map[string]string, name string, args ...string) (string, string, int, error)
	RunWithInputFunc   func(ctx context.Context, dir string, input io.Reader, env map[string]string, name string, args ...string) (string, string, int, error)
	StreamFunc         func(ctx context.Context, dir string, stdout, stderr io.Writer, env map[string]string, name string, args ...string) (int, error)
	RunInteractiveFunc func(ctx context.Context, dir string, env map[string]string, name string, args ...string) (int, error)
}

// RunInDir implements Runner.
func (m *MockRunner) RunInDir(ctx context.Context, dir string, env map[string]string, name string, args ...string) (string, string, int, error) {
	m.record("RunInDir", dir, env, name, args)
	if m.RunInDirFunc != nil {
		return m.RunInDirFunc(ctx, dir, env, name, args...)
	}
	return "", "", 0, nil
}

// RunWithInput implements Runner.
func (m *MockRunner) RunWithInput(ctx context.Context, dir string, input io.Reader, env map[string]string, name string, args ...string) (string, string, int, error) {
	m.record("RunWithInput", dir, env, name, args)
	if m.RunWithInputFunc != nil {
		return m.RunWithInputFunc(ctx, dir, input, env, name, args...)
	}
	return "", "", 0, nil
}

// Stream implements Runner.
func (m *MockRunner) Stream(ctx context.Context, dir string, stdout, stderr io.Writer, env map[string]string, name string, args ...string) (int, error) {
	m.record("Stream", dir, env, name, args)
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, dir, stdout, stderr, env, name, args...)
	}
	return 0, nil
}

// RunInteractive implements Runner.
func (m *MockRunner) RunInteractive(ctx context.Context, dir string, env map[string]string, name string, args ...string) (int, error) {
	m.record("RunInteractive", dir, env, name, args)
	if m.RunInteractiveFunc != nil {
		return m.RunInteractiveFunc(ctx, dir, env, name, args...)
	}
	return 0, nil
}

// CallCount returns the number of recorded calls.
func (m *MockRunner) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// RecordedCalls returns a copy of the recorded calls.
func (m *MockRunner) RecordedCalls() []RunnerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunnerCall, len(m.Calls))
	copy(out, m.Calls)
	return out
}

func (m *MockRunner) record(method, dir string, env map[string]string, name string, args []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, RunnerCall{
		Method: method,
		Dir:    dir,
		Env:    env,
		Name:   name,
		Args:   append([]string(nil), args...),
	})
}

// Compile-time interface satisfaction checks
var (
	_ Runner = (*ExecRunner)(nil)
	_ Runner = (*MockRunner)(nil)
)
