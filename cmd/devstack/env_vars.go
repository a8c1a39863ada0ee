// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// envVarKeyPattern validates environment variable key names. Keys must
// start with a letter or underscore and contain only alphanumerics and
// underscores. This follows POSIX naming and prevents shell
// metacharacter injection through profile overlay files.
var envVarKeyPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrInvalidEnvVarKey is returned when an environment variable key is invalid.
var ErrInvalidEnvVarKey = fmt.Errorf("invalid environment variable key")

// EnvVar is a typed environment variable with sensitivity marking so
// Vault tokens and database passwords never reach the logs.
//
// # Example
//
//	ev := EnvVar{Key: "VAULT_TOKEN", Value: token, Sensitive: true}
//	fmt.Println(ev.Redacted()) // VAULT_TOKEN=[REDACTED]
type EnvVar struct {
	// Key is the variable name, matching ^[a-zA-Z_][a-zA-Z0-9_]*$.
	Key string

	// Value may be empty (valid in POSIX).
	Value string

	// Sensitive marks the value for redaction in logs.
	Sensitive bool
}

// String returns the KEY=VALUE form.
func (e EnvVar) String() string {
	return fmt.Sprintf("%s=%s", e.Key, e.Value)
}

// Redacted returns KEY=[REDACTED] for sensitive vars, otherwise String().
func (e EnvVar) Redacted() string {
	if e.Sensitive {
		return fmt.Sprintf("%s=[REDACTED]", e.Key)
	}
	return e.String()
}

// Validate checks the key against the POSIX pattern.
func (e EnvVar) Validate() error {
	if !envVarKeyPattern.MatchString(e.Key) {
		return fmt.Errorf("%w: %q must match pattern [a-zA-Z_][a-zA-Z0-9_]*", ErrInvalidEnvVarKey, e.Key)
	}
	return nil
}

// EnvVars is a validated collection of environment variables. It is
// the currency between the profile resolver (which layers .env files)
// and the compose executor (which injects them into docker commands).
//
// EnvVars is NOT thread-safe; build it, then share it read-only.
type EnvVars struct {
	vars []EnvVar
}

// NewEnvVars creates a validated collection. Returns an error if any
// key is invalid.
func NewEnvVars(vars ...EnvVar) (*EnvVars, error) {
	for _, v := range vars {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return &EnvVars{vars: append([]EnvVar(nil), vars...)}, nil
}

// EmptyEnvVars returns an empty collection.
func EmptyEnvVars() *EnvVars {
	return &EnvVars{}
}

// Add validates and appends a variable. A later Add for an existing
// key overrides the earlier value in ToMap.
func (e *EnvVars) Add(key, value string, sensitive bool) error {
	v := EnvVar{Key: key, Value: value, Sensitive: sensitive}
	if err := v.Validate(); err != nil {
		return err
	}
	e.vars = append(e.vars, v)
	return nil
}

// Get returns the last value for key, or "".
func (e *EnvVars) Get(key string) string {
	for i := len(e.vars) - 1; i >= 0; i-- {
		if e.vars[i].Key == key {
			return e.vars[i].Value
		}
	}
	return ""
}

// Has reports whether key is present.
func (e *EnvVars) Has(key string) bool {
	for _, v := range e.vars {
		if v.Key == key {
			return true
		}
	}
	return false
}

// Len returns the number of variables, counting overridden duplicates.
func (e *EnvVars) Len() int {
	return len(e.vars)
}

// ToMap flattens to a map, later entries overriding earlier ones.
// This is the shape the compose executor consumes.
func (e *EnvVars) ToMap() map[string]string {
	if len(e.vars) == 0 {
		return nil
	}
	m := make(map[string]string, len(e.vars))
	for _, v := range e.vars {
		m[v.Key] = v.Value
	}
	return m
}

// RedactedSlice returns KEY=VALUE strings with sensitive values
// replaced, sorted for stable log output.
func (e *EnvVars) RedactedSlice() []string {
	out := make([]string, 0, len(e.vars))
	for _, v := range e.vars {
		out = append(out, v.Redacted())
	}
	sort.Strings(out)
	return out
}

// Merge returns a new collection with other's variables layered over
// this one. Neither receiver is modified.
func (e *EnvVars) Merge(other *EnvVars) *EnvVars {
	merged := &EnvVars{vars: append([]EnvVar(nil), e.vars...)}
	if other != nil {
		merged.vars = append(merged.vars, other.vars...)
	}
	return merged
}

// LoadDotenvFile parses a .env style file: KEY=VALUE lines, # comments,
// blank lines, optional single or double quotes around values. Keys
// matching the sensitive patterns are marked for redaction. A missing
// file returns an empty collection, since overlays are optional.
func LoadDotenvFile(path string) (*EnvVars, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return EmptyEnvVars(), nil
		}
		return nil, fmt.Errorf("failed to open env file %s: %w", path, err)
	}
	defer f.Close()

	envs := EmptyEnvVars()
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf("%s:%d: not a KEY=VALUE line", path, lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = unquote(value)

		if err := envs.Add(key, value, isSensitiveKey(key)); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}

	return envs, nil
}

func unquote(value string) string {
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			return value[1 : len(value)-1]
		}
	}
	return value
}

// isSensitiveKey flags keys whose values must never be logged.
func isSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range []string{"PASSWORD", "TOKEN", "SECRET", "_KEY", "CREDENTIAL"} {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
