// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnvVarRedacted(t *testing.T) {
	tests := []struct {
		name string
		ev   EnvVar
		want string
	}{
		{
			name: "sensitive value is redacted",
			ev:   EnvVar{Key: "VAULT_TOKEN", Value: "hvs.secret", Sensitive: true},
			want: "VAULT_TOKEN=[REDACTED]",
		},
		{
			name: "plain value passes through",
			ev:   EnvVar{Key: "COMPOSE_PROFILES", Value: "standard", Sensitive: false},
			want: "COMPOSE_PROFILES=standard",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Redacted(); got != tt.want {
				t.Errorf("Redacted() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEnvVarValidate(t *testing.T) {
	valid := []string{"PATH", "_private", "DB_HOST_1", "a"}
	for _, key := range valid {
		if err := (EnvVar{Key: key}).Validate(); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", key, err)
		}
	}

	invalid := []string{"", "1STARTS_WITH_DIGIT", "HAS-DASH", "HAS SPACE", "$(injection)"}
	for _, key := range invalid {
		err := (EnvVar{Key: key}).Validate()
		if err == nil {
			t.Errorf("Validate(%q) = nil, want error", key)
		}
		if !errors.Is(err, ErrInvalidEnvVarKey) {
			t.Errorf("Validate(%q) error = %v, want ErrInvalidEnvVarKey", key, err)
		}
	}
}

func TestEnvVarsLastValueWins(t *testing.T) {
	envs := EmptyEnvVars()
	if err := envs.Add("DB_HOST", "first", false); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := envs.Add("DB_HOST", "second", false); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if got := envs.Get("DB_HOST"); got != "second" {
		t.Errorf("Get = %q, want %q", got, "second")
	}
	if got := envs.ToMap()["DB_HOST"]; got != "second" {
		t.Errorf("ToMap value = %q, want %q", got, "second")
	}
}

func TestEnvVarsAddRejectsInvalidKey(t *testing.T) {
	envs := EmptyEnvVars()
	if err := envs.Add("BAD-KEY", "v", false); err == nil {
		t.Error("Add with invalid key should fail")
	}
	if envs.Len() != 0 {
		t.Errorf("Len = %d after failed Add, want 0", envs.Len())
	}
}

func TestEnvVarsToMapEmpty(t *testing.T) {
	if m := EmptyEnvVars().ToMap(); m != nil {
		t.Errorf("ToMap on empty collection = %v, want nil", m)
	}
}

func TestEnvVarsMergeDoesNotMutate(t *testing.T) {
	base, err := NewEnvVars(EnvVar{Key: "A", Value: "1"}, EnvVar{Key: "B", Value: "1"})
	if err != nil {
		t.Fatalf("NewEnvVars failed: %v", err)
	}
	overlay, err := NewEnvVars(EnvVar{Key: "B", Value: "2"})
	if err != nil {
		t.Fatalf("NewEnvVars failed: %v", err)
	}

	merged := base.Merge(overlay)

	if got := merged.Get("B"); got != "2" {
		t.Errorf("merged B = %q, want %q", got, "2")
	}
	if got := base.Get("B"); got != "1" {
		t.Errorf("base B = %q after Merge, want unchanged %q", got, "1")
	}
}

func TestEnvVarsRedactedSlice(t *testing.T) {
	envs := EmptyEnvVars()
	envs.Add("POSTGRES_PASSWORD", "hunter2", true)
	envs.Add("COMPOSE_PROFILES", "minimal", false)

	got := envs.RedactedSlice()
	for _, line := range got {
		if strings.Contains(line, "hunter2") {
			t.Errorf("RedactedSlice leaked a sensitive value: %q", line)
		}
	}
	// Sorted output: COMPOSE before POSTGRES.
	if len(got) != 2 || !strings.HasPrefix(got[0], "COMPOSE_PROFILES") {
		t.Errorf("RedactedSlice = %v, want sorted with COMPOSE_PROFILES first", got)
	}
}

func TestLoadDotenvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := `# devstack overlay
COMPOSE_PROFILES=standard

export POSTGRES_USER=dev_admin
DB_PASSWORD="with spaces"
EMPTY=
QUOTED='single'
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	envs, err := LoadDotenvFile(path)
	if err != nil {
		t.Fatalf("LoadDotenvFile failed: %v", err)
	}

	tests := map[string]string{
		"COMPOSE_PROFILES": "standard",
		"POSTGRES_USER":    "dev_admin",
		"DB_PASSWORD":      "with spaces",
		"EMPTY":            "",
		"QUOTED":           "single",
	}
	for key, want := range tests {
		if got := envs.Get(key); got != want {
			t.Errorf("Get(%q) = %q, want %q", key, got, want)
		}
	}

	// Password keys are auto-marked sensitive.
	for _, line := range envs.RedactedSlice() {
		if strings.Contains(line, "with spaces") {
			t.Errorf("DB_PASSWORD not redacted: %q", line)
		}
	}
}

func TestLoadDotenvFileMissing(t *testing.T) {
	envs, err := LoadDotenvFile(filepath.Join(t.TempDir(), "nope.env"))
	if err != nil {
		t.Fatalf("missing file should not error, got %v", err)
	}
	if envs.Len() != 0 {
		t.Errorf("Len = %d for missing file, want 0", envs.Len())
	}
}

func TestLoadDotenvFileBadLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("JUST_A_WORD\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	_, err := LoadDotenvFile(path)
	if err == nil {
		t.Fatal("expected error for line without =")
	}
	if !strings.Contains(err.Error(), ":1:") {
		t.Errorf("error should carry the line number, got %v", err)
	}
}

func TestIsSensitiveKey(t *testing.T) {
	sensitive := []string{"DB_PASSWORD", "VAULT_TOKEN", "API_SECRET", "SSH_KEY", "AWS_CREDENTIALS", "mysql_password"}
	for _, key := range sensitive {
		if !isSensitiveKey(key) {
			t.Errorf("isSensitiveKey(%q) = false, want true", key)
		}
	}
	plain := []string{"DB_HOST", "COMPOSE_PROFILES", "LOG_LEVEL", "KEYBOARD"}
	for _, key := range plain {
		if isSensitiveKey(key) {
			t.Errorf("isSensitiveKey(%q) = true, want false", key)
		}
	}
}
