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
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownProfile is returned when a requested profile is not
// defined in profiles.yaml.
var ErrUnknownProfile = fmt.Errorf("unknown profile")

// ProfileResources describes the estimated resource weight of a profile.
type ProfileResources struct {
	RAMEstimate string `yaml:"ram_estimate"`
}

// ProfileDefinition is one entry in profiles.yaml.
type ProfileDefinition struct {
	Description string           `yaml:"description"`
	Services    []string         `yaml:"services"`
	Resources   ProfileResources `yaml:"resources"`
}

// ProfilesConfig is the parsed profiles.yaml document. Built-in
// profiles live under profiles, user additions under custom_profiles.
// A custom profile with the same name overrides the built-in one.
type ProfilesConfig struct {
	Profiles       map[string]ProfileDefinition `yaml:"profiles"`
	CustomProfiles map[string]ProfileDefinition `yaml:"custom_profiles"`
}

// ProfileResolver loads profile definitions and their environment
// overlays from the stack directory.
//
// # Description
//
// The stack checkout carries two inputs the resolver combines:
//
//   - profiles.yaml at the stack root, naming each profile's compose
//     services and resource estimate
//   - configs/profiles/<name>.env, an optional per-profile overlay
//     layered over the stack's base .env
//
// # Limitations
//
//   - profiles.yaml is re-read on each call; no caching. The file is
//     small and the CLI is short-lived.
type ProfileResolver struct {
	// StackDir is the directory containing profiles.yaml.
	StackDir string
}

// NewProfileResolver creates a resolver rooted at the stack directory.
func NewProfileResolver(stackDir string) *ProfileResolver {
	return &ProfileResolver{StackDir: stackDir}
}

// Load parses profiles.yaml from the stack directory.
func (r *ProfileResolver) Load() (*ProfilesConfig, error) {
	path := filepath.Join(r.StackDir, "profiles.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var cfg ProfilesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Lookup returns the definition for a profile name, checking built-in
// profiles first and custom profiles second.
func (c *ProfilesConfig) Lookup(name string) (ProfileDefinition, bool) {
	if def, ok := c.CustomProfiles[name]; ok {
		return def, true
	}
	if def, ok := c.Profiles[name]; ok {
		return def, true
	}
	return ProfileDefinition{}, false
}

// Names returns all defined profile names, sorted, built-in and custom.
func (c *ProfilesConfig) Names() []string {
	seen := make(map[string]struct{}, len(c.Profiles)+len(c.CustomProfiles))
	for name := range c.Profiles {
		seen[name] = struct{}{}
	}
	for name := range c.CustomProfiles {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Services resolves the union of compose services for the requested
// profiles, deduplicated, in first-seen order.
//
// # Outputs
//
//   - []string: Service names for compose --profile selection display
//   - error: ErrUnknownProfile naming the bad profile and listing the
//     known ones
func (r *ProfileResolver) Services(profiles []string) ([]string, error) {
	cfg, err := r.Load()
	if err != nil {
		return nil, err
	}

	var services []string
	seen := make(map[string]struct{})
	for _, p := range profiles {
		def, ok := cfg.Lookup(p)
		if !ok {
			return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownProfile, p, strings.Join(cfg.Names(), ", "))
		}
		for _, svc := range def.Services {
			if _, dup := seen[svc]; dup {
				continue
			}
			seen[svc] = struct{}{}
			services = append(services, svc)
		}
	}
	return services, nil
}

// Validate checks that every requested profile exists.
func (r *ProfileResolver) Validate(profiles []string) error {
	_, err := r.Services(profiles)
	return err
}

// Environment builds the merged environment for the requested
// profiles: the stack's base .env first, then each profile's
// configs/profiles/<name>.env overlay in order. Later profiles win on
// conflicting keys. Missing overlay files are skipped.
func (r *ProfileResolver) Environment(profiles []string) (*EnvVars, error) {
	merged, err := LoadDotenvFile(filepath.Join(r.StackDir, ".env"))
	if err != nil {
		return nil, err
	}

	for _, p := range profiles {
		overlay, err := LoadDotenvFile(filepath.Join(r.StackDir, "configs", "profiles", p+".env"))
		if err != nil {
			return nil, err
		}
		merged = merged.Merge(overlay)
	}
	return merged, nil
}
