// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Health history storage defaults.
const (
	defaultHistoryFileName = "health_history.jsonl"
	defaultHistoryMaxBytes = 5 * 1024 * 1024 // rotate at 5 MiB
)

// HealthHistoryEntry is one persisted health run.
//
// JSONL keeps the file greppable and append-only; no database needed
// for a dev tool, and no query surface to inject into.
type HealthHistoryEntry struct {
	RunID      string                 `json:"run_id"`
	Timestamp  time.Time              `json:"timestamp"`
	Healthy    bool                   `json:"healthy"`
	DurationMs int64                  `json:"duration_ms"`
	Services   map[string]HealthState `json:"services"`
	Failed     []string               `json:"failed,omitempty"`
}

// HealthHistory persists health run outcomes for trend inspection.
type HealthHistory interface {
	// Append records one health run.
	Append(result *WaitResult) error

	// Recent returns up to n most recent entries, newest first.
	Recent(n int) ([]HealthHistoryEntry, error)

	// Prune removes entries older than the cutoff, returning the
	// number removed.
	Prune(olderThan time.Duration) (int, error)
}

// JSONLHealthHistory is the file-backed HealthHistory.
//
// # Description
//
// Appends one JSON line per health run to health_history.jsonl in the
// state directory. When the file exceeds MaxBytes it is rotated to a
// single .old file, keeping disk usage bounded without a retention
// daemon.
//
// # Thread Safety
//
// Safe for concurrent use; writes are serialized by a mutex.
type JSONLHealthHistory struct {
	// Path is the JSONL file location.
	Path string

	// MaxBytes triggers rotation (default 5 MiB).
	MaxBytes int64

	mu sync.Mutex
}

// NewJSONLHealthHistory creates a history store under stateDir,
// creating the directory if needed.
func NewJSONLHealthHistory(stateDir string) (*JSONLHealthHistory, error) {
	expanded, err := expandHome(stateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir %s: %w", expanded, err)
	}
	return &JSONLHealthHistory{
		Path:     filepath.Join(expanded, defaultHistoryFileName),
		MaxBytes: defaultHistoryMaxBytes,
	}, nil
}

// Append implements HealthHistory.
func (h *JSONLHealthHistory) Append(result *WaitResult) error {
	if result == nil {
		return fmt.Errorf("result must not be nil")
	}

	entry := HealthHistoryEntry{
		RunID:      result.ID,
		Timestamp:  result.CompletedAt,
		Healthy:    result.Success,
		DurationMs: result.Duration.Milliseconds(),
		Services:   make(map[string]HealthState, len(result.Services)),
		Failed:     result.FailedCritical,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	for _, s := range result.Services {
		entry.Services[s.Name] = s.State
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode history entry: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.rotateIfNeeded(); err != nil {
		return err
	}

	f, err := os.OpenFile(h.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", h.Path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", h.Path, err)
	}
	return nil
}

// Recent implements HealthHistory.
func (h *JSONLHealthHistory) Recent(n int) ([]HealthHistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries, err := h.readAll()
	if err != nil {
		return nil, err
	}

	// Newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// Prune implements HealthHistory.
func (h *JSONLHealthHistory) Prune(olderThan time.Duration) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries, err := h.readAll()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	kept := entries[:0]
	removed := 0
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0, nil
	}

	tmp := h.Path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	w := bufio.NewWriter(f)
	for _, e := range kept {
		line, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return 0, fmt.Errorf("failed to encode history entry: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to flush %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, h.Path); err != nil {
		return 0, fmt.Errorf("failed to replace %s: %w", h.Path, err)
	}
	return removed, nil
}

// readAll parses the JSONL file, skipping corrupt lines. A partially
// written trailing line (crash mid-append) must not poison history.
func (h *JSONLHealthHistory) readAll() ([]HealthHistoryEntry, error) {
	f, err := os.Open(h.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", h.Path, err)
	}
	defer f.Close()

	var entries []HealthHistoryEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e HealthHistoryEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", h.Path, err)
	}
	return entries, nil
}

// rotateIfNeeded moves the file aside once it exceeds MaxBytes. One
// generation of .old is kept.
func (h *JSONLHealthHistory) rotateIfNeeded() error {
	maxBytes := h.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultHistoryMaxBytes
	}
	info, err := os.Stat(h.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", h.Path, err)
	}
	if info.Size() < maxBytes {
		return nil
	}
	if err := os.Rename(h.Path, h.Path+".old"); err != nil {
		return fmt.Errorf("failed to rotate %s: %w", h.Path, err)
	}
	return nil
}

// NopHealthHistory discards history. Used when the state dir is not
// writable.
type NopHealthHistory struct{}

func (NopHealthHistory) Append(*WaitResult) error                 { return nil }
func (NopHealthHistory) Recent(int) ([]HealthHistoryEntry, error) { return nil, nil }
func (NopHealthHistory) Prune(time.Duration) (int, error)         { return 0, nil }

// Compile-time interface checks
var (
	_ HealthHistory = (*JSONLHealthHistory)(nil)
	_ HealthHistory = NopHealthHistory{}
)
