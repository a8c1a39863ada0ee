// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := tt.level.toSlogLevel(); got != tt.want {
			t.Errorf("toSlogLevel(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestNew_DefaultConfig(t *testing.T) {
	logger := New(Config{})
	if logger == nil {
		t.Fatal("New returned nil")
	}
	if logger.Slog() == nil {
		t.Error("Slog() returned nil")
	}
}

func TestNew_WithLogDir(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "manage-devstack",
		Quiet:   true,
	})
	defer logger.Close()

	logger.Info("vault unsealed", "attempts", 2)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasPrefix(name, "manage-devstack_") || !strings.HasSuffix(name, ".log") {
		t.Errorf("unexpected log file name %q", name)
	}

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "vault unsealed") {
		t.Errorf("log file missing message, got %q", string(data))
	}
	if !strings.Contains(string(data), `"service":"manage-devstack"`) {
		t.Errorf("log file missing service attribute, got %q", string(data))
	}
}

func TestNew_WithLogDir_InvalidPath(t *testing.T) {
	// Construction must succeed even when the log dir is unusable.
	logger := New(Config{
		LogDir: string([]byte{0}),
		Quiet:  true,
	})
	if logger == nil {
		t.Fatal("New returned nil for bad LogDir")
	}
	logger.Info("still works")
	logger.Close()
}

func TestDefault(t *testing.T) {
	first := Default()
	second := Default()
	if first == nil {
		t.Fatal("Default returned nil")
	}
	if first != second {
		t.Error("Default should return the same instance")
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelWarn,
		Quiet:    true,
		Exporter: exporter,
	})

	logger.Debug("filtered")
	logger.Info("filtered")
	logger.Warn("kept warn")
	logger.Error("kept error")

	entries := exporter.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 exported entries, got %d", len(entries))
	}
	if entries[0].Message != "kept warn" || entries[1].Message != "kept error" {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestLogger_With(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exporter, Service: "cli"})

	child := logger.With("profile", "standard")
	child.Info("starting services")

	entries := exporter.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Service != "cli" {
		t.Errorf("child lost service attribute: %+v", entries[0])
	}
}

func TestLogger_Close_WithExporter(t *testing.T) {
	exporter := &closeTrackingExporter{}
	logger := New(Config{Quiet: true, Exporter: exporter})

	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !exporter.flushed {
		t.Error("Close did not flush exporter")
	}
	if !exporter.closed {
		t.Error("Close did not close exporter")
	}

	// Second close is a no-op.
	if err := logger.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestLogger_Close_ExporterError(t *testing.T) {
	wantErr := errors.New("flush failed")
	logger := New(Config{Quiet: true, Exporter: &closeTrackingExporter{flushErr: wantErr}})

	if err := logger.Close(); !errors.Is(err, wantErr) {
		t.Errorf("Close error = %v, want %v", err, wantErr)
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exporter})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				logger.Info("concurrent", "goroutine", n, "iter", j)
			}
		}(i)
	}
	wg.Wait()

	if got := len(exporter.Entries()); got != 200 {
		t.Errorf("expected 200 entries, got %d", got)
	}
}

func TestMultiHandler_Handle(t *testing.T) {
	var bufA, bufB bytes.Buffer

	handler := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&bufA, nil),
		slog.NewJSONHandler(&bufB, nil),
	}}

	logger := slog.New(handler)
	logger.Info("compose up finished", "services", 7)

	if !strings.Contains(bufA.String(), "compose up finished") {
		t.Errorf("text handler missing record: %q", bufA.String())
	}
	if !strings.Contains(bufB.String(), `"services":7`) {
		t.Errorf("json handler missing record: %q", bufB.String())
	}
}

func TestMultiHandler_LevelFiltering(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer

	handler := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}

	logger := slog.New(handler)
	logger.Info("info only")

	if !strings.Contains(debugBuf.String(), "info only") {
		t.Error("debug handler should have received the record")
	}
	if warnBuf.Len() != 0 {
		t.Errorf("warn handler should have filtered the record, got %q", warnBuf.String())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}

	tests := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/.local/state/devstack", filepath.Join(home, ".local/state/devstack")},
		{"/var/log/devstack", "/var/log/devstack"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := expandPath(tt.in); got != tt.want {
			t.Errorf("expandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestArgsToMap(t *testing.T) {
	tests := []struct {
		name string
		args []any
		want map[string]any
	}{
		{"nil", nil, nil},
		{"pairs", []any{"a", 1, "b", "two"}, map[string]any{"a": 1, "b": "two"}},
		{"odd trailing", []any{"a", 1, "orphan"}, map[string]any{"a": 1, "!BADKEY": "orphan"}},
		{"non-string key", []any{42, "x"}, map[string]any{"42": "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := argsToMap(tt.args)
			if len(got) != len(tt.want) {
				t.Fatalf("argsToMap(%v) = %v, want %v", tt.args, got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("key %q = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestBufferedExporter_Entries_ReturnsCopy(t *testing.T) {
	exporter := NewBufferedExporter()
	_ = exporter.Export(context.Background(), LogEntry{Message: "original"})

	entries := exporter.Entries()
	entries[0].Message = "mutated"

	if exporter.Entries()[0].Message != "original" {
		t.Error("Entries should return a copy")
	}
}

func TestWriterExporter_Export(t *testing.T) {
	var buf bytes.Buffer
	exporter := NewWriterExporter(&buf)

	entry := LogEntry{
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Level:     LevelWarn,
		Message:   "colima not running",
	}
	if err := exporter.Export(context.Background(), entry); err != nil {
		t.Fatalf("Export: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "WARN") || !strings.Contains(out, "colima not running") {
		t.Errorf("unexpected output %q", out)
	}
}

// closeTrackingExporter records Flush/Close calls for shutdown tests.
type closeTrackingExporter struct {
	flushed  bool
	closed   bool
	flushErr error
}

func (e *closeTrackingExporter) Export(ctx context.Context, entry LogEntry) error { return nil }

func (e *closeTrackingExporter) Flush(ctx context.Context) error {
	e.flushed = true
	return e.flushErr
}

func (e *closeTrackingExporter) Close() error {
	e.closed = true
	return nil
}
