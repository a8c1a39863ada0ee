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
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")) // blue
)

// ProgressIndicator defines the interface for progress feedback.
//
// # Description
//
// ProgressIndicator provides visual feedback during long-running operations
// to prevent users from thinking the application has frozen.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
type ProgressIndicator interface {
	// Start begins the progress indication.
	Start()

	// Stop halts the progress indication.
	Stop()

	// SetMessage updates the displayed message.
	SetMessage(message string)

	// IsRunning returns whether the indicator is active.
	IsRunning() bool
}

// SpinnerConfig configures spinner behavior.
type SpinnerConfig struct {
	// Message is the text displayed next to the spinner.
	Message string

	// Interval is the time between frame updates.
	// Default: 100ms
	Interval time.Duration

	// Frames are the animation characters.
	// Default: Braille dots (⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏)
	Frames []string

	// Writer is where output is written.
	// Default: os.Stderr
	Writer io.Writer

	// Plain disables animation and ANSI styling, printing the message
	// once instead. Auto-detected from the writer when unset via
	// NewSpinner: non-TTY writers get plain output.
	Plain bool

	// HideCursor hides the terminal cursor while spinning.
	// Default: true
	HideCursor bool

	// ClearOnStop clears the spinner line when stopped.
	// Default: true
	ClearOnStop bool

	// SuccessMessage shown when StopSuccess is called with an empty message.
	SuccessMessage string

	// FailureMessage shown when StopFailure is called with an empty message.
	FailureMessage string
}

// DefaultSpinnerConfig returns sensible defaults.
func DefaultSpinnerConfig() SpinnerConfig {
	return SpinnerConfig{
		Message:     "Working...",
		Interval:    100 * time.Millisecond,
		Frames:      []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		Writer:      os.Stderr,
		HideCursor:  true,
		ClearOnStop: true,
	}
}

// Spinner provides animated progress feedback for CLI operations.
//
// # Description
//
// Spinner displays an animated character sequence with a message to
// indicate that a long-running operation is in progress. When output
// is not a terminal (CI, piped logs) it degrades to single printed
// lines instead of ANSI animation.
//
// # Use Cases
//
//   - Waiting for the colima VM to boot
//   - Waiting for containers to become healthy
//   - Vault unseal and bootstrap waits
//   - Database dumps during backup
//
// # Thread Safety
//
// Spinner is safe for concurrent use. Start/Stop can be called from
// different goroutines.
//
// # Limitations
//
//   - Concurrent writes to the same Writer may cause garbled output
//
// # Example
//
//	spinner := NewSpinner(SpinnerConfig{Message: "Starting services..."})
//	spinner.Start()
//	defer spinner.Stop()
//
//	spinner.SetMessage("Waiting for health checks...")
type Spinner struct {
	config  SpinnerConfig
	frame   int
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
}

// NewSpinner creates a new spinner with the given configuration.
//
// The spinner displays nothing until Start() is called. If the writer
// is not a terminal, Plain mode is enabled automatically.
func NewSpinner(config SpinnerConfig) *Spinner {
	if config.Interval <= 0 {
		config.Interval = 100 * time.Millisecond
	}
	if len(config.Frames) == 0 {
		config.Frames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	}
	if config.Writer == nil {
		config.Writer = os.Stderr
	}
	if !config.Plain {
		if f, ok := config.Writer.(*os.File); ok {
			if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
				config.Plain = true
			}
		}
	}

	return &Spinner{
		config: config,
	}
}

// Start begins the spinner animation.
//
// Safe to call multiple times (subsequent calls are no-ops). In Plain
// mode the message is printed once instead of animated.
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	plain := s.config.Plain
	message := s.config.Message
	s.mu.Unlock()

	if plain {
		fmt.Fprintf(s.config.Writer, "%s\n", message)
		close(s.doneCh)
		return
	}

	if s.config.HideCursor {
		fmt.Fprint(s.config.Writer, "\033[?25l")
	}

	go s.spin()
}

// Stop halts the spinner animation.
//
// Blocks until the spinner goroutine has fully stopped.
func (s *Spinner) Stop() {
	if !s.halt() {
		return
	}

	if s.config.Plain {
		return
	}
	if s.config.ClearOnStop {
		s.clearLine()
	}
	if s.config.HideCursor {
		fmt.Fprint(s.config.Writer, "\033[?25h")
	}
}

// StopSuccess stops and displays a success message.
//
// Uses SuccessMessage when message is empty, falling back to "Done".
func (s *Spinner) StopSuccess(message string) {
	if !s.halt() {
		return
	}

	if message == "" {
		message = s.config.SuccessMessage
	}
	if message == "" {
		message = "Done"
	}

	if s.config.Plain {
		fmt.Fprintf(s.config.Writer, "✓ %s\n", message)
		return
	}

	s.clearLine()
	fmt.Fprintf(s.config.Writer, "\r%s %s\n", successStyle.Render("✓"), message)
	if s.config.HideCursor {
		fmt.Fprint(s.config.Writer, "\033[?25h")
	}
}

// StopFailure stops and displays a failure message.
//
// Uses FailureMessage when message is empty, falling back to "Failed".
func (s *Spinner) StopFailure(message string) {
	if !s.halt() {
		return
	}

	if message == "" {
		message = s.config.FailureMessage
	}
	if message == "" {
		message = "Failed"
	}

	if s.config.Plain {
		fmt.Fprintf(s.config.Writer, "✗ %s\n", message)
		return
	}

	s.clearLine()
	fmt.Fprintf(s.config.Writer, "\r%s %s\n", failureStyle.Render("✗"), message)
	if s.config.HideCursor {
		fmt.Fprint(s.config.Writer, "\033[?25h")
	}
}

// halt transitions the spinner to stopped and waits for the animation
// goroutine. Returns false if the spinner was not running.
func (s *Spinner) halt() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
	return true
}

// SetMessage updates the displayed message. Safe to call while running.
func (s *Spinner) SetMessage(message string) {
	s.mu.Lock()
	plain := s.config.Plain
	running := s.running
	s.config.Message = message
	s.mu.Unlock()

	// Plain mode has no redraw loop, so print the transition.
	if plain && running {
		fmt.Fprintf(s.config.Writer, "%s\n", message)
	}
}

// IsRunning returns whether the spinner is active.
func (s *Spinner) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// spin is the main animation loop.
func (s *Spinner) spin() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.render()
		case <-s.stopCh:
			return
		}
	}
}

// render draws the current frame.
func (s *Spinner) render() {
	s.mu.Lock()
	frame := s.config.Frames[s.frame%len(s.config.Frames)]
	message := s.config.Message
	s.frame++
	s.mu.Unlock()

	fmt.Fprintf(s.config.Writer, "\r%s %s", spinnerStyle.Render(frame), message)
}

// clearLine clears the current line.
func (s *Spinner) clearLine() {
	fmt.Fprint(s.config.Writer, "\r\033[K")
}

// SpinWhile runs a function with a spinner showing progress.
//
// # Example
//
//	err := SpinWhile("Starting services...", func() error {
//	    return manager.Start(ctx)
//	})
func SpinWhile(message string, fn func() error) error {
	spinner := NewSpinner(SpinnerConfig{Message: message})
	spinner.Start()

	err := fn()

	if err != nil {
		spinner.StopFailure(err.Error())
	} else {
		spinner.StopSuccess("")
	}

	return err
}

// SpinWhileContext runs a function with a spinner, respecting context.
//
// Like SpinWhile but stops the spinner if the context is cancelled
// before fn returns.
func SpinWhileContext(ctx context.Context, message string, fn func() error) error {
	spinner := NewSpinner(SpinnerConfig{Message: message})
	spinner.Start()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		if err != nil {
			spinner.StopFailure(err.Error())
		} else {
			spinner.StopSuccess("")
		}
		return err

	case <-ctx.Done():
		spinner.StopFailure("Cancelled")
		return ctx.Err()
	}
}

// Compile-time interface check
var _ ProgressIndicator = (*Spinner)(nil)
