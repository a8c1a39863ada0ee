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
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/AleutianAI/devstack/cmd/devstack/internal/infra/compose"
)

// ErrSSRFBlocked indicates a health check URL was rejected by the
// SSRF guard.
var ErrSSRFBlocked = errors.New("SSRF protection")

// HealthChecker verifies service availability.
//
// # Description
//
// Abstracts health checking for testability. Supports HTTP, TCP,
// container, AMQP, and Redis probes, plus a backoff-driven wait for
// whole-stack convergence after startup.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type HealthChecker interface {
	// WaitForServices polls until all critical services are healthy
	// or the timeout elapses. Non-critical services are reported but
	// never block. Uses exponential backoff with jitter between
	// polling rounds.
	WaitForServices(ctx context.Context, services []ServiceDefinition, opts WaitOptions) (*WaitResult, error)

	// CheckService performs a single health check without retries.
	CheckService(ctx context.Context, service ServiceDefinition) (*HealthStatus, error)

	// CheckAllServices checks multiple services concurrently,
	// preserving input order in the results.
	CheckAllServices(ctx context.Context, services []ServiceDefinition) ([]HealthStatus, error)
}

// HealthHTTPClient abstracts the HTTP client for testing.
type HealthHTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultHealthChecker is the production HealthChecker.
//
// Container checks go through the compose executor; HTTP, TCP, AMQP,
// and Redis checks dial the host-mapped ports directly.
type DefaultHealthChecker struct {
	executor   compose.Executor
	config     HealthCheckerConfig
	httpClient HealthHTTPClient
}

// NewDefaultHealthChecker creates a production health checker.
func NewDefaultHealthChecker(executor compose.Executor, config HealthCheckerConfig) *DefaultHealthChecker {
	timeout := EnforceMinTimeout(config.DefaultTimeout, MinHTTPTimeout)
	return &DefaultHealthChecker{
		executor: executor,
		config:   config,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// NewDefaultHealthCheckerWithHTTPClient injects a custom HTTP client
// for tests.
func NewDefaultHealthCheckerWithHTTPClient(executor compose.Executor, config HealthCheckerConfig, httpClient HealthHTTPClient) *DefaultHealthChecker {
	checker := NewDefaultHealthChecker(executor, config)
	if httpClient != nil {
		checker.httpClient = httpClient
	}
	return checker
}

// isURLSafe rejects health check targets that could reach sensitive
// endpoints. Localhost and private ranges are the expected targets;
// the cloud metadata endpoint and link-local range are blocked.
func isURLSafe(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("URL has no host")
	}

	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return nil
	}

	ip := net.ParseIP(host)
	if ip == nil {
		// Hostname, not IP. Allow DNS resolution.
		return nil
	}

	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return fmt.Errorf("%w: cloud metadata endpoint blocked", ErrSSRFBlocked)
	}
	linkLocal := net.IPNet{IP: net.ParseIP("169.254.0.0"), Mask: net.CIDRMask(16, 32)}
	if linkLocal.Contains(ip) {
		return fmt.Errorf("%w: link-local address blocked", ErrSSRFBlocked)
	}

	return nil
}

// WaitForServices implements HealthChecker.
func (h *DefaultHealthChecker) WaitForServices(ctx context.Context, services []ServiceDefinition, opts WaitOptions) (*WaitResult, error) {
	startTime := time.Now()
	result := &WaitResult{
		ID:        GenerateID(),
		StartedAt: startTime,
		OptionsID: opts.ID,
		Services:  make([]HealthStatus, 0, len(services)),
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, EnforceDefaultTimeout(opts.Timeout, DefaultHealthWaitTimeout))
	defer cancel()

	checkServices := h.filterServicesForWait(services, opts, result)
	healthy := make(map[string]bool)
	var latest []HealthStatus
	interval := opts.InitialInterval
	if interval <= 0 {
		interval = time.Second
	}

	for {
		if timeoutCtx.Err() != nil {
			return h.buildTimeoutResult(result, latest, checkServices, healthy, startTime)
		}

		statuses, err := h.CheckAllServices(timeoutCtx, checkServices)
		if err == nil {
			latest = statuses
			h.updateHealthyServices(statuses, healthy)

			if h.areAllCriticalHealthy(checkServices, healthy) {
				return h.buildSuccessResult(result, statuses, startTime), nil
			}

			if opts.FailFast {
				if failed := h.findFailedCriticalService(checkServices, healthy); failed != "" {
					return h.buildFailFastResult(result, statuses, failed, startTime)
				}
			}
		}

		h.sleepWithContext(timeoutCtx, h.applyJitter(interval, opts.Jitter))
		interval = h.calculateNextInterval(interval, opts.MaxInterval, opts.Multiplier)
	}
}

// CheckService implements HealthChecker.
func (h *DefaultHealthChecker) CheckService(ctx context.Context, service ServiceDefinition) (*HealthStatus, error) {
	startTime := time.Now()
	status := &HealthStatus{
		ID:                  GenerateID(),
		Name:                service.Name,
		ServiceDefinitionID: service.ID,
		CheckVersion:        service.Version,
		LastChecked:         startTime,
		Attempts:            1,
	}

	timeout := h.getTimeoutForService(service)
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	switch service.CheckType {
	case HealthCheckHTTP:
		err = h.performHTTPCheck(checkCtx, service, status)
	case HealthCheckTCP:
		err = h.performTCPCheck(checkCtx, service, status)
	case HealthCheckContainer:
		err = h.performContainerCheck(checkCtx, service, status)
	case HealthCheckAMQP:
		err = h.performAMQPCheck(checkCtx, service, status)
	case HealthCheckRedis:
		err = h.performRedisCheck(checkCtx, service, status)
	default:
		status.State = HealthStateUnhealthy
		status.Message = fmt.Sprintf("unknown check type: %s", service.CheckType)
		return status, fmt.Errorf("unknown check type: %s", service.CheckType)
	}

	status.Latency = time.Since(startTime)
	status.LastChecked = time.Now()

	return status, err
}

// CheckAllServices implements HealthChecker.
func (h *DefaultHealthChecker) CheckAllServices(ctx context.Context, services []ServiceDefinition) ([]HealthStatus, error) {
	if len(services) == 0 {
		return []HealthStatus{}, nil
	}

	results := make([]HealthStatus, len(services))
	var wg sync.WaitGroup
	for i, svc := range services {
		wg.Add(1)
		go func(idx int, def ServiceDefinition) {
			defer wg.Done()
			status, _ := h.CheckService(ctx, def)
			if status == nil {
				status = &HealthStatus{
					ID:    GenerateID(),
					Name:  def.Name,
					State: HealthStateUnreachable,
				}
			}
			results[idx] = *status
		}(i, svc)
	}
	wg.Wait()

	return results, nil
}

// performHTTPCheck probes an HTTP endpoint for the expected status.
func (h *DefaultHealthChecker) performHTTPCheck(ctx context.Context, service ServiceDefinition, status *HealthStatus) error {
	if service.URL == "" {
		status.State = HealthStateUnhealthy
		status.Message = "no URL configured for HTTP check"
		return fmt.Errorf("no URL configured for HTTP check")
	}

	if err := isURLSafe(service.URL); err != nil {
		status.State = HealthStateUnhealthy
		status.Message = fmt.Sprintf("blocked: %v", err)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, service.URL, nil)
	if err != nil {
		status.State = HealthStateUnreachable
		status.Message = fmt.Sprintf("failed to create request: %v", err)
		return err
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		status.State = HealthStateUnreachable
		status.Message = fmt.Sprintf("request failed: %v", err)
		return nil
	}
	defer resp.Body.Close()

	status.HTTPStatus = resp.StatusCode

	expected := h.config.DefaultExpectedStatus
	if service.ExpectedStatus > 0 {
		expected = service.ExpectedStatus
	}

	if resp.StatusCode == expected {
		status.State = HealthStateHealthy
		status.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
	} else {
		status.State = HealthStateUnhealthy
		status.Message = fmt.Sprintf("HTTP %d (expected %d)", resp.StatusCode, expected)
	}

	return nil
}

// performTCPCheck attempts a TCP connection to the service's host:port.
func (h *DefaultHealthChecker) performTCPCheck(ctx context.Context, service ServiceDefinition, status *HealthStatus) error {
	if service.URL == "" {
		status.State = HealthStateUnhealthy
		status.Message = "no URL configured for TCP check"
		return fmt.Errorf("no URL configured for TCP check")
	}

	host := strings.TrimPrefix(service.URL, "tcp://")
	if err := isURLSafe("tcp://" + host); err != nil {
		status.State = HealthStateUnhealthy
		status.Message = fmt.Sprintf("blocked: %v", err)
		return err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		status.State = HealthStateUnreachable
		status.Message = fmt.Sprintf("TCP connection failed: %v", err)
		return nil
	}
	defer conn.Close()

	status.State = HealthStateHealthy
	status.Message = "TCP port open"
	return nil
}

// performContainerCheck checks container state via docker compose ps.
// A container with a healthcheck must report healthy; one without
// counts as healthy when running.
func (h *DefaultHealthChecker) performContainerCheck(ctx context.Context, service ServiceDefinition, status *HealthStatus) error {
	if service.ContainerName == "" {
		status.State = HealthStateUnhealthy
		status.Message = "no container name configured"
		return fmt.Errorf("no container name configured")
	}
	if h.executor == nil {
		status.State = HealthStateUnreachable
		status.Message = "no compose executor available"
		return nil
	}

	containers, err := h.executor.Status(ctx, nil)
	if err != nil {
		status.State = HealthStateUnreachable
		status.Message = fmt.Sprintf("failed to query containers: %v", err)
		return nil
	}

	for _, c := range containers {
		if c.Name != service.ContainerName {
			continue
		}
		status.ContainerState = c.State
		if c.Healthy() {
			status.State = HealthStateHealthy
			status.Message = "container healthy"
		} else {
			status.State = HealthStateUnhealthy
			status.Message = fmt.Sprintf("container %s (health: %s)", c.State, c.Health)
		}
		return nil
	}

	status.State = HealthStateUnhealthy
	status.ContainerState = "absent"
	status.Message = "container not found"
	return nil
}

// performAMQPCheck opens and closes an AMQP connection, verifying the
// broker completes its handshake.
func (h *DefaultHealthChecker) performAMQPCheck(ctx context.Context, service ServiceDefinition, status *HealthStatus) error {
	if service.URL == "" {
		status.State = HealthStateUnhealthy
		status.Message = "no URL configured for AMQP check"
		return fmt.Errorf("no URL configured for AMQP check")
	}
	if err := isURLSafe(service.URL); err != nil {
		status.State = HealthStateUnhealthy
		status.Message = fmt.Sprintf("blocked: %v", err)
		return err
	}

	conn, err := amqp.DialConfig(service.URL, amqp.Config{
		Dial: func(network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	})
	if err != nil {
		status.State = HealthStateUnreachable
		status.Message = fmt.Sprintf("AMQP handshake failed: %v", err)
		return nil
	}
	conn.Close()

	status.State = HealthStateHealthy
	status.Message = "AMQP handshake ok"
	return nil
}

// performRedisCheck sends a PING to the Redis node. Cluster nodes
// answer PING before the cluster is formed, so this probes the node,
// not cluster quorum.
func (h *DefaultHealthChecker) performRedisCheck(ctx context.Context, service ServiceDefinition, status *HealthStatus) error {
	if service.URL == "" {
		status.State = HealthStateUnhealthy
		status.Message = "no URL configured for Redis check"
		return fmt.Errorf("no URL configured for Redis check")
	}
	addr := strings.TrimPrefix(service.URL, "redis://")
	if err := isURLSafe("tcp://" + addr); err != nil {
		status.State = HealthStateUnhealthy
		status.Message = fmt.Sprintf("blocked: %v", err)
		return err
	}

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: h.getTimeoutForService(service),
	})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		// NOAUTH means the node is up but requires a password. The
		// port answering redis protocol is enough for startup gating.
		if strings.Contains(err.Error(), "NOAUTH") {
			status.State = HealthStateHealthy
			status.Message = "redis up (auth required)"
			return nil
		}
		status.State = HealthStateUnreachable
		status.Message = fmt.Sprintf("redis ping failed: %v", err)
		return nil
	}

	status.State = HealthStateHealthy
	status.Message = "redis PONG"
	return nil
}

func (h *DefaultHealthChecker) filterServicesForWait(services []ServiceDefinition, opts WaitOptions, result *WaitResult) []ServiceDefinition {
	if !opts.SkipOptional {
		return services
	}
	var kept []ServiceDefinition
	for _, svc := range services {
		if svc.Critical {
			kept = append(kept, svc)
		} else {
			result.Skipped = append(result.Skipped, svc.Name)
		}
	}
	return kept
}

func (h *DefaultHealthChecker) updateHealthyServices(statuses []HealthStatus, healthy map[string]bool) {
	for _, s := range statuses {
		if s.State == HealthStateHealthy {
			healthy[s.Name] = true
		}
	}
}

func (h *DefaultHealthChecker) areAllCriticalHealthy(services []ServiceDefinition, healthy map[string]bool) bool {
	for _, svc := range services {
		if svc.Critical && !healthy[svc.Name] {
			return false
		}
	}
	return true
}

func (h *DefaultHealthChecker) findFailedCriticalService(services []ServiceDefinition, healthy map[string]bool) string {
	for _, svc := range services {
		if svc.Critical && !healthy[svc.Name] {
			return svc.Name
		}
	}
	return ""
}

func (h *DefaultHealthChecker) buildSuccessResult(result *WaitResult, statuses []HealthStatus, startTime time.Time) *WaitResult {
	result.Success = true
	result.Services = statuses
	result.Duration = time.Since(startTime)
	result.CompletedAt = time.Now()
	return result
}

func (h *DefaultHealthChecker) buildTimeoutResult(result *WaitResult, statuses []HealthStatus, services []ServiceDefinition, healthy map[string]bool, startTime time.Time) (*WaitResult, error) {
	result.Success = false
	result.Services = statuses
	result.Duration = time.Since(startTime)
	result.CompletedAt = time.Now()
	for _, svc := range services {
		if svc.Critical && !healthy[svc.Name] {
			result.FailedCritical = append(result.FailedCritical, svc.Name)
		}
	}
	return result, fmt.Errorf("timed out waiting for services: %s", strings.Join(result.FailedCritical, ", "))
}

func (h *DefaultHealthChecker) buildFailFastResult(result *WaitResult, statuses []HealthStatus, failedService string, startTime time.Time) (*WaitResult, error) {
	result.Success = false
	result.Services = statuses
	result.Duration = time.Since(startTime)
	result.CompletedAt = time.Now()
	result.FailedCritical = []string{failedService}
	return result, fmt.Errorf("critical service %s failed health check", failedService)
}

func (h *DefaultHealthChecker) getTimeoutForService(service ServiceDefinition) time.Duration {
	if service.Timeout > 0 {
		return service.Timeout
	}
	return EnforceMinTimeout(h.config.DefaultTimeout, MinTCPTimeout)
}

// applyJitter randomizes an interval within [1-jitter, 1+jitter].
func (h *DefaultHealthChecker) applyJitter(interval time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return interval
	}
	factor := 1.0 + jitter*(2*rand.Float64()-1)
	return time.Duration(float64(interval) * factor)
}

func (h *DefaultHealthChecker) calculateNextInterval(current, max time.Duration, multiplier float64) time.Duration {
	if multiplier <= 1.0 {
		multiplier = 2.0
	}
	next := time.Duration(float64(current) * multiplier)
	if max > 0 && next > max {
		return max
	}
	return next
}

// sleepWithContext waits for the duration or until ctx is done,
// whichever comes first, so Ctrl+C interrupts the wait immediately.
func (h *DefaultHealthChecker) sleepWithContext(ctx context.Context, duration time.Duration) {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// MockHealthChecker is a test double with function fields.
type MockHealthChecker struct {
	WaitForServicesFunc  func(ctx context.Context, services []ServiceDefinition, opts WaitOptions) (*WaitResult, error)
	CheckServiceFunc     func(ctx context.Context, service ServiceDefinition) (*HealthStatus, error)
	CheckAllServicesFunc func(ctx context.Context, services []ServiceDefinition) ([]HealthStatus, error)

	// Calls records method names in invocation order.
	Calls []string
}

func (m *MockHealthChecker) WaitForServices(ctx context.Context, services []ServiceDefinition, opts WaitOptions) (*WaitResult, error) {
	m.Calls = append(m.Calls, "WaitForServices")
	if m.WaitForServicesFunc != nil {
		return m.WaitForServicesFunc(ctx, services, opts)
	}
	return &WaitResult{ID: GenerateID(), Success: true}, nil
}

func (m *MockHealthChecker) CheckService(ctx context.Context, service ServiceDefinition) (*HealthStatus, error) {
	m.Calls = append(m.Calls, "CheckService")
	if m.CheckServiceFunc != nil {
		return m.CheckServiceFunc(ctx, service)
	}
	return &HealthStatus{ID: GenerateID(), Name: service.Name, State: HealthStateHealthy}, nil
}

func (m *MockHealthChecker) CheckAllServices(ctx context.Context, services []ServiceDefinition) ([]HealthStatus, error) {
	m.Calls = append(m.Calls, "CheckAllServices")
	if m.CheckAllServicesFunc != nil {
		return m.CheckAllServicesFunc(ctx, services)
	}
	statuses := make([]HealthStatus, 0, len(services))
	for _, svc := range services {
		statuses = append(statuses, HealthStatus{ID: GenerateID(), Name: svc.Name, State: HealthStateHealthy})
	}
	return statuses, nil
}

// Compile-time interface checks
var (
	_ HealthChecker = (*DefaultHealthChecker)(nil)
	_ HealthChecker = (*MockHealthChecker)(nil)
)
