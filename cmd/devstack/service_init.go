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
	"strings"

	"github.com/AleutianAI/devstack/cmd/devstack/internal/infra/compose"
	"github.com/AleutianAI/devstack/pkg/logging"
)

// redisClusterNodes are the in-network addresses of the three Redis
// nodes, as the compose network resolves them.
var redisClusterNodes = []string{
	"dev-redis-1:6379",
	"dev-redis-2:6379",
	"dev-redis-3:6379",
}

// ServiceInitializer runs one-time, post-start initialization for
// services that need it: the Forgejo install wizard and the Redis
// cluster slot assignment. Both are idempotent and safe to re-run.
type ServiceInitializer struct {
	executor compose.Executor
	vault    *VaultManager
	logger   *logging.Logger
}

// NewServiceInitializer creates a ServiceInitializer.
func NewServiceInitializer(executor compose.Executor, vault *VaultManager, logger *logging.Logger) (*ServiceInitializer, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor must not be nil")
	}
	if vault == nil {
		return nil, fmt.Errorf("vault manager must not be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ServiceInitializer{executor: executor, vault: vault, logger: logger}, nil
}

// InitForgejo ensures the forgejo database exists and runs the
// in-container bootstrap script that completes the install wizard.
//
// Requires a started stack and a bootstrapped Vault; the bootstrap
// script reads its admin credentials from the container environment.
func (s *ServiceInitializer) InitForgejo(ctx context.Context) error {
	if err := s.requireRunning(ctx, "forgejo"); err != nil {
		return err
	}

	if err := s.vault.CreateForgejoDatabase(ctx, s.executor); err != nil {
		return fmt.Errorf("forgejo database setup failed: %w", err)
	}

	s.logger.Info("running forgejo automated installation")
	out, err := s.executor.Exec(ctx, "forgejo", nil, "/usr/local/bin/forgejo-bootstrap.sh")
	if err != nil {
		return fmt.Errorf("forgejo bootstrap failed: %w", err)
	}
	if strings.TrimSpace(out) != "" {
		s.logger.Debug("forgejo bootstrap output", "output", firstLine(out))
	}
	s.logger.Info("forgejo initialized", "url", "http://localhost:3000")
	return nil
}

// InitRedisCluster joins the three Redis nodes into a cluster with
// automatic slot distribution. A no-op when the cluster is already
// formed.
func (s *ServiceInitializer) InitRedisCluster(ctx context.Context) error {
	if err := s.requireRunning(ctx, "redis-1"); err != nil {
		return err
	}

	password, err := s.vault.ServicePassword(ctx, "redis-1")
	if err != nil {
		return fmt.Errorf("cannot initialize cluster without vault credentials: %w", err)
	}

	formed, err := s.clusterFormed(ctx, password)
	if err != nil {
		return err
	}
	if formed {
		s.logger.Info("redis cluster already initialized")
		return nil
	}

	s.logger.Info("creating redis cluster", "nodes", len(redisClusterNodes))
	args := []string{"redis-cli", "-a", password, "--cluster", "create"}
	args = append(args, redisClusterNodes...)
	args = append(args, "--cluster-replicas", "0", "--cluster-yes")
	if _, err := s.executor.Exec(ctx, "redis-1", nil, args...); err != nil {
		return fmt.Errorf("redis cluster create failed: %w", err)
	}
	s.logger.Info("redis cluster initialized")
	return nil
}

// clusterFormed checks cluster_state via redis-cli cluster info.
func (s *ServiceInitializer) clusterFormed(ctx context.Context, password string) (bool, error) {
	out, err := s.executor.Exec(ctx, "redis-1", nil, "redis-cli", "-a", password, "cluster", "info")
	if err != nil {
		return false, fmt.Errorf("redis cluster info failed: %w", err)
	}
	return strings.Contains(out, "cluster_state:ok"), nil
}

// requireRunning fails with a start hint when the service's container
// is not up.
func (s *ServiceInitializer) requireRunning(ctx context.Context, service string) error {
	containers, err := s.executor.Status(ctx, nil)
	if err != nil {
		return fmt.Errorf("cannot check %s status: %w", service, err)
	}
	for _, c := range containers {
		if c.Service == service && c.Running() {
			return nil
		}
	}
	return fmt.Errorf("%s container is not running (start the stack first)", service)
}

// firstLine returns the first line of s.
func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
