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
	"net/http"
	"strings"
	"testing"

	"github.com/AleutianAI/devstack/cmd/devstack/internal/infra/compose"
)

// redisSecretHandler serves the redis-1 credentials the initializer
// reads from Vault.
func redisSecretHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"data":{"password":"redis-pw"}}}`)
	})
}

func runningContainers(services ...string) []compose.ContainerStatus {
	var out []compose.ContainerStatus
	for _, s := range services {
		out = append(out, compose.ContainerStatus{
			Name:    "dev-" + s,
			Service: s,
			State:   "running",
		})
	}
	return out
}

func TestServiceInitializerRequiresCollaborators(t *testing.T) {
	vault, _ := newFakeVault(t, http.NotFoundHandler())
	if _, err := NewServiceInitializer(nil, vault, nil); err == nil {
		t.Error("nil executor should be rejected")
	}
	if _, err := NewServiceInitializer(&compose.MockExecutor{}, nil, nil); err == nil {
		t.Error("nil vault should be rejected")
	}
}

func TestInitForgejoRequiresRunningContainer(t *testing.T) {
	vault, _ := newFakeVault(t, http.NotFoundHandler())
	executor := &compose.MockExecutor{
		StatusFunc: func(ctx context.Context, env map[string]string) ([]compose.ContainerStatus, error) {
			return runningContainers("vault", "postgres"), nil
		},
	}
	initializer, err := NewServiceInitializer(executor, vault, nil)
	if err != nil {
		t.Fatalf("NewServiceInitializer failed: %v", err)
	}

	err = initializer.InitForgejo(context.Background())
	if err == nil || !strings.Contains(err.Error(), "start the stack first") {
		t.Errorf("err = %v, want start hint", err)
	}
	// The error must fire before any exec.
	for _, call := range executor.Calls {
		if call == "Exec" {
			t.Error("no exec should run against a stopped container")
		}
	}
}

func TestInitForgejoRunsBootstrap(t *testing.T) {
	vault, _ := newFakeVault(t, http.NotFoundHandler())

	var execs [][]string
	executor := &compose.MockExecutor{
		StatusFunc: func(ctx context.Context, env map[string]string) ([]compose.ContainerStatus, error) {
			return runningContainers("forgejo", "postgres"), nil
		},
		ExecFunc: func(ctx context.Context, service string, env map[string]string, command ...string) (string, error) {
			execs = append(execs, append([]string{service}, command...))
			return "", nil
		},
	}
	initializer, err := NewServiceInitializer(executor, vault, nil)
	if err != nil {
		t.Fatalf("NewServiceInitializer failed: %v", err)
	}

	if err := initializer.InitForgejo(context.Background()); err != nil {
		t.Fatalf("InitForgejo failed: %v", err)
	}

	if len(execs) != 2 {
		t.Fatalf("got %d execs, want database create then bootstrap", len(execs))
	}
	if execs[0][0] != "postgres" || execs[0][1] != "psql" {
		t.Errorf("first exec = %v, want psql against postgres", execs[0])
	}
	if execs[1][0] != "forgejo" || execs[1][1] != "/usr/local/bin/forgejo-bootstrap.sh" {
		t.Errorf("second exec = %v, want the bootstrap script", execs[1])
	}
}

func TestInitRedisClusterAlreadyFormed(t *testing.T) {
	vault, keystore := newFakeVault(t, redisSecretHandler())
	saveTestInitKeys(t, keystore, "a2V5MQ==")

	var clusterCreates int
	executor := &compose.MockExecutor{
		StatusFunc: func(ctx context.Context, env map[string]string) ([]compose.ContainerStatus, error) {
			return runningContainers("redis-1", "redis-2", "redis-3"), nil
		},
		ExecFunc: func(ctx context.Context, service string, env map[string]string, command ...string) (string, error) {
			if strings.Contains(strings.Join(command, " "), "cluster info") {
				return "cluster_state:ok\ncluster_slots_assigned:16384\n", nil
			}
			clusterCreates++
			return "", nil
		},
	}
	initializer, err := NewServiceInitializer(executor, vault, nil)
	if err != nil {
		t.Fatalf("NewServiceInitializer failed: %v", err)
	}

	if err := initializer.InitRedisCluster(context.Background()); err != nil {
		t.Fatalf("InitRedisCluster failed: %v", err)
	}
	if clusterCreates != 0 {
		t.Error("a formed cluster must not be re-created")
	}
}

func TestInitRedisClusterCreates(t *testing.T) {
	vault, keystore := newFakeVault(t, redisSecretHandler())
	saveTestInitKeys(t, keystore, "a2V5MQ==")

	var createArgs []string
	executor := &compose.MockExecutor{
		StatusFunc: func(ctx context.Context, env map[string]string) ([]compose.ContainerStatus, error) {
			return runningContainers("redis-1", "redis-2", "redis-3"), nil
		},
		ExecFunc: func(ctx context.Context, service string, env map[string]string, command ...string) (string, error) {
			joined := strings.Join(command, " ")
			if strings.Contains(joined, "cluster info") {
				return "cluster_state:fail\ncluster_slots_assigned:0\n", nil
			}
			if service != "redis-1" {
				t.Errorf("cluster create ran against %s, want redis-1", service)
			}
			createArgs = command
			return "[OK] All 16384 slots covered.", nil
		},
	}
	initializer, err := NewServiceInitializer(executor, vault, nil)
	if err != nil {
		t.Fatalf("NewServiceInitializer failed: %v", err)
	}

	if err := initializer.InitRedisCluster(context.Background()); err != nil {
		t.Fatalf("InitRedisCluster failed: %v", err)
	}

	joined := strings.Join(createArgs, " ")
	for _, node := range redisClusterNodes {
		if !strings.Contains(joined, node) {
			t.Errorf("create command missing node %s: %s", node, joined)
		}
	}
	if !strings.Contains(joined, "--cluster-yes") {
		t.Errorf("create command should be non-interactive: %s", joined)
	}
	if !strings.Contains(joined, "--cluster-replicas 0") {
		t.Errorf("create command should assign zero replicas: %s", joined)
	}
	if !strings.Contains(joined, "redis-pw") {
		t.Errorf("create command should authenticate with the vault password")
	}
}

func TestInitRedisClusterWithoutCredentials(t *testing.T) {
	// No root token on disk, so the password lookup fails.
	vault, _ := newFakeVault(t, redisSecretHandler())
	executor := &compose.MockExecutor{
		StatusFunc: func(ctx context.Context, env map[string]string) ([]compose.ContainerStatus, error) {
			return runningContainers("redis-1"), nil
		},
	}
	initializer, err := NewServiceInitializer(executor, vault, nil)
	if err != nil {
		t.Fatalf("NewServiceInitializer failed: %v", err)
	}

	err = initializer.InitRedisCluster(context.Background())
	if err == nil || !strings.Contains(err.Error(), "vault credentials") {
		t.Errorf("err = %v, want vault credentials failure", err)
	}
}
