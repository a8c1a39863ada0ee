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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/devstack/cmd/devstack/internal/infra/compose"
)

// newFakeVault wires a VaultManager against an httptest server and a
// keystore in a temp dir.
func newFakeVault(t *testing.T, handler http.Handler) (*VaultManager, *VaultKeystore) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	keystore, err := NewVaultKeystore(t.TempDir())
	if err != nil {
		t.Fatalf("NewVaultKeystore failed: %v", err)
	}
	manager, err := NewVaultManager(VaultManagerConfig{
		Addr:    server.URL,
		Timeout: 5 * time.Second,
	}, keystore, nil)
	if err != nil {
		t.Fatalf("NewVaultManager failed: %v", err)
	}
	return manager, keystore
}

func saveTestInitKeys(t *testing.T, keystore *VaultKeystore, keys ...string) {
	t.Helper()
	err := keystore.SaveInitKeys(&VaultInitKeys{
		UnsealKeysB64: keys,
		RootToken:     "hvs.test-root-token",
	})
	if err != nil {
		t.Fatalf("SaveInitKeys failed: %v", err)
	}
}

func TestVaultStatus(t *testing.T) {
	manager, _ := newFakeVault(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sys/seal-status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"initialized":true,"sealed":true,"t":3,"n":5,"version":"1.15.4"}`)
	}))

	status, err := manager.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.Initialized || !status.Sealed {
		t.Errorf("status = %+v, want initialized and sealed", status)
	}
	if status.Version != "1.15.4" {
		t.Errorf("version = %s", status.Version)
	}
	if status.KeysOnDisk {
		t.Error("KeysOnDisk = true with an empty keystore")
	}
}

func TestVaultUnsealSubmitsKeysUntilOpen(t *testing.T) {
	var submissions int32
	manager, keystore := newFakeVault(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/sys/seal-status":
			fmt.Fprint(w, `{"initialized":true,"sealed":true,"t":2,"n":3}`)
		case "/v1/sys/unseal":
			n := atomic.AddInt32(&submissions, 1)
			// Opens on the second key of the threshold.
			fmt.Fprintf(w, `{"sealed":%t,"t":2,"n":3,"progress":%d}`, n < 2, n)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	saveTestInitKeys(t, keystore, "a2V5MQ==", "a2V5Mg==", "a2V5Mw==")

	if err := manager.Unseal(context.Background()); err != nil {
		t.Fatalf("Unseal failed: %v", err)
	}
	if submissions != 2 {
		t.Errorf("submitted %d keys, want 2", submissions)
	}
}

func TestVaultUnsealAlreadyUnsealed(t *testing.T) {
	manager, keystore := newFakeVault(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/sys/unseal" {
			t.Error("no keys should be submitted to an unsealed vault")
		}
		fmt.Fprint(w, `{"initialized":true,"sealed":false,"t":2,"n":3}`)
	}))
	saveTestInitKeys(t, keystore, "a2V5MQ==", "a2V5Mg==")

	if err := manager.Unseal(context.Background()); err != nil {
		t.Fatalf("Unseal failed: %v", err)
	}
}

func TestVaultUnsealInsufficientKeys(t *testing.T) {
	manager, keystore := newFakeVault(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"initialized":true,"sealed":true,"t":5,"n":5}`)
	}))
	saveTestInitKeys(t, keystore, "a2V5MQ==", "a2V5Mg==")

	err := manager.Unseal(context.Background())
	if err == nil || !strings.Contains(err.Error(), "need 5 unseal keys") {
		t.Errorf("err = %v, want need 5 unseal keys", err)
	}
}

func TestVaultUnsealNoKeysOnDisk(t *testing.T) {
	manager, _ := newFakeVault(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"initialized":true,"sealed":true,"t":3,"n":5}`)
	}))
	if err := manager.Unseal(context.Background()); err == nil {
		t.Error("Unseal without stored keys should fail")
	}
}

func TestVaultInitializeAlreadyInitialized(t *testing.T) {
	manager, keystore := newFakeVault(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/sys/seal-status":
			fmt.Fprint(w, `{"initialized":true,"sealed":false}`)
		case "/v1/sys/init":
			fmt.Fprint(w, `{"initialized":true}`)
		}
	}))

	err := manager.Initialize(context.Background())
	if !errors.Is(err, ErrVaultAlreadyInitialized) {
		t.Errorf("err = %v, want ErrVaultAlreadyInitialized", err)
	}
	if keystore.HasKeys() || keystore.HasToken() {
		t.Error("no init material should be written for an initialized vault")
	}
}

func TestVaultInitializeSavesKeysAndUnseals(t *testing.T) {
	var initialized atomic.Bool
	var unseals int32
	manager, keystore := newFakeVault(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/sys/seal-status":
			fmt.Fprintf(w, `{"initialized":%t,"sealed":true,"t":1,"n":1}`, initialized.Load())
		case "/v1/sys/init":
			if r.Method == http.MethodGet {
				fmt.Fprintf(w, `{"initialized":%t}`, initialized.Load())
				return
			}
			initialized.Store(true)
			fmt.Fprint(w, `{"keys":["6b6579"],"keys_base64":["a2V5MQ=="],"root_token":"hvs.fresh-root"}`)
		case "/v1/sys/unseal":
			atomic.AddInt32(&unseals, 1)
			fmt.Fprint(w, `{"sealed":false,"t":1,"n":1,"progress":1}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	if err := manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if !keystore.HasKeys() || !keystore.HasToken() {
		t.Error("init material should be persisted")
	}
	if unseals != 1 {
		t.Errorf("unseals = %d, want 1", unseals)
	}

	enclave, err := keystore.LoadRootToken()
	if err != nil {
		t.Fatalf("LoadRootToken failed: %v", err)
	}
	buf, err := enclave.Open()
	if err != nil {
		t.Fatalf("enclave open failed: %v", err)
	}
	defer buf.Destroy()
	if buf.String() != "hvs.fresh-root" {
		t.Error("stored token does not match the init response")
	}
}

func TestVaultServicePassword(t *testing.T) {
	var gotToken string
	manager, keystore := newFakeVault(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/redis-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotToken = r.Header.Get("X-Vault-Token")
		fmt.Fprint(w, `{"data":{"data":{"username":"redis","password":"s3cret-pw"}}}`)
	}))
	saveTestInitKeys(t, keystore, "a2V5MQ==")

	password, err := manager.ServicePassword(context.Background(), "redis-1")
	if err != nil {
		t.Fatalf("ServicePassword failed: %v", err)
	}
	if password != "s3cret-pw" {
		t.Error("password does not match the stored secret")
	}
	if gotToken != "hvs.test-root-token" {
		t.Error("request was not authenticated with the stored root token")
	}
}

func TestVaultServicePasswordUnknownService(t *testing.T) {
	manager, _ := newFakeVault(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected for an unknown service, got %s", r.URL.Path)
	}))
	_, err := manager.ServicePassword(context.Background(), "grafana")
	if !errors.Is(err, ErrUnknownService) {
		t.Errorf("err = %v, want ErrUnknownService", err)
	}
}

func TestVaultServicePasswordNotBootstrapped(t *testing.T) {
	manager, keystore := newFakeVault(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"errors":[]}`)
	}))
	saveTestInitKeys(t, keystore, "a2V5MQ==")

	_, err := manager.ServicePassword(context.Background(), "postgres")
	if err == nil || !strings.Contains(err.Error(), "vault-bootstrap") {
		t.Errorf("err = %v, want hint to run vault-bootstrap", err)
	}
}

func TestCreateForgejoDatabase(t *testing.T) {
	manager, _ := newFakeVault(t, http.NotFoundHandler())

	t.Run("creates database", func(t *testing.T) {
		var command []string
		executor := &compose.MockExecutor{
			ExecFunc: func(ctx context.Context, service string, env map[string]string, cmd ...string) (string, error) {
				command = cmd
				return "CREATE DATABASE", nil
			},
		}
		if err := manager.CreateForgejoDatabase(context.Background(), executor); err != nil {
			t.Fatalf("CreateForgejoDatabase failed: %v", err)
		}
		if len(command) == 0 || command[0] != "psql" {
			t.Errorf("command = %v, want psql", command)
		}
	})

	t.Run("already exists is not an error", func(t *testing.T) {
		executor := &compose.MockExecutor{
			ExecFunc: func(ctx context.Context, service string, env map[string]string, cmd ...string) (string, error) {
				return "", fmt.Errorf(`ERROR: database "forgejo" already exists`)
			},
		}
		if err := manager.CreateForgejoDatabase(context.Background(), executor); err != nil {
			t.Errorf("already-exists should be tolerated: %v", err)
		}
	})

	t.Run("other failures propagate", func(t *testing.T) {
		executor := &compose.MockExecutor{
			ExecFunc: func(ctx context.Context, service string, env map[string]string, cmd ...string) (string, error) {
				return "", fmt.Errorf("connection refused")
			},
		}
		if err := manager.CreateForgejoDatabase(context.Background(), executor); err == nil {
			t.Error("expected error")
		}
	})
}
