// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/awnumar/memguard"
)

// Filenames under the vault config directory.
const (
	vaultKeysFile  = "keys.json"
	vaultTokenFile = "root-token"
	vaultCADir     = "ca"
	vaultCAFile    = "ca-chain.pem"
)

// VaultInitKeys is the on-disk shape of keys.json, written once at
// vault initialization.
type VaultInitKeys struct {
	UnsealKeysB64 []string `json:"unseal_keys_b64"`
	RootToken     string   `json:"root_token"`
}

// VaultKeystore persists Vault initialization material on the host.
//
// # Description
//
// The keystore owns ~/.config/vault: unseal keys and root token in
// keys.json and root-token (mode 0600, directory 0700), and the CA
// certificate chain under ca/. Unseal keys and the token are the keys
// to the kingdom for local development secrets, so they are handed to
// callers inside memguard enclaves and never logged.
//
// # Limitations
//
//   - No encryption at rest. The files are plaintext with tight modes,
//     matching vault's own recommendation for dev stacks only.
type VaultKeystore struct {
	// Dir is the vault config directory (default ~/.config/vault).
	Dir string
}

// NewVaultKeystore creates a keystore rooted at dir, expanding a
// leading ~.
func NewVaultKeystore(dir string) (*VaultKeystore, error) {
	expanded, err := expandHome(dir)
	if err != nil {
		return nil, err
	}
	return &VaultKeystore{Dir: expanded}, nil
}

// KeysPath returns the keys.json path.
func (k *VaultKeystore) KeysPath() string {
	return filepath.Join(k.Dir, vaultKeysFile)
}

// TokenPath returns the root-token path.
func (k *VaultKeystore) TokenPath() string {
	return filepath.Join(k.Dir, vaultTokenFile)
}

// CAPath returns the ca/ca-chain.pem path.
func (k *VaultKeystore) CAPath() string {
	return filepath.Join(k.Dir, vaultCADir, vaultCAFile)
}

// HasKeys reports whether keys.json exists.
func (k *VaultKeystore) HasKeys() bool {
	_, err := os.Stat(k.KeysPath())
	return err == nil
}

// HasToken reports whether the root-token file exists.
func (k *VaultKeystore) HasToken() bool {
	_, err := os.Stat(k.TokenPath())
	return err == nil
}

// SaveInitKeys writes keys.json and root-token with restrictive modes.
//
// The directory is created 0700 and both files 0600. An existing
// keys.json is never overwritten: initialization material exists
// exactly once and losing it permanently seals the vault.
func (k *VaultKeystore) SaveInitKeys(keys *VaultInitKeys) error {
	if keys == nil || len(keys.UnsealKeysB64) == 0 || keys.RootToken == "" {
		return fmt.Errorf("refusing to save incomplete vault init material")
	}
	if k.HasKeys() {
		return fmt.Errorf("%s already exists, refusing to overwrite unseal keys", k.KeysPath())
	}

	if err := os.MkdirAll(k.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create vault config dir %s: %w", k.Dir, err)
	}

	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode vault keys: %w", err)
	}
	if err := os.WriteFile(k.KeysPath(), data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", k.KeysPath(), err)
	}
	if err := os.WriteFile(k.TokenPath(), []byte(keys.RootToken+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", k.TokenPath(), err)
	}
	return nil
}

// LoadUnsealKeys returns the unseal keys, each sealed in a memguard
// enclave. Callers open each enclave only for the duration of the
// unseal API call.
func (k *VaultKeystore) LoadUnsealKeys() ([]*memguard.Enclave, error) {
	data, err := os.ReadFile(k.KeysPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("vault keys file not found: %s (run vault-init first)", k.KeysPath())
		}
		return nil, fmt.Errorf("failed to read %s: %w", k.KeysPath(), err)
	}

	var keys VaultInitKeys
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", k.KeysPath(), err)
	}
	if len(keys.UnsealKeysB64) == 0 {
		return nil, fmt.Errorf("no unseal keys in %s", k.KeysPath())
	}

	enclaves := make([]*memguard.Enclave, 0, len(keys.UnsealKeysB64))
	for _, key := range keys.UnsealKeysB64 {
		enclaves = append(enclaves, memguard.NewEnclave([]byte(key)))
	}
	return enclaves, nil
}

// LoadRootToken returns the root token sealed in a memguard enclave.
func (k *VaultKeystore) LoadRootToken() (*memguard.Enclave, error) {
	data, err := os.ReadFile(k.TokenPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("root token file not found: %s (run vault-init first)", k.TokenPath())
		}
		return nil, fmt.Errorf("failed to read %s: %w", k.TokenPath(), err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return nil, fmt.Errorf("root token file %s is empty", k.TokenPath())
	}
	return memguard.NewEnclave([]byte(token)), nil
}

// SaveCACert writes the CA chain under ca/ with the same tight modes.
// Unlike keys.json this is overwritten freely; re-running bootstrap
// regenerates the chain.
func (k *VaultKeystore) SaveCACert(pem []byte) error {
	dir := filepath.Join(k.Dir, vaultCADir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create CA dir %s: %w", dir, err)
	}
	if err := os.WriteFile(k.CAPath(), pem, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", k.CAPath(), err)
	}
	return nil
}

// LoadCACert reads the CA chain. The certificate is public material,
// no enclave needed.
func (k *VaultKeystore) LoadCACert() ([]byte, error) {
	data, err := os.ReadFile(k.CAPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("CA certificate not found at %s (run vault-bootstrap first)", k.CAPath())
		}
		return nil, fmt.Errorf("failed to read %s: %w", k.CAPath(), err)
	}
	return data, nil
}

// Purge removes stored unseal keys, root token, and CA chain. Used
// by reset: once the Vault data volume is wiped the material on disk
// no longer matches anything.
func (k *VaultKeystore) Purge() error {
	paths := []string{k.KeysPath(), k.TokenPath(), filepath.Join(k.Dir, vaultCADir)}
	for _, p := range paths {
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}
