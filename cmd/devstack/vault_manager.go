// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/vault/api"

	"github.com/AleutianAI/devstack/cmd/devstack/internal/infra/compose"
	"github.com/AleutianAI/devstack/pkg/logging"
)

// Sentinel errors for vault operations.
var (
	ErrVaultAlreadyInitialized = errors.New("vault is already initialized")
	ErrVaultNotInitialized     = errors.New("vault is not initialized")
	ErrVaultSealed             = errors.New("vault is sealed")
	ErrUnknownService          = errors.New("unknown service")
	ErrTooManyRedirects        = errors.New("too many redirects")
)

// validVaultServices are the services with credentials under secret/.
// Redis nodes share one password, stored under secret/redis-1.
var validVaultServices = []string{
	"postgres", "mysql", "redis-1", "redis-2", "redis-3", "rabbitmq", "mongodb", "forgejo",
}

// KV v2 and PKI mount layout.
const (
	vaultKVMount      = "secret"
	vaultPKIMount     = "pki"
	vaultPKIIntMount  = "pki_int"
	vaultRootCATTL    = "87600h" // 10 years
	vaultIntCATTL     = "43800h" // 5 years
	vaultLeafCertTTL  = "8760h"  // 1 year
	vaultPKIRole      = "devstack"
	generatedPassword = 32
)

// VaultManagerConfig configures a VaultManager.
type VaultManagerConfig struct {
	// Addr is the Vault API address (default http://localhost:8200).
	Addr string

	// Shares and Threshold are the Shamir parameters for vault init.
	Shares    int
	Threshold int

	// Timeout bounds individual API calls.
	Timeout time.Duration
}

// VaultManager drives the dev Vault through its HTTP API.
//
// # Description
//
// Owns initialization, unsealing, status, and the one-time bootstrap
// (KV v2 mount, PKI root and intermediate CAs, per-service
// credentials). Initialization material is persisted through
// VaultKeystore and only ever handled inside memguard enclaves.
//
// # Security
//
// Unseal keys, the root token, and generated passwords are never
// logged. Log lines record presence and counts, not values.
//
// # Thread Safety
//
// Not safe for concurrent use. The CLI runs one vault operation at a
// time under the process lock.
type VaultManager struct {
	client   *api.Client
	keystore *VaultKeystore
	cfg      VaultManagerConfig
	logger   *logging.Logger
}

// NewVaultManager builds a manager with a hardened HTTP client.
//
// TLS 1.2 minimum, bounded redirects with the vault token re-applied
// on each hop (the api client strips it across redirects otherwise).
func NewVaultManager(cfg VaultManagerConfig, keystore *VaultKeystore, logger *logging.Logger) (*VaultManager, error) {
	if keystore == nil {
		return nil, fmt.Errorf("keystore must not be nil")
	}
	if cfg.Addr == "" {
		cfg.Addr = "http://localhost:8200"
	}
	if cfg.Shares <= 0 {
		cfg.Shares = 5
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	cfg.Timeout = EnforceDefaultTimeout(cfg.Timeout, DefaultVaultTimeout)
	if logger == nil {
		logger = logging.Default()
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Addr

	var client *api.Client
	apiCfg.HttpClient = &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			const maxRedirects = 10
			if len(via) > maxRedirects {
				return ErrTooManyRedirects
			}
			if client != nil && client.Token() != "" {
				req.Header.Set("X-Vault-Token", client.Token())
			}
			return nil
		},
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	return &VaultManager{
		client:   client,
		keystore: keystore,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Keystore exposes the underlying keystore for commands that only
// read files (vault-token, vault-ca-cert).
func (m *VaultManager) Keystore() *VaultKeystore {
	return m.keystore
}

// WaitReady blocks until the Vault API answers seal-status requests.
// Any well-formed response counts, sealed or not; the container is up
// once the listener responds.
func (m *VaultManager) WaitReady(ctx context.Context) error {
	err := retry.Do(
		func() error {
			_, err := m.client.Sys().SealStatusWithContext(ctx)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(10),
		retry.Delay(time.Second),
		retry.MaxDelay(8*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("vault did not become ready at %s: %w", m.cfg.Addr, err)
	}
	return nil
}

// Initialize performs first-time vault initialization and unsealing.
//
// # Description
//
// Checks init status, initializes with the configured Shamir
// parameters, persists keys.json and root-token through the keystore,
// then unseals. Returns ErrVaultAlreadyInitialized without touching
// disk when vault was previously initialized.
func (m *VaultManager) Initialize(ctx context.Context) error {
	if err := m.WaitReady(ctx); err != nil {
		return err
	}

	initialized, err := m.client.Sys().InitStatusWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to check vault init status: %w", err)
	}
	if initialized {
		return ErrVaultAlreadyInitialized
	}

	m.logger.Info("initializing vault",
		"shares", m.cfg.Shares,
		"threshold", m.cfg.Threshold)

	resp, err := m.client.Sys().InitWithContext(ctx, &api.InitRequest{
		SecretShares:    m.cfg.Shares,
		SecretThreshold: m.cfg.Threshold,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}

	if err := m.keystore.SaveInitKeys(&VaultInitKeys{
		UnsealKeysB64: resp.KeysB64,
		RootToken:     resp.RootToken,
	}); err != nil {
		// Keys exist only in memory at this point. Surface loudly.
		return fmt.Errorf("vault initialized but init material could not be saved: %w", err)
	}
	m.logger.Info("vault init material saved",
		"keys_path", m.keystore.KeysPath(),
		"key_count", len(resp.KeysB64))

	return m.Unseal(ctx)
}

// Unseal submits stored unseal keys until the vault reports unsealed.
//
// Keys travel from keys.json to the API inside memguard enclaves,
// opened one at a time. Succeeds immediately if already unsealed.
func (m *VaultManager) Unseal(ctx context.Context) error {
	status, err := m.client.Sys().SealStatusWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to check vault seal status: %w", err)
	}
	if !status.Sealed {
		m.logger.Debug("vault already unsealed")
		return nil
	}

	enclaves, err := m.keystore.LoadUnsealKeys()
	if err != nil {
		return err
	}
	if len(enclaves) < status.T {
		return fmt.Errorf("need %d unseal keys, only %d stored in %s", status.T, len(enclaves), m.keystore.KeysPath())
	}

	for i, enclave := range enclaves {
		buf, err := enclave.Open()
		if err != nil {
			return fmt.Errorf("failed to open unseal key %d: %w", i+1, err)
		}
		resp, err := m.client.Sys().UnsealWithContext(ctx, buf.String())
		buf.Destroy()
		if err != nil {
			return fmt.Errorf("unseal key %d rejected: %w", i+1, err)
		}
		m.logger.Debug("submitted unseal key", "progress", fmt.Sprintf("%d/%d", i+1, status.T))
		if !resp.Sealed {
			m.logger.Info("vault unsealed")
			return nil
		}
	}

	return fmt.Errorf("vault still sealed after %d keys", len(enclaves))
}

// Status returns seal state, version, and whether keys exist on disk.
func (m *VaultManager) Status(ctx context.Context) (*VaultStatusResult, error) {
	status, err := m.client.Sys().SealStatusWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query vault status: %w", err)
	}
	return &VaultStatusResult{
		Initialized: status.Initialized,
		Sealed:      status.Sealed,
		Version:     status.Version,
		KeysOnDisk:  m.keystore.HasKeys(),
	}, nil
}

// authenticate loads the stored root token into the API client.
func (m *VaultManager) authenticate() error {
	enclave, err := m.keystore.LoadRootToken()
	if err != nil {
		return err
	}
	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open root token: %w", err)
	}
	// Copy the token out of the locked buffer: the client holds it past
	// Destroy, and buf.String() aliases the buffer's memory.
	m.client.SetToken(string(buf.Bytes()))
	buf.Destroy()
	return nil
}

// Bootstrap provisions the KV v2 mount, the PKI hierarchy, and
// per-service credentials. Safe to re-run: existing secrets are kept,
// missing ones are generated, the CA chain is re-exported.
//
// # Outputs
//
//   - []string: Names of services whose credentials were newly created
//   - error: Non-nil on any provisioning failure
func (m *VaultManager) Bootstrap(ctx context.Context) ([]string, error) {
	if err := m.authenticate(); err != nil {
		return nil, err
	}
	if err := m.requireUnsealed(ctx); err != nil {
		return nil, err
	}

	if err := m.ensureKVv2Mount(ctx); err != nil {
		return nil, err
	}
	if err := m.ensurePKI(ctx); err != nil {
		return nil, err
	}
	created, err := m.ensureServiceSecrets(ctx)
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (m *VaultManager) requireUnsealed(ctx context.Context) error {
	status, err := m.client.Sys().SealStatusWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to check vault seal status: %w", err)
	}
	if !status.Initialized {
		return ErrVaultNotInitialized
	}
	if status.Sealed {
		return fmt.Errorf("%w: run vault-unseal first", ErrVaultSealed)
	}
	return nil
}

// ensureKVv2Mount verifies the secret/ mount exists as KV v2,
// creating it or upgrading a v1 mount in place.
func (m *VaultManager) ensureKVv2Mount(ctx context.Context) error {
	mounts, err := m.client.Sys().ListMountsWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to list vault mounts: %w", err)
	}

	info, exists := mounts[vaultKVMount+"/"]
	if !exists {
		m.logger.Info("creating KV v2 mount", "mount", vaultKVMount)
		err := m.client.Sys().MountWithContext(ctx, vaultKVMount, &api.MountInput{
			Type:        "kv",
			Description: "devstack service credentials",
			Options:     map[string]string{"version": "2"},
		})
		if err != nil {
			return fmt.Errorf("failed to create KV mount %s: %w", vaultKVMount, err)
		}
		return nil
	}

	if info.Type != "kv" {
		return fmt.Errorf("mount %s/ is type %q, expected kv", vaultKVMount, info.Type)
	}
	if info.Options["version"] != "2" {
		m.logger.Info("upgrading KV mount to v2", "mount", vaultKVMount)
		err := m.client.Sys().TuneMountWithContext(ctx, vaultKVMount, api.MountConfigInput{
			Options: map[string]string{"version": "2"},
		})
		if err != nil {
			return fmt.Errorf("failed to upgrade mount %s to KV v2: %w", vaultKVMount, err)
		}
	}
	return nil
}

// ensurePKI builds the two-tier CA: a 10-year root under pki/, a
// 5-year intermediate under pki_int/ signed by the root, and a leaf
// role for service certificates. The assembled chain is exported to
// the keystore's ca/ directory.
func (m *VaultManager) ensurePKI(ctx context.Context) error {
	mounts, err := m.client.Sys().ListMountsWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to list vault mounts: %w", err)
	}

	if _, ok := mounts[vaultPKIMount+"/"]; !ok {
		if err := m.mountPKI(ctx, vaultPKIMount, vaultRootCATTL); err != nil {
			return err
		}
	}
	if _, ok := mounts[vaultPKIIntMount+"/"]; !ok {
		if err := m.mountPKI(ctx, vaultPKIIntMount, vaultIntCATTL); err != nil {
			return err
		}
	}

	rootCert, err := m.ensureRootCA(ctx)
	if err != nil {
		return err
	}
	intCert, err := m.ensureIntermediateCA(ctx)
	if err != nil {
		return err
	}

	_, err = m.client.Logical().WriteWithContext(ctx, vaultPKIIntMount+"/roles/"+vaultPKIRole, map[string]interface{}{
		"allowed_domains":  "localhost,dev.local",
		"allow_subdomains": true,
		"allow_localhost":  true,
		"max_ttl":          vaultLeafCertTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to configure PKI role: %w", err)
	}

	chain := strings.TrimSpace(intCert) + "\n" + strings.TrimSpace(rootCert) + "\n"
	if err := m.keystore.SaveCACert([]byte(chain)); err != nil {
		return err
	}
	m.logger.Info("CA chain exported", "path", m.keystore.CAPath())
	return nil
}

func (m *VaultManager) mountPKI(ctx context.Context, mount, maxTTL string) error {
	m.logger.Info("enabling PKI mount", "mount", mount)
	err := m.client.Sys().MountWithContext(ctx, mount, &api.MountInput{
		Type:        "pki",
		Description: "devstack PKI",
		Config:      api.MountConfigInput{MaxLeaseTTL: maxTTL},
	})
	if err != nil {
		return fmt.Errorf("failed to enable PKI mount %s: %w", mount, err)
	}
	return nil
}

// ensureRootCA returns the root CA certificate, generating it if the
// mount has none yet.
func (m *VaultManager) ensureRootCA(ctx context.Context) (string, error) {
	existing, err := m.client.Logical().ReadWithContext(ctx, vaultPKIMount+"/cert/ca")
	if err == nil && existing != nil {
		if cert, ok := existing.Data["certificate"].(string); ok && cert != "" {
			return cert, nil
		}
	}

	m.logger.Info("generating root CA", "ttl", vaultRootCATTL)
	resp, err := m.client.Logical().WriteWithContext(ctx, vaultPKIMount+"/root/generate/internal", map[string]interface{}{
		"common_name": "DevStack Root CA",
		"ttl":         vaultRootCATTL,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate root CA: %w", err)
	}
	cert, ok := resp.Data["certificate"].(string)
	if !ok || cert == "" {
		return "", fmt.Errorf("root CA generation returned no certificate")
	}
	return cert, nil
}

// ensureIntermediateCA returns the intermediate CA certificate,
// generating a CSR and having the root sign it when absent.
func (m *VaultManager) ensureIntermediateCA(ctx context.Context) (string, error) {
	existing, err := m.client.Logical().ReadWithContext(ctx, vaultPKIIntMount+"/cert/ca")
	if err == nil && existing != nil {
		if cert, ok := existing.Data["certificate"].(string); ok && cert != "" {
			return cert, nil
		}
	}

	m.logger.Info("generating intermediate CA", "ttl", vaultIntCATTL)
	csrResp, err := m.client.Logical().WriteWithContext(ctx, vaultPKIIntMount+"/intermediate/generate/internal", map[string]interface{}{
		"common_name": "DevStack Intermediate CA",
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate intermediate CSR: %w", err)
	}
	csr, ok := csrResp.Data["csr"].(string)
	if !ok || csr == "" {
		return "", fmt.Errorf("intermediate CSR generation returned no CSR")
	}

	signResp, err := m.client.Logical().WriteWithContext(ctx, vaultPKIMount+"/root/sign-intermediate", map[string]interface{}{
		"csr":    csr,
		"format": "pem_bundle",
		"ttl":    vaultIntCATTL,
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign intermediate CA: %w", err)
	}
	cert, ok := signResp.Data["certificate"].(string)
	if !ok || cert == "" {
		return "", fmt.Errorf("intermediate signing returned no certificate")
	}

	_, err = m.client.Logical().WriteWithContext(ctx, vaultPKIIntMount+"/intermediate/set-signed", map[string]interface{}{
		"certificate": cert,
	})
	if err != nil {
		return "", fmt.Errorf("failed to install signed intermediate: %w", err)
	}
	return cert, nil
}

// ensureServiceSecrets generates credentials for services missing
// them. Existing secrets are never regenerated: running services hold
// the old passwords.
func (m *VaultManager) ensureServiceSecrets(ctx context.Context) ([]string, error) {
	var created []string
	for _, svc := range validVaultServices {
		path := vaultKVMount + "/data/" + svc
		existing, err := m.client.Logical().ReadWithContext(ctx, path)
		if err != nil {
			return created, fmt.Errorf("failed to read secret for %s: %w", svc, err)
		}
		if existing != nil && existing.Data["data"] != nil {
			m.logger.Debug("credentials already present", "service", svc)
			continue
		}

		data, err := m.newCredentials(svc)
		if err != nil {
			return created, err
		}
		_, err = m.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
			"data": data,
		})
		if err != nil {
			return created, fmt.Errorf("failed to write secret for %s: %w", svc, err)
		}
		m.logger.Info("credentials generated", "service", svc)
		created = append(created, svc)
	}
	return created, nil
}

// newCredentials builds the secret payload for a service. Forgejo
// carries full admin account details, everything else a password.
func (m *VaultManager) newCredentials(service string) (map[string]interface{}, error) {
	password, err := generatePassword(generatedPassword)
	if err != nil {
		return nil, err
	}
	if service == "forgejo" {
		return map[string]interface{}{
			"admin_user":     "forgejo_admin",
			"admin_email":    "admin@dev.local",
			"admin_password": password,
		}, nil
	}
	return map[string]interface{}{"password": password}, nil
}

// ServiceCredentials reads a service's secret from KV v2.
//
// # Inputs
//
//   - ctx: Context for cancellation/timeout
//   - service: One of validVaultServices
//
// # Outputs
//
//   - map[string]string: Secret fields (password, or admin_* for forgejo)
//   - error: ErrUnknownService for bad names, or lookup failures
func (m *VaultManager) ServiceCredentials(ctx context.Context, service string) (map[string]string, error) {
	if !isValidVaultService(service) {
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownService, service, strings.Join(validVaultServices, ", "))
	}
	if err := m.authenticate(); err != nil {
		return nil, err
	}

	secret, err := m.client.Logical().ReadWithContext(ctx, vaultKVMount+"/data/"+service)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret for %s: %w", service, err)
	}
	if secret == nil || secret.Data["data"] == nil {
		return nil, fmt.Errorf("no credentials stored for %s (run vault-bootstrap first)", service)
	}

	inner, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret shape for %s", service)
	}
	out := make(map[string]string, len(inner))
	for k, v := range inner {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out, nil
}

// ServicePassword is a convenience for the common single-password case.
func (m *VaultManager) ServicePassword(ctx context.Context, service string) (string, error) {
	creds, err := m.ServiceCredentials(ctx, service)
	if err != nil {
		return "", err
	}
	password, ok := creds["password"]
	if !ok || password == "" {
		return "", fmt.Errorf("no password field stored for %s", service)
	}
	return password, nil
}

// CreateForgejoDatabase creates the forgejo database in PostgreSQL
// via the compose executor. Treats "already exists" as success so
// bootstrap stays re-runnable.
func (m *VaultManager) CreateForgejoDatabase(ctx context.Context, executor compose.Executor) error {
	_, err := executor.Exec(ctx, "postgres", nil,
		"psql", "-U", "dev_admin", "-d", "postgres", "-c", "CREATE DATABASE forgejo OWNER dev_admin")
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			m.logger.Debug("forgejo database already exists")
			return nil
		}
		return fmt.Errorf("failed to create forgejo database: %w", err)
	}
	m.logger.Info("forgejo database created")
	return nil
}

func isValidVaultService(service string) bool {
	for _, s := range validVaultServices {
		if s == service {
			return true
		}
	}
	return false
}
