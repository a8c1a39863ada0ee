// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/devstack/cmd/devstack/internal/infra/compose"
	"github.com/AleutianAI/devstack/pkg/logging"
)

// Backup artifact filenames. These names are stable; restore looks
// them up by name, and operators grep for them in backup dirs.
const (
	backupPostgresFile = "postgres_all.sql"
	backupMySQLFile    = "mysql_all.sql"
	backupMongoFile    = "mongodb_dump.archive"
	backupForgejoFile  = "forgejo_data.tar.gz"
	backupEnvFile      = ".env.backup"
	backupManifestFile = "manifest.json"

	// backupDirLayout is the timestamp format for backup directory names.
	backupDirLayout = "20060102_150405"
)

// BackupManifest records what a backup run captured.
type BackupManifest struct {
	ID        string           `json:"id"`
	CreatedAt time.Time        `json:"created_at"`
	Artifacts []BackupArtifact `json:"artifacts"`
	Skipped   []string         `json:"skipped,omitempty"`
}

// BackupInfo describes one backup directory for listing.
type BackupInfo struct {
	// Name is the directory name (YYYYMMDD_HHMMSS).
	Name string

	// Path is the full directory path.
	Path string

	// CreatedAt is parsed from the directory name.
	CreatedAt time.Time

	// SizeBytes is the total size of all artifacts.
	SizeBytes int64

	// Manifest is the parsed manifest, nil for pre-manifest backups.
	Manifest *BackupManifest
}

// BackupConfig configures backup behavior.
type BackupConfig struct {
	// BackupsDir is where backup directories are created
	// (default: <stack dir>/backups).
	BackupsDir string

	// StackDir is the stack checkout, for the .env copy.
	StackDir string

	// MaxBackups is how many backups to retain; older ones are
	// removed after a successful run. Zero disables rotation.
	MaxBackups int

	// Timeout bounds each individual dump or archive.
	Timeout time.Duration
}

// StackBackupManager creates and restores full-stack data backups.
//
// # Description
//
// Backs up every stateful service into one timestamped directory:
// PostgreSQL (pg_dumpall), MySQL (mysqldump, password from Vault),
// MongoDB (mongodump archive), Forgejo (/data tarball), and the
// stack's .env. Restore pipes the artifacts back through docker
// compose exec with stdin attached.
//
// # Limitations
//
//   - Dumps are not consistent across services; each service is
//     dumped at its own instant
//   - Redis and RabbitMQ state is intentionally not captured; both
//     are treated as rebuildable caches/queues in this stack
//
// # Thread Safety
//
// Not safe for concurrent use. The CLI holds the process lock.
type StackBackupManager interface {
	// Create runs a full backup, returning per-artifact results. A
	// service that fails to dump is recorded as skipped, not fatal.
	Create(ctx context.Context) (*BackupResult, error)

	// List returns available backups, newest first.
	List() ([]BackupInfo, error)

	// Restore overwrites service data from the named backup. Caller
	// must confirm with the user first.
	Restore(ctx context.Context, name string) error
}

// DefaultStackBackupManager is the production StackBackupManager.
type DefaultStackBackupManager struct {
	executor compose.Executor
	vault    *VaultManager
	cfg      BackupConfig
	logger   *logging.Logger
}

// NewStackBackupManager creates a backup manager.
//
// vault may be nil; MySQL backup and restore are then skipped since
// the root password lives in Vault.
func NewStackBackupManager(executor compose.Executor, vault *VaultManager, cfg BackupConfig, logger *logging.Logger) (*DefaultStackBackupManager, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor must not be nil")
	}
	if cfg.BackupsDir == "" {
		cfg.BackupsDir = filepath.Join(cfg.StackDir, "backups")
	}
	cfg.Timeout = EnforceDefaultTimeout(cfg.Timeout, DefaultBackupTimeout)
	if logger == nil {
		logger = logging.Default()
	}
	return &DefaultStackBackupManager{
		executor: executor,
		vault:    vault,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Create implements StackBackupManager.
func (m *DefaultStackBackupManager) Create(ctx context.Context) (*BackupResult, error) {
	dir := filepath.Join(m.cfg.BackupsDir, time.Now().Format(backupDirLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup dir %s: %w", dir, err)
	}

	manifest := &BackupManifest{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
	}
	result := &BackupResult{Dir: dir}

	steps := []struct {
		name string
		file string
		run  func(ctx context.Context) (string, error)
	}{
		{"postgres", backupPostgresFile, m.dumpPostgres},
		{"mysql", backupMySQLFile, m.dumpMySQL},
		{"mongodb", backupMongoFile, m.dumpMongo},
		{"forgejo", backupForgejoFile, m.dumpForgejo},
	}

	for _, step := range steps {
		stepCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		data, err := step.run(stepCtx)
		cancel()
		if err != nil {
			m.logger.Warn("backup step failed, skipping", "service", step.name, "error", err)
			result.Skipped = append(result.Skipped, step.name)
			continue
		}

		path := filepath.Join(dir, step.file)
		if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", path, err)
		}
		artifact := BackupArtifact{Name: step.file, SizeBytes: int64(len(data))}
		result.Artifacts = append(result.Artifacts, artifact)
		manifest.Artifacts = append(manifest.Artifacts, artifact)
		m.logger.Info("backed up", "service", step.name, "artifact", step.file, "size", formatBytes(artifact.SizeBytes))
	}

	if err := m.copyEnvFile(dir, result, manifest); err != nil {
		m.logger.Warn("env file backup failed", "error", err)
		result.Skipped = append(result.Skipped, ".env")
	}

	manifest.Skipped = result.Skipped
	if err := m.writeManifest(dir, manifest); err != nil {
		return nil, err
	}

	if err := m.rotate(); err != nil {
		m.logger.Warn("backup rotation failed", "error", err)
	}

	return result, nil
}

func (m *DefaultStackBackupManager) dumpPostgres(ctx context.Context) (string, error) {
	return m.executor.Exec(ctx, "postgres", nil, "pg_dumpall", "-U", "dev_admin")
}

func (m *DefaultStackBackupManager) dumpMySQL(ctx context.Context) (string, error) {
	password, err := m.mysqlPassword(ctx)
	if err != nil {
		return "", err
	}
	// MYSQL_PWD keeps the password out of mysqldump's argv.
	return m.executor.Exec(ctx, "mysql", map[string]string{"MYSQL_PWD": password},
		"sh", "-c", `MYSQL_PWD="$MYSQL_PWD" mysqldump -u root --all-databases`)
}

func (m *DefaultStackBackupManager) dumpMongo(ctx context.Context) (string, error) {
	return m.executor.Exec(ctx, "mongodb", nil, "mongodump", "--archive")
}

func (m *DefaultStackBackupManager) dumpForgejo(ctx context.Context) (string, error) {
	return m.executor.Exec(ctx, "forgejo", nil, "tar", "czf", "-", "/data")
}

func (m *DefaultStackBackupManager) mysqlPassword(ctx context.Context) (string, error) {
	if m.vault == nil {
		return "", fmt.Errorf("no vault manager configured")
	}
	return m.vault.ServicePassword(ctx, "mysql")
}

func (m *DefaultStackBackupManager) copyEnvFile(dir string, result *BackupResult, manifest *BackupManifest) error {
	src := filepath.Join(m.cfg.StackDir, ".env")
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	dst := filepath.Join(dir, backupEnvFile)
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return err
	}
	artifact := BackupArtifact{Name: backupEnvFile, SizeBytes: int64(len(data))}
	result.Artifacts = append(result.Artifacts, artifact)
	manifest.Artifacts = append(manifest.Artifacts, artifact)
	return nil
}

func (m *DefaultStackBackupManager) writeManifest(dir string, manifest *BackupManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	path := filepath.Join(dir, backupManifestFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// rotate removes the oldest backups beyond MaxBackups. Directory
// names sort chronologically, so lexical order is age order.
func (m *DefaultStackBackupManager) rotate() error {
	if m.cfg.MaxBackups <= 0 {
		return nil
	}
	backups, err := m.List()
	if err != nil {
		return err
	}
	if len(backups) <= m.cfg.MaxBackups {
		return nil
	}
	for _, old := range backups[m.cfg.MaxBackups:] {
		m.logger.Info("removing old backup", "name", old.Name)
		if err := os.RemoveAll(old.Path); err != nil {
			return fmt.Errorf("failed to remove old backup %s: %w", old.Path, err)
		}
	}
	return nil
}

// List implements StackBackupManager.
func (m *DefaultStackBackupManager) List() ([]BackupInfo, error) {
	entries, err := os.ReadDir(m.cfg.BackupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backups dir %s: %w", m.cfg.BackupsDir, err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		createdAt, err := time.ParseInLocation(backupDirLayout, entry.Name(), time.Local)
		if err != nil {
			continue
		}
		info := BackupInfo{
			Name:      entry.Name(),
			Path:      filepath.Join(m.cfg.BackupsDir, entry.Name()),
			CreatedAt: createdAt,
		}
		info.SizeBytes = dirSize(info.Path)
		info.Manifest = readManifest(info.Path)
		backups = append(backups, info)
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Name > backups[j].Name
	})
	return backups, nil
}

// Restore implements StackBackupManager.
//
// Each artifact present in the backup is piped back into its service.
// Missing artifacts are skipped silently; a backup taken with the
// minimal profile has no MySQL dump to restore.
func (m *DefaultStackBackupManager) Restore(ctx context.Context, name string) error {
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("invalid backup name %q", name)
	}
	dir := filepath.Join(m.cfg.BackupsDir, name)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("backup %s not found in %s", name, m.cfg.BackupsDir)
		}
		return fmt.Errorf("failed to stat backup %s: %w", dir, err)
	}

	restored := 0

	if err := m.restoreArtifact(ctx, dir, backupPostgresFile, &restored, func(ctx context.Context, f *os.File) error {
		_, err := m.executor.ExecWithInput(ctx, "postgres", f, nil, "psql", "-U", "dev_admin", "-d", "postgres")
		return err
	}); err != nil {
		return fmt.Errorf("postgres restore failed: %w", err)
	}

	if err := m.restoreArtifact(ctx, dir, backupMySQLFile, &restored, func(ctx context.Context, f *os.File) error {
		password, err := m.mysqlPassword(ctx)
		if err != nil {
			return err
		}
		_, err = m.executor.ExecWithInput(ctx, "mysql", f, map[string]string{"MYSQL_PWD": password},
			"sh", "-c", `MYSQL_PWD="$MYSQL_PWD" mysql -u root`)
		return err
	}); err != nil {
		return fmt.Errorf("mysql restore failed: %w", err)
	}

	if err := m.restoreArtifact(ctx, dir, backupMongoFile, &restored, func(ctx context.Context, f *os.File) error {
		_, err := m.executor.ExecWithInput(ctx, "mongodb", f, nil, "mongorestore", "--archive", "--drop")
		return err
	}); err != nil {
		return fmt.Errorf("mongodb restore failed: %w", err)
	}

	if err := m.restoreArtifact(ctx, dir, backupForgejoFile, &restored, func(ctx context.Context, f *os.File) error {
		_, err := m.executor.ExecWithInput(ctx, "forgejo", f, nil,
			"sh", "-c", "rm -rf /data/* && tar xzf - -C /")
		return err
	}); err != nil {
		return fmt.Errorf("forgejo restore failed: %w", err)
	}

	if err := m.restoreEnvFile(dir, &restored); err != nil {
		return fmt.Errorf(".env restore failed: %w", err)
	}

	if restored == 0 {
		return fmt.Errorf("backup %s contains no restorable artifacts", name)
	}
	m.logger.Info("restore complete", "backup", name, "artifacts", restored)
	return nil
}

// restoreArtifact opens the artifact if present and hands it to fn
// with a per-step timeout.
func (m *DefaultStackBackupManager) restoreArtifact(ctx context.Context, dir, file string, restored *int, fn func(context.Context, *os.File) error) error {
	path := filepath.Join(dir, file)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	stepCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	m.logger.Info("restoring artifact", "artifact", file)
	if err := fn(stepCtx, f); err != nil {
		return err
	}
	*restored++
	return nil
}

func (m *DefaultStackBackupManager) restoreEnvFile(dir string, restored *int) error {
	src := filepath.Join(dir, backupEnvFile)
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	dst := filepath.Join(m.cfg.StackDir, ".env")
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return err
	}
	*restored++
	return nil
}

// readManifest parses manifest.json, nil on any failure. Backups
// predating manifests stay listable.
func readManifest(dir string) *BackupManifest {
	data, err := os.ReadFile(filepath.Join(dir, backupManifestFile))
	if err != nil {
		return nil
	}
	var manifest BackupManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil
	}
	return &manifest
}

// dirSize sums regular file sizes under dir, ignoring errors.
func dirSize(dir string) int64 {
	var total int64
	filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// MockStackBackupManager is a test double for StackBackupManager.
type MockStackBackupManager struct {
	CreateFunc  func(ctx context.Context) (*BackupResult, error)
	ListFunc    func() ([]BackupInfo, error)
	RestoreFunc func(ctx context.Context, name string) error

	Calls []string
}

func (m *MockStackBackupManager) Create(ctx context.Context) (*BackupResult, error) {
	m.Calls = append(m.Calls, "Create")
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx)
	}
	return &BackupResult{}, nil
}

func (m *MockStackBackupManager) List() ([]BackupInfo, error) {
	m.Calls = append(m.Calls, "List")
	if m.ListFunc != nil {
		return m.ListFunc()
	}
	return nil, nil
}

func (m *MockStackBackupManager) Restore(ctx context.Context, name string) error {
	m.Calls = append(m.Calls, "Restore:"+name)
	if m.RestoreFunc != nil {
		return m.RestoreFunc(ctx, name)
	}
	return nil
}

// Compile-time interface checks
var (
	_ StackBackupManager = (*DefaultStackBackupManager)(nil)
	_ StackBackupManager = (*MockStackBackupManager)(nil)
)
