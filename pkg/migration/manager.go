package migration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowdb/burrow/pkg/cache"
	"github.com/burrowdb/burrow/pkg/config"
	"github.com/burrowdb/burrow/pkg/log"
	"github.com/burrowdb/burrow/pkg/security"
	"github.com/burrowdb/burrow/pkg/storage"
	"github.com/burrowdb/burrow/pkg/types"
)

// Manager runs the migration pipeline: exports, imports, rollbacks,
// direct transfers, and their schedules
type Manager struct {
	cfg     config.Migration
	store   storage.Store
	locker  *Locker
	limiter *RateLimiter
	auditor *Auditor
	// sealer protects remote instance API keys at rest
	sealer *security.Sealer
	logger zerolog.Logger
}

// NewManager creates a migration manager. The cache backs the per-tenant
// lock and per-user rate limit; the sealer protects stored instance
// API keys.
func NewManager(cfg config.Migration, store storage.Store, c cache.Cache, sealer *security.Sealer) (*Manager, error) {
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create migration storage dir: %w", err)
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		locker:  NewLocker(c),
		limiter: NewRateLimiter(c, time.Duration(cfg.RateLimitHours)*time.Hour),
		auditor: NewAuditor(),
		sealer:  sealer,
		logger:  log.WithComponent("migration"),
	}, nil
}

// Auditor exposes the audit logger
func (m *Manager) Auditor() *Auditor {
	return m.auditor
}

func (m *Manager) limits() Limits {
	return Limits{
		MaxCompressedBytes:   m.cfg.MaxCompressedBytes,
		MaxDecompressedBytes: m.cfg.MaxDecompressedBytes,
		MaxRatio:             m.cfg.MaxDecompressionRatio,
	}
}

func (m *Manager) packagePath(migrationID string) string {
	return filepath.Join(m.cfg.StorageDir, migrationID+".burrow")
}

func (m *Manager) rollbackPath(migrationID string) string {
	return filepath.Join(m.cfg.StorageDir, migrationID+".rollback")
}

// GetRecord returns one migration record
func (m *Manager) GetRecord(_ context.Context, id string) (*types.MigrationRecord, error) {
	doc, err := m.store.Get(types.CollectionMigrations, id)
	if err != nil {
		return nil, err
	}
	var rec types.MigrationRecord
	if err := storage.Decode(doc, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords returns migration history, newest first, optionally
// filtered by tenant
func (m *Manager) ListRecords(_ context.Context, tenantID string) ([]*types.MigrationRecord, error) {
	docs, err := m.store.List(types.CollectionMigrations)
	if err != nil {
		return nil, err
	}

	var records []*types.MigrationRecord
	for _, doc := range docs {
		var rec types.MigrationRecord
		if err := storage.Decode(doc, &rec); err != nil {
			return nil, err
		}
		if tenantID != "" && rec.TenantID != tenantID {
			continue
		}
		records = append(records, &rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// DeleteRecord removes a migration record and its package and rollback
// files
func (m *Manager) DeleteRecord(ctx context.Context, id, userID string) error {
	rec, err := m.GetRecord(ctx, id)
	if err != nil {
		return err
	}

	if rec.PackageFilePath != "" {
		if err := os.Remove(rec.PackageFilePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete package file: %w", err)
		}
	}
	if rec.RollbackDataPath != "" {
		if err := os.Remove(rec.RollbackDataPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete rollback file: %w", err)
		}
	}
	if err := m.store.Delete(types.CollectionMigrations, id); err != nil {
		return err
	}

	m.auditor.Record(AuditEntry{
		EventType:   AuditPackageDeleted,
		UserID:      userID,
		TenantID:    rec.TenantID,
		MigrationID: id,
		Action:      "delete migration",
		Result:      "success",
	})
	return nil
}

// PackageData reads a completed export's package file for download
func (m *Manager) PackageData(ctx context.Context, id, userID string) ([]byte, *types.MigrationRecord, error) {
	rec, err := m.GetRecord(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if rec.PackageFilePath == "" {
		return nil, nil, fmt.Errorf("migration %s has no package file", id)
	}
	data, err := os.ReadFile(rec.PackageFilePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read package file: %w", err)
	}

	m.auditor.Record(AuditEntry{
		EventType:   AuditPackageDownloaded,
		UserID:      userID,
		TenantID:    rec.TenantID,
		MigrationID: id,
		Action:      "download package",
		Result:      "success",
	})
	return data, rec, nil
}

// ExportableCollections lists the user collections eligible for export
func (m *Manager) ExportableCollections(_ context.Context) ([]string, error) {
	names, err := m.store.Collections()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range names {
		if !types.IsInternalCollection(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) saveRecord(rec *types.MigrationRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	doc, err := storage.Encode(rec)
	if err != nil {
		return err
	}
	return m.store.Upsert(types.CollectionMigrations, doc)
}

func (m *Manager) failRecord(rec *types.MigrationRecord, cause error) {
	rec.Status = types.MigrationFailed
	rec.ErrorMessage = cause.Error()
	rec.Progress.Error = cause.Error()
	if err := m.saveRecord(rec); err != nil {
		m.logger.Error().Err(err).Str("migration_id", rec.ID).Msg("failed to persist failure state")
	}
}
