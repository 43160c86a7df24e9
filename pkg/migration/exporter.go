package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/log"
	"github.com/burrowdb/burrow/pkg/security"
	"github.com/burrowdb/burrow/pkg/types"
)

// ExportRequest describes one export run
type ExportRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id,omitempty"`
	// Collections limits the export; empty means every user collection
	Collections []string          `json:"collections,omitempty"`
	Compression types.Compression `json:"compression,omitempty"`
	// EncryptionSecret, when set, seals the package with a key derived
	// from it. The secret itself is never stored.
	EncryptionSecret string `json:"encryption_secret,omitempty"`
	Description      string `json:"description,omitempty"`
	IPAddress        string `json:"-"`
}

// Export snapshots the requested collections into a package file and
// returns the completed migration record
func (m *Manager) Export(ctx context.Context, req ExportRequest) (*types.MigrationRecord, error) {
	rec := &types.MigrationRecord{
		ID:        uuid.New().String(),
		Type:      types.MigrationExport,
		Status:    types.MigrationPending,
		CreatedAt: time.Now().UTC(),
		CreatedBy: req.UserID,
		TenantID:  req.TenantID,
		Metadata:  map[string]interface{}{"description": req.Description},
	}
	if err := m.saveRecord(rec); err != nil {
		return nil, err
	}

	if err := m.locker.Acquire(ctx, req.TenantID, rec.ID); err != nil {
		m.auditor.Record(AuditEntry{
			EventType: AuditLockRejected, UserID: req.UserID, TenantID: req.TenantID,
			MigrationID: rec.ID, IPAddress: req.IPAddress,
			Action: "export", Result: "rejected", ErrorMessage: err.Error(),
		})
		tenantLog := log.WithTenantID(req.TenantID)
		tenantLog.Warn().Str("migration_id", rec.ID).
			Msg("export blocked by migration lock")
		m.failRecord(rec, err)
		return nil, err
	}
	defer m.locker.Release(ctx, req.TenantID)

	// lock first, then quota: a run the lock turns away must not
	// consume the caller's window
	if retryAfter, err := m.limiter.Check(ctx, req.UserID, "export"); err != nil {
		m.auditor.Record(AuditEntry{
			EventType: AuditRateLimited, UserID: req.UserID, TenantID: req.TenantID,
			MigrationID: rec.ID, IPAddress: req.IPAddress,
			Action: "export", Result: "rejected",
			ErrorMessage: err.Error(),
			Details:      map[string]interface{}{"retry_after_seconds": retryAfter},
		})
		m.failRecord(rec, err)
		return nil, err
	}

	m.auditor.Record(AuditEntry{
		EventType: AuditExportStarted, UserID: req.UserID, TenantID: req.TenantID,
		MigrationID: rec.ID, IPAddress: req.IPAddress,
		Action: "export", Result: "started", CollectionsAccessed: req.Collections,
	})

	rec.Status = types.MigrationInProgress
	if err := m.saveRecord(rec); err != nil {
		return nil, err
	}

	if err := m.runExport(ctx, rec, req); err != nil {
		m.failRecord(rec, err)
		m.auditor.Record(AuditEntry{
			EventType: AuditExportFailed, UserID: req.UserID, TenantID: req.TenantID,
			MigrationID: rec.ID, IPAddress: req.IPAddress,
			Action: "export", Result: "failed", ErrorMessage: err.Error(),
		})
		return rec, err
	}

	now := time.Now().UTC()
	rec.Status = types.MigrationCompleted
	rec.CompletedAt = &now
	rec.Progress.Percentage = 100
	if err := m.saveRecord(rec); err != nil {
		return nil, err
	}

	// only completed runs consume the rate window
	if err := m.limiter.Record(ctx, req.UserID, "export"); err != nil {
		m.logger.Warn().Err(err).Str("migration_id", rec.ID).Msg("failed to stamp export rate window")
	}

	m.auditor.Record(AuditEntry{
		EventType: AuditExportCompleted, UserID: req.UserID, TenantID: req.TenantID,
		MigrationID: rec.ID, IPAddress: req.IPAddress,
		Action: "export", Result: "success",
		DocumentCount: rec.Progress.DocumentsTransferred,
	})
	migLog := log.WithMigrationID(rec.ID)
	migLog.Info().
		Int("documents", rec.Progress.DocumentsTransferred).
		Int64("package_bytes", rec.PackageSizeBytes).
		Msg("export completed")
	return rec, nil
}

func (m *Manager) runExport(ctx context.Context, rec *types.MigrationRecord, req ExportRequest) error {
	collections, err := m.resolveCollections(ctx, req.Collections)
	if err != nil {
		return err
	}
	if len(collections) == 0 {
		return fmt.Errorf("nothing to export: %w", errdefs.ErrValidation)
	}

	pkg := &types.MigrationPackage{
		Metadata: types.PackageMetadata{
			Version:         types.PackageVersion,
			SystemVersion:   SystemVersion,
			ExportTimestamp: time.Now().UTC(),
			ExportedBy:      req.UserID,
			TenantID:        req.TenantID,
			Compression:     req.Compression,
			Description:     req.Description,
		},
	}
	if pkg.Metadata.Compression == "" {
		pkg.Metadata.Compression = types.CompressionGzip
	}

	rec.Progress.CollectionsTotal = len(collections)

	for i, name := range collections {
		rec.Progress.CurrentCollection = name
		rec.Progress.CollectionsDone = i
		if err := m.saveRecord(rec); err != nil {
			return err
		}

		export, info, err := m.snapshotCollection(name)
		if err != nil {
			return fmt.Errorf("failed to export collection %q: %w", name, err)
		}

		pkg.Collections = append(pkg.Collections, *export)
		pkg.Metadata.Collections = append(pkg.Metadata.Collections, *info)
		pkg.Metadata.TotalDocuments += info.DocumentCount
		pkg.Metadata.TotalSizeBytes += info.SizeBytes
		rec.Progress.DocumentsTransferred += info.DocumentCount
	}
	pkg.Metadata.Checksum = PackageChecksum(pkg.Metadata.Collections)
	rec.Progress.CollectionsDone = len(collections)
	rec.Progress.DocumentsTotal = pkg.Metadata.TotalDocuments
	rec.Progress.CurrentCollection = ""

	var sealer *security.Sealer
	if req.EncryptionSecret != "" {
		sealer, err = security.NewSealerFromSecret(req.EncryptionSecret)
		if err != nil {
			return err
		}
	}

	codec := NewCodec(pkg.Metadata.Compression, sealer, m.limits())
	data, err := codec.Encode(pkg)
	if err != nil {
		return err
	}

	path := m.packagePath(rec.ID)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write package file: %w", err)
	}

	rec.PackageFilePath = path
	rec.PackageSizeBytes = int64(len(data))
	rec.PackageChecksum = ChecksumBytes(data)
	return nil
}

// snapshotCollection reads one collection into its export form with a
// deterministic content checksum
func (m *Manager) snapshotCollection(name string) (*types.CollectionExport, *types.CollectionInfo, error) {
	docs, err := m.store.List(name)
	if err != nil {
		return nil, nil, err
	}

	export := &types.CollectionExport{CollectionName: name}
	for _, doc := range docs {
		export.Documents = append(export.Documents, doc)
	}

	raw, err := json.Marshal(export.Documents)
	if err != nil {
		return nil, nil, err
	}

	info := &types.CollectionInfo{
		Name:          name,
		DocumentCount: len(export.Documents),
		SizeBytes:     int64(len(raw)),
		Checksum:      ChecksumBytes(raw),
	}
	return export, info, nil
}

func (m *Manager) resolveCollections(ctx context.Context, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return m.ExportableCollections(ctx)
	}
	for _, name := range requested {
		if types.IsInternalCollection(name) {
			return nil, fmt.Errorf("collection %q is internal: %w", name, errdefs.ErrValidation)
		}
	}
	return requested, nil
}
