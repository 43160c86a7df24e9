package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/log"
	"github.com/burrowdb/burrow/pkg/security"
	"github.com/burrowdb/burrow/pkg/storage"
	"github.com/burrowdb/burrow/pkg/types"
)

// ImportRequest describes one import run
type ImportRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id,omitempty"`
	// Data is the raw package file content
	Data []byte `json:"-"`
	// PackageID references a previously uploaded package when Data is
	// empty
	PackageID        string               `json:"migration_package_id,omitempty"`
	ConflictPolicy   types.ConflictPolicy `json:"conflict_policy,omitempty"`
	EncryptionSecret string               `json:"encryption_secret,omitempty"`
	// ValidateOnly parses and verifies the package without writing
	ValidateOnly bool   `json:"validate_only,omitempty"`
	IPAddress    string `json:"-"`
}

// Import applies a migration package to the local store. A rollback
// snapshot of every touched collection is taken first.
func (m *Manager) Import(ctx context.Context, req ImportRequest) (*types.MigrationRecord, error) {
	if req.ConflictPolicy == "" {
		req.ConflictPolicy = types.ConflictFail
	}

	if len(req.Data) == 0 && req.PackageID != "" {
		uploaded, err := m.GetRecord(ctx, req.PackageID)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(uploaded.PackageFilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read uploaded package: %w", err)
		}
		req.Data = data
	}

	pkg, err := m.decodePackage(req.Data, req.EncryptionSecret)
	if err != nil {
		m.auditValidationFailure(req, err)
		return nil, err
	}
	if err := m.ValidatePackage(pkg, int64(len(req.Data))); err != nil {
		m.auditValidationFailure(req, err)
		return nil, err
	}

	rec := &types.MigrationRecord{
		ID:        uuid.New().String(),
		Type:      types.MigrationImport,
		Status:    types.MigrationPending,
		CreatedAt: time.Now().UTC(),
		CreatedBy: req.UserID,
		TenantID:  req.TenantID,
		Metadata: map[string]interface{}{
			"conflict_policy": string(req.ConflictPolicy),
			"source_version":  pkg.Metadata.Version,
			"exported_by":     pkg.Metadata.ExportedBy,
		},
	}
	rec.Progress.CollectionsTotal = len(pkg.Collections)
	rec.Progress.DocumentsTotal = pkg.Metadata.TotalDocuments

	if req.ValidateOnly {
		rec.Status = types.MigrationCompleted
		rec.Metadata["validate_only"] = true
		return rec, nil
	}

	if err := m.saveRecord(rec); err != nil {
		return nil, err
	}

	if err := m.locker.Acquire(ctx, req.TenantID, rec.ID); err != nil {
		m.auditor.Record(AuditEntry{
			EventType: AuditLockRejected, UserID: req.UserID, TenantID: req.TenantID,
			MigrationID: rec.ID, IPAddress: req.IPAddress,
			Action: "import", Result: "rejected", ErrorMessage: err.Error(),
		})
		tenantLog := log.WithTenantID(req.TenantID)
		tenantLog.Warn().Str("migration_id", rec.ID).
			Msg("import blocked by migration lock")
		m.failRecord(rec, err)
		return nil, err
	}
	defer m.locker.Release(ctx, req.TenantID)

	// lock first, then quota: a run the lock turns away must not
	// consume the caller's window
	if retryAfter, err := m.limiter.Check(ctx, req.UserID, "import"); err != nil {
		m.auditor.Record(AuditEntry{
			EventType: AuditRateLimited, UserID: req.UserID, TenantID: req.TenantID,
			MigrationID: rec.ID, IPAddress: req.IPAddress,
			Action: "import", Result: "rejected",
			ErrorMessage: err.Error(),
			Details:      map[string]interface{}{"retry_after_seconds": retryAfter},
		})
		m.failRecord(rec, err)
		return nil, err
	}

	m.auditor.Record(AuditEntry{
		EventType: AuditImportStarted, UserID: req.UserID, TenantID: req.TenantID,
		MigrationID: rec.ID, IPAddress: req.IPAddress,
		Action: "import", Result: "started",
		CollectionsAccessed: collectionNames(pkg),
	})

	rec.Status = types.MigrationInProgress
	if err := m.saveRecord(rec); err != nil {
		return nil, err
	}

	if err := m.runImport(rec, pkg, req.ConflictPolicy); err != nil {
		m.failRecord(rec, err)
		m.auditor.Record(AuditEntry{
			EventType: AuditImportFailed, UserID: req.UserID, TenantID: req.TenantID,
			MigrationID: rec.ID, IPAddress: req.IPAddress,
			Action: "import", Result: "failed", ErrorMessage: err.Error(),
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
	if err := m.limiter.Record(ctx, req.UserID, "import"); err != nil {
		m.logger.Warn().Err(err).Str("migration_id", rec.ID).Msg("failed to stamp import rate window")
	}

	m.auditor.Record(AuditEntry{
		EventType: AuditImportCompleted, UserID: req.UserID, TenantID: req.TenantID,
		MigrationID: rec.ID, IPAddress: req.IPAddress,
		Action: "import", Result: "success",
		DocumentCount: rec.Progress.DocumentsTransferred,
	})
	migLog := log.WithMigrationID(rec.ID)
	migLog.Info().
		Int("documents", rec.Progress.DocumentsTransferred).
		Msg("import completed")
	return rec, nil
}

// auditValidationFailure records a rejected package under the event
// type matching the failure kind
func (m *Manager) auditValidationFailure(req ImportRequest, cause error) {
	eventType := AuditValidationFailed
	switch {
	case errors.Is(cause, ErrDecompressionBomb):
		eventType = AuditDecompressionBomb
	case errors.Is(cause, ErrChecksumMismatch):
		eventType = AuditChecksumMismatch
	}
	m.auditor.Record(AuditEntry{
		EventType: eventType, UserID: req.UserID, TenantID: req.TenantID,
		IPAddress: req.IPAddress, Action: "import", Result: "rejected",
		ErrorMessage: cause.Error(),
	})
}

func (m *Manager) decodePackage(data []byte, secret string) (*types.MigrationPackage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty package: %w", errdefs.ErrValidation)
	}

	var sealer *security.Sealer
	if secret != "" {
		s, err := security.NewSealerFromSecret(secret)
		if err != nil {
			return nil, err
		}
		sealer = s
	}

	codec := NewCodec("", sealer, m.limits())
	return codec.Decode(data)
}

func (m *Manager) runImport(rec *types.MigrationRecord, pkg *types.MigrationPackage, policy types.ConflictPolicy) error {
	if err := m.snapshotForRollback(rec, collectionNames(pkg)); err != nil {
		return err
	}

	for i, export := range pkg.Collections {
		rec.Progress.CurrentCollection = export.CollectionName
		rec.Progress.CollectionsDone = i
		if err := m.saveRecord(rec); err != nil {
			return err
		}

		applied, err := m.importCollection(&export, policy)
		rec.Progress.DocumentsTransferred += applied
		if err != nil {
			return fmt.Errorf("failed to import collection %q: %w", export.CollectionName, err)
		}
	}

	rec.Progress.CollectionsDone = len(pkg.Collections)
	rec.Progress.CurrentCollection = ""
	return nil
}

// SaveUpload persists an uploaded package file and records it so a
// later import can reference it by id
func (m *Manager) SaveUpload(_ context.Context, userID string, data []byte) (*types.MigrationRecord, error) {
	if len(data) == 0 {
		err := fmt.Errorf("empty package: %w", errdefs.ErrValidation)
		m.auditor.Record(AuditEntry{
			EventType: AuditValidationFailed, UserID: userID,
			Action: "upload", Result: "rejected", ErrorMessage: err.Error(),
		})
		return nil, err
	}
	if m.cfg.MaxCompressedBytes > 0 && int64(len(data)) > m.cfg.MaxCompressedBytes {
		err := fmt.Errorf("package exceeds %d bytes: %w", m.cfg.MaxCompressedBytes, errdefs.ErrValidation)
		m.auditor.Record(AuditEntry{
			EventType: AuditValidationFailed, UserID: userID,
			Action: "upload", Result: "rejected", ErrorMessage: err.Error(),
		})
		return nil, err
	}

	rec := &types.MigrationRecord{
		ID:        uuid.New().String(),
		Type:      types.MigrationImport,
		Status:    types.MigrationPending,
		CreatedAt: time.Now().UTC(),
		CreatedBy: userID,
		Metadata:  map[string]interface{}{"uploaded": true},
	}

	path := m.packagePath(rec.ID)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to store uploaded package: %w", err)
	}
	rec.PackageFilePath = path
	rec.PackageSizeBytes = int64(len(data))
	rec.PackageChecksum = ChecksumBytes(data)

	if err := m.saveRecord(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ImportDocuments bulk-loads documents into one collection. It backs
// the direct-transfer upload endpoint.
func (m *Manager) ImportDocuments(collection string, docs []map[string]interface{}, policy types.ConflictPolicy) (int, error) {
	if types.IsInternalCollection(collection) {
		return 0, fmt.Errorf("collection %q is internal: %w", collection, errdefs.ErrValidation)
	}
	if policy == "" {
		policy = types.ConflictFail
	}
	return m.importCollection(&types.CollectionExport{
		CollectionName: collection,
		Documents:      docs,
	}, policy)
}

// CollectionDocuments reads one user collection for a direct transfer
func (m *Manager) CollectionDocuments(collection string) ([]map[string]interface{}, error) {
	if types.IsInternalCollection(collection) {
		return nil, fmt.Errorf("collection %q is internal: %w", collection, errdefs.ErrValidation)
	}
	docs, err := m.store.List(collection)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, len(docs))
	for i, doc := range docs {
		out[i] = doc
	}
	return out, nil
}

func (m *Manager) importCollection(export *types.CollectionExport, policy types.ConflictPolicy) (int, error) {
	applied := 0
	for _, raw := range export.Documents {
		doc := storage.Document(raw)
		if doc.ID() == "" {
			return applied, fmt.Errorf("document without _id in %q: %w", export.CollectionName, errdefs.ErrValidation)
		}

		err := m.store.Insert(export.CollectionName, doc)
		if errors.Is(err, errdefs.ErrExists) {
			switch policy {
			case types.ConflictSkip:
				continue
			case types.ConflictOverwrite:
				err = m.store.Replace(export.CollectionName, doc.ID(), doc)
			default:
				return applied, fmt.Errorf("document %q already exists in %q: %w",
					doc.ID(), export.CollectionName, errdefs.ErrConflict)
			}
		}
		if err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// snapshotForRollback captures the pre-import state of every collection
// the package touches
func (m *Manager) snapshotForRollback(rec *types.MigrationRecord, collections []string) error {
	snapshot := &types.MigrationPackage{
		Metadata: types.PackageMetadata{
			Version:         types.PackageVersion,
			SystemVersion:   SystemVersion,
			ExportTimestamp: time.Now().UTC(),
			ExportedBy:      rec.CreatedBy,
			TenantID:        rec.TenantID,
			Compression:     types.CompressionGzip,
			Description:     "pre-import rollback snapshot for " + rec.ID,
		},
	}

	for _, name := range collections {
		export, info, err := m.snapshotCollection(name)
		if err != nil {
			return fmt.Errorf("failed to snapshot %q for rollback: %w", name, err)
		}
		snapshot.Collections = append(snapshot.Collections, *export)
		snapshot.Metadata.Collections = append(snapshot.Metadata.Collections, *info)
		snapshot.Metadata.TotalDocuments += info.DocumentCount
		snapshot.Metadata.TotalSizeBytes += info.SizeBytes
	}
	snapshot.Metadata.Checksum = PackageChecksum(snapshot.Metadata.Collections)

	codec := NewCodec(types.CompressionGzip, nil, m.limits())
	data, err := codec.Encode(snapshot)
	if err != nil {
		return err
	}

	path := m.rollbackPath(rec.ID)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write rollback snapshot: %w", err)
	}

	rec.RollbackAvailable = true
	rec.RollbackDataPath = path
	return m.saveRecord(rec)
}

func collectionNames(pkg *types.MigrationPackage) []string {
	names := make([]string, len(pkg.Collections))
	for i, c := range pkg.Collections {
		names[i] = c.CollectionName
	}
	return names
}
