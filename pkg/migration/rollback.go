package migration

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/log"
	"github.com/burrowdb/burrow/pkg/storage"
	"github.com/burrowdb/burrow/pkg/types"
)

// Rollback restores the pre-import snapshot of a completed import.
// Every touched collection is dropped and rebuilt from the snapshot, so
// documents the import added are removed. confirm must be true.
func (m *Manager) Rollback(ctx context.Context, migrationID, userID string, confirm bool) (*types.MigrationRecord, error) {
	if !confirm {
		return nil, fmt.Errorf("rollback requires confirmation: %w", errdefs.ErrValidation)
	}

	rec, err := m.GetRecord(ctx, migrationID)
	if err != nil {
		return nil, err
	}
	if rec.Type != types.MigrationImport {
		return nil, fmt.Errorf("migration %s is not an import: %w", migrationID, errdefs.ErrValidation)
	}
	if !rec.RollbackAvailable || rec.RollbackDataPath == "" {
		return nil, fmt.Errorf("migration %s has no rollback snapshot: %w", migrationID, errdefs.ErrValidation)
	}

	if err := m.locker.Acquire(ctx, rec.TenantID, rec.ID); err != nil {
		return nil, err
	}
	defer m.locker.Release(ctx, rec.TenantID)

	data, err := os.ReadFile(rec.RollbackDataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read rollback snapshot: %w", err)
	}

	codec := NewCodec("", nil, m.limits())
	snapshot, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode rollback snapshot: %w", err)
	}

	if err := m.restoreSnapshot(snapshot); err != nil {
		m.auditor.Record(AuditEntry{
			EventType: AuditRollbackFailed, UserID: userID, TenantID: rec.TenantID,
			MigrationID: rec.ID, Action: "rollback", Result: "failed",
			ErrorMessage: err.Error(),
		})
		return nil, err
	}

	now := time.Now().UTC()
	rec.Status = types.MigrationRolledBack
	rec.RollbackAvailable = false
	rec.CompletedAt = &now
	if err := m.saveRecord(rec); err != nil {
		return nil, err
	}

	m.auditor.Record(AuditEntry{
		EventType: AuditRollbackCompleted, UserID: userID, TenantID: rec.TenantID,
		MigrationID: rec.ID, Action: "rollback", Result: "success",
		CollectionsAccessed: collectionNames(snapshot),
		DocumentCount:       snapshot.Metadata.TotalDocuments,
	})
	migLog := log.WithMigrationID(rec.ID)
	migLog.Info().
		Int("documents", snapshot.Metadata.TotalDocuments).
		Msg("import rolled back")
	return rec, nil
}

// restoreSnapshot rebuilds each collection exactly as captured: drop,
// then insert every snapshot document
func (m *Manager) restoreSnapshot(snapshot *types.MigrationPackage) error {
	for _, export := range snapshot.Collections {
		if err := m.store.DropCollection(export.CollectionName); err != nil {
			return fmt.Errorf("failed to drop %q: %w", export.CollectionName, err)
		}
		for _, raw := range export.Documents {
			if err := m.store.Insert(export.CollectionName, storage.Document(raw)); err != nil {
				return fmt.Errorf("failed to restore document in %q: %w", export.CollectionName, err)
			}
		}
	}
	return nil
}
