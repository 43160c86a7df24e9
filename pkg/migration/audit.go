package migration

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowdb/burrow/pkg/log"
)

// Audit event types
const (
	AuditExportStarted     = "EXPORT_STARTED"
	AuditExportCompleted   = "EXPORT_COMPLETED"
	AuditExportFailed      = "EXPORT_FAILED"
	AuditImportStarted     = "IMPORT_STARTED"
	AuditImportCompleted   = "IMPORT_COMPLETED"
	AuditImportFailed      = "IMPORT_FAILED"
	AuditRollbackCompleted = "ROLLBACK_COMPLETED"
	AuditRollbackFailed    = "ROLLBACK_FAILED"
	AuditTransferStarted   = "TRANSFER_STARTED"
	AuditTransferCompleted = "TRANSFER_COMPLETED"
	AuditTransferFailed    = "TRANSFER_FAILED"
	AuditPackageDownloaded = "PACKAGE_DOWNLOADED"
	AuditPackageDeleted    = "PACKAGE_DELETED"
	AuditRateLimited       = "RATE_LIMITED"
	AuditLockRejected      = "LOCK_REJECTED"
	AuditValidationFailed  = "FILE_VALIDATION_FAILED"
	AuditChecksumMismatch  = "CHECKSUM_MISMATCH"
	AuditDecompressionBomb = "DECOMPRESSION_BOMB_DETECTED"
)

// AuditEntry is one structured audit record
type AuditEntry struct {
	EventType           string                 `json:"event_type"`
	UserID              string                 `json:"user_id,omitempty"`
	TenantID            string                 `json:"tenant_id,omitempty"`
	MigrationID         string                 `json:"migration_id,omitempty"`
	IPAddress           string                 `json:"ip_address,omitempty"`
	Action              string                 `json:"action"`
	Result              string                 `json:"result"`
	CollectionsAccessed []string               `json:"collections_accessed,omitempty"`
	DocumentCount       int                    `json:"document_count,omitempty"`
	ErrorMessage        string                 `json:"error_message,omitempty"`
	Details             map[string]interface{} `json:"details,omitempty"`
}

// Auditor writes migration audit records as structured JSON log events
type Auditor struct {
	logger zerolog.Logger
}

// NewAuditor creates an auditor on the shared logger
func NewAuditor() *Auditor {
	return &Auditor{logger: log.WithComponent("migration-audit")}
}

// Record emits one audit entry. Failures, checksum mismatches, and
// decompression bombs log at error severity; rate limit, lock, and
// file validation rejections at warn; everything else at info.
func (a *Auditor) Record(entry AuditEntry) {
	ev := a.event(entry)
	ev.Time("timestamp", time.Now().UTC()).
		Str("event_type", entry.EventType).
		Str("action", entry.Action).
		Str("result", entry.Result)

	if entry.UserID != "" {
		ev.Str("user_id", entry.UserID)
	}
	if entry.TenantID != "" {
		ev.Str("tenant_id", entry.TenantID)
	}
	if entry.MigrationID != "" {
		ev.Str("migration_id", entry.MigrationID)
	}
	if entry.IPAddress != "" {
		ev.Str("ip_address", entry.IPAddress)
	}
	if len(entry.CollectionsAccessed) > 0 {
		ev.Strs("collections_accessed", entry.CollectionsAccessed)
	}
	if entry.DocumentCount > 0 {
		ev.Int("document_count", entry.DocumentCount)
	}
	if entry.ErrorMessage != "" {
		ev.Str("error_message", entry.ErrorMessage)
	}
	if len(entry.Details) > 0 {
		ev.Interface("details", entry.Details)
	}
	ev.Msg(entry.Action)
}

func (a *Auditor) event(entry AuditEntry) *zerolog.Event {
	switch entry.EventType {
	case AuditExportFailed, AuditImportFailed, AuditRollbackFailed, AuditTransferFailed,
		AuditChecksumMismatch, AuditDecompressionBomb:
		return a.logger.Error()
	case AuditRateLimited, AuditLockRejected, AuditValidationFailed:
		return a.logger.Warn()
	default:
		return a.logger.Info()
	}
}
