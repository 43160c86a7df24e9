package types

import "time"

// MigrationType distinguishes exports from imports
type MigrationType string

const (
	MigrationExport MigrationType = "export"
	MigrationImport MigrationType = "import"
)

// MigrationStatus is the lifecycle state of a migration
type MigrationStatus string

const (
	MigrationPending    MigrationStatus = "pending"
	MigrationInProgress MigrationStatus = "in_progress"
	MigrationCompleted  MigrationStatus = "completed"
	MigrationFailed     MigrationStatus = "failed"
	MigrationRolledBack MigrationStatus = "rolled_back"
)

// Compression names the package compression codec
type Compression string

const (
	CompressionNone  Compression = "none"
	CompressionGzip  Compression = "gzip"
	CompressionBzip2 Compression = "bzip2"
)

// ConflictPolicy decides what an import does on an _id collision
type ConflictPolicy string

const (
	ConflictSkip      ConflictPolicy = "skip"
	ConflictOverwrite ConflictPolicy = "overwrite"
	ConflictFail      ConflictPolicy = "fail"
)

// PackageVersion is the migration package format version
const PackageVersion = "1.0.0"

// CollectionInfo summarizes one exported collection in package metadata
type CollectionInfo struct {
	Name          string                   `json:"name"`
	DocumentCount int                      `json:"document_count"`
	SizeBytes     int64                    `json:"size_bytes"`
	Checksum      string                   `json:"checksum"`
	Indexes       []map[string]interface{} `json:"indexes,omitempty"`
}

// PackageMetadata is the self-describing header of a migration package
type PackageMetadata struct {
	Version         string           `json:"version"`
	SystemVersion   string           `json:"system_version"`
	ExportTimestamp time.Time        `json:"export_timestamp"`
	ExportedBy      string           `json:"exported_by"`
	TenantID        string           `json:"tenant_id,omitempty"`
	Collections     []CollectionInfo `json:"collections"`
	TotalDocuments  int              `json:"total_documents"`
	TotalSizeBytes  int64            `json:"total_size_bytes"`
	// Checksum is the SHA-256 of the concatenated per-collection
	// checksums in declared order
	Checksum    string      `json:"checksum"`
	Compression Compression `json:"compression"`
	Description string      `json:"description,omitempty"`
}

// CollectionExport holds one collection's documents inside a package
type CollectionExport struct {
	CollectionName string                   `json:"collection_name"`
	Documents      []map[string]interface{} `json:"documents"`
	Indexes        []map[string]interface{} `json:"indexes,omitempty"`
	Metadata       map[string]interface{}   `json:"metadata,omitempty"`
}

// MigrationPackage is the decoded on-disk package payload
type MigrationPackage struct {
	Metadata    PackageMetadata    `json:"metadata"`
	Collections []CollectionExport `json:"collections"`
}

// MigrationProgress tracks a running migration
type MigrationProgress struct {
	CurrentCollection    string  `json:"current_collection,omitempty"`
	CollectionsDone      int     `json:"collections_done"`
	CollectionsTotal     int     `json:"collections_total"`
	DocumentsTransferred int     `json:"documents_transferred"`
	DocumentsTotal       int     `json:"documents_total"`
	Percentage           float64 `json:"percentage"`
	ETASeconds           float64 `json:"eta_seconds,omitempty"`
	Error                string  `json:"error,omitempty"`
}

// MigrationRecord is the document of record for every export/import
type MigrationRecord struct {
	ID                string                 `json:"_id"`
	Type              MigrationType          `json:"type"`
	Status            MigrationStatus        `json:"status"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	CreatedBy         string                 `json:"created_by"`
	TenantID          string                 `json:"tenant_id,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	Progress          MigrationProgress      `json:"progress"`
	PackageFilePath   string                 `json:"package_file_path,omitempty"`
	PackageSizeBytes  int64                  `json:"package_size_bytes,omitempty"`
	PackageChecksum   string                 `json:"package_checksum,omitempty"`
	RollbackAvailable bool                   `json:"rollback_available"`
	RollbackDataPath  string                 `json:"rollback_data_path,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	ErrorDetails      map[string]interface{} `json:"error_details,omitempty"`
}

// RemoteInstance is a registered peer instance for direct transfers
type RemoteInstance struct {
	ID              string     `json:"_id"`
	OwnerID         string     `json:"owner_id"`
	Name            string     `json:"name"`
	BaseURL         string     `json:"base_url"`
	EncryptedAPIKey []byte     `json:"encrypted_api_key"`
	SizeBytes       int64      `json:"size_bytes,omitempty"`
	CollectionCount int        `json:"collection_count,omitempty"`
	LastSynced      *time.Time `json:"last_synced,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// TransferStatus is the lifecycle state of a direct transfer
type TransferStatus string

const (
	TransferPending    TransferStatus = "pending"
	TransferInProgress TransferStatus = "in_progress"
	TransferPaused     TransferStatus = "paused"
	TransferCompleted  TransferStatus = "completed"
	TransferFailed     TransferStatus = "failed"
	TransferCancelled  TransferStatus = "cancelled"
)

// Transfer pairs two instances for a direct collection-by-collection copy
type Transfer struct {
	ID               string            `json:"_id"`
	SourceInstanceID string            `json:"source_instance_id"`
	TargetInstanceID string            `json:"target_instance_id"`
	Collections      []string          `json:"collections"`
	ConflictPolicy   ConflictPolicy    `json:"conflict_policy"`
	Status           TransferStatus    `json:"status"`
	Progress         MigrationProgress `json:"progress"`
	// CheckpointCollection is the index of the next collection to copy,
	// used when resuming a paused transfer
	CheckpointCollection int        `json:"checkpoint_collection"`
	BandwidthMbps        float64    `json:"bandwidth_mbps,omitempty"`
	CreatedBy            string     `json:"created_by"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	ErrorMessage         string     `json:"error_message,omitempty"`
}

// ScheduledMigration is a persisted cron schedule driving direct transfers
type ScheduledMigration struct {
	ID         string     `json:"_id"`
	TransferID string     `json:"transfer_id"`
	CronSpec   string     `json:"cron_spec"`
	Enabled    bool       `json:"enabled"`
	CreatedBy  string     `json:"created_by"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
