package migration

import (
	"encoding/json"
	"fmt"

	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/types"
)

// ValidatePackage verifies a decoded package before any import touches
// the store: required metadata, collection safety, and checksum
// integrity. encodedSize is the on-disk package size.
func (m *Manager) ValidatePackage(pkg *types.MigrationPackage, encodedSize int64) error {
	if encodedSize > m.cfg.MaxCompressedBytes {
		return fmt.Errorf("package of %d bytes exceeds %d byte limit: %w",
			encodedSize, m.cfg.MaxCompressedBytes, errdefs.ErrValidation)
	}

	meta := pkg.Metadata
	if meta.Version == "" {
		return fmt.Errorf("package missing version: %w", errdefs.ErrValidation)
	}
	if meta.Version != types.PackageVersion {
		return fmt.Errorf("unsupported package version %q: %w", meta.Version, errdefs.ErrValidation)
	}
	if meta.ExportTimestamp.IsZero() {
		return fmt.Errorf("package missing export timestamp: %w", errdefs.ErrValidation)
	}
	if len(pkg.Collections) == 0 {
		return fmt.Errorf("package contains no collections: %w", errdefs.ErrValidation)
	}
	if len(meta.Collections) != len(pkg.Collections) {
		return fmt.Errorf("metadata lists %d collections, payload has %d: %w",
			len(meta.Collections), len(pkg.Collections), errdefs.ErrValidation)
	}

	for i, export := range pkg.Collections {
		info := meta.Collections[i]
		if export.CollectionName == "" {
			return fmt.Errorf("collection %d has no name: %w", i, errdefs.ErrValidation)
		}
		if types.IsInternalCollection(export.CollectionName) {
			return fmt.Errorf("collection %q is internal: %w", export.CollectionName, errdefs.ErrValidation)
		}
		if info.Name != export.CollectionName {
			return fmt.Errorf("metadata order mismatch at %d: %q vs %q: %w",
				i, info.Name, export.CollectionName, errdefs.ErrValidation)
		}
		if info.DocumentCount != len(export.Documents) {
			return fmt.Errorf("collection %q declares %d documents, has %d: %w",
				export.CollectionName, info.DocumentCount, len(export.Documents), errdefs.ErrValidation)
		}

		raw, err := json.Marshal(export.Documents)
		if err != nil {
			return err
		}
		if sum := ChecksumBytes(raw); sum != info.Checksum {
			return fmt.Errorf("collection %q: %w", export.CollectionName, ErrChecksumMismatch)
		}
	}

	if sum := PackageChecksum(meta.Collections); sum != meta.Checksum {
		return fmt.Errorf("package: %w", ErrChecksumMismatch)
	}
	return nil
}
