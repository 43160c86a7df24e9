package migration

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"

	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/security"
	"github.com/burrowdb/burrow/pkg/types"
)

// Validation failure kinds the audit trail tells apart. Both carry
// errdefs.ErrValidation.
var (
	ErrChecksumMismatch  = fmt.Errorf("checksum mismatch: %w", errdefs.ErrValidation)
	ErrDecompressionBomb = fmt.Errorf("decompression bomb detected: %w", errdefs.ErrValidation)
)

// Limits bound the codec against hostile packages
type Limits struct {
	// MaxCompressedBytes caps the encoded package size
	MaxCompressedBytes int64
	// MaxDecompressedBytes caps the inflated payload size
	MaxDecompressedBytes int64
	// MaxRatio caps decompressed/compressed (bomb guard)
	MaxRatio int64
}

// Codec turns migration packages into their on-disk form: JSON,
// compressed, optionally sealed with AES-256-GCM
type Codec struct {
	compression types.Compression
	sealer      *security.Sealer
	limits      Limits
}

// NewCodec creates a codec. A nil sealer produces unencrypted packages.
func NewCodec(compression types.Compression, sealer *security.Sealer, limits Limits) *Codec {
	if compression == "" {
		compression = types.CompressionGzip
	}
	return &Codec{compression: compression, sealer: sealer, limits: limits}
}

// Compression returns the codec's compression setting
func (c *Codec) Compression() types.Compression {
	return c.compression
}

// Encode serializes, compresses, and optionally encrypts a package
func (c *Codec) Encode(pkg *types.MigrationPackage) ([]byte, error) {
	raw, err := json.Marshal(pkg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize package: %w", err)
	}

	compressed, err := c.compress(raw)
	if err != nil {
		return nil, err
	}

	if c.sealer != nil {
		sealed, err := c.sealer.Encrypt(compressed)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt package: %w", err)
		}
		return sealed, nil
	}
	return compressed, nil
}

// Decode reverses Encode, enforcing the size and ratio limits before
// the payload is parsed. The compression codec is sniffed from the
// payload's magic bytes since the metadata naming it sits inside the
// compressed stream.
func (c *Codec) Decode(data []byte) (*types.MigrationPackage, error) {
	if c.limits.MaxCompressedBytes > 0 && int64(len(data)) > c.limits.MaxCompressedBytes {
		return nil, fmt.Errorf("package of %d bytes exceeds %d byte limit: %w",
			len(data), c.limits.MaxCompressedBytes, errdefs.ErrValidation)
	}

	compressed := data
	if c.sealer != nil {
		opened, err := c.sealer.Decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt package: %w", err)
		}
		compressed = opened
	}

	raw, err := c.decompressAs(SniffCompression(compressed), compressed)
	if err != nil {
		return nil, err
	}

	var pkg types.MigrationPackage
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil, fmt.Errorf("failed to parse package: %w", err)
	}
	return &pkg, nil
}

func (c *Codec) compress(raw []byte) ([]byte, error) {
	switch c.compression {
	case types.CompressionNone:
		return raw, nil

	case types.CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("gzip write failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close failed: %w", err)
		}
		return buf.Bytes(), nil

	case types.CompressionBzip2:
		var buf bytes.Buffer
		w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
		if err != nil {
			return nil, fmt.Errorf("bzip2 writer failed: %w", err)
		}
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("bzip2 write failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("bzip2 close failed: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("compression %q: %w", c.compression, errdefs.ErrValidation)
}

// SniffCompression identifies the codec from the payload's magic bytes
func SniffCompression(data []byte) types.Compression {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		return types.CompressionGzip
	}
	if len(data) >= 3 && data[0] == 'B' && data[1] == 'Z' && data[2] == 'h' {
		return types.CompressionBzip2
	}
	return types.CompressionNone
}

func (c *Codec) decompressAs(compression types.Compression, compressed []byte) ([]byte, error) {
	var reader io.Reader
	switch compression {
	case types.CompressionNone:
		return compressed, nil

	case types.CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("gzip open failed: %w", err)
		}
		defer r.Close()
		reader = r

	case types.CompressionBzip2:
		r, err := bzip2.NewReader(bytes.NewReader(compressed), nil)
		if err != nil {
			return nil, fmt.Errorf("bzip2 open failed: %w", err)
		}
		defer r.Close()
		reader = r

	default:
		return nil, fmt.Errorf("compression %q: %w", compression, errdefs.ErrValidation)
	}

	limit := c.limits.MaxDecompressedBytes
	if limit <= 0 {
		limit = 10 << 30
	}

	raw, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("decompressed payload exceeds %d byte limit: %w", limit, ErrDecompressionBomb)
	}
	if c.limits.MaxRatio > 0 && len(compressed) > 0 {
		if int64(len(raw))/int64(len(compressed)) > c.limits.MaxRatio {
			return nil, fmt.Errorf("decompression ratio exceeds %d: %w", c.limits.MaxRatio, ErrDecompressionBomb)
		}
	}
	return raw, nil
}

// ChecksumBytes returns the hex SHA-256 of data
func ChecksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PackageChecksum derives the global checksum from the per-collection
// checksums concatenated in declared order
func PackageChecksum(collections []types.CollectionInfo) string {
	h := sha256.New()
	for _, c := range collections {
		h.Write([]byte(c.Checksum))
	}
	return hex.EncodeToString(h.Sum(nil))
}
