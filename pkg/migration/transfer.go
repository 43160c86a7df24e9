package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/storage"
	"github.com/burrowdb/burrow/pkg/types"
)

// transferSizeWarnBytes is the source size above which a transfer logs
// a warning before starting. Large transfers proceed anyway.
const transferSizeWarnBytes = 1 << 30

// TransferRequest creates a direct instance-to-instance transfer
type TransferRequest struct {
	SourceInstanceID string               `json:"source_instance_id"`
	TargetInstanceID string               `json:"target_instance_id"`
	Collections      []string             `json:"collections"`
	ConflictPolicy   types.ConflictPolicy `json:"conflict_policy,omitempty"`
	BandwidthMbps    float64              `json:"bandwidth_mbps,omitempty"`
	CreatedBy        string               `json:"created_by"`
}

// collectionDocs is the wire form of one collection's documents during
// a direct transfer
type collectionDocs struct {
	Documents      []map[string]interface{} `json:"documents"`
	ConflictPolicy types.ConflictPolicy     `json:"conflict_policy,omitempty"`
}

// CreateTransfer validates and persists a pending transfer
func (m *Manager) CreateTransfer(ctx context.Context, req TransferRequest) (*types.Transfer, error) {
	if req.SourceInstanceID == "" || req.TargetInstanceID == "" {
		return nil, fmt.Errorf("source and target instances are required: %w", errdefs.ErrValidation)
	}
	if req.SourceInstanceID == req.TargetInstanceID {
		return nil, fmt.Errorf("source and target must differ: %w", errdefs.ErrValidation)
	}
	if len(req.Collections) == 0 {
		return nil, fmt.Errorf("at least one collection is required: %w", errdefs.ErrValidation)
	}
	for _, name := range req.Collections {
		if types.IsInternalCollection(name) {
			return nil, fmt.Errorf("collection %q is internal: %w", name, errdefs.ErrValidation)
		}
	}
	if _, err := m.GetInstance(ctx, req.SourceInstanceID); err != nil {
		return nil, fmt.Errorf("source instance: %w", err)
	}
	if _, err := m.GetInstance(ctx, req.TargetInstanceID); err != nil {
		return nil, fmt.Errorf("target instance: %w", err)
	}
	if req.ConflictPolicy == "" {
		req.ConflictPolicy = types.ConflictFail
	}

	t := &types.Transfer{
		ID:               uuid.New().String(),
		SourceInstanceID: req.SourceInstanceID,
		TargetInstanceID: req.TargetInstanceID,
		Collections:      req.Collections,
		ConflictPolicy:   req.ConflictPolicy,
		Status:           types.TransferPending,
		BandwidthMbps:    req.BandwidthMbps,
		CreatedBy:        req.CreatedBy,
		CreatedAt:        time.Now().UTC(),
	}
	t.Progress.CollectionsTotal = len(req.Collections)

	if err := m.saveTransfer(t); err != nil {
		return nil, err
	}
	return t, nil
}

// RunTransfer copies the transfer's collections from source to target,
// one collection at a time. The checkpoint index makes a paused or
// failed transfer resumable from the next collection.
func (m *Manager) RunTransfer(ctx context.Context, id string) error {
	t, err := m.GetTransfer(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == types.TransferCompleted || t.Status == types.TransferCancelled {
		return fmt.Errorf("transfer %s is %s: %w", id, t.Status, errdefs.ErrValidation)
	}

	source, err := m.GetInstance(ctx, t.SourceInstanceID)
	if err != nil {
		return err
	}
	target, err := m.GetInstance(ctx, t.TargetInstanceID)
	if err != nil {
		return err
	}
	if source.SizeBytes > transferSizeWarnBytes {
		m.logger.Warn().Str("transfer_id", t.ID).Int64("source_bytes", source.SizeBytes).
			Msg("large source instance, transfer may take a while")
	}

	m.auditor.Record(AuditEntry{
		EventType: AuditTransferStarted, UserID: t.CreatedBy,
		MigrationID: t.ID, Action: "transfer", Result: "started",
		CollectionsAccessed: t.Collections,
	})

	t.Status = types.TransferInProgress
	t.ErrorMessage = ""
	if err := m.saveTransfer(t); err != nil {
		return err
	}

	var limiter *rate.Limiter
	if t.BandwidthMbps > 0 {
		bytesPerSec := t.BandwidthMbps * 1024 * 1024 / 8
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
	}

	if err := m.copyCollections(ctx, t, source, target, limiter); err != nil {
		// Pause and cancel surface as state changes, not failures
		if current, gerr := m.GetTransfer(ctx, t.ID); gerr == nil &&
			(current.Status == types.TransferPaused || current.Status == types.TransferCancelled) {
			return nil
		}
		t.Status = types.TransferFailed
		t.ErrorMessage = err.Error()
		t.Progress.Error = err.Error()
		if serr := m.saveTransfer(t); serr != nil {
			m.logger.Error().Err(serr).Str("transfer_id", t.ID).Msg("failed to persist transfer failure")
		}
		m.auditor.Record(AuditEntry{
			EventType: AuditTransferFailed, UserID: t.CreatedBy,
			MigrationID: t.ID, Action: "transfer", Result: "failed",
			ErrorMessage: err.Error(),
		})
		return err
	}

	now := time.Now().UTC()
	t.Status = types.TransferCompleted
	t.CompletedAt = &now
	t.Progress.Percentage = 100
	t.Progress.CurrentCollection = ""
	if err := m.saveTransfer(t); err != nil {
		return err
	}

	m.auditor.Record(AuditEntry{
		EventType: AuditTransferCompleted, UserID: t.CreatedBy,
		MigrationID: t.ID, Action: "transfer", Result: "success",
		DocumentCount: t.Progress.DocumentsTransferred,
	})
	return nil
}

func (m *Manager) copyCollections(ctx context.Context, t *types.Transfer, source, target *types.RemoteInstance, limiter *rate.Limiter) error {
	sourceKey, err := m.instanceAPIKey(source)
	if err != nil {
		return err
	}
	targetKey, err := m.instanceAPIKey(target)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Minute}

	for i := t.CheckpointCollection; i < len(t.Collections); i++ {
		// Re-read status so Pause and Cancel take effect between collections
		current, err := m.GetTransfer(ctx, t.ID)
		if err != nil {
			return err
		}
		if current.Status == types.TransferPaused {
			return fmt.Errorf("transfer paused: %w", errdefs.ErrCancelled)
		}
		if current.Status == types.TransferCancelled {
			return fmt.Errorf("transfer cancelled: %w", errdefs.ErrCancelled)
		}

		name := t.Collections[i]
		t.Progress.CurrentCollection = name

		docs, size, err := m.fetchCollection(ctx, client, source.BaseURL, sourceKey, name)
		if err != nil {
			return fmt.Errorf("failed to fetch %q from source: %w", name, err)
		}

		if limiter != nil && size > 0 {
			if err := waitBandwidth(ctx, limiter, size); err != nil {
				return err
			}
		}

		if err := m.pushCollection(ctx, client, target.BaseURL, targetKey, name, docs, t.ConflictPolicy); err != nil {
			return fmt.Errorf("failed to push %q to target: %w", name, err)
		}

		t.CheckpointCollection = i + 1
		t.Progress.CollectionsDone = i + 1
		t.Progress.DocumentsTransferred += len(docs)
		t.Progress.Percentage = float64(i+1) / float64(len(t.Collections)) * 100
		if err := m.saveTransfer(t); err != nil {
			return err
		}
	}
	return nil
}

// waitBandwidth charges size bytes against the limiter in burst-sized
// chunks
func waitBandwidth(ctx context.Context, limiter *rate.Limiter, size int) error {
	burst := limiter.Burst()
	for size > 0 {
		n := size
		if n > burst {
			n = burst
		}
		if err := limiter.WaitN(ctx, n); err != nil {
			return err
		}
		size -= n
	}
	return nil
}

func (m *Manager) fetchCollection(ctx context.Context, client *http.Client, baseURL, apiKey, name string) ([]map[string]interface{}, int, error) {
	url := fmt.Sprintf("%s/migration/collections/%s/documents", baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("X-Cluster-Token", apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("source returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, m.cfg.MaxDecompressedBytes))
	if err != nil {
		return nil, 0, err
	}

	var payload collectionDocs
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, 0, err
	}
	return payload.Documents, len(body), nil
}

func (m *Manager) pushCollection(ctx context.Context, client *http.Client, baseURL, apiKey, name string, docs []map[string]interface{}, policy types.ConflictPolicy) error {
	body, err := json.Marshal(collectionDocs{Documents: docs, ConflictPolicy: policy})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/migration/collections/%s/documents", baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cluster-Token", apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("target returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// PauseTransfer stops an in-progress transfer at the next collection
// boundary
func (m *Manager) PauseTransfer(ctx context.Context, id string) error {
	return m.setTransferStatus(ctx, id, types.TransferInProgress, types.TransferPaused)
}

// ResumeTransfer restarts a paused transfer from its checkpoint
func (m *Manager) ResumeTransfer(ctx context.Context, id string) error {
	if err := m.setTransferStatus(ctx, id, types.TransferPaused, types.TransferPending); err != nil {
		return err
	}
	return m.RunTransfer(ctx, id)
}

// CancelTransfer permanently stops a transfer
func (m *Manager) CancelTransfer(ctx context.Context, id string) error {
	t, err := m.GetTransfer(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == types.TransferCompleted {
		return fmt.Errorf("transfer %s already completed: %w", id, errdefs.ErrValidation)
	}
	t.Status = types.TransferCancelled
	return m.saveTransfer(t)
}

func (m *Manager) setTransferStatus(ctx context.Context, id string, from, to types.TransferStatus) error {
	t, err := m.GetTransfer(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != from {
		return fmt.Errorf("transfer %s is %s, expected %s: %w", id, t.Status, from, errdefs.ErrValidation)
	}
	t.Status = to
	return m.saveTransfer(t)
}

// GetTransfer returns one transfer
func (m *Manager) GetTransfer(_ context.Context, id string) (*types.Transfer, error) {
	doc, err := m.store.Get(types.CollectionMigrationTransfers, id)
	if err != nil {
		return nil, err
	}
	var t types.Transfer
	if err := storage.Decode(doc, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransfers returns all transfers, newest first
func (m *Manager) ListTransfers(_ context.Context) ([]*types.Transfer, error) {
	docs, err := m.store.List(types.CollectionMigrationTransfers)
	if err != nil {
		return nil, err
	}
	var out []*types.Transfer
	for _, doc := range docs {
		var t types.Transfer
		if err := storage.Decode(doc, &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Manager) saveTransfer(t *types.Transfer) error {
	t.UpdatedAt = time.Now().UTC()
	doc, err := storage.Encode(t)
	if err != nil {
		return err
	}
	return m.store.Upsert(types.CollectionMigrationTransfers, doc)
}
