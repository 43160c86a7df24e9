package migration

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/storage"
	"github.com/burrowdb/burrow/pkg/types"
)

// InstanceRequest registers a remote instance for direct transfers
type InstanceRequest struct {
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
	// APIKey is sealed before storage and never persisted in the clear
	APIKey string `json:"api_key"`
}

// RegisterInstance stores a remote instance with its API key encrypted
func (m *Manager) RegisterInstance(_ context.Context, req InstanceRequest) (*types.RemoteInstance, error) {
	if req.Name == "" || req.BaseURL == "" || req.APIKey == "" {
		return nil, fmt.Errorf("name, base_url and api_key are required: %w", errdefs.ErrValidation)
	}
	if m.sealer == nil {
		return nil, fmt.Errorf("instance registration requires an encryption key")
	}

	sealed, err := m.sealer.Encrypt([]byte(req.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to seal api key: %w", err)
	}

	inst := &types.RemoteInstance{
		ID:              uuid.New().String(),
		OwnerID:         req.OwnerID,
		Name:            req.Name,
		BaseURL:         req.BaseURL,
		EncryptedAPIKey: sealed,
		CreatedAt:       time.Now().UTC(),
	}

	doc, err := storage.Encode(inst)
	if err != nil {
		return nil, err
	}
	if err := m.store.Insert(types.CollectionMigrationInstances, doc); err != nil {
		return nil, err
	}

	m.logger.Info().Str("instance_id", inst.ID).Str("name", inst.Name).
		Msg("remote instance registered")
	return inst, nil
}

// GetInstance returns one registered instance
func (m *Manager) GetInstance(_ context.Context, id string) (*types.RemoteInstance, error) {
	doc, err := m.store.Get(types.CollectionMigrationInstances, id)
	if err != nil {
		return nil, err
	}
	var inst types.RemoteInstance
	if err := storage.Decode(doc, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListInstances returns registered instances, optionally filtered by owner
func (m *Manager) ListInstances(_ context.Context, ownerID string) ([]*types.RemoteInstance, error) {
	docs, err := m.store.List(types.CollectionMigrationInstances)
	if err != nil {
		return nil, err
	}

	var out []*types.RemoteInstance
	for _, doc := range docs {
		var inst types.RemoteInstance
		if err := storage.Decode(doc, &inst); err != nil {
			return nil, err
		}
		if ownerID != "" && inst.OwnerID != ownerID {
			continue
		}
		out = append(out, &inst)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// RemoveInstance deletes a registered instance
func (m *Manager) RemoveInstance(_ context.Context, id string) error {
	return m.store.Delete(types.CollectionMigrationInstances, id)
}

// instanceAPIKey opens the stored key for outbound calls
func (m *Manager) instanceAPIKey(inst *types.RemoteInstance) (string, error) {
	if m.sealer == nil {
		return "", fmt.Errorf("no encryption key configured")
	}
	key, err := m.sealer.Decrypt(inst.EncryptedAPIKey)
	if err != nil {
		return "", fmt.Errorf("failed to open api key for instance %s: %w", inst.ID, err)
	}
	return string(key), nil
}

// UpdateInstanceStats records the size and collection count observed on
// the remote side
func (m *Manager) UpdateInstanceStats(ctx context.Context, id string, sizeBytes int64, collections int) error {
	inst, err := m.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	inst.SizeBytes = sizeBytes
	inst.CollectionCount = collections
	inst.LastSynced = &now

	doc, err := storage.Encode(inst)
	if err != nil {
		return err
	}
	return m.store.Upsert(types.CollectionMigrationInstances, doc)
}
