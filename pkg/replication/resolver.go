package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/storage"
	"github.com/burrowdb/burrow/pkg/types"
)

// CustomResolveFunc merges two competing versions into the document to
// keep. Returning nil falls back to last-write-wins.
type CustomResolveFunc func(local, remote types.ConflictVersion) map[string]interface{}

// Resolver reconciles concurrent writes to the same document
type Resolver struct {
	strategy types.ConflictStrategy
	store    storage.Store
	custom   CustomResolveFunc
}

// NewResolver creates a resolver with the given strategy
func NewResolver(strategy types.ConflictStrategy, store storage.Store) *Resolver {
	return &Resolver{strategy: strategy, store: store}
}

// SetCustomFunc installs the merge function used by the custom strategy
func (r *Resolver) SetCustomFunc(fn CustomResolveFunc) {
	r.custom = fn
}

// Strategy returns the active strategy
func (r *Resolver) Strategy() types.ConflictStrategy {
	return r.strategy
}

// Resolve reconciles the incoming event against the locally stored
// version of the same document
func (r *Resolver) Resolve(ctx context.Context, ev *types.ReplicationEvent) error {
	localDoc, err := r.store.Get(ev.Collection, ev.DocumentID)
	if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		return err
	}

	local := types.ConflictVersion{
		SourceNode: "local",
		Timestamp:  time.Now().UTC(),
		Data:       localDoc,
	}
	remote := types.ConflictVersion{
		SourceNode: ev.SourceNode,
		Timestamp:  ev.Timestamp,
		Data:       ev.Payload,
	}

	switch r.strategy {
	case types.ConflictManual:
		return r.persistConflict(ev, local, remote)

	case types.ConflictCustom:
		if r.custom != nil {
			if merged := r.custom(local, remote); merged != nil {
				return r.store.Upsert(ev.Collection, mergedDoc(ev.DocumentID, merged))
			}
		}
		return r.fieldMerge(ev, local, remote)

	default: // last-write-wins
		return r.lastWriteWins(ev, local, remote)
	}
}

// lastWriteWins keeps the version with the later timestamp. The local
// version already sits in the store, so only a remote win writes.
func (r *Resolver) lastWriteWins(ev *types.ReplicationEvent, local, remote types.ConflictVersion) error {
	if local.Data != nil && !remote.Timestamp.After(localTimestamp(local)) {
		return nil
	}
	if ev.Operation == types.OpDelete {
		return r.store.Delete(ev.Collection, ev.DocumentID)
	}
	return r.store.Upsert(ev.Collection, storage.Document(remote.Data))
}

// fieldMerge overlays versions oldest first so newer fields win per key
func (r *Resolver) fieldMerge(ev *types.ReplicationEvent, local, remote types.ConflictVersion) error {
	versions := []types.ConflictVersion{local, remote}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Timestamp.Before(versions[j].Timestamp)
	})

	merged := make(map[string]interface{})
	any := false
	for _, v := range versions {
		for k, val := range v.Data {
			merged[k] = val
			any = true
		}
	}
	if !any {
		return r.lastWriteWins(ev, local, remote)
	}
	return r.store.Upsert(ev.Collection, mergedDoc(ev.DocumentID, merged))
}

// persistConflict records both versions for operator review and keeps
// the version that arrived first
func (r *Resolver) persistConflict(ev *types.ReplicationEvent, local, remote types.ConflictVersion) error {
	conflict := types.ReplicationConflict{
		ID:         uuid.New().String(),
		Collection: ev.Collection,
		DocumentID: ev.DocumentID,
		Versions:   []types.ConflictVersion{local, remote},
		CreatedAt:  time.Now().UTC(),
	}
	doc, err := storage.Encode(conflict)
	if err != nil {
		return err
	}
	return r.store.Insert(types.CollectionReplicationConflict, doc)
}

// ListConflicts returns unresolved conflicts for operator review
func (r *Resolver) ListConflicts(_ context.Context) ([]*types.ReplicationConflict, error) {
	docs, err := r.store.List(types.CollectionReplicationConflict)
	if err != nil {
		return nil, err
	}
	var out []*types.ReplicationConflict
	for _, doc := range docs {
		var c types.ReplicationConflict
		if err := storage.Decode(doc, &c); err != nil {
			return nil, err
		}
		if !c.Resolved {
			out = append(out, &c)
		}
	}
	return out, nil
}

// ResolveManually applies the chosen version of a recorded conflict and
// marks it resolved
func (r *Resolver) ResolveManually(_ context.Context, conflictID string, version int) error {
	doc, err := r.store.Get(types.CollectionReplicationConflict, conflictID)
	if err != nil {
		return err
	}
	var c types.ReplicationConflict
	if err := storage.Decode(doc, &c); err != nil {
		return err
	}
	if version < 0 || version >= len(c.Versions) {
		return fmt.Errorf("version index %d out of range: %w", version, errdefs.ErrValidation)
	}

	chosen := c.Versions[version]
	if chosen.Data != nil {
		if err := r.store.Upsert(c.Collection, mergedDoc(c.DocumentID, chosen.Data)); err != nil {
			return err
		}
	}

	c.Resolved = true
	updated, err := storage.Encode(c)
	if err != nil {
		return err
	}
	return r.store.Upsert(types.CollectionReplicationConflict, updated)
}

func mergedDoc(id string, data map[string]interface{}) storage.Document {
	doc := storage.Document(data)
	doc["_id"] = id
	return doc
}

// localTimestamp digs the document's own updated_at out when present,
// falling back to the observation time
func localTimestamp(v types.ConflictVersion) time.Time {
	if raw, ok := v.Data["updated_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t
		}
	}
	return v.Timestamp
}
