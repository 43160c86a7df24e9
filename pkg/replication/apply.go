package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/storage"
	"github.com/burrowdb/burrow/pkg/types"
)

// appliedRecord is one row of the apply log, keyed by event id. The log
// makes Apply idempotent and carries the per-document history used for
// conflict detection.
type appliedRecord struct {
	EventID        string          `json:"_id"`
	SequenceNumber int64           `json:"sequence_number"`
	Operation      types.Operation `json:"operation"`
	Collection     string          `json:"collection"`
	DocumentID     string          `json:"document_id"`
	SourceNode     string          `json:"source_node"`
	Timestamp      time.Time       `json:"timestamp"`
	AppliedAt      time.Time       `json:"applied_at"`
}

// Apply executes a replication event from a peer against the local
// store. Re-applying an already applied event is a no-op. Concurrent
// writes to the same document from different sources are handed to the
// conflict resolver.
func (e *Engine) Apply(ctx context.Context, ev *types.ReplicationEvent) error {
	if !types.ValidOperation(ev.Operation) {
		return fmt.Errorf("operation %q: %w", ev.Operation, errdefs.ErrValidation)
	}
	if ev.EventID == "" || ev.Collection == "" || ev.DocumentID == "" {
		return fmt.Errorf("event_id, collection and document_id are required: %w", errdefs.ErrValidation)
	}
	if types.IsInternalCollection(ev.Collection) {
		return fmt.Errorf("collection %q is internal: %w", ev.Collection, errdefs.ErrValidation)
	}

	if _, err := e.store.Get(types.CollectionReplicationApplied, ev.EventID); err == nil {
		e.logger.Debug().Str("event_id", ev.EventID).Msg("event already applied")
		return nil
	} else if !errors.Is(err, errdefs.ErrNotFound) {
		return err
	}

	conflicted, err := e.detectConflict(ev)
	if err != nil {
		return err
	}
	if conflicted {
		if err := e.resolver.Resolve(ctx, ev); err != nil {
			return err
		}
		return e.recordApplied(ev)
	}

	if err := e.applyOperation(ev); err != nil {
		return err
	}
	return e.recordApplied(ev)
}

func (e *Engine) applyOperation(ev *types.ReplicationEvent) error {
	switch ev.Operation {
	case types.OpInsert:
		doc := storage.Document(ev.Payload)
		err := e.store.Insert(ev.Collection, doc)
		if errors.Is(err, errdefs.ErrExists) {
			// The document raced in from elsewhere; converge on the event
			return e.store.Replace(ev.Collection, ev.DocumentID, doc)
		}
		return err

	case types.OpUpdate:
		err := e.store.Update(ev.Collection, ev.DocumentID, storage.Document(ev.Payload))
		if errors.Is(err, errdefs.ErrNotFound) {
			return e.store.Upsert(ev.Collection, storage.Document(ev.Payload))
		}
		return err

	case types.OpReplace:
		err := e.store.Replace(ev.Collection, ev.DocumentID, storage.Document(ev.Payload))
		if errors.Is(err, errdefs.ErrNotFound) {
			return e.store.Upsert(ev.Collection, storage.Document(ev.Payload))
		}
		return err

	case types.OpDelete:
		return e.store.Delete(ev.Collection, ev.DocumentID)
	}
	return fmt.Errorf("operation %q: %w", ev.Operation, errdefs.ErrValidation)
}

// detectConflict reports whether a later write from a different source
// already touched the event's document
func (e *Engine) detectConflict(ev *types.ReplicationEvent) (bool, error) {
	last, err := e.lastApplied(ev.Collection, ev.DocumentID)
	if err != nil {
		return false, err
	}
	if last == nil {
		return false, nil
	}
	return last.SourceNode != ev.SourceNode && last.Timestamp.After(ev.Timestamp), nil
}

// lastApplied returns the newest apply-log record for a document, or nil
func (e *Engine) lastApplied(collection, documentID string) (*appliedRecord, error) {
	docs, err := e.store.List(types.CollectionReplicationApplied)
	if err != nil {
		return nil, err
	}

	var last *appliedRecord
	for _, doc := range docs {
		var rec appliedRecord
		if err := storage.Decode(doc, &rec); err != nil {
			return nil, err
		}
		if rec.Collection != collection || rec.DocumentID != documentID {
			continue
		}
		if last == nil || rec.Timestamp.After(last.Timestamp) {
			r := rec
			last = &r
		}
	}
	return last, nil
}

func (e *Engine) recordApplied(ev *types.ReplicationEvent) error {
	rec := appliedRecord{
		EventID:        ev.EventID,
		SequenceNumber: ev.SequenceNumber,
		Operation:      ev.Operation,
		Collection:     ev.Collection,
		DocumentID:     ev.DocumentID,
		SourceNode:     ev.SourceNode,
		Timestamp:      ev.Timestamp,
		AppliedAt:      time.Now().UTC(),
	}
	doc, err := storage.Encode(rec)
	if err != nil {
		return err
	}
	return e.store.Upsert(types.CollectionReplicationApplied, doc)
}
