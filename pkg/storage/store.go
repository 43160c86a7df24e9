package storage

import (
	"time"

	"github.com/burrowdb/burrow/pkg/types"
)

// Document is a schemaless JSON document. Every document carries its
// identity under the "_id" key.
type Document map[string]interface{}

// ID returns the document's "_id" value, or "" when absent
func (d Document) ID() string {
	id, _ := d["_id"].(string)
	return id
}

// ChangeEvent describes a single committed Store mutation. The
// replication engine's capture loop consumes these.
type ChangeEvent struct {
	Operation  types.Operation
	Collection string
	DocumentID string
	// Document is the post-image for insert/update/replace, nil for delete
	Document  Document
	Timestamp time.Time
}

// Subscriber is a channel that receives change events
type Subscriber chan ChangeEvent

// Store defines the interface for the persistent document store
type Store interface {
	// Insert adds a new document; fails with errdefs.ErrExists when the
	// _id is already present
	Insert(collection string, doc Document) error

	// Update sets the given fields on the document with the given id
	Update(collection, id string, fields Document) error

	// Replace fully replaces the document with the given id
	Replace(collection, id string, doc Document) error

	// Upsert inserts or replaces by the document's _id
	Upsert(collection string, doc Document) error

	// Delete removes the document with the given id
	Delete(collection, id string) error

	Get(collection, id string) (Document, error)
	List(collection string) ([]Document, error)
	Count(collection string) (int, error)

	// Collections returns the names of all non-empty collections
	Collections() ([]string, error)
	DropCollection(name string) error

	// Subscribe returns a channel of committed mutations (the change
	// stream). Callers must Unsubscribe when done.
	Subscribe() Subscriber
	Unsubscribe(sub Subscriber)

	Close() error
}
