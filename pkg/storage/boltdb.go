package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/types"
)

// BoltStore implements Store using BoltDB with one bucket per collection
// and JSON-encoded documents keyed by _id
type BoltStore struct {
	db *bolt.DB

	mu          sync.RWMutex
	subscribers map[Subscriber]bool
}

// NewBoltStore opens (or creates) the store database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "burrow.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Internal collections are created eagerly so the core never races
	// on first use
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range types.InternalCollections {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{
		db:          db,
		subscribers: make(map[Subscriber]bool),
	}, nil
}

// Close closes the database and all change-stream subscriptions
func (s *BoltStore) Close() error {
	s.mu.Lock()
	for sub := range s.subscribers {
		close(sub)
	}
	s.subscribers = make(map[Subscriber]bool)
	s.mu.Unlock()
	return s.db.Close()
}

// Subscribe registers a change-stream subscriber
func (s *BoltStore) Subscribe() Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := make(Subscriber, 256)
	s.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a change-stream subscriber
func (s *BoltStore) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscribers[sub] {
		delete(s.subscribers, sub)
		close(sub)
	}
}

func (s *BoltStore) publish(op types.Operation, collection, id string, doc Document) {
	ev := ChangeEvent{
		Operation:  op,
		Collection: collection,
		DocumentID: id,
		Document:   doc,
		Timestamp:  time.Now().UTC(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subscribers {
		select {
		case sub <- ev:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// Insert adds a new document, failing when the _id already exists
func (s *BoltStore) Insert(collection string, doc Document) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("document missing _id")
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		if b.Get([]byte(id)) != nil {
			return fmt.Errorf("document %s in %s: %w", id, collection, errdefs.ErrExists)
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return err
	}

	s.publish(types.OpInsert, collection, id, doc)
	return nil
}

// Update sets fields on an existing document
func (s *BoltStore) Update(collection, id string, fields Document) error {
	var updated Document
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("document %s in %s: %w", id, collection, errdefs.ErrNotFound)
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		for k, v := range fields {
			if k == "_id" {
				continue
			}
			doc[k] = v
		}
		updated = doc
		out, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	if err != nil {
		return err
	}

	s.publish(types.OpUpdate, collection, id, updated)
	return nil
}

// Replace fully replaces an existing document
func (s *BoltStore) Replace(collection, id string, doc Document) error {
	doc["_id"] = id
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("document %s in %s: %w", id, collection, errdefs.ErrNotFound)
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return err
	}

	s.publish(types.OpReplace, collection, id, doc)
	return nil
}

// Upsert inserts or replaces a document by its _id
func (s *BoltStore) Upsert(collection string, doc Document) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("document missing _id")
	}

	existed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		existed = b.Get([]byte(id)) != nil
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return err
	}

	op := types.OpInsert
	if existed {
		op = types.OpReplace
	}
	s.publish(op, collection, id, doc)
	return nil
}

// Delete removes a document by id. Deleting a missing document is a no-op.
func (s *BoltStore) Delete(collection, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return err
	}

	s.publish(types.OpDelete, collection, id, nil)
	return nil
}

// Get retrieves a document by id
func (s *BoltStore) Get(collection, id string) (Document, error) {
	var doc Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("document %s in %s: %w", id, collection, errdefs.ErrNotFound)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("document %s in %s: %w", id, collection, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// List returns every document in a collection
func (s *BoltStore) List(collection string) ([]Document, error) {
	var docs []Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			docs = append(docs, doc)
			return nil
		})
	})
	return docs, err
}

// Count returns the number of documents in a collection
func (s *BoltStore) Count(collection string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

// Collections returns the names of all collections
func (s *BoltStore) Collections() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

// DropCollection removes a collection and all its documents
func (s *BoltStore) DropCollection(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(name))
	})
}
