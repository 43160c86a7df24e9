package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/log"
	"github.com/burrowdb/burrow/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})

	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInsertAndGet(t *testing.T) {
	store := newTestStore(t)

	doc := Document{"_id": "u1", "name": "alice"}
	require.NoError(t, store.Insert("users", doc))

	got, err := store.Get("users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got["name"])
}

func TestInsertDuplicateFails(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Insert("users", Document{"_id": "u1"}))
	err := store.Insert("users", Document{"_id": "u1"})
	assert.ErrorIs(t, err, errdefs.ErrExists)
}

func TestUpdateMergesFields(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Insert("users", Document{"_id": "u1", "name": "alice", "age": 30}))
	require.NoError(t, store.Update("users", "u1", Document{"age": 31, "_id": "ignored"}))

	got, err := store.Get("users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got["name"])
	assert.Equal(t, float64(31), got["age"])
	assert.Equal(t, "u1", got.ID())
}

func TestUpdateMissingDocument(t *testing.T) {
	store := newTestStore(t)

	err := store.Update("users", "nope", Document{"x": 1})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestDeleteMissingIsNoop(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Delete("users", "nope"))
}

func TestUpsertInsertsThenReplaces(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Upsert("users", Document{"_id": "u1", "name": "alice"}))
	require.NoError(t, store.Upsert("users", Document{"_id": "u1", "name": "bob"}))

	got, err := store.Get("users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "bob", got["name"])
	assert.NotContains(t, got, "age")
}

func TestListAndCount(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Insert("users", Document{"_id": "a"}))
	require.NoError(t, store.Insert("users", Document{"_id": "b"}))

	docs, err := store.List("users")
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	n, err := store.Count("users")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDropCollection(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Insert("users", Document{"_id": "a"}))
	require.NoError(t, store.DropCollection("users"))

	docs, err := store.List("users")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestChangeStreamDeliversMutations(t *testing.T) {
	store := newTestStore(t)

	sub := store.Subscribe()
	defer store.Unsubscribe(sub)

	require.NoError(t, store.Insert("users", Document{"_id": "u1", "name": "alice"}))
	require.NoError(t, store.Delete("users", "u1"))

	ev := waitEvent(t, sub)
	assert.Equal(t, types.OpInsert, ev.Operation)
	assert.Equal(t, "users", ev.Collection)
	assert.Equal(t, "u1", ev.DocumentID)
	assert.Equal(t, "alice", ev.Document["name"])

	ev = waitEvent(t, sub)
	assert.Equal(t, types.OpDelete, ev.Operation)
	assert.Nil(t, ev.Document)
}

func waitEvent(t *testing.T, sub Subscriber) ChangeEvent {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change event")
		return ChangeEvent{}
	}
}

func TestInternalCollectionsCreatedEagerly(t *testing.T) {
	store := newTestStore(t)

	names, err := store.Collections()
	require.NoError(t, err)
	for _, internal := range types.InternalCollections {
		assert.Contains(t, names, internal)
	}
}
