package replication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowdb/burrow/pkg/elector"
	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/health"
	"github.com/burrowdb/burrow/pkg/log"
	"github.com/burrowdb/burrow/pkg/registry"
	"github.com/burrowdb/burrow/pkg/storage"
	"github.com/burrowdb/burrow/pkg/types"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *registry.Registry, storage.Store) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.NewRegistry(store)

	if cfg.LocalNodeID == "" {
		cfg.LocalNodeID = "local"
	}
	if cfg.Mode == "" {
		cfg.Mode = types.ReplicationAsync
	}
	engine, err := NewEngine(cfg, store, reg, health.NewAlertManager(store))
	require.NoError(t, err)
	return engine, reg, store
}

func addReplica(t *testing.T, reg *registry.Registry, id string, port int) {
	t.Helper()
	_, err := reg.Register(context.Background(), registry.RegisterRequest{
		NodeID:       id,
		Hostname:     "127.0.0.1",
		Port:         port,
		Role:         types.NodeRoleReplica,
		ClusterToken: "secret",
	})
	require.NoError(t, err)
}

func change(collection, id string, doc map[string]interface{}) storage.ChangeEvent {
	return storage.ChangeEvent{
		Operation:  types.OpInsert,
		Collection: collection,
		DocumentID: id,
		Document:   doc,
		Timestamp:  time.Now().UTC(),
	}
}

func TestCaptureChangeAddressesHealthyReplicas(t *testing.T) {
	engine, reg, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	addReplica(t, reg, "local", 8420)
	addReplica(t, reg, "r1", 8421)

	ev, err := engine.CaptureChange(ctx, change("users", "u1", map[string]interface{}{"_id": "u1"}))
	require.NoError(t, err)

	assert.Equal(t, int64(1), ev.SequenceNumber)
	assert.Equal(t, "local", ev.SourceNode)
	assert.Equal(t, []string{"r1"}, ev.TargetNodes)
	assert.Equal(t, types.EventStatusPending, ev.Status)

	ev2, err := engine.CaptureChange(ctx, change("users", "u2", map[string]interface{}{"_id": "u2"}))
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev2.SequenceNumber)
}

func TestSequenceResumesFromLog(t *testing.T) {
	engine, reg, store := newTestEngine(t, Config{})
	ctx := context.Background()

	addReplica(t, reg, "r1", 8421)
	_, err := engine.CaptureChange(ctx, change("users", "u1", nil))
	require.NoError(t, err)
	_, err = engine.CaptureChange(ctx, change("users", "u2", nil))
	require.NoError(t, err)

	// a fresh engine on the same store continues the counter
	fresh, err := NewEngine(Config{LocalNodeID: "local", Mode: types.ReplicationAsync},
		store, reg, nil)
	require.NoError(t, err)

	ev, err := fresh.CaptureChange(ctx, change("users", "u3", nil))
	require.NoError(t, err)
	assert.Equal(t, int64(3), ev.SequenceNumber)
}

func TestCaptureRunsOnlyOnLeader(t *testing.T) {
	engine, reg, store := newTestEngine(t, Config{LocalNodeID: "m1"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := reg.Register(ctx, registry.RegisterRequest{
		NodeID:       "m1",
		Hostname:     "127.0.0.1",
		Port:         8420,
		Role:         types.NodeRoleMaster,
		ClusterToken: "secret",
	})
	require.NoError(t, err)
	addReplica(t, reg, "r1", 8421)
	reg.SetLeaderSource(elector.New(elector.Config{LocalNodeID: "m1"}, reg, nil))

	go engine.RunCapture(ctx)
	time.Sleep(50 * time.Millisecond) // let the capture loop subscribe

	require.NoError(t, store.Insert("users", storage.Document{"_id": "u1"}))

	require.Eventually(t, func() bool {
		events, err := engine.listLog()
		return err == nil && len(events) == 1
	}, 2*time.Second, 20*time.Millisecond)

	events, err := engine.listLog()
	require.NoError(t, err)
	assert.Equal(t, "m1", events[0].SourceNode)
	assert.Equal(t, []string{"r1"}, events[0].TargetNodes)
}

func TestFollowerApplyIsNotRecaptured(t *testing.T) {
	engine, reg, store := newTestEngine(t, Config{LocalNodeID: "replica-1"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addReplica(t, reg, "replica-1", 8420)
	addReplica(t, reg, "replica-2", 8421)
	reg.SetLeaderSource(elector.New(elector.Config{LocalNodeID: "replica-1"}, reg, nil))

	go engine.RunCapture(ctx)

	// applying a leader's event mutates the store, but a follower must
	// not turn that write into a fresh event of its own
	ev := applyEvent("e1", 1, types.OpInsert, "users", "u1", "leader-node", time.Now().UTC(),
		map[string]interface{}{"_id": "u1", "name": "alice"})
	require.NoError(t, engine.Apply(ctx, ev))

	doc, err := store.Get("users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", doc["name"])

	time.Sleep(200 * time.Millisecond)

	events, err := engine.listLog()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func applyEvent(id string, seq int64, op types.Operation, collection, docID, source string, ts time.Time, payload map[string]interface{}) *types.ReplicationEvent {
	return &types.ReplicationEvent{
		EventID:        id,
		SequenceNumber: seq,
		Operation:      op,
		Collection:     collection,
		DocumentID:     docID,
		Payload:        payload,
		Timestamp:      ts,
		SourceNode:     source,
	}
}

func TestApplyInsertAndIdempotency(t *testing.T) {
	engine, _, store := newTestEngine(t, Config{})
	ctx := context.Background()

	ev := applyEvent("e1", 1, types.OpInsert, "users", "u1", "peer", time.Now().UTC(),
		map[string]interface{}{"_id": "u1", "name": "alice"})

	require.NoError(t, engine.Apply(ctx, ev))

	doc, err := store.Get("users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", doc["name"])

	// a redelivered event must not touch the store again
	require.NoError(t, store.Update("users", "u1", storage.Document{"name": "bob"}))
	require.NoError(t, engine.Apply(ctx, ev))

	doc, err = store.Get("users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "bob", doc["name"])
}

func TestApplyUpdateMissingDocumentUpserts(t *testing.T) {
	engine, _, store := newTestEngine(t, Config{})

	ev := applyEvent("e1", 1, types.OpUpdate, "users", "u1", "peer", time.Now().UTC(),
		map[string]interface{}{"_id": "u1", "name": "alice"})
	require.NoError(t, engine.Apply(context.Background(), ev))

	doc, err := store.Get("users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", doc["name"])
}

func TestApplyDelete(t *testing.T) {
	engine, _, store := newTestEngine(t, Config{})

	require.NoError(t, store.Insert("users", storage.Document{"_id": "u1"}))

	ev := applyEvent("e1", 1, types.OpDelete, "users", "u1", "peer", time.Now().UTC(), nil)
	require.NoError(t, engine.Apply(context.Background(), ev))

	_, err := store.Get("users", "u1")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestApplyRejectsInvalidEvents(t *testing.T) {
	engine, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	bad := applyEvent("e1", 1, "merge", "users", "u1", "peer", time.Now().UTC(), nil)
	assert.ErrorIs(t, engine.Apply(ctx, bad), errdefs.ErrValidation)

	internal := applyEvent("e2", 1, types.OpInsert, types.CollectionClusterNodes, "n1", "peer", time.Now().UTC(), nil)
	assert.ErrorIs(t, engine.Apply(ctx, internal), errdefs.ErrValidation)

	incomplete := applyEvent("", 1, types.OpInsert, "users", "u1", "peer", time.Now().UTC(), nil)
	assert.ErrorIs(t, engine.Apply(ctx, incomplete), errdefs.ErrValidation)
}

func TestLastWriteWinsKeepsNewerLocalVersion(t *testing.T) {
	engine, _, store := newTestEngine(t, Config{ConflictStrategy: types.ConflictLastWriteWins})
	ctx := context.Background()

	now := time.Now().UTC()

	// peer A writes the document
	require.NoError(t, engine.Apply(ctx, applyEvent("e1", 1, types.OpInsert, "users", "u1", "peer-a", now,
		map[string]interface{}{"_id": "u1", "name": "from-a"})))

	// a stale write from peer B arrives afterwards
	require.NoError(t, engine.Apply(ctx, applyEvent("e2", 1, types.OpReplace, "users", "u1", "peer-b", now.Add(-time.Minute),
		map[string]interface{}{"_id": "u1", "name": "from-b"})))

	doc, err := store.Get("users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "from-a", doc["name"])
}

func TestManualStrategyRecordsConflict(t *testing.T) {
	engine, _, store := newTestEngine(t, Config{ConflictStrategy: types.ConflictManual})
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, engine.Apply(ctx, applyEvent("e1", 1, types.OpInsert, "users", "u1", "peer-a", now,
		map[string]interface{}{"_id": "u1", "name": "from-a"})))
	require.NoError(t, engine.Apply(ctx, applyEvent("e2", 1, types.OpReplace, "users", "u1", "peer-b", now.Add(-time.Minute),
		map[string]interface{}{"_id": "u1", "name": "from-b"})))

	// first version is kept until an operator decides
	doc, err := store.Get("users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "from-a", doc["name"])

	conflicts, err := engine.Resolver().ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "u1", conflicts[0].DocumentID)
	require.Len(t, conflicts[0].Versions, 2)

	// picking the remote version applies it and clears the queue
	require.NoError(t, engine.Resolver().ResolveManually(ctx, conflicts[0].ID, 1))

	doc, err = store.Get("users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "from-b", doc["name"])

	conflicts, err = engine.Resolver().ListConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestDispatchEventWithoutTargets(t *testing.T) {
	engine, _, _ := newTestEngine(t, Config{})

	ev := applyEvent("e1", 1, types.OpInsert, "users", "u1", "local", time.Now().UTC(), nil)
	require.NoError(t, engine.DispatchEvent(context.Background(), ev))

	assert.Equal(t, types.EventStatusReplicated, ev.Status)
	require.NotNil(t, ev.ReplicatedAt)
}

func TestDispatchRetriesThenFails(t *testing.T) {
	engine, reg, _ := newTestEngine(t, Config{MaxRetries: 2, RequestTimeout: time.Second})
	ctx := context.Background()

	// port 1 refuses connections, so the ack never arrives
	addReplica(t, reg, "r1", 1)

	ev := applyEvent("e1", 1, types.OpInsert, "users", "u1", "local", time.Now().UTC(), nil)
	ev.TargetNodes = []string{"r1"}

	assert.Error(t, engine.DispatchEvent(ctx, ev))
	assert.Equal(t, types.EventStatusRetrying, ev.Status)
	assert.Equal(t, 1, ev.RetryCount)
	assert.NotEmpty(t, ev.ErrorMessage)

	assert.Error(t, engine.DispatchEvent(ctx, ev))
	assert.Equal(t, types.EventStatusFailed, ev.Status)

	retried, err := engine.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retried)
}

func TestLagSeconds(t *testing.T) {
	engine, reg, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	lag, known, err := engine.LagSeconds(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, known)
	assert.Zero(t, lag)

	addReplica(t, reg, "r1", 8421)
	ev1, err := engine.CaptureChange(ctx, change("users", "u1", nil))
	require.NoError(t, err)
	ev2, err := engine.CaptureChange(ctx, change("users", "u2", nil))
	require.NoError(t, err)

	// two events outstanding: a sequence deficit of two
	lag, known, err = engine.LagSeconds(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, known)
	assert.InDelta(t, 0.2, lag, 1e-9)

	now := time.Now().UTC()
	ev1.Status = types.EventStatusReplicated
	ev1.ReplicatedAt = &now
	require.NoError(t, engine.saveEvent(ev1))

	lag, _, err = engine.LagSeconds(ctx, "r1")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, lag, 1e-9)

	ev2.Status = types.EventStatusReplicated
	ev2.ReplicatedAt = &now
	require.NoError(t, engine.saveEvent(ev2))

	lag, known, err = engine.LagSeconds(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, known)
	assert.Zero(t, lag)
}

func TestMetricsCountsByStatus(t *testing.T) {
	engine, reg, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	addReplica(t, reg, "r1", 8421)
	_, err := engine.CaptureChange(ctx, change("users", "u1", nil))
	require.NoError(t, err)

	ev, err := engine.CaptureChange(ctx, change("users", "u2", nil))
	require.NoError(t, err)
	now := time.Now().UTC()
	ev.Status = types.EventStatusReplicated
	ev.ReplicatedAt = &now
	require.NoError(t, engine.saveEvent(ev))

	m, err := engine.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.EventsPending)
	assert.Equal(t, int64(1), m.EventsReplicated)
	assert.Equal(t, int64(0), m.EventsFailed)
	require.NotNil(t, m.LastSync)
}
