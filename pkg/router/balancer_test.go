package router

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker"
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

func newTestBalancer(t *testing.T, cfg Config) (*Balancer, *registry.Registry) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.NewRegistry(store)
	reg.SetLeaderSource(elector.New(elector.Config{LocalNodeID: cfg.LocalNodeID},
		reg, health.NewAlertManager(store)))

	if cfg.LocalNodeID == "" {
		cfg.LocalNodeID = "local"
	}
	return NewBalancer(cfg, reg), reg
}

func addNode(t *testing.T, reg *registry.Registry, id string, role types.NodeRole, priority int) {
	t.Helper()
	_, err := reg.Register(context.Background(), registry.RegisterRequest{
		NodeID:       id,
		Hostname:     "10.0.0.1",
		Port:         8420,
		Role:         role,
		Capabilities: types.Capabilities{Priority: priority},
		ClusterToken: "secret",
	})
	require.NoError(t, err)
}

func TestRoundRobinCycles(t *testing.T) {
	b, reg := newTestBalancer(t, Config{Algorithm: types.BalanceRoundRobin})
	ctx := context.Background()

	addNode(t, reg, "n1", types.NodeRoleReplica, 50)
	addNode(t, reg, "n2", types.NodeRoleReplica, 50)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		node, err := b.SelectReadTarget(ctx, "")
		require.NoError(t, err)
		seen[node.ID]++
	}
	assert.Equal(t, 2, seen["n1"])
	assert.Equal(t, 2, seen["n2"])
}

func TestLeastConnectionsPicksIdleNode(t *testing.T) {
	b, reg := newTestBalancer(t, Config{Algorithm: types.BalanceLeastConnections})
	ctx := context.Background()

	addNode(t, reg, "n1", types.NodeRoleReplica, 50)
	addNode(t, reg, "n2", types.NodeRoleReplica, 50)

	b.IncrementConnections("n1")
	b.IncrementConnections("n1")
	b.IncrementConnections("n2")

	node, err := b.SelectReadTarget(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "n2", node.ID)

	b.DecrementConnections("n1")
	b.DecrementConnections("n1")
	node, err = b.SelectReadTarget(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "n1", node.ID)
}

func TestIPHashIsStablePerClient(t *testing.T) {
	b, reg := newTestBalancer(t, Config{Algorithm: types.BalanceIPHash})
	ctx := context.Background()

	addNode(t, reg, "n1", types.NodeRoleReplica, 50)
	addNode(t, reg, "n2", types.NodeRoleReplica, 50)

	first, err := b.SelectReadTarget(ctx, "192.168.1.10")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		node, err := b.SelectReadTarget(ctx, "192.168.1.10")
		require.NoError(t, err)
		assert.Equal(t, first.ID, node.ID)
	}
}

func TestWeightedFavorsHighPriority(t *testing.T) {
	b, reg := newTestBalancer(t, Config{Algorithm: types.BalanceWeightedRoundRobin})
	ctx := context.Background()

	addNode(t, reg, "n1", types.NodeRoleReplica, 90)
	addNode(t, reg, "n2", types.NodeRoleReplica, 10)

	seen := map[string]int{}
	for i := 0; i < 100; i++ {
		node, err := b.SelectReadTarget(ctx, "")
		require.NoError(t, err)
		seen[node.ID]++
	}
	assert.Equal(t, 90, seen["n1"])
	assert.Equal(t, 10, seen["n2"])
}

func TestLeastResponseTimePicksFastNode(t *testing.T) {
	b, reg := newTestBalancer(t, Config{Algorithm: types.BalanceLeastResponseTime})
	ctx := context.Background()

	addNode(t, reg, "n1", types.NodeRoleReplica, 50)
	addNode(t, reg, "n2", types.NodeRoleReplica, 50)

	b.RecordRequest("n1", 200*time.Millisecond, true)
	b.RecordRequest("n2", 20*time.Millisecond, true)

	node, err := b.SelectReadTarget(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "n2", node.ID)
}

func TestStickySessionsPinClient(t *testing.T) {
	b, reg := newTestBalancer(t, Config{
		Algorithm:      types.BalanceRoundRobin,
		StickySessions: true,
	})
	ctx := context.Background()

	addNode(t, reg, "n1", types.NodeRoleReplica, 50)
	addNode(t, reg, "n2", types.NodeRoleReplica, 50)

	first, err := b.SelectReadTarget(ctx, "192.168.1.10:51234")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		node, err := b.SelectReadTarget(ctx, "192.168.1.10:51234")
		require.NoError(t, err)
		assert.Equal(t, first.ID, node.ID)
	}
}

func TestReadPreferenceSecondary(t *testing.T) {
	b, reg := newTestBalancer(t, Config{ReadPreference: types.ReadSecondary})
	ctx := context.Background()

	addNode(t, reg, "m1", types.NodeRoleMaster, 100)
	addNode(t, reg, "r1", types.NodeRoleReplica, 50)

	for i := 0; i < 4; i++ {
		node, err := b.SelectReadTarget(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, "r1", node.ID)
	}
}

func TestSelectWriteTargetRequiresLeader(t *testing.T) {
	b, reg := newTestBalancer(t, Config{})
	ctx := context.Background()

	_, err := b.SelectWriteTarget(ctx)
	assert.ErrorIs(t, err, errdefs.ErrNoWritableNode)

	addNode(t, reg, "m1", types.NodeRoleMaster, 100)

	leader, err := b.SelectWriteTarget(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m1", leader.ID)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	b, reg := newTestBalancer(t, Config{
		LocalNodeID:             "local",
		CircuitBreakerEnabled:   true,
		CircuitBreakerThreshold: 3,
		CircuitBreakerTimeout:   time.Minute,
	})
	ctx := context.Background()

	addNode(t, reg, "local", types.NodeRoleReplica, 50)
	addNode(t, reg, "n1", types.NodeRoleReplica, 50)

	for i := 0; i < 3; i++ {
		b.RecordRequest("n1", 10*time.Millisecond, false)
	}
	assert.Equal(t, gobreaker.StateOpen.String(), b.CircuitState("n1"))

	// with both circuits considered, only the healthy one remains; trip
	// local too and the read falls back to the local node
	for i := 0; i < 3; i++ {
		b.RecordRequest("local", 10*time.Millisecond, false)
	}
	node, err := b.SelectReadTarget(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "local", node.ID)

	b.ResetCircuit("n1")
	assert.Equal(t, gobreaker.StateClosed.String(), b.CircuitState("n1"))
}

func TestCircuitRecoversAfterSuccess(t *testing.T) {
	b, reg := newTestBalancer(t, Config{
		CircuitBreakerEnabled:   true,
		CircuitBreakerThreshold: 2,
		CircuitBreakerTimeout:   10 * time.Millisecond,
	})
	_ = reg

	b.RecordRequest("n1", time.Millisecond, false)
	b.RecordRequest("n1", time.Millisecond, false)
	require.Equal(t, gobreaker.StateOpen.String(), b.CircuitState("n1"))

	// after the cool-down one successful probe closes the circuit
	time.Sleep(20 * time.Millisecond)
	b.RecordRequest("n1", time.Millisecond, true)
	assert.Equal(t, gobreaker.StateClosed.String(), b.CircuitState("n1"))
}

func TestStatsSnapshot(t *testing.T) {
	b, _ := newTestBalancer(t, Config{})

	b.IncrementConnections("n1")
	b.RecordRequest("n1", 40*time.Millisecond, true)
	b.RecordRequest("n1", 20*time.Millisecond, false)

	stats := b.Stats("n1")
	assert.Equal(t, int64(1), stats.ActiveConnections)
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.TotalFailures)
	assert.Equal(t, 30.0, stats.AvgResponseMs)

	all := b.AllStats()
	require.Len(t, all, 1)
	assert.Equal(t, "n1", all[0].NodeID)
}
