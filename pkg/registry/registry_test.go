package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/log"
	"github.com/burrowdb/burrow/pkg/storage"
	"github.com/burrowdb/burrow/pkg/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewRegistry(store)
}

func registerNode(t *testing.T, reg *Registry, id string, role types.NodeRole) *types.Node {
	t.Helper()
	node, err := reg.Register(context.Background(), RegisterRequest{
		NodeID:       id,
		Hostname:     "10.0.0.1",
		Port:         8420,
		Role:         role,
		ClusterToken: "secret",
	})
	require.NoError(t, err)
	return node
}

func TestRegisterDefaults(t *testing.T) {
	reg := newTestRegistry(t)

	node, err := reg.Register(context.Background(), RegisterRequest{
		Hostname:     "10.0.0.1",
		Port:         8420,
		ClusterToken: "secret",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, node.ID)
	assert.Equal(t, types.NodeRoleReplica, node.Role)
	assert.Equal(t, types.NodeStatusHealthy, node.Status)
	assert.Equal(t, 50, node.Capabilities.Priority)
	assert.True(t, node.Capabilities.SupportsReads)
	assert.False(t, node.Capabilities.SupportsWrites)
	assert.NotEmpty(t, node.TokenHash)
	assert.NotContains(t, node.TokenHash, "secret")
}

func TestRegisterRequiresAddress(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Register(context.Background(), RegisterRequest{Port: 8420})
	assert.Error(t, err)
}

func TestReRegisterPreservesCreatedAt(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	first := registerNode(t, reg, "n1", types.NodeRoleReplica)
	time.Sleep(5 * time.Millisecond)
	second := registerNode(t, reg, "n1", types.NodeRoleReplica)

	assert.True(t, second.CreatedAt.Equal(first.CreatedAt))

	nodes, err := reg.ListNodes(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestPromoteAndDemote(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	registerNode(t, reg, "n1", types.NodeRoleReplica)

	ok, err := reg.Promote(ctx, "n1", false)
	require.NoError(t, err)
	assert.True(t, ok)

	node, err := reg.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeRoleMaster, node.Role)
	assert.True(t, node.Capabilities.SupportsWrites)
	assert.Equal(t, 100, node.Capabilities.Priority)

	ok, err = reg.Demote(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, ok)

	node, err = reg.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeRoleReplica, node.Role)
	assert.False(t, node.Capabilities.SupportsWrites)
}

func TestPromoteUnhealthyRequiresForce(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	registerNode(t, reg, "n1", types.NodeRoleReplica)
	require.NoError(t, reg.UpdateStatus(ctx, "n1", types.NodeStatusUnhealthy))

	_, err := reg.Promote(ctx, "n1", false)
	assert.ErrorIs(t, err, errdefs.ErrNotHealthy)

	ok, err := reg.Promote(ctx, "n1", true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHeartbeatRecoversUnhealthyNode(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	registerNode(t, reg, "n1", types.NodeRoleReplica)
	require.NoError(t, reg.UpdateStatus(ctx, "n1", types.NodeStatusUnhealthy))

	require.NoError(t, reg.Heartbeat(ctx, "n1", 5*time.Second, types.HealthMetrics{
		CPUPercent: 12.5,
	}))

	node, err := reg.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusHealthy, node.Status)
	assert.Equal(t, int64(5), node.Health.UptimeSeconds)
	assert.Equal(t, 12.5, node.Health.CPUPercent)
	assert.WithinDuration(t, time.Now().UTC(), node.Health.LastHeartbeat, time.Second)
}

func TestListNodesFilters(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	registerNode(t, reg, "m1", types.NodeRoleMaster)
	registerNode(t, reg, "r1", types.NodeRoleReplica)
	registerNode(t, reg, "r2", types.NodeRoleReplica)
	require.NoError(t, reg.UpdateStatus(ctx, "r2", types.NodeStatusUnhealthy))

	replicas, err := reg.HealthyReplicas(ctx)
	require.NoError(t, err)
	require.Len(t, replicas, 1)
	assert.Equal(t, "r1", replicas[0].ID)

	all, err := reg.ListNodes(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRemoveNode(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	registerNode(t, reg, "n1", types.NodeRoleReplica)
	require.NoError(t, reg.RemoveNode(ctx, "n1"))

	_, err := reg.GetNode(ctx, "n1")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestRecentEventsNewestFirst(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	registerNode(t, reg, "n1", types.NodeRoleReplica)
	_, err := reg.Promote(ctx, "n1", false)
	require.NoError(t, err)

	events, err := reg.RecentEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventNodePromoted, events[0].Type)
}
