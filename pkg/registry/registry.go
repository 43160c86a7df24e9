// Package registry implements the cluster node registry: node identity,
// role, health bookkeeping, and role transitions. Every registration and
// role change is recorded in the cluster_events collection.
package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/log"
	"github.com/burrowdb/burrow/pkg/security"
	"github.com/burrowdb/burrow/pkg/storage"
	"github.com/burrowdb/burrow/pkg/types"
)

// LeaderSource answers leader queries. The elector implements it; the
// indirection keeps registry free of an import cycle.
type LeaderSource interface {
	CurrentLeader(ctx context.Context) (*types.Node, error)
}

// Registry stores and queries cluster nodes
type Registry struct {
	store  storage.Store
	logger zerolog.Logger
	leader LeaderSource
}

// NewRegistry creates a node registry on the given store
func NewRegistry(store storage.Store) *Registry {
	return &Registry{
		store:  store,
		logger: log.WithComponent("registry"),
	}
}

// SetLeaderSource wires the elector in after construction
func (r *Registry) SetLeaderSource(ls LeaderSource) {
	r.leader = ls
}

// RegisterRequest carries the fields of a node registration
type RegisterRequest struct {
	NodeID       string             `json:"node_id,omitempty"`
	Hostname     string             `json:"hostname"`
	Port         int                `json:"port"`
	Role         types.NodeRole     `json:"role"`
	Capabilities types.Capabilities `json:"capabilities"`
	OwnerUserID  string             `json:"owner_user_id"`
	ClusterToken string             `json:"cluster_token"`
}

// Register upserts a node by id. New nodes start as joining and move to
// healthy once persisted. Idempotent: re-registering overwrites identity
// fields and refreshes the heartbeat.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*types.Node, error) {
	if req.Hostname == "" || req.Port == 0 {
		return nil, fmt.Errorf("hostname and port are required")
	}
	if req.Role == "" {
		req.Role = types.NodeRoleReplica
	}

	id := req.NodeID
	if id == "" {
		id = uuid.New().String()
	}

	caps := req.Capabilities
	if caps.Priority == 0 {
		caps.Priority = 50
	}
	caps.SupportsReads = true
	caps.SupportsWrites = req.Role == types.NodeRoleMaster || req.Role == types.NodeRoleStandalone

	now := time.Now().UTC()
	node := &types.Node{
		ID:           id,
		Hostname:     req.Hostname,
		Port:         req.Port,
		Role:         req.Role,
		Status:       types.NodeStatusJoining,
		Capabilities: caps,
		Health: types.HealthMetrics{
			LastHeartbeat: now,
		},
		OwnerUserID: req.OwnerUserID,
		TokenHash:   security.HashToken(req.ClusterToken),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if existing, err := r.GetNode(ctx, id); err == nil {
		node.CreatedAt = existing.CreatedAt
		node.Replication = existing.Replication
		node.Health.UptimeSeconds = existing.Health.UptimeSeconds
	}

	if err := r.saveNode(node); err != nil {
		return nil, fmt.Errorf("failed to persist node: %w", err)
	}

	// Joining -> healthy once the row is durable
	node.Status = types.NodeStatusHealthy
	node.UpdatedAt = time.Now().UTC()
	if err := r.saveNode(node); err != nil {
		return nil, fmt.Errorf("failed to mark node healthy: %w", err)
	}

	r.recordEvent(types.EventNodeRegistered, node.ID,
		fmt.Sprintf("node %s registered as %s", node.ID, node.Role),
		map[string]string{"role": string(node.Role), "address": node.Address()})

	r.logger.Info().Str("node_id", node.ID).Str("role", string(node.Role)).
		Str("address", node.Address()).Msg("node registered")

	return node, nil
}

// GetNode retrieves a node by id
func (r *Registry) GetNode(_ context.Context, id string) (*types.Node, error) {
	doc, err := r.store.Get(types.CollectionClusterNodes, id)
	if err != nil {
		return nil, err
	}
	var node types.Node
	if err := storage.Decode(doc, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// ListNodes returns nodes, optionally filtered by role and status.
// Results are ordered by created_at then id so callers see a stable order.
func (r *Registry) ListNodes(_ context.Context, role types.NodeRole, status types.NodeStatus) ([]*types.Node, error) {
	docs, err := r.store.List(types.CollectionClusterNodes)
	if err != nil {
		return nil, err
	}

	var nodes []*types.Node
	for _, doc := range docs {
		var node types.Node
		if err := storage.Decode(doc, &node); err != nil {
			return nil, err
		}
		if role != "" && node.Role != role {
			continue
		}
		if status != "" && node.Status != status {
			continue
		}
		nodes = append(nodes, &node)
	}

	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
	return nodes, nil
}

// HealthyNodes returns all nodes with status healthy
func (r *Registry) HealthyNodes(ctx context.Context) ([]*types.Node, error) {
	return r.ListNodes(ctx, "", types.NodeStatusHealthy)
}

// HealthyReplicas returns healthy nodes that apply replication events
func (r *Registry) HealthyReplicas(ctx context.Context) ([]*types.Node, error) {
	return r.ListNodes(ctx, types.NodeRoleReplica, types.NodeStatusHealthy)
}

// RemoveNode transitions a node through leaving and deletes its row
func (r *Registry) RemoveNode(ctx context.Context, id string) error {
	node, err := r.GetNode(ctx, id)
	if err != nil {
		return err
	}

	node.Status = types.NodeStatusLeaving
	node.UpdatedAt = time.Now().UTC()
	if err := r.saveNode(node); err != nil {
		return err
	}

	if err := r.store.Delete(types.CollectionClusterNodes, id); err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}

	r.recordEvent(types.EventNodeRemoved, id,
		fmt.Sprintf("node %s removed from cluster", id), nil)
	r.logger.Info().Str("node_id", id).Msg("node removed")
	return nil
}

// Promote makes a node a master. An unhealthy node is only promoted
// when force is set.
func (r *Registry) Promote(ctx context.Context, id string, force bool) (bool, error) {
	node, err := r.GetNode(ctx, id)
	if err != nil {
		return false, err
	}

	if node.Role == types.NodeRoleMaster {
		return true, nil
	}
	if node.Status != types.NodeStatusHealthy && !force {
		return false, fmt.Errorf("promote %s: %w", id, errdefs.ErrNotHealthy)
	}

	node.Role = types.NodeRoleMaster
	node.Capabilities.SupportsWrites = true
	node.Capabilities.Priority = 100
	node.UpdatedAt = time.Now().UTC()
	if err := r.saveNode(node); err != nil {
		return false, err
	}

	r.recordEvent(types.EventNodePromoted, id,
		fmt.Sprintf("node %s promoted to master", id),
		map[string]string{"forced": fmt.Sprintf("%t", force)})
	r.logger.Info().Str("node_id", id).Bool("forced", force).Msg("node promoted to master")
	return true, nil
}

// Demote makes a master a replica
func (r *Registry) Demote(ctx context.Context, id string) (bool, error) {
	node, err := r.GetNode(ctx, id)
	if err != nil {
		return false, err
	}

	if node.Role == types.NodeRoleReplica {
		return true, nil
	}

	node.Role = types.NodeRoleReplica
	node.Capabilities.SupportsWrites = false
	node.Capabilities.Priority = 50
	node.UpdatedAt = time.Now().UTC()
	if err := r.saveNode(node); err != nil {
		return false, err
	}

	r.recordEvent(types.EventNodeDemoted, id,
		fmt.Sprintf("node %s demoted to replica", id), nil)
	r.logger.Info().Str("node_id", id).Msg("node demoted to replica")
	return true, nil
}

// UpdateStatus sets a node's status and records the transition
func (r *Registry) UpdateStatus(ctx context.Context, id string, status types.NodeStatus) error {
	node, err := r.GetNode(ctx, id)
	if err != nil {
		return err
	}
	if node.Status == status {
		return nil
	}

	prev := node.Status
	node.Status = status
	node.UpdatedAt = time.Now().UTC()
	if err := r.saveNode(node); err != nil {
		return err
	}

	r.recordEvent(types.EventStatusChanged, id,
		fmt.Sprintf("node %s status %s -> %s", id, prev, status),
		map[string]string{"from": string(prev), "to": string(status)})
	return nil
}

// Heartbeat refreshes the node's own heartbeat row
func (r *Registry) Heartbeat(ctx context.Context, id string, interval time.Duration, metrics types.HealthMetrics) error {
	node, err := r.GetNode(ctx, id)
	if err != nil {
		return err
	}

	metrics.LastHeartbeat = time.Now().UTC()
	metrics.UptimeSeconds = node.Health.UptimeSeconds + int64(interval.Seconds())
	node.Health = metrics
	node.UpdatedAt = metrics.LastHeartbeat

	// A node writing heartbeats that was swept unhealthy recovers here
	if node.Status == types.NodeStatusUnhealthy || node.Status == types.NodeStatusDegraded {
		node.Status = types.NodeStatusHealthy
	}
	return r.saveNode(node)
}

// UpdateReplicationMetrics stores refreshed replication counters on a node
func (r *Registry) UpdateReplicationMetrics(ctx context.Context, id string, m types.ReplicationMetrics) error {
	node, err := r.GetNode(ctx, id)
	if err != nil {
		return err
	}
	node.Replication = m
	node.UpdatedAt = time.Now().UTC()
	return r.saveNode(node)
}

// CurrentLeader returns the authoritative master, delegating to the elector
func (r *Registry) CurrentLeader(ctx context.Context) (*types.Node, error) {
	if r.leader == nil {
		return nil, fmt.Errorf("leader source not configured")
	}
	return r.leader.CurrentLeader(ctx)
}

// RecentEvents returns up to limit cluster events, newest first
func (r *Registry) RecentEvents(_ context.Context, limit int) ([]*types.ClusterEvent, error) {
	docs, err := r.store.List(types.CollectionClusterEvents)
	if err != nil {
		return nil, err
	}

	events := make([]*types.ClusterEvent, 0, len(docs))
	for _, doc := range docs {
		var ev types.ClusterEvent
		if err := storage.Decode(doc, &ev); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// RecordEvent appends a cluster event document. Exposed so the elector
// and health monitor share the same audit trail.
func (r *Registry) RecordEvent(eventType, nodeID, message string, details map[string]string) {
	r.recordEvent(eventType, nodeID, message, details)
}

func (r *Registry) recordEvent(eventType, nodeID, message string, details map[string]string) {
	ev := types.ClusterEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		NodeID:    nodeID,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
	doc, err := storage.Encode(ev)
	if err == nil {
		err = r.store.Insert(types.CollectionClusterEvents, doc)
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("type", eventType).Msg("failed to record cluster event")
	}
}

func (r *Registry) saveNode(node *types.Node) error {
	doc, err := storage.Encode(node)
	if err != nil {
		return err
	}
	return r.store.Upsert(types.CollectionClusterNodes, doc)
}
