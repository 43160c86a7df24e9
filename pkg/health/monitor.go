package health

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowdb/burrow/pkg/log"
	"github.com/burrowdb/burrow/pkg/registry"
	"github.com/burrowdb/burrow/pkg/types"
)

// MetricsFunc samples the local node's resource metrics for the
// heartbeat row. The default reports zeros; the process embedding the
// runtime can install a real collector.
type MetricsFunc func() types.HealthMetrics

// Config holds the monitor's timing and quorum parameters
type Config struct {
	LocalNodeID       string
	HeartbeatInterval time.Duration
	FailureThreshold  int
	QuorumPercentage  float64
	// ProbeTimeout bounds each peer reachability probe
	ProbeTimeout time.Duration
	ClusterToken string
}

// Monitor runs the heartbeat writer and the health sweeper, computes
// quorum, and detects split-brain and isolation
type Monitor struct {
	cfg      Config
	registry *registry.Registry
	alerts   *AlertManager
	prober   *PeerProber
	metrics  MetricsFunc
	logger   zerolog.Logger
}

// NewMonitor creates a health monitor for the local node
func NewMonitor(cfg Config, reg *registry.Registry, alerts *AlertManager) *Monitor {
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	prober := NewPeerProber(cfg.ProbeTimeout).
		WithHeader("X-Cluster-Token", cfg.ClusterToken)

	return &Monitor{
		cfg:      cfg,
		registry: reg,
		alerts:   alerts,
		prober:   prober,
		metrics:  func() types.HealthMetrics { return types.HealthMetrics{} },
		logger:   log.WithComponent("health"),
	}
}

// SetMetricsFunc installs a local resource metrics sampler
func (m *Monitor) SetMetricsFunc(fn MetricsFunc) {
	if fn != nil {
		m.metrics = fn
	}
}

// Alerts exposes the alert manager
func (m *Monitor) Alerts() *AlertManager {
	return m.alerts
}

// RunHeartbeat writes the local node's heartbeat every interval until
// ctx is cancelled
func (m *Monitor) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.registry.Heartbeat(ctx, m.cfg.LocalNodeID, m.cfg.HeartbeatInterval, m.metrics()); err != nil {
				m.logger.Warn().Err(err).Msg("heartbeat write failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunSweeper scans the node table every 2x heartbeat interval until ctx
// is cancelled
func (m *Monitor) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(2 * m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.SweepOnce(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("health sweep failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce marks stale nodes unhealthy and evaluates the alert rules
func (m *Monitor) SweepOnce(ctx context.Context) error {
	nodes, err := m.registry.ListNodes(ctx, "", "")
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}

	staleAfter := m.cfg.HeartbeatInterval * time.Duration(m.cfg.FailureThreshold)
	now := time.Now().UTC()

	for _, node := range nodes {
		if node.Status == types.NodeStatusOffline || node.Status == types.NodeStatusLeaving {
			continue
		}

		stale := now.Sub(node.Health.LastHeartbeat) > staleAfter
		if stale && node.Status != types.NodeStatusUnhealthy {
			if err := m.registry.UpdateStatus(ctx, node.ID, types.NodeStatusUnhealthy); err != nil {
				m.logger.Warn().Err(err).Str("node_id", node.ID).Msg("failed to mark node unhealthy")
				continue
			}
			m.alerts.Raise(types.AlertNodeDown, node.ID,
				"Node down",
				fmt.Sprintf("node %s missed heartbeats for %s", node.ID, now.Sub(node.Health.LastHeartbeat).Truncate(time.Second)),
				"")
		}
		if !stale && node.Status == types.NodeStatusHealthy {
			m.alerts.Resolve(types.AlertNodeDown, node.ID)
			m.alerts.Resolve(types.AlertNodeDegraded, node.ID)
		}

		m.checkResources(node)
	}

	m.checkQuorum(ctx)
	m.checkSplitBrain(ctx)
	return nil
}

func (m *Monitor) checkResources(node *types.Node) {
	rule := m.alerts.Rule(types.AlertResourceHigh)
	if rule == nil || !rule.Enabled {
		return
	}
	high := node.Health.CPUPercent > rule.Threshold || node.Health.MemoryPercent > rule.Threshold
	if high {
		m.alerts.Raise(types.AlertResourceHigh, node.ID,
			"Resource usage high",
			fmt.Sprintf("node %s cpu=%.1f%% mem=%.1f%% exceeds %.0f%%",
				node.ID, node.Health.CPUPercent, node.Health.MemoryPercent, rule.Threshold),
			"")
	} else {
		m.alerts.Resolve(types.AlertResourceHigh, node.ID)
	}
}

// QuorumSize returns the healthy-node count required for quorum over
// total nodes
func (m *Monitor) QuorumSize(total int) int {
	return int(math.Floor(float64(total)*m.cfg.QuorumPercentage)) + 1
}

// ClusterHealth computes the aggregate health summary
func (m *Monitor) ClusterHealth(ctx context.Context) (*types.ClusterHealth, error) {
	nodes, err := m.registry.ListNodes(ctx, "", "")
	if err != nil {
		return nil, err
	}

	healthy := 0
	for _, n := range nodes {
		if n.Status == types.NodeStatusHealthy {
			healthy++
		}
	}

	quorumSize := m.QuorumSize(len(nodes))
	hasQuorum := healthy >= quorumSize

	status := types.QuorumHealthy
	switch {
	case !hasQuorum:
		status = types.QuorumLost
	case healthy < len(nodes):
		status = types.QuorumDegraded
	}

	split, _ := m.DetectSplitBrain(ctx)

	h := &types.ClusterHealth{
		Status:         status,
		TotalNodes:     len(nodes),
		HealthyNodes:   healthy,
		UnhealthyNodes: len(nodes) - healthy,
		QuorumSize:     quorumSize,
		HasQuorum:      hasQuorum,
		SplitBrain:     split,
		CheckedAt:      time.Now().UTC(),
	}
	if leader, err := m.registry.CurrentLeader(ctx); err == nil && leader != nil {
		h.LeaderID = leader.ID
	}
	return h, nil
}

func (m *Monitor) checkQuorum(ctx context.Context) {
	h, err := m.ClusterHealth(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("quorum check failed")
		return
	}
	if !h.HasQuorum {
		m.alerts.Raise(types.AlertNoQuorum, types.ClusterScope,
			"Quorum lost",
			fmt.Sprintf("%d healthy of %d nodes, need %d", h.HealthyNodes, h.TotalNodes, h.QuorumSize),
			"")
	} else {
		m.alerts.Resolve(types.AlertNoQuorum, types.ClusterScope)
	}
}

// DetectSplitBrain reports whether more than one healthy master exists,
// returning the competing masters
func (m *Monitor) DetectSplitBrain(ctx context.Context) (bool, []*types.Node) {
	masters, err := m.registry.ListNodes(ctx, types.NodeRoleMaster, types.NodeStatusHealthy)
	if err != nil {
		m.logger.Warn().Err(err).Msg("split-brain detection failed")
		return false, nil
	}
	return len(masters) > 1, masters
}

// ResolveSplitBrain deterministically picks the legitimate master
// (highest priority, earliest created_at on tie) and demotes the rest
func (m *Monitor) ResolveSplitBrain(ctx context.Context) (*types.Node, error) {
	split, masters := m.DetectSplitBrain(ctx)
	if !split {
		return nil, nil
	}

	sort.Slice(masters, func(i, j int) bool {
		if masters[i].Capabilities.Priority != masters[j].Capabilities.Priority {
			return masters[i].Capabilities.Priority > masters[j].Capabilities.Priority
		}
		return masters[i].CreatedAt.Before(masters[j].CreatedAt)
	})

	winner := masters[0]
	for _, loser := range masters[1:] {
		if _, err := m.registry.Demote(ctx, loser.ID); err != nil {
			return nil, fmt.Errorf("failed to demote %s: %w", loser.ID, err)
		}
	}

	m.alerts.Resolve(types.AlertSplitBrain, types.ClusterScope)
	m.logger.Info().Str("winner", winner.ID).Int("demoted", len(masters)-1).
		Msg("split-brain resolved")
	return winner, nil
}

func (m *Monitor) checkSplitBrain(ctx context.Context) {
	split, masters := m.DetectSplitBrain(ctx)
	if !split {
		m.alerts.Resolve(types.AlertSplitBrain, types.ClusterScope)
		return
	}

	ids := make([]string, len(masters))
	for i, n := range masters {
		ids[i] = n.ID
	}
	m.alerts.Raise(types.AlertSplitBrain, types.ClusterScope,
		"Split-brain detected",
		fmt.Sprintf("multiple healthy masters: %v", ids),
		"")

	if _, err := m.ResolveSplitBrain(ctx); err != nil {
		m.logger.Error().Err(err).Msg("split-brain resolution failed")
	}
}

// CheckIsolation probes healthy peers from the local master; when the
// reachable count falls below quorum the local node demotes itself.
// Returns true when a self-demotion happened.
func (m *Monitor) CheckIsolation(ctx context.Context) (bool, error) {
	local, err := m.registry.GetNode(ctx, m.cfg.LocalNodeID)
	if err != nil {
		return false, err
	}
	if local.Role != types.NodeRoleMaster {
		return false, nil
	}

	nodes, err := m.registry.ListNodes(ctx, "", "")
	if err != nil {
		return false, err
	}

	reachable := 1 // self
	for _, peer := range nodes {
		if peer.ID == local.ID || peer.Status != types.NodeStatusHealthy {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		res := m.prober.Probe(probeCtx, peer.BaseURL())
		cancel()
		if res.Healthy {
			reachable++
		}
	}

	if reachable >= m.QuorumSize(len(nodes)) {
		return false, nil
	}

	m.logger.Warn().Int("reachable", reachable).Int("total", len(nodes)).
		Msg("master isolated below quorum, demoting self")
	if _, err := m.registry.Demote(ctx, local.ID); err != nil {
		return false, err
	}
	m.alerts.Raise(types.AlertNodeDegraded, local.ID,
		"Master isolated",
		fmt.Sprintf("master %s demoted itself: only %d of %d nodes reachable", local.ID, reachable, len(nodes)),
		"")
	return true, nil
}
