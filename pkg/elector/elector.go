// Package elector picks the cluster leader. Election is deterministic,
// not consensus based: among healthy masters the node with the highest
// priority wins, earliest created_at breaking ties. When no healthy
// master remains, failover promotes the best healthy replica.
package elector

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/health"
	"github.com/burrowdb/burrow/pkg/log"
	"github.com/burrowdb/burrow/pkg/registry"
	"github.com/burrowdb/burrow/pkg/types"
)

// Config holds the election timing and failover policy
type Config struct {
	LocalNodeID        string
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	Failover           types.FailoverConfig
}

// Elector watches leader health and runs elections. It implements
// registry.LeaderSource.
type Elector struct {
	cfg      Config
	registry *registry.Registry
	alerts   *health.AlertManager
	logger   zerolog.Logger

	mu           sync.Mutex
	leaderID     string
	masterLostAt *time.Time
	rng          *rand.Rand
}

// New creates an elector
func New(cfg Config, reg *registry.Registry, alerts *health.AlertManager) *Elector {
	if cfg.ElectionTimeoutMin == 0 {
		cfg.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if cfg.ElectionTimeoutMax < cfg.ElectionTimeoutMin {
		cfg.ElectionTimeoutMax = 2 * cfg.ElectionTimeoutMin
	}
	return &Elector{
		cfg:      cfg,
		registry: reg,
		alerts:   alerts,
		logger:   log.WithComponent("elector"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// electionTimeout returns a jittered wait in [min, max]. The jitter
// keeps nodes from all electing in the same instant.
func (e *Elector) electionTimeout() time.Duration {
	spread := e.cfg.ElectionTimeoutMax - e.cfg.ElectionTimeoutMin
	if spread <= 0 {
		return e.cfg.ElectionTimeoutMin
	}
	e.mu.Lock()
	jitter := time.Duration(e.rng.Int63n(int64(spread)))
	e.mu.Unlock()
	return e.cfg.ElectionTimeoutMin + jitter
}

// Run re-checks leadership on every jittered election timeout until ctx
// is cancelled
func (e *Elector) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(e.electionTimeout())
		select {
		case <-timer.C:
			if _, err := e.Tick(ctx); err != nil {
				e.logger.Debug().Err(err).Msg("election tick")
			}
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// Tick verifies the cached leader is still a healthy master and elects
// a replacement when it is not. Returns the current leader.
func (e *Elector) Tick(ctx context.Context) (*types.Node, error) {
	e.mu.Lock()
	cached := e.leaderID
	e.mu.Unlock()

	if cached != "" {
		node, err := e.registry.GetNode(ctx, cached)
		if err == nil && node.Role == types.NodeRoleMaster && node.Status == types.NodeStatusHealthy {
			return node, nil
		}
	}
	return e.Elect(ctx)
}

// CurrentLeader returns the elected leader, electing one if the cached
// leader is gone or no longer a healthy master
func (e *Elector) CurrentLeader(ctx context.Context) (*types.Node, error) {
	return e.Tick(ctx)
}

// Elect runs one election pass. Among healthy masters the highest
// priority wins, earliest created_at on tie. With no healthy master
// the failover policy decides whether a replica is promoted.
func (e *Elector) Elect(ctx context.Context) (*types.Node, error) {
	masters, err := e.registry.ListNodes(ctx, types.NodeRoleMaster, types.NodeStatusHealthy)
	if err != nil {
		return nil, err
	}

	if len(masters) == 0 {
		promoted, err := e.failover(ctx)
		if err != nil {
			return nil, err
		}
		if promoted == nil {
			return nil, fmt.Errorf("no healthy master: %w", errdefs.ErrNoWritableNode)
		}
		masters = []*types.Node{promoted}
	}

	e.mu.Lock()
	e.masterLostAt = nil
	e.mu.Unlock()

	sort.Slice(masters, func(i, j int) bool {
		if masters[i].Capabilities.Priority != masters[j].Capabilities.Priority {
			return masters[i].Capabilities.Priority > masters[j].Capabilities.Priority
		}
		return masters[i].CreatedAt.Before(masters[j].CreatedAt)
	})
	winner := masters[0]

	e.setLeader(winner)
	return winner, nil
}

// failover promotes the best healthy replica once the failover timeout
// has elapsed since the master was first seen missing
func (e *Elector) failover(ctx context.Context) (*types.Node, error) {
	if !e.cfg.Failover.AutoFailover || !e.cfg.Failover.PromoteOnMasterFailure {
		return nil, nil
	}

	now := time.Now().UTC()
	e.mu.Lock()
	if e.masterLostAt == nil {
		e.masterLostAt = &now
	}
	waited := now.Sub(*e.masterLostAt)
	e.mu.Unlock()

	if waited < e.cfg.Failover.FailoverTimeout {
		return nil, nil
	}

	replicas, err := e.registry.HealthyReplicas(ctx)
	if err != nil {
		return nil, err
	}
	if len(replicas) < e.cfg.Failover.MinHealthyReplicas || len(replicas) == 0 {
		e.logger.Warn().Int("healthy_replicas", len(replicas)).
			Int("required", e.cfg.Failover.MinHealthyReplicas).
			Msg("failover blocked: not enough healthy replicas")
		return nil, nil
	}

	sort.Slice(replicas, func(i, j int) bool {
		if replicas[i].Capabilities.Priority != replicas[j].Capabilities.Priority {
			return replicas[i].Capabilities.Priority > replicas[j].Capabilities.Priority
		}
		return replicas[i].CreatedAt.Before(replicas[j].CreatedAt)
	})
	candidate := replicas[0]

	if _, err := e.registry.Promote(ctx, candidate.ID, false); err != nil {
		return nil, fmt.Errorf("failover promotion of %s: %w", candidate.ID, err)
	}
	e.logger.Info().Str("node_id", candidate.ID).Dur("after", waited).
		Msg("failover promoted replica to master")

	return e.registry.GetNode(ctx, candidate.ID)
}

func (e *Elector) setLeader(winner *types.Node) {
	e.mu.Lock()
	prev := e.leaderID
	e.leaderID = winner.ID
	e.mu.Unlock()

	if prev == winner.ID {
		return
	}

	e.registry.RecordEvent(types.EventLeaderElected, winner.ID,
		fmt.Sprintf("node %s elected leader (priority %d)", winner.ID, winner.Capabilities.Priority),
		map[string]string{"previous": prev})

	if e.alerts != nil {
		// Re-raise so successive leader changes each produce an alert
		e.alerts.Resolve(types.AlertLeaderChange, types.ClusterScope)
		e.alerts.Raise(types.AlertLeaderChange, types.ClusterScope,
			"Leader changed",
			fmt.Sprintf("leader is now %s (was %s)", winner.ID, orNone(prev)),
			"")
	}

	e.logger.Info().Str("leader", winner.ID).Str("previous", prev).Msg("leader elected")
}

// LeaderID returns the cached leader id without triggering an election
func (e *Elector) LeaderID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderID
}

func orNone(id string) string {
	if id == "" {
		return "none"
	}
	return id
}
