package router

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/log"
	"github.com/burrowdb/burrow/pkg/registry"
	"github.com/burrowdb/burrow/pkg/types"
)

// responseWindow is how many recent response times feed the
// least-response-time algorithm
const responseWindow = 100

var errUpstreamFailure = errors.New("upstream request failed")

// Config holds the router settings
type Config struct {
	LocalNodeID             string
	Algorithm               types.BalancingAlgorithm
	ReadPreference          types.ReadPreference
	StickySessions          bool
	CircuitBreakerEnabled   bool
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
	RequestTimeout          time.Duration
	ClusterToken            string
}

// NodeStats is the per-node routing snapshot reported by the stats API
type NodeStats struct {
	NodeID            string  `json:"node_id"`
	ActiveConnections int64   `json:"active_connections"`
	TotalRequests     int64   `json:"total_requests"`
	TotalFailures     int64   `json:"total_failures"`
	AvgResponseMs     float64 `json:"avg_response_ms"`
	CircuitState      string  `json:"circuit_state"`
}

// nodeState carries the in-process counters behind one node's stats
type nodeState struct {
	breaker *gobreaker.CircuitBreaker

	activeConns   int64
	totalRequests int64
	totalFailures int64

	mu       sync.Mutex
	times    [responseWindow]time.Duration
	timesLen int
	timesPos int
}

// Balancer picks target nodes for routed requests and tracks per-node
// health through circuit breakers and response-time windows
type Balancer struct {
	cfg      Config
	registry *registry.Registry
	logger   zerolog.Logger

	rrCounter uint64

	mu     sync.Mutex
	states map[string]*nodeState
	sticky map[string]string // client address -> node id
}

// NewBalancer creates a balancer
func NewBalancer(cfg Config, reg *registry.Registry) *Balancer {
	if cfg.Algorithm == "" {
		cfg.Algorithm = types.BalanceRoundRobin
	}
	if cfg.ReadPreference == "" {
		cfg.ReadPreference = types.ReadAny
	}
	if cfg.CircuitBreakerThreshold == 0 {
		cfg.CircuitBreakerThreshold = 5
	}
	if cfg.CircuitBreakerTimeout == 0 {
		cfg.CircuitBreakerTimeout = 30 * time.Second
	}
	return &Balancer{
		cfg:      cfg,
		registry: reg,
		logger:   log.WithComponent("router"),
		states:   make(map[string]*nodeState),
		sticky:   make(map[string]string),
	}
}

func (b *Balancer) newBreaker(nodeID string) *gobreaker.CircuitBreaker {
	threshold := uint32(b.cfg.CircuitBreakerThreshold)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: nodeID,
		// One trial request probes a half-open circuit
		MaxRequests: 1,
		Timeout:     b.cfg.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Info().Str("node_id", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit state changed")
		},
	})
}

func (b *Balancer) state(nodeID string) *nodeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[nodeID]
	if !ok {
		st = &nodeState{breaker: b.newBreaker(nodeID)}
		b.states[nodeID] = st
	}
	return st
}

// allows reports whether the node's circuit admits another request
func (b *Balancer) allows(nodeID string) bool {
	if !b.cfg.CircuitBreakerEnabled {
		return true
	}
	return b.state(nodeID).breaker.State() != gobreaker.StateOpen
}

// SelectWriteTarget returns the current leader if it is writable and
// its circuit admits requests
func (b *Balancer) SelectWriteTarget(ctx context.Context) (*types.Node, error) {
	leader, err := b.registry.CurrentLeader(ctx)
	if err != nil {
		return nil, fmt.Errorf("write routing: %w", errdefs.ErrNoWritableNode)
	}
	if !leader.IsWritable() || leader.Status != types.NodeStatusHealthy {
		return nil, fmt.Errorf("leader %s not writable: %w", leader.ID, errdefs.ErrNoWritableNode)
	}
	if !b.allows(leader.ID) {
		return nil, fmt.Errorf("leader %s circuit open: %w", leader.ID, errdefs.ErrNoWritableNode)
	}
	return leader, nil
}

// SelectReadTarget picks a healthy node for a read, honoring the read
// preference, sticky sessions, and the configured algorithm. With no
// eligible remote node the local node is returned as a fallback.
func (b *Balancer) SelectReadTarget(ctx context.Context, clientAddr string) (*types.Node, error) {
	candidates, err := b.readCandidates(ctx)
	if err != nil {
		return nil, err
	}

	eligible := candidates[:0]
	for _, n := range candidates {
		if b.allows(n.ID) {
			eligible = append(eligible, n)
		}
	}

	if len(eligible) == 0 {
		// Serve the read locally rather than failing it
		local, err := b.registry.GetNode(ctx, b.cfg.LocalNodeID)
		if err != nil {
			return nil, fmt.Errorf("no node available for read: %w", errdefs.ErrNotHealthy)
		}
		return local, nil
	}

	if b.cfg.StickySessions && clientAddr != "" {
		if node := b.stickyTarget(clientAddr, eligible); node != nil {
			return node, nil
		}
	}

	node := b.pick(eligible, clientAddr)

	if b.cfg.StickySessions && clientAddr != "" {
		b.mu.Lock()
		b.sticky[clientAddr] = node.ID
		b.mu.Unlock()
	}
	return node, nil
}

func (b *Balancer) readCandidates(ctx context.Context) ([]*types.Node, error) {
	switch b.cfg.ReadPreference {
	case types.ReadPrimary:
		return b.registry.ListNodes(ctx, types.NodeRoleMaster, types.NodeStatusHealthy)
	case types.ReadSecondary:
		replicas, err := b.registry.HealthyReplicas(ctx)
		if err != nil {
			return nil, err
		}
		if len(replicas) > 0 {
			return replicas, nil
		}
		// No healthy secondary, fall through to any
		return b.registry.HealthyNodes(ctx)
	default:
		return b.registry.HealthyNodes(ctx)
	}
}

func (b *Balancer) stickyTarget(clientAddr string, eligible []*types.Node) *types.Node {
	b.mu.Lock()
	pinned, ok := b.sticky[clientAddr]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	for _, n := range eligible {
		if n.ID == pinned {
			return n
		}
	}
	// Pinned node gone; drop the pin and re-balance
	b.mu.Lock()
	delete(b.sticky, clientAddr)
	b.mu.Unlock()
	return nil
}

func (b *Balancer) pick(nodes []*types.Node, clientAddr string) *types.Node {
	switch b.cfg.Algorithm {
	case types.BalanceLeastConnections:
		return b.pickLeastConnections(nodes)
	case types.BalanceWeightedRoundRobin:
		return b.pickWeighted(nodes)
	case types.BalanceIPHash:
		return b.pickIPHash(nodes, clientAddr)
	case types.BalanceLeastResponseTime:
		return b.pickLeastResponseTime(nodes)
	default:
		return b.pickRoundRobin(nodes)
	}
}

func (b *Balancer) pickRoundRobin(nodes []*types.Node) *types.Node {
	i := atomic.AddUint64(&b.rrCounter, 1)
	return nodes[int(i-1)%len(nodes)]
}

func (b *Balancer) pickLeastConnections(nodes []*types.Node) *types.Node {
	best := nodes[0]
	bestConns := atomic.LoadInt64(&b.state(best.ID).activeConns)
	for _, n := range nodes[1:] {
		conns := atomic.LoadInt64(&b.state(n.ID).activeConns)
		if conns < bestConns {
			best, bestConns = n, conns
		}
	}
	return best
}

// pickWeighted spreads the round-robin counter across nodes in
// proportion to their priority
func (b *Balancer) pickWeighted(nodes []*types.Node) *types.Node {
	total := 0
	for _, n := range nodes {
		total += weightOf(n)
	}
	i := int(atomic.AddUint64(&b.rrCounter, 1)-1) % total
	for _, n := range nodes {
		i -= weightOf(n)
		if i < 0 {
			return n
		}
	}
	return nodes[len(nodes)-1]
}

func weightOf(n *types.Node) int {
	if n.Capabilities.Priority > 0 {
		return n.Capabilities.Priority
	}
	return 1
}

func (b *Balancer) pickIPHash(nodes []*types.Node, clientAddr string) *types.Node {
	h := fnv.New32a()
	h.Write([]byte(clientAddr))
	return nodes[int(h.Sum32())%len(nodes)]
}

func (b *Balancer) pickLeastResponseTime(nodes []*types.Node) *types.Node {
	best := nodes[0]
	bestAvg := b.avgResponse(best.ID)
	for _, n := range nodes[1:] {
		if avg := b.avgResponse(n.ID); avg < bestAvg {
			best, bestAvg = n, avg
		}
	}
	return best
}

func (b *Balancer) avgResponse(nodeID string) time.Duration {
	st := b.state(nodeID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.timesLen == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < st.timesLen; i++ {
		sum += st.times[i]
	}
	return sum / time.Duration(st.timesLen)
}

// IncrementConnections marks a request in flight to a node
func (b *Balancer) IncrementConnections(nodeID string) {
	atomic.AddInt64(&b.state(nodeID).activeConns, 1)
}

// DecrementConnections marks a request to a node finished
func (b *Balancer) DecrementConnections(nodeID string) {
	atomic.AddInt64(&b.state(nodeID).activeConns, -1)
}

// RecordRequest feeds one request outcome into the node's counters,
// response-time window, and circuit breaker
func (b *Balancer) RecordRequest(nodeID string, duration time.Duration, success bool) {
	st := b.state(nodeID)

	atomic.AddInt64(&st.totalRequests, 1)
	if !success {
		atomic.AddInt64(&st.totalFailures, 1)
	}

	st.mu.Lock()
	st.times[st.timesPos] = duration
	st.timesPos = (st.timesPos + 1) % responseWindow
	if st.timesLen < responseWindow {
		st.timesLen++
	}
	st.mu.Unlock()

	if b.cfg.CircuitBreakerEnabled {
		_, _ = st.breaker.Execute(func() (interface{}, error) {
			if success {
				return nil, nil
			}
			return nil, errUpstreamFailure
		})
	}
}

// CircuitState returns the breaker state for a node
func (b *Balancer) CircuitState(nodeID string) string {
	return b.state(nodeID).breaker.State().String()
}

// ResetCircuit administratively closes a node's breaker by replacing it
func (b *Balancer) ResetCircuit(nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[nodeID]
	if !ok {
		return
	}
	st.breaker = b.newBreaker(nodeID)
	b.logger.Info().Str("node_id", nodeID).Msg("circuit breaker reset")
}

// Stats returns the routing snapshot for one node
func (b *Balancer) Stats(nodeID string) NodeStats {
	st := b.state(nodeID)
	return NodeStats{
		NodeID:            nodeID,
		ActiveConnections: atomic.LoadInt64(&st.activeConns),
		TotalRequests:     atomic.LoadInt64(&st.totalRequests),
		TotalFailures:     atomic.LoadInt64(&st.totalFailures),
		AvgResponseMs:     float64(b.avgResponse(nodeID)) / float64(time.Millisecond),
		CircuitState:      st.breaker.State().String(),
	}
}

// AllStats returns snapshots for every node seen by the balancer
func (b *Balancer) AllStats() []NodeStats {
	b.mu.Lock()
	ids := make([]string, 0, len(b.states))
	for id := range b.states {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	stats := make([]NodeStats, 0, len(ids))
	for _, id := range ids {
		stats = append(stats, b.Stats(id))
	}
	return stats
}
