package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/burrowdb/burrow/pkg/health"
	"github.com/burrowdb/burrow/pkg/log"
	"github.com/burrowdb/burrow/pkg/registry"
	"github.com/burrowdb/burrow/pkg/storage"
	"github.com/burrowdb/burrow/pkg/types"
)

// Config holds the replication engine settings
type Config struct {
	LocalNodeID      string
	Mode             types.ReplicationMode
	ConflictStrategy types.ConflictStrategy
	ClusterToken     string
	RequestTimeout   time.Duration
	DispatchInterval time.Duration
	BatchSize        int
	MaxRetries       int
}

// Engine captures local Store mutations into the replication log and
// dispatches them to replica nodes over the cluster HTTP surface
type Engine struct {
	cfg      Config
	store    storage.Store
	registry *registry.Registry
	alerts   *health.AlertManager
	resolver *Resolver
	client   *http.Client
	logger   zerolog.Logger

	mu  sync.Mutex
	seq int64
}

// NewEngine creates a replication engine. The per-source sequence
// counter resumes from the highest sequence already in the log.
func NewEngine(cfg Config, store storage.Store, reg *registry.Registry, alerts *health.AlertManager) (*Engine, error) {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.DispatchInterval == 0 {
		cfg.DispatchInterval = time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.ConflictStrategy == "" {
		cfg.ConflictStrategy = types.ConflictLastWriteWins
	}

	e := &Engine{
		cfg:      cfg,
		store:    store,
		registry: reg,
		alerts:   alerts,
		resolver: NewResolver(cfg.ConflictStrategy, store),
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		logger:   log.WithComponent("replication"),
	}
	if err := e.loadSequence(); err != nil {
		return nil, err
	}
	return e, nil
}

// Resolver exposes the engine's conflict resolver
func (e *Engine) Resolver() *Resolver {
	return e.resolver
}

func (e *Engine) loadSequence() error {
	events, err := e.listLog()
	if err != nil {
		return fmt.Errorf("failed to load replication log: %w", err)
	}
	var max int64
	for _, ev := range events {
		if ev.SourceNode == e.cfg.LocalNodeID && ev.SequenceNumber > max {
			max = ev.SequenceNumber
		}
	}
	e.mu.Lock()
	e.seq = max
	e.mu.Unlock()
	return nil
}

func (e *Engine) nextSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return e.seq
}

// RunCapture consumes the store change stream and writes replication
// events until ctx is cancelled. Internal collections are never
// captured, and only the elected leader captures at all: replicas
// mutate their store when they apply events, and capturing those
// writes would echo every change back around the cluster.
func (e *Engine) RunCapture(ctx context.Context) {
	sub := e.store.Subscribe()
	defer e.store.Unsubscribe(sub)

	for {
		select {
		case change, ok := <-sub:
			if !ok {
				return
			}
			if types.IsInternalCollection(change.Collection) {
				continue
			}
			if !e.isCaptureLeader(ctx) {
				continue
			}
			if _, err := e.CaptureChange(ctx, change); err != nil {
				e.logger.Error().Err(err).Str("collection", change.Collection).
					Str("document_id", change.DocumentID).Msg("failed to capture change")
			}
		case <-ctx.Done():
			return
		}
	}
}

// isCaptureLeader reports whether the local node currently holds
// cluster leadership
func (e *Engine) isCaptureLeader(ctx context.Context) bool {
	leader, err := e.registry.CurrentLeader(ctx)
	if err != nil || leader == nil {
		return false
	}
	return leader.ID == e.cfg.LocalNodeID
}

// CaptureChange records a committed mutation as a pending replication
// event addressed to every healthy replica. In sync and semi-sync mode
// the event is dispatched before returning.
func (e *Engine) CaptureChange(ctx context.Context, change storage.ChangeEvent) (*types.ReplicationEvent, error) {
	replicas, err := e.registry.HealthyReplicas(ctx)
	if err != nil {
		return nil, err
	}

	targets := make([]string, 0, len(replicas))
	for _, r := range replicas {
		if r.ID != e.cfg.LocalNodeID {
			targets = append(targets, r.ID)
		}
	}

	event := &types.ReplicationEvent{
		EventID:        uuid.New().String(),
		SequenceNumber: e.nextSequence(),
		Operation:      change.Operation,
		Collection:     change.Collection,
		DocumentID:     change.DocumentID,
		Payload:        change.Document,
		Timestamp:      change.Timestamp,
		SourceNode:     e.cfg.LocalNodeID,
		TargetNodes:    targets,
		Status:         types.EventStatusPending,
	}

	if err := e.saveEvent(event); err != nil {
		return nil, fmt.Errorf("failed to persist replication event: %w", err)
	}

	if e.cfg.Mode == types.ReplicationSync || e.cfg.Mode == types.ReplicationSemiSync {
		if err := e.DispatchEvent(ctx, event); err != nil {
			return event, err
		}
	}
	return event, nil
}

// RunDispatcher ships pending and retrying events in sequence order
// until ctx is cancelled
func (e *Engine) RunDispatcher(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.DispatchOnce(ctx); err != nil {
				e.logger.Warn().Err(err).Msg("dispatch round failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// DispatchOnce ships one batch of outstanding events, oldest sequence
// first, then refreshes the local node's replication metrics
func (e *Engine) DispatchOnce(ctx context.Context) error {
	events, err := e.outstanding()
	if err != nil {
		return err
	}
	if len(events) > e.cfg.BatchSize {
		events = events[:e.cfg.BatchSize]
	}

	for _, ev := range events {
		if err := e.DispatchEvent(ctx, ev); err != nil {
			e.logger.Debug().Err(err).Str("event_id", ev.EventID).Msg("event dispatch failed")
		}
	}

	e.refreshMetrics(ctx)
	return nil
}

// DispatchEvent sends one event to its targets. The mode decides how
// many acks make the event replicated: sync needs all targets,
// semi-sync and async need one.
func (e *Engine) DispatchEvent(ctx context.Context, ev *types.ReplicationEvent) error {
	if len(ev.TargetNodes) == 0 {
		now := time.Now().UTC()
		ev.Status = types.EventStatusReplicated
		ev.ReplicatedAt = &now
		return e.saveEvent(ev)
	}

	ev.Status = types.EventStatusReplicating
	if err := e.saveEvent(ev); err != nil {
		return err
	}

	acks := 0
	var lastErr error
	for _, target := range ev.TargetNodes {
		if err := e.sendToNode(ctx, target, ev); err != nil {
			lastErr = err
			e.logger.Debug().Err(err).Str("event_id", ev.EventID).
				Str("target", target).Msg("replica did not ack")
			continue
		}
		acks++
	}

	required := 1
	if e.cfg.Mode == types.ReplicationSync {
		required = len(ev.TargetNodes)
	}

	if acks >= required {
		now := time.Now().UTC()
		ev.Status = types.EventStatusReplicated
		ev.ReplicatedAt = &now
		ev.ErrorMessage = ""
		return e.saveEvent(ev)
	}

	ev.RetryCount++
	if lastErr != nil {
		ev.ErrorMessage = lastErr.Error()
	}
	if ev.RetryCount >= e.cfg.MaxRetries {
		ev.Status = types.EventStatusFailed
	} else {
		ev.Status = types.EventStatusRetrying
	}
	if err := e.saveEvent(ev); err != nil {
		return err
	}
	return fmt.Errorf("event %s: %d of %d targets acked (need %d)", ev.EventID, acks, len(ev.TargetNodes), required)
}

func (e *Engine) sendToNode(ctx context.Context, nodeID string, ev *types.ReplicationEvent) error {
	node, err := e.registry.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		node.BaseURL()+"/cluster/replication/apply", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cluster-Token", e.cfg.ClusterToken)

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("replica %s returned HTTP %d", nodeID, resp.StatusCode)
	}
	return nil
}

// RetryFailed moves failed events back to retrying so the dispatcher
// picks them up again
func (e *Engine) RetryFailed(_ context.Context) (int, error) {
	events, err := e.listLog()
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, ev := range events {
		if ev.Status != types.EventStatusFailed {
			continue
		}
		ev.Status = types.EventStatusRetrying
		ev.RetryCount = 0
		if err := e.saveEvent(ev); err != nil {
			return retried, err
		}
		retried++
	}
	return retried, nil
}

// perEventLag is the assumed shipping cost of one outstanding event
// when estimating how far behind a replica runs
const perEventLag = 100 * time.Millisecond

// LagSeconds estimates a target node's lag from its sequence deficit:
// the highest sequence addressed to it minus the highest sequence
// already replicated to it, scaled by perEventLag. The second return
// is false when nothing has ever been addressed to the node.
func (e *Engine) LagSeconds(_ context.Context, nodeID string) (float64, bool, error) {
	events, err := e.listLog()
	if err != nil {
		return 0, false, err
	}

	seen := false
	var maxAddressed, maxReplicated int64
	for _, ev := range events {
		if !targetsNode(ev, nodeID) {
			continue
		}
		seen = true
		if ev.SequenceNumber > maxAddressed {
			maxAddressed = ev.SequenceNumber
		}
		if ev.Status == types.EventStatusReplicated && ev.SequenceNumber > maxReplicated {
			maxReplicated = ev.SequenceNumber
		}
	}

	if !seen {
		return 0, false, nil
	}
	behind := maxAddressed - maxReplicated
	if behind < 0 {
		behind = 0
	}
	return float64(behind) * perEventLag.Seconds(), true, nil
}

// Metrics summarizes the local replication log
func (e *Engine) Metrics(ctx context.Context) (types.ReplicationMetrics, error) {
	events, err := e.listLog()
	if err != nil {
		return types.ReplicationMetrics{}, err
	}

	var m types.ReplicationMetrics
	var lastSync *time.Time
	var oldestPending *time.Time

	for _, ev := range events {
		switch ev.Status {
		case types.EventStatusReplicated:
			m.EventsReplicated++
			if ev.ReplicatedAt != nil && (lastSync == nil || ev.ReplicatedAt.After(*lastSync)) {
				lastSync = ev.ReplicatedAt
			}
		case types.EventStatusFailed:
			m.EventsFailed++
		default:
			m.EventsPending++
			t := ev.Timestamp
			if oldestPending == nil || t.Before(*oldestPending) {
				oldestPending = &t
			}
		}
	}

	if oldestPending != nil {
		m.LagSeconds = time.Since(*oldestPending).Seconds()
	}
	m.LastSync = lastSync
	return m, nil
}

func (e *Engine) refreshMetrics(ctx context.Context) {
	m, err := e.Metrics(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to compute replication metrics")
		return
	}
	if err := e.registry.UpdateReplicationMetrics(ctx, e.cfg.LocalNodeID, m); err != nil {
		e.logger.Debug().Err(err).Msg("failed to store replication metrics")
	}

	if e.alerts == nil {
		return
	}
	rule := e.alerts.Rule(types.AlertHighReplicationLag)
	if rule == nil || !rule.Enabled {
		return
	}
	if m.LagSeconds > rule.Threshold {
		e.alerts.Raise(types.AlertHighReplicationLag, e.cfg.LocalNodeID,
			"Replication lag high",
			fmt.Sprintf("node %s lag %.1fs exceeds %.0fs", e.cfg.LocalNodeID, m.LagSeconds, rule.Threshold),
			"")
	} else {
		e.alerts.Resolve(types.AlertHighReplicationLag, e.cfg.LocalNodeID)
	}
}

// outstanding returns pending and retrying events in sequence order
func (e *Engine) outstanding() ([]*types.ReplicationEvent, error) {
	events, err := e.listLog()
	if err != nil {
		return nil, err
	}

	var out []*types.ReplicationEvent
	for _, ev := range events {
		if ev.Status == types.EventStatusPending || ev.Status == types.EventStatusRetrying {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out, nil
}

func (e *Engine) listLog() ([]*types.ReplicationEvent, error) {
	docs, err := e.store.List(types.CollectionReplicationLog)
	if err != nil {
		return nil, err
	}
	events := make([]*types.ReplicationEvent, 0, len(docs))
	for _, doc := range docs {
		var ev types.ReplicationEvent
		if err := storage.Decode(doc, &ev); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, nil
}

func (e *Engine) saveEvent(ev *types.ReplicationEvent) error {
	doc, err := storage.Encode(ev)
	if err != nil {
		return err
	}
	return e.store.Upsert(types.CollectionReplicationLog, doc)
}

func targetsNode(ev *types.ReplicationEvent, nodeID string) bool {
	for _, t := range ev.TargetNodes {
		if t == nodeID {
			return true
		}
	}
	return false
}
