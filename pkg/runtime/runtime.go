// Package runtime assembles the cluster node: it opens the store and
// cache, wires the registry, monitor, elector, replication engine,
// router, and migration pipeline together, and supervises their
// background loops.
package runtime

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/burrowdb/burrow/pkg/api"
	"github.com/burrowdb/burrow/pkg/cache"
	"github.com/burrowdb/burrow/pkg/config"
	"github.com/burrowdb/burrow/pkg/elector"
	"github.com/burrowdb/burrow/pkg/health"
	"github.com/burrowdb/burrow/pkg/log"
	"github.com/burrowdb/burrow/pkg/metrics"
	"github.com/burrowdb/burrow/pkg/migration"
	"github.com/burrowdb/burrow/pkg/registry"
	"github.com/burrowdb/burrow/pkg/replication"
	"github.com/burrowdb/burrow/pkg/router"
	"github.com/burrowdb/burrow/pkg/security"
	"github.com/burrowdb/burrow/pkg/storage"
	"github.com/burrowdb/burrow/pkg/types"
)

// Runtime owns every component of a running node
type Runtime struct {
	cfg    *config.Config
	logger zerolog.Logger

	store     storage.Store
	cache     cache.Cache
	registry  *registry.Registry
	monitor   *health.Monitor
	elector   *elector.Elector
	engine    *replication.Engine
	forwarder *router.Forwarder
	migration *migration.Manager
	scheduler *migration.Scheduler
	server    *api.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the full component graph from the configuration
func New(cfg *config.Config) (*Runtime, error) {
	if cfg.Cluster.NodeID == "" {
		cfg.Cluster.NodeID = uuid.New().String()
	}

	logger := log.WithNodeID(cfg.Cluster.NodeID).With().Str("component", "runtime").Logger()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	var coord cache.Cache
	if cfg.RedisAddr != "" {
		redisCache, err := cache.NewRedisCache(context.Background(), cfg.RedisAddr)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, falling back to in-process coordination cache")
			coord = cache.NewMemoryCache()
		} else {
			coord = redisCache
		}
	} else {
		logger.Warn().Msg("no redis address configured, using in-process coordination cache")
		coord = cache.NewMemoryCache()
	}

	reg := registry.NewRegistry(store)

	alerts := health.NewAlertManager(store)
	monitor := health.NewMonitor(health.Config{
		LocalNodeID:       cfg.Cluster.NodeID,
		HeartbeatInterval: cfg.Cluster.HeartbeatInterval(),
		FailureThreshold:  cfg.Cluster.FailureThreshold,
		QuorumPercentage:  cfg.Cluster.QuorumPercentage,
		ClusterToken:      cfg.Cluster.AuthToken,
	}, reg, alerts)

	elect := elector.New(elector.Config{
		LocalNodeID:        cfg.Cluster.NodeID,
		ElectionTimeoutMin: time.Duration(cfg.Cluster.ElectionTimeoutMinMs) * time.Millisecond,
		ElectionTimeoutMax: time.Duration(cfg.Cluster.ElectionTimeoutMaxMs) * time.Millisecond,
		Failover: types.FailoverConfig{
			AutoFailover:           true,
			FailoverTimeout:        cfg.Cluster.StaleAfter(),
			MinHealthyReplicas:     1,
			PromoteOnMasterFailure: true,
		},
	}, reg, alerts)
	reg.SetLeaderSource(elect)

	engine, err := replication.NewEngine(replication.Config{
		LocalNodeID:    cfg.Cluster.NodeID,
		Mode:           types.ReplicationMode(cfg.Cluster.ReplicationMode),
		ClusterToken:   cfg.Cluster.AuthToken,
		RequestTimeout: cfg.Cluster.RequestTimeout(),
	}, store, reg, alerts)
	if err != nil {
		store.Close()
		return nil, err
	}

	balancer := router.NewBalancer(router.Config{
		LocalNodeID:             cfg.Cluster.NodeID,
		Algorithm:               types.BalancingAlgorithm(cfg.Cluster.LoadBalancingAlgorithm),
		ReadPreference:          types.ReadPreference(cfg.Cluster.ReadPreference),
		StickySessions:          cfg.Cluster.StickySessions,
		CircuitBreakerEnabled:   cfg.Cluster.CircuitBreakerEnabled,
		CircuitBreakerThreshold: cfg.Cluster.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   cfg.Cluster.CircuitBreakerTimeout(),
		RequestTimeout:          cfg.Cluster.RequestTimeout(),
		ClusterToken:            cfg.Cluster.AuthToken,
	}, reg)
	forwarder := router.NewForwarder(router.Config{
		LocalNodeID:    cfg.Cluster.NodeID,
		RequestTimeout: cfg.Cluster.RequestTimeout(),
		ClusterToken:   cfg.Cluster.AuthToken,
	}, balancer)

	// Instance API keys are sealed with a key derived from the cluster
	// secret
	sealer, err := security.NewSealerFromSecret(cfg.Cluster.AuthToken)
	if err != nil {
		store.Close()
		return nil, err
	}

	mig, err := migration.NewManager(cfg.Migration, store, coord, sealer)
	if err != nil {
		store.Close()
		return nil, err
	}
	scheduler := migration.NewScheduler(mig)

	rt := &Runtime{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		cache:     coord,
		registry:  reg,
		monitor:   monitor,
		elector:   elect,
		engine:    engine,
		forwarder: forwarder,
		migration: mig,
		scheduler: scheduler,
	}

	rt.server = api.NewServer(cfg, api.Deps{
		Store:     store,
		Registry:  reg,
		Monitor:   monitor,
		Elector:   elect,
		Engine:    engine,
		Forwarder: forwarder,
		Migration: mig,
		Scheduler: scheduler,
	})
	return rt, nil
}

// Start registers the local node and launches every background loop
func (r *Runtime) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	if _, err := r.registry.Register(ctx, registry.RegisterRequest{
		NodeID:       r.cfg.Cluster.NodeID,
		Hostname:     r.cfg.Cluster.AdvertiseAddress,
		Port:         r.cfg.Cluster.Port,
		Role:         types.NodeRole(r.cfg.Cluster.NodeRole),
		ClusterToken: r.cfg.Cluster.AuthToken,
	}); err != nil {
		return fmt.Errorf("failed to register local node: %w", err)
	}

	if err := r.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	r.spawn("heartbeat", func() { r.monitor.RunHeartbeat(ctx) })
	r.spawn("sweeper", func() { r.monitor.RunSweeper(ctx) })
	r.spawn("elector", func() { r.elector.Run(ctx) })
	if r.cfg.Cluster.ReplicationEnabled {
		r.spawn("capture", func() { r.engine.RunCapture(ctx) })
		r.spawn("dispatcher", func() { r.engine.RunDispatcher(ctx) })
	}
	r.spawn("isolation", func() { r.runIsolationLoop(ctx) })
	r.spawn("metrics", func() { r.runMetricsLoop(ctx) })
	r.spawn("api", func() {
		if err := r.server.Run(); err != nil {
			r.logger.Error().Err(err).Msg("api server exited")
		}
	})

	r.logger.Info().Str("node_id", r.cfg.Cluster.NodeID).
		Str("role", r.cfg.Cluster.NodeRole).Msg("node started")
	return nil
}

// spawn runs fn on the waitgroup with panic isolation so one crashing
// loop cannot take the process down
func (r *Runtime) spawn(name string, fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().Interface("panic", rec).Str("task", name).Msg("background task panicked")
			}
		}()
		fn()
	}()
}

func (r *Runtime) runIsolationLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * r.cfg.Cluster.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.monitor.CheckIsolation(ctx); err != nil {
				r.logger.Debug().Err(err).Msg("isolation check failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// runMetricsLoop refreshes the Prometheus gauges from cluster state
func (r *Runtime) runMetricsLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.refreshGauges(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runtime) refreshGauges(ctx context.Context) {
	nodes, err := r.registry.ListNodes(ctx, "", "")
	if err != nil {
		return
	}

	metrics.NodesByStatus.Reset()
	for _, n := range nodes {
		metrics.NodesByStatus.WithLabelValues(string(n.Role), string(n.Status)).Inc()
		state := r.forwarder.Balancer().CircuitState(n.ID)
		metrics.CircuitState.WithLabelValues(n.ID).Set(circuitValue(state))
	}

	if h, err := r.monitor.ClusterHealth(ctx); err == nil {
		if h.HasQuorum {
			metrics.HasQuorum.Set(1)
		} else {
			metrics.HasQuorum.Set(0)
		}
	}

	metrics.ActiveAlerts.Reset()
	for _, a := range r.monitor.Alerts().Active() {
		metrics.ActiveAlerts.WithLabelValues(string(a.Severity)).Inc()
	}

	if m, err := r.engine.Metrics(ctx); err == nil {
		metrics.ReplicationLagSeconds.Set(m.LagSeconds)
		metrics.ReplicationEvents.WithLabelValues("pending").Set(float64(m.EventsPending))
		metrics.ReplicationEvents.WithLabelValues("replicated").Set(float64(m.EventsReplicated))
		metrics.ReplicationEvents.WithLabelValues("failed").Set(float64(m.EventsFailed))
	}
}

func circuitValue(state string) float64 {
	switch state {
	case gobreaker.StateOpen.String():
		return 2
	case gobreaker.StateHalfOpen.String():
		return 1
	default:
		return 0
	}
}

// Stop shuts the node down in dependency order: API first, then the
// loops, then the scheduler, cache, and store
func (r *Runtime) Stop(ctx context.Context) error {
	r.logger.Info().Msg("node stopping")

	if err := r.server.Shutdown(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("api shutdown incomplete")
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.scheduler.Stop()

	if err := r.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	r.logger.Info().Msg("node stopped")
	return nil
}
