package migration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/log"
	"github.com/burrowdb/burrow/pkg/storage"
	"github.com/burrowdb/burrow/pkg/types"
)

// Scheduler runs persisted cron schedules that re-run direct transfers
type Scheduler struct {
	manager *Manager
	cron    *cron.Cron
	logger  zerolog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID // schedule id -> cron entry
}

// NewScheduler creates a scheduler on the manager
func NewScheduler(m *Manager) *Scheduler {
	return &Scheduler{
		manager: m,
		cron:    cron.New(),
		logger:  log.WithComponent("scheduler"),
		entries: make(map[string]cron.EntryID),
	}
}

// Start loads persisted schedules and begins running them
func (s *Scheduler) Start(ctx context.Context) error {
	schedules, err := s.List(ctx)
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		if !sched.Enabled {
			continue
		}
		if err := s.register(sched); err != nil {
			s.logger.Warn().Err(err).Str("schedule_id", sched.ID).
				Msg("failed to register persisted schedule")
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner, waiting for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Add validates, persists, and registers a new schedule
func (s *Scheduler) Add(ctx context.Context, transferID, spec, createdBy string) (*types.ScheduledMigration, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, errdefs.ErrValidation)
	}
	if _, err := s.manager.GetTransfer(ctx, transferID); err != nil {
		return nil, fmt.Errorf("transfer %s: %w", transferID, err)
	}

	sched := &types.ScheduledMigration{
		ID:         uuid.New().String(),
		TransferID: transferID,
		CronSpec:   spec,
		Enabled:    true,
		CreatedBy:  createdBy,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.save(sched); err != nil {
		return nil, err
	}
	if err := s.register(sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// Remove unregisters and deletes a schedule
func (s *Scheduler) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	s.mu.Unlock()
	return s.manager.store.Delete(types.CollectionScheduledMigrations, id)
}

// SetEnabled toggles a schedule without deleting it
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	sched, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if sched.Enabled == enabled {
		return nil
	}
	sched.Enabled = enabled

	s.mu.Lock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if enabled {
		if err := s.register(sched); err != nil {
			return err
		}
	} else {
		sched.NextRun = nil
	}
	return s.save(sched)
}

func (s *Scheduler) register(sched *types.ScheduledMigration) error {
	id := sched.ID
	entryID, err := s.cron.AddFunc(sched.CronSpec, func() {
		s.run(id)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.entries[id] = entryID
	s.mu.Unlock()

	next := s.cron.Entry(entryID).Next
	if !next.IsZero() {
		sched.NextRun = &next
		if err := s.save(sched); err != nil {
			return err
		}
	}
	return nil
}

// run executes one scheduled occurrence: reset the transfer to its
// start and run it again
func (s *Scheduler) run(scheduleID string) {
	ctx := context.Background()

	sched, err := s.Get(ctx, scheduleID)
	if err != nil {
		s.logger.Warn().Err(err).Str("schedule_id", scheduleID).Msg("scheduled run skipped")
		return
	}

	t, err := s.manager.GetTransfer(ctx, sched.TransferID)
	if err != nil {
		s.logger.Warn().Err(err).Str("schedule_id", scheduleID).Msg("scheduled transfer missing")
		return
	}

	// Fresh run from the beginning
	t.Status = types.TransferPending
	t.CheckpointCollection = 0
	t.Progress = types.MigrationProgress{CollectionsTotal: len(t.Collections)}
	t.ErrorMessage = ""
	t.CompletedAt = nil
	if err := s.manager.saveTransfer(t); err != nil {
		s.logger.Error().Err(err).Str("transfer_id", t.ID).Msg("failed to reset scheduled transfer")
		return
	}

	if err := s.manager.RunTransfer(ctx, t.ID); err != nil {
		s.logger.Error().Err(err).Str("transfer_id", t.ID).Msg("scheduled transfer failed")
	}

	now := time.Now().UTC()
	sched.LastRun = &now
	s.mu.Lock()
	if entryID, ok := s.entries[scheduleID]; ok {
		if next := s.cron.Entry(entryID).Next; !next.IsZero() {
			sched.NextRun = &next
		}
	}
	s.mu.Unlock()
	if err := s.save(sched); err != nil {
		s.logger.Warn().Err(err).Str("schedule_id", scheduleID).Msg("failed to stamp schedule run")
	}
}

// Get returns one schedule
func (s *Scheduler) Get(_ context.Context, id string) (*types.ScheduledMigration, error) {
	doc, err := s.manager.store.Get(types.CollectionScheduledMigrations, id)
	if err != nil {
		return nil, err
	}
	var sched types.ScheduledMigration
	if err := storage.Decode(doc, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

// List returns all schedules
func (s *Scheduler) List(_ context.Context) ([]*types.ScheduledMigration, error) {
	docs, err := s.manager.store.List(types.CollectionScheduledMigrations)
	if err != nil {
		return nil, err
	}
	var out []*types.ScheduledMigration
	for _, doc := range docs {
		var sched types.ScheduledMigration
		if err := storage.Decode(doc, &sched); err != nil {
			return nil, err
		}
		out = append(out, &sched)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Scheduler) save(sched *types.ScheduledMigration) error {
	doc, err := storage.Encode(sched)
	if err != nil {
		return err
	}
	return s.manager.store.Upsert(types.CollectionScheduledMigrations, doc)
}
