package migration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/types"
)

func newTestScheduler(t *testing.T) (*Scheduler, *types.Transfer) {
	t.Helper()
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	src := registerInstance(t, mgr, "src", "http://src", "k1")
	dst := registerInstance(t, mgr, "dst", "http://dst", "k2")
	tr, err := mgr.CreateTransfer(ctx, TransferRequest{
		SourceInstanceID: src.ID, TargetInstanceID: dst.ID,
		Collections: []string{"users"}, CreatedBy: "u1",
	})
	require.NoError(t, err)

	return NewScheduler(mgr), tr
}

func TestScheduleAddValidation(t *testing.T) {
	s, tr := newTestScheduler(t)
	ctx := context.Background()

	_, err := s.Add(ctx, tr.ID, "not a cron spec", "u1")
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	_, err = s.Add(ctx, "missing-transfer", "0 3 * * *", "u1")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestScheduleLifecycle(t *testing.T) {
	s, tr := newTestScheduler(t)
	ctx := context.Background()

	sched, err := s.Add(ctx, tr.ID, "0 3 * * *", "u1")
	require.NoError(t, err)
	assert.True(t, sched.Enabled)
	assert.Equal(t, tr.ID, sched.TransferID)

	got, err := s.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", got.CronSpec)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.SetEnabled(ctx, sched.ID, false))
	got, err = s.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRun)

	require.NoError(t, s.SetEnabled(ctx, sched.ID, true))
	got, err = s.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)

	require.NoError(t, s.Remove(ctx, sched.ID))
	_, err = s.Get(ctx, sched.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}
