package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/appbase-cms/appbase/internal/authz"
	"github.com/appbase-cms/appbase/internal/identity"
	jobmetrics "github.com/appbase-cms/appbase/internal/jobs"
	"github.com/appbase-cms/appbase/internal/platform/clock"
	"github.com/appbase-cms/appbase/internal/storage"
)

type fakeSweeper struct {
	pending   int
	conflicts int
	calls     []int
}

func (f *fakeSweeper) SweepExpired(_ context.Context, _ time.Time, limit int) (int, error) {
	f.calls = append(f.calls, limit)
	if f.conflicts > 0 {
		f.conflicts--
		return 0, fmt.Errorf("sweep: %w", storage.ErrConflict)
	}
	n := min(limit, f.pending)
	f.pending -= n
	return n, nil
}

func TestSessionSweepDrainsInBatches(t *testing.T) {
	sweeper := &fakeSweeper{pending: 25}
	job := NewSessionSweepJob(sweeper, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	removed, err := job.Run(context.Background(), SessionSweepPayload{BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 25, removed)
	assert.Equal(t, []int{10, 10, 10}, sweeper.calls)
}

func TestSessionSweepRetriesConflicts(t *testing.T) {
	sweeper := &fakeSweeper{pending: 5, conflicts: 2}
	job := NewSessionSweepJob(sweeper, nil, nil)

	removed, err := job.Run(context.Background(), SessionSweepPayload{BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 5, removed)
	assert.Len(t, sweeper.calls, 3)
}

func TestSessionSweepHonoursMaxBatches(t *testing.T) {
	sweeper := &fakeSweeper{pending: 100}
	job := NewSessionSweepJob(sweeper, nil, nil)

	removed, err := job.Run(context.Background(), SessionSweepPayload{BatchSize: 10, MaxBatches: 2})
	require.NoError(t, err)
	assert.Equal(t, 20, removed)
}

func TestSessionSweepHandleRejectsBadPayload(t *testing.T) {
	job := NewSessionSweepJob(&fakeSweeper{}, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskSessionSweep, []byte("{")))
	require.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestSessionSweepRemovesExpiredSessions(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.Fake(start)
	svc, err := identity.NewService(storage.NewMemoryEngine(), clk, identity.Config{
		Secret:   []byte(strings.Repeat("k", 32)),
		TTL:      time.Hour,
		HashCost: bcrypt.MinCost,
	}, nil, nil)
	require.NoError(t, err)
	p, err := svc.CreatePrincipal(ctx, identity.NewPrincipal{
		Username: "writer", Password: "correct horse", Role: authz.RoleContributor,
	})
	require.NoError(t, err)

	for range 3 {
		_, err := svc.IssueSession(ctx, p, "10.0.0.1:1234", "test")
		require.NoError(t, err)
	}
	clk.Advance(2 * time.Hour)
	fresh, err := svc.IssueSession(ctx, p, "10.0.0.1:1234", "test")
	require.NoError(t, err)

	job := NewSessionSweepJob(svc, nil, nil)
	job.clock = clk.Now
	removed, err := job.Run(ctx, SessionSweepPayload{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	_, err = svc.Validate(ctx, fresh.Token, "", false)
	require.NoError(t, err)
}

func TestClientEnqueuesUniqueSweep(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	info, err := client.EnqueueSessionSweep(context.Background(), SessionSweepPayload{BatchSize: 50})
	require.NoError(t, err)
	assert.Equal(t, TaskSessionSweep, info.Type)
	assert.Equal(t, QueueDefault, info.Queue)

	_, err = client.EnqueueSessionSweep(context.Background(), SessionSweepPayload{BatchSize: 50})
	require.ErrorIs(t, err, asynq.ErrDuplicateTask)
}
