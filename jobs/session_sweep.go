package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/appbase-cms/appbase/internal/jobs"
	"github.com/appbase-cms/appbase/internal/storage"
)

// Sweeper deletes expired sessions in bounded batches.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// SessionSweepJob drains expired sessions until a batch comes back short.
type SessionSweepJob struct {
	Sweeper Sweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewSessionSweepJob wires dependencies for the sweep handler.
func NewSessionSweepJob(sweeper Sweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *SessionSweepJob {
	return &SessionSweepJob{
		Sweeper: sweeper,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes session sweep tasks.
func (j *SessionSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sweeper == nil {
		return errors.New("session sweep: handler not configured")
	}
	var payload SessionSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	_, err := j.Run(ctx, payload)
	return err
}

// Run sweeps until no expired sessions remain or MaxBatches is reached. A
// batch that loses a race with a concurrent session refresh is retried on
// the next pass.
func (j *SessionSweepJob) Run(ctx context.Context, payload SessionSweepPayload) (removed int, err error) {
	if payload.BatchSize <= 0 {
		payload.BatchSize = DefaultSweepBatch
	}
	tracker := j.Metrics.Track(TaskSessionSweep)
	defer func() {
		err = tracker.End(err)
	}()

	now := j.now()
	conflicts := 0
	for batch := 0; payload.MaxBatches <= 0 || batch < payload.MaxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		n, err := j.Sweeper.SweepExpired(ctx, now, payload.BatchSize)
		if errors.Is(err, storage.ErrConflict) && conflicts < 3 {
			conflicts++
			continue
		}
		if err != nil {
			j.logger().Error("sweep sessions", slog.Int("removed", removed), slog.Any("error", err))
			return removed, err
		}
		removed += n
		j.Metrics.AddRemoved("sessions", n)
		if n < payload.BatchSize {
			break
		}
	}
	j.logger().Info("sessions swept", slog.Int("removed", removed), slog.Time("before", now))
	return removed, nil
}

func (j *SessionSweepJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func (j *SessionSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
