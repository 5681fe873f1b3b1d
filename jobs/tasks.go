package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSessionSweep removes expired session records.
	TaskSessionSweep = "session:sweep"
)

// DefaultSweepBatch bounds the sessions deleted per storage transaction.
const DefaultSweepBatch = 200

// SessionSweepPayload configures a sweep run.
type SessionSweepPayload struct {
	BatchSize  int `json:"batch_size"`
	MaxBatches int `json:"max_batches,omitempty"`
}

// NewSessionSweepTask constructs an Asynq task.
func NewSessionSweepTask(payload SessionSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSessionSweep, data), nil
}
