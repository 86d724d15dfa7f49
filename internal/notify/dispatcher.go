package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"taskmanager/internal/domain"
)

// Dispatcher turns task events into queued jobs. Notify returns once the job
// is enqueued; delivery happens in a Pool.
type Dispatcher struct {
	Queue Queue
	Now   func() time.Time
}

func NewDispatcher(q Queue) Dispatcher {
	return Dispatcher{Queue: q, Now: time.Now}
}

func (d Dispatcher) Notify(ctx context.Context, taskID int64, action domain.Action) error {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	job := domain.Job{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		Action:     action,
		EnqueuedAt: now().UTC(),
	}
	if err := d.Queue.Enqueue(ctx, job); err != nil {
		return err
	}
	JobsEnqueued.WithLabelValues(string(action)).Inc()
	return nil
}
