package notify

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"taskmanager/internal/domain"
)

type DueLister interface {
	ListDueTasks(ctx context.Context, from, to time.Time) ([]domain.Task, error)
}

type Enqueuer interface {
	Notify(ctx context.Context, taskID int64, action domain.Action) error
}

// Reminders enqueues a reminder job for every pending task due within Window.
type Reminders struct {
	Tasks    DueLister
	Notifier Enqueuer
	Window   time.Duration
	Interval time.Duration
	Now      func() time.Time
	Log      logrus.FieldLogger
}

func (r Reminders) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Reminders) log() logrus.FieldLogger {
	if r.Log != nil {
		return r.Log
	}
	return logrus.StandardLogger()
}

// RunOnce scans for due tasks and returns how many reminders were enqueued.
func (r Reminders) RunOnce(ctx context.Context) (int, error) {
	window := r.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	now := r.now().UTC()
	tasks, err := r.Tasks.ListDueTasks(ctx, now, now.Add(window))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if err := r.Notifier.Notify(ctx, t.ID, domain.ActionReminder); err != nil {
			r.log().WithError(err).WithField("task_id", t.ID).Error("enqueue reminder")
			continue
		}
		n++
	}
	RemindersScheduled.Add(float64(n))
	r.log().WithFields(logrus.Fields{"due": len(tasks), "enqueued": n}).Info("reminder scan complete")
	return n, nil
}

// Run scans immediately and then every Interval until ctx is done.
func (r Reminders) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log().WithError(err).Error("reminder scan")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
