package repo

import (
	"context"
	"database/sql"
	"time"

	"taskmanager/internal/domain"
)

func (r Repo) EnqueueNotification(ctx context.Context, job domain.Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = r.now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notification_jobs(id, task_id, action, status, enqueued_at) VALUES (?,?,?,?,?)`,
		job.ID, job.TaskID, string(job.Action), string(domain.JobPending), formatTime(job.EnqueuedAt))
	return err
}

// ClaimNotification moves the oldest pending job to running and returns it.
// It returns ErrNotFound when the queue is empty.
func (r Repo) ClaimNotification(ctx context.Context) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `UPDATE notification_jobs SET status=?, started_at=?
WHERE seq=(SELECT seq FROM notification_jobs WHERE status=? ORDER BY seq LIMIT 1) AND status=?
RETURNING id, task_id, action, enqueued_at`,
		string(domain.JobRunning), formatTime(r.now()), string(domain.JobPending), string(domain.JobPending))
	var job domain.Job
	var action, enqueuedAt string
	err := row.Scan(&job.ID, &job.TaskID, &action, &enqueuedAt)
	if err == sql.ErrNoRows {
		return domain.Job{}, ErrNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}
	job.Action = domain.Action(action)
	if job.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// FinishNotification marks a claimed job done, or failed when jobErr is non-nil.
func (r Repo) FinishNotification(ctx context.Context, id string, jobErr error) error {
	status, msg := domain.JobDone, ""
	if jobErr != nil {
		status, msg = domain.JobFailed, jobErr.Error()
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE notification_jobs SET status=?, finished_at=?, error=? WHERE id=?`,
		string(status), formatTime(r.now()), nullable(msg), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListNotificationJobs returns the most recent jobs, optionally filtered by status.
func (r Repo) ListNotificationJobs(ctx context.Context, status domain.JobStatus, limit int) ([]domain.JobRecord, error) {
	query := `SELECT id, task_id, action, status, enqueued_at, started_at, finished_at, COALESCE(error,'') FROM notification_jobs`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.JobRecord
	for rows.Next() {
		var rec domain.JobRecord
		var action, st, enqueuedAt string
		var started, finished sql.NullString
		if err := rows.Scan(&rec.ID, &rec.TaskID, &action, &st, &enqueuedAt, &started, &finished, &rec.Error); err != nil {
			return nil, err
		}
		rec.Action = domain.Action(action)
		rec.Status = domain.JobStatus(st)
		if rec.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
			return nil, err
		}
		if rec.StartedAt, err = optionalTime(started); err != nil {
			return nil, err
		}
		if rec.FinishedAt, err = optionalTime(finished); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func optionalTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
