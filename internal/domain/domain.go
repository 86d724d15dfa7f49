package domain

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is one of the known task statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Action names a notification trigger.
type Action string

const (
	ActionAssigned Action = "assigned"
	ActionUpdated  Action = "updated"
	ActionReminder Action = "reminder"
)

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

type Task struct {
	ID          int64
	Title       string
	Description string
	Status      Status
	OwnerID     int64
	// Owner is the owner's username, joined on read.
	Owner      string
	AssigneeID *int64
	DueDate    *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
	IsDeleted  bool
	DeletedAt  *time.Time
}

// NewTask carries the caller-supplied fields of a task being created.
type NewTask struct {
	Title       string
	Description string
	Status      Status
	AssigneeID  *int64
	DueDate     *time.Time
}

// TaskPatch is a partial update; only fields that are set are applied.
type TaskPatch struct {
	Title       Opt[string]
	Description Opt[string]
	Status      Opt[Status]
	AssigneeID  Opt[*int64]
	DueDate     Opt[*time.Time]
	// NullFields names non-nullable fields the client sent as an explicit null.
	NullFields []string
}

// Apply merges the set fields onto t.
func (p TaskPatch) Apply(t Task) Task {
	if v, ok := p.Title.Get(); ok {
		t.Title = v
	}
	if v, ok := p.Description.Get(); ok {
		t.Description = v
	}
	if v, ok := p.Status.Get(); ok {
		t.Status = v
	}
	if v, ok := p.AssigneeID.Get(); ok {
		t.AssigneeID = v
	}
	if v, ok := p.DueDate.Get(); ok {
		t.DueDate = v
	}
	return t
}

// Job is a queued notification request. The task is resolved when the job runs.
type Job struct {
	ID         string    `json:"id"`
	TaskID     int64     `json:"task_id"`
	Action     Action    `json:"action"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

type JobRecord struct {
	Job
	Status     JobStatus  `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    int64  `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// ValidationError reports a missing or malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
