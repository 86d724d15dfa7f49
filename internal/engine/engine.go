package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"taskmanager/internal/domain"
	"taskmanager/internal/engine/auth"
	"taskmanager/internal/repo"
)

const maxTitleLen = 255

type TaskStore interface {
	ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error)
	GetTask(ctx context.Context, id int64) (domain.Task, error)
	CreateTask(ctx context.Context, in domain.NewTask, ownerID int64) (domain.Task, error)
	UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch, actorID int64) (domain.Task, error)
	SoftDeleteTask(ctx context.Context, id int64, actorID int64) error
}

type UserStore interface {
	GetUser(ctx context.Context, id int64) (domain.User, error)
}

// Notifier schedules an asynchronous notification. Implementations must not
// wait for delivery.
type Notifier interface {
	Notify(ctx context.Context, taskID int64, action domain.Action) error
}

type Engine struct {
	Tasks    TaskStore
	Users    UserStore
	Notifier Notifier
	Log      logrus.FieldLogger
}

func New(r repo.Repo, n Notifier, log logrus.FieldLogger) Engine {
	return Engine{Tasks: r, Users: r, Notifier: n, Log: log}
}

func (e Engine) log() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

func requirePrincipal(p auth.Principal) error {
	if p.UserID == 0 {
		return auth.ErrUnauthenticated
	}
	return nil
}

// ListTasks returns all live tasks matching f. Visibility is not restricted by ownership.
func (e Engine) ListTasks(ctx context.Context, p auth.Principal, f repo.TaskFilters) ([]domain.Task, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	return e.Tasks.ListTasks(ctx, f)
}

func (e Engine) GetTask(ctx context.Context, p auth.Principal, id int64) (domain.Task, error) {
	if err := requirePrincipal(p); err != nil {
		return domain.Task{}, err
	}
	return e.Tasks.GetTask(ctx, id)
}

// CreateTask stores a task owned by the caller and notifies a non-null assignee.
func (e Engine) CreateTask(ctx context.Context, p auth.Principal, in domain.NewTask) (domain.Task, error) {
	if err := requirePrincipal(p); err != nil {
		return domain.Task{}, err
	}
	var err error
	if in.Title, err = cleanTitle(in.Title); err != nil {
		return domain.Task{}, err
	}
	if in.Description, err = cleanDescription(in.Description); err != nil {
		return domain.Task{}, err
	}
	if in.Status == "" {
		in.Status = domain.StatusPending
	} else if !in.Status.Valid() {
		return domain.Task{}, invalidStatus(in.Status)
	}
	if err := e.checkAssignee(ctx, in.AssigneeID); err != nil {
		return domain.Task{}, err
	}
	task, err := e.Tasks.CreateTask(ctx, in, p.UserID)
	if err != nil {
		return domain.Task{}, err
	}
	e.log().WithFields(logrus.Fields{"task_id": task.ID, "owner_id": p.UserID}).Info("task created")
	if task.AssigneeID != nil {
		e.notify(ctx, task.ID, domain.ActionAssigned)
	}
	return task, nil
}

// UpdateTask applies a partial update.
func (e Engine) UpdateTask(ctx context.Context, p auth.Principal, id int64, patch domain.TaskPatch) (domain.Task, error) {
	return e.update(ctx, p, id, patch, false)
}

// ReplaceTask applies a full update; title and description must be supplied.
func (e Engine) ReplaceTask(ctx context.Context, p auth.Principal, id int64, patch domain.TaskPatch) (domain.Task, error) {
	return e.update(ctx, p, id, patch, true)
}

func (e Engine) update(ctx context.Context, p auth.Principal, id int64, patch domain.TaskPatch, full bool) (domain.Task, error) {
	if err := requirePrincipal(p); err != nil {
		return domain.Task{}, err
	}
	current, err := e.Tasks.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := auth.RequireMutate(p, current, "update"); err != nil {
		return domain.Task{}, err
	}
	if full {
		if !patch.Title.IsSet() {
			return domain.Task{}, domain.ValidationError{Field: "title", Reason: "this field is required"}
		}
		if !patch.Description.IsSet() {
			return domain.Task{}, domain.ValidationError{Field: "description", Reason: "this field is required"}
		}
	}
	if patch, err = e.validatePatch(ctx, patch); err != nil {
		return domain.Task{}, err
	}

	prior := current.AssigneeID
	updated, err := e.Tasks.UpdateTask(ctx, id, patch, p.UserID)
	if err != nil {
		return domain.Task{}, err
	}
	e.log().WithFields(logrus.Fields{"task_id": id, "actor_id": p.UserID}).Info("task updated")
	e.notify(ctx, id, domain.ActionUpdated)
	if assigneeChanged(prior, updated.AssigneeID) {
		e.notify(ctx, id, domain.ActionAssigned)
	}
	return updated, nil
}

// assigneeChanged reports a move to a non-null assignee. A null prior counts as a change.
func assigneeChanged(prior, next *int64) bool {
	if next == nil {
		return false
	}
	return prior == nil || *prior != *next
}

// DeleteTask soft-deletes a task. No notification is sent.
func (e Engine) DeleteTask(ctx context.Context, p auth.Principal, id int64) error {
	if err := requirePrincipal(p); err != nil {
		return err
	}
	current, err := e.Tasks.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := auth.RequireMutate(p, current, "delete"); err != nil {
		return err
	}
	if err := e.Tasks.SoftDeleteTask(ctx, id, p.UserID); err != nil {
		return err
	}
	e.log().WithFields(logrus.Fields{"task_id": id, "actor_id": p.UserID}).Info("task deleted")
	return nil
}

// Profile is a user with the live tasks they own and are assigned.
type Profile struct {
	User     domain.User
	Owned    []domain.Task
	Assigned []domain.Task
}

func (e Engine) Me(ctx context.Context, p auth.Principal) (Profile, error) {
	if err := requirePrincipal(p); err != nil {
		return Profile{}, err
	}
	u, err := e.Users.GetUser(ctx, p.UserID)
	if errors.Is(err, repo.ErrNotFound) {
		return Profile{}, auth.ErrUnauthenticated
	}
	if err != nil {
		return Profile{}, err
	}
	owned, err := e.Tasks.ListTasks(ctx, repo.TaskFilters{OwnerID: &u.ID})
	if err != nil {
		return Profile{}, err
	}
	assigned, err := e.Tasks.ListTasks(ctx, repo.TaskFilters{AssigneeID: &u.ID})
	if err != nil {
		return Profile{}, err
	}
	return Profile{User: u, Owned: owned, Assigned: assigned}, nil
}

// notify enqueues a notification. The mutation has already committed, so
// failures are logged rather than returned.
func (e Engine) notify(ctx context.Context, taskID int64, action domain.Action) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.Notify(ctx, taskID, action); err != nil {
		e.log().WithError(err).WithFields(logrus.Fields{"task_id": taskID, "action": action}).Error("enqueue notification")
	}
}

func (e Engine) validatePatch(ctx context.Context, patch domain.TaskPatch) (domain.TaskPatch, error) {
	if len(patch.NullFields) > 0 {
		return patch, domain.ValidationError{Field: patch.NullFields[0], Reason: "this field may not be null"}
	}
	if v, ok := patch.Title.Get(); ok {
		clean, err := cleanTitle(v)
		if err != nil {
			return patch, err
		}
		patch.Title = domain.Some(clean)
	}
	if v, ok := patch.Description.Get(); ok {
		clean, err := cleanDescription(v)
		if err != nil {
			return patch, err
		}
		patch.Description = domain.Some(clean)
	}
	if v, ok := patch.Status.Get(); ok && !v.Valid() {
		return patch, invalidStatus(v)
	}
	if v, ok := patch.AssigneeID.Get(); ok {
		if err := e.checkAssignee(ctx, v); err != nil {
			return patch, err
		}
	}
	return patch, nil
}

func (e Engine) checkAssignee(ctx context.Context, id *int64) error {
	if id == nil {
		return nil
	}
	if _, err := e.Users.GetUser(ctx, *id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ValidationError{Field: "assignee", Reason: fmt.Sprintf("user %d does not exist", *id)}
		}
		return err
	}
	return nil
}

func cleanTitle(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", domain.ValidationError{Field: "title", Reason: "this field may not be blank"}
	}
	if utf8.RuneCountInString(s) > maxTitleLen {
		return "", domain.ValidationError{Field: "title", Reason: fmt.Sprintf("ensure this field has no more than %d characters", maxTitleLen)}
	}
	// Titles end up in mail subjects.
	if strings.ContainsAny(s, "\r\n") {
		return "", domain.ValidationError{Field: "title", Reason: "line breaks are not allowed"}
	}
	return s, nil
}

func cleanDescription(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", domain.ValidationError{Field: "description", Reason: "this field may not be blank"}
	}
	return s, nil
}

func invalidStatus(s domain.Status) error {
	return domain.ValidationError{Field: "status", Reason: fmt.Sprintf("%q is not a valid choice", string(s))}
}
