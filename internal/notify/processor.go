package notify

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"taskmanager/internal/domain"
	"taskmanager/internal/mail"
	"taskmanager/internal/repo"
)

type TaskReader interface {
	GetTaskUnscoped(ctx context.Context, id int64) (domain.Task, error)
}

type UserReader interface {
	GetUser(ctx context.Context, id int64) (domain.User, error)
}

// Processor delivers a single job. The task and its assignee are read when
// the job runs, not when it was enqueued.
type Processor struct {
	Tasks  TaskReader
	Users  UserReader
	Sender mail.Sender
	From   string
	Log    logrus.FieldLogger
}

func (p Processor) log() logrus.FieldLogger {
	if p.Log != nil {
		return p.Log
	}
	return logrus.StandardLogger()
}

func (p Processor) Process(ctx context.Context, job domain.Job) error {
	task, err := p.Tasks.GetTaskUnscoped(ctx, job.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		return DeliveryFault{TaskID: job.TaskID, Reason: "task not found"}
	}
	if err != nil {
		return err
	}
	if task.AssigneeID == nil {
		return DeliveryFault{TaskID: task.ID, Reason: "task has no assignee"}
	}
	assignee, err := p.Users.GetUser(ctx, *task.AssigneeID)
	if errors.Is(err, repo.ErrNotFound) {
		return DeliveryFault{TaskID: task.ID, Reason: "assignee not found"}
	}
	if err != nil {
		return err
	}
	if strings.TrimSpace(assignee.Email) == "" {
		return DeliveryFault{TaskID: task.ID, Reason: "assignee has no email address"}
	}
	msg := Compose(task, job.Action, p.From, assignee.Email)
	if err := p.Sender.Send(ctx, msg); err != nil {
		return err
	}
	p.log().WithFields(logrus.Fields{
		"job_id":  job.ID,
		"task_id": task.ID,
		"action":  job.Action,
		"to":      assignee.Email,
	}).Info("notification sent")
	return nil
}

func failureReason(err error) string {
	var fault DeliveryFault
	if errors.As(err, &fault) {
		return "delivery_fault"
	}
	return "send_error"
}
