package notify

import (
	"fmt"
	"time"

	"taskmanager/internal/domain"
	"taskmanager/internal/mail"
)

// DeliveryFault means a job could not resolve a deliverable recipient.
type DeliveryFault struct {
	TaskID int64
	Reason string
}

func (e DeliveryFault) Error() string {
	return fmt.Sprintf("task %d: %s", e.TaskID, e.Reason)
}

// Compose builds the email for a task event addressed to the given recipient.
func Compose(t domain.Task, action domain.Action, from, to string) mail.Message {
	msg := mail.Message{From: from, To: []string{to}}
	if action == domain.ActionReminder {
		due := "an unknown date"
		if t.DueDate != nil {
			due = t.DueDate.UTC().Format(time.RFC3339)
		}
		msg.Subject = fmt.Sprintf("Reminder: Task \"%s\" is due soon", t.Title)
		msg.Body = fmt.Sprintf("This is a reminder that the task \"%s\" is due on %s.", t.Title, due)
		return msg
	}
	msg.Subject = fmt.Sprintf("Task %s: %s", action, t.Title)
	msg.Body = fmt.Sprintf("Task \"%s\" has been %s.", t.Title, action)
	return msg
}
