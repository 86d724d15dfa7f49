package auth

import (
	"context"
	"errors"
	"fmt"

	"taskmanager/internal/domain"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID   int64
	Username string
	IsAdmin  bool
}

var ErrUnauthenticated = errors.New("authentication required")

// ForbiddenError indicates the caller may not mutate the task.
type ForbiddenError struct {
	Action string
	TaskID int64
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("not permitted to %s task %d", e.Action, e.TaskID)
}

// CanMutate reports whether p may update or delete t: owners and administrators only.
func CanMutate(p Principal, t domain.Task) bool {
	return p.IsAdmin || (p.UserID != 0 && p.UserID == t.OwnerID)
}

// RequireMutate returns a ForbiddenError unless p may mutate t.
func RequireMutate(p Principal, t domain.Task, action string) error {
	if CanMutate(p, t) {
		return nil
	}
	return ForbiddenError{Action: action, TaskID: t.ID}
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok && p.UserID != 0
}
