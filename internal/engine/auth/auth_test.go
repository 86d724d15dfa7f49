package auth

import (
	"context"
	"errors"
	"testing"

	"taskmanager/internal/domain"
)

func TestCanMutate(t *testing.T) {
	task := domain.Task{ID: 7, OwnerID: 1}
	cases := []struct {
		name string
		p    Principal
		want bool
	}{
		{"owner", Principal{UserID: 1}, true},
		{"admin", Principal{UserID: 9, IsAdmin: true}, true},
		{"stranger", Principal{UserID: 2}, false},
		{"anonymous", Principal{}, false},
	}
	for _, tc := range cases {
		if got := CanMutate(tc.p, task); got != tc.want {
			t.Fatalf("%s: CanMutate=%v want %v", tc.name, got, tc.want)
		}
	}
	err := RequireMutate(Principal{UserID: 2}, task, "delete")
	var fe ForbiddenError
	if !errors.As(err, &fe) || fe.TaskID != 7 || fe.Action != "delete" {
		t.Fatalf("expected forbidden error, got %v", err)
	}
}

func TestPrincipalContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("expected no principal")
	}
	ctx := WithPrincipal(context.Background(), Principal{UserID: 3, Username: "carol"})
	p, ok := FromContext(ctx)
	if !ok || p.Username != "carol" {
		t.Fatalf("unexpected principal %+v", p)
	}
}
