package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"taskmanager/internal/db"
	"taskmanager/internal/domain"
	"taskmanager/internal/engine"
	"taskmanager/internal/engine/auth"
	"taskmanager/internal/migrate"
	"taskmanager/internal/repo"
)

type sent struct {
	TaskID int64
	Action domain.Action
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, taskID int64, action domain.Action) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sent{TaskID: taskID, Action: action})
	return nil
}

func (n *recordingNotifier) actions() []domain.Action {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.Action, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.Action
	}
	return out
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	n.sent = nil
	n.mu.Unlock()
}

type testEnv struct {
	Engine   engine.Engine
	Repo     repo.Repo
	Notifier *recordingNotifier
	Ctx      context.Context
	Alice    auth.Principal
	Bob      auth.Principal
	Carol    auth.Principal
	Admin    auth.Principal
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	principal := func(name string, admin bool) auth.Principal {
		u, err := r.CreateUser(ctx, domain.User{Username: name, Email: name + "@example.com", PasswordHash: "x", IsAdmin: admin})
		if err != nil {
			t.Fatalf("create user %s: %v", name, err)
		}
		return auth.Principal{UserID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin}
	}
	n := &recordingNotifier{}
	log, _ := logtest.NewNullLogger()
	return testEnv{
		Engine:   engine.New(r, n, log),
		Repo:     r,
		Notifier: n,
		Ctx:      ctx,
		Alice:    principal("alice", false),
		Bob:      principal("bob", false),
		Carol:    principal("carol", false),
		Admin:    principal("admin", true),
	}
}

func ptr[T any](v T) *T { return &v }

func TestCreateTaskDefaultsAndOwner(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, env.Alice, domain.NewTask{Title: "Doc", Description: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Status != domain.StatusPending || task.OwnerID != env.Alice.UserID || task.Owner != "alice" {
		t.Fatalf("unexpected task %+v", task)
	}
	if got := env.Notifier.actions(); len(got) != 0 {
		t.Fatalf("expected no notification, got %v", got)
	}
}

func TestCreateTaskWithAssigneeNotifiesOnce(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, env.Alice, domain.NewTask{Title: "Doc", Description: "x", AssigneeID: &env.Bob.UserID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got := env.Notifier.sent
	if len(got) != 1 || got[0].Action != domain.ActionAssigned || got[0].TaskID != task.ID {
		t.Fatalf("expected one assigned notification, got %+v", got)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name  string
		in    domain.NewTask
		field string
	}{
		{"missing title", domain.NewTask{Description: "x"}, "title"},
		{"blank title", domain.NewTask{Title: "   ", Description: "x"}, "title"},
		{"long title", domain.NewTask{Title: strings.Repeat("a", 256), Description: "x"}, "title"},
		{"title with line break", domain.NewTask{Title: "x\r\nReply-To: a@example.com", Description: "x"}, "title"},
		{"missing description", domain.NewTask{Title: "t"}, "description"},
		{"bad status", domain.NewTask{Title: "t", Description: "x", Status: "archived"}, "status"},
		{"unknown assignee", domain.NewTask{Title: "t", Description: "x", AssigneeID: ptr(int64(999))}, "assignee"},
	}
	for _, tc := range cases {
		_, err := env.Engine.CreateTask(env.Ctx, env.Alice, tc.in)
		var ve domain.ValidationError
		if !errors.As(err, &ve) || ve.Field != tc.field {
			t.Fatalf("%s: expected validation error on %s, got %v", tc.name, tc.field, err)
		}
	}
	list, err := env.Engine.ListTasks(env.Ctx, env.Alice, repo.TaskFilters{})
	if err != nil || len(list) != 0 {
		t.Fatalf("expected nothing persisted, got %d (%v)", len(list), err)
	}
}

func TestTitleAtLimitAccepted(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, env.Alice, domain.NewTask{Title: strings.Repeat("é", 255), Description: "x"}); err != nil {
		t.Fatalf("expected 255-char title accepted: %v", err)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ListTasks(env.Ctx, auth.Principal{}, repo.TaskFilters{}); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, auth.Principal{}, domain.NewTask{Title: "t", Description: "x"}); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestUpdateNotifications(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, env.Alice, domain.NewTask{Title: "Doc", Description: "x"})
	if err != nil {
		t.Fatal(err)
	}

	// null -> bob: updated then assigned
	_, err = env.Engine.UpdateTask(env.Ctx, env.Admin, task.ID, domain.TaskPatch{AssigneeID: domain.Some(&env.Bob.UserID)})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	assertActions(t, env.Notifier.actions(), domain.ActionUpdated, domain.ActionAssigned)
	env.Notifier.reset()

	// unchanged assignee: updated only
	_, err = env.Engine.UpdateTask(env.Ctx, env.Alice, task.ID, domain.TaskPatch{Status: domain.Some(domain.StatusInProgress)})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	assertActions(t, env.Notifier.actions(), domain.ActionUpdated)
	env.Notifier.reset()

	// same assignee re-sent: still updated only
	_, err = env.Engine.UpdateTask(env.Ctx, env.Alice, task.ID, domain.TaskPatch{AssigneeID: domain.Some(ptr(env.Bob.UserID))})
	if err != nil {
		t.Fatal(err)
	}
	assertActions(t, env.Notifier.actions(), domain.ActionUpdated)
	env.Notifier.reset()

	// bob -> carol: updated then assigned
	_, err = env.Engine.UpdateTask(env.Ctx, env.Alice, task.ID, domain.TaskPatch{AssigneeID: domain.Some(&env.Carol.UserID)})
	if err != nil {
		t.Fatal(err)
	}
	assertActions(t, env.Notifier.actions(), domain.ActionUpdated, domain.ActionAssigned)
	env.Notifier.reset()

	// carol -> null: updated only
	_, err = env.Engine.UpdateTask(env.Ctx, env.Alice, task.ID, domain.TaskPatch{AssigneeID: domain.Some[*int64](nil)})
	if err != nil {
		t.Fatal(err)
	}
	assertActions(t, env.Notifier.actions(), domain.ActionUpdated)
}

func TestUpdateForbiddenLeavesTaskUnchanged(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, env.Alice, domain.NewTask{Title: "Doc", Description: "x"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.UpdateTask(env.Ctx, env.Carol, task.ID, domain.TaskPatch{Title: domain.Some("hijacked")})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	got, err := env.Engine.GetTask(env.Ctx, env.Carol, task.ID)
	if err != nil {
		t.Fatalf("non-owner read should succeed: %v", err)
	}
	if got.Title != "Doc" || !got.UpdatedAt.Equal(task.UpdatedAt) {
		t.Fatalf("task changed after forbidden update: %+v", got)
	}
	if n := len(env.Notifier.actions()); n != 0 {
		t.Fatalf("expected no notifications, got %d", n)
	}
}

func TestUpdateErrorPrecedence(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, env.Alice, domain.NewTask{Title: "Doc", Description: "x"})
	if err != nil {
		t.Fatal(err)
	}
	// missing task wins over everything
	if _, err := env.Engine.UpdateTask(env.Ctx, env.Carol, 4242, domain.TaskPatch{Title: domain.Some("")}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	// forbidden wins over validation
	_, err = env.Engine.UpdateTask(env.Ctx, env.Carol, task.ID, domain.TaskPatch{Title: domain.Some("")})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	_, err = env.Engine.UpdateTask(env.Ctx, env.Alice, task.ID, domain.TaskPatch{Title: domain.Some("")})
	var ve domain.ValidationError
	if !errors.As(err, &ve) || ve.Field != "title" {
		t.Fatalf("expected title validation error, got %v", err)
	}
}

func TestUpdateRejectsNullRequiredField(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, env.Alice, domain.NewTask{Title: "Doc", Description: "x"})
	if err != nil {
		t.Fatal(err)
	}
	patch := domain.TaskPatch{NullFields: []string{"status"}}
	_, err = env.Engine.UpdateTask(env.Ctx, env.Carol, task.ID, patch)
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden before null check, got %v", err)
	}
	_, err = env.Engine.UpdateTask(env.Ctx, env.Alice, task.ID, patch)
	var ve domain.ValidationError
	if !errors.As(err, &ve) || ve.Field != "status" || ve.Reason != "this field may not be null" {
		t.Fatalf("expected status null error, got %v", err)
	}
	got, err := env.Engine.GetTask(env.Ctx, env.Alice, task.ID)
	if err != nil || got.Status != domain.StatusPending {
		t.Fatalf("task changed: %+v (%v)", got, err)
	}
	if len(env.Notifier.sent) != 0 {
		t.Fatalf("expected no notifications, got %+v", env.Notifier.sent)
	}
}

func TestReplaceRequiresTitleAndDescription(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, env.Alice, domain.NewTask{Title: "Doc", Description: "x"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ReplaceTask(env.Ctx, env.Alice, task.ID, domain.TaskPatch{Title: domain.Some("New")})
	var ve domain.ValidationError
	if !errors.As(err, &ve) || ve.Field != "description" {
		t.Fatalf("expected description required, got %v", err)
	}
	got, err := env.Engine.ReplaceTask(env.Ctx, env.Alice, task.ID, domain.TaskPatch{
		Title:       domain.Some("New"),
		Description: domain.Some("y"),
		Status:      domain.Some(domain.StatusCompleted),
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got.Title != "New" || got.Description != "y" || got.Status != domain.StatusCompleted || got.OwnerID != env.Alice.UserID {
		t.Fatalf("unexpected replace result %+v", got)
	}
}

func TestDeleteLifecycle(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, env.Alice, domain.NewTask{Title: "Doc", Description: "x"})
	if err != nil {
		t.Fatal(err)
	}
	var fe auth.ForbiddenError
	if err := env.Engine.DeleteTask(env.Ctx, env.Bob, task.ID); !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, env.Alice, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := len(env.Notifier.actions()); n != 0 {
		t.Fatalf("delete must not notify, got %d", n)
	}
	for _, p := range []auth.Principal{env.Alice, env.Bob, env.Admin} {
		if _, err := env.Engine.GetTask(env.Ctx, p, task.ID); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("expected not found for %s, got %v", p.Username, err)
		}
	}
	if err := env.Engine.DeleteTask(env.Ctx, env.Alice, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, env.Admin, task.ID, domain.TaskPatch{Title: domain.Some("x")}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on update after delete, got %v", err)
	}
	list, err := env.Engine.ListTasks(env.Ctx, env.Bob, repo.TaskFilters{})
	if err != nil || len(list) != 0 {
		t.Fatalf("deleted task listed: %d %v", len(list), err)
	}
}

func TestAdminCanDeleteAnyTask(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, env.Alice, domain.NewTask{Title: "Doc", Description: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, env.Admin, task.ID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
}

func TestEnqueueFailureDoesNotFailMutation(t *testing.T) {
	env := newTestEnv(t)
	env.Notifier.err = errors.New("queue down")
	task, err := env.Engine.CreateTask(env.Ctx, env.Alice, domain.NewTask{Title: "Doc", Description: "x", AssigneeID: &env.Bob.UserID})
	if err != nil {
		t.Fatalf("create should succeed despite enqueue failure: %v", err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, env.Alice, task.ID, domain.TaskPatch{Title: domain.Some("Doc 2")}); err != nil {
		t.Fatalf("update should succeed despite enqueue failure: %v", err)
	}
}

func TestEnqueueFailureIsLogged(t *testing.T) {
	env := newTestEnv(t)
	log, hook := logtest.NewNullLogger()
	env.Engine.Log = log
	env.Notifier.err = errors.New("queue down")
	if _, err := env.Engine.CreateTask(env.Ctx, env.Alice, domain.NewTask{Title: "Doc", Description: "x", AssigneeID: &env.Bob.UserID}); err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Message == "enqueue notification" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected enqueue failure to be logged")
	}
}

func TestMeListsOwnedAndAssigned(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, env.Alice, domain.NewTask{Title: "mine", Description: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, env.Bob, domain.NewTask{Title: "for alice", Description: "x", AssigneeID: &env.Alice.UserID}); err != nil {
		t.Fatal(err)
	}
	gone, err := env.Engine.CreateTask(env.Ctx, env.Alice, domain.NewTask{Title: "gone", Description: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, env.Alice, gone.ID); err != nil {
		t.Fatal(err)
	}
	me, err := env.Engine.Me(env.Ctx, env.Alice)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if me.User.Username != "alice" || len(me.Owned) != 1 || len(me.Assigned) != 1 {
		t.Fatalf("unexpected profile: owned=%d assigned=%d", len(me.Owned), len(me.Assigned))
	}
	if me.Owned[0].Title != "mine" || me.Assigned[0].Title != "for alice" {
		t.Fatalf("unexpected profile tasks %+v", me)
	}
}

func assertActions(t *testing.T, got []domain.Action, want ...domain.Action) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
