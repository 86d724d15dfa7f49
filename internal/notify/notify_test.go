package notify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmanager/internal/db"
	"taskmanager/internal/domain"
	"taskmanager/internal/mail"
	"taskmanager/internal/migrate"
	"taskmanager/internal/repo"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []mail.Message
	err  error
}

func (s *captureSender) Send(_ context.Context, msg mail.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *captureSender) sent() []mail.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mail.Message(nil), s.msgs...)
}

type fixture struct {
	ctx    context.Context
	repo   repo.Repo
	queue  SQLQueue
	sender *captureSender
	pool   *Pool
	disp   Dispatcher
	owner  domain.User
	bob    domain.User
	carol  domain.User
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "notify.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	r := repo.New(conn)
	mk := func(name string) domain.User {
		u, err := r.CreateUser(ctx, domain.User{Username: name, Email: name + "@example.com", PasswordHash: "x"})
		require.NoError(t, err)
		return u
	}
	log, _ := logtest.NewNullLogger()
	sender := &captureSender{}
	q := SQLQueue{Repo: r}
	proc := Processor{Tasks: r, Users: r, Sender: sender, From: "noreply@example.com", Log: log}
	return fixture{
		ctx:    ctx,
		repo:   r,
		queue:  q,
		sender: sender,
		pool:   NewPool(PoolConfig{Workers: 1, PollInterval: 10 * time.Millisecond}, q, proc, log),
		disp:   NewDispatcher(q),
		owner:  mk("alice"),
		bob:    mk("bob"),
		carol:  mk("carol"),
	}
}

func (f fixture) task(t *testing.T, title string, assignee *int64) domain.Task {
	t.Helper()
	task, err := f.repo.CreateTask(f.ctx, domain.NewTask{Title: title, Description: "x", AssigneeID: assignee}, f.owner.ID)
	require.NoError(t, err)
	return task
}

func TestComposeTemplates(t *testing.T) {
	due := time.Date(2024, 3, 1, 17, 0, 0, 0, time.UTC)
	task := domain.Task{Title: "Doc", DueDate: &due}

	msg := Compose(task, domain.ActionAssigned, "from@example.com", "bob@example.com")
	assert.Equal(t, "Task assigned: Doc", msg.Subject)
	assert.Equal(t, `Task "Doc" has been assigned.`, msg.Body)
	assert.Equal(t, []string{"bob@example.com"}, msg.To)
	assert.Equal(t, "from@example.com", msg.From)

	msg = Compose(task, domain.ActionUpdated, "", "bob@example.com")
	assert.Equal(t, "Task updated: Doc", msg.Subject)
	assert.Equal(t, `Task "Doc" has been updated.`, msg.Body)

	msg = Compose(task, domain.ActionReminder, "", "bob@example.com")
	assert.Equal(t, `Reminder: Task "Doc" is due soon`, msg.Subject)
	assert.Equal(t, `This is a reminder that the task "Doc" is due on 2024-03-01T17:00:00Z.`, msg.Body)
}

func TestDispatchAndDrain(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, "Doc", &f.bob.ID)
	require.NoError(t, f.disp.Notify(f.ctx, task.ID, domain.ActionAssigned))

	n, err := f.pool.Drain(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sent := f.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"bob@example.com"}, sent[0].To)
	assert.Equal(t, "Task assigned: Doc", sent[0].Subject)

	done, err := f.repo.ListNotificationJobs(f.ctx, domain.JobDone, 0)
	require.NoError(t, err)
	assert.Len(t, done, 1)
}

func TestAssigneeResolvedAtExecution(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, "Doc", &f.bob.ID)
	require.NoError(t, f.disp.Notify(f.ctx, task.ID, domain.ActionAssigned))

	// reassign before the worker runs
	_, err := f.repo.UpdateTask(f.ctx, task.ID, domain.TaskPatch{AssigneeID: domain.Some(&f.carol.ID)}, f.owner.ID)
	require.NoError(t, err)

	_, err = f.pool.Drain(f.ctx)
	require.NoError(t, err)
	sent := f.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"carol@example.com"}, sent[0].To)
}

func TestNullAssigneeIsDeliveryFault(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, "Doc", nil)
	require.NoError(t, f.disp.Notify(f.ctx, task.ID, domain.ActionUpdated))

	_, err := f.pool.Drain(f.ctx)
	require.NoError(t, err, "job faults must not surface from Drain")
	assert.Empty(t, f.sender.sent())

	failed, err := f.repo.ListNotificationJobs(f.ctx, domain.JobFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, "no assignee")

	proc := Processor{Tasks: f.repo, Users: f.repo, Sender: f.sender}
	err = proc.Process(f.ctx, domain.Job{TaskID: task.ID, Action: domain.ActionUpdated})
	var fault DeliveryFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, task.ID, fault.TaskID)
}

func TestSenderErrorFailsJob(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("smtp down")
	task := f.task(t, "Doc", &f.bob.ID)
	require.NoError(t, f.disp.Notify(f.ctx, task.ID, domain.ActionUpdated))

	_, err := f.pool.Drain(f.ctx)
	require.NoError(t, err)
	failed, err := f.repo.ListNotificationJobs(f.ctx, domain.JobFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "smtp down", failed[0].Error)
}

func TestDeletedTaskStillResolvable(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, "Doc", &f.bob.ID)
	require.NoError(t, f.disp.Notify(f.ctx, task.ID, domain.ActionUpdated))
	require.NoError(t, f.repo.SoftDeleteTask(f.ctx, task.ID, f.owner.ID))

	_, err := f.pool.Drain(f.ctx)
	require.NoError(t, err)
	assert.Len(t, f.sender.sent(), 1)
}

func TestPoolStartStop(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, "Doc", &f.bob.ID)
	require.NoError(t, f.pool.Start(f.ctx))
	assert.Error(t, f.pool.Start(f.ctx), "second start")

	require.NoError(t, f.disp.Notify(f.ctx, task.ID, domain.ActionAssigned))
	require.Eventually(t, func() bool { return len(f.sender.sent()) == 1 }, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.pool.Stop(stopCtx))
	require.NoError(t, f.pool.Stop(stopCtx), "stop is idempotent")
}

type slowSender struct {
	started chan struct{}
	delay   time.Duration
	once    sync.Once
}

func (s *slowSender) Send(ctx context.Context, _ mail.Message) error {
	s.once.Do(func() { close(s.started) })
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestStopCompletesClaimedJob(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, "Doc", &f.bob.ID)
	require.NoError(t, f.disp.Notify(f.ctx, task.ID, domain.ActionAssigned))

	log, _ := logtest.NewNullLogger()
	sender := &slowSender{started: make(chan struct{}), delay: 200 * time.Millisecond}
	proc := Processor{Tasks: f.repo, Users: f.repo, Sender: sender, From: "noreply@example.com", Log: log}
	pool := NewPool(PoolConfig{Workers: 1, PollInterval: 10 * time.Millisecond}, f.queue, proc, log)

	runCtx, cancelRun := context.WithCancel(f.ctx)
	require.NoError(t, pool.Start(runCtx))
	select {
	case <-sender.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job was never picked up")
	}
	cancelRun()

	stopCtx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(stopCtx))

	done, err := f.repo.ListNotificationJobs(f.ctx, domain.JobDone, 0)
	require.NoError(t, err)
	assert.Len(t, done, 1)
	running, err := f.repo.ListNotificationJobs(f.ctx, domain.JobRunning, 0)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestRemindersRunOnce(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	soon := now.Add(3 * time.Hour)
	later := now.Add(72 * time.Hour)
	due, err := f.repo.CreateTask(f.ctx, domain.NewTask{Title: "Soon", Description: "x", DueDate: &soon, AssigneeID: &f.bob.ID}, f.owner.ID)
	require.NoError(t, err)
	_, err = f.repo.CreateTask(f.ctx, domain.NewTask{Title: "Later", Description: "x", DueDate: &later, AssigneeID: &f.bob.ID}, f.owner.ID)
	require.NoError(t, err)
	_, err = f.repo.CreateTask(f.ctx, domain.NewTask{Title: "Done", Description: "x", DueDate: &soon, Status: domain.StatusCompleted}, f.owner.ID)
	require.NoError(t, err)

	log, _ := logtest.NewNullLogger()
	r := Reminders{Tasks: f.repo, Notifier: f.disp, Window: 24 * time.Hour, Now: func() time.Time { return now }, Log: log}
	n, err := r.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.pool.Drain(f.ctx)
	require.NoError(t, err)
	sent := f.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, `Reminder: Task "Soon" is due soon`, sent[0].Subject)
	assert.Contains(t, sent[0].Body, due.DueDate.Format(time.RFC3339))
}

func TestRedisQueue(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	q := NewRedisQueue(client, "taskmanager:test:"+time.Now().Format("150405.000000"), 100*time.Millisecond)
	defer client.Del(ctx, q.Key, q.FailedKey())

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	for _, id := range []string{"a", "b"} {
		require.NoError(t, q.Enqueue(ctx, domain.Job{ID: id, TaskID: 1, Action: domain.ActionUpdated}))
	}
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", first.ID, "FIFO order")
	require.NoError(t, q.Finish(ctx, first, errors.New("boom")))

	failed, err := client.LLen(ctx, q.FailedKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)
}
