package taskmanagersdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmanager/internal/app"
	"taskmanager/internal/config"
	"taskmanager/internal/server"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "sdk.db")
	cfg.Auth.BcryptCost = 4
	log, _ := logtest.NewNullLogger()
	a, err := app.Open(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	handler, err := server.New(server.Config{Engine: a.Engine, Identity: a.Identity, BasePath: "/api/v1", Log: log})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL + "/api/v1")
}

func TestClientLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	require.NoError(t, c.Register(ctx, "alice", "alice@example.com", "pw-123456"))
	require.NoError(t, c.Login(ctx, "alice", "pw-123456"))

	task, err := c.CreateTask(ctx, TaskInput{Title: "Write docs", Description: "SDK"})
	require.NoError(t, err)
	assert.Equal(t, "pending", task.Status)
	assert.Equal(t, "alice", task.Owner)

	task, err = c.UpdateTask(ctx, task.ID, map[string]any{"status": "in_progress"})
	require.NoError(t, err)
	assert.Equal(t, "in_progress", task.Status)

	task, err = c.ReplaceTask(ctx, task.ID, TaskInput{Title: "Write docs", Description: "SDK v2", Status: "completed"})
	require.NoError(t, err)
	assert.Equal(t, "SDK v2", task.Description)

	items, err := c.ListTasks(ctx, ListOptions{Status: "completed"})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	me, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Len(t, me.OwnedTasks, 1)
	assert.Empty(t, me.AssignedTasks)

	require.NoError(t, c.DeleteTask(ctx, task.ID))
	_, err = c.GetTask(ctx, task.ID)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)

	require.NoError(t, c.Refresh(ctx))
	require.NoError(t, c.Logout(ctx))
	_, err = c.ListTasks(ctx, ListOptions{})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestListOptionsQuery(t *testing.T) {
	assert.Equal(t, "", ListOptions{}.query())
	assert.Equal(t, "?assignee=3&ordering=-due_date&owner=2", ListOptions{Owner: 2, Assignee: 3, Ordering: "-due_date"}.query())
}
