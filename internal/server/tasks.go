package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"taskmanager/internal/domain"
	"taskmanager/internal/engine"
	"taskmanager/internal/engine/auth"
	"taskmanager/internal/repo"
)

type taskPathInput struct {
	ID string `path:"id"`
}

type taskOutput struct {
	Body TaskResponse `json:"body"`
}

type writeTaskInput struct {
	ID   string            `path:"id"`
	Body UpdateTaskRequest `json:"body"`
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Tags:        []string{"Tasks"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Owner    string `query:"owner" doc:"Owner user id"`
		Assignee string `query:"assignee" doc:"Assignee user id"`
		Status   string `query:"status" enum:"pending,in_progress,completed"`
		DueDate  string `query:"due_date" doc:"RFC3339 timestamp or YYYY-MM-DD"`
		Ordering string `query:"ordering" example:"-due_date,created_at"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var f repo.TaskFilters
		var err error
		if f.OwnerID, err = optionalID("owner", input.Owner); err != nil {
			return nil, err
		}
		if f.AssigneeID, err = optionalID("assignee", input.Assignee); err != nil {
			return nil, err
		}
		if input.Status != "" {
			f.Status = domain.Status(input.Status)
		}
		if raw := strings.TrimSpace(input.DueDate); raw != "" {
			if ts, perr := time.Parse(time.RFC3339, raw); perr == nil {
				f.DueDate = &ts
			} else if _, perr := time.Parse(time.DateOnly, raw); perr == nil {
				f.DueOn = raw
			} else {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "enter a valid date/time", map[string]any{"field": "due_date"})
			}
		}
		f.Ordering = repo.ParseOrdering(input.Ordering)
		items, err := e.ListTasks(ctx, p, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		Tags:          []string{"Tasks"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, p, domain.NewTask{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Status:      domain.Status(input.Body.Status),
			AssigneeID:  input.Body.Assignee,
			DueDate:     input.Body.DueDate,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Tags:        []string{"Tasks"},
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPathInput) (*taskOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, ok := parseTaskID(input.ID)
		if !ok {
			return nil, handleError(repo.ErrNotFound)
		}
		t, err := e.GetTask(ctx, p, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replace-task",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}",
		Summary:     "Replace task",
		Description: "Full update; title and description are required.",
		Tags:        []string{"Tasks"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *writeTaskInput) (*taskOutput, error) {
		return writeTask(ctx, input, e.ReplaceTask)
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
		Tags:        []string{"Tasks"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *writeTaskInput) (*taskOutput, error) {
		return writeTask(ctx, input, e.UpdateTask)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{id}",
		Summary:       "Delete task",
		Tags:          []string{"Tasks"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPathInput) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, ok := parseTaskID(input.ID)
		if !ok {
			return nil, handleError(repo.ErrNotFound)
		}
		if err := e.DeleteTask(ctx, p, id); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

type updateFunc func(context.Context, auth.Principal, int64, domain.TaskPatch) (domain.Task, error)

func writeTask(ctx context.Context, input *writeTaskInput, apply updateFunc) (*taskOutput, error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return nil, authErr
	}
	id, ok := parseTaskID(input.ID)
	if !ok {
		return nil, handleError(repo.ErrNotFound)
	}
	t, err := apply(ctx, p, id, taskPatch(ctx, input.Body))
	if err != nil {
		return nil, handleError(err)
	}
	return &taskOutput{Body: taskResponse(t)}, nil
}

// taskPatch builds a patch from the request, treating explicit JSON nulls on
// assignee and due_date as "clear". Nulls on the other fields are recorded
// so the engine can reject them.
func taskPatch(ctx context.Context, body UpdateTaskRequest) domain.TaskPatch {
	raw := rawBodyMap(ctx)
	var patch domain.TaskPatch
	for _, field := range []string{"title", "description", "status"} {
		if isNullRaw(raw[field]) {
			patch.NullFields = append(patch.NullFields, field)
		}
	}
	if body.Title != nil {
		patch.Title = domain.Some(*body.Title)
	}
	if body.Description != nil {
		patch.Description = domain.Some(*body.Description)
	}
	if body.Status != nil {
		patch.Status = domain.Some(domain.Status(*body.Status))
	}
	if body.Assignee != nil || isNullRaw(raw["assignee"]) {
		patch.AssigneeID = domain.Some(body.Assignee)
	}
	if body.DueDate != nil || isNullRaw(raw["due_date"]) {
		patch.DueDate = domain.Some(body.DueDate)
	}
	return patch
}

func parseTaskID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	return id, err == nil && id > 0
}

func optionalID(field, raw string) (*int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", "select a valid choice", map[string]any{"field": field})
	}
	return &id, nil
}
