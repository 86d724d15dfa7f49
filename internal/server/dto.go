package server

import (
	"time"

	"taskmanager/internal/domain"
	"taskmanager/internal/engine"
)

// Request payloads

type CreateTaskRequest struct {
	Title       string     `json:"title" maxLength:"255" example:"Write release notes"`
	Description string     `json:"description" example:"Summarise the changes since v1.2"`
	Status      string     `json:"status,omitempty" enum:"pending,in_progress,completed"`
	Assignee    *int64     `json:"assignee,omitempty" nullable:"true"`
	DueDate     *time.Time `json:"due_date,omitempty" nullable:"true"`
}

// UpdateTaskRequest serves both PUT and PATCH. Explicit nulls are read from
// the raw body, since a nil pointer cannot tell "absent" from "null".
type UpdateTaskRequest struct {
	Title       *string    `json:"title,omitempty" maxLength:"255"`
	Description *string    `json:"description,omitempty"`
	Status      *string    `json:"status,omitempty" enum:"pending,in_progress,completed"`
	Assignee    *int64     `json:"assignee,omitempty" nullable:"true"`
	DueDate     *time.Time `json:"due_date,omitempty" nullable:"true"`
}

type RegisterRequest struct {
	Username string `json:"username" example:"alice"`
	Email    string `json:"email" example:"alice@example.com"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

// Response payloads

type TaskResponse struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      string     `json:"status" enum:"pending,in_progress,completed"`
	Owner       string     `json:"owner" doc:"Owner username"`
	Assignee    *int64     `json:"assignee" nullable:"true"`
	DueDate     *time.Time `json:"due_date" nullable:"true"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type RegisterResponse struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type TokenPairResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type AccessTokenResponse struct {
	Access string `json:"access"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type MeResponse struct {
	ID            int64          `json:"id"`
	Username      string         `json:"username"`
	Email         string         `json:"email"`
	IsAdmin       bool           `json:"is_admin"`
	OwnedTasks    []TaskResponse `json:"owned_tasks"`
	AssignedTasks []TaskResponse `json:"assigned_tasks"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Owner:       t.Owner,
		Assignee:    t.AssigneeID,
		DueDate:     t.DueDate,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func meResponse(p engine.Profile) MeResponse {
	return MeResponse{
		ID:            p.User.ID,
		Username:      p.User.Username,
		Email:         p.User.Email,
		IsAdmin:       p.User.IsAdmin,
		OwnedTasks:    mapTasks(p.Owned),
		AssignedTasks: mapTasks(p.Assigned),
	}
}
