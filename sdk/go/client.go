package taskmanagersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Client is a minimal task API client. Login stores the token pair on the
// client; later calls send the access token as a bearer credential.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration

	mu      sync.Mutex
	access  string
	refresh string
}

// New creates a client for an API rooted at baseURL, e.g. http://localhost:8000/api/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Task struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Owner       string     `json:"owner"`
	Assignee    *int64     `json:"assignee"`
	DueDate     *time.Time `json:"due_date"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TaskInput is the body of create and full-update requests.
type TaskInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      string     `json:"status,omitempty"`
	Assignee    *int64     `json:"assignee,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

type Profile struct {
	ID            int64  `json:"id"`
	Username      string `json:"username"`
	Email         string `json:"email"`
	IsAdmin       bool   `json:"is_admin"`
	OwnedTasks    []Task `json:"owned_tasks"`
	AssignedTasks []Task `json:"assigned_tasks"`
}

// ListOptions filters a task listing. Zero values are omitted.
type ListOptions struct {
	Owner    int64
	Assignee int64
	Status   string
	DueDate  string
	Ordering string
}

func (o ListOptions) query() string {
	q := url.Values{}
	if o.Owner > 0 {
		q.Set("owner", fmt.Sprint(o.Owner))
	}
	if o.Assignee > 0 {
		q.Set("assignee", fmt.Sprint(o.Assignee))
	}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.DueDate != "" {
		q.Set("due_date", o.DueDate)
	}
	if o.Ordering != "" {
		q.Set("ordering", o.Ordering)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, username, email, password string) error {
	body := map[string]any{"username": username, "email": email, "password": password}
	return c.do(ctx, http.MethodPost, "register", body, nil)
}

// Login obtains and stores a token pair.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var resp struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	body := map[string]any{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "login", body, &resp); err != nil {
		return err
	}
	c.mu.Lock()
	c.access, c.refresh = resp.Access, resp.Refresh
	c.mu.Unlock()
	return nil
}

// Refresh exchanges the stored refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context) error {
	var resp struct {
		Access string `json:"access"`
	}
	body := map[string]any{"refresh": c.tokens().refresh}
	if err := c.do(ctx, http.MethodPost, "token/refresh", body, &resp); err != nil {
		return err
	}
	c.mu.Lock()
	c.access = resp.Access
	c.mu.Unlock()
	return nil
}

// Logout blacklists the stored refresh token and forgets both tokens.
func (c *Client) Logout(ctx context.Context) error {
	body := map[string]any{"refresh": c.tokens().refresh}
	if err := c.do(ctx, http.MethodPost, "logout", body, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.access, c.refresh = "", ""
	c.mu.Unlock()
	return nil
}

func (c *Client) Me(ctx context.Context) (Profile, error) {
	var resp Profile
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

func (c *Client) ListTasks(ctx context.Context, opts ListOptions) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "tasks"+opts.query(), nil, &resp)
	return resp, err
}

func (c *Client) CreateTask(ctx context.Context, in TaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(id), nil, &resp)
	return resp, err
}

// ReplaceTask performs a full update (PUT).
func (c *Client) ReplaceTask(ctx context.Context, id int64, in TaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPut, taskPath(id), in, &resp)
	return resp, err
}

// UpdateTask performs a partial update (PATCH). A nil map value clears the field.
func (c *Client) UpdateTask(ctx context.Context, id int64, fields map[string]any) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, taskPath(id), fields, &resp)
	return resp, err
}

func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, taskPath(id), nil, nil)
}

func taskPath(id int64) string {
	return fmt.Sprintf("tasks/%d", id)
}

type tokenPair struct{ access, refresh string }

func (c *Client) tokens() tokenPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return tokenPair{c.access, c.refresh}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if access := c.tokens().access; access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
