package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskmanager/internal/domain"
	"taskmanager/internal/events"
)

type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var ErrNotFound = errors.New("not found")

// timeLayout keeps a fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func New(db *sql.DB) Repo {
	return Repo{DB: db, Now: time.Now}
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r Repo) events() events.Writer {
	if r.Events.Now == nil {
		return events.Writer{Now: r.now}
	}
	return r.Events
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const taskColumns = `t.id,t.title,t.description,t.status,t.owner_id,u.username,t.assignee_id,t.due_date,t.created_at,t.updated_at,t.is_deleted,t.deleted_at`

const taskFrom = ` FROM tasks t JOIN users u ON u.id=t.owner_id `

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var status, createdAt, updatedAt string
	var assignee sql.NullInt64
	var due, deletedAt sql.NullString
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &t.OwnerID, &t.Owner, &assignee, &due, &createdAt, &updatedAt, &t.IsDeleted, &deletedAt); err != nil {
		return t, err
	}
	t.Status = domain.Status(status)
	if assignee.Valid {
		id := assignee.Int64
		t.AssigneeID = &id
	}
	var err error
	if due.Valid {
		d, err := parseTime(due.String)
		if err != nil {
			return t, err
		}
		t.DueDate = &d
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return t, err
	}
	if deletedAt.Valid {
		d, err := parseTime(deletedAt.String)
		if err != nil {
			return t, err
		}
		t.DeletedAt = &d
	}
	return t, nil
}

func getTask(ctx context.Context, q queryRower, id int64, includeDeleted bool) (domain.Task, error) {
	query := `SELECT ` + taskColumns + taskFrom + `WHERE t.id=?`
	if !includeDeleted {
		query += ` AND t.is_deleted=0`
	}
	t, err := scanTask(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// GetTask returns a task that has not been soft-deleted.
func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return getTask(ctx, r.DB, id, false)
}

// GetTaskUnscoped returns a task regardless of its deletion state.
// It backs background jobs only; client-facing reads go through GetTask.
func (r Repo) GetTaskUnscoped(ctx context.Context, id int64) (domain.Task, error) {
	return getTask(ctx, r.DB, id, true)
}

// CreateTask inserts a task owned by ownerID, stamping created_at and updated_at.
func (r Repo) CreateTask(ctx context.Context, in domain.NewTask, ownerID int64) (domain.Task, error) {
	status := in.Status
	if status == "" {
		status = domain.StatusPending
	}
	now := formatTime(r.now())
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(title,description,status,owner_id,assignee_id,due_date,created_at,updated_at,is_deleted) VALUES (?,?,?,?,?,?,?,?,0)`,
		in.Title, in.Description, string(status), ownerID, nullableID(in.AssigneeID), nullableTime(in.DueDate), now, now)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Task{}, err
	}
	if err := r.events().Append(ctx, tx, events.TaskCreated, "task", fmt.Sprint(id), ownerID, events.Payload{
		"title":       in.Title,
		"status":      status,
		"assignee_id": in.AssigneeID,
	}); err != nil {
		return domain.Task{}, err
	}
	t, err := getTask(ctx, tx, id, false)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// UpdateTask merges the set fields of patch onto a live task and refreshes updated_at.
func (r Repo) UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch, actorID int64) (domain.Task, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	current, err := getTask(ctx, tx, id, false)
	if err != nil {
		return domain.Task{}, err
	}
	next := patch.Apply(current)
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?,description=?,status=?,assignee_id=?,due_date=?,updated_at=? WHERE id=? AND is_deleted=0`,
		next.Title, next.Description, string(next.Status), nullableID(next.AssigneeID), nullableTime(next.DueDate), formatTime(r.now()), id)
	if err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Task{}, ErrNotFound
	}
	if err := r.events().Append(ctx, tx, events.TaskUpdated, "task", fmt.Sprint(id), actorID, events.Payload{
		"fields": patchFields(patch),
	}); err != nil {
		return domain.Task{}, err
	}
	updated, err := getTask(ctx, tx, id, false)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return updated, nil
}

func patchFields(p domain.TaskPatch) []string {
	fields := []string{}
	if p.Title.IsSet() {
		fields = append(fields, "title")
	}
	if p.Description.IsSet() {
		fields = append(fields, "description")
	}
	if p.Status.IsSet() {
		fields = append(fields, "status")
	}
	if p.AssigneeID.IsSet() {
		fields = append(fields, "assignee")
	}
	if p.DueDate.IsSet() {
		fields = append(fields, "due_date")
	}
	return fields
}

// SoftDeleteTask flags a live task as deleted. Deleting an already-deleted task
// returns ErrNotFound and leaves the row untouched.
func (r Repo) SoftDeleteTask(ctx context.Context, id int64, actorID int64) error {
	now := formatTime(r.now())
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET is_deleted=1, deleted_at=?, updated_at=? WHERE id=? AND is_deleted=0`, now, now, id)
	if err != nil {
		return fmt.Errorf("soft delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := r.events().Append(ctx, tx, events.TaskDeleted, "task", fmt.Sprint(id), actorID, events.Payload{"deleted_at": now}); err != nil {
		return err
	}
	return tx.Commit()
}

// OrderField is one term of a task ordering.
type OrderField struct {
	Field string
	Desc  bool
}

var orderColumns = map[string]string{
	"due_date":   "t.due_date",
	"created_at": "t.created_at",
	"updated_at": "t.updated_at",
}

// ParseOrdering reads a comma-separated ordering such as "-due_date,created_at".
// Unknown fields are dropped.
func ParseOrdering(raw string) []OrderField {
	var out []OrderField
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		desc := strings.HasPrefix(part, "-")
		name := strings.TrimPrefix(part, "-")
		if _, ok := orderColumns[name]; !ok {
			continue
		}
		out = append(out, OrderField{Field: name, Desc: desc})
	}
	return out
}

type TaskFilters struct {
	OwnerID    *int64
	AssigneeID *int64
	Status     domain.Status
	// DueDate matches an exact timestamp; DueOn matches a calendar day (YYYY-MM-DD, UTC).
	DueDate  *time.Time
	DueOn    string
	Ordering []OrderField
}

// ListTasks returns live tasks matching f, newest first unless f.Ordering says otherwise.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"t.is_deleted=0"}
	var args []any
	if f.OwnerID != nil {
		clauses = append(clauses, "t.owner_id=?")
		args = append(args, *f.OwnerID)
	}
	if f.AssigneeID != nil {
		clauses = append(clauses, "t.assignee_id=?")
		args = append(args, *f.AssigneeID)
	}
	if f.Status != "" {
		clauses = append(clauses, "t.status=?")
		args = append(args, string(f.Status))
	}
	if f.DueDate != nil {
		clauses = append(clauses, "t.due_date=?")
		args = append(args, formatTime(*f.DueDate))
	}
	if f.DueOn != "" {
		clauses = append(clauses, "substr(t.due_date,1,10)=?")
		args = append(args, f.DueOn)
	}
	query := `SELECT ` + taskColumns + taskFrom + `WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY ` + orderBy(f.Ordering)
	return r.queryTasks(ctx, query, args...)
}

func orderBy(fields []OrderField) string {
	if len(fields) == 0 {
		return "t.created_at DESC, t.id DESC"
	}
	terms := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		dir := "ASC"
		if f.Desc {
			dir = "DESC"
		}
		terms = append(terms, orderColumns[f.Field]+" "+dir)
	}
	return strings.Join(append(terms, "t.id DESC"), ", ")
}

// ListDueTasks returns live pending tasks whose due date falls within [from, to].
func (r Repo) ListDueTasks(ctx context.Context, from, to time.Time) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + taskFrom + `WHERE t.is_deleted=0 AND t.status=? AND t.due_date IS NOT NULL AND t.due_date>=? AND t.due_date<=? ORDER BY t.due_date ASC, t.id ASC`
	return r.queryTasks(ctx, query, string(domain.StatusPending), formatTime(from), formatTime(to))
}

func (r Repo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}
