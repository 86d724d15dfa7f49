package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskmanager/internal/domain"
	"taskmanager/internal/events"
)

var (
	ErrUsernameTaken = errors.New("username already taken")
	ErrEmailTaken    = errors.New("email already registered")
)

const userColumns = `id, username, email, password_hash, is_admin, created_at`

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var createdAt string
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsAdmin, &createdAt); err != nil {
		return u, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return u, err
	}
	u.CreatedAt = t
	return u, nil
}

// CreateUser inserts a user. PasswordHash must already be hashed.
func (r Repo) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.Username == "" {
		return domain.User{}, errors.New("username required")
	}
	if u.PasswordHash == "" {
		return domain.User{}, errors.New("password_hash required")
	}
	u.CreatedAt = r.now()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO users(username, email, password_hash, is_admin, created_at) VALUES (?,?,?,?,?)`,
		u.Username, u.Email, u.PasswordHash, u.IsAdmin, formatTime(u.CreatedAt))
	if err != nil {
		return domain.User{}, uniqueViolation(err)
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return domain.User{}, err
	}
	if err := r.events().Append(ctx, tx, events.UserCreated, "user", fmt.Sprint(u.ID), u.ID, events.Payload{
		"username": u.Username,
		"is_admin": u.IsAdmin,
	}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func uniqueViolation(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed: users.username"):
		return ErrUsernameTaken
	case strings.Contains(msg, "UNIQUE constraint failed: users.email"):
		return ErrEmailTaken
	}
	return fmt.Errorf("insert user: %w", err)
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=?`, username))
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// UsernameExists and EmailExists back registration checks; the unique
// indexes still catch concurrent inserts.
func (r Repo) UsernameExists(ctx context.Context, username string) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM users WHERE username=? LIMIT 1`, username)
}

func (r Repo) EmailExists(ctx context.Context, email string) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM users WHERE email=? COLLATE NOCASE LIMIT 1`, email)
}

func (r Repo) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetAdmin grants or revokes administrative privilege.
func (r Repo) SetAdmin(ctx context.Context, username string, admin bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET is_admin=? WHERE username=?`, admin, username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
