package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/argus-sec/argus/internal/model"
)

// CreateUser inserts an operator account. Usernames are unique.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, hashed_password, role, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Username, u.Email, u.HashedPassword, u.Role, u.IsActive)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.Username, err)
	}
	return nil
}

// GetUserByUsername returns an account, or nil when absent.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, username, email, hashed_password, role, is_active
		FROM users WHERE username = $1`, username)

	var u model.User
	err := row.Scan(&u.ID, &u.CreatedAt, &u.Username, &u.Email, &u.HashedPassword, &u.Role, &u.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", username, err)
	}
	return &u, nil
}

// ListUsers returns all accounts ordered by creation.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, username, email, hashed_password, role, is_active
		FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.CreatedAt, &u.Username, &u.Email, &u.HashedPassword, &u.Role, &u.IsActive); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CountUsers reports how many accounts exist, used to decide whether to
// seed the first admin.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}
