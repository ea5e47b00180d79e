package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"retail-pos/internal/domain"
	"retail-pos/internal/repository"
)

const userColumns = `id, username, password, role, is_active, created_at, last_login`

type UserRepository struct {
	db Querier
}

func NewUserRepository(db Querier) repository.UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(ctx context.Context, user *domain.User) (int64, error) {
	if user.Role == "" {
		user.Role = domain.RoleUser
	}

	res, err := r.db.ExecContext(ctx, `
INSERT INTO users (username, password, role, is_active)
VALUES (?, ?, ?, ?)`,
		user.Username,
		user.Password,
		string(user.Role),
		user.IsActive,
	)
	if err != nil {
		if IsUniqueConstraintError(err) {
			return 0, fmt.Errorf("%w: %s", repository.ErrUserExists, user.Username)
		}
		return 0, fmt.Errorf("insert user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("user last insert id: %w", err)
	}
	user.ID = id
	return id, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+userColumns+`
FROM users
WHERE id = ?`,
		id,
	)
	return scanUser(row)
}

func (r *UserRepository) GetActiveByID(ctx context.Context, id int64) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+userColumns+`
FROM users
WHERE id = ? AND is_active = TRUE`,
		id,
	)
	return scanUser(row)
}

func (r *UserRepository) GetActiveByUsername(ctx context.Context, username string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+userColumns+`
FROM users
WHERE username = ? AND is_active = TRUE`,
		username,
	)
	return scanUser(row)
}

func (r *UserRepository) List(ctx context.Context) ([]domain.User, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+userColumns+`
FROM users
ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

func (r *UserRepository) CountAdmins(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE role = ?`, string(domain.RoleAdmin)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count admins: %w", err)
	}
	return n, nil
}

func (r *UserRepository) TouchLastLogin(ctx context.Context, id int64) error {
	return r.updateOne(ctx, "touch last login", `UPDATE users SET last_login = CURRENT_TIMESTAMP WHERE id = ?`, id)
}

func (r *UserRepository) UpdatePassword(ctx context.Context, id int64, password string) error {
	return r.updateOne(ctx, "update password", `UPDATE users SET password = ? WHERE id = ?`, password, id)
}

func (r *UserRepository) SetActive(ctx context.Context, id int64, active bool) error {
	return r.updateOne(ctx, "set user status", `UPDATE users SET is_active = ? WHERE id = ?`, active, id)
}

func (r *UserRepository) Delete(ctx context.Context, id int64) error {
	return r.updateOne(ctx, "delete user", `DELETE FROM users WHERE id = ?`, id)
}

func (r *UserRepository) updateOne(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if aff == 0 {
		return fmt.Errorf("%s: user %w", op, repository.ErrNotFound)
	}
	return nil
}

func scanUser(row interface {
	Scan(dest ...any) error
}) (*domain.User, error) {
	var (
		user      domain.User
		role      string
		lastLogin sql.NullString
		createdAt sql.NullString
	)
	if err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Password,
		&role,
		&user.IsActive,
		&createdAt,
		&lastLogin,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %w", repository.ErrNotFound)
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}

	user.Role = domain.Role(role)
	user.CreatedAt = createdAt.String
	if lastLogin.Valid {
		v := lastLogin.String
		user.LastLogin = &v
	}
	return &user, nil
}
