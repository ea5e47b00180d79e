package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"retail-pos/internal/domain"
	"retail-pos/internal/repository"
)

// MaxSecurityLogWindow caps how many entries Recent returns.
const MaxSecurityLogWindow = 100

type SecurityLogRepository struct {
	db Querier
}

func NewSecurityLogRepository(db Querier) repository.SecurityLogRepository {
	return &SecurityLogRepository{db: db}
}

func (r *SecurityLogRepository) Append(ctx context.Context, entry *domain.SecurityLogEntry) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
INSERT INTO security_logs (user_id, username, action, details, ip_address)
VALUES (?, ?, ?, ?, ?)`,
		nullInt64(entry.UserID),
		entry.Username,
		string(entry.Action),
		entry.Details,
		nullString(entry.IPAddress),
	)
	if err != nil {
		return 0, fmt.Errorf("insert security log: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("security log last insert id: %w", err)
	}
	entry.ID = id
	return id, nil
}

// Recent returns the newest entries first. limit is clamped to
// (0, MaxSecurityLogWindow].
func (r *SecurityLogRepository) Recent(ctx context.Context, limit int) ([]domain.SecurityLogEntry, error) {
	if limit <= 0 || limit > MaxSecurityLogWindow {
		limit = MaxSecurityLogWindow
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT id, user_id, username, action, details, ip_address, created_at
FROM security_logs
ORDER BY created_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query security logs: %w", err)
	}
	defer rows.Close()

	var entries []domain.SecurityLogEntry
	for rows.Next() {
		var (
			entry     domain.SecurityLogEntry
			userID    sql.NullInt64
			username  sql.NullString
			action    string
			details   sql.NullString
			ipAddress sql.NullString
			createdAt sql.NullString
		)
		if err := rows.Scan(&entry.ID, &userID, &username, &action, &details, &ipAddress, &createdAt); err != nil {
			return nil, fmt.Errorf("scan security log: %w", err)
		}
		entry.Action = domain.AuditAction(action)
		entry.Username = username.String
		entry.Details = details.String
		entry.CreatedAt = createdAt.String
		if userID.Valid {
			v := userID.Int64
			entry.UserID = &v
		}
		if ipAddress.Valid {
			v := ipAddress.String
			entry.IPAddress = &v
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
