package repository

import (
	"context"

	"retail-pos/internal/domain"
)

// SecurityLogRepository is the append-only store of security events.
// Entries are never updated or deleted.
type SecurityLogRepository interface {
	Append(ctx context.Context, entry *domain.SecurityLogEntry) (int64, error)
	Recent(ctx context.Context, limit int) ([]domain.SecurityLogEntry, error)
}
