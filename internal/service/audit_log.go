package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"retail-pos/internal/domain"
	"retail-pos/internal/repository"
	"retail-pos/internal/repository/sqlite"
	"retail-pos/internal/store"
)

const unknownUsername = "Unknown"

type actorKey struct{}
type clientIPKey struct{}

// WithActor attaches the user an audit entry should be attributed to. It takes
// precedence over the session user, which may not be set yet during login.
func WithActor(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, actorKey{}, user)
}

// WithClientIP attaches the remote address recorded on audit entries.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// AuditLog appends security events to the security_logs table.
type AuditLog struct {
	store   Store
	current func() *domain.User
	logs    func(q sqlite.Querier) repository.SecurityLogRepository
	log     *logrus.Entry
}

func NewAuditLog(st Store, current func() *domain.User, logger *logrus.Logger) *AuditLog {
	if logger == nil {
		logger = logrus.New()
	}
	if current == nil {
		current = func() *domain.User { return nil }
	}
	return &AuditLog{
		store:   st,
		current: current,
		logs:    sqlite.NewSecurityLogRepository,
		log:     logger.WithField("component", "audit"),
	}
}

// Record appends one entry in its own transaction.
func (a *AuditLog) Record(ctx context.Context, action domain.AuditAction, details string, userID *int64) error {
	return a.store.Update(ctx, func(q store.Querier) error {
		return a.RecordTx(ctx, q, action, details, userID)
	})
}

// RecordTx appends one entry through q, normally the transaction of the
// action being audited.
func (a *AuditLog) RecordTx(ctx context.Context, q store.Querier, action domain.AuditAction, details string, userID *int64) error {
	entry := &domain.SecurityLogEntry{
		UserID:   userID,
		Username: a.username(ctx),
		Action:   action,
		Details:  details,
	}
	if ip, ok := ctx.Value(clientIPKey{}).(string); ok && ip != "" {
		entry.IPAddress = &ip
	}
	if _, err := a.logs(q).Append(ctx, entry); err != nil {
		return fmt.Errorf("record %s: %w", action, err)
	}
	a.log.WithFields(logrus.Fields{"action": action, "username": entry.Username}).Debug(details)
	return nil
}

// Recent returns up to limit entries, newest first. limit is capped at 100.
func (a *AuditLog) Recent(ctx context.Context, limit int) ([]domain.SecurityLogEntry, error) {
	var entries []domain.SecurityLogEntry
	err := a.store.View(ctx, func(q store.Querier) error {
		var err error
		entries, err = a.logs(q).Recent(ctx, limit)
		return err
	})
	return entries, err
}

func (a *AuditLog) username(ctx context.Context) string {
	if u, ok := ctx.Value(actorKey{}).(*domain.User); ok && u != nil {
		return u.Username
	}
	if u := a.current(); u != nil {
		return u.Username
	}
	return unknownUsername
}
