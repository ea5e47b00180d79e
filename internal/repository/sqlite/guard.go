package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"retail-pos/internal/domain"
	"retail-pos/internal/repository"
)

// GuardConfig configures schema creation and seeding.
type GuardConfig struct {
	AdminUsername string
	AdminPassword string
	// EncodePassword turns the bootstrap admin password into the stored
	// credential. Nil stores it as given.
	EncodePassword func(plain string) (string, error)
	Logger         *logrus.Logger
}

// Guard makes a store handle match the current schema. Every step is
// idempotent and runs inside the caller's transaction.
type Guard struct {
	cfg GuardConfig
	log *logrus.Entry
}

func NewGuard(cfg GuardConfig) *Guard {
	if cfg.AdminUsername == "" {
		cfg.AdminUsername = "admin"
	}
	if cfg.AdminPassword == "" {
		cfg.AdminPassword = "admin123"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Guard{cfg: cfg, log: cfg.Logger.WithField("component", "schema")}
}

// Bootstrap creates missing tables, applies pending migrations and seeds the
// bootstrap admin when no admin exists. fresh additionally seeds the sample
// catalogue of a brand new store.
func (g *Guard) Bootstrap(ctx context.Context, tx *sql.Tx, fresh bool) error {
	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	if err := g.migrate(ctx, tx); err != nil {
		return err
	}
	if err := g.seedAdmin(ctx, tx); err != nil {
		return err
	}
	if fresh {
		if err := seedProducts(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

func (g *Guard) migrate(ctx context.Context, q Querier) error {
	var version int
	if err := q.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		needed, err := m.needed(ctx, q)
		if err != nil {
			return fmt.Errorf("check migration %d (%s): %w", m.version, m.name, err)
		}
		if !needed {
			continue
		}
		if err := m.apply(ctx, q); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
		g.log.WithField("version", m.version).Infof("applied migration %s", m.name)
	}

	if version < schemaVersion() {
		if _, err := q.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion())); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

func (g *Guard) seedAdmin(ctx context.Context, q Querier) error {
	users := NewUserRepository(q)
	admins, err := users.CountAdmins(ctx)
	if err != nil {
		return err
	}
	if admins > 0 {
		return nil
	}

	password := g.cfg.AdminPassword
	if g.cfg.EncodePassword != nil {
		if password, err = g.cfg.EncodePassword(password); err != nil {
			return fmt.Errorf("encode admin password: %w", err)
		}
	}

	admin := &domain.User{
		Username: g.cfg.AdminUsername,
		Password: password,
		Role:     domain.RoleAdmin,
		IsActive: true,
	}
	if _, err := users.Create(ctx, admin); err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			g.log.Warnf("no admin exists but username %q is taken by a regular user; skipping bootstrap admin", admin.Username)
			return nil
		}
		return fmt.Errorf("seed admin: %w", err)
	}
	g.log.Warnf("created bootstrap admin %q with the configured default password", admin.Username)
	return nil
}

func seedProducts(ctx context.Context, q Querier) error {
	for _, p := range sampleProducts {
		if _, err := q.ExecContext(ctx, `
INSERT INTO products (name, price, cost, stock, category)
VALUES (?, ?, ?, ?, ?)`,
			p.name, p.price, p.cost, p.stock, p.category,
		); err != nil {
			return fmt.Errorf("seed product %s: %w", p.name, err)
		}
	}
	return nil
}
