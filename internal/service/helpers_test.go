package service

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"retail-pos/internal/domain"
	"retail-pos/internal/repository/sqlite"
	"retail-pos/internal/snapshot"
	"retail-pos/internal/storage"
	"retail-pos/internal/store"
)

type flakyKV struct {
	storage.KV
	failSet atomic.Bool
}

func (f *flakyKV) Set(ctx context.Context, key string, value []byte) error {
	if f.failSet.Load() {
		return errors.New("disk full")
	}
	return f.KV.Set(ctx, key, value)
}

// failingStore fails the next n Update calls.
type failingStore struct {
	*store.Manager
	failUpdates atomic.Int32
}

func (f *failingStore) Update(ctx context.Context, fn func(q store.Querier) error) error {
	if f.failUpdates.Add(-1) >= 0 {
		return errors.New("database is locked")
	}
	return f.Manager.Update(ctx, fn)
}

type fixture struct {
	kv       *flakyKV
	manager  *store.Manager
	sessions *SessionService
	logger   *logrus.Logger
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := quietLogger()

	badger, err := storage.OpenBadger(storage.BadgerConfig{InMemory: true, Logger: logger})
	require.NoError(t, err)
	kv := &flakyKV{KV: badger}

	m := store.NewManager(store.Config{ExportDir: t.TempDir(), Logger: logger}, snapshot.NewCodec(), kv,
		sqlite.NewGuard(sqlite.GuardConfig{Logger: logger}))
	require.NoError(t, m.Initialize(context.Background()))

	t.Cleanup(func() {
		m.Shutdown(context.Background())
		badger.Close()
	})

	return &fixture{
		kv:       kv,
		manager:  m,
		sessions: NewSessionService(m, kv, SessionConfig{Logger: logger}),
		logger:   logger,
	}
}

// newSessions builds another session service over the same store, as a
// restarted process would.
func (f *fixture) newSessions() *SessionService {
	return NewSessionService(f.manager, f.kv, SessionConfig{Logger: f.logger})
}

func (f *fixture) loginAdmin(t *testing.T) {
	t.Helper()
	ok, err := f.sessions.Login(context.Background(), "admin", "admin123")
	require.NoError(t, err)
	require.True(t, ok)
}

func (f *fixture) createUser(t *testing.T, username, password string) int64 {
	t.Helper()
	ok, err := f.sessions.CreateUser(context.Background(), username, password, domain.RoleUser, true)
	require.NoError(t, err)
	require.True(t, ok)
	return f.userID(t, username)
}

func (f *fixture) userID(t *testing.T, username string) int64 {
	t.Helper()
	rs, err := f.manager.Query(context.Background(), `SELECT id FROM users WHERE username = ?`, username)
	require.NoError(t, err)
	require.Len(t, rs.Rows, 1)
	return rs.Rows[0][0].(int64)
}

func (f *fixture) logs(t *testing.T, action domain.AuditAction) []domain.SecurityLogEntry {
	t.Helper()
	var out []domain.SecurityLogEntry
	err := f.manager.View(context.Background(), func(q store.Querier) error {
		all, err := sqlite.NewSecurityLogRepository(q).Recent(context.Background(), 0)
		for _, e := range all {
			if e.Action == action {
				out = append(out, e)
			}
		}
		return err
	})
	require.NoError(t, err)
	return out
}

func (f *fixture) logCount(t *testing.T) int {
	t.Helper()
	rs, err := f.manager.Query(context.Background(), `SELECT COUNT(*) FROM security_logs`)
	require.NoError(t, err)
	return int(rs.Rows[0][0].(int64))
}
