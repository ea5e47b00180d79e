package sqlite

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"retail-pos/internal/snapshot"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := snapshot.NewCodec().Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func runGuard(t *testing.T, db *sql.DB, guard *Guard, fresh bool) error {
	t.Helper()
	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	if err := guard.Bootstrap(ctx, tx, fresh); err != nil {
		return err
	}
	return tx.Commit()
}

func setupBootstrappedDB(t *testing.T) *sql.DB {
	t.Helper()
	db := setupTestDB(t)
	require.NoError(t, runGuard(t, db, NewGuard(GuardConfig{}), true))
	return db
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), query, args...).Scan(&n))
	return n
}
