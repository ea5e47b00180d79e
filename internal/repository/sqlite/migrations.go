package sqlite

import (
	"context"
	"fmt"
)

// migration is one forward schema step. needed re-checks the actual shape so
// a store that already has the new layout (for example one migrated by an
// earlier release without bumping user_version) is left alone.
type migration struct {
	version int
	name    string
	needed  func(ctx context.Context, q Querier) (bool, error)
	apply   func(ctx context.Context, q Querier) error
}

var migrations = []migration{
	{
		version: 1,
		name:    "tasks assignment columns",
		needed:  legacyTasksTable,
		apply:   rebuildTasksTable,
	},
}

func schemaVersion() int {
	return migrations[len(migrations)-1].version
}

func legacyTasksTable(ctx context.Context, q Querier) (bool, error) {
	exists, err := tableExists(ctx, q, "tasks")
	if err != nil || !exists {
		return false, err
	}
	hasAssignee, err := columnExists(ctx, q, "tasks", "assigned_to")
	if err != nil {
		return false, err
	}
	return !hasAssignee, nil
}

// rebuildTasksTable copies the legacy task rows into the current shape and
// swaps the tables. It runs inside the bootstrap transaction, so a failure
// leaves the legacy table in place.
func rebuildTasksTable(ctx context.Context, q Querier) error {
	steps := []string{
		`DROP TABLE IF EXISTS tasks_new`,
		`CREATE TABLE tasks_new (` + tasksColumns + `)`,
		`INSERT INTO tasks_new (id, title, description, completed, created_at, due_date)
SELECT id, title, description, completed, created_at, due_date FROM tasks`,
		`DROP TABLE tasks`,
		`ALTER TABLE tasks_new RENAME TO tasks`,
	}
	for _, stmt := range steps {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rebuild tasks table: %w", err)
		}
	}
	return nil
}
