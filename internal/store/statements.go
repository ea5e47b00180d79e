package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrStatementNotAllowed is returned by Exec and Query for statements that
// would take over the shared connection: transaction control, attaching other
// files, and vacuum.
var ErrStatementNotAllowed = errors.New("statement not allowed")

var reservedVerbs = map[string]bool{
	"BEGIN":     true,
	"COMMIT":    true,
	"END":       true,
	"ROLLBACK":  true,
	"SAVEPOINT": true,
	"RELEASE":   true,
	"ATTACH":    true,
	"DETACH":    true,
	"VACUUM":    true,
}

// ExecResult reports the effect of a statement run through Exec.
type ExecResult struct {
	RowsAffected int64 `json:"rows_affected"`
	LastInsertID int64 `json:"last_insert_id"`
}

// ResultSet holds fully materialized query rows.
type ResultSet struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Exec runs a statement with positional arguments against the live handle,
// inside its own transaction so the connection never stays mid-transaction.
func (m *Manager) Exec(ctx context.Context, query string, args ...any) (ExecResult, error) {
	if err := checkStatement(query); err != nil {
		return ExecResult{}, err
	}

	var out ExecResult
	err := m.Update(ctx, func(q Querier) error {
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("exec: %w", err)
		}
		if out.RowsAffected, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if out.LastInsertID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return ExecResult{}, err
	}
	return out, nil
}

// Query runs a query in its own transaction and reads every row before the
// handle is released, so the result stays valid across a later import.
func (m *Manager) Query(ctx context.Context, query string, args ...any) (*ResultSet, error) {
	if err := checkStatement(query); err != nil {
		return nil, err
	}

	var rs *ResultSet
	err := m.Update(ctx, func(q Querier) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		rs, err = materialize(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

func materialize(rows *sql.Rows) (*ResultSet, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}

	rs := &ResultSet{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = append([]byte(nil), b...)
			}
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return rs, nil
}

// View lends the live handle to fn for reads. fn must only use q; calling
// back into the manager from fn blocks on the single connection.
func (m *Manager) View(ctx context.Context, fn func(q Querier) error) error {
	m.gate.RLock()
	defer m.gate.RUnlock()

	if m.db == nil {
		return ErrNotReady
	}
	return fn(m.db)
}

// Update runs fn inside one transaction on the live handle. The transaction
// commits when fn returns nil and rolls back otherwise.
func (m *Manager) Update(ctx context.Context, fn func(q Querier) error) error {
	m.gate.RLock()
	defer m.gate.RUnlock()

	if m.db == nil {
		return ErrNotReady
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// checkStatement rejects a reserved verb at the start of query. Statements
// after the first are contained by the transaction Exec and Query run in.
func checkStatement(query string) error {
	if verb := leadingVerb(query); reservedVerbs[verb] {
		return fmt.Errorf("%w: %s", ErrStatementNotAllowed, verb)
	}
	return nil
}

// leadingVerb returns the first keyword of query upper-cased, skipping
// whitespace and comments.
func leadingVerb(query string) string {
	for {
		query = strings.TrimLeftFunc(query, unicode.IsSpace)
		switch {
		case strings.HasPrefix(query, "--"):
			end := strings.IndexByte(query, '\n')
			if end < 0 {
				return ""
			}
			query = query[end+1:]
		case strings.HasPrefix(query, "/*"):
			end := strings.Index(query[2:], "*/")
			if end < 0 {
				return ""
			}
			query = query[end+4:]
		default:
			end := strings.IndexFunc(query, func(r rune) bool {
				return !unicode.IsLetter(r) && r != '_'
			})
			if end < 0 {
				end = len(query)
			}
			return strings.ToUpper(query[:end])
		}
	}
}
