package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/genflow/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database. dbPath is a file URI such as
// "file:/path/to/genflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return a row, so they go through QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}
	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	record, err := json.Marshal(wf)
	if err != nil {
		return storeErr("marshal workflow", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, status, surface_id, record, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   status = excluded.status,
		   surface_id = excluded.surface_id,
		   record = excluded.record,
		   updated_at = excluded.updated_at,
		   completed_at = excluded.completed_at
		 WHERE excluded.updated_at >= workflows.updated_at`,
		wf.ID, nullStr(wf.Name), string(wf.Status), nullStr(wf.SurfaceID()), string(record),
		unixNano(timeOrNow(wf.CreatedAt)), unixNano(timeOrNow(wf.UpdatedAt)), nullNano(wf.CompletedAt),
	)
	if err != nil {
		return storeErr("save workflow", err)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM workflows WHERE id = ?`, id).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, storeNotFound(id)
	}
	if err != nil {
		return nil, storeErr("get workflow", err)
	}
	return decodeRecord(record)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var where []string
	var args []any

	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.SurfaceID != "" {
		where = append(where, "surface_id = ?")
		args = append(args, filter.SurfaceID)
	}
	if filter.UpdatedSince != nil {
		where = append(where, "updated_at >= ?")
		args = append(args, unixNano(*filter.UpdatedSince))
	}

	query := "SELECT record FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list workflows", err)
	}
	defer rows.Close()

	var out []*schema.Workflow
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, storeErr("scan workflow", err)
		}
		wf, err := decodeRecord(record)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list workflows", err)
	}
	return out, nil
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete workflow", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("delete workflow", err)
	}
	if n == 0 {
		return storeNotFound(id)
	}
	return nil
}

func (s *LibSQLStore) PurgeTerminal(ctx context.Context, before time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin purge", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM workflows WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(terminalStatuses[0]), string(terminalStatuses[1]), string(terminalStatuses[2]), unixNano(before),
	)
	if err != nil {
		return nil, storeErr("select purge", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storeErr("scan purge", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr("select purge", err)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id); err != nil {
			return nil, storeErr("purge workflow", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit purge", err)
	}
	return ids, nil
}

// --- Helpers ---

func decodeRecord(record string) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	if err := json.Unmarshal([]byte(record), wf); err != nil {
		return nil, storeErr("unmarshal workflow", err)
	}
	return wf, nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func unixNano(t time.Time) int64 { return t.UnixNano() }

func nullNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
