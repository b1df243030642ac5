package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

const workflowSchema = `
CREATE TABLE IF NOT EXISTS workflows (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL DEFAULT '',
    active       BOOLEAN NOT NULL DEFAULT FALSE,
    trigger_type TEXT NOT NULL DEFAULT 'MANUAL',
    document     JSONB NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflows_active ON workflows (active);
CREATE INDEX IF NOT EXISTS idx_workflows_trigger ON workflows (trigger_type);
`

// PostgresStore persists workflows as canonical JSON documents, with the
// fields List filters on lifted into their own columns.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the database, verifies connectivity, and applies the
// schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, workflowSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate workflows: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Create(ctx context.Context, wf *model.Workflow) error {
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	doc, err := model.Encode(wf)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, active, trigger_type, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		wf.ID, wf.Name, wf.Active, string(wf.TriggerType), doc, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	// ON CONFLICT DO NOTHING reports zero rows on a duplicate; re-check so
	// the caller sees ErrExists instead of silence.
	var stored time.Time
	if err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM workflows WHERE id = $1`, wf.ID).Scan(&stored); err != nil {
		return fmt.Errorf("verify workflow insert: %w", err)
	}
	if !stored.Equal(wf.CreatedAt) {
		return ErrExists
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, wf *model.Workflow) error {
	wf.UpdatedAt = time.Now().UTC()

	doc, err := model.Encode(wf)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET name = $2, active = $3, trigger_type = $4, document = $5, updated_at = $6
		WHERE id = $1`,
		wf.ID, wf.Name, wf.Active, string(wf.TriggerType), doc, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Workflow, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM workflows WHERE id = $1`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select workflow: %w", err)
	}
	return model.Decode(doc)
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*model.Workflow, error) {
	query := `SELECT document FROM workflows WHERE 1=1`
	args := []interface{}{}

	if f.Active != nil {
		args = append(args, *f.Active)
		query += fmt.Sprintf(" AND active = $%d", len(args))
	}
	if f.TriggerType != "" {
		args = append(args, string(f.TriggerType))
		query += fmt.Sprintf(" AND trigger_type = $%d", len(args))
	}
	query += " ORDER BY updated_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*model.Workflow
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		wf, err := model.Decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
