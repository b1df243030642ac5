package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists executions in Postgres. Payloads are stored as JSONB
// documents; the id sequence comes from the executions table itself, which
// keeps ids monotonic across engine restarts.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects, retrying transient dial failures, and prepares
// the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := dialWithRetry(ctx, defaultDialPolicy(), db.PingContext); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id            BIGSERIAL PRIMARY KEY,
			workflow_id   TEXT NOT NULL,
			workflow_name TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			trigger_type  TEXT NOT NULL DEFAULT '',
			started_at    TIMESTAMPTZ NOT NULL,
			finished_at   TIMESTAMPTZ,
			input_data    JSONB,
			output_data   JSONB,
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions (workflow_id, id DESC)`,
		`CREATE TABLE IF NOT EXISTS node_executions (
			id           BIGSERIAL PRIMARY KEY,
			execution_id BIGINT NOT NULL REFERENCES executions (id) ON DELETE CASCADE,
			record       JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_executions_execution ON node_executions (execution_id, id)`,
		`CREATE TABLE IF NOT EXISTS workflow_variables (
			scope TEXT NOT NULL,
			name  TEXT NOT NULL,
			value JSONB,
			PRIMARY KEY (scope, name)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate executions schema: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping reports store reachability, for health checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *Execution) (int64, error) {
	input, err := json.Marshal(exec.InputData)
	if err != nil {
		return 0, fmt.Errorf("marshal input data: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO executions (workflow_id, workflow_name, status, trigger_type, started_at, input_data)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		exec.WorkflowID, exec.WorkflowName, string(exec.Status), exec.TriggerType, exec.StartedAt, input,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert execution: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) AppendNodeExecution(ctx context.Context, executionID int64, rec NodeExecution) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal node execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_executions (execution_id, record) VALUES ($1, $2)`,
		executionID, doc,
	)
	if err != nil {
		return fmt.Errorf("insert node execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishExecution(ctx context.Context, executionID int64, status Status, output map[string]interface{}, errorMessage string) error {
	doc, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal output data: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = $1, finished_at = NOW(), output_data = $2, error_message = $3 WHERE id = $4`,
		string(status), doc, errorMessage, executionID,
	)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Execution(ctx context.Context, executionID int64) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_name, status, trigger_type, started_at, finished_at, input_data, output_data, error_message
		 FROM executions WHERE id = $1`, executionID)

	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM node_executions WHERE execution_id = $1 ORDER BY id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("load node executions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan node execution: %w", err)
		}
		var rec NodeExecution
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("decode node execution: %w", err)
		}
		exec.NodeExecutions = append(exec.NodeExecutions, rec)
	}
	return exec, rows.Err()
}

func (s *PostgresStore) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*Execution, error) {
	query := `SELECT id, workflow_id, workflow_name, status, trigger_type, started_at, finished_at, input_data, output_data, error_message
		 FROM executions`
	args := []interface{}{}
	if workflowID != "" {
		query += ` WHERE workflow_id = $1`
		args = append(args, workflowID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LoadVariables(ctx context.Context, scope string) (map[string]interface{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM workflow_variables WHERE scope = $1`, scope)
	if err != nil {
		return nil, fmt.Errorf("load variables: %w", err)
	}
	defer rows.Close()

	vars := make(map[string]interface{})
	for rows.Next() {
		var name string
		var doc []byte
		if err := rows.Scan(&name, &doc); err != nil {
			return nil, fmt.Errorf("scan variable: %w", err)
		}
		var value interface{}
		if err := json.Unmarshal(doc, &value); err != nil {
			return nil, fmt.Errorf("decode variable %s: %w", name, err)
		}
		vars[name] = value
	}
	return vars, rows.Err()
}

func (s *PostgresStore) StoreVariable(ctx context.Context, scope, name string, value interface{}) error {
	doc, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal variable: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_variables (scope, name, value) VALUES ($1, $2, $3)
		 ON CONFLICT (scope, name) DO UPDATE SET value = EXCLUDED.value`,
		scope, name, doc,
	)
	if err != nil {
		return fmt.Errorf("store variable: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		exec     Execution
		status   string
		finished sql.NullTime
		input    []byte
		output   []byte
	)
	err := row.Scan(&exec.ID, &exec.WorkflowID, &exec.WorkflowName, &status, &exec.TriggerType,
		&exec.StartedAt, &finished, &input, &output, &exec.ErrorMessage)
	if err != nil {
		return nil, err
	}
	exec.Status = Status(status)
	if finished.Valid {
		t := finished.Time
		exec.FinishedAt = &t
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &exec.InputData); err != nil {
			return nil, fmt.Errorf("decode input data: %w", err)
		}
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &exec.OutputData); err != nil {
			return nil, fmt.Errorf("decode output data: %w", err)
		}
	}
	return &exec, nil
}
