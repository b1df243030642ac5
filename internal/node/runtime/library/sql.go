package library

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/flowgrid/flowgrid/internal/node/runtime"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
)

// SQLNode runs queries against a relational database. One executor type per
// driver; the pools are shared per DSN across executions.
type SQLNode struct {
	nodeType string
	driver   string
	name     string

	mu    sync.Mutex
	pools map[string]*sql.DB
}

// NewPostgresNode creates the Postgres query executor.
func NewPostgresNode() *SQLNode {
	return &SQLNode{
		nodeType: "postgres",
		driver:   "postgres",
		name:     "Postgres",
		pools:    make(map[string]*sql.DB),
	}
}

// NewMySQLNode creates the MySQL query executor.
func NewMySQLNode() *SQLNode {
	return &SQLNode{
		nodeType: "mysql",
		driver:   "mysql",
		name:     "MySQL",
		pools:    make(map[string]*sql.DB),
	}
}

// Type returns the node type
func (n *SQLNode) Type() string {
	return n.nodeType
}

// Metadata returns node metadata
func (n *SQLNode) Metadata() runtime.Metadata {
	return runtime.Metadata{
		Type:        n.nodeType,
		Name:        n.name,
		Description: "Run a query against a " + n.name + " database",
		Category:    "database",
		Inputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Input data"},
		},
		Outputs: []runtime.Port{
			{Name: model.HandleMain, Description: "Result rows or affected count"},
		},
	}
}

// Execute runs one statement. The operation parameter picks between query
// (rows back) and execute (affected count back); query parameters come from
// the params list, already resolved.
func (n *SQLNode) Execute(ctx context.Context, in *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	dsn := runtime.StringParam(in.Parameters, "dsn", "")
	if dsn == "" {
		return nil, runtime.ConfigError("dsn is required", nil)
	}
	statement := runtime.StringParam(in.Parameters, "query", "")
	if statement == "" {
		return nil, runtime.ConfigError("query is required", nil)
	}
	args := runtime.SliceParam(in.Parameters, "params")

	db, err := n.pool(dsn)
	if err != nil {
		return nil, runtime.TransientError("opening database failed", err)
	}

	operation := runtime.StringParam(in.Parameters, "operation", "")
	if operation == "" {
		operation = inferOperation(statement)
	}

	switch operation {
	case "query":
		rows, err := db.QueryContext(ctx, statement, args...)
		if err != nil {
			return nil, classifySQLError(ctx, err)
		}
		defer rows.Close()
		result, err := scanRows(rows)
		if err != nil {
			return nil, runtime.PermanentError("reading rows failed", err)
		}
		return runtime.MainOutput(map[string]interface{}{
			"rows":  result,
			"count": len(result),
		}), nil

	case "execute":
		res, err := db.ExecContext(ctx, statement, args...)
		if err != nil {
			return nil, classifySQLError(ctx, err)
		}
		affected, _ := res.RowsAffected()
		return runtime.MainOutput(map[string]interface{}{
			"rowsAffected": affected,
		}), nil

	default:
		return nil, runtime.ConfigError("operation must be query or execute", nil)
	}
}

func (n *SQLNode) pool(dsn string) (*sql.DB, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if db, ok := n.pools[dsn]; ok {
		return db, nil
	}
	db, err := sql.Open(n.driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	n.pools[dsn] = db
	return db, nil
}

func inferOperation(statement string) string {
	head := strings.ToUpper(strings.Fields(strings.TrimSpace(statement))[0])
	if head == "SELECT" || head == "WITH" || head == "SHOW" {
		return "query"
	}
	return "execute"
}

// scanRows renders a result set as a list of column-keyed maps.
func scanRows(rows *sql.Rows) ([]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	if out == nil {
		out = []interface{}{}
	}
	return out, rows.Err()
}

func classifySQLError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return runtime.CancelledError("statement cancelled")
	}
	// Syntax and constraint errors are deterministic; everything reaching the
	// driver over a broken connection is worth retrying.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "refused") {
		return runtime.TransientError("database unreachable", err)
	}
	return runtime.PermanentError("statement failed", err)
}

func init() {
	runtime.Register(NewPostgresNode())
	runtime.Register(NewMySQLNode())
}
