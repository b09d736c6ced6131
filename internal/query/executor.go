// Package query runs caller SQL against the current database: it resolves the
// caller's context, enforces the permission policy, and executes inside a
// single transaction per call.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mysqlgate/mysqlgate/internal/gateway"
	"github.com/mysqlgate/mysqlgate/internal/metrics"
	"github.com/mysqlgate/mysqlgate/internal/policy"
	"github.com/mysqlgate/mysqlgate/internal/pool"
	"github.com/mysqlgate/mysqlgate/internal/session"
)

// Result is the shaped outcome of one statement. Reads carry the row data;
// writes carry a single synthetic row with the driver's counters.
type Result struct {
	Rows          []map[string]any `json:"rows"`
	Fields        []string         `json:"fields"`
	RowCount      int64            `json:"rowCount"`
	ExecutionTime string           `json:"executionTime"`
}

// Executor is the query pipeline: session resolution, classification, policy,
// transaction, shaping.
type Executor struct {
	sessions *session.Manager
	pools    *pool.Manager
	metrics  *metrics.Collector
}

// NewExecutor wires the pipeline. metrics may be nil.
func NewExecutor(sessions *session.Manager, pools *pool.Manager, m *metrics.Collector) *Executor {
	return &Executor{sessions: sessions, pools: pools, metrics: m}
}

// Execute runs sql against the caller's current database. Each call is one
// transaction; SELECT-classified statements run read-only.
func (e *Executor) Execute(ctx context.Context, c *session.Context, sqlText string) (*Result, error) {
	dbc := e.sessions.CurrentDatabase(c)
	if dbc == nil {
		return nil, gateway.ErrNoCurrentDatabase
	}
	return e.run(ctx, dbc, sqlText)
}

// ExecuteOn activates alias, makes it current, and runs sql. This is the
// mysql_query tool's explicit-database form.
func (e *Executor) ExecuteOn(ctx context.Context, c *session.Context, alias, sqlText string) (*Result, error) {
	if _, err := e.sessions.ActivateDatabase(c, alias); err != nil {
		return nil, err
	}
	if err := e.sessions.SetCurrentDatabase(c, alias); err != nil {
		return nil, err
	}
	return e.Execute(ctx, c, sqlText)
}

func (e *Executor) run(ctx context.Context, dbc *session.DatabaseContext, sqlText string) (*Result, error) {
	kind := policy.Classify(sqlText)
	start := time.Now()
	result, err := e.runStatement(ctx, dbc, sqlText, kind)
	if e.metrics != nil {
		e.metrics.QueryExecuted(string(kind), err == nil, time.Since(start))
	}
	return result, err
}

func (e *Executor) runStatement(ctx context.Context, dbc *session.DatabaseContext, sqlText string, kind policy.OperationKind) (*Result, error) {
	if ok, reason := policy.Allow(kind, dbc.Permissions, dbc.Alias); !ok {
		return nil, &gateway.PermissionError{Operation: string(kind), Alias: dbc.Alias, Reason: reason}
	}

	db, err := e.pools.GetPool(ctx, dbc.ConnectionID)
	if err != nil {
		return nil, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrConnectionRefused, err)
	}
	defer conn.Close()

	start := time.Now()

	// Bind the schema before the statement runs.
	if _, err := conn.ExecContext(ctx, "USE "+QuoteIdentifier(dbc.RealName)); err != nil {
		return nil, &gateway.QueryError{Message: err.Error()}
	}

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: kind == policy.OpSelect})
	if err != nil {
		return nil, &gateway.QueryError{Message: err.Error()}
	}

	var result *Result
	if kind == policy.OpSelect {
		result, err = runRead(ctx, tx, sqlText)
	} else {
		result, err = runWrite(ctx, tx, sqlText)
	}
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			slog.Warn("rollback failed", "database", dbc.Alias, "err", rbErr)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, &gateway.QueryError{Message: err.Error()}
	}

	result.ExecutionTime = fmt.Sprintf("%dms", time.Since(start).Milliseconds())
	return result, nil
}

func runRead(ctx context.Context, tx *sql.Tx, sqlText string) (*Result, error) {
	rows, err := tx.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, &gateway.QueryError{Message: err.Error()}
	}
	defer rows.Close()

	fields, err := rows.Columns()
	if err != nil {
		return nil, &gateway.QueryError{Message: err.Error()}
	}

	shaped := make([]map[string]any, 0, 16)
	values := make([]any, len(fields))
	ptrs := make([]any, len(fields))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &gateway.QueryError{Message: err.Error()}
		}
		row := make(map[string]any, len(fields))
		for i, name := range fields {
			row[name] = normalizeValue(values[i])
		}
		shaped = append(shaped, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &gateway.QueryError{Message: err.Error()}
	}

	return &Result{
		Rows:     shaped,
		Fields:   fields,
		RowCount: int64(len(shaped)),
	}, nil
}

func runWrite(ctx context.Context, tx *sql.Tx, sqlText string) (*Result, error) {
	res, err := tx.ExecContext(ctx, sqlText)
	if err != nil {
		return nil, &gateway.QueryError{Message: err.Error()}
	}

	affected, _ := res.RowsAffected()
	insertID, _ := res.LastInsertId()

	return &Result{
		Rows: []map[string]any{{
			"affectedRows": affected,
			"insertId":     insertID,
			"changedRows":  affected,
		}},
		Fields:   []string{"affectedRows", "insertId", "changedRows"},
		RowCount: affected,
	}, nil
}

// normalizeValue makes driver values JSON-friendly: byte slices become
// strings, everything else passes through.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// QuoteIdentifier backtick-quotes an identifier for interpolation into
// generated SQL, doubling any embedded backtick.
func QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// Metadata is the optional per-database payload of list_databases.
type Metadata struct {
	TableCount int   `json:"tableCount"`
	SizeBytes  int64 `json:"sizeBytes"`
}

// SchemaMetadata reads table count and on-disk size for one database with a
// single information_schema query.
func (e *Executor) SchemaMetadata(ctx context.Context, dbc *session.DatabaseContext) (*Metadata, error) {
	db, err := e.pools.GetPool(ctx, dbc.ConnectionID)
	if err != nil {
		return nil, err
	}

	var md Metadata
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(data_length + index_length), 0)
		 FROM information_schema.tables WHERE table_schema = ?`,
		dbc.RealName,
	).Scan(&md.TableCount, &md.SizeBytes)
	if err != nil {
		return nil, &gateway.QueryError{Message: err.Error()}
	}
	return &md, nil
}

// ShowTables lists the tables of one database for the browse surface.
func (e *Executor) ShowTables(ctx context.Context, dbc *session.DatabaseContext) ([]string, error) {
	db, err := e.pools.GetPool(ctx, dbc.ConnectionID)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, "SHOW TABLES FROM "+QuoteIdentifier(dbc.RealName))
	if err != nil {
		return nil, &gateway.QueryError{Message: err.Error()}
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &gateway.QueryError{Message: err.Error()}
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// DescribeTable returns DESCRIBE output for one table.
func (e *Executor) DescribeTable(ctx context.Context, dbc *session.DatabaseContext, table string) (*Result, error) {
	db, err := e.pools.GetPool(ctx, dbc.ConnectionID)
	if err != nil {
		return nil, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrConnectionRefused, err)
	}
	defer conn.Close()

	start := time.Now()
	stmt := "DESCRIBE " + QuoteIdentifier(dbc.RealName) + "." + QuoteIdentifier(table)
	rows, err := conn.QueryContext(ctx, stmt)
	if err != nil {
		return nil, &gateway.QueryError{Message: err.Error()}
	}
	defer rows.Close()

	fields, err := rows.Columns()
	if err != nil {
		return nil, &gateway.QueryError{Message: err.Error()}
	}
	shaped := make([]map[string]any, 0, 16)
	values := make([]any, len(fields))
	ptrs := make([]any, len(fields))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &gateway.QueryError{Message: err.Error()}
		}
		row := make(map[string]any, len(fields))
		for i, name := range fields {
			row[name] = normalizeValue(values[i])
		}
		shaped = append(shaped, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &gateway.QueryError{Message: err.Error()}
	}

	return &Result{
		Rows:          shaped,
		Fields:        fields,
		RowCount:      int64(len(shaped)),
		ExecutionTime: fmt.Sprintf("%dms", time.Since(start).Milliseconds()),
	}, nil
}
