// Package mssql implements the SQL Server source backend. Writes bulk
// copy into a session temp table and move rows into the target inside
// one transaction.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	mssql "github.com/microsoft/go-mssqldb"

	"github.com/tabflow/tabflow/internal/logging"
	"github.com/tabflow/tabflow/internal/source"
	"github.com/tabflow/tabflow/internal/table"
)

// Kind is the canonical backend name.
const Kind = "mssql"

func init() {
	source.Register(&source.Backend{
		Kind:     Kind,
		Aliases:  []string{"sqlserver"},
		Required: []string{"dsn"},
		New:      New,
	})
}

// Source is one SQL Server database.
type Source struct {
	mu sync.Mutex

	dsn      string
	schema   string
	defTable string
	maxConns int

	db     *sql.DB
	closed bool
}

// New constructs the backend. Parameters: dsn (required), schema
// (default dbo), table (default target), max_connections (default 4).
func New(desc source.Descriptor) (source.Source, error) {
	maxConns, err := desc.IntParam("max_connections", 4)
	if err != nil {
		return nil, err
	}
	if maxConns < 1 {
		return nil, &source.ConfigError{Kind: Kind, Reason: fmt.Sprintf("parameter \"max_connections\": must be >= 1, got %d", maxConns)}
	}

	s := &Source{
		dsn:      desc.Param("dsn"),
		schema:   desc.ParamOr("schema", "dbo"),
		defTable: desc.Param("table"),
		maxConns: maxConns,
	}
	if !desc.Lazy {
		s.mu.Lock()
		err := s.ensureOpen(context.Background())
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Kind returns the backend name.
func (s *Source) Kind() string { return Kind }

// ensureOpen opens and pings the database on first use. Callers hold s.mu.
func (s *Source) ensureOpen(ctx context.Context) error {
	if s.closed {
		return fmt.Errorf("mssql source is closed")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlserver", s.dsn)
	if err != nil {
		return &source.ConfigError{Kind: Kind, Reason: fmt.Sprintf("parsing dsn: %v", err)}
	}
	db.SetMaxOpenConns(s.maxConns)
	db.SetMaxIdleConns(s.maxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("pinging database: %w", err)
	}

	logging.Info("Connected to SQL Server")
	s.db = db
	return nil
}

// Read runs opts.Query, or selects from opts.Table with filters and
// limit pushed into SQL.
func (s *Source) Read(ctx context.Context, opts source.ReadOptions) (*table.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(ctx); err != nil {
		return nil, err
	}

	query := opts.Query
	var args []any
	if query == "" {
		target := opts.Table
		if target == "" {
			target = s.defTable
		}
		if target == "" {
			return nil, fmt.Errorf("mssql read needs a query or a table name")
		}
		var err error
		query, args, err = buildSelect(s.schema, target, opts)
		if err != nil {
			return nil, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning read transaction: %w", err)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("querying: %w", err)
	}
	t, err := scanTable(rows)
	rows.Close()
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if opts.Query != "" {
		t, err = source.ApplyFilters(t, opts.Filters)
		if err != nil {
			return nil, err
		}
		if len(opts.Columns) > 0 {
			return t.Select(opts.Columns)
		}
	}
	return t, nil
}

// buildSelect renders a SELECT with @pN placeholders and TOP for limits.
func buildSelect(schema, target string, opts source.ReadOptions) (string, []any, error) {
	cols := "*"
	if len(opts.Columns) > 0 {
		quoted := make([]string, len(opts.Columns))
		for i, c := range opts.Columns {
			quoted[i] = quoteIdent(c)
		}
		cols = strings.Join(quoted, ", ")
	}

	var sb strings.Builder
	var args []any
	sb.WriteString("SELECT ")
	if opts.Limit > 0 {
		fmt.Fprintf(&sb, "TOP %d ", opts.Limit)
	}
	fmt.Fprintf(&sb, "%s FROM %s", cols, qualify(schema, target))

	for i, f := range opts.Filters {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		if f.Op == source.FilterIn {
			marks := make([]string, len(f.Values))
			for j, v := range f.Values {
				args = append(args, v)
				marks[j] = fmt.Sprintf("@p%d", len(args))
			}
			fmt.Fprintf(&sb, "%s IN (%s)", quoteIdent(f.Column), strings.Join(marks, ", "))
			continue
		}
		op, ok := sqlOps[f.Op]
		if !ok {
			return "", nil, fmt.Errorf("unknown filter operator %q", f.Op)
		}
		args = append(args, f.Value)
		fmt.Fprintf(&sb, "%s %s @p%d", quoteIdent(f.Column), op, len(args))
	}
	return sb.String(), args, nil
}

var sqlOps = map[source.FilterOp]string{
	source.FilterEq: "=",
	source.FilterNe: "<>",
	source.FilterLt: "<",
	source.FilterLe: "<=",
	source.FilterGt: ">",
	source.FilterGe: ">=",
}

// quoteIdent quotes a SQL Server identifier, escaping embedded ].
func quoteIdent(ident string) string {
	return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
}

func qualify(schema, table string) string {
	return quoteIdent(schema) + "." + quoteIdent(table)
}

func scanTable(rows *sql.Rows) (*table.Table, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	t := table.New(cols...)

	for rows.Next() {
		holders := make([]any, len(cols))
		for i := range holders {
			holders[i] = new(any)
		}
		if err := rows.Scan(holders...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		cells := make([]any, len(cols))
		for i, h := range holders {
			cells[i] = normalizeCell(*h.(*any))
		}
		t.Rows = append(t.Rows, cells)
	}
	return t, rows.Err()
}

func normalizeCell(v any) any {
	switch c := v.(type) {
	case nil, bool, int64, float64, string:
		return c
	case time.Time:
		return c
	case int32:
		return int64(c)
	case int16:
		return int64(c)
	case float32:
		return float64(c)
	case []byte:
		return string(c)
	default:
		return fmt.Sprint(c)
	}
}

// Write bulk copies tbl into a session temp table and moves the rows
// into the target inside one transaction.
func (s *Source) Write(ctx context.Context, tbl *table.Table, opts source.WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(ctx); err != nil {
		return err
	}

	target := opts.Table
	if target == "" {
		target = s.defTable
	}
	if target == "" {
		return fmt.Errorf("mssql write needs a table name")
	}
	mode := opts.Mode
	if mode == "" {
		mode = source.ModeReplace
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning write transaction: %w", err)
	}

	staging := "#tf_stage_" + uuid.New().String()[:8]
	if _, err := tx.ExecContext(ctx, stageDDL(staging, tbl)); err != nil {
		tx.Rollback()
		return fmt.Errorf("creating staging table %s: %w", staging, err)
	}

	if err := bulkCopy(ctx, tx, staging, tbl); err != nil {
		tx.Rollback()
		return err
	}

	for _, stmt := range mergeStatements(s.schema, target, staging, tbl.Columns, mode) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("writing %s: %w", target, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing write to %s: %w", target, err)
	}
	return nil
}

func bulkCopy(ctx context.Context, tx *sql.Tx, staging string, tbl *table.Table) error {
	if tbl.IsEmpty() {
		return nil
	}
	bulkOpts := mssql.BulkOptions{RowsPerBatch: tbl.NumRows()}
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(staging, bulkOpts, tbl.Columns...))
	if err != nil {
		return fmt.Errorf("preparing bulk copy: %w", err)
	}

	for _, row := range tbl.Rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			stmt.Close()
			return fmt.Errorf("bulk copy row: %w", err)
		}
	}
	// Final exec with no args flushes all rows.
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flushing bulk copy: %w", err)
	}
	return stmt.Close()
}

func stageDDL(staging string, tbl *table.Table) string {
	defs := make([]string, len(tbl.Columns))
	for i, col := range tbl.Columns {
		defs[i] = quoteIdent(col) + " " + sqlType(tbl.ColumnType(i))
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", staging, strings.Join(defs, ", "))
}

func sqlType(kind string) string {
	switch kind {
	case table.TypeInt:
		return "BIGINT"
	case table.TypeFloat:
		return "FLOAT"
	case table.TypeBool:
		return "BIT"
	case table.TypeTime:
		return "DATETIME2"
	default:
		return "NVARCHAR(MAX)"
	}
}

// mergeStatements renders the statements moving staged rows into the
// target for the given mode. SELECT INTO creates the target with the
// staging table's shape.
func mergeStatements(schema, target, staging string, cols []string, mode source.WriteMode) []string {
	qualified := qualify(schema, target)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	colStr := strings.Join(quoted, ", ")

	if mode == source.ModeReplace {
		return []string{
			fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s", qualified, qualified),
			fmt.Sprintf("SELECT * INTO %s FROM %s", qualified, staging),
			"DROP TABLE " + staging,
		}
	}
	return []string{
		fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL SELECT * INTO %s FROM %s WHERE 1 = 0", qualified, qualified, staging),
		fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", qualified, colStr, colStr, staging),
		"DROP TABLE " + staging,
	}
}

// Metadata lists tables in the configured schema.
func (s *Source) Metadata(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = @schema ORDER BY TABLE_NAME",
		sql.Named("schema", s.schema))
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return map[string]any{
		"kind":        Kind,
		"schema":      s.schema,
		"tables":      tables,
		"table_count": len(tables),
	}, nil
}

// Close releases the database handle. Idempotent.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}
