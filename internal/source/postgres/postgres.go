// Package postgres implements the PostgreSQL source backend on pgx.
// Reads stream through the connection pool; writes stage rows into a
// session temp table with binary COPY and merge into the target in one
// transaction.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/tabflow/tabflow/internal/logging"
	"github.com/tabflow/tabflow/internal/source"
	"github.com/tabflow/tabflow/internal/table"
)

// Kind is the canonical backend name.
const Kind = "postgres"

func init() {
	source.Register(&source.Backend{
		Kind:     Kind,
		Aliases:  []string{"pg", "postgresql"},
		Required: []string{"dsn"},
		New:      New,
	})
}

// Source is one PostgreSQL database reached through a pgx pool.
type Source struct {
	mu sync.Mutex

	dsn      string
	schema   string
	defTable string
	maxConns int

	pool   *pgxpool.Pool
	closed bool
}

// New constructs the backend. Parameters: dsn (required), schema
// (default public), table (default target), max_connections (default 4).
// Unless the descriptor is lazy the pool connects and pings immediately.
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
		schema:   desc.ParamOr("schema", "public"),
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

// ensureOpen connects the pool on first use. Callers hold s.mu.
func (s *Source) ensureOpen(ctx context.Context) error {
	if s.closed {
		return fmt.Errorf("postgres source is closed")
	}
	if s.pool != nil {
		return nil
	}

	cfg, err := pgxpool.ParseConfig(s.dsn)
	if err != nil {
		return &source.ConfigError{Kind: Kind, Reason: fmt.Sprintf("parsing dsn: %v", err)}
	}
	cfg.MaxConns = int32(s.maxConns)
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("pinging database: %w", err)
	}

	logging.Info("Connected to PostgreSQL: %s", cfg.ConnConfig.Host)
	s.pool = pool
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
			return nil, fmt.Errorf("postgres read needs a query or a table name")
		}
		var err error
		query, args, err = buildSelect(s.schema, target, opts)
		if err != nil {
			return nil, err
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}
	defer rows.Close()

	t, err := scanTable(rows)
	if err != nil {
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

// buildSelect renders a SELECT with $n placeholders.
func buildSelect(schema, target string, opts source.ReadOptions) (string, []any, error) {
	cols := "*"
	if len(opts.Columns) > 0 {
		quoted := make([]string, len(opts.Columns))
		for i, c := range opts.Columns {
			quoted[i] = pq.QuoteIdentifier(c)
		}
		cols = strings.Join(quoted, ", ")
	}

	var sb strings.Builder
	var args []any
	fmt.Fprintf(&sb, "SELECT %s FROM %s", cols, qualify(schema, target))

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
				marks[j] = fmt.Sprintf("$%d", len(args))
			}
			fmt.Fprintf(&sb, "%s IN (%s)", pq.QuoteIdentifier(f.Column), strings.Join(marks, ", "))
			continue
		}
		op, ok := sqlOps[f.Op]
		if !ok {
			return "", nil, fmt.Errorf("unknown filter operator %q", f.Op)
		}
		args = append(args, f.Value)
		fmt.Fprintf(&sb, "%s %s $%d", pq.QuoteIdentifier(f.Column), op, len(args))
	}

	if opts.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", opts.Limit)
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

func qualify(schema, table string) string {
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
}

func scanTable(rows pgx.Rows) (*table.Table, error) {
	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, fd := range fields {
		cols[i] = fd.Name
	}
	t := table.New(cols...)

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		cells := make([]any, len(values))
		for i, v := range values {
			cells[i] = normalizeCell(v)
		}
		t.Rows = append(t.Rows, cells)
	}
	return t, rows.Err()
}

func normalizeCell(v any) any {
	switch c := v.(type) {
	case nil, bool, int64, float64, string:
		return c
	case int16:
		return int64(c)
	case int32:
		return int64(c)
	case float32:
		return float64(c)
	case []byte:
		return string(c)
	case pgtype.Numeric:
		f, err := c.Float64Value()
		if err == nil {
			return f.Float64
		}
		return fmt.Sprint(c)
	default:
		return c
	}
}

// Write stages tbl into an ON COMMIT DROP temp table with binary COPY,
// then replaces or appends to the target inside the same transaction.
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
		return fmt.Errorf("postgres write needs a table name")
	}
	mode := opts.Mode
	if mode == "" {
		mode = source.ModeReplace
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning write transaction: %w", err)
	}
	// No-op after a successful commit.
	defer tx.Rollback(ctx)

	staging := "_tf_stage_" + uuid.New().String()[:8]
	if _, err := tx.Exec(ctx, stageDDL(staging, tbl)); err != nil {
		return fmt.Errorf("creating staging table %s: %w", staging, err)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{staging}, tbl.Columns, pgx.CopyFromRows(tbl.Rows)); err != nil {
		return fmt.Errorf("copying to staging: %w", err)
	}

	for _, stmt := range mergeStatements(s.schema, target, staging, tbl.Columns, mode) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("writing %s: %w", target, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing write to %s: %w", target, err)
	}
	return nil
}

func stageDDL(staging string, tbl *table.Table) string {
	defs := make([]string, len(tbl.Columns))
	for i, col := range tbl.Columns {
		defs[i] = pq.QuoteIdentifier(col) + " " + sqlType(tbl.ColumnType(i))
	}
	return fmt.Sprintf("CREATE TEMP TABLE %s (%s) ON COMMIT DROP",
		pq.QuoteIdentifier(staging), strings.Join(defs, ", "))
}

func sqlType(kind string) string {
	switch kind {
	case table.TypeInt:
		return "BIGINT"
	case table.TypeFloat:
		return "DOUBLE PRECISION"
	case table.TypeBool:
		return "BOOLEAN"
	case table.TypeTime:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// mergeStatements renders the statements moving staged rows into the
// target for the given mode.
func mergeStatements(schema, target, staging string, cols []string, mode source.WriteMode) []string {
	quotedTarget := qualify(schema, target)
	quotedStaging := pq.QuoteIdentifier(staging)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	colStr := strings.Join(quoted, ", ")

	if mode == source.ModeReplace {
		return []string{
			fmt.Sprintf("DROP TABLE IF EXISTS %s", quotedTarget),
			fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", quotedTarget, quotedStaging),
		}
	}
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (LIKE %s INCLUDING DEFAULTS)", quotedTarget, quotedStaging),
		fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", quotedTarget, colStr, colStr, quotedStaging),
	}
}

// Metadata lists tables in the configured schema.
func (s *Source) Metadata(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(ctx); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = $1 ORDER BY table_name", s.schema)
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

// Close releases the pool. Idempotent.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}
