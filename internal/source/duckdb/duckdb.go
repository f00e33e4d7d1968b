// Package duckdb implements the embedded analytical database backend.
//
// One Source owns one database (file or in-memory) through a shared
// connector: a main connection for reads and metadata plus a small cache
// of worker connections for writes, created lazily. Every read and write
// runs inside an explicit transaction; writes stage rows into a
// transaction-local temp table and then move them into the target in one
// statement, so a failed write never leaves a half-written table.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	duckdb "github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tabflow/tabflow/internal/logging"
	"github.com/tabflow/tabflow/internal/source"
	"github.com/tabflow/tabflow/internal/table"
	"github.com/tabflow/tabflow/internal/workerpool"
)

// Kind is the canonical backend name.
const Kind = "duckdb"

// insertChunk is the row count per staged INSERT statement.
const insertChunk = 500

func init() {
	source.Register(&source.Backend{
		Kind:       Kind,
		Aliases:    []string{"duck"},
		Extensions: []string{".duckdb", ".ddb", ".db"},
		FileBacked: true,
		PoolSize:   2,
		New:        New,
	})
}

// Source is one duckdb database. All entry points are serialized by the
// instance mutex; concurrency across distinct Sources is unaffected.
type Source struct {
	mu sync.Mutex

	path     string
	dsn      string
	defTable string
	maxConns int

	connector *duckdb.Connector
	db        *sql.DB
	closed    bool

	// Worker connections, created lazily behind connMu. Writes take one
	// by round-robin id so a dedicated connection hosts each staging
	// temp table; id 0 is the main read connection.
	connMu   sync.Mutex
	conns    map[int]*sql.Conn
	nextConn atomic.Int64

	pool *workerpool.Pool
}

// New constructs the backend. An empty path means an in-memory database.
// Parameters: table (default write/read target), read_only, and
// max_connections (worker connection cache size, default 4). Unless the
// descriptor is lazy the database is opened immediately so a corrupt or
// unreadable file fails at construction.
func New(desc source.Descriptor) (source.Source, error) {
	readOnly, err := desc.BoolParam("read_only", false)
	if err != nil {
		return nil, err
	}
	maxConns, err := desc.IntParam("max_connections", 4)
	if err != nil {
		return nil, err
	}
	if maxConns < 1 {
		return nil, &source.ConfigError{Kind: Kind, Reason: fmt.Sprintf("parameter \"max_connections\": must be >= 1, got %d", maxConns)}
	}

	path := desc.EffectivePath()
	dsn := path
	if dsn == ":memory:" {
		dsn = ""
	}
	if readOnly {
		if dsn == "" {
			return nil, &source.ConfigError{Kind: Kind, Reason: "read_only requires a database file"}
		}
		dsn += "?access_mode=read_only"
	}

	s := &Source{
		path:     path,
		dsn:      dsn,
		defTable: desc.Param("table"),
		maxConns: maxConns,
		conns:    make(map[int]*sql.Conn),
		pool:     workerpool.ForKind(Kind, 2),
	}
	if !desc.Lazy {
		s.mu.Lock()
		err := s.ensureOpen()
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Kind returns the backend name.
func (s *Source) Kind() string { return Kind }

// ensureOpen opens the connector and pool on first use. Callers hold s.mu.
func (s *Source) ensureOpen() error {
	if s.closed {
		return fmt.Errorf("duckdb source %s is closed", s.describe())
	}
	if s.db != nil {
		return nil
	}
	connector, err := duckdb.NewConnector(s.dsn, nil)
	if err != nil {
		return fmt.Errorf("opening duckdb %s: %w", s.describe(), err)
	}
	s.connector = connector
	s.db = sql.OpenDB(connector)
	s.db.SetMaxOpenConns(s.maxConns + 2)
	return nil
}

func (s *Source) describe() string {
	if s.path == "" || s.path == ":memory:" {
		return ":memory:"
	}
	return s.path
}

// workerConn returns the cached connection for id, creating it outside
// the lock and re-checking before install so two creators never leak.
func (s *Source) workerConn(ctx context.Context, id int) (*sql.Conn, error) {
	s.connMu.Lock()
	if c, ok := s.conns[id]; ok {
		s.connMu.Unlock()
		return c, nil
	}
	s.connMu.Unlock()

	c, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring duckdb connection %d: %w", id, err)
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if cached, ok := s.conns[id]; ok {
		c.Close()
		return cached, nil
	}
	s.conns[id] = c
	return c, nil
}

// writeConn picks a worker connection round-robin, leaving id 0 to reads.
func (s *Source) writeConn(ctx context.Context) (*sql.Conn, error) {
	id := 1 + int((s.nextConn.Add(1)-1)%int64(s.maxConns))
	return s.workerConn(ctx, id)
}

// Read runs opts.Query, or selects from opts.Table (falling back to the
// descriptor's table parameter) with filters and limit pushed into SQL.
func (s *Source) Read(ctx context.Context, opts source.ReadOptions) (*table.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	var t *table.Table
	err := s.pool.Run(ctx, func() error {
		query := opts.Query
		var args []any
		if query == "" {
			target := opts.Table
			if target == "" {
				target = s.defTable
			}
			if target == "" {
				return fmt.Errorf("duckdb read needs a query or a table name")
			}
			var err error
			query, args, err = buildSelect(target, opts)
			if err != nil {
				return err
			}
		}

		conn, err := s.workerConn(ctx, 0)
		if err != nil {
			return err
		}
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning read transaction: %w", err)
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			rollback(tx)
			return fmt.Errorf("querying %s: %w", s.describe(), err)
		}
		t, err = scanTable(rows)
		rows.Close()
		if err != nil {
			rollback(tx)
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	// Raw queries get filters applied in memory for uniform semantics.
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

func buildSelect(target string, opts source.ReadOptions) (string, []any, error) {
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
	fmt.Fprintf(&sb, "SELECT %s FROM %s", cols, pq.QuoteIdentifier(target))

	for i, f := range opts.Filters {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		op, ok := sqlOps[f.Op]
		if !ok {
			return "", nil, fmt.Errorf("unknown filter operator %q", f.Op)
		}
		if f.Op == source.FilterIn {
			marks := make([]string, len(f.Values))
			for j, v := range f.Values {
				marks[j] = "?"
				args = append(args, v)
			}
			fmt.Fprintf(&sb, "%s IN (%s)", pq.QuoteIdentifier(f.Column), strings.Join(marks, ", "))
			continue
		}
		fmt.Fprintf(&sb, "%s %s ?", pq.QuoteIdentifier(f.Column), op)
		args = append(args, f.Value)
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
	source.FilterIn: "IN",
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

// normalizeCell maps driver values onto the table cell types.
func normalizeCell(v any) any {
	switch c := v.(type) {
	case nil, bool, int64, float64, string:
		return c
	case time.Time:
		return c
	case int:
		return int64(c)
	case int8:
		return int64(c)
	case int16:
		return int64(c)
	case int32:
		return int64(c)
	case uint8:
		return int64(c)
	case uint16:
		return int64(c)
	case uint32:
		return int64(c)
	case uint64:
		return int64(c)
	case float32:
		return float64(c)
	case []byte:
		return string(c)
	default:
		return fmt.Sprint(c)
	}
}

// Write stages tbl into a temp table on a dedicated worker connection and
// moves it into the target inside one transaction. ModeReplace issues
// CREATE OR REPLACE; ModeAppend creates the target when absent and
// INSERT ... SELECTs otherwise. Any failure rolls the transaction back
// so the target keeps its prior contents.
func (s *Source) Write(ctx context.Context, tbl *table.Table, opts source.WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}

	target := opts.Table
	if target == "" {
		target = s.defTable
	}
	if target == "" {
		return fmt.Errorf("duckdb write needs a table name")
	}
	mode := opts.Mode
	if mode == "" {
		mode = source.ModeReplace
	}

	return s.pool.Run(ctx, func() error {
		conn, err := s.writeConn(ctx)
		if err != nil {
			return err
		}
		return s.stagedWrite(ctx, conn, tbl, target, mode)
	})
}

func (s *Source) stagedWrite(ctx context.Context, conn *sql.Conn, tbl *table.Table, target string, mode source.WriteMode) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning write transaction: %w", err)
	}

	stage := "_tf_stage_" + uuid.New().String()[:8]
	if _, err := tx.ExecContext(ctx, stageDDL(stage, tbl)); err != nil {
		rollback(tx)
		return fmt.Errorf("creating staging table %s: %w", stage, err)
	}
	if err := insertRows(ctx, tx, stage, tbl); err != nil {
		rollback(tx)
		return err
	}

	quotedTarget := pq.QuoteIdentifier(target)
	switch mode {
	case source.ModeReplace:
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * FROM %s", quotedTarget, stage)); err != nil {
			rollback(tx)
			return fmt.Errorf("replacing table %s: %w", target, err)
		}
	case source.ModeAppend:
		exists, err := tableExists(ctx, tx, target)
		if err != nil {
			rollback(tx)
			return err
		}
		if !exists {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", quotedTarget, stage)); err != nil {
				rollback(tx)
				return fmt.Errorf("creating table %s: %w", target, err)
			}
		} else {
			cols := quotedColumns(tbl.Columns)
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", quotedTarget, cols, cols, stage)); err != nil {
				rollback(tx)
				return fmt.Errorf("appending to table %s: %w", target, err)
			}
		}
	default:
		rollback(tx)
		return fmt.Errorf("unknown write mode %q", mode)
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE "+stage); err != nil {
		rollback(tx)
		return fmt.Errorf("dropping staging table %s: %w", stage, err)
	}
	if err := tx.Commit(); err != nil {
		rollback(tx)
		return fmt.Errorf("committing write to %s: %w", target, err)
	}
	return nil
}

// rollback is best-effort; a failed write already carries the real error.
func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		logging.Debug("rollback failed: %v", err)
	}
}

func stageDDL(stage string, tbl *table.Table) string {
	defs := make([]string, len(tbl.Columns))
	for i, col := range tbl.Columns {
		defs[i] = pq.QuoteIdentifier(col) + " " + sqlType(tbl.ColumnType(i))
	}
	return fmt.Sprintf("CREATE TEMPORARY TABLE %s (%s)", stage, strings.Join(defs, ", "))
}

func sqlType(kind string) string {
	switch kind {
	case table.TypeInt:
		return "BIGINT"
	case table.TypeFloat:
		return "DOUBLE"
	case table.TypeBool:
		return "BOOLEAN"
	case table.TypeTime:
		return "TIMESTAMP"
	default:
		return "VARCHAR"
	}
}

func insertRows(ctx context.Context, tx *sql.Tx, stage string, tbl *table.Table) error {
	if tbl.IsEmpty() {
		return nil
	}
	width := len(tbl.Columns)
	marks := "(" + strings.TrimSuffix(strings.Repeat("?, ", width), ", ") + ")"

	for start := 0; start < len(tbl.Rows); start += insertChunk {
		end := start + insertChunk
		if end > len(tbl.Rows) {
			end = len(tbl.Rows)
		}
		chunk := tbl.Rows[start:end]

		groups := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*width)
		for i, row := range chunk {
			groups[i] = marks
			args = append(args, row...)
		}
		stmt := fmt.Sprintf("INSERT INTO %s VALUES %s", stage, strings.Join(groups, ", "))
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("staging rows %d..%d: %w", start, end-1, err)
		}
	}
	return nil
}

func tableExists(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	var n int64
	err := tx.QueryRowContext(ctx,
		"SELECT count(*) FROM information_schema.tables WHERE table_name = ?", name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", name, err)
	}
	return n > 0, nil
}

func quotedColumns(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

// Metadata lists the user tables in the main schema.
func (s *Source) Metadata(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	var meta map[string]any
	err := s.pool.Run(ctx, func() error {
		conn, err := s.workerConn(ctx, 0)
		if err != nil {
			return err
		}
		rows, err := conn.QueryContext(ctx,
			"SELECT table_name FROM information_schema.tables WHERE table_schema = 'main' ORDER BY table_name")
		if err != nil {
			return fmt.Errorf("listing tables in %s: %w", s.describe(), err)
		}
		defer rows.Close()

		var tables []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			tables = append(tables, name)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		meta = map[string]any{
			"kind":        Kind,
			"path":        s.describe(),
			"tables":      tables,
			"table_count": len(tables),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// Close releases every connection and the database. It is idempotent and
// keeps going when individual connections fail to close. File-backed
// databases get a brief settle wait so the file lock is released before
// a subsequent open.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db == nil {
		return nil
	}

	s.connMu.Lock()
	for id, conn := range s.conns {
		if err := conn.Close(); err != nil {
			logging.Warn("closing duckdb connection %d for %s: %v", id, s.describe(), err)
		}
	}
	s.conns = make(map[int]*sql.Conn)
	s.connMu.Unlock()

	err := s.db.Close()
	if err != nil {
		logging.Warn("closing duckdb %s: %v", s.describe(), err)
	}
	s.db = nil
	s.connector = nil

	if s.path != "" && s.path != ":memory:" {
		time.Sleep(100 * time.Millisecond)
	}
	return err
}
