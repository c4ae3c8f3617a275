// Package sqlstore implements storage.Driver on database/sql, covering
// SQLite (embedded, via a WASM build of the engine) and MySQL with one
// code path and a small dialect layer.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/concavehq/concave/internal/filter"
	"github.com/concavehq/concave/internal/storage"
)

// execer is the subset of database/sql shared by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// session runs queries against one execer. The Store embeds a session over
// the root *sql.DB; Transact creates one over a *sql.Tx.
type session struct {
	ex      execer
	dialect Dialect
}

// Store is a database/sql-backed storage.Driver.
type Store struct {
	session
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New wraps an open database handle. EnsureSchema must run before the
// first write so the changelog tables exist.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{
		session: session{ex: db, dialect: dialect},
		db:      db,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenSQLite opens (or creates) a SQLite database and prepares the
// changelog schema. Use ":memory:" for an ephemeral database.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*Store, error) {
	connStr := path
	if path == ":memory:" {
		connStr = "file::memory:?cache=shared&_pragma=foreign_keys(1)"
	} else if !strings.HasPrefix(path, "file:") {
		connStr = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	}
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	s := New(db, DialectSQLite, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMySQL connects to MySQL with the given DSN and prepares the
// changelog schema.
func OpenMySQL(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql ping failed: %w", err)
	}
	s := New(db, DialectMySQL, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle, for sharing it with the session store.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the store's dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Close() error { return s.db.Close() }

// Transact runs fn inside a transaction, committing on nil and rolling
// back on error or panic.
func (s *Store) Transact(ctx context.Context, fn func(tx storage.Querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&session{ex: tx, dialect: s.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.dialect.mapError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// tableSchema adapts a Table to the filter engine's column resolver,
// quoting identifiers per dialect.
type tableSchema struct {
	dialect Dialect
	table   *storage.Table
}

func (ts tableSchema) ColumnSQL(field string) (string, bool) {
	if !ts.table.Has(field) {
		return "", false
	}
	return ts.dialect.QuoteIdent(ts.table.SQLName(field)), true
}

// whereClause lowers a filter, returning "" for the tautology.
func (q *session) whereClause(table *storage.Table, f *filter.Compiled) (string, []any, error) {
	if f.IsTautology() {
		return "", nil, nil
	}
	return f.ToSQL(tableSchema{dialect: q.dialect, table: table})
}

// projection resolves the selected columns, always retaining the primary
// key and the sort keys (pagination boundaries are read off the last row)
// and dropping names the table does not declare.
func projection(q storage.SelectQuery) []string {
	if len(q.Columns) == 0 {
		return q.Table.Columns
	}
	cols := make([]string, 0, len(q.Columns)+len(q.Sort)+1)
	seen := make(map[string]bool, len(q.Columns)+len(q.Sort)+1)
	add := func(c string) {
		if q.Table.Has(c) && !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	add(q.Table.PrimaryKey)
	for _, s := range q.Sort {
		add(s.Field)
	}
	for _, c := range q.Columns {
		add(c)
	}
	return cols
}

func (q *session) Select(ctx context.Context, sel storage.SelectQuery) ([]map[string]any, error) {
	cols := projection(sel)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = q.dialect.QuoteIdent(sel.Table.SQLName(c)) + " AS " + q.dialect.QuoteIdent(c)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s",
		strings.Join(quoted, ", "), q.dialect.QuoteIdent(sel.Table.Name))

	where, args, err := q.whereClause(sel.Table, sel.Filter)
	if err != nil {
		return nil, err
	}
	conds := make([]string, 0, 2)
	if where != "" {
		conds = append(conds, where)
	}

	sorts := effectiveSort(sel)
	if len(sel.After) > 0 {
		boundary, boundaryArgs, err := keysetWhere(q.dialect, sel.Table, sorts, sel.After)
		if err != nil {
			return nil, err
		}
		conds = append(conds, boundary)
		args = append(args, boundaryArgs...)
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}

	sb.WriteString(" ORDER BY " + orderBy(q.dialect, sel.Table, sorts))
	if sel.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", sel.Limit)
	}

	rows, err := q.ex.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, q.dialect.mapError(err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (q *session) Count(ctx context.Context, table *storage.Table, f *filter.Compiled) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", q.dialect.QuoteIdent(table.Name))
	where, args, err := q.whereClause(table, f)
	if err != nil {
		return 0, err
	}
	if where != "" {
		query += " WHERE " + where
	}
	var n int64
	if err := q.ex.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, q.dialect.mapError(err)
	}
	return n, nil
}

func (q *session) AggregateQuery(ctx context.Context, agg storage.Aggregate) ([]map[string]any, error) {
	var selects []string
	addFns := func(fn string, cols []string) error {
		for _, c := range cols {
			if !agg.Table.Has(c) {
				return fmt.Errorf("unknown aggregate column %q", c)
			}
			col := q.dialect.QuoteIdent(agg.Table.SQLName(c))
			alias := q.dialect.QuoteIdent(strings.ToLower(fn) + "_" + c)
			selects = append(selects, fmt.Sprintf("%s(%s) AS %s", fn, col, alias))
		}
		return nil
	}

	var groupCols []string
	for _, g := range agg.GroupBy {
		if !agg.Table.Has(g) {
			return nil, fmt.Errorf("unknown groupBy column %q", g)
		}
		col := q.dialect.QuoteIdent(agg.Table.SQLName(g))
		selects = append(selects, col+" AS "+q.dialect.QuoteIdent(g))
		groupCols = append(groupCols, col)
	}
	if agg.Count {
		selects = append(selects, "COUNT(*) AS "+q.dialect.QuoteIdent("count"))
	}
	for fn, cols := range map[string][]string{
		"SUM": agg.Sum, "AVG": agg.Avg, "MIN": agg.Min, "MAX": agg.Max,
	} {
		if err := addFns(fn, cols); err != nil {
			return nil, err
		}
	}
	if len(selects) == 0 {
		return nil, fmt.Errorf("aggregate query selects nothing")
	}

	query := fmt.Sprintf("SELECT %s FROM %s",
		strings.Join(selects, ", "), q.dialect.QuoteIdent(agg.Table.Name))
	where, args, err := q.whereClause(agg.Table, agg.Filter)
	if err != nil {
		return nil, err
	}
	if where != "" {
		query += " WHERE " + where
	}
	if len(groupCols) > 0 {
		query += " GROUP BY " + strings.Join(groupCols, ", ")
	}

	rows, err := q.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, q.dialect.mapError(err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (q *session) Insert(ctx context.Context, table *storage.Table, row map[string]any) error {
	cols := make([]string, 0, len(row))
	for c := range row {
		if table.Has(c) {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		return fmt.Errorf("insert into %s: no known columns", table.Name)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	holders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = q.dialect.QuoteIdent(table.SQLName(c))
		holders[i] = "?"
		args[i] = row[c]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		q.dialect.QuoteIdent(table.Name),
		strings.Join(quoted, ", "), strings.Join(holders, ", "))
	if _, err := q.ex.ExecContext(ctx, query, args...); err != nil {
		return q.dialect.mapError(err)
	}
	return nil
}

func (q *session) UpdateWhere(ctx context.Context, table *storage.Table, f *filter.Compiled, changes map[string]any) (int64, error) {
	cols := make([]string, 0, len(changes))
	for c := range changes {
		if table.Has(c) {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		return 0, nil
	}
	sort.Strings(cols)

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+4)
	for i, c := range cols {
		sets[i] = q.dialect.QuoteIdent(table.SQLName(c)) + " = ?"
		args = append(args, changes[c])
	}

	query := fmt.Sprintf("UPDATE %s SET %s",
		q.dialect.QuoteIdent(table.Name), strings.Join(sets, ", "))
	where, whereArgs, err := q.whereClause(table, f)
	if err != nil {
		return 0, err
	}
	if where != "" {
		query += " WHERE " + where
		args = append(args, whereArgs...)
	}

	res, err := q.ex.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, q.dialect.mapError(err)
	}
	return res.RowsAffected()
}

func (q *session) DeleteWhere(ctx context.Context, table *storage.Table, f *filter.Compiled) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s", q.dialect.QuoteIdent(table.Name))
	where, args, err := q.whereClause(table, f)
	if err != nil {
		return 0, err
	}
	if where != "" {
		query += " WHERE " + where
	}
	res, err := q.ex.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, q.dialect.mapError(err)
	}
	return res.RowsAffected()
}

// scanRows materialises a result set as generic records, converting byte
// slices to strings so records behave the same across drivers.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(map[string]any, len(cols))
		for i, c := range cols {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			record[c] = v
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

var (
	_ storage.Driver  = (*Store)(nil)
	_ storage.Querier = (*session)(nil)
)
