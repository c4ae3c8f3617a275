// Package storage defines the driver contract the resource pipeline
// consumes. Drivers translate compiled filters to SQL, run writes inside
// transactions, and assign changelog sequence numbers at commit time.
package storage

import (
	"context"
	"errors"

	"github.com/concavehq/concave/internal/changelog"
	"github.com/concavehq/concave/internal/filter"
)

var (
	// ErrNotFound is returned when a targeted row does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned for unique-constraint violations.
	ErrConflict = errors.New("storage: conflict")

	// ErrNoTransactions is returned when a multi-row operation needs a
	// transaction the driver cannot provide.
	ErrNoTransactions = errors.New("storage: transactions unsupported")
)

// Table describes one mapped table: its columns and identity.
type Table struct {
	Name       string
	PrimaryKey string
	Columns    []string

	// ColumnSQLNames optionally maps API field names to different column
	// names. Unmapped fields use the field name as the column name.
	ColumnSQLNames map[string]string
}

// Has reports whether the table declares the column.
func (t *Table) Has(column string) bool {
	for _, c := range t.Columns {
		if c == column {
			return true
		}
	}
	return false
}

// SQLName returns the column name used in SQL for an API field name.
func (t *Table) SQLName(field string) string {
	if t.ColumnSQLNames != nil {
		if name, ok := t.ColumnSQLNames[field]; ok {
			return name
		}
	}
	return field
}

// Sort is one ordering key.
type Sort struct {
	Field string
	Desc  bool
}

// SelectQuery is a filtered, ordered, keyset-paginated read.
type SelectQuery struct {
	Table  *Table
	Filter *filter.Compiled

	// Columns restricts the projection; empty selects every declared
	// column. The primary key is always included.
	Columns []string

	// Sort orders the result. The driver appends the primary key as a
	// final tiebreak unless it is already present.
	Sort []Sort

	// Limit caps the row count; 0 means no limit.
	Limit int

	// After holds keyset boundary values aligned with the effective sort
	// keys (Sort plus the primary-key tiebreak). Nil means start from the
	// beginning.
	After []any
}

// Aggregate describes a grouped aggregation.
type Aggregate struct {
	Table  *Table
	Filter *filter.Compiled

	GroupBy []string
	Count   bool
	Sum     []string
	Avg     []string
	Min     []string
	Max     []string
}

// Querier is the operation set available both on a Driver and inside a
// transaction.
type Querier interface {
	// Select returns matching rows as generic records.
	Select(ctx context.Context, q SelectQuery) ([]map[string]any, error)

	// Count returns the number of rows matching the filter.
	Count(ctx context.Context, table *Table, f *filter.Compiled) (int64, error)

	// AggregateQuery runs a grouped aggregation, one row per group.
	AggregateQuery(ctx context.Context, agg Aggregate) ([]map[string]any, error)

	// Insert writes a new row. Unique violations map to ErrConflict.
	Insert(ctx context.Context, table *Table, row map[string]any) error

	// UpdateWhere applies changes to every row matching the filter,
	// returning the affected count.
	UpdateWhere(ctx context.Context, table *Table, f *filter.Compiled, changes map[string]any) (int64, error)

	// DeleteWhere removes every row matching the filter, returning the
	// affected count.
	DeleteWhere(ctx context.Context, table *Table, f *filter.Compiled) (int64, error)

	// AppendChange appends a changelog entry, assigning and returning its
	// sequence number. Inside a transaction the sequence commits
	// atomically with the mutation it records.
	AppendChange(ctx context.Context, e *changelog.Entry) (int64, error)
}

// Driver is the storage contract.
type Driver interface {
	Querier

	// Transact runs fn inside a transaction. fn's Querier must not be
	// retained after return.
	Transact(ctx context.Context, fn func(tx Querier) error) error

	// HighWater returns the largest committed changelog sequence for a
	// resource, 0 when the log is empty.
	HighWater(ctx context.Context, resource string) (int64, error)

	// ChangesSince returns committed changelog entries with seq > from,
	// oldest first, capped at limit.
	ChangesSince(ctx context.Context, resource string, from int64, limit int) ([]*changelog.Entry, error)

	Close() error
}
