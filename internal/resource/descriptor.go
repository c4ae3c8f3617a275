// Package resource synthesises the REST surface for one mapped table:
// list/get with keyset pagination, create/update/replace/delete with
// optimistic concurrency and idempotency replay, batch operations,
// aggregations, live SSE subscriptions and delegated search.
package resource

import (
	"context"
	"fmt"

	"github.com/concavehq/concave/internal/filter"
	"github.com/concavehq/concave/internal/relations"
	"github.com/concavehq/concave/internal/scope"
	"github.com/concavehq/concave/internal/storage"
)

// Pagination and batch defaults; the spec invariant is
// 1 <= DefaultLimit <= MaxLimit <= 1000.
const (
	defaultPageLimit = 50
	maxPageLimit     = 1000
	defaultBatchMax  = 100
)

// HookFunc observes or rewrites a record around a mutation. A before-hook
// may return a replacement payload; returning nil keeps the input.
type HookFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Hooks are the lifecycle callbacks of a resource.
type Hooks struct {
	OnBeforeCreate HookFunc
	OnBeforeUpdate HookFunc
	OnBeforeDelete HookFunc
	OnAfterCreate  HookFunc
	OnAfterUpdate  HookFunc
	OnAfterDelete  HookFunc
}

// Searcher is the optional external search adapter behind GET /search.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]map[string]any, error)
}

// Descriptor is the per-table configuration the caller supplies.
type Descriptor struct {
	// Name is the resource name used in routes and the changelog.
	Name string

	Table *storage.Table

	EnableCreate        bool
	EnableUpdate        bool
	EnableReplace       bool
	EnableDelete        bool
	EnableSubscriptions bool
	EnableAggregations  bool
	EnableSearch        bool

	DefaultLimit int
	MaxLimit     int

	MaxCreate int
	MaxUpdate int
	MaxDelete int

	// VersionField names a monotonic integer column; when set, updates
	// increment it in the write transaction and ETags derive from it.
	VersionField string

	// ETagField names a column holding a precomputed digest; it takes
	// precedence over VersionField.
	ETagField string

	Scope *scope.Config

	Hooks Hooks

	Relations map[string]*relations.Relation

	// CustomOperators extends the filter language for this resource only.
	CustomOperators map[string]filter.Operator

	Searcher Searcher
}

// normalize fills defaults and checks the descriptor's invariants.
func (d *Descriptor) normalize() error {
	if d.Name == "" {
		return fmt.Errorf("resource has no name")
	}
	if d.Table == nil || d.Table.Name == "" {
		return fmt.Errorf("resource %s has no table", d.Name)
	}
	if d.Table.PrimaryKey == "" || !d.Table.Has(d.Table.PrimaryKey) {
		return fmt.Errorf("resource %s: table %s has no usable primary key", d.Name, d.Table.Name)
	}
	if d.DefaultLimit == 0 {
		d.DefaultLimit = defaultPageLimit
	}
	if d.MaxLimit == 0 {
		d.MaxLimit = maxPageLimit
	}
	if d.DefaultLimit < 1 || d.DefaultLimit > d.MaxLimit || d.MaxLimit > maxPageLimit {
		return fmt.Errorf("resource %s: limits must satisfy 1 <= default(%d) <= max(%d) <= %d",
			d.Name, d.DefaultLimit, d.MaxLimit, maxPageLimit)
	}
	for _, b := range []*int{&d.MaxCreate, &d.MaxUpdate, &d.MaxDelete} {
		if *b == 0 {
			*b = defaultBatchMax
		}
		if *b < 1 {
			return fmt.Errorf("resource %s: batch limits must be at least 1", d.Name)
		}
	}
	if d.VersionField != "" && !d.Table.Has(d.VersionField) {
		return fmt.Errorf("resource %s: version field %q is not a column", d.Name, d.VersionField)
	}
	if d.ETagField != "" && !d.Table.Has(d.ETagField) {
		return fmt.Errorf("resource %s: etag field %q is not a column", d.Name, d.ETagField)
	}
	if d.Scope == nil {
		d.Scope = &scope.Config{}
	}
	for name, rel := range d.Relations {
		if rel.Kind == "" || rel.Target == nil {
			return fmt.Errorf("resource %s: relation %q is incomplete", d.Name, name)
		}
	}
	return nil
}

// selectWhitelist filters a select parameter against the table's columns
// and the requested relations. Unknown names are dropped silently; the
// primary key is retained by the storage layer.
func (d *Descriptor) selectWhitelist(fields []string) []string {
	if len(fields) == 0 {
		return nil
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if d.Table.Has(f) {
			out = append(out, f)
			continue
		}
		if _, ok := d.Relations[f]; ok {
			// Relation names ride along so includes stay addressable.
			continue
		}
	}
	return out
}
