// Package concave is a declarative resource-oriented HTTP framework:
// point it at a relational table and it synthesises a REST surface with
// filtering, keyset pagination, batch operations, aggregations,
// optimistic concurrency, idempotent mutation, scoped authorization and
// live subscriptions over server-sent events.
//
// The package root re-exports the types an embedding application needs;
// the machinery lives under internal/.
package concave

import (
	"context"

	"github.com/concavehq/concave/internal/app"
	"github.com/concavehq/concave/internal/auth"
	"github.com/concavehq/concave/internal/filter"
	"github.com/concavehq/concave/internal/kv"
	"github.com/concavehq/concave/internal/kv/memkv"
	"github.com/concavehq/concave/internal/kv/rediskv"
	"github.com/concavehq/concave/internal/relations"
	"github.com/concavehq/concave/internal/resource"
	"github.com/concavehq/concave/internal/scope"
	"github.com/concavehq/concave/internal/session"
	"github.com/concavehq/concave/internal/storage"
	"github.com/concavehq/concave/internal/storage/sqlstore"
)

// Core configuration types.
type (
	App        = app.App
	Options    = app.Options
	Descriptor = resource.Descriptor
	Hooks      = resource.Hooks
	HookFunc   = resource.HookFunc
	Table      = storage.Table
	Relation   = relations.Relation
)

// Authorization surface.
type (
	UserContext = auth.UserContext
	AuthAdapter = auth.Adapter
	ScopeConfig = scope.Config
	ScopeFunc   = scope.Func
	Scope       = scope.Compiled
)

// Relation kinds.
const (
	BelongsTo  = relations.BelongsTo
	HasOne     = relations.HasOne
	HasMany    = relations.HasMany
	ManyToMany = relations.ManyToMany
)

// New assembles an application from its options.
func New(opts Options) (*App, error) { return app.New(opts) }

// OpenSQLite opens (or creates) a SQLite-backed storage driver.
func OpenSQLite(ctx context.Context, path string) (storage.Driver, error) {
	return sqlstore.OpenSQLite(ctx, path)
}

// OpenMySQL opens a MySQL-backed storage driver from a DSN.
func OpenMySQL(ctx context.Context, dsn string) (storage.Driver, error) {
	return sqlstore.OpenMySQL(ctx, dsn)
}

// NewMemoryKV returns an in-process KV adapter, suitable for a single
// instance or tests.
func NewMemoryKV() kv.Adapter { return memkv.New() }

// OpenRedisKV returns a Redis-backed KV adapter from a redis:// URL,
// the backend a clustered deployment shares.
func OpenRedisKV(url string) (kv.Adapter, error) { return rediskv.New(url) }

// NewMemorySessionStore returns an in-process session store.
func NewMemorySessionStore() session.Store { return session.NewMemoryStore() }

// Scope sentinels and builders.
var (
	ScopeAll   = scope.All
	ScopeEmpty = scope.Empty
	ScopeExpr  = scope.Expr
)

// Filter builders for programmatic scope construction; escaping is
// handled internally, so values never need quoting by the caller.
var (
	Eq      = filter.Eq
	Ne      = filter.Ne
	Gt      = filter.Gt
	Ge      = filter.Ge
	Lt      = filter.Lt
	Le      = filter.Le
	In      = filter.In
	Like    = filter.Like
	Between = filter.Between
	And     = filter.And
	Or      = filter.Or
)

// CompileFilter parses a filter expression with the built-in operator
// set. Useful for constructing scopes from stored strings.
func CompileFilter(expr string) (*filter.Compiled, error) { return filter.Compile(expr) }
