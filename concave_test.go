package concave

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterBuilders(t *testing.T) {
	f := And(Eq("status", "active"), Gt("age", 21), Or(Eq("role", "admin"), Eq("role", "ops")))

	assert.True(t, f.Match(map[string]any{"status": "active", "age": 30, "role": "ops"}))
	assert.False(t, f.Match(map[string]any{"status": "active", "age": 30, "role": "user"}))
	assert.False(t, f.Match(map[string]any{"status": "inactive", "age": 30, "role": "admin"}))

	// Builders and the parser agree: the rendered expression recompiles
	// to the same predicate.
	parsed, err := CompileFilter(f.Raw())
	require.NoError(t, err)
	assert.True(t, parsed.Match(map[string]any{"status": "active", "age": 30, "role": "ops"}))
}

func TestBuilderEscapesValues(t *testing.T) {
	f := Eq("name", `Mc"Quote`)
	parsed, err := CompileFilter(f.Raw())
	require.NoError(t, err)
	assert.True(t, parsed.Match(map[string]any{"name": `Mc"Quote`}))
}

func TestScopeSentinels(t *testing.T) {
	assert.True(t, ScopeAll().IsAll())
	assert.True(t, ScopeEmpty().IsEmpty())
	assert.True(t, ScopeExpr(nil).IsAll())
}

func TestAppSmoke(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	a, err := New(Options{Store: store, KV: NewMemoryKV()})
	require.NoError(t, err)
	assert.NotNil(t, a.Handler())
	assert.NotNil(t, a.Scheduler())
}
