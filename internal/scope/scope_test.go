package scope_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concavehq/concave/internal/auth"
	"github.com/concavehq/concave/internal/filter"
	"github.com/concavehq/concave/internal/problem"
	"github.com/concavehq/concave/internal/scope"
)

func tenantScope(t *testing.T) scope.Func {
	t.Helper()
	return func(user *auth.UserContext) *scope.Compiled {
		f, err := filter.Compile(`tenantId=="` + user.ID + `"`)
		require.NoError(t, err)
		return scope.Expr(f)
	}
}

func TestResolveAnonymous(t *testing.T) {
	cfg := &scope.Config{}

	_, err := cfg.Resolve(scope.OpRead, nil)
	require.Error(t, err)
	assert.True(t, problem.IsKind(err, problem.KindUnauthenticated))

	cfg.Public.Read = true
	s, err := cfg.Resolve(scope.OpRead, nil)
	require.NoError(t, err)
	assert.True(t, s.IsAll())

	// Read-only public does not open subscribe.
	_, err = cfg.Resolve(scope.OpSubscribe, nil)
	assert.True(t, problem.IsKind(err, problem.KindUnauthenticated))

	cfg.Public.All = true
	s, err = cfg.Resolve(scope.OpSubscribe, nil)
	require.NoError(t, err)
	assert.True(t, s.IsAll())

	// Mutations are never public.
	_, err = cfg.Resolve(scope.OpCreate, nil)
	assert.True(t, problem.IsKind(err, problem.KindUnauthenticated))
}

func TestResolveForbidden(t *testing.T) {
	cfg := &scope.Config{
		Delete: func(*auth.UserContext) *scope.Compiled { return scope.Empty() },
	}
	user := &auth.UserContext{ID: "u1"}

	_, err := cfg.Resolve(scope.OpDelete, user)
	require.Error(t, err)
	assert.True(t, problem.IsKind(err, problem.KindForbidden))

	// Other operations fall back to All.
	s, err := cfg.Resolve(scope.OpRead, user)
	require.NoError(t, err)
	assert.True(t, s.IsAll())
}

func TestResolveFallback(t *testing.T) {
	cfg := &scope.Config{
		Fallback: tenantScope(t),
		Read:     func(*auth.UserContext) *scope.Compiled { return scope.All() },
	}
	user := &auth.UserContext{ID: "t1"}

	s, err := cfg.Resolve(scope.OpRead, user)
	require.NoError(t, err)
	assert.True(t, s.IsAll())

	s, err = cfg.Resolve(scope.OpUpdate, user)
	require.NoError(t, err)
	require.False(t, s.IsAll())
	assert.True(t, s.Match(map[string]any{"tenantId": "t1"}))
	assert.False(t, s.Match(map[string]any{"tenantId": "t2"}))
}

func TestApplyComposition(t *testing.T) {
	scopeF, err := filter.Compile(`tenantId=="t1"`)
	require.NoError(t, err)
	callerF, err := filter.Compile(`status=="active"`)
	require.NoError(t, err)

	// All absorbs: effective filter is the caller's alone.
	assert.Same(t, callerF, scope.All().Apply(callerF))

	s := scope.Expr(scopeF)
	combined := s.Apply(callerF)
	assert.True(t, combined.Match(map[string]any{"tenantId": "t1", "status": "active"}))
	assert.False(t, combined.Match(map[string]any{"tenantId": "t2", "status": "active"}))
	assert.False(t, combined.Match(map[string]any{"tenantId": "t1", "status": "done"}))

	// Scope with no caller filter is just the scope.
	assert.True(t, s.Apply(nil).Match(map[string]any{"tenantId": "t1"}))
}

func TestCompileSentinels(t *testing.T) {
	c := filter.NewCompiler(nil)

	s, err := scope.Compile(c, "*")
	require.NoError(t, err)
	assert.True(t, s.IsAll())

	s, err = scope.Compile(c, "")
	require.NoError(t, err)
	assert.True(t, s.IsAll())

	s, err = scope.Compile(c, `ownerId=="u1"`)
	require.NoError(t, err)
	assert.False(t, s.IsAll())

	_, err = scope.Compile(c, `ownerId=!=`)
	assert.Error(t, err)
}
