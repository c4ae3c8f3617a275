// Package scope implements per-operation authorization as filter
// composition. A scope function maps the authenticated user to a compiled
// filter; the pipeline ANDs that filter with whatever the caller asked for,
// so a tenant can never widen its view past what its scope admits.
package scope

import (
	"github.com/concavehq/concave/internal/auth"
	"github.com/concavehq/concave/internal/filter"
	"github.com/concavehq/concave/internal/problem"
)

// Op identifies the operation being authorized.
type Op int

const (
	OpRead Op = iota
	OpCreate
	OpUpdate
	OpDelete
	OpSubscribe
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpSubscribe:
		return "subscribe"
	}
	return "unknown"
}

type kind int

const (
	kindAll kind = iota
	kindEmpty
	kindExpr
)

// Compiled is a resolved scope: everything, nothing, or a filter
// expression.
type Compiled struct {
	kind kind
	expr *filter.Compiled
}

// All matches everything. Composition elides it.
func All() *Compiled { return &Compiled{kind: kindAll} }

// Empty matches nothing. The pipeline turns it into a forbidden error.
func Empty() *Compiled { return &Compiled{kind: kindEmpty} }

// Expr wraps a compiled filter as a scope. A nil filter means All.
func Expr(f *filter.Compiled) *Compiled {
	if f == nil || f.IsTautology() {
		return All()
	}
	return &Compiled{kind: kindExpr, expr: f}
}

// Compile parses a scope expression with the given compiler. Scope
// expressions are configuration, so a parse failure is the caller's bug,
// not the end user's.
func Compile(c *filter.Compiler, expr string) (*Compiled, error) {
	if expr == "" || expr == "*" {
		return All(), nil
	}
	f, err := c.Compile(expr)
	if err != nil {
		return nil, err
	}
	return Expr(f), nil
}

// IsAll reports whether the scope matches everything.
func (s *Compiled) IsAll() bool { return s == nil || s.kind == kindAll }

// IsEmpty reports whether the scope matches nothing.
func (s *Compiled) IsEmpty() bool { return s != nil && s.kind == kindEmpty }

// Filter returns the underlying filter expression, or nil for the
// sentinels.
func (s *Compiled) Filter() *filter.Compiled {
	if s == nil || s.kind != kindExpr {
		return nil
	}
	return s.expr
}

// Apply composes the scope with a caller filter via AND. All absorbs;
// Empty must be rejected before composition, so Apply treats it as All.
func (s *Compiled) Apply(f *filter.Compiled) *filter.Compiled {
	if s.IsAll() || s.IsEmpty() {
		return f
	}
	if f == nil || f.IsTautology() {
		return s.expr
	}
	return s.expr.And(f)
}

// Match reports whether a record falls inside the scope.
func (s *Compiled) Match(record map[string]any) bool {
	switch {
	case s.IsAll():
		return true
	case s.IsEmpty():
		return false
	default:
		return s.expr.Match(record)
	}
}

// Func maps a user to a scope. A nil return means All.
type Func func(user *auth.UserContext) *Compiled

// Public controls which operations accept anonymous callers.
type Public struct {
	// All makes read and subscribe public.
	All bool

	Read      bool
	Subscribe bool
}

func (p Public) allows(op Op) bool {
	switch op {
	case OpRead:
		return p.All || p.Read
	case OpSubscribe:
		return p.All || p.Subscribe
	}
	return false
}

// Config is a resource's authorization configuration.
type Config struct {
	Public Public

	Read      Func
	Create    Func
	Update    Func
	Delete    Func
	Subscribe Func

	// Fallback applies to any operation without its own function. When
	// Fallback is also nil, authenticated users see everything.
	Fallback Func
}

func (c *Config) funcFor(op Op) Func {
	var f Func
	switch op {
	case OpRead:
		f = c.Read
	case OpCreate:
		f = c.Create
	case OpUpdate:
		f = c.Update
	case OpDelete:
		f = c.Delete
	case OpSubscribe:
		f = c.Subscribe
	}
	if f == nil {
		f = c.Fallback
	}
	return f
}

// Resolve authorizes op for user and returns the effective scope.
//
// Anonymous callers pass only on public operations, with an All scope. An
// authenticated user whose scope function returns Empty is forbidden.
func (c *Config) Resolve(op Op, user *auth.UserContext) (*Compiled, error) {
	if c == nil {
		c = &Config{}
	}
	if user == nil {
		if c.Public.allows(op) {
			return All(), nil
		}
		return nil, problem.New(problem.KindUnauthenticated, "authentication required")
	}

	f := c.funcFor(op)
	if f == nil {
		return All(), nil
	}
	s := f(user)
	if s == nil {
		return All(), nil
	}
	if s.IsEmpty() {
		return nil, problem.New(problem.KindForbidden, "operation not permitted")
	}
	return s, nil
}
