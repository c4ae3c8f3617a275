package filter

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxLength caps the raw expression length accepted by a Compiler.
const DefaultMaxLength = 4096

// DefaultCacheSize is the number of compiled expressions kept per Compiler.
const DefaultCacheSize = 1024

// ParseError describes a malformed filter expression. It carries the
// offending snippet so handlers can surface it to the client.
type ParseError struct {
	Snippet string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Snippet != "" {
		return fmt.Sprintf("invalid filter %q: %v", e.Snippet, e.Err)
	}
	return fmt.Sprintf("invalid filter: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// snippet trims long inputs for error reporting.
func snippet(input string) string {
	const max = 64
	input = strings.TrimSpace(input)
	if len(input) > max {
		return input[:max] + "…"
	}
	return input
}

// Schema resolves field names to SQL column expressions. Implemented by the
// storage layer's table handles; the SQL lowering rejects fields the schema
// does not know, while the record evaluator treats them as null.
type Schema interface {
	ColumnSQL(field string) (string, bool)
}

// Compiled is an immutable compiled filter expression. It can be lowered to
// a SQL predicate via ToSQL and evaluated against a plain record via Match;
// the two interpretations agree on truth values modulo SQL null semantics.
type Compiled struct {
	raw  string
	root Node
	reg  *Registry
}

// Raw returns the source expression the filter was compiled from.
func (c *Compiled) Raw() string { return c.raw }

// Root returns the AST root; nil for the tautology.
func (c *Compiled) Root() Node { return c.root }

// IsTautology reports whether the filter matches everything.
func (c *Compiled) IsTautology() bool { return c == nil || c.root == nil }

// And returns the conjunction of two compiled filters. Tautologies are
// absorbed. The receiver's operator registry wins on conflicts.
func (c *Compiled) And(other *Compiled) *Compiled {
	if c.IsTautology() {
		return other
	}
	if other.IsTautology() {
		return c
	}
	reg := c.reg
	if reg == nil {
		reg = other.reg
	}
	return &Compiled{
		raw:  "(" + c.raw + ");(" + other.raw + ")",
		root: &AndNode{Children: []Node{c.root, other.root}},
		reg:  reg,
	}
}

// Tautology returns the filter that matches every record.
func Tautology() *Compiled { return &Compiled{} }

// Compiler turns filter expressions into Compiled values. Compilation is
// LRU-cached by the raw expression string; concurrent misses for the same
// expression are deduplicated.
type Compiler struct {
	reg    *Registry
	cache  *lru.Cache[string, *Compiled]
	group  singleflight.Group
	maxLen int
}

// CompilerOption configures a Compiler.
type CompilerOption func(*Compiler)

// WithMaxLength overrides the maximum accepted expression length.
func WithMaxLength(n int) CompilerOption {
	return func(c *Compiler) {
		if n > 0 {
			c.maxLen = n
		}
	}
}

// WithCacheSize overrides the compile-cache capacity.
func WithCacheSize(n int) CompilerOption {
	return func(c *Compiler) {
		if n > 0 {
			cache, err := lru.New[string, *Compiled](n)
			if err == nil {
				c.cache = cache
			}
		}
	}
}

// NewCompiler creates a Compiler over the given operator registry. A nil
// registry uses the built-in operator set.
func NewCompiler(reg *Registry, opts ...CompilerOption) *Compiler {
	if reg == nil {
		reg = NewRegistry()
	}
	cache, _ := lru.New[string, *Compiled](DefaultCacheSize)
	c := &Compiler{reg: reg, cache: cache, maxLen: DefaultMaxLength}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the compiler's operator registry.
func (c *Compiler) Registry() *Registry { return c.reg }

// Compile parses and validates an expression. The empty expression compiles
// to the tautology. Unknown operators fail here; unknown column names fail
// later at SQL conversion time.
func (c *Compiler) Compile(input string) (*Compiled, error) {
	if strings.TrimSpace(input) == "" {
		return Tautology(), nil
	}
	if len(input) > c.maxLen {
		return nil, &ParseError{Snippet: snippet(input), Err: fmt.Errorf("expression exceeds %d characters", c.maxLen)}
	}
	if compiled, ok := c.cache.Get(input); ok {
		return compiled, nil
	}

	v, err, _ := c.group.Do(input, func() (any, error) {
		root, err := Parse(input)
		if err != nil {
			return nil, &ParseError{Snippet: snippet(input), Err: err}
		}
		if err := c.validate(root); err != nil {
			return nil, &ParseError{Snippet: snippet(input), Err: err}
		}
		compiled := &Compiled{raw: input, root: root, reg: c.reg}
		c.cache.Add(input, compiled)
		return compiled, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Compiled), nil
}

// validate walks the AST checking every leaf operator against the registry.
func (c *Compiler) validate(node Node) error {
	switch n := node.(type) {
	case nil:
		return nil
	case *ComparisonNode:
		if _, ok := c.reg.Lookup(n.Op); !ok {
			return fmt.Errorf("unknown operator %q", n.Op)
		}
		return nil
	case *AndNode:
		for _, child := range n.Children {
			if err := c.validate(child); err != nil {
				return err
			}
		}
		return nil
	case *OrNode:
		for _, child := range n.Children {
			if err := c.validate(child); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unexpected node type %T", node)
	}
}

var defaultCompiler = NewCompiler(nil)

// Compile parses an expression with the default compiler and built-in
// operator set.
func Compile(input string) (*Compiled, error) {
	return defaultCompiler.Compile(input)
}
