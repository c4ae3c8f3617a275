package filter

import (
	"fmt"
	"strings"
)

// UnknownFieldError is returned by ToSQL when the expression references a
// column the schema does not expose. This is a conversion-time error by
// design: the record evaluator tolerates the same reference as null.
type UnknownFieldError struct {
	Field string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown column %q in filter", e.Field)
}

// ToSQL lowers the compiled expression to a SQL predicate over the given
// schema. The tautology lowers to an empty clause with no arguments.
func (c *Compiled) ToSQL(schema Schema) (string, []any, error) {
	if c.IsTautology() {
		return "", nil, nil
	}
	return c.lower(c.root, schema)
}

func (c *Compiled) lower(node Node, schema Schema) (string, []any, error) {
	switch n := node.(type) {
	case *ComparisonNode:
		col, ok := schema.ColumnSQL(n.Field)
		if !ok {
			return "", nil, &UnknownFieldError{Field: n.Field}
		}
		reg := c.reg
		if reg == nil {
			reg = defaultCompiler.reg
		}
		op, ok := reg.Lookup(n.Op)
		if !ok {
			return "", nil, fmt.Errorf("unknown operator %q", n.Op)
		}
		return op.ToSQL(col, n.Value)
	case *AndNode:
		return c.lowerJoin(n.Children, " AND ", schema)
	case *OrNode:
		return c.lowerJoin(n.Children, " OR ", schema)
	default:
		return "", nil, fmt.Errorf("unexpected node type %T", node)
	}
}

func (c *Compiled) lowerJoin(children []Node, sep string, schema Schema) (string, []any, error) {
	clauses := make([]string, 0, len(children))
	var args []any
	for _, child := range children {
		clause, childArgs, err := c.lower(child, schema)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, childArgs...)
	}
	return "(" + strings.Join(clauses, sep) + ")", args, nil
}
