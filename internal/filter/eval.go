package filter

import "strings"

// Match evaluates the compiled expression against a plain record. Unknown
// fields read as null: comparisons against them are not true, matching SQL
// null semantics. Dotted field names traverse nested records, so relation
// paths like author.name resolve against eager-loaded rows.
func (c *Compiled) Match(record map[string]any) bool {
	if c.IsTautology() {
		return true
	}
	return c.eval(c.root, record)
}

func (c *Compiled) eval(node Node, record map[string]any) bool {
	switch n := node.(type) {
	case *ComparisonNode:
		reg := c.reg
		if reg == nil {
			reg = defaultCompiler.reg
		}
		op, ok := reg.Lookup(n.Op)
		if !ok {
			return false
		}
		return op.Evaluate(lookupField(record, n.Field), n.Value)
	case *AndNode:
		for _, child := range n.Children {
			if !c.eval(child, record) {
				return false
			}
		}
		return true
	case *OrNode:
		for _, child := range n.Children {
			if c.eval(child, record) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// lookupField resolves a possibly dotted field path within a record.
// Missing segments yield nil.
func lookupField(record map[string]any, field string) any {
	if record == nil {
		return nil
	}
	if v, ok := record[field]; ok {
		return v
	}
	if !strings.Contains(field, ".") {
		return nil
	}
	parts := strings.Split(field, ".")
	var cur any = record
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}
