package filter

import "strings"

// The builder constructs compiled filter expressions programmatically, with
// quoting handled internally. Scope functions use it to produce predicates
// without string concatenation:
//
//	filter.And(filter.Eq("tenant_id", user.TenantID), filter.Ne("status", "archived"))

// Eq builds field == value.
func Eq(field string, value any) *Compiled { return leaf(field, "==", toValue(value)) }

// Ne builds field != value.
func Ne(field string, value any) *Compiled { return leaf(field, "!=", toValue(value)) }

// Gt builds field > value.
func Gt(field string, value any) *Compiled { return leaf(field, ">", toValue(value)) }

// Ge builds field >= value.
func Ge(field string, value any) *Compiled { return leaf(field, ">=", toValue(value)) }

// Lt builds field < value.
func Lt(field string, value any) *Compiled { return leaf(field, "<", toValue(value)) }

// Le builds field <= value.
func Le(field string, value any) *Compiled { return leaf(field, "<=", toValue(value)) }

// In builds field =in= (values...).
func In(field string, values ...any) *Compiled {
	members := make([]Value, len(values))
	for i, v := range values {
		members[i] = toValue(v)
	}
	return leaf(field, "=in=", Value{Kind: KindTuple, List: members})
}

// Like builds field %= pattern (SQL LIKE semantics).
func Like(field, pattern string) *Compiled { return leaf(field, "%=", StringValue(pattern)) }

// Contains builds field =contains= value.
func Contains(field, value string) *Compiled { return leaf(field, "=contains=", StringValue(value)) }

// IsEmpty builds field =isempty= want.
func IsEmpty(field string, want bool) *Compiled { return leaf(field, "=isempty=", BoolValue(want)) }

// Between builds field =between= [lo, hi].
func Between(field string, lo, hi any) *Compiled {
	return leaf(field, "=between=", Value{Kind: KindRange, List: []Value{toValue(lo), toValue(hi)}})
}

// And combines expressions conjunctively, absorbing tautologies.
func And(exprs ...*Compiled) *Compiled { return combine(exprs, true) }

// Or combines expressions disjunctively, absorbing tautologies.
func Or(exprs ...*Compiled) *Compiled { return combine(exprs, false) }

func combine(exprs []*Compiled, conj bool) *Compiled {
	var kept []*Compiled
	for _, e := range exprs {
		if !e.IsTautology() {
			kept = append(kept, e)
		}
	}
	switch len(kept) {
	case 0:
		return Tautology()
	case 1:
		return kept[0]
	}

	children := make([]Node, len(kept))
	raws := make([]string, len(kept))
	for i, e := range kept {
		children[i] = e.root
		raws[i] = "(" + e.raw + ")"
	}
	if conj {
		return &Compiled{raw: strings.Join(raws, ";"), root: &AndNode{Children: children}}
	}
	return &Compiled{raw: strings.Join(raws, ","), root: &OrNode{Children: children}}
}

func leaf(field, op string, v Value) *Compiled {
	return &Compiled{
		raw:  field + op + renderValue(v),
		root: &ComparisonNode{Field: field, Op: op, Value: v},
	}
}

func toValue(v any) Value {
	switch x := v.(type) {
	case Value:
		return x
	case string:
		return StringValue(x)
	case bool:
		return BoolValue(x)
	case int:
		return NumberValue(float64(x))
	case int32:
		return NumberValue(float64(x))
	case int64:
		return NumberValue(float64(x))
	case float32:
		return NumberValue(float64(x))
	case float64:
		return NumberValue(x)
	default:
		return StringValue(fieldString(v))
	}
}

// renderValue renders a value back to expression syntax with escaping.
func renderValue(v Value) string {
	switch v.Kind {
	case KindString:
		return quote(v.Str)
	case KindTuple, KindRange:
		parts := make([]string, len(v.List))
		for i, m := range v.List {
			parts[i] = renderValue(m)
		}
		open, closer := "(", ")"
		if v.Kind == KindRange {
			open, closer = "[", "]"
		}
		return open + strings.Join(parts, ",") + closer
	default:
		return v.AsString()
	}
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
