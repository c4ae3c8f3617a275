package filter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// maxRegexPattern caps the length of =regex= / =iregex= patterns. The
// record evaluator and most SQL engines have no per-match timeout, so the
// pattern itself is bounded instead.
const maxRegexPattern = 512

// Operator defines both interpretations of a comparison operator: the SQL
// predicate it lowers to, and the in-memory predicate over a record field.
// The two must agree on truth values modulo SQL null semantics.
type Operator struct {
	// ToSQL renders the predicate for the given column expression.
	ToSQL func(col string, v Value) (string, []any, error)

	// Evaluate applies the predicate to a record field value.
	Evaluate func(field any, v Value) bool
}

// Registry maps operator tokens to implementations. The table is open:
// callers may register domain predicates (e.g. full-text) without touching
// the parser — any `=xxx=` token dispatches here at compile time.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Operator
}

// NewRegistry returns a registry preloaded with the built-in operator set.
func NewRegistry() *Registry {
	r := &Registry{ops: make(map[string]Operator, len(builtins))}
	for name, op := range builtins {
		r.ops[name] = op
	}
	return r
}

// Register adds or replaces an operator. Names must use the `=name=` form
// unless they are one of the symbolic built-ins.
func (r *Registry) Register(name string, op Operator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[strings.ToLower(name)] = op
}

// Lookup returns the operator for a token.
func (r *Registry) Lookup(name string) (Operator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[strings.ToLower(name)]
	return op, ok
}

// Clone returns an independent copy, used to extend the base table with
// per-resource custom operators.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := &Registry{ops: make(map[string]Operator, len(r.ops))}
	for name, op := range r.ops {
		c.ops[name] = op
	}
	return c
}

// looseEq implements the language's loose equality: boolean literals compare
// by truthiness, numeric operands coerce via number semantics, everything
// else compares as strings. A nil field is only equal to boolean false.
func looseEq(field any, v Value) bool {
	if v.Kind == KindBool {
		return truthy(field) == v.Bool
	}
	if field == nil {
		return false
	}
	if fn, ok := fieldNumber(field); ok {
		if vn, ok := v.AsNumber(); ok {
			return fn == vn
		}
	}
	return fieldString(field) == v.AsString()
}

// compareOrder compares field against v for the ordering operators.
// Returns ok=false when the comparison is unknown (nil field).
func compareOrder(field any, v Value) (cmp int, ok bool) {
	if field == nil {
		return 0, false
	}
	if fn, fok := fieldNumber(field); fok {
		if vn, vok := v.AsNumber(); vok {
			switch {
			case fn < vn:
				return -1, true
			case fn > vn:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	return strings.Compare(fieldString(field), v.AsString()), true
}

func orderOp(want func(int) bool, sqlOp string) Operator {
	return Operator{
		ToSQL: func(col string, v Value) (string, []any, error) {
			return fmt.Sprintf("%s %s ?", col, sqlOp), []any{v.Arg()}, nil
		},
		Evaluate: func(field any, v Value) bool {
			c, ok := compareOrder(field, v)
			return ok && want(c)
		},
	}
}

// likeEscape escapes LIKE metacharacters so a literal substring can be
// embedded into a LIKE pattern. Used with ESCAPE '\'.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

// likeToRegexp translates a SQL LIKE pattern to an anchored regular
// expression: % matches any run, _ matches a single character.
func likeToRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString(`(?s)^`)
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(`.*`)
		case '_':
			sb.WriteString(`.`)
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString(`$`)
	return cachedRegexp(sb.String())
}

var regexpCache sync.Map // pattern string -> *regexp.Regexp

// cachedRegexp compiles and memoises a pattern. Patterns beyond
// maxRegexPattern are rejected before compilation.
func cachedRegexp(pattern string) (*regexp.Regexp, error) {
	if len(pattern) > maxRegexPattern {
		return nil, fmt.Errorf("regex pattern exceeds %d characters", maxRegexPattern)
	}
	if re, ok := regexpCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexpCache.Store(pattern, re)
	return re, nil
}

func likeOp(negate bool) Operator {
	return Operator{
		ToSQL: func(col string, v Value) (string, []any, error) {
			kw := "LIKE"
			if negate {
				kw = "NOT LIKE"
			}
			return fmt.Sprintf("%s %s ?", col, kw), []any{v.AsString()}, nil
		},
		Evaluate: func(field any, v Value) bool {
			if field == nil {
				return false
			}
			re, err := likeToRegexp(v.AsString())
			if err != nil {
				return false
			}
			return re.MatchString(fieldString(field)) != negate
		},
	}
}

type substringMode int

const (
	modeContains substringMode = iota
	modePrefix
	modeSuffix
)

func substringOp(mode substringMode, insensitive bool) Operator {
	return Operator{
		ToSQL: func(col string, v Value) (string, []any, error) {
			needle := likeEscape(v.AsString())
			var pattern string
			switch mode {
			case modePrefix:
				pattern = needle + "%"
			case modeSuffix:
				pattern = "%" + needle
			default:
				pattern = "%" + needle + "%"
			}
			if insensitive {
				return fmt.Sprintf(`LOWER(%s) LIKE LOWER(?) ESCAPE '\'`, col), []any{pattern}, nil
			}
			return fmt.Sprintf(`%s LIKE ? ESCAPE '\'`, col), []any{pattern}, nil
		},
		Evaluate: func(field any, v Value) bool {
			if field == nil {
				return false
			}
			f, needle := fieldString(field), v.AsString()
			if insensitive {
				f, needle = strings.ToLower(f), strings.ToLower(needle)
			}
			switch mode {
			case modePrefix:
				return strings.HasPrefix(f, needle)
			case modeSuffix:
				return strings.HasSuffix(f, needle)
			default:
				return strings.Contains(f, needle)
			}
		},
	}
}

func betweenOp(negate bool) Operator {
	return Operator{
		ToSQL: func(col string, v Value) (string, []any, error) {
			lo, hi, err := rangeBounds(v)
			if err != nil {
				return "", nil, err
			}
			kw := "BETWEEN"
			if negate {
				kw = "NOT BETWEEN"
			}
			return fmt.Sprintf("%s %s ? AND ?", col, kw), []any{lo.Arg(), hi.Arg()}, nil
		},
		Evaluate: func(field any, v Value) bool {
			if field == nil {
				return false
			}
			lo, hi, err := rangeBounds(v)
			if err != nil {
				return false
			}
			cl, ok := compareOrder(field, lo)
			if !ok {
				return false
			}
			ch, ok := compareOrder(field, hi)
			if !ok {
				return false
			}
			inside := cl >= 0 && ch <= 0
			return inside != negate
		},
	}
}

func rangeBounds(v Value) (lo, hi Value, err error) {
	if (v.Kind != KindRange && v.Kind != KindTuple) || len(v.List) != 2 {
		return Value{}, Value{}, fmt.Errorf("between operators require a two-element range [a,b]")
	}
	return v.List[0], v.List[1], nil
}

func regexOp(insensitive bool) Operator {
	return Operator{
		ToSQL: func(col string, v Value) (string, []any, error) {
			pattern := v.AsString()
			if len(pattern) > maxRegexPattern {
				return "", nil, fmt.Errorf("regex pattern exceeds %d characters", maxRegexPattern)
			}
			if insensitive {
				pattern = "(?i)" + pattern
			}
			return fmt.Sprintf("%s REGEXP ?", col), []any{pattern}, nil
		},
		Evaluate: func(field any, v Value) bool {
			if field == nil {
				return false
			}
			pattern := v.AsString()
			if insensitive {
				pattern = "(?i)" + pattern
			}
			re, err := cachedRegexp(pattern)
			if err != nil {
				return false
			}
			return re.MatchString(fieldString(field))
		},
	}
}

func lengthOp(sqlOp string, want func(int) bool) Operator {
	return Operator{
		ToSQL: func(col string, v Value) (string, []any, error) {
			n, ok := v.AsNumber()
			if !ok {
				return "", nil, fmt.Errorf("length operators require a numeric value")
			}
			return fmt.Sprintf("LENGTH(%s) %s ?", col, sqlOp), []any{int64(n)}, nil
		},
		Evaluate: func(field any, v Value) bool {
			if field == nil {
				return false
			}
			n, ok := v.AsNumber()
			if !ok {
				return false
			}
			return want(len([]rune(fieldString(field))) - int(n))
		},
	}
}

func tupleMembers(v Value) ([]Value, error) {
	if v.Kind != KindTuple && v.Kind != KindRange {
		// A scalar is treated as a one-element tuple.
		return []Value{v}, nil
	}
	if len(v.List) == 0 {
		return nil, fmt.Errorf("membership operators require a non-empty tuple")
	}
	return v.List, nil
}

var builtins = map[string]Operator{
	"==": {
		ToSQL: func(col string, v Value) (string, []any, error) {
			if v.Kind == KindBool {
				return boolEqSQL(col, v.Bool), nil, nil
			}
			return fmt.Sprintf("%s = ?", col), []any{v.Arg()}, nil
		},
		Evaluate: looseEq,
	},
	"!=": {
		ToSQL: func(col string, v Value) (string, []any, error) {
			if v.Kind == KindBool {
				return boolEqSQL(col, !v.Bool), nil, nil
			}
			return fmt.Sprintf("%s <> ?", col), []any{v.Arg()}, nil
		},
		Evaluate: func(field any, v Value) bool {
			if v.Kind == KindBool {
				return truthy(field) != v.Bool
			}
			if field == nil {
				return false
			}
			return !looseEq(field, v)
		},
	},

	">":    orderOp(func(c int) bool { return c > 0 }, ">"),
	"=gt=": orderOp(func(c int) bool { return c > 0 }, ">"),
	">=":   orderOp(func(c int) bool { return c >= 0 }, ">="),
	"=ge=": orderOp(func(c int) bool { return c >= 0 }, ">="),
	"<":    orderOp(func(c int) bool { return c < 0 }, "<"),
	"=lt=": orderOp(func(c int) bool { return c < 0 }, "<"),
	"<=":   orderOp(func(c int) bool { return c <= 0 }, "<="),
	"=le=": orderOp(func(c int) bool { return c <= 0 }, "<="),

	"=in=": {
		ToSQL: func(col string, v Value) (string, []any, error) {
			members, err := tupleMembers(v)
			if err != nil {
				return "", nil, err
			}
			ph := make([]string, len(members))
			args := make([]any, len(members))
			for i, m := range members {
				ph[i] = "?"
				args[i] = m.Arg()
			}
			return fmt.Sprintf("%s IN (%s)", col, strings.Join(ph, ", ")), args, nil
		},
		Evaluate: func(field any, v Value) bool {
			if field == nil {
				return false
			}
			members, err := tupleMembers(v)
			if err != nil {
				return false
			}
			for _, m := range members {
				if looseEq(field, m) {
					return true
				}
			}
			return false
		},
	},
	"=out=": {
		ToSQL: func(col string, v Value) (string, []any, error) {
			members, err := tupleMembers(v)
			if err != nil {
				return "", nil, err
			}
			ph := make([]string, len(members))
			args := make([]any, len(members))
			for i, m := range members {
				ph[i] = "?"
				args[i] = m.Arg()
			}
			return fmt.Sprintf("%s NOT IN (%s)", col, strings.Join(ph, ", ")), args, nil
		},
		Evaluate: func(field any, v Value) bool {
			if field == nil {
				return false // NULL NOT IN (...) is unknown in SQL
			}
			members, err := tupleMembers(v)
			if err != nil {
				return false
			}
			for _, m := range members {
				if looseEq(field, m) {
					return false
				}
			}
			return true
		},
	},

	"%=":  likeOp(false),
	"!%=": likeOp(true),

	"=contains=":    substringOp(modeContains, false),
	"=icontains=":   substringOp(modeContains, true),
	"=startswith=":  substringOp(modePrefix, false),
	"=istartswith=": substringOp(modePrefix, true),
	"=endswith=":    substringOp(modeSuffix, false),
	"=iendswith=":   substringOp(modeSuffix, true),

	"=ilike=": {
		ToSQL: func(col string, v Value) (string, []any, error) {
			return fmt.Sprintf("LOWER(%s) LIKE LOWER(?)", col), []any{v.AsString()}, nil
		},
		Evaluate: func(field any, v Value) bool {
			if field == nil {
				return false
			}
			re, err := likeToRegexp(strings.ToLower(v.AsString()))
			if err != nil {
				return false
			}
			return re.MatchString(strings.ToLower(fieldString(field)))
		},
	},
	"=nilike=": {
		ToSQL: func(col string, v Value) (string, []any, error) {
			return fmt.Sprintf("LOWER(%s) NOT LIKE LOWER(?)", col), []any{v.AsString()}, nil
		},
		Evaluate: func(field any, v Value) bool {
			if field == nil {
				return false
			}
			re, err := likeToRegexp(strings.ToLower(v.AsString()))
			if err != nil {
				return false
			}
			return !re.MatchString(strings.ToLower(fieldString(field)))
		},
	},

	"=ieq=": {
		ToSQL: func(col string, v Value) (string, []any, error) {
			return fmt.Sprintf("LOWER(%s) = LOWER(?)", col), []any{v.AsString()}, nil
		},
		Evaluate: func(field any, v Value) bool {
			if field == nil {
				return false
			}
			return strings.EqualFold(fieldString(field), v.AsString())
		},
	},
	"=ine=": {
		ToSQL: func(col string, v Value) (string, []any, error) {
			return fmt.Sprintf("LOWER(%s) <> LOWER(?)", col), []any{v.AsString()}, nil
		},
		Evaluate: func(field any, v Value) bool {
			if field == nil {
				return false
			}
			return !strings.EqualFold(fieldString(field), v.AsString())
		},
	},

	"=isempty=": {
		ToSQL: func(col string, v Value) (string, []any, error) {
			if wantEmpty(v) {
				return fmt.Sprintf("(%s IS NULL OR %s = '')", col, col), nil, nil
			}
			return fmt.Sprintf("(%s IS NOT NULL AND %s <> '')", col, col), nil, nil
		},
		Evaluate: func(field any, v Value) bool {
			empty := field == nil || fieldString(field) == ""
			return empty == wantEmpty(v)
		},
	},

	"=between=":  betweenOp(false),
	"=nbetween=": betweenOp(true),

	"=regex=":  regexOp(false),
	"=iregex=": regexOp(true),

	"=length=":    lengthOp("=", func(d int) bool { return d == 0 }),
	"=minlength=": lengthOp(">=", func(d int) bool { return d >= 0 }),
	"=maxlength=": lengthOp("<=", func(d int) bool { return d <= 0 }),
}

// wantEmpty interprets the =isempty= operand: =isempty=true asks for
// empty fields, =isempty=false for non-empty ones. Non-boolean operands
// fall back to their truthiness.
func wantEmpty(v Value) bool {
	if v.Kind == KindBool {
		return v.Bool
	}
	n, ok := v.AsNumber()
	if ok {
		return n != 0
	}
	return strings.EqualFold(v.AsString(), "true")
}

// boolEqSQL renders the loose boolean comparison. true matches 1/"1"/"true";
// false matches 0/""/"false"/NULL, mirroring the record evaluator's
// truthiness rules.
func boolEqSQL(col string, want bool) string {
	if want {
		return fmt.Sprintf("(%s IN ('1', 'true') OR %s = 1)", col, col)
	}
	return fmt.Sprintf("(%s IS NULL OR %s IN ('0', '', 'false') OR %s = 0)", col, col, col)
}
