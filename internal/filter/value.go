package filter

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the runtime type of a filter value.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindTuple // (a, b, c) — used by =in= / =out=
	KindRange // [a, b]    — used by =between= / =nbetween=
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindTuple:
		return "tuple"
	case KindRange:
		return "range"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(k))
	}
}

// Value is the tagged union carried by comparison leaves. Coercion rules are
// explicit and shared by the SQL lowering and the record evaluator so that
// both interpretations of an expression agree.
type Value struct {
	Kind Kind
	Str  string
	Num  float64
	Bool bool
	List []Value // tuple or range members
}

// StringValue constructs a string Value.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// NumberValue constructs a numeric Value.
func NumberValue(n float64) Value { return Value{Kind: KindNumber, Num: n} }

// BoolValue constructs a boolean Value.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Arg returns the value as a driver-level query argument.
func (v Value) Arg() any {
	switch v.Kind {
	case KindNumber:
		if v.Num == math.Trunc(v.Num) && math.Abs(v.Num) < 1<<53 {
			return int64(v.Num)
		}
		return v.Num
	case KindBool:
		return v.Bool
	default:
		return v.Str
	}
}

// AsString returns the value coerced to its string form.
func (v Value) AsString() string {
	switch v.Kind {
	case KindNumber:
		return formatNumber(v.Num)
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	default:
		return v.Str
	}
}

// AsNumber returns the value coerced to a number. The second return is false
// when the value has no numeric interpretation.
func (v Value) AsNumber() (float64, bool) {
	switch v.Kind {
	case KindNumber:
		return v.Num, true
	case KindBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	case KindString:
		return parseNumeric(v.Str)
	default:
		return 0, false
	}
}

func formatNumber(n float64) string {
	if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}

// parseNumeric parses a string as a number. Date strings (YYYY-MM-DD and
// full ISO-8601) are recognised and normalised to their unix-milli epoch so
// that order comparisons work on date columns.
func parseNumeric(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n, true
	}
	if t, ok := parseDate(s); ok {
		return float64(t.UnixMilli()), true
	}
	return 0, false
}

// parseDate recognises YYYY-MM-DD and RFC 3339 timestamps.
func parseDate(s string) (time.Time, bool) {
	if len(s) == 10 {
		if t, err := time.Parse("2006-01-02", s); err == nil {
			return t, true
		}
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// fieldString coerces a record field to its string form.
func fieldString(f any) string {
	switch x := f.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case float64:
		return formatNumber(x)
	case float32:
		return formatNumber(float64(x))
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	default:
		return fmt.Sprint(x)
	}
}

// fieldNumber coerces a record field to a number. Returns false for fields
// with no numeric interpretation (including nil).
func fieldNumber(f any) (float64, bool) {
	switch x := f.(type) {
	case nil:
		return 0, false
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case time.Time:
		return float64(x.UnixMilli()), true
	case string:
		return parseNumeric(x)
	case []byte:
		return parseNumeric(string(x))
	default:
		return 0, false
	}
}

// truthy reports whether a record field counts as boolean true. The loose
// rules match the grammar: 1, "1" and "true" are truthy; 0, "", "false" and
// nil are falsy. Anything else is truthy when it has a non-zero numeric form.
func truthy(f any) bool {
	switch x := f.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		switch strings.ToLower(x) {
		case "", "0", "false":
			return false
		case "1", "true":
			return true
		}
		if n, ok := parseNumeric(x); ok {
			return n != 0
		}
		return true
	default:
		if n, ok := fieldNumber(f); ok {
			return n != 0
		}
		return true
	}
}
