package filter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type mapSchema map[string]string

func (s mapSchema) ColumnSQL(field string) (string, bool) {
	col, ok := s[field]
	return col, ok
}

var userSchema = mapSchema{
	"name":   "name",
	"age":    "age",
	"score":  "score",
	"status": "status",
	"role":   "role",
	"email":  "email",
	"bio":    "bio",
}

func mustCompile(t *testing.T, input string) *Compiled {
	t.Helper()
	c, err := Compile(input)
	require.NoError(t, err)
	return c
}

func TestMatchOperatorTable(t *testing.T) {
	record := map[string]any{
		"name":   "John Smith",
		"age":    30,
		"score":  85.5,
		"status": "active",
		"email":  "john@example.com",
		"bio":    nil,
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`name=="John Smith"`, true},
		{`name=="john smith"`, false},
		{`name=ieq="john smith"`, true},
		{`name=ine="john smith"`, false},
		{`age==30`, true},
		{`age=="30"`, true}, // loose numeric equality
		{`age!=30`, false},
		{`age!=29`, true},
		{`age>29`, true},
		{`age=gt=30`, false},
		{`age>=30`, true},
		{`age=ge=31`, false},
		{`age<31`, true},
		{`age=lt=30`, false},
		{`age<=30`, true},
		{`age=le=29`, false},
		{`status=in=("active","pending")`, true},
		{`status=in=("closed","pending")`, false},
		{`status=out=("closed","pending")`, true},
		{`status=out=("active")`, false},
		{`name%="John%"`, true},
		{`name%="J_hn%"`, true},
		{`name%="John"`, false}, // LIKE anchors both ends
		{`name!%="John%"`, false},
		{`name=contains="ohn"`, true},
		{`name=contains="OHN"`, false},
		{`name=icontains="OHN"`, true},
		{`name=startswith="John"`, true},
		{`name=istartswith="JOHN"`, true},
		{`name=endswith="Smith"`, true},
		{`name=iendswith="SMITH"`, true},
		{`name=ilike="john%"`, true},
		{`name=nilike="john%"`, false},
		{`score=between=[80,90]`, true},
		{`score=between=[86,90]`, false},
		{`score=nbetween=[86,90]`, true},
		{`email=regex="^[a-z]+@[a-z.]+$"`, true},
		{`email=regex="^[A-Z]+@"`, false},
		{`email=iregex="^JOHN@"`, true},
		{`status=length=6`, true},
		{`status=length=5`, false},
		{`status=minlength=6`, true},
		{`status=minlength=7`, false},
		{`status=maxlength=6`, true},
		{`status=maxlength=5`, false},
		{`bio=isempty=true`, true},
		{`bio=isempty=false`, false},
		{`status=isempty=false`, true},
	}
	for _, tt := range tests {
		got := mustCompile(t, tt.expr).Match(record)
		require.Equal(t, tt.want, got, tt.expr)
	}
}

func TestMatchBooleanTruthiness(t *testing.T) {
	tests := []struct {
		field any
		lit   string
		want  bool
	}{
		{1, "true", true},
		{"1", "true", true},
		{"true", "true", true},
		{true, "true", true},
		{0, "false", true},
		{"", "false", true},
		{"false", "false", true},
		{nil, "false", true},
		{nil, "true", false},
		{1, "false", false},
	}
	for _, tt := range tests {
		c := mustCompile(t, "flag=="+tt.lit)
		got := c.Match(map[string]any{"flag": tt.field})
		require.Equal(t, tt.want, got, "flag=%v lit=%s", tt.field, tt.lit)
	}
}

// Null comparisons are not true, matching SQL's unknown semantics.
func TestMatchNullSemantics(t *testing.T) {
	record := map[string]any{"x": nil}
	for _, expr := range []string{
		`x==1`, `x!=1`, `x>0`, `x<0`, `x>=0`, `x<=0`,
		`x=in=(1,2)`, `x=out=(1,2)`,
		`x=contains="a"`, `x%="%a%"`, `x=between=[1,2]`,
		`x=regex="a"`, `x=length=1`,
	} {
		require.False(t, mustCompile(t, expr).Match(record), expr)
	}
	require.True(t, mustCompile(t, `x=isempty=true`).Match(record))
	// Missing fields read exactly like null.
	require.False(t, mustCompile(t, `missing==1`).Match(record))
	require.True(t, mustCompile(t, `missing=isempty=true`).Match(record))
}

func TestMatchDateComparisons(t *testing.T) {
	record := map[string]any{"created": "2024-03-15"}
	tests := []struct {
		expr string
		want bool
	}{
		{`created>"2024-03-01"`, true},
		{`created<"2024-03-01"`, false},
		{`created=between=["2024-03-01","2024-04-01"]`, true},
		{`created>"2024-03-14T12:00:00Z"`, true},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, mustCompile(t, tt.expr).Match(record), tt.expr)
	}
}

// Spec'd end-to-end expression: nested groups with AND/OR and a range.
func TestMatchCompositeExpression(t *testing.T) {
	c := mustCompile(t, `(status=="active";age>=25;score=between=[80,90]),(role=="admin")`)

	require.True(t, c.Match(map[string]any{
		"name": "John", "age": 30, "score": 85.5, "status": "active",
	}))
	require.True(t, c.Match(map[string]any{"role": "admin"}))
	require.False(t, c.Match(map[string]any{
		"status": "active", "age": 20, "score": 85.5,
	}))
}

func TestToSQLLowering(t *testing.T) {
	tests := []struct {
		expr   string
		clause string
		args   []any
	}{
		{`age>=30`, `age >= ?`, []any{int64(30)}},
		{`name=="John"`, `name = ?`, []any{"John"}},
		{`status=in=("a","b")`, `status IN (?, ?)`, []any{"a", "b"}},
		{`score=between=[80,90]`, `score BETWEEN ? AND ?`, []any{int64(80), int64(90)}},
		{`name%="J%"`, `name LIKE ?`, []any{"J%"}},
		{`bio=isempty=true`, `(bio IS NULL OR bio = '')`, nil},
		{`name=contains="50%"`, `name LIKE ? ESCAPE '\'`, []any{`%50\%%`}},
		{`age>=25;status=="active"`, `(age >= ? AND status = ?)`, []any{int64(25), "active"}},
		{`age<18,age>65`, `(age < ? OR age > ?)`, []any{int64(18), int64(65)}},
	}
	for _, tt := range tests {
		clause, args, err := mustCompile(t, tt.expr).ToSQL(userSchema)
		require.NoError(t, err, tt.expr)
		require.Equal(t, tt.clause, clause, tt.expr)
		require.Equal(t, tt.args, args, tt.expr)
	}
}

func TestToSQLUnknownColumn(t *testing.T) {
	c := mustCompile(t, `secret=="x"`)
	_, _, err := c.ToSQL(userSchema)
	var ufe *UnknownFieldError
	require.ErrorAs(t, err, &ufe)
	require.Equal(t, "secret", ufe.Field)

	// The record evaluator tolerates the same reference as null.
	require.False(t, c.Match(map[string]any{"name": "x"}))
}

func TestToSQLTautology(t *testing.T) {
	clause, args, err := Tautology().ToSQL(userSchema)
	require.NoError(t, err)
	require.Empty(t, clause)
	require.Empty(t, args)
}

func TestCompiledAnd(t *testing.T) {
	a := mustCompile(t, `age>=30`)
	b := mustCompile(t, `status=="active"`)

	both := a.And(b)
	require.True(t, both.Match(map[string]any{"age": 35, "status": "active"}))
	require.False(t, both.Match(map[string]any{"age": 35, "status": "closed"}))

	require.Same(t, a, a.And(Tautology()))
	require.Same(t, b, Tautology().And(b))
}

func TestBuilderRoundTrip(t *testing.T) {
	built := And(Eq("name", `say "hi"`), Or(Gt("age", 30), In("role", "admin", "ops")))

	// The rendered raw form must re-parse to an equivalent expression.
	reparsed := mustCompile(t, built.Raw())

	for _, rec := range []map[string]any{
		{"name": `say "hi"`, "age": 31},
		{"name": `say "hi"`, "age": 20, "role": "ops"},
		{"name": `say "hi"`, "age": 20, "role": "dev"},
		{"name": "other", "age": 31},
	} {
		require.Equal(t, built.Match(rec), reparsed.Match(rec), "%v", rec)
	}
}
