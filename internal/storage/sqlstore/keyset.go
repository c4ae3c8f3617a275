package sqlstore

import (
	"fmt"
	"strings"

	"github.com/concavehq/concave/internal/storage"
)

// effectiveSort returns the query's sort keys with the primary key
// appended as a final tiebreak. The tiebreak inherits the direction of the
// last explicit key so that a reversed scan stays consistent.
func effectiveSort(q storage.SelectQuery) []storage.Sort {
	sorts := make([]storage.Sort, 0, len(q.Sort)+1)
	hasPK := false
	for _, s := range q.Sort {
		sorts = append(sorts, s)
		if s.Field == q.Table.PrimaryKey {
			hasPK = true
		}
	}
	if !hasPK {
		desc := false
		if len(sorts) > 0 {
			desc = sorts[len(sorts)-1].Desc
		}
		sorts = append(sorts, storage.Sort{Field: q.Table.PrimaryKey, Desc: desc})
	}
	return sorts
}

// keysetWhere builds the boundary predicate for keyset pagination in its
// expanded OR form, which works on both dialects without row-value
// support:
//
//	(a > ?) OR (a = ? AND b > ?) OR (a = ? AND b = ? AND pk > ?)
//
// after must be aligned with sorts; a descending key flips its comparison.
func keysetWhere(d Dialect, table *storage.Table, sorts []storage.Sort, after []any) (string, []any, error) {
	if len(after) != len(sorts) {
		return "", nil, fmt.Errorf("cursor carries %d values, sort has %d keys", len(after), len(sorts))
	}

	var branches []string
	var args []any
	for i := range sorts {
		var conds []string
		for j := 0; j < i; j++ {
			col := d.QuoteIdent(table.SQLName(sorts[j].Field))
			conds = append(conds, col+" = ?")
			args = append(args, after[j])
		}
		col := d.QuoteIdent(table.SQLName(sorts[i].Field))
		op := ">"
		if sorts[i].Desc {
			op = "<"
		}
		conds = append(conds, fmt.Sprintf("%s %s ?", col, op))
		args = append(args, after[i])
		branches = append(branches, "("+strings.Join(conds, " AND ")+")")
	}
	return "(" + strings.Join(branches, " OR ") + ")", args, nil
}

// orderBy renders the ORDER BY clause for the effective sort.
func orderBy(d Dialect, table *storage.Table, sorts []storage.Sort) string {
	parts := make([]string, len(sorts))
	for i, s := range sorts {
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		parts[i] = d.QuoteIdent(table.SQLName(s.Field)) + " " + dir
	}
	return strings.Join(parts, ", ")
}
