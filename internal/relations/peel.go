package relations

import (
	"strings"

	"github.com/concavehq/concave/internal/filter"
)

// PeelFilter separates relation predicates (`author.name=="X"`) from a
// caller filter. The local part runs against the parent table; each peeled
// part is re-rooted on the relation target (`name=="X"`) and ANDed into
// that relation's include filter by the pipeline.
func PeelFilter(f *filter.Compiled, rels map[string]*Relation) (*filter.Compiled, map[string]*filter.Compiled, error) {
	if len(rels) == 0 {
		return f, nil, nil
	}
	return filter.Peel(f, func(field string) (string, string, bool) {
		head, rest, found := strings.Cut(field, ".")
		if !found {
			return "", "", false
		}
		if _, ok := rels[head]; !ok {
			return "", "", false
		}
		return head, rest, true
	})
}
