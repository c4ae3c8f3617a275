package relations

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/concavehq/concave/internal/filter"
	"github.com/concavehq/concave/internal/storage"
)

// DefaultMaxDepth caps include nesting (`author.posts.comments` is depth
// 3).
const DefaultMaxDepth = 3

// Loader stitches related rows onto parent records.
type Loader struct {
	q        storage.Querier
	compiler *filter.Compiler
	maxDepth int
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithMaxDepth overrides the nesting cap.
func WithMaxDepth(n int) LoaderOption {
	return func(l *Loader) {
		if n > 0 {
			l.maxDepth = n
		}
	}
}

// NewLoader creates a loader that reads through q and compiles include
// filters with compiler.
func NewLoader(q storage.Querier, compiler *filter.Compiler, opts ...LoaderOption) *Loader {
	l := &Loader{q: q, compiler: compiler, maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load resolves includes against the parents in place. Each relation costs
// a bounded number of queries regardless of how many parents there are;
// sibling relations load concurrently and attach after every query has
// finished.
func (l *Loader) Load(ctx context.Context, parentTable *storage.Table, rels map[string]*Relation, parents []map[string]any, includes []Include) error {
	return l.load(ctx, parentTable, rels, parents, includes, 1)
}

func (l *Loader) load(ctx context.Context, parentTable *storage.Table, rels map[string]*Relation, parents []map[string]any, includes []Include, depth int) error {
	if len(parents) == 0 || len(includes) == 0 {
		return nil
	}
	if depth > l.maxDepth {
		return fmt.Errorf("include nesting exceeds depth %d", l.maxDepth)
	}

	attachers := make([]func(), len(includes))
	g, gctx := errgroup.WithContext(ctx)
	for i, inc := range includes {
		rel, ok := rels[inc.Name]
		if !ok {
			return fmt.Errorf("unknown relation %q", inc.Name)
		}
		if err := rel.validate(inc.Name); err != nil {
			return err
		}
		g.Go(func() error {
			attach, err := l.loadOne(gctx, parentTable, rel, parents, inc, depth)
			if err != nil {
				return fmt.Errorf("load relation %q: %w", inc.Name, err)
			}
			attachers[i] = attach
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// Attaching mutates the shared parent maps, so it happens serially.
	for _, attach := range attachers {
		attach()
	}
	return nil
}

// targetFilter builds the WHERE for a batched relation query: membership
// in the gathered key set AND the include's own filter.
func (l *Loader) targetFilter(keyField string, keys []any, rawFilter string) (*filter.Compiled, error) {
	f := filter.In(keyField, keys...)
	if rawFilter == "" {
		return f, nil
	}
	extra, err := l.compiler.Compile(rawFilter)
	if err != nil {
		return nil, fmt.Errorf("include filter: %w", err)
	}
	return f.And(extra), nil
}

// fetchTargets runs the batched query for a relation, always projecting
// the stitch key so grouping works under select.
func (l *Loader) fetchTargets(ctx context.Context, rel *Relation, keyField string, keys []any, inc Include, depth int) ([]map[string]any, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	f, err := l.targetFilter(keyField, keys, inc.Filter)
	if err != nil {
		return nil, err
	}
	columns := inc.Select
	if len(columns) > 0 {
		columns = append(append([]string{}, columns...), keyField)
	}
	rows, err := l.q.Select(ctx, storage.SelectQuery{
		Table:   rel.Target,
		Filter:  f,
		Columns: columns,
	})
	if err != nil {
		return nil, err
	}
	if len(inc.Nested) > 0 {
		if err := l.load(ctx, rel.Target, rel.Relations, rows, inc.Nested, depth+1); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (l *Loader) loadOne(ctx context.Context, parentTable *storage.Table, rel *Relation, parents []map[string]any, inc Include, depth int) (func(), error) {
	switch rel.Kind {
	case BelongsTo:
		return l.loadBelongsTo(ctx, rel, parents, inc, depth)
	case HasOne, HasMany:
		return l.loadHas(ctx, parentTable, rel, parents, inc, depth)
	case ManyToMany:
		return l.loadManyToMany(ctx, parentTable, rel, parents, inc, depth)
	}
	return nil, fmt.Errorf("unknown relation kind %q", rel.Kind)
}

func (l *Loader) loadBelongsTo(ctx context.Context, rel *Relation, parents []map[string]any, inc Include, depth int) (func(), error) {
	ref := rel.References
	if ref == "" {
		ref = rel.Target.PrimaryKey
	}

	keys, _ := gatherKeys(parents, rel.ForeignKey)
	rows, err := l.fetchTargets(ctx, rel, ref, keys, inc, depth)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		byKey[keyString(row[ref])] = row
	}
	return func() {
		for _, p := range parents {
			fk := p[rel.ForeignKey]
			if fk == nil {
				p[inc.Name] = nil
				continue
			}
			if row, ok := byKey[keyString(fk)]; ok {
				p[inc.Name] = row
			} else {
				p[inc.Name] = nil
			}
		}
	}, nil
}

func (l *Loader) loadHas(ctx context.Context, parentTable *storage.Table, rel *Relation, parents []map[string]any, inc Include, depth int) (func(), error) {
	ref := rel.References
	if ref == "" {
		ref = parentTable.PrimaryKey
	}

	keys, _ := gatherKeys(parents, ref)
	rows, err := l.fetchTargets(ctx, rel, rel.ForeignKey, keys, inc, depth)
	if err != nil {
		return nil, err
	}
	grouped := make(map[string][]map[string]any)
	for _, row := range rows {
		k := keyString(row[rel.ForeignKey])
		if inc.Limit > 0 && len(grouped[k]) >= inc.Limit {
			continue
		}
		grouped[k] = append(grouped[k], row)
	}
	hasOne := rel.Kind == HasOne
	return func() {
		for _, p := range parents {
			group := grouped[keyString(p[ref])]
			if hasOne {
				if len(group) > 0 {
					p[inc.Name] = group[0]
				} else {
					p[inc.Name] = nil
				}
				continue
			}
			if group == nil {
				group = []map[string]any{}
			}
			p[inc.Name] = group
		}
	}, nil
}

func (l *Loader) loadManyToMany(ctx context.Context, parentTable *storage.Table, rel *Relation, parents []map[string]any, inc Include, depth int) (func(), error) {
	join := rel.Through
	parentKeys, _ := gatherKeys(parents, parentTable.PrimaryKey)
	if len(parentKeys) == 0 {
		return func() {}, nil
	}

	joinRows, err := l.q.Select(ctx, storage.SelectQuery{
		Table:  join.Table,
		Filter: filter.In(join.SourceKey, parentKeys...),
	})
	if err != nil {
		return nil, err
	}

	ref := rel.References
	if ref == "" {
		ref = rel.Target.PrimaryKey
	}
	links := make(map[string][]string, len(parentKeys))
	targetKeySet := make(map[string]any)
	for _, jr := range joinRows {
		src := keyString(jr[join.SourceKey])
		dst := jr[join.TargetKey]
		links[src] = append(links[src], keyString(dst))
		targetKeySet[keyString(dst)] = dst
	}
	targetKeys := make([]any, 0, len(targetKeySet))
	for _, v := range targetKeySet {
		targetKeys = append(targetKeys, v)
	}

	rows, err := l.fetchTargets(ctx, rel, ref, targetKeys, inc, depth)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		byKey[keyString(row[ref])] = row
	}

	return func() {
		for _, p := range parents {
			out := []map[string]any{}
			for _, dst := range links[keyString(p[parentTable.PrimaryKey])] {
				if row, ok := byKey[dst]; ok {
					out = append(out, row)
					if inc.Limit > 0 && len(out) >= inc.Limit {
						break
					}
				}
			}
			p[inc.Name] = out
		}
	}, nil
}

// gatherKeys collects the distinct non-nil values of a field across
// parents.
func gatherKeys(parents []map[string]any, field string) ([]any, map[string]bool) {
	seen := make(map[string]bool, len(parents))
	var keys []any
	for _, p := range parents {
		v, ok := p[field]
		if !ok || v == nil {
			continue
		}
		k := keyString(v)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, v)
		}
	}
	return keys, seen
}

// keyString renders a key value for map grouping. Integral floats render
// without a fraction so JSON-decoded and driver-native keys collide.
func keyString(v any) string {
	switch v := v.(type) {
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
	case float32:
		return keyString(float64(v))
	}
	return fmt.Sprint(v)
}
