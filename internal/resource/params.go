package resource

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/concavehq/concave/internal/problem"
	"github.com/concavehq/concave/internal/relations"
	"github.com/concavehq/concave/internal/storage"
)

// listParams are the parsed query parameters of a list request.
type listParams struct {
	RawFilter  string
	Sort       []storage.Sort
	Limit      int
	Cursor     string
	Select     []string
	Includes   []relations.Include
	TotalCount bool
}

// parseListParams validates the paging surface. Limit is clamped into
// [1, MaxLimit] rather than rejected; a malformed orderBy or include is a
// validation error.
func (s *Service) parseListParams(q url.Values) (*listParams, error) {
	p := &listParams{
		RawFilter: q.Get("filter"),
		Limit:     s.desc.DefaultLimit,
		Cursor:    q.Get("cursor"),
	}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, problem.New(problem.KindValidation, "limit %q is not an integer", raw)
		}
		if n < 1 {
			n = 1
		}
		if n > s.desc.MaxLimit {
			n = s.desc.MaxLimit
		}
		p.Limit = n
	}

	for _, raw := range q["orderBy"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			sort, err := parseSortKey(part)
			if err != nil {
				return nil, err
			}
			if !s.desc.Table.Has(sort.Field) {
				return nil, problem.New(problem.KindValidation, "unknown orderBy field %q", sort.Field)
			}
			p.Sort = append(p.Sort, sort)
		}
	}

	if raw := q.Get("select"); raw != "" {
		var fields []string
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
		p.Select = s.desc.selectWhitelist(fields)
	}

	if raw := q.Get("include"); raw != "" {
		incs, err := relations.ParseIncludes(raw)
		if err != nil {
			return nil, problem.New(problem.KindValidation, "invalid include: %v", err)
		}
		p.Includes = incs
	}

	p.TotalCount = q.Get("totalCount") == "true"
	return p, nil
}

func parseSortKey(part string) (storage.Sort, error) {
	field, dir, hasDir := strings.Cut(part, ":")
	sort := storage.Sort{Field: strings.TrimSpace(field)}
	if sort.Field == "" {
		return sort, problem.New(problem.KindValidation, "empty orderBy field")
	}
	if hasDir {
		switch strings.ToLower(strings.TrimSpace(dir)) {
		case "asc":
		case "desc":
			sort.Desc = true
		default:
			return sort, problem.New(problem.KindValidation,
				"orderBy direction %q must be asc or desc", dir)
		}
	}
	return sort, nil
}

// effectiveSortKeys mirrors the storage layer's ordering: the requested
// keys plus the primary key as final tiebreak. Cursors encode exactly
// this list.
func (s *Service) effectiveSortKeys(sorts []storage.Sort) []storage.Sort {
	out := make([]storage.Sort, 0, len(sorts)+1)
	hasPK := false
	for _, k := range sorts {
		out = append(out, k)
		if k.Field == s.desc.Table.PrimaryKey {
			hasPK = true
		}
	}
	if !hasPK {
		desc := false
		if len(out) > 0 {
			desc = out[len(out)-1].Desc
		}
		out = append(out, storage.Sort{Field: s.desc.Table.PrimaryKey, Desc: desc})
	}
	return out
}

func fmtID(v any) string { return fmt.Sprint(v) }
