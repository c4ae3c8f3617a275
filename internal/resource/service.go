package resource

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/concavehq/concave/internal/auth"
	"github.com/concavehq/concave/internal/changelog"
	"github.com/concavehq/concave/internal/filter"
	"github.com/concavehq/concave/internal/idempotency"
	"github.com/concavehq/concave/internal/metrics"
	"github.com/concavehq/concave/internal/problem"
	"github.com/concavehq/concave/internal/relations"
	"github.com/concavehq/concave/internal/scope"
	"github.com/concavehq/concave/internal/storage"
	"github.com/concavehq/concave/internal/subscribe"
)

// DefaultMutationTimeout bounds every mutating handler. Subscriptions run
// without a deadline.
const DefaultMutationTimeout = 30 * time.Second

// maxBodyBytes caps request bodies.
const maxBodyBytes = 4 << 20

// Deps are the shared collaborators a Service runs on.
type Deps struct {
	Store    storage.Driver
	Broker   *changelog.Broker
	Idem     *idempotency.Manager
	Auth     auth.Adapter
	Compiler *filter.Compiler
	Streamer *subscribe.Streamer
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	MutationTimeout time.Duration
}

// Service is the runtime for one resource descriptor.
type Service struct {
	desc     *Descriptor
	store    storage.Driver
	broker   *changelog.Broker
	idem     *idempotency.Manager
	auth     auth.Adapter
	compiler *filter.Compiler
	loader   *relations.Loader
	streamer *subscribe.Streamer
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mutationTimeout time.Duration

	// pubMu serialises commit-then-publish so broker delivery order
	// matches changelog seq order. Write transactions on one resource
	// already queue on the seq counter row, so this costs no concurrency.
	pubMu sync.Mutex
}

// New validates the descriptor and builds its service. When the
// descriptor declares custom operators the service compiles filters
// through its own registry clone, so extensions never leak across
// resources.
func New(desc *Descriptor, deps Deps) (*Service, error) {
	if err := desc.normalize(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("resource %s: no storage driver", desc.Name)
	}

	compiler := deps.Compiler
	if compiler == nil {
		compiler = filter.NewCompiler(nil)
	}
	if len(desc.CustomOperators) > 0 {
		reg := compiler.Registry().Clone()
		for name, op := range desc.CustomOperators {
			reg.Register(name, op)
		}
		compiler = filter.NewCompiler(reg)
	}

	s := &Service{
		desc:            desc,
		store:           deps.Store,
		broker:          deps.Broker,
		idem:            deps.Idem,
		auth:            deps.Auth,
		compiler:        compiler,
		streamer:        deps.Streamer,
		logger:          deps.Logger,
		metrics:         deps.Metrics,
		mutationTimeout: deps.MutationTimeout,
	}
	if s.broker == nil {
		s.broker = changelog.NewBroker()
	}
	if s.streamer == nil {
		s.streamer = subscribe.NewStreamer()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.mutationTimeout == 0 {
		s.mutationTimeout = DefaultMutationTimeout
	}
	s.logger = s.logger.With("resource", desc.Name)
	s.loader = relations.NewLoader(deps.Store, compiler)
	return s, nil
}

// Descriptor returns the service's descriptor.
func (s *Service) Descriptor() *Descriptor { return s.desc }

// Broker returns the changelog broker the service publishes to.
func (s *Service) Broker() *changelog.Broker { return s.broker }

// Mount registers the resource's routes under prefix (e.g. "/tasks").
func (s *Service) Mount(mux *http.ServeMux, prefix string) {
	mux.HandleFunc("GET "+prefix, s.handleList)
	mux.HandleFunc("GET "+prefix+"/{$}", s.handleList)
	mux.HandleFunc("GET "+prefix+"/count", s.handleCount)
	mux.HandleFunc("GET "+prefix+"/aggregate", s.handleAggregate)
	mux.HandleFunc("GET "+prefix+"/search", s.handleSearch)
	mux.HandleFunc("GET "+prefix+"/subscribe", s.handleSubscribe)
	mux.HandleFunc("GET "+prefix+"/{id}", s.handleGet)

	mux.HandleFunc("POST "+prefix, s.handleCreate)
	mux.HandleFunc("POST "+prefix+"/{$}", s.handleCreate)
	mux.HandleFunc("POST "+prefix+"/batch", s.handleBatchCreate)
	mux.HandleFunc("PATCH "+prefix+"/batch", s.handleBatchUpdate)
	mux.HandleFunc("DELETE "+prefix+"/batch", s.handleBatchDelete)
	mux.HandleFunc("PATCH "+prefix+"/{id}", s.handlePatch)
	mux.HandleFunc("PUT "+prefix+"/{id}", s.handlePut)
	mux.HandleFunc("DELETE "+prefix+"/{id}", s.handleDelete)
}

// authorize authenticates the request and resolves the operation scope.
func (s *Service) authorize(r *http.Request, op scope.Op) (*auth.UserContext, *scope.Compiled, error) {
	user, err := auth.Authenticate(r.Context(), s.auth, r)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return nil, nil, problem.New(problem.KindUnauthenticated, "invalid credentials")
		}
		return nil, nil, err
	}
	sc, err := s.desc.Scope.Resolve(op, user)
	if err != nil {
		return nil, nil, err
	}
	return user, sc, nil
}

// compileFilter compiles a caller filter, translating parse failures into
// validation problems.
func (s *Service) compileFilter(raw string) (*filter.Compiled, error) {
	if raw == "" {
		return nil, nil
	}
	f, err := s.compiler.Compile(raw)
	if err != nil {
		return nil, problem.Wrap(problem.KindFilterParse, err, "invalid filter")
	}
	return f, nil
}

// scopedFilter builds the effective filter scope ∧ caller-filter, peeling
// relation predicates into extra include filters.
func (s *Service) scopedFilter(sc *scope.Compiled, raw string) (*filter.Compiled, map[string]*filter.Compiled, error) {
	f, err := s.compileFilter(raw)
	if err != nil {
		return nil, nil, err
	}
	local, peeled, err := relations.PeelFilter(f, s.desc.Relations)
	if err != nil {
		return nil, nil, problem.New(problem.KindValidation, "%v", err)
	}
	return sc.Apply(local), peeled, nil
}

// mergePeeled folds relation predicates peeled off the caller filter into
// the parsed includes, adding includes the caller did not request.
func mergePeeled(includes []relations.Include, peeled map[string]*filter.Compiled) []relations.Include {
	for name, f := range peeled {
		found := false
		for i := range includes {
			if includes[i].Name == name {
				if includes[i].Filter == "" {
					includes[i].Filter = f.Raw()
				} else {
					includes[i].Filter = includes[i].Filter + ";" + f.Raw()
				}
				found = true
			}
		}
		if !found {
			includes = append(includes, relations.Include{Name: name, Filter: f.Raw()})
		}
	}
	return includes
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	_, sc, err := s.authorize(r, scope.OpRead)
	if err != nil {
		s.respondError(w, err)
		return
	}
	params, err := s.parseListParams(r.URL.Query())
	if err != nil {
		s.respondError(w, err)
		return
	}
	eff, peeled, err := s.scopedFilter(sc, params.RawFilter)
	if err != nil {
		s.respondError(w, err)
		return
	}
	includes := mergePeeled(params.Includes, peeled)

	sorts := s.effectiveSortKeys(params.Sort)
	var after []any
	if params.Cursor != "" {
		cur, err := decodeCursor(params.Cursor)
		if err != nil {
			s.respondError(w, problem.Wrap(problem.KindValidation, err, "invalid cursor"))
			return
		}
		if !cur.matchesSort(sorts) {
			s.respondError(w, problem.New(problem.KindValidation,
				"cursor was issued under a different orderBy"))
			return
		}
		after = cur.Values
	}

	ctx := r.Context()
	rows, err := s.store.Select(ctx, storage.SelectQuery{
		Table:   s.desc.Table,
		Filter:  eff,
		Columns: params.Select,
		Sort:    params.Sort,
		Limit:   params.Limit + 1,
		After:   after,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}

	hasMore := len(rows) > params.Limit
	if hasMore {
		rows = rows[:params.Limit]
	}

	response := map[string]any{
		"items":   rowsOrEmpty(rows),
		"hasMore": hasMore,
	}
	if hasMore && len(rows) > 0 {
		boundary := rows[len(rows)-1]
		values := make([]any, len(sorts))
		for i, k := range sorts {
			values[i] = boundary[k.Field]
		}
		next, err := (&cursor{Sort: sorts, Values: values}).encode()
		if err != nil {
			s.respondError(w, err)
			return
		}
		response["nextCursor"] = next
	}
	// Sort keys ride along in the rows only to build the boundary; a
	// narrower select drops them again before the response.
	trimToSelection(rows, params.Select, s.desc.Table.PrimaryKey)
	if params.TotalCount {
		total, err := s.store.Count(ctx, s.desc.Table, eff)
		if err != nil {
			s.respondError(w, err)
			return
		}
		response["totalCount"] = total
	}

	if len(includes) > 0 {
		if err := s.loader.Load(ctx, s.desc.Table, s.desc.Relations, rows, includes); err != nil {
			s.respondError(w, err)
			return
		}
	}

	s.setResourceVersion(w, r)
	s.respondJSON(w, http.StatusOK, response)
}

// trimToSelection strips columns outside the requested selection. The
// primary key always stays.
func trimToSelection(rows []map[string]any, selected []string, pk string) {
	if len(selected) == 0 {
		return
	}
	keep := make(map[string]bool, len(selected)+1)
	keep[pk] = true
	for _, c := range selected {
		keep[c] = true
	}
	for _, row := range rows {
		for k := range row {
			if !keep[k] {
				delete(row, k)
			}
		}
	}
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	_, sc, err := s.authorize(r, scope.OpRead)
	if err != nil {
		s.respondError(w, err)
		return
	}

	row, err := s.loadForWrite(r.Context(), sc, r.PathValue("id"))
	if err != nil {
		s.respondError(w, err)
		return
	}

	etag := s.desc.recordETag(row)
	if inm := r.Header.Get("If-None-Match"); inm != "" && etagMatch(inm, etag) {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	q := r.URL.Query()
	if raw := q.Get("select"); raw != "" {
		row = projectRow(row, s.desc, raw)
	}
	if raw := q.Get("include"); raw != "" {
		incs, err := relations.ParseIncludes(raw)
		if err != nil {
			s.respondError(w, problem.New(problem.KindValidation, "invalid include: %v", err))
			return
		}
		if err := s.loader.Load(r.Context(), s.desc.Table, s.desc.Relations,
			[]map[string]any{row}, incs); err != nil {
			s.respondError(w, err)
			return
		}
	}

	w.Header().Set("ETag", etag)
	s.setResourceVersion(w, r)
	s.respondJSON(w, http.StatusOK, row)
}

func (s *Service) handleCount(w http.ResponseWriter, r *http.Request) {
	_, sc, err := s.authorize(r, scope.OpRead)
	if err != nil {
		s.respondError(w, err)
		return
	}
	eff, _, err := s.scopedFilter(sc, r.URL.Query().Get("filter"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	n, err := s.store.Count(r.Context(), s.desc.Table, eff)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"count": n})
}

func (s *Service) handleAggregate(w http.ResponseWriter, r *http.Request) {
	if !s.desc.EnableAggregations {
		s.respondError(w, problem.New(problem.KindNotFound, "aggregations are not enabled"))
		return
	}
	_, sc, err := s.authorize(r, scope.OpRead)
	if err != nil {
		s.respondError(w, err)
		return
	}
	q := r.URL.Query()
	eff, _, err := s.scopedFilter(sc, q.Get("filter"))
	if err != nil {
		s.respondError(w, err)
		return
	}

	agg := storage.Aggregate{
		Table:  s.desc.Table,
		Filter: eff,
		Count:  q.Get("count") == "true",
		Sum:    q["sum"],
		Avg:    q["avg"],
		Min:    q["min"],
		Max:    q["max"],
	}
	for _, g := range q["groupBy"] {
		if !s.desc.Table.Has(g) {
			s.respondError(w, problem.New(problem.KindValidation, "unknown groupBy field %q", g))
			return
		}
		agg.GroupBy = append(agg.GroupBy, g)
	}
	if !agg.Count && len(agg.Sum)+len(agg.Avg)+len(agg.Min)+len(agg.Max) == 0 {
		s.respondError(w, problem.New(problem.KindValidation,
			"aggregate needs count=true or at least one of sum/avg/min/max"))
		return
	}

	rows, err := s.store.AggregateQuery(r.Context(), agg)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"groups": shapeGroups(rows, agg)})
}

// shapeGroups reshapes flat aggregate rows into the response form: group
// keys under "key", aggregate functions nested per function name.
func shapeGroups(rows []map[string]any, agg storage.Aggregate) []map[string]any {
	groups := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		g := make(map[string]any)
		if len(agg.GroupBy) > 0 {
			key := make(map[string]any, len(agg.GroupBy))
			for _, k := range agg.GroupBy {
				key[k] = row[k]
			}
			g["key"] = key
		}
		if agg.Count {
			g["count"] = row["count"]
		}
		for fn, cols := range map[string][]string{
			"sum": agg.Sum, "avg": agg.Avg, "min": agg.Min, "max": agg.Max,
		} {
			if len(cols) == 0 {
				continue
			}
			vals := make(map[string]any, len(cols))
			for _, c := range cols {
				vals[c] = row[fn+"_"+c]
			}
			g[fn] = vals
		}
		groups = append(groups, g)
	}
	return groups
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !s.desc.EnableSearch || s.desc.Searcher == nil {
		s.respondError(w, problem.New(problem.KindNotFound, "search is not configured"))
		return
	}
	_, sc, err := s.authorize(r, scope.OpRead)
	if err != nil {
		s.respondError(w, err)
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		s.respondError(w, problem.New(problem.KindValidation, "missing q parameter"))
		return
	}

	hits, err := s.desc.Searcher.Search(r.Context(), q, s.desc.MaxLimit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	// Scope applies to search hits the same as to any read.
	items := make([]map[string]any, 0, len(hits))
	for _, hit := range hits {
		if sc.Match(hit) {
			items = append(items, hit)
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

// setResourceVersion exposes the resource's changelog high-water mark so
// clients can tell how fresh a read is.
func (s *Service) setResourceVersion(w http.ResponseWriter, r *http.Request) {
	hw, err := s.store.HighWater(r.Context(), s.desc.Name)
	if err != nil {
		s.logger.Warn("high-water lookup failed", "error", err)
		return
	}
	w.Header().Set("X-Resource-Version", strconv.FormatInt(hw, 10))
}

func (s *Service) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Service) respondError(w http.ResponseWriter, err error) {
	p := s.toProblem(err)
	if p.Kind.Status() >= 500 {
		s.logger.Error("request failed", "error", err)
	}
	problem.Write(w, p)
}

// toProblem maps storage sentinels onto problem kinds; anything
// unrecognised is internal.
func (s *Service) toProblem(err error) *problem.Problem {
	switch {
	case errors.Is(err, storage.ErrConflict):
		return problem.Wrap(problem.KindConflict, err, "record already exists")
	case errors.Is(err, storage.ErrNotFound):
		return problem.Wrap(problem.KindNotFound, err, "record not found")
	}
	return problem.From(err)
}

func rowsOrEmpty(rows []map[string]any) []map[string]any {
	if rows == nil {
		return []map[string]any{}
	}
	return rows
}

// projectRow applies a select parameter to a single fetched row.
func projectRow(row map[string]any, d *Descriptor, raw string) map[string]any {
	fields := d.selectWhitelist(splitCSV(raw))
	if len(fields) == 0 {
		return row
	}
	out := make(map[string]any, len(fields)+1)
	out[d.Table.PrimaryKey] = row[d.Table.PrimaryKey]
	for _, f := range fields {
		if v, ok := row[f]; ok {
			out[f] = v
		}
	}
	return out
}

func splitCSV(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
