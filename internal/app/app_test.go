package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concavehq/concave/internal/auth"
	"github.com/concavehq/concave/internal/auth/jwtauth"
	"github.com/concavehq/concave/internal/filter"
	"github.com/concavehq/concave/internal/kv/memkv"
	"github.com/concavehq/concave/internal/resource"
	"github.com/concavehq/concave/internal/scope"
	"github.com/concavehq/concave/internal/storage"
	"github.com/concavehq/concave/internal/storage/sqlstore"
)

var usersTable = &storage.Table{
	Name:       "users",
	PrimaryKey: "id",
	Columns:    []string{"id", "name", "age", "role", "status", "version"},
}

var productsTable = &storage.Table{
	Name:       "products",
	PrimaryKey: "id",
	Columns:    []string{"id", "name", "category", "qty"},
}

func newTestApp(t *testing.T, opts Options) *App {
	t.Helper()
	ctx := context.Background()
	store, err := sqlstore.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.DB().ExecContext(ctx, `CREATE TABLE users (
		id TEXT PRIMARY KEY,
		name TEXT,
		age INTEGER,
		role TEXT,
		status TEXT,
		version INTEGER
	)`)
	require.NoError(t, err)
	_, err = store.DB().ExecContext(ctx, `CREATE TABLE products (
		id TEXT PRIMARY KEY,
		name TEXT,
		category TEXT,
		qty INTEGER
	)`)
	require.NoError(t, err)

	opts.Store = store
	if opts.KV == nil {
		opts.KV = memkv.New()
	}
	a, err := New(opts)
	require.NoError(t, err)
	return a
}

func publicUsers() *resource.Descriptor {
	return &resource.Descriptor{
		Name:          "users",
		Table:         usersTable,
		EnableCreate:  true,
		EnableUpdate:  true,
		EnableReplace: true,
		EnableDelete:  true,
		VersionField:  "version",
		MaxCreate:     3,
		Scope:         &scope.Config{Public: scope.Public{All: true}},
	}
}

func publicProducts() *resource.Descriptor {
	return &resource.Descriptor{
		Name:                "products",
		Table:               productsTable,
		EnableCreate:        true,
		EnableUpdate:        true,
		EnableDelete:        true,
		EnableSubscriptions: true,
		EnableAggregations:  true,
		Scope:               &scope.Config{Public: scope.Public{All: true}},
	}
}

type apiClient struct {
	t      *testing.T
	base   string
	client *http.Client
	token  string
}

func newClient(t *testing.T, a *App) *apiClient {
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return &apiClient{t: t, base: srv.URL, client: srv.Client()}
}

func (c *apiClient) do(method, path string, body any, hdr map[string]string) (*http.Response, map[string]any) {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	require.NoError(c.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(c.t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp, decoded
}

func items(body map[string]any) []map[string]any {
	raw, _ := body["items"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, it := range raw {
		out = append(out, it.(map[string]any))
	}
	return out
}

func TestCreateListFilter(t *testing.T) {
	a := newTestApp(t, Options{})
	_, err := a.Resource(publicUsers())
	require.NoError(t, err)
	c := newClient(t, a)

	seed := []map[string]any{
		{"name": "Alice", "age": 30, "role": "admin", "status": "active"},
		{"name": "Bob", "age": 25, "role": "user", "status": "active"},
		{"name": "Charlie", "age": 35, "role": "user", "status": "inactive"},
	}
	for _, u := range seed {
		resp, body := c.do("POST", "/users", u, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.NotEmpty(t, body["id"])
		assert.NotEmpty(t, resp.Header.Get("ETag"))
	}

	resp, body := c.do("GET", "/users?filter=age>=30&orderBy=name:asc", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := items(body)
	require.Len(t, got, 2)
	assert.Equal(t, "Alice", got[0]["name"])
	assert.Equal(t, "Charlie", got[1]["name"])

	resp, body = c.do("GET", `/users?filter=role=="user";status=="active"`, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got = items(body)
	require.Len(t, got, 1)
	assert.Equal(t, "Bob", got[0]["name"])
}

func TestOptimisticConcurrency(t *testing.T) {
	a := newTestApp(t, Options{})
	_, err := a.Resource(publicUsers())
	require.NoError(t, err)
	c := newClient(t, a)

	resp, body := c.do("POST", "/users", map[string]any{"name": "Dave", "age": 40}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)
	e0 := resp.Header.Get("ETag")
	require.NotEmpty(t, e0)

	// First writer with the fresh precondition wins.
	resp, _ = c.do("PATCH", "/users/"+id, map[string]any{"age": 41},
		map[string]string{"If-Match": e0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	e1 := resp.Header.Get("ETag")
	require.NotEmpty(t, e1)
	assert.NotEqual(t, e0, e1)

	// Second writer still holding E0 loses and learns the current tag.
	resp, body = c.do("PATCH", "/users/"+id, map[string]any{"age": 42},
		map[string]string{"If-Match": e0})
	require.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	assert.Equal(t, e1, body["currentETag"])
}

func TestIfMatchStarAndIfNoneMatch(t *testing.T) {
	a := newTestApp(t, Options{})
	_, err := a.Resource(publicUsers())
	require.NoError(t, err)
	c := newClient(t, a)

	// If-Match: * on a missing record is still a 404.
	resp, _ := c.do("PATCH", "/users/nope", map[string]any{"age": 1},
		map[string]string{"If-Match": "*"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := c.do("POST", "/users", map[string]any{"name": "Eve"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)
	etag := resp.Header.Get("ETag")

	// * matches the existing record.
	resp, _ = c.do("PATCH", "/users/"+id, map[string]any{"age": 9},
		map[string]string{"If-Match": "*"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	etag = resp.Header.Get("ETag")

	// Conditional GET with the fresh tag short-circuits.
	resp, _ = c.do("GET", "/users/"+id, nil, map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestIdempotencyReplay(t *testing.T) {
	a := newTestApp(t, Options{})
	_, err := a.Resource(publicProducts())
	require.NoError(t, err)
	c := newClient(t, a)

	payload := map[string]any{"name": "Widget", "qty": 5}
	hdr := map[string]string{"Idempotency-Key": "create-order-12345678"}

	resp, body := c.do("POST", "/products", payload, hdr)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)

	// Exact retry replays the original response.
	resp, body = c.do("POST", "/products", payload, hdr)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, id, body["id"])

	// And the write happened once.
	resp, body = c.do("GET", "/products?totalCount=true", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["totalCount"])

	// Same key, different body: conflict.
	resp, _ = c.do("POST", "/products", map[string]any{"name": "Widget", "qty": 6}, hdr)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Malformed key: validation error.
	resp, _ = c.do("POST", "/products", payload, map[string]string{"Idempotency-Key": "short"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCursorPaginationWithTotals(t *testing.T) {
	a := newTestApp(t, Options{})
	_, err := a.Resource(publicProducts())
	require.NoError(t, err)
	c := newClient(t, a)

	for i := 1; i <= 28; i++ {
		resp, _ := c.do("POST", "/products", map[string]any{
			"id": fmt.Sprintf("p%02d", i), "name": fmt.Sprintf("product %d", i),
			"category": "misc", "qty": i,
		}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	seen := make(map[string]bool)
	path := "/products?limit=10&orderBy=qty:asc&totalCount=true"
	pages := 0
	for {
		resp, body := c.do("GET", path, nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		pages++
		for _, it := range items(body) {
			id := it["id"].(string)
			assert.False(t, seen[id], "page overlap on %s", id)
			seen[id] = true
		}
		if pages == 1 {
			assert.EqualValues(t, 28, body["totalCount"])
			assert.Len(t, items(body), 10)
		}
		if body["hasMore"] == false {
			assert.Nil(t, body["nextCursor"])
			break
		}
		cur, _ := body["nextCursor"].(string)
		require.NotEmpty(t, cur)
		path = "/products?limit=10&orderBy=qty:asc&cursor=" + cur
		require.LessOrEqual(t, pages, 4, "pagination did not terminate")
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 28)

	// A cursor is bound to the orderBy it was minted under.
	resp, body := c.do("GET", "/products?limit=10&orderBy=qty:asc", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cur := body["nextCursor"].(string)
	resp, _ = c.do("GET", "/products?limit=10&orderBy=name:desc&cursor="+cur, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCursorPaginationWithProjection(t *testing.T) {
	a := newTestApp(t, Options{})
	_, err := a.Resource(publicProducts())
	require.NoError(t, err)
	c := newClient(t, a)

	for i := 1; i <= 12; i++ {
		resp, _ := c.do("POST", "/products", map[string]any{
			"id": fmt.Sprintf("p%02d", i), "name": fmt.Sprintf("product %d", i),
			"category": "misc", "qty": i,
		}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	// Selecting away the sort column must not break the cursor chain:
	// the boundary values still come off the sort key.
	seen := make(map[string]bool)
	path := "/products?limit=5&orderBy=qty:asc&select=name"
	pages := 0
	for {
		resp, body := c.do("GET", path, nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		pages++
		for _, it := range items(body) {
			id := it["id"].(string)
			assert.False(t, seen[id], "page overlap on %s", id)
			seen[id] = true
			assert.NotContains(t, it, "qty")
			assert.NotContains(t, it, "category")
			assert.Contains(t, it, "name")
		}
		if body["hasMore"] == false {
			break
		}
		cur, _ := body["nextCursor"].(string)
		require.NotEmpty(t, cur)
		path = "/products?limit=5&orderBy=qty:asc&select=name&cursor=" + cur
		require.LessOrEqual(t, pages, 4, "pagination did not terminate")
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 12)
}

func TestBatchLimits(t *testing.T) {
	a := newTestApp(t, Options{})
	_, err := a.Resource(publicUsers()) // MaxCreate: 3
	require.NoError(t, err)
	c := newClient(t, a)

	batch := func(n int) map[string]any {
		its := make([]map[string]any, n)
		for i := range its {
			its[i] = map[string]any{"name": fmt.Sprintf("u%d", i)}
		}
		return map[string]any{"items": its}
	}

	resp, body := c.do("POST", "/users/batch", batch(3), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Len(t, items(body), 3)

	resp, _ = c.do("POST", "/users/batch", batch(4), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Bulk update by filter reports the affected count.
	resp, body = c.do("PATCH", `/users/batch?filter=name=="u0"`,
		map[string]any{"status": "active"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])
}

func TestAggregate(t *testing.T) {
	a := newTestApp(t, Options{})
	_, err := a.Resource(publicProducts())
	require.NoError(t, err)
	c := newClient(t, a)

	for i, cat := range []string{"Clothing", "Clothing", "Electronics"} {
		resp, _ := c.do("POST", "/products", map[string]any{
			"name": fmt.Sprintf("p%d", i), "category": cat, "qty": (i + 1) * 10,
		}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := c.do("GET", "/products/aggregate?groupBy=category&count=true&sum=qty", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	groups, _ := body["groups"].([]any)
	require.Len(t, groups, 2)

	byCat := make(map[string]map[string]any)
	for _, g := range groups {
		gm := g.(map[string]any)
		key := gm["key"].(map[string]any)["category"].(string)
		byCat[key] = gm
	}
	assert.EqualValues(t, 2, byCat["Clothing"]["count"])
	assert.EqualValues(t, 30, byCat["Clothing"]["sum"].(map[string]any)["qty"])
	assert.EqualValues(t, 30, byCat["Electronics"]["sum"].(map[string]any)["qty"])
}

// sseEvent is one parsed frame off the wire.
type sseEvent struct {
	name string
	data map[string]any
}

func readEvent(t *testing.T, rd *bufio.Reader) *sseEvent {
	t.Helper()
	ev := &sseEvent{}
	for {
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && ev.name != "":
			return ev
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal(
				[]byte(strings.TrimPrefix(line, "data: ")), &ev.data))
		}
	}
}

func TestSubscribeUnderMutation(t *testing.T) {
	a := newTestApp(t, Options{})
	_, err := a.Resource(publicProducts())
	require.NoError(t, err)
	c := newClient(t, a)

	// Pre-seed rows the filter must not replay.
	for i := 0; i < 3; i++ {
		resp, _ := c.do("POST", "/products", map[string]any{
			"name": fmt.Sprintf("seed%d", i), "category": "Electronics", "qty": i,
		}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET",
		c.base+`/products/subscribe?filter=category=="Clothing"`, nil)
	require.NoError(t, err)
	resp, err := c.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	rd := bufio.NewReader(resp.Body)

	// A matching create becomes exactly one added event.
	_, body := c.do("POST", "/products", map[string]any{
		"name": "shirt", "category": "Clothing", "qty": 1,
	}, nil)
	shirtID := body["id"].(string)

	// A non-matching create must produce nothing...
	c.do("POST", "/products", map[string]any{
		"name": "phone", "category": "Electronics", "qty": 1,
	}, nil)

	// ...so the next frames are: added(shirt), then events for the
	// shirt's category change, never anything for the phone.
	ev := readEvent(t, rd)
	assert.Equal(t, "added", ev.name)
	item := ev.data["item"].(map[string]any)
	assert.Equal(t, "shirt", item["name"])

	// Updating the shirt out of the filter reads as removed.
	c.do("PATCH", "/products/"+shirtID, map[string]any{"category": "Outlet"}, nil)
	ev = readEvent(t, rd)
	assert.Equal(t, "removed", ev.name)

	// And back in reads as added.
	c.do("PATCH", "/products/"+shirtID, map[string]any{"category": "Clothing"}, nil)
	ev = readEvent(t, rd)
	assert.Equal(t, "added", ev.name)

	// Deleting it reads as removed.
	c.do("DELETE", "/products/"+shirtID, nil, nil)
	ev = readEvent(t, rd)
	assert.Equal(t, "removed", ev.name)
}

func TestSubscribeSnapshotThenTail(t *testing.T) {
	a := newTestApp(t, Options{})
	_, err := a.Resource(publicProducts())
	require.NoError(t, err)
	c := newClient(t, a)

	resp, _ := c.do("POST", "/products", map[string]any{
		"name": "jeans", "category": "Clothing", "qty": 2,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET",
		c.base+`/products/subscribe?filter=category=="Clothing"`, nil)
	require.NoError(t, err)
	sresp, err := c.client.Do(req)
	require.NoError(t, err)
	defer sresp.Body.Close()
	rd := bufio.NewReader(sresp.Body)

	// Snapshot replays the matching pre-existing row with the high-water
	// mark it was taken at.
	ev := readEvent(t, rd)
	require.Equal(t, "existing", ev.name)
	assert.Equal(t, "jeans", ev.data["item"].(map[string]any)["name"])
	h0 := ev.data["seq"].(float64)

	// Tail events carry sequence numbers after the snapshot.
	c.do("POST", "/products", map[string]any{
		"name": "socks", "category": "Clothing", "qty": 9,
	}, nil)
	ev = readEvent(t, rd)
	require.Equal(t, "added", ev.name)
	assert.Greater(t, ev.data["seq"].(float64), h0)
}

func TestSubscribeOrderedUnderConcurrentWrites(t *testing.T) {
	a := newTestApp(t, Options{})
	_, err := a.Resource(publicProducts())
	require.NoError(t, err)
	c := newClient(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET",
		c.base+"/products/subscribe", nil)
	require.NoError(t, err)
	resp, err := c.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rd := bufio.NewReader(resp.Body)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, _ := c.do("POST", "/products", map[string]any{
				"name": fmt.Sprintf("w%d", i), "category": "misc", "qty": i,
			}, nil)
			assert.Equal(t, http.StatusCreated, resp.StatusCode)
		}(i)
	}
	wg.Wait()

	// Racing writers commit in some order; the stream must replay that
	// order, never interleaving sequence numbers.
	last := float64(0)
	for i := 0; i < writers; i++ {
		ev := readEvent(t, rd)
		require.Equal(t, "added", ev.name)
		seq := ev.data["seq"].(float64)
		assert.Greater(t, seq, last, "event %d out of order", i)
		last = seq
	}
}

func TestScopedAccess(t *testing.T) {
	secret := []byte("app-test-secret")
	adapter := jwtauth.New(secret)
	a := newTestApp(t, Options{Auth: adapter})

	desc := publicUsers()
	desc.Scope = &scope.Config{
		Fallback: func(user *auth.UserContext) *scope.Compiled {
			if user.HasRole("admin") {
				return scope.All()
			}
			return scope.Expr(filter.Eq("name", user.ID))
		},
	}
	_, err := a.Resource(desc)
	require.NoError(t, err)
	c := newClient(t, a)

	// Anonymous callers are rejected outright.
	resp, _ := c.do("GET", "/users", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	admin, err := adapter.Sign("root", []string{"admin"}, time.Hour)
	require.NoError(t, err)
	alice, err := adapter.Sign("alice", nil, time.Hour)
	require.NoError(t, err)

	c.token = admin
	var aliceID, bobID string
	for _, name := range []string{"alice", "bob"} {
		resp, body := c.do("POST", "/users", map[string]any{"name": name}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		if name == "alice" {
			aliceID = body["id"].(string)
		} else {
			bobID = body["id"].(string)
		}
	}

	// Alice's scope narrows the list to her own row.
	c.token = alice
	resp, body := c.do("GET", "/users", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := items(body)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0]["name"])

	// Out-of-scope rows read as missing, not forbidden.
	resp, _ = c.do("GET", "/users/"+bobID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = c.do("GET", "/users/"+aliceID, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	a := newTestApp(t, Options{})
	c := newClient(t, a)
	resp, body := c.do("GET", "/__concave/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestLimitClampedToMax(t *testing.T) {
	a := newTestApp(t, Options{})
	desc := publicProducts()
	desc.DefaultLimit = 5
	desc.MaxLimit = 10
	_, err := a.Resource(desc)
	require.NoError(t, err)
	c := newClient(t, a)

	for i := 0; i < 15; i++ {
		resp, _ := c.do("POST", "/products", map[string]any{
			"name": fmt.Sprintf("p%d", i), "category": "misc", "qty": i,
		}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	// Oversized limits clamp instead of erroring.
	resp, body := c.do("GET", "/products?limit=5000", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, items(body), 10)

	// No limit at all uses the default.
	resp, body = c.do("GET", "/products", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, items(body), 5)
}
