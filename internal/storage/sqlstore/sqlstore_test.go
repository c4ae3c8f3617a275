package sqlstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concavehq/concave/internal/changelog"
	"github.com/concavehq/concave/internal/filter"
	"github.com/concavehq/concave/internal/storage"
)

var tasksTable = &storage.Table{
	Name:       "tasks",
	PrimaryKey: "id",
	Columns:    []string{"id", "title", "status", "priority"},
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.DB().ExecContext(ctx, `CREATE TABLE tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL
	)`)
	require.NoError(t, err)
	return s
}

func seedTasks(t *testing.T, s *Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		status := "open"
		if i%2 == 0 {
			status = "done"
		}
		err := s.Insert(ctx, tasksTable, map[string]any{
			"id":       fmt.Sprintf("t%02d", i),
			"title":    fmt.Sprintf("task %d", i),
			"status":   status,
			"priority": i % 3,
		})
		require.NoError(t, err)
	}
}

func mustCompile(t *testing.T, expr string) *filter.Compiled {
	t.Helper()
	f, err := filter.Compile(expr)
	require.NoError(t, err)
	return f
}

func TestSelectWithFilter(t *testing.T) {
	s := openTestStore(t)
	seedTasks(t, s, 6)

	rows, err := s.Select(context.Background(), storage.SelectQuery{
		Table:  tasksTable,
		Filter: mustCompile(t, `status=="open"`),
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.Equal(t, "open", r["status"])
	}
}

func TestSelectProjectionKeepsPrimaryKey(t *testing.T) {
	s := openTestStore(t)
	seedTasks(t, s, 1)

	rows, err := s.Select(context.Background(), storage.SelectQuery{
		Table:   tasksTable,
		Columns: []string{"title", "bogus"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0], "id")
	assert.Contains(t, rows[0], "title")
	assert.NotContains(t, rows[0], "status")
	assert.NotContains(t, rows[0], "bogus")
}

func TestSelectProjectionRetainsSortColumns(t *testing.T) {
	s := openTestStore(t)
	seedTasks(t, s, 3)

	// The boundary row of a page is the source of the next cursor, so the
	// sort key must survive a narrower select.
	rows, err := s.Select(context.Background(), storage.SelectQuery{
		Table:   tasksTable,
		Columns: []string{"title"},
		Sort:    []storage.Sort{{Field: "priority"}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.Contains(t, r, "priority")
		assert.Contains(t, r, "id")
		assert.Contains(t, r, "title")
	}
}

func TestKeysetPagination(t *testing.T) {
	s := openTestStore(t)
	seedTasks(t, s, 10)
	ctx := context.Background()

	q := storage.SelectQuery{
		Table: tasksTable,
		Sort:  []storage.Sort{{Field: "priority"}},
		Limit: 4,
	}

	var seen []string
	var after []any
	for {
		q.After = after
		rows, err := s.Select(ctx, q)
		require.NoError(t, err)
		if len(rows) == 0 {
			break
		}
		for _, r := range rows {
			seen = append(seen, r["id"].(string))
		}
		last := rows[len(rows)-1]
		after = []any{last["priority"], last["id"]}
		if len(rows) < q.Limit {
			break
		}
	}

	assert.Len(t, seen, 10)
	uniq := make(map[string]bool)
	for _, id := range seen {
		assert.False(t, uniq[id], "row %s paged twice", id)
		uniq[id] = true
	}
}

func TestKeysetPaginationDescending(t *testing.T) {
	s := openTestStore(t)
	seedTasks(t, s, 5)
	ctx := context.Background()

	rows, err := s.Select(ctx, storage.SelectQuery{
		Table: tasksTable,
		Sort:  []storage.Sort{{Field: "id", Desc: true}},
		Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "t05", rows[0]["id"])

	rows, err = s.Select(ctx, storage.SelectQuery{
		Table: tasksTable,
		Sort:  []storage.Sort{{Field: "id", Desc: true}},
		Limit: 2,
		After: []any{rows[1]["id"]},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "t03", rows[0]["id"])
}

func TestCountAndAggregate(t *testing.T) {
	s := openTestStore(t)
	seedTasks(t, s, 6)
	ctx := context.Background()

	n, err := s.Count(ctx, tasksTable, mustCompile(t, `status=="done"`))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	groups, err := s.AggregateQuery(ctx, storage.Aggregate{
		Table:   tasksTable,
		GroupBy: []string{"status"},
		Count:   true,
		Max:     []string{"priority"},
	})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	for _, g := range groups {
		assert.Contains(t, g, "status")
		assert.Contains(t, g, "count")
		assert.Contains(t, g, "max_priority")
	}
}

func TestInsertConflict(t *testing.T) {
	s := openTestStore(t)
	seedTasks(t, s, 1)

	err := s.Insert(context.Background(), tasksTable, map[string]any{
		"id": "t01", "title": "dup", "status": "open", "priority": 0,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestUpdateAndDeleteWhere(t *testing.T) {
	s := openTestStore(t)
	seedTasks(t, s, 6)
	ctx := context.Background()

	n, err := s.UpdateWhere(ctx, tasksTable, mustCompile(t, `status=="open"`),
		map[string]any{"status": "closed"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = s.DeleteWhere(ctx, tasksTable, mustCompile(t, `status=="closed"`))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	total, err := s.Count(ctx, tasksTable, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}

func TestChangelogSeqStartsFreshPerResource(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// The counter upsert seeds the row on first use and advances it after,
	// independently per resource.
	for _, res := range []string{"alpha", "beta"} {
		for want := int64(1); want <= 2; want++ {
			var got int64
			err := s.Transact(ctx, func(tx storage.Querier) error {
				seq, err := tx.AppendChange(ctx, &changelog.Entry{
					Resource: res, RecordID: "r1", Op: changelog.OpCreate,
				})
				got = seq
				return err
			})
			require.NoError(t, err)
			assert.Equal(t, want, got, res)
		}
	}
}

func TestChangelogSequence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("t%02d", i)
		err := s.Transact(ctx, func(tx storage.Querier) error {
			if err := tx.Insert(ctx, tasksTable, map[string]any{
				"id": id, "title": "x", "status": "open", "priority": 0,
			}); err != nil {
				return err
			}
			_, err := tx.AppendChange(ctx, &changelog.Entry{
				Resource: "tasks",
				RecordID: id,
				Op:       changelog.OpCreate,
				After:    map[string]any{"id": id},
			})
			return err
		})
		require.NoError(t, err)
	}

	hw, err := s.HighWater(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, int64(3), hw)

	entries, err := s.ChangesSince(ctx, "tasks", 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].Seq)
	assert.Equal(t, int64(3), entries[1].Seq)
	assert.Equal(t, changelog.OpCreate, entries[0].Op)
	assert.Equal(t, "t02", entries[0].After["id"])

	// A rolled-back transaction leaves no hole visible to readers.
	err = s.Transact(ctx, func(tx storage.Querier) error {
		if _, err := tx.AppendChange(ctx, &changelog.Entry{
			Resource: "tasks", RecordID: "t99", Op: changelog.OpDelete,
		}); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	hw, err = s.HighWater(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, int64(3), hw)
}
