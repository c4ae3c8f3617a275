package resource

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/concavehq/concave/internal/auth"
	"github.com/concavehq/concave/internal/changelog"
	"github.com/concavehq/concave/internal/filter"
	"github.com/concavehq/concave/internal/problem"
	"github.com/concavehq/concave/internal/scope"
	"github.com/concavehq/concave/internal/storage"
)

type batchBody struct {
	Items []map[string]any `json:"items"`
}

func (s *Service) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	if !s.desc.EnableCreate {
		s.respondError(w, problem.New(problem.KindNotFound, "create is not enabled"))
		return
	}
	s.runMutation(w, r, scope.OpCreate, func(ctx context.Context, user *auth.UserContext, sc *scope.Compiled, body []byte) (*mutResult, error) {
		var req batchBody
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, problem.Wrap(problem.KindValidation, err, "request body is not a batch object")
		}
		if len(req.Items) == 0 {
			return nil, problem.New(problem.KindValidation, "batch has no items")
		}
		if len(req.Items) > s.desc.MaxCreate {
			return nil, problem.New(problem.KindTooLarge,
				"batch of %d exceeds the create limit of %d", len(req.Items), s.desc.MaxCreate)
		}

		pk := s.desc.Table.PrimaryKey
		rows := make([]map[string]any, 0, len(req.Items))
		for _, item := range req.Items {
			row, err := applyHook(ctx, s.desc.Hooks.OnBeforeCreate, item)
			if err != nil {
				return nil, err
			}
			if row[pk] == nil || row[pk] == "" {
				row[pk] = uuid.NewString()
			}
			if s.desc.VersionField != "" && row[s.desc.VersionField] == nil {
				row[s.desc.VersionField] = int64(1)
			}
			if !sc.Match(row) {
				return nil, problem.New(problem.KindForbidden, "record is outside your create scope")
			}
			rows = append(rows, row)
		}

		// All-or-nothing: every insert and its changelog entry commit
		// together or not at all. pubMu spans commit and publish so the
		// broker sees the batch's entries in seq order.
		var created []map[string]any
		var entries []*changelog.Entry
		s.pubMu.Lock()
		defer s.pubMu.Unlock()
		err := s.store.Transact(ctx, func(tx storage.Querier) error {
			for _, row := range rows {
				if err := tx.Insert(ctx, s.desc.Table, row); err != nil {
					return err
				}
				committed, err := s.rereadTx(ctx, tx, row[pk])
				if err != nil {
					return err
				}
				entry := &changelog.Entry{
					Resource: s.desc.Name,
					RecordID: fmtID(row[pk]),
					Op:       changelog.OpCreate,
					After:    committed,
					TS:       time.Now(),
				}
				if user != nil {
					entry.UserID = user.ID
				}
				if _, err := tx.AppendChange(ctx, entry); err != nil {
					return err
				}
				created = append(created, committed)
				entries = append(entries, entry)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			s.broker.Publish(e)
		}
		for _, row := range created {
			if _, err := applyHook(ctx, s.desc.Hooks.OnAfterCreate, row); err != nil {
				return nil, err
			}
		}
		return &mutResult{status: http.StatusCreated, body: map[string]any{"items": created}}, nil
	})
}

func (s *Service) handleBatchUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.desc.EnableUpdate {
		s.respondError(w, problem.New(problem.KindNotFound, "update is not enabled"))
		return
	}
	rawFilter := r.URL.Query().Get("filter")
	s.runMutation(w, r, scope.OpUpdate, func(ctx context.Context, user *auth.UserContext, sc *scope.Compiled, body []byte) (*mutResult, error) {
		changes, err := decodeObject(body)
		if err != nil {
			return nil, err
		}
		changes, err = applyHook(ctx, s.desc.Hooks.OnBeforeUpdate, changes)
		if err != nil {
			return nil, err
		}
		delete(changes, s.desc.Table.PrimaryKey)

		eff, _, err := s.scopedFilter(sc, rawFilter)
		if err != nil {
			return nil, err
		}
		if eff.IsTautology() && rawFilter == "" {
			return nil, problem.New(problem.KindValidation, "bulk update requires a filter")
		}

		count, entries, err := s.bulkMutate(ctx, user, eff, s.desc.MaxUpdate, func(tx storage.Querier, before map[string]any) (*changelog.Entry, error) {
			id := before[s.desc.Table.PrimaryKey]
			rowChanges := changes
			if s.desc.VersionField != "" {
				rowChanges = make(map[string]any, len(changes)+1)
				for k, v := range changes {
					rowChanges[k] = v
				}
				rowChanges[s.desc.VersionField] = recordVersion(before, s.desc.VersionField) + 1
			}
			if _, err := tx.UpdateWhere(ctx, s.desc.Table,
				filter.Eq(s.desc.Table.PrimaryKey, id), rowChanges); err != nil {
				return nil, err
			}
			after, err := s.rereadTx(ctx, tx, id)
			if err != nil {
				return nil, err
			}
			return &changelog.Entry{
				Resource: s.desc.Name,
				RecordID: fmtID(id),
				Op:       changelog.OpUpdate,
				Before:   before,
				After:    after,
				TS:       time.Now(),
			}, nil
		})
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if _, err := applyHook(ctx, s.desc.Hooks.OnAfterUpdate, e.After); err != nil {
				return nil, err
			}
		}
		return &mutResult{status: http.StatusOK, body: map[string]any{"count": count}}, nil
	})
}

func (s *Service) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	if !s.desc.EnableDelete {
		s.respondError(w, problem.New(problem.KindNotFound, "delete is not enabled"))
		return
	}
	rawFilter := r.URL.Query().Get("filter")
	s.runMutation(w, r, scope.OpDelete, func(ctx context.Context, user *auth.UserContext, sc *scope.Compiled, _ []byte) (*mutResult, error) {
		eff, _, err := s.scopedFilter(sc, rawFilter)
		if err != nil {
			return nil, err
		}
		if eff.IsTautology() && rawFilter == "" {
			return nil, problem.New(problem.KindValidation, "bulk delete requires a filter")
		}

		count, entries, err := s.bulkMutate(ctx, user, eff, s.desc.MaxDelete, func(tx storage.Querier, before map[string]any) (*changelog.Entry, error) {
			id := before[s.desc.Table.PrimaryKey]
			if _, err := applyHook(ctx, s.desc.Hooks.OnBeforeDelete, before); err != nil {
				return nil, err
			}
			if _, err := tx.DeleteWhere(ctx, s.desc.Table,
				filter.Eq(s.desc.Table.PrimaryKey, id)); err != nil {
				return nil, err
			}
			return &changelog.Entry{
				Resource: s.desc.Name,
				RecordID: fmtID(id),
				Op:       changelog.OpDelete,
				Before:   before,
				TS:       time.Now(),
			}, nil
		})
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if _, err := applyHook(ctx, s.desc.Hooks.OnAfterDelete, e.Before); err != nil {
				return nil, err
			}
		}
		return &mutResult{status: http.StatusOK, body: map[string]any{"count": count}}, nil
	})
}

// bulkMutate runs a cross-row mutation in one transaction: it selects the
// matching rows (rejecting batches over the limit), applies perRow to
// each, and appends one changelog entry per row. Entries publish to the
// broker only after the whole batch commits.
func (s *Service) bulkMutate(ctx context.Context, user *auth.UserContext, eff *filter.Compiled, limit int, perRow func(tx storage.Querier, before map[string]any) (*changelog.Entry, error)) (int64, []*changelog.Entry, error) {
	var entries []*changelog.Entry
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	err := s.store.Transact(ctx, func(tx storage.Querier) error {
		rows, err := tx.Select(ctx, storage.SelectQuery{
			Table:  s.desc.Table,
			Filter: eff,
			Limit:  limit + 1,
		})
		if err != nil {
			return err
		}
		if len(rows) > limit {
			return problem.New(problem.KindTooLarge,
				"bulk operation matches more than %d rows", limit)
		}
		for _, before := range rows {
			entry, err := perRow(tx, before)
			if err != nil {
				return err
			}
			if user != nil {
				entry.UserID = user.ID
			}
			if _, err := tx.AppendChange(ctx, entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	for _, e := range entries {
		s.broker.Publish(e)
	}
	return int64(len(entries)), entries, nil
}
