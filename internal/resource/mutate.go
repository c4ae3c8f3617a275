package resource

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/concavehq/concave/internal/auth"
	"github.com/concavehq/concave/internal/changelog"
	"github.com/concavehq/concave/internal/filter"
	"github.com/concavehq/concave/internal/idempotency"
	"github.com/concavehq/concave/internal/problem"
	"github.com/concavehq/concave/internal/scope"
	"github.com/concavehq/concave/internal/storage"
)

// mutResult is the outcome of a mutation handler before serialisation.
type mutResult struct {
	status int
	etag   string
	body   any // nil writes no body
}

type mutationFunc func(ctx context.Context, user *auth.UserContext, sc *scope.Compiled, body []byte) (*mutResult, error)

// runMutation wraps a mutating handler with the shared pipeline:
// authentication, scope resolution, the mutation timeout, and
// idempotency-key replay. The response (success or client error) is
// serialised once so the idempotency store caches exactly what the client
// saw.
func (s *Service) runMutation(w http.ResponseWriter, r *http.Request, op scope.Op, exec mutationFunc) {
	user, sc, err := s.authorize(r, op)
	if err != nil {
		s.respondError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.mutationTimeout)
	defer cancel()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.respondError(w, problem.Wrap(problem.KindTooLarge, err, "request body too large"))
		return
	}

	var guard *idempotency.Guard
	if key := r.Header.Get("Idempotency-Key"); key != "" && s.idem != nil {
		if !idempotency.ValidateKey(key) {
			s.respondError(w, problem.New(problem.KindValidation,
				"Idempotency-Key must match ^[A-Za-z0-9_-]{8,256}$"))
			return
		}
		userID := ""
		if user != nil {
			userID = user.ID
		}
		idemScope := idempotency.Scope(userID, r.Method, r.URL.Path, key)
		fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)

		var replay *idempotency.Record
		guard, replay, err = s.idem.Acquire(ctx, idemScope, fingerprint)
		if err != nil {
			s.respondError(w, err)
			return
		}
		if replay != nil {
			for k, vs := range replay.Header {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(replay.Status)
			w.Write(replay.Body)
			return
		}
		defer guard.Release(ctx)
	}

	res, err := exec(ctx, user, sc, body)

	status := 0
	header := make(http.Header)
	var payload []byte
	if err != nil {
		p := s.toProblem(err)
		status = p.Kind.Status()
		payload = p.Body()
		header.Set("Content-Type", "application/problem+json")
	} else {
		status = res.status
		if res.etag != "" {
			header.Set("ETag", res.etag)
		}
		if res.body != nil {
			payload, err = json.Marshal(res.body)
			if err != nil {
				s.respondError(w, err)
				return
			}
			header.Set("Content-Type", "application/json")
		}
	}

	if guard != nil {
		// Commit uses its own context: the client going away must not
		// leave a lock behind an uncached response.
		commitCtx, commitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := guard.Commit(commitCtx, status, header, payload); err != nil {
			s.logger.Warn("idempotency commit failed", "error", err)
		}
		commitCancel()
	}

	for k, vs := range header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(status)
	if len(payload) > 0 {
		w.Write(payload)
	}
}

// applyHook runs a lifecycle hook, keeping the input payload when the
// hook returns nil.
func applyHook(ctx context.Context, hook HookFunc, payload map[string]any) (map[string]any, error) {
	if hook == nil {
		return payload, nil
	}
	out, err := hook(ctx, payload)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return payload, nil
	}
	return out, nil
}

func decodeObject(body []byte) (map[string]any, error) {
	var row map[string]any
	if err := json.Unmarshal(body, &row); err != nil {
		return nil, problem.Wrap(problem.KindValidation, err, "request body is not a JSON object")
	}
	return row, nil
}

// recordVersion reads the version column as an integer, tolerating the
// numeric types drivers hand back.
func recordVersion(row map[string]any, field string) int64 {
	switch v := row[field].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// writeTx applies one mutation and its changelog entry in a single
// transaction, re-reading the row so the response and ETag reflect the
// committed state. entry.Seq is assigned inside the transaction; the
// entry is published to the broker only after commit. pubMu is held
// across commit and publish so racing writers cannot deliver entries to
// the broker out of seq order.
func (s *Service) writeTx(ctx context.Context, user *auth.UserContext, apply func(tx storage.Querier) (*changelog.Entry, error)) (*changelog.Entry, error) {
	var entry *changelog.Entry
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	err := s.store.Transact(ctx, func(tx storage.Querier) error {
		e, err := apply(tx)
		if err != nil {
			return err
		}
		if user != nil {
			e.UserID = user.ID
		}
		if _, err := tx.AppendChange(ctx, e); err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.broker.Publish(entry)
	return entry, nil
}

// rereadTx loads a row by primary key inside a transaction.
func (s *Service) rereadTx(ctx context.Context, tx storage.Querier, id any) (map[string]any, error) {
	rows, err := tx.Select(ctx, storage.SelectQuery{
		Table:  s.desc.Table,
		Filter: filter.Eq(s.desc.Table.PrimaryKey, id),
		Limit:  1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, storage.ErrNotFound
	}
	return rows[0], nil
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !s.desc.EnableCreate {
		s.respondError(w, problem.New(problem.KindNotFound, "create is not enabled"))
		return
	}
	s.runMutation(w, r, scope.OpCreate, func(ctx context.Context, user *auth.UserContext, sc *scope.Compiled, body []byte) (*mutResult, error) {
		row, err := decodeObject(body)
		if err != nil {
			return nil, err
		}
		return s.createOne(ctx, user, sc, row)
	})
}

// createOne runs the create pipeline for a single record. Batch create
// reuses it inside one enclosing transaction-like loop.
func (s *Service) createOne(ctx context.Context, user *auth.UserContext, sc *scope.Compiled, row map[string]any) (*mutResult, error) {
	row, err := applyHook(ctx, s.desc.Hooks.OnBeforeCreate, row)
	if err != nil {
		return nil, err
	}

	pk := s.desc.Table.PrimaryKey
	if row[pk] == nil || row[pk] == "" {
		row[pk] = uuid.NewString()
	}
	if s.desc.VersionField != "" && row[s.desc.VersionField] == nil {
		row[s.desc.VersionField] = int64(1)
	}

	// A create scope bounds what records the user may bring into
	// existence, evaluated against the new record.
	if !sc.Match(row) {
		return nil, problem.New(problem.KindForbidden, "record is outside your create scope")
	}

	var after map[string]any
	_, err = s.writeTx(ctx, user, func(tx storage.Querier) (*changelog.Entry, error) {
		if err := tx.Insert(ctx, s.desc.Table, row); err != nil {
			return nil, err
		}
		committed, err := s.rereadTx(ctx, tx, row[pk])
		if err != nil {
			return nil, err
		}
		after = committed
		return &changelog.Entry{
			Resource: s.desc.Name,
			RecordID: fmtID(row[pk]),
			Op:       changelog.OpCreate,
			After:    committed,
			TS:       time.Now(),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := applyHook(ctx, s.desc.Hooks.OnAfterCreate, after); err != nil {
		return nil, err
	}
	return &mutResult{status: http.StatusCreated, etag: s.desc.recordETag(after), body: after}, nil
}

func (s *Service) handlePatch(w http.ResponseWriter, r *http.Request) {
	if !s.desc.EnableUpdate {
		s.respondError(w, problem.New(problem.KindNotFound, "update is not enabled"))
		return
	}
	id := r.PathValue("id")
	ifMatch := r.Header.Get("If-Match")
	s.runMutation(w, r, scope.OpUpdate, func(ctx context.Context, user *auth.UserContext, sc *scope.Compiled, body []byte) (*mutResult, error) {
		changes, err := decodeObject(body)
		if err != nil {
			return nil, err
		}
		return s.updateOne(ctx, user, sc, id, ifMatch, changes, false)
	})
}

func (s *Service) handlePut(w http.ResponseWriter, r *http.Request) {
	if !s.desc.EnableReplace {
		s.respondError(w, problem.New(problem.KindNotFound, "replace is not enabled"))
		return
	}
	id := r.PathValue("id")
	ifMatch := r.Header.Get("If-Match")
	s.runMutation(w, r, scope.OpUpdate, func(ctx context.Context, user *auth.UserContext, sc *scope.Compiled, body []byte) (*mutResult, error) {
		replacement, err := decodeObject(body)
		if err != nil {
			return nil, err
		}
		return s.updateOne(ctx, user, sc, id, ifMatch, replacement, true)
	})
}

// updateOne is the shared PATCH/PUT pipeline. replace widens the change
// set to every column: absent fields become null.
func (s *Service) updateOne(ctx context.Context, user *auth.UserContext, sc *scope.Compiled, id, ifMatch string, changes map[string]any, replace bool) (*mutResult, error) {
	pk := s.desc.Table.PrimaryKey

	current, err := s.loadForWrite(ctx, sc, id)
	if err != nil {
		if replace && problem.IsKind(err, problem.KindNotFound) && s.desc.EnableCreate {
			// Replace-of-missing creates.
			changes[pk] = id
			return s.createOne(ctx, user, sc, changes)
		}
		return nil, err
	}

	currentETag := s.desc.recordETag(current)
	if ifMatch != "" && !etagMatch(ifMatch, currentETag) {
		return nil, preconditionFailed(currentETag)
	}

	changes, err = applyHook(ctx, s.desc.Hooks.OnBeforeUpdate, changes)
	if err != nil {
		return nil, err
	}
	delete(changes, pk)

	if replace {
		for _, col := range s.desc.Table.Columns {
			if col == pk || col == s.desc.VersionField {
				continue
			}
			if _, ok := changes[col]; !ok {
				changes[col] = nil
			}
		}
	}

	// Optimistic write: the WHERE pins the version we read, so two
	// concurrent writers with the same precondition race for one slot.
	writeFilter := filter.Eq(pk, id)
	if s.desc.VersionField != "" {
		version := recordVersion(current, s.desc.VersionField)
		writeFilter = writeFilter.And(filter.Eq(s.desc.VersionField, version))
		changes[s.desc.VersionField] = version + 1
	}

	var after map[string]any
	_, err = s.writeTx(ctx, user, func(tx storage.Querier) (*changelog.Entry, error) {
		n, err := tx.UpdateWhere(ctx, s.desc.Table, writeFilter, changes)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Lost the race: report the winner's ETag.
			fresh, err := s.rereadTx(ctx, tx, id)
			if err != nil {
				return nil, problem.New(problem.KindNotFound, "%s %s not found", s.desc.Name, id)
			}
			return nil, preconditionFailed(s.desc.recordETag(fresh))
		}
		committed, err := s.rereadTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		after = committed
		return &changelog.Entry{
			Resource: s.desc.Name,
			RecordID: id,
			Op:       changelog.OpUpdate,
			Before:   current,
			After:    committed,
			TS:       time.Now(),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := applyHook(ctx, s.desc.Hooks.OnAfterUpdate, after); err != nil {
		return nil, err
	}
	return &mutResult{status: http.StatusOK, etag: s.desc.recordETag(after), body: after}, nil
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.desc.EnableDelete {
		s.respondError(w, problem.New(problem.KindNotFound, "delete is not enabled"))
		return
	}
	id := r.PathValue("id")
	ifMatch := r.Header.Get("If-Match")
	s.runMutation(w, r, scope.OpDelete, func(ctx context.Context, user *auth.UserContext, sc *scope.Compiled, _ []byte) (*mutResult, error) {
		before, err := s.loadForWrite(ctx, sc, id)
		if err != nil {
			return nil, err
		}
		currentETag := s.desc.recordETag(before)
		if ifMatch != "" && !etagMatch(ifMatch, currentETag) {
			return nil, preconditionFailed(currentETag)
		}

		if _, err := applyHook(ctx, s.desc.Hooks.OnBeforeDelete, before); err != nil {
			return nil, err
		}

		_, err = s.writeTx(ctx, user, func(tx storage.Querier) (*changelog.Entry, error) {
			n, err := tx.DeleteWhere(ctx, s.desc.Table, filter.Eq(s.desc.Table.PrimaryKey, id))
			if err != nil {
				return nil, err
			}
			if n == 0 {
				return nil, problem.New(problem.KindNotFound, "%s %s not found", s.desc.Name, id)
			}
			return &changelog.Entry{
				Resource: s.desc.Name,
				RecordID: id,
				Op:       changelog.OpDelete,
				Before:   before,
				TS:       time.Now(),
			}, nil
		})
		if err != nil {
			return nil, err
		}

		if _, err := applyHook(ctx, s.desc.Hooks.OnAfterDelete, before); err != nil {
			return nil, err
		}
		return &mutResult{status: http.StatusNoContent}, nil
	})
}

// loadForWrite fetches the current row under the operation scope. Missing
// and out-of-scope rows are indistinguishable.
func (s *Service) loadForWrite(ctx context.Context, sc *scope.Compiled, id string) (map[string]any, error) {
	rows, err := s.store.Select(ctx, storage.SelectQuery{
		Table:  s.desc.Table,
		Filter: sc.Apply(filter.Eq(s.desc.Table.PrimaryKey, id)),
		Limit:  1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, problem.New(problem.KindNotFound, "%s %s not found", s.desc.Name, id)
	}
	return rows[0], nil
}

func preconditionFailed(currentETag string) *problem.Problem {
	p := problem.New(problem.KindPreconditionFailed, "etag mismatch")
	p.CurrentETag = currentETag
	return p
}
