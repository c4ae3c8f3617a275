package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/concavehq/concave/internal/changelog"
)

const (
	changelogTable = "__concave_changelog"
	seqTable       = "__concave_seq"
)

// EnsureSchema creates the changelog and sequence tables. Resource tables
// themselves are owned by the application; the core never synthesises
// their DDL.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			resource   VARCHAR(191) NOT NULL,
			seq        BIGINT NOT NULL,
			record_id  VARCHAR(191) NOT NULL,
			op         VARCHAR(16) NOT NULL,
			before_row TEXT,
			after_row  TEXT,
			user_id    VARCHAR(191),
			ts         BIGINT NOT NULL,
			PRIMARY KEY (resource, seq)
		)`, changelogTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			resource VARCHAR(191) PRIMARY KEY,
			seq      BIGINT NOT NULL
		)`, seqTable),
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure changelog schema: %w", err)
		}
	}
	return nil
}

// nextSeq advances and returns the per-resource sequence counter. The
// upsert initialises the counter row without a race on the first-ever
// write; inside a transaction the row then stays locked until commit, so
// sequence order always matches commit order.
func (q *session) nextSeq(ctx context.Context, resource string) (int64, error) {
	upsert := `INSERT INTO %s (resource, seq) VALUES (?, 1)
		ON CONFLICT(resource) DO UPDATE SET seq = seq + 1`
	if q.dialect == DialectMySQL {
		upsert = `INSERT INTO %s (resource, seq) VALUES (?, 1)
			ON DUPLICATE KEY UPDATE seq = seq + 1`
	}
	if _, err := q.ex.ExecContext(ctx, fmt.Sprintf(upsert, seqTable), resource); err != nil {
		return 0, q.dialect.mapError(err)
	}
	var seq int64
	err := q.ex.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT seq FROM %s WHERE resource = ?`, seqTable), resource).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func marshalRow(row map[string]any) (sql.NullString, error) {
	if row == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode changelog row: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func (q *session) AppendChange(ctx context.Context, e *changelog.Entry) (int64, error) {
	seq, err := q.nextSeq(ctx, e.Resource)
	if err != nil {
		return 0, err
	}
	before, err := marshalRow(e.Before)
	if err != nil {
		return 0, err
	}
	after, err := marshalRow(e.After)
	if err != nil {
		return 0, err
	}
	ts := e.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = q.ex.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (resource, seq, record_id, op, before_row, after_row, user_id, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, changelogTable),
		e.Resource, seq, e.RecordID, string(e.Op), before, after,
		sql.NullString{String: e.UserID, Valid: e.UserID != ""}, ts.UnixMilli())
	if err != nil {
		return 0, q.dialect.mapError(err)
	}
	e.Seq = seq
	e.TS = ts
	return seq, nil
}

// HighWater returns the largest committed sequence for a resource.
func (s *Store) HighWater(ctx context.Context, resource string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT MAX(seq) FROM %s WHERE resource = ?`, changelogTable), resource).Scan(&seq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return seq.Int64, nil
}

// ChangesSince returns committed entries with seq > from, oldest first.
func (s *Store) ChangesSince(ctx context.Context, resource string, from int64, limit int) ([]*changelog.Entry, error) {
	query := fmt.Sprintf(
		`SELECT seq, record_id, op, before_row, after_row, user_id, ts
		 FROM %s WHERE resource = ? AND seq > ? ORDER BY seq`, changelogTable)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, resource, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*changelog.Entry
	for rows.Next() {
		var (
			e      changelog.Entry
			op     string
			before sql.NullString
			after  sql.NullString
			userID sql.NullString
			ts     int64
		)
		if err := rows.Scan(&e.Seq, &e.RecordID, &op, &before, &after, &userID, &ts); err != nil {
			return nil, err
		}
		e.Resource = resource
		e.Op = changelog.Op(op)
		e.UserID = userID.String
		e.TS = time.UnixMilli(ts).UTC()
		if before.Valid {
			if err := json.Unmarshal([]byte(before.String), &e.Before); err != nil {
				return nil, fmt.Errorf("decode changelog entry %d: %w", e.Seq, err)
			}
		}
		if after.Valid {
			if err := json.Unmarshal([]byte(after.String), &e.After); err != nil {
				return nil, fmt.Errorf("decode changelog entry %d: %w", e.Seq, err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
