package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const sessionTable = "__concave_sessions"

// SQLStore keeps sessions in a relational table, sharing the resource
// database so a deployment without Redis still gets durable sessions.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore creates a session store over db. Call EnsureSchema before
// first use.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// EnsureSchema creates the session table if it does not exist. The DDL is
// deliberately lowest-common-denominator so it runs on both SQLite and
// MySQL.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			token      VARCHAR(191) PRIMARY KEY,
			user_id    VARCHAR(191) NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			data       TEXT
		)`, sessionTable))
	if err != nil {
		return fmt.Errorf("create session table: %w", err)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%s_user ON %s (user_id)`,
		sessionTable, sessionTable))
	if err != nil {
		// MySQL before 8.0.29 lacks IF NOT EXISTS on indexes; a duplicate
		// index error here means the index is already in place.
		return nil
	}
	return nil
}

func (s *SQLStore) scanRow(row interface{ Scan(...any) error }) (*Session, error) {
	var (
		sess       Session
		created    int64
		expires    int64
		rawData    sql.NullString
	)
	if err := row.Scan(&sess.Token, &sess.UserID, &created, &expires, &rawData); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sess.CreatedAt = time.UnixMilli(created).UTC()
	if expires > 0 {
		sess.ExpiresAt = time.UnixMilli(expires).UTC()
	}
	if rawData.Valid && rawData.String != "" {
		if err := json.Unmarshal([]byte(rawData.String), &sess.Data); err != nil {
			return nil, fmt.Errorf("decode session data: %w", err)
		}
	}
	return &sess, nil
}

func (s *SQLStore) Get(ctx context.Context, token string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT token, user_id, created_at, expires_at, data FROM %s WHERE token = ?`,
		sessionTable), token)
	sess, err := s.scanRow(row)
	if err != nil {
		return nil, err
	}
	if sess.Expired(s.now()) {
		_, _ = s.db.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE token = ?`, sessionTable), token)
		return nil, ErrNotFound
	}
	return sess, nil
}

func (s *SQLStore) Set(ctx context.Context, sess *Session) error {
	var rawData []byte
	if len(sess.Data) > 0 {
		var err error
		rawData, err = json.Marshal(sess.Data)
		if err != nil {
			return fmt.Errorf("encode session data: %w", err)
		}
	}
	var expires int64
	if !sess.ExpiresAt.IsZero() {
		expires = sess.ExpiresAt.UnixMilli()
	}
	created := sess.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	// REPLACE works on both SQLite and MySQL; sessions have no dependent
	// rows so delete+insert semantics are fine.
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`REPLACE INTO %s (token, user_id, created_at, expires_at, data) VALUES (?, ?, ?, ?, ?)`,
		sessionTable),
		sess.Token, sess.UserID, created.UnixMilli(), expires, string(rawData))
	return err
}

func (s *SQLStore) Delete(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE token = ?`, sessionTable), token)
	return err
}

func (s *SQLStore) Touch(ctx context.Context, token string, ttl time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET expires_at = ? WHERE token = ? AND (expires_at = 0 OR expires_at > ?)`,
		sessionTable),
		now.Add(ttl).UnixMilli(), token, now.UnixMilli())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) GetByUser(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT token, user_id, created_at, expires_at, data FROM %s WHERE user_id = ? AND (expires_at = 0 OR expires_at > ?)`,
		sessionTable), userID, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteByUser(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE user_id = ?`, sessionTable), userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) Cleanup(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE expires_at > 0 AND expires_at <= ?`,
		sessionTable), s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

var _ Store = (*SQLStore)(nil)
