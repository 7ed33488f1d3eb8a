// Package postgres provides a PostgreSQL-backed [store.SubmissionStore].
// Submitted fields are stored as JSONB.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voiceform/internal/form"
	"github.com/MrWong99/voiceform/internal/store"
)

// Schema is the DDL for the form_submissions table. Apply it with
// [Store.Migrate].
const Schema = `
CREATE TABLE IF NOT EXISTS form_submissions (
    id                 TEXT PRIMARY KEY,
    session_id         TEXT NOT NULL DEFAULT '',
    form_id            TEXT NOT NULL,
    form_type          TEXT NOT NULL,
    title              TEXT NOT NULL DEFAULT '',
    fields             JSONB NOT NULL DEFAULT '{}',
    submitted_at       TIMESTAMPTZ NOT NULL,
    completion_time_ms BIGINT NOT NULL DEFAULT 0,
    stored_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_form_submissions_type ON form_submissions(form_type, stored_at DESC);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var (
	_ store.SubmissionStore = (*Store)(nil)
	_ store.Pinger          = (*Store)(nil)
)

// Store persists submissions in PostgreSQL.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// New creates a Store on db. The caller must run [Store.Migrate] before use.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open creates a pool for dsn, pings it and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	s := &Store{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres store: migrate: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	var one int
	return s.db.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// Close releases the pool opened by [Open]. It is a no-op for stores created
// with [New].
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Save(ctx context.Context, rec store.Record) (store.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	fields := rec.Fields
	if fields == nil {
		fields = map[string]form.SubmittedField{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return store.Record{}, fmt.Errorf("postgres store: marshal fields: %w", err)
	}

	const query = `
		INSERT INTO form_submissions (
			id, session_id, form_id, form_type, title, fields, submitted_at, completion_time_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING stored_at`

	err = s.db.QueryRow(ctx, query,
		rec.ID, rec.SessionID, rec.FormID, rec.FormType, rec.Title,
		fieldsJSON, rec.SubmittedAt, rec.CompletionTime.Milliseconds(),
	).Scan(&rec.StoredAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return store.Record{}, store.ErrDuplicateID
		}
		return store.Record{}, fmt.Errorf("postgres store: save: %w", err)
	}
	return rec, nil
}

const selectColumns = `
	SELECT id, session_id, form_id, form_type, title, fields, submitted_at, completion_time_ms, stored_at
	FROM form_submissions`

func (s *Store) Get(ctx context.Context, id string) (store.Record, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Record{}, store.ErrNotFound
		}
		return store.Record{}, fmt.Errorf("postgres store: get %q: %w", id, err)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context, formType string, limit int) ([]store.Record, error) {
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	var (
		rows pgx.Rows
		err  error
	)
	if formType == "" {
		rows, err = s.db.Query(ctx, selectColumns+` ORDER BY stored_at DESC, id LIMIT $1`, limit)
	} else {
		rows, err = s.db.Query(ctx, selectColumns+` WHERE form_type = $1 ORDER BY stored_at DESC, id LIMIT $2`, formType, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres store: list scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (store.Record, error) {
	var (
		rec          store.Record
		fieldsJSON   []byte
		completionMs int64
	)
	if err := row.Scan(
		&rec.ID, &rec.SessionID, &rec.FormID, &rec.FormType, &rec.Title,
		&fieldsJSON, &rec.SubmittedAt, &completionMs, &rec.StoredAt,
	); err != nil {
		return store.Record{}, err
	}
	if err := json.Unmarshal(fieldsJSON, &rec.Fields); err != nil {
		return store.Record{}, fmt.Errorf("unmarshal fields: %w", err)
	}
	rec.CompletionTime = time.Duration(completionMs) * time.Millisecond
	return rec, nil
}

// isDuplicateKeyError reports a PostgreSQL unique_violation (23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
