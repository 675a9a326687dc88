// Package sqlite provides a SQLite-backed crm.Store.
//
// Every entity shares one records table. Documents are stored as JSON and
// filters are evaluated with json_extract.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/dshills/crmplugins/internal/crm"
)

//go:embed schema.sql
var schema string

// Store persists CRM records in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Repository(e crm.Entity) (crm.Repository, error) {
	if !e.Valid() {
		return nil, fmt.Errorf("%w: %q", crm.ErrUnknownEntity, e)
	}
	return &repository{store: s, entity: e}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type repository struct {
	store  *Store
	entity crm.Entity
}

func (r *repository) Get(ctx context.Context, id string) (crm.Record, error) {
	row := r.store.db.QueryRowContext(ctx,
		`SELECT doc FROM records WHERE entity = ? AND id = ?`, string(r.entity), id)
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, crm.ErrNotFound
		}
		return nil, fmt.Errorf("get %s %s: %w", r.entity, id, err)
	}
	return decode(doc)
}

func (r *repository) List(ctx context.Context, filter crm.Filter, limit int) ([]crm.Record, error) {
	where, args, err := whereClause(r.entity, filter)
	if err != nil {
		return nil, err
	}
	query := `SELECT doc FROM records WHERE ` + where + ` ORDER BY seq`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.entity, err)
	}
	defer rows.Close()

	out := make([]crm.Record, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan %s: %w", r.entity, err)
		}
		rec, err := decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repository) Create(ctx context.Context, fields crm.Record) (crm.Record, error) {
	rec := fields.Clone()
	id := rec.ID()
	if id == "" {
		id = uuid.NewString()
	}
	ts := r.store.timestamp()
	rec[crm.FieldID] = id
	rec[crm.FieldCreatedAt] = ts
	rec[crm.FieldUpdatedAt] = ts

	doc, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", r.entity, err)
	}
	_, err = r.store.db.ExecContext(ctx,
		`INSERT INTO records (entity, id, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		string(r.entity), id, string(doc), ts, ts)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", crm.ErrAlreadyExists, id)
		}
		return nil, fmt.Errorf("create %s: %w", r.entity, err)
	}
	return decode(string(doc))
}

func (r *repository) Update(ctx context.Context, id string, fields crm.Record) (crm.Record, error) {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var doc string
	err = tx.QueryRowContext(ctx,
		`SELECT doc FROM records WHERE entity = ? AND id = ?`, string(r.entity), id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, crm.ErrNotFound
		}
		return nil, fmt.Errorf("load %s %s: %w", r.entity, id, err)
	}
	rec, err := decode(doc)
	if err != nil {
		return nil, err
	}
	for k, v := range fields {
		if k == crm.FieldID || k == crm.FieldCreatedAt {
			continue
		}
		rec[k] = v
	}
	ts := r.store.timestamp()
	rec[crm.FieldUpdatedAt] = ts

	encoded, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", r.entity, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET doc = ?, updated_at = ? WHERE entity = ? AND id = ?`,
		string(encoded), ts, string(r.entity), id); err != nil {
		return nil, fmt.Errorf("update %s %s: %w", r.entity, id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return decode(string(encoded))
}

func (r *repository) Delete(ctx context.Context, id string) error {
	res, err := r.store.db.ExecContext(ctx,
		`DELETE FROM records WHERE entity = ? AND id = ?`, string(r.entity), id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", r.entity, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", r.entity, id, err)
	}
	if n == 0 {
		return crm.ErrNotFound
	}
	return nil
}

func (r *repository) Count(ctx context.Context, filter crm.Filter) (int, error) {
	where, args, err := whereClause(r.entity, filter)
	if err != nil {
		return 0, err
	}
	var n int
	if err := r.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", r.entity, err)
	}
	return n, nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// whereClause builds an equality filter over JSON document fields.
func whereClause(entity crm.Entity, filter crm.Filter) (string, []any, error) {
	var b strings.Builder
	b.WriteString("entity = ?")
	args := []any{string(entity)}
	for key, value := range filter {
		if key == "" || strings.ContainsAny(key, "\"\\") {
			return "", nil, fmt.Errorf("invalid filter field %q", key)
		}
		b.WriteString(` AND json_extract(doc, ?) = ?`)
		args = append(args, `$."`+key+`"`, sqlValue(value))
	}
	return b.String(), args, nil
}

// sqlValue maps a filter value onto what json_extract yields for it.
func sqlValue(v any) any {
	switch t := v.(type) {
	case bool:
		if t {
			return 1
		}
		return 0
	case nil:
		return nil
	case string, int, int32, int64, float32, float64:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func decode(doc string) (crm.Record, error) {
	var rec crm.Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ crm.Store = (*Store)(nil)
