// Package sqlitestore provides a SQLite implementation of violation.Store.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/roadwatch/internal/frame"
	"github.com/linnemanlabs/roadwatch/internal/violation"
)

const tracerName = "github.com/linnemanlabs/roadwatch/internal/violation/sqlitestore"

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database was created by an incompatible build.
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Store persists violations and processed hashes in a single SQLite file.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, violation.Persist("open", fmt.Errorf("open sqlite db: %w", err))
	}
	// One connection serializes writers and keeps the pragmas below in effect
	// for every statement.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, violation.Persist("open", fmt.Errorf("apply pragma %q: %w", pragma, execErr))
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, violation.Persist("open", err)
	}
	return s, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	var version int
	err = tx.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("write schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version != schemaVersion:
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return violation.Persist(op, err)
}

// Has reports whether hash is in processed_images.
func (s *Store) Has(ctx context.Context, hash string) (bool, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Has", "SELECT")
	defer span.End()

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM processed_images WHERE image_hash = ?`, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fail(span, "has", err)
	}
	return true, nil
}

// Record inserts hash into processed_images. Duplicates are ignored.
func (s *Store) Record(ctx context.Context, hash string) error {
	ctx, span := startSpan(ctx, "sqlitestore.Record", "INSERT")
	defer span.End()

	err := retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO processed_images (image_hash) VALUES (?)`, hash)
		return err
	})
	if err != nil {
		return fail(span, "record", err)
	}
	return nil
}

// Insert appends r to the violations table and sets r.ID.
func (s *Store) Insert(ctx context.Context, r *violation.Record) (int64, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Insert", "INSERT")
	defer span.End()

	if err := r.Validate(); err != nil {
		return 0, fail(span, "insert", err)
	}

	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx,
			`INSERT INTO violations (
                timestamp, image_path, image_hash, violation_type, confidence,
                bbox, position_description, latitude, longitude
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Timestamp.Format(frame.TimestampLayout),
			nullString(r.ImagePath),
			nullString(r.ImageHash),
			r.Type,
			r.Confidence,
			r.BBox.String(),
			r.PositionDescription,
			nullFloat(r.Latitude),
			nullFloat(r.Longitude),
		)
		return execErr
	})
	if err != nil {
		return 0, fail(span, "insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fail(span, "insert", fmt.Errorf("last insert id: %w", err))
	}
	r.ID = id
	span.SetAttributes(attribute.Int64("violation.id", id))
	return id, nil
}

// ListRecent returns up to limit records, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]violation.Record, error) {
	ctx, span := startSpan(ctx, "sqlitestore.ListRecent", "SELECT")
	defer span.End()

	if limit <= 0 {
		limit = violation.DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, image_path, image_hash, violation_type, confidence,
                bbox, position_description, latitude, longitude
           FROM violations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fail(span, "list", err)
	}
	defer rows.Close()

	out := make([]violation.Record, 0, limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fail(span, "list", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, "list", err)
	}
	return out, nil
}

func scanRecord(rows *sql.Rows) (violation.Record, error) {
	var (
		r         violation.Record
		ts, bbox  string
		path, h   sql.NullString
		lat, long sql.NullFloat64
	)
	if err := rows.Scan(&r.ID, &ts, &path, &h, &r.Type, &r.Confidence, &bbox, &r.PositionDescription, &lat, &long); err != nil {
		return r, fmt.Errorf("scan violation: %w", err)
	}
	parsed, err := time.ParseInLocation(frame.TimestampLayout, ts, time.Local)
	if err != nil {
		return r, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	r.Timestamp = parsed
	if r.BBox, err = violation.ParseBBox(bbox); err != nil {
		return r, err
	}
	r.ImagePath = path.String
	r.ImageHash = h.String
	if lat.Valid {
		r.Latitude = &lat.Float64
	}
	if long.Valid {
		r.Longitude = &long.Float64
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := range busyRetryAttempts {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
