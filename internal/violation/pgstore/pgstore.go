// Package pgstore provides a PostgreSQL implementation of violation.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/roadwatch/internal/frame"
	"github.com/linnemanlabs/roadwatch/internal/postgres"
	"github.com/linnemanlabs/roadwatch/internal/violation"
)

const tracerName = "github.com/linnemanlabs/roadwatch/internal/violation/pgstore"

//go:embed schema.sql
var schema string

// Store persists violations and processed hashes in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL, applies the schema, and returns a ready Store.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, violation.Persist("open", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, violation.Persist("open", fmt.Errorf("apply schema: %w", err))
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
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
	ctx, span := startSpan(ctx, "pgstore.Has", "SELECT")
	defer span.End()

	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM processed_images WHERE image_hash = $1`, hash).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fail(span, "has", err)
	}
	return true, nil
}

// Record inserts hash into processed_images. Duplicates are ignored.
func (s *Store) Record(ctx context.Context, hash string) error {
	ctx, span := startSpan(ctx, "pgstore.Record", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO processed_images (image_hash) VALUES ($1) ON CONFLICT (image_hash) DO NOTHING`, hash)
	if err != nil {
		return fail(span, "record", err)
	}
	return nil
}

// Insert appends r and sets r.ID.
func (s *Store) Insert(ctx context.Context, r *violation.Record) (int64, error) {
	ctx, span := startSpan(ctx, "pgstore.Insert", "INSERT")
	defer span.End()

	if err := r.Validate(); err != nil {
		return 0, fail(span, "insert", err)
	}

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO violations (
            timestamp, image_path, image_hash, violation_type, confidence,
            bbox, position_description, latitude, longitude
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING id`,
		r.Timestamp.Format(frame.TimestampLayout),
		nullIfEmpty(r.ImagePath),
		nullIfEmpty(r.ImageHash),
		r.Type,
		r.Confidence,
		r.BBox.String(),
		r.PositionDescription,
		r.Latitude,
		r.Longitude,
	).Scan(&id)
	if err != nil {
		return 0, fail(span, "insert", err)
	}
	r.ID = id
	span.SetAttributes(attribute.Int64("violation.id", id))
	return id, nil
}

// ListRecent returns up to limit records, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]violation.Record, error) {
	ctx, span := startSpan(ctx, "pgstore.ListRecent", "SELECT")
	defer span.End()

	if limit <= 0 {
		limit = violation.DefaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, timestamp, image_path, image_hash, violation_type, confidence,
                bbox, position_description, latitude, longitude
           FROM violations ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fail(span, "list", err)
	}
	defer rows.Close()

	out := make([]violation.Record, 0, limit)
	for rows.Next() {
		var (
			r        violation.Record
			ts, bbox string
			path, h  *string
		)
		if err := rows.Scan(&r.ID, &ts, &path, &h, &r.Type, &r.Confidence, &bbox,
			&r.PositionDescription, &r.Latitude, &r.Longitude); err != nil {
			return nil, fail(span, "list", fmt.Errorf("scan violation: %w", err))
		}
		if r.Timestamp, err = time.ParseInLocation(frame.TimestampLayout, ts, time.Local); err != nil {
			return nil, fail(span, "list", fmt.Errorf("parse timestamp %q: %w", ts, err))
		}
		if r.BBox, err = violation.ParseBBox(bbox); err != nil {
			return nil, fail(span, "list", err)
		}
		if path != nil {
			r.ImagePath = *path
		}
		if h != nil {
			r.ImageHash = *h
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, "list", err)
	}
	return out, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
