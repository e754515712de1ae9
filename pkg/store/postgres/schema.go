// Package postgres provides a PostgreSQL implementation of store.Store.
//
// Recordings and detections live in two tables. Each detection's probability
// vector is stored in a pgvector column with an HNSW cosine index, so
// [Store.SimilarDetections] can find past chunks that sounded alike with the
// <=> operator. The pgvector extension must be available in the target
// database; [Migrate] installs it via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn, len(labels))
//	if err != nil { … }
//	defer s.Close()
//
//	id, _ := s.StartRecording(ctx, "baby-1")
//	_ = s.AppendDetection(ctx, store.Detection{RecordingID: id, …})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlRecordings = `
CREATE TABLE IF NOT EXISTS recordings (
    id            TEXT         PRIMARY KEY,
    subject_id    TEXT         NOT NULL,
    status        TEXT         NOT NULL DEFAULT 'active',
    started_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at      TIMESTAMPTZ,
    total_chunks  INTEGER      NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_recordings_subject
    ON recordings (subject_id, started_at DESC);
`

// ddlDetections returns the detections DDL with the vector width substituted.
// The width is baked into the column type at creation time.
func ddlDetections(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS detections (
    id             TEXT              PRIMARY KEY,
    recording_id   TEXT              REFERENCES recordings (id) ON DELETE SET NULL,
    subject_id     TEXT              NOT NULL,
    chunk_number   INTEGER           NOT NULL,
    label          TEXT              NOT NULL,
    confidence     DOUBLE PRECISION  NOT NULL,
    probabilities  JSONB             NOT NULL DEFAULT '{}',
    distribution   vector(%d),
    chunk_size     INTEGER           NOT NULL DEFAULT 0,
    processing_ns  BIGINT            NOT NULL DEFAULT 0,
    detected_at    TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_detections_subject_time
    ON detections (subject_id, detected_at DESC);

CREATE INDEX IF NOT EXISTS idx_detections_recording
    ON detections (recording_id);

CREATE INDEX IF NOT EXISTS idx_detections_distribution
    ON detections USING hnsw (distribution vector_cosine_ops);
`, dimensions)
}

// Migrate creates the tables, indexes and extension if they do not exist. It
// is idempotent and runs on every start.
//
// dimensions must equal the model's label count. Changing the label set
// after the first migration requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("postgres migrate: vector dimensions must be positive, got %d", dimensions)
	}
	for _, stmt := range []string{ddlRecordings, ddlDetections(dimensions)} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
