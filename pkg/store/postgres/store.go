package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/lullaby/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed store. All methods are safe for concurrent
// use.
type Store struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewStore opens a connection pool to dsn, registers pgvector types on every
// connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string, dimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, dimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	return &Store{pool: pool, dimensions: dimensions}, nil
}

// StartRecording implements store.Store.
func (s *Store) StartRecording(ctx context.Context, subjectID string) (string, error) {
	const q = `INSERT INTO recordings (id, subject_id, status) VALUES ($1, $2, $3)`
	id := uuid.NewString()
	if _, err := s.pool.Exec(ctx, q, id, subjectID, string(store.StatusActive)); err != nil {
		return "", fmt.Errorf("postgres store: start recording: %w", err)
	}
	return id, nil
}

// EndRecording implements store.Store.
func (s *Store) EndRecording(ctx context.Context, recordingID string, status store.RecordingStatus, totalChunks int) error {
	const q = `
		UPDATE recordings
		SET    status = $2, total_chunks = $3, ended_at = now()
		WHERE  id = $1`
	tag, err := s.pool.Exec(ctx, q, recordingID, string(status), totalChunks)
	if err != nil {
		return fmt.Errorf("postgres store: end recording: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: end recording %q: %w", recordingID, store.ErrNotFound)
	}
	return nil
}

// GetRecording implements store.Store.
func (s *Store) GetRecording(ctx context.Context, recordingID string) (store.Recording, error) {
	const q = `
		SELECT id, subject_id, status, started_at, ended_at, total_chunks
		FROM   recordings
		WHERE  id = $1`
	var (
		r       store.Recording
		status  string
		endedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, q, recordingID).Scan(&r.ID, &r.SubjectID, &status, &r.StartedAt, &endedAt, &r.TotalChunks)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Recording{}, fmt.Errorf("postgres store: get recording %q: %w", recordingID, store.ErrNotFound)
	}
	if err != nil {
		return store.Recording{}, fmt.Errorf("postgres store: get recording: %w", err)
	}
	r.Status = store.RecordingStatus(status)
	if endedAt != nil {
		r.EndedAt = *endedAt
	}
	return r, nil
}

// AppendDetection implements store.Store.
func (s *Store) AppendDetection(ctx context.Context, d store.Detection) error {
	if len(d.Vector) != s.dimensions {
		return fmt.Errorf("postgres store: append detection: vector has %d values, schema expects %d", len(d.Vector), s.dimensions)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.DetectedAt.IsZero() {
		d.DetectedAt = time.Now().UTC()
	}
	probs := d.Probabilities
	if probs == nil {
		probs = map[string]float64{}
	}

	const q = `
		INSERT INTO detections
		    (id, recording_id, subject_id, chunk_number, label, confidence,
		     probabilities, distribution, chunk_size, processing_ns, detected_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.pool.Exec(ctx, q,
		d.ID,
		d.RecordingID,
		d.SubjectID,
		d.ChunkNumber,
		d.Label,
		d.Confidence,
		probs,
		pgvector.NewVector(d.Vector),
		d.ChunkSize,
		d.ProcessingTime.Nanoseconds(),
		d.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append detection: %w", err)
	}
	return nil
}

const detectionColumns = `id, COALESCE(recording_id, ''), subject_id, chunk_number, label, confidence,
		       probabilities, distribution, chunk_size, processing_ns, detected_at`

// scanDetection reads the detectionColumns projection plus any extra
// destinations appended by the caller.
func scanDetection(row pgx.CollectableRow, extra ...any) (store.Detection, error) {
	var (
		d      store.Detection
		vec    pgvector.Vector
		procNS int64
	)
	dest := append([]any{
		&d.ID,
		&d.RecordingID,
		&d.SubjectID,
		&d.ChunkNumber,
		&d.Label,
		&d.Confidence,
		&d.Probabilities,
		&vec,
		&d.ChunkSize,
		&procNS,
		&d.DetectedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return store.Detection{}, err
	}
	d.Vector = vec.Slice()
	d.ProcessingTime = time.Duration(procNS)
	return d, nil
}

// RecentDetections implements store.Store.
func (s *Store) RecentDetections(ctx context.Context, subjectID string, limit int) ([]store.Detection, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := `
		SELECT ` + detectionColumns + `
		FROM   detections
		WHERE  subject_id = $1
		ORDER  BY detected_at DESC, chunk_number DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent detections: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Detection, error) {
		return scanDetection(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent detections: %w", err)
	}
	return out, nil
}

// SimilarDetections implements store.Store using the <=> cosine distance
// operator.
func (s *Store) SimilarDetections(ctx context.Context, vector []float32, limit int) ([]store.SimilarDetection, error) {
	if limit <= 0 {
		return nil, nil
	}
	if len(vector) != s.dimensions {
		return nil, fmt.Errorf("postgres store: similar detections: query has %d values, schema expects %d", len(vector), s.dimensions)
	}
	q := `
		SELECT ` + detectionColumns + `,
		       distribution <=> $1 AS distance
		FROM   detections
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: similar detections: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.SimilarDetection, error) {
		var dist float64
		d, err := scanDetection(row, &dist)
		if err != nil {
			return store.SimilarDetection{}, err
		}
		return store.SimilarDetection{Detection: d, Distance: dist}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: similar detections: %w", err)
	}
	return out, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements store.Store. It releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
