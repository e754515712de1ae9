// Package store defines persistence for recording spans and classified
// detections.
//
// The session engine treats storage as a collaborator: it opens a recording
// row when a subject starts recording, appends one detection per classified
// chunk and closes the row when recording stops. Raw audio is never stored.
//
// Implementations live in sub-packages: memstore (in-process, the default),
// postgres (pgx + pgvector) and mock (for tests).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a recording does not exist.
var ErrNotFound = errors.New("store: not found")

// RecordingStatus is the lifecycle state of a recording span.
type RecordingStatus string

const (
	// StatusActive marks a span that is still recording.
	StatusActive RecordingStatus = "active"

	// StatusEnded marks a span closed by stop_recording.
	StatusEnded RecordingStatus = "ended"

	// StatusError marks a span abandoned because of a failure (for example
	// the process shut down while recording).
	StatusError RecordingStatus = "error"
)

// Recording is one start→stop span for a subject.
type Recording struct {
	ID          string
	SubjectID   string
	Status      RecordingStatus
	StartedAt   time.Time
	EndedAt     time.Time // zero while active
	TotalChunks int
}

// Detection is one successfully classified chunk.
type Detection struct {
	ID          string
	RecordingID string
	SubjectID   string
	ChunkNumber int
	Label       string
	Confidence  float64

	// Probabilities maps every label to its probability.
	Probabilities map[string]float64

	// Vector holds the probabilities in model label order. All detections
	// in one store must use the same label order and width.
	Vector []float32

	ChunkSize      int
	ProcessingTime time.Duration
	DetectedAt     time.Time
}

// SimilarDetection is a search hit with its cosine distance to the query
// (0 = identical distribution).
type SimilarDetection struct {
	Detection
	Distance float64
}

// Store persists recordings and detections. Implementations must be safe for
// concurrent use.
type Store interface {
	// StartRecording opens a new active recording for subjectID and returns
	// its ID.
	StartRecording(ctx context.Context, subjectID string) (string, error)

	// EndRecording closes a recording with the given final status and chunk
	// count. Returns ErrNotFound for an unknown ID.
	EndRecording(ctx context.Context, recordingID string, status RecordingStatus, totalChunks int) error

	// GetRecording returns one recording. Returns ErrNotFound for an unknown ID.
	GetRecording(ctx context.Context, recordingID string) (Recording, error)

	// AppendDetection stores a detection. ID and DetectedAt are filled in when
	// empty.
	AppendDetection(ctx context.Context, d Detection) error

	// RecentDetections returns up to limit detections for subjectID, newest
	// first.
	RecentDetections(ctx context.Context, subjectID string, limit int) ([]Detection, error)

	// SimilarDetections returns up to limit detections whose probability
	// vectors are closest to vector by cosine distance, nearest first.
	SimilarDetections(ctx context.Context, vector []float32, limit int) ([]SimilarDetection, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}
