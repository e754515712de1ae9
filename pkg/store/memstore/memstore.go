// Package memstore is an in-process implementation of store.Store. It is the
// default when no database is configured and keeps at most a bounded number
// of detections per subject.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/lullaby/pkg/store"
)

// DefaultMaxPerSubject bounds the detections kept per subject.
const DefaultMaxPerSubject = 10_000

var _ store.Store = (*Store)(nil)

// Store keeps recordings and detections in memory.
type Store struct {
	maxPerSubject int
	now           func() time.Time

	mu         sync.RWMutex
	recordings map[string]store.Recording
	detections map[string][]store.Detection // by subject, oldest first
}

// Option configures a Store.
type Option func(*Store)

// WithMaxPerSubject overrides [DefaultMaxPerSubject]. Older detections are
// evicted first.
func WithMaxPerSubject(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxPerSubject = n
		}
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		maxPerSubject: DefaultMaxPerSubject,
		now:           time.Now,
		recordings:    make(map[string]store.Recording),
		detections:    make(map[string][]store.Detection),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// StartRecording implements store.Store.
func (s *Store) StartRecording(_ context.Context, subjectID string) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordings[id] = store.Recording{
		ID:        id,
		SubjectID: subjectID,
		Status:    store.StatusActive,
		StartedAt: s.now().UTC(),
	}
	return id, nil
}

// EndRecording implements store.Store.
func (s *Store) EndRecording(_ context.Context, recordingID string, status store.RecordingStatus, totalChunks int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recordings[recordingID]
	if !ok {
		return fmt.Errorf("memstore: end recording %q: %w", recordingID, store.ErrNotFound)
	}
	r.Status = status
	r.TotalChunks = totalChunks
	r.EndedAt = s.now().UTC()
	s.recordings[recordingID] = r
	return nil
}

// GetRecording implements store.Store.
func (s *Store) GetRecording(_ context.Context, recordingID string) (store.Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recordings[recordingID]
	if !ok {
		return store.Recording{}, fmt.Errorf("memstore: get recording %q: %w", recordingID, store.ErrNotFound)
	}
	return r, nil
}

// AppendDetection implements store.Store.
func (s *Store) AppendDetection(_ context.Context, d store.Detection) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.DetectedAt.IsZero() {
		d.DetectedAt = s.now().UTC()
	}
	d.Probabilities = maps.Clone(d.Probabilities)
	d.Vector = slices.Clone(d.Vector)

	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.detections[d.SubjectID], d)
	if over := len(list) - s.maxPerSubject; over > 0 {
		list = slices.Delete(list, 0, over)
	}
	s.detections[d.SubjectID] = list
	return nil
}

// RecentDetections implements store.Store.
func (s *Store) RecentDetections(_ context.Context, subjectID string, limit int) ([]store.Detection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.detections[subjectID]
	n := min(limit, len(list))
	if n <= 0 {
		return nil, nil
	}
	out := make([]store.Detection, 0, n)
	for i := len(list) - 1; i >= len(list)-n; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

// SimilarDetections implements store.Store with an exhaustive cosine scan.
func (s *Store) SimilarDetections(_ context.Context, vector []float32, limit int) ([]store.SimilarDetection, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	var hits []store.SimilarDetection
	for _, list := range s.detections {
		for _, d := range list {
			if len(d.Vector) != len(vector) {
				continue
			}
			hits = append(hits, store.SimilarDetection{Detection: d, Distance: CosineDistance(vector, d.Vector)})
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(hits, func(a, b store.SimilarDetection) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return b.DetectedAt.Compare(a.DetectedAt)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Ping implements store.Store.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements store.Store.
func (s *Store) Close() error { return nil }

// CosineDistance returns 1 - cos(a, b), the metric pgvector's <=> operator
// uses. A zero vector is at distance 1 from everything.
func CosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
