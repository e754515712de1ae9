// Package mock provides a test double for store.Store.
//
// Store records every method call and delegates to an in-memory store so
// that reads see earlier writes. Set the *Err fields to make individual
// methods fail:
//
//	s := &mock.Store{AppendDetectionErr: errors.New("disk full")}
//	// inject s into the system under test …
//	if got := s.CallCount("AppendDetection"); got != 1 { … }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lullaby/pkg/store"
	"github.com/MrWong99/lullaby/pkg/store/memstore"
)

var _ store.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for store.Store.
type Store struct {
	mu    sync.Mutex
	calls []Call
	inner *memstore.Store

	StartRecordingErr    error
	EndRecordingErr      error
	GetRecordingErr      error
	AppendDetectionErr   error
	RecentDetectionsErr  error
	SimilarDetectionsErr error
	PingErr              error
}

func (m *Store) record(method string, args ...any) *memstore.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
	if m.inner == nil {
		m.inner = memstore.New()
	}
	return m.inner
}

func (m *Store) err(field *error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *field
}

// StartRecording implements store.Store.
func (m *Store) StartRecording(ctx context.Context, subjectID string) (string, error) {
	inner := m.record("StartRecording", subjectID)
	if err := m.err(&m.StartRecordingErr); err != nil {
		return "", err
	}
	return inner.StartRecording(ctx, subjectID)
}

// EndRecording implements store.Store.
func (m *Store) EndRecording(ctx context.Context, recordingID string, status store.RecordingStatus, totalChunks int) error {
	inner := m.record("EndRecording", recordingID, status, totalChunks)
	if err := m.err(&m.EndRecordingErr); err != nil {
		return err
	}
	return inner.EndRecording(ctx, recordingID, status, totalChunks)
}

// GetRecording implements store.Store.
func (m *Store) GetRecording(ctx context.Context, recordingID string) (store.Recording, error) {
	inner := m.record("GetRecording", recordingID)
	if err := m.err(&m.GetRecordingErr); err != nil {
		return store.Recording{}, err
	}
	return inner.GetRecording(ctx, recordingID)
}

// AppendDetection implements store.Store.
func (m *Store) AppendDetection(ctx context.Context, d store.Detection) error {
	inner := m.record("AppendDetection", d)
	if err := m.err(&m.AppendDetectionErr); err != nil {
		return err
	}
	return inner.AppendDetection(ctx, d)
}

// RecentDetections implements store.Store.
func (m *Store) RecentDetections(ctx context.Context, subjectID string, limit int) ([]store.Detection, error) {
	inner := m.record("RecentDetections", subjectID, limit)
	if err := m.err(&m.RecentDetectionsErr); err != nil {
		return nil, err
	}
	return inner.RecentDetections(ctx, subjectID, limit)
}

// SimilarDetections implements store.Store.
func (m *Store) SimilarDetections(ctx context.Context, vector []float32, limit int) ([]store.SimilarDetection, error) {
	inner := m.record("SimilarDetections", vector, limit)
	if err := m.err(&m.SimilarDetectionsErr); err != nil {
		return nil, err
	}
	return inner.SimilarDetections(ctx, vector, limit)
}

// Ping implements store.Store.
func (m *Store) Ping(context.Context) error {
	m.record("Ping")
	return m.err(&m.PingErr)
}

// Close implements store.Store.
func (m *Store) Close() error {
	m.record("Close")
	return nil
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// CallsFor returns the recorded invocations of one method.
func (m *Store) CallsFor(method string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears recorded calls and stored data.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.inner = nil
}

// SetErr atomically replaces one of the error fields. Use it when the store
// is already shared with running goroutines.
func (m *Store) SetErr(field *error, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*field = err
}
