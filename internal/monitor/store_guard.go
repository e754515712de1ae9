package monitor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/lullaby/internal/observe"
	"github.com/MrWong99/lullaby/pkg/store"
)

// storeTimeout bounds every persistence call made from the engine.
const storeTimeout = 5 * time.Second

// StoreGuard wraps a [store.Store] and makes the writes the engine performs
// non-fatal. Failures are logged and counted, and the engine keeps serving
// clients. IsDegraded reports whether the most recent call failed.
//
// All methods are safe for concurrent use.
type StoreGuard struct {
	store    store.Store
	metrics  *observe.Metrics
	degraded atomic.Bool
}

// NewStoreGuard wraps s. A nil m uses [observe.DefaultMetrics].
func NewStoreGuard(s store.Store, m *observe.Metrics) *StoreGuard {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &StoreGuard{store: s, metrics: m}
}

// StartRecording opens a recording row. On failure it returns "" and
// detections of that span are stored without a recording id.
func (g *StoreGuard) StartRecording(ctx context.Context, subjectID string) string {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	id, err := g.store.StartRecording(ctx, subjectID)
	if g.check(ctx, "start_recording", err, "subject_id", subjectID) {
		return ""
	}
	return id
}

// EndRecording closes a recording row. An empty id is ignored.
func (g *StoreGuard) EndRecording(ctx context.Context, recordingID string, status store.RecordingStatus, totalChunks int) {
	if recordingID == "" {
		return
	}
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	err := g.store.EndRecording(ctx, recordingID, status, totalChunks)
	g.check(ctx, "end_recording", err, "recording_id", recordingID)
}

// AppendDetection stores one classified chunk.
func (g *StoreGuard) AppendDetection(ctx context.Context, d store.Detection) {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	err := g.store.AppendDetection(ctx, d)
	g.check(ctx, "append_detection", err, "subject_id", d.SubjectID, "chunk_number", d.ChunkNumber)
}

// IsDegraded reports whether the most recent store call failed.
func (g *StoreGuard) IsDegraded() bool {
	return g.degraded.Load()
}

// ctx detaches from the caller's cancellation so a client disconnect does
// not abort the write, but still bounds it.
func (g *StoreGuard) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
}

// check logs and counts err. It reports whether err was non-nil.
func (g *StoreGuard) check(ctx context.Context, op string, err error, attrs ...any) bool {
	if err == nil {
		g.degraded.Store(false)
		return false
	}
	g.degraded.Store(true)
	g.metrics.RecordStoreError(ctx, op)
	slog.Warn("store guard: "+op+" failed, continuing", append(attrs, "err", err)...)
	return true
}
