// Package monitor is the streaming session engine.
//
// Clients attach to a subject (one monitored baby) over a websocket. One
// connection is usually the producer streaming audio chunks from the
// nursery, the others are dashboards. Text frames carry control commands,
// binary frames carry audio. Accepted chunks run through the classification
// pipeline on a [Dispatcher] and every result is broadcast to all
// connections on the subject by the [Router].
//
// [Monitor] is the connection state machine. It has no transport
// dependency; [Server] adapts it to websockets.
package monitor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/lullaby/internal/alert"
	"github.com/MrWong99/lullaby/internal/observe"
	"github.com/MrWong99/lullaby/pkg/store"
	"github.com/MrWong99/lullaby/pkg/store/memstore"
)

// Config sizes the engine's queues.
type Config struct {
	// Workers bounds concurrent pipeline runs across all subjects.
	Workers int
	// QueueDepth bounds pending chunks per subject.
	QueueDepth int
	// OutboundDepth bounds queued events per connection. Default: 64.
	OutboundDepth int
}

// Option configures a [Monitor].
type Option func(*Monitor)

// WithConfig sets queue sizes.
func WithConfig(c Config) Option {
	return func(m *Monitor) { m.cfg = c }
}

// WithStore persists recordings and detections to s.
func WithStore(s store.Store) Option {
	return func(m *Monitor) { m.st = s }
}

// WithNotifier offers every successful classification to n.
func WithNotifier(n alert.Notifier) Option {
	return func(m *Monitor) { m.notifier = n }
}

// WithMetrics records engine metrics on mt.
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// Monitor owns the registry, router and dispatcher, and implements the
// per-connection state machine: Attach, HandleText, HandleBinary, Detach.
// All methods are safe for concurrent use; a single connection's frames
// must be handled in arrival order by one goroutine.
type Monitor struct {
	cfg      Config
	st       store.Store
	notifier alert.Notifier
	metrics  *observe.Metrics

	reg        *Registry
	router     *Router
	guard      *StoreGuard
	dispatcher *Dispatcher
	now        func() time.Time
}

// New creates a Monitor that classifies chunks with c. Without [WithStore]
// an in-memory store is used.
func New(c Classifier, opts ...Option) *Monitor {
	m := &Monitor{now: time.Now}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.st == nil {
		m.st = memstore.New()
	}
	m.reg = NewRegistry()
	m.router = NewRouter(m.reg, m.metrics)
	m.guard = NewStoreGuard(m.st, m.metrics)
	m.dispatcher = NewDispatcher(c, m.router, m.guard, m.notifier, m.metrics, DispatcherConfig{
		Workers:    m.cfg.Workers,
		QueueDepth: m.cfg.QueueDepth,
	})
	return m
}

// Registry returns the session registry.
func (m *Monitor) Registry() *Registry { return m.reg }

// Router returns the broadcast router.
func (m *Monitor) Router() *Router { return m.router }

// StoreDegraded reports whether the last persistence call failed.
func (m *Monitor) StoreDegraded() bool { return m.guard.IsDegraded() }

// Status returns the session snapshot for subjectID. The second result is
// false when no client ever attached to the subject.
func (m *Monitor) Status(subjectID string) (Status, bool) {
	s := m.reg.Get(subjectID)
	if s == nil {
		return Status{SubjectID: subjectID}, false
	}
	return s.Status(), true
}

// Attach creates an attached connection for subjectID. The new connection
// receives a connection_status event and every other connection on the
// subject a client_status "connected" event.
func (m *Monitor) Attach(ctx context.Context, subjectID string, role Role) *Conn {
	c := newConn(uuid.NewString(), subjectID, role, m.cfg.OutboundDepth)
	s := m.reg.GetOrCreate(subjectID)

	s.mu.Lock()
	c.attach()
	m.router.Send(ctx, c, &ConnectionAck{
		Status:     "connected",
		ClientType: role.String(),
		Message:    "Connected to monitor " + subjectID,
	})
	first := len(s.conns) == 0
	s.conns[c.id] = c
	m.router.publishLocked(ctx, s, &PeerStatus{Status: "connected", ClientType: role.String()}, c.id)
	s.mu.Unlock()

	m.metrics.ActiveConnections.Add(ctx, 1)
	if first {
		m.metrics.ActiveSessions.Add(ctx, 1)
	}
	slog.Info("monitor: connection attached", "subject_id", subjectID, "conn_id", c.id, "role", role.String())
	return c
}

// Detach moves c to its terminal state, tells the remaining peers, and
// removes c from the session. Calling Detach twice is a no-op.
func (m *Monitor) Detach(ctx context.Context, c *Conn) {
	if !c.detach() {
		return
	}
	m.router.Publish(ctx, c.subjectID, &PeerStatus{Status: "disconnected", ClientType: c.role.String()}, c.id)
	empty := m.reg.Detach(c.subjectID, c.id)

	m.metrics.ActiveConnections.Add(ctx, -1)
	if empty {
		m.metrics.ActiveSessions.Add(ctx, -1)
	}
	slog.Info("monitor: connection detached", "subject_id", c.subjectID, "conn_id", c.id)
}

// HandleText processes one control message from c. A malformed message is
// answered with an error event to c alone and leaves the session untouched.
func (m *Monitor) HandleText(ctx context.Context, c *Conn, data []byte) {
	cmd, err := ParseCommand(data)
	if err != nil {
		msg := strings.TrimPrefix(err.Error(), ErrMalformedCommand.Error()+": ")
		m.router.Send(ctx, c, &CommandError{Message: msg})
		slog.Debug("monitor: malformed command", "subject_id", c.subjectID, "conn_id", c.id, "err", err)
		return
	}

	switch cmd.(type) {
	case StartRecording:
		m.startRecording(ctx, c)
	case StopRecording:
		m.stopRecording(ctx, c)
	case Ping:
		m.router.Send(ctx, c, &Pong{})
	case RequestStatus:
		st, _ := m.Status(c.subjectID)
		m.router.Send(ctx, c, &CurrentStatus{IsRecording: st.IsRecording, ChunkCount: st.ChunkCount})
	}
}

// HandleBinary processes one audio chunk from c. Chunks from non-producers
// and chunks arriving while not recording are dropped without telling the
// client; the returned error says which. Otherwise the chunk is queued for
// classification, blocking while the subject's queue is full.
func (m *Monitor) HandleBinary(ctx context.Context, c *Conn, data []byte) error {
	if c.role != RoleProducer {
		m.metrics.RecordChunkDropped(ctx, observe.DropRole)
		slog.Debug("monitor: dropping audio from non-producer", "subject_id", c.subjectID, "conn_id", c.id, "role", c.role.String())
		return ErrRoleViolation
	}

	s := m.reg.GetOrCreate(c.subjectID)
	s.mu.Lock()
	recording, gen := s.recording, s.generation
	s.mu.Unlock()
	if !recording {
		m.metrics.RecordChunkDropped(ctx, observe.DropNotRecording)
		slog.Debug("monitor: dropping audio while not recording", "subject_id", c.subjectID, "conn_id", c.id)
		return ErrNotRecording
	}

	return m.dispatcher.Enqueue(ctx, s, job{
		conn:       c,
		data:       data,
		generation: gen,
		receivedAt: m.now(),
	})
}

// startRecording begins a new span. A start while already recording also
// resets the count, and results still in flight from the old span are
// discarded.
func (m *Monitor) startRecording(ctx context.Context, c *Conn) {
	recordingID := m.guard.StartRecording(ctx, c.subjectID)

	s := m.reg.GetOrCreate(c.subjectID)
	s.mu.Lock()
	prevID, prevOpen, prevCount := s.recordingID, s.recordingOpen, s.chunkSeq
	s.recording = true
	s.chunkSeq = 0
	s.generation++
	s.recordingID = recordingID
	s.recordingOpen = recordingID != ""
	gen := s.generation
	m.router.publishLocked(ctx, s, &RecordingStatus{Status: "started"}, "")
	s.mu.Unlock()

	if prevOpen {
		m.guard.EndRecording(ctx, prevID, store.StatusEnded, prevCount)
	}
	slog.Info("monitor: recording started", "subject_id", c.subjectID, "conn_id", c.id, "recording_id", recordingID, "generation", gen)
}

// stopRecording ends the span. Results already in flight still count.
func (m *Monitor) stopRecording(ctx context.Context, c *Conn) {
	s := m.reg.GetOrCreate(c.subjectID)
	s.mu.Lock()
	s.recording = false
	total := s.chunkSeq
	recordingID, open := s.recordingID, s.recordingOpen
	s.recordingOpen = false
	m.router.publishLocked(ctx, s, &RecordingStatus{Status: "stopped", TotalChunks: &total}, "")
	s.mu.Unlock()

	if open {
		m.guard.EndRecording(ctx, recordingID, store.StatusEnded, total)
	}
	slog.Info("monitor: recording stopped", "subject_id", c.subjectID, "conn_id", c.id, "total_chunks", total)
}

// Close drains the dispatcher and marks recordings that were still open as
// interrupted.
func (m *Monitor) Close(ctx context.Context) error {
	err := m.dispatcher.Close(ctx)

	for _, id := range m.reg.Subjects() {
		s := m.reg.Get(id)
		s.mu.Lock()
		recordingID, open, total := s.recordingID, s.recordingOpen, s.chunkSeq
		s.recordingOpen = false
		s.recording = false
		s.mu.Unlock()
		if open {
			m.guard.EndRecording(ctx, recordingID, store.StatusError, total)
		}
	}
	return err
}
