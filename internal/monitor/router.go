package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/lullaby/internal/observe"
)

// Router fans events out to the connections of a subject. Delivery is best
// effort: a full or closing connection loses the event and the rest still
// receive it. Publish never returns an error.
type Router struct {
	reg     *Registry
	metrics *observe.Metrics
	now     func() time.Time
}

// NewRouter returns a router over reg.
func NewRouter(reg *Registry, m *observe.Metrics) *Router {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Router{reg: reg, metrics: m, now: time.Now}
}

// Publish delivers e to every connection attached to subjectID except the
// one whose id equals exclude. Publishing to an unknown or empty subject is
// a no-op.
func (r *Router) Publish(ctx context.Context, subjectID string, e Event, exclude string) {
	s := r.reg.Get(subjectID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r.publishLocked(ctx, s, e, exclude)
}

// publishLocked is Publish for callers that already hold s.mu, so a state
// change and its announcement form one critical section.
func (r *Router) publishLocked(ctx context.Context, s *Session, e Event, exclude string) {
	if len(s.conns) == 0 {
		return
	}
	data, err := EncodeEvent(s.subjectID, r.now(), e)
	if err != nil {
		slog.Error("monitor: dropping unencodable event", "subject_id", s.subjectID, "type", e.Type(), "err", err)
		return
	}
	if dropped := s.broadcastLocked(data, exclude); dropped > 0 {
		r.metrics.BroadcastDropped.Add(ctx, int64(dropped))
		slog.Debug("monitor: broadcast dropped", "subject_id", s.subjectID, "type", e.Type(), "dropped", dropped)
	}
}

// Send delivers e to c only. It reports whether the event was queued.
func (r *Router) Send(ctx context.Context, c *Conn, e Event) bool {
	data, err := EncodeEvent(c.subjectID, r.now(), e)
	if err != nil {
		slog.Error("monitor: dropping unencodable event", "conn_id", c.id, "type", e.Type(), "err", err)
		return false
	}
	if !c.enqueue(data) {
		r.metrics.BroadcastDropped.Add(ctx, 1)
		return false
	}
	return true
}
