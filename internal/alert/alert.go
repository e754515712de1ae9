// Package alert turns classification results into caregiver notifications.
//
// A [Gate] sits in front of a [Notifier] and only lets through results whose
// label is in the configured alert set, whose confidence clears the
// threshold, and whose subject is not inside its cooldown window. The
// thresholds can be swapped at runtime with [Gate.Update], which is how the
// config watcher applies hot reloads.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/lullaby/internal/observe"
)

// Alert describes one classification that may warrant a notification.
type Alert struct {
	SubjectID   string
	Label       string
	Confidence  float64
	ChunkNumber int
	At          time.Time
}

// Notifier delivers alerts to some external channel.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Nop discards every alert. It is used when no alert channel is configured.
type Nop struct{}

// Notify implements [Notifier].
func (Nop) Notify(context.Context, Alert) error { return nil }

// GateConfig holds the tunable alert thresholds.
type GateConfig struct {
	// Labels lists the class names that trigger alerts. Default: ["cry"].
	Labels []string

	// MinConfidence is the inclusive confidence threshold. Default: 0.8.
	MinConfidence float64

	// Cooldown is the minimum gap between two alerts for one subject.
	// Default: 60s.
	Cooldown time.Duration
}

func (c GateConfig) withDefaults() GateConfig {
	if len(c.Labels) == 0 {
		c.Labels = []string{"cry"}
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.8
	}
	if c.Cooldown == 0 {
		c.Cooldown = 60 * time.Second
	}
	return c
}

// GateOption configures a [Gate].
type GateOption func(*Gate)

// WithMetrics records alert outcomes on m.
func WithMetrics(m *observe.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// Gate filters alerts before handing them to the wrapped [Notifier]. Gate
// itself implements [Notifier], so callers can offer every result and let
// the gate decide. Safe for concurrent use.
type Gate struct {
	next    Notifier
	metrics *observe.Metrics
	now     func() time.Time

	mu       sync.Mutex
	cfg      GateConfig
	lastSent map[string]time.Time
}

var _ Notifier = (*Gate)(nil)

// NewGate wraps next with threshold and cooldown checks.
func NewGate(next Notifier, cfg GateConfig, opts ...GateOption) *Gate {
	if next == nil {
		next = Nop{}
	}
	g := &Gate{
		next:     next,
		now:      time.Now,
		cfg:      cfg.withDefaults(),
		lastSent: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Update replaces the thresholds. Cooldown state is kept.
func (g *Gate) Update(cfg GateConfig) {
	cfg = cfg.withDefaults()
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	slog.Info("alert thresholds updated",
		"labels", cfg.Labels,
		"min_confidence", cfg.MinConfidence,
		"cooldown", cfg.Cooldown,
	)
}

// Config returns the current thresholds.
func (g *Gate) Config() GateConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.cfg
	c.Labels = slices.Clone(c.Labels)
	return c
}

// Notify forwards a to the wrapped notifier if it passes the gate. Alerts
// that do not qualify return nil. A failed delivery releases the cooldown
// slot so the next qualifying result retries.
func (g *Gate) Notify(ctx context.Context, a Alert) error {
	if a.At.IsZero() {
		a.At = g.now()
	}

	g.mu.Lock()
	if !slices.Contains(g.cfg.Labels, a.Label) || a.Confidence < g.cfg.MinConfidence {
		g.mu.Unlock()
		return nil
	}
	prev, seen := g.lastSent[a.SubjectID]
	if seen && a.At.Sub(prev) < g.cfg.Cooldown {
		g.mu.Unlock()
		g.record(ctx, a.Label, "suppressed")
		return nil
	}
	g.lastSent[a.SubjectID] = a.At
	g.mu.Unlock()

	if err := g.next.Notify(ctx, a); err != nil {
		g.mu.Lock()
		if g.lastSent[a.SubjectID].Equal(a.At) {
			if seen {
				g.lastSent[a.SubjectID] = prev
			} else {
				delete(g.lastSent, a.SubjectID)
			}
		}
		g.mu.Unlock()
		g.record(ctx, a.Label, "error")
		return fmt.Errorf("alert: notify %s: %w", a.SubjectID, err)
	}
	g.record(ctx, a.Label, "sent")
	return nil
}

func (g *Gate) record(ctx context.Context, label, status string) {
	if g.metrics != nil {
		g.metrics.RecordAlert(ctx, label, status)
	}
}
