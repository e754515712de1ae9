// Package mock provides a recording test double for alert.Notifier.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lullaby/internal/alert"
)

var _ alert.Notifier = (*Notifier)(nil)

// Notifier records every alert it receives. Set Err to make Notify fail.
type Notifier struct {
	mu     sync.Mutex
	alerts []alert.Alert

	// Err is returned from Notify when non-nil.
	Err error
}

// Notify implements alert.Notifier.
func (n *Notifier) Notify(_ context.Context, a alert.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return n.Err
}

// Alerts returns a copy of the received alerts.
func (n *Notifier) Alerts() []alert.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]alert.Alert, len(n.alerts))
	copy(out, n.alerts)
	return out
}

// SetErr replaces Err while the notifier may be in use.
func (n *Notifier) SetErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Err = err
}

// Reset clears recorded alerts.
func (n *Notifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = nil
}
