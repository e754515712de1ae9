package monitor

import (
	"sync"
)

// State is a connection's lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateAttached
	StateDetached
)

// String returns a lower-case state name for logs.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAttached:
		return "attached"
	case StateDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// defaultOutboundDepth is the number of encoded events buffered per
// connection before new ones are dropped.
const defaultOutboundDepth = 64

// Conn is one attached client. Its role and subject never change. Events
// for the client are queued on an outbound channel that the transport's
// write loop drains via [Conn.Outbound].
//
// All methods are safe for concurrent use.
type Conn struct {
	id        string
	subjectID string
	role      Role

	out  chan []byte
	done chan struct{}

	mu    sync.Mutex
	state State
}

func newConn(id, subjectID string, role Role, depth int) *Conn {
	if depth <= 0 {
		depth = defaultOutboundDepth
	}
	return &Conn{
		id:        id,
		subjectID: subjectID,
		role:      role,
		out:       make(chan []byte, depth),
		done:      make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// SubjectID returns the subject this connection is attached to.
func (c *Conn) SubjectID() string { return c.subjectID }

// Role returns the role chosen at connect time.
func (c *Conn) Role() Role { return c.role }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Outbound yields encoded events in the order they were queued.
func (c *Conn) Outbound() <-chan []byte { return c.out }

// Done is closed when the connection detaches.
func (c *Conn) Done() <-chan struct{} { return c.done }

// attach moves Connecting to Attached. It reports false for any other
// starting state.
func (c *Conn) attach() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return false
	}
	c.state = StateAttached
	return true
}

// detach moves the connection to the terminal state. It reports whether
// this call performed the transition.
func (c *Conn) detach() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDetached {
		return false
	}
	c.state = StateDetached
	close(c.done)
	return true
}

// enqueue offers data to the outbound queue without blocking. It reports
// false if the connection is not attached or the queue is full.
func (c *Conn) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAttached {
		return false
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}
