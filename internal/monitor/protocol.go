package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Sentinel errors for inbound frame handling.
var (
	// ErrMalformedCommand is returned for text frames that are not valid
	// JSON or name an unknown command type.
	ErrMalformedCommand = errors.New("monitor: malformed command")

	// ErrRoleViolation is returned when a non-producer sends audio. The
	// chunk is dropped and nothing is sent to the client.
	ErrRoleViolation = errors.New("monitor: audio from non-producer connection")

	// ErrNotRecording is returned when audio arrives while the session is
	// not recording. The chunk is dropped and nothing is sent to the client.
	ErrNotRecording = errors.New("monitor: session is not recording")
)

// Role is fixed when a connection attaches.
type Role int

const (
	RoleUnknown Role = iota
	RoleProducer
	RoleObserver
)

// ParseRole maps the role query parameter to a [Role]. "dashboard" and
// "observer" both select [RoleObserver]; anything else is [RoleUnknown].
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "producer":
		return RoleProducer
	case "dashboard", "observer":
		return RoleObserver
	default:
		return RoleUnknown
	}
}

// String returns the wire name used in client_status events.
func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleObserver:
		return "dashboard"
	default:
		return "unknown"
	}
}

// ── Commands ────────────────────────────────────────────────────────────────

// Command is a decoded client control message. The set of implementations
// is closed: [StartRecording], [StopRecording], [Ping] and [RequestStatus].
type Command interface {
	command() string
}

type (
	// StartRecording begins a new recording span and resets the chunk count.
	StartRecording struct{}
	// StopRecording ends the current recording span.
	StopRecording struct{}
	// Ping asks for a pong addressed to the sender only.
	Ping struct{}
	// RequestStatus asks for the current recording snapshot.
	RequestStatus struct{}
)

func (StartRecording) command() string { return "start_recording" }
func (StopRecording) command() string  { return "stop_recording" }
func (Ping) command() string           { return "ping" }
func (RequestStatus) command() string  { return "request_status" }

// ParseCommand decodes one text frame. Errors wrap [ErrMalformedCommand].
func ParseCommand(data []byte) (Command, error) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON format", ErrMalformedCommand)
	}
	switch msg.Type {
	case "start_recording":
		return StartRecording{}, nil
	case "stop_recording":
		return StopRecording{}, nil
	case "ping":
		return Ping{}, nil
	case "request_status":
		return RequestStatus{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing message type", ErrMalformedCommand)
	default:
		return nil, fmt.Errorf("%w: unknown message type: %s", ErrMalformedCommand, msg.Type)
	}
}

// ── Events ──────────────────────────────────────────────────────────────────

// Event is an outbound payload. Every event is marshalled once per publish
// and the same bytes are handed to each recipient.
type Event interface {
	// Type is the wire value of the "type" field.
	Type() string
	stamp(typ, subjectID string, at time.Time)
}

// Header carries the fields every event shares.
type Header struct {
	Type      string `json:"type"`
	SubjectID string `json:"subject_id"`
	Timestamp string `json:"timestamp"`
}

func (h *Header) stamp(typ, subjectID string, at time.Time) {
	h.Type = typ
	h.SubjectID = subjectID
	h.Timestamp = at.UTC().Format(time.RFC3339Nano)
}

// ConnectionAck is sent to a connection right after it attaches.
type ConnectionAck struct {
	Header
	Status     string `json:"status"`
	ClientType string `json:"client_type"`
	Message    string `json:"message"`
}

// PeerStatus tells the other connections on a subject that a peer attached
// or detached.
type PeerStatus struct {
	Header
	Status     string `json:"status"`
	ClientType string `json:"client_type"`
}

// RecordingStatus announces a recording start or stop. TotalChunks is only
// set on stop.
type RecordingStatus struct {
	Header
	Status      string `json:"status"`
	TotalChunks *int   `json:"total_chunks,omitempty"`
}

// Prediction carries one successful chunk classification.
type Prediction struct {
	Header
	PredictedClass string             `json:"predicted_class"`
	Confidence     float64            `json:"confidence"`
	Probabilities  map[string]float64 `json:"probabilities"`
	ProcessingTime float64            `json:"processing_time"`
	ChunkNumber    int                `json:"chunk_number"`
	ChunkSize      int                `json:"chunk_size"`
}

// ProcessingError reports a failed chunk to its sender.
type ProcessingError struct {
	Header
	Error       string `json:"error"`
	ChunkNumber int    `json:"chunk_number"`
}

// Pong answers a [Ping].
type Pong struct {
	Header
}

// CurrentStatus answers a [RequestStatus].
type CurrentStatus struct {
	Header
	IsRecording bool `json:"is_recording"`
	ChunkCount  int  `json:"chunk_count"`
}

// CommandError reports a malformed command to its sender.
type CommandError struct {
	Header
	Message string `json:"message"`
}

func (*ConnectionAck) Type() string   { return "connection_status" }
func (*PeerStatus) Type() string      { return "client_status" }
func (*RecordingStatus) Type() string { return "recording_status" }
func (*Prediction) Type() string      { return "prediction_update" }
func (*ProcessingError) Type() string { return "processing_error" }
func (*Pong) Type() string            { return "pong" }
func (*CurrentStatus) Type() string   { return "current_status" }
func (*CommandError) Type() string    { return "error" }

// EncodeEvent stamps e with its header fields and marshals it.
func EncodeEvent(subjectID string, at time.Time, e Event) ([]byte, error) {
	e.stamp(e.Type(), subjectID, at)
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("monitor: encode %s: %w", e.Type(), err)
	}
	return data, nil
}

// seconds rounds d to milliseconds and expresses it in seconds.
func seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}
