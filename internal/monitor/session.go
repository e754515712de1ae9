package monitor

import (
	"sync"
)

// Session is the shared state of one monitored subject. It is created on
// the first attach for a subject and kept by the [Registry] afterwards, so
// recording state survives all connections going away.
type Session struct {
	subjectID string

	mu sync.Mutex
	// recording is true between start_recording and stop_recording.
	recording bool
	// chunkSeq counts successfully classified chunks in the current span.
	chunkSeq int
	// generation increments on every start_recording. Pipeline jobs carry
	// the generation they were accepted under.
	generation uint64
	// recordingID is the store id of the current span. It is kept after
	// stop so late results are attributed to the right recording.
	recordingID string
	// recordingOpen reports whether recordingID still needs to be ended.
	recordingOpen bool
	conns         map[string]*Conn

	// queue is lazily created by the dispatcher.
	queueOnce sync.Once
	queue     chan job
}

func newSession(subjectID string) *Session {
	return &Session{
		subjectID: subjectID,
		conns:     make(map[string]*Conn),
	}
}

// SubjectID returns the subject this session belongs to.
func (s *Session) SubjectID() string { return s.subjectID }

// Status is a point-in-time view of a session.
type Status struct {
	SubjectID   string `json:"subject_id"`
	IsRecording bool   `json:"is_recording"`
	ChunkCount  int    `json:"chunk_count"`
	Connections int    `json:"connections"`
	RecordingID string `json:"recording_id,omitempty"`
}

// Status returns a snapshot of the session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	return Status{
		SubjectID:   s.subjectID,
		IsRecording: s.recording,
		ChunkCount:  s.chunkSeq,
		Connections: len(s.conns),
		RecordingID: s.recordingID,
	}
}

// broadcastLocked offers data to every attached connection except exclude.
// s.mu must be held. It returns the number of connections that could not
// take the event.
func (s *Session) broadcastLocked(data []byte, exclude string) (dropped int) {
	for id, c := range s.conns {
		if id == exclude {
			continue
		}
		if !c.enqueue(data) {
			dropped++
		}
	}
	return dropped
}
