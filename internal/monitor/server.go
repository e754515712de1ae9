package monitor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lullaby/internal/auth"
	"github.com/MrWong99/lullaby/internal/observe"
)

const (
	// defaultMaxMessageBytes allows a few seconds of uncompressed 16-bit
	// audio per frame. The websocket library default of 32 KiB is too small
	// for one second of 16 kHz PCM plus header.
	defaultMaxMessageBytes = 4 << 20

	// writeTimeout bounds a single outbound frame.
	writeTimeout = 10 * time.Second
)

// ServerConfig configures the websocket endpoint.
type ServerConfig struct {
	// OriginPatterns are host patterns allowed in the Origin header, in
	// addition to the request host itself.
	OriginPatterns []string

	// MaxMessageBytes caps inbound frame size. Default: 4 MiB.
	MaxMessageBytes int64

	// Authorizer gates every attach. Default: [auth.AllowAll].
	Authorizer auth.Authorizer
}

// Server adapts a [Monitor] to websockets. It serves
//
//	GET /ws/{subjectID}?role=producer|dashboard
//
// and must be mounted on a pattern that defines the subjectID wildcard.
type Server struct {
	mon *Monitor
	cfg ServerConfig

	// ctx is cancelled by Close to end every open connection.
	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

// NewServer returns the websocket handler for mon.
func NewServer(mon *Monitor, cfg ServerConfig) *Server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = auth.AllowAll
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{mon: mon, cfg: cfg, ctx: ctx, cancel: cancel}
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subjectID := r.PathValue("subjectID")
	if subjectID == "" {
		http.Error(w, "missing subject id", http.StatusBadRequest)
		return
	}
	if s.ctx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	allowed := s.cfg.Authorizer.Allow(r, subjectID)
	log := observe.Logger(observe.WithSubject(r.Context(), subjectID))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		log.Warn("monitor: websocket accept failed", "err", err)
		return
	}
	if !allowed {
		log.Warn("monitor: unauthorized attach", "remote", r.RemoteAddr)
		ws.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageBytes)

	s.conns.Add(1)
	defer s.conns.Done()

	ctx, cancel := context.WithCancel(observe.WithSubject(r.Context(), subjectID))
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	role := ParseRole(r.URL.Query().Get("role"))
	c := s.mon.Attach(ctx, subjectID, role)
	defer s.mon.Detach(context.WithoutCancel(ctx), c)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx, ws, c) })
	g.Go(func() error { return s.writeLoop(gctx, ws, c) })
	err = g.Wait()

	switch {
	case s.ctx.Err() != nil:
		ws.Close(websocket.StatusGoingAway, "server shutting down")
	case websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled):
		ws.Close(websocket.StatusNormalClosure, "")
	default:
		log.Debug("monitor: connection ended", "conn_id", c.ID(), "err", err)
		ws.Close(websocket.StatusInternalError, "connection error")
	}
}

// readLoop feeds frames to the state machine in arrival order.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, c *Conn) error {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageText:
			s.mon.HandleText(ctx, c, data)
		case websocket.MessageBinary:
			err := s.mon.HandleBinary(ctx, c, data)
			if errors.Is(err, ErrDispatcherClosed) || (err != nil && ctx.Err() != nil) {
				return err
			}
		}
	}
}

// writeLoop drains the connection's outbound queue.
func (s *Server) writeLoop(ctx context.Context, ws *websocket.Conn, c *Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.Done():
			return nil
		case data := <-c.Outbound():
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// Close ends every open connection with 1001 and waits for their handlers
// to return, or for ctx to expire.
func (s *Server) Close(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
