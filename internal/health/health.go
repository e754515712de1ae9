// Package health provides HTTP health and readiness check handlers.
//
// The package exposes two endpoints:
//
//   - /healthz is the liveness probe and always returns 200 OK with the
//     process uptime.
//   - /readyz is the readiness probe. It returns 200 only when every
//     required [Checker] passes. A failing advisory checker turns the status
//     into "degraded" but keeps the 200.
//
// Readiness responses carry a "status" field ("ok", "degraded" or "fail"),
// a "checks" map with the result of each named checker and, when sections
// were added with [Handler.Describe], an "info" object.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short label for this check (e.g. "classifier", "store"). It
	// appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error

	// Advisory checkers show up in the response as "warn: ..." and do not
	// affect the overall status.
	Advisory bool
}

// Pinger is implemented by store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ready returns a required checker that fails while ready reports false.
func Ready(name string, ready func() bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !ready() {
			return errors.New("not ready")
		}
		return nil
	}}
}

// Ping returns a required checker that pings p.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Degraded returns an advisory checker that warns while degraded reports
// true.
func Degraded(name string, degraded func() bool) Checker {
	return Checker{Name: name, Advisory: true, Check: func(context.Context) error {
		if degraded() {
			return errors.New("degraded")
		}
		return nil
	}}
}

// Status values reported in responses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

type liveness struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Info   map[string]any    `json:"info,omitempty"`
}

// Handler serves /healthz and /readyz. Checkers and info sections must be
// added before the handler serves requests.
type Handler struct {
	checkers []Checker
	info     map[string]func() any
	started  time.Time
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		info:     make(map[string]func() any),
		started:  time.Now(),
	}
}

// Describe adds an "info" section to readiness responses. fn is called on
// every request and its result is encoded as JSON under key.
func (h *Handler) Describe(key string, fn func() any) *Handler {
	h.info[key] = fn
	return h
}

// Healthz is a liveness probe. A process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, liveness{
		Status: StatusOK,
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz runs every checker concurrently, each bounded by [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu       sync.Mutex
		checks   = make(map[string]string, len(h.checkers))
		failed   bool
		degraded bool
	)

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := c.Check(ctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				checks[c.Name] = StatusOK
			case c.Advisory:
				checks[c.Name] = "warn: " + err.Error()
				degraded = true
			default:
				checks[c.Name] = "fail: " + err.Error()
				failed = true
			}
			return nil
		})
	}
	_ = g.Wait()

	res := readiness{Status: StatusOK, Checks: checks}
	if len(h.info) > 0 {
		res.Info = make(map[string]any, len(h.info))
		for key, fn := range h.info {
			res.Info[key] = fn()
		}
	}

	code := http.StatusOK
	switch {
	case failed:
		res.Status = StatusFail
		code = http.StatusServiceUnavailable
	case degraded:
		res.Status = StatusDegraded
	}
	writeJSON(w, code, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"fail"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
