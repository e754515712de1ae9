package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func readyz(t *testing.T, h *Handler) (int, readiness) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body readiness
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, body
}

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "store", Check: failWith("down")})
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 even with failing checkers", rec.Code)
	}
	var body liveness
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != StatusOK || body.Uptime == "" {
		t.Errorf("body = %+v", body)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "store", Check: pass},
				{Name: "classifier", Check: pass},
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
			wantChecks: map[string]string{"store": "ok", "classifier": "ok"},
		},
		{
			name: "required failure",
			checkers: []Checker{
				{Name: "store", Check: failWith("connection refused")},
				{Name: "classifier", Check: pass},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
			wantChecks: map[string]string{"store": "fail: connection refused", "classifier": "ok"},
		},
		{
			name: "advisory failure degrades",
			checkers: []Checker{
				{Name: "classifier", Check: pass},
				Degraded("store_writes", func() bool { return true }),
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
			wantChecks: map[string]string{"classifier": "ok", "store_writes": "warn: degraded"},
		},
		{
			name: "required failure wins over advisory",
			checkers: []Checker{
				Ready("classifier", func() bool { return false }),
				Degraded("store_writes", func() bool { return true }),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
			wantChecks: map[string]string{"classifier": "fail: not ready", "store_writes": "warn: degraded"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body := readyz(t, New(tt.checkers...))
			if code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("got %d %q, want %d %q", code, body.Status, tt.wantCode, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %s = %q, want %q", name, got, want)
				}
			}
		})
	}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestPing(t *testing.T) {
	t.Parallel()
	code, body := readyz(t, New(Ping("store", pinger{errors.New("timeout")})))
	if code != http.StatusServiceUnavailable || body.Checks["store"] != "fail: timeout" {
		t.Errorf("got %d %+v", code, body)
	}
}

func TestReadyz_Describe(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "classifier", Check: pass}).
		Describe("model", func() any {
			return map[string]any{"ready": true, "class_names": []string{"cry", "laugh"}}
		})

	_, body := readyz(t, h)
	model, ok := body.Info["model"].(map[string]any)
	if !ok {
		t.Fatalf("info = %v", body.Info)
	}
	if model["ready"] != true {
		t.Errorf("model.ready = %v", model["ready"])
	}
	if names, _ := model["class_names"].([]any); len(names) != 2 {
		t.Errorf("class_names = %v", model["class_names"])
	}
}

func TestReadyz_CheckTimeout(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	start := time.Now()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx))

	if time.Since(start) > 2*time.Second {
		t.Error("checker ignored the request context")
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New().Register(mux)
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s = %d", path, rec.Code)
		}
	}
}
