package tfserving

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/lullaby/pkg/provider/inference"
)

// ---- test helpers ----

// fakeServer emulates the TF Serving REST surface for a single model.
type fakeServer struct {
	model     string
	available atomic.Bool
	scores    []float32
	status    int // predict status override, 0 means 200

	lastBody atomic.Value // []byte
	predicts atomic.Int32
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/models/{model}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("model") != f.model {
			http.NotFound(w, r)
			return
		}
		state := "LOADING"
		if f.available.Load() {
			state = "AVAILABLE"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model_version_status": []map[string]any{{"version": "1", "state": state}},
		})
	})
	mux.HandleFunc("POST /v1/models/{model}", func(w http.ResponseWriter, r *http.Request) {
		name, ok := strings.CutSuffix(r.PathValue("model"), ":predict")
		if !ok || name != f.model {
			http.NotFound(w, r)
			return
		}
		f.predicts.Add(1)
		var body json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.lastBody.Store([]byte(body))
		if f.status != 0 {
			http.Error(w, `{"error":"boom"}`, f.status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"predictions": [][]float32{f.scores}})
	})
	return mux
}

func newFake(t *testing.T, available bool) (*fakeServer, *httptest.Server) {
	t.Helper()
	f := &fakeServer{model: "baby_monitor", scores: []float32{0.1, 2, 0.3, 0, -1}}
	f.available.Store(available)
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return f, srv
}

// ---- tests ----

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, err := New(ctx, "", "m"); err == nil {
		t.Error("expected error for empty base URL")
	}
	if _, err := New(ctx, "http://localhost:1", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestNew_ProbeReady(t *testing.T) {
	t.Parallel()
	_, srv := newFake(t, true)

	p, err := New(context.Background(), srv.URL+"/", "baby_monitor")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !p.Ready() {
		t.Error("expected Ready after AVAILABLE probe")
	}
	if p.Name() != "tfserving" {
		t.Errorf("Name = %q", p.Name())
	}
}

func TestNew_ProbeNotAvailable(t *testing.T) {
	t.Parallel()
	_, srv := newFake(t, false)

	p, err := New(context.Background(), srv.URL, "baby_monitor")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Ready() {
		t.Error("expected not ready while model is LOADING")
	}
}

func TestInfer_SendsNestedInstance(t *testing.T) {
	t.Parallel()
	f, srv := newFake(t, true)
	p, err := New(context.Background(), srv.URL, "baby_monitor", WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := inference.Tensor{
		Shape: []int64{1, 2, 3, 1},
		Data:  []float32{1, 2, 3, 4, 5, 6},
	}
	scores, err := p.Infer(context.Background(), in)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if len(scores) != 5 || scores[1] != 2 {
		t.Errorf("scores = %v", scores)
	}

	var req struct {
		Instances [][][][]float32 `json:"instances"`
	}
	if err := json.Unmarshal(f.lastBody.Load().([]byte), &req); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if len(req.Instances) != 1 {
		t.Fatalf("instances = %d, want 1", len(req.Instances))
	}
	got := req.Instances[0]
	if len(got) != 2 || len(got[0]) != 3 || len(got[0][0]) != 1 {
		t.Fatalf("instance shape wrong: %v", got)
	}
	if got[1][2][0] != 6 || got[0][1][0] != 2 {
		t.Errorf("instance values = %v", got)
	}
}

func TestInfer_BecomesReadyAfterSuccess(t *testing.T) {
	t.Parallel()
	_, srv := newFake(t, false)
	p, _ := New(context.Background(), srv.URL, "baby_monitor")
	if p.Ready() {
		t.Fatal("precondition: should start not ready")
	}
	if _, err := p.Infer(context.Background(), inference.Tensor{Shape: []int64{1, 1}, Data: []float32{0}}); err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if !p.Ready() {
		t.Error("expected ready after a successful prediction")
	}
}

func TestInfer_Errors(t *testing.T) {
	t.Parallel()

	t.Run("shape mismatch", func(t *testing.T) {
		_, srv := newFake(t, true)
		p, _ := New(context.Background(), srv.URL, "baby_monitor")
		_, err := p.Infer(context.Background(), inference.Tensor{Shape: []int64{1, 3}, Data: []float32{1}})
		if err == nil {
			t.Error("expected shape error")
		}
	})

	t.Run("batch not one", func(t *testing.T) {
		_, srv := newFake(t, true)
		p, _ := New(context.Background(), srv.URL, "baby_monitor")
		_, err := p.Infer(context.Background(), inference.Tensor{Shape: []int64{2, 1}, Data: []float32{1, 2}})
		if err == nil {
			t.Error("expected batch error")
		}
	})

	t.Run("server error", func(t *testing.T) {
		f, srv := newFake(t, true)
		f.status = http.StatusInternalServerError
		p, _ := New(context.Background(), srv.URL, "baby_monitor")
		_, err := p.Infer(context.Background(), inference.Tensor{Shape: []int64{1, 1}, Data: []float32{1}})
		if err == nil || !strings.Contains(err.Error(), "HTTP 500") {
			t.Errorf("expected HTTP 500 error, got %v", err)
		}
		if !p.Ready() {
			t.Error("a 500 should not mark the model unavailable")
		}
	})

	t.Run("unknown model", func(t *testing.T) {
		_, srv := newFake(t, true)
		p, _ := New(context.Background(), srv.URL, "other")
		_, err := p.Infer(context.Background(), inference.Tensor{Shape: []int64{1, 1}, Data: []float32{1}})
		if !errors.Is(err, inference.ErrNotReady) {
			t.Errorf("expected ErrNotReady, got %v", err)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		_, srv := newFake(t, true)
		p, _ := New(context.Background(), srv.URL, "baby_monitor")
		srv.Close()
		_, err := p.Infer(context.Background(), inference.Tensor{Shape: []int64{1, 1}, Data: []float32{1}})
		if !errors.Is(err, inference.ErrNotReady) {
			t.Errorf("expected ErrNotReady, got %v", err)
		}
		if p.Ready() {
			t.Error("expected not ready after connection failure")
		}
	})
}

func TestModelURL_Version(t *testing.T) {
	t.Parallel()
	p := &Provider{baseURL: "http://x", model: "m", httpClient: http.DefaultClient}
	WithVersion("3")(p)
	if got, want := p.modelURL(), "http://x/v1/models/m/versions/3"; got != want {
		t.Errorf("modelURL = %q, want %q", got, want)
	}
}

func TestNest(t *testing.T) {
	t.Parallel()
	v, n := nest([]float32{1, 2, 3, 4}, []int64{2, 2})
	if n != 4 {
		t.Fatalf("consumed %d, want 4", n)
	}
	rows := v.([]any)
	if len(rows) != 2 || rows[1].([]float32)[0] != 3 {
		t.Errorf("nest = %v", v)
	}
}
