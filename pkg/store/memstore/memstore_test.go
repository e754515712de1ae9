package memstore

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/lullaby/pkg/store"
)

func TestRecordingLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	id, err := s.StartRecording(ctx, "baby-1")
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	r, err := s.GetRecording(ctx, id)
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	if r.Status != store.StatusActive || r.SubjectID != "baby-1" || r.StartedAt.IsZero() {
		t.Errorf("recording = %+v", r)
	}

	if err := s.EndRecording(ctx, id, store.StatusEnded, 7); err != nil {
		t.Fatalf("EndRecording: %v", err)
	}
	r, _ = s.GetRecording(ctx, id)
	if r.Status != store.StatusEnded || r.TotalChunks != 7 || r.EndedAt.IsZero() {
		t.Errorf("recording = %+v", r)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	s := New()
	if err := s.EndRecording(context.Background(), "nope", store.StatusEnded, 0); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("EndRecording: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetRecording(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetRecording: expected ErrNotFound, got %v", err)
	}
}

func TestRecentDetections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(WithMaxPerSubject(3))

	for i := 1; i <= 5; i++ {
		if err := s.AppendDetection(ctx, store.Detection{SubjectID: "baby-1", ChunkNumber: i, Label: "cry"}); err != nil {
			t.Fatalf("AppendDetection: %v", err)
		}
	}
	_ = s.AppendDetection(ctx, store.Detection{SubjectID: "baby-2", ChunkNumber: 1})

	got, err := s.RecentDetections(ctx, "baby-1", 10)
	if err != nil {
		t.Fatalf("RecentDetections: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (bounded)", len(got))
	}
	for i, want := range []int{5, 4, 3} {
		if got[i].ChunkNumber != want {
			t.Errorf("got[%d].ChunkNumber = %d, want %d", i, got[i].ChunkNumber, want)
		}
		if got[i].ID == "" || got[i].DetectedAt.IsZero() {
			t.Errorf("got[%d] missing generated fields: %+v", i, got[i])
		}
	}

	got, _ = s.RecentDetections(ctx, "baby-1", 2)
	if len(got) != 2 || got[0].ChunkNumber != 5 {
		t.Errorf("limit 2 = %+v", got)
	}
	if got, _ := s.RecentDetections(ctx, "unknown", 5); len(got) != 0 {
		t.Errorf("unknown subject = %+v", got)
	}
}

func TestAppendDetection_CopiesInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	vec := []float32{1, 0}
	probs := map[string]float64{"cry": 1}
	_ = s.AppendDetection(ctx, store.Detection{SubjectID: "a", Vector: vec, Probabilities: probs})
	vec[0] = 0
	probs["cry"] = 0

	got, _ := s.RecentDetections(ctx, "a", 1)
	if got[0].Vector[0] != 1 || got[0].Probabilities["cry"] != 1 {
		t.Error("stored detection aliases caller slices")
	}
}

func TestSimilarDetections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = s.AppendDetection(ctx, store.Detection{SubjectID: "a", Label: "cry", Vector: []float32{0.9, 0.1, 0}, DetectedAt: base})
	_ = s.AppendDetection(ctx, store.Detection{SubjectID: "b", Label: "laugh", Vector: []float32{0, 0.1, 0.9}, DetectedAt: base})
	_ = s.AppendDetection(ctx, store.Detection{SubjectID: "a", Label: "hungry", Vector: []float32{0.2, 0.8, 0}, DetectedAt: base})
	_ = s.AppendDetection(ctx, store.Detection{SubjectID: "c", Label: "odd", Vector: []float32{1, 0}}) // wrong width

	hits, err := s.SimilarDetections(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("SimilarDetections: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("len = %d, want 2", len(hits))
	}
	if hits[0].Label != "cry" || hits[1].Label != "hungry" {
		t.Errorf("order = %s, %s; want cry, hungry", hits[0].Label, hits[1].Label)
	}
	if hits[0].Distance > hits[1].Distance {
		t.Error("hits not sorted by distance")
	}
	if hits, _ := s.SimilarDetections(ctx, []float32{1, 0, 0}, 0); hits != nil {
		t.Error("limit 0 should return nothing")
	}
}

func TestCosineDistance(t *testing.T) {
	t.Parallel()
	tests := []struct {
		a, b []float32
		want float64
	}{
		{[]float32{1, 0}, []float32{1, 0}, 0},
		{[]float32{1, 0}, []float32{0, 1}, 1},
		{[]float32{1, 0}, []float32{-1, 0}, 2},
		{[]float32{2, 2}, []float32{1, 1}, 0},
		{[]float32{0, 0}, []float32{1, 1}, 1},
	}
	for _, tc := range tests {
		if got := CosineDistance(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("CosineDistance(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
