// Package api serves the one-shot REST surface next to the websocket
// endpoint:
//
//   - POST /api/predict classifies one uploaded clip.
//   - GET  /api/model describes the loaded model.
//   - GET  /api/subjects/{subjectID}/status reports a subject's live session
//     and its most recent detections.
//
// Error responses are JSON objects with an "error" field.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/lullaby/internal/auth"
	"github.com/MrWong99/lullaby/internal/classify"
	"github.com/MrWong99/lullaby/internal/monitor"
	"github.com/MrWong99/lullaby/internal/observe"
	"github.com/MrWong99/lullaby/pkg/store"
)

const (
	// maxUploadBytes caps a predict request body.
	maxUploadBytes = 10 << 20

	defaultRecentLimit = 20
	maxRecentLimit     = 100
	defaultSimilar     = 5
	storeTimeout       = 5 * time.Second
)

// Classifier is the pipeline surface the API needs. *classify.Pipeline
// satisfies it.
type Classifier interface {
	Classify(ctx context.Context, chunk []byte) (classify.Result, error)
	Info() classify.Info
}

// StatusSource reports live session state. *monitor.Monitor satisfies it.
type StatusSource interface {
	Status(subjectID string) (monitor.Status, bool)
}

// Handler serves the REST routes.
type Handler struct {
	classifier Classifier
	sessions   StatusSource
	store      store.Store
	authz      auth.Authorizer
	similar    int
	now        func() time.Time
}

// Option configures a [Handler].
type Option func(*Handler)

// WithStore enables similar-detection lookups on predict and recent
// detections on subject status.
func WithStore(s store.Store) Option {
	return func(h *Handler) { h.store = s }
}

// WithAuthorizer gates every route. Default: [auth.AllowAll].
func WithAuthorizer(a auth.Authorizer) Option {
	return func(h *Handler) { h.authz = a }
}

// WithSimilarLimit sets how many similar past detections predict returns.
// Zero disables the lookup.
func WithSimilarLimit(n int) Option {
	return func(h *Handler) { h.similar = n }
}

// New returns a Handler. sessions may be nil, in which case subject status
// reports only stored detections.
func New(c Classifier, sessions StatusSource, opts ...Option) *Handler {
	h := &Handler{
		classifier: c,
		sessions:   sessions,
		authz:      auth.AllowAll,
		similar:    defaultSimilar,
		now:        time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/predict", h.Predict)
	mux.HandleFunc("GET /api/model", h.Model)
	mux.HandleFunc("GET /api/subjects/{subjectID}/status", h.SubjectStatus)
}

// predictResponse mirrors the prediction_update event fields.
type predictResponse struct {
	PredictedClass string             `json:"predicted_class"`
	Confidence     float64            `json:"confidence"`
	Probabilities  map[string]float64 `json:"probabilities"`
	ProcessingTime float64            `json:"processing_time"`
	Timestamp      string             `json:"timestamp"`
	Similar        []detectionJSON    `json:"similar,omitempty"`
}

type detectionJSON struct {
	SubjectID   string   `json:"subject_id"`
	RecordingID string   `json:"recording_id,omitempty"`
	ChunkNumber int      `json:"chunk_number"`
	Label       string   `json:"predicted_class"`
	Confidence  float64  `json:"confidence"`
	DetectedAt  string   `json:"detected_at"`
	Distance    *float64 `json:"distance,omitempty"`
}

func toJSON(d store.Detection) detectionJSON {
	return detectionJSON{
		SubjectID:   d.SubjectID,
		RecordingID: d.RecordingID,
		ChunkNumber: d.ChunkNumber,
		Label:       d.Label,
		Confidence:  d.Confidence,
		DetectedAt:  d.DetectedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Predict classifies one clip. The clip is either a multipart "audio" (or
// "audio_file") field holding a .wav file, or the raw request body in any
// format the decode chain understands.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if !h.authz.Allow(r, "") {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	start := h.now()
	log := observe.Logger(r.Context())

	data, status, err := readClip(w, r)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	res, err := h.classifier.Classify(r.Context(), data)
	elapsed := h.now().Sub(start)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, classify.ErrDecodeFailure):
			status = http.StatusBadRequest
		case errors.Is(err, classify.ErrInferenceUnavailable):
			status = http.StatusServiceUnavailable
		}
		log.Warn("api: prediction failed", "kind", classify.KindName(err), "err", err)
		writeJSON(w, status, map[string]any{
			"error":           err.Error(),
			"processing_time": round3(elapsed.Seconds()),
		})
		return
	}

	log.Info("api: prediction completed", "label", res.Label, "confidence", res.Confidence, "elapsed", elapsed)
	resp := predictResponse{
		PredictedClass: res.Label,
		Confidence:     res.Confidence,
		Probabilities:  res.Probabilities,
		ProcessingTime: round3(elapsed.Seconds()),
		Timestamp:      h.now().UTC().Format(time.RFC3339Nano),
		Similar:        h.similarTo(r.Context(), res.Vector),
	}
	writeJSON(w, http.StatusOK, resp)
}

// similarTo looks up past detections close to vector. Store failures only
// cost the enrichment.
func (h *Handler) similarTo(ctx context.Context, vector []float32) []detectionJSON {
	if h.store == nil || h.similar <= 0 || len(vector) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	hits, err := h.store.SimilarDetections(ctx, vector, h.similar)
	if err != nil {
		observe.Logger(ctx).Warn("api: similar detections lookup failed", "err", err)
		return nil
	}
	out := make([]detectionJSON, 0, len(hits))
	for _, hit := range hits {
		d := toJSON(hit.Detection)
		dist := hit.Distance
		d.Distance = &dist
		out = append(out, d)
	}
	return out
}

// readClip extracts the audio bytes from r.
func readClip(w http.ResponseWriter, r *http.Request) ([]byte, int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, uploadStatus(err), errors.New("invalid multipart upload")
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("audio")
		if errors.Is(err, http.ErrMissingFile) {
			file, header, err = r.FormFile("audio_file")
		}
		if err != nil {
			return nil, http.StatusBadRequest, errors.New("no audio file provided")
		}
		defer file.Close()
		if !strings.EqualFold(filepath.Ext(header.Filename), ".wav") {
			return nil, http.StatusBadRequest, errors.New("only WAV format is supported")
		}
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, http.StatusBadRequest, errors.New("reading upload failed")
		}
		return data, 0, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, uploadStatus(err), errors.New("reading request body failed")
	}
	if len(data) == 0 {
		return nil, http.StatusBadRequest, errors.New("no audio provided")
	}
	return data, 0, nil
}

func uploadStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

type modelResponse struct {
	Status     string   `json:"status"`
	Backend    string   `json:"backend"`
	ClassNames []string `json:"class_names"`
	SampleRate int      `json:"sample_rate"`
	InputShape []int64  `json:"input_shape"`
	Decoders   []string `json:"decoders"`
}

// Model describes the loaded model.
func (h *Handler) Model(w http.ResponseWriter, r *http.Request) {
	if !h.authz.Allow(r, "") {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	info := h.classifier.Info()
	status := "not_loaded"
	if info.Ready {
		status = "loaded"
	}
	writeJSON(w, http.StatusOK, modelResponse{
		Status:     status,
		Backend:    info.Backend,
		ClassNames: info.Labels,
		SampleRate: info.SampleRate,
		InputShape: info.InputShape,
		Decoders:   info.Decoders,
	})
}

type subjectResponse struct {
	monitor.Status
	Recent []detectionJSON `json:"recent_detections"`
}

// SubjectStatus reports the live session snapshot and recent detections for
// one subject. The optional "limit" query parameter bounds the detections
// (default 20, max 100). A subject with neither a session nor stored
// detections is 404.
func (h *Handler) SubjectStatus(w http.ResponseWriter, r *http.Request) {
	subjectID := r.PathValue("subjectID")
	if !h.authz.Allow(r, subjectID) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := subjectResponse{Status: monitor.Status{SubjectID: subjectID}, Recent: []detectionJSON{}}
	known := false
	if h.sessions != nil {
		resp.Status, known = h.sessions.Status(subjectID)
	}

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		recent, err := h.store.RecentDetections(ctx, subjectID, limit)
		cancel()
		if err != nil {
			observe.Logger(r.Context()).Warn("api: recent detections lookup failed", "subject_id", subjectID, "err", err)
			writeError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
		for _, d := range recent {
			resp.Recent = append(resp.Recent, toJSON(d))
		}
	}

	if !known && len(resp.Recent) == 0 {
		writeError(w, http.StatusNotFound, "unknown subject "+subjectID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return defaultRecentLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxRecentLimit), nil
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observe.Logger(context.Background()).Warn("api: encode response failed", "err", err)
	}
}
