// Package tfserving provides an inference backend that calls a TensorFlow
// Serving model server over its REST API. It implements inference.Inferencer.
//
// The model is addressed as {baseURL}/v1/models/{model}. Prediction uses the
// row format:
//
//	POST /v1/models/{model}:predict
//	{"instances": [<one input without the batch dimension>]}
//
// and expects {"predictions": [[score, ...]]} back.
//
// Typical usage:
//
//	p, err := tfserving.New(ctx, "http://localhost:8501", "baby_monitor",
//	    tfserving.WithTimeout(5*time.Second),
//	)
//	scores, err := p.Infer(ctx, tensor)
package tfserving

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/lullaby/pkg/provider/inference"
)

// Compile-time interface assertion.
var _ inference.Inferencer = (*Provider)(nil)

const (
	defaultTimeout = 10 * time.Second
	probeTimeout   = 3 * time.Second

	// maxErrorBody caps how much of an error response is echoed into errors.
	maxErrorBody = 512
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout. Defaults to 10 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client (useful for tests and custom
// transports).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithVersion pins a model version instead of the server's latest.
func WithVersion(v string) Option {
	return func(p *Provider) {
		p.version = v
	}
}

// Provider calls a TensorFlow Serving REST endpoint.
type Provider struct {
	baseURL    string
	model      string
	version    string
	httpClient *http.Client

	ready atomic.Bool
}

// New creates a Provider and probes the model status endpoint once. A failed
// probe is not an error: the provider starts not-ready and becomes ready on
// the first successful prediction.
func New(ctx context.Context, baseURL, model string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("tfserving: base URL is required")
	}
	if model == "" {
		return nil, errors.New("tfserving: model name is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("tfserving: parse base URL: %w", err)
	}

	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := p.probe(probeCtx); err != nil {
		slog.Warn("tfserving: model not available yet", "url", p.modelURL(), "err", err)
	} else {
		p.ready.Store(true)
	}
	return p, nil
}

// Name implements inference.Inferencer.
func (p *Provider) Name() string { return "tfserving" }

// Ready implements inference.Inferencer.
func (p *Provider) Ready() bool { return p.ready.Load() }

// Close implements inference.Inferencer. The provider holds no resources.
func (p *Provider) Close() error { return nil }

type predictRequest struct {
	Instances []any `json:"instances"`
}

type predictResponse struct {
	Predictions [][]float32 `json:"predictions"`
	Error       string      `json:"error"`
}

// Infer implements inference.Inferencer.
func (p *Provider) Infer(ctx context.Context, in inference.Tensor) ([]float32, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if len(in.Shape) < 2 || in.Shape[0] != 1 {
		return nil, fmt.Errorf("tfserving: expected a batch of one, got shape %v", in.Shape)
	}

	instance, _ := nest(in.Data, in.Shape[1:])
	body, err := json.Marshal(predictRequest{Instances: []any{instance}})
	if err != nil {
		return nil, fmt.Errorf("tfserving: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.modelURL()+":predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tfserving: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			p.ready.Store(false)
		}
		return nil, fmt.Errorf("tfserving: predict: %w: %w", inference.ErrNotReady, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		p.ready.Store(false)
		return nil, fmt.Errorf("tfserving: model %q not found: %w", p.model, inference.ErrNotReady)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("tfserving: predict: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("tfserving: decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("tfserving: server error: %s", out.Error)
	}
	if len(out.Predictions) != 1 {
		return nil, fmt.Errorf("tfserving: expected 1 prediction, got %d", len(out.Predictions))
	}
	p.ready.Store(true)
	return out.Predictions[0], nil
}

type modelStatus struct {
	ModelVersionStatus []struct {
		State string `json:"state"`
	} `json:"model_version_status"`
}

// probe checks the model status endpoint for an AVAILABLE version.
func (p *Provider) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.modelURL(), nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status endpoint returned HTTP %d", resp.StatusCode)
	}

	var st modelStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	for _, v := range st.ModelVersionStatus {
		if v.State == "AVAILABLE" {
			return nil
		}
	}
	return errors.New("no AVAILABLE model version")
}

func (p *Provider) modelURL() string {
	u := p.baseURL + "/v1/models/" + url.PathEscape(p.model)
	if p.version != "" {
		u += "/versions/" + url.PathEscape(p.version)
	}
	return u
}

// nest reshapes flat row-major data into nested slices following shape and
// returns the nested value plus the number of elements consumed.
func nest(data []float32, shape []int64) (any, int) {
	if len(shape) == 0 {
		return data[0], 1
	}
	if len(shape) == 1 {
		n := int(shape[0])
		return data[:n], n
	}
	n := int(shape[0])
	out := make([]any, n)
	used := 0
	for i := range n {
		v, k := nest(data[used:], shape[1:])
		out[i] = v
		used += k
	}
	return out, used
}
