package classify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/lullaby/internal/observe"
	"github.com/MrWong99/lullaby/pkg/audio/decode"
)

// Defaults match the input the bundled model was trained on: one second of
// 16 kHz audio, STFT frame 255 with hop 128 (124 frames × 129 bins).
const (
	DefaultSampleRate    = 16000
	DefaultNumSamples    = 16000
	DefaultFrameLength   = 255
	DefaultFrameStep     = 128
	DefaultDecodeTimeout = 10 * time.Second
)

// ChunkDecoder converts an encoded chunk to at most maxSamples samples at
// rate. [*decode.Chain] is the production implementation.
type ChunkDecoder interface {
	Decode(ctx context.Context, data []byte, rate, maxSamples int) (decode.Result, error)
	Names() []string
}

// Config holds the pipeline's numeric parameters. Zero fields take the
// Default* values.
type Config struct {
	SampleRate    int
	NumSamples    int
	FrameLength   int
	FrameStep     int
	DecodeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.NumSamples <= 0 {
		c.NumSamples = DefaultNumSamples
	}
	if c.FrameLength <= 0 {
		c.FrameLength = DefaultFrameLength
	}
	if c.FrameStep <= 0 {
		c.FrameStep = DefaultFrameStep
	}
	if c.DecodeTimeout <= 0 {
		c.DecodeTimeout = DefaultDecodeTimeout
	}
	return c
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithConfig overrides the numeric parameters.
func WithConfig(c Config) Option {
	return func(p *Pipeline) { p.cfg = c.withDefaults() }
}

// Pipeline runs decode → normalise → spectrogram → classify for one chunk.
// It holds no per-call state and is safe for concurrent use.
type Pipeline struct {
	decoder    ChunkDecoder
	classifier *Classifier
	cfg        Config
	metrics    *observe.Metrics
}

// NewPipeline wires a decoder chain to a classifier.
func NewPipeline(dec ChunkDecoder, c *Classifier, opts ...Option) (*Pipeline, error) {
	if dec == nil {
		return nil, errors.New("classify: decoder is required")
	}
	if c == nil {
		return nil, errors.New("classify: classifier is required")
	}
	p := &Pipeline{
		decoder:    dec,
		classifier: c,
		cfg:        Config{}.withDefaults(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if frames, _ := SpectrogramShape(p.cfg.NumSamples, p.cfg.FrameLength, p.cfg.FrameStep); frames == 0 {
		return nil, fmt.Errorf("classify: %d samples do not fill one %d-sample frame", p.cfg.NumSamples, p.cfg.FrameLength)
	}
	return p, nil
}

// Info describes the loaded model for health and API surfaces.
type Info struct {
	Ready      bool     `json:"ready"`
	Backend    string   `json:"backend"`
	Labels     []string `json:"class_names"`
	SampleRate int      `json:"sample_rate"`
	NumSamples int      `json:"num_samples"`
	InputShape []int64  `json:"input_shape"`
	Decoders   []string `json:"decoders"`
}

// Info returns the current model description.
func (p *Pipeline) Info() Info {
	frames, bins := SpectrogramShape(p.cfg.NumSamples, p.cfg.FrameLength, p.cfg.FrameStep)
	return Info{
		Ready:      p.classifier.Ready(),
		Backend:    p.classifier.Backend(),
		Labels:     p.classifier.Labels(),
		SampleRate: p.cfg.SampleRate,
		NumSamples: p.cfg.NumSamples,
		InputShape: []int64{1, int64(frames), int64(bins), 1},
		Decoders:   p.decoder.Names(),
	}
}

// Ready reports whether the classifier can serve requests.
func (p *Pipeline) Ready() bool { return p.classifier.Ready() }

// Labels returns the label set in model output order.
func (p *Pipeline) Labels() []string { return p.classifier.Labels() }

// Classify processes one encoded chunk. It returns either a Result or a
// [*Error], never both.
func (p *Pipeline) Classify(ctx context.Context, chunk []byte) (res Result, err error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "classify.pipeline",
		trace.WithAttributes(attribute.Int("chunk_size", len(chunk))),
	)
	defer func() {
		p.metrics.PipelineDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.metrics.RecordClassificationError(ctx, KindName(err))
		} else {
			span.SetAttributes(attribute.String("label", res.Label))
			p.metrics.RecordClassification(ctx, res.Label)
		}
		span.End()
	}()

	if len(chunk) == 0 {
		return Result{}, newError(ErrDecodeFailure, errors.New("empty audio chunk"))
	}

	decodeCtx, cancel := context.WithTimeout(ctx, p.cfg.DecodeTimeout)
	decoded, derr := p.decoder.Decode(decodeCtx, chunk, p.cfg.SampleRate, p.cfg.NumSamples)
	cancel()
	if derr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, newError(ErrDecodeFailure, ctxErr)
		}
		return Result{}, newError(ErrDecodeFailure, derr)
	}
	p.metrics.RecordDecodeTier(ctx, decoded.Decoder)

	samples := Normalize(decoded.Waveform.Samples, p.cfg.NumSamples)
	sg, serr := Spectrogram(samples, p.cfg.FrameLength, p.cfg.FrameStep)
	if serr != nil {
		return Result{}, newError(ErrInferenceFailure, serr)
	}

	inferStart := time.Now()
	res, err = p.classifier.Classify(ctx, sg)
	p.metrics.InferenceDuration.Record(ctx, time.Since(inferStart).Seconds(),
		metric.WithAttributes(attribute.String("backend", p.classifier.Backend())),
	)
	if err != nil {
		return Result{}, err
	}
	res.Decoder = decoded.Decoder
	return res, nil
}
