package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the inference backends that ship with lullaby.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"onnx", "tfserving"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_message_bytes %d must not be negative", cfg.Server.MaxMessageBytes))
	}
	for i, tok := range cfg.Server.AuthTokens {
		if tok == "" {
			errs = append(errs, fmt.Errorf("server.auth_tokens[%d] is empty", i))
		}
	}

	// Pipeline
	p := cfg.Pipeline
	for name, v := range map[string]int{
		"sample_rate":  p.SampleRate,
		"num_samples":  p.NumSamples,
		"frame_length": p.FrameLength,
		"frame_step":   p.FrameStep,
		"workers":      p.Workers,
		"queue_depth":  p.QueueDepth,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s %d must not be negative", name, v))
		}
	}
	if p.NumSamples > 0 && p.FrameLength > 0 && p.NumSamples < p.FrameLength {
		errs = append(errs, fmt.Errorf("pipeline.num_samples %d is shorter than frame_length %d", p.NumSamples, p.FrameLength))
	}
	if p.DecodeTimeout < 0 {
		errs = append(errs, errors.New("pipeline.decode_timeout must not be negative"))
	}
	errs = append(errs, validateLabels("pipeline.labels", p.Labels)...)

	// Inference
	if cfg.Inference.Primary.Name == "" {
		errs = append(errs, errors.New("inference.primary.name is required"))
	}
	errs = append(errs, validateProvider("inference.primary", cfg.Inference.Primary)...)
	for i, fb := range cfg.Inference.Fallbacks {
		prefix := fmt.Sprintf("inference.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		errs = append(errs, validateProvider(prefix, fb)...)
	}
	cb := cfg.Inference.CircuitBreaker
	if cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("inference.circuit_breaker values must not be negative"))
	}

	// Alerts
	a := cfg.Alerts
	if a.MinConfidence < 0 || a.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("alerts.min_confidence %.2f is out of range [0, 1]", a.MinConfidence))
	}
	if a.Cooldown < 0 {
		errs = append(errs, errors.New("alerts.cooldown must not be negative"))
	}
	if a.Discord.Token != "" && a.Discord.ChannelID == "" {
		errs = append(errs, errors.New("alerts.discord.channel_id is required when alerts.discord.token is set"))
	}
	errs = append(errs, validateLabels("alerts.labels", a.Labels)...)
	if len(a.Labels) > 0 && len(p.Labels) > 0 {
		for _, l := range a.Labels {
			if !slices.Contains(p.Labels, l) {
				slog.Warn("alert label is not produced by the model; it will never fire",
					"label", l,
					"did_you_mean", Suggest(l, p.Labels),
				)
			}
		}
	}

	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	// Storage availability
	if cfg.Storage.PostgresDSN == "" {
		slog.Debug("storage.postgres_dsn is empty; recordings and detections are kept in memory")
	}

	return errors.Join(errs...)
}

// validateProvider checks one inference backend entry.
func validateProvider(prefix string, e ProviderEntry) []error {
	var errs []error
	validateProviderName(e.Name)
	switch e.Name {
	case "onnx":
		if e.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model (path to the .onnx file) is required for onnx", prefix))
		}
	case "tfserving":
		if e.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for tfserving", prefix))
		} else if _, err := url.ParseRequestURI(e.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("%s.base_url %q is not a valid URL", prefix, e.BaseURL))
		}
		if e.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required for tfserving", prefix))
		}
	}
	if e.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout must not be negative", prefix))
	}
	return errs
}

// validateLabels rejects empty and duplicate labels.
func validateLabels(field string, labels []string) []error {
	var errs []error
	seen := make(map[string]int, len(labels))
	for i, l := range labels {
		if l == "" {
			errs = append(errs, fmt.Errorf("%s[%d] is empty", field, i))
			continue
		}
		if prev, ok := seen[l]; ok {
			errs = append(errs, fmt.Errorf("%s[%d] %q is a duplicate of %s[%d]", field, i, l, field, prev))
		}
		seen[l] = i
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown inference provider name, may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
		"did_you_mean", Suggest(name, ValidProviderNames),
	)
}

// suggestThreshold is the minimum Jaro-Winkler similarity for [Suggest].
const suggestThreshold = 0.8

// Suggest returns the candidate closest to s by Jaro-Winkler similarity, or
// "" when none scores at least 0.8. Comparison is case-insensitive.
func Suggest(s string, candidates []string) string {
	best, bestScore := "", suggestThreshold
	for _, c := range candidates {
		if score := matchr.JaroWinkler(strings.ToLower(s), strings.ToLower(c), false); score >= bestScore {
			best, bestScore = c, score
		}
	}
	return best
}
