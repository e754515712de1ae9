package config

import (
	"fmt"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AlertsChanged is true if the alert label set, confidence threshold or
	// cooldown changed. NewAlerts holds the new values.
	AlertsChanged bool
	NewAlerts     AlertsConfig

	// RestartRequired lists the top-level sections that changed in ways
	// that only take effect after a restart.
	RestartRequired []string
}

// IsEmpty reports whether nothing changed.
func (d ConfigDiff) IsEmpty() bool {
	return !d.LogLevelChanged && !d.AlertsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Alert thresholds
	oa, na := old.Alerts, new.Alerts
	if !slices.Equal(oa.Labels, na.Labels) || oa.MinConfidence != na.MinConfidence || oa.Cooldown != na.Cooldown {
		d.AlertsChanged = true
		d.NewAlerts = na
	}
	if oa.Discord != na.Discord {
		d.RestartRequired = append(d.RestartRequired, "alerts.discord")
	}

	// Everything else needs a restart.
	if !serverEqual(old.Server, new.Server) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !pipelineEqual(old.Pipeline, new.Pipeline) {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}
	if !inferenceEqual(old.Inference, new.Inference) {
		d.RestartRequired = append(d.RestartRequired, "inference")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

func serverEqual(a, b ServerConfig) bool {
	tlsEqual := (a.TLS == nil) == (b.TLS == nil) && (a.TLS == nil || *a.TLS == *b.TLS)
	// LogLevel is hot-reloadable and not compared.
	return a.ListenAddr == b.ListenAddr &&
		tlsEqual &&
		slices.Equal(a.AllowedOrigins, b.AllowedOrigins) &&
		slices.Equal(a.AuthTokens, b.AuthTokens) &&
		a.MaxMessageBytes == b.MaxMessageBytes
}

func pipelineEqual(a, b PipelineConfig) bool {
	return slices.Equal(a.Labels, b.Labels) &&
		a.SampleRate == b.SampleRate &&
		a.NumSamples == b.NumSamples &&
		a.FrameLength == b.FrameLength &&
		a.FrameStep == b.FrameStep &&
		a.Workers == b.Workers &&
		a.QueueDepth == b.QueueDepth &&
		a.FFmpegPath == b.FFmpegPath &&
		a.DecodeTimeout == b.DecodeTimeout
}

func inferenceEqual(a, b InferenceConfig) bool {
	return a.CircuitBreaker == b.CircuitBreaker &&
		providerEqual(a.Primary, b.Primary) &&
		slices.EqualFunc(a.Fallbacks, b.Fallbacks, providerEqual)
}

// providerEqual compares options by their printed form; YAML only produces
// scalars, slices and maps.
func providerEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.BaseURL != b.BaseURL || a.Model != b.Model || a.Timeout != b.Timeout {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		w, ok := b.Options[k]
		if !ok || fmt.Sprint(v) != fmt.Sprint(w) {
			return false
		}
	}
	return true
}
