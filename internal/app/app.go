// Package app wires all lullaby subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithNotifier, WithDecoder, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lullaby/internal/alert"
	"github.com/MrWong99/lullaby/internal/api"
	"github.com/MrWong99/lullaby/internal/auth"
	"github.com/MrWong99/lullaby/internal/classify"
	"github.com/MrWong99/lullaby/internal/config"
	"github.com/MrWong99/lullaby/internal/health"
	"github.com/MrWong99/lullaby/internal/monitor"
	"github.com/MrWong99/lullaby/internal/observe"
	"github.com/MrWong99/lullaby/internal/resilience"
	"github.com/MrWong99/lullaby/pkg/audio/decode"
	"github.com/MrWong99/lullaby/pkg/provider/inference"
	"github.com/MrWong99/lullaby/pkg/store"
	"github.com/MrWong99/lullaby/pkg/store/memstore"
	"github.com/MrWong99/lullaby/pkg/store/postgres"
)

const (
	defaultListenAddr = ":8080"
	readHeaderTimeout = 10 * time.Second
)

// closer is a named teardown step run by Shutdown.
type closer struct {
	name string
	fn   func() error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	inferencer inference.Inferencer

	// Subsystems, initialised in New and torn down in Shutdown.
	store    store.Store
	decoder  classify.ChunkDecoder
	pipeline *classify.Pipeline
	notifier alert.Notifier
	gate     *alert.Gate
	monitor  *monitor.Monitor
	ws       *monitor.Server
	metrics  *observe.Metrics
	logLevel *slog.LevelVar
	handler  http.Handler
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []closer

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of creating one from config. The App
// still closes it on Shutdown.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithDecoder replaces the default decoder chain.
func WithDecoder(d classify.ChunkDecoder) Option {
	return func(a *App) { a.decoder = d }
}

// WithNotifier injects the alert sink instead of creating a Discord client.
// The alert gate still wraps it.
func WithNotifier(n alert.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets [App.Reload] adjust the process log level.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. inf comes from
// main.go, usually built with [NewInference]; the App takes ownership of it
// and closes it on Shutdown.
func New(ctx context.Context, cfg *config.Config, inf inference.Inferencer, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if inf == nil {
		return nil, errors.New("app: inferencer is required")
	}
	a := &App{cfg: cfg, inferencer: inf}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.closers = append(a.closers, closer{"inference", inf.Close})

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Classification pipeline ───────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 3. Alerts ────────────────────────────────────────────────────────
	if err := a.initAlerts(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init alerts: %w", err)
	}

	// ── 4. Monitor engine ────────────────────────────────────────────────
	monOpts := []monitor.Option{
		monitor.WithConfig(monitor.Config{
			Workers:    cfg.Pipeline.Workers,
			QueueDepth: cfg.Pipeline.QueueDepth,
		}),
		monitor.WithStore(a.store),
		monitor.WithMetrics(a.metrics),
	}
	if a.gate != nil {
		monOpts = append(monOpts, monitor.WithNotifier(a.gate))
	}
	a.monitor = monitor.New(a.pipeline, monOpts...)

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	slog.Info("app initialised",
		"backend", inf.Name(),
		"labels", a.pipeline.Labels(),
		"decoders", a.decoder.Names(),
		"alerts", a.gate != nil,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to PostgreSQL when a DSN is configured and falls back
// to the in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		dsn := a.cfg.Storage.PostgresDSN
		if dsn == "" {
			slog.Warn("storage.postgres_dsn not set, detections are kept in memory only")
			a.store = memstore.New()
		} else {
			st, err := postgres.NewStore(ctx, dsn, len(a.labels()))
			if err != nil {
				return err
			}
			a.store = st
		}
	}
	a.closers = append(a.closers, closer{"store", a.store.Close})
	return nil
}

func (a *App) labels() []string {
	if len(a.cfg.Pipeline.Labels) > 0 {
		return a.cfg.Pipeline.Labels
	}
	return classify.DefaultLabels
}

func (a *App) initPipeline() error {
	c, err := classify.NewClassifier(a.inferencer, a.labels())
	if err != nil {
		return err
	}
	if a.decoder == nil {
		a.decoder = decode.Default(a.cfg.Pipeline.FFmpegPath)
	}
	pc := a.cfg.Pipeline
	a.pipeline, err = classify.NewPipeline(a.decoder, c,
		classify.WithMetrics(a.metrics),
		classify.WithConfig(classify.Config{
			SampleRate:    pc.SampleRate,
			NumSamples:    pc.NumSamples,
			FrameLength:   pc.FrameLength,
			FrameStep:     pc.FrameStep,
			DecodeTimeout: pc.DecodeTimeout,
		}),
	)
	return err
}

// initAlerts builds the Discord notifier when a bot token is configured and
// wraps whichever sink is present in the threshold gate. Without a sink no
// gate is created and alerting is off.
func (a *App) initAlerts() error {
	if a.notifier == nil && a.cfg.Alerts.Discord.Token != "" {
		d, err := alert.NewDiscord(alert.DiscordConfig{
			Token:     a.cfg.Alerts.Discord.Token,
			ChannelID: a.cfg.Alerts.Discord.ChannelID,
		})
		if err != nil {
			return err
		}
		a.notifier = d
		a.closers = append(a.closers, closer{"discord", d.Close})
	}
	if a.notifier == nil {
		return nil
	}
	a.gate = alert.NewGate(a.notifier, gateConfig(a.cfg.Alerts), alert.WithMetrics(a.metrics))
	return nil
}

func gateConfig(c config.AlertsConfig) alert.GateConfig {
	return alert.GateConfig{
		Labels:        c.Labels,
		MinConfidence: c.MinConfidence,
		Cooldown:      c.Cooldown,
	}
}

// initHTTP mounts the websocket endpoint, REST API, probes and metrics on
// one mux behind the metrics middleware.
func (a *App) initHTTP() {
	sc := a.cfg.Server
	authz := auth.Authorizer(auth.AllowAll)
	if len(sc.AuthTokens) > 0 {
		authz = auth.NewStaticTokens(sc.AuthTokens)
	}

	a.ws = monitor.NewServer(a.monitor, monitor.ServerConfig{
		OriginPatterns:  sc.AllowedOrigins,
		MaxMessageBytes: sc.MaxMessageBytes,
		Authorizer:      authz,
	})

	mux := http.NewServeMux()
	mux.Handle("GET /ws/{subjectID}", a.ws)
	api.New(a.pipeline, a.monitor,
		api.WithStore(a.store),
		api.WithAuthorizer(authz),
	).Register(mux)
	health.New(
		health.Ready("classifier", a.pipeline.Ready),
		health.Ping("store", a.store),
		health.Degraded("store_writes", a.monitor.StoreDegraded),
	).Describe("model", func() any { return a.pipeline.Info() }).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())

	a.handler = observe.Middleware(a.metrics)(mux)

	addr := sc.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// ─── Inference ───────────────────────────────────────────────────────────────

// NewInference builds every configured backend through reg and groups them
// behind per-backend circuit breakers, primary first. A backend that fails
// to construct is skipped with a warning as long as at least one succeeds.
func NewInference(ctx context.Context, cfg config.InferenceConfig, reg *config.Registry, m *observe.Metrics) (inference.Inferencer, error) {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	entries := append([]config.ProviderEntry{cfg.Primary}, cfg.Fallbacks...)

	var backends []inference.Inferencer
	var errs []error
	for i, e := range entries {
		inf, err := reg.CreateInference(ctx, e)
		if err != nil {
			slog.Warn("inference backend unavailable", "index", i, "name", e.Name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", e.Name, err))
			continue
		}
		backends = append(backends, inf)
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("app: no inference backend could be created: %w", errors.Join(errs...))
	}

	cb := cfg.CircuitBreaker
	group := resilience.NewInferenceFallback(backends[0], resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
			HalfOpenMax:  cb.HalfOpenMax,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("inference circuit breaker", "backend", name, "from", from, "to", to)
			},
		},
		OnFailure: func(name string, _ error) {
			m.RecordProviderError(context.Background(), name)
		},
	})
	for _, b := range backends[1:] {
		group.AddFallback(b)
	}
	return group, nil
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Monitor returns the session engine.
func (a *App) Monitor() *monitor.Monitor { return a.monitor }

// Gate returns the alert gate, or nil when alerting is off.
func (a *App) Gate() *alert.Gate { return a.gate }

// Reload applies the hot-reloadable parts of a config change: the log level
// and the alert thresholds. Other changes need a restart.
func (a *App) Reload(d config.ConfigDiff) {
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AlertsChanged && a.gate != nil {
		a.gate.Update(gateConfig(d.NewAlerts))
		slog.Info("alert thresholds updated",
			"labels", d.NewAlerts.Labels,
			"min_confidence", d.NewAlerts.MinConfidence,
			"cooldown", d.NewAlerts.Cooldown,
		)
	}
}

// Run serves HTTP until ctx is cancelled or the listener fails. It returns
// ctx.Err() on cancellation; call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.server.ListenAndServe()
	}()
	slog.Info("app running", "addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown stops accepting connections, ends live websocket sessions,
// drains the monitor and closes backends and the store. It is safe to call
// more than once; later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		var errs []error

		// Hijacked websocket connections are not tracked by http.Server, so
		// the two stop independently.
		var g errgroup.Group
		g.Go(func() error { return a.server.Shutdown(ctx) })
		g.Go(func() error { return a.ws.Close(ctx) })
		if err := g.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}

		if err := a.monitor.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("monitor: %w", err))
		}
		if err := a.closeAll(); err != nil {
			errs = append(errs, err)
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

// closeAll runs the closers in registration order and joins their errors.
func (a *App) closeAll() error {
	var errs []error
	for _, c := range a.closers {
		if err := c.fn(); err != nil {
			slog.Warn("close failed", "component", c.name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
