// Command lullaby is the main entry point for the lullaby baby-monitor server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/lullaby/internal/app"
	"github.com/MrWong99/lullaby/internal/classify"
	"github.com/MrWong99/lullaby/internal/config"
	"github.com/MrWong99/lullaby/internal/observe"
	"github.com/MrWong99/lullaby/pkg/provider/inference"
	"github.com/MrWong99/lullaby/pkg/provider/inference/onnx"
	"github.com/MrWong99/lullaby/pkg/provider/inference/tfserving"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload log level and alert thresholds when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lullaby: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lullaby: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("lullaby starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      cfg.Telemetry.ServiceName,
		ServiceVersion:   version,
		TraceSampleRatio: cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Inference backends ────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Pipeline)

	inf, err := app.NewInference(ctx, cfg.Inference, reg, observe.DefaultMetrics())
	if err != nil {
		slog.Error("failed to build inference backends", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, inf)

	application, err := app.New(ctx, cfg, inf, app.WithLogLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(ctx, *configPath, func(_, _ *config.Config, d config.ConfigDiff) {
			application.Reload(d)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	} else {
		slog.Info("shutdown signal received, stopping…")
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in inference factories into reg.
// The onnx input shape follows the pipeline's spectrogram geometry so a
// custom num_samples or frame size needs no extra model options.
func registerBuiltinProviders(reg *config.Registry, pc config.PipelineConfig) {
	labels := pc.Labels
	if len(labels) == 0 {
		labels = classify.DefaultLabels
	}

	reg.RegisterInference("onnx", func(_ context.Context, entry config.ProviderEntry) (inference.Inferencer, error) {
		frames, bins := classify.SpectrogramShape(
			orDefault(pc.NumSamples, classify.DefaultNumSamples),
			orDefault(pc.FrameLength, classify.DefaultFrameLength),
			orDefault(pc.FrameStep, classify.DefaultFrameStep),
		)
		return onnx.New(entry.Model,
			onnx.WithInputName(entry.StringOption("input_name")),
			onnx.WithOutputName(entry.StringOption("output_name")),
			onnx.WithInputShape(1, int64(frames), int64(bins), 1),
			onnx.WithOutputWidth(len(labels)),
		)
	})

	reg.RegisterInference("tfserving", func(ctx context.Context, entry config.ProviderEntry) (inference.Inferencer, error) {
		var opts []tfserving.Option
		if entry.Timeout > 0 {
			opts = append(opts, tfserving.WithTimeout(entry.Timeout))
		}
		if v := entry.StringOption("version"); v != "" {
			opts = append(opts, tfserving.WithVersion(v))
		}
		return tfserving.New(ctx, entry.BaseURL, entry.Model, opts...)
	})

	for _, name := range reg.InferenceNames() {
		slog.Debug("registered provider", "kind", "inference", "name", name)
	}
	if !onnx.Available() {
		slog.Debug("onnx backend compiled without native runtime, build with -tags onnx to enable it")
	}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, inf inference.Inferencer) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         lullaby · startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Inference", inf.Name())
	printRow("Primary", entryValue(cfg.Inference.Primary))
	for _, fb := range cfg.Inference.Fallbacks {
		printRow("Fallback", entryValue(fb))
	}
	if cfg.Storage.PostgresDSN != "" {
		printRow("Storage", "postgres")
	} else {
		printRow("Storage", "(in-memory)")
	}
	if cfg.Alerts.Discord.Token != "" {
		printRow("Discord", "channel "+cfg.Alerts.Discord.ChannelID)
	} else {
		printRow("Discord", "(disabled)")
	}
	if len(cfg.Server.AuthTokens) > 0 {
		printRow("Auth", fmt.Sprintf("%d token(s)", len(cfg.Server.AuthTokens)))
	} else {
		printRow("Auth", "(open)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func entryValue(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + " / " + e.Model
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
