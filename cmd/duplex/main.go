// Command duplex runs the realtime voice assistant: it captures the
// microphone, streams it to a realtime model over a WebSocket, and plays the
// spoken answers back, taking turns with the user.
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

	"github.com/MrWong99/duplex/internal/app"
	"github.com/MrWong99/duplex/internal/config"
	"github.com/MrWong99/duplex/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	connect := flag.Bool("connect", true, "connect to the realtime endpoint on startup")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "duplex: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "duplex: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levels := new(slog.LevelVar)
	levels.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(observe.NewTraceHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levels}),
	)))

	slog.Info("duplex starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Device registry ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerDevices(reg)
	for _, name := range reg.Devices() {
		slog.Debug("registered audio device", "name", name)
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg,
		app.WithDeviceRegistry(reg),
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithMetricsHandler(provider.MetricsHandler()),
		app.WithLevelVar(levels),
		app.WithAutoConnect(*connect),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
		application.ApplyConfig(cfg, watcher.Current())
	}

	slog.Info("assistant ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		shutdown(application)
		return 1
	}

	slog.Info("shutdown signal received, stopping…")
	if err := shutdown(application); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// shutdown stops the application within a 15 s grace period.
func shutdown(a *app.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return a.Shutdown(ctx)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         duplex · startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Model", cfg.Realtime.Model)
	printRow("Voice", cfg.Session.Voice)
	printRow("Audio device", cfg.Audio.Device)
	printRow("Wire format", string(cfg.Session.InputAudioFormat)+" / "+string(cfg.Session.OutputAudioFormat))
	printRow("Builtin tools", fmt.Sprint(len(cfg.Tools.Builtin)))
	printRow("MCP servers", fmt.Sprint(len(cfg.Tools.MCPServers)))
	if cfg.Log.PostgresDSN != "" {
		printRow("Conv. store", "postgres")
	} else {
		printRow("Conv. store", "(memory only)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-13s   : %-19s ║\n", label, value)
}
