// Command estatevoice runs the Estate Buddy backend gateway: the token
// endpoints and the voice assistant the browser clients talk to.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/estatebuddy/estatevoice/internal/config"
	"github.com/estatebuddy/estatevoice/internal/crm"
	"github.com/estatebuddy/estatevoice/internal/gateway"
	"github.com/estatebuddy/estatevoice/internal/health"
	"github.com/estatebuddy/estatevoice/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "estatevoice: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "estatevoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("estatevoice starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx)
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sdCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── CRM store ─────────────────────────────────────────────────────────────
	if cfg.CRM.PostgresDSN == "" {
		slog.Error("crm.postgres_dsn is required; the assistant tools need the property and lead store")
		return 1
	}
	pool, err := crm.Connect(ctx, cfg.CRM.PostgresDSN)
	if err != nil {
		slog.Error("failed to connect to CRM database", "err", err)
		return 1
	}
	defer pool.Close()

	store := crm.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		slog.Error("failed to run CRM migrations", "err", err)
		return 1
	}
	slog.Info("CRM store ready")

	// ── Assistant ─────────────────────────────────────────────────────────────
	assistantOpts := []gateway.AssistantOption{gateway.WithAssistantMetrics(metrics)}
	if cfg.Providers.OpenAI.Model != "" {
		assistantOpts = append(assistantOpts, gateway.WithModel(cfg.Providers.OpenAI.Model))
	}
	if cfg.Voice.SystemPrompt != "" {
		assistantOpts = append(assistantOpts, gateway.WithSystemPrompt(cfg.Voice.SystemPrompt))
	}
	assistant := gateway.NewAssistant(cfg.Providers.OpenAI.APIKey, store, assistantOpts...)

	// ── Gateway server ────────────────────────────────────────────────────────
	minter := gateway.NewHeyGenMinter(cfg.Providers.HeyGen.APIKey)
	healthHandler := health.New(
		health.Database(pool),
		health.Endpoint("deepgram", "https://api.deepgram.com", nil),
		health.Endpoint("heygen", "https://api.heygen.com", nil),
	)

	serverOpts := []gateway.ServerOption{
		gateway.WithHealthHandler(healthHandler),
		gateway.WithMetricsHandler(promhttp.Handler()),
		gateway.WithMiddleware(observe.Middleware(metrics)),
		gateway.WithTelemetry(metrics),
	}
	if cfg.Server.TLS != nil {
		serverOpts = append(serverOpts, gateway.WithTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile))
	}

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	server := gateway.NewServer(addr, assistant, cfg.Providers.Deepgram.APIKey, minter, serverOpts...)

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(d config.ConfigDiff) {
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.RestartRequired {
			slog.Warn("config change requires a restart to take effect")
		}
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg, addr)
	slog.Info("server ready — press Ctrl+C to shut down")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.ListenAndServe(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, addr string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      Estate Buddy — startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("Assistant", orUnset(cfg.Providers.OpenAI.Model, "gpt-4o-mini"))
	printEntry("Transcription", orUnset(cfg.Providers.Deepgram.Model, "(default model)"))
	printEntry("Avatar", orUnset(cfg.Providers.HeyGen.AvatarID, "(default avatar)"))
	printEntry("CRM", "postgres")
	printEntry("Listen addr", addr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEntry(name, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", name, value)
}

func orUnset(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
