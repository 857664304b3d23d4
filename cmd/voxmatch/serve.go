package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxmatch/internal/config"
	"github.com/MrWong99/voxmatch/internal/convert"
	"github.com/MrWong99/voxmatch/internal/health"
	"github.com/MrWong99/voxmatch/internal/jobs"
	"github.com/MrWong99/voxmatch/internal/observe"
	"github.com/MrWong99/voxmatch/internal/server"
)

const (
	shutdownTimeout = 15 * time.Second
	sweepInterval   = time.Minute
)

func runServe(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("serve", stderr)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	if _, err := parseFlags(fs, args); err != nil {
		return err
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(levelFor(cfg.Server.LogLevel))
	logger := newLogger(stderr, level)
	slog.SetDefault(logger)

	slog.Info("voxmatch starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.Addr(),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxmatch",
		ServiceVersion: version,
		Defaults:       cfg.Params().Geometry(),
		JobStore:       storeKind(cfg.Jobs),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	ttsChain, err := buildTTS(cfg, reg, metrics)
	if err != nil {
		return err
	}

	// ── Job store ─────────────────────────────────────────────────────────────
	store, closeStore, err := openStore(ctx, cfg.Jobs)
	if err != nil {
		return err
	}
	defer closeStore()

	conv := convert.NewConverter(
		convert.WithMaxConcurrent(cfg.Conversion.MaxConcurrent),
		convert.WithConverterMetrics(metrics),
		convert.WithConverterLogger(logger),
	)
	jobOpts := []jobs.Option{
		jobs.WithRetention(cfg.Jobs.RetentionOrDefault()),
		jobs.WithFingerprintBins(cfg.Jobs.Bins()),
		jobs.WithLogger(logger),
	}
	checks := []health.Checker{{Name: "store", Check: store.Ping}}
	srvOpts := []server.Option{
		server.WithMetrics(metrics),
		server.WithLogger(logger),
		server.WithMaxUploadBytes(cfg.Server.MaxUploadBytes()),
	}
	if ttsChain != nil {
		jobOpts = append(jobOpts, jobs.WithTTS(ttsChain))
		checks = append(checks, health.Checker{Name: "tts", Check: ttsChain.Check})
		srvOpts = append(srvOpts, server.WithVoices(ttsChain))
	}
	manager := jobs.NewManager(conv, store, jobOpts...)
	defer manager.Close()
	go manager.RunSweeper(ctx, sweepInterval)

	hc := health.New(checks...)
	srv := server.New(manager, settingsFrom(cfg), append(srvOpts, server.WithHealth(hc))...)

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(old, new, level, srv)
	})
	if err != nil {
		return err
	}
	defer watcher.Stop()

	printStartupSummary(stdout, cfg, ttsChain != nil)

	// ── Serve until signalled, then drain ─────────────────────────────────────
	var certFile, keyFile string
	if tls := cfg.Server.TLS; tls != nil {
		certFile, keyFile = tls.CertFile, tls.KeyFile
	}
	err = srv.ListenAndServe(ctx, cfg.Server.Addr(), certFile, keyFile, shutdownTimeout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http server: %w", err)
	}
	slog.Info("shutdown signal received, stopping running conversions")
	return nil
}

// openStore returns the PostgreSQL store when a DSN is configured and the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg config.JobsConfig) (jobs.Store, func(), error) {
	if cfg.PostgresDSN == "" {
		slog.Info("job history kept in memory")
		return jobs.NewMemoryStore(), func() {}, nil
	}
	pg, err := jobs.NewPostgresStore(ctx, cfg.PostgresDSN, cfg.Bins())
	if err != nil {
		return nil, nil, fmt.Errorf("open job store: %w", err)
	}
	slog.Info("job history kept in postgres", "fingerprint_bins", cfg.Bins())
	return pg, pg.Close, nil
}

// storeKind names the job history backend selected by cfg.
func storeKind(cfg config.JobsConfig) string {
	if cfg.PostgresDSN != "" {
		return "postgres"
	}
	return "memory"
}

// settingsFrom extracts the request defaults from cfg.
func settingsFrom(cfg *config.Config) server.Settings {
	return server.Settings{
		Params:  cfg.Params(),
		Denoise: cfg.DenoiseOptions(),
		Voice:   defaultVoice(cfg),
	}
}

// applyReload pushes the hot-reloadable parts of new into the running
// service and warns about the rest.
func applyReload(old, new *config.Config, level *slog.LevelVar, srv *server.Server) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		level.Set(levelFor(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ConversionChanged || d.PitchChanged || d.DenoiseChanged {
		srv.SetSettings(settingsFrom(new))
		slog.Info("conversion defaults reloaded",
			"conversion", d.ConversionChanged, "pitch", d.PitchChanged, "denoise", d.DenoiseChanged)
	}
	if d.RequiresRestart() {
		slog.Warn("config change needs a restart to take effect",
			"providers", d.ProvidersChanged, "jobs", d.JobsChanged)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config, ttsReady bool) {
	p := cfg.Params()
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        voxmatch — startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Listen addr", cfg.Server.Addr())
	printRow(w, "LPC", fmt.Sprintf("p=%d %d/%d", p.LPCOrder, p.FrameLength, p.HopLength))
	printRow(w, "Pitch corr.", fmt.Sprintf("%t", p.PitchCorrection))
	denoiseMethod := string(cfg.Denoise.Method)
	if denoiseMethod == "" {
		denoiseMethod = "(off)"
	}
	printRow(w, "Denoise", denoiseMethod)
	tts := "(not configured)"
	if ttsReady {
		tts = cfg.Providers.TTS.Name
		if n := len(cfg.Providers.TTSFallbacks); n > 0 {
			tts = fmt.Sprintf("%s +%d", tts, n)
		}
	}
	printRow(w, "TTS", tts)
	printRow(w, "Job store", storeKind(cfg.Jobs))
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, key, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", key, value)
}
