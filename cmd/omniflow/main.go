// Command omniflow is the main entry point for the OmniFlow outbound voice
// agent.
//
// Usage:
//
//	omniflow [-config config.yaml] [serve]    run the control API (default)
//	omniflow [-config config.yaml] dial <n>   place one call from the terminal
//	omniflow [-config config.yaml] guide      play the spoken platform guide
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

	"github.com/MrWong99/omniflow/internal/app"
	"github.com/MrWong99/omniflow/internal/config"
	"github.com/MrWong99/omniflow/internal/dialer"
	"github.com/MrWong99/omniflow/internal/observe"
	"github.com/MrWong99/omniflow/internal/resilience"
	"github.com/MrWong99/omniflow/pkg/audio/portaudio"
	"github.com/MrWong99/omniflow/pkg/provider/llm"
	geminillm "github.com/MrWong99/omniflow/pkg/provider/llm/gemini"
	"github.com/MrWong99/omniflow/pkg/provider/s2s"
	geminilive "github.com/MrWong99/omniflow/pkg/provider/s2s/gemini"
	"github.com/MrWong99/omniflow/pkg/provider/tts"
	geminitts "github.com/MrWong99/omniflow/pkg/provider/tts/gemini"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file loaded before the config")
	noReload := flag.Bool("no-reload", false, "disable config hot reload")
	flag.Parse()

	cmd, args := "serve", flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "omniflow: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "omniflow: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "omniflow: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("omniflow starting",
		"version", version,
		"command", cmd,
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "omniflow",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	mic := portaudio.NewMicrophone(
		portaudio.WithSampleRate(cfg.Audio.CaptureRate),
		portaudio.WithFramesPerBuffer(cfg.Audio.FramesPerBuffer),
	)
	speaker := portaudio.NewSpeaker(cfg.Audio.PlaybackRate, cfg.Audio.FramesPerBuffer)
	defer func() {
		if err := speaker.Close(); err != nil {
			slog.Warn("speaker close error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithMicrophone(mic),
		app.WithOutput(speaker),
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithLogLevel(level),
	}
	if cmd == "serve" && !*noReload {
		opts = append(opts, app.WithConfigPath(*configPath))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	code := 0
	switch cmd {
	case "serve":
		slog.Info("server ready; press Ctrl+C to shut down", "listen_addr", cfg.Server.ListenAddr)
		if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("run error", "err", err)
			code = 1
		}
	case "dial":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "usage: omniflow dial <target>")
			code = 2
			break
		}
		code = dial(ctx, application.Dialer(), args[0])
	case "guide":
		code = playGuide(ctx, application)
	default:
		fmt.Fprintf(os.Stderr, "omniflow: unknown command %q (want serve, dial or guide)\n", cmd)
		code = 2
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Commands ──────────────────────────────────────────────────────────────────

// dial places one call and prints the transcript until the call ends or the
// user presses Ctrl+C.
func dial(ctx context.Context, d *dialer.Manager, target string) int {
	ended := make(chan struct{}, 1)
	d.OnTranscript(func(l dialer.Line) {
		fmt.Println(l.String())
	})
	d.OnStatusChange(func(from, to dialer.Status) {
		if from == dialer.StatusTerminating && to == dialer.StatusIdle {
			select {
			case ended <- struct{}{}:
			default:
			}
		}
	})

	if err := d.Start(ctx, target); err != nil {
		if errors.Is(err, dialer.ErrSessionCancelled) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "omniflow: call failed: %v\n", err)
		return 1
	}

	select {
	case <-ctx.Done():
		d.Stop()
	case <-ended:
	}
	if err := d.LastError(); err != nil {
		fmt.Fprintf(os.Stderr, "omniflow: call ended with error: %v\n", err)
		return 1
	}
	return 0
}

// playGuide plays the voice guide and waits for it to finish.
func playGuide(ctx context.Context, application *app.App) int {
	g := application.Guide()
	if g == nil {
		fmt.Fprintln(os.Stderr, "omniflow: voice guide needs providers.tts to be configured")
		return 1
	}
	d, err := g.Play(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "omniflow: %v\n", err)
		return 1
	}
	select {
	case <-ctx.Done():
		g.Stop()
	case <-time.After(d):
	}
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with OmniFlow. Used for startup logging.
var builtinProviders = map[string][]string{
	"s2s": {"gemini-live"},
	"tts": {"gemini"},
	"llm": {"gemini"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// ctx bounds client construction for providers that dial eagerly.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	// ── S2S ───────────────────────────────────────────────────────────────────

	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("gemini", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []geminitts.Option
		if entry.Model != "" {
			opts = append(opts, geminitts.WithModel(entry.Model))
		}
		if voice := entry.OptionString("voice", ""); voice != "" {
			opts = append(opts, geminitts.WithVoice(voice))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminitts.WithBaseURL(entry.BaseURL))
		}
		return geminitts.New(ctx, entry.APIKey, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("gemini", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []geminillm.Option
		if entry.Model != "" {
			opts = append(opts, geminillm.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminillm.WithBaseURL(entry.BaseURL))
		}
		return geminillm.New(ctx, entry.APIKey, opts...)
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
// A provider that declares fallbacks is wrapped in a circuit-breaking failover
// group.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	breaker := resilience.BreakerConfig{
		Threshold: cfg.Providers.Failover.Threshold,
		Cooldown:  cfg.Providers.Failover.Cooldown,
	}

	if entry := cfg.Providers.S2S; entry.Name != "" {
		p, ok, err := createProvider("s2s", entry, reg.CreateS2S)
		if err != nil {
			return nil, err
		}
		if ok && len(entry.Fallbacks) > 0 {
			group := resilience.NewS2S(entry.Name, p, breaker)
			for i, fb := range entry.Fallbacks {
				bp, ok, err := createProvider("s2s", fb, reg.CreateS2S)
				if err != nil {
					return nil, err
				}
				if ok {
					group.AddFallback(fallbackLabel(fb.Name, i), bp)
				}
			}
			p = group
		}
		if ok {
			ps.S2S = p
		}
	}

	if entry := cfg.Providers.TTS; entry.Name != "" {
		p, ok, err := createProvider("tts", entry, reg.CreateTTS)
		if err != nil {
			return nil, err
		}
		if ok && len(entry.Fallbacks) > 0 {
			group := resilience.NewTTS(entry.Name, p, breaker)
			for i, fb := range entry.Fallbacks {
				bp, ok, err := createProvider("tts", fb, reg.CreateTTS)
				if err != nil {
					return nil, err
				}
				if ok {
					group.AddFallback(fallbackLabel(fb.Name, i), bp)
				}
			}
			p = group
		}
		if ok {
			ps.TTS = p
		}
	}

	if entry := cfg.Providers.LLM; entry.Name != "" {
		p, ok, err := createProvider("llm", entry, reg.CreateLLM)
		if err != nil {
			return nil, err
		}
		if ok && len(entry.Fallbacks) > 0 {
			group := resilience.NewLLM(entry.Name, p, breaker)
			for i, fb := range entry.Fallbacks {
				bp, ok, err := createProvider("llm", fb, reg.CreateLLM)
				if err != nil {
					return nil, err
				}
				if ok {
					group.AddFallback(fallbackLabel(fb.Name, i), bp)
				}
			}
			p = group
		}
		if ok {
			ps.LLM = p
		}
	}

	return ps, nil
}

// createProvider builds one provider through create. An unregistered name is
// logged and reported as not ok rather than as an error.
func createProvider[T any](kind string, entry config.ProviderEntry, create func(config.ProviderEntry) (T, error)) (T, bool, error) {
	p, err := create(entry)
	switch {
	case errors.Is(err, config.ErrProviderNotRegistered):
		slog.Warn("unknown provider; skipping", "kind", kind, "name", entry.Name)
		return p, false, nil
	case err != nil:
		return p, false, fmt.Errorf("create %s provider %q: %w", kind, entry.Name, err)
	}
	slog.Info("provider created", "kind", kind, "name", entry.Name, "fallbacks", len(entry.Fallbacks))
	return p, true, nil
}

func fallbackLabel(name string, i int) string {
	return fmt.Sprintf("%s#%d", name, i+1)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         OmniFlow: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("S2S", cfg.Providers.S2S.Name, cfg.Providers.S2S.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	fmt.Printf("║  Agent voice     : %-19s ║\n", cfg.Dialer.Voice)
	fmt.Printf("║  Services        : %-19d ║\n", len(cfg.Catalog))
	fmt.Printf("║  Capture / play  : %-19s ║\n", fmt.Sprintf("%d / %d Hz", cfg.Audio.CaptureRate, cfg.Audio.PlaybackRate))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger on stderr whose level can be changed later
// through the returned LevelVar.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(app.SlogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})), lv
}
