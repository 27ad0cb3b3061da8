// Package app wires all OmniFlow subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the control API, and Shutdown tears everything
// down in order.
//
// For testing, inject audio devices and metrics via functional options
// (WithMicrophone, WithOutput, WithMetrics). Devices have no default; the
// caller always supplies them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/omniflow/internal/api"
	"github.com/MrWong99/omniflow/internal/catalog"
	"github.com/MrWong99/omniflow/internal/concierge"
	"github.com/MrWong99/omniflow/internal/config"
	"github.com/MrWong99/omniflow/internal/dialer"
	"github.com/MrWong99/omniflow/internal/guide"
	"github.com/MrWong99/omniflow/internal/health"
	"github.com/MrWong99/omniflow/internal/observe"
	"github.com/MrWong99/omniflow/pkg/audio"
	"github.com/MrWong99/omniflow/pkg/audio/playback"
	"github.com/MrWong99/omniflow/pkg/provider/llm"
	"github.com/MrWong99/omniflow/pkg/provider/s2s"
	"github.com/MrWong99/omniflow/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	S2S s2s.Provider
	TTS tts.Provider
	LLM llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	mic        audio.Microphone
	out        playback.Output
	metrics    *observe.Metrics
	logLevel   *slog.LevelVar
	configPath string
	interval   time.Duration

	catalog   *catalog.Catalog
	dialer    *dialer.Manager
	guide     *guide.Guide
	concierge *concierge.Concierge
	api       *api.Server
	health    *health.Handler
	handler   http.Handler
	server    *http.Server
	watcher   *config.Watcher

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMicrophone sets the capture device the dialer records from.
func WithMicrophone(m audio.Microphone) Option {
	return func(a *App) { a.mic = m }
}

// WithOutput sets the playback device shared by the dialer and the guide.
func WithOutput(o playback.Output) Option {
	return func(a *App) { a.out = o }
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets configuration reloads change the level of the handler
// built around lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithConfigPath enables hot reload: the file at path is polled and
// reloadable changes are applied to the running app.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithWatchInterval sets how often the config file is polled. Only relevant
// together with [WithConfigPath].
func WithWatchInterval(d time.Duration) Option {
	return func(a *App) { a.interval = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.providers == nil {
		a.providers = &Providers{}
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Devices ───────────────────────────────────────────────────────
	if a.providers.S2S == nil {
		return nil, errors.New("app: no s2s provider configured")
	}
	if a.mic == nil || a.out == nil {
		return nil, errors.New("app: microphone and output device are required")
	}

	// ── 2. Catalog ───────────────────────────────────────────────────────
	a.catalog = catalog.New(cfg.Catalog)

	// ── 3. Dialer ────────────────────────────────────────────────────────
	a.initDialer()

	// ── 4. Voice guide ───────────────────────────────────────────────────
	a.initGuide()

	// ── 5. Concierge ─────────────────────────────────────────────────────
	a.initConcierge()

	// ── 6. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	// ── 7. Hot reload ────────────────────────────────────────────────────
	if a.configPath != "" {
		if err := a.initWatcher(); err != nil {
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
	}

	slog.InfoContext(ctx, "app initialised",
		"services", len(a.catalog.Services()),
		"guide", a.guide != nil,
		"concierge", a.concierge != nil,
		"hot_reload", a.watcher != nil,
	)
	return a, nil
}

func (a *App) initDialer() {
	d := a.cfg.Dialer
	opts := []dialer.Option{
		dialer.WithCatalog(a.catalog),
		dialer.WithMetrics(a.metrics),
		dialer.WithInputTranscription(d.InputTranscription),
		dialer.WithMaxCallDuration(d.MaxCallDuration),
	}
	if name := a.cfg.Providers.S2S.Name; name != "" {
		opts = append(opts, dialer.WithProviderName(name))
	}
	if d.Voice != "" {
		opts = append(opts, dialer.WithVoice(d.Voice))
	}
	if d.ErrorResetDelay > 0 {
		opts = append(opts, dialer.WithErrorResetDelay(d.ErrorResetDelay))
	}
	if rate := a.cfg.Audio.CaptureRate; rate > 0 {
		opts = append(opts, dialer.WithCaptureRate(rate))
	}
	a.dialer = dialer.New(a.mic, a.out, a.providers.S2S, opts...)
	a.dialer.OnStatusChange(func(from, to dialer.Status) {
		slog.Debug("dialer status changed", "from", from, "to", to)
	})
	a.closers = append(a.closers, func() error {
		a.dialer.Stop()
		return nil
	})
}

func (a *App) initGuide() {
	if a.providers.TTS == nil {
		slog.Info("no tts provider configured; voice guide disabled")
		return
	}
	opts := []guide.Option{
		guide.WithScript(a.cfg.Guide.Text, a.cfg.Guide.Voice),
		guide.WithMetrics(a.metrics),
	}
	if name := a.cfg.Providers.TTS.Name; name != "" {
		opts = append(opts, guide.WithProviderName(name))
	}
	a.guide = guide.New(a.providers.TTS, a.out, opts...)
	a.closers = append(a.closers, func() error {
		a.guide.Stop()
		return nil
	})
}

func (a *App) initConcierge() {
	if a.providers.LLM == nil {
		slog.Info("no llm provider configured; quotes and chat disabled")
		return
	}
	opts := []concierge.Option{concierge.WithMetrics(a.metrics)}
	if name := a.cfg.Providers.LLM.Name; name != "" {
		opts = append(opts, concierge.WithProviderName(name))
	}
	a.concierge = concierge.New(a.providers.LLM, a.catalog, opts...)
}

func (a *App) initHTTP() {
	var g api.Guide
	if a.guide != nil {
		g = a.guide
	}
	var apiOpts []api.Option
	if a.concierge != nil {
		apiOpts = append(apiOpts, api.WithConcierge(a.concierge))
	}
	a.api = api.New(a.dialer, g, apiOpts...)
	a.closers = append([]func() error{func() error {
		a.api.Close()
		return nil
	}}, a.closers...)

	a.health = health.New(
		health.Checker{Name: "dialer", Check: a.checkDialer},
		health.Checker{Name: "tts", Check: a.checkGuide, Optional: true},
		health.Checker{Name: "llm", Check: a.checkConcierge, Optional: true},
	)

	mux := http.NewServeMux()
	a.health.Register(mux)
	a.api.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = config.DefaultListenAddr
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (a *App) initWatcher() error {
	opts := []config.WatcherOption{}
	if a.interval > 0 {
		opts = append(opts, config.WithInterval(a.interval))
	}
	w, err := config.NewWatcher(a.configPath, a.ApplyConfig, opts...)
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the control API, health probes
// and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Dialer returns the call manager.
func (a *App) Dialer() *dialer.Manager { return a.dialer }

// Guide returns the voice guide, or nil when no TTS provider is configured.
func (a *App) Guide() *guide.Guide { return a.guide }

// Concierge returns the quote and chat service, or nil when no LLM provider
// is configured.
func (a *App) Concierge() *concierge.Concierge { return a.concierge }

// Catalog returns the live service catalog.
func (a *App) Catalog() *catalog.Catalog { return a.catalog }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP surface until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		errCh <- err
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

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the reloadable differences between old and new. It is
// the config watcher callback and is safe to call directly.
func (a *App) ApplyConfig(old, new *config.Config) {
	diff := config.Diff(old, new)

	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.CatalogChanged {
		a.catalog.Replace(new.Catalog)
		slog.Info("catalog reloaded", "changes", len(diff.CatalogChanges), "services", len(new.Catalog))
	}
	if diff.DialerChanged {
		a.dialer.ApplySettings(dialer.Settings{
			Voice:              new.Dialer.Voice,
			InputTranscription: new.Dialer.InputTranscription,
			ErrorResetDelay:    new.Dialer.ErrorResetDelay,
			MaxCallDuration:    new.Dialer.MaxCallDuration,
		})
		slog.Info("dialer settings reloaded; applied to the next call")
	}
	if diff.GuideChanged && a.guide != nil {
		a.guide.SetScript(new.Guide.Text, new.Guide.Voice)
		slog.Info("voice guide script reloaded")
	}
}

// SlogLevel maps a config log level to its slog counterpart. Unknown levels
// map to info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
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

// ─── Health ──────────────────────────────────────────────────────────────────

func (a *App) checkDialer(_ context.Context) error {
	if a.dialer.Status() != dialer.StatusError {
		return nil
	}
	if err := a.dialer.LastError(); err != nil {
		return fmt.Errorf("last call failed: %w", err)
	}
	return errors.New("last call failed")
}

func (a *App) checkGuide(_ context.Context) error {
	if a.guide == nil {
		return errors.New("not configured")
	}
	return nil
}

func (a *App) checkConcierge(_ context.Context) error {
	if a.concierge == nil {
		return errors.New("not configured")
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, hangs up any active call and releases
// all subsystems. It respects ctx's deadline and is safe to call more than
// once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
