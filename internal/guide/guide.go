// Package guide speaks the platform walkthrough through a TTS provider.
//
// A [Guide] synthesises its script on every [Guide.Play] and schedules the
// result on a playback output. Playing again, or calling [Guide.Stop], cuts
// the previous playback off.
package guide

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/omniflow/internal/observe"
	"github.com/MrWong99/omniflow/pkg/audio"
	"github.com/MrWong99/omniflow/pkg/audio/playback"
	"github.com/MrWong99/omniflow/pkg/provider/tts"
)

// stylePrefix steers the TTS model towards a calm instructional delivery.
const stylePrefix = "Instructional voice: "

// ErrEmptyScript is returned by Play when there is nothing to say.
var ErrEmptyScript = errors.New("guide: script is empty")

// Option configures a [Guide].
type Option func(*Guide)

// WithScript sets the text and voice spoken by Play.
func WithScript(text, voice string) Option {
	return func(g *Guide) { g.text, g.voice = text, voice }
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Guide) { g.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(g *Guide) { g.log = l }
}

// WithProviderName labels provider metrics. Defaults to "tts".
func WithProviderName(name string) Option {
	return func(g *Guide) { g.providerName = name }
}

// Guide plays the spoken walkthrough. It is safe for concurrent use.
type Guide struct {
	tts          tts.Provider
	out          playback.Output
	metrics      *observe.Metrics
	log          *slog.Logger
	providerName string

	mu     sync.Mutex
	text   string
	voice  string
	gen    uint64
	cancel context.CancelFunc
	sched  *playback.Scheduler
}

// New returns a Guide synthesising with p and playing on out.
func New(p tts.Provider, out playback.Output, opts ...Option) *Guide {
	g := &Guide{tts: p, out: out, providerName: "tts"}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	return g
}

// SetScript replaces the text and voice used by the next Play.
func (g *Guide) SetScript(text, voice string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.text, g.voice = text, voice
}

// Play synthesises the script and starts playing it, stopping whatever the
// guide was playing before. It returns once playback is scheduled, with the
// length of the utterance.
func (g *Guide) Play(ctx context.Context) (time.Duration, error) {
	g.mu.Lock()
	text, voice := strings.TrimSpace(g.text), g.voice
	if text == "" {
		g.mu.Unlock()
		return 0, ErrEmptyScript
	}
	g.stopLocked()
	g.gen++
	gen := g.gen
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.mu.Unlock()
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "guide.play",
		trace.WithAttributes(attribute.String("tts.voice", voice)),
	)
	defer span.End()

	speech, err := g.synthesize(ctx, text, voice)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	if err := g.out.Resume(ctx); err != nil {
		return 0, fmt.Errorf("guide: resume playback: %w", err)
	}
	buf := g.toBuffer(speech)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gen != gen {
		return 0, fmt.Errorf("guide: playback superseded: %w", context.Canceled)
	}
	sched := playback.NewScheduler(g.out)
	if _, err := sched.Enqueue(buf); err != nil {
		return 0, fmt.Errorf("guide: %w", err)
	}
	g.sched = sched
	g.cancel = nil

	d := speech.Duration()
	g.log.Info("voice guide playing", "voice", voice, "duration", d.Round(time.Millisecond))
	return d, nil
}

func (g *Guide) synthesize(ctx context.Context, text, voice string) (tts.Speech, error) {
	start := time.Now()
	speech, err := g.tts.Synthesize(ctx, stylePrefix+text, voice)
	g.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		g.metrics.RecordProviderRequest(ctx, g.providerName, "tts", "error")
		g.metrics.RecordProviderError(ctx, g.providerName, "tts")
		return tts.Speech{}, fmt.Errorf("guide: synthesize: %w", err)
	}
	g.metrics.RecordProviderRequest(ctx, g.providerName, "tts", "ok")
	if len(speech.PCM) == 0 {
		return tts.Speech{}, fmt.Errorf("guide: synthesize: %w", tts.ErrNoAudio)
	}
	return speech, nil
}

// toBuffer converts speech to a mono buffer at the output rate.
func (g *Guide) toBuffer(s tts.Speech) playback.Buffer {
	pcm := s.PCM
	if s.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	rate := g.out.SampleRate()
	if s.SampleRate != rate {
		pcm = audio.ResampleMono16(pcm, s.SampleRate, rate)
	}
	return playback.BufferFromPCM16(pcm, rate)
}

// Playing reports whether guide audio is still scheduled.
func (g *Guide) Playing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sched != nil && g.sched.Active() > 0
}

// Stop cancels a pending synthesis and silences the guide. It is idempotent.
func (g *Guide) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gen++
	g.stopLocked()
}

func (g *Guide) stopLocked() {
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	if g.sched != nil {
		g.sched.StopAll()
		g.sched = nil
	}
}
