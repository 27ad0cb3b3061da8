// Package dialer runs one real-time voice call between a local capture device
// and a remote speech-to-speech session.
//
// A [Manager] owns at most one call at a time. [Manager.Start] walks the call
// through permission, engine setup and connection until it is live; two
// goroutines then stream capture frames out and schedule inbound audio on the
// playback clock. [Manager.Stop], a remote close and every fatal loop error
// share the same idempotent teardown.
//
// All exported methods of [Manager] are safe for concurrent use.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/omniflow/internal/catalog"
	"github.com/MrWong99/omniflow/internal/observe"
	"github.com/MrWong99/omniflow/pkg/audio"
	"github.com/MrWong99/omniflow/pkg/audio/playback"
	"github.com/MrWong99/omniflow/pkg/provider/s2s"
)

// Defaults applied by [New].
const (
	DefaultCaptureRate     = 16000
	DefaultVoice           = "Zephyr"
	DefaultErrorResetDelay = 3 * time.Second
)

// Settings are the per-call knobs that may change between calls.
type Settings struct {
	// Voice is the agent's prebuilt voice name.
	Voice string

	// InputTranscription requests [User] transcript lines.
	InputTranscription bool

	// ErrorResetDelay is how long the Error status is shown before the
	// manager returns to Idle.
	ErrorResetDelay time.Duration

	// MaxCallDuration hangs up a live call after this long. Zero disables
	// the limit.
	MaxCallDuration time.Duration
}

// Info describes the current or most recent call.
type Info struct {
	Target    string    `json:"target,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// Snapshot is a consistent read of everything the manager exposes.
type Snapshot struct {
	Status         Status  `json:"status"`
	Error          string  `json:"error,omitempty"`
	Call           Info    `json:"call"`
	ActiveChunks   int     `json:"active_chunks"`
	Cursor         float64 `json:"cursor"`
	FramesSent     int64   `json:"frames_sent"`
	ChunksPlayed   int64   `json:"chunks_played"`
	DecodeFailures int64   `json:"decode_failures"`
	Transcript     []Line  `json:"transcript"`
}

// Option configures a [Manager].
type Option func(*Manager)

// WithCatalog sets the service catalog pitched in the system prompt.
func WithCatalog(c *catalog.Catalog) Option {
	return func(m *Manager) { m.catalog = c }
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the base logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithProviderName labels provider metrics. Defaults to "s2s".
func WithProviderName(name string) Option {
	return func(m *Manager) { m.providerName = name }
}

// WithVoice sets the agent voice.
func WithVoice(voice string) Option {
	return func(m *Manager) { m.settings.Voice = voice }
}

// WithCaptureRate sets the sample rate frames are transmitted at. Capture
// streams delivering another format are converted.
func WithCaptureRate(rate int) Option {
	return func(m *Manager) { m.captureRate = rate }
}

// WithErrorResetDelay sets how long the Error status lasts.
func WithErrorResetDelay(d time.Duration) Option {
	return func(m *Manager) { m.settings.ErrorResetDelay = d }
}

// WithInputTranscription enables [User] transcript lines.
func WithInputTranscription(enabled bool) Option {
	return func(m *Manager) { m.settings.InputTranscription = enabled }
}

// WithMaxCallDuration hangs up live calls after d.
func WithMaxCallDuration(d time.Duration) Option {
	return func(m *Manager) { m.settings.MaxCallDuration = d }
}

// Manager is the audio session manager. It holds at most one session.
type Manager struct {
	mic          audio.Microphone
	out          playback.Output
	provider     s2s.Provider
	providerName string
	catalog      *catalog.Catalog
	metrics      *observe.Metrics
	log          *slog.Logger
	captureRate  int

	// teardownMu serializes every path that releases a session so that
	// Stop only returns once resources are gone. Acquire before mu.
	teardownMu sync.Mutex

	mu            sync.Mutex
	settings      Settings
	status        Status
	lastErr       error
	transcript    []Line
	info          Info
	gen           uint64
	cancelAttempt context.CancelFunc
	pending       *session
	sess          *session
	resetTimer    *time.Timer
	onStatus      []func(from, to Status)
	onLine        []func(Line)
}

// New returns an idle Manager capturing from mic, playing on out and talking
// to provider.
func New(mic audio.Microphone, out playback.Output, provider s2s.Provider, opts ...Option) *Manager {
	m := &Manager{
		mic:          mic,
		out:          out,
		provider:     provider,
		providerName: "s2s",
		captureRate:  DefaultCaptureRate,
		settings: Settings{
			Voice:           DefaultVoice,
			ErrorResetDelay: DefaultErrorResetDelay,
		},
	}
	for _, o := range opts {
		o(m)
	}
	if m.catalog == nil {
		m.catalog = catalog.New(nil)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// ─── Start ────────────────────────────────────────────────────────────────────

// Start dials target and blocks until the call is live or has failed.
//
// It returns [ErrInvalidTarget] for a blank target and [ErrSessionActive]
// unless the manager is idle; neither changes any state. A Stop, or ctx being
// cancelled, while the call is being set up makes Start return
// [ErrSessionCancelled]. Any other failure releases what was acquired, moves
// the manager to [StatusError] and is returned.
//
// ctx bounds setup only. Once live the call runs until Stop, a fatal error or
// the remote end hanging up.
func (m *Manager) Start(ctx context.Context, target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		m.metrics.RecordCall(ctx, observe.OutcomeRejected)
		return ErrInvalidTarget
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.status != StatusIdle {
		st := m.status
		m.mu.Unlock()
		m.metrics.RecordCall(ctx, observe.OutcomeRejected)
		return fmt.Errorf("%w (status=%s)", ErrSessionActive, st)
	}
	m.gen++
	gen := m.gen
	s := newSession(target, m.log)
	m.pending = s
	m.cancelAttempt = cancel
	m.lastErr = nil
	m.transcript = nil
	m.info = Info{Target: target}
	settings := m.settings
	m.setStatusLocked(StatusRequestingPermission)
	m.appendLocked(RoleSystem, "Initializing Outbound Uplink Protocol for target "+target+"...")
	m.mu.Unlock()

	ctx, span := observe.StartSpan(attemptCtx, "dialer.start",
		trace.WithAttributes(attribute.String("dialer.target", target)),
	)
	defer span.End()
	began := time.Now()

	err := m.establish(ctx, gen, s, settings)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	m.metrics.RecordCall(ctx, observe.OutcomeLive)
	m.metrics.CallSetupDuration.Record(ctx, time.Since(began).Seconds())
	return nil
}

// establish runs the setup phases of attempt gen.
func (m *Manager) establish(ctx context.Context, gen uint64, s *session, settings Settings) error {
	capture, err := m.mic.Open(ctx)
	if err != nil {
		if !errors.Is(err, ErrPermissionDenied) {
			err = fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return m.failStart(ctx, gen, s, err)
	}
	if !s.attachCapture(capture) {
		_ = capture.Close()
		return ErrSessionCancelled
	}

	if !m.advance(gen, StatusInitializingEngine) {
		return m.abandon(s)
	}
	if err := m.out.Resume(ctx); err != nil {
		return m.failStart(ctx, gen, s, fmt.Errorf("dialer: resume playback: %w", err))
	}
	want := audio.Format{SampleRate: m.captureRate, Channels: 1}
	if got := capture.Format(); got != want {
		s.log.Info("converting capture stream", "from", got.String(), "to", want.String())
		s.setFrames(audio.ConvertStream(capture.Frames(), want), true)
	} else {
		s.setFrames(capture.Frames(), false)
	}

	if !m.advance(gen, StatusConnecting) {
		return m.abandon(s)
	}
	handle, err := m.provider.Connect(ctx, s2s.SessionConfig{
		Instructions:        BuildPrompt(s.target, m.catalog),
		Voice:               settings.Voice,
		OutputTranscription: true,
		InputTranscription:  settings.InputTranscription,
	})
	if err != nil {
		m.metrics.RecordProviderRequest(ctx, m.providerName, "connect", "error")
		m.metrics.RecordProviderError(ctx, m.providerName, "connect")
		return m.failStart(ctx, gen, s, fmt.Errorf("%w: %w", ErrConnectionFailure, err))
	}
	m.metrics.RecordProviderRequest(ctx, m.providerName, "connect", "ok")
	if !s.attachHandle(handle) {
		_ = handle.Close()
		return ErrSessionCancelled
	}

	return m.goLive(ctx, gen, s, settings)
}

// goLive publishes s as the live session and starts its loops.
func (m *Manager) goLive(ctx context.Context, gen uint64, s *session, settings Settings) error {
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if settings.MaxCallDuration > 0 {
		var cancelTimeout context.CancelFunc
		sessCtx, cancelTimeout = context.WithTimeout(sessCtx, settings.MaxCallDuration)
		parent := cancel
		cancel = func() { cancelTimeout(); parent() }
	}
	sched := playback.NewScheduler(m.out)
	id := uuid.NewString()
	now := time.Now().UTC()
	if !s.goLive(id, now, sched, cancel) {
		cancel()
		return ErrSessionCancelled
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return m.abandon(s)
	}
	m.pending = nil
	m.cancelAttempt = nil
	m.sess = s
	m.info = Info{Target: s.target, SessionID: id, StartedAt: now}
	// Counted before the loops start so an immediate hangup cannot
	// decrement first.
	m.metrics.ActiveCalls.Add(ctx, 1)
	m.setStatusLocked(StatusLive)
	m.appendLocked(RoleSystem, "Neural link established. Agent is online.")
	m.mu.Unlock()

	s.log.Info("neural link established",
		"session_id", id,
		"target", s.target,
		"voice", settings.Voice,
	)

	m.run(sessCtx, s)
	return nil
}

// advance moves attempt gen to status next. It reports false once the
// attempt has been superseded by Stop.
func (m *Manager) advance(gen uint64, next Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.setStatusLocked(next)
	return true
}

// abandon releases a superseded attempt.
func (m *Manager) abandon(s *session) error {
	s.release()
	return ErrSessionCancelled
}

// failStart tears down attempt gen after cause and moves to Error, or to
// Idle when the caller cancelled ctx.
func (m *Manager) failStart(ctx context.Context, gen uint64, s *session, cause error) error {
	m.teardownMu.Lock()
	defer m.teardownMu.Unlock()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return m.abandon(s)
	}
	m.pending = nil
	m.cancelAttempt = nil
	m.setStatusLocked(StatusTerminating)
	m.mu.Unlock()

	s.release()

	m.mu.Lock()
	defer m.mu.Unlock()
	if ctxErr := ctx.Err(); ctxErr != nil {
		m.setStatusLocked(StatusIdle)
		m.metrics.RecordCall(ctx, observe.OutcomeCancelled)
		return fmt.Errorf("%w: %w", ErrSessionCancelled, ctxErr)
	}

	s.log.Error("call setup failed", "err", cause)
	m.metrics.RecordCall(ctx, observe.OutcomeFailed)
	m.metrics.RecordSessionError(ctx, errorKind(cause))
	m.enterErrorLocked(cause)
	return cause
}

// enterErrorLocked shows err as the banner and schedules the return to
// Idle. m.mu must be held.
func (m *Manager) enterErrorLocked(err error) {
	m.lastErr = err
	m.setStatusLocked(StatusError)

	gen := m.gen
	m.resetTimer = time.AfterFunc(m.settings.ErrorResetDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen == gen && m.status == StatusError {
			m.resetTimer = nil
			m.setStatusLocked(StatusIdle)
		}
	})
}

// ─── Stop ─────────────────────────────────────────────────────────────────────

// Stop ends the call, or the call being set up, and returns once every
// resource is released and the status is Idle. It is idempotent and never
// fails: errors from individual release steps are logged.
func (m *Manager) Stop() {
	m.teardownMu.Lock()
	defer m.teardownMu.Unlock()

	m.mu.Lock()
	if m.resetTimer != nil {
		m.resetTimer.Stop()
		m.resetTimer = nil
	}
	if m.status == StatusIdle {
		m.mu.Unlock()
		return
	}
	m.gen++
	if m.cancelAttempt != nil {
		m.cancelAttempt()
		m.cancelAttempt = nil
	}
	s, live := m.sess, m.sess != nil
	if s == nil {
		s = m.pending
	}
	m.sess, m.pending = nil, nil
	if s == nil {
		m.setStatusLocked(StatusIdle)
		m.mu.Unlock()
		return
	}
	m.setStatusLocked(StatusTerminating)
	m.mu.Unlock()

	s.release()

	ctx := context.Background()
	if live {
		m.recordEnd(ctx, s, nil)
	} else {
		m.metrics.RecordCall(ctx, observe.OutcomeCancelled)
	}

	m.mu.Lock()
	m.setStatusLocked(StatusIdle)
	m.mu.Unlock()
}

// endSession is the teardown run when the loops of s finish on their own.
// It is a no-op if s is no longer the live session.
func (m *Manager) endSession(s *session, cause error) {
	m.teardownMu.Lock()
	defer m.teardownMu.Unlock()

	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	m.setStatusLocked(StatusTerminating)
	m.mu.Unlock()

	s.release()
	m.recordEnd(context.Background(), s, cause)

	m.mu.Lock()
	defer m.mu.Unlock()
	if cause != nil {
		m.lastErr = cause
	}
	m.setStatusLocked(StatusIdle)
}

func (m *Manager) recordEnd(ctx context.Context, s *session, cause error) {
	elapsed := time.Since(s.startedAt)
	m.metrics.ActiveCalls.Add(ctx, -1)
	m.metrics.CallDuration.Record(ctx, elapsed.Seconds())

	attrs := []any{
		"session_id", s.id,
		"duration", elapsed.Round(time.Millisecond),
		"frames_sent", s.framesSent.Load(),
		"chunks_played", s.chunks.Load(),
	}
	if cause != nil {
		m.metrics.RecordSessionError(ctx, errorKind(cause))
		s.log.Error("call ended", append(attrs, "err", cause)...)
		return
	}
	s.log.Info("call ended", attrs...)
}

// ─── Settings ─────────────────────────────────────────────────────────────────

// Settings returns the settings the next call will use.
func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// ApplySettings replaces the settings for subsequent calls. A live call keeps
// the settings it was started with.
func (m *Manager) ApplySettings(s Settings) {
	if s.ErrorResetDelay <= 0 {
		s.ErrorResetDelay = DefaultErrorResetDelay
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = s
}

// ─── Observers ────────────────────────────────────────────────────────────────

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastError returns the error that ended the most recent call, or nil. It is
// cleared by the next Start.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Transcript returns a copy of the current call's transcript.
func (m *Manager) Transcript() []Line {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Line, len(m.transcript))
	copy(out, m.transcript)
	return out
}

// Info returns the target and identity of the current or last call.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// ActiveChunks returns the number of scheduled playback chunks that have not
// finished.
func (m *Manager) ActiveChunks() int {
	if s := m.live(); s != nil {
		return s.sched.Active()
	}
	return 0
}

// Cursor returns the playback cursor of the live call, or zero.
func (m *Manager) Cursor() float64 {
	if s := m.live(); s != nil {
		return s.sched.Cursor()
	}
	return 0
}

func (m *Manager) live() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// Snapshot returns the full observable state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	snap := Snapshot{
		Status:     m.status,
		Call:       m.info,
		Transcript: make([]Line, len(m.transcript)),
	}
	copy(snap.Transcript, m.transcript)
	if m.lastErr != nil {
		snap.Error = m.lastErr.Error()
	}
	s := m.sess
	m.mu.Unlock()

	if s != nil {
		snap.ActiveChunks = s.sched.Active()
		snap.Cursor = s.sched.Cursor()
		snap.FramesSent = s.framesSent.Load()
		snap.ChunksPlayed = s.chunks.Load()
		snap.DecodeFailures = s.decodeFailures.Load()
	}
	return snap
}

// OnStatusChange registers fn to be called on every status transition. fn
// runs with the manager's lock held and must not call back into the Manager.
func (m *Manager) OnStatusChange(fn func(from, to Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = append(m.onStatus, fn)
}

// OnTranscript registers fn to be called for every new transcript line. The
// same locking rule as [Manager.OnStatusChange] applies.
func (m *Manager) OnTranscript(fn func(Line)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLine = append(m.onLine, fn)
}

func (m *Manager) setStatusLocked(to Status) {
	from := m.status
	if from == to {
		return
	}
	m.status = to
	m.log.Debug("dialer status", "from", from.String(), "to", to.String())
	for _, fn := range m.onStatus {
		fn(from, to)
	}
}

func (m *Manager) appendLocked(role Role, text string) {
	l := Line{Role: role, Text: text, At: time.Now().UTC()}
	m.transcript = append(m.transcript, l)
	for _, fn := range m.onLine {
		fn(l)
	}
}

// appendFrom adds a line on behalf of s, dropping it if s is no longer live.
func (m *Manager) appendFrom(s *session, role Role, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != s {
		return
	}
	m.appendLocked(role, text)
}
