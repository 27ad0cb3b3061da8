package dialer

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/omniflow/internal/catalog"
	"github.com/MrWong99/omniflow/internal/observe"
	"github.com/MrWong99/omniflow/pkg/audio"
	audiomock "github.com/MrWong99/omniflow/pkg/audio/mock"
	"github.com/MrWong99/omniflow/pkg/provider/s2s"
	s2smock "github.com/MrWong99/omniflow/pkg/provider/s2s/mock"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// ─── Test rig ─────────────────────────────────────────────────────────────────

const playbackRate = 24000

type rig struct {
	mic    *audiomock.Microphone
	stream *audiomock.CaptureStream
	out    *audiomock.Output
	prov   *s2smock.Provider
	remote *s2smock.Session
	reader *sdkmetric.ManualReader
	m      *Manager
}

func newRig(t *testing.T, opts ...Option) *rig {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	r := &rig{
		stream: audiomock.NewCaptureStream(audio.Format{SampleRate: 16000, Channels: 1}, 16),
		out:    &audiomock.Output{Rate: playbackRate},
		remote: s2smock.NewSession(16),
		reader: reader,
	}
	r.mic = &audiomock.Microphone{OpenResult: r.stream}
	r.prov = &s2smock.Provider{Session: r.remote}

	base := []Option{
		WithMetrics(metrics),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithErrorResetDelay(time.Hour),
	}
	r.m = New(r.mic, r.out, r.prov, append(base, opts...)...)
	t.Cleanup(r.m.Stop)
	return r
}

// live starts a call and fails the test unless it reaches Live.
func (r *rig) live(t *testing.T) {
	t.Helper()
	if err := r.m.Start(context.Background(), "+1 555 0100"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := r.m.Status(); got != StatusLive {
		t.Fatalf("status = %s, want LIVE", got)
	}
}

// pushAudio delivers a silent chunk of the given length at the playback rate.
func (r *rig) pushAudio(t *testing.T, seconds float64) {
	t.Helper()
	blob := pcmBlob(seconds, playbackRate)
	if !r.remote.Push(s2s.Message{Audio: &blob}) {
		t.Fatal("remote session already ended")
	}
}

func (r *rig) pushTranscript(t *testing.T, role s2s.Role, text string) {
	t.Helper()
	if !r.remote.Push(s2s.Message{Transcript: &s2s.Transcript{Role: role, Text: text}}) {
		t.Fatal("remote session already ended")
	}
}

func (r *rig) waitScheduled(t *testing.T, n int) []audiomock.ScheduleCall {
	t.Helper()
	waitFor(t, func() bool { return len(r.out.Scheduled()) >= n })
	return r.out.Scheduled()
}

func pcmBlob(seconds float64, rate int) audio.Blob {
	samples := int(math.Round(seconds * float64(rate)))
	return audio.EncodeBlob(audio.AudioFrame{
		Data:       make([]byte, samples*2),
		SampleRate: rate,
		Channels:   1,
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Status() != want {
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want %s", m.Status(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// statusRecorder collects transitions reported by OnStatusChange.
type statusRecorder struct {
	mu  sync.Mutex
	got []Status
}

func (s *statusRecorder) record(_, to Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, to)
}

func (s *statusRecorder) seq() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Status(nil), s.got...)
}

func equalStatuses(a, b []Status) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ─── Start ────────────────────────────────────────────────────────────────────

func TestStart_ReachesLive(t *testing.T) {
	r := newRig(t)
	var rec statusRecorder
	r.m.OnStatusChange(rec.record)

	r.live(t)

	want := []Status{StatusRequestingPermission, StatusInitializingEngine, StatusConnecting, StatusLive}
	if got := rec.seq(); !equalStatuses(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}

	lines := r.m.Transcript()
	if len(lines) != 2 {
		t.Fatalf("transcript has %d lines, want 2: %v", len(lines), lines)
	}
	if got := lines[0].String(); got != "[System] Initializing Outbound Uplink Protocol for target +1 555 0100..." {
		t.Errorf("line 0 = %q", got)
	}
	if got := lines[1].String(); got != "[System] Neural link established. Agent is online." {
		t.Errorf("line 1 = %q", got)
	}

	calls := r.prov.Calls()
	if len(calls) != 1 {
		t.Fatalf("Connect called %d times, want 1", len(calls))
	}
	cfg := calls[0].Cfg
	if !strings.Contains(cfg.Instructions, "Target Number: +1 555 0100.") {
		t.Errorf("instructions missing target: %q", cfg.Instructions)
	}
	if cfg.Voice != DefaultVoice {
		t.Errorf("voice = %q, want %q", cfg.Voice, DefaultVoice)
	}
	if !cfg.OutputTranscription {
		t.Error("output transcription not requested")
	}

	info := r.m.Info()
	if info.Target != "+1 555 0100" || info.SessionID == "" || info.StartedAt.IsZero() {
		t.Errorf("info = %+v", info)
	}
	if r.m.Cursor() != 0 {
		t.Errorf("cursor = %v, want 0", r.m.Cursor())
	}
	if r.m.LastError() != nil {
		t.Errorf("LastError = %v, want nil", r.m.LastError())
	}
}

func TestStart_InvalidTarget(t *testing.T) {
	r := newRig(t)
	for _, target := range []string{"", "   ", "\t\n"} {
		if err := r.m.Start(context.Background(), target); !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("Start(%q) = %v, want ErrInvalidTarget", target, err)
		}
	}
	if r.m.Status() != StatusIdle {
		t.Errorf("status = %s, want IDLE", r.m.Status())
	}
	if r.mic.Opens() != 0 {
		t.Errorf("microphone opened %d times, want 0", r.mic.Opens())
	}
}

func TestStart_WhileActiveIsNoop(t *testing.T) {
	r := newRig(t)
	r.live(t)
	before := r.m.Snapshot()

	err := r.m.Start(context.Background(), "+1 555 0199")
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second Start = %v, want ErrSessionActive", err)
	}
	if r.m.Status() != StatusLive {
		t.Errorf("status = %s, want LIVE", r.m.Status())
	}
	if got := len(r.prov.Calls()); got != 1 {
		t.Errorf("Connect called %d times, want 1", got)
	}
	if got := r.mic.Opens(); got != 1 {
		t.Errorf("microphone opened %d times, want 1", got)
	}
	after := r.m.Snapshot()
	if after.Call != before.Call || len(after.Transcript) != len(before.Transcript) {
		t.Errorf("state changed: before %+v, after %+v", before, after)
	}
}

func TestStart_PermissionDenied(t *testing.T) {
	r := newRig(t, WithErrorResetDelay(20*time.Millisecond))
	r.mic.OpenError = audio.ErrPermissionDenied
	var rec statusRecorder
	r.m.OnStatusChange(rec.record)

	err := r.m.Start(context.Background(), "+1 555 0100")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Start = %v, want ErrPermissionDenied", err)
	}
	if !errors.Is(r.m.LastError(), ErrPermissionDenied) {
		t.Errorf("LastError = %v, want ErrPermissionDenied", r.m.LastError())
	}
	if got := len(r.prov.Calls()); got != 0 {
		t.Errorf("Connect called %d times, want 0", got)
	}
	for _, l := range r.m.Transcript() {
		if strings.Contains(l.Text, "Neural link established") {
			t.Errorf("unexpected transcript line %q", l)
		}
	}

	waitStatus(t, r.m, StatusIdle)
	seq := rec.seq()
	if len(seq) < 2 || seq[len(seq)-2] != StatusError || seq[len(seq)-1] != StatusIdle {
		t.Errorf("transitions = %v, want ... ERROR IDLE", seq)
	}
	for _, s := range seq {
		if s == StatusLive {
			t.Error("reached LIVE after permission denial")
		}
	}
}

func TestStart_WrapsOtherMicrophoneErrors(t *testing.T) {
	r := newRig(t)
	r.mic.OpenError = errors.New("no input device")

	err := r.m.Start(context.Background(), "+1 555 0100")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Start = %v, want ErrPermissionDenied", err)
	}
	if !strings.Contains(err.Error(), "no input device") {
		t.Errorf("error %q lost the cause", err)
	}
}

func TestStart_ConnectFailure(t *testing.T) {
	r := newRig(t)
	r.prov.ConnectErr = errors.New("handshake refused")

	err := r.m.Start(context.Background(), "+1 555 0100")
	if !errors.Is(err, ErrConnectionFailure) {
		t.Fatalf("Start = %v, want ErrConnectionFailure", err)
	}
	if r.m.Status() != StatusError {
		t.Errorf("status = %s, want ERROR", r.m.Status())
	}
	if got := r.stream.Closes(); got != 1 {
		t.Errorf("capture closed %d times, want 1", got)
	}
}

func TestStart_ResumeFailure(t *testing.T) {
	r := newRig(t)
	r.out.ResumeError = errors.New("device busy")

	if err := r.m.Start(context.Background(), "+1 555 0100"); err == nil {
		t.Fatal("Start succeeded, want error")
	}
	if r.m.Status() != StatusError {
		t.Errorf("status = %s, want ERROR", r.m.Status())
	}
	if got := r.stream.Closes(); got != 1 {
		t.Errorf("capture closed %d times, want 1", got)
	}
	if got := len(r.prov.Calls()); got != 0 {
		t.Errorf("Connect called %d times, want 0", got)
	}
}

func TestStart_CallerCancelReturnsToIdle(t *testing.T) {
	r := newRig(t)
	r.prov.Block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.m.Start(ctx, "+1 555 0100") }()

	waitStatus(t, r.m, StatusConnecting)
	cancel()

	if err := <-errc; !errors.Is(err, ErrSessionCancelled) {
		t.Fatalf("Start = %v, want ErrSessionCancelled", err)
	}
	if r.m.Status() != StatusIdle {
		t.Errorf("status = %s, want IDLE", r.m.Status())
	}
	if got := r.stream.Closes(); got != 1 {
		t.Errorf("capture closed %d times, want 1", got)
	}
	if r.m.LastError() != nil {
		t.Errorf("LastError = %v, want nil", r.m.LastError())
	}
}

func TestStart_ConvertsCaptureFormat(t *testing.T) {
	r := newRig(t)
	r.stream = audiomock.NewCaptureStream(audio.Format{SampleRate: 48000, Channels: 2}, 16)
	r.mic.OpenResult = r.stream
	r.live(t)

	r.stream.Push(audio.AudioFrame{Data: make([]byte, 4800*4), SampleRate: 48000, Channels: 2})
	waitFor(t, func() bool { return len(r.remote.Sends()) == 1 })

	sent := r.remote.Sends()[0]
	if sent.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIME type = %q, want audio/pcm;rate=16000", sent.MIMEType)
	}
	raw, err := base64.StdEncoding.DecodeString(sent.Data)
	if err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	if len(raw) != 1600*2 {
		t.Errorf("sent %d bytes, want %d", len(raw), 1600*2)
	}
}

func TestStart_AfterCallEndsStartsFresh(t *testing.T) {
	r := newRig(t)
	r.live(t)
	r.pushAudio(t, 1.0)
	r.waitScheduled(t, 1)
	r.m.Stop()

	r.stream = audiomock.NewCaptureStream(audio.Format{SampleRate: 16000, Channels: 1}, 16)
	r.mic.OpenResult = r.stream
	r.remote = s2smock.NewSession(16)
	r.prov.Session = r.remote
	r.out.SetTime(10)
	r.live(t)

	if got := len(r.m.Transcript()); got != 2 {
		t.Errorf("transcript has %d lines, want 2", got)
	}
	r.pushAudio(t, 0.5)
	calls := r.waitScheduled(t, 2)
	if !almostEqual(calls[1].At, 10) {
		t.Errorf("first chunk of second call at %v, want 10", calls[1].At)
	}
}

// ─── Stop ─────────────────────────────────────────────────────────────────────

func TestStop_FromLiveReleasesEverything(t *testing.T) {
	r := newRig(t)
	var rec statusRecorder
	r.m.OnStatusChange(rec.record)
	r.live(t)
	r.pushAudio(t, 1.0)
	r.pushAudio(t, 1.0)
	calls := r.waitScheduled(t, 2)

	r.m.Stop()

	if r.m.Status() != StatusIdle {
		t.Errorf("status = %s, want IDLE", r.m.Status())
	}
	for i, c := range calls {
		if c.Voice.Stops() != 1 {
			t.Errorf("chunk %d stopped %d times, want 1", i, c.Voice.Stops())
		}
	}
	if r.m.ActiveChunks() != 0 || r.m.Cursor() != 0 {
		t.Errorf("active = %d cursor = %v, want 0 and 0", r.m.ActiveChunks(), r.m.Cursor())
	}
	if got := r.stream.Closes(); got != 1 {
		t.Errorf("capture closed %d times, want 1", got)
	}
	if got := r.remote.Closes(); got != 1 {
		t.Errorf("remote closed %d times, want 1", got)
	}
	seq := rec.seq()
	if n := len(seq); n < 2 || seq[n-2] != StatusTerminating || seq[n-1] != StatusIdle {
		t.Errorf("transitions = %v, want ... TERMINATING IDLE", seq)
	}
	if r.m.LastError() != nil {
		t.Errorf("LastError = %v, want nil", r.m.LastError())
	}
}

func TestStop_Idempotent(t *testing.T) {
	r := newRig(t)
	r.live(t)
	r.pushAudio(t, 1.0)
	r.waitScheduled(t, 1)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.m.Stop()
		}()
	}
	wg.Wait()
	r.m.Stop()

	if r.m.Status() != StatusIdle {
		t.Errorf("status = %s, want IDLE", r.m.Status())
	}
	if got := r.stream.Closes(); got != 1 {
		t.Errorf("capture closed %d times, want 1", got)
	}
	if got := r.remote.Closes(); got != 1 {
		t.Errorf("remote closed %d times, want 1", got)
	}
	if got := r.out.Scheduled()[0].Voice.Stops(); got != 1 {
		t.Errorf("chunk stopped %d times, want 1", got)
	}
}

func TestStop_WhenIdle(t *testing.T) {
	r := newRig(t)
	var rec statusRecorder
	r.m.OnStatusChange(rec.record)

	r.m.Stop()
	r.m.Stop()

	if r.m.Status() != StatusIdle {
		t.Errorf("status = %s, want IDLE", r.m.Status())
	}
	if got := rec.seq(); len(got) != 0 {
		t.Errorf("transitions = %v, want none", got)
	}
}

func TestStop_DuringPermissionRequest(t *testing.T) {
	r := newRig(t)
	r.mic.Block = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- r.m.Start(context.Background(), "+1 555 0100") }()
	waitStatus(t, r.m, StatusRequestingPermission)

	r.m.Stop()
	if r.m.Status() != StatusIdle {
		t.Errorf("status = %s, want IDLE", r.m.Status())
	}
	if err := <-errc; !errors.Is(err, ErrSessionCancelled) {
		t.Errorf("Start = %v, want ErrSessionCancelled", err)
	}
	if got := len(r.prov.Calls()); got != 0 {
		t.Errorf("Connect called %d times, want 0", got)
	}
	if r.m.Status() != StatusIdle {
		t.Errorf("status after Start returned = %s, want IDLE", r.m.Status())
	}
}

// consentMic grants capture only when the test says so, ignoring cancellation
// the way a pending browser consent prompt does.
type consentMic struct {
	grant  chan struct{}
	stream audio.CaptureStream
}

func (c *consentMic) Open(context.Context) (audio.CaptureStream, error) {
	<-c.grant
	return c.stream, nil
}

func TestStop_StalePermissionIsReleased(t *testing.T) {
	r := newRig(t)
	mic := &consentMic{grant: make(chan struct{}), stream: r.stream}
	m := New(mic, r.out, r.prov,
		WithLogger(slog.New(slog.DiscardHandler)),
		WithMetrics(observe.DefaultMetrics()),
	)

	errc := make(chan error, 1)
	go func() { errc <- m.Start(context.Background(), "+1 555 0100") }()
	waitStatus(t, m, StatusRequestingPermission)

	m.Stop()
	if m.Status() != StatusIdle {
		t.Fatalf("status = %s, want IDLE", m.Status())
	}
	close(mic.grant)

	if err := <-errc; !errors.Is(err, ErrSessionCancelled) {
		t.Fatalf("Start = %v, want ErrSessionCancelled", err)
	}
	if got := r.stream.Closes(); got != 1 {
		t.Errorf("stale capture closed %d times, want 1", got)
	}
	if got := len(r.prov.Calls()); got != 0 {
		t.Errorf("Connect called %d times, want 0", got)
	}
	if m.Status() != StatusIdle {
		t.Errorf("status = %s, want IDLE", m.Status())
	}
}

func TestStop_DuringConnect(t *testing.T) {
	r := newRig(t)
	r.prov.Block = make(chan struct{})

	errc := make(chan error, 1)
	go func() { errc <- r.m.Start(context.Background(), "+1 555 0100") }()
	waitStatus(t, r.m, StatusConnecting)

	r.m.Stop()
	if err := <-errc; !errors.Is(err, ErrSessionCancelled) {
		t.Fatalf("Start = %v, want ErrSessionCancelled", err)
	}
	if r.m.Status() != StatusIdle {
		t.Errorf("status = %s, want IDLE", r.m.Status())
	}
	if got := r.stream.Closes(); got != 1 {
		t.Errorf("capture closed %d times, want 1", got)
	}
}

func TestStop_FromErrorCancelsReset(t *testing.T) {
	r := newRig(t)
	r.prov.ConnectErr = errors.New("boom")
	_ = r.m.Start(context.Background(), "+1 555 0100")
	if r.m.Status() != StatusError {
		t.Fatalf("status = %s, want ERROR", r.m.Status())
	}

	r.m.Stop()
	if r.m.Status() != StatusIdle {
		t.Errorf("status = %s, want IDLE", r.m.Status())
	}

	r.prov.ConnectErr = nil
	r.stream = audiomock.NewCaptureStream(audio.Format{SampleRate: 16000, Channels: 1}, 16)
	r.mic.OpenResult = r.stream
	r.live(t)
	if r.m.LastError() != nil {
		t.Errorf("LastError = %v after a fresh start, want nil", r.m.LastError())
	}
}

func TestStart_RejectedDuringError(t *testing.T) {
	r := newRig(t)
	r.prov.ConnectErr = errors.New("boom")
	_ = r.m.Start(context.Background(), "+1 555 0100")

	if err := r.m.Start(context.Background(), "+1 555 0100"); !errors.Is(err, ErrSessionActive) {
		t.Errorf("Start during ERROR = %v, want ErrSessionActive", err)
	}
}

// ─── Playback ─────────────────────────────────────────────────────────────────

func TestPlayback_ChunksQueueBackToBack(t *testing.T) {
	r := newRig(t)
	r.live(t)

	for _, d := range []float64{1.0, 0.5, 2.0} {
		r.pushAudio(t, d)
	}
	calls := r.waitScheduled(t, 3)

	for i, want := range []float64{0, 1.0, 1.5} {
		if !almostEqual(calls[i].At, want) {
			t.Errorf("chunk %d starts at %v, want %v", i, calls[i].At, want)
		}
	}
	if !almostEqual(r.m.Cursor(), 3.5) {
		t.Errorf("cursor = %v, want 3.5", r.m.Cursor())
	}
	if r.m.ActiveChunks() != 3 {
		t.Errorf("active = %d, want 3", r.m.ActiveChunks())
	}

	calls[0].Voice.Finish()
	if r.m.ActiveChunks() != 2 {
		t.Errorf("active after first chunk finished = %d, want 2", r.m.ActiveChunks())
	}
}

func TestPlayback_LateChunkStartsNow(t *testing.T) {
	r := newRig(t)
	r.live(t)

	r.pushAudio(t, 1.0)
	r.waitScheduled(t, 1)
	r.out.SetTime(4)
	r.pushAudio(t, 0.5)
	calls := r.waitScheduled(t, 2)

	if !almostEqual(calls[1].At, 4) {
		t.Errorf("late chunk starts at %v, want 4", calls[1].At)
	}
	if !almostEqual(r.m.Cursor(), 4.5) {
		t.Errorf("cursor = %v, want 4.5", r.m.Cursor())
	}
}

func TestPlayback_NeverOverlapsOrStartsInPast(t *testing.T) {
	r := newRig(t)
	r.live(t)
	rng := rand.New(rand.NewPCG(7, 11))

	now, prevEnd := 0.0, 0.0
	for i := range 40 {
		now += rng.Float64() * 0.6
		r.out.SetTime(now)
		d := 0.05 + rng.Float64()*0.5
		r.pushAudio(t, d)
		c := r.waitScheduled(t, i+1)[i]

		if c.At < now-1e-9 {
			t.Fatalf("chunk %d starts at %v before clock %v", i, c.At, now)
		}
		if c.At < prevEnd-1e-9 {
			t.Fatalf("chunk %d starts at %v, overlapping previous end %v", i, c.At, prevEnd)
		}
		prevEnd = c.At + c.Buffer.Duration()
	}
}

func TestPlayback_ResamplesForeignRate(t *testing.T) {
	r := newRig(t)
	r.live(t)

	blob := pcmBlob(1.0, 16000)
	r.remote.Push(s2s.Message{Audio: &blob})
	calls := r.waitScheduled(t, 1)

	if got := calls[0].Buffer.SampleRate; got != playbackRate {
		t.Errorf("buffer rate = %d, want %d", got, playbackRate)
	}
	if d := calls[0].Buffer.Duration(); math.Abs(d-1.0) > 1e-3 {
		t.Errorf("duration = %v, want 1.0", d)
	}
}

func TestPlayback_DecodeFailureIsNotFatal(t *testing.T) {
	r := newRig(t)
	r.live(t)

	bad := audio.Blob{MIMEType: "audio/pcm;rate=24000", Data: "!!not base64!!"}
	r.remote.Push(s2s.Message{Audio: &bad})
	r.pushAudio(t, 0.5)
	calls := r.waitScheduled(t, 1)

	if !almostEqual(calls[0].At, 0) {
		t.Errorf("good chunk starts at %v, want 0", calls[0].At)
	}
	if r.m.Status() != StatusLive {
		t.Errorf("status = %s, want LIVE", r.m.Status())
	}
	if got := r.m.Snapshot().DecodeFailures; got != 1 {
		t.Errorf("decode failures = %d, want 1", got)
	}
}

// ─── Remote signals and loop failures ─────────────────────────────────────────

func TestRemoteError_TearsDownScheduledChunks(t *testing.T) {
	r := newRig(t)
	r.live(t)
	for range 3 {
		r.pushAudio(t, 1.0)
	}
	calls := r.waitScheduled(t, 3)

	r.remote.Finish(errors.New("socket reset"))
	waitStatus(t, r.m, StatusIdle)

	for i, c := range calls {
		if c.Voice.Stops() != 1 {
			t.Errorf("chunk %d stopped %d times, want 1", i, c.Voice.Stops())
		}
	}
	if r.m.ActiveChunks() != 0 || r.m.Cursor() != 0 {
		t.Errorf("active = %d cursor = %v, want 0 and 0", r.m.ActiveChunks(), r.m.Cursor())
	}
	if got := r.stream.Closes(); got != 1 {
		t.Errorf("capture closed %d times, want 1", got)
	}
	if !errors.Is(r.m.LastError(), ErrConnectionFailure) {
		t.Errorf("LastError = %v, want ErrConnectionFailure", r.m.LastError())
	}
}

func TestRemoteClose_TearsDownCleanly(t *testing.T) {
	r := newRig(t)
	r.live(t)

	r.remote.Finish(nil)
	waitStatus(t, r.m, StatusIdle)

	if r.m.LastError() != nil {
		t.Errorf("LastError = %v, want nil", r.m.LastError())
	}
	if got := r.stream.Closes(); got != 1 {
		t.Errorf("capture closed %d times, want 1", got)
	}
	r.m.Stop()
	if got := r.stream.Closes(); got != 1 {
		t.Errorf("capture closed %d times after Stop, want 1", got)
	}
}

func TestRemoteEnd_WhileCapturing(t *testing.T) {
	tests := []struct {
		name    string
		cause   error
		wantErr error
	}{
		{name: "clean hangup"},
		{name: "remote failure", cause: errors.New("socket reset"), wantErr: ErrConnectionFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t)
			r.live(t)

			r.remote.Finish(tt.cause)
			for range 4 {
				r.stream.Push(audio.AudioFrame{Data: make([]byte, 8192), SampleRate: 16000, Channels: 1})
			}
			waitStatus(t, r.m, StatusIdle)

			err := r.m.LastError()
			switch {
			case tt.wantErr == nil && err != nil:
				t.Errorf("LastError = %v, want nil", err)
			case tt.wantErr != nil && !errors.Is(err, tt.wantErr):
				t.Errorf("LastError = %v, want %v", err, tt.wantErr)
			}
			if errors.Is(err, ErrTransmitFailure) {
				t.Errorf("remote end reported as transmit failure: %v", err)
			}
			if r.m.Snapshot().Error != "" && tt.wantErr == nil {
				t.Errorf("snapshot error = %q, want none", r.m.Snapshot().Error)
			}
		})
	}
}

func TestCaptureLoop_SessionClosedEndsQuietly(t *testing.T) {
	r := newRig(t)
	remote := s2smock.NewSession(1)
	remote.Finish(nil)

	frames := make(chan audio.AudioFrame, 1)
	frames <- audio.AudioFrame{Data: []byte{1, 0}, SampleRate: 16000, Channels: 1}
	s := newSession("+1 555 0100", slog.New(slog.DiscardHandler))

	if err := r.m.captureLoop(context.Background(), s, frames, remote); err != nil {
		t.Errorf("captureLoop = %v, want nil", err)
	}
}

func TestCaptureLoop_SendFailureIsTransmitFailure(t *testing.T) {
	r := newRig(t)
	remote := s2smock.NewSession(1)
	remote.SendAudioErr = errors.New("broken pipe")

	frames := make(chan audio.AudioFrame, 1)
	frames <- audio.AudioFrame{Data: []byte{1, 0}, SampleRate: 16000, Channels: 1}
	s := newSession("+1 555 0100", slog.New(slog.DiscardHandler))

	if err := r.m.captureLoop(context.Background(), s, frames, remote); !errors.Is(err, ErrTransmitFailure) {
		t.Errorf("captureLoop = %v, want ErrTransmitFailure", err)
	}
}

func TestCapture_TransmitsInOrder(t *testing.T) {
	r := newRig(t)
	r.live(t)

	for i := range 5 {
		r.stream.Push(audio.AudioFrame{
			Data:       []byte{byte(i), 0, byte(i), 0},
			SampleRate: 16000,
			Channels:   1,
		})
	}
	waitFor(t, func() bool { return len(r.remote.Sends()) == 5 })

	for i, b := range r.remote.Sends() {
		if b.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("frame %d MIME type = %q", i, b.MIMEType)
		}
		raw, err := audio.DecodeBlob(b)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if raw[0] != byte(i) {
			t.Errorf("frame %d carries sample %d, want %d", i, raw[0], i)
		}
	}
	if got := r.m.Snapshot().FramesSent; got != 5 {
		t.Errorf("frames sent = %d, want 5", got)
	}
}

func TestCapture_TransmitFailureTearsDown(t *testing.T) {
	r := newRig(t)
	r.remote.SendAudioErr = errors.New("broken pipe")
	r.live(t)

	r.stream.Push(audio.AudioFrame{Data: make([]byte, 8192), SampleRate: 16000, Channels: 1})
	waitStatus(t, r.m, StatusIdle)

	if !errors.Is(r.m.LastError(), ErrTransmitFailure) {
		t.Errorf("LastError = %v, want ErrTransmitFailure", r.m.LastError())
	}
	if got := r.remote.Closes(); got != 1 {
		t.Errorf("remote closed %d times, want 1", got)
	}
}

func TestCapture_DeviceLossTearsDown(t *testing.T) {
	r := newRig(t)
	r.live(t)

	r.stream.End()
	waitStatus(t, r.m, StatusIdle)

	if !errors.Is(r.m.LastError(), ErrCaptureLost) {
		t.Errorf("LastError = %v, want ErrCaptureLost", r.m.LastError())
	}
	if got := r.remote.Closes(); got != 1 {
		t.Errorf("remote closed %d times, want 1", got)
	}
}

func TestMaxCallDuration_HangsUp(t *testing.T) {
	r := newRig(t, WithMaxCallDuration(30*time.Millisecond))
	r.live(t)

	waitStatus(t, r.m, StatusIdle)
	if r.m.LastError() != nil {
		t.Errorf("LastError = %v, want nil", r.m.LastError())
	}
	if got := r.stream.Closes(); got != 1 {
		t.Errorf("capture closed %d times, want 1", got)
	}
}

// ─── Transcript ───────────────────────────────────────────────────────────────

func TestTranscript_RoleTaggedLines(t *testing.T) {
	r := newRig(t, WithInputTranscription(true))
	var (
		mu     sync.Mutex
		pushed []string
	)
	r.m.OnTranscript(func(l Line) {
		mu.Lock()
		pushed = append(pushed, l.String())
		mu.Unlock()
	})
	r.live(t)

	if !r.prov.Calls()[0].Cfg.InputTranscription {
		t.Error("input transcription not requested")
	}

	r.pushTranscript(t, s2s.RoleAgent, "Good afternoon, this is OmniFlow.")
	r.pushTranscript(t, s2s.RoleUser, "  ")
	r.pushTranscript(t, s2s.RoleUser, "Who is this?")
	waitFor(t, func() bool { return len(r.m.Transcript()) == 4 })

	lines := r.m.Transcript()
	if got := lines[2].String(); got != "[Agent] Good afternoon, this is OmniFlow." {
		t.Errorf("line 2 = %q", got)
	}
	if got := lines[3].String(); got != "[User] Who is this?" {
		t.Errorf("line 3 = %q", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(pushed) != 4 {
		t.Errorf("OnTranscript saw %d lines, want 4", len(pushed))
	}
}

// ─── Settings ─────────────────────────────────────────────────────────────────

func TestApplySettings_UsedByNextCall(t *testing.T) {
	r := newRig(t, WithCatalog(catalog.New([]catalog.Service{
		{ID: "c1", Name: "Deep Clean", Price: "$90", Category: catalog.CategoryCleaning},
	})))
	r.m.ApplySettings(Settings{Voice: "Puck"})

	if got := r.m.Settings().ErrorResetDelay; got != DefaultErrorResetDelay {
		t.Errorf("ErrorResetDelay = %v, want default %v", got, DefaultErrorResetDelay)
	}
	r.live(t)

	cfg := r.prov.Calls()[0].Cfg
	if cfg.Voice != "Puck" {
		t.Errorf("voice = %q, want Puck", cfg.Voice)
	}
	if !strings.Contains(cfg.Instructions, "Services: Deep Clean ($90).") {
		t.Errorf("instructions = %q", cfg.Instructions)
	}
}

// ─── Metrics ──────────────────────────────────────────────────────────────────

func TestMetrics_CallLifecycle(t *testing.T) {
	r := newRig(t)

	_ = r.m.Start(context.Background(), " ")
	r.live(t)

	var live metricdata.ResourceMetrics
	if err := r.reader.Collect(context.Background(), &live); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := int64Sum(t, live, "omniflow.dialer.active_calls", "", ""); got != 1 {
		t.Errorf("active calls while live = %d, want 1", got)
	}

	r.stream.Push(audio.AudioFrame{Data: make([]byte, 8192), SampleRate: 16000, Channels: 1})
	r.pushAudio(t, 1.0)
	r.waitScheduled(t, 1)
	waitFor(t, func() bool { return len(r.remote.Sends()) == 1 })
	r.remote.Finish(errors.New("socket reset"))
	waitStatus(t, r.m, StatusIdle)

	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	tests := []struct {
		metric, key, value string
		want               int64
	}{
		{"omniflow.dialer.calls", "outcome", observe.OutcomeLive, 1},
		{"omniflow.dialer.calls", "outcome", observe.OutcomeRejected, 1},
		{"omniflow.dialer.errors", "kind", "connection", 1},
		{"omniflow.dialer.active_calls", "", "", 0},
		{"omniflow.audio.frames_sent", "", "", 1},
		{"omniflow.audio.chunks_scheduled", "", "", 1},
	}
	for _, tt := range tests {
		t.Run(tt.metric+"/"+tt.value, func(t *testing.T) {
			if got := int64Sum(t, rm, tt.metric, tt.key, tt.value); got != tt.want {
				t.Errorf("%s{%s=%q} = %d, want %d", tt.metric, tt.key, tt.value, got, tt.want)
			}
		})
	}
}

func int64Sum(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				if key == "" {
					total += dp.Value
					continue
				}
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					total += dp.Value
				}
			}
			return total
		}
	}
	t.Fatalf("metric %q not found", name)
	return 0
}
