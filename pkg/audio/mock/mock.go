// Package mock provides in-memory mock implementations of [audio.Microphone],
// [audio.CaptureStream] and [playback.Output] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewCaptureStream(audio.Format{SampleRate: 16000, Channels: 1}, 8)
//	mic := &mock.Microphone{OpenResult: stream}
//	out := &mock.Output{Rate: 24000}
//	stream.Push(frame)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/omniflow/pkg/audio"
	"github.com/MrWong99/omniflow/pkg/audio/playback"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenResult is returned by Open when OpenError is nil.
	OpenResult audio.CaptureStream

	// OpenError is returned by Open.
	OpenError error

	// Block, when non-nil, makes Open wait until the channel is closed or
	// ctx is done. Use it to hold a start attempt in the permission phase.
	Block chan struct{}

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(ctx context.Context) (audio.CaptureStream, error) {
	m.mu.Lock()
	m.CallCountOpen++
	block := m.Block
	res, err := m.OpenResult, m.OpenError
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Opens returns how many times Open was called.
func (m *Microphone) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountOpen
}

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock implementation of [audio.CaptureStream]. Tests push
// frames with [CaptureStream.Push] and end the stream with [CaptureStream.End]
// to simulate the device stopping on its own.
type CaptureStream struct {
	format audio.Format
	frames chan audio.AudioFrame

	mu        sync.Mutex
	closed    bool
	callClose int

	// CloseError is returned by Close.
	CloseError error
}

// NewCaptureStream returns an open stream delivering frames of format f
// through a channel with the given buffer size.
func NewCaptureStream(f audio.Format, buffer int) *CaptureStream {
	return &CaptureStream{format: f, frames: make(chan audio.AudioFrame, buffer)}
}

// Frames implements [audio.CaptureStream].
func (s *CaptureStream) Frames() <-chan audio.AudioFrame { return s.frames }

// Format implements [audio.CaptureStream].
func (s *CaptureStream) Format() audio.Format { return s.format }

// Push delivers frame to the consumer. It reports false if the stream is
// already closed.
func (s *CaptureStream) Push(frame audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.frames <- frame
	return true
}

// End closes the frame channel without counting as a Close call.
func (s *CaptureStream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

// Close implements [audio.CaptureStream].
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callClose++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return s.CloseError
}

// Closes returns how many times Close was called.
func (s *CaptureStream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callClose
}

// ─── Output ───────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [Output.Schedule] invocation.
type ScheduleCall struct {
	Buffer playback.Buffer
	At     float64
	Voice  *Voice
}

// Output is a mock implementation of [playback.Output] with a clock the test
// sets directly. Voices end only when the test calls [Voice.Finish] or when
// they are stopped.
type Output struct {
	mu sync.Mutex

	// Rate is returned by SampleRate.
	Rate int

	// Now is returned by CurrentTime.
	Now float64

	// ResumeError is returned by Resume.
	ResumeError error

	// ScheduleError is returned by Schedule.
	ScheduleError error

	// CallCountResume records how many times Resume was called.
	CallCountResume int

	// ScheduleCalls records all successful Schedule invocations in order.
	ScheduleCalls []ScheduleCall
}

// SampleRate implements [playback.Output].
func (o *Output) SampleRate() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Rate
}

// CurrentTime implements [playback.Output].
func (o *Output) CurrentTime() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Now
}

// SetTime moves the clock to now.
func (o *Output) SetTime(now float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Now = now
}

// Resume implements [playback.Output].
func (o *Output) Resume(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountResume++
	return o.ResumeError
}

// Schedule implements [playback.Output].
func (o *Output) Schedule(buf playback.Buffer, at float64, onEnded func()) (playback.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleError != nil {
		return nil, o.ScheduleError
	}
	v := &Voice{onEnded: onEnded}
	o.ScheduleCalls = append(o.ScheduleCalls, ScheduleCall{Buffer: buf, At: at, Voice: v})
	return v, nil
}

// Scheduled returns a copy of the recorded Schedule calls.
func (o *Output) Scheduled() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ScheduleCall, len(o.ScheduleCalls))
	copy(out, o.ScheduleCalls)
	return out
}

// ─── Voice ────────────────────────────────────────────────────────────────────

// Voice is a mock implementation of [playback.Voice].
type Voice struct {
	mu      sync.Mutex
	ended   bool
	stops   int
	onEnded func()
}

// Stop implements [playback.Voice]. It returns [playback.ErrVoiceEnded] if
// the voice already ended.
func (v *Voice) Stop() error {
	v.mu.Lock()
	v.stops++
	if v.ended {
		v.mu.Unlock()
		return playback.ErrVoiceEnded
	}
	v.ended = true
	cb := v.onEnded
	v.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

// Finish simulates the voice playing to its end.
func (v *Voice) Finish() {
	v.mu.Lock()
	if v.ended {
		v.mu.Unlock()
		return
	}
	v.ended = true
	cb := v.onEnded
	v.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Stops returns how many times Stop was called.
func (v *Voice) Stops() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stops
}

// Ended reports whether the voice finished or was stopped.
func (v *Voice) Ended() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ended
}
