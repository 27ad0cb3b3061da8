// Package portaudio implements the capture and playback devices on top of the
// PortAudio host API.
//
// [Microphone] opens the default input device and delivers mono int16 frames
// at the configured capture rate, resampling when the device cannot run at
// that rate natively. [Speaker] drives a [playback.Timeline] from the default
// output device's callback so the timeline clock follows the sound card.
//
// PortAudio reference-counts Initialize/Terminate, so each open device holds
// its own initialisation and releases it on Close.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/omniflow/pkg/audio"
	"github.com/MrWong99/omniflow/pkg/audio/playback"
)

const (
	// DefaultCaptureRate is the outbound capture clock in Hz.
	DefaultCaptureRate = 16000

	// DefaultPlaybackRate is the inbound playback clock in Hz.
	DefaultPlaybackRate = 24000

	// DefaultFramesPerBuffer is the number of samples per capture callback.
	DefaultFramesPerBuffer = 4096

	defaultFrameBuffer = 32
)

// Compile-time interface assertions.
var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureStream = (*captureStream)(nil)
	_ playback.Output     = (*Speaker)(nil)
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Option configures a [Microphone].
type Option func(*Microphone)

// WithSampleRate sets the capture rate frames are delivered at.
func WithSampleRate(hz int) Option {
	return func(m *Microphone) {
		if hz > 0 {
			m.rate = hz
		}
	}
}

// WithFramesPerBuffer sets the number of samples in each delivered frame.
func WithFramesPerBuffer(n int) Option {
	return func(m *Microphone) {
		if n > 0 {
			m.framesPerBuffer = n
		}
	}
}

// WithFrameBuffer sets how many frames may queue before new ones are dropped.
func WithFrameBuffer(n int) Option {
	return func(m *Microphone) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// Microphone opens the system default input device.
type Microphone struct {
	rate            int
	framesPerBuffer int
	buffer          int
}

// NewMicrophone returns a Microphone with the default 16 kHz / 4096-sample
// configuration, adjusted by opts.
func NewMicrophone(opts ...Option) *Microphone {
	m := &Microphone{
		rate:            DefaultCaptureRate,
		framesPerBuffer: DefaultFramesPerBuffer,
		buffer:          defaultFrameBuffer,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open implements [audio.Microphone]. It opens the default input device at
// the capture rate, falling back to the device's native rate with
// resampling. Any failure to obtain the device is reported as
// [audio.ErrPermissionDenied].
func (m *Microphone) Open(ctx context.Context) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialise portaudio: %v", audio.ErrPermissionDenied, err)
	}

	target := audio.Format{SampleRate: m.rate, Channels: 1}
	cs := &captureStream{
		format: target,
		frames: make(chan audio.AudioFrame, m.buffer),
		conv:   &audio.FormatConverter{Target: target},
	}

	deviceRate := m.rate
	stream, err := pa.OpenDefaultStream(1, 0, float64(deviceRate), m.framesPerBuffer, cs.callback)
	if err != nil {
		dev, derr := pa.DefaultInputDevice()
		if derr != nil {
			_ = pa.Terminate()
			return nil, fmt.Errorf("%w: no input device: %v", audio.ErrPermissionDenied, derr)
		}
		deviceRate = int(dev.DefaultSampleRate)
		frames := m.framesPerBuffer * deviceRate / m.rate
		slog.Debug("portaudio: capture rate not supported natively, resampling",
			"device", dev.Name,
			"device_rate", deviceRate,
			"capture_rate", m.rate,
		)
		stream, err = pa.OpenDefaultStream(1, 0, float64(deviceRate), frames, cs.callback)
		if err != nil {
			_ = pa.Terminate()
			return nil, fmt.Errorf("%w: open input stream: %v", audio.ErrPermissionDenied, err)
		}
	}
	cs.deviceRate = deviceRate
	cs.stream = stream
	cs.started = time.Now()

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("%w: start input stream: %v", audio.ErrPermissionDenied, err)
	}
	return cs, nil
}

type captureStream struct {
	format     audio.Format
	deviceRate int
	frames     chan audio.AudioFrame
	conv       *audio.FormatConverter
	stream     *pa.Stream
	started    time.Time
	dropped    atomic.Int64

	mu     sync.Mutex
	closed bool
}

// callback runs on the PortAudio thread. It never blocks: when the consumer
// falls behind, the frame is dropped.
func (s *captureStream) callback(in []float32) {
	frame := s.conv.Convert(audio.AudioFrame{
		Data:       audio.Float32ToPCM16(in),
		SampleRate: s.deviceRate,
		Channels:   1,
		Timestamp:  time.Since(s.started),
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.frames <- frame:
	default:
		if s.dropped.Add(1) == 1 {
			slog.Warn("portaudio: capture consumer too slow, dropping frames")
		}
	}
}

func (s *captureStream) Frames() <-chan audio.AudioFrame { return s.frames }

func (s *captureStream) Format() audio.Format { return s.format }

// Close stops the device, releases PortAudio and closes the frame channel.
func (s *captureStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.frames)
	s.mu.Unlock()

	var errs []error
	if err := s.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop input stream: %w", err))
	}
	if err := s.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close input stream: %w", err))
	}
	if err := pa.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("terminate: %w", err))
	}
	if n := s.dropped.Load(); n > 0 {
		slog.Info("portaudio: capture closed", "dropped_frames", n)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("portaudio: %w", err)
	}
	return nil
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a [playback.Output] whose clock is advanced by the default
// output device. The device is opened lazily by Resume.
type Speaker struct {
	*playback.Timeline

	framesPerBuffer int

	mu     sync.Mutex
	stream *pa.Stream
}

// NewSpeaker returns a suspended Speaker clocked at sampleRate.
func NewSpeaker(sampleRate, framesPerBuffer int) *Speaker {
	if framesPerBuffer <= 0 {
		framesPerBuffer = 1024
	}
	return &Speaker{
		Timeline:        playback.NewTimeline(sampleRate),
		framesPerBuffer: framesPerBuffer,
	}
}

// Resume opens and starts the output device on first use, then resumes the
// timeline clock. Subsequent calls only resume the clock.
func (s *Speaker) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		if err := pa.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialise: %w", err)
		}
		stream, err := pa.OpenDefaultStream(0, 1, float64(s.SampleRate()), s.framesPerBuffer, s.Timeline.Render)
		if err != nil {
			_ = pa.Terminate()
			return fmt.Errorf("portaudio: open output stream: %w", err)
		}
		if err := stream.Start(); err != nil {
			_ = stream.Close()
			_ = pa.Terminate()
			return fmt.Errorf("portaudio: start output stream: %w", err)
		}
		s.stream = stream
	}
	return s.Timeline.Resume(ctx)
}

// Close stops the output device and the timeline. Close is idempotent.
func (s *Speaker) Close() error {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	if stream != nil {
		_ = stream.Stop()
		_ = stream.Close()
		_ = pa.Terminate()
	}
	return s.Timeline.Close()
}
