package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/omniflow/pkg/audio"
	"github.com/MrWong99/omniflow/pkg/audio/playback"
	"github.com/MrWong99/omniflow/pkg/provider/s2s"
)

// session holds the resources of one call attempt. Resources are attached as
// setup progresses and all of them are released exactly once by release.
type session struct {
	target string
	log    *slog.Logger

	// Set by goLive before the session is published; immutable afterwards.
	id        string
	startedAt time.Time
	sched     *playback.Scheduler

	stopping       atomic.Bool
	framesSent     atomic.Int64
	chunks         atomic.Int64
	decodeFailures atomic.Int64

	mu        sync.Mutex
	released  bool
	capture   audio.CaptureStream
	frames    <-chan audio.AudioFrame
	converted bool
	handle    s2s.SessionHandle
	cancel    context.CancelFunc
}

func newSession(target string, log *slog.Logger) *session {
	return &session{
		target: target,
		log:    log.With("target", target),
	}
}

// attachCapture hands cs to the session. It reports false if the session was
// already released; the caller then owns cs.
func (s *session) attachCapture(cs audio.CaptureStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.capture = cs
	return true
}

// setFrames records the frame channel the capture loop reads. converted
// marks a channel fed by a conversion goroutine that must be drained after
// the capture stream closes.
func (s *session) setFrames(frames <-chan audio.AudioFrame, converted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		if converted {
			go audio.Drain(frames)
		}
		return
	}
	s.frames, s.converted = frames, converted
}

// attachHandle hands h to the session. It reports false if the session was
// already released; the caller then owns h.
func (s *session) attachHandle(h s2s.SessionHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.handle = h
	return true
}

// goLive stamps the session identity and attaches the scheduler and loop
// cancel func. It reports false if the session was already released.
func (s *session) goLive(id string, at time.Time, sched *playback.Scheduler, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.id = id
	s.startedAt = at
	s.sched = sched
	s.cancel = cancel
	s.log = s.log.With("session_id", id)
	return true
}

// release tears the session down in order: loops cancelled, scheduled
// chunks stopped, capture closed, remote handle closed. Every step runs even
// if an earlier one fails. Only the first call does anything.
func (s *session) release() {
	s.stopping.Store(true)

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	cancel, sched, capture, handle := s.cancel, s.sched, s.capture, s.handle
	frames, converted := s.frames, s.converted
	s.cancel, s.capture, s.handle, s.frames = nil, nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sched != nil {
		sched.StopAll()
	}

	var errs []error
	if capture != nil {
		if err := capture.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close capture: %w", err))
		}
	}
	if converted && frames != nil {
		go audio.Drain(frames)
	}
	if handle != nil {
		if err := handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close remote session: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.log.Warn("session teardown incomplete", "err", err)
	}
}

// loopResources returns what the two loops need. Only valid once goLive
// succeeded and before release.
func (s *session) loopResources() (<-chan audio.AudioFrame, s2s.SessionHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.handle
}

// ─── Loops ────────────────────────────────────────────────────────────────────

// run starts the capture and receive loops of s. The first loop to fail
// cancels the other; the session is then torn down with that error.
func (m *Manager) run(ctx context.Context, s *session) {
	frames, handle := s.loopResources()
	if frames == nil || handle == nil {
		// Released between publishing and here; Stop owns the teardown.
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.captureLoop(gctx, s, frames, handle) })
	g.Go(func() error { return m.receiveLoop(gctx, s, handle) })

	go func() {
		err := g.Wait()
		switch {
		case errors.Is(err, errRemoteClosed):
			s.log.Info("remote end closed the session")
			err = nil
		case err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
			s.log.Info("maximum call duration reached")
		}
		m.endSession(s, err)
	}()
}

// captureLoop transmits captured frames in capture order until the stream
// ends or ctx is done.
func (m *Manager) captureLoop(ctx context.Context, s *session, frames <-chan audio.AudioFrame, handle s2s.SessionHandle) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				if ctx.Err() != nil || s.stopping.Load() {
					return nil
				}
				return ErrCaptureLost
			}
			if s.stopping.Load() {
				return nil
			}
			if err := handle.SendAudio(audio.EncodeBlob(frame)); err != nil {
				// The remote end hung up or failed; the receive loop
				// reports which once the message stream closes.
				if s.stopping.Load() || errors.Is(err, s2s.ErrSessionClosed) {
					return nil
				}
				return fmt.Errorf("%w: %w", ErrTransmitFailure, err)
			}
			s.framesSent.Add(1)
			m.metrics.FramesSent.Add(ctx, 1)
		}
	}
}

// receiveLoop is the single consumer of the remote message stream.
func (m *Manager) receiveLoop(ctx context.Context, s *session, handle s2s.SessionHandle) error {
	msgs := handle.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil || s.stopping.Load() {
					return nil
				}
				if err := handle.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrConnectionFailure, err)
				}
				return errRemoteClosed
			}
			m.handleMessage(ctx, s, msg)
		}
	}
}

func (m *Manager) handleMessage(ctx context.Context, s *session, msg s2s.Message) {
	if t := msg.Transcript; t != nil {
		if text := strings.TrimSpace(t.Text); text != "" {
			m.appendFrom(s, Role(t.Role), text)
		}
	}
	if msg.Audio != nil {
		m.playChunk(ctx, s, *msg.Audio)
	}
}

// playChunk decodes one inbound payload and schedules it after everything
// already queued. An undecodable payload is dropped and counted.
func (m *Manager) playChunk(ctx context.Context, s *session, blob audio.Blob) {
	pcm, err := audio.DecodeBlob(blob)
	if err != nil {
		s.decodeFailures.Add(1)
		m.metrics.DecodeFailures.Add(ctx, 1)
		s.log.Warn("dropping audio chunk", "err", fmt.Errorf("%w: %w", ErrDecodeFailure, err))
		return
	}

	rate := m.out.SampleRate()
	if src, ok := audio.BlobSampleRate(blob.MIMEType); ok && src != rate {
		pcm = audio.ResampleMono16(pcm, src, rate)
		if len(pcm) == 0 {
			return
		}
	}

	before := s.sched.Underruns()
	chunk, err := s.sched.Enqueue(playback.BufferFromPCM16(pcm, rate))
	if err != nil {
		if !errors.Is(err, playback.ErrClosed) {
			s.log.Warn("failed to schedule audio chunk", "err", err)
		}
		return
	}
	s.chunks.Add(1)
	m.metrics.ChunksScheduled.Add(ctx, 1)
	if s.sched.Underruns() > before {
		m.metrics.PlaybackUnderruns.Add(ctx, 1)
		s.log.Debug("playback underrun", "start", chunk.Start)
	}
}
