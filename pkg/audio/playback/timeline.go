package playback

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// Compile-time interface assertion.
var _ Output = (*Timeline)(nil)

// Timeline is a software [Output]. Its clock is a sample counter advanced by
// [Timeline.Render]; every call mixes the voices active in the rendered window
// into the output slice. A Timeline starts suspended: Render emits silence and
// does not advance the clock until [Timeline.Resume] is called.
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	rate int

	mu      sync.Mutex
	pos     int64 // frames rendered since Resume
	voices  []*timelineVoice
	running bool
	closed  bool
}

type timelineVoice struct {
	t       *Timeline
	buf     Buffer
	start   int64 // absolute frame index
	ended   bool
	onEnded func()
}

// NewTimeline returns a suspended mono Timeline clocked at sampleRate.
func NewTimeline(sampleRate int) *Timeline {
	return &Timeline{rate: sampleRate}
}

// SampleRate implements [Output].
func (t *Timeline) SampleRate() int { return t.rate }

// CurrentTime implements [Output].
func (t *Timeline) CurrentTime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.pos) / float64(t.rate)
}

// Resume implements [Output].
func (t *Timeline) Resume(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.running = true
	return nil
}

// Schedule implements [Output].
func (t *Timeline) Schedule(buf Buffer, at float64, onEnded func()) (Voice, error) {
	if buf.SampleRate != t.rate || buf.Channels != 1 {
		return nil, fmt.Errorf("%w: got %dHz/%dch, want %dHz mono", ErrFormatMismatch, buf.SampleRate, buf.Channels, t.rate)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	start := int64(math.Round(at * float64(t.rate)))
	if start < t.pos {
		start = t.pos
	}
	v := &timelineVoice{t: t, buf: buf, start: start, onEnded: onEnded}
	t.voices = append(t.voices, v)
	return v, nil
}

// Voices returns the number of voices that have not ended.
func (t *Timeline) Voices() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voices)
}

// Render fills out with the next len(out) mono frames and advances the clock.
// Voices whose last sample falls inside the window are ended and their
// callbacks run after the internal lock is released.
func (t *Timeline) Render(out []float32) {
	clear(out)

	t.mu.Lock()
	if !t.running || t.closed {
		t.mu.Unlock()
		return
	}
	from := t.pos
	to := from + int64(len(out))

	var ended []*timelineVoice
	kept := t.voices[:0]
	for _, v := range t.voices {
		end := v.start + int64(len(v.buf.Samples))
		lo := max(from, v.start)
		hi := min(to, end)
		for i := lo; i < hi; i++ {
			out[i-from] += v.buf.Samples[i-v.start]
		}
		if end <= to {
			v.ended = true
			ended = append(ended, v)
			continue
		}
		kept = append(kept, v)
	}
	clear(t.voices[len(kept):])
	t.voices = kept
	t.pos = to
	t.mu.Unlock()

	for _, v := range ended {
		if v.onEnded != nil {
			v.onEnded()
		}
	}
}

// Advance renders d seconds into a scratch buffer. It is a convenience for
// driving the clock without a device.
func (t *Timeline) Advance(d float64) {
	n := int(math.Round(d * float64(t.rate)))
	if n <= 0 {
		return
	}
	t.Render(make([]float32, n))
}

// Close stops every voice and rejects further scheduling. Close is
// idempotent.
func (t *Timeline) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.running = false
	voices := t.voices
	t.voices = nil
	for _, v := range voices {
		v.ended = true
	}
	t.mu.Unlock()

	for _, v := range voices {
		if v.onEnded != nil {
			v.onEnded()
		}
	}
	return nil
}

func (v *timelineVoice) Stop() error {
	t := v.t
	t.mu.Lock()
	if v.ended {
		t.mu.Unlock()
		return ErrVoiceEnded
	}
	v.ended = true
	for i, o := range t.voices {
		if o == v {
			t.voices = append(t.voices[:i], t.voices[i+1:]...)
			break
		}
	}
	t.mu.Unlock()

	if v.onEnded != nil {
		v.onEnded()
	}
	return nil
}
