package playback

import (
	"fmt"
	"sync"
)

// Chunk is one buffer placed on the output clock by a [Scheduler].
type Chunk struct {
	Start    float64
	Duration float64

	voice Voice
}

// Scheduler places buffers gaplessly on an [Output] in arrival order.
//
// For every buffer the start time is max(now, cursor) and the cursor then
// advances to start + duration. Buffers arriving faster than real time are
// queued back-to-back; a buffer arriving after the cursor has fallen behind
// the clock starts immediately. Scheduled chunks never overlap.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	out Output

	mu        sync.Mutex
	cursor    float64
	active    map[*Chunk]struct{}
	underruns int
	stopped   bool
}

// NewScheduler returns a Scheduler placing buffers on out with its cursor at
// zero.
func NewScheduler(out Output) *Scheduler {
	return &Scheduler{
		out:    out,
		active: make(map[*Chunk]struct{}),
	}
}

// Enqueue schedules buf after everything already enqueued. The returned
// chunk is removed from the active set when it finishes playing. If the
// output rejects the buffer the cursor is left unchanged.
func (s *Scheduler) Enqueue(buf Buffer) (Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return Chunk{}, ErrClosed
	}

	now := s.out.CurrentTime()
	start := max(now, s.cursor)
	if s.cursor > 0 && now > s.cursor {
		s.underruns++
	}

	c := &Chunk{Start: start, Duration: buf.Duration()}
	v, err := s.out.Schedule(buf, start, func() { s.remove(c) })
	if err != nil {
		return Chunk{}, fmt.Errorf("playback: schedule chunk: %w", err)
	}
	c.voice = v
	s.active[c] = struct{}{}
	s.cursor = start + c.Duration
	return *c, nil
}

func (s *Scheduler) remove(c *Chunk) {
	s.mu.Lock()
	delete(s.active, c)
	s.mu.Unlock()
}

// StopAll stops every active chunk, clears the active set and resets the
// cursor to zero. Stop errors from chunks that already finished are ignored.
// After StopAll the Scheduler rejects further buffers.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	s.stopped = true
	chunks := make([]*Chunk, 0, len(s.active))
	for c := range s.active {
		chunks = append(chunks, c)
	}
	clear(s.active)
	s.cursor = 0
	s.mu.Unlock()

	for _, c := range chunks {
		if c.voice != nil {
			_ = c.voice.Stop()
		}
	}
}

// Cursor returns the time at which the next buffer will start if it arrives
// before the clock reaches it.
func (s *Scheduler) Cursor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Active returns the number of chunks scheduled and not yet finished.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Underruns returns how many buffers arrived after the cursor had fallen
// behind the output clock.
func (s *Scheduler) Underruns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.underruns
}
