// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and feed controlled S2S sessions.
// Use Session to drive the inbound message stream and inspect which frames
// were sent by the dialer.
//
// Example:
//
//	sess := mock.NewSession(8)
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Push(s2s.Message{Transcript: &s2s.Transcript{Role: s2s.RoleAgent, Text: "hi"}})
//	sess.Finish(nil) // remote end closes cleanly
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/omniflow/pkg/audio"
	"github.com/MrWong99/omniflow/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new default Session with a buffered message channel.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block, when non-nil, makes Connect wait until the channel is closed or
	// ctx is done.
	Block chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block := p.Block
	sess, err := p.Session, p.ConnectErr
	p.mu.Unlock()

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
	if sess != nil {
		return sess, nil
	}
	return NewSession(64), nil
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle. Like a real
// session, Close ends the message stream.
type Session struct {
	mu sync.Mutex

	messages chan s2s.Message
	ended    bool
	errVal   error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SendAudioCalls records every blob passed to SendAudio in order.
	SendAudioCalls []audio.Blob

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// sent is signalled after each recorded SendAudio call.
	sent chan struct{}
}

// NewSession returns an open Session whose message channel holds up to
// buffer undelivered messages.
func NewSession(buffer int) *Session {
	return &Session{
		messages: make(chan s2s.Message, buffer),
		sent:     make(chan struct{}, 1024),
	}
}

// Push delivers m to the consumer. It reports false once the session ended.
func (s *Session) Push(m s2s.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.messages <- m
	return true
}

// Finish simulates the remote end closing the session. A non-nil err is
// reported by Err as the cause.
func (s *Session) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.errVal = err
	close(s.messages)
}

// SendAudio records the call and returns SendAudioErr. After the session
// ended it returns [s2s.ErrSessionClosed].
func (s *Session) SendAudio(b audio.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return s2s.ErrSessionClosed
	}
	s.SendAudioCalls = append(s.SendAudioCalls, b)
	select {
	case s.sent <- struct{}{}:
	default:
	}
	return s.SendAudioErr
}

// Sent is signalled after each SendAudio call is recorded.
func (s *Session) Sent() <-chan struct{} { return s.sent }

// Sends returns a copy of the blobs passed to SendAudio.
func (s *Session) Sends() []audio.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Blob, len(s.SendAudioCalls))
	copy(out, s.SendAudioCalls)
	return out
}

// Messages returns the inbound message channel.
func (s *Session) Messages() <-chan s2s.Message { return s.messages }

// Err returns the error passed to Finish.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close records the call, ends the message stream and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.ended {
		s.ended = true
		close(s.messages)
	}
	return s.CloseErr
}

// Closes returns how many times Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
