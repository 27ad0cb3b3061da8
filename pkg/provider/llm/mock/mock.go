// Package mock provides a test double for the llm.Provider interface.
//
// Example:
//
//	p := &mock.Provider{
//		CompleteResult: llm.Response{Text: `{"lowEstimate":100}`},
//		StreamChunks:   []llm.Chunk{{Text: "Hello"}, {FinishReason: "STOP"}},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/omniflow/pkg/provider/llm"
)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// CompleteResult is returned by Complete when CompleteErr is nil.
	CompleteResult llm.Response

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// StreamChunks are delivered in order on the channel returned by Stream.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned as the error from Stream.
	StreamErr error

	// CompleteCalls and StreamCalls record every request in order.
	CompleteCalls []llm.Request
	StreamCalls   []llm.Request
}

// Complete records req and returns CompleteResult, CompleteErr.
func (p *Provider) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, req)
	if p.CompleteErr != nil {
		return llm.Response{}, p.CompleteErr
	}
	return p.CompleteResult, nil
}

// Stream records req and returns a closed, pre-filled channel holding
// StreamChunks, or StreamErr.
func (p *Provider) Stream(_ context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = append(p.StreamCalls, req)
	if p.StreamErr != nil {
		return nil, p.StreamErr
	}
	ch := make(chan llm.Chunk, len(p.StreamChunks))
	for _, c := range p.StreamChunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

// Completions returns a copy of the recorded Complete requests.
func (p *Provider) Completions() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.CompleteCalls...)
}

// Streams returns a copy of the recorded Stream requests.
func (p *Provider) Streams() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.StreamCalls...)
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
