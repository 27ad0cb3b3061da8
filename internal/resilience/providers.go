package resilience

import (
	"context"

	"github.com/MrWong99/omniflow/pkg/provider/llm"
	"github.com/MrWong99/omniflow/pkg/provider/s2s"
	"github.com/MrWong99/omniflow/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ s2s.Provider = (*S2S)(nil)
	_ tts.Provider = (*TTS)(nil)
	_ llm.Provider = (*LLM)(nil)
)

// S2S is an [s2s.Provider] that opens sessions on the first healthy member.
// Only Connect fails over; a session that later drops is not moved.
type S2S struct {
	group   *Group[s2s.Provider]
	primary s2s.Provider
}

// NewS2S returns a failover provider with primary as the preferred backend.
func NewS2S(name string, primary s2s.Provider, cfg BreakerConfig) *S2S {
	g := NewGroup[s2s.Provider](cfg)
	g.Add(name, primary)
	return &S2S{group: g, primary: primary}
}

// AddFallback registers a backup provider, tried after those added before.
func (f *S2S) AddFallback(name string, p s2s.Provider) { f.group.Add(name, p) }

// Connect implements [s2s.Provider].
func (f *S2S) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	return Call(ctx, f.group, func(ctx context.Context, p s2s.Provider) (s2s.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
}

// Capabilities reports the primary's capabilities.
func (f *S2S) Capabilities() s2s.Capabilities { return f.primary.Capabilities() }

// TTS is a [tts.Provider] that synthesises on the first healthy member.
type TTS struct {
	group *Group[tts.Provider]
}

// NewTTS returns a failover provider with primary as the preferred backend.
func NewTTS(name string, primary tts.Provider, cfg BreakerConfig) *TTS {
	g := NewGroup[tts.Provider](cfg)
	g.Add(name, primary)
	return &TTS{group: g}
}

// AddFallback registers a backup provider, tried after those added before.
func (f *TTS) AddFallback(name string, p tts.Provider) { f.group.Add(name, p) }

// Synthesize implements [tts.Provider].
func (f *TTS) Synthesize(ctx context.Context, text, voice string) (tts.Speech, error) {
	return Call(ctx, f.group, func(ctx context.Context, p tts.Provider) (tts.Speech, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// LLM is an [llm.Provider] that completes on the first healthy member. A
// stream fails over only while it is being opened.
type LLM struct {
	group *Group[llm.Provider]
}

// NewLLM returns a failover provider with primary as the preferred backend.
func NewLLM(name string, primary llm.Provider, cfg BreakerConfig) *LLM {
	g := NewGroup[llm.Provider](cfg)
	g.Add(name, primary)
	return &LLM{group: g}
}

// AddFallback registers a backup provider, tried after those added before.
func (f *LLM) AddFallback(name string, p llm.Provider) { f.group.Add(name, p) }

// Complete implements [llm.Provider].
func (f *LLM) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	return Call(ctx, f.group, func(ctx context.Context, p llm.Provider) (llm.Response, error) {
		return p.Complete(ctx, req)
	})
}

// Stream implements [llm.Provider].
func (f *LLM) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	return Call(ctx, f.group, func(ctx context.Context, p llm.Provider) (<-chan llm.Chunk, error) {
		return p.Stream(ctx, req)
	})
}
