// Package gemini implements tts.Provider on top of the Gemini speech
// generation models through the google.golang.org/genai client.
package gemini

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"github.com/MrWong99/omniflow/pkg/provider/tts"
)

// Compile-time assertion that Provider satisfies tts.Provider.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultModel      = "gemini-2.5-flash-preview-tts"
	defaultVoice      = "Kore"
	defaultSampleRate = 24000
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the speech generation model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithVoice sets the voice used when Synthesize is called without one.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithBaseURL overrides the API endpoint. Primarily used in tests to point at
// a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements tts.Provider for Gemini TTS models.
type Provider struct {
	client     *genai.Client
	model      string
	voice      string
	baseURL    string
	httpClient *http.Client
}

// New creates a Gemini TTS provider. apiKey must be non-empty.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini tts: apiKey must not be empty")
	}
	p := &Provider{
		model: defaultModel,
		voice: defaultVoice,
	}
	for _, o := range opts {
		o(p)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini tts: new client: %w", err)
	}
	p.client = client
	return p, nil
}

// Synthesize renders text as 24 kHz mono PCM.
func (p *Provider) Synthesize(ctx context.Context, text, voice string) (tts.Speech, error) {
	if voice == "" {
		voice = p.voice
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(text), &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	})
	if err != nil {
		return tts.Speech{}, fmt.Errorf("gemini tts: generate: %w", err)
	}

	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			return tts.Speech{
				PCM:        part.InlineData.Data,
				SampleRate: sampleRate(part.InlineData.MIMEType),
				Channels:   1,
			}, nil
		}
	}
	return tts.Speech{}, fmt.Errorf("gemini tts: %w", tts.ErrNoAudio)
}

// sampleRate extracts the rate parameter from a MIME type such as
// "audio/L16;codec=pcm;rate=24000".
func sampleRate(mimeType string) int {
	for _, p := range strings.Split(mimeType, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || k != "rate" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultSampleRate
}
