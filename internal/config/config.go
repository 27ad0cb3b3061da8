// Package config provides the configuration schema, loader, and provider registry
// for the OmniFlow dialer.
package config

import (
	"time"

	"github.com/MrWong99/omniflow/internal/catalog"
)

// LogLevel controls log verbosity for the OmniFlow server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [LoadFromReader] to fields left empty.
const (
	DefaultListenAddr      = ":8080"
	DefaultCaptureRate     = 16000
	DefaultPlaybackRate    = 24000
	DefaultFramesPerBuffer = 4096
	DefaultAgentVoice      = "Zephyr"
	DefaultGuideVoice      = "Kore"
	DefaultErrorResetDelay = 3 * time.Second
)

// DefaultGuideText is spoken by the voice guide when guide.text is empty.
const DefaultGuideText = `OmniFlow Enterprise Interface Guide initialized.
Navigation Protocol:
1. Marketplace: Explore diverse business niches. Each service card provides instant AI quote generation.
2. Neural Dialer: Automated voice-to-voice outreach. Enter a number to deploy an autonomous sales agent capable of live negotiation using the Gemini Native Audio engine.
3. Concierge AI: Resident system assistant for real-time query resolution and platform navigation.
The entire ecosystem is powered by a multi-modal state machine ensuring seamless business operation across all verticals.`

// Config is the root configuration structure for OmniFlow.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Providers ProvidersConfig   `yaml:"providers"`
	Audio     AudioConfig       `yaml:"audio"`
	Dialer    DialerConfig      `yaml:"dialer"`
	Guide     GuideConfig       `yaml:"guide"`
	Catalog   []catalog.Service `yaml:"catalog"`
}

// ServerConfig holds network and logging settings for the control API.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation backs each remote
// service. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// S2S is the live speech-to-speech model the agent talks through.
	S2S ProviderEntry `yaml:"s2s"`

	// TTS synthesizes the voice guide. Optional.
	TTS ProviderEntry `yaml:"tts"`

	// LLM answers receptionist chats and quote requests. Optional.
	LLM ProviderEntry `yaml:"llm"`

	// Failover tunes the circuit breakers guarding providers that declare
	// fallbacks.
	Failover FailoverConfig `yaml:"failover"`
}

// FailoverConfig tunes the per-provider circuit breakers.
type FailoverConfig struct {
	// Threshold is the number of consecutive failures that takes a provider
	// out of rotation. Default: 3.
	Threshold int `yaml:"threshold"`

	// Cooldown is how long a failed provider is skipped before it is probed
	// again. Default: 30s.
	Cooldown time.Duration `yaml:"cooldown"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API. Use
	// "${GEMINI_API_KEY}" to pull it from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this provider fails or its circuit
	// is open.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// AudioConfig sets the local device clocks.
type AudioConfig struct {
	// CaptureRate is the microphone rate frames are sent at, in Hz.
	CaptureRate int `yaml:"capture_rate"`

	// PlaybackRate is the speaker clock and the rate of inbound audio, in Hz.
	PlaybackRate int `yaml:"playback_rate"`

	// FramesPerBuffer is the number of samples per captured frame.
	FramesPerBuffer int `yaml:"frames_per_buffer"`
}

// DialerConfig configures the outbound sales agent.
type DialerConfig struct {
	// Voice is the prebuilt voice the agent speaks with.
	Voice string `yaml:"voice"`

	// ErrorResetDelay is how long a failed call stays in the error state
	// before returning to idle.
	ErrorResetDelay time.Duration `yaml:"error_reset_delay"`

	// InputTranscription also transcribes what the callee says.
	InputTranscription bool `yaml:"input_transcription"`

	// MaxCallDuration ends a live call after this long. Zero disables the limit.
	MaxCallDuration time.Duration `yaml:"max_call_duration"`
}

// GuideConfig configures the spoken platform guide.
type GuideConfig struct {
	// Text is what the guide says.
	Text string `yaml:"text"`

	// Voice is the TTS voice name.
	Voice string `yaml:"voice"`
}

// applyDefaults fills zero-valued fields with their defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.CaptureRate == 0 {
		cfg.Audio.CaptureRate = DefaultCaptureRate
	}
	if cfg.Audio.PlaybackRate == 0 {
		cfg.Audio.PlaybackRate = DefaultPlaybackRate
	}
	if cfg.Audio.FramesPerBuffer == 0 {
		cfg.Audio.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if cfg.Dialer.Voice == "" {
		cfg.Dialer.Voice = DefaultAgentVoice
	}
	if cfg.Dialer.ErrorResetDelay == 0 {
		cfg.Dialer.ErrorResetDelay = DefaultErrorResetDelay
	}
	if cfg.Guide.Text == "" {
		cfg.Guide.Text = DefaultGuideText
	}
	if cfg.Guide.Voice == "" {
		cfg.Guide.Voice = DefaultGuideVoice
	}
}
