package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/omniflow/pkg/provider/tts"
	"github.com/MrWong99/omniflow/pkg/provider/tts/gemini"
)

// requestBody is the subset of generateContent request fields the tests check.
type requestBody struct {
	Contents []struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
	GenerationConfig struct {
		ResponseModalities []string `json:"responseModalities"`
		SpeechConfig       struct {
			VoiceConfig struct {
				PrebuiltVoiceConfig struct {
					VoiceName string `json:"voiceName"`
				} `json:"prebuiltVoiceConfig"`
			} `json:"voiceConfig"`
		} `json:"speechConfig"`
	} `json:"generationConfig"`
}

// startServer serves generateContent with the given response body and
// forwards every decoded request to the returned channel.
func startServer(t *testing.T, response any) (*httptest.Server, <-chan requestBody) {
	t.Helper()
	reqs := make(chan requestBody, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("x-goog-api-key"); got != "test-key" {
			http.Error(w, "bad key", http.StatusUnauthorized)
			return
		}
		data, _ := io.ReadAll(r.Body)
		var body requestBody
		_ = json.Unmarshal(data, &body)
		reqs <- body
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(srv.Close)
	return srv, reqs
}

func audioResponse(pcm []byte, mime string) map[string]any {
	return map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"role": "model",
				"parts": []map[string]any{{
					"inlineData": map[string]any{
						"mimeType": mime,
						"data":     base64.StdEncoding.EncodeToString(pcm),
					},
				}},
			},
		}},
	}
}

func newProvider(t *testing.T, srv *httptest.Server, opts ...gemini.Option) *gemini.Provider {
	t.Helper()
	opts = append([]gemini.Option{gemini.WithBaseURL(srv.URL + "/")}, opts...)
	p, err := gemini.New(context.Background(), "test-key", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := gemini.New(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestSynthesize(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	srv, reqs := startServer(t, audioResponse(pcm, "audio/L16;codec=pcm;rate=24000"))
	p := newProvider(t, srv)

	speech, err := p.Synthesize(context.Background(), "Welcome to OmniFlow.", "")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(speech.PCM) != string(pcm) {
		t.Errorf("PCM = %v, want %v", speech.PCM, pcm)
	}
	if speech.SampleRate != 24000 || speech.Channels != 1 {
		t.Errorf("format = %dHz/%dch, want 24000Hz mono", speech.SampleRate, speech.Channels)
	}

	req := <-reqs
	if len(req.Contents) != 1 || len(req.Contents[0].Parts) != 1 || req.Contents[0].Parts[0].Text != "Welcome to OmniFlow." {
		t.Errorf("contents = %+v", req.Contents)
	}
	if got := req.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
		t.Errorf("responseModalities = %v, want [AUDIO]", got)
	}
	if got := req.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Kore" {
		t.Errorf("voice = %q, want default Kore", got)
	}
}

func TestSynthesize_VoiceOverride(t *testing.T) {
	srv, reqs := startServer(t, audioResponse([]byte{0, 0}, "audio/L16;codec=pcm;rate=16000"))
	p := newProvider(t, srv, gemini.WithVoice("Puck"))

	speech, err := p.Synthesize(context.Background(), "hi", "Zephyr")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if speech.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000 from mime type", speech.SampleRate)
	}
	if got := (<-reqs).GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Zephyr" {
		t.Errorf("voice = %q, want Zephyr", got)
	}
}

func TestSynthesize_NoAudio(t *testing.T) {
	srv, _ := startServer(t, map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{"parts": []map[string]any{{"text": "sorry"}}},
		}},
	})
	p := newProvider(t, srv)

	if _, err := p.Synthesize(context.Background(), "hi", ""); !errors.Is(err, tts.ErrNoAudio) {
		t.Errorf("err = %v, want ErrNoAudio", err)
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"code":500,"message":"boom"}}`, http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	p := newProvider(t, srv)

	if _, err := p.Synthesize(context.Background(), "hi", ""); err == nil {
		t.Fatal("expected error from failing server")
	}
}

func TestSpeech_Duration(t *testing.T) {
	s := tts.Speech{PCM: make([]byte, 48000), SampleRate: 24000, Channels: 1}
	if got := s.Duration().Seconds(); got != 1 {
		t.Errorf("Duration = %vs, want 1s", got)
	}
}
