package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/MrWong99/omniflow/internal/catalog"
	"github.com/MrWong99/omniflow/internal/concierge"
	"github.com/MrWong99/omniflow/pkg/provider/llm"
	llmmock "github.com/MrWong99/omniflow/pkg/provider/llm/mock"
)

func newConciergeEnv(t *testing.T, p *llmmock.Provider) *env {
	t.Helper()
	c := concierge.New(p, catalog.New(catalog.Defaults()),
		concierge.WithLogger(slog.New(slog.DiscardHandler)))
	return newEnv(t, nil, WithConcierge(c))
}

func TestQuote(t *testing.T) {
	p := &llmmock.Provider{CompleteResult: llm.Response{
		Text: `{"lowEstimate":180,"highEstimate":240,"currency":"USD","breakdown":["Deep clean","Windows"]}`,
	}}
	e := newConciergeEnv(t, p)

	rec := e.do("POST", "/quote", `{"service_id":"clean-1","details":"3 bedroom house, windows included"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body)
	}
	var q concierge.Quote
	if err := json.NewDecoder(rec.Body).Decode(&q); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if q.ServiceID != "clean-1" || q.LowEstimate != 180 || q.HighEstimate != 240 || len(q.Breakdown) != 2 {
		t.Errorf("quote = %+v", q)
	}
}

func TestQuote_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		provider *llmmock.Provider
		wantCode int
	}{
		{"bad json", `{"service_id":`, &llmmock.Provider{}, http.StatusBadRequest},
		{"unknown service", `{"service_id":"nope-9","details":"x"}`, &llmmock.Provider{}, http.StatusBadRequest},
		{"blank details", `{"service_id":"clean-1","details":" "}`, &llmmock.Provider{}, http.StatusBadRequest},
		{"provider down", `{"service_id":"clean-1","details":"flat"}`, &llmmock.Provider{CompleteErr: errors.New("quota")}, http.StatusBadGateway},
		{"unusable answer", `{"service_id":"clean-1","details":"flat"}`, &llmmock.Provider{CompleteResult: llm.Response{Text: "about $200"}}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newConciergeEnv(t, tt.provider)
			if rec := e.do("POST", "/quote", tt.body); rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body)
			}
		})
	}
}

func TestConciergeRoutes_NotConfigured(t *testing.T) {
	e := newEnv(t, nil)
	for _, path := range []string{"/quote", "/chat"} {
		if rec := e.do("POST", path, `{}`); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("POST %s code = %d, want %d", path, rec.Code, http.StatusServiceUnavailable)
		}
	}
}

func TestChat_StreamsEvents(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Hello! "},
		{Text: "We clean, build and print."},
		{FinishReason: "STOP"},
	}}
	e := newConciergeEnv(t, p)

	rec := e.do("POST", "/chat", `{"messages":[{"role":"user","text":"What do you do?"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !rec.Flushed {
		t.Error("stream was never flushed")
	}
	want := "data: {\"text\":\"Hello! \"}\n\n" +
		"data: {\"text\":\"We clean, build and print.\"}\n\n" +
		"event: done\ndata: {\"finish_reason\":\"STOP\"}\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body =\n%s\nwant\n%s", got, want)
	}
	if got := p.Streams()[0].Messages[0].Text; got != "What do you do?" {
		t.Errorf("forwarded turn = %q", got)
	}
}

func TestChat_StreamBreaksOff(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Our services"},
		{Err: errors.New("connection reset")},
	}}
	e := newConciergeEnv(t, p)

	rec := e.do("POST", "/chat", `{"messages":[{"role":"user","text":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.HasSuffix(body, "event: error\ndata: {\"error\":\"connection reset\"}\n\n") {
		t.Errorf("body does not end with an error event:\n%s", body)
	}
	if strings.Contains(body, "event: done") {
		t.Error("a broken stream must not report done")
	}
}

func TestChat_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		provider *llmmock.Provider
		wantCode int
	}{
		{"bad json", `not json`, &llmmock.Provider{}, http.StatusBadRequest},
		{"no messages", `{"messages":[]}`, &llmmock.Provider{}, http.StatusBadRequest},
		{"ends with model", `{"messages":[{"role":"user","text":"hi"},{"role":"model","text":"hello"}]}`, &llmmock.Provider{}, http.StatusBadRequest},
		{"provider down", `{"messages":[{"role":"user","text":"hi"}]}`, &llmmock.Provider{StreamErr: errors.New("unavailable")}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newConciergeEnv(t, tt.provider)
			rec := e.do("POST", "/chat", tt.body)
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body)
			}
			if ct := rec.Header().Get("Content-Type"); ct == "text/event-stream" {
				t.Error("rejected chat must not open a stream")
			}
		})
	}
}
