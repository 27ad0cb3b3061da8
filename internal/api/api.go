// Package api exposes the dialer and the voice guide over HTTP.
//
// Routes registered by [Server.Register]:
//
//	POST   /call    start a call to {"target": "..."}; answers 202 once setup began
//	GET    /call    status, last error, transcript and playback state
//	DELETE /call    hang up (idempotent)
//	POST   /guide   synthesise and play the voice guide
//	DELETE /guide   silence the voice guide
//	POST   /quote   AI cost estimate for {"service_id": "...", "details": "..."}
//	POST   /chat    receptionist reply to {"messages": [...]}, streamed as server-sent events
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/omniflow/internal/concierge"
	"github.com/MrWong99/omniflow/internal/dialer"
	"github.com/MrWong99/omniflow/internal/guide"
	"github.com/MrWong99/omniflow/internal/observe"
	"github.com/MrWong99/omniflow/pkg/provider/llm"
)

// Dialer is the subset of [dialer.Manager] the API drives.
type Dialer interface {
	Start(ctx context.Context, target string) error
	Stop()
	Status() dialer.Status
	Snapshot() dialer.Snapshot
}

// Guide is the subset of [guide.Guide] the API drives.
type Guide interface {
	Play(ctx context.Context) (time.Duration, error)
	Stop()
}

// Concierge is the subset of [concierge.Concierge] the API drives.
type Concierge interface {
	Estimate(ctx context.Context, serviceID, details string) (concierge.Quote, error)
	Chat(ctx context.Context, history []llm.Message) (<-chan llm.Chunk, error)
}

// Option configures a [Server].
type Option func(*Server)

// WithConcierge enables the /quote and /chat routes. Without it they answer
// 503.
func WithConcierge(c Concierge) Option {
	return func(s *Server) { s.concierge = c }
}

// Server serves the control API. The zero value is not usable; call [New].
type Server struct {
	dialer    Dialer
	guide     Guide
	concierge Concierge

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	starting atomic.Bool
}

// New returns a Server for d. g may be nil when no TTS provider is
// configured; the guide routes then answer 503.
func New(d Dialer, g Guide, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{dialer: d, guide: g, ctx: ctx, cancel: cancel}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /call", s.handleStartCall)
	mux.HandleFunc("GET /call", s.handleGetCall)
	mux.HandleFunc("DELETE /call", s.handleStopCall)
	mux.HandleFunc("POST /guide", s.handlePlayGuide)
	mux.HandleFunc("DELETE /guide", s.handleStopGuide)
	mux.HandleFunc("POST /quote", s.handleQuote)
	mux.HandleFunc("POST /chat", s.handleChat)
}

// Close cancels call setups started through the API and waits for them to
// return.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// startRequest is the JSON body for POST /call.
type startRequest struct {
	Target string `json:"target"`
}

// guideResponse is the JSON body returned from POST /guide.
type guideResponse struct {
	DurationSeconds float64 `json:"duration_seconds"`
}

// handleStartCall handles POST /call. Setup continues in the background;
// poll GET /call for progress.
func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Target) == "" {
		http.Error(w, "target is required", http.StatusBadRequest)
		return
	}
	if st := s.dialer.Status(); st != dialer.StatusIdle {
		msg := "a call is already active"
		if st.Starting() {
			msg = "a call is already being set up"
		}
		http.Error(w, msg+" ("+st.String()+")", http.StatusConflict)
		return
	}
	if !s.starting.CompareAndSwap(false, true) {
		http.Error(w, "a call is already being set up", http.StatusConflict)
		return
	}

	log := observe.Logger(r.Context())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.starting.Store(false)
		err := s.dialer.Start(s.ctx, req.Target)
		switch {
		case err == nil:
		case errors.Is(err, dialer.ErrSessionCancelled):
			log.Info("call setup cancelled", "target", req.Target)
		default:
			log.Warn("call setup failed", "target", req.Target, "err", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, s.dialer.Snapshot())
}

// handleGetCall handles GET /call.
func (s *Server) handleGetCall(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.dialer.Snapshot())
}

// handleStopCall handles DELETE /call.
func (s *Server) handleStopCall(w http.ResponseWriter, _ *http.Request) {
	s.dialer.Stop()
	writeJSON(w, http.StatusOK, s.dialer.Snapshot())
}

// handlePlayGuide handles POST /guide. It blocks until synthesis finished.
func (s *Server) handlePlayGuide(w http.ResponseWriter, r *http.Request) {
	if s.guide == nil {
		http.Error(w, "voice guide is not configured", http.StatusServiceUnavailable)
		return
	}
	d, err := s.guide.Play(r.Context())
	if err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, guide.ErrEmptyScript) {
			code = http.StatusInternalServerError
		}
		slog.Warn("voice guide failed", "err", err)
		http.Error(w, "voice guide failed: "+err.Error(), code)
		return
	}
	writeJSON(w, http.StatusOK, guideResponse{DurationSeconds: d.Seconds()})
}

// handleStopGuide handles DELETE /guide.
func (s *Server) handleStopGuide(w http.ResponseWriter, _ *http.Request) {
	if s.guide != nil {
		s.guide.Stop()
	}
	w.WriteHeader(http.StatusNoContent)
}

// quoteRequest is the JSON body for POST /quote.
type quoteRequest struct {
	ServiceID string `json:"service_id"`
	Details   string `json:"details"`
}

// chatRequest is the JSON body for POST /chat.
type chatRequest struct {
	Messages []llm.Message `json:"messages"`
}

// handleQuote handles POST /quote.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	if s.concierge == nil {
		http.Error(w, "concierge is not configured", http.StatusServiceUnavailable)
		return
	}
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	q, err := s.concierge.Estimate(r.Context(), req.ServiceID, req.Details)
	if err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, concierge.ErrUnknownService) || errors.Is(err, concierge.ErrNoDetails) ||
			errors.Is(err, concierge.ErrTooLong) {
			code = http.StatusBadRequest
		}
		observe.Logger(r.Context()).Warn("quote failed", "service_id", req.ServiceID, "err", err)
		http.Error(w, err.Error(), code)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// chatEvent is the data payload of one server-sent event on /chat.
type chatEvent struct {
	Text         string `json:"text,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Error        string `json:"error,omitempty"`
}

// handleChat handles POST /chat. Text arrives as unnamed events; the stream
// ends with a "done" or an "error" event.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.concierge == nil {
		http.Error(w, "concierge is not configured", http.StatusServiceUnavailable)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	log := observe.Logger(r.Context())
	ch, err := s.concierge.Chat(r.Context(), req.Messages)
	if err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, concierge.ErrInvalidHistory) || errors.Is(err, concierge.ErrTooLong) {
			code = http.StatusBadRequest
		}
		log.Warn("chat failed", "err", err)
		http.Error(w, err.Error(), code)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	var finish string
	for chunk := range ch {
		if chunk.Err != nil {
			log.Warn("chat stream failed", "err", chunk.Err)
			writeEvent(w, "error", chatEvent{Error: chunk.Err.Error()})
			_ = rc.Flush()
			return
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Text == "" {
			continue
		}
		writeEvent(w, "", chatEvent{Text: chunk.Text})
		if err := rc.Flush(); err != nil {
			log.Debug("chat client went away", "err", err)
			return
		}
	}
	writeEvent(w, "done", chatEvent{FinishReason: finish})
	_ = rc.Flush()
}

func writeEvent(w http.ResponseWriter, name string, v chatEvent) {
	data, _ := json.Marshal(v)
	if name != "" {
		_, _ = w.Write([]byte("event: " + name + "\n"))
	}
	_, _ = w.Write([]byte("data: " + string(data) + "\n\n"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
