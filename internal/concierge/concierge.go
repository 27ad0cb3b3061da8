// Package concierge answers written questions about the platform: the
// receptionist chat and per-service quote estimates.
//
// Both are backed by an [llm.Provider] and read the live [catalog.Catalog],
// so a hot-reloaded catalog shows up in the next answer.
package concierge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/omniflow/internal/catalog"
	"github.com/MrWong99/omniflow/internal/observe"
	"github.com/MrWong99/omniflow/pkg/provider/llm"
)

const (
	// MaxHistory is the number of most recent turns sent with a chat request.
	MaxHistory = 40

	// MaxTurnLength bounds a single chat turn or a quote description, in bytes.
	MaxTurnLength = 4000

	chatTemperature = 0.7
	chatTopP        = 0.95
)

var (
	// ErrInvalidHistory is returned by Chat for an empty conversation, an
	// unknown role or a conversation not ending with a user turn.
	ErrInvalidHistory = errors.New("concierge: invalid chat history")

	// ErrTooLong is returned when a chat turn or quote description exceeds
	// [MaxTurnLength].
	ErrTooLong = errors.New("concierge: input too long")
)

// Option configures a [Concierge].
type Option func(*Concierge)

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Concierge) { c.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Concierge) { c.log = l }
}

// WithProviderName labels provider metrics. Defaults to "llm".
func WithProviderName(name string) Option {
	return func(c *Concierge) { c.providerName = name }
}

// Concierge serves chat and quote requests. It is safe for concurrent use.
type Concierge struct {
	llm          llm.Provider
	catalog      *catalog.Catalog
	metrics      *observe.Metrics
	log          *slog.Logger
	providerName string
}

// New returns a Concierge answering through p about the services in cat.
func New(p llm.Provider, cat *catalog.Catalog, opts ...Option) *Concierge {
	c := &Concierge{llm: p, catalog: cat, providerName: "llm"}
	for _, o := range opts {
		o(c)
	}
	if c.catalog == nil {
		c.catalog = catalog.New(nil)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// ReceptionistPrompt builds the receptionist's system instruction from the
// categories and services in cat.
func ReceptionistPrompt(cat *catalog.Catalog) string {
	services := cat.Services()
	var b strings.Builder
	b.WriteString("You are the OmniFlow AI Receptionist. You represent a multi-niche business engine.\n")
	b.WriteString("Niches Managed:\n")
	for _, category := range cat.Categories() {
		var names []string
		for _, s := range services {
			if s.Category == category {
				names = append(names, s.Name)
			}
		}
		fmt.Fprintf(&b, "- %s: %s\n", category, strings.Join(names, ", "))
	}
	b.WriteString("\nTone: Elite, efficient, helpful. Use Markdown for clarity.\n")
	b.WriteString("Instruction: Guide users toward Booking Estimates or the Neural Dialer.")
	return b.String()
}

// Chat streams the receptionist's reply to history, which must end with a
// user turn. Only the last [MaxHistory] turns are sent.
func (c *Concierge) Chat(ctx context.Context, history []llm.Message) (<-chan llm.Chunk, error) {
	msgs, err := normalizeHistory(history)
	if err != nil {
		return nil, err
	}

	ctx, span := observe.StartSpan(ctx, "concierge.chat",
		trace.WithAttributes(attribute.Int("chat.turns", len(msgs))),
	)
	defer span.End()

	start := time.Now()
	ch, err := c.llm.Stream(ctx, llm.Request{
		SystemPrompt: ReceptionistPrompt(c.catalog),
		Messages:     msgs,
		Temperature:  chatTemperature,
		TopP:         chatTopP,
	})
	c.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("kind", "chat")))
	if err != nil {
		c.recordFailure(ctx, span, "chat", err)
		return nil, fmt.Errorf("concierge: chat: %w", err)
	}
	c.metrics.RecordProviderRequest(ctx, c.providerName, "chat", "ok")
	return ch, nil
}

func (c *Concierge) recordFailure(ctx context.Context, span trace.Span, kind string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.metrics.RecordProviderRequest(ctx, c.providerName, kind, "error")
	c.metrics.RecordProviderError(ctx, c.providerName, kind)
	c.log.Warn("concierge request failed", "kind", kind, "err", err)
}

// normalizeHistory trims turns, drops empty ones and keeps the tail.
func normalizeHistory(history []llm.Message) ([]llm.Message, error) {
	msgs := make([]llm.Message, 0, len(history))
	for i, m := range history {
		if m.Role != llm.RoleUser && m.Role != llm.RoleModel {
			return nil, fmt.Errorf("%w: turn %d has role %q", ErrInvalidHistory, i, m.Role)
		}
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		if len(text) > MaxTurnLength {
			return nil, fmt.Errorf("%w: turn %d", ErrTooLong, i)
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Text: text})
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: no messages", ErrInvalidHistory)
	}
	if msgs[len(msgs)-1].Role != llm.RoleUser {
		return nil, fmt.Errorf("%w: last turn must come from the user", ErrInvalidHistory)
	}
	if len(msgs) > MaxHistory {
		msgs = msgs[len(msgs)-MaxHistory:]
	}
	return msgs, nil
}
