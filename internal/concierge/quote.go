package concierge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/omniflow/internal/observe"
	"github.com/MrWong99/omniflow/pkg/provider/llm"
)

var (
	// ErrUnknownService is returned by Estimate for an ID not in the catalog.
	ErrUnknownService = errors.New("concierge: unknown service")

	// ErrNoDetails is returned by Estimate when the description is blank.
	ErrNoDetails = errors.New("concierge: service details are required")

	// ErrMalformedQuote is returned when the model's answer is not a usable
	// estimate.
	ErrMalformedQuote = errors.New("concierge: malformed quote")
)

// Quote is an AI cost estimate for one service request.
type Quote struct {
	ServiceID    string   `json:"serviceId"`
	LowEstimate  float64  `json:"lowEstimate"`
	HighEstimate float64  `json:"highEstimate"`
	Currency     string   `json:"currency"`
	Breakdown    []string `json:"breakdown"`
	Disclaimer   string   `json:"disclaimer,omitempty"`
}

// quoteSchema constrains the model's answer to a [Quote] body.
var quoteSchema = &llm.Schema{
	Type: llm.TypeObject,
	Properties: map[string]*llm.Schema{
		"lowEstimate":  {Type: llm.TypeNumber},
		"highEstimate": {Type: llm.TypeNumber},
		"currency":     {Type: llm.TypeString},
		"breakdown":    {Type: llm.TypeArray, Items: &llm.Schema{Type: llm.TypeString}},
		"disclaimer":   {Type: llm.TypeString},
	},
	PropertyOrdering: []string{"lowEstimate", "highEstimate", "currency", "breakdown", "disclaimer"},
	Required:         []string{"lowEstimate", "highEstimate", "currency", "breakdown"},
}

// Estimate asks the model for a cost range for serviceID given the
// customer's description of the job.
func (c *Concierge) Estimate(ctx context.Context, serviceID, details string) (Quote, error) {
	svc, ok := c.catalog.Lookup(serviceID)
	if !ok {
		return Quote{}, fmt.Errorf("%w: %q", ErrUnknownService, serviceID)
	}
	details = strings.TrimSpace(details)
	if details == "" {
		return Quote{}, ErrNoDetails
	}
	if len(details) > MaxTurnLength {
		return Quote{}, fmt.Errorf("%w: details", ErrTooLong)
	}

	ctx, span := observe.StartSpan(ctx, "concierge.quote",
		trace.WithAttributes(attribute.String("catalog.service_id", svc.ID)),
	)
	defer span.End()

	prompt := fmt.Sprintf("Analyze service: %s with details: %s. Provide cost packet.", svc.Name, details)
	if svc.Price != "" {
		prompt += " Listed price range: " + svc.Price + "."
	}

	start := time.Now()
	resp, err := c.llm.Complete(ctx, llm.Request{
		Messages:       []llm.Message{{Role: llm.RoleUser, Text: prompt}},
		ResponseSchema: quoteSchema,
	})
	c.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("kind", "quote")))
	if err != nil {
		c.recordFailure(ctx, span, "quote", err)
		return Quote{}, fmt.Errorf("concierge: quote: %w", err)
	}

	q, err := parseQuote(resp.Text)
	if err != nil {
		c.recordFailure(ctx, span, "quote", err)
		return Quote{}, err
	}
	q.ServiceID = svc.ID
	c.metrics.RecordProviderRequest(ctx, c.providerName, "quote", "ok")
	c.log.Info("quote estimated",
		"service_id", svc.ID,
		"low", q.LowEstimate,
		"high", q.HighEstimate,
		"currency", q.Currency,
	)
	return q, nil
}

func parseQuote(text string) (Quote, error) {
	var q Quote
	if err := json.Unmarshal([]byte(text), &q); err != nil {
		return Quote{}, fmt.Errorf("%w: %w", ErrMalformedQuote, err)
	}
	q.Currency = strings.TrimSpace(q.Currency)
	switch {
	case q.Currency == "":
		return Quote{}, fmt.Errorf("%w: missing currency", ErrMalformedQuote)
	case q.LowEstimate < 0 || q.HighEstimate < q.LowEstimate:
		return Quote{}, fmt.Errorf("%w: range %v-%v", ErrMalformedQuote, q.LowEstimate, q.HighEstimate)
	}
	if q.Breakdown == nil {
		q.Breakdown = []string{}
	}
	return q, nil
}
