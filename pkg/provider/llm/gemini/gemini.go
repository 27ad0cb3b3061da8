// Package gemini implements llm.Provider on top of the Gemini text models
// through the google.golang.org/genai client.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/MrWong99/omniflow/pkg/provider/llm"
)

// Compile-time assertion that Provider satisfies llm.Provider.
var _ llm.Provider = (*Provider)(nil)

const defaultModel = "gemini-3-flash-preview"

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the text model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
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

// Provider implements llm.Provider for Gemini models.
type Provider struct {
	client     *genai.Client
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a Gemini text provider. apiKey must be non-empty.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini llm: apiKey must not be empty")
	}
	p := &Provider{model: defaultModel}
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
		return nil, fmt.Errorf("gemini llm: new client: %w", err)
	}
	p.client = client
	return p, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if len(req.Messages) == 0 {
		return llm.Response{}, errors.New("gemini llm: request has no messages")
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents(req.Messages), generateConfig(req))
	if err != nil {
		return llm.Response{}, fmt.Errorf("gemini llm: generate: %w", err)
	}
	text, finish := responseText(resp)
	if text == "" {
		return llm.Response{}, fmt.Errorf("gemini llm: %w", llm.ErrEmptyResponse)
	}
	out := llm.Response{Text: text, FinishReason: finish}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// Stream implements llm.Provider. The first response is awaited before
// returning so that a request the backend rejects outright is reported as
// an error rather than as a failed stream.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("gemini llm: request has no messages")
	}
	ctx, cancel := context.WithCancel(ctx)
	seq := p.client.Models.GenerateContentStream(ctx, p.model, contents(req.Messages), generateConfig(req))
	next, stop := iter.Pull2(seq)

	first, err, ok := next()
	if ok && err != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("gemini llm: stream: %w", err)
	}

	ch := make(chan llm.Chunk, 16)
	go func() {
		defer close(ch)
		defer cancel()
		defer stop()

		resp := first
		for ok {
			var c llm.Chunk
			if err != nil {
				c.Err = fmt.Errorf("gemini llm: stream: %w", err)
			} else {
				c.Text, c.FinishReason = responseText(resp)
			}
			if c.Text != "" || c.FinishReason != "" || c.Err != nil {
				select {
				case ch <- c:
				case <-ctx.Done():
					return
				}
			}
			if c.Err != nil {
				return
			}
			resp, err, ok = next()
		}
	}()
	return ch, nil
}

func contents(msgs []llm.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.RoleUser
		if m.Role == llm.RoleModel {
			role = genai.RoleModel
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Text}},
		})
	}
	return out
}

func generateConfig(req llm.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemPrompt}}}
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(req.Temperature)
	}
	if req.TopP > 0 {
		cfg.TopP = genai.Ptr(req.TopP)
	}
	if req.ResponseSchema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = toSchema(req.ResponseSchema)
	}
	return cfg
}

func toSchema(s *llm.Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:             schemaType(s.Type),
		Description:      s.Description,
		PropertyOrdering: s.PropertyOrdering,
		Required:         s.Required,
		Items:            toSchema(s.Items),
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for k, v := range s.Properties {
			out.Properties[k] = toSchema(v)
		}
	}
	return out
}

func schemaType(t llm.SchemaType) genai.Type {
	switch t {
	case llm.TypeObject:
		return genai.TypeObject
	case llm.TypeArray:
		return genai.TypeArray
	case llm.TypeNumber:
		return genai.TypeNumber
	case llm.TypeInteger:
		return genai.TypeInteger
	case llm.TypeBoolean:
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

// responseText joins the non-thought text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) (text, finishReason string) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return "", ""
	}
	c := resp.Candidates[0]
	finishReason = string(c.FinishReason)
	if c.Content == nil {
		return "", finishReason
	}
	var b strings.Builder
	for _, part := range c.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String(), finishReason
}
