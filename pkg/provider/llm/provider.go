// Package llm defines the Provider interface for text generation backends.
//
// The concierge uses an LLM provider for two things: structured quote
// estimates (a single completion constrained by a response schema) and the
// receptionist chat (a streamed completion over the conversation so far).
//
// Implementations must be safe for concurrent use. Channels returned by
// Stream must be closed by the implementation when generation ends or the
// supplied context is cancelled.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("llm: response contained no text")

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one conversation turn.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// SchemaType is the JSON type of a [Schema] node.
type SchemaType string

const (
	TypeObject  SchemaType = "object"
	TypeArray   SchemaType = "array"
	TypeString  SchemaType = "string"
	TypeNumber  SchemaType = "number"
	TypeInteger SchemaType = "integer"
	TypeBoolean SchemaType = "boolean"
)

// Schema describes the JSON document a structured completion must return.
type Schema struct {
	Type        SchemaType
	Description string
	Properties  map[string]*Schema
	// PropertyOrdering fixes the order the model emits object properties in.
	PropertyOrdering []string
	Items            *Schema
	Required         []string
}

// Request carries everything the model needs for one completion.
type Request struct {
	// SystemPrompt is sent as the model's system instruction.
	SystemPrompt string

	// Messages is the conversation in order. It must not be empty.
	Messages []Message

	// Temperature and TopP tune sampling. Zero selects the model default.
	Temperature float32
	TopP        float32

	// ResponseSchema, when set, makes the model answer with a JSON document
	// conforming to it.
	ResponseSchema *Schema
}

// Usage holds token accounting for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the result of a non-streaming completion.
type Response struct {
	Text         string
	FinishReason string
	Usage        Usage
}

// Chunk is one fragment of a streamed completion. The final chunk of a
// failed stream carries Err.
type Chunk struct {
	Text         string
	FinishReason string
	Err          error
}

// Provider is the abstraction over any text generation backend.
type Provider interface {
	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req Request) (Response, error)

	// Stream sends req and returns a channel of response fragments. The
	// error return is non-nil only when the stream could not be started;
	// later failures arrive as a final [Chunk] with Err set. The channel is
	// never nil when err is nil.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
