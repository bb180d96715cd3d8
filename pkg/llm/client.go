// Package llm provides a provider-neutral chat client for multimodal language models.
package llm

import (
	"context"
	"errors"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyResponse is returned when a provider answers without any candidate text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Part is one piece of message content: either text or an inline binary blob.
type Part struct {
	Text     string `json:"text,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// IsInline reports whether the part carries binary data instead of text.
func (p Part) IsInline() bool {
	return len(p.Data) > 0
}

type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Text builds a single-part text message.
func Text(role, text string) Message {
	return Message{Role: role, Parts: []Part{{Text: text}}}
}

// Image builds a user message carrying an instruction and an inline image.
func Image(instruction string, data []byte, mimeType string) Message {
	return Message{
		Role: RoleUser,
		Parts: []Part{
			{Text: instruction},
			{MIMEType: mimeType, Data: data},
		},
	}
}

type Client interface {
	Chat(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error)
}

type SamplingOptions struct {
	// Temperature is left to the provider default when nil.
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p"`
	Seed        int64   `json:"seed"`
	// JSON asks the provider for a JSON-only response where supported.
	JSON bool `json:"json"`
}

type Response struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// Float returns a pointer to v, for optional sampling fields.
func Float(v float64) *float64 {
	return &v
}

// ClientFunc adapts an ordinary function to the Client interface.
type ClientFunc func(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error)

func (f ClientFunc) Chat(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error) {
	return f(ctx, messages, options)
}
