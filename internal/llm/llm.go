// Package llm provides tool-calling chat model backends behind a streaming
// event interface.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// EventKind tags a stream event.
type EventKind string

const (
	EventTextDelta EventKind = "text_delta"
	EventToolCall  EventKind = "tool_call"
	EventUsage     EventKind = "usage"
	EventError     EventKind = "error"
)

// Event is one element of a model response stream.
type Event struct {
	Kind  EventKind `json:"kind"`
	Text  string    `json:"text,omitempty"`
	Call  *Call     `json:"call,omitempty"`
	Usage *Usage    `json:"usage,omitempty"`
	Err   error     `json:"-"`
}

// Usage is the token accounting reported by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Call is a tool invocation requested by the model.
type Call struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of the conversation.
type Message struct {
	Role       Role   `json:"role"`
	Content    string `json:"content,omitempty"`
	ToolCalls  []Call `json:"tool_calls,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// ToolSpec declares a tool to the model. Parameters is a JSON Schema object.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is one model turn.
type Request struct {
	Model    string     `json:"model"`
	System   string     `json:"system,omitempty"`
	Messages []Message  `json:"messages"`
	Tools    []ToolSpec `json:"tools,omitempty"`
}

// Client streams a model response as typed events. The channel is closed
// when the response ends. Failures after the call started arrive as an
// EventError.
type Client interface {
	Stream(ctx context.Context, req *Request) (<-chan Event, error)
	Name() string
}

// Drain consumes a stream and returns its events and the first error event.
func Drain(events <-chan Event) ([]Event, error) {
	var out []Event
	var firstErr error
	for ev := range events {
		if ev.Kind == EventError && firstErr == nil {
			firstErr = ev.Err
		}
		out = append(out, ev)
	}
	return out, firstErr
}

// replay returns a closed, pre-filled event channel.
func replay(events []Event) <-chan Event {
	ch := make(chan Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

var (
	ErrNoCredentials = errors.New("no API key for the selected model")
	ErrEmptyResponse = errors.New("model returned no choices")
)

// APIError is a non-2xx answer from a model endpoint.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("model API returned %d: %s", e.Status, e.Body)
}

// Retryable reports whether err is a transient upstream failure: rate
// limiting, unavailable gateways, timeouts and dropped connections.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case 429, 502, 503, 504:
			return true
		}
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range retryMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// markers for errors that only surface as text (genai wraps status codes)
var retryMarkers = []string{
	"429",
	"503",
	"rate limit",
	"resource_exhausted",
	"unavailable",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
}
