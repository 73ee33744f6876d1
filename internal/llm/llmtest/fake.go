// Package llmtest provides a scripted model client for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/opensource-finance/kestrel/internal/llm"
)

// Turn is one scripted model response.
type Turn struct {
	Events []llm.Event
	Err    error
}

// Script decides the response to the n-th call (0-based) given its request.
type Script func(n int, req *llm.Request) Turn

// Fake is an llm.Client driven by a Script. It is safe for concurrent use.
type Fake struct {
	script Script

	mu       sync.Mutex
	requests []*llm.Request
}

// New returns a fake client.
func New(script Script) *Fake {
	return &Fake{script: script}
}

// Name returns "fake".
func (f *Fake) Name() string { return "fake" }

// Stream records the request and replays the scripted turn.
func (f *Fake) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Event, error) {
	f.mu.Lock()
	n := len(f.requests)
	clone := *req
	clone.Messages = append([]llm.Message(nil), req.Messages...)
	f.requests = append(f.requests, &clone)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	turn := f.script(n, req)
	if turn.Err != nil {
		return nil, turn.Err
	}

	ch := make(chan llm.Event, len(turn.Events))
	for _, ev := range turn.Events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

// Calls returns the number of Stream calls.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// Requests returns copies of the recorded requests.
func (f *Fake) Requests() []*llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*llm.Request(nil), f.requests...)
}

// Text is a text delta event.
func Text(s string) llm.Event {
	return llm.Event{Kind: llm.EventTextDelta, Text: s}
}

// ToolCall is a tool call event with JSON-encoded args.
func ToolCall(id, name string, args any) llm.Event {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("llmtest: bad tool args: %v", err))
	}
	return llm.Event{Kind: llm.EventToolCall, Call: &llm.Call{ID: id, Name: name, Arguments: raw}}
}

// RawToolCall is a tool call event with verbatim arguments.
func RawToolCall(id, name, args string) llm.Event {
	return llm.Event{Kind: llm.EventToolCall, Call: &llm.Call{ID: id, Name: name, Arguments: json.RawMessage(args)}}
}

// Usage is a usage event.
func Usage(prompt, completion int) llm.Event {
	return llm.Event{Kind: llm.EventUsage, Usage: &llm.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}}
}

// Fail is a mid-stream error event.
func Fail(err error) llm.Event {
	return llm.Event{Kind: llm.EventError, Err: err}
}
