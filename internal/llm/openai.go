package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
)

// Default endpoints of OpenAI-compatible backends.
const (
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	OpenAIBaseURL     = "https://api.openai.com/v1"
)

// OpenAIClient talks to an OpenAI-compatible chat-completions endpoint
// (OpenAI, OpenRouter).
type OpenAIClient struct {
	name   string
	hasKey bool
	client openai.Client
}

// NewOpenAIClient creates a client for baseURL. name labels the backend in logs.
// Retries are left to the agent, which owns the retry budget.
func NewOpenAIClient(name, baseURL, apiKey string) *OpenAIClient {
	return &OpenAIClient{
		name:   name,
		hasKey: apiKey != "",
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(strings.TrimSuffix(baseURL, "/")+"/"),
			option.WithHeader("X-Title", "kestrel"),
			option.WithMaxRetries(0),
			option.WithRequestTimeout(10*time.Minute),
		),
	}
}

// Name returns the backend name.
func (c *OpenAIClient) Name() string { return c.name }

// Stream starts a streaming chat completion. Failures before the first chunk
// (HTTP errors, errors in a 200 body, empty streams) are returned directly so
// callers can classify them; later ones arrive as an EventError.
func (c *OpenAIClient) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	if !c.hasKey {
		return nil, ErrNoCredentials
	}

	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	if !stream.Next() {
		err := stream.Err()
		stream.Close()
		if err == nil {
			return nil, ErrEmptyResponse
		}
		return nil, apiError(err)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer stream.Close()
		c.forward(ctx, stream, events)
	}()
	return events, nil
}

// partialCall collects the argument fragments of one streamed tool call.
type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func (c *OpenAIClient) forward(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], events chan<- Event) {
	send := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	calls := map[int64]*partialCall{}
	var usage *Usage
	sawChoice := false

	// the first chunk was read by Stream
	for ok := true; ok; ok = stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			usage = &Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		sawChoice = true

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			if !send(Event{Kind: EventTextDelta, Text: delta.Content}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			p, found := calls[tc.Index]
			if !found {
				p = &partialCall{}
				calls[tc.Index] = p
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			p.args.WriteString(tc.Function.Arguments)
		}
	}

	if err := stream.Err(); err != nil {
		send(Event{Kind: EventError, Err: apiError(err)})
		return
	}
	if !sawChoice {
		send(Event{Kind: EventError, Err: ErrEmptyResponse})
		return
	}

	indexes := make([]int64, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Slice(indexes, func(a, b int) bool { return indexes[a] < indexes[b] })
	for _, i := range indexes {
		p := calls[i]
		args := json.RawMessage(p.args.String())
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		if !send(Event{Kind: EventToolCall, Call: &Call{ID: p.id, Name: p.name, Arguments: args}}) {
			return
		}
	}
	if usage != nil {
		send(Event{Kind: EventUsage, Usage: usage})
	}
}

func (c *OpenAIClient) buildParams(req *Request) (openai.ChatCompletionNewParams, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(req.Model),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	if req.System != "" {
		params.Messages = append(params.Messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		case RoleAssistant:
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, call := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
			params.Messages = append(params.Messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case RoleTool:
			params.Messages = append(params.Messages, openai.ChatCompletionMessageParamUnion{
				OfTool: &openai.ChatCompletionToolMessageParam{
					ToolCallID: m.ToolCallID,
					Content:    openai.ChatCompletionToolMessageParamContentUnion{OfString: openai.String(m.Content)},
				},
			})
		default:
			return params, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}

	for _, t := range req.Tools {
		var schema shared.FunctionParameters
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return params, fmt.Errorf("invalid parameters for tool %s: %w", t.Name, err)
			}
		}
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  schema,
			},
		})
	}
	if len(params.Tools) > 0 {
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("auto")}
	}
	return params, nil
}

// apiError maps SDK failures onto APIError so Retryable sees a status.
// OpenRouter reports upstream failures as an error event inside a 200 stream.
func apiError(err error) error {
	var oaiErr *openai.Error
	if errors.As(err, &oaiErr) {
		body := oaiErr.Message
		if body == "" {
			body = http.StatusText(oaiErr.StatusCode)
		}
		return &APIError{Status: oaiErr.StatusCode, Body: truncate(body, 512)}
	}

	msg := err.Error()
	if i := strings.Index(msg, "{"); i >= 0 {
		var payload struct {
			Message string `json:"message"`
			Code    any    `json:"code"`
		}
		if json.Unmarshal([]byte(msg[i:]), &payload) == nil && payload.Message != "" {
			status := http.StatusBadGateway
			if code, ok := payload.Code.(float64); ok {
				status = int(code)
			}
			return &APIError{Status: status, Body: truncate(payload.Message, 512)}
		}
	}
	return err
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
