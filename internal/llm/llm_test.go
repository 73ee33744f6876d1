package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var reportTool = ToolSpec{
	Name:        "report_fraud",
	Description: "Report a fraudulent transaction",
	Parameters:  json.RawMessage(`{"type":"object","properties":{"transaction_id":{"type":"string"}},"required":["transaction_id"]}`),
}

// sse writes each payload as a server-sent event and terminates the stream.
func sse(w http.ResponseWriter, payloads ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, p := range payloads {
		fmt.Fprintf(w, "data: %s\n\n", p)
	}
	io.WriteString(w, "data: [DONE]\n\n")
}

type sentRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role      string `json:"role"`
		Content   any    `json:"content"`
		ToolCalls []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"tool_calls"`
		ToolCallID string `json:"tool_call_id"`
	} `json:"messages"`
	Tools []struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	} `json:"tools"`
	ToolChoice    any `json:"tool_choice"`
	StreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
}

func TestOpenAIClientStream(t *testing.T) {
	var got sentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		sse(w,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"check"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"ing"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"report_fraud","arguments":"{\"transaction_"}}]}}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"id\":\"abc\"}"}}]},"finish_reason":"tool_calls"}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[],"usage":{"prompt_tokens":120,"completion_tokens":30,"total_tokens":150}}`,
		)
	}))
	defer srv.Close()

	client := NewOpenAIClient(BackendOpenRouter, srv.URL+"/", "key")
	events, err := client.Stream(context.Background(), &Request{
		Model:  "openai/gpt-4.1",
		System: "be careful",
		Messages: []Message{
			{Role: RoleUser, Content: "analyze"},
			{Role: RoleAssistant, ToolCalls: []Call{{ID: "c0", Name: "get_transaction_aggregated", Arguments: json.RawMessage(`{}`)}}},
			{Role: RoleTool, ToolCallID: "c0", Name: "get_transaction_aggregated", Content: "{}"},
		},
		Tools: []ToolSpec{reportTool},
	})
	require.NoError(t, err)

	all, err := Drain(events)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, EventTextDelta, all[0].Kind)
	assert.Equal(t, "check", all[0].Text)
	assert.Equal(t, "ing", all[1].Text)
	assert.Equal(t, EventToolCall, all[2].Kind)
	assert.Equal(t, "call_1", all[2].Call.ID)
	assert.Equal(t, "report_fraud", all[2].Call.Name)
	assert.JSONEq(t, `{"transaction_id":"abc"}`, string(all[2].Call.Arguments))
	assert.Equal(t, EventUsage, all[3].Kind)
	assert.Equal(t, 150, all[3].Usage.TotalTokens)

	assert.True(t, got.Stream)
	assert.True(t, got.StreamOptions.IncludeUsage)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "be careful", got.Messages[0].Content)
	assert.Nil(t, got.Messages[2].Content, "tool-call turn without text sends no content")
	require.Len(t, got.Messages[2].ToolCalls, 1)
	assert.Equal(t, "function", got.Messages[2].ToolCalls[0].Type)
	assert.Equal(t, "tool", got.Messages[3].Role)
	assert.Equal(t, "c0", got.Messages[3].ToolCallID)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "report_fraud", got.Tools[0].Function.Name)
	assert.Equal(t, "auto", got.ToolChoice)
	assert.Equal(t, "openai/gpt-4.1", got.Model)
}

func TestOpenAIClientErrors(t *testing.T) {
	t.Run("rate limited", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
		}))
		defer srv.Close()

		_, err := NewOpenAIClient(BackendOpenAI, srv.URL, "key").Stream(context.Background(), &Request{Model: "m"})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 429, apiErr.Status)
		assert.True(t, Retryable(err))
	})

	t.Run("error inside 200 stream", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sse(w, `{"error":{"message":"provider overloaded","code":503}}`)
		}))
		defer srv.Close()

		_, err := NewOpenAIClient(BackendOpenRouter, srv.URL, "key").Stream(context.Background(), &Request{Model: "m"})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 503, apiErr.Status)
		assert.True(t, Retryable(err))
	})

	t.Run("bad request is permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":{"message":"bad tool schema"}}`)
		}))
		defer srv.Close()

		_, err := NewOpenAIClient(BackendOpenAI, srv.URL, "key").Stream(context.Background(), &Request{Model: "m"})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 400, apiErr.Status)
		assert.False(t, Retryable(err))
	})

	t.Run("empty stream", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sse(w)
		}))
		defer srv.Close()

		_, err := NewOpenAIClient(BackendOpenAI, srv.URL, "key").Stream(context.Background(), &Request{Model: "m"})
		assert.ErrorIs(t, err, ErrEmptyResponse)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := NewOpenAIClient(BackendOpenAI, "http://unused", "").Stream(context.Background(), &Request{Model: "m"})
		assert.ErrorIs(t, err, ErrNoCredentials)
	})
}

func TestAPIErrorMapping(t *testing.T) {
	err := apiError(errors.New(`error while streaming: {"message":"upstream gone"}`))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.True(t, Retryable(err))

	plain := errors.New("stream broke")
	assert.Same(t, plain, apiError(plain))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &APIError{Status: 429}, true},
		{"502", &APIError{Status: 502}, true},
		{"503", &APIError{Status: 503}, true},
		{"504", &APIError{Status: 504}, true},
		{"401", &APIError{Status: 401}, false},
		{"400", &APIError{Status: 400}, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"eof", io.ErrUnexpectedEOF, true},
		{"genai text", errors.New("Error 429, Message: Resource has been exhausted, Status: RESOURCE_EXHAUSTED"), true},
		{"timeout text", errors.New("request timed out"), true},
		{"other", errors.New("invalid tool schema"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		cfg     domain.AgentConfig
		backend string
		model   string
		wantErr bool
	}{
		{"openrouter prefix", domain.AgentConfig{Model: "openrouter/openai/gpt-4.1", OpenRouterAPIKey: "k"}, BackendOpenRouter, "openai/gpt-4.1", false},
		{"openrouter prefix without key", domain.AgentConfig{Model: "openrouter/openai/gpt-4.1", OpenAIAPIKey: "k"}, "", "", true},
		{"openai prefix", domain.AgentConfig{Model: "openai/gpt-4o", OpenAIAPIKey: "k"}, BackendOpenAI, "gpt-4o", false},
		{"openai via openrouter", domain.AgentConfig{Model: "openai/gpt-4o", OpenRouterAPIKey: "k"}, BackendOpenRouter, "openai/gpt-4o", false},
		{"gemini prefix", domain.AgentConfig{Model: "gemini/gemini-2.0-flash", GoogleAPIKey: "k"}, BackendGemini, "gemini-2.0-flash", false},
		{"unprefixed prefers openrouter", domain.AgentConfig{Model: "mistralai/mixtral-8x7b", OpenRouterAPIKey: "k", OpenAIAPIKey: "k"}, BackendOpenRouter, "mistralai/mixtral-8x7b", false},
		{"unprefixed google only", domain.AgentConfig{Model: "gemini-2.0-flash", GoogleAPIKey: "k"}, BackendGemini, "gemini-2.0-flash", false},
		{"default model", domain.AgentConfig{OpenRouterAPIKey: "k"}, BackendOpenRouter, "openai/gpt-4.1", false},
		{"no keys", domain.AgentConfig{Model: "gpt-4o"}, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := Resolve(tt.cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoCredentials)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.backend, sel.Backend)
			assert.Equal(t, tt.model, sel.Model)
		})
	}
}

func TestBatchSizeFor(t *testing.T) {
	assert.Equal(t, 200, BatchSizeFor("openrouter/openai/gpt-4.1", 0))
	assert.Equal(t, 50, BatchSizeFor("openrouter/mistralai/Mistral-Large", 0))
	assert.Equal(t, 50, BatchSizeFor("mixtral-8x22b", 0))
	assert.Equal(t, 30, BatchSizeFor("deepseek/deepseek-chat", 0))
	assert.Equal(t, 30, BatchSizeFor("openai/gpt-3.5-turbo", 0))
	assert.Equal(t, 75, BatchSizeFor("deepseek/deepseek-chat", 75))
}

type countingClient struct {
	calls  atomic.Int32
	events []Event
}

func (c *countingClient) Name() string { return "counting" }

func (c *countingClient) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	c.calls.Add(1)
	return replay(c.events), nil
}

func TestCachedClient(t *testing.T) {
	ctx := context.Background()
	inner := &countingClient{events: []Event{
		{Kind: EventTextDelta, Text: "ok"},
		{Kind: EventToolCall, Call: &Call{ID: "1", Name: "report_fraud", Arguments: json.RawMessage(`{"transaction_id":"x"}`)}},
		{Kind: EventUsage, Usage: &Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}},
	}}
	rc := cache.NewResponseCache(cache.NewLRUCache(10), time.Minute)
	client := NewCached(inner, rc)
	req := &Request{Model: "m", System: "s", Messages: []Message{{Role: RoleUser, Content: "hi"}}, Tools: []ToolSpec{reportTool}}

	first, err := client.Stream(ctx, req)
	require.NoError(t, err)
	a, err := Drain(first)
	require.NoError(t, err)

	second, err := client.Stream(ctx, req)
	require.NoError(t, err)
	b, err := Drain(second)
	require.NoError(t, err)

	assert.Equal(t, int32(1), inner.calls.Load())
	require.Len(t, b, 3)
	assert.Equal(t, a[0].Text, b[0].Text)
	assert.Equal(t, "report_fraud", b[1].Call.Name)
	assert.Equal(t, 12, b[2].Usage.TotalTokens)

	// a different prompt misses
	other := *req
	other.Messages = []Message{{Role: RoleUser, Content: "bye"}}
	_, err = client.Stream(ctx, &other)
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestCachedClientSkipsFailures(t *testing.T) {
	ctx := context.Background()
	inner := &countingClient{events: []Event{
		{Kind: EventTextDelta, Text: "partial"},
		{Kind: EventError, Err: errors.New("stream broke")},
	}}
	client := NewCached(inner, cache.NewResponseCache(cache.NewLRUCache(10), time.Minute))
	req := &Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: "hi"}}}

	for i := 0; i < 2; i++ {
		events, err := client.Stream(ctx, req)
		require.NoError(t, err)
		_, err = Drain(events)
		assert.Error(t, err)
	}
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestNewCachedDisabled(t *testing.T) {
	inner := &countingClient{}
	assert.Same(t, Client(inner), NewCached(inner, nil))
	assert.Same(t, Client(inner), NewCached(inner, cache.NewResponseCache(cache.NewLRUCache(10), 0)))
}

func TestGeminiSchemaConversion(t *testing.T) {
	schema, err := geminiSchema(json.RawMessage(`{
		"type": "object",
		"properties": {
			"transaction_id": {"type": "string", "description": "UUID"},
			"reasons": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["transaction_id"]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "OBJECT", string(schema.Type))
	assert.Equal(t, []string{"transaction_id"}, schema.Required)
	assert.Equal(t, "STRING", string(schema.Properties["transaction_id"].Type))
	assert.Equal(t, "ARRAY", string(schema.Properties["reasons"].Type))
	assert.Equal(t, "STRING", string(schema.Properties["reasons"].Items.Type))
}

func TestGeminiContents(t *testing.T) {
	contents, err := geminiContents([]Message{
		{Role: RoleUser, Content: "analyze"},
		{Role: RoleAssistant, ToolCalls: []Call{{ID: "1", Name: "check_new_merchant", Arguments: json.RawMessage(`{"transaction_id":"x"}`)}}},
		{Role: RoleTool, ToolCallID: "1", Name: "check_new_merchant", Content: `{"is_new_merchant":true}`},
	})
	require.NoError(t, err)
	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	assert.Equal(t, "x", contents[1].Parts[0].FunctionCall.Args["transaction_id"])
	assert.Equal(t, "check_new_merchant", contents[2].Parts[0].FunctionResponse.Name)

	_, err = geminiContents([]Message{{Role: "system"}})
	assert.Error(t, err)
}
