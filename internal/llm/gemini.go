package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiClient streams from the Gemini API through the genai SDK.
type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient creates a Gemini backend.
func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, ErrNoCredentials
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiClient{client: client}, nil
}

// Name returns the backend name.
func (c *GeminiClient) Name() string { return "gemini" }

// Stream starts a streaming generation and forwards its parts as events.
func (c *GeminiClient) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	contents, err := geminiContents(req.Messages)
	if err != nil {
		return nil, err
	}
	config, err := geminiConfig(req)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)

		var usage *Usage
		for resp, err := range c.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
			if err != nil {
				out <- Event{Kind: EventError, Err: err}
				return
			}
			for _, ev := range chunkEvents(resp) {
				out <- ev
			}
			// usage metadata is cumulative; the last chunk carries the totals
			if md := resp.UsageMetadata; md != nil {
				usage = &Usage{
					PromptTokens:     int(md.PromptTokenCount),
					CompletionTokens: int(md.CandidatesTokenCount),
					TotalTokens:      int(md.TotalTokenCount),
				}
			}
		}
		if usage != nil {
			out <- Event{Kind: EventUsage, Usage: usage}
		}
	}()
	return out, nil
}

func chunkEvents(resp *genai.GenerateContentResponse) []Event {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var events []Event
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			events = append(events, Event{Kind: EventTextDelta, Text: part.Text})
		}
		if fc := part.FunctionCall; fc != nil {
			args, err := json.Marshal(fc.Args)
			if err != nil || fc.Args == nil {
				args = []byte("{}")
			}
			id := fc.ID
			if id == "" {
				id = fc.Name
			}
			events = append(events, Event{
				Kind: EventToolCall,
				Call: &Call{ID: id, Name: fc.Name, Arguments: args},
			})
		}
	}
	return events
}

func geminiConfig(req *Request) (*genai.GenerateContentConfig, error) {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema, err := geminiSchema(t.Parameters)
			if err != nil {
				return nil, fmt.Errorf("tool %s: %w", t.Name, err)
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return config, nil
}

func geminiContents(messages []Message) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		case RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, call := range m.ToolCalls {
				var args map[string]any
				if len(call.Arguments) > 0 {
					if err := json.Unmarshal(call.Arguments, &args); err != nil {
						return nil, fmt.Errorf("invalid arguments for %s: %w", call.Name, err)
					}
				}
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: call.ID, Name: call.Name, Args: args},
				})
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case RoleTool:
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       m.ToolCallID,
						Name:     m.Name,
						Response: map[string]any{"output": m.Content},
					},
				}},
			})
		default:
			return nil, fmt.Errorf("unsupported role %q", m.Role)
		}
	}
	return contents, nil
}

// jsonSchema is the subset of JSON Schema the tool surface uses.
type jsonSchema struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Properties  map[string]*jsonSchema `json:"properties"`
	Required    []string               `json:"required"`
	Items       *jsonSchema            `json:"items"`
	Enum        []string               `json:"enum"`
}

func geminiSchema(raw json.RawMessage) (*genai.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s jsonSchema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("invalid parameter schema: %w", err)
	}
	return convertSchema(&s), nil
}

func convertSchema(s *jsonSchema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        genai.Type(strings.ToUpper(s.Type)),
		Description: s.Description,
		Required:    s.Required,
		Enum:        s.Enum,
		Items:       convertSchema(s.Items),
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = convertSchema(prop)
		}
	}
	return out
}
