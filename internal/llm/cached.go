package llm

import (
	"context"
	"encoding/json"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// CachedClient memoizes complete, error-free responses by model and prompt.
type CachedClient struct {
	inner Client
	cache *cache.ResponseCache
}

// NewCached wraps inner. A disabled cache returns inner unchanged.
func NewCached(inner Client, rc *cache.ResponseCache) Client {
	if !rc.Enabled() {
		return inner
	}
	return &CachedClient{inner: inner, cache: rc}
}

// Name returns the wrapped backend name.
func (c *CachedClient) Name() string { return c.inner.Name() }

// Stream replays a cached response or forwards the upstream stream while recording it.
func (c *CachedClient) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	prompt, err := promptKey(req)
	if err != nil {
		return c.inner.Stream(ctx, req)
	}

	if raw, ok := c.cache.Get(ctx, req.Model, prompt); ok {
		var events []Event
		if err := json.Unmarshal(raw, &events); err == nil {
			metrics.ResponseCacheTotal.WithLabelValues("hit").Inc()
			return replay(events), nil
		}
	}
	metrics.ResponseCacheTotal.WithLabelValues("miss").Inc()

	upstream, err := c.inner.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		var recorded []Event
		failed := false
		for ev := range upstream {
			if ev.Kind == EventError {
				failed = true
			}
			recorded = append(recorded, ev)
			out <- ev
		}
		if failed || ctx.Err() != nil {
			return
		}
		if raw, err := json.Marshal(recorded); err == nil {
			c.cache.Put(ctx, req.Model, prompt, raw)
		}
	}()
	return out, nil
}

// promptKey is the canonical text of everything the model sees.
func promptKey(req *Request) (string, error) {
	raw, err := json.Marshal(struct {
		System   string     `json:"system"`
		Messages []Message  `json:"messages"`
		Tools    []ToolSpec `json:"tools"`
	}{req.System, req.Messages, req.Tools})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
