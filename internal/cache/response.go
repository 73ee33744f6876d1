package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ResponseNamespace holds model responses.
const ResponseNamespace = "llm"

// ResponseCache memoizes model responses keyed by model and prompt.
type ResponseCache struct {
	store domain.Cache
	ttl   time.Duration
}

// NewResponseCache wraps store. A non-positive ttl disables caching.
func NewResponseCache(store domain.Cache, ttl time.Duration) *ResponseCache {
	return &ResponseCache{store: store, ttl: ttl}
}

// ResponseKey is the hex SHA-256 of "model:prompt".
func ResponseKey(model, prompt string) string {
	sum := sha256.Sum256([]byte(model + ":" + prompt))
	return hex.EncodeToString(sum[:])
}

// Enabled reports whether lookups can hit.
func (r *ResponseCache) Enabled() bool {
	return r != nil && r.store != nil && r.ttl > 0
}

// Get returns a cached response. Backend failures read as a miss.
func (r *ResponseCache) Get(ctx context.Context, model, prompt string) ([]byte, bool) {
	if !r.Enabled() {
		return nil, false
	}
	val, err := r.store.Get(ctx, ResponseNamespace, ResponseKey(model, prompt))
	if err != nil {
		slog.Warn("response cache read failed", "model", model, "error", err)
		return nil, false
	}
	return val, val != nil
}

// Put stores a response.
func (r *ResponseCache) Put(ctx context.Context, model, prompt string, response []byte) {
	if !r.Enabled() {
		return
	}
	if err := r.store.Set(ctx, ResponseNamespace, ResponseKey(model, prompt), response, r.ttl); err != nil {
		slog.Warn("response cache write failed", "model", model, "error", err)
	}
}
