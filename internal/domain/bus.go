package domain

import (
	"context"
)

// EventBus carries pipeline events between components.
// Backed by Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Pipeline topics.
const (
	TopicSuspectDetected = "kestrel.suspect.detected"
	TopicFraudConfirmed  = "kestrel.fraud.confirmed"
	TopicBatchFinished   = "kestrel.batch.finished"
)

// SuspectEvent is published for every persisted suspect.
type SuspectEvent struct {
	RunID         string  `json:"run_id"`
	TransactionID string  `json:"transaction_id"`
	RiskScore     float64 `json:"risk_score"`
}

// ConfirmedEvent is published for every newly confirmed fraud.
type ConfirmedEvent struct {
	RunID         string   `json:"run_id"`
	BatchNum      int      `json:"batch_num"`
	TransactionID string   `json:"transaction_id"`
	Anomalies     []string `json:"anomalies"`
}

// BatchEvent is published when a batch reaches a terminal state.
type BatchEvent struct {
	RunID      string     `json:"run_id"`
	BatchNum   int        `json:"batch_num"`
	Status     string     `json:"status"`
	Frauds     int        `json:"frauds"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	TokenUsage TokenUsage `json:"token_usage"`
}
