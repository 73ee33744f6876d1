// Package worker records pipeline events from the EventBus as an audit trail.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultTopics are the pipeline topics recorded when Config.Topics is empty.
var DefaultTopics = []string{
	domain.TopicSuspectDetected,
	domain.TopicFraudConfirmed,
	domain.TopicBatchFinished,
}

// Worker consumes pipeline events and stores them in the repository.
type Worker struct {
	bus  domain.EventBus
	repo domain.Repository

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	mu        sync.Mutex
	processed map[string]int
	failed    int
}

// Config holds worker configuration.
type Config struct {
	// Topics to record (empty = DefaultTopics)
	Topics []string
}

// NewWorker creates a new audit worker. repo may be nil, in which case
// events are only logged.
func NewWorker(bus domain.EventBus, repo domain.Repository) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		repo:      repo,
		ctx:       ctx,
		cancel:    cancel,
		processed: make(map[string]int),
	}
}

// Start subscribes to the configured topics.
func (w *Worker) Start(cfg Config) error {
	topics := cfg.Topics
	if len(topics) == 0 {
		topics = DefaultTopics
	}

	for _, topic := range topics {
		sub, err := w.bus.Subscribe(w.ctx, topic, w.handleMessage)
		if err != nil {
			slog.Error("failed to subscribe",
				"topic", topic,
				"error", err,
			)
			return err
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("audit worker started",
		"topic_count", len(topics),
	)
	return nil
}

// envelope holds the fields shared by every pipeline event.
type envelope struct {
	RunID         string `json:"run_id"`
	TransactionID string `json:"transaction_id"`
	BatchNum      int    `json:"batch_num"`
	Status        string `json:"status"`
}

// handleMessage stores one event.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		slog.Error("failed to parse pipeline event",
			"message_id", msg.ID,
			"topic", msg.Topic,
			"error", err,
		)
		w.count(msg.Topic, err)
		return err
	}

	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}
	created := time.Now().UTC()
	if msg.Timestamp > 0 {
		created = time.Unix(0, msg.Timestamp).UTC()
	}

	event := &domain.AuditEvent{
		ID:            id,
		RunID:         env.RunID,
		Topic:         msg.Topic,
		TransactionID: env.TransactionID,
		Payload:       string(msg.Payload),
		CreatedAt:     created,
	}

	var err error
	if w.repo != nil {
		if err = w.repo.SaveAuditEvent(ctx, event); err != nil {
			slog.Error("failed to save audit event",
				"topic", msg.Topic,
				"run_id", env.RunID,
				"error", err,
			)
		}
	}
	w.count(msg.Topic, err)

	switch msg.Topic {
	case domain.TopicFraudConfirmed:
		slog.Info("fraud confirmed",
			"run_id", env.RunID,
			"batch_num", env.BatchNum,
			"tx_id", env.TransactionID,
		)
	case domain.TopicBatchFinished:
		slog.Debug("batch event recorded",
			"run_id", env.RunID,
			"batch_num", env.BatchNum,
			"status", env.Status,
		)
	}
	return err
}

func (w *Worker) count(topic string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.failed++
		return
	}
	w.processed[topic]++
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("audit worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int            `json:"subscriptionCount"`
	Topics            []string       `json:"topics"`
	Processed         map[string]int `json:"processed"`
	Failed            int            `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	processed := make(map[string]int, len(w.processed))
	for k, v := range w.processed {
		processed[k] = v
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         processed,
		Failed:            w.failed,
	}
}
