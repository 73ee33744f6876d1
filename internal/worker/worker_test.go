package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "audit.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	if err := repo.SaveRun(ctx, &domain.Run{ID: "run-1", Dataset: "test", Status: domain.RunRunning, StartedAt: time.Now()}); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, repo)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != len(DefaultTopics) {
			t.Errorf("expected %d subscriptions, got %d", len(DefaultTopics), stats.SubscriptionCount)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := w.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("RecordsEvents", func(t *testing.T) {
		w := NewWorker(eventBus, repo)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		bus.Emit(ctx, eventBus, domain.TopicSuspectDetected, domain.SuspectEvent{
			RunID:         "run-1",
			TransactionID: "tx-1",
			RiskScore:     0.8,
		})
		bus.Emit(ctx, eventBus, domain.TopicFraudConfirmed, domain.ConfirmedEvent{
			RunID:         "run-1",
			BatchNum:      1,
			TransactionID: "tx-1",
			Anomalies:     []string{"account_drained"},
		})
		bus.Emit(ctx, eventBus, domain.TopicBatchFinished, domain.BatchEvent{
			RunID:    "run-1",
			BatchNum: 1,
			Status:   domain.BatchCompleted,
			Frauds:   1,
		})

		waitFor(t, func() bool {
			events, err := repo.ListAuditEvents(ctx, "run-1")
			return err == nil && len(events) == 3
		})

		events, _ := repo.ListAuditEvents(ctx, "run-1")
		topics := map[string]string{}
		for _, ev := range events {
			topics[ev.Topic] = ev.TransactionID
			if ev.ID == "" {
				t.Error("expected audit event id")
			}
		}
		if topics[domain.TopicFraudConfirmed] != "tx-1" {
			t.Errorf("expected confirmed event for tx-1, got %q", topics[domain.TopicFraudConfirmed])
		}
		if _, ok := topics[domain.TopicBatchFinished]; !ok {
			t.Error("expected batch event to be recorded")
		}

		stats := w.GetStats()
		if stats.Processed[domain.TopicSuspectDetected] != 1 {
			t.Errorf("expected 1 suspect event processed, got %d", stats.Processed[domain.TopicSuspectDetected])
		}
	})

	t.Run("MalformedPayload", func(t *testing.T) {
		w := NewWorker(eventBus, nil)
		if err := w.Start(Config{Topics: []string{"kestrel.test.malformed"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		if err := eventBus.Publish(ctx, "kestrel.test.malformed", []byte("{not json")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		waitFor(t, func() bool { return w.GetStats().Failed == 1 })
	})

	t.Run("WithoutRepository", func(t *testing.T) {
		w := NewWorker(eventBus, nil)
		if err := w.Start(Config{Topics: []string{domain.TopicBatchFinished}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		bus.Emit(ctx, eventBus, domain.TopicBatchFinished, domain.BatchEvent{RunID: "run-2", BatchNum: 3, Status: domain.BatchError})
		waitFor(t, func() bool { return w.GetStats().Processed[domain.TopicBatchFinished] == 1 })
	})
}
