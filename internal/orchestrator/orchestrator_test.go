package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/agent"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/dataset/datasettest"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/journal"
	"github.com/opensource-finance/kestrel/internal/llm"
	"github.com/opensource-finance/kestrel/internal/llm/llmtest"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

const (
	txFraud = "dddddddd-0000-0000-0000-000000000001"
	txDoubt = "dddddddd-0000-0000-0000-000000000002"
	txFine  = "dddddddd-0000-0000-0000-000000000003"

	bio  = "LCRE-BIO-1"
	iban = "IT60X0542811101000000777777"
)

func fixture() datasettest.Fixture {
	return datasettest.Fixture{
		Transactions: []domain.Transaction{
			{ID: txFraud, SenderID: bio, SenderIBAN: iban, RecipientIBAN: "IT00X0000000000000000000009", Type: domain.TypeTransfer, Amount: 2500, BalanceAfter: 0, Timestamp: "2025-11-17T12:00:00Z"},
			{ID: txDoubt, SenderID: bio, SenderIBAN: iban, Type: domain.TypeWithdrawal, Amount: 40, BalanceAfter: 0, Timestamp: "2025-11-18T12:00:00Z"},
			{ID: txFine, SenderID: bio, SenderIBAN: iban, Type: domain.TypeInPerson, Amount: 12, BalanceAfter: 900, Description: "Bar Centrale", Timestamp: "2025-11-19T12:00:00Z"},
		},
		Users: []domain.User{
			{FirstName: "Luca", LastName: "Re", BirthYear: 1990, Salary: 28000, IBAN: iban, Biotag: bio, Residence: domain.Residence{City: "Torino", Lat: "45.07", Lng: "7.69"}},
		},
	}
}

// script reports txFraud and fails txDoubt while failing is set.
func script(failing *atomic.Bool) llmtest.Script {
	return func(n int, req *llm.Request) llmtest.Turn {
		last := req.Messages[len(req.Messages)-1]
		if last.Role != llm.RoleUser {
			return llmtest.Turn{}
		}
		switch {
		case strings.Contains(last.Content, txFraud):
			return llmtest.Turn{Events: []llm.Event{
				llmtest.ToolCall("r1", agent.ToolReportFraud, map[string]any{
					"transaction_id": txFraud,
					"reasons":        "account_drained,new_dest",
				}),
				llmtest.Usage(100, 10),
			}}
		case failing.Load():
			return llmtest.Turn{Err: &llm.APIError{Status: 401, Body: "invalid key"}}
		default:
			return llmtest.Turn{Events: []llm.Event{llmtest.Usage(100, 6)}}
		}
	}
}

type harness struct {
	orch       *Orchestrator
	journal    *journal.Journal
	repo       domain.Repository
	bus        *bus.ChannelBus
	resultsDir string
	failing    *atomic.Bool
}

func newHarness(t *testing.T, withRepo bool) *harness {
	t.Helper()
	store := datasettest.NewStore(t, fixture())

	// only a drained balance scores, so txFraud and txDoubt are the suspects
	engine, err := scoring.NewEngineWithWeights(&scoring.Weights{
		Weights: map[string]float64{scoring.AccountDrained: 1},
		Policy:  "score",
	}, domain.ScoringConfig{Workers: 2})
	require.NoError(t, err)

	j, err := journal.Open(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		journal:    j,
		bus:        bus.NewChannelBus(100),
		resultsDir: t.TempDir(),
		failing:    &atomic.Bool{},
	}
	t.Cleanup(func() { h.bus.Close() })

	if withRepo {
		repo, err := repository.New(domain.RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: filepath.Join(t.TempDir(), "runs.db"),
		})
		require.NoError(t, err)
		t.Cleanup(func() { repo.Close() })
		h.repo = repo
	}

	tb := agent.NewToolbox(store, j, false)
	ag := agent.New(llmtest.New(script(h.failing)), "test-model", tb, "playbook", domain.AgentConfig{
		MaxConcurrent:  2,
		MaxRetries:     2,
		RetryDelayBase: time.Millisecond,
		BatchTimeout:   5 * time.Second,
	})

	opts := Options{
		Store:      store,
		Engine:     engine,
		Journal:    j,
		Agent:      ag,
		Bus:        h.bus,
		Model:      "test-model",
		BatchSize:  1,
		ResultsDir: h.resultsDir,
	}
	if withRepo {
		opts.Repository = h.repo
	}
	h.orch = New(opts)
	return h
}

func TestRun(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	var mu sync.Mutex
	var confirmed []domain.ConfirmedEvent
	_, err := h.bus.Subscribe(ctx, domain.TopicFraudConfirmed, func(_ context.Context, msg *domain.Message) error {
		var ev domain.ConfirmedEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		mu.Lock()
		confirmed = append(confirmed, ev)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	sum, err := h.orch.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, sum.Status)
	assert.Equal(t, "test", sum.Dataset)
	assert.Equal(t, 3, sum.TotalTransactions)
	assert.Equal(t, 3, sum.Scored)
	assert.Equal(t, 2, sum.Suspects)
	assert.Equal(t, 2, sum.Persisted)
	assert.Equal(t, 2, sum.Batches)
	assert.Equal(t, 0, sum.FailedBatches)
	assert.Equal(t, 1, sum.NewlyConfirmed)
	assert.Equal(t, 1, sum.Confirmed)

	assert.Equal(t, 2, sum.Stats.Analyzed)
	assert.Equal(t, map[string]int{domain.RiskCritical: 1, domain.RiskCleared: 1}, sum.Stats.ByRiskLevel)
	assert.Equal(t, 50.0, sum.Stats.AverageScore)
	assert.Equal(t, 0, sum.Stats.Errors)
	assert.Equal(t, 216, sum.Stats.Tokens.TotalTokens)
	assert.False(t, sum.Stats.Tokens.Estimated)

	suspects := h.journal.Suspects()
	require.Len(t, suspects, 2)
	assert.Equal(t, txFraud, suspects[0].TransactionID)
	assert.Equal(t, txDoubt, suspects[1].TransactionID)
	assert.Equal(t, []string{txFraud}, keys(h.journal.ConfirmedIDs()))

	data, err := os.ReadFile(SummaryPath(h.resultsDir, sum.RunID))
	require.NoError(t, err)
	var onDisk Summary
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, sum.RunID, onDisk.RunID)
	assert.Equal(t, 1, onDisk.NewlyConfirmed)

	run, err := h.repo.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, sum.RunID, run.ID)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, 2, run.Suspects)
	assert.Equal(t, 1, run.Confirmed)
	assert.NotNil(t, run.FinishedAt)

	batches, err := h.repo.ListBatches(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	for _, b := range batches {
		assert.Equal(t, domain.BatchCompleted, b.Status)
		assert.Equal(t, 1, b.Attempts)
	}
	assert.Equal(t, 1, batches[0].Frauds)

	results, err := h.repo.ListResults(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(confirmed) == 1
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, txFraud, confirmed[0].TransactionID)
	assert.Equal(t, []string{"account_drained", "new_dest"}, confirmed[0].Anomalies)
	mu.Unlock()
}

func TestRunTwiceKeepsJournalStable(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	first, err := h.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.NewlyConfirmed)

	confirmedPath := h.journal.ConfirmedPath()
	before, err := os.ReadFile(confirmedPath)
	require.NoError(t, err)

	second, err := h.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.NewlyConfirmed)
	assert.Equal(t, 1, second.Confirmed)
	assert.Len(t, h.journal.Suspects(), 2)

	after, err := os.ReadFile(confirmedPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRunWithFailedBatchAndRetry(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.failing.Store(true)
	sum, err := h.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.FailedBatches)
	assert.Equal(t, 1, sum.Stats.Errors)
	assert.Equal(t, 100.0, sum.Stats.AverageScore)
	assert.Equal(t, 1, sum.Stats.ByRiskLevel[domain.RiskError])

	batches, err := h.repo.ListBatches(ctx, sum.RunID)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, domain.BatchError, batches[1].Status)
	assert.Contains(t, batches[1].Error, "invalid key")

	h.failing.Store(false)
	retry, err := h.orch.RetryErrored(ctx)
	require.NoError(t, err)
	assert.True(t, retry.Retry)
	assert.Equal(t, sum.RunID, retry.RunID)
	assert.Equal(t, 1, retry.Batches)
	assert.Equal(t, 0, retry.FailedBatches)
	assert.Equal(t, domain.RunCompleted, retry.Status)
	assert.Equal(t, 0, retry.Stats.Errors, "stats cover the whole run after the retry")
	assert.Equal(t, 2, retry.Stats.Analyzed)
	assert.Equal(t, 1, retry.Confirmed)

	batches, err = h.repo.ListBatches(ctx, sum.RunID)
	require.NoError(t, err)
	for _, b := range batches {
		assert.Equal(t, domain.BatchCompleted, b.Status)
	}

	again, err := h.orch.RetryErrored(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Batches)
}

func TestRetryErroredPreconditions(t *testing.T) {
	_, err := newHarness(t, false).orch.RetryErrored(context.Background())
	assert.ErrorIs(t, err, ErrNoRepository)

	_, err = newHarness(t, true).orch.RetryErrored(context.Background())
	assert.ErrorIs(t, err, ErrNoRun)
}

func TestRunMissingDataset(t *testing.T) {
	h := newHarness(t, false)
	h.orch.store = dataset.NewStore(t.TempDir(), "absent")

	_, err := h.orch.Run(context.Background())
	assert.Error(t, err)
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.orch.store.Snapshot(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := h.orch.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, sum)
	assert.Equal(t, domain.RunFailed, sum.Status)

	run, err := h.repo.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
}

func TestComputeStats(t *testing.T) {
	results := []domain.AnalysisResult{
		{RiskLevel: domain.RiskCritical, RiskScore: 100, TokenUsage: domain.TokenUsage{PromptTokens: 10, TotalTokens: 12, CompletionTokens: 2}},
		{RiskLevel: domain.RiskCleared, RiskScore: 0, TokenUsage: domain.TokenUsage{PromptTokens: 10, TotalTokens: 11, CompletionTokens: 1, Estimated: true}},
		{RiskLevel: domain.RiskCleared, RiskScore: 0},
		{RiskLevel: domain.RiskError, RiskScore: -1},
	}

	s := ComputeStats(results, 2*time.Second)
	assert.Equal(t, 4, s.Analyzed)
	assert.Equal(t, map[string]int{domain.RiskCritical: 1, domain.RiskCleared: 2, domain.RiskError: 1}, s.ByRiskLevel)
	assert.Equal(t, 33.33, s.AverageScore)
	assert.Equal(t, 1, s.Errors)
	assert.Equal(t, domain.TokenUsage{PromptTokens: 20, CompletionTokens: 3, TotalTokens: 23, Estimated: true}, s.Tokens)
	assert.Equal(t, 2.0, s.Throughput)

	empty := ComputeStats(nil, 0)
	assert.Zero(t, empty.AverageScore)
	assert.Zero(t, empty.Throughput)
	assert.Empty(t, empty.ByRiskLevel)
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
