// Package orchestrator runs the two-stage pipeline over a dataset: every
// transaction is aggregated and pre-scored, suspects are journaled, and the
// journaled suspects are confirmed by the agent in batches.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/agent"
	"github.com/opensource-finance/kestrel/internal/aggregator"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/journal"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

var tracer = otel.Tracer("kestrel-orchestrator")

var (
	ErrNoRepository = errors.New("run history is not configured")
	ErrNoRun        = errors.New("no previous run recorded")
)

// Options wires the orchestrator. Repository and Bus are optional.
type Options struct {
	Store      *dataset.Store
	Engine     *scoring.Engine
	Journal    *journal.Journal
	Agent      *agent.Agent
	Repository domain.Repository
	Bus        domain.EventBus

	Model      string
	BatchSize  int
	ResultsDir string
}

// Orchestrator drives one analysis run at a time.
type Orchestrator struct {
	store   *dataset.Store
	agg     *aggregator.Aggregator
	engine  *scoring.Engine
	journal *journal.Journal
	agent   *agent.Agent
	repo    domain.Repository
	bus     domain.EventBus

	model      string
	batchSize  int
	resultsDir string
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		store:      opts.Store,
		agg:        aggregator.New(opts.Store),
		engine:     opts.Engine,
		journal:    opts.Journal,
		agent:      opts.Agent,
		repo:       opts.Repository,
		bus:        opts.Bus,
		model:      opts.Model,
		batchSize:  opts.BatchSize,
		resultsDir: opts.ResultsDir,
	}
}

// Run executes the full pipeline. On interruption the partial summary is
// returned together with the context error; the journal stays valid.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()

	snap, err := o.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}
	ids := snap.TransactionIDs()
	metrics.DatasetTransactions.Set(float64(len(ids)))

	run := &domain.Run{
		ID:                uuid.New().String(),
		Dataset:           snap.Folder,
		Model:             o.model,
		Status:            domain.RunRunning,
		TotalTransactions: len(ids),
		StartedAt:         start.UTC(),
	}

	ctx, span := tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("dataset", run.Dataset),
			attribute.Int("transactions", len(ids)),
		),
	)
	defer span.End()

	o.saveRun(ctx, run)
	slog.Info("run started",
		"run_id", run.ID,
		"dataset", run.Dataset,
		"model", o.model,
		"transactions", len(ids),
	)

	sum := &Summary{
		RunID:             run.ID,
		Dataset:           run.Dataset,
		Model:             o.model,
		TotalTransactions: len(ids),
		StartedAt:         start.UTC(),
	}

	// Stage 1: aggregate and pre-score everything, journal the suspects.
	evals := o.Prescreen(ctx, ids)
	sum.Scored = len(evals)

	var persist []*domain.Evaluation
	for _, ev := range evals {
		if ev.Decision == domain.DecisionSuspect {
			sum.Suspects++
		}
		if o.engine.ShouldPersist(ev) {
			persist = append(persist, ev)
		}
	}
	added, err := o.journal.AppendSuspects(persist)
	if err != nil {
		o.finish(ctx, run, sum, start, domain.RunFailed)
		return sum, fmt.Errorf("failed to write suspects: %w", err)
	}
	sum.Persisted = len(persist)
	for _, ev := range persist {
		bus.Emit(ctx, o.bus, domain.TopicSuspectDetected, domain.SuspectEvent{
			RunID:         run.ID,
			TransactionID: ev.TransactionID,
			RiskScore:     ev.RiskScore,
		})
	}
	sum.PrescreenMs = time.Since(start).Milliseconds()

	slog.Info("pre-screening finished",
		"run_id", run.ID,
		"scored", sum.Scored,
		"suspects", sum.Suspects,
		"persisted", sum.Persisted,
		"new_in_journal", added,
		"duration_ms", sum.PrescreenMs,
	)

	if err := ctx.Err(); err != nil {
		o.finish(ctx, run, sum, start, domain.RunFailed)
		return sum, err
	}

	// Stage 2: confirm the journaled suspects.
	suspects := o.suspectIDs(snap)
	run.Suspects = len(suspects)
	o.saveRun(ctx, run)

	batches := agent.Partition(suspects, o.batchSize)
	for _, b := range batches {
		o.saveBatch(ctx, &domain.BatchRecord{
			RunID:          run.ID,
			BatchNum:       b.Num,
			TransactionIDs: b.TransactionIDs,
			Status:         domain.BatchPending,
		})
	}

	slog.Info("confirmation started",
		"run_id", run.ID,
		"suspects", len(suspects),
		"batches", len(batches),
		"batch_size", o.batchSize,
	)

	o.confirm(ctx, run.ID, batches, sum)

	status := domain.RunCompleted
	if ctx.Err() != nil {
		status = domain.RunFailed
	}
	o.finish(ctx, run, sum, start, status)
	return sum, ctx.Err()
}

// Prescreen aggregates and scores ids, in chunks of the aggregator batch
// limit. Ids that fail aggregation are logged and skipped.
func (o *Orchestrator) Prescreen(ctx context.Context, ids []string) []*domain.Evaluation {
	var out []*domain.Evaluation
	failed := 0

	for start := 0; start < len(ids); start += aggregator.MaxBatch {
		if ctx.Err() != nil {
			break
		}
		end := min(start+aggregator.MaxBatch, len(ids))

		items, err := o.agg.AggregateBatch(ctx, ids[start:end])
		if err != nil {
			slog.Error("aggregation failed", "offset", start, "error", err)
			failed += end - start
			continue
		}

		bundles := make([]*domain.AggregatedTransaction, 0, len(items))
		for _, item := range items {
			if item.Bundle == nil {
				failed++
				slog.Debug("transaction skipped", "tx_id", item.TransactionID, "error", item.Error)
				continue
			}
			bundles = append(bundles, item.Bundle)
		}

		for _, ev := range o.engine.ScoreBatch(ctx, bundles) {
			if ev == nil {
				continue
			}
			metrics.TransactionsScored.WithLabelValues(string(ev.Decision)).Inc()
			out = append(out, ev)
		}
	}

	if failed > 0 {
		slog.Warn("transactions not scored", "count", failed)
	}
	return out
}

// suspectIDs returns the journaled suspects that belong to the active
// dataset, in journal order.
func (o *Orchestrator) suspectIDs(snap *dataset.Snapshot) []string {
	records := o.journal.Suspects()
	ids := make([]string, 0, len(records))
	skipped := 0
	for _, r := range records {
		if _, ok := snap.Transaction(r.TransactionID); !ok {
			skipped++
			continue
		}
		ids = append(ids, r.TransactionID)
	}
	if skipped > 0 {
		slog.Warn("journaled suspects outside the active dataset skipped", "count", skipped)
	}
	return ids
}

// confirm runs the agent and folds its results into sum.
func (o *Orchestrator) confirm(ctx context.Context, runID string, batches []agent.Batch, sum *Summary) {
	start := time.Now()
	results := o.agent.Run(ctx, batches, o.hooks(ctx, runID))

	var all []domain.AnalysisResult
	for _, res := range results {
		if res == nil {
			continue
		}
		all = append(all, res.Results()...)
		if res.Status == domain.BatchError {
			sum.FailedBatches++
		}
		for _, rep := range res.Reports {
			if rep.Added {
				sum.NewlyConfirmed++
			}
		}
	}

	elapsed := time.Since(start)
	sum.Batches = len(batches)
	sum.AnalysisMs = elapsed.Milliseconds()
	sum.Stats = ComputeStats(all, elapsed)
}

// hooks persist batch transitions and publish their events. Records are
// written even after an interrupt so that retry can pick them up.
func (o *Orchestrator) hooks(ctx context.Context, runID string) agent.Hooks {
	persistCtx := context.WithoutCancel(ctx)
	return agent.Hooks{
		OnStart: func(b agent.Batch, startedAt time.Time) {
			o.saveBatch(persistCtx, &domain.BatchRecord{
				RunID:          runID,
				BatchNum:       b.Num,
				TransactionIDs: b.TransactionIDs,
				Status:         domain.BatchRunning,
				StartedAt:      &startedAt,
			})
		},
		OnFinish: func(res *agent.BatchResult) {
			rec := res.Record(runID)
			o.saveBatch(persistCtx, rec)
			if o.repo != nil {
				if err := o.repo.SaveResults(persistCtx, runID, res.Results()); err != nil {
					slog.Error("failed to save batch results", "run_id", runID, "batch_num", res.Num, "error", err)
				}
			}

			for _, rep := range res.Reports {
				if !rep.Added {
					continue
				}
				bus.Emit(persistCtx, o.bus, domain.TopicFraudConfirmed, domain.ConfirmedEvent{
					RunID:         runID,
					BatchNum:      res.Num,
					TransactionID: rep.TransactionID,
					Anomalies:     rep.Reasons,
				})
			}
			bus.Emit(persistCtx, o.bus, domain.TopicBatchFinished, domain.BatchEvent{
				RunID:      runID,
				BatchNum:   res.Num,
				Status:     res.Status,
				Frauds:     len(res.Reports),
				Error:      rec.Error,
				DurationMs: res.Duration().Milliseconds(),
				TokenUsage: res.Usage,
			})
		},
	}
}

// RetryErrored re-runs the batches of the latest run that ended in error.
func (o *Orchestrator) RetryErrored(ctx context.Context) (*Summary, error) {
	if o.repo == nil {
		return nil, ErrNoRepository
	}
	start := time.Now()

	run, err := o.repo.LatestRun(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoRun
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest run: %w", err)
	}

	records, err := o.repo.ListBatches(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	var batches []agent.Batch
	for _, rec := range records {
		if rec.Status == domain.BatchError {
			batches = append(batches, agent.Batch{Num: rec.BatchNum, TransactionIDs: rec.TransactionIDs})
		}
	}

	sum := &Summary{
		RunID:             run.ID,
		Dataset:           run.Dataset,
		Model:             o.model,
		Status:            run.Status,
		Retry:             true,
		TotalTransactions: run.TotalTransactions,
		Suspects:          run.Suspects,
		StartedAt:         start.UTC(),
	}
	if len(batches) == 0 {
		slog.Info("no errored batches to retry", "run_id", run.ID)
		sum.FinishedAt = time.Now().UTC()
		return sum, nil
	}

	if run.Dataset != "" && run.Dataset != o.store.Folder() {
		previous, _, err := o.store.SwitchDataset(ctx, run.Dataset)
		if err != nil {
			return nil, fmt.Errorf("failed to activate dataset %q of run %s: %w", run.Dataset, run.ID, err)
		}
		slog.Info("dataset switched for retry", "previous", previous, "dataset", run.Dataset)
	}

	ctx, span := tracer.Start(ctx, "orchestrator.retry",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.Int("batches", len(batches)),
		),
	)
	defer span.End()

	slog.Info("retrying errored batches", "run_id", run.ID, "batches", len(batches))
	run.Status = domain.RunRunning
	run.FinishedAt = nil
	o.saveRun(ctx, run)

	o.confirm(ctx, run.ID, batches, sum)

	// report the whole run, with the throughput of this retry
	all, err := o.repo.ListResults(ctx, run.ID)
	if err != nil {
		slog.Warn("failed to load run results", "run_id", run.ID, "error", err)
	} else if len(all) > 0 {
		rate := sum.Stats.Throughput
		sum.Stats = ComputeStats(all, 0)
		sum.Stats.Throughput = rate
	}

	status := domain.RunCompleted
	if ctx.Err() != nil {
		status = domain.RunFailed
	}
	o.finish(ctx, run, sum, start, status)
	return sum, ctx.Err()
}

// finish closes the run record and writes the summary.
func (o *Orchestrator) finish(ctx context.Context, run *domain.Run, sum *Summary, start time.Time, status string) {
	finished := time.Now().UTC()
	run.Status = status
	run.Confirmed = len(o.journal.ConfirmedIDs())
	run.FinishedAt = &finished
	o.saveRun(context.WithoutCancel(ctx), run)

	sum.Status = status
	sum.Confirmed = run.Confirmed
	sum.FinishedAt = finished
	sum.TotalMs = time.Since(start).Milliseconds()

	if o.resultsDir != "" {
		path, err := writeSummary(o.resultsDir, sum)
		if err != nil {
			slog.Error("failed to write run summary", "run_id", run.ID, "error", err)
		} else {
			slog.Info("run summary written", "path", path)
		}
	}

	slog.Info("run finished",
		"run_id", run.ID,
		"status", status,
		"batches", sum.Batches,
		"failed_batches", sum.FailedBatches,
		"newly_confirmed", sum.NewlyConfirmed,
		"total_confirmed", sum.Confirmed,
		"by_risk_level", sum.Stats.ByRiskLevel,
		"average_score", sum.Stats.AverageScore,
		"errors", sum.Stats.Errors,
		"total_tokens", sum.Stats.Tokens.TotalTokens,
		"tokens_estimated", sum.Stats.Tokens.Estimated,
		"throughput_tx_per_s", sum.Stats.Throughput,
		"duration_ms", sum.TotalMs,
	)
}

func (o *Orchestrator) saveRun(ctx context.Context, run *domain.Run) {
	if o.repo == nil {
		return
	}
	if err := o.repo.SaveRun(ctx, run); err != nil {
		slog.Error("failed to save run", "run_id", run.ID, "error", err)
	}
}

func (o *Orchestrator) saveBatch(ctx context.Context, rec *domain.BatchRecord) {
	if o.repo == nil {
		return
	}
	if err := o.repo.SaveBatch(ctx, rec); err != nil {
		slog.Error("failed to save batch", "run_id", rec.RunID, "batch_num", rec.BatchNum, "error", err)
	}
}
