// Package agent runs the LLM confirmation stage: batches of suspects are
// handed to a tool-bound model that reports confirmed frauds.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/llm"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/retry"
)

var tracer = otel.Tracer("kestrel-agent")

// Defaults for the batch loop.
const (
	DefaultBatchTimeout = 700 * time.Second
	DefaultHeartbeat    = 5 * time.Second
	DefaultPacing       = 100 * time.Millisecond
	DefaultMaxTurns     = 12

	// token estimate when the backend reports no usage
	charsPerToken     = 4
	tokensPerToolCall = 100
)

// Batch is a group of suspect transaction ids analysed in one conversation.
type Batch struct {
	Num            int
	TransactionIDs []string
}

// Report is a fraud reported by the model.
type Report struct {
	TransactionID string   `json:"transaction_id"`
	Reasons       []string `json:"reasons"`
	Added         bool     `json:"added"`
}

// BatchResult is the outcome of one batch.
type BatchResult struct {
	Num            int
	TransactionIDs []string
	Status         string
	Attempts       int
	Reports        []Report
	Response       string
	ToolCalls      int
	Usage          domain.TokenUsage
	Err            error
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Duration is the wall time of the batch.
func (r *BatchResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Record converts the result into its persisted form.
func (r *BatchResult) Record(runID string) *domain.BatchRecord {
	rec := &domain.BatchRecord{
		RunID:          runID,
		BatchNum:       r.Num,
		TransactionIDs: r.TransactionIDs,
		Status:         r.Status,
		Attempts:       r.Attempts,
		Frauds:         len(r.Reports),
		TokenUsage:     r.Usage,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	if !r.StartedAt.IsZero() {
		started := r.StartedAt
		rec.StartedAt = &started
	}
	if !r.FinishedAt.IsZero() {
		finished := r.FinishedAt
		rec.FinishedAt = &finished
	}
	return rec
}

// Results expands the batch into one result per transaction. Errored batches
// mark every transaction with score -1; the batch token usage is spread
// evenly, remainder on the first transaction.
func (r *BatchResult) Results() []domain.AnalysisResult {
	reported := make(map[string]Report, len(r.Reports))
	for _, rep := range r.Reports {
		reported[rep.TransactionID] = rep
	}

	n := len(r.TransactionIDs)
	out := make([]domain.AnalysisResult, 0, n)
	for i, id := range r.TransactionIDs {
		res := domain.AnalysisResult{TransactionID: id, Anomalies: []string{}}
		if n > 0 {
			res.TokenUsage = share(r.Usage, n, i == 0)
		}
		switch rep, ok := reported[id]; {
		case ok:
			res.RiskLevel = domain.RiskCritical
			res.RiskScore = 100
			res.Reason = joinReasons(rep.Reasons)
			res.Anomalies = rep.Reasons
		case r.Status == domain.BatchError:
			res.RiskLevel = domain.RiskError
			res.RiskScore = -1
			if r.Err != nil {
				res.Reason = r.Err.Error()
			}
		default:
			res.RiskLevel = domain.RiskCleared
			res.Reason = "No fraud confirmed"
		}
		out = append(out, res)
	}
	return out
}

func share(u domain.TokenUsage, n int, first bool) domain.TokenUsage {
	s := domain.TokenUsage{
		PromptTokens:     u.PromptTokens / n,
		CompletionTokens: u.CompletionTokens / n,
		TotalTokens:      u.TotalTokens / n,
		Estimated:        u.Estimated,
	}
	if first {
		s.PromptTokens += u.PromptTokens % n
		s.CompletionTokens += u.CompletionTokens % n
		s.TotalTokens += u.TotalTokens % n
	}
	return s
}

func joinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return "Fraud detected"
	}
	return strings.Join(reasons, "; ")
}

// Hooks observe batch state transitions. Both are optional and may be called
// concurrently for different batches.
type Hooks struct {
	OnStart  func(b Batch, startedAt time.Time)
	OnFinish func(res *BatchResult)
}

// Agent drives the model over batches.
type Agent struct {
	client  llm.Client
	model   string
	tools   *Toolbox
	system  string
	specs   []llm.ToolSpec
	allowed map[string]struct{}

	maxConcurrent int
	maxRetries    int
	retryBase     time.Duration
	batchTimeout  time.Duration
	maxTurns      int
	debugErrors   bool

	heartbeat time.Duration
	pacing    time.Duration
}

// New creates an agent. model is the upstream model name sent to the client.
func New(client llm.Client, model string, tb *Toolbox, systemPrompt string, cfg domain.AgentConfig) *Agent {
	a := &Agent{
		client:        client,
		model:         model,
		tools:         tb,
		system:        systemPrompt,
		specs:         tb.Specs(),
		maxConcurrent: cfg.MaxConcurrent,
		maxRetries:    cfg.MaxRetries,
		retryBase:     cfg.RetryDelayBase,
		batchTimeout:  cfg.BatchTimeout,
		maxTurns:      cfg.MaxTurns,
		debugErrors:   cfg.DebugErrors,
		heartbeat:     DefaultHeartbeat,
		pacing:        DefaultPacing,
	}
	if a.maxConcurrent <= 0 {
		a.maxConcurrent = 5
	}
	if a.maxRetries <= 0 {
		a.maxRetries = 3
	}
	if a.batchTimeout <= 0 {
		a.batchTimeout = DefaultBatchTimeout
	}
	if a.maxTurns <= 0 {
		a.maxTurns = DefaultMaxTurns
	}
	return a
}

// Partition splits ids into numbered batches of at most size ids.
func Partition(ids []string, size int) []Batch {
	if size <= 0 {
		size = len(ids)
	}
	var batches []Batch
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		batches = append(batches, Batch{
			Num:            len(batches) + 1,
			TransactionIDs: append([]string(nil), ids[start:end]...),
		})
	}
	return batches
}

// Run processes batches with bounded concurrency. Results keep input order.
func (a *Agent) Run(ctx context.Context, batches []Batch, hooks Hooks) []*BatchResult {
	results := make([]*BatchResult, len(batches))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, a.maxConcurrent)

	for i, b := range batches {
		wg.Add(1)
		go func(idx int, batch Batch) {
			defer wg.Done()

			select {
			case sem <- struct{}{}: // Acquire
			case <-ctx.Done():
				results[idx] = a.aborted(batch, ctx.Err())
				if hooks.OnFinish != nil {
					hooks.OnFinish(results[idx])
				}
				return
			}
			defer func() { <-sem }() // Release

			results[idx] = a.RunBatch(ctx, batch, hooks)
		}(i, b)
	}

	wg.Wait()
	return results
}

func (a *Agent) aborted(b Batch, err error) *BatchResult {
	now := time.Now()
	return &BatchResult{
		Num:            b.Num,
		TransactionIDs: b.TransactionIDs,
		Status:         domain.BatchError,
		Err:            err,
		StartedAt:      now,
		FinishedAt:     now,
	}
}

// progress is shared with the heartbeat goroutine.
type progress struct {
	toolCalls atomic.Int64
	reports   atomic.Int64
	attempt   atomic.Int64
}

// RunBatch analyses one batch: PENDING -> RUNNING -> COMPLETED | ERROR.
// Retryable upstream failures are retried with backoff; every attempt has
// its own deadline.
func (a *Agent) RunBatch(ctx context.Context, b Batch, hooks Hooks) *BatchResult {
	res := &BatchResult{
		Num:            b.Num,
		TransactionIDs: b.TransactionIDs,
		Status:         domain.BatchRunning,
		StartedAt:      time.Now(),
	}
	if hooks.OnStart != nil {
		hooks.OnStart(b, res.StartedAt)
	}

	ctx, span := tracer.Start(ctx, "agent.batch",
		trace.WithAttributes(
			attribute.Int("batch.num", b.Num),
			attribute.Int("batch.size", len(b.TransactionIDs)),
			attribute.String("llm.model", a.model),
			attribute.String("llm.backend", a.client.Name()),
		),
	)
	defer span.End()

	metrics.ActiveBatches.Inc()
	defer metrics.ActiveBatches.Dec()

	slog.Info("batch started", "batch_num", b.Num, "transactions", len(b.TransactionIDs))

	prog := &progress{}
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go a.beat(hbCtx, b, res.StartedAt, prog)

	reports := make(map[string]Report)
	var order []string
	var response strings.Builder

	// one try plus maxRetries retries
	policy := retry.Policy{
		MaxAttempts: a.maxRetries + 1,
		BaseDelay:   a.retryBase,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			metrics.BatchRetriesTotal.Inc()
			slog.Warn("batch attempt failed, retrying",
				"batch_num", b.Num,
				"attempt", attempt+1,
				"delay_ms", delay.Milliseconds(),
				"error", err,
			)
		},
	}

	err := retry.Do(ctx, policy, func(attempt int) error {
		res.Attempts = attempt + 1
		prog.attempt.Store(int64(attempt + 1))

		attemptCtx, cancel := context.WithTimeout(ctx, a.batchTimeout)
		defer cancel()

		conv := &conversation{}
		err := a.converse(attemptCtx, b, conv, prog)

		// reports are journaled as they happen, so they count even when the attempt fails
		for _, rep := range conv.reports {
			if prev, seen := reports[rep.TransactionID]; seen {
				prev.Added = prev.Added || rep.Added
				reports[rep.TransactionID] = prev
				continue
			}
			reports[rep.TransactionID] = rep
			order = append(order, rep.TransactionID)
		}
		res.ToolCalls += conv.toolCalls
		res.Usage.Add(conv.tokenUsage())
		if conv.text.Len() > 0 {
			response.Reset()
			response.WriteString(conv.text.String())
		}

		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("batch timed out after %s: %w", a.batchTimeout, err)
		}
		if llm.Retryable(err) {
			return err
		}
		return retry.Permanent(err)
	})
	stopHeartbeat()

	for _, id := range order {
		res.Reports = append(res.Reports, reports[id])
	}
	res.Response = response.String()
	res.FinishedAt = time.Now()

	if err != nil {
		res.Status = domain.BatchError
		res.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		attrs := []any{
			"batch_num", b.Num,
			"attempts", res.Attempts,
			"error", err,
		}
		if a.debugErrors {
			attrs = append(attrs, "error_type", fmt.Sprintf("%T", errors.Unwrap(err)), "response_chars", response.Len())
		}
		slog.Error("batch failed", attrs...)
	} else {
		res.Status = domain.BatchCompleted
		slog.Info("batch completed",
			"batch_num", b.Num,
			"frauds", len(res.Reports),
			"tool_calls", res.ToolCalls,
			"total_tokens", res.Usage.TotalTokens,
			"duration_ms", res.Duration().Milliseconds(),
		)
	}

	span.SetAttributes(
		attribute.Int("batch.frauds", len(res.Reports)),
		attribute.Int("batch.attempts", res.Attempts),
		attribute.Int("llm.total_tokens", res.Usage.TotalTokens),
	)
	a.observe(res)

	if hooks.OnFinish != nil {
		hooks.OnFinish(res)
	}
	return res
}

func (a *Agent) observe(res *BatchResult) {
	metrics.BatchesTotal.WithLabelValues(res.Status).Inc()
	metrics.BatchDuration.Observe(res.Duration().Seconds())
	metrics.TokensTotal.WithLabelValues("prompt").Add(float64(res.Usage.PromptTokens))
	metrics.TokensTotal.WithLabelValues("completion").Add(float64(res.Usage.CompletionTokens))
	for _, rep := range res.Reports {
		if rep.Added {
			metrics.FraudsConfirmedTotal.Inc()
		}
	}
}

func (a *Agent) beat(ctx context.Context, b Batch, started time.Time, prog *progress) {
	if a.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slog.Info("batch running",
				"batch_num", b.Num,
				"attempt", prog.attempt.Load(),
				"elapsed_s", int(time.Since(started).Seconds()),
				"tool_calls", prog.toolCalls.Load(),
				"frauds", prog.reports.Load(),
			)
		}
	}
}

// conversation is the state of one attempt.
type conversation struct {
	text        strings.Builder
	toolCalls   int
	usage       domain.TokenUsage
	usageSeen   bool
	promptChars int
	reports     []Report
}

// tokenUsage returns the reported usage, or an estimate when the backend
// reported none: one token per four characters of prompt and response plus
// a flat cost per tool call.
func (c *conversation) tokenUsage() domain.TokenUsage {
	if c.usageSeen {
		return c.usage
	}
	prompt := c.promptChars / charsPerToken
	completion := c.text.Len()/charsPerToken + c.toolCalls*tokensPerToolCall
	return domain.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		Estimated:        true,
	}
}

func (a *Agent) converse(ctx context.Context, b Batch, conv *conversation, prog *progress) error {
	user := UserPrompt(b.TransactionIDs)
	conv.promptChars = len(a.system) + len(user)
	messages := []llm.Message{{Role: llm.RoleUser, Content: user}}

	inBatch := make(map[string]struct{}, len(b.TransactionIDs))
	for _, id := range b.TransactionIDs {
		inBatch[id] = struct{}{}
	}
	reported := false

	for turn := 0; turn < a.maxTurns; turn++ {
		events, err := a.client.Stream(ctx, &llm.Request{
			Model:    a.model,
			System:   a.system,
			Messages: messages,
			Tools:    a.specs,
		})
		if err != nil {
			return err
		}

		var turnText strings.Builder
		var calls []llm.Call
		var streamErr error
		for ev := range events {
			switch ev.Kind {
			case llm.EventUsage:
				if ev.Usage != nil {
					conv.usageSeen = true
					conv.usage.Add(domain.TokenUsage{
						PromptTokens:     ev.Usage.PromptTokens,
						CompletionTokens: ev.Usage.CompletionTokens,
						TotalTokens:      ev.Usage.TotalTokens,
					})
				}
			case llm.EventToolCall:
				if ev.Call != nil {
					conv.toolCalls++
					prog.toolCalls.Add(1)
					calls = append(calls, *ev.Call)
				}
			case llm.EventTextDelta:
				turnText.WriteString(ev.Text)
			case llm.EventError:
				if streamErr == nil {
					streamErr = ev.Err
				}
			}
		}
		conv.text.WriteString(turnText.String())
		if streamErr != nil {
			return streamErr
		}
		if err := a.pause(ctx); err != nil {
			return err
		}

		if len(calls) == 0 {
			break
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   turnText.String(),
			ToolCalls: calls,
		})
		for _, call := range calls {
			out := a.dispatch(ctx, b, call, conv, prog)
			if call.Name == ToolReportFraud {
				reported = true
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    out,
			})
		}
		if turn == a.maxTurns-1 {
			slog.Warn("batch reached turn limit", "batch_num", b.Num, "max_turns", a.maxTurns)
		}
	}

	if !reported {
		a.reportFromText(ctx, b, conv, prog, inBatch)
	}
	return nil
}

// dispatch executes one tool call and returns the text for the model.
// Malformed calls are logged and answered with an error; they never fail the batch.
func (a *Agent) dispatch(ctx context.Context, b Batch, call llm.Call, conv *conversation, prog *progress) string {
	metrics.ToolCallsTotal.WithLabelValues(call.Name).Inc()

	if call.Name == ToolReportFraud {
		args, err := decodeArgs(call.Arguments)
		if err != nil {
			slog.Warn("malformed report_fraud call skipped", "batch_num", b.Num, "error", err)
			return "Error: arguments must be a JSON object with transaction_id and reasons"
		}
		id, _ := args["transaction_id"].(string)
		return a.report(ctx, b, strings.TrimSpace(id), ParseReasons(args["reasons"]), conv, prog)
	}

	text, isError, err := a.tools.Call(ctx, call.Name, call.Arguments)
	if err != nil {
		slog.Warn("tool call failed", "batch_num", b.Num, "tool", call.Name, "error", err)
		return "Error: " + err.Error()
	}
	if isError {
		slog.Debug("tool returned error", "batch_num", b.Num, "tool", call.Name, "result", text)
	}
	return text
}

func (a *Agent) report(ctx context.Context, b Batch, id string, reasons []string, conv *conversation, prog *progress) string {
	added, err := a.tools.Report(ctx, id, reasons)
	if err != nil {
		slog.Warn("fraud report rejected", "batch_num", b.Num, "tx_id", id, "error", err)
		return "Error: " + err.Error()
	}
	conv.reports = append(conv.reports, Report{TransactionID: id, Reasons: reasons, Added: added})
	prog.reports.Add(1)
	if !added {
		return fmt.Sprintf("Fraud already reported for transaction %s", id)
	}
	slog.Info("fraud reported", "batch_num", b.Num, "tx_id", id, "reasons", strings.Join(reasons, ","))
	return fmt.Sprintf("Fraud reported and saved for transaction %s: %s", id, strings.Join(reasons, ", "))
}

// reportLine matches "uuid | [reason, reason]" and "uuid | reason, reason".
var reportLine = regexp.MustCompile(`^[\s\-*>]*([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})\s*\|\s*\[?([^\]]*)\]?\s*$`)

// ParseReportLines extracts reports from free text, in order of appearance.
func ParseReportLines(text string) []Report {
	var out []Report
	seen := make(map[string]struct{})
	for _, line := range strings.Split(text, "\n") {
		m := reportLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		id := strings.ToLower(m[1])
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, Report{TransactionID: id, Reasons: ParseReasons(m[2])})
	}
	return out
}

// reportFromText handles models that answer in text instead of calling
// report_fraud. Only ids of the batch are accepted.
func (a *Agent) reportFromText(ctx context.Context, b Batch, conv *conversation, prog *progress, inBatch map[string]struct{}) {
	lines := ParseReportLines(conv.text.String())
	if len(lines) == 0 {
		return
	}

	accepted := 0
	for _, rep := range lines {
		id := canonicalID(rep.TransactionID, inBatch)
		if id == "" {
			slog.Debug("text report outside batch ignored", "batch_num", b.Num, "tx_id", rep.TransactionID)
			continue
		}
		a.report(ctx, b, id, rep.Reasons, conv, prog)
		accepted++
	}
	slog.Info("reports parsed from model text", "batch_num", b.Num, "lines", len(lines), "accepted", accepted)
}

// canonicalID returns the batch spelling of id, matching case-insensitively.
func canonicalID(id string, inBatch map[string]struct{}) string {
	if _, ok := inBatch[id]; ok {
		return id
	}
	keys := make([]string, 0, len(inBatch))
	for k := range inBatch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, id) {
			return k
		}
	}
	return ""
}

// pause spaces upstream calls.
func (a *Agent) pause(ctx context.Context) error {
	if a.pacing <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.pacing):
		return nil
	}
}
