package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/opensource-finance/kestrel/internal/aggregator"
	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/journal"
	"github.com/opensource-finance/kestrel/internal/llm"
	"github.com/opensource-finance/kestrel/internal/toon"
	"github.com/opensource-finance/kestrel/internal/tools"
)

// Tool names exposed to the model.
const (
	ToolGetTransaction      = "get_transaction_aggregated"
	ToolGetTransactionBatch = "get_transaction_aggregated_batch"
	ToolTimeCorrelation     = "check_time_correlation"
	ToolNewMerchant         = "check_new_merchant"
	ToolLocationAnomaly     = "check_location_anomaly"
	ToolWithdrawalPattern   = "check_withdrawal_pattern"
	ToolPhishingIndicators  = "check_phishing_indicators"
	ToolReportFraud         = "report_fraud"
)

// Tool definitions. Descriptions are what the model reads to pick a tool.

var toolGetTransaction = mcp.NewTool(ToolGetTransaction,
	mcp.WithDescription(
		"Get the full evidence bundle of one transaction: the transaction, sender and recipient "+
			"profiles with their other transactions within 3 hours, their emails and SMS from the "+
			"3 hours before, and their GPS traces within 24 hours."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction UUID (36 characters)")),
)

var toolGetTransactionBatch = mcp.NewTool(ToolGetTransactionBatch,
	mcp.WithDescription(
		"Get the evidence bundles of up to 200 transactions in one call, in input order. "+
			"Unknown or malformed ids come back as {transaction_id, error}. "+
			"Call this once per batch instead of fetching transactions one by one."),
	mcp.WithArray("transaction_ids",
		mcp.Required(),
		mcp.Description("Transaction UUIDs to fetch"),
		mcp.Items(map[string]any{"type": "string"})),
)

var toolTimeCorrelation = mcp.NewTool(ToolTimeCorrelation,
	mcp.WithDescription(
		"Check whether phishing emails or SMS reached the sender shortly before the transaction."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction UUID")),
	mcp.WithNumber("time_window_hours",
		mcp.Description("Hours before the transaction to inspect (default 4)")),
)

var toolNewMerchant = mcp.NewTool(ToolNewMerchant,
	mcp.WithDescription(
		"Check whether the sender has never paid this recipient or merchant before."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction UUID")),
)

var toolLocationAnomaly = mcp.NewTool(ToolLocationAnomaly,
	mcp.WithDescription(
		"Check whether the transaction happened far from the sender's residence or known GPS positions."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction UUID")),
	mcp.WithBoolean("use_city_fallback",
		mcp.Description("Compare city names when GPS data is missing (default true)")),
)

var toolWithdrawalPattern = mcp.NewTool(ToolWithdrawalPattern,
	mcp.WithDescription(
		"Check whether a withdrawal is part of a burst of withdrawals by the same sender."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction UUID of a withdrawal")),
	mcp.WithNumber("time_window_hours",
		mcp.Description("Window around the withdrawal in hours (default 2)")),
)

var toolPhishingIndicators = mcp.NewTool(ToolPhishingIndicators,
	mcp.WithDescription(
		"List the sender's messages that match phishing patterns (fake parcels, identity checks, "+
			"bank alerts, invoice changes, subscriptions). Undated messages are included."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction UUID")),
	mcp.WithNumber("time_window_hours",
		mcp.Description("Hours before the transaction to inspect (default 4)")),
)

var toolReportFraud = mcp.NewTool(ToolReportFraud,
	mcp.WithDescription(
		"Report a transaction you have identified as fraudulent. Call it once per fraudulent "+
			"transaction; the report is saved immediately. Do not call it for legitimate transactions."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("UUID of the fraudulent transaction (36 characters)")),
	mcp.WithString("reasons",
		mcp.Required(),
		mcp.Description("Comma-separated fraud indicators, e.g. \"account_drained,time_correlation,new_merchant\"")),
)

// Toolbox binds the tool surface to the dataset, the diagnostics and the journal.
type Toolbox struct {
	store   *dataset.Store
	agg     *aggregator.Aggregator
	diag    *tools.Service
	journal *journal.Journal
	toon    bool

	tools    []mcp.Tool
	handlers map[string]server.ToolHandlerFunc
}

// NewToolbox creates the tool surface. With compact set, tool output is TOON
// instead of JSON.
func NewToolbox(store *dataset.Store, j *journal.Journal, compact bool) *Toolbox {
	tb := &Toolbox{
		store:   store,
		agg:     aggregator.New(store),
		diag:    tools.New(store),
		journal: j,
		toon:    compact,
	}
	tb.register(toolGetTransaction, tb.handleGetTransaction)
	tb.register(toolGetTransactionBatch, tb.handleGetTransactionBatch)
	tb.register(toolTimeCorrelation, tb.handleTimeCorrelation)
	tb.register(toolNewMerchant, tb.handleNewMerchant)
	tb.register(toolLocationAnomaly, tb.handleLocationAnomaly)
	tb.register(toolWithdrawalPattern, tb.handleWithdrawalPattern)
	tb.register(toolPhishingIndicators, tb.handlePhishingIndicators)
	tb.register(toolReportFraud, tb.handleReportFraud)
	return tb
}

func (tb *Toolbox) register(tool mcp.Tool, h server.ToolHandlerFunc) {
	if tb.handlers == nil {
		tb.handlers = make(map[string]server.ToolHandlerFunc)
	}
	tb.tools = append(tb.tools, tool)
	tb.handlers[tool.Name] = h
}

// NewMCPServer exposes the toolbox over MCP.
func (tb *Toolbox) NewMCPServer(version string) *server.MCPServer {
	s := server.NewMCPServer("kestrel", version)
	for _, tool := range tb.tools {
		s.AddTool(tool, tb.handlers[tool.Name])
	}
	return s
}

// Specs returns the tool declarations for a model request.
func (tb *Toolbox) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(tb.tools))
	for _, tool := range tb.tools {
		params, err := json.Marshal(tool.InputSchema)
		if err != nil {
			slog.Error("failed to encode tool schema", "tool", tool.Name, "error", err)
			continue
		}
		specs = append(specs, llm.ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  params,
		})
	}
	return specs
}

// ErrUnknownTool is returned for calls to tools that are not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Call runs a tool with JSON arguments and returns the text handed back to
// the model. isError reports a tool-level failure the model should see.
func (tb *Toolbox) Call(ctx context.Context, name string, arguments json.RawMessage) (text string, isError bool, err error) {
	h, ok := tb.handlers[name]
	if !ok {
		return "", true, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	args, err := decodeArgs(arguments)
	if err != nil {
		return "", true, fmt.Errorf("malformed arguments for %s: %w", name, err)
	}

	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := h(ctx, req)
	if err != nil {
		return "", true, err
	}
	return resultText(result), result.IsError, nil
}

// decodeArgs parses tool arguments; empty and null mean no arguments.
func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}

func resultText(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// render encodes a tool result in the configured format.
func (tb *Toolbox) render(v any) (*mcp.CallToolResult, error) {
	if tb.toon {
		text, err := toon.Marshal(v)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
		}
		return mcp.NewToolResultText(text), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func (tb *Toolbox) handleGetTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("transaction_id", ""))
	bundle, err := tb.agg.Aggregate(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transaction %s: %v", id, err)), nil
	}
	return tb.render(bundle)
}

func (tb *Toolbox) handleGetTransactionBatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids, err := stringList(req.GetArguments()["transaction_ids"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	items, err := tb.agg.AggregateBatch(ctx, ids)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transactions: %v", err)), nil
	}
	return tb.render(items)
}

// stringList accepts a JSON array or a string holding one; some models send
// the ids pre-encoded.
func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("transaction_ids must contain strings")
			}
			out = append(out, strings.TrimSpace(s))
		}
		return out, nil
	case string:
		var out []string
		if err := json.Unmarshal([]byte(t), &out); err != nil {
			return nil, fmt.Errorf("transaction_ids must be a JSON array of UUIDs")
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("transaction_ids is required")
	default:
		return nil, fmt.Errorf("transaction_ids must be an array")
	}
}

func (tb *Toolbox) handleTimeCorrelation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := tb.diag.CheckTimeCorrelation(ctx, req.GetString("transaction_id", ""),
		req.GetFloat("time_window_hours", tools.DefaultCorrelationWindow))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dataset unavailable: %v", err)), nil
	}
	return tb.render(res)
}

func (tb *Toolbox) handleNewMerchant(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := tb.diag.CheckNewMerchant(ctx, req.GetString("transaction_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dataset unavailable: %v", err)), nil
	}
	return tb.render(res)
}

func (tb *Toolbox) handleLocationAnomaly(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := tb.diag.CheckLocationAnomaly(ctx, req.GetString("transaction_id", ""),
		req.GetBool("use_city_fallback", true))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dataset unavailable: %v", err)), nil
	}
	return tb.render(res)
}

func (tb *Toolbox) handleWithdrawalPattern(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := tb.diag.CheckWithdrawalPattern(ctx, req.GetString("transaction_id", ""),
		req.GetFloat("time_window_hours", tools.DefaultWithdrawalWindow))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dataset unavailable: %v", err)), nil
	}
	return tb.render(res)
}

func (tb *Toolbox) handlePhishingIndicators(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := tb.diag.CheckPhishingIndicators(ctx, req.GetString("transaction_id", ""),
		req.GetFloat("time_window_hours", tools.DefaultPhishingWindow))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dataset unavailable: %v", err)), nil
	}
	return tb.render(res)
}

func (tb *Toolbox) handleReportFraud(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("transaction_id", ""))
	reasons := ParseReasons(req.GetArguments()["reasons"])

	added, err := tb.Report(ctx, id, reasons)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to report fraud: %v", err)), nil
	}
	if !added {
		return mcp.NewToolResultText(fmt.Sprintf("Fraud already reported for transaction %s", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Fraud reported and saved for transaction %s: %s",
		id, strings.Join(reasons, ", "))), nil
}

// ErrUnknownTransaction rejects reports for ids absent from the dataset.
var ErrUnknownTransaction = errors.New("transaction not in the active dataset")

// Report validates a fraud report and appends it to the journal. It reports
// whether the record is new.
func (tb *Toolbox) Report(ctx context.Context, id string, reasons []string) (bool, error) {
	if err := aggregator.ValidateID(id); err != nil {
		return false, err
	}
	snap, err := tb.store.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	if _, ok := snap.Transaction(id); !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}
	n, err := tb.journal.AppendConfirmed([]domain.ConfirmedFraud{journal.NewConfirmed(id, reasons)})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ParseReasons accepts a comma-separated string or a list of strings and
// returns the trimmed, non-empty tags.
func ParseReasons(v any) []string {
	var raw []string
	switch t := v.(type) {
	case string:
		raw = strings.Split(t, ",")
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				raw = append(raw, strings.Split(s, ",")...)
			}
		}
	case []string:
		for _, s := range t {
			raw = append(raw, strings.Split(s, ",")...)
		}
	}

	var out []string
	for _, r := range raw {
		r = strings.Trim(strings.TrimSpace(r), `"'`)
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}
