package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// LoadSystemPrompt reads the analyst playbook from the first readable,
// non-empty file among paths, falling back to the built-in playbook.
func LoadSystemPrompt(paths ...string) string {
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("system prompt unreadable", "path", path, "error", err)
			}
			continue
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			slog.Info("system prompt loaded", "path", path, "chars", len(text))
			return text
		}
	}
	slog.Info("using built-in system prompt")
	return builtinPlaybook
}

// UserPrompt is the per-batch instruction.
func UserPrompt(ids []string) string {
	encoded, _ := json.Marshal(ids)
	return fmt.Sprintf(`Analyze %d transactions.

STEP 1: Call %s with transaction_ids=%s ONCE to get all transaction data.
STEP 2: Analyze all transactions from the returned data. Use the check_* tools only when the bundle leaves a doubt.
STEP 3: For each transaction you identify as FRAUDULENT, call %s(transaction_id, reasons) with:
   - transaction_id: the UUID of the fraudulent transaction
   - reasons: a comma-separated list of fraud indicators (e.g. "account_drained,time_correlation,new_merchant")
STEP 4: Do NOT output text. The only accepted output is %s calls.

RULES:
- Only ONE call to %s. Use the batch tool.
- Call %s once for EACH fraudulent transaction.
- If no fraud is detected, do not call %s at all.`,
		len(ids), ToolGetTransactionBatch, encoded, ToolReportFraud, ToolReportFraud,
		ToolGetTransactionBatch, ToolReportFraud, ToolReportFraud)
}

const builtinPlaybook = `You are a senior fraud analyst at an Italian retail bank. You review
transactions that an automatic pre-screening flagged as suspicious and decide
which of them are real fraud.

Each evidence bundle contains the transaction, the sender and recipient
profiles (salary, job, residence), their other transactions within 3 hours,
their emails and SMS from the 3 hours before, and their GPS positions within
24 hours.

Strong fraud indicators:
- account_drained: the transfer leaves the balance near zero or moves most of it.
- time_correlation: a phishing email or SMS reached the sender shortly before.
- new_merchant / new_dest: the sender never paid this recipient before.
- location_anomaly: the payment happened far from the sender's residence while
  GPS shows the sender elsewhere.
- pattern_multiple_withdrawals: several withdrawals in a short window.
- abnormal_amount / high_amount: the amount is far above the sender's usual
  spending or salary.
- impossible_travel: the sender could not have reached the location in time.
- phishing_indicators: messages about parcels held at customs, identity
  verification, blocked accounts, changed bank details or expiring
  subscriptions.

Guidelines:
- Require at least two independent indicators, or one critical indicator
  (account_drained with time_correlation) before reporting fraud.
- Salary credits, recurring bills, rent and transfers between family members
  are normally legitimate.
- A trip is not fraud by itself: GPS positions near the transaction location
  confirm the owner was there.
- Be precise: every false report costs a customer call.

Report each fraudulent transaction with report_fraud. Do not write prose.`
