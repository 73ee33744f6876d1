// Benchmark tool for scoring Kestrel output against labeled fraud.
//
// Usage:
//
//	go run ./cmd/benchmark -truth /path/to/public_1.csv -results results
//	go run ./cmd/benchmark -truth /path/to/public_1.csv -url http://localhost:8080
//
// This tool:
//  1. Reads the known fraudulent transaction ids
//  2. Reads the suspect journal and the confirmed frauds, from disk or a running server
//  3. Scores both stages: precision, recall, F1-score and confusion matrix
//  4. Reports the frauds the pre-screen never passed to the agent
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evaluation"
	"github.com/opensource-finance/kestrel/internal/journal"
)

// predictions is what a finished run left behind.
type predictions struct {
	Suspects  []domain.SuspectRecord
	Confirmed []domain.ConfirmedFraud
	Total     int
}

func main() {
	truthPath := flag.String("truth", "", "Path to the ground-truth CSV of fraudulent transaction ids")
	resultsDir := flag.String("results", "results", "Journal directory holding suspects.json and confirmed.json")
	baseURL := flag.String("url", "", "Kestrel base URL; read results from a running server instead of disk")
	datasetRoot := flag.String("dataset-root", ".", "Directory containing dataset/<folder>")
	datasetFolder := flag.String("dataset", "", "Dataset folder, used to count transactions for accuracy")
	output := flag.String("output", "", "Write the report as JSON to this path")
	verbose := flag.Bool("verbose", false, "Print each confirmed transaction result")
	flag.Parse()

	if *truthPath == "" {
		fmt.Println("Usage: benchmark -truth /path/to/truth.csv [-results results] [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          KESTREL BENCHMARK - Ground Truth Evaluation          ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nTruth File:  %s\n", *truthPath)
	if *baseURL != "" {
		fmt.Printf("Kestrel URL: %s\n", *baseURL)
	} else {
		fmt.Printf("Results Dir: %s\n", *resultsDir)
	}
	if *datasetFolder != "" {
		fmt.Printf("Dataset:     %s\n", *datasetFolder)
	}
	fmt.Println()

	truth, err := evaluation.LoadGroundTruth(*truthPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to read ground truth: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d known frauds\n", len(truth))

	var pred *predictions
	if *baseURL != "" {
		if err := checkHealth(*baseURL); err != nil {
			fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
			fmt.Println("\nMake sure Kestrel is running:")
			fmt.Println("  go run ./cmd/kestrel serve")
			os.Exit(1)
		}
		fmt.Println("✓ Kestrel is healthy")
		pred, err = fetchPredictions(*baseURL)
	} else {
		pred, err = readPredictions(*resultsDir, *datasetRoot, *datasetFolder)
	}
	if err != nil {
		fmt.Printf("ERROR: Failed to read results: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d suspects, %d confirmed frauds\n", len(pred.Suspects), len(pred.Confirmed))

	report := evaluation.Evaluate(pred.Suspects, pred.Confirmed, truth, pred.Total)
	printResults(report, *verbose)

	if *output != "" {
		if err := writeReport(*output, report); err != nil {
			fmt.Printf("ERROR: Failed to write report: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Report written to %s\n\n", *output)
	}
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readPredictions(resultsDir, root, folder string) (*predictions, error) {
	j, err := journal.Open(resultsDir)
	if err != nil {
		return nil, err
	}
	pred := &predictions{Suspects: j.Suspects(), Confirmed: j.Confirmed()}

	if folder != "" {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		snap, err := dataset.NewStore(root, folder).Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load dataset: %w", err)
		}
		pred.Total = snap.Counts().Transactions
	}
	return pred, nil
}

func fetchPredictions(baseURL string) (*predictions, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	pred := &predictions{}

	var confirmed domain.ConfirmedFile
	if err := getJSON(client, baseURL+"/results/confirmed", &confirmed); err != nil {
		return nil, err
	}
	pred.Confirmed = confirmed.Frauds

	var suspects struct {
		Suspects []domain.SuspectRecord `json:"suspects"`
	}
	if err := getJSON(client, baseURL+"/results/suspects", &suspects); err != nil {
		return nil, err
	}
	pred.Suspects = suspects.Suspects

	var ids struct {
		Count int `json:"count"`
	}
	if err := getJSON(client, baseURL+"/transactions/ids", &ids); err != nil {
		// Without a dataset there is no accuracy, the rest still holds.
		fmt.Printf("  - dataset size unknown: %v\n", err)
	}
	pred.Total = ids.Count
	return pred, nil
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func writeReport(path string, r evaluation.Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func printResults(r evaluation.Report, verbose bool) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	m := r.Confirmed

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	if r.Dataset > 0 {
		fmt.Printf("   Transactions:     %d\n", r.Dataset)
	}
	fmt.Printf("   Known Fraud:      %d\n", m.GroundTruth)
	if r.Prescreen != nil {
		fmt.Printf("   Suspects:         %d\n", r.Prescreen.Predictions)
	}
	fmt.Printf("   Confirmed:        %d\n", m.Predictions)

	if r.Prescreen != nil {
		fmt.Printf("\n🧮 PRE-SCREEN\n")
		fmt.Printf("   Recall:     %.4f  (of fraud, how many reached the agent)\n", r.Prescreen.Recall)
		fmt.Printf("   Precision:  %.4f  (of suspects, how many were actual fraud)\n", r.Prescreen.Precision)
		fmt.Printf("   Unreachable: %d frauds never passed the threshold\n", r.UnreachableFrauds)
	}

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   FRAUD       CLEAN")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	if r.Dataset > 0 {
		fmt.Printf("          NF  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	} else {
		fmt.Printf("          NF  │ %8d │ %8s │  (FP, TN)\n", m.FalsePositives, "?")
	}
	fmt.Println("              └──────────┴──────────┘")

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of confirmations, how many were actual fraud)\n", m.Precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we confirm)\n", m.Recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", m.F1)
	if r.Dataset > 0 {
		fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", m.Accuracy)
	}

	fmt.Printf("\n🔍 DETECTION ANALYSIS\n")
	if m.GroundTruth > 0 {
		fmt.Printf("   Fraud Confirmed:   %d / %d (%.2f%%)\n", m.TruePositives, m.GroundTruth, 100*float64(m.TruePositives)/float64(m.GroundTruth))
		fmt.Printf("   Fraud Missed:      %d / %d (%.2f%%) ⚠️\n", m.FalseNegatives, m.GroundTruth, 100*float64(m.FalseNegatives)/float64(m.GroundTruth))
	}
	if m.Predictions > 0 {
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.Predictions, 100*float64(m.FalsePositives)/float64(m.Predictions))
	}

	if verbose {
		fmt.Printf("\n🧾 CONFIRMED TRANSACTIONS\n")
		for _, l := range m.Results {
			status := "✓"
			if l.Correct == 0 {
				status = "✗"
			}
			fmt.Printf("   %s %s  %s\n", status, l.Label, l.TransactionID)
		}
		if len(m.Missed) > 0 {
			fmt.Printf("\n   Missed:\n")
			for _, id := range m.Missed {
				fmt.Printf("     %s\n", id)
			}
		}
	}

	fmt.Printf("\n💡 INTERPRETATION\n")
	if m.Recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most fraud")
	} else if m.Recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some fraud")
	} else if m.Recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant fraud being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most fraud is being missed!")
	}

	if m.Precision >= 0.5 {
		fmt.Println("   ✅ Good precision - confirmations are meaningful")
	} else if m.Precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false alarms")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false alarms")
	}

	if r.Prescreen != nil && r.UnreachableFrauds > 0 && r.Prescreen.GroundTruth > 0 &&
		float64(r.UnreachableFrauds)/float64(r.Prescreen.GroundTruth) > 0.2 {
		fmt.Println("   ⚠️  Pre-screen threshold drops many frauds before the agent sees them")
	}

	fmt.Println()
}
