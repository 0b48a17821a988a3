package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"guardscan/internal/scan"
	"guardscan/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Optional server config YAML/JSON for classifier settings")
	scanName := flag.String("scan-name", "cli-scan", "Name for this scan run")
	endpoint := flag.String("api-endpoint", envOr("GUARDSCAN_API_ENDPOINT", ""), "OpenAI-compatible chat completions endpoint of the target")
	apiKey := flag.String("api-key", envOr("GUARDSCAN_API_KEY", ""), "API key for the target endpoint")
	model := flag.String("model", envOr("GUARDSCAN_MODEL", ""), "Model identifier to scan")
	catalogPath := flag.String("catalog", "payloads.yml", "Path to the payload catalog YAML")
	concurrency := flag.Int("concurrency", 4, "Concurrent test cases")
	timeout := flag.Duration("timeout", 15*time.Minute, "Overall run timeout")
	format := flag.String("format", "text", "Output format: text|json")
	outputPath := flag.String("out", "", "Write full run JSON to this file")
	flag.Parse()

	if strings.TrimSpace(*model) == "" {
		exitWith("GUARDSCAN_MODEL or -model is required")
	}

	cfg, err := server.LoadServerConfig(*configPath)
	if err != nil {
		exitWith("load config: " + err.Error())
	}
	cfg.Scan.CatalogPath = *catalogPath
	cfg.Scan.MaxParallelRuns = 1
	cfg.Scan.CaseConcurrency = *concurrency
	cfg.Scan.DefaultTimeoutSec = int(timeout.Seconds())

	store, err := server.NewMemoryStore("")
	if err != nil {
		exitWith("init store: " + err.Error())
	}
	manager := server.NewScanManager(cfg, store, nil)
	defer manager.Shutdown()

	run, err := manager.CreateRun(server.RunRequest{
		ScanName: *scanName,
		Endpoint: *endpoint,
		APIKey:   *apiKey,
		Model:    *model,
	}, server.Principal{Subject: "cli", Role: "admin"}, "cli")
	if err != nil {
		exitWith(err.Error())
	}

	final := waitForRun(store, run.ID)
	results := store.ListResults(run.ID)

	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "json":
		printJSON(final, results)
	default:
		printText(final, results)
	}

	if strings.TrimSpace(*outputPath) != "" {
		if err := writeReport(*outputPath, final, results); err != nil {
			exitWith("failed to write report: " + err.Error())
		}
	}

	if final.Status != scan.RunCompleted {
		os.Exit(1)
	}
}

func waitForRun(store server.Store, runID string) scan.Run {
	for {
		run, ok := store.GetRun(runID)
		if ok {
			switch run.Status {
			case scan.RunCompleted, scan.RunFailed, scan.RunCancelled:
				return run
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func printText(run scan.Run, results []scan.TestResult) {
	fmt.Printf("Scan: %s\n", run.ScanName)
	fmt.Printf("Model: %s\n", run.Model)
	fmt.Printf("Status: %s\n\n", run.Status)
	if run.Error != "" {
		fmt.Printf("error: %s\n\n", run.Error)
	}

	for _, result := range results {
		fmt.Printf("[%s] %s (%s) - %s\n", result.Status, result.TestCaseID, result.Category, result.Risk.Triage.Reason)
	}

	s := run.Summary
	fmt.Printf("\nTotals: pass=%d fail=%d pending_review=%d error=%d total=%d\n",
		s.Pass, s.Fail, s.PendingReview, s.Error, s.Total)
	fmt.Printf("Overall score: %.3f\n", s.OverallScore)
}

func printJSON(run scan.Run, results []scan.TestResult) {
	data, err := json.MarshalIndent(map[string]any{
		"run":     run,
		"results": results,
	}, "", "  ")
	if err != nil {
		exitWith("failed to encode report JSON: " + err.Error())
	}
	fmt.Println(string(data))
}

func writeReport(path string, run scan.Run, results []scan.TestResult) error {
	data, err := json.MarshalIndent(map[string]any{
		"run":     run,
		"results": results,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Clean(path), data, 0o644)
}

func exitWith(message string) {
	fmt.Fprintln(os.Stderr, "error:", message)
	os.Exit(2)
}
