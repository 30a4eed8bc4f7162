// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// GlobalStats matches the /global-status response.
type GlobalStats struct {
	TotalTasks      int     `json:"total_tasks"`
	QueuedTasks     int     `json:"queued_tasks"`
	RunningTasks    int     `json:"running_tasks"`
	SubmittedTasks  int     `json:"submitted_tasks"`
	CompletedTasks  int     `json:"completed_tasks"`
	FailedTasks     int     `json:"failed_tasks"`
	AvgExecutionSec float64 `json:"avg_execution_seconds"`
	ThroughputTasks float64 `json:"throughput_tasks_per_hour"`
}

type analyzeResponse struct {
	TaskID  int64  `json:"task_id"`
	Status  string `json:"status"`
	Outcome string `json:"outcome"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

func main() {
	scenario := flag.String("scenario", "", "File with one package URL per line (optional priority after a space)")
	apiHost := flag.String("api_host", "localhost", "Scheduler API host")
	apiPort := flag.String("api_port", "", "Scheduler API port")
	flag.Parse()

	if *scenario == "" {
		fmt.Printf("%sPlease specify a scenario using --scenario=path/to/purls.txt%s\n", colorRed, colorReset)
		os.Exit(1)
	}

	_ = godotenv.Load("../../.env")
	if *apiPort == "" {
		*apiPort = os.Getenv("API_PORT")
	}
	if *apiPort == "" {
		*apiPort = "8080"
	}
	base := fmt.Sprintf("http://%s:%s", *apiHost, *apiPort)
	apiKey := os.Getenv("BENCHMARK_API_KEY")

	requests, err := loadScenario(*scenario)
	if err != nil {
		fmt.Printf("%sError reading scenario %s: %v%s\n", colorRed, *scenario, err, colorReset)
		os.Exit(1)
	}

	fmt.Printf("\n%s%s >> ANALYSIS QUEUE BENCHMARK %s <<%s\n", colorCyan, colorBold, "SCENARIO: "+*scenario, colorReset)

	initialStats, err := getGlobalStats(base)
	if err != nil {
		fmt.Printf("%s[WARN]%s Could not get initial stats: %v. Metrics might be absolute.\n", colorYellow, colorReset, err)
	}

	outcomes := map[string]int{}
	for _, req := range requests {
		res, err := submit(base, apiKey, req)
		if err != nil {
			fmt.Printf("%s[ERR]%s %s: %v\n", colorRed, colorReset, req["purl"], err)
			outcomes["error"]++
			continue
		}
		outcomes[res.Outcome]++
	}
	fmt.Printf("%s[OK]%s Submitted %d requests: %d created, %d in progress, %d cached, %d rejected.\n\n",
		colorGreen, colorReset, len(requests), outcomes["created"], outcomes["in_progress"], outcomes["cached"], outcomes["error"])

	startTime := time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-12s %-10s %-10s %-10s%s\n", colorGray+colorBold, "ELAPSED", "COMPLETED", "FAILED", "ACTIVE", "QUEUED", colorReset)
	fmt.Println(colorGray + "------------------------------------------------------------" + colorReset)

	for range ticker.C {
		stats, err := getGlobalStats(base)
		elapsed := time.Since(startTime).Round(time.Second).String()
		if err != nil {
			fmt.Printf("\r%-10s %s%-42s%s", elapsed, colorRed, "Error: Connection Refused (Retrying...)", colorReset)
			continue
		}

		deltaCompleted := stats.CompletedTasks - initialStats.CompletedTasks
		deltaFailed := stats.FailedTasks - initialStats.FailedTasks
		active := stats.RunningTasks + stats.SubmittedTasks

		statusColor := colorGreen
		if deltaFailed > 0 {
			statusColor = colorRed
		}
		fmt.Printf("\r%-10s %s%-12d%s %s%-10d%s %s%-10d%s %-10d",
			elapsed,
			colorGreen, deltaCompleted, colorReset,
			statusColor, deltaFailed, colorReset,
			colorYellow, active, colorReset,
			stats.QueuedTasks,
		)

		if active == 0 && stats.QueuedTasks == 0 {
			fmt.Printf("\n%s------------------------------------------------------------%s\n", colorGray, colorReset)
			fmt.Printf("\n%s%s Benchmark Completed %s%s\n", colorGreen, colorBold, "✓", colorReset)
			printReport(stats, initialStats, time.Since(startTime))
			return
		}
	}
}

// loadScenario reads "purl [priority]" lines; blank lines and # comments
// are skipped.
func loadScenario(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		req := map[string]any{"purl": fields[0]}
		if len(fields) > 1 {
			var priority int
			if _, err := fmt.Sscanf(fields[1], "%d", &priority); err != nil {
				return nil, fmt.Errorf("bad priority in %q: %w", line, err)
			}
			req["priority"] = priority
		}
		out = append(out, req)
	}
	return out, sc.Err()
}

func submit(base, apiKey string, req map[string]any) (analyzeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return analyzeResponse{}, err
	}
	httpReq, err := http.NewRequest(http.MethodPost, base+"/analyze", bytes.NewReader(body))
	if err != nil {
		return analyzeResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return analyzeResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return analyzeResponse{}, fmt.Errorf("status %d", resp.StatusCode)
	}
	var res analyzeResponse
	err = json.NewDecoder(resp.Body).Decode(&res)
	return res, err
}

func getGlobalStats(base string) (GlobalStats, error) {
	resp, err := http.Get(base + "/global-status")
	if err != nil {
		return GlobalStats{}, err
	}
	defer resp.Body.Close()

	var stats GlobalStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return GlobalStats{}, err
	}
	return stats, nil
}

func printReport(final, initial GlobalStats, duration time.Duration) {
	completed := final.CompletedTasks - initial.CompletedTasks
	failed := final.FailedTasks - initial.FailedTasks
	total := completed + failed

	successRate := 100.0
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)
	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset

	fmt.Printf(lineFmt+"\n", "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt+"\n", "Analyses Finished:", fmt.Sprintf("%d", total))
	fmt.Printf(colorCyan+"┃"+"  %-22s "+colorGreen+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Completed:", fmt.Sprintf("%d", completed))

	failedColor := colorGreen
	if failed > 0 {
		failedColor = colorRed
	}
	fmt.Printf(colorCyan+"┃"+"  %-22s "+failedColor+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Failed:", fmt.Sprintf("%d", failed))
	fmt.Printf(lineFmt+"\n", "Success Rate:", fmt.Sprintf("%.2f%%", successRate))
	fmt.Printf(lineFmt+"\n", "Avg Sandbox Time:", fmt.Sprintf("%.1f s", final.AvgExecutionSec))
	fmt.Printf(lineFmt+"\n", "Last Hour:", fmt.Sprintf("%.0f analyses", final.ThroughputTasks))
	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}
