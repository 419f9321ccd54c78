// Replay tool for scoring Kestrel against labeled activity data.
//
// Usage:
//   go run cmd/replay/main.go -csv /path/to/activity.csv -url http://localhost:8080
//
// This tool:
//   1. Reads labeled activity events (with is_suspicious labels)
//   2. Sends each event to Kestrel for ingestion and detection
//   3. Compares Kestrel's alert decision with the actual labels
//   4. Calculates precision, recall, F1-score, and confusion matrix
//
// Rows are sharded by user so each user's events replay in file order.
// Events are stamped on arrival, so window rules see the replay cadence
// rather than historical gaps.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabeledActivity represents a row from a labeled activity dataset.
type LabeledActivity struct {
	UserID       string
	ActivityType string
	Action       string
	Resource     string
	Status       string
	Severity     string
	IPAddress    string
	UserAgent    string
	City         string
	Country      string
	DeviceType   string
	RiskScore    float64
	IsSuspicious bool
}

// IngestRequest is the Kestrel activity API request format.
type IngestRequest struct {
	UserID       string    `json:"userId"`
	ActivityType string    `json:"activityType"`
	Action       string    `json:"action"`
	Resource     string    `json:"resource,omitempty"`
	Status       string    `json:"status"`
	Severity     string    `json:"severity,omitempty"`
	IPAddress    string    `json:"ipAddress,omitempty"`
	UserAgent    string    `json:"userAgent,omitempty"`
	Location     *Location `json:"location,omitempty"`
	Device       *Device   `json:"deviceInfo,omitempty"`
	RiskScore    float64   `json:"riskScore,omitempty"`
}

type Location struct {
	City    string `json:"city"`
	Country string `json:"country,omitempty"`
}

type Device struct {
	DeviceType string `json:"deviceType"`
}

// IngestResponse is the Kestrel activity API response format.
type IngestResponse struct {
	EventID  string         `json:"eventId"`
	Velocity int64          `json:"velocity"`
	Queued   bool           `json:"queued"`
	Alerts   []AlertSummary `json:"alerts"`
}

type AlertSummary struct {
	ID        string  `json:"id"`
	AlertType string  `json:"alertType"`
	Severity  string  `json:"severity"`
	RiskScore float64 `json:"riskScore"`
}

// Metrics tracks replay results
type Metrics struct {
	TruePositives  int64 // Suspicious activity that raised an alert
	FalsePositives int64 // Benign activity that raised an alert
	TrueNegatives  int64 // Benign activity with no alert
	FalseNegatives int64 // Suspicious activity with no alert (missed!)

	TotalProcessed int64
	TotalLabeled   int64
	TotalBenign    int64
	TotalErrors    int64
	TotalQueued    int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labeled activity CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "replay-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum events to process (0 = all)")
	workers := flag.Int("workers", 4, "Number of concurrent workers (user-sharded)")
	suspiciousOnly := flag.Bool("suspicious-only", false, "Only replay suspicious events")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for benign events (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each event result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/activity.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║         KESTREL REPLAY - Labeled Activity Detection           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Susp. Only:  %v\n", *suspiciousOnly)
	fmt.Printf("Sample Rate: %.2f\n", *sampleRate)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	// Read labeled activity data
	fmt.Printf("\nReading activity data from %s...\n", *csvPath)
	events, err := readActivityCSV(*csvPath, *limit, *suspiciousOnly, *sampleRate)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d events\n", len(events))

	// Count suspicious vs benign
	suspiciousCount := 0
	for _, ev := range events {
		if ev.IsSuspicious {
			suspiciousCount++
		}
	}
	fmt.Printf("  - Suspicious: %d (%.2f%%)\n", suspiciousCount, 100*float64(suspiciousCount)/float64(len(events)))
	fmt.Printf("  - Benign:     %d (%.2f%%)\n", len(events)-suspiciousCount, 100*float64(len(events)-suspiciousCount)/float64(len(events)))

	// Run replay
	fmt.Printf("\nRunning replay with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runReplay(events, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
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

func readActivityCSV(path string, limit int, suspiciousOnly bool, sampleRate float64) ([]LabeledActivity, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}

	field := func(record []string, name string) string {
		idx, ok := colIndex[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	var events []LabeledActivity
	sampleCounter := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		label := field(record, "is_suspicious")
		isSuspicious := label == "1" || strings.EqualFold(label, "true")

		// Apply filters
		if suspiciousOnly && !isSuspicious {
			continue
		}

		// Sample benign events
		if !isSuspicious && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		riskScore, _ := strconv.ParseFloat(field(record, "risk_score"), 64)

		ev := LabeledActivity{
			UserID:       field(record, "user_id"),
			ActivityType: strings.ToUpper(field(record, "activity_type")),
			Action:       field(record, "action"),
			Resource:     field(record, "resource"),
			Status:       strings.ToUpper(field(record, "status")),
			Severity:     strings.ToUpper(field(record, "severity")),
			IPAddress:    field(record, "ip_address"),
			UserAgent:    field(record, "user_agent"),
			City:         field(record, "city"),
			Country:      field(record, "country"),
			DeviceType:   field(record, "device_type"),
			RiskScore:    riskScore,
			IsSuspicious: isSuspicious,
		}
		if ev.UserID == "" || ev.ActivityType == "" {
			continue
		}

		events = append(events, ev)

		if limit > 0 && len(events) >= limit {
			break
		}
	}

	return events, nil
}

func runReplay(events []LabeledActivity, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	if numWorkers < 1 {
		numWorkers = 1
	}

	// One channel per worker; events are sharded by user so windowed
	// rules see each user's events in order.
	shards := make([]chan LabeledActivity, numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		shards[i] = make(chan LabeledActivity, 100)
		wg.Add(1)
		go func(work <-chan LabeledActivity) {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for ev := range work {
				start := time.Now()
				result, err := ingestActivity(client, baseURL, tenantID, ev)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", ev.UserID, err)
					}
					continue
				}

				// Async deployments return before detection runs, so
				// there is no decision to score.
				if result.Queued {
					atomic.AddInt64(&metrics.TotalQueued, 1)
					continue
				}

				// Track actual labels
				if ev.IsSuspicious {
					atomic.AddInt64(&metrics.TotalLabeled, 1)
				} else {
					atomic.AddInt64(&metrics.TotalBenign, 1)
				}

				// Calculate confusion matrix
				predicted := len(result.Alerts) > 0
				actual := ev.IsSuspicious

				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else { // !predicted && actual
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if predicted != actual {
						status = "✗"
					}
					decision := "CLEAR"
					if predicted {
						decision = fmt.Sprintf("ALERT(%d)", len(result.Alerts))
					}
					name := ev.UserID
					if len(name) > 12 {
						name = name[:12]
					}
					fmt.Printf("%s %-12s | Type: %-14s | Status: %-7s | Suspicious: %-5v | Kestrel: %-9s | Velocity: %d\n",
						status,
						name,
						ev.ActivityType,
						ev.Status,
						ev.IsSuspicious,
						decision,
						result.Velocity,
					)
				}
			}
		}(shards[i])
	}

	// Send work, sharded by user
	for _, ev := range events {
		shards[shardFor(ev.UserID, numWorkers)] <- ev
	}
	for _, ch := range shards {
		close(ch)
	}

	// Wait for completion
	wg.Wait()

	return metrics
}

func shardFor(userID string, numWorkers int) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(numWorkers))
}

func ingestActivity(client *http.Client, baseURL, tenantID string, ev LabeledActivity) (*IngestResponse, error) {
	// Build request matching Kestrel's expected format
	req := IngestRequest{
		UserID:       ev.UserID,
		ActivityType: ev.ActivityType,
		Action:       ev.Action,
		Resource:     ev.Resource,
		Status:       ev.Status,
		Severity:     ev.Severity,
		IPAddress:    ev.IPAddress,
		UserAgent:    ev.UserAgent,
		RiskScore:    ev.RiskScore,
	}
	if ev.Action == "" {
		req.Action = strings.ToLower(ev.ActivityType)
	}
	if ev.City != "" {
		req.Location = &Location{City: ev.City, Country: ev.Country}
	}
	if ev.DeviceType != "" {
		req.Device = &Device{DeviceType: ev.DeviceType}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/activity", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result IngestResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                        REPLAY RESULTS                         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Suspicious: %d\n", m.TotalLabeled)
	fmt.Printf("   Total Benign:     %d\n", m.TotalBenign)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	if m.TotalQueued > 0 {
		fmt.Printf("   Queued (async):   %d  (not scored - run against a sync deployment)\n", m.TotalQueued)
	}

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   ALERT       CLEAR")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  S  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           B  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	// Calculate metrics
	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of alerts, how many were actually suspicious)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of suspicious events, how many we caught)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	// Detection rate analysis
	fmt.Printf("\n🔍 DETECTION ANALYSIS\n")
	if m.TotalLabeled > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalLabeled) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalLabeled) * 100
		fmt.Printf("   Suspicious Caught: %d / %d (%.2f%%)\n", m.TruePositives, m.TotalLabeled, detectionRate)
		fmt.Printf("   Suspicious Missed: %d / %d (%.2f%%) ⚠️\n", m.FalseNegatives, m.TotalLabeled, missRate)
	}
	if m.TotalBenign > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalBenign) * 100
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalBenign, falseAlarmRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		eps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f events/sec\n", eps)
	}

	// Interpretation
	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most suspicious activity")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some suspicious activity")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant activity being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most suspicious activity is being missed!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - alerts are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false alarms")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false alarms")
	}

	fmt.Println()
}
