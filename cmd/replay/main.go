// Replay tool for measuring Kestrel against labelled transaction data.
//
// Usage:
//
//	go run ./cmd/replay -csv transactions.csv -url http://localhost:8080
//
// The CSV header names the columns; recognised columns are id, ts,
// card_id, merchant_id, device_id, amount, currency, mcc, ip, city,
// country and label (1 = fraud). Rows are sent to POST /score in file
// order; with more than one worker, rows of the same card may overtake
// each other and velocity features become approximate.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Transaction is the request body of POST /score.
type Transaction struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	CardID     string    `json:"cardId"`
	MerchantID string    `json:"merchantId"`
	DeviceID   string    `json:"deviceId,omitempty"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	MCC        string    `json:"mcc"`
	IP         string    `json:"ip,omitempty"`
	City       string    `json:"city,omitempty"`
	Country    string    `json:"country,omitempty"`
}

// Row is one labelled CSV row.
type Row struct {
	Tx      Transaction
	IsFraud bool
}

// ScoreResponse is the subset of the POST /score response the replay reads.
type ScoreResponse struct {
	TxID    string  `json:"txId"`
	PFraud  float64 `json:"pFraud"`
	IsFraud bool    `json:"isFraud"`
}

// Metrics tracks replay results.
type Metrics struct {
	mu sync.Mutex

	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	TotalProcessed int64
	TotalErrors    int64

	latencies []time.Duration
}

func (m *Metrics) record(actual bool, resp *ScoreResponse, err error, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalProcessed++
	m.latencies = append(m.latencies, elapsed)
	if err != nil {
		m.TotalErrors++
		return
	}

	predicted := resp.IsFraud
	switch {
	case predicted && actual:
		m.TruePositives++
	case predicted && !actual:
		m.FalsePositives++
	case !predicted && !actual:
		m.TrueNegatives++
	default:
		m.FalseNegatives++
	}
}

// Percentile returns the p-th latency percentile (0 < p <= 100) using the
// nearest-rank method.
func (m *Metrics) Percentile(p float64) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return percentile(m.latencies, p)
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(p/100*float64(len(sorted)) + 0.999999)
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func main() {
	csvPath := flag.String("csv", "", "Path to labelled transaction CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "replay", "Tenant ID for requests")
	limit := flag.Int("limit", 0, "Maximum transactions to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	timeout := flag.Duration("timeout", 10*time.Second, "Per-request timeout")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/transactions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if *workers < 1 {
		*workers = 1
	}

	fmt.Println("KESTREL REPLAY")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	rows, err := readCSV(f, *limit)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Println("ERROR: no rows to replay")
		os.Exit(1)
	}

	fraudCount := 0
	for _, r := range rows {
		if r.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("Loaded %d transactions\n", len(rows))
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(rows)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(rows)-fraudCount, 100*float64(len(rows)-fraudCount)/float64(len(rows)))

	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	client := &http.Client{Timeout: *timeout}
	startTime := time.Now()
	metrics := replay(rows, client, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

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

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// readCSV parses labelled rows. Malformed rows are skipped.
func readCSV(r io.Reader, limit int) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"id", "card_id", "merchant_id", "amount", "mcc", "label"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}

		row, err := parseRow(record, colIndex)
		if err != nil {
			continue
		}
		rows = append(rows, row)

		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

func parseRow(record []string, colIndex map[string]int) (Row, error) {
	get := func(col string) string {
		i, ok := colIndex[col]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	amount, err := strconv.ParseFloat(get("amount"), 64)
	if err != nil {
		return Row{}, fmt.Errorf("amount: %w", err)
	}

	tx := Transaction{
		ID:         get("id"),
		CardID:     get("card_id"),
		MerchantID: get("merchant_id"),
		DeviceID:   get("device_id"),
		Amount:     amount,
		Currency:   get("currency"),
		MCC:        get("mcc"),
		IP:         get("ip"),
		City:       get("city"),
		Country:    get("country"),
	}
	if tx.Currency == "" {
		tx.Currency = "USD"
	}
	if ts := get("ts"); ts != "" {
		t, err := parseTimestamp(ts)
		if err != nil {
			return Row{}, err
		}
		tx.Timestamp = t
	}

	label := get("label")
	return Row{Tx: tx, IsFraud: label == "1" || strings.EqualFold(label, "true")}, nil
}

func replay(rows []Row, client *http.Client, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{latencies: make([]time.Duration, 0, len(rows))}

	work := make(chan Row, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for row := range work {
				start := time.Now()
				resp, err := score(client, baseURL, tenantID, row.Tx)
				metrics.record(row.IsFraud, resp, err, time.Since(start))

				if !verbose {
					continue
				}
				if err != nil {
					fmt.Printf("ERROR: %s -> %v\n", row.Tx.ID, err)
					continue
				}
				mark := "ok"
				if resp.IsFraud != row.IsFraud {
					mark = "MISS"
				}
				fmt.Printf("%-4s %-12s | card %-10s | $%10.2f | label %-5v | p_fraud %.4f\n",
					mark, row.Tx.ID, row.Tx.CardID, row.Tx.Amount, row.IsFraud, resp.PFraud)
			}
		}()
	}

	for _, row := range rows {
		work <- row
	}
	close(work)
	wg.Wait()

	return metrics
}

func score(client *http.Client, baseURL, tenantID string, tx Transaction) (*ScoreResponse, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/score", bytes.NewReader(body))
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

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Rates derived from the confusion matrix.
type Rates struct {
	Precision float64
	Recall    float64
	F1        float64
	Accuracy  float64
}

func (m *Metrics) Rates() Rates {
	var r Rates
	if m.TruePositives+m.FalsePositives > 0 {
		r.Precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		r.Recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if r.Precision+r.Recall > 0 {
		r.F1 = 2 * (r.Precision * r.Recall) / (r.Precision + r.Recall)
	}
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		r.Accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}
	return r
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nREPLAY RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                       Predicted")
	fmt.Println("                   fraud       legit")
	fmt.Printf("   Actual  fraud  %8d    %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("           legit  %8d    %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	r := m.Rates()
	fmt.Printf("\nDETECTION\n")
	fmt.Printf("   Precision:  %.4f\n", r.Precision)
	fmt.Printf("   Recall:     %.4f\n", r.Recall)
	fmt.Printf("   F1-Score:   %.4f\n", r.F1)
	fmt.Printf("   Accuracy:   %.4f\n", r.Accuracy)

	fmt.Printf("\nLATENCY\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	for _, p := range []float64{50, 95, 99} {
		fmt.Printf("   p%-2.0f:              %v\n", p, m.Percentile(p).Round(10*time.Microsecond))
	}
	if m.TotalProcessed > 0 {
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}
