package main

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestReadCSV(t *testing.T) {
	data := `id,ts,card_id,merchant_id,amount,mcc,currency,device_id,ip,city,country,label
1001,2024-03-12 14:00:00,card-1,m-1,42.50,5411,USD,dev-1,10.0.0.1,New York,US,0
1002,2024-03-12T14:01:00Z,card-1,m-2,999.99,7995,,dev-9,,London,GB,1
1003,2024-03-12 14:02:00,card-2,m-1,not-a-number,5411,USD,,,,,0
1004,yesterday,card-2,m-1,10,5411,USD,,,,,0
`
	rows, err := readCSV(strings.NewReader(data), 0)
	if err != nil {
		t.Fatalf("readCSV failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 valid rows, got %d", len(rows))
	}

	first := rows[0]
	if first.IsFraud {
		t.Error("first row should be legit")
	}
	want := time.Date(2024, 3, 12, 14, 0, 0, 0, time.UTC)
	if !first.Tx.Timestamp.Equal(want) {
		t.Errorf("expected %v, got %v", want, first.Tx.Timestamp)
	}
	if first.Tx.Amount != 42.50 || first.Tx.DeviceID != "dev-1" || first.Tx.Country != "US" {
		t.Errorf("unexpected first row %+v", first.Tx)
	}

	second := rows[1]
	if !second.IsFraud {
		t.Error("second row should be fraud")
	}
	if second.Tx.Currency != "USD" {
		t.Errorf("expected default currency USD, got %q", second.Tx.Currency)
	}
}

func TestReadCSVLimitAndHeader(t *testing.T) {
	data := "id,card_id,merchant_id,amount,mcc,label\n1,c,m,1,5411,0\n2,c,m,2,5411,0\n3,c,m,3,5411,1\n"
	rows, err := readCSV(strings.NewReader(data), 2)
	if err != nil {
		t.Fatalf("readCSV failed: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected limit of 2 rows, got %d", len(rows))
	}

	if _, err := readCSV(strings.NewReader("id,amount\n1,2\n"), 0); err == nil {
		t.Error("expected error for missing columns")
	}
}

func TestPercentile(t *testing.T) {
	var samples []time.Duration
	for i := 100; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}

	tests := []struct {
		p    float64
		want time.Duration
	}{
		{50, 50 * time.Millisecond},
		{95, 95 * time.Millisecond},
		{99, 99 * time.Millisecond},
		{100, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := percentile(samples, tt.p); got != tt.want {
			t.Errorf("p%.0f: expected %v, got %v", tt.p, tt.want, got)
		}
	}
	if percentile(nil, 50) != 0 {
		t.Error("expected 0 for no samples")
	}
}

func TestRates(t *testing.T) {
	m := &Metrics{}
	m.record(true, &ScoreResponse{IsFraud: true}, nil, time.Millisecond)
	m.record(true, &ScoreResponse{IsFraud: false}, nil, time.Millisecond)
	m.record(false, &ScoreResponse{IsFraud: true}, nil, time.Millisecond)
	m.record(false, &ScoreResponse{IsFraud: false}, nil, time.Millisecond)
	m.record(false, nil, errors.New("boom"), time.Millisecond)

	if m.TotalProcessed != 5 || m.TotalErrors != 1 {
		t.Errorf("unexpected totals %d/%d", m.TotalProcessed, m.TotalErrors)
	}
	r := m.Rates()
	if r.Precision != 0.5 || r.Recall != 0.5 || r.F1 != 0.5 || r.Accuracy != 0.5 {
		t.Errorf("unexpected rates %+v", r)
	}
}
