package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// fakeScorer validates like the pipeline and returns a fixed score.
type fakeScorer struct {
	mu   sync.Mutex
	seen []domain.Transaction
}

func (f *fakeScorer) Score(ctx context.Context, tx domain.Transaction) (*domain.EnsembleResult, error) {
	f.mu.Lock()
	f.seen = append(f.seen, tx)
	f.mu.Unlock()

	if tx.ID == "slow" {
		return nil, &pipeline.ScoringError{TxID: tx.ID, Cause: context.DeadlineExceeded}
	}
	tx = tx.Normalized()
	if err := tx.Validate(); err != nil {
		return nil, &pipeline.ScoringError{TxID: tx.ID, Cause: err}
	}
	return &domain.EnsembleResult{
		TxID:      tx.ID,
		PFraud:    0.12,
		Threshold: 0.7,
		ComponentScores: map[string]float64{
			domain.ComponentTabular: 0.1,
			domain.ComponentGraph:   0.2,
			domain.ComponentAnomaly: 0.1,
		},
		Explanation:  domain.Explanation{Contributions: []domain.Contribution{}, RiskFactors: []string{}},
		ModelVersion: "v1.0.0",
	}, nil
}

func (f *fakeScorer) ScoreBatch(ctx context.Context, txs []domain.Transaction) []pipeline.BatchItem {
	items := make([]pipeline.BatchItem, len(txs))
	for i, tx := range txs {
		res, err := f.Score(ctx, tx)
		items[i] = pipeline.BatchItem{TxID: tx.ID, Result: res, Err: err}
	}
	return items
}

func (f *fakeScorer) last() domain.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[len(f.seen)-1]
}

type testServer struct {
	*Server
	repo   *repository.SQLRepository
	scorer *fakeScorer
}

func createTestServer(t *testing.T) *testServer {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-api-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() {
		os.Remove(tmpPath)
		os.Remove(tmpPath + "-wal")
		os.Remove(tmpPath + "-shm")
	})

	repo, err := repository.Open(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if err := engine.ReloadRules(rules.GlobalTenant, rules.BuiltinRules()); err != nil {
		t.Fatalf("failed to load builtin rules: %v", err)
	}

	scorer := &fakeScorer{}
	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}
	lookup := risk.NewLookup(repo, cache.NewLRUCache(100), time.Minute, time.Second)
	handler := NewHandler(repo, nil, nil, engine, scorer, lookup, 2, "test-v1")

	return &testServer{Server: NewServer(cfg, handler), repo: repo, scorer: scorer}
}

func (s *testServer) do(method, path, tenantID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		json.NewEncoder(&buf).Encode(b)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(TenantIDHeader, tenantID)
	}
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func validTx(id string) map[string]any {
	return map[string]any{
		"id":         id,
		"cardId":     "card-1",
		"merchantId": "m-1",
		"amount":     42.5,
		"currency":   "usd",
		"mcc":        "5411",
	}
}

func TestScoreEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("Success", func(t *testing.T) {
		body := validTx("tx-001")
		body["tenantId"] = "someone-else"

		rr := server.do(http.MethodPost, "/score", "tenant-001", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp ScoreResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.EnsembleResult == nil || resp.TxID != "tx-001" {
			t.Errorf("expected txId tx-001 in response, got %s", rr.Body.String())
		}
		if resp.Metadata.Version != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp.Metadata.Version)
		}
		if resp.Metadata.TraceID == "" {
			t.Error("expected traceId in metadata")
		}
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID response header")
		}

		tx := server.scorer.last()
		if tx.TenantID != "tenant-001" {
			t.Errorf("expected header tenant to win, got %s", tx.TenantID)
		}
		if tx.Timestamp.IsZero() {
			t.Error("expected timestamp to default to now")
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/score", "", validTx("tx-002"))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/score", "tenant-001", "not-json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidTransaction", func(t *testing.T) {
		body := validTx("tx-003")
		body["mcc"] = "54"
		rr := server.do(http.MethodPost, "/score", "tenant-001", body)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
		}
		if !strings.Contains(rr.Body.String(), "mcc") {
			t.Errorf("expected validation message, got %s", rr.Body.String())
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/score", "tenant-001", validTx("slow"))
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})
}

func TestScoreBatchEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("MixedResults", func(t *testing.T) {
		bad := validTx("tx-bad")
		bad["amount"] = -1
		rr := server.do(http.MethodPost, "/score/batch", "tenant-001", map[string]any{
			"transactions": []any{validTx("tx-good"), bad},
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp BatchResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Scored != 1 || resp.Failed != 1 {
			t.Errorf("expected 1 scored and 1 failed, got %d/%d", resp.Scored, resp.Failed)
		}
		if resp.Results[0].TxID != "tx-good" || resp.Results[0].Status != http.StatusOK {
			t.Errorf("unexpected first result %+v", resp.Results[0])
		}
		if resp.Results[1].Status != http.StatusUnprocessableEntity || resp.Results[1].Error == "" {
			t.Errorf("unexpected second result %+v", resp.Results[1])
		}
	})

	t.Run("Empty", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/score/batch", "tenant-001", map[string]any{"transactions": []any{}})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("OverLimit", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/score/batch", "tenant-001", map[string]any{
			"transactions": []any{validTx("a"), validTx("b"), validTx("c")},
		})
		if rr.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("expected status 413, got %d", rr.Code)
		}
	})
}

func TestDecisionAndAlertEndpoints(t *testing.T) {
	server := createTestServer(t)
	ctx := context.Background()

	inserted, err := server.repo.InsertDecision(ctx, "tenant-001", &domain.Decision{
		TxID: "tx-100",
		Result: domain.EnsembleResult{
			TxID:            "tx-100",
			PFraud:          0.91,
			IsFraud:         true,
			Threshold:       0.7,
			ComponentScores: map[string]float64{domain.ComponentTabular: 0.9},
			ModelVersion:    "v1.0.0",
		},
		Route:     domain.RouteProduction,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil || !inserted {
		t.Fatalf("failed to insert decision: inserted=%v err=%v", inserted, err)
	}
	if err := server.repo.SaveAlert(ctx, "tenant-001", &domain.Alert{
		ID:          "alert-1",
		TxID:        "tx-100",
		Type:        domain.AlertFraudDetected,
		Severity:    domain.SeverityHigh,
		PFraud:      0.91,
		Reason:      "fraud probability 0.9100 above threshold 0.70",
		RiskFactors: []string{},
		Status:      domain.AlertStatusOpen,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("failed to save alert: %v", err)
	}

	t.Run("GetDecision", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/decisions/tx-100", "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var d domain.Decision
		if err := json.Unmarshal(rr.Body.Bytes(), &d); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if !d.Result.IsFraud || d.Route != domain.RouteProduction {
			t.Errorf("unexpected decision %+v", d)
		}
	})

	t.Run("DecisionIsTenantScoped", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/decisions/tx-100", "tenant-002", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ListAlerts", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/alerts?txId=tx-100", "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Alerts []domain.Alert `json:"alerts"`
			Count  int            `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count != 1 || resp.Alerts[0].Severity != domain.SeverityHigh {
			t.Errorf("unexpected alerts %+v", resp)
		}
	})

	t.Run("ListAlertsEmpty", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/alerts", "tenant-002", nil)
		if !strings.Contains(rr.Body.String(), `"alerts":[]`) {
			t.Errorf("expected empty alert list, got %s", rr.Body.String())
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	server := createTestServer(t)
	builtins := len(rules.BuiltinRules())

	countRules := func(t *testing.T, tenantID string) int {
		t.Helper()
		rr := server.do(http.MethodGet, "/rules", tenantID, nil)
		var resp struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		return resp.Count
	}

	t.Run("ListBuiltins", func(t *testing.T) {
		if n := countRules(t, "tenant-001"); n != builtins {
			t.Errorf("expected %d rules, got %d", builtins, n)
		}
	})

	t.Run("CreateRule", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/rules", "tenant-001", CreateRuleRequest{
			ID:         "night-spend",
			Factor:     "Large purchase at night",
			Expression: "amount > 500.0 && hour < 5.0",
			Priority:   5,
			Enabled:    true,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		if n := countRules(t, "tenant-001"); n != builtins+1 {
			t.Errorf("expected %d rules for tenant-001, got %d", builtins+1, n)
		}
		if n := countRules(t, "tenant-002"); n != builtins {
			t.Errorf("expected other tenants unaffected, got %d", n)
		}

		rr = server.do(http.MethodGet, "/rules/night-spend", "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("InvalidExpression", func(t *testing.T) {
		for _, expr := range []string{"amount >", "unknown_feature > 1.0", "amount + 1.0"} {
			rr := server.do(http.MethodPost, "/rules", "tenant-001", CreateRuleRequest{
				ID: "bad", Factor: "bad", Expression: expr, Enabled: true,
			})
			if rr.Code != http.StatusBadRequest {
				t.Errorf("%q: expected status 400, got %d", expr, rr.Code)
			}
		}
	})

	t.Run("MissingFields", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/rules", "tenant-001", CreateRuleRequest{ID: "x"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ReloadRules", func(t *testing.T) {
		rr := server.do(http.MethodPost, "/rules/reload", "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if !strings.Contains(rr.Body.String(), `"count":1`) {
			t.Errorf("expected one stored rule, got %s", rr.Body.String())
		}
		if n := countRules(t, "tenant-001"); n != builtins+1 {
			t.Errorf("expected %d rules after reload, got %d", builtins+1, n)
		}
	})

	t.Run("RuleNotFound", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/rules/missing", "tenant-001", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

type failingPinger struct{ domain.Cache }

func (failingPinger) Ping(context.Context) error { return fmt.Errorf("connection refused") }

func TestEntityEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("PutAndGetCard", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/cards/card-9", "tenant-001", nil)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected 404 before save, got %d", rr.Code)
		}

		rr = server.do(http.MethodPut, "/cards/card-9", "tenant-001", map[string]any{
			"homeCountry": "us",
			"homeCity":    "Chicago",
			"riskBucket":  "MEDIUM",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		// The cached miss above must not hide the new record.
		rr = server.do(http.MethodGet, "/cards/card-9", "tenant-001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var card domain.CardRecord
		if err := json.Unmarshal(rr.Body.Bytes(), &card); err != nil {
			t.Fatalf("failed to decode card: %v", err)
		}
		if card.ID != "card-9" || card.HomeCountry != "US" || card.RiskBucket != domain.RiskMedium {
			t.Errorf("unexpected card %+v", card)
		}

		rr = server.do(http.MethodGet, "/cards/card-9", "tenant-002", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404 for another tenant, got %d", rr.Code)
		}
	})

	t.Run("PutMerchantAndDevice", func(t *testing.T) {
		rr := server.do(http.MethodPut, "/merchants/m-9", "tenant-001", map[string]any{
			"mcc": "7995", "riskBucket": "HIGH", "avgTicket": 250,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		rr = server.do(http.MethodPut, "/devices/d-9", "tenant-001", map[string]any{
			"cardCount": 7, "isVpn": true, "riskBucket": "HIGH",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		d, err := server.repo.GetDevice(context.Background(), "tenant-001", "d-9")
		if err != nil {
			t.Fatalf("device not stored: %v", err)
		}
		if d.CardCount != 7 || !d.IsVPN {
			t.Errorf("unexpected device %+v", d)
		}
		if rr := server.do(http.MethodGet, "/merchants/m-9", "tenant-001", nil); rr.Code != http.StatusOK {
			t.Errorf("expected stored merchant, got %d", rr.Code)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		cases := []struct {
			name string
			path string
			body any
		}{
			{"BadJSON", "/cards/c-1", "{"},
			{"IDMismatch", "/cards/c-1", map[string]any{"id": "c-2"}},
			{"BadBucket", "/cards/c-1", map[string]any{"riskBucket": "EXTREME"}},
			{"BadCountry", "/cards/c-1", map[string]any{"homeCountry": "USA"}},
			{"BadMCC", "/merchants/m-1", map[string]any{"mcc": "54"}},
			{"NegativeCards", "/devices/d-1", map[string]any{"cardCount": -1}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				rr := server.do(http.MethodPut, tc.path, "tenant-001", tc.body)
				if rr.Code != http.StatusBadRequest {
					t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
				}
			})
		}
	})

	t.Run("TenantRequired", func(t *testing.T) {
		rr := server.do(http.MethodPut, "/cards/c-1", "", map[string]any{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("Health", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/health", "", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rr := server.do(http.MethodGet, "/ready", "", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("NotReady", func(t *testing.T) {
		h := NewHandler(server.repo, failingPinger{}, nil, nil, server.scorer, nil, 0, "test-v1")
		rr := httptest.NewRecorder()
		h.Ready(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "connection refused") {
			t.Errorf("expected failing check in body, got %s", rr.Body.String())
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		server.do(http.MethodGet, "/health", "", nil)
		rr := server.do(http.MethodGet, "/metrics", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "kestrel_http_requests_total") {
			t.Error("expected kestrel_http_requests_total in metrics output")
		}
	})
}

func TestScoringStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", &pipeline.ScoringError{Cause: domain.ErrInvalidTransaction}, http.StatusUnprocessableEntity},
		{"tenant", &pipeline.ScoringError{Cause: domain.ErrTenantRequired}, http.StatusUnprocessableEntity},
		{"deadline", &pipeline.ScoringError{Cause: context.DeadlineExceeded}, http.StatusServiceUnavailable},
		{"cancelled", &pipeline.ScoringError{Cause: context.Canceled}, http.StatusServiceUnavailable},
		{"other", &pipeline.ScoringError{Cause: fmt.Errorf("disk full")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := scoringStatus(tt.err); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
