package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

const (
	maxScoreBody = 64 << 10
	maxBatchBody = 8 << 20
)

// Scorer is the scoring core as seen by the transport.
type Scorer interface {
	Score(ctx context.Context, tx domain.Transaction) (*domain.EnsembleResult, error)
	ScoreBatch(ctx context.Context, txs []domain.Transaction) []pipeline.BatchItem
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	engine     *rules.Engine
	scorer     Scorer
	entities   EntityStore
	batchLimit int
	version    string
	now        func() time.Time
}

// NewHandler creates a new API handler. cache and bus are only used for
// readiness checks and may be nil. Entity routes answer 503 without entities.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, scorer Scorer, entities EntityStore, batchLimit int, version string) *Handler {
	if batchLimit <= 0 {
		batchLimit = 1000
	}
	return &Handler{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		engine:     engine,
		scorer:     scorer,
		entities:   entities,
		batchLimit: batchLimit,
		version:    version,
		now:        time.Now,
	}
}

// ResponseMetadata is attached to scoring responses.
type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

// ScoreResponse is the response for POST /score.
type ScoreResponse struct {
	*domain.EnsembleResult
	Metadata ResponseMetadata `json:"metadata"`
}

// BatchRequest is the request body for POST /score/batch.
type BatchRequest struct {
	Transactions []domain.Transaction `json:"transactions"`
}

// BatchResult is one entry of a batch response.
type BatchResult struct {
	TxID   string                 `json:"txId"`
	Status int                    `json:"status"`
	Result *domain.EnsembleResult `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// BatchResponse is the response for POST /score/batch.
type BatchResponse struct {
	Results  []BatchResult    `json:"results"`
	Scored   int              `json:"scored"`
	Failed   int              `json:"failed"`
	Metadata ResponseMetadata `json:"metadata"`
}

// Score handles POST /score requests.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var tx domain.Transaction
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScoreBody)).Decode(&tx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	h.stamp(&tx, GetTenantID(ctx))

	result, err := h.scorer.Score(ctx, tx)
	if err != nil {
		status, msg := scoringStatus(err)
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, ScoreResponse{
		EnsembleResult: result,
		Metadata:       h.metadata(ctx, start),
	})
}

// ScoreBatch handles POST /score/batch requests. Per-item failures are
// reported inline; the request itself succeeds.
func (h *Handler) ScoreBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req BatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if len(req.Transactions) == 0 {
		writeError(w, http.StatusBadRequest, "transactions must not be empty")
		return
	}
	if len(req.Transactions) > h.batchLimit {
		writeError(w, http.StatusRequestEntityTooLarge, "batch exceeds limit")
		return
	}

	for i := range req.Transactions {
		h.stamp(&req.Transactions[i], tenantID)
	}

	items := h.scorer.ScoreBatch(ctx, req.Transactions)

	resp := BatchResponse{Results: make([]BatchResult, len(items))}
	for i, item := range items {
		res := BatchResult{TxID: item.TxID, Status: http.StatusOK, Result: item.Result}
		if item.Err != nil {
			res.Status, res.Error = scoringStatus(item.Err)
			resp.Failed++
		} else {
			resp.Scored++
		}
		resp.Results[i] = res
	}
	resp.Metadata = h.metadata(ctx, start)

	writeJSON(w, http.StatusOK, resp)
}

// stamp applies the transport defaults: the header tenant always wins and
// a missing timestamp means now.
func (h *Handler) stamp(tx *domain.Transaction, tenantID string) {
	tx.TenantID = tenantID
	if tx.Timestamp.IsZero() {
		tx.Timestamp = h.now().UTC()
	}
}

func (h *Handler) metadata(ctx context.Context, start time.Time) ResponseMetadata {
	return ResponseMetadata{
		TraceID: GetTraceID(ctx),
		TotalMs: time.Since(start).Milliseconds(),
		Version: h.version,
	}
}

// scoringStatus maps a scoring failure to an HTTP status.
func scoringStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidTransaction), errors.Is(err, domain.ErrTenantRequired):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "scoring timed out"
	default:
		return http.StatusInternalServerError, "scoring failed"
	}
}

// GetDecision retrieves the recorded decision of a transaction.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "txId")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	d, err := h.repo.GetDecision(ctx, tenantID, txID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "decision not found")
		return
	}
	if err != nil {
		slog.Error("failed to get decision", "tx_id", txID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get decision")
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// ListAlerts returns the tenant's alerts, optionally filtered by ?txId=.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	alerts, err := h.repo.ListAlerts(ctx, tenantID, r.URL.Query().Get("txId"))
	if err != nil {
		slog.Error("failed to list alerts", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []*domain.Alert{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// ListRules returns the risk-factor rules in effect for the tenant.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.engine.LoadedRules(GetTenantID(r.Context()))

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loadedRules,
		"count": len(loadedRules),
	})
}

// GetRule retrieves a rule in effect for the tenant by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.engine.LoadedRules(GetTenantID(r.Context())) {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeError(w, http.StatusNotFound, "rule not found")
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID         string           `json:"id"`
	Factor     string           `json:"factor"`
	Expression string           `json:"expression"`
	AlertType  domain.AlertType `json:"alertType"`
	Priority   int              `json:"priority"`
	Enabled    bool             `json:"enabled"`
}

// CreateRule validates, persists and hot-loads a tenant risk-factor rule.
// A rule with the id of a built-in rule shadows it for this tenant.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreateRuleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScoreBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.ID == "" || req.Factor == "" || req.Expression == "" {
		writeError(w, http.StatusBadRequest, "id, factor, and expression are required")
		return
	}
	switch req.AlertType {
	case "":
		req.AlertType = domain.AlertFraudDetected
	case domain.AlertFraudDetected, domain.AlertVelocityBreach, domain.AlertPatternAnomaly:
	default:
		writeError(w, http.StatusBadRequest, "unknown alertType")
		return
	}

	now := h.now().UTC()
	rule := &domain.RiskRule{
		ID:         req.ID,
		TenantID:   tenantID,
		Factor:     req.Factor,
		Expression: req.Expression,
		AlertType:  req.AlertType,
		Priority:   req.Priority,
		Enabled:    req.Enabled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := h.engine.ValidateRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveRiskRule(ctx, tenantID, rule); err != nil {
			slog.Error("failed to save risk rule", "id", rule.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save rule")
			return
		}
	}

	if err := h.engine.LoadRule(tenantID, rule); err != nil {
		slog.Error("failed to load risk rule", "id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rule")
		return
	}

	slog.Info("risk rule saved", "id", rule.ID, "tenant_id", tenantID, "enabled", rule.Enabled)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule": rule,
	})
}

// ReloadRules replaces the tenant's rules in the engine with the stored set.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	dbRules, err := h.repo.ListRiskRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rules from database")
		return
	}

	if err := h.engine.ReloadRules(tenantID, dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	slog.Info("rules reloaded from database", "tenant_id", tenantID, "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// Health returns process liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.version,
	})
}

// Ready reports whether every backend answers a ping.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true
	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		check("repository", h.repo.Ping)
	}
	if h.cache != nil {
		check("cache", h.cache.Ping)
	}
	if h.bus != nil {
		check("eventbus", h.bus.Ping)
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
