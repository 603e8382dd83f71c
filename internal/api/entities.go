package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// EntityStore reads and writes entity risk records. Writes must be visible
// to the next scoring call, so implementations drop any cached copy.
type EntityStore interface {
	domain.RiskLookup
	SaveCard(ctx context.Context, tenantID string, card *domain.CardRecord) error
	SaveMerchant(ctx context.Context, tenantID string, merchant *domain.MerchantRecord) error
	SaveDevice(ctx context.Context, tenantID string, device *domain.DeviceRecord) error
}

var errEntityID = errors.New("body id does not match path")

// PutCard handles PUT /cards/{id}.
func (h *Handler) PutCard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var card domain.CardRecord
	if !h.decodeEntity(w, r, &card, &card.ID) {
		return
	}
	card.TenantID = tenantID
	card.HomeCountry = strings.ToUpper(card.HomeCountry)
	if card.HomeCountry != "" && len(card.HomeCountry) != 2 {
		writeError(w, http.StatusBadRequest, "homeCountry must be a 2-letter code")
		return
	}
	if !validBucket(w, card.RiskBucket) {
		return
	}

	if err := h.entities.SaveCard(ctx, tenantID, &card); err != nil {
		slog.Error("failed to save card", "id", card.ID, "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save card")
		return
	}
	slog.Info("card saved", "id", card.ID, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, card)
}

// PutMerchant handles PUT /merchants/{id}.
func (h *Handler) PutMerchant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var m domain.MerchantRecord
	if !h.decodeEntity(w, r, &m, &m.ID) {
		return
	}
	m.TenantID = tenantID
	m.Country = strings.ToUpper(m.Country)
	if m.MCC != "" && len(m.MCC) != 4 {
		writeError(w, http.StatusBadRequest, "mcc must be 4 digits")
		return
	}
	if m.AvgTicket < 0 || m.TransactionCount < 0 {
		writeError(w, http.StatusBadRequest, "avgTicket and transactionCount must not be negative")
		return
	}
	if !validBucket(w, m.RiskBucket) {
		return
	}

	if err := h.entities.SaveMerchant(ctx, tenantID, &m); err != nil {
		slog.Error("failed to save merchant", "id", m.ID, "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save merchant")
		return
	}
	slog.Info("merchant saved", "id", m.ID, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, m)
}

// PutDevice handles PUT /devices/{id}.
func (h *Handler) PutDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var d domain.DeviceRecord
	if !h.decodeEntity(w, r, &d, &d.ID) {
		return
	}
	d.TenantID = tenantID
	if d.CardCount < 0 {
		writeError(w, http.StatusBadRequest, "cardCount must not be negative")
		return
	}
	if !validBucket(w, d.RiskBucket) {
		return
	}

	if err := h.entities.SaveDevice(ctx, tenantID, &d); err != nil {
		slog.Error("failed to save device", "id", d.ID, "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save device")
		return
	}
	slog.Info("device saved", "id", d.ID, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, d)
}

// GetCard handles GET /cards/{id}.
func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	rec, err := h.entities.Card(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	writeEntity(w, rec, rec != nil && rec.Known, err)
}

// GetMerchant handles GET /merchants/{id}.
func (h *Handler) GetMerchant(w http.ResponseWriter, r *http.Request) {
	rec, err := h.entities.Merchant(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	writeEntity(w, rec, rec != nil && rec.Known, err)
}

// GetDevice handles GET /devices/{id}.
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	rec, err := h.entities.Device(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	writeEntity(w, rec, rec != nil && rec.Known, err)
}

// decodeEntity reads the body into rec and fills *id from the path. A body
// id that disagrees with the path is rejected.
func (h *Handler) decodeEntity(w http.ResponseWriter, r *http.Request, rec any, id *string) bool {
	if h.entities == nil {
		writeError(w, http.StatusServiceUnavailable, "entity store not available")
		return false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScoreBody)).Decode(rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	pathID := chi.URLParam(r, "id")
	if *id != "" && *id != pathID {
		writeError(w, http.StatusBadRequest, errEntityID.Error())
		return false
	}
	*id = pathID
	return true
}

func validBucket(w http.ResponseWriter, b domain.RiskBucket) bool {
	if b == "" || b.Valid() {
		return true
	}
	writeError(w, http.StatusBadRequest, "riskBucket must be LOW, MEDIUM or HIGH")
	return false
}

func writeEntity(w http.ResponseWriter, rec any, known bool, err error) {
	switch {
	case err != nil:
		slog.Error("failed to load entity", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load entity")
	case !known:
		writeError(w, http.StatusNotFound, "entity not found")
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}
