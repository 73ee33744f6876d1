package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// toolRequest is the body of every /fraud-tools call. Fields a check does not
// use are ignored; zero windows fall back to the check's default.
type toolRequest struct {
	TransactionID   string  `json:"transaction_id"`
	TimeWindowHours float64 `json:"time_window_hours"`
	UseCityFallback *bool   `json:"use_city_fallback"`
}

func decodeToolRequest(w http.ResponseWriter, r *http.Request) (*toolRequest, bool) {
	var req toolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return nil, false
	}
	req.TransactionID = strings.TrimSpace(req.TransactionID)
	return &req, true
}

// verdict writes a check result. A dataset failure is still reported as a
// verdict so callers only ever branch on the error code.
func verdict(w http.ResponseWriter, r *http.Request, id string, v interface{}, err error) {
	if err != nil {
		slog.Error("fraud tool failed", "path", r.URL.Path, "tx_id", id, "error", err)
		respond(w, r, http.StatusOK, map[string]string{
			"transaction_id": id,
			"error":          "dataset_unavailable",
			"reason":         err.Error(),
		})
		return
	}
	respond(w, r, http.StatusOK, v)
}

// CheckTimeCorrelation handles POST /fraud-tools/check-time-correlation.
func (h *Handler) CheckTimeCorrelation(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeToolRequest(w, r)
	if !ok {
		return
	}
	out, err := h.tools.CheckTimeCorrelation(r.Context(), req.TransactionID, req.TimeWindowHours)
	verdict(w, r, req.TransactionID, out, err)
}

// CheckNewMerchant handles POST /fraud-tools/check-new-merchant.
func (h *Handler) CheckNewMerchant(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeToolRequest(w, r)
	if !ok {
		return
	}
	out, err := h.tools.CheckNewMerchant(r.Context(), req.TransactionID)
	verdict(w, r, req.TransactionID, out, err)
}

// CheckLocationAnomaly handles POST /fraud-tools/check-location-anomaly.
func (h *Handler) CheckLocationAnomaly(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeToolRequest(w, r)
	if !ok {
		return
	}
	useCity := true
	if req.UseCityFallback != nil {
		useCity = *req.UseCityFallback
	}
	out, err := h.tools.CheckLocationAnomaly(r.Context(), req.TransactionID, useCity)
	verdict(w, r, req.TransactionID, out, err)
}

// CheckWithdrawalPattern handles POST /fraud-tools/check-withdrawal-pattern.
func (h *Handler) CheckWithdrawalPattern(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeToolRequest(w, r)
	if !ok {
		return
	}
	out, err := h.tools.CheckWithdrawalPattern(r.Context(), req.TransactionID, req.TimeWindowHours)
	verdict(w, r, req.TransactionID, out, err)
}

// CheckPhishingIndicators handles POST /fraud-tools/check-phishing-indicators.
func (h *Handler) CheckPhishingIndicators(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeToolRequest(w, r)
	if !ok {
		return
	}
	out, err := h.tools.CheckPhishingIndicators(r.Context(), req.TransactionID, req.TimeWindowHours)
	verdict(w, r, req.TransactionID, out, err)
}
