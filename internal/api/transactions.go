package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/aggregator"
)

// TransactionIDs lists every transaction id of the active dataset, in file order.
func (h *Handler) TransactionIDs(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.Snapshot(r.Context())
	if err != nil {
		slog.Error("failed to load dataset", "error", err)
		writeError(w, http.StatusInternalServerError, "error loading transactions: "+err.Error())
		return
	}
	ids := snap.TransactionIDs()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_ids": ids,
		"count":           len(ids),
	})
}

// GetTransaction returns the evidence bundle of one transaction.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	bundle, err := h.agg.Aggregate(r.Context(), id)
	switch {
	case errors.Is(err, aggregator.ErrInvalidID):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, aggregator.ErrNotFound):
		writeError(w, http.StatusNotFound, "transaction "+id+" not found")
		return
	case err != nil:
		slog.Error("failed to aggregate transaction", "tx_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to aggregate transaction")
		return
	}

	respond(w, r, http.StatusOK, bundle)
}

// TransactionBatch returns the bundles of up to 200 transactions in request
// order. Unknown or malformed ids are reported inline.
func (h *Handler) TransactionBatch(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON array of transaction ids")
		return
	}

	items, err := h.agg.AggregateBatch(r.Context(), ids)
	switch {
	case errors.Is(err, aggregator.ErrEmptyBatch), errors.Is(err, aggregator.ErrBatchTooLarge):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		slog.Error("failed to aggregate batch", "count", len(ids), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to aggregate batch")
		return
	}

	respond(w, r, http.StatusOK, items)
}
