// Package api serves the dataset, the evidence bundles, the diagnostic tools
// and the analysis results over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/aggregator"
	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/journal"
	"github.com/opensource-finance/kestrel/internal/toon"
	"github.com/opensource-finance/kestrel/internal/tools"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	store      *dataset.Store
	agg        *aggregator.Aggregator
	tools      *tools.Service
	journal    *journal.Journal
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	version    string
	resultsDir string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		store:      deps.Store,
		agg:        aggregator.New(deps.Store),
		tools:      tools.New(deps.Store),
		journal:    deps.Journal,
		repo:       deps.Repository,
		cache:      deps.Cache,
		bus:        deps.Bus,
		version:    deps.Version,
		resultsDir: deps.ResultsDir,
	}
}

// Health returns the health status of the service.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether the active dataset can be served.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	info := h.store.Current()
	if !info.RequiredFileExists {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready":  "false",
			"reason": "dataset " + info.Folder + " is not readable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// Stats returns the size of every collection in the active dataset.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.Snapshot(r.Context())
	if err != nil {
		slog.Error("failed to load dataset", "dataset", h.store.Folder(), "error", err)
		writeError(w, http.StatusInternalServerError, "error loading dataset "+h.store.Folder()+": "+err.Error())
		return
	}

	c := snap.Counts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users":           c.Users,
		"transactions":    c.Transactions,
		"locations":       c.Locations,
		"sms_messages":    c.SMS,
		"emails":          c.Emails,
		"current_dataset": snap.Folder,
	})
}

// CurrentDataset describes the active dataset folder.
func (h *Handler) CurrentDataset(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		dataset.Info
		Status string `json:"status"`
	}{h.store.Current(), "active"})
}

// ReloadDataset drops the cached snapshot and reads the folder again.
func (h *Handler) ReloadDataset(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.Reload(r.Context())
	if err != nil {
		slog.Error("failed to reload dataset", "dataset", h.store.Folder(), "error", err)
		writeError(w, http.StatusInternalServerError, "error reloading data: "+err.Error())
		return
	}

	slog.Info("dataset reloaded", "dataset", h.store.Folder(), "transactions", counts.Transactions)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "success",
		"cache_cleared": true,
		"dataset":       h.store.Folder(),
		"data_loaded":   counts,
	})
}

// SwitchDataset makes another folder under the dataset root active.
func (h *Handler) SwitchDataset(w http.ResponseWriter, r *http.Request) {
	folder := chi.URLParam(r, "folder")
	if unescaped, err := url.PathUnescape(folder); err == nil {
		folder = unescaped
	}

	previous, counts, err := h.store.SwitchDataset(r.Context(), folder)
	if err != nil {
		if errors.Is(err, dataset.ErrBadFolder) || errors.Is(err, dataset.ErrMissingRequiredFile) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("failed to switch dataset", "dataset", folder, "error", err)
		writeError(w, http.StatusInternalServerError, "error switching dataset: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "success",
		"dataset_folder":   folder,
		"previous_dataset": previous,
		"cache_cleared":    true,
		"verification": map[string]interface{}{
			"transactions_loaded": counts.Transactions,
			"users_loaded":        counts.Users,
			"dataset_path":        h.store.Current().Path,
		},
	})
}

// respond writes v as JSON, or as TOON text when the request asks for ?format=toon.
func respond(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	if r.URL.Query().Get("format") != "toon" {
		writeJSON(w, status, v)
		return
	}
	text, err := toon.Marshal(v)
	if err != nil {
		slog.Error("failed to encode toon response", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(text))
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
