package api

import (
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Results summarizes the journal and lists the run summaries on disk.
func (h *Handler) Results(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not available")
		return
	}

	summaries := []string{}
	if h.resultsDir != "" {
		matches, _ := filepath.Glob(filepath.Join(h.resultsDir, "run_*.json"))
		for _, m := range matches {
			summaries = append(summaries, filepath.Base(m))
		}
		sort.Strings(summaries)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"suspects":       len(h.journal.Suspects()),
		"confirmed":      len(h.journal.Confirmed()),
		"suspect_file":   h.journal.SuspectPath(),
		"confirmed_file": h.journal.ConfirmedPath(),
		"run_summaries":  summaries,
	})
}

// ConfirmedFrauds returns the confirmed-fraud journal.
func (h *Handler) ConfirmedFrauds(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not available")
		return
	}
	frauds := h.journal.Confirmed()
	respond(w, r, http.StatusOK, domain.ConfirmedFile{
		TotalConfirmedFraud: len(frauds),
		Frauds:              frauds,
	})
}

// Suspects returns the suspect journal.
func (h *Handler) Suspects(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not available")
		return
	}
	suspects := h.journal.Suspects()
	respond(w, r, http.StatusOK, map[string]interface{}{
		"count":    len(suspects),
		"suspects": suspects,
	})
}

// LatestRun returns the most recent run with its batches.
func (h *Handler) LatestRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}
	run, err := h.repo.LatestRun(r.Context())
	h.writeRun(w, r, run, err)
}

// GetRun returns one run with its batches.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}
	run, err := h.repo.GetRun(r.Context(), chi.URLParam(r, "id"))
	h.writeRun(w, r, run, err)
}

func (h *Handler) writeRun(w http.ResponseWriter, r *http.Request, run *domain.Run, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		slog.Error("failed to get run", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	batches, err := h.repo.ListBatches(r.Context(), run.ID)
	if err != nil {
		slog.Error("failed to list batches", "run_id", run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":     run,
		"batches": batches,
	})
}
