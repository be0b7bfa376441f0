package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/crescent-systems/mailharvest/internal/ingest"
)

// Ticker triggers one ingestion sweep on demand.
type Ticker interface {
	Tick(ctx context.Context) error
}

// IngestHandler exposes the manual run-now trigger.
type IngestHandler struct {
	ticker Ticker
}

func NewIngestHandler(ticker Ticker) *IngestHandler {
	return &IngestHandler{ticker: ticker}
}

// HandleRunNow runs a sweep synchronously. A sweep already in flight
// answers 409; the running sweep covers the same tenants anyway.
func (h *IngestHandler) HandleRunNow(w http.ResponseWriter, r *http.Request) {
	if err := h.ticker.Tick(r.Context()); err != nil {
		if errors.Is(err, ingest.ErrTickInProgress) {
			writeJSON(w, http.StatusConflict, jsonResponse{Error: "ingestion already running"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, jsonResponse{Error: "internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, jsonResponse{OK: true})
}
