package http

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"examtime-bot/internal/app"
)

// SweepHandler exposes the timeout sweep to an external cron scheduler.
type SweepHandler struct {
	engine *app.Engine
	log    zerolog.Logger
}

func NewSweepHandler(engine *app.Engine, log zerolog.Logger) *SweepHandler {
	return &SweepHandler{engine: engine, log: log.With().Str("component", "cron").Logger()}
}

func (h *SweepHandler) ServeSweep(w http.ResponseWriter, r *http.Request) {
	advanced, err := h.engine.RunTimeoutSweep(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("sweep failed")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "error", "message": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "advanced": advanced})
}
