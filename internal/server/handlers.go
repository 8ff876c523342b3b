package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/titanops/titan-brain/internal/domain"
	"github.com/titanops/titan-brain/internal/modules/allocation"
	"github.com/titanops/titan-brain/internal/modules/arbiter"
	"github.com/titanops/titan-brain/internal/modules/breaker"
	"github.com/titanops/titan-brain/internal/modules/performance"
	"github.com/titanops/titan-brain/internal/modules/treasury"
)

// Handlers holds the API handlers for the core modules.
type Handlers struct {
	log           zerolog.Logger
	arb           *arbiter.Arbiter
	decisions     arbiter.Store
	brk           *breaker.Breaker
	breakerEvents BreakerHistory
	treasury      *treasury.Manager
	sweeps        SweepHistory
	alloc         *allocation.Engine
	perf          *performance.Tracker
	startupTime   time.Time
}

// NewHandlers creates the handler set from the server config.
func NewHandlers(cfg Config) *Handlers {
	return &Handlers{
		log:           cfg.Log.With().Str("handler", "api").Logger(),
		arb:           cfg.Arbiter,
		decisions:     cfg.Decisions,
		brk:           cfg.Breaker,
		breakerEvents: cfg.BreakerEvents,
		treasury:      cfg.Treasury,
		sweeps:        cfg.Sweeps,
		alloc:         cfg.Allocation,
		perf:          cfg.Performance,
		startupTime:   time.Now(),
	}
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// HandleSubmitSignal admits an intent and waits for its decision. Vetoes are
// 200s carrying the decision; only admission failures map to error statuses.
func (h *Handlers) HandleSubmitSignal(w http.ResponseWriter, r *http.Request) {
	var intent domain.Intent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	d, err := h.arb.Submit(r.Context(), intent)
	if err != nil {
		h.writeKindError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

// HandleStatus reports process and component health.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, ramPercent := h.systemStats()

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_hours": time.Since(h.startupTime).Hours(),
		"cpu_percent":  cpuPercent,
		"ram_percent":  ramPercent,
		"equity":       h.treasury.Equity(),
		"breaker":      h.brk.Snapshot(),
		"queue_depth":  h.arb.QueueDepth(),
	})
}

// HandleAllocation returns the current allocation snapshot.
func (h *Handlers) HandleAllocation(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.alloc.Snapshot(h.treasury.Equity()))
}

// HandlePerformance returns per-phase window metrics.
func (h *Handlers) HandlePerformance(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.perf.All())
}

// HandleTreasury returns the treasury state and recent sweep attempts.
func (h *Handlers) HandleTreasury(w http.ResponseWriter, r *http.Request) {
	recent, err := h.sweeps.RecentSweeps(queryInt(r, "limit", 20))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load sweep records")
		h.writeError(w, http.StatusServiceUnavailable, "Sweep history unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":  h.treasury.Snapshot(),
		"sweeps": recent,
	})
}

// HandleBreaker returns the breaker snapshot and recent transitions.
func (h *Handlers) HandleBreaker(w http.ResponseWriter, r *http.Request) {
	events, err := h.breakerEvents.RecentEvents(queryInt(r, "limit", 20))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load breaker events")
		h.writeError(w, http.StatusServiceUnavailable, "Breaker history unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"breaker": h.brk.Snapshot(),
		"events":  events,
	})
}

// HandleBreakerReset clears a halt on operator authority.
func (h *Handlers) HandleBreakerReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OperatorID string `json:"operator_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.brk.Reset(req.OperatorID, h.treasury.Equity()); err != nil {
		h.writeKindError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.brk.Snapshot())
}

// HandleDecisions lists recent decisions, optionally filtered by phase.
func (h *Handlers) HandleDecisions(w http.ResponseWriter, r *http.Request) {
	phase := domain.PhaseID(r.URL.Query().Get("phase"))
	if phase != "" && !phase.Valid() {
		h.writeError(w, http.StatusBadRequest, "Unknown phase")
		return
	}

	decisions, err := h.decisions.Recent(phase, queryInt(r, "limit", 50))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load decisions")
		h.writeError(w, http.StatusServiceUnavailable, "Decision history unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

// systemStats samples process host CPU and RAM usage.
func (h *Handlers) systemStats() (float64, float64) {
	cpuAvg := 0.0
	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	ramPercent := 0.0
	if memStat, err := mem.VirtualMemory(); err == nil {
		ramPercent = memStat.UsedPercent
	}
	return cpuAvg, ramPercent
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeKindError maps the error taxonomy onto HTTP statuses.
func (h *Handlers) writeKindError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindTimeout:
		status = http.StatusGatewayTimeout
	case domain.KindTransientBus, domain.KindTransientStore:
		status = http.StatusServiceUnavailable
	}
	h.writeError(w, status, err.Error())
}
