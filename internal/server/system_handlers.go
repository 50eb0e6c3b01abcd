package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/rebalancer/internal/database"
)

// SystemHandlers serves health and host diagnostics.
type SystemHandlers struct {
	db        *database.DB
	startedAt time.Time
	log       zerolog.Logger
}

// NewSystemHandlers creates the system handlers.
func NewSystemHandlers(db *database.DB, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		db:        db,
		startedAt: time.Now(),
		log:       log.With().Str("component", "system").Logger(),
	}
}

// HandleHealth reports service liveness and a fast database check.
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	status := http.StatusOK
	if err := h.db.QuickCheck(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("Database health check failed")
		dbStatus = "error"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":   dbStatus,
		"uptime_s": int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleSystemInfo reports memory, CPU and runtime figures for the host.
func (h *SystemHandlers) HandleSystemInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"go_version": runtime.Version(),
		"uptime_s":   int64(time.Since(h.startedAt).Seconds()),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		info["memory"] = map[string]interface{}{
			"total_mb":     vm.Total / 1024 / 1024,
			"used_mb":      vm.Used / 1024 / 1024,
			"used_percent": vm.UsedPercent,
		}
	} else {
		h.log.Warn().Err(err).Msg("Failed to read memory stats")
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		info["cpu_percent"] = percents[0]
	}

	writeJSON(w, http.StatusOK, info)
}
