package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

// SystemHandler handles system-related endpoints
type SystemHandler struct {
	WorkerID string
	counters func() map[string]uint64
	cameras  CameraRegistry
	started  time.Time
}

// NewSystemHandler creates a new system handler. counters supplies the
// pipeline counters, usually metrics.Metrics.Snapshot.
func NewSystemHandler(workerID string, cameras CameraRegistry, counters func() map[string]uint64) *SystemHandler {
	return &SystemHandler{
		WorkerID: workerID,
		counters: counters,
		cameras:  cameras,
		started:  time.Now(),
	}
}

// @Summary Get system stats
// @Description Get process statistics and pipeline counters
// @Tags system
// @Accept json
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /system/stats [get]
func (h *SystemHandler) GetStats(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	active := 0
	for _, cc := range h.cameras.List() {
		if cc.IsRunning() {
			active++
		}
	}

	var pipeline map[string]uint64
	if h.counters != nil {
		pipeline = h.counters()
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats": gin.H{
			"worker_id":      h.WorkerID,
			"uptime_seconds": int64(time.Since(h.started).Seconds()),
			"memory_mb":      m.Alloc / 1024 / 1024,
			"cpu_cores":      runtime.NumCPU(),
			"goroutines":     runtime.NumGoroutine(),
			"go_version":     runtime.Version(),
			"active_cameras": active,
		},
		"pipeline":  pipeline,
		"timestamp": time.Now().Unix(),
	})
}
