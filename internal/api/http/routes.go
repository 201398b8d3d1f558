package http

import (
	"github.com/gin-gonic/gin"
)

// Register mounts the control API on r. Control routes go through
// control, typically the rate limiter.
func (h *Handlers) Register(r gin.IRouter, control ...gin.HandlerFunc) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)

	v1 := r.Group("/v1", control...)

	// Workers
	v1.POST("/workers", h.LaunchWorker)
	v1.GET("/workers", h.ListWorkers)
	v1.DELETE("/workers/:pid", h.StopWorker)
	v1.POST("/workers/:pid/kill", h.KillWorker)
	v1.PUT("/workers/:pid/priority", h.SetPriority)
	v1.PUT("/workers/:pid/foreground", h.SetForeground)
	v1.GET("/workers/:pid/oom", h.OomProtection)

	// Embedder lifecycle
	v1.POST("/lifecycle/foreground", h.BroughtToForeground)
	v1.POST("/lifecycle/background", h.SentToBackground)

	// Memory pressure
	v1.POST("/memory/trim", h.TrimMemory)
	v1.POST("/memory/low", h.LowMemory)

	// Spare connection and slots
	v1.POST("/spare", h.WarmUp)
	v1.GET("/slots", h.Slots)
}
