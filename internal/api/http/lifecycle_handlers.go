package http

import (
	"net/http"
	"strconv"

	"github.com/GriffinCanCode/AgentOS/workerhost/internal/binding"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/shared/validation"
	"github.com/gin-gonic/gin"
)

// BroughtToForeground tells the launcher the embedder became visible
func (h *Handlers) BroughtToForeground(c *gin.Context) {
	h.launcher.OnBroughtToForeground()
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

// SentToBackground tells the launcher the embedder was hidden
func (h *Handlers) SentToBackground(c *gin.Context) {
	h.launcher.OnSentToBackground()
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

// TrimMemory sheds moderate bindings by level
func (h *Handlers) TrimMemory(c *gin.Context) {
	var req struct {
		Level string `json:"level" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "level is required",
		})
		return
	}

	level, err := binding.ParseTrimLevel(req.Level)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	h.launcher.OnTrimMemory(level)
	c.JSON(http.StatusAccepted, gin.H{"success": true, "level": level.String()})
}

// LowMemory releases every moderate binding
func (h *Handlers) LowMemory(c *gin.Context) {
	h.launcher.OnLowMemory()
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

// WarmUpRequest is the body of POST /v1/spare
type WarmUpRequest struct {
	Package          string `json:"package"`
	Sandboxed        *bool  `json:"sandboxed"`
	BindToCaller     bool   `json:"bind_to_caller"`
	BindExternal     *bool  `json:"bind_external"`
	IgnoreVisibility bool   `json:"ignore_visibility_for_importance"`
}

// WarmUp binds a spare connection for the next matching launch
func (h *Handlers) WarmUp(c *gin.Context) {
	var req WarmUpRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "invalid warm-up request: " + err.Error(),
			})
			return
		}
	}
	if err := validation.ValidatePackage(req.Package); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	sandboxed := true
	if req.Sandboxed != nil {
		sandboxed = *req.Sandboxed
	}
	params := h.creationParams(req.Package, req.BindToCaller, req.BindExternal, req.IgnoreVisibility)

	created, err := h.launcher.WarmUp(c.Request.Context(), params, sandboxed)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "created": created})
}

// Slots reports how many worker services a package declares
func (h *Handlers) Slots(c *gin.Context) {
	pkg := c.Query("package")
	sandboxed := true
	if raw := c.Query("sandboxed"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "sandboxed must be a boolean",
			})
			return
		}
		sandboxed = v
	}

	c.JSON(http.StatusOK, gin.H{
		"package":   pkg,
		"sandboxed": sandboxed,
		"slots":     h.launcher.NumberOfServiceSlots(pkg, sandboxed),
	})
}
