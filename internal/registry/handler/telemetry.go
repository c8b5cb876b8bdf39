package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

// TelemetryHandler serves verification stats and the activity log.
type TelemetryHandler struct {
	svc    *service.TelemetryService
	logger *zap.Logger
}

// NewTelemetryHandler creates a TelemetryHandler.
func NewTelemetryHandler(svc *service.TelemetryService, logger *zap.Logger) *TelemetryHandler {
	return &TelemetryHandler{svc: svc, logger: logger}
}

// Register mounts the telemetry and activity routes. Per-user stats are
// public when the profile allows it; everything else needs a login.
func (h *TelemetryHandler) Register(rg *gin.RouterGroup, auth *AuthMiddleware) {
	t := rg.Group("/telemetry")
	{
		t.GET("/:username", auth.Authenticate(), h.UserStats)

		owned := t.Group("", auth.Authenticate(), auth.RequireAuth())
		{
			owned.GET("/overview", h.Overview)
			owned.GET("/timeseries", h.Timeseries)
			owned.GET("/activity", h.Activity)
			owned.GET("/top/agents", h.TopAgents)
			owned.GET("/top/origins", h.TopOrigins)
			owned.PUT("/:username/visibility", h.SetVisibility)
		}
	}

	// agent_id is a catch-all: oba_agent_id values may carry a resource
	// segment with a slash.
	activity := rg.Group("/agent-activity", auth.Authenticate(), auth.RequireAuth())
	{
		activity.POST("", auth.RequireScope(model.ScopeAgentsWrite), h.RecordActivity)
		activity.GET("/*agent_id", auth.RequireScope(model.ScopeAgentsRead), h.AgentActivity)
	}
}

// parseWindow maps the window query value to a duration. "today" is the
// last 24 hours, "7d" the last week.
func parseWindow(c *gin.Context) time.Duration {
	switch c.DefaultQuery("window", "today") {
	case "7d":
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// UserStats handles GET /telemetry/:username. The owner always sees
// their own numbers; others only when the profile is public.
func (h *TelemetryHandler) UserStats(c *gin.Context) {
	viewerID, _ := UserID(c) // uuid.Nil when anonymous
	st, err := h.svc.UserStats(c.Request.Context(), c.Param("username"), viewerID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no stats for this user"})
			return
		}
		h.logger.Error("user stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// SetVisibility handles PUT /telemetry/:username/visibility.
func (h *TelemetryHandler) SetVisibility(c *gin.Context) {
	var in struct {
		Public bool `json:"public"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.svc.SetVisibility(c.Request.Context(), mustUserID(c), c.Param("username"), in.Public)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
			return
		}
		h.logger.Error("set stats visibility", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": c.Param("username"), "public": in.Public})
}

// Overview handles GET /telemetry/overview?window=today|7d.
func (h *TelemetryHandler) Overview(c *gin.Context) {
	stats, err := h.svc.Overview(c.Request.Context(), parseWindow(c))
	if err != nil {
		h.logger.Error("stats overview", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Timeseries handles GET /telemetry/timeseries?window=today|7d.
func (h *TelemetryHandler) Timeseries(c *gin.Context) {
	series, err := h.svc.Timeseries(c.Request.Context(), parseWindow(c))
	if err != nil {
		h.logger.Error("stats timeseries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"timeseries": series})
}

// TopAgents handles GET /telemetry/top/agents?window=today|7d&limit=N.
func (h *TelemetryHandler) TopAgents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	top, err := h.svc.TopAgents(c.Request.Context(), parseWindow(c), limit)
	if err != nil {
		h.logger.Error("top agents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": top})
}

// TopOrigins handles GET /telemetry/top/origins?window=today|7d&limit=N.
func (h *TelemetryHandler) TopOrigins(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	top, err := h.svc.TopOrigins(c.Request.Context(), parseWindow(c), limit)
	if err != nil {
		h.logger.Error("top origins", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"origins": top})
}

// RecordActivity handles POST /agent-activity: an activity record for
// one of the caller's agents.
func (h *TelemetryHandler) RecordActivity(c *gin.Context) {
	var in service.ActivityInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.RecordActivity(c.Request.Context(), mustUserID(c), in); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		default:
			h.logger.Error("record activity", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "record failed"})
		}
		return
	}
	c.Status(http.StatusCreated)
}

// Activity handles GET /telemetry/activity?hours=N&limit=M: the
// logged-in user's own recent records.
func (h *TelemetryHandler) Activity(c *gin.Context) {
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "168"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	logs, err := h.svc.Activity(c.Request.Context(), mustUserID(c), time.Duration(hours)*time.Hour, limit)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
			return
		}
		h.logger.Error("activity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "activity unavailable"})
		return
	}
	if logs == nil {
		logs = []*model.VerificationLog{}
	}
	c.JSON(http.StatusOK, gin.H{"activity": logs})
}

// AgentActivity handles GET /agent-activity/{agent_id}?hours=N&limit=M.
func (h *TelemetryHandler) AgentActivity(c *gin.Context) {
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "168"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	agentID := strings.TrimPrefix(c.Param("agent_id"), "/")

	logs, err := h.svc.AgentActivity(c.Request.Context(), mustUserID(c), agentID, time.Duration(hours)*time.Hour, limit)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		h.logger.Error("agent activity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "activity unavailable"})
		return
	}
	if logs == nil {
		logs = []*model.VerificationLog{}
	}
	c.JSON(http.StatusOK, gin.H{"activity": logs})
}
