package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

// AgentHandler handles the owner-facing agent CRUD routes.
type AgentHandler struct {
	svc    *service.AgentService
	logger *zap.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(svc *service.AgentService, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{svc: svc, logger: logger}
}

// Register mounts the agent routes behind authentication.
func (h *AgentHandler) Register(rg *gin.RouterGroup, auth *AuthMiddleware) {
	g := rg.Group("/agents", auth.Authenticate(), auth.RequireAuth())
	{
		g.GET("", auth.RequireScope(model.ScopeAgentsRead), h.List)
		g.GET("/:id", auth.RequireScope(model.ScopeAgentsRead), h.Get)
		g.POST("", auth.RequireScope(model.ScopeAgentsWrite), h.Create)
		g.PUT("/:id", auth.RequireScope(model.ScopeAgentsWrite), h.Update)
		g.DELETE("/:id", auth.RequireScope(model.ScopeAgentsWrite), h.Delete)
	}
}

// List handles GET /agents.
func (h *AgentHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	agents, err := h.svc.List(c.Request.Context(), mustUserID(c), limit, offset)
	if err != nil {
		h.logger.Error("list agents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	if agents == nil {
		agents = []*model.Agent{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// Get handles GET /agents/:id.
func (h *AgentHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent id"})
		return
	}
	agent, err := h.svc.Get(c.Request.Context(), mustUserID(c), id)
	if err != nil {
		h.respondErr(c, err, "get agent")
		return
	}
	c.JSON(http.StatusOK, agent)
}

// Create handles POST /agents.
func (h *AgentHandler) Create(c *gin.Context) {
	var in service.CreateAgentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	agent, err := h.svc.Create(c.Request.Context(), mustUserID(c), in)
	if err != nil {
		h.respondErr(c, err, "create agent")
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// Update handles PUT /agents/:id.
func (h *AgentHandler) Update(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent id"})
		return
	}
	var in service.UpdateAgentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	agent, err := h.svc.Update(c.Request.Context(), mustUserID(c), id, in)
	if err != nil {
		h.respondErr(c, err, "update agent")
		return
	}
	c.JSON(http.StatusOK, agent)
}

// Delete handles DELETE /agents/:id.
func (h *AgentHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent id"})
		return
	}
	if err := h.svc.Delete(c.Request.Context(), mustUserID(c), id); err != nil {
		h.respondErr(c, err, "delete agent")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AgentHandler) respondErr(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}
