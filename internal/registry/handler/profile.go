package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

// ProfileHandler handles the profile routes: the owner's own profile
// plus the public listing.
type ProfileHandler struct {
	svc    *service.ProfileService
	logger *zap.Logger
}

// NewProfileHandler creates a ProfileHandler.
func NewProfileHandler(svc *service.ProfileService, logger *zap.Logger) *ProfileHandler {
	return &ProfileHandler{svc: svc, logger: logger}
}

// Register mounts the profile routes.
func (h *ProfileHandler) Register(rg *gin.RouterGroup, auth *AuthMiddleware) {
	rg.GET("/profiles", h.List)
	rg.GET("/profiles/:username", h.GetPublic)

	owned := rg.Group("/profiles", auth.Authenticate(), auth.RequireAuth())
	{
		owned.GET("/me", auth.RequireScope(model.ScopeProfileRead), h.GetOwn)
		owned.PUT("", auth.RequireScope(model.ScopeProfileWrite), h.Update)
	}
}

// List handles GET /profiles.
func (h *ProfileHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	profiles, err := h.svc.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list profiles", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	if profiles == nil {
		profiles = []*model.Profile{}
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles})
}

// GetPublic handles GET /profiles/:username.
func (h *ProfileHandler) GetPublic(c *gin.Context) {
	p, err := h.svc.GetByUsername(c.Request.Context(), c.Param("username"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
			return
		}
		h.logger.Error("get profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// GetOwn handles GET /profiles/me.
func (h *ProfileHandler) GetOwn(c *gin.Context) {
	p, err := h.svc.Get(c.Request.Context(), mustUserID(c))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
			return
		}
		h.logger.Error("get own profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// Update handles PUT /profiles.
func (h *ProfileHandler) Update(c *gin.Context) {
	var in service.UpdateProfileInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.svc.Update(c.Request.Context(), mustUserID(c), in)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
		case errors.Is(err, service.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("update profile", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		}
		return
	}
	c.JSON(http.StatusOK, p)
}
