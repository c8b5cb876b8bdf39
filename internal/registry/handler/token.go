package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

// TokenHandler handles personal access token management. Every route is
// session-only: tokens cannot manage tokens.
type TokenHandler struct {
	svc    *service.TokenService
	logger *zap.Logger
}

// NewTokenHandler creates a TokenHandler.
func NewTokenHandler(svc *service.TokenService, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{svc: svc, logger: logger}
}

// Register mounts the token routes.
func (h *TokenHandler) Register(rg *gin.RouterGroup, auth *AuthMiddleware) {
	g := rg.Group("/auth/tokens", auth.Authenticate(), auth.RequireSession())
	{
		g.POST("", h.Create)
		g.GET("", h.List)
		g.DELETE("/:id", h.Delete)
	}
}

// Create handles POST /auth/tokens. The response carries the raw token
// exactly once.
func (h *TokenHandler) Create(c *gin.Context) {
	var in service.CreateTokenInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := h.svc.Create(c.Request.Context(), mustUserID(c), in)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrTokenLimit):
			c.JSON(http.StatusConflict, gin.H{"error": "token limit reached; delete an existing token first"})
		default:
			h.logger.Error("create token", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token creation failed"})
		}
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusCreated, gin.H{
		"token":      created.Token,
		"id":         created.Row.ID,
		"name":       created.Row.Name,
		"prefix":     created.Row.Prefix,
		"scopes":     created.Row.Scopes,
		"expires_at": created.Row.ExpiresAt,
	})
}

// List handles GET /auth/tokens.
func (h *TokenHandler) List(c *gin.Context) {
	tokens, err := h.svc.List(c.Request.Context(), mustUserID(c))
	if err != nil {
		h.logger.Error("list tokens", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	if tokens == nil {
		tokens = []*model.ApiToken{}
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

// Delete handles DELETE /auth/tokens/:id.
func (h *TokenHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid token id"})
		return
	}
	if err := h.svc.Delete(c.Request.Context(), mustUserID(c), id); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
			return
		}
		h.logger.Error("delete token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.Status(http.StatusNoContent)
}
