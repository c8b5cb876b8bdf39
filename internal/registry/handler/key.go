package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/jwk"
	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

// KeyHandler handles the owner-facing key routes.
type KeyHandler struct {
	svc    *service.KeyService
	logger *zap.Logger
}

// NewKeyHandler creates a KeyHandler.
func NewKeyHandler(svc *service.KeyService, logger *zap.Logger) *KeyHandler {
	return &KeyHandler{svc: svc, logger: logger}
}

// Register mounts the key routes behind authentication.
func (h *KeyHandler) Register(rg *gin.RouterGroup, auth *AuthMiddleware) {
	g := rg.Group("/keys", auth.Authenticate(), auth.RequireAuth())
	{
		g.POST("", auth.RequireScope(model.ScopeKeysWrite), h.Rotate)
		g.GET("", auth.RequireScope(model.ScopeKeysRead), h.Current)
		g.GET("/history", auth.RequireScope(model.ScopeKeysRead), h.History)
	}
}

type rotateKeyRequest struct {
	JWK jwk.Key `json:"jwk" binding:"required"`
}

// Rotate handles POST /keys: registers a new public key, rotating
// the previous one out.
func (h *KeyHandler) Rotate(c *gin.Context) {
	var req rotateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key, err := h.svc.Register(c.Request.Context(), mustUserID(c), req.JWK)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("register key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key registration failed"})
		return
	}
	c.JSON(http.StatusCreated, key)
}

// Current handles GET /keys: the active key.
func (h *KeyHandler) Current(c *gin.Context) {
	key, err := h.svc.Current(c.Request.Context(), mustUserID(c))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no key registered"})
			return
		}
		h.logger.Error("current key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, key)
}

// History handles GET /keys/history.
func (h *KeyHandler) History(c *gin.Context) {
	keys, err := h.svc.History(c.Request.Context(), mustUserID(c))
	if err != nil {
		h.logger.Error("key history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if keys == nil {
		keys = []*service.RegisteredKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}
