package verifier

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/openbotauth/openbotauth/internal/kv"
)

// Trust headers attached to the upstream forward on allow.
const (
	HeaderVerified  = "X-OBAuth-Verified"
	HeaderAgentKID  = "X-OBAuth-Agent-KID"
	HeaderAgentJWKS = "X-OBAuth-Agent-JWKS"
)

// Handler exposes the verifier HTTP surface.
type Handler struct {
	svc             *Service
	dirs            interface{ Clear() int }
	nonces          kv.Store
	adminSecretHash []byte // bcrypt hash; empty disables the admin routes
	logger          *zap.Logger
}

// NewHandler creates the verifier Handler. adminSecret may be empty to
// disable the cache-purge routes.
func NewHandler(svc *Service, dirs interface{ Clear() int }, nonces kv.Store, adminSecret string, logger *zap.Logger) (*Handler, error) {
	h := &Handler{svc: svc, dirs: dirs, nonces: nonces, logger: logger}
	if adminSecret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(adminSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		h.adminSecretHash = hash
	}
	return h, nil
}

// Register mounts the verifier routes.
func (h *Handler) Register(r *gin.Engine) {
	r.POST("/verify", h.VerifyRequest)
	r.POST("/authorize", h.AuthorizeRequest)
	r.POST("/cache/jwks/clear", h.requireAdmin, h.ClearJWKSCache)
	r.POST("/cache/nonces/clear", h.requireAdmin, h.ClearNonceCache)
	r.GET("/health", h.Health)
	r.GET("/metrics", MetricsHandler())
}

// VerifyRequest handles POST /verify, a pure decision, HTTP 200 whether
// the signature verified or failed with a typed error.
func (h *Handler) VerifyRequest(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	result := h.svc.Verify(c.Request.Context(), req)
	recordOutcome(result)
	c.JSON(http.StatusOK, result)
}

// AuthorizeRequest handles POST /authorize, the edge auth-request hook.
// On allow it emits the trust headers; on deny the error code's status.
func (h *Handler) AuthorizeRequest(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	result, verdict := h.svc.Authorize(c.Request.Context(), req)
	recordOutcome(result)

	switch verdict.Kind {
	case VerdictAllow:
		c.Header(HeaderVerified, "true")
		c.Header(HeaderAgentKID, verdict.Agent.Kid)
		c.Header(HeaderAgentJWKS, verdict.Agent.JWKSURL)
		c.JSON(http.StatusOK, result)
	case VerdictRateLimit:
		c.Header("Retry-After", "1")
		c.JSON(http.StatusTooManyRequests, result)
	default:
		c.JSON(verdict.Code.HTTPStatus(), result)
	}
}

// ClearJWKSCache handles POST /cache/jwks/clear.
func (h *Handler) ClearJWKSCache(c *gin.Context) {
	n := h.dirs.Clear()
	h.logger.Info("jwks cache cleared", zap.Int("entries", n))
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

// ClearNonceCache handles POST /cache/nonces/clear.
func (h *Handler) ClearNonceCache(c *gin.Context) {
	n, err := h.nonces.DeleteByPrefix(c.Request.Context(), "nonce:")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "nonce cache unavailable"})
		return
	}
	h.logger.Info("nonce cache cleared", zap.Int("entries", n))
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	kvStatus := "connected"
	if err := h.nonces.Ping(ctx); err != nil {
		kvStatus = "disconnected"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "oba-verifier",
		"redis":   kvStatus,
	})
}

// requireAdmin gates the cache-purge routes behind the admin secret,
// compared through bcrypt so the raw secret never sits in memory longer
// than the request.
func (h *Handler) requireAdmin(c *gin.Context) {
	if len(h.adminSecretHash) == 0 {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin routes disabled"})
		return
	}
	secret := c.GetHeader("X-OBAuth-Admin-Secret")
	if secret == "" || bcrypt.CompareHashAndPassword(h.adminSecretHash, []byte(secret)) != nil {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}
