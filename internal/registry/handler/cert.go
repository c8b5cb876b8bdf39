package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

// CertHandler handles certificate issuance, revocation, and status.
type CertHandler struct {
	svc    *service.CertService
	logger *zap.Logger
}

// NewCertHandler creates a CertHandler.
func NewCertHandler(svc *service.CertService, logger *zap.Logger) *CertHandler {
	return &CertHandler{svc: svc, logger: logger}
}

// Register mounts the certificate routes. Status by fingerprint is
// public; everything else requires authentication.
func (h *CertHandler) Register(rg *gin.RouterGroup, auth *AuthMiddleware) {
	g := rg.Group("/v1/certs")
	{
		g.GET("/public-status", h.PublicStatus)

		owned := g.Group("", auth.Authenticate(), auth.RequireAuth())
		{
			owned.POST("/issue", auth.RequireScope(model.ScopeAgentsWrite), h.Issue)
			owned.POST("/revoke", auth.RequireScope(model.ScopeAgentsWrite), h.Revoke)
			owned.GET("", auth.RequireScope(model.ScopeKeysRead), h.List)
			owned.GET("/status", auth.RequireScope(model.ScopeKeysRead), h.Status)
			owned.GET("/:serial", auth.RequireScope(model.ScopeKeysRead), h.Get)
		}
	}
}

// Issue handles POST /v1/certs/issue.
func (h *CertHandler) Issue(c *gin.Context) {
	var in service.IssueInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cert, err := h.svc.Issue(c.Request.Context(), mustUserID(c), in)
	if err != nil {
		h.respondIssueErr(c, err)
		return
	}
	RecordCertIssued()
	c.JSON(http.StatusCreated, cert)
}

func (h *CertHandler) respondIssueErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrCANotReady):
		c.JSON(http.StatusNotImplemented, gin.H{"error": "certificate authority not configured"})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
	case errors.Is(err, service.ErrPopInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": "proof of possession rejected"})
	case errors.Is(err, service.ErrPopReplay):
		c.JSON(http.StatusForbidden, gin.H{"error": "proof of possession replay"})
	case errors.Is(err, service.ErrIssueCap):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "daily issuance cap reached"})
	case errors.Is(err, service.ErrActiveCap):
		c.JSON(http.StatusConflict, gin.H{"error": "active certificate cap reached for this key"})
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("issue certificate", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issuance failed"})
	}
}

// Revoke handles POST /v1/certs/revoke.
func (h *CertHandler) Revoke(c *gin.Context) {
	var in service.RevokeInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.svc.Revoke(c.Request.Context(), mustUserID(c), in)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "no matching certificate"})
		case errors.Is(err, service.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("revoke certificate", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "revocation failed"})
		}
		return
	}
	RecordCertRevoked(result.Revoked)
	c.JSON(http.StatusOK, result)
}

// List handles GET /v1/certs.
func (h *CertHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	certs, err := h.svc.List(c.Request.Context(), mustUserID(c), limit, offset)
	if err != nil {
		h.logger.Error("list certificates", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	if certs == nil {
		certs = []*model.AgentCertificate{}
	}
	c.JSON(http.StatusOK, gin.H{"certificates": certs})
}

// Get handles GET /v1/certs/:serial.
func (h *CertHandler) Get(c *gin.Context) {
	cert, err := h.svc.Get(c.Request.Context(), mustUserID(c), c.Param("serial"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "certificate not found"})
			return
		}
		h.logger.Error("get certificate", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, cert)
}

// Status handles GET /v1/certs/status: the owner's view of one
// certificate, selected by serial or fingerprint_sha256.
func (h *CertHandler) Status(c *gin.Context) {
	cert, err := h.svc.GetOwned(c.Request.Context(), mustUserID(c),
		c.Query("serial"), c.Query("fingerprint_sha256"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "certificate not found"})
		default:
			h.logger.Error("certificate status", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		}
		return
	}
	now := time.Now()
	c.JSON(http.StatusOK, gin.H{
		"serial":             cert.Serial,
		"fingerprint_sha256": cert.FingerprintSHA256,
		"valid":              cert.Active(now),
		"revoked":            cert.RevokedAt != nil,
		"revoked_at":         cert.RevokedAt,
		"revoked_reason":     cert.RevokedReason,
		"not_before":         cert.NotBefore,
		"not_after":          cert.NotAfter,
	})
}

// PublicStatus handles GET /v1/certs/public-status?fingerprint_sha256=F.
// Unauthenticated; fingerprint only.
func (h *CertHandler) PublicStatus(c *gin.Context) {
	status, err := h.svc.PublicStatus(c.Request.Context(), c.Query("fingerprint_sha256"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed fingerprint"})
		case errors.Is(err, service.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "certificate not found"})
		default:
			h.logger.Error("certificate status", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		}
		return
	}
	c.JSON(http.StatusOK, status)
}
