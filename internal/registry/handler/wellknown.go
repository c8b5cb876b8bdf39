package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/directory"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

// jwksCacheControl lets verifiers serve slightly stale key sets while
// they revalidate in the background.
const jwksCacheControl = "public, max-age=3600, stale-while-revalidate=300"

// CAProvider exposes the CA certificate for the well-known endpoint.
// Satisfied by *ca.Manager.
type CAProvider interface {
	Ready() bool
	CertPEM() []byte
}

// WellKnownHandler serves the public discovery surface: per-user
// signature-agent directories, per-agent JWKS and cards, and the CA
// certificate.
type WellKnownHandler struct {
	svc    *service.DirectoryService
	ca     CAProvider // nil means no CA configured
	logger *zap.Logger
}

// NewWellKnownHandler creates a WellKnownHandler. ca may be nil.
func NewWellKnownHandler(svc *service.DirectoryService, ca CAProvider, logger *zap.Logger) *WellKnownHandler {
	return &WellKnownHandler{svc: svc, ca: ca, logger: logger}
}

// Register mounts the public discovery routes. The agent-card route
// also accepts an authenticated session in place of a query selector.
func (h *WellKnownHandler) Register(rg *gin.RouterGroup, auth *AuthMiddleware) {
	rg.GET("/jwks/:file", h.UserDirectory)
	rg.GET("/agent-jwks/*agent_id", h.AgentJWKS)
	rg.GET("/.well-known/signature-agent-card", auth.Authenticate(), h.AgentCard)
	rg.GET("/.well-known/ca.pem", h.CACert)
}

// UserDirectory handles GET /jwks/{username}.json: the signature-agent
// directory document resolved from Signature-Agent headers.
func (h *WellKnownHandler) UserDirectory(c *gin.Context) {
	username, ok := strings.CutSuffix(c.Param("file"), ".json")
	if !ok || username == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	doc, err := h.svc.BuildDirectory(c.Request.Context(), username)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no directory for this user"})
			return
		}
		h.logger.Error("build directory", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "directory unavailable"})
		return
	}

	c.Header("Cache-Control", jwksCacheControl)
	c.Header("Content-Type", directory.MediaType)
	c.JSON(http.StatusOK, doc)
}

// AgentJWKS handles GET /agent-jwks/{oba_agent_id}: the single-key JWKS
// for one agent.
func (h *WellKnownHandler) AgentJWKS(c *gin.Context) {
	agentID := strings.TrimPrefix(c.Param("agent_id"), "/")
	set, err := h.svc.AgentJWKS(c.Request.Context(), agentID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		h.logger.Error("agent jwks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "jwks unavailable"})
		return
	}
	c.Header("Cache-Control", jwksCacheControl)
	c.JSON(http.StatusOK, set)
}

// AgentCard handles GET /.well-known/signature-agent-card, selected by
// the agent_id or username query, or by the caller's own session.
func (h *WellKnownHandler) AgentCard(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		card *service.AgentCard
		err  error
	)
	switch {
	case c.Query("agent_id") != "":
		card, err = h.svc.BuildAgentCard(ctx, c.Query("agent_id"))
	case c.Query("username") != "":
		card, err = h.svc.BuildUserCard(ctx, c.Query("username"))
	default:
		userID, ok := UserID(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id or username required"})
			return
		}
		card, err = h.svc.BuildUserCardByID(ctx, userID)
	}
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no card for this identity"})
			return
		}
		h.logger.Error("agent card", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "card unavailable"})
		return
	}
	c.Header("Cache-Control", jwksCacheControl)
	c.JSON(http.StatusOK, card)
}

// CACert handles GET /.well-known/ca.pem. A deployment without a CA
// answers 501 so clients can distinguish "no CA" from "no such route".
func (h *WellKnownHandler) CACert(c *gin.Context) {
	if h.ca == nil || !h.ca.Ready() {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "certificate authority not configured"})
		return
	}
	c.Data(http.StatusOK, "application/x-pem-file", h.ca.CertPEM())
}
