package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

// Gin context keys set by the auth middleware.
const (
	ctxUserID   = "oba.user_id"
	ctxAuthKind = "oba.auth_kind"
	ctxToken    = "oba.token"
)

// Auth mechanisms, as stored under ctxAuthKind.
const (
	authSession = "session"
	authToken   = "token"
)

// sessionCookie is the portal session cookie name.
const sessionCookie = "oba_session"

// TokenAuthenticator resolves raw bearer tokens. Satisfied by
// *service.TokenService.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, raw string) (*model.ApiToken, error)
}

// SessionResolver resolves session cookie values. Satisfied by
// *service.SessionService.
type SessionResolver interface {
	Resolve(ctx context.Context, sessionID uuid.UUID) (*model.User, error)
}

// AuthMiddleware authenticates requests by personal access token or
// session cookie. A Bearer value with the token prefix is decided here:
// on failure this middleware owns the response and never falls through
// to the session path.
type AuthMiddleware struct {
	tokens   TokenAuthenticator
	sessions SessionResolver
	failures *failedAuthLimiter
	logger   *zap.Logger
}

// NewAuthMiddleware creates an AuthMiddleware.
func NewAuthMiddleware(tokens TokenAuthenticator, sessions SessionResolver, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		tokens:   tokens,
		sessions: sessions,
		failures: newFailedAuthLimiter(1, 10),
		logger:   logger,
	}
}

// Authenticate resolves the caller identity without requiring one.
// Unauthenticated requests pass through anonymous.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw, ok := bearerToken(c); ok {
			m.authenticateToken(c, raw)
			return
		}
		m.authenticateSession(c)
		c.Next()
	}
}

// RequireAuth aborts anonymous requests with 401. Mount after
// Authenticate.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := UserID(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Next()
	}
}

// RequireScope aborts token-authenticated requests lacking the scope.
// Session callers hold every scope implicitly.
func (m *AuthMiddleware) RequireScope(scope model.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ctxAuthKind) != authToken {
			c.Next()
			return
		}
		t, ok := c.Get(ctxToken)
		token, isToken := t.(*model.ApiToken)
		if !ok || !isToken || !token.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "token lacks required scope " + string(scope),
			})
			return
		}
		c.Next()
	}
}

// RequireSession aborts token-authenticated requests with 403. Token
// management itself is session-only: a leaked token must not be able to
// mint more tokens.
func (m *AuthMiddleware) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.GetString(ctxAuthKind) {
		case authSession:
			c.Next()
		case authToken:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "this endpoint requires a browser session",
			})
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		}
	}
}

func (m *AuthMiddleware) authenticateToken(c *gin.Context, raw string) {
	token, err := m.tokens.Authenticate(c.Request.Context(), raw)
	if err != nil {
		if !errors.Is(err, service.ErrBadToken) {
			m.logger.Error("token lookup failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication unavailable"})
			return
		}
		RecordAuthFailure("token")
		if m.failures.fail(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many failed authentication attempts"})
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Set(ctxUserID, token.UserID)
	c.Set(ctxAuthKind, authToken)
	c.Set(ctxToken, token)
	c.Next()
}

func (m *AuthMiddleware) authenticateSession(c *gin.Context) {
	if m.sessions == nil {
		return
	}
	value, err := c.Cookie(sessionCookie)
	if err != nil || value == "" {
		return
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return
	}
	user, err := m.sessions.Resolve(c.Request.Context(), id)
	if err != nil {
		if !errors.Is(err, service.ErrNotFound) {
			m.logger.Error("session lookup failed", zap.Error(err))
		}
		return
	}
	c.Set(ctxUserID, user.ID)
	c.Set(ctxAuthKind, authSession)
}

// bearerToken extracts a personal access token from the Authorization
// header. Bearer values without the token prefix are not ours.
func bearerToken(c *gin.Context) (string, bool) {
	h := c.GetHeader("Authorization")
	raw, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || !strings.HasPrefix(raw, model.TokenPrefix) {
		return "", false
	}
	return raw, true
}

// UserID returns the authenticated user's ID, if any.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ctxUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

// mustUserID is for routes behind RequireAuth.
func mustUserID(c *gin.Context) uuid.UUID {
	id, _ := UserID(c)
	return id
}
