package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/openbotauth/openbotauth/internal/registry/model"
	"github.com/openbotauth/openbotauth/internal/registry/service"
)

// OAuthUserStore is the user surface AuthHandler needs.
type OAuthUserStore interface {
	GetOrCreateFromOAuth(ctx context.Context, provider, providerID, handle, avatarURL string) (*model.User, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
}

// AuthConfig holds the OAuth and cookie settings.
type AuthConfig struct {
	GitHubClientID     string
	GitHubClientSecret string
	RedirectURL        string
	FrontendURL        string
	StateSecret        string // signs the OAuth state JWT
	SecureCookies      bool   // Secure flag on the session cookie
}

// AuthHandler runs the GitHub OAuth login flow and session lifecycle.
// CLI logins ride the same flow: the CLI opens a browser at /auth/cli
// and receives the session on a loopback redirect after the callback.
type AuthHandler struct {
	users    OAuthUserStore
	sessions *service.SessionService
	oauth    *oauth2.Config
	cfg      AuthConfig
	logger   *zap.Logger
}

// NewAuthHandler creates an AuthHandler. OAuth routes are disabled when
// no client credentials are configured.
func NewAuthHandler(users OAuthUserStore, sessions *service.SessionService, cfg AuthConfig, logger *zap.Logger) *AuthHandler {
	h := &AuthHandler{users: users, sessions: sessions, cfg: cfg, logger: logger}
	if cfg.GitHubClientID != "" && cfg.GitHubClientSecret != "" {
		h.oauth = &oauth2.Config{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"read:user"},
			Endpoint:     github.Endpoint,
		}
	}
	return h
}

// Register mounts the auth routes.
func (h *AuthHandler) Register(rg *gin.RouterGroup, auth *AuthMiddleware) {
	g := rg.Group("/auth")
	{
		g.GET("/github", h.Redirect)
		g.GET("/github/callback", h.Callback)
		g.GET("/cli", h.CLI)
		g.GET("/session", auth.Authenticate(), h.Session)
		g.POST("/logout", h.Logout)
	}
}

// stateClaims is the OAuth state JWT payload. CLI logins carry the
// loopback port and the CLI's own anti-forgery state.
type stateClaims struct {
	jwt.RegisteredClaims
	CLIPort  int    `json:"cli_port,omitempty"`
	CLIState string `json:"cli_state,omitempty"`
}

// Redirect handles GET /auth/github.
func (h *AuthHandler) Redirect(c *gin.Context) {
	h.startOAuth(c, 0, "")
}

// CLI handles GET /auth/cli?port=N&state=S: the CLI login entry point.
// After the OAuth callback the browser is redirected to
// http://127.0.0.1:{port}/callback with the session and the echoed state.
func (h *AuthHandler) CLI(c *gin.Context) {
	port, err := strconv.Atoi(c.Query("port"))
	if err != nil || port < 1024 || port > 65535 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "port must be 1024..65535"})
		return
	}
	cliState := c.Query("state")
	if cliState == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state is required"})
		return
	}
	h.startOAuth(c, port, cliState)
}

func (h *AuthHandler) startOAuth(c *gin.Context, cliPort int, cliState string) {
	if h.oauth == nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "OAuth is not configured"})
		return
	}
	now := time.Now()
	claims := stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		},
		CLIPort:  cliPort,
		CLIState: cliState,
	}
	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(h.cfg.StateSecret))
	if err != nil {
		h.logger.Error("sign oauth state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start login"})
		return
	}
	c.Redirect(http.StatusFound, h.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline))
}

// Callback handles GET /auth/github/callback.
func (h *AuthHandler) Callback(c *gin.Context) {
	if h.oauth == nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "OAuth is not configured"})
		return
	}

	claims, err := h.verifyState(c.Query("state"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid OAuth state"})
		return
	}

	code := c.Query("code")
	if code == "" {
		msg := c.Query("error_description")
		if msg == "" {
			msg = c.Query("error")
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "OAuth authorization failed: " + msg})
		return
	}

	tok, err := h.oauth.Exchange(c.Request.Context(), code)
	if err != nil {
		h.logger.Error("oauth code exchange", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "OAuth code exchange failed"})
		return
	}

	providerID, login, avatarURL, err := fetchGitHubUser(c.Request.Context(), tok.AccessToken)
	if err != nil {
		h.logger.Error("fetch github user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch user info"})
		return
	}

	user, created, err := h.users.GetOrCreateFromOAuth(c.Request.Context(), "github", providerID, login, avatarURL)
	if err != nil {
		h.logger.Error("oauth user upsert", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process login"})
		return
	}
	if user.Disabled {
		c.JSON(http.StatusForbidden, gin.H{"error": "account disabled"})
		return
	}
	if created {
		h.logger.Info("new user registered", zap.String("user_id", user.ID.String()))
	}

	sess, err := h.sessions.Login(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("create session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	h.setSessionCookie(c, sess.ID.String(), int(h.sessions.TTL().Seconds()))

	if claims.CLIPort != 0 {
		// Loopback handoff: the CLI's local listener receives the session.
		redirect := fmt.Sprintf("http://127.0.0.1:%d/callback?session=%s&state=%s",
			claims.CLIPort, sess.ID, url.QueryEscape(claims.CLIState))
		c.Redirect(http.StatusFound, redirect)
		return
	}
	c.Redirect(http.StatusFound, h.cfg.FrontendURL+"/dashboard")
}

// Session handles GET /auth/session: the logged-in user, or 401.
func (h *AuthHandler) Session(c *gin.Context) {
	userID, ok := UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not logged in"})
		return
	}
	user, err := h.users.GetByID(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("session user lookup", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// Logout handles POST /auth/logout. Always succeeds.
func (h *AuthHandler) Logout(c *gin.Context) {
	if value, err := c.Cookie(sessionCookie); err == nil {
		if id, err := uuid.Parse(value); err == nil {
			if err := h.sessions.Logout(c.Request.Context(), id); err != nil {
				h.logger.Warn("session delete failed", zap.Error(err))
			}
		}
	}
	h.setSessionCookie(c, "", -1)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func (h *AuthHandler) setSessionCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, value, maxAge, "/", "", h.cfg.SecureCookies, true)
}

func (h *AuthHandler) verifyState(state string) (*stateClaims, error) {
	if state == "" {
		return nil, errors.New("missing state")
	}
	var claims stateClaims
	_, err := jwt.ParseWithClaims(state, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(h.cfg.StateSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

// fetchGitHubUser returns (providerID, login, avatarURL).
func fetchGitHubUser(ctx context.Context, accessToken string) (string, string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.github.com/user", nil)
	if err != nil {
		return "", "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "openbotauth-registry/1.0")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", "", fmt.Errorf("github user api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", "", "", fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", "", "", fmt.Errorf("github user api returned %d", resp.StatusCode)
	}

	var info struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", "", "", fmt.Errorf("parse github user info: %w", err)
	}
	if info.Login == "" {
		return "", "", "", errors.New("github user info missing login")
	}
	return strconv.FormatInt(info.ID, 10), info.Login, info.AvatarURL, nil
}
