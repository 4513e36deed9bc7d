package middleware

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/printconsole/internal/config"
	"github.com/orrn/printconsole/internal/db"
	"github.com/orrn/printconsole/internal/logging"
)

const (
	cookieName = "printconsole_auth"
	issuer     = "printconsole"
)

type Claims struct {
	jwt.RegisteredClaims
	Authenticated bool `json:"authenticated"`
}

type AuthMiddleware struct {
	passwordHash  []byte
	secret        []byte
	tokenDuration time.Duration
	audit         *db.AuditOperations
	log           *logrus.Entry
}

type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type StatusResponse struct {
	Authenticated bool `json:"authenticated"`
	AuthRequired  bool `json:"auth_required"`
}

// NewAuthMiddleware guards the console API with the bcrypt password hash from
// cfg. Without a session secret a random one is generated, so cookies do not
// survive a restart. audit may be nil.
func NewAuthMiddleware(cfg config.ConsoleConfig, audit *db.AuditOperations, log *logrus.Entry) (*AuthMiddleware, error) {
	if log == nil {
		log = logging.Discard()
	}
	a := &AuthMiddleware{
		passwordHash:  []byte(cfg.PasswordHash),
		secret:        []byte(cfg.SessionSecret),
		tokenDuration: cfg.TokenDuration,
		audit:         audit,
		log:           log,
	}
	if a.tokenDuration <= 0 {
		a.tokenDuration = 12 * time.Hour
	}
	if len(a.secret) == 0 {
		a.secret = make([]byte, 32)
		if _, err := rand.Read(a.secret); err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
	}
	if !a.Enabled() {
		log.Warn("console password not configured, API is unauthenticated")
	}
	return a, nil
}

func (a *AuthMiddleware) Enabled() bool {
	return len(a.passwordHash) > 0
}

func (a *AuthMiddleware) generateToken() (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenDuration)),
			Issuer:    issuer,
		},
		Authenticated: true,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

func (a *AuthMiddleware) getTokenFromRequest(c *gin.Context) string {
	if cookie, err := c.Cookie(cookieName); err == nil && cookie != "" {
		return cookie
	}

	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}

func (a *AuthMiddleware) setAuthCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(cookieName, token, int(a.tokenDuration.Seconds()), "/", "", c.Request.TLS != nil, true)
}

func (a *AuthMiddleware) clearAuthCookie(c *gin.Context) {
	c.SetCookie(cookieName, "", -1, "/", "", c.Request.TLS != nil, true)
}

func (a *AuthMiddleware) record(c *gin.Context, action string) {
	if a.audit == nil {
		return
	}
	entry := &db.AuditLog{
		Action:     action,
		EntityType: "console_session",
		IPAddress:  c.ClientIP(),
	}
	if err := a.audit.CreateAuditLog(c.Request.Context(), entry); err != nil {
		a.log.WithError(err).WithField("action", action).Warn("failed to write audit log")
	}
}

func (a *AuthMiddleware) LoginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, LoginResponse{Success: false, Message: "Invalid request"})
		return
	}

	if !a.Enabled() {
		c.JSON(http.StatusOK, LoginResponse{Success: true, Message: "Authentication disabled"})
		return
	}

	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(req.Password)); err != nil {
		a.record(c, "login_failed")
		c.JSON(http.StatusUnauthorized, LoginResponse{Success: false, Message: "Invalid password"})
		return
	}

	token, err := a.generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, LoginResponse{Success: false, Message: "Failed to generate token"})
		return
	}

	a.record(c, "login")
	a.setAuthCookie(c, token)
	c.JSON(http.StatusOK, LoginResponse{Success: true})
}

func (a *AuthMiddleware) LogoutHandler(c *gin.Context) {
	a.record(c, "logout")
	a.clearAuthCookie(c)
	c.JSON(http.StatusOK, LoginResponse{Success: true, Message: "Logged out"})
}

func (a *AuthMiddleware) StatusHandler(c *gin.Context) {
	if !a.Enabled() {
		c.JSON(http.StatusOK, StatusResponse{Authenticated: true, AuthRequired: false})
		return
	}

	token := a.getTokenFromRequest(c)
	if token == "" {
		c.JSON(http.StatusOK, StatusResponse{Authenticated: false, AuthRequired: true})
		return
	}

	claims, err := a.validateToken(token)
	c.JSON(http.StatusOK, StatusResponse{
		Authenticated: err == nil && claims.Authenticated,
		AuthRequired:  true,
	})
}

func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Set("authenticated", true)
			c.Next()
			return
		}

		token := a.getTokenFromRequest(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		claims, err := a.validateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		if !claims.Authenticated {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
			return
		}

		c.Set("authenticated", true)
		c.Set("claims", claims)
		c.Next()
	}
}

func (a *AuthMiddleware) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/login", a.LoginHandler)
	r.POST("/logout", a.LogoutHandler)
	r.GET("/auth/status", a.StatusHandler)
}
