package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/printconsole/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T, cfg config.ConsoleConfig) (*gin.Engine, *AuthMiddleware) {
	t.Helper()
	a, err := NewAuthMiddleware(cfg, nil, nil)
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	r := gin.New()
	a.RegisterRoutes(r.Group("/api"))
	r.GET("/api/secret", a.RequireAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r, a
}

func hash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return string(h)
}

func do(r http.Handler, method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLoginIssuesCookieAccepted(t *testing.T) {
	r, _ := newRouter(t, config.ConsoleConfig{PasswordHash: hash(t, "letmein"), TokenDuration: time.Hour})

	if w := do(r, http.MethodGet, "/api/secret", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request got %d", w.Code)
	}

	if w := do(r, http.MethodPost, "/api/login", `{"password":"wrong"}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password got %d", w.Code)
	}

	w := do(r, http.MethodPost, "/api/login", `{"password":"letmein"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login got %d: %s", w.Code, w.Body.String())
	}
	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == cookieName {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" || !cookie.HttpOnly {
		t.Fatalf("auth cookie not set: %+v", w.Result().Cookies())
	}

	if w := do(r, http.MethodGet, "/api/secret", "", cookie); w.Code != http.StatusOK {
		t.Fatalf("authenticated request got %d", w.Code)
	}
}

func TestBearerHeaderAndForeignSecret(t *testing.T) {
	cfg := config.ConsoleConfig{PasswordHash: hash(t, "pw"), SessionSecret: "one"}
	r, a := newRouter(t, cfg)
	token, err := a.generateToken()
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/secret", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("bearer request got %d", w.Code)
	}

	other, _ := newRouter(t, config.ConsoleConfig{PasswordHash: cfg.PasswordHash, SessionSecret: "two"})
	w = httptest.NewRecorder()
	other.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("token signed with another secret got %d", w.Code)
	}
}

func TestDisabledWithoutPasswordHash(t *testing.T) {
	r, a := newRouter(t, config.ConsoleConfig{})
	if a.Enabled() {
		t.Fatalf("auth should be disabled")
	}
	if w := do(r, http.MethodGet, "/api/secret", ""); w.Code != http.StatusOK {
		t.Fatalf("open API got %d", w.Code)
	}
	w := do(r, http.MethodGet, "/api/auth/status", "")
	if !strings.Contains(w.Body.String(), `"auth_required":false`) {
		t.Fatalf("status = %s", w.Body.String())
	}
}
