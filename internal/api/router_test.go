package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/printconsole/internal/api/middleware"
	"github.com/orrn/printconsole/internal/config"
	"github.com/orrn/printconsole/internal/core"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type emptyBackend struct{}

func (emptyBackend) QueueStatus(ctx context.Context) (*core.QueueSnapshot, error) {
	return &core.QueueSnapshot{}, nil
}

func (emptyBackend) PrintJobs(ctx context.Context, statuses ...core.JobStatus) ([]core.PrintJob, error) {
	return nil, nil
}

func (emptyBackend) PendingPayments(ctx context.Context) ([]core.Payment, error) { return nil, nil }

func (emptyBackend) PrinterStatuses(ctx context.Context) ([]core.PrinterStatus, error) {
	return nil, nil
}

func (emptyBackend) WorkerStatus(ctx context.Context) (*core.WorkerStatus, error) {
	return &core.WorkerStatus{}, nil
}

func (emptyBackend) VerifyPayment(ctx context.Context, req core.VerifyPaymentRequest) (*core.VerifyPaymentResult, error) {
	return &core.VerifyPaymentResult{}, nil
}

func (emptyBackend) TriggerTimeout(ctx context.Context, jobID core.ID) error { return nil }
func (emptyBackend) SkipJob(ctx context.Context, jobID core.ID) error        { return nil }
func (emptyBackend) CancelJob(ctx context.Context, jobID core.ID) error      { return nil }

func TestRouterGuardsConsoleAPI(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	auth, err := middleware.NewAuthMiddleware(config.ConsoleConfig{PasswordHash: string(hash)}, nil, nil)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}

	r := core.NewReconciler(emptyBackend{}, core.Options{})
	router := NewRouter(Deps{
		Reconciler: r,
		Dispatcher: core.NewDispatcher(emptyBackend{}, r, nil),
		Auth:       auth,
	})

	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/api/auth/status", http.StatusOK},
		{http.MethodGet, "/api/view", http.StatusUnauthorized},
		{http.MethodPost, "/api/jobs/1/skip", http.StatusUnauthorized},
		{http.MethodGet, "/api/commands", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
		if w.Code != tc.want {
			t.Fatalf("%s %s: got %d want %d", tc.method, tc.path, w.Code, tc.want)
		}
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"password":"pw"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("login got %d", w.Code)
	}

	view := httptest.NewRequest(http.MethodGet, "/api/view", nil)
	for _, c := range w.Result().Cookies() {
		view.AddCookie(c)
	}
	w = httptest.NewRecorder()
	router.ServeHTTP(w, view)
	if w.Code != http.StatusOK {
		t.Fatalf("view after login got %d", w.Code)
	}
}
