package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printconsole/internal/core"
	"github.com/orrn/printconsole/internal/db"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type stubBackend struct {
	mu         sync.Mutex
	queue      *core.QueueSnapshot
	payments   []core.Payment
	queueErr   error
	commandErr error
	gate       chan struct{}
	started    chan struct{}
	calls      map[string]int
}

func newStubBackend() *stubBackend {
	return &stubBackend{queue: &core.QueueSnapshot{}, calls: make(map[string]int)}
}

func (b *stubBackend) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

func (b *stubBackend) QueueStatus(ctx context.Context) (*core.QueueSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queueErr != nil {
		return nil, b.queueErr
	}
	q := *b.queue
	return &q, nil
}

func (b *stubBackend) PrintJobs(ctx context.Context, statuses ...core.JobStatus) ([]core.PrintJob, error) {
	return nil, nil
}

func (b *stubBackend) PendingPayments(ctx context.Context) ([]core.Payment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.Payment(nil), b.payments...), nil
}

func (b *stubBackend) PrinterStatuses(ctx context.Context) ([]core.PrinterStatus, error) {
	return nil, nil
}

func (b *stubBackend) WorkerStatus(ctx context.Context) (*core.WorkerStatus, error) {
	return &core.WorkerStatus{}, nil
}

func (b *stubBackend) command(ctx context.Context, name string) error {
	b.mu.Lock()
	b.calls[name]++
	gate, started, err := b.gate, b.started, b.commandErr
	b.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (b *stubBackend) VerifyPayment(ctx context.Context, req core.VerifyPaymentRequest) (*core.VerifyPaymentResult, error) {
	if err := b.command(ctx, "verify"); err != nil {
		return nil, err
	}
	return &core.VerifyPaymentResult{UPID: "AB12", QueuePosition: 2}, nil
}

func (b *stubBackend) TriggerTimeout(ctx context.Context, jobID core.ID) error {
	return b.command(ctx, "timeout")
}

func (b *stubBackend) SkipJob(ctx context.Context, jobID core.ID) error {
	return b.command(ctx, "skip")
}

func (b *stubBackend) CancelJob(ctx context.Context, jobID core.ID) error {
	return b.command(ctx, "cancel")
}

type fixture struct {
	backend    *stubBackend
	reconciler *core.Reconciler
	dispatcher *core.Dispatcher
	journal    *db.Journal
	router     *gin.Engine
}

func newFixture(t *testing.T, withJournal bool) *fixture {
	t.Helper()
	f := &fixture{backend: newStubBackend()}
	f.reconciler = core.NewReconciler(f.backend, core.Options{AverageJobDuration: 2 * time.Minute})
	f.dispatcher = core.NewDispatcher(f.backend, f.reconciler, nil)

	if withJournal {
		conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "console.db")})
		if err != nil {
			t.Fatalf("open db: %v", err)
		}
		t.Cleanup(func() { conn.Close() })
		f.journal = db.NewJournal(conn)
		f.dispatcher.OnSettled(func(rec core.CommandRecord) {
			if err := f.journal.Commands.RecordCommand(context.Background(), rec); err != nil {
				t.Errorf("record command: %v", err)
			}
		})
	}

	f.router = gin.New()
	api := f.router.Group("/api")
	NewViewHandler(f.reconciler, nil).RegisterRoutes(api)
	NewCommandHandler(f.dispatcher, f.reconciler, f.journal, nil).RegisterRoutes(api)
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestGetViewAfterRefresh(t *testing.T) {
	f := newFixture(t, false)
	f.backend.queue = &core.QueueSnapshot{
		CurrentJob: &core.PrintJob{ID: "1", UPID: "AB12", Status: core.JobStatusPrinting, UpdatedAt: t0},
		WaitingJobs: []core.PrintJob{
			{ID: "2", UPID: "CD34", Status: core.JobStatusQueued, QueuePosition: 2, UpdatedAt: t0},
		},
		UpdatedAt: t0,
	}

	w := f.do(http.MethodPost, "/api/refresh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("refresh got %d: %s", w.Code, w.Body.String())
	}

	w = f.do(http.MethodGet, "/api/view", "")
	if w.Code != http.StatusOK {
		t.Fatalf("view got %d", w.Code)
	}
	var view core.View
	decode(t, w, &view)
	if view.CurrentJob == nil || view.CurrentJob.UPID != "AB12" || !view.CurrentJob.NowPrinting {
		t.Fatalf("current job = %+v", view.CurrentJob)
	}
	if len(view.WaitingJobs) != 1 || view.WaitingJobs[0].EstimatedWaitSeconds != 120 {
		t.Fatalf("waiting jobs = %+v", view.WaitingJobs)
	}
	if view.TotalJobs != 2 {
		t.Fatalf("total jobs = %d", view.TotalJobs)
	}
}

func TestRefreshFailureMapsToBadGateway(t *testing.T) {
	f := newFixture(t, false)
	f.backend.queueErr = fmt.Errorf("%w: connection refused", core.ErrTransientFetch)

	w := f.do(http.MethodPost, "/api/refresh", "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("got %d", w.Code)
	}
}

func TestJobCommandSucceeds(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(http.MethodPost, "/api/jobs/42/skip", "")
	if w.Code != http.StatusOK {
		t.Fatalf("skip got %d: %s", w.Code, w.Body.String())
	}
	var resp CommandResponse
	decode(t, w, &resp)
	if resp.Command.State != core.CommandSucceeded || resp.Command.Target.ID != "42" {
		t.Fatalf("command = %+v", resp.Command)
	}
	if f.backend.count("skip") != 1 {
		t.Fatalf("expected one backend call, got %d", f.backend.count("skip"))
	}

	w = f.do(http.MethodGet, "/api/commands?entity_type=job", "")
	var list struct {
		Commands []db.CommandEntry `json:"commands"`
		Counts   map[string]int64  `json:"counts"`
		Source   string            `json:"source"`
	}
	decode(t, w, &list)
	if list.Source != "journal" || len(list.Commands) != 1 || list.Commands[0].State != "succeeded" {
		t.Fatalf("journal listing = %+v", list)
	}
	if list.Counts["succeeded"] != 1 || len(list.Counts) != 1 {
		t.Fatalf("journal counts = %+v", list.Counts)
	}

	logs, err := f.journal.Audit.ListAuditLogs(context.Background(), db.AuditFilter{Action: "skip_job"}, 10, 0)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(logs) != 1 || logs[0].EntityID != "42" {
		t.Fatalf("audit logs = %+v", logs)
	}
}

func TestCommandErrorStatuses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"rejected", fmt.Errorf("%w: job not in queue", core.ErrCommandRejected), http.StatusUnprocessableEntity},
		{"auth", fmt.Errorf("%w: 401", core.ErrAuthExpired), http.StatusUnauthorized},
		{"transient", fmt.Errorf("%w: timeout", core.ErrTransientFetch), http.StatusBadGateway},
		{"unknown", fmt.Errorf("boom"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, false)
			f.backend.commandErr = tc.err

			w := f.do(http.MethodPost, "/api/jobs/7/cancel", "")
			if w.Code != tc.want {
				t.Fatalf("got %d want %d: %s", w.Code, tc.want, w.Body.String())
			}
			var body struct {
				Error   string             `json:"error"`
				Command core.CommandRecord `json:"command"`
			}
			decode(t, w, &body)
			if body.Error == "" || body.Command.State != core.CommandFailed {
				t.Fatalf("body = %+v", body)
			}
		})
	}
}

func TestDuplicateCommandConflict(t *testing.T) {
	f := newFixture(t, false)
	f.backend.gate = make(chan struct{})
	f.backend.started = make(chan struct{}, 1)

	first := make(chan int, 1)
	go func() {
		first <- f.do(http.MethodPost, "/api/jobs/9/timeout", "").Code
	}()
	<-f.backend.started

	w := f.do(http.MethodPost, "/api/jobs/9/timeout", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate got %d", w.Code)
	}

	close(f.backend.gate)
	if code := <-first; code != http.StatusOK {
		t.Fatalf("first command got %d", code)
	}
	if n := f.backend.count("timeout"); n != 1 {
		t.Fatalf("expected one network call, got %d", n)
	}
}

func TestVerifyPayment(t *testing.T) {
	f := newFixture(t, false)

	if w := f.do(http.MethodPost, "/api/payments/5/verify", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing verified got %d", w.Code)
	}

	w := f.do(http.MethodPost, "/api/payments/5/verify", `{"verified":true,"notes":"cash"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("verify got %d: %s", w.Code, w.Body.String())
	}
	var resp CommandResponse
	decode(t, w, &resp)
	if resp.Result == nil || resp.Result.UPID != "AB12" {
		t.Fatalf("result = %+v", resp.Result)
	}

	w = f.do(http.MethodGet, "/api/commands", "")
	var list struct {
		Commands []core.CommandRecord `json:"commands"`
		Source   string               `json:"source"`
	}
	decode(t, w, &list)
	if list.Source != "memory" || len(list.Commands) != 1 || list.Commands[0].Action != core.ActionVerifyPayment {
		t.Fatalf("memory listing = %+v", list)
	}
}

func TestStreamSendsInitialAndUpdatedViews(t *testing.T) {
	f := newFixture(t, false)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/view/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	events := make(chan core.View, 4)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var v core.View
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &v) == nil {
				events <- v
			}
		}
		close(events)
	}()

	next := func() core.View {
		select {
		case v, ok := <-events:
			if !ok {
				t.Fatalf("stream closed")
			}
			return v
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for stream event")
		}
		return core.View{}
	}

	initial := next()
	if initial.CurrentJob != nil {
		t.Fatalf("initial view should be empty: %+v", initial)
	}

	f.backend.mu.Lock()
	f.backend.queue = &core.QueueSnapshot{
		CurrentJob: &core.PrintJob{ID: "1", UPID: "AB12", Status: core.JobStatusPrinting, UpdatedAt: t0},
		UpdatedAt:  t0,
	}
	f.backend.mu.Unlock()
	if err := f.reconciler.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	for {
		v := next()
		if v.CurrentJob != nil && v.CurrentJob.UPID == "AB12" {
			break
		}
	}
}

type connState bool

func (c connState) Connected() bool { return bool(c) }

func TestHealthReportsDegradedChannel(t *testing.T) {
	f := newFixture(t, false)
	r := gin.New()
	NewHealthHandler(f.reconciler, connState(false), nil).RegisterRoutes(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health got %d", w.Code)
	}
	var resp HealthResponse
	decode(t, w, &resp)
	if resp.Status != "degraded" || resp.ChannelConnected || !resp.Authenticated {
		t.Fatalf("health = %+v", resp)
	}
}
