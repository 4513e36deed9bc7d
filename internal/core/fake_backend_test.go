package core

import (
	"context"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu sync.Mutex

	queue    *QueueSnapshot
	jobs     []PrintJob
	payments []Payment
	printers []PrinterStatus
	workers  *WorkerStatus
	queueErr error

	// queueGate, when set, holds every queue fetch until a value is received.
	queueGate    chan struct{}
	queueStarted chan struct{}

	queueCalls   int
	printerCalls int
	workerCalls  int
	commandCalls map[CommandAction]int

	// commandGate, when set, holds every command until a value is received.
	commandGate    chan struct{}
	commandStarted chan struct{}
	commandErr     error
	afterCommand   func(b *fakeBackend)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		queue:        &QueueSnapshot{},
		commandCalls: make(map[CommandAction]int),
	}
}

func (b *fakeBackend) setQueue(q *QueueSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = q
}

func (b *fakeBackend) setPayments(p []Payment) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payments = p
}

func (b *fakeBackend) setQueueErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queueErr = err
}

func (b *fakeBackend) pulls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queueCalls
}

func (b *fakeBackend) calls(action CommandAction) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commandCalls[action]
}

func (b *fakeBackend) QueueStatus(ctx context.Context) (*QueueSnapshot, error) {
	b.mu.Lock()
	gate := b.queueGate
	started := b.queueStarted
	b.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.queueCalls++
	if b.queueErr != nil {
		return nil, b.queueErr
	}
	q := *b.queue
	q.WaitingJobs = append([]PrintJob(nil), b.queue.WaitingJobs...)
	return &q, nil
}

func (b *fakeBackend) PrintJobs(ctx context.Context, statuses ...JobStatus) ([]PrintJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PrintJob(nil), b.jobs...), nil
}

func (b *fakeBackend) PendingPayments(ctx context.Context) ([]Payment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Payment(nil), b.payments...), nil
}

func (b *fakeBackend) PrinterStatuses(ctx context.Context) ([]PrinterStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.printerCalls++
	return append([]PrinterStatus(nil), b.printers...), nil
}

func (b *fakeBackend) WorkerStatus(ctx context.Context) (*WorkerStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workerCalls++
	if b.workers == nil {
		return &WorkerStatus{}, nil
	}
	w := *b.workers
	return &w, nil
}

func (b *fakeBackend) command(ctx context.Context, action CommandAction) error {
	b.mu.Lock()
	b.commandCalls[action]++
	gate := b.commandGate
	started := b.commandStarted
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

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.afterCommand != nil {
		b.afterCommand(b)
	}
	return b.commandErr
}

func (b *fakeBackend) VerifyPayment(ctx context.Context, req VerifyPaymentRequest) (*VerifyPaymentResult, error) {
	if err := b.command(ctx, ActionVerifyPayment); err != nil {
		return nil, err
	}
	return &VerifyPaymentResult{UPID: "AB12", QueuePosition: 1}, nil
}

func (b *fakeBackend) TriggerTimeout(ctx context.Context, jobID ID) error {
	return b.command(ctx, ActionTriggerTimeout)
}

func (b *fakeBackend) SkipJob(ctx context.Context, jobID ID) error {
	return b.command(ctx, ActionSkipJob)
}

func (b *fakeBackend) CancelJob(ctx context.Context, jobID ID) error {
	return b.command(ctx, ActionCancelJob)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func job(id ID, upid string, status JobStatus, pos int, updated time.Time) PrintJob {
	return PrintJob{
		ID:            id,
		UPID:          upid,
		Status:        status,
		QueuePosition: pos,
		Copies:        1,
		CreatedAt:     t0,
		UpdatedAt:     updated,
	}
}

func findJob(s State, id ID) (PrintJob, bool) {
	for _, j := range s.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return PrintJob{}, false
}
