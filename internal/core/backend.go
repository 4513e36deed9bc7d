package core

import "context"

// Backend is the print service API the console reads from and issues
// commands against. Implementations report failures using the package
// sentinels so callers can classify them with errors.Is.
type Backend interface {
	QueueStatus(ctx context.Context) (*QueueSnapshot, error)
	PrintJobs(ctx context.Context, statuses ...JobStatus) ([]PrintJob, error)
	PendingPayments(ctx context.Context) ([]Payment, error)
	PrinterStatuses(ctx context.Context) ([]PrinterStatus, error)
	WorkerStatus(ctx context.Context) (*WorkerStatus, error)

	VerifyPayment(ctx context.Context, req VerifyPaymentRequest) (*VerifyPaymentResult, error)
	TriggerTimeout(ctx context.Context, jobID ID) error
	SkipJob(ctx context.Context, jobID ID) error
	CancelJob(ctx context.Context, jobID ID) error
}
