package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Dispatcher issues administrative commands against the backend. At most one
// command per (entity, action) is in flight; commands are never retried.
type Dispatcher struct {
	backend    Backend
	reconciler *Reconciler
	log        *logrus.Entry

	mu        sync.RWMutex
	observers []func(CommandRecord)
}

func NewDispatcher(backend Backend, reconciler *Reconciler, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = reconciler.log
	}
	return &Dispatcher{
		backend:    backend,
		reconciler: reconciler,
		log:        log,
	}
}

// OnSettled registers fn to receive every settled command record.
func (d *Dispatcher) OnSettled(fn func(CommandRecord)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

func (d *Dispatcher) VerifyPayment(ctx context.Context, paymentID ID, verified bool, notes string) (CommandRecord, *VerifyPaymentResult, error) {
	var result *VerifyPaymentResult
	rec, err := d.dispatch(ctx, EntityRef{Kind: EntityPayment, ID: paymentID}, ActionVerifyPayment, func(ctx context.Context) error {
		res, err := d.backend.VerifyPayment(ctx, VerifyPaymentRequest{
			PaymentID: paymentID,
			Verified:  verified,
			Notes:     notes,
		})
		result = res
		return err
	})
	return rec, result, err
}

func (d *Dispatcher) TriggerTimeout(ctx context.Context, jobID ID) (CommandRecord, error) {
	return d.dispatch(ctx, EntityRef{Kind: EntityJob, ID: jobID}, ActionTriggerTimeout, func(ctx context.Context) error {
		return d.backend.TriggerTimeout(ctx, jobID)
	})
}

func (d *Dispatcher) SkipJob(ctx context.Context, jobID ID) (CommandRecord, error) {
	return d.dispatch(ctx, EntityRef{Kind: EntityJob, ID: jobID}, ActionSkipJob, func(ctx context.Context) error {
		return d.backend.SkipJob(ctx, jobID)
	})
}

func (d *Dispatcher) CancelJob(ctx context.Context, jobID ID) (CommandRecord, error) {
	return d.dispatch(ctx, EntityRef{Kind: EntityJob, ID: jobID}, ActionCancelJob, func(ctx context.Context) error {
		return d.backend.CancelJob(ctx, jobID)
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, target EntityRef, action CommandAction, call func(context.Context) error) (CommandRecord, error) {
	if target.ID == "" {
		return CommandRecord{}, fmt.Errorf("%w: %s requires an id", ErrInvalidCommand, action)
	}

	rec, err := d.reconciler.beginCommand(target, action)
	if err != nil {
		return CommandRecord{}, err
	}

	log := d.log.WithFields(logrus.Fields{
		"command": rec.ID,
		"action":  action,
		"target":  target.String(),
	})
	log.Info("dispatching command")

	// Settled even if the caller goes away. Backend requests carry their own timeout.
	callErr := classifyCommandError(call(context.WithoutCancel(ctx)))
	rec = d.reconciler.settleCommand(rec, callErr)
	d.publish(rec)

	if callErr != nil {
		log.WithError(callErr).Warn("command failed")
		if errors.Is(callErr, ErrAuthExpired) {
			d.reconciler.markAuthExpired(callErr)
		}
		return rec, fmt.Errorf("%s %s: %w", action, target, callErr)
	}

	log.Info("command succeeded")
	if err := d.reconciler.Refresh(context.WithoutCancel(ctx)); err != nil {
		log.WithError(err).Warn("post-command refresh failed")
	}
	return rec, nil
}

func (d *Dispatcher) publish(rec CommandRecord) {
	d.mu.RLock()
	observers := append([]func(CommandRecord){}, d.observers...)
	d.mu.RUnlock()

	for _, fn := range observers {
		fn(rec)
	}
}

func classifyCommandError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrCommandRejected),
		errors.Is(err, ErrAuthExpired),
		errors.Is(err, ErrTransientFetch),
		errors.Is(err, ErrCommandFailed):
		return err
	}
	return fmt.Errorf("%w: %w", ErrCommandFailed, err)
}
