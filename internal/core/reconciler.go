package core

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

type Options struct {
	RefreshDebounce    time.Duration
	StaleAfterFailures int
	AverageJobDuration time.Duration
	RecentCommands     int
	Clock              clockwork.Clock
	Logger             *logrus.Entry

	OnStale       func(Health)
	OnRecovered   func(Health)
	OnAuthExpired func(error)
}

type Health struct {
	Connected           bool       `json:"connected"`
	Stale               bool       `json:"stale"`
	AuthExpired         bool       `json:"authExpired"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastError           string     `json:"lastError,omitempty"`
	ChannelError        string     `json:"channelError,omitempty"`
	LastSyncAt          *time.Time `json:"lastSyncAt,omitempty"`
}

// State is a detached copy of everything the reconciler currently believes.
type State struct {
	Jobs     []PrintJob
	Payments []Payment
	Printers []PrinterStatus
	Workers  *WorkerStatus
	Pending  []CommandRecord
	Recent   []CommandRecord
	Health   Health
	Version  uint64
}

// entity is the per-id record of the arena. applied is the recency
// timestamp of the last accepted fact; for a removed entity it doubles as
// the tombstone. observed is the observation point of that fact: the issue
// order of a pull or the arrival order of a push.
type entity struct {
	ref      EntityRef
	job      *PrintJob
	payment  *Payment
	applied  time.Time
	observed uint64
	removed  bool
	untimed  bool
	settled  bool
	fence    uint64
	buffered *fact
}

type fact struct {
	ref     EntityRef
	job     *PrintJob
	payment *Payment
	removal bool
	at      time.Time
	seq     uint64
	obs     uint64
}

type pull struct {
	seq      uint64
	obs      uint64
	queue    *QueueSnapshot
	jobs     []PrintJob
	payments []Payment
}

type Reconciler struct {
	backend Backend
	opts    Options
	clock   clockwork.Clock
	log     *logrus.Entry

	mu              sync.RWMutex
	entities        map[EntityRef]*entity
	printers        map[string]*PrinterStatus
	workers         *WorkerStatus
	pending         map[commandKey]*CommandRecord
	pendingByEntity map[EntityRef]int
	recent          []CommandRecord
	health          Health
	issuedSeq       uint64
	appliedSeq      uint64
	observeSeq      uint64
	version         uint64
	debounce        clockwork.Timer
	baseCtx         context.Context

	subMu   sync.Mutex
	subs    map[int]chan uint64
	nextSub int

	wg sync.WaitGroup
}

func NewReconciler(backend Backend, opts Options) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		opts.Logger = logrus.NewEntry(l)
	}
	if opts.StaleAfterFailures < 1 {
		opts.StaleAfterFailures = 3
	}
	if opts.RefreshDebounce < 0 {
		opts.RefreshDebounce = 0
	}
	if opts.RecentCommands <= 0 {
		opts.RecentCommands = 50
	}

	return &Reconciler{
		backend:         backend,
		opts:            opts,
		clock:           opts.Clock,
		log:             opts.Logger,
		entities:        make(map[EntityRef]*entity),
		printers:        make(map[string]*PrinterStatus),
		pending:         make(map[commandKey]*CommandRecord),
		pendingByEntity: make(map[EntityRef]int),
		baseCtx:         context.Background(),
		subs:            make(map[int]chan uint64),
	}
}

// Run consumes channel events until ctx is cancelled or events is closed.
// Debounced refreshes scheduled by events run against ctx.
func (r *Reconciler) Run(ctx context.Context, events <-chan ChannelEvent) error {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.debounce != nil {
			r.debounce.Stop()
			r.debounce = nil
		}
		r.mu.Unlock()
		r.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.HandleEvent(ctx, ev)
		}
	}
}

func (r *Reconciler) HandleEvent(ctx context.Context, ev ChannelEvent) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = r.clock.Now()
	}

	switch ev.Type {
	case EventConnected:
		r.updateHealth(func(h *Health) {
			h.Connected = true
			h.ChannelError = ""
		})
		r.log.Info("push channel connected, forcing full pull")
		r.refreshAsync(ctx)

	case EventDisconnected:
		r.updateHealth(func(h *Health) {
			h.Connected = false
			if ev.Err != nil {
				h.ChannelError = ev.Err.Error()
			}
		})
		r.log.Warn("push channel disconnected, running poll-only")

	case EventAuthError:
		err := ev.Err
		if err == nil {
			err = ErrAuthExpired
		}
		r.updateHealth(func(h *Health) {
			h.Connected = false
			h.ChannelError = err.Error()
		})
		r.markAuthExpired(err)

	case EventConnectionSuccess:
		r.log.Debug("push channel authenticated")

	case EventError:
		r.updateHealth(func(h *Health) {
			h.ChannelError = ev.Message
		})
		r.log.WithField("message", ev.Message).Warn("push channel reported an error")

	case EventQueueStatus:
		if ev.Queue != nil {
			r.applyPushSnapshot(ev.Queue)
		}

	case EventQueueUpdate, EventPaymentVerified:
		r.RequestRefresh()

	case EventPrinterStatusUpdate:
		r.mergePrinterUpdate(ev.PrinterID, ev.PrinterStatus, ev.ReceivedAt)

	default:
		r.log.WithField("event", ev.Type).Debug("ignoring unknown channel event")
	}
}

// RequestRefresh schedules a pull at the end of the current debounce
// window. Requests arriving while a window is open collapse into it.
func (r *Reconciler) RequestRefresh() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.debounce != nil {
		return
	}
	r.debounce = r.clock.AfterFunc(r.opts.RefreshDebounce, r.fireRefresh)
}

func (r *Reconciler) fireRefresh() {
	r.mu.Lock()
	r.debounce = nil
	ctx := r.baseCtx
	r.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if err := r.Refresh(ctx); err != nil {
		r.log.WithError(err).Warn("debounced refresh failed")
	}
}

func (r *Reconciler) refreshAsync(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Refresh(ctx); err != nil {
			r.log.WithError(err).Warn("forced refresh failed")
		}
	}()
}

// Refresh performs one full snapshot pull and merges it. The merge is
// skipped when a pull issued later has already been applied.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.mu.Lock()
	r.issuedSeq++
	seq := r.issuedSeq
	r.observeSeq++
	obs := r.observeSeq
	r.mu.Unlock()

	queue, err := r.backend.QueueStatus(ctx)
	if err != nil {
		r.pullFailed(seq, err)
		return fmt.Errorf("fetch queue status: %w", err)
	}

	jobs, err := r.backend.PrintJobs(ctx, ActiveJobStatuses...)
	if err != nil {
		r.pullFailed(seq, err)
		return fmt.Errorf("fetch print jobs: %w", err)
	}

	payments, err := r.backend.PendingPayments(ctx)
	if err != nil {
		r.pullFailed(seq, err)
		return fmt.Errorf("fetch pending payments: %w", err)
	}

	r.applyPull(pull{seq: seq, obs: obs, queue: queue, jobs: jobs, payments: payments})
	return nil
}

// RefreshPrinters pulls printer and worker status. These do not take part
// in entity reconciliation and do not count toward staleness.
func (r *Reconciler) RefreshPrinters(ctx context.Context) error {
	var errs []error

	printers, err := r.backend.PrinterStatuses(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("fetch printer status: %w", err))
	} else {
		r.applyPrinters(printers)
	}

	workers, err := r.backend.WorkerStatus(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("fetch worker status: %w", err))
	} else {
		r.mu.Lock()
		if !reflect.DeepEqual(r.workers, workers) {
			w := *workers
			r.workers = &w
			r.bumpLocked()
		}
		version := r.version
		r.mu.Unlock()
		r.notify(version)
	}

	err = errors.Join(errs...)
	if errors.Is(err, ErrAuthExpired) {
		r.markAuthExpired(err)
	}
	return err
}

func (r *Reconciler) applyPull(p pull) {
	r.mu.Lock()

	if p.seq <= r.appliedSeq {
		applied := r.appliedSeq
		r.mu.Unlock()
		r.log.WithFields(logrus.Fields{
			"seq":     p.seq,
			"applied": applied,
		}).Debug("discarding pull superseded by a later one")
		return
	}
	r.appliedSeq = p.seq

	var observedAt time.Time
	if p.queue != nil {
		observedAt = p.queue.UpdatedAt
	}
	changed := r.applyJobsLocked(unionJobs(p.queue.Jobs(), p.jobs), observedAt, p.seq, p.obs)
	if r.applyPaymentsLocked(p.payments, p.seq, p.obs) {
		changed = true
	}

	for _, e := range r.entities {
		if e.fence != 0 && e.fence <= p.seq {
			e.fence = 0
		}
	}

	now := r.clock.Now()
	wasStale := r.health.Stale
	r.health.ConsecutiveFailures = 0
	r.health.Stale = false
	r.health.LastError = ""
	r.health.LastSyncAt = &now
	r.bumpLocked()
	health := r.health
	version := r.version
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"seq":     p.seq,
		"changed": changed,
	}).Debug("pull applied")

	r.notify(version)
	if wasStale {
		r.log.Info("backend reachable again, data fresh")
		if r.opts.OnRecovered != nil {
			r.opts.OnRecovered(health)
		}
	}
}

func (r *Reconciler) pullFailed(seq uint64, err error) {
	r.mu.Lock()
	if seq < r.appliedSeq {
		r.mu.Unlock()
		r.log.WithError(err).Debug("ignoring failure of superseded pull")
		return
	}

	r.health.ConsecutiveFailures++
	r.health.LastError = err.Error()
	becameStale := !r.health.Stale && r.health.ConsecutiveFailures >= r.opts.StaleAfterFailures
	if becameStale {
		r.health.Stale = true
	}
	r.bumpLocked()
	health := r.health
	version := r.version
	r.mu.Unlock()

	r.log.WithError(err).WithField("failures", health.ConsecutiveFailures).Warn("snapshot pull failed")
	r.notify(version)

	if becameStale {
		r.log.WithField("failures", health.ConsecutiveFailures).Error("data possibly stale")
		if r.opts.OnStale != nil {
			r.opts.OnStale(health)
		}
	}
	if errors.Is(err, ErrAuthExpired) {
		r.markAuthExpired(err)
	}
}

func (r *Reconciler) markAuthExpired(err error) {
	r.mu.Lock()
	already := r.health.AuthExpired
	r.health.AuthExpired = true
	r.bumpLocked()
	version := r.version
	r.mu.Unlock()

	r.notify(version)
	if already {
		return
	}
	r.log.WithError(err).Error("backend session expired")
	if r.opts.OnAuthExpired != nil {
		r.opts.OnAuthExpired(err)
	}
}

func (r *Reconciler) updateHealth(fn func(*Health)) {
	r.mu.Lock()
	before := r.health
	fn(&r.health)
	if reflect.DeepEqual(before, r.health) {
		r.mu.Unlock()
		return
	}
	r.bumpLocked()
	version := r.version
	r.mu.Unlock()
	r.notify(version)
}

func (r *Reconciler) applyPushSnapshot(q *QueueSnapshot) {
	r.mu.Lock()
	r.observeSeq++
	changed := r.applyJobsLocked(q.Jobs(), q.UpdatedAt, 0, r.observeSeq)
	if changed {
		r.bumpLocked()
	}
	version := r.version
	r.mu.Unlock()

	if changed {
		r.notify(version)
	}
}

// applyJobsLocked merges an authoritative job set. Jobs in the arena but
// absent from jobs are removed as of observedAt, or as of obs when the
// snapshot carries no time.
func (r *Reconciler) applyJobsLocked(jobs []PrintJob, observedAt time.Time, seq, obs uint64) bool {
	changed := false
	seen := make(map[ID]bool, len(jobs))

	for i := range jobs {
		j := cloneJob(jobs[i])
		seen[j.ID] = true
		f := fact{
			ref:     EntityRef{Kind: EntityJob, ID: j.ID},
			job:     &j,
			removal: j.Status.IsTerminal(),
			at:      j.UpdatedAt,
			seq:     seq,
			obs:     obs,
		}
		if r.submitLocked(f) {
			changed = true
		}
	}

	var gone []EntityRef
	for ref, e := range r.entities {
		if ref.Kind == EntityJob && !seen[ref.ID] && e.job != nil && !e.removed {
			gone = append(gone, ref)
		}
	}
	for _, ref := range gone {
		if r.submitLocked(fact{ref: ref, removal: true, at: observedAt, seq: seq, obs: obs}) {
			changed = true
		}
	}

	return changed
}

func (r *Reconciler) applyPaymentsLocked(payments []Payment, seq, obs uint64) bool {
	changed := false
	seen := make(map[ID]bool, len(payments))

	for i := range payments {
		p := clonePayment(payments[i])
		seen[p.ID] = true
		f := fact{
			ref:     EntityRef{Kind: EntityPayment, ID: p.ID},
			payment: &p,
			at:      p.CreatedAt,
			seq:     seq,
			obs:     obs,
		}
		if r.submitLocked(f) {
			changed = true
		}
	}

	var gone []EntityRef
	for ref, e := range r.entities {
		if ref.Kind == EntityPayment && !seen[ref.ID] && e.payment != nil && !e.removed {
			gone = append(gone, ref)
		}
	}
	for _, ref := range gone {
		if r.submitLocked(fact{ref: ref, removal: true, seq: seq, obs: obs}) {
			changed = true
		}
	}

	return changed
}

// submitLocked routes a background fact: fenced facts are dropped, facts
// about an entity with a pending command are buffered, the rest are merged.
func (r *Reconciler) submitLocked(f fact) bool {
	e := r.entities[f.ref]
	if e == nil {
		if f.removal {
			return false
		}
		e = &entity{ref: f.ref}
		r.entities[f.ref] = e
	}

	if e.fence != 0 && (f.seq == 0 || f.seq < e.fence) {
		return false
	}

	if r.pendingByEntity[f.ref] > 0 {
		buffered := f
		e.buffered = &buffered
		return false
	}

	return r.mergeLocked(e, f)
}

// mergeLocked applies f to e if it is not older than what e already holds.
// A removal without a time only counts against facts observed before it,
// and its tombstone yields to a later pull listing the entity again.
func (r *Reconciler) mergeLocked(e *entity, f fact) bool {
	if f.removal {
		if e.removed {
			return false
		}
		if f.at.IsZero() {
			if f.obs < e.observed {
				return false
			}
		} else if f.at.Before(e.applied) {
			return false
		}
		e.removed = true
		e.untimed = f.at.IsZero()
		if f.at.After(e.applied) {
			e.applied = f.at
		}
		if f.obs > e.observed {
			e.observed = f.obs
		}
		e.job = nil
		e.payment = nil
		return true
	}

	if f.at.Before(e.applied) {
		return false
	}
	if e.removed && !f.at.After(e.applied) && !(e.untimed && f.seq != 0 && f.obs > e.observed) {
		return false
	}
	if f.payment != nil && e.settled && !f.payment.Status.IsSettled() {
		return false
	}

	e.removed = false
	e.untimed = false
	e.applied = f.at
	if f.obs > e.observed {
		e.observed = f.obs
	}
	switch {
	case f.job != nil:
		if reflect.DeepEqual(e.job, f.job) {
			return false
		}
		e.job = f.job
	case f.payment != nil:
		if f.payment.Status.IsSettled() {
			e.settled = true
		}
		if reflect.DeepEqual(e.payment, f.payment) {
			return false
		}
		e.payment = f.payment
	}
	return true
}

func (r *Reconciler) applyPrinters(printers []PrinterStatus) {
	now := r.clock.Now()

	r.mu.Lock()
	changed := false
	for _, p := range printers {
		if p.PrinterID == "" {
			p.PrinterID = "default"
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
		cur, ok := r.printers[p.PrinterID]
		if ok && cur.UpdatedAt.After(p.UpdatedAt) {
			continue
		}
		next := clonePrinter(p)
		r.printers[p.PrinterID] = &next
		changed = true
	}
	if changed {
		r.bumpLocked()
	}
	version := r.version
	r.mu.Unlock()

	if changed {
		r.notify(version)
	}
}

func (r *Reconciler) mergePrinterUpdate(printerID string, partial map[string]any, at time.Time) {
	if printerID == "" {
		printerID = "default"
	}

	r.mu.Lock()
	cur, ok := r.printers[printerID]
	if ok && cur.UpdatedAt.After(at) {
		r.mu.Unlock()
		return
	}
	if !ok {
		cur = &PrinterStatus{PrinterID: printerID}
		r.printers[printerID] = cur
	}
	if cur.Fields == nil {
		cur.Fields = make(map[string]any, len(partial))
	}
	for k, v := range partial {
		switch k {
		case "printerId":
		case "status":
			if s, ok := v.(string); ok {
				cur.Status = s
			}
		default:
			cur.Fields[k] = v
		}
	}
	cur.UpdatedAt = at
	r.bumpLocked()
	version := r.version
	r.mu.Unlock()

	r.notify(version)
}

// beginCommand registers a pending command. It fails with
// ErrDuplicateCommand when the same action is already pending on target.
func (r *Reconciler) beginCommand(target EntityRef, action CommandAction) (CommandRecord, error) {
	key := commandKey{target: target, action: action}

	r.mu.Lock()
	if existing, ok := r.pending[key]; ok {
		id := existing.ID
		r.mu.Unlock()
		return CommandRecord{}, fmt.Errorf("%w: %s on %s (%s)", ErrDuplicateCommand, action, target, id)
	}

	rec := &CommandRecord{
		ID:           uuid.New(),
		Target:       target,
		Action:       action,
		State:        CommandPending,
		DispatchedAt: r.clock.Now(),
	}
	r.pending[key] = rec
	r.pendingByEntity[target]++
	r.bumpLocked()
	version := r.version
	out := *rec
	r.mu.Unlock()

	r.notify(version)
	return out, nil
}

// settleCommand completes a pending command. On success the entity is
// fenced against pulls issued before now and its buffered fact dropped;
// on failure the buffered fact is merged once no other command is pending.
func (r *Reconciler) settleCommand(rec CommandRecord, cmdErr error) CommandRecord {
	key := commandKey{target: rec.Target, action: rec.Action}
	now := r.clock.Now()

	r.mu.Lock()
	if _, ok := r.pending[key]; ok {
		delete(r.pending, key)
		r.pendingByEntity[rec.Target]--
		if r.pendingByEntity[rec.Target] <= 0 {
			delete(r.pendingByEntity, rec.Target)
		}
	}

	rec.SettledAt = &now
	e := r.entities[rec.Target]
	if e == nil {
		e = &entity{ref: rec.Target}
		r.entities[rec.Target] = e
	}

	if cmdErr == nil {
		rec.State = CommandSucceeded
		e.buffered = nil
		e.fence = r.issuedSeq + 1
	} else {
		rec.State = CommandFailed
		rec.Error = cmdErr.Error()
		if r.pendingByEntity[rec.Target] == 0 && e.buffered != nil {
			f := *e.buffered
			e.buffered = nil
			r.mergeLocked(e, f)
		}
	}

	r.recent = append(r.recent, rec)
	if over := len(r.recent) - r.opts.RecentCommands; over > 0 {
		r.recent = append([]CommandRecord(nil), r.recent[over:]...)
	}
	r.bumpLocked()
	version := r.version
	r.mu.Unlock()

	r.notify(version)
	return rec
}

func (r *Reconciler) bumpLocked() {
	r.version++
}

// Subscribe returns a channel that receives the latest state version after
// each change. Slow readers only ever see the most recent version.
func (r *Reconciler) Subscribe() (<-chan uint64, func()) {
	ch := make(chan uint64, 1)

	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subMu.Unlock()

	return ch, func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
	}
}

func (r *Reconciler) notify(version uint64) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for _, ch := range r.subs {
		select {
		case ch <- version:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- version:
			default:
			}
		}
	}
}

func (r *Reconciler) Health() Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.health
}

func (r *Reconciler) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := State{
		Health:  r.health,
		Version: r.version,
	}
	if r.health.LastSyncAt != nil {
		t := *r.health.LastSyncAt
		s.Health.LastSyncAt = &t
	}

	for _, e := range r.entities {
		if e.removed {
			continue
		}
		if e.job != nil {
			s.Jobs = append(s.Jobs, cloneJob(*e.job))
		}
		if e.payment != nil {
			s.Payments = append(s.Payments, clonePayment(*e.payment))
		}
	}
	sort.Slice(s.Jobs, func(i, j int) bool { return s.Jobs[i].ID < s.Jobs[j].ID })
	sort.Slice(s.Payments, func(i, j int) bool { return s.Payments[i].ID < s.Payments[j].ID })

	for _, p := range r.printers {
		s.Printers = append(s.Printers, clonePrinter(*p))
	}
	sort.Slice(s.Printers, func(i, j int) bool { return s.Printers[i].PrinterID < s.Printers[j].PrinterID })

	if r.workers != nil {
		w := *r.workers
		s.Workers = &w
	}

	for _, rec := range r.pending {
		s.Pending = append(s.Pending, *rec)
	}
	sort.Slice(s.Pending, func(i, j int) bool {
		if !s.Pending[i].DispatchedAt.Equal(s.Pending[j].DispatchedAt) {
			return s.Pending[i].DispatchedAt.Before(s.Pending[j].DispatchedAt)
		}
		return s.Pending[i].ID.String() < s.Pending[j].ID.String()
	})
	s.Recent = append([]CommandRecord(nil), r.recent...)

	return s
}

// View projects the current state with the configured job duration.
func (r *Reconciler) View() View {
	return Project(r.State(), ProjectionOptions{AverageJobDuration: r.opts.AverageJobDuration})
}

func unionJobs(a, b []PrintJob) []PrintJob {
	byID := make(map[ID]PrintJob, len(a)+len(b))
	order := make([]ID, 0, len(a)+len(b))
	for _, list := range [][]PrintJob{a, b} {
		for _, j := range list {
			cur, ok := byID[j.ID]
			if !ok {
				order = append(order, j.ID)
				byID[j.ID] = j
				continue
			}
			if j.UpdatedAt.After(cur.UpdatedAt) {
				byID[j.ID] = j
			}
		}
	}

	out := make([]PrintJob, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

func cloneJob(j PrintJob) PrintJob {
	if j.User != nil {
		u := *j.User
		j.User = &u
	}
	if j.Document != nil {
		d := *j.Document
		j.Document = &d
	}
	return j
}

func clonePayment(p Payment) Payment {
	if p.User != nil {
		u := *p.User
		p.User = &u
	}
	if p.PrintJob != nil {
		j := cloneJob(*p.PrintJob)
		p.PrintJob = &j
	}
	return p
}

func clonePrinter(p PrinterStatus) PrinterStatus {
	if p.Fields != nil {
		fields := make(map[string]any, len(p.Fields))
		for k, v := range p.Fields {
			fields[k] = v
		}
		p.Fields = fields
	}
	return p
}
