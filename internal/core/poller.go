package core

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/orrn/printconsole/internal/observability"
)

type PollerConfig struct {
	QueueInterval   time.Duration
	PrinterInterval time.Duration
	Clock           clockwork.Clock
	Logger          *logrus.Entry
}

// Poller drives interval pulls into a Reconciler. Each loop pulls once on
// start and then on every tick until the context is cancelled.
type Poller struct {
	reconciler *Reconciler
	config     PollerConfig
	clock      clockwork.Clock
	log        *logrus.Entry
	wg         sync.WaitGroup
}

func NewPoller(r *Reconciler, cfg PollerConfig) *Poller {
	if cfg.QueueInterval == 0 {
		cfg.QueueInterval = 10 * time.Second
	}
	if cfg.PrinterInterval == 0 {
		cfg.PrinterInterval = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = r.clock
	}
	if cfg.Logger == nil {
		cfg.Logger = r.log
	}

	return &Poller{
		reconciler: r,
		config:     cfg,
		clock:      cfg.Clock,
		log:        cfg.Logger,
	}
}

func (p *Poller) Run(ctx context.Context) {
	p.wg.Add(2)
	go p.loop(ctx, "queue", p.config.QueueInterval, p.reconciler.Refresh)
	go p.loop(ctx, "printers", p.config.PrinterInterval, p.reconciler.RefreshPrinters)
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context, name string, interval time.Duration, pullFn func(context.Context) error) {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()

	p.poll(ctx, name, pullFn)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.poll(ctx, name, pullFn)
		}
	}
}

func (p *Poller) poll(ctx context.Context, name string, pullFn func(context.Context) error) {
	err := pullFn(ctx)
	if ctx.Err() != nil {
		return
	}
	observability.RecordPull(name, err)
	if err != nil {
		p.log.WithError(err).WithField("loop", name).Debug("interval pull failed")
	}
}
