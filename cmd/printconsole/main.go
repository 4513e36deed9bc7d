package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/printconsole/internal/api"
	"github.com/orrn/printconsole/internal/api/middleware"
	"github.com/orrn/printconsole/internal/backend"
	"github.com/orrn/printconsole/internal/channel"
	"github.com/orrn/printconsole/internal/config"
	"github.com/orrn/printconsole/internal/core"
	"github.com/orrn/printconsole/internal/db"
	"github.com/orrn/printconsole/internal/logging"
	"github.com/orrn/printconsole/internal/observability"
	"github.com/orrn/printconsole/internal/session"
	"github.com/orrn/printconsole/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var hashPassword string

	flagSet := pflag.NewFlagSet("printconsole", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")
	flagSet.StringVar(&hashPassword, "hash-password", "", "print the bcrypt hash of a console password and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if hashPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(hashPassword), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
		fmt.Println(string(hash))
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cfg.Logging)
	log := logging.Component(logger, "main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := session.New(cfg.Backend.Token, nil)
	if err != nil {
		return fmt.Errorf("failed to create backend session: %w", err)
	}
	if exp := sess.ExpiresAt(); !exp.IsZero() {
		log.WithField("expires_at", exp).Info("backend token loaded")
	}

	conn, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return err
	}
	defer conn.Close()
	journal := db.NewJournal(conn)

	sender := webhook.NewWebhookSender(cfg.Webhooks, logging.Component(logger, "webhook"))
	sender.Start()
	defer sender.Stop()

	client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.RequestTimeout, sess, logging.Component(logger, "backend"))

	reconciler := core.NewReconciler(client, core.Options{
		RefreshDebounce:    cfg.Polling.RefreshDebounce,
		StaleAfterFailures: cfg.Polling.StaleAfterFailures,
		AverageJobDuration: cfg.Projection.AverageJobDuration,
		Logger:             logging.Component(logger, "reconciler"),
		OnStale: func(h core.Health) {
			observability.SetDataStale(true)
			sender.SendDataStale(h)
		},
		OnRecovered: func(h core.Health) {
			observability.SetDataStale(false)
			sender.SendDataRecovered(h)
		},
		OnAuthExpired: func(err error) {
			sess.Invalidate(err)
			sender.SendAuthExpired(err)
		},
	})

	dispatcher := core.NewDispatcher(client, reconciler, logging.Component(logger, "dispatcher"))
	dispatcher.OnSettled(func(rec core.CommandRecord) {
		var took time.Duration
		if rec.SettledAt != nil {
			took = rec.SettledAt.Sub(rec.DispatchedAt)
		}
		observability.RecordCommand(string(rec.Action), string(rec.State), took)
		if err := journal.Commands.RecordCommand(context.Background(), rec); err != nil {
			log.WithError(err).WithField("command", rec.ID).Warn("failed to journal command")
		}
		sender.SendCommandSettled(rec)
	})

	channelURL, err := cfg.ChannelURL()
	if err != nil {
		return err
	}
	push := channel.New(channel.Config{
		URL:              channelURL,
		ReconnectMin:     cfg.Channel.ReconnectMin,
		ReconnectMax:     cfg.Channel.ReconnectMax,
		PingInterval:     cfg.Channel.PingInterval,
		HandshakeTimeout: cfg.Channel.HandshakeTimeout,
		Logger:           logging.Component(logger, "channel"),
	}, sess)

	poller := core.NewPoller(reconciler, core.PollerConfig{
		QueueInterval:   cfg.Polling.QueueInterval,
		PrinterInterval: cfg.Polling.PrinterInterval,
		Logger:          logging.Component(logger, "poller"),
	})

	auth, err := middleware.NewAuthMiddleware(cfg.Console, journal.Audit, logging.Component(logger, "auth"))
	if err != nil {
		return err
	}

	router := api.NewRouter(api.Deps{
		Config:     cfg,
		Reconciler: reconciler,
		Dispatcher: dispatcher,
		Journal:    journal,
		Webhooks:   sender,
		Auth:       auth,
		Channel:    push,
		Session:    sess,
		Logger:     logging.Component(logger, "http"),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var wg sync.WaitGroup
	start := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).WithField("task", name).Error("task stopped")
			}
		}()
	}

	start("channel", func() error { return push.Run(ctx) })
	start("reconciler", func() error { return reconciler.Run(ctx, push.Events()) })
	start("poller", func() error {
		poller.Run(ctx)
		return nil
	})
	start("http", func() error {
		log.WithField("addr", srv.Addr).Info("console listening")
		return srv.ListenAndServe()
	})

	go func() {
		select {
		case <-ctx.Done():
		case <-sess.Done():
			log.WithError(sess.Err()).Error("backend session ended, restart with a fresh token")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}

	wg.Wait()
	log.Info("stopped")
	return nil
}
