package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"modsched/internal/api"
	"modsched/internal/catalog"
	"modsched/internal/compiler"
	"modsched/internal/config"
	"modsched/internal/dispatcher"
	"modsched/internal/engine"
	"modsched/internal/gating"
	"modsched/internal/notify"
	"modsched/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	st := store.New(db)
	cat := catalog.New(db)
	gate := gating.New(st)
	notifier := notify.NewQueue(st, cfg.Notify.RatePerSecond, cfg.Notify.Burst)
	eng := engine.New(st, cat, compiler.New(time.Now().UnixNano()), gate)

	disp, err := dispatcher.New(st, gate, notifier, dispatcher.Config{
		Tick:            cfg.Dispatcher.Tick,
		BatchSize:       cfg.Dispatcher.BatchSize,
		Workers:         cfg.Dispatcher.Workers,
		Lease:           cfg.Dispatcher.Lease,
		OpTimeout:       cfg.Dispatcher.OpTimeout,
		RetryBudget:     cfg.Dispatcher.RetryBudget,
		RecoverSchedule: cfg.Dispatcher.RecoverSchedule,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("dispatcher config")
	}

	// Claims left behind by a crashed instance become dispatchable again.
	if n, err := st.RecoverStaleClaims(context.Background(), time.Now().UTC().Add(-cfg.Dispatcher.Lease)); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale claims on startup")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go disp.Run(ctx)

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(eng, cfg.Debug)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
