// Package dispatcher is the recurring process that executes due dispatches:
// claim a batch, re-check gating, materialize the task instance, enqueue the
// notification, mark sent. Stateless between ticks; any number of instances
// may run concurrently, coordinated only through the store's atomic claim.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"modsched/internal/domain"
	"modsched/internal/gating"
	"modsched/internal/notify"
	"modsched/internal/store"
)

type Config struct {
	Tick            time.Duration
	BatchSize       int
	Workers         int
	Lease           time.Duration
	OpTimeout       time.Duration
	RetryBudget     int
	RecoverSchedule string // cron expression for the stale-claim sweep
}

type Service struct {
	store    *store.Store
	gate     gating.Policy
	notifier notify.Channel
	cfg      Config

	recover     cron.Schedule
	nextRecover time.Time
	now         func() time.Time
}

func New(s *store.Store, gate gating.Policy, notifier notify.Channel, cfg Config) (*Service, error) {
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 10 * time.Second
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 10
	}
	if cfg.RecoverSchedule == "" {
		cfg.RecoverSchedule = "@every 5m"
	}
	sched, err := cron.ParseStandard(cfg.RecoverSchedule)
	if err != nil {
		return nil, fmt.Errorf("%w: bad recover schedule %q: %v", domain.ErrInvalidConfiguration, cfg.RecoverSchedule, err)
	}
	return &Service{
		store:    s,
		gate:     gate,
		notifier: notifier,
		cfg:      cfg,
		recover:  sched,
		now:      time.Now,
	}, nil
}

// WithClock overrides the dispatcher's clock. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Run ticks until the context is canceled. Claims from overlapping ticks are
// safe: the store's conditional update hands each row to exactly one caller.
func (s *Service) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()

	log.Info().Dur("tick", s.cfg.Tick).Int("batch", s.cfg.BatchSize).Msg("dispatcher started")
	s.nextRecover = s.recover.Next(s.now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one claim/process cycle. Exported so tests and operators can
// drive the loop without waiting on the ticker.
func (s *Service) Tick(ctx context.Context) {
	now := s.now().UTC()

	if !now.Before(s.nextRecover) {
		if n, err := s.store.RecoverStaleClaims(ctx, now.Add(-s.cfg.Lease)); err != nil {
			log.Error().Err(err).Msg("stale claim recovery failed")
		} else if n > 0 {
			log.Warn().Int("recovered", n).Msg("recovered stale claims")
		}
		s.nextRecover = s.recover.Next(now)
	}

	rows, err := s.store.ClaimDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("claim due dispatches failed")
		return
	}
	if len(rows) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, row := range rows {
		g.Go(func() error {
			s.process(gctx, row)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) process(ctx context.Context, row domain.ScheduledDispatch) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	ok, detail, err := s.gate.CanReceiveTasks(opCtx, row.ModeratorID)
	if err != nil {
		s.release(ctx, row, err)
		return
	}
	if !ok {
		// Gating revoked since compile time. Release without sending; the
		// row fires once the moderator is eligible again.
		if err := s.store.ReleaseClaim(opCtx, row.ID, false); err != nil {
			log.Error().Err(err).Str("dispatch_id", row.ID).Msg("release after gate refusal failed")
			return
		}
		log.Info().
			Str("dispatch_id", row.ID).
			Str("moderator_id", row.ModeratorID).
			Strs("gates", detail).
			Msg("dispatch held, moderator not eligible")
		return
	}

	mod, err := s.store.GetModerator(opCtx, row.ModeratorID)
	if err != nil {
		s.release(ctx, row, err)
		return
	}

	instanceID, err := s.store.CreateTaskInstance(opCtx, domain.TaskInstance{
		TaskDefinitionID: row.TaskDefinitionID,
		ModeratorID:      row.ModeratorID,
		WorkDay:          row.WorkDay,
	})
	if err != nil {
		s.release(ctx, row, err)
		return
	}

	if mod.NotifyChannelID != nil {
		payload, err := notify.Payload{
			ModeratorID:      row.ModeratorID,
			TaskInstanceID:   instanceID,
			TaskDefinitionID: row.TaskDefinitionID,
			WorkDay:          row.WorkDay,
			ScheduledAt:      row.ScheduledAt,
		}.Marshal()
		if err == nil {
			err = s.notifier.Enqueue(opCtx, mod.AdministratorID, payload)
		}
		if err != nil {
			// Instance creation is idempotent, so a retry is safe.
			s.release(ctx, row, err)
			return
		}
	}

	switch err := s.store.MarkSent(opCtx, row.ID, s.now().UTC()); {
	case err == nil:
		log.Info().
			Str("dispatch_id", row.ID).
			Str("moderator_id", row.ModeratorID).
			Str("task_instance_id", instanceID).
			Int("work_day", row.WorkDay).
			Msg("dispatch sent")
	case errors.Is(err, domain.ErrAlreadySent):
		// Benign double-claim race, the other side won.
		log.Debug().Str("dispatch_id", row.ID).Msg("dispatch already sent")
	default:
		s.release(ctx, row, err)
	}
}

// release puts the row back for a later tick. A dispatch past the retry
// budget is surfaced as an operator alert but never dropped: a dropped
// dispatch means a moderator never received promised work.
func (s *Service) release(ctx context.Context, row domain.ScheduledDispatch, cause error) {
	if err := s.store.ReleaseClaim(ctx, row.ID, true); err != nil {
		log.Error().Err(err).Str("dispatch_id", row.ID).Msg("release claim failed")
		return
	}
	attempts := row.Attempts + 1
	evt := log.Warn()
	if attempts >= s.cfg.RetryBudget {
		evt = log.Error().Bool("alert", true)
	}
	evt.Err(cause).
		Str("dispatch_id", row.ID).
		Str("moderator_id", row.ModeratorID).
		Int("attempts", attempts).
		Msg("dispatch failed, released for retry")
}
