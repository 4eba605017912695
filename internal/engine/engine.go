// Package engine is the write path and read surface of the scheduler: it
// validates and stores administrator-authored send configs, expands them
// through the compiler, and serves the moderator-facing "today" queries
// including the synchronous day-1 auto-assignment.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"modsched/internal/calendar"
	"modsched/internal/catalog"
	"modsched/internal/compiler"
	"modsched/internal/domain"
	"modsched/internal/gating"
	"modsched/internal/store"
)

type Engine struct {
	store    *store.Store
	catalog  *catalog.Catalog
	compiler *compiler.Compiler
	gate     gating.Policy
	validate *validator.Validate
	now      func() time.Time
}

func New(s *store.Store, c *catalog.Catalog, comp *compiler.Compiler, gate gating.Policy) *Engine {
	return &Engine{
		store:    s,
		catalog:  c,
		compiler: comp,
		gate:     gate,
		validate: validator.New(),
		now:      time.Now,
	}
}

// WithClock overrides the engine's clock. Tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ActivateModerator sets the work-start anchor, the point from which work
// days are counted. Rejected once the moderator has any task history.
func (e *Engine) ActivateModerator(ctx context.Context, moderatorID, startDate, timezone string) error {
	if _, err := calendar.LoadZone(timezone); err != nil {
		return err
	}
	if _, err := time.Parse("2006-01-02", startDate); err != nil {
		return fmt.Errorf("%w: bad work start date %q", domain.ErrValidation, startDate)
	}
	if timezone == "" {
		timezone = "UTC"
	}
	return e.store.SetWorkStartAnchor(ctx, moderatorID, startDate, timezone)
}

// UpsertSendConfig replaces the moderator's schedule document wholesale and
// compiles every day it contains into dispatch rows, all in one transaction.
func (e *Engine) UpsertSendConfig(ctx context.Context, moderatorID, administratorID string, days map[int]domain.DayPlan) error {
	mod, err := e.store.GetModerator(ctx, moderatorID)
	if err != nil {
		return err
	}
	if mod.AdministratorID != administratorID {
		return fmt.Errorf("%w: administrator %s is not responsible for moderator %s",
			domain.ErrForbidden, administratorID, moderatorID)
	}

	ok, detail, err := e.gate.CanReceiveTasks(ctx, moderatorID)
	if err != nil {
		return err
	}
	if !ok {
		return gating.Failure(detail)
	}

	if err := e.validateDays(ctx, mod, days); err != nil {
		return err
	}

	compiled := make(map[int][]domain.ScheduledDispatch, len(days))
	for workDay, plan := range days {
		rows, err := e.compiler.Compile(compiler.Input{
			ModeratorID: mod.ID,
			WorkDay:     workDay,
			Plan:        plan,
			Source:      domain.SourceCurated,
			MinInterval: time.Duration(mod.TaskMinInterval) * time.Minute,
			MaxInterval: time.Duration(mod.TaskMaxInterval) * time.Minute,
		})
		if err != nil {
			return err
		}
		compiled[workDay] = rows
	}

	cfg := domain.SendConfig{
		ModeratorID:     mod.ID,
		AdministratorID: administratorID,
		IsActive:        true,
		Days:            days,
	}
	if err := e.store.ReplaceSendConfig(ctx, cfg, compiled); err != nil {
		return err
	}

	log.Info().
		Str("moderator_id", mod.ID).
		Str("administrator_id", administratorID).
		Int("days", len(days)).
		Msg("send config replaced and compiled")
	return nil
}

func (e *Engine) validateDays(ctx context.Context, mod domain.Moderator, days map[int]domain.DayPlan) error {
	var allIDs []string
	for workDay, plan := range days {
		if workDay < 1 {
			return fmt.Errorf("%w: work day %d is not positive", domain.ErrValidation, workDay)
		}
		if err := e.validate.StructCtx(ctx, plan); err != nil {
			return fmt.Errorf("%w: day %d: %v", domain.ErrValidation, workDay, err)
		}
		start, err := calendar.AbsoluteInstant(plan.SendDate, plan.StartTime, plan.Timezone)
		if err != nil {
			return err
		}
		end, err := calendar.AbsoluteInstant(plan.SendDate, plan.EndTime, plan.Timezone)
		if err != nil {
			return err
		}
		if !end.After(start) {
			return fmt.Errorf("%w: day %d: start_time %s must precede end_time %s",
				domain.ErrValidation, workDay, plan.StartTime, plan.EndTime)
		}
		allIDs = append(allIDs, plan.SelectedTaskIDs...)
	}

	defs, err := e.catalog.ByIDs(ctx, allIDs)
	if err != nil {
		return fmt.Errorf("%w: resolve task definitions: %v", domain.ErrTransientStore, err)
	}
	for _, id := range allIDs {
		def, found := defs[id]
		if !found {
			return fmt.Errorf("%w: unknown task definition %s", domain.ErrValidation, id)
		}
		if def.DomainID != mod.DomainID {
			return fmt.Errorf("%w: task definition %s belongs to another domain", domain.ErrValidation, id)
		}
	}
	return nil
}

// GetCurrentWorkDay returns the moderator's work-day ordinal and timezone.
// The ordinal is WorkDayUnset before activation.
func (e *Engine) GetCurrentWorkDay(ctx context.Context, moderatorID string) (int, string, error) {
	mod, err := e.store.GetModerator(ctx, moderatorID)
	if err != nil {
		return domain.WorkDayUnset, "", err
	}
	day, err := calendar.WorkDayOf(mod.Anchor(), e.now().UTC())
	if err != nil {
		return domain.WorkDayUnset, "", err
	}
	return day, mod.Timezone, nil
}

// GetTasksForToday returns the moderator's materialized work items for the
// current work day. On day one, before any administrator-authored plan
// exists, the primary templates for day 1 are materialized synchronously so
// a new moderator is never left waiting on a schedule.
func (e *Engine) GetTasksForToday(ctx context.Context, moderatorID string) ([]domain.TaskInstance, error) {
	mod, err := e.store.GetModerator(ctx, moderatorID)
	if err != nil {
		return nil, err
	}
	day, err := calendar.WorkDayOf(mod.Anchor(), e.now().UTC())
	if err != nil {
		return nil, err
	}
	if day == domain.WorkDayUnset {
		return nil, nil
	}

	if day == 1 {
		if err := e.autoAssignFirstDay(ctx, mod); err != nil {
			return nil, err
		}
	}
	return e.store.ListTaskInstances(ctx, mod.ID, day)
}

func (e *Engine) autoAssignFirstDay(ctx context.Context, mod domain.Moderator) error {
	_, err := e.store.GetSendConfig(ctx, mod.ID)
	if err == nil {
		return nil // an authored schedule exists, no auto-assignment
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	defs, err := e.catalog.TemplatesForWorkDay(ctx, mod.DomainID, 1)
	if err != nil {
		return fmt.Errorf("%w: day-1 templates: %v", domain.ErrTransientStore, err)
	}
	for _, def := range defs {
		if _, err := e.store.CreateTaskInstance(ctx, domain.TaskInstance{
			TaskDefinitionID: def.ID,
			ModeratorID:      mod.ID,
			WorkDay:          1,
		}); err != nil {
			return err
		}
	}
	if len(defs) > 0 {
		log.Info().Str("moderator_id", mod.ID).Int("templates", len(defs)).Msg("auto-assigned first-day templates")
	}
	return nil
}

// DispatchAudit exposes the promised-vs-fired rows for support tooling.
func (e *Engine) DispatchAudit(ctx context.Context, moderatorID string, workDay int) ([]domain.ScheduledDispatch, error) {
	return e.store.ListDispatches(ctx, moderatorID, workDay)
}
