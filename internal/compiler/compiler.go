// Package compiler turns one administrator-authored DayPlan into concrete
// ScheduledDispatch rows, spacing them inside the plan's time window under
// the moderator's min/max interval bounds.
package compiler

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"modsched/internal/calendar"
	"modsched/internal/domain"
)

// minGap is the floor a gap can be compressed to when a window is too short
// for the configured intervals.
const minGap = time.Second

// Input is one (moderator, work day, plan) compilation unit.
type Input struct {
	ModeratorID string
	WorkDay     int
	Plan        domain.DayPlan
	Source      domain.TaskSource
	MinInterval time.Duration
	MaxInterval time.Duration
}

// Compiler is pure apart from its random source. Placement policy: a single
// task lands uniformly at random inside the window; multiple tasks are walked
// cumulatively from the window start with gaps drawn uniformly from
// [MinInterval, MaxInterval], rescaled proportionally when they overrun.
type Compiler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New seeds the compiler's random source. Tests pass a fixed seed.
func New(seed int64) *Compiler {
	return &Compiler{rng: rand.New(rand.NewSource(seed))}
}

// Compile produces one pending dispatch row per selected task, with strictly
// increasing scheduled_at values all inside the plan's window.
func (c *Compiler) Compile(in Input) ([]domain.ScheduledDispatch, error) {
	n := len(in.Plan.SelectedTaskIDs)
	if n == 0 {
		return nil, nil
	}
	if in.MinInterval <= 0 || in.MaxInterval <= 0 {
		return nil, fmt.Errorf("%w: task intervals must be positive", domain.ErrInvalidConfiguration)
	}
	if in.MinInterval > in.MaxInterval {
		return nil, fmt.Errorf("%w: task_min_interval %v exceeds task_max_interval %v",
			domain.ErrInvalidConfiguration, in.MinInterval, in.MaxInterval)
	}

	start, err := calendar.AbsoluteInstant(in.Plan.SendDate, in.Plan.StartTime, in.Plan.Timezone)
	if err != nil {
		return nil, err
	}
	end, err := calendar.AbsoluteInstant(in.Plan.SendDate, in.Plan.EndTime, in.Plan.Timezone)
	if err != nil {
		return nil, err
	}
	if !end.After(start) {
		return nil, fmt.Errorf("%w: window end %s not after start %s",
			domain.ErrValidation, in.Plan.EndTime, in.Plan.StartTime)
	}

	offsets := c.placements(n, end.Sub(start), in.MinInterval, in.MaxInterval)

	rows := make([]domain.ScheduledDispatch, 0, n)
	for i, taskID := range in.Plan.SelectedTaskIDs {
		rows = append(rows, domain.ScheduledDispatch{
			ID:               "dsp_" + uuid.NewString(),
			TaskDefinitionID: taskID,
			ModeratorID:      in.ModeratorID,
			WorkDay:          in.WorkDay,
			ScheduledAt:      start.Add(offsets[i]).UTC(),
			Source:           in.Source,
			State:            domain.StatePending,
		})
	}
	return rows, nil
}

// placements returns n strictly increasing offsets in (0, window].
func (c *Compiler) placements(n int, window, minIv, maxIv time.Duration) []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n == 1 {
		return []time.Duration{time.Duration(c.rng.Int63n(int64(window) + 1))}
	}

	gaps := make([]time.Duration, n)
	var sum time.Duration
	for i := range gaps {
		gaps[i] = minIv + time.Duration(c.rng.Int63n(int64(maxIv-minIv)+1))
		sum += gaps[i]
	}

	// The administrator said "deliver everything today", so an overrun is
	// compressed rather than rejected: rescale proportionally, keeping
	// relative ordering and a floor per gap.
	if sum > window {
		var rescaled time.Duration
		for i := range gaps {
			g := time.Duration(float64(gaps[i]) * float64(window) / float64(sum))
			if g < minGap {
				g = minGap
			}
			gaps[i] = g
			rescaled += g
		}
		if rescaled > window {
			// Degenerate window shorter than n seconds: space evenly.
			for i := range gaps {
				gaps[i] = window / time.Duration(n)
			}
		}
	}

	offsets := make([]time.Duration, n)
	var at time.Duration
	for i, g := range gaps {
		at += g
		offsets[i] = at
	}
	return offsets
}
