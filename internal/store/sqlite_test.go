package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modsched/internal/domain"
	"modsched/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "modsched_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.New(db)
}

func seedModerator(t *testing.T, s *store.Store, id string) {
	t.Helper()
	start := "2024-01-01"
	require.NoError(t, s.CreateModerator(context.Background(), domain.Moderator{
		ID:              id,
		DomainID:        "dom_1",
		AdministratorID: "adm_1",
		WorkStartDate:   &start,
		Timezone:        "UTC",
	}))
}

func dispatchRow(taskID, modID string, workDay int, at time.Time) domain.ScheduledDispatch {
	// Fresh id per compile, like the compiler; dedup is on the
	// (moderator, definition, work day) triple, not on id.
	return domain.ScheduledDispatch{
		ID:               "dsp_" + uuid.NewString(),
		TaskDefinitionID: taskID,
		ModeratorID:      modID,
		WorkDay:          workDay,
		ScheduledAt:      at,
		Source:           domain.SourceCurated,
		State:            domain.StatePending,
	}
}

func seedConfig(t *testing.T, s *store.Store, modID string, workDay int, rows []domain.ScheduledDispatch) {
	t.Helper()
	cfg := domain.SendConfig{
		ModeratorID:     modID,
		AdministratorID: "adm_1",
		IsActive:        true,
		Days: map[int]domain.DayPlan{workDay: {
			SendDate: "2024-01-02", StartTime: "09:00", EndTime: "17:00", Timezone: "UTC",
		}},
	}
	require.NoError(t, s.ReplaceSendConfig(context.Background(), cfg, map[int][]domain.ScheduledDispatch{workDay: rows}))
}

func TestClaimDueClaimsEachRowOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedModerator(t, s, "mod_1")

	due := time.Now().UTC().Add(-time.Minute)
	seedConfig(t, s, "mod_1", 2, []domain.ScheduledDispatch{
		dispatchRow("def_a", "mod_1", 2, due),
		dispatchRow("def_b", "mod_1", 2, due.Add(time.Second)),
	})

	first, err := s.ClaimDue(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, first, 2)
	for _, r := range first {
		assert.Equal(t, domain.StateClaimed, r.State)
		assert.NotNil(t, r.ClaimedAt)
	}

	// A second tick sees nothing: the rows are already claimed.
	second, err := s.ClaimDue(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestClaimDueIgnoresFutureRows(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedModerator(t, s, "mod_1")

	seedConfig(t, s, "mod_1", 2, []domain.ScheduledDispatch{
		dispatchRow("def_a", "mod_1", 2, time.Now().UTC().Add(time.Hour)),
	})

	rows, err := s.ClaimDue(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMarkSentIsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedModerator(t, s, "mod_1")

	row := dispatchRow("def_a", "mod_1", 2, time.Now().UTC().Add(-time.Minute))
	seedConfig(t, s, "mod_1", 2, []domain.ScheduledDispatch{row})

	claimed, err := s.ClaimDue(ctx, time.Now().UTC(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	sentAt := time.Now().UTC()
	require.NoError(t, s.MarkSent(ctx, claimed[0].ID, sentAt))

	err = s.MarkSent(ctx, claimed[0].ID, sentAt.Add(time.Second))
	require.ErrorIs(t, err, domain.ErrAlreadySent)

	got, err := s.GetDispatch(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.True(t, got.IsSent)
	require.NotNil(t, got.SentAt)
	assert.False(t, got.SentAt.Before(got.ScheduledAt), "sent before scheduled")
}

func TestReplaceSendConfigReconcilesUnsentRows(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedModerator(t, s, "mod_1")

	due := time.Now().UTC().Add(-time.Minute)
	a := dispatchRow("def_a", "mod_1", 3, due)
	b := dispatchRow("def_b", "mod_1", 3, due.Add(time.Second))
	seedConfig(t, s, "mod_1", 3, []domain.ScheduledDispatch{a, b})

	// Send def_a, leave def_b pending.
	claimed, err := s.ClaimDue(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	var sentID string
	for _, r := range claimed {
		if r.TaskDefinitionID == "def_a" {
			sentID = r.ID
			require.NoError(t, s.MarkSent(ctx, r.ID, time.Now().UTC()))
		} else {
			require.NoError(t, s.ReleaseClaim(ctx, r.ID, false))
		}
	}
	require.NotEmpty(t, sentID)

	// Administrator removes both tasks, keeps only def_c.
	c := dispatchRow("def_c", "mod_1", 3, due.Add(2*time.Second))
	seedConfig(t, s, "mod_1", 3, []domain.ScheduledDispatch{c})

	rows, err := s.ListDispatches(ctx, "mod_1", 3)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byTask := map[string]domain.ScheduledDispatch{}
	for _, r := range rows {
		byTask[r.TaskDefinitionID] = r
	}
	// The sent row survives untouched; the unsent removed row is gone.
	assert.Contains(t, byTask, "def_a")
	assert.True(t, byTask["def_a"].IsSent)
	assert.NotContains(t, byTask, "def_b")
	assert.Contains(t, byTask, "def_c")
	assert.Equal(t, domain.StatePending, byTask["def_c"].State)
}

func TestReplaceSendConfigLeavesClaimedRowsToDispatcher(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedModerator(t, s, "mod_1")

	orig := time.Now().UTC().Add(-time.Minute)
	seedConfig(t, s, "mod_1", 2, []domain.ScheduledDispatch{dispatchRow("def_a", "mod_1", 2, orig)})

	claimed, err := s.ClaimDue(ctx, time.Now().UTC(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Mid-flight, the administrator reschedules the same task a day out.
	seedConfig(t, s, "mod_1", 2, []domain.ScheduledDispatch{
		dispatchRow("def_a", "mod_1", 2, orig.Add(24*time.Hour)),
	})

	// The claimed row still belongs to its dispatcher: same state, same
	// scheduled time, invisible to other ticks.
	got, err := s.GetDispatch(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateClaimed, got.State)
	assert.True(t, got.ScheduledAt.Equal(claimed[0].ScheduledAt), "reschedule must not touch a claimed row")

	others, err := s.ClaimDue(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, others, "a mid-flight row must not be claimable again")

	require.NoError(t, s.MarkSent(ctx, claimed[0].ID, time.Now().UTC()))
	got, err = s.GetDispatch(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.True(t, got.IsSent)
	require.NotNil(t, got.SentAt)
	assert.False(t, got.SentAt.Before(got.ScheduledAt), "sent before scheduled")
}

func TestReplaceSendConfigDropsRemovedDays(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedModerator(t, s, "mod_1")

	due := time.Now().UTC().Add(-time.Minute)
	seedConfig(t, s, "mod_1", 2, []domain.ScheduledDispatch{
		dispatchRow("def_a", "mod_1", 2, due),
		dispatchRow("def_b", "mod_1", 2, due.Add(time.Second)),
	})

	// Send def_b, leave def_a pending.
	claimed, err := s.ClaimDue(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, r := range claimed {
		if r.TaskDefinitionID == "def_b" {
			require.NoError(t, s.MarkSent(ctx, r.ID, time.Now().UTC()))
		} else {
			require.NoError(t, s.ReleaseClaim(ctx, r.ID, false))
		}
	}

	// The replacement document no longer mentions day 2 at all.
	seedConfig(t, s, "mod_1", 3, []domain.ScheduledDispatch{
		dispatchRow("def_c", "mod_1", 3, due.Add(2*time.Second)),
	})

	rows, err := s.ListDispatches(ctx, "mod_1", 2)
	require.NoError(t, err)
	require.Len(t, rows, 1, "a dropped day keeps only its sent history")
	assert.Equal(t, "def_b", rows[0].TaskDefinitionID)
	assert.True(t, rows[0].IsSent)

	next, err := s.ClaimDue(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, next, 1, "only the new document's rows are dispatchable")
	assert.Equal(t, "def_c", next[0].TaskDefinitionID)
}

func TestReplaceSendConfigIdenticalPlanIsStable(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedModerator(t, s, "mod_1")

	at := time.Now().UTC().Add(time.Hour)
	plan := func() []domain.ScheduledDispatch {
		return []domain.ScheduledDispatch{
			dispatchRow("def_a", "mod_1", 2, at),
			dispatchRow("def_b", "mod_1", 2, at.Add(time.Minute)),
		}
	}
	seedConfig(t, s, "mod_1", 2, plan())
	seedConfig(t, s, "mod_1", 2, plan())

	got, err := s.ListDispatches(ctx, "mod_1", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2, "re-upsert must not duplicate rows")
}

func TestRecoverStaleClaims(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedModerator(t, s, "mod_1")

	seedConfig(t, s, "mod_1", 2, []domain.ScheduledDispatch{
		dispatchRow("def_a", "mod_1", 2, time.Now().UTC().Add(-time.Minute)),
	})
	claimed, err := s.ClaimDue(ctx, time.Now().UTC(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Nothing stale yet.
	n, err := s.RecoverStaleClaims(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	// With the cutoff in the future the claim counts as expired.
	n, err = s.RecoverStaleClaims(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := s.ClaimDue(ctx, time.Now().UTC(), 1)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "recovered row must be claimable again")
}

func TestCreateTaskInstanceIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedModerator(t, s, "mod_1")

	inst := domain.TaskInstance{TaskDefinitionID: "def_a", ModeratorID: "mod_1", WorkDay: 1}
	first, err := s.CreateTaskInstance(ctx, inst)
	require.NoError(t, err)
	second, err := s.CreateTaskInstance(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	list, err := s.ListTaskInstances(ctx, "mod_1", 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSetWorkStartAnchorImmutableAfterHistory(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateModerator(ctx, domain.Moderator{
		ID: "mod_2", DomainID: "dom_1", AdministratorID: "adm_1",
	}))
	require.NoError(t, s.SetWorkStartAnchor(ctx, "mod_2", "2024-01-01", "UTC"))

	_, err := s.CreateTaskInstance(ctx, domain.TaskInstance{
		TaskDefinitionID: "def_a", ModeratorID: "mod_2", WorkDay: 1,
	})
	require.NoError(t, err)

	err = s.SetWorkStartAnchor(ctx, "mod_2", "2024-02-01", "UTC")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestOutstandingTests(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedModerator(t, s, "mod_1")

	require.NoError(t, s.AddRequiredTest(ctx, "dom_1", "tst_1", "Content policy"))
	require.NoError(t, s.AddRequiredTest(ctx, "dom_1", "tst_2", "Escalation flow"))

	out, err := s.OutstandingTests(ctx, "mod_1", "dom_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Content policy", "Escalation flow"}, out)

	require.NoError(t, s.RecordTestPass(ctx, "mod_1", "tst_1"))
	out, err = s.OutstandingTests(ctx, "mod_1", "dom_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Escalation flow"}, out)
}
