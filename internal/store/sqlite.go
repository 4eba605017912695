// Package store is the durable side of the engine: anchors, send configs,
// scheduled dispatches, task instances, notification jobs and gating data,
// all in one SQLite database. It is the single source of truth; every piece
// of cross-process coordination is a conditional write here.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"modsched/internal/domain"
	"modsched/migrations"
)

// Open connects to the SQLite database at path and applies embedded
// migrations. SQLite has a single writer, so the pool is capped at one
// connection.
func Open(path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := applyMigrations(db.DB); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return db, nil
}

func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	drv, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Store wraps all persistence for the engine.
type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store { return &Store{db: db} }

// wrapStore tags driver-level failures as transient so the dispatcher retries
// them on a later tick instead of treating them as data loss.
func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, op)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrTransientStore, op, err)
}

// --- moderators / anchors ---

func (s *Store) CreateModerator(ctx context.Context, m domain.Moderator) error {
	if m.TaskMinInterval == 0 {
		m.TaskMinInterval = 10
	}
	if m.TaskMaxInterval == 0 {
		m.TaskMaxInterval = 120
	}
	if m.Timezone == "" {
		m.Timezone = "UTC"
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO moderators (id, domain_id, administrator_id, is_hidden, notify_channel_id, work_start_date, timezone, task_min_interval, task_max_interval)
VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.DomainID, m.AdministratorID, m.IsHidden, m.NotifyChannelID, m.WorkStartDate, m.Timezone, m.TaskMinInterval, m.TaskMaxInterval)
	return wrapStore("create moderator", err)
}

func (s *Store) GetModerator(ctx context.Context, id string) (domain.Moderator, error) {
	var m domain.Moderator
	err := s.db.GetContext(ctx, &m, `
SELECT id, domain_id, administrator_id, is_hidden, notify_channel_id, work_start_date, timezone, task_min_interval, task_max_interval, created_at
FROM moderators WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Moderator{}, fmt.Errorf("%w: moderator %s", domain.ErrNotFound, id)
	}
	return m, wrapStore("get moderator", err)
}

// SetWorkStartAnchor records the moderator's work-start date and timezone.
// The anchor is written once: changing it after any dispatch or instance
// exists would invalidate past schedules, so that is rejected.
func (s *Store) SetWorkStartAnchor(ctx context.Context, moderatorID, startDate, timezone string) error {
	has, err := s.HasDispatchHistory(ctx, moderatorID)
	if err != nil {
		return err
	}
	if has {
		return fmt.Errorf("%w: moderator %s already has task history, anchor is immutable", domain.ErrValidation, moderatorID)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE moderators SET work_start_date = ?, timezone = ? WHERE id = ?`, startDate, timezone, moderatorID)
	if err != nil {
		return wrapStore("set anchor", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: moderator %s", domain.ErrNotFound, moderatorID)
	}
	return nil
}

// HasDispatchHistory reports whether any dispatch or materialized instance
// exists for the moderator.
func (s *Store) HasDispatchHistory(ctx context.Context, moderatorID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
SELECT (SELECT COUNT(*) FROM scheduled_dispatches WHERE moderator_id = ?)
     + (SELECT COUNT(*) FROM task_instances WHERE moderator_id = ?)`, moderatorID, moderatorID)
	return n > 0, wrapStore("dispatch history", err)
}

// --- send configs ---

type sendConfigRow struct {
	ID              string    `db:"id"`
	ModeratorID     string    `db:"moderator_id"`
	AdministratorID string    `db:"administrator_id"`
	IsActive        bool      `db:"is_active"`
	StartedAt       time.Time `db:"started_at"`
	DaysConfig      []byte    `db:"days_config"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// ReplaceSendConfig stores the whole days_config document and reconciles the
// compiled dispatch rows for every day it contains, in one transaction.
// Reconciliation per day: unsent rows for tasks removed from the plan are
// deleted, unsent rows for kept tasks get the freshly compiled scheduled_at,
// and sent rows are never touched.
func (s *Store) ReplaceSendConfig(ctx context.Context, cfg domain.SendConfig, compiled map[int][]domain.ScheduledDispatch) error {
	doc, err := json.Marshal(cfg.Days)
	if err != nil {
		return fmt.Errorf("%w: marshal days config: %v", domain.ErrValidation, err)
	}

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return wrapStore("begin replace config", err)
	}
	defer func() { _ = tx.Rollback() }()

	id := cfg.ID
	if id == "" {
		id = "cfg_" + uuid.NewString()
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO send_configs (id, moderator_id, administrator_id, is_active, started_at, days_config)
VALUES (?,?,?,?,CURRENT_TIMESTAMP,?)
ON CONFLICT(moderator_id, administrator_id) DO UPDATE SET
  is_active = excluded.is_active,
  days_config = excluded.days_config,
  updated_at = CURRENT_TIMESTAMP`,
		id, cfg.ModeratorID, cfg.AdministratorID, cfg.IsActive, doc)
	if err != nil {
		return wrapStore("upsert send config", err)
	}

	// The document is replaced wholesale: a work day absent from the new
	// plan loses its pending rows too, not just the tasks within kept days.
	dropDays := `DELETE FROM scheduled_dispatches WHERE moderator_id = ? AND state = 'pending'`
	dropArgs := []any{cfg.ModeratorID}
	if len(compiled) > 0 {
		days := make([]int, 0, len(compiled))
		for d := range compiled {
			days = append(days, d)
		}
		q, inArgs, err := sqlx.In(dropDays+` AND work_day NOT IN (?)`, cfg.ModeratorID, days)
		if err != nil {
			return wrapStore("build dropped-day delete", err)
		}
		dropDays, dropArgs = q, inArgs
	}
	if _, err := tx.ExecContext(ctx, dropDays, dropArgs...); err != nil {
		return wrapStore("delete dropped days", err)
	}

	for workDay, rows := range compiled {
		if err := reconcileDay(ctx, tx, cfg.ModeratorID, workDay, rows); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapStore("commit replace config", err)
	}
	return nil
}

func reconcileDay(ctx context.Context, tx *sqlx.Tx, moderatorID string, workDay int, rows []domain.ScheduledDispatch) error {
	keep := make([]string, 0, len(rows))
	for _, r := range rows {
		keep = append(keep, r.TaskDefinitionID)
	}

	// Removing a task from an unsent plan cancels its dispatch. Only pending
	// rows are touched: sent rows are immutable history, and claimed rows
	// belong to the in-flight dispatcher until it sends or releases them.
	del := `DELETE FROM scheduled_dispatches WHERE moderator_id = ? AND work_day = ? AND state = 'pending'`
	args := []any{moderatorID, workDay}
	if len(keep) > 0 {
		q, inArgs, err := sqlx.In(del+` AND task_definition_id NOT IN (?)`, moderatorID, workDay, keep)
		if err != nil {
			return wrapStore("build day delete", err)
		}
		del, args = q, inArgs
	}
	if _, err := tx.ExecContext(ctx, del, args...); err != nil {
		return wrapStore("delete removed dispatches", err)
	}

	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO scheduled_dispatches (id, task_definition_id, moderator_id, work_day, scheduled_at, source, state)
VALUES (?,?,?,?,?,?,'pending')
ON CONFLICT(moderator_id, task_definition_id, work_day) DO UPDATE SET
  scheduled_at = excluded.scheduled_at,
  source = excluded.source,
  updated_at = CURRENT_TIMESTAMP
WHERE scheduled_dispatches.state = 'pending'`,
			r.ID, r.TaskDefinitionID, r.ModeratorID, r.WorkDay, r.ScheduledAt, r.Source); err != nil {
			return wrapStore("upsert dispatch", err)
		}
	}
	return nil
}

// GetSendConfig returns the live config for the moderator, or ErrNotFound.
func (s *Store) GetSendConfig(ctx context.Context, moderatorID string) (domain.SendConfig, error) {
	var row sendConfigRow
	err := s.db.GetContext(ctx, &row, `
SELECT id, moderator_id, administrator_id, is_active, started_at, days_config, created_at, updated_at
FROM send_configs WHERE moderator_id = ? AND is_active = 1`, moderatorID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SendConfig{}, fmt.Errorf("%w: send config for %s", domain.ErrNotFound, moderatorID)
	}
	if err != nil {
		return domain.SendConfig{}, wrapStore("get send config", err)
	}

	days := map[int]domain.DayPlan{}
	if err := json.Unmarshal(row.DaysConfig, &days); err != nil {
		return domain.SendConfig{}, fmt.Errorf("%w: corrupt days config for %s: %v", domain.ErrInvalidConfiguration, moderatorID, err)
	}
	return domain.SendConfig{
		ID:              row.ID,
		ModeratorID:     row.ModeratorID,
		AdministratorID: row.AdministratorID,
		IsActive:        row.IsActive,
		StartedAt:       row.StartedAt,
		Days:            days,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}, nil
}

// --- dispatch claim / send ---

const dispatchCols = `id, task_definition_id, moderator_id, work_day, scheduled_at, source, state, claimed_at, attempts, is_sent, sent_at, created_at, updated_at`

// ClaimDue atomically selects up to limit due pending rows and flips them to
// claimed. Two dispatcher instances ticking at once split the due set; no row
// is claimed twice.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledDispatch, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, wrapStore("begin claim", err)
	}
	defer func() { _ = tx.Rollback() }()

	var rows []domain.ScheduledDispatch
	err = tx.SelectContext(ctx, &rows, `
SELECT `+dispatchCols+`
FROM scheduled_dispatches
WHERE state = 'pending' AND scheduled_at <= ?
ORDER BY scheduled_at ASC
LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, wrapStore("select due", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	q, args, err := sqlx.In(`
UPDATE scheduled_dispatches
SET state = 'claimed', claimed_at = ?, updated_at = CURRENT_TIMESTAMP
WHERE id IN (?) AND state = 'pending'`, now.UTC(), ids)
	if err != nil {
		return nil, wrapStore("build claim update", err)
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return nil, wrapStore("claim update", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapStore("commit claim", err)
	}

	claimed := now.UTC()
	for i := range rows {
		rows[i].State = domain.StateClaimed
		rows[i].ClaimedAt = &claimed
	}
	return rows, nil
}

// MarkSent flips a dispatch to sent exactly once. A second call is a no-op
// reported as ErrAlreadySent, which callers treat as benign.
func (s *Store) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_dispatches
SET state = 'sent', is_sent = 1, sent_at = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND is_sent = 0`, sentAt.UTC(), id)
	if err != nil {
		return wrapStore("mark sent", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var sent bool
		if err := s.db.GetContext(ctx, &sent, `SELECT is_sent FROM scheduled_dispatches WHERE id = ?`, id); err != nil {
			return wrapStore("mark sent recheck", err)
		}
		if sent {
			return domain.ErrAlreadySent
		}
		return fmt.Errorf("%w: dispatch %s", domain.ErrNotFound, id)
	}
	return nil
}

// ReleaseClaim puts a claimed row back to pending for a later tick,
// optionally counting a failed attempt.
func (s *Store) ReleaseClaim(ctx context.Context, id string, countAttempt bool) error {
	bump := 0
	if countAttempt {
		bump = 1
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE scheduled_dispatches
SET state = 'pending', claimed_at = NULL, attempts = attempts + ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND state = 'claimed'`, bump, id)
	return wrapStore("release claim", err)
}

// RecoverStaleClaims returns claims older than cutoff to pending, so a crash
// mid-dispatch never strands a row in claimed forever.
func (s *Store) RecoverStaleClaims(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_dispatches
SET state = 'pending', claimed_at = NULL, updated_at = CURRENT_TIMESTAMP
WHERE state = 'claimed' AND claimed_at <= ?`, cutoff.UTC())
	if err != nil {
		return 0, wrapStore("recover stale claims", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListDispatches returns the audit rows for a moderator's work day, sent or
// not, ordered by scheduled time.
func (s *Store) ListDispatches(ctx context.Context, moderatorID string, workDay int) ([]domain.ScheduledDispatch, error) {
	var rows []domain.ScheduledDispatch
	err := s.db.SelectContext(ctx, &rows, `
SELECT `+dispatchCols+`
FROM scheduled_dispatches
WHERE moderator_id = ? AND work_day = ?
ORDER BY scheduled_at ASC`, moderatorID, workDay)
	return rows, wrapStore("list dispatches", err)
}

func (s *Store) GetDispatch(ctx context.Context, id string) (domain.ScheduledDispatch, error) {
	var d domain.ScheduledDispatch
	err := s.db.GetContext(ctx, &d, `
SELECT `+dispatchCols+` FROM scheduled_dispatches WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledDispatch{}, fmt.Errorf("%w: dispatch %s", domain.ErrNotFound, id)
	}
	return d, wrapStore("get dispatch", err)
}

// --- task instances ---

// CreateTaskInstance materializes a work item. Idempotent: when an instance
// already exists for the (moderator, definition, work day) tuple, its id is
// returned and nothing is written.
func (s *Store) CreateTaskInstance(ctx context.Context, inst domain.TaskInstance) (string, error) {
	id := inst.ID
	if id == "" {
		id = "tin_" + uuid.NewString()
	}
	status := inst.Status
	if status == "" {
		status = "pending"
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO task_instances (id, task_definition_id, moderator_id, work_day, status)
VALUES (?,?,?,?,?)
ON CONFLICT(moderator_id, task_definition_id, work_day) DO NOTHING`,
		id, inst.TaskDefinitionID, inst.ModeratorID, inst.WorkDay, status)
	if err != nil {
		return "", wrapStore("create task instance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var existing string
		err := s.db.GetContext(ctx, &existing, `
SELECT id FROM task_instances WHERE moderator_id = ? AND task_definition_id = ? AND work_day = ?`,
			inst.ModeratorID, inst.TaskDefinitionID, inst.WorkDay)
		return existing, wrapStore("get existing instance", err)
	}
	return id, nil
}

func (s *Store) ListTaskInstances(ctx context.Context, moderatorID string, workDay int) ([]domain.TaskInstance, error) {
	var rows []domain.TaskInstance
	err := s.db.SelectContext(ctx, &rows, `
SELECT id, task_definition_id, moderator_id, work_day, status, created_at
FROM task_instances
WHERE moderator_id = ? AND work_day = ?
ORDER BY created_at ASC`, moderatorID, workDay)
	return rows, wrapStore("list task instances", err)
}

// --- notification jobs ---

func (s *Store) EnqueueNotification(ctx context.Context, targetUserID string, payload []byte) (string, error) {
	id := "ntf_" + uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO notification_jobs (id, target_user_id, payload) VALUES (?,?,?)`, id, targetUserID, payload)
	if err != nil {
		return "", wrapStore("enqueue notification", err)
	}
	return id, nil
}

func (s *Store) CountNotifications(ctx context.Context, targetUserID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM notification_jobs WHERE target_user_id = ?`, targetUserID)
	return n, wrapStore("count notifications", err)
}

// --- gating data ---

func (s *Store) AddRequiredTest(ctx context.Context, domainID, testID, title string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO required_tests (domain_id, test_id, title) VALUES (?,?,?)`, domainID, testID, title)
	return wrapStore("add required test", err)
}

func (s *Store) RecordTestPass(ctx context.Context, moderatorID, testID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO test_passes (moderator_id, test_id) VALUES (?,?)
ON CONFLICT(moderator_id, test_id) DO NOTHING`, moderatorID, testID)
	return wrapStore("record test pass", err)
}

// OutstandingTests returns the titles of required tests the moderator has not
// passed, in a stable order.
func (s *Store) OutstandingTests(ctx context.Context, moderatorID, domainID string) ([]string, error) {
	var titles []string
	err := s.db.SelectContext(ctx, &titles, `
SELECT rt.title
FROM required_tests rt
LEFT JOIN test_passes tp ON tp.test_id = rt.test_id AND tp.moderator_id = ?
WHERE rt.domain_id = ? AND tp.test_id IS NULL
ORDER BY rt.test_id`, moderatorID, domainID)
	return titles, wrapStore("outstanding tests", err)
}
