package domain

import "time"

// TaskSource tells where a scheduled dispatch came from: the per-day template
// catalog or an administrator-curated selection.
type TaskSource string

const (
	SourceTemplate TaskSource = "template"
	SourceCurated  TaskSource = "curated"
)

// Dispatch lifecycle states. Claimed is transient; a claim older than the
// lease timeout is recovered back to pending.
const (
	StatePending = "pending"
	StateClaimed = "claimed"
	StateSent    = "sent"
)

// WorkDayUnset is returned before a moderator's work start date is set.
const WorkDayUnset = 0

// Moderator is the engine's projection of a workforce user: just the fields
// scheduling needs. The full profile lives in the user subsystem.
type Moderator struct {
	ID              string    `db:"id"`
	DomainID        string    `db:"domain_id"`
	AdministratorID string    `db:"administrator_id"`
	IsHidden        bool      `db:"is_hidden"`
	NotifyChannelID *string   `db:"notify_channel_id"`
	WorkStartDate   *string   `db:"work_start_date"` // YYYY-MM-DD, nil until activated
	Timezone        string    `db:"timezone"`
	TaskMinInterval int       `db:"task_min_interval"` // minutes
	TaskMaxInterval int       `db:"task_max_interval"` // minutes
	CreatedAt       time.Time `db:"created_at"`
}

// Anchor returns the moderator's work-start anchor.
func (m Moderator) Anchor() WorkStartAnchor {
	return WorkStartAnchor{ModeratorID: m.ID, WorkStartDate: m.WorkStartDate, Timezone: m.Timezone}
}

// WorkStartAnchor fixes the calendar origin for work-day arithmetic.
type WorkStartAnchor struct {
	ModeratorID   string
	WorkStartDate *string // YYYY-MM-DD
	Timezone      string  // IANA name, UTC when empty
}

// DayPlan is one day's worth of administrator-authored schedule: a send date,
// a local time window and the tasks to deliver inside it.
type DayPlan struct {
	SendDate        string   `json:"send_date" validate:"required,datetime=2006-01-02"`
	StartTime       string   `json:"start_time" validate:"required,datetime=15:04"`
	EndTime         string   `json:"end_time" validate:"required,datetime=15:04"`
	Timezone        string   `json:"timezone"`
	SelectedTaskIDs []string `json:"selected_task_ids" validate:"dive,required"`
}

// SendConfig is the declarative per-(moderator, administrator) schedule.
// Days maps work-day ordinal to a DayPlan; the whole document is replaced on
// every upsert.
type SendConfig struct {
	ID              string
	ModeratorID     string
	AdministratorID string
	IsActive        bool
	StartedAt       time.Time
	Days            map[int]DayPlan
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ScheduledDispatch is one promised delivery: task X to moderator Y on work
// day Z at ScheduledAt. Rows are never deleted once sent; they are the audit
// trail of what was promised and when it fired.
type ScheduledDispatch struct {
	ID               string     `db:"id"`
	TaskDefinitionID string     `db:"task_definition_id"`
	ModeratorID      string     `db:"moderator_id"`
	WorkDay          int        `db:"work_day"`
	ScheduledAt      time.Time  `db:"scheduled_at"`
	Source           TaskSource `db:"source"`
	State            string     `db:"state"`
	ClaimedAt        *time.Time `db:"claimed_at"`
	Attempts         int        `db:"attempts"`
	IsSent           bool       `db:"is_sent"`
	SentAt           *time.Time `db:"sent_at"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// TaskDefinition is a template a dispatch materializes from.
type TaskDefinition struct {
	ID              string  `db:"id"`
	DomainID        string  `db:"domain_id"`
	Title           string  `db:"title"`
	Price           float64 `db:"price"`
	DurationMinutes int     `db:"duration_minutes"`
	WorkDay         int     `db:"work_day"` // day affinity for primary templates
	IsPrimary       bool    `db:"is_primary"`
}

// TaskInstance is the concrete work item a moderator sees. Created exactly
// once per (moderator, definition, work day); its lifecycle past creation
// belongs to the portal's CRUD layer.
type TaskInstance struct {
	ID               string    `db:"id"`
	TaskDefinitionID string    `db:"task_definition_id"`
	ModeratorID      string    `db:"moderator_id"`
	WorkDay          int       `db:"work_day"`
	Status           string    `db:"status"`
	CreatedAt        time.Time `db:"created_at"`
}

// NotificationJob is a queued, fire-and-forget notification. Delivery is the
// transport collaborator's problem.
type NotificationJob struct {
	ID           string    `db:"id"`
	TargetUserID string    `db:"target_user_id"`
	Payload      []byte    `db:"payload"`
	CreatedAt    time.Time `db:"created_at"`
}
