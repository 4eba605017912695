// Package notify hands dispatch notifications to the delivery collaborator.
// The engine only enqueues a durable job; transport and delivery semantics
// live elsewhere.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/time/rate"

	"modsched/internal/store"
)

// Channel is the fire-and-forget enqueue interface the dispatcher consumes.
type Channel interface {
	Enqueue(ctx context.Context, targetUserID string, payload []byte) error
}

// Payload is what the administrator's client receives when a task fires.
type Payload struct {
	ModeratorID      string    `json:"moderator_id"`
	TaskInstanceID   string    `json:"task_instance_id"`
	TaskDefinitionID string    `json:"task_definition_id"`
	WorkDay          int       `json:"work_day"`
	ScheduledAt      time.Time `json:"scheduled_at"`
}

func (p Payload) Marshal() ([]byte, error) { return json.Marshal(p) }

// Queue writes jobs into the notification_jobs table, rate limited so a
// backlog flush cannot flood the delivery side.
type Queue struct {
	store   *store.Store
	limiter *rate.Limiter
}

func NewQueue(s *store.Store, perSecond float64, burst int) *Queue {
	return &Queue{store: s, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (q *Queue) Enqueue(ctx context.Context, targetUserID string, payload []byte) error {
	if err := q.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := q.store.EnqueueNotification(ctx, targetUserID, payload)
	return err
}

var _ Channel = (*Queue)(nil)
