// Package gating answers one question: may this moderator receive tasks at
// all? Consulted by the send-config write path and again by the dispatcher
// before materializing, since a moderator can be deactivated in between.
package gating

import (
	"context"

	"modsched/internal/domain"
	"modsched/internal/store"
)

// Policy is the collaborator interface. Detail names the unmet gates so an
// administrator sees what is outstanding rather than a generic failure.
type Policy interface {
	CanReceiveTasks(ctx context.Context, moderatorID string) (ok bool, detail []string, err error)
}

// StorePolicy gates on the engine's own tables: the moderator exists, is not
// hidden, has a work-start anchor, and has passed every required test for
// their domain.
type StorePolicy struct {
	store *store.Store
}

func New(s *store.Store) *StorePolicy { return &StorePolicy{store: s} }

func (p *StorePolicy) CanReceiveTasks(ctx context.Context, moderatorID string) (bool, []string, error) {
	mod, err := p.store.GetModerator(ctx, moderatorID)
	if err != nil {
		return false, nil, err
	}

	var detail []string
	if mod.IsHidden {
		detail = append(detail, "moderator is hidden")
	}
	if mod.WorkStartDate == nil {
		detail = append(detail, "work start date not set")
	}

	outstanding, err := p.store.OutstandingTests(ctx, mod.ID, mod.DomainID)
	if err != nil {
		return false, nil, err
	}
	for _, title := range outstanding {
		detail = append(detail, "test not passed: "+title)
	}

	return len(detail) == 0, detail, nil
}

var _ Policy = (*StorePolicy)(nil)

// Failure wraps gate detail into the error callers surface.
func Failure(detail []string) error {
	return &domain.GateFailure{Outstanding: detail}
}
