// Package catalog is the read-only lookup of task definitions: the primary
// templates for a work day, and id/domain resolution for the write path.
package catalog

import (
	"context"

	"github.com/jmoiron/sqlx"

	"modsched/internal/domain"
)

type Catalog struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Catalog { return &Catalog{db: db} }

const defCols = `id, domain_id, title, price, duration_minutes, work_day, is_primary`

// TemplatesForWorkDay returns the definitions flagged primary for the given
// domain and work day, in a stable order. Used for auto-assignment before
// any administrator-authored plan exists for that day.
func (c *Catalog) TemplatesForWorkDay(ctx context.Context, domainID string, workDay int) ([]domain.TaskDefinition, error) {
	var defs []domain.TaskDefinition
	err := c.db.SelectContext(ctx, &defs, `
SELECT `+defCols+`
FROM task_definitions
WHERE domain_id = ? AND work_day = ? AND is_primary = 1
ORDER BY id`, domainID, workDay)
	return defs, err
}

// ByIDs resolves definitions by id. Missing ids are simply absent from the
// result; callers decide whether that is an error.
func (c *Catalog) ByIDs(ctx context.Context, ids []string) (map[string]domain.TaskDefinition, error) {
	if len(ids) == 0 {
		return map[string]domain.TaskDefinition{}, nil
	}
	q, args, err := sqlx.In(`SELECT `+defCols+` FROM task_definitions WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var defs []domain.TaskDefinition
	if err := c.db.SelectContext(ctx, &defs, q, args...); err != nil {
		return nil, err
	}
	out := make(map[string]domain.TaskDefinition, len(defs))
	for _, d := range defs {
		out[d.ID] = d
	}
	return out, nil
}

// Add inserts a definition. The portal's CRUD layer owns templates; this
// exists for seeding and tests.
func (c *Catalog) Add(ctx context.Context, d domain.TaskDefinition) error {
	_, err := c.db.ExecContext(ctx, `
INSERT INTO task_definitions (id, domain_id, title, price, duration_minutes, work_day, is_primary)
VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.DomainID, d.Title, d.Price, d.DurationMinutes, d.WorkDay, d.IsPrimary)
	return err
}
