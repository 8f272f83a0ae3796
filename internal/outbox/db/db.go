package db

import (
	"context"
	"time"

	"ms-fulfillment/internal/database"
	"ms-fulfillment/internal/models"

	"github.com/uptrace/bun"
)

type DB struct {
	Bun bun.IDB
}

func (d *DB) Insert(ctx context.Context, a *models.PendingAction) error {
	_, err := d.Bun.NewInsert().Model(a).Exec(ctx)
	return err
}

func (d *DB) Get(ctx context.Context, id string) (*models.PendingAction, error) {
	var a models.PendingAction
	err := d.Bun.NewSelect().Model(&a).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListDue returns pending actions of the given kinds whose retry time has come and whose lease, if any, expired.
func (d *DB) ListDue(ctx context.Context, now time.Time, kinds []string, limit int) ([]models.PendingAction, error) {
	var actions []models.PendingAction
	if len(kinds) == 0 {
		return actions, nil
	}
	err := d.Bun.NewSelect().
		Model(&actions).
		Where("status = ?", models.ActionPending).
		Where("kind IN (?)", bun.In(kinds)).
		Where("next_attempt_at <= ?", now).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("lease_until IS NULL").WhereOr("lease_until <= ?", now)
		}).
		Order("created_at ASC").
		Limit(limit).
		Scan(ctx)
	return actions, err
}

// Claim leases the action for one attempt. It fails with ErrStale when another worker got there first.
func (d *DB) Claim(ctx context.Context, a *models.PendingAction, now, leaseUntil time.Time) error {
	res, err := d.Bun.NewUpdate().
		Model((*models.PendingAction)(nil)).
		Set("lease_until = ?", leaseUntil).
		Set("attempts = ?", a.Attempts+1).
		Where("id = ?", a.ID).
		Where("status = ?", models.ActionPending).
		Where("attempts = ?", a.Attempts).
		WhereGroup(" AND ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Where("lease_until IS NULL").WhereOr("lease_until <= ?", now)
		}).
		Exec(ctx)
	if err != nil {
		return err
	}
	if err := database.CheckAffected(res); err != nil {
		return err
	}
	a.Attempts++
	a.LeaseUntil = &leaseUntil
	return nil
}

func (d *DB) MarkDone(ctx context.Context, id string, at time.Time) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.PendingAction)(nil)).
		Set("status = ?", models.ActionDone).
		Set("completed_at = ?", at).
		Set("lease_until = NULL").
		Set("last_error = ''").
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (d *DB) Reschedule(ctx context.Context, id string, next time.Time, lastErr string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.PendingAction)(nil)).
		Set("next_attempt_at = ?", next).
		Set("lease_until = NULL").
		Set("last_error = ?", lastErr).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (d *DB) MarkFailed(ctx context.Context, id string, at time.Time, lastErr string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.PendingAction)(nil)).
		Set("status = ?", models.ActionFailed).
		Set("completed_at = ?", at).
		Set("lease_until = NULL").
		Set("last_error = ?", lastErr).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (d *DB) ListByAggregate(ctx context.Context, aggregateID string) ([]models.PendingAction, error) {
	var actions []models.PendingAction
	err := d.Bun.NewSelect().
		Model(&actions).
		Where("aggregate_id = ?", aggregateID).
		Order("created_at ASC").
		Scan(ctx)
	return actions, err
}
