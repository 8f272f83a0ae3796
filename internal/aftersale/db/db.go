package db

import (
	"context"

	"ms-fulfillment/internal/database"
	"ms-fulfillment/internal/models"

	"github.com/uptrace/bun"
)

type DB struct {
	Bun bun.IDB
}

// InsertRequest → insert the request and its evidence rows
func (d *DB) InsertRequest(ctx context.Context, req *models.AfterSaleRequest) error {
	if _, err := d.Bun.NewInsert().Model(req).Exec(ctx); err != nil {
		return err
	}
	if len(req.Evidence) == 0 {
		return nil
	}
	_, err := d.Bun.NewInsert().Model(&req.Evidence).Exec(ctx)
	return err
}

func (d *DB) GetRequest(ctx context.Context, id string) (*models.AfterSaleRequest, error) {
	var req models.AfterSaleRequest
	err := d.Bun.NewSelect().
		Model(&req).
		Relation("Evidence").
		Where("asr.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// FindActive → the pending or approved request of an order, if any
func (d *DB) FindActive(ctx context.Context, orderID string) (*models.AfterSaleRequest, error) {
	var req models.AfterSaleRequest
	err := d.Bun.NewSelect().
		Model(&req).
		Where("asr.order_id = ?", orderID).
		Where("asr.status IN (?)", bun.In([]models.AfterSaleStatus{models.AfterSalePending, models.AfterSaleApproved})).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (d *DB) ListByOrder(ctx context.Context, orderID string) ([]models.AfterSaleRequest, error) {
	var out []models.AfterSaleRequest
	err := d.Bun.NewSelect().
		Model(&out).
		Relation("Evidence").
		Where("asr.order_id = ?", orderID).
		Order("asr.created_at ASC").
		Scan(ctx)
	return out, err
}

// UpdateDecision → write the decision if the request is still in prevStatus
func (d *DB) UpdateDecision(ctx context.Context, req *models.AfterSaleRequest, prevStatus models.AfterSaleStatus) error {
	res, err := d.Bun.NewUpdate().
		Model(req).
		Column("status", "decided_by", "decision_note", "decided_at", "updated_at").
		Where("id = ?", req.ID).
		Where("status = ?", prevStatus).
		Exec(ctx)
	if err != nil {
		return err
	}
	return database.CheckAffected(res)
}
