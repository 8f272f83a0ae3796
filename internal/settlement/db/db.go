package db

import (
	"context"

	"ms-fulfillment/internal/models"

	"github.com/uptrace/bun"
)

type DB struct {
	Bun bun.IDB
}

func (d *DB) InsertTransaction(ctx context.Context, t *models.Transaction) error {
	_, err := d.Bun.NewInsert().Model(t).Exec(ctx)
	return err
}

func (d *DB) GetByOrderID(ctx context.Context, orderID string) (*models.Transaction, error) {
	var t models.Transaction
	err := d.Bun.NewSelect().
		Model(&t).
		Where("order_id = ?", orderID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateLifecycle writes only status and lifecycle timestamps; amounts are immutable.
func (d *DB) UpdateLifecycle(ctx context.Context, t *models.Transaction) error {
	_, err := d.Bun.NewUpdate().
		Model(t).
		Column("status", "released_at", "reversed_at").
		Where("id = ?", t.ID).
		Exec(ctx)
	return err
}

func (d *DB) ListBySeller(ctx context.Context, sellerID string) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := d.Bun.NewSelect().
		Model(&txs).
		Where("seller_id = ?", sellerID).
		Order("created_at DESC").
		Scan(ctx)
	return txs, err
}
