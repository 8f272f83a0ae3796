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

// ---------------- ORDERS ----------------

// InsertOrder → insert the order row and its item snapshots
func (d *DB) InsertOrder(ctx context.Context, o *models.Order) error {
	if _, err := d.Bun.NewInsert().Model(o).Exec(ctx); err != nil {
		return err
	}
	if len(o.Items) == 0 {
		return nil
	}
	_, err := d.Bun.NewInsert().Model(&o.Items).Exec(ctx)
	return err
}

// GetOrder → fetch one order with its items
func (d *DB) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var o models.Order
	err := d.Bun.NewSelect().
		Model(&o).
		Relation("Items", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("oi.product_id ASC")
		}).
		Where("o.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// UpdateOrder → write mutable columns if the version is unchanged
func (d *DB) UpdateOrder(ctx context.Context, o *models.Order, prevVersion int64) error {
	res, err := d.Bun.NewUpdate().
		Model(o).
		Column("status", "payment_status", "payment_ref", "version", "updated_at",
			"paid_at", "shipped_at", "delivered_at", "cancelled_at", "returned_at").
		Where("id = ?", o.ID).
		Where("version = ?", prevVersion).
		Exec(ctx)
	if err != nil {
		return err
	}
	return database.CheckAffected(res)
}

func (d *DB) ListByCustomer(ctx context.Context, customerID string) ([]models.Order, error) {
	return d.list(ctx, "o.customer_id = ?", customerID)
}

func (d *DB) ListBySeller(ctx context.Context, sellerID string) ([]models.Order, error) {
	return d.list(ctx, "o.seller_id = ?", sellerID)
}

func (d *DB) list(ctx context.Context, where string, arg string) ([]models.Order, error) {
	var orders []models.Order
	err := d.Bun.NewSelect().
		Model(&orders).
		Relation("Items").
		Where(where, arg).
		Order("o.created_at DESC").
		Scan(ctx)
	return orders, err
}

// ---------------- STATUS LOG ----------------

func (d *DB) InsertStatusChange(ctx context.Context, c *models.OrderStatusChange) error {
	_, err := d.Bun.NewInsert().Model(c).Exec(ctx)
	return err
}

func (d *DB) ListStatusChanges(ctx context.Context, orderID string) ([]models.OrderStatusChange, error) {
	var changes []models.OrderStatusChange
	err := d.Bun.NewSelect().
		Model(&changes).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Scan(ctx)
	return changes, err
}
