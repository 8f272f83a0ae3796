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

// ---------------- SHIPPINGS ----------------

func (d *DB) InsertShipping(ctx context.Context, s *models.Shipping) error {
	_, err := d.Bun.NewInsert().Model(s).Exec(ctx)
	return err
}

func (d *DB) GetShipping(ctx context.Context, id string) (*models.Shipping, error) {
	return d.getBy(ctx, "s.id = ?", id)
}

func (d *DB) GetByOrderID(ctx context.Context, orderID string) (*models.Shipping, error) {
	return d.getBy(ctx, "s.order_id = ?", orderID)
}

func (d *DB) GetByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Shipping, error) {
	return d.getBy(ctx, "s.tracking_number = ?", trackingNumber)
}

func (d *DB) getBy(ctx context.Context, where string, arg string) (*models.Shipping, error) {
	var s models.Shipping
	err := d.Bun.NewSelect().Model(&s).Where(where, arg).Limit(1).Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// TrackingNumberExists → used while minting a new tracking number
func (d *DB) TrackingNumberExists(ctx context.Context, trackingNumber string) (bool, error) {
	return d.Bun.NewSelect().
		Model((*models.Shipping)(nil)).
		Where("tracking_number = ?", trackingNumber).
		Exists(ctx)
}

// UpdateShipping → write mutable columns if the version is unchanged
func (d *DB) UpdateShipping(ctx context.Context, s *models.Shipping, prevVersion int64) error {
	res, err := d.Bun.NewUpdate().
		Model(s).
		Column("status", "carrier", "rider_name", "rider_phone", "version", "updated_at",
			"assigned_at", "shipped_at", "delivered_at").
		Where("id = ?", s.ID).
		Where("version = ?", prevVersion).
		Exec(ctx)
	if err != nil {
		return err
	}
	return database.CheckAffected(res)
}

// ListShippedBefore → shipments still in transit that were handed over before cutoff
func (d *DB) ListShippedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Shipping, error) {
	var out []models.Shipping
	err := d.Bun.NewSelect().
		Model(&out).
		Where("s.status = ?", models.ShippingShipped).
		Where("s.shipped_at <= ?", cutoff).
		Order("s.shipped_at ASC").
		Limit(limit).
		Scan(ctx)
	return out, err
}

// ---------------- HISTORY ----------------

func (d *DB) InsertHistory(ctx context.Context, h *models.ShippingHistory) error {
	_, err := d.Bun.NewInsert().Model(h).Exec(ctx)
	return err
}

// LastHistory → newest history row, nil when the shipment has none yet
func (d *DB) LastHistory(ctx context.Context, shippingID string) (*models.ShippingHistory, error) {
	var rows []models.ShippingHistory
	err := d.Bun.NewSelect().
		Model(&rows).
		Where("shipping_id = ?", shippingID).
		Order("seq DESC").
		Limit(1).
		Scan(ctx)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (d *DB) ListHistory(ctx context.Context, shippingID string) ([]models.ShippingHistory, error) {
	var rows []models.ShippingHistory
	err := d.Bun.NewSelect().
		Model(&rows).
		Where("shipping_id = ?", shippingID).
		Order("seq ASC").
		Scan(ctx)
	return rows, err
}
