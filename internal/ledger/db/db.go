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

// EnsureBalance creates an empty balance row for the seller if none exists.
func (d *DB) EnsureBalance(ctx context.Context, sellerID string, now time.Time) error {
	b := &models.SellerBalance{SellerID: sellerID, UpdatedAt: now}
	_, err := d.Bun.NewInsert().
		Model(b).
		On("CONFLICT (seller_id) DO NOTHING").
		Exec(ctx)
	return err
}

func (d *DB) GetBalance(ctx context.Context, sellerID string) (*models.SellerBalance, error) {
	var b models.SellerBalance
	err := d.Bun.NewSelect().
		Model(&b).
		Where("seller_id = ?", sellerID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdateBalance writes b if the stored version still equals prevVersion.
func (d *DB) UpdateBalance(ctx context.Context, b *models.SellerBalance, prevVersion int64) error {
	res, err := d.Bun.NewUpdate().
		Model(b).
		Column("available_balance", "pending_balance", "version", "updated_at").
		Where("seller_id = ?", b.SellerID).
		Where("version = ?", prevVersion).
		Exec(ctx)
	if err != nil {
		return err
	}
	return database.CheckAffected(res)
}

func (d *DB) FindEntry(ctx context.Context, sellerID string, kind models.EntryKind, reference string) (*models.BalanceEntry, error) {
	var e models.BalanceEntry
	err := d.Bun.NewSelect().
		Model(&e).
		Where("seller_id = ?", sellerID).
		Where("kind = ?", kind).
		Where("reference = ?", reference).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (d *DB) InsertEntry(ctx context.Context, e *models.BalanceEntry) error {
	_, err := d.Bun.NewInsert().Model(e).Exec(ctx)
	return err
}

func (d *DB) ListEntries(ctx context.Context, sellerID string) ([]models.BalanceEntry, error) {
	var entries []models.BalanceEntry
	err := d.Bun.NewSelect().
		Model(&entries).
		Where("seller_id = ?", sellerID).
		Order("id ASC").
		Scan(ctx)
	return entries, err
}
