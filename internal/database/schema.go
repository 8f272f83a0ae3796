package database

import (
	"context"
	"fmt"

	"ms-fulfillment/internal/models"

	"github.com/uptrace/bun"
)

// Models lists every table owned or read by the service, parents first.
var Models = []any{
	(*models.Product)(nil),
	(*models.Customer)(nil),
	(*models.Order)(nil),
	(*models.OrderItem)(nil),
	(*models.OrderStatusChange)(nil),
	(*models.Shipping)(nil),
	(*models.ShippingHistory)(nil),
	(*models.Transaction)(nil),
	(*models.SellerBalance)(nil),
	(*models.BalanceEntry)(nil),
	(*models.AfterSaleRequest)(nil),
	(*models.AfterSaleEvidence)(nil),
	(*models.PendingAction)(nil),
}

// indexes are valid on both PostgreSQL and SQLite.
var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_orders_customer ON orders (customer_id)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_seller ON orders (seller_id)`,
	`CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items (order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_order_status_changes_order ON order_status_changes (order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_shippings_status_shipped ON shippings (status, shipped_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_seller ON settlement_transactions (seller_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_after_sale_active_order ON after_sale_requests (order_id) WHERE status IN ('pending', 'approved')`,
	`CREATE INDEX IF NOT EXISTS idx_after_sale_evidence_request ON after_sale_evidence (request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox_actions (status, next_attempt_at)`,
}

// CreateSchema creates all tables from the bun models. Production databases are migrated
// with golang-migrate; this is used by tests and local runs with AUTO_CREATE_SCHEMA.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	for _, model := range Models {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	for _, stmt := range indexes {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}
