// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"ms-fulfillment/internal/database"
	"ms-fulfillment/internal/models"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// NewDB returns an in-memory SQLite database with the full schema.
// The pool is pinned to one connection so every query sees the same memory database.
func NewDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)
	sqldb.SetConnMaxLifetime(0)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	require.NoError(t, database.CreateSchema(context.Background(), db))

	t.Cleanup(func() { db.Close() })
	return db
}

// SeedProduct inserts a published product with stock.
func SeedProduct(t *testing.T, db bun.IDB, id, sellerID string, price, stock int64) *models.Product {
	t.Helper()
	p := &models.Product{ID: id, SellerID: sellerID, Name: "Product " + id, Price: price, Stock: stock, Status: models.ProductPublished}
	_, err := db.NewInsert().Model(p).Exec(context.Background())
	require.NoError(t, err)
	return p
}

// SeedCustomer inserts a customer with a full address.
func SeedCustomer(t *testing.T, db bun.IDB, id string) *models.Customer {
	t.Helper()
	c := &models.Customer{
		ID:          id,
		Name:        "Customer " + id,
		Phone:       "+8801700000000",
		AddressLine: "12 Lake Road",
		City:        "Dhaka",
		PostalCode:  "1207",
		Country:     "BD",
	}
	_, err := db.NewInsert().Model(c).Exec(context.Background())
	require.NoError(t, err)
	return c
}

// Clock is a settable time source for deterministic timestamps.
type Clock struct {
	T time.Time
}

func NewClock() *Clock {
	return &Clock{T: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time { return c.T }

func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }
