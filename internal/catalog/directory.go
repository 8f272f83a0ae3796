// Package catalog reads product and customer snapshots owned by other services.
package catalog

import (
	"context"
	"fmt"

	"ms-fulfillment/internal/apperror"
	"ms-fulfillment/internal/database"
	"ms-fulfillment/internal/models"

	"github.com/uptrace/bun"
)

type Directory struct {
	Bun *bun.DB
}

func NewDirectory(db *bun.DB) *Directory {
	return &Directory{Bun: db}
}

// GetProducts returns the products found, keyed by id. Missing ids are simply absent.
func (d *Directory) GetProducts(ctx context.Context, ids []string) (map[string]models.Product, error) {
	out := make(map[string]models.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var products []models.Product
	err := database.Conn(ctx, d.Bun).NewSelect().
		Model(&products).
		Where("id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	for _, p := range products {
		out[p.ID] = p
	}
	return out, nil
}

func (d *Directory) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	var c models.Customer
	err := database.Conn(ctx, d.Bun).NewSelect().
		Model(&c).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if database.IsNotFound(err) {
		return nil, apperror.NotFound("catalog.GetCustomer", "customer %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load customer %s: %w", id, err)
	}
	return &c, nil
}
