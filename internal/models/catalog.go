package models

import "github.com/uptrace/bun"

type ProductStatus string

const (
	ProductPublished ProductStatus = "published"
	ProductDraft     ProductStatus = "draft"
)

// Product is owned by the catalog service; this service only reads it.
type Product struct {
	bun.BaseModel `bun:"table:products,alias:p"`

	ID       string        `bun:"id,pk" json:"id"`
	SellerID string        `bun:"seller_id,notnull" json:"seller_id"`
	Name     string        `bun:"name,notnull" json:"name"`
	Price    int64         `bun:"price,notnull" json:"price"`
	Stock    int64         `bun:"stock,notnull" json:"stock"`
	Status   ProductStatus `bun:"status,notnull" json:"status"`
}

// Customer is owned by the customer directory; this service only reads it.
type Customer struct {
	bun.BaseModel `bun:"table:customers,alias:c"`

	ID          string `bun:"id,pk" json:"id"`
	Name        string `bun:"name,notnull" json:"name"`
	Phone       string `bun:"phone" json:"phone"`
	AddressLine string `bun:"address_line" json:"address_line"`
	City        string `bun:"city" json:"city"`
	PostalCode  string `bun:"postal_code" json:"postal_code"`
	Country     string `bun:"country" json:"country"`
}
