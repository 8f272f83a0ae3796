// Package commission splits a gross sale amount between the marketplace and the seller.
package commission

import (
	"fmt"

	"ms-fulfillment/internal/apperror"
	"ms-fulfillment/internal/models"

	"github.com/shopspring/decimal"
)

// BasisPointsPerUnit is the denominator of a fee rate: 10000 bp = 100%.
const BasisPointsPerUnit = 10000

// Engine is stateless; the fee rate is fixed at construction.
type Engine struct {
	rateBasisPoints int64
}

func NewEngine(rateBasisPoints int64) (*Engine, error) {
	if rateBasisPoints < 0 || rateBasisPoints > BasisPointsPerUnit {
		return nil, fmt.Errorf("commission rate %d bp out of range [0, %d]", rateBasisPoints, BasisPointsPerUnit)
	}
	return &Engine{rateBasisPoints: rateBasisPoints}, nil
}

// NewEngineFromPercent parses a percentage such as "10" or "7.25". More than two decimal
// places cannot be represented in basis points and is rejected.
func NewEngineFromPercent(percent string) (*Engine, error) {
	d, err := decimal.NewFromString(percent)
	if err != nil {
		return nil, fmt.Errorf("parse commission percent %q: %w", percent, err)
	}
	bp := d.Mul(decimal.NewFromInt(100))
	if !bp.Equal(bp.Truncate(0)) {
		return nil, fmt.Errorf("commission percent %q has more than two decimal places", percent)
	}
	return NewEngine(bp.IntPart())
}

func (e *Engine) RateBasisPoints() int64 {
	return e.rateBasisPoints
}

// ComputeSplit rounds the admin fee down to the minor unit; the remainder goes to the seller,
// so AdminFee + SellerAmount always equals the gross amount.
func (e *Engine) ComputeSplit(gross int64) (models.Split, error) {
	if gross <= 0 {
		return models.Split{}, apperror.Validation("commission.ComputeSplit", "gross amount must be positive, got %d", gross)
	}
	// floor(gross*bp/10000) without overflowing int64.
	q, r := gross/BasisPointsPerUnit, gross%BasisPointsPerUnit
	fee := q*e.rateBasisPoints + r*e.rateBasisPoints/BasisPointsPerUnit

	return models.Split{
		GrossAmount:    gross,
		AdminFee:       fee,
		SellerAmount:   gross - fee,
		FeeBasisPoints: e.rateBasisPoints,
	}, nil
}
