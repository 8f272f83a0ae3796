// Package settlement records the commission split of an order as an immutable Transaction
// and moves the seller's share through the balance ledger.
package settlement

import (
	"context"
	"fmt"
	"time"

	"ms-fulfillment/internal/apperror"
	"ms-fulfillment/internal/commission"
	"ms-fulfillment/internal/database"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	settlementdb "ms-fulfillment/internal/settlement/db"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Ledger is the balance ledger as seen by settlement.
type Ledger interface {
	Credit(ctx context.Context, sellerID string, amount int64, reference string) (*models.SellerBalance, error)
	Release(ctx context.Context, sellerID string, amount int64, reference string) (*models.SellerBalance, error)
	Debit(ctx context.Context, sellerID string, amount int64, reference string) (*models.SellerBalance, error)
}

type Service struct {
	Bun    *bun.DB
	Engine *commission.Engine
	Ledger Ledger
	Logger *logger.Logger
	Now    func() time.Time
}

func NewService(db *bun.DB, engine *commission.Engine, ledger Ledger, log *logger.Logger) *Service {
	return &Service{Bun: db, Engine: engine, Ledger: ledger, Logger: log, Now: time.Now}
}

func (s *Service) repo(ctx context.Context) *settlementdb.DB {
	return &settlementdb.DB{Bun: database.Conn(ctx, s.Bun)}
}

// Settle splits the order total and credits the seller's pending balance. Calling it again
// for the same order returns the existing transaction.
func (s *Service) Settle(ctx context.Context, order *models.Order) (*models.Transaction, error) {
	var txn *models.Transaction
	err := database.RunInTx(ctx, s.Bun, func(ctx context.Context) error {
		repo := s.repo(ctx)
		existing, err := repo.GetByOrderID(ctx, order.ID)
		if err == nil {
			txn = existing
			return nil
		}
		if !database.IsNotFound(err) {
			return err
		}

		split, err := s.Engine.ComputeSplit(order.TotalAmount)
		if err != nil {
			return err
		}
		txn = &models.Transaction{
			ID:             uuid.New().String(),
			OrderID:        order.ID,
			SellerID:       order.SellerID,
			GrossAmount:    split.GrossAmount,
			AdminFee:       split.AdminFee,
			SellerAmount:   split.SellerAmount,
			FeeBasisPoints: split.FeeBasisPoints,
			Status:         models.TransactionSucceeded,
			CreatedAt:      s.Now().UTC(),
		}
		if err := repo.InsertTransaction(ctx, txn); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		if txn.SellerAmount > 0 {
			if _, err := s.Ledger.Credit(ctx, txn.SellerID, txn.SellerAmount, txn.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Logger.LogOrder("SETTLE", order.ID, fmt.Sprintf("transaction %s gross=%d fee=%d seller=%d",
		txn.ID, txn.GrossAmount, txn.AdminFee, txn.SellerAmount))
	return txn, nil
}

// Release makes the seller amount withdrawable. Already released transactions are left alone.
func (s *Service) Release(ctx context.Context, orderID string) (*models.Transaction, error) {
	var txn *models.Transaction
	err := database.RunInTx(ctx, s.Bun, func(ctx context.Context) error {
		var err error
		txn, err = s.get(ctx, "settlement.Release", orderID)
		if err != nil {
			return err
		}
		if txn.Status == models.TransactionReversed {
			return apperror.InvalidState("settlement.Release", "transaction for order %s is reversed", orderID)
		}
		if txn.ReleasedAt != nil {
			return nil
		}
		if txn.SellerAmount > 0 {
			if _, err := s.Ledger.Release(ctx, txn.SellerID, txn.SellerAmount, txn.ID); err != nil {
				return err
			}
		}
		now := s.Now().UTC()
		txn.ReleasedAt = &now
		return s.repo(ctx).UpdateLifecycle(ctx, txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// Reverse debits the seller exactly the original seller amount and marks the transaction
// reversed. A reversed transaction is never debited twice.
func (s *Service) Reverse(ctx context.Context, orderID string) (*models.Transaction, error) {
	var txn *models.Transaction
	err := database.RunInTx(ctx, s.Bun, func(ctx context.Context) error {
		var err error
		txn, err = s.get(ctx, "settlement.Reverse", orderID)
		if err != nil {
			return err
		}
		if txn.Status == models.TransactionReversed {
			return nil
		}
		if txn.SellerAmount > 0 {
			if _, err := s.Ledger.Debit(ctx, txn.SellerID, txn.SellerAmount, txn.ID); err != nil {
				return err
			}
		}
		now := s.Now().UTC()
		txn.Status = models.TransactionReversed
		txn.ReversedAt = &now
		return s.repo(ctx).UpdateLifecycle(ctx, txn)
	})
	if err != nil {
		return nil, err
	}
	s.Logger.LogOrder("REVERSE", orderID, fmt.Sprintf("transaction %s reversed, seller debited %d", txn.ID, txn.SellerAmount))
	return txn, nil
}

// GetByOrder returns the settlement of an order or a not found error.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*models.Transaction, error) {
	return s.get(ctx, "settlement.GetByOrder", orderID)
}

func (s *Service) get(ctx context.Context, op, orderID string) (*models.Transaction, error) {
	txn, err := s.repo(ctx).GetByOrderID(ctx, orderID)
	if database.IsNotFound(err) {
		return nil, apperror.NotFound(op, "no settlement for order %s", orderID)
	}
	if err != nil {
		return nil, err
	}
	return txn, nil
}
