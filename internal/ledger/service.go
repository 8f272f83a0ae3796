// Package ledger keeps each seller's available and pending balances.
// Credit, Release and Debit are the only operations that change a balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-fulfillment/internal/apperror"
	"ms-fulfillment/internal/database"
	ledgerdb "ms-fulfillment/internal/ledger/db"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"

	"github.com/uptrace/bun"
)

const maxVersionRetries = 5

type Service struct {
	Bun    *bun.DB
	Logger *logger.Logger
	Now    func() time.Time
}

func NewService(db *bun.DB, log *logger.Logger) *Service {
	return &Service{Bun: db, Logger: log, Now: time.Now}
}

func (s *Service) repo(ctx context.Context) *ledgerdb.DB {
	return &ledgerdb.DB{Bun: database.Conn(ctx, s.Bun)}
}

// deltaFunc decides the pending and available deltas for a mutation against the current balance.
type deltaFunc func(b *models.SellerBalance, amount int64) (pending, available int64, err error)

// Credit adds amount to the seller's pending balance.
func (s *Service) Credit(ctx context.Context, sellerID string, amount int64, reference string) (*models.SellerBalance, error) {
	return s.apply(ctx, "ledger.Credit", sellerID, models.EntryCredit, amount, reference,
		func(_ *models.SellerBalance, amount int64) (int64, int64, error) {
			return amount, 0, nil
		})
}

// Release moves amount from pending to available.
func (s *Service) Release(ctx context.Context, sellerID string, amount int64, reference string) (*models.SellerBalance, error) {
	return s.apply(ctx, "ledger.Release", sellerID, models.EntryRelease, amount, reference,
		func(b *models.SellerBalance, amount int64) (int64, int64, error) {
			if b.PendingBalance < amount {
				return 0, 0, apperror.InvalidState("ledger.Release", "seller %s has %d pending, cannot release %d", b.SellerID, b.PendingBalance, amount)
			}
			return -amount, amount, nil
		})
}

// Debit takes amount from available first and then from pending. If both together cannot
// cover it nothing changes and an insufficient balance error is returned.
func (s *Service) Debit(ctx context.Context, sellerID string, amount int64, reference string) (*models.SellerBalance, error) {
	return s.apply(ctx, "ledger.Debit", sellerID, models.EntryDebit, amount, reference,
		func(b *models.SellerBalance, amount int64) (int64, int64, error) {
			if b.Total() < amount {
				return 0, 0, apperror.InsufficientBalance("ledger.Debit", b.SellerID, amount, b.Total())
			}
			fromAvailable := min(amount, b.AvailableBalance)
			return -(amount - fromAvailable), -fromAvailable, nil
		})
}

// GetBalance returns a zero balance for sellers that have never been credited.
func (s *Service) GetBalance(ctx context.Context, sellerID string) (*models.SellerBalance, error) {
	b, err := s.repo(ctx).GetBalance(ctx, sellerID)
	if database.IsNotFound(err) {
		return &models.SellerBalance{SellerID: sellerID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance for %s: %w", sellerID, err)
	}
	return b, nil
}

func (s *Service) Entries(ctx context.Context, sellerID string) ([]models.BalanceEntry, error) {
	return s.repo(ctx).ListEntries(ctx, sellerID)
}

func (s *Service) apply(ctx context.Context, op, sellerID string, kind models.EntryKind, amount int64, reference string, delta deltaFunc) (*models.SellerBalance, error) {
	if sellerID == "" {
		return nil, apperror.Validation(op, "seller id is required")
	}
	if amount <= 0 {
		return nil, apperror.Validation(op, "amount must be positive, got %d", amount)
	}
	if reference == "" {
		return nil, apperror.Validation(op, "reference is required")
	}

	var result *models.SellerBalance
	err := database.RunInTx(ctx, s.Bun, func(ctx context.Context) error {
		repo := s.repo(ctx)

		if _, err := repo.FindEntry(ctx, sellerID, kind, reference); err == nil {
			s.Logger.LogLedger(string(kind), sellerID, fmt.Sprintf("reference %s already applied, skipping", reference))
			b, err := repo.GetBalance(ctx, sellerID)
			result = b
			return err
		} else if !database.IsNotFound(err) {
			return err
		}

		now := s.Now().UTC()
		if err := repo.EnsureBalance(ctx, sellerID, now); err != nil {
			return fmt.Errorf("ensure balance row: %w", err)
		}

		var entry models.BalanceEntry
		err := database.Retry(ctx, maxVersionRetries, func() error {
			b, err := repo.GetBalance(ctx, sellerID)
			if err != nil {
				return err
			}
			pendingDelta, availableDelta, err := delta(b, amount)
			if err != nil {
				return err
			}
			prev := b.Version
			b.PendingBalance += pendingDelta
			b.AvailableBalance += availableDelta
			b.Version++
			b.UpdatedAt = now
			if err := repo.UpdateBalance(ctx, b, prev); err != nil {
				return err
			}
			result = b
			entry = models.BalanceEntry{
				SellerID:       sellerID,
				Kind:           kind,
				Reference:      reference,
				Amount:         amount,
				PendingDelta:   pendingDelta,
				AvailableDelta: availableDelta,
				CreatedAt:      now,
			}
			return nil
		})
		if err != nil {
			return err
		}
		return repo.InsertEntry(ctx, &entry)
	})
	if err != nil {
		if errors.Is(err, apperror.ErrInsufficientBalance) {
			s.Logger.Critical("LEDGER", fmt.Sprintf("%s refused for seller %s (ref %s): %v", kind, sellerID, reference, err))
		} else {
			s.Logger.Error("LEDGER", fmt.Sprintf("%s failed for seller %s (ref %s): %v", kind, sellerID, reference, err))
		}
		return nil, err
	}

	s.Logger.LogLedger(string(kind), sellerID, fmt.Sprintf("amount=%d ref=%s available=%d pending=%d",
		amount, reference, result.AvailableBalance, result.PendingBalance))
	return result, nil
}
