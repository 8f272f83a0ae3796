package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("approve request: %w", Conflict("aftersale.Open", "order %s already has an active request", "o-1"))

	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Contains(t, err.Error(), "order o-1 already has an active request")
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestErrorMessageFormatting(t *testing.T) {
	cause := errors.New("db closed")
	err := &Error{Kind: KindNotFound, Op: "order.Get", Err: cause}

	assert.Equal(t, "order.Get: not_found: db closed", err.Error())
	assert.ErrorIs(t, err, cause)

	ib := InsufficientBalance("ledger.Debit", "seller-1", 500, 200)
	assert.True(t, errors.Is(ib, ErrInsufficientBalance))
	assert.Equal(t, "ledger.Debit: seller seller-1 needs 500 but holds 200", ib.Error())
}

func TestInvalidTransitionMessage(t *testing.T) {
	err := InvalidTransition("order.Advance", "packing", "delivered")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.False(t, errors.Is(err, ErrInvalidState))
	assert.Contains(t, err.Error(), "cannot move from packing to delivered")
}
