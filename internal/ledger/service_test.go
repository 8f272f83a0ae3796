package ledger_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"ms-fulfillment/internal/apperror"
	"ms-fulfillment/internal/database"
	"ms-fulfillment/internal/ledger"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*ledger.Service, *bytes.Buffer) {
	var buf bytes.Buffer
	svc := ledger.NewService(testutil.NewDB(t), logger.NewWriterLogger(&buf))
	svc.Now = testutil.NewClock().Now
	return svc, &buf
}

func TestCreditReleaseDebit(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	b, err := svc.Credit(ctx, "seller-1", 2250, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2250), b.PendingBalance)
	assert.Equal(t, int64(0), b.AvailableBalance)

	b, err = svc.Release(ctx, "seller-1", 2250, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.PendingBalance)
	assert.Equal(t, int64(2250), b.AvailableBalance)

	_, err = svc.Credit(ctx, "seller-1", 1000, "txn-2")
	require.NoError(t, err)

	// 2250 available and 1000 pending: available is drained first.
	b, err = svc.Debit(ctx, "seller-1", 3000, "refund-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.AvailableBalance)
	assert.Equal(t, int64(250), b.PendingBalance)

	got, err := svc.GetBalance(ctx, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, b.AvailableBalance, got.AvailableBalance)
	assert.Equal(t, b.PendingBalance, got.PendingBalance)
}

func TestGetBalanceUnknownSellerIsZero(t *testing.T) {
	svc, _ := newService(t)

	b, err := svc.GetBalance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, "nobody", b.SellerID)
	assert.Equal(t, int64(0), b.Total())
}

func TestDebitInsufficientBalanceLeavesBalanceUntouched(t *testing.T) {
	svc, logs := newService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, "seller-1", 500, "txn-1")
	require.NoError(t, err)

	_, err = svc.Debit(ctx, "seller-1", 501, "refund-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrInsufficientBalance))
	assert.Contains(t, logs.String(), "CRITICAL")

	b, err := svc.GetBalance(ctx, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.PendingBalance)
	assert.Equal(t, int64(0), b.AvailableBalance)

	entries, err := svc.Entries(ctx, "seller-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReleaseMoreThanPendingFails(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, "seller-1", 100, "txn-1")
	require.NoError(t, err)

	_, err = svc.Release(ctx, "seller-1", 101, "txn-1")
	assert.True(t, errors.Is(err, apperror.ErrInvalidState))
}

func TestRejectsInvalidInput(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	for _, tc := range []struct {
		seller string
		amount int64
		ref    string
	}{
		{"seller-1", 0, "r"},
		{"seller-1", -5, "r"},
		{"", 10, "r"},
		{"seller-1", 10, ""},
	} {
		_, err := svc.Credit(ctx, tc.seller, tc.amount, tc.ref)
		assert.True(t, errors.Is(err, apperror.ErrValidation), "%+v", tc)
	}
}

func TestSameReferenceAppliedOnce(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, "seller-1", 700, "txn-1")
	require.NoError(t, err)
	b, err := svc.Credit(ctx, "seller-1", 700, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(700), b.PendingBalance)

	entries, err := svc.Entries(ctx, "seller-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMutationsJoinCallerTransaction(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	boom := errors.New("rollback")
	err := database.RunInTx(ctx, svc.Bun, func(ctx context.Context) error {
		if _, err := svc.Credit(ctx, "seller-1", 900, "txn-1"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	b, err := svc.GetBalance(ctx, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Total())
}

func TestConcurrentCreditsLoseNothing(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.Credit(ctx, "seller-1", 100, fmt.Sprintf("txn-%d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("credit failed: %v", err)
	}

	b, err := svc.GetBalance(ctx, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*100), b.PendingBalance)
}

func TestJournalMatchesBalance(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	steps := []struct {
		kind   models.EntryKind
		amount int64
	}{
		{models.EntryCredit, 1200},
		{models.EntryCredit, 800},
		{models.EntryRelease, 1200},
		{models.EntryDebit, 1500},
		{models.EntryCredit, 40},
	}
	for i, st := range steps {
		ref := fmt.Sprintf("ref-%d", i)
		var err error
		switch st.kind {
		case models.EntryCredit:
			_, err = svc.Credit(ctx, "seller-1", st.amount, ref)
		case models.EntryRelease:
			_, err = svc.Release(ctx, "seller-1", st.amount, ref)
		case models.EntryDebit:
			_, err = svc.Debit(ctx, "seller-1", st.amount, ref)
		}
		require.NoError(t, err)
	}

	entries, err := svc.Entries(ctx, "seller-1")
	require.NoError(t, err)
	var credits, debits int64
	for _, e := range entries {
		switch e.Kind {
		case models.EntryCredit:
			credits += e.Amount
		case models.EntryDebit:
			debits += e.Amount
		}
	}

	b, err := svc.GetBalance(ctx, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, credits-debits, b.Total())
	assert.Equal(t, int64(540), b.Total())
}
