package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"reseller-service/internal/events"
	"reseller-service/internal/ledger"
	"reseller-service/internal/models"
	"reseller-service/internal/providers"
	"reseller-service/internal/testutil"
)

func naira(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

func assertBalance(t *testing.T, f *rentalFixture, userID int, want int64) {
	t.Helper()
	got := testutil.Balance(t, f.db, userID)
	assert.True(t, got.Equal(naira(want)), "balance = %s, want %d", got, want)
}

func TestRent_CodeCompletesAndCancelRefunds(t *testing.T) {
	f := newRentalFixture(t)
	user := testutil.CreateUser(t, f.db, "ada", 1300)
	ctx := context.Background()

	other, err := f.svc.Rent(ctx, user.ID, RentRequest{ServiceID: "tg", Country: "US"})
	require.NoError(t, err)
	assertBalance(t, f, user.ID, 1000)

	rental, err := f.svc.Rent(ctx, user.ID, RentRequest{ServiceID: "wa", Country: "US"})
	require.NoError(t, err)
	assert.Equal(t, models.RentalActive, rental.Status)
	assert.True(t, rental.Price.Equal(naira(450)))
	assertBalance(t, f, user.ID, 550)

	f.provider.setStatus(rental.ExternalId, providers.Status{
		State:   providers.StateReceived,
		Code:    "837219",
		FullSMS: "Your WhatsApp code is 837-219",
	})
	rentals, err := f.svc.Poll(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, rentals, 2)

	var completed models.Rental
	require.NoError(t, f.db.First(&completed, "id = ?", rental.ID).Error)
	assert.Equal(t, models.RentalCompleted, completed.Status)
	require.NotNil(t, completed.Code)
	assert.Equal(t, "837219", *completed.Code)
	assert.NotNil(t, completed.CompletedAt)
	assertBalance(t, f, user.ID, 550)

	cancelled, err := f.svc.Cancel(ctx, user.ID, other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RentalCancelled, cancelled.Status)
	assert.Contains(t, f.provider.cancelled, other.ExternalId)
	assertBalance(t, f, user.ID, 850)

	f.requireBalanced(t, user.ID)
	assert.Contains(t, f.events.published(), events.RentalCompleted)
	assert.Contains(t, f.events.published(), events.RentalCancelled)
	f.poller.AssertNumberOfCalls(t, "SchedulePoll", 2)
}

func TestRent_InsufficientBalance(t *testing.T) {
	f := newRentalFixture(t)
	user := testutil.CreateUser(t, f.db, "ada", 100)

	_, err := f.svc.Rent(context.Background(), user.ID, RentRequest{ServiceID: "wa", Country: "US"})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, "Insufficient balance", ledger.ErrInsufficientBalance.Error())
	assert.Zero(t, f.provider.purchases)

	var count int64
	f.db.Model(&models.Rental{}).Count(&count)
	assert.Zero(t, count)
	assertBalance(t, f, user.ID, 100)
}

func TestRent_ConcurrentRequestsNeverOverdraw(t *testing.T) {
	f := newRentalFixture(t)
	user := testutil.CreateUser(t, f.db, "ada", 800)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Rent(context.Background(), user.ID, RentRequest{ServiceID: "wa", Country: "US"})
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
			failures++
		}
	}
	assert.Equal(t, 1, failures)
	assertBalance(t, f, user.ID, 350)
	f.requireBalanced(t, user.ID)
}

func TestRent_PurchaseFailureRefunds(t *testing.T) {
	f := newRentalFixture(t)
	user := testutil.CreateUser(t, f.db, "ada", 1000)
	f.provider.purchaseErr = errVendorDown

	_, err := f.svc.Rent(context.Background(), user.ID, RentRequest{ServiceID: "wa", Country: "US"})
	assert.ErrorIs(t, err, errVendorDown)
	assertBalance(t, f, user.ID, 1000)

	var refunds int64
	f.db.Model(&models.Transaction{}).Where("type = ?", models.TransactionRentalRefund).Count(&refunds)
	assert.Equal(t, int64(1), refunds)
	f.requireBalanced(t, user.ID)

	// The refunded debit is not an orphan.
	f.advance(time.Hour)
	n, err := f.svc.ReconcileOrphanDebits(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRent_PriceAboveMax(t *testing.T) {
	f := newRentalFixture(t)
	user := testutil.CreateUser(t, f.db, "ada", 1000)

	_, err := f.svc.Rent(context.Background(), user.ID, RentRequest{ServiceID: "wa", Country: "US", MaxPrice: naira(400)})
	assert.ErrorIs(t, err, ErrPriceAboveMax)
	assertBalance(t, f, user.ID, 1000)

	_, err = f.svc.Rent(context.Background(), user.ID, RentRequest{ServiceID: "wa", Country: "US", MaxPrice: naira(450)})
	assert.NoError(t, err)
}

func TestRent_UnknownService(t *testing.T) {
	f := newRentalFixture(t)
	user := testutil.CreateUser(t, f.db, "ada", 1000)

	_, err := f.svc.Rent(context.Background(), user.ID, RentRequest{ServiceID: "nope", Country: "US"})
	assert.ErrorIs(t, err, providers.ErrInvalidService)

	_, err = f.svc.Rent(context.Background(), user.ID, RentRequest{Country: "US"})
	assert.ErrorIs(t, err, ErrServiceRequired)
}

func TestPoll_ExpiresAfterTTLAndRefunds(t *testing.T) {
	f := newRentalFixture(t)
	user := testutil.CreateUser(t, f.db, "ada", 1000)
	ctx := context.Background()

	rental, err := f.svc.Rent(ctx, user.ID, RentRequest{ServiceID: "wa", Country: "US"})
	require.NoError(t, err)
	assert.WithinDuration(t, f.now.Add(15*time.Minute), rental.ExpiresAt, time.Second)

	f.advance(16 * time.Minute)
	rentals, err := f.svc.Poll(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, rentals, 1)
	assert.Equal(t, models.RentalExpired, rentals[0].Status)
	assert.Nil(t, rentals[0].Code)
	assert.Contains(t, f.provider.cancelled, rental.ExternalId)
	assertBalance(t, f, user.ID, 1000)
	f.requireBalanced(t, user.ID)
}

func TestPoll_CodeDeliveredBeforeExpiryCompletes(t *testing.T) {
	f := newRentalFixture(t)
	user := testutil.CreateUser(t, f.db, "ada", 1000)
	ctx := context.Background()

	rental, err := f.svc.Rent(ctx, user.ID, RentRequest{ServiceID: "wa", Country: "US"})
	require.NoError(t, err)
	f.provider.setStatus(rental.ExternalId, providers.Status{State: providers.StateReceived, Code: "837219"})

	// Nobody polled until well after the rental window closed.
	f.advance(16 * time.Minute)
	rentals, err := f.svc.Poll(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, rentals, 1)
	assert.Equal(t, models.RentalCompleted, rentals[0].Status)
	require.NotNil(t, rentals[0].Code)
	assert.Equal(t, "837219", *rentals[0].Code)
	assert.Empty(t, f.provider.cancelled)
	assertBalance(t, f, user.ID, 550)
	f.requireBalanced(t, user.ID)
}

func TestPoll_OverdueRentalExpiresWhenProviderFails(t *testing.T) {
	f := newRentalFixture(t)
	user := testutil.CreateUser(t, f.db, "ada", 1000)
	ctx := context.Background()

	rental, err := f.svc.Rent(ctx, user.ID, RentRequest{ServiceID: "wa", Country: "US"})
	require.NoError(t, err)
	f.provider.statusErr = errVendorDown

	_, err = f.svc.PollRental(ctx, rental.ID)
	assert.ErrorIs(t, err, errVendorDown)

	f.advance(16 * time.Minute)
	got, err := f.svc.PollRental(ctx, rental.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RentalExpired, got.Status)
	assertBalance(t, f, user.ID, 1000)
}

func TestPoll_NoCodeKeepsRentalActive(t *testing.T) {
	f := newRentalFixture(t)
	user := testutil.CreateUser(t, f.db, "ada", 1000)
	ctx := context.Background()

	rental, err := f.svc.Rent(ctx, user.ID, RentRequest{ServiceID: "wa", Country: "US"})
	require.NoError(t, err)

	f.advance(5 * time.Minute)
	got, err := f.svc.PollRental(ctx, rental.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RentalActive, got.Status)
	assertBalance(t, f, user.ID, 550)
}

func TestPoll_ProviderCancelledRefunds(t *testing.T) {
	f := newRentalFixture(t)
	user := testutil.CreateUser(t, f.db, "ada", 1000)
	ctx := context.Background()

	rental, err := f.svc.Rent(ctx, user.ID, RentRequest{ServiceID: "wa", Country: "US"})
	require.NoError(t, err)

	f.provider.setStatus(rental.ExternalId, providers.Status{State: providers.StateCancelled})
	got, err := f.svc.PollRental(ctx, rental.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RentalCancelled, got.Status)
	assertBalance(t, f, user.ID, 1000)
}

func TestTransitions_TerminalRentalsAreImmutable(t *testing.T) {
	f := newRentalFixture(t)
	user := testutil.CreateUser(t, f.db, "ada", 1000)
	ctx := context.Background()

	rental, err := f.svc.Rent(ctx, user.ID, RentRequest{ServiceID: "wa", Country: "US"})
	require.NoError(t, err)
	f.provider.setStatus(rental.ExternalId, providers.Status{State: providers.StateReceived, Code: "837219"})

	got, err := f.svc.PollRental(ctx, rental.ID)
	require.NoError(t, err)
	require.Equal(t, models.RentalCompleted, got.Status)

	_, err = f.svc.Cancel(ctx, user.ID, rental.ID)
	assert.ErrorIs(t, err, ErrRentalNotActive)

	// Expiry and a late provider verdict do not touch a completed rental.
	f.advance(time.Hour)
	n, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	moved, err := f.svc.finish(ctx, got, models.RentalExpired, nil)
	require.NoError(t, err)
	assert.False(t, moved)

	var stored models.Rental
	require.NoError(t, f.db.First(&stored, "id = ?", rental.ID).Error)
	assert.Equal(t, models.RentalCompleted, stored.Status)
	assert.Equal(t, "837219", *stored.Code)
	assertBalance(t, f, user.ID, 550)
}

func TestCancel_Errors(t *testing.T) {
	f := newRentalFixture(t)
	owner := testutil.CreateUser(t, f.db, "ada", 1000)
	stranger := testutil.CreateUser(t, f.db, "bola", 1000)
	ctx := context.Background()

	rental, err := f.svc.Rent(ctx, owner.ID, RentRequest{ServiceID: "wa", Country: "US"})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, stranger.ID, rental.ID)
	assert.ErrorIs(t, err, ErrRentalNotFound)

	f.provider.cancelErr = errVendorDown
	_, err = f.svc.Cancel(ctx, owner.ID, rental.ID)
	assert.ErrorIs(t, err, errVendorDown)

	var stored models.Rental
	require.NoError(t, f.db.First(&stored, "id = ?", rental.ID).Error)
	assert.Equal(t, models.RentalActive, stored.Status)
	assertBalance(t, f, owner.ID, 550)
}

func TestExpireDue(t *testing.T) {
	f := newRentalFixture(t)
	ada := testutil.CreateUser(t, f.db, "ada", 1000)
	bola := testutil.CreateUser(t, f.db, "bola", 1000)
	ctx := context.Background()

	for _, id := range []int{ada.ID, bola.ID} {
		_, err := f.svc.Rent(ctx, id, RentRequest{ServiceID: "tg", Country: "US"})
		require.NoError(t, err)
	}

	n, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.advance(16 * time.Minute)
	n, err = f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assertBalance(t, f, ada.ID, 1000)
	assertBalance(t, f, bola.ID, 1000)
	f.requireBalanced(t, ada.ID)
}

func TestExpireDue_KeepsDeliveredCodes(t *testing.T) {
	f := newRentalFixture(t)
	user := testutil.CreateUser(t, f.db, "ada", 1000)
	ctx := context.Background()

	done, err := f.svc.Rent(ctx, user.ID, RentRequest{ServiceID: "tg", Country: "US"})
	require.NoError(t, err)
	idle, err := f.svc.Rent(ctx, user.ID, RentRequest{ServiceID: "tg", Country: "US"})
	require.NoError(t, err)
	f.provider.setStatus(done.ExternalId, providers.Status{State: providers.StateReceived, Code: "4410"})

	f.advance(16 * time.Minute)
	n, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var stored models.Rental
	require.NoError(t, f.db.First(&stored, "id = ?", done.ID).Error)
	assert.Equal(t, models.RentalCompleted, stored.Status)
	require.NoError(t, f.db.First(&stored, "id = ?", idle.ID).Error)
	assert.Equal(t, models.RentalExpired, stored.Status)
	assert.Equal(t, []string{idle.ExternalId}, f.provider.cancelled)

	// Only the idle rental is refunded.
	assertBalance(t, f, user.ID, 700)
	f.requireBalanced(t, user.ID)
}

func TestReconcileOrphanDebits(t *testing.T) {
	f := newRentalFixture(t)
	user := testutil.CreateUser(t, f.db, "ada", 1000)
	ctx := context.Background()

	// A debit whose rental was never written, as after a crash mid-rent.
	_, err := f.ledger.Apply(ctx, ledger.Entry{
		Reference: debitReference("lost"),
		UserID:    user.ID,
		Amount:    naira(-450),
		Type:      models.TransactionRentalDebit,
	})
	require.NoError(t, err)

	// A healthy rental must not be touched.
	_, err = f.svc.Rent(ctx, user.ID, RentRequest{ServiceID: "tg", Country: "US"})
	require.NoError(t, err)
	assertBalance(t, f, user.ID, 250)

	n, err := f.svc.ReconcileOrphanDebits(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "debits inside the grace period are left alone")

	f.advance(11 * time.Minute)
	n, err = f.svc.ReconcileOrphanDebits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assertBalance(t, f, user.ID, 700)

	n, err = f.svc.ReconcileOrphanDebits(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	f.requireBalanced(t, user.ID)

	refund, err := f.ledger.Find(ctx, refundReference("lost"))
	require.NoError(t, err)
	assert.True(t, refund.Amount.Equal(naira(450)))
}

func TestRent_SchedulerFailureDoesNotFailRent(t *testing.T) {
	f := newRentalFixture(t)
	f.poller.ExpectedCalls = nil
	f.poller.On("SchedulePoll", mock.Anything, mock.Anything, 1).Return(errors.New("redis down"))
	user := testutil.CreateUser(t, f.db, "ada", 1000)

	rental, err := f.svc.Rent(context.Background(), user.ID, RentRequest{ServiceID: "wa", Country: "US"})
	require.NoError(t, err)
	assert.Equal(t, models.RentalActive, rental.Status)
}

func TestRent_PurchaseOutlivesCallerCancellation(t *testing.T) {
	f := newRentalFixture(t)
	user := testutil.CreateUser(t, f.db, "ada", 1000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The client goes away while the vendor is being asked for a number.
	f.provider.onPurchase = cancel

	rental, err := f.svc.Rent(ctx, user.ID, RentRequest{ServiceID: "wa", Country: "US"})
	require.NoError(t, err)
	assert.NoError(t, f.provider.purchaseCtxErr)
	assert.Equal(t, models.RentalActive, rental.Status)
	assertBalance(t, f, user.ID, 550)
}

func TestCatalog(t *testing.T) {
	f := newRentalFixture(t)

	catalog, err := f.svc.Catalog.Catalog(context.Background(), "", "US")
	require.NoError(t, err)
	assert.Equal(t, "fake", catalog.Provider)
	require.Len(t, catalog.Services, 2)
	assert.True(t, catalog.Services[0].Price.Equal(naira(450)))
	assert.Len(t, catalog.Countries, 1)

	_, err = f.svc.Catalog.Catalog(context.Background(), "daisysms", "US")
	assert.ErrorIs(t, err, providers.ErrUnknownProvider)
}
