package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"reseller-service/internal/ledger"
	"reseller-service/internal/pricing"
	"reseller-service/internal/providers"
	"reseller-service/internal/testutil"
)

var errVendorDown = errors.New("vendor down")

// fakeProvider is an in-memory vendor. Prices are in USD; the test pricer
// converts 1:1000 so 0.45 costs 450.
type fakeProvider struct {
	mu          sync.Mutex
	services    []providers.Service
	statuses    map[string]*providers.Status
	purchaseErr error
	statusErr   error
	cancelErr   error
	purchases   int
	cancelled   []string

	// onPurchase runs before a purchase; purchaseCtxErr keeps the purchase
	// context's error as seen afterwards.
	onPurchase     func()
	purchaseCtxErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		services: []providers.Service{
			{ID: "wa", Name: "WhatsApp", Price: decimal.RequireFromString("0.45")},
			{ID: "tg", Name: "Telegram", Price: decimal.RequireFromString("0.30")},
		},
		statuses: map[string]*providers.Status{},
	}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ListServices(ctx context.Context, country string) ([]providers.Service, error) {
	return f.services, nil
}

func (f *fakeProvider) ListCountries(ctx context.Context) ([]providers.Country, error) {
	return []providers.Country{{ID: "US", Code: "US", Name: "United States"}}, nil
}

func (f *fakeProvider) Purchase(ctx context.Context, serviceID, country string) (*providers.Purchase, error) {
	if f.onPurchase != nil {
		f.onPurchase()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purchaseCtxErr = ctx.Err()
	if f.purchaseErr != nil {
		return nil, f.purchaseErr
	}
	f.purchases++
	return &providers.Purchase{
		ExternalID: fmt.Sprintf("ext-%d", f.purchases),
		Number:     fmt.Sprintf("+1202555%04d", f.purchases),
	}, nil
}

func (f *fakeProvider) CheckStatus(ctx context.Context, externalID string) (*providers.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if st, ok := f.statuses[externalID]; ok {
		return st, nil
	}
	return &providers.Status{State: providers.StatePending}, nil
}

func (f *fakeProvider) Cancel(ctx context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, externalID)
	return nil
}

func (f *fakeProvider) setStatus(externalID string, st providers.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[externalID] = &st
}

type mockPoller struct {
	mock.Mock
}

func (m *mockPoller) SchedulePoll(ctx context.Context, rentalID string, attempt int) error {
	args := m.Called(ctx, rentalID, attempt)
	return args.Error(0)
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingPublisher) Publish(ctx context.Context, routingKey string, event interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, routingKey)
	return nil
}

func (r *recordingPublisher) Close() {}

func (r *recordingPublisher) published() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

type rentalFixture struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	provider *fakeProvider
	poller   *mockPoller
	events   *recordingPublisher
	svc      *RentalService
	now      time.Time
}

func newRentalFixture(t *testing.T) *rentalFixture {
	t.Helper()

	db := testutil.NewDB(t)
	f := &rentalFixture{
		db:       db,
		ledger:   ledger.New(db),
		provider: newFakeProvider(),
		poller:   new(mockPoller),
		events:   &recordingPublisher{},
		now:      time.Now(),
	}
	f.poller.On("SchedulePoll", mock.Anything, mock.Anything, 1).Return(nil)

	registry := providers.NewRegistry("fake", f.provider)
	pricer := pricing.NewPricer(pricing.StaticRate{Value: decimal.NewFromInt(1000)}, decimal.Zero, decimal.NewFromInt(1))
	catalog := NewCatalogService(registry, pricer)

	f.svc = NewRentalService(db, f.ledger, catalog, f.events, f.poller, 15*time.Minute, 10*time.Minute)
	f.svc.Now = func() time.Time { return f.now }
	return f
}

func (f *rentalFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *rentalFixture) requireBalanced(t *testing.T, userID int) {
	t.Helper()
	rec, err := f.ledger.Reconcile(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, rec.Balanced(), "balance %s, ledger sum %s", rec.Balance, rec.LedgerSum)
}
