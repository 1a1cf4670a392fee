package providers

import (
	"context"
	"time"

	"reseller-service/internal/metrics"
)

// Instrument records the duration of every vendor call made through p.
func Instrument(p Provider) Provider {
	return &instrumented{next: p}
}

type instrumented struct {
	next Provider
}

func (i *instrumented) observe(op string, start time.Time) {
	metrics.ProviderRequestDuration.WithLabelValues(i.next.Name(), op).Observe(time.Since(start).Seconds())
}

func (i *instrumented) Name() string {
	return i.next.Name()
}

func (i *instrumented) ListServices(ctx context.Context, country string) ([]Service, error) {
	defer i.observe("list_services", time.Now())
	return i.next.ListServices(ctx, country)
}

func (i *instrumented) ListCountries(ctx context.Context) ([]Country, error) {
	defer i.observe("list_countries", time.Now())
	return i.next.ListCountries(ctx)
}

func (i *instrumented) Purchase(ctx context.Context, serviceID, country string) (*Purchase, error) {
	defer i.observe("purchase", time.Now())
	return i.next.Purchase(ctx, serviceID, country)
}

func (i *instrumented) CheckStatus(ctx context.Context, externalID string) (*Status, error) {
	defer i.observe("check_status", time.Now())
	return i.next.CheckStatus(ctx, externalID)
}

func (i *instrumented) Cancel(ctx context.Context, externalID string) error {
	defer i.observe("cancel", time.Now())
	return i.next.Cancel(ctx, externalID)
}
