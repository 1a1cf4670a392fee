// Package pricing converts vendor USD costs into the naira prices charged to
// users.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"reseller-service/internal/cache"
	"reseller-service/pkg/common"
)

var ErrInvalidRate = errors.New("exchange rate must be positive")

var hundred = decimal.NewFromInt(100)

// RateSource yields the current NGN per USD rate.
type RateSource interface {
	Rate(ctx context.Context) (decimal.Decimal, error)
}

// StaticRate is a configured fixed rate.
type StaticRate struct {
	Value decimal.Decimal
}

func (s StaticRate) Rate(context.Context) (decimal.Decimal, error) {
	if !s.Value.IsPositive() {
		return decimal.Zero, ErrInvalidRate
	}
	return s.Value, nil
}

// FeedRate reads the rate from an HTTP JSON feed of the form
// {"rates": {"NGN": 1580.25}}, caching it for TTL. When the feed fails the
// Fallback source is used and nothing is cached.
type FeedRate struct {
	URL      string
	Currency string
	Client   *common.HTTPClient
	Cache    *cache.Cache
	TTL      time.Duration
	Fallback RateSource
}

const rateCacheKey = "pricing:usd_rate"

func NewFeedRate(url string, client *common.HTTPClient, c *cache.Cache, ttl time.Duration, fallback RateSource) *FeedRate {
	return &FeedRate{
		URL:      url,
		Currency: "NGN",
		Client:   client,
		Cache:    c,
		TTL:      ttl,
		Fallback: fallback,
	}
}

type rateFeedResponse struct {
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (f *FeedRate) Rate(ctx context.Context) (decimal.Decimal, error) {
	v, err := f.Cache.Remember(rateCacheKey, f.TTL, func() (interface{}, error) {
		return f.fetch(ctx)
	})
	if err == nil {
		return v.(decimal.Decimal), nil
	}

	log.WithError(err).WithField("url", f.URL).Warn("Rate feed unavailable, using fallback rate")
	if f.Fallback == nil {
		return decimal.Zero, err
	}
	return f.Fallback.Rate(ctx)
}

func (f *FeedRate) fetch(ctx context.Context) (decimal.Decimal, error) {
	var resp rateFeedResponse
	if err := f.Client.DoJSON(ctx, common.Request{URL: f.URL}, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("fetch rate feed: %w", err)
	}
	rate, ok := resp.Rates[f.Currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("rate feed has no %s rate: %w", f.Currency, common.ErrMalformedJSON)
	}
	if !rate.IsPositive() {
		return decimal.Zero, ErrInvalidRate
	}
	return rate, nil
}

// Pricer applies ngn = usd * rate * (1 + markup/100), rounded up to Bucket.
type Pricer struct {
	Rates         RateSource
	MarkupPercent decimal.Decimal
	Bucket        decimal.Decimal
}

func NewPricer(rates RateSource, markupPercent, bucket decimal.Decimal) *Pricer {
	return &Pricer{Rates: rates, MarkupPercent: markupPercent, Bucket: bucket}
}

// Price returns the local price for a vendor cost in USD.
func (p *Pricer) Price(ctx context.Context, usd decimal.Decimal) (decimal.Decimal, error) {
	rate, err := p.Rates.Rate(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	factor := decimal.NewFromInt(1).Add(p.MarkupPercent.Div(hundred))
	return RoundUp(usd.Mul(rate).Mul(factor), p.Bucket), nil
}

// RoundUp rounds amount up to the next multiple of bucket. A non-positive
// bucket rounds up to the whole unit.
func RoundUp(amount, bucket decimal.Decimal) decimal.Decimal {
	if !bucket.IsPositive() {
		return amount.Ceil()
	}
	return amount.Div(bucket).Ceil().Mul(bucket)
}
