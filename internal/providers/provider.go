// Package providers wraps the SMS verification vendors behind one contract.
package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrMalformedResponse is returned when a vendor answer is missing required
	// fields or carries values of the wrong shape.
	ErrMalformedResponse = errors.New("malformed provider response")
	ErrUnavailable       = errors.New("no numbers available for this service")
	ErrInvalidService    = errors.New("invalid service")
	ErrUnknownProvider   = errors.New("unknown provider")
)

type State string

const (
	StatePending   State = "pending"
	StateReceived  State = "received"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

type Service struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"` // USD
}

type Country struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

type Purchase struct {
	ExternalID string
	Number     string
	ExpiresAt  time.Time
	Cost       decimal.Decimal // USD
}

type Status struct {
	State   State
	Code    string
	FullSMS string
}

// Provider is implemented by every vendor client.
type Provider interface {
	Name() string
	ListServices(ctx context.Context, country string) ([]Service, error)
	ListCountries(ctx context.Context) ([]Country, error)
	Purchase(ctx context.Context, serviceID, country string) (*Purchase, error)
	CheckStatus(ctx context.Context, externalID string) (*Status, error)
	Cancel(ctx context.Context, externalID string) error
}

// Error is a failed vendor operation.
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Provider: provider, Op: op, Err: err}
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}

// FindService looks serviceID up in the provider catalog for country.
func FindService(ctx context.Context, p Provider, country, serviceID string) (*Service, error) {
	services, err := p.ListServices(ctx, country)
	if err != nil {
		return nil, err
	}
	for i := range services {
		if services[i].ID == serviceID {
			return &services[i], nil
		}
	}
	return nil, wrap(p.Name(), "find service", ErrInvalidService)
}
