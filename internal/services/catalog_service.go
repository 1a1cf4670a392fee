package services

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"reseller-service/internal/pricing"
	"reseller-service/internal/providers"
)

// PricedService is a provider service with its price in naira.
type PricedService struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

type Catalog struct {
	Provider  string              `json:"provider"`
	Services  []PricedService     `json:"services"`
	Countries []providers.Country `json:"countries"`
}

// Quote is the price a user pays for one service right now.
type Quote struct {
	Provider providers.Provider
	Service  providers.Service
	Price    decimal.Decimal
}

type CatalogService struct {
	Providers *providers.Registry
	Pricer    *pricing.Pricer
}

func NewCatalogService(registry *providers.Registry, pricer *pricing.Pricer) *CatalogService {
	return &CatalogService{
		Providers: registry,
		Pricer:    pricer,
	}
}

// Catalog lists the services of one provider for country together with the
// countries that provider supports.
func (s *CatalogService) Catalog(ctx context.Context, providerName, country string) (*Catalog, error) {
	p, err := s.Providers.Get(providerName)
	if err != nil {
		return nil, err
	}

	var (
		services  []providers.Service
		countries []providers.Country
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		services, err = p.ListServices(gctx, country)
		return err
	})
	g.Go(func() error {
		var err error
		countries, err = p.ListCountries(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	priced := make([]PricedService, 0, len(services))
	for _, svc := range services {
		price, err := s.Pricer.Price(ctx, svc.Price)
		if err != nil {
			return nil, err
		}
		priced = append(priced, PricedService{ID: svc.ID, Name: svc.Name, Price: price})
	}

	return &Catalog{Provider: p.Name(), Services: priced, Countries: countries}, nil
}

func (s *CatalogService) Quote(ctx context.Context, providerName, country, serviceID string) (*Quote, error) {
	p, err := s.Providers.Get(providerName)
	if err != nil {
		return nil, err
	}

	svc, err := providers.FindService(ctx, p, country, serviceID)
	if err != nil {
		return nil, err
	}

	price, err := s.Pricer.Price(ctx, svc.Price)
	if err != nil {
		return nil, err
	}
	return &Quote{Provider: p, Service: *svc, Price: price}, nil
}
