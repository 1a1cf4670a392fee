package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"reseller-service/internal/cache"
	"reseller-service/pkg/common"
)

const SMSPoolName = "smspool"

type SMSPoolClient struct {
	BaseURL    string
	APIKey     string
	HTTP       *common.HTTPClient
	Cache      *cache.Cache
	CatalogTTL time.Duration
}

func NewSMSPoolClient(baseURL, apiKey string, httpClient *common.HTTPClient, c *cache.Cache, catalogTTL time.Duration) *SMSPoolClient {
	return &SMSPoolClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTP:       httpClient,
		Cache:      c,
		CatalogTTL: catalogTTL,
	}
}

func (c *SMSPoolClient) Name() string {
	return SMSPoolName
}

// flexString accepts both JSON strings and numbers; SMSPool mixes them freely.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type spCountry struct {
	ID        flexString `json:"ID"`
	Name      string     `json:"name"`
	ShortName string     `json:"short_name"`
}

type spPricing struct {
	Service     flexString `json:"service"`
	ServiceName string     `json:"service_name"`
	Price       flexString `json:"price"`
}

type spPurchase struct {
	Success   int        `json:"success"`
	Message   string     `json:"message"`
	Type      string     `json:"type"`
	Number    flexString `json:"number"`
	OrderID   flexString `json:"order_id"`
	ExpiresIn int        `json:"expires_in"`
	Cost      flexString `json:"cost"`
}

type spCheck struct {
	Status  *int   `json:"status"`
	SMS     string `json:"sms"`
	FullSMS string `json:"full_sms"`
}

type spResult struct {
	Success int    `json:"success"`
	Message string `json:"message"`
}

func (c *SMSPoolClient) form(values map[string]string) url.Values {
	form := url.Values{}
	form.Set("key", c.APIKey)
	for k, v := range values {
		form.Set(k, v)
	}
	return form
}

func (c *SMSPoolClient) post(ctx context.Context, path string, values map[string]string, noRetry bool, out interface{}) error {
	return c.HTTP.DoJSON(ctx, common.Request{
		Method:  http.MethodPost,
		URL:     c.BaseURL + path,
		Form:    c.form(values),
		NoRetry: noRetry,
	}, out)
}

func (c *SMSPoolClient) ListCountries(ctx context.Context) ([]Country, error) {
	v, err := c.Cache.Remember("smspool:countries", c.CatalogTTL, func() (interface{}, error) {
		var raw []spCountry
		if err := c.post(ctx, "/country/retrieve_all", nil, false, &raw); err != nil {
			return nil, err
		}
		countries := make([]Country, 0, len(raw))
		for _, r := range raw {
			if r.ID == "" || r.Name == "" {
				return nil, malformed("country without id or name")
			}
			countries = append(countries, Country{ID: string(r.ID), Code: r.ShortName, Name: r.Name})
		}
		return countries, nil
	})
	if err != nil {
		return nil, wrap(c.Name(), "list countries", err)
	}
	return v.([]Country), nil
}

func (c *SMSPoolClient) ListServices(ctx context.Context, country string) ([]Service, error) {
	if country == "" {
		return nil, wrap(c.Name(), "list services", fmt.Errorf("%w: country is required", ErrInvalidService))
	}

	v, err := c.Cache.Remember("smspool:services:"+country, c.CatalogTTL, func() (interface{}, error) {
		var raw []spPricing
		if err := c.post(ctx, "/request/pricing", map[string]string{"country": country}, false, &raw); err != nil {
			return nil, err
		}
		services := make([]Service, 0, len(raw))
		for _, r := range raw {
			if r.Service == "" {
				return nil, malformed("pricing entry without service id")
			}
			price, err := decimal.NewFromString(string(r.Price))
			if err != nil || price.IsNegative() {
				return nil, malformed("service %s has non-numeric price %q", r.Service, r.Price)
			}
			name := r.ServiceName
			if name == "" {
				name = string(r.Service)
			}
			services = append(services, Service{ID: string(r.Service), Name: name, Price: price})
		}
		return services, nil
	})
	if err != nil {
		return nil, wrap(c.Name(), "list services", err)
	}
	return v.([]Service), nil
}

func (c *SMSPoolClient) Purchase(ctx context.Context, serviceID, country string) (*Purchase, error) {
	var resp spPurchase
	err := c.post(ctx, "/purchase/sms", map[string]string{
		"country": country,
		"service": serviceID,
	}, true, &resp)
	if err != nil {
		return nil, wrap(c.Name(), "purchase", classifySMSPool(err, ""))
	}
	if resp.Success != 1 {
		return nil, wrap(c.Name(), "purchase", classifySMSPool(nil, resp.Message))
	}
	if resp.OrderID == "" || resp.Number == "" {
		return nil, wrap(c.Name(), "purchase", malformed("purchase response missing order_id or number"))
	}

	p := &Purchase{ExternalID: string(resp.OrderID), Number: string(resp.Number)}
	if resp.ExpiresIn > 0 {
		p.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	if resp.Cost != "" {
		cost, err := decimal.NewFromString(string(resp.Cost))
		if err != nil {
			return nil, wrap(c.Name(), "purchase", malformed("non-numeric cost %q", resp.Cost))
		}
		p.Cost = cost
	}
	return p, nil
}

func (c *SMSPoolClient) CheckStatus(ctx context.Context, externalID string) (*Status, error) {
	var resp spCheck
	if err := c.post(ctx, "/sms/check", map[string]string{"orderid": externalID}, false, &resp); err != nil {
		return nil, wrap(c.Name(), "check status", err)
	}
	if resp.Status == nil {
		return nil, wrap(c.Name(), "check status", malformed("status missing"))
	}

	switch *resp.Status {
	case 1, 4:
		return &Status{State: StatePending}, nil
	case 3:
		if resp.SMS == "" {
			return nil, wrap(c.Name(), "check status", malformed("completed order without sms code"))
		}
		return &Status{State: StateReceived, Code: resp.SMS, FullSMS: resp.FullSMS}, nil
	case 2:
		return &Status{State: StateExpired}, nil
	case 5, 6:
		return &Status{State: StateCancelled}, nil
	default:
		return nil, wrap(c.Name(), "check status", malformed("unknown status %s", strconv.Itoa(*resp.Status)))
	}
}

func (c *SMSPoolClient) Cancel(ctx context.Context, externalID string) error {
	var resp spResult
	if err := c.post(ctx, "/sms/cancel", map[string]string{"orderid": externalID}, false, &resp); err != nil {
		return wrap(c.Name(), "cancel", err)
	}
	if resp.Success != 1 {
		return wrap(c.Name(), "cancel", fmt.Errorf("cancel rejected: %s", resp.Message))
	}
	return nil
}

func classifySMSPool(err error, message string) error {
	if err != nil {
		var httpErr *common.HTTPError
		if !errors.As(err, &httpErr) {
			return err
		}
		var body spResult
		if json.Unmarshal([]byte(httpErr.Body), &body) == nil && body.Message != "" {
			if classified := classifySMSPoolMessage(body.Message); classified != nil {
				return fmt.Errorf("%w: %v", classified, err)
			}
		}
		return err
	}
	if classified := classifySMSPoolMessage(message); classified != nil {
		return fmt.Errorf("%w: %s", classified, message)
	}
	return fmt.Errorf("purchase rejected: %s", message)
}

func classifySMSPoolMessage(message string) error {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "out of stock"), strings.Contains(m, "no numbers"), strings.Contains(m, "not available"):
		return ErrUnavailable
	case strings.Contains(m, "invalid service"), strings.Contains(m, "service does not exist"), strings.Contains(m, "invalid country"):
		return ErrInvalidService
	}
	return nil
}
