package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"reseller-service/internal/cache"
	"reseller-service/pkg/common"
)

const TextVerifiedName = "textverified"

// TextVerified only leases US numbers.
var textVerifiedCountries = []Country{{ID: "US", Code: "US", Name: "United States"}}

type TextVerifiedClient struct {
	BaseURL    string
	APIKey     string
	Username   string
	HTTP       *common.HTTPClient
	Cache      *cache.Cache
	CatalogTTL time.Duration
}

func NewTextVerifiedClient(baseURL, apiKey, username string, httpClient *common.HTTPClient, c *cache.Cache, catalogTTL time.Duration) *TextVerifiedClient {
	return &TextVerifiedClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Username:   username,
		HTTP:       httpClient,
		Cache:      c,
		CatalogTTL: catalogTTL,
	}
}

func (c *TextVerifiedClient) Name() string {
	return TextVerifiedName
}

type tvAuthResponse struct {
	Token     string    `json:"token"`
	ExpiresIn int       `json:"expiresIn"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type tvService struct {
	ServiceName string `json:"serviceName"`
	Capability  string `json:"capability"`
}

type tvPricing struct {
	ServiceName string           `json:"serviceName"`
	Price       *decimal.Decimal `json:"price"`
}

type tvLink struct {
	Method string `json:"method"`
	Href   string `json:"href"`
}

type tvVerification struct {
	ID          string           `json:"id"`
	Number      string           `json:"number"`
	ServiceName string           `json:"serviceName"`
	State       string           `json:"state"`
	TotalCost   *decimal.Decimal `json:"totalCost"`
	EndsAt      time.Time        `json:"endsAt"`
}

type tvSMSList struct {
	Data []struct {
		ID         string  `json:"id"`
		SMSContent string  `json:"smsContent"`
		ParsedCode *string `json:"parsedCode"`
	} `json:"data"`
}

func (c *TextVerifiedClient) tokenKey() string {
	return "textverified:token:" + c.Username
}

// token returns a cached bearer token, authenticating when none is cached.
func (c *TextVerifiedClient) token(ctx context.Context) (string, error) {
	if v, ok := c.Cache.Get(c.tokenKey()); ok {
		return v.(string), nil
	}

	var resp tvAuthResponse
	err := c.HTTP.DoJSON(ctx, common.Request{
		Method: http.MethodPost,
		URL:    c.BaseURL + "/api/pub/v2/auth",
		Headers: map[string]string{
			"X-API-KEY":      c.APIKey,
			"X-API-USERNAME": c.Username,
		},
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", malformed("auth response has no token")
	}

	expiresAt := resp.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	// Refresh a minute early so in-flight calls do not race the expiry.
	c.Cache.SetUntil(c.tokenKey(), resp.Token, expiresAt.Add(-time.Minute))
	return resp.Token, nil
}

// call performs an authenticated request, re-authenticating once on 401.
func (c *TextVerifiedClient) call(ctx context.Context, r common.Request, out interface{}) error {
	for attempt := 0; ; attempt++ {
		token, err := c.token(ctx)
		if err != nil {
			return err
		}
		if r.Headers == nil {
			r.Headers = map[string]string{}
		}
		r.Headers["Authorization"] = "Bearer " + token

		err = c.HTTP.DoJSON(ctx, r, out)
		if attempt == 0 && common.StatusCode(err) == http.StatusUnauthorized {
			log.WithField("provider", TextVerifiedName).Info("Bearer token rejected, re-authenticating")
			c.Cache.Delete(c.tokenKey())
			continue
		}
		return err
	}
}

func (c *TextVerifiedClient) ListCountries(ctx context.Context) ([]Country, error) {
	return textVerifiedCountries, nil
}

func (c *TextVerifiedClient) ListServices(ctx context.Context, country string) ([]Service, error) {
	if country != "" && !strings.EqualFold(country, "US") {
		return []Service{}, nil
	}

	v, err := c.Cache.Remember("textverified:services", c.CatalogTTL, func() (interface{}, error) {
		return c.fetchServices(ctx)
	})
	if err != nil {
		return nil, wrap(c.Name(), "list services", err)
	}
	return v.([]Service), nil
}

func (c *TextVerifiedClient) fetchServices(ctx context.Context) ([]Service, error) {
	var listed []tvService
	err := c.call(ctx, common.Request{
		URL: c.BaseURL + "/api/pub/v2/services?numberType=mobile&reservationType=verification",
	}, &listed)
	if err != nil {
		return nil, err
	}

	for _, s := range listed {
		if s.ServiceName == "" {
			return nil, malformed("service without name")
		}
	}

	// Prices are quoted per service, so fetch them with bounded concurrency.
	services := make([]Service, len(listed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, s := range listed {
		i, s := i, s
		g.Go(func() error {
			var pricing tvPricing
			err := c.call(gctx, common.Request{
				Method: http.MethodPost,
				URL:    c.BaseURL + "/api/pub/v2/pricing/verifications",
				JSON: map[string]interface{}{
					"serviceName": s.ServiceName,
					"areaCode":    false,
					"carrier":     false,
					"numberType":  "mobile",
					"capability":  "sms",
				},
			}, &pricing)
			if err != nil {
				return err
			}
			if pricing.Price == nil || pricing.Price.IsNegative() {
				return malformed("service %q has no valid price", s.ServiceName)
			}
			services[i] = Service{ID: s.ServiceName, Name: s.ServiceName, Price: *pricing.Price}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return services, nil
}

func (c *TextVerifiedClient) Purchase(ctx context.Context, serviceID, country string) (*Purchase, error) {
	var link tvLink
	err := c.call(ctx, common.Request{
		Method:  http.MethodPost,
		URL:     c.BaseURL + "/api/pub/v2/verifications",
		JSON:    map[string]interface{}{"serviceName": serviceID, "capability": "sms"},
		NoRetry: true,
	}, &link)
	if err != nil {
		return nil, wrap(c.Name(), "purchase", classifyTextVerified(err))
	}
	if link.Href == "" {
		return nil, wrap(c.Name(), "purchase", malformed("purchase response has no verification link"))
	}

	v, err := c.verification(ctx, link.Href)
	if err != nil {
		// The number is reserved at this point; release it so it is not billed.
		if id := link.Href[strings.LastIndex(link.Href, "/")+1:]; id != "" {
			if cancelErr := c.Cancel(ctx, id); cancelErr != nil {
				log.WithError(cancelErr).WithField("external_id", id).Warn("Failed to release unreadable reservation")
			}
		}
		return nil, wrap(c.Name(), "purchase", err)
	}
	if v.Number == "" {
		return nil, wrap(c.Name(), "purchase", malformed("verification %s has no number", v.ID))
	}

	p := &Purchase{ExternalID: v.ID, Number: v.Number, ExpiresAt: v.EndsAt}
	if v.TotalCost != nil {
		p.Cost = *v.TotalCost
	}
	return p, nil
}

func (c *TextVerifiedClient) verification(ctx context.Context, href string) (*tvVerification, error) {
	var v tvVerification
	if err := c.call(ctx, common.Request{URL: href}, &v); err != nil {
		return nil, err
	}
	if v.ID == "" {
		return nil, malformed("verification without id")
	}
	return &v, nil
}

func (c *TextVerifiedClient) CheckStatus(ctx context.Context, externalID string) (*Status, error) {
	v, err := c.verification(ctx, fmt.Sprintf("%s/api/pub/v2/verifications/%s", c.BaseURL, externalID))
	if err != nil {
		return nil, wrap(c.Name(), "check status", err)
	}

	state, err := textVerifiedState(v.State)
	if err != nil {
		return nil, wrap(c.Name(), "check status", err)
	}
	if state != StatePending && state != StateReceived {
		return &Status{State: state}, nil
	}

	var sms tvSMSList
	err = c.call(ctx, common.Request{
		URL: fmt.Sprintf("%s/api/pub/v2/sms?reservationId=%s", c.BaseURL, externalID),
	}, &sms)
	if err != nil {
		return nil, wrap(c.Name(), "check status", err)
	}

	for _, m := range sms.Data {
		if m.ParsedCode != nil && *m.ParsedCode != "" {
			return &Status{State: StateReceived, Code: *m.ParsedCode, FullSMS: m.SMSContent}, nil
		}
	}
	return &Status{State: StatePending}, nil
}

func (c *TextVerifiedClient) Cancel(ctx context.Context, externalID string) error {
	err := c.call(ctx, common.Request{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/api/pub/v2/verifications/%s/cancel", c.BaseURL, externalID),
	}, nil)
	return wrap(c.Name(), "cancel", err)
}

func textVerifiedState(s string) (State, error) {
	switch s {
	case "verificationPending":
		return StatePending, nil
	case "verificationCompleted":
		return StateReceived, nil
	case "verificationCanceled", "verificationRefunded", "verificationReported":
		return StateCancelled, nil
	case "verificationTimedOut":
		return StateExpired, nil
	default:
		return "", malformed("unknown verification state %q", s)
	}
}

func classifyTextVerified(err error) error {
	var httpErr *common.HTTPError
	if !errors.As(err, &httpErr) {
		return err
	}
	body := strings.ToLower(httpErr.Body)
	switch {
	case strings.Contains(body, "out of stock"), strings.Contains(body, "no numbers"), strings.Contains(body, "unavailable"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case httpErr.StatusCode == http.StatusBadRequest && strings.Contains(body, "service"):
		return fmt.Errorf("%w: %v", ErrInvalidService, err)
	}
	return err
}
