/**
 * @description
 * This package provides a client for the recurring billing provider. It
 * covers the calls enrollment activation needs: customer lookup and
 * creation, subscription creation, extra bills for new payment attempts,
 * bill listing for resumed activations and charge lookup for reconciliation.
 *
 * @dependencies
 * - github.com/medpass/enrollment-service/pkg/gateway: retrying provider transport.
 * - github.com/shopspring/decimal: bill amounts.
 */
package billingclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/medpass/enrollment-service/internal/domain"
	"github.com/medpass/enrollment-service/pkg/gateway"
	"github.com/sirupsen/logrus"
)

// Client is a client for the billing provider API.
type Client struct {
	transport *gateway.Client
}

// NewClient creates a billing API client. The provider authenticates with
// HTTP basic auth, the API key as user and an empty password.
func NewClient(baseURL, apiKey string, timeout time.Duration, maxAttempts int, logger logrus.FieldLogger) *Client {
	return &Client{
		transport: gateway.NewClient(gateway.Options{
			Provider:    "billing",
			BaseURL:     baseURL,
			Timeout:     timeout,
			MaxAttempts: maxAttempts,
			Authorize: func(r *http.Request) {
				r.SetBasicAuth(apiKey, "")
			},
			Logger: logger,
		}),
	}
}

// NewClientWithTransport wraps an already configured transport.
func NewClientWithTransport(transport *gateway.Client) *Client {
	return &Client{transport: transport}
}

// FindOrCreateCustomer returns the existing customer matching the email,
// then the registry code, and creates one only when neither matches.
// The first exact match wins. The boolean reports whether a customer was created.
func (c *Client) FindOrCreateCustomer(ctx context.Context, req CustomerRequest) (*Customer, bool, error) {
	registry := domain.DigitsOnly(req.RegistryCode)
	req.RegistryCode = registry

	if email := strings.TrimSpace(req.Email); email != "" {
		found, err := c.findCustomers(ctx, fmt.Sprintf("email=%q", email))
		if err != nil {
			return nil, false, err
		}
		for i := range found {
			if strings.EqualFold(strings.TrimSpace(found[i].Email), email) {
				return &found[i], false, nil
			}
		}
	}

	if registry != "" {
		found, err := c.findCustomers(ctx, fmt.Sprintf("registry_code=%q", registry))
		if err != nil {
			return nil, false, err
		}
		for i := range found {
			if domain.DigitsOnly(found[i].RegistryCode) == registry {
				return &found[i], false, nil
			}
		}
	}

	var resp struct {
		Customer Customer `json:"customer"`
	}
	err := c.transport.Do(ctx, gateway.Request{
		Operation:      "create_customer",
		Method:         http.MethodPost,
		Path:           "/customers",
		Body:           req,
		IdempotencyKey: "customer-" + req.Code,
	}, &resp)
	if err != nil {
		return nil, false, err
	}
	if resp.Customer.ID == "" {
		return nil, false, missingField("create_customer", "customer.id")
	}
	return &resp.Customer, true, nil
}

func (c *Client) findCustomers(ctx context.Context, query string) ([]Customer, error) {
	var resp struct {
		Customers []Customer `json:"customers"`
	}
	err := c.transport.Do(ctx, gateway.Request{
		Operation: "find_customer",
		Method:    http.MethodGet,
		Path:      "/customers",
		Query:     url.Values{"query": {query}},
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Customers, nil
}

// CreateSubscription subscribes a customer to a plan. idempotencyKey must
// be stable per beneficiary so a retried activation never opens a second one.
func (c *Client) CreateSubscription(ctx context.Context, req SubscriptionRequest, idempotencyKey string) (*SubscriptionResult, error) {
	var resp SubscriptionResult
	err := c.transport.Do(ctx, gateway.Request{
		Operation:      "create_subscription",
		Method:         http.MethodPost,
		Path:           "/subscriptions",
		Body:           req,
		IdempotencyKey: idempotencyKey,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Subscription.ID == "" {
		return nil, missingField("create_subscription", "subscription.id")
	}
	return &resp, nil
}

// CreateBill opens a new payment attempt on an existing subscription.
func (c *Client) CreateBill(ctx context.Context, req BillRequest, idempotencyKey string) (*Bill, error) {
	var resp struct {
		Bill Bill `json:"bill"`
	}
	err := c.transport.Do(ctx, gateway.Request{
		Operation:      "create_bill",
		Method:         http.MethodPost,
		Path:           "/bills",
		Body:           req,
		IdempotencyKey: idempotencyKey,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Bill.ID == "" {
		return nil, missingField("create_bill", "bill.id")
	}
	return &resp.Bill, nil
}

// ListSubscriptionBills returns the bills of a subscription, newest first.
func (c *Client) ListSubscriptionBills(ctx context.Context, subscriptionID string) ([]Bill, error) {
	var resp struct {
		Bills []Bill `json:"bills"`
	}
	err := c.transport.Do(ctx, gateway.Request{
		Operation: "list_bills",
		Method:    http.MethodGet,
		Path:      "/bills",
		Query: url.Values{
			"query":      {"subscription_id=" + subscriptionID},
			"sort_by":    {"created_at"},
			"sort_order": {"desc"},
		},
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Bills, nil
}

// GetCharge fetches the current state of a charge.
func (c *Client) GetCharge(ctx context.Context, chargeID string) (*Charge, error) {
	var resp struct {
		Charge Charge `json:"charge"`
	}
	err := c.transport.Do(ctx, gateway.Request{
		Operation: "get_charge",
		Method:    http.MethodGet,
		Path:      "/charges/" + url.PathEscape(chargeID),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Charge.ID == "" {
		return nil, missingField("get_charge", "charge.id")
	}
	return &resp.Charge, nil
}

func missingField(op, field string) error {
	return &domain.GatewayRejectedError{
		Provider:   "billing",
		Operation:  op,
		StatusCode: http.StatusOK,
		Message:    "response is missing " + field,
	}
}
