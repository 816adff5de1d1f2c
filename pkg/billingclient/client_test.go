package billingclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/medpass/enrollment-service/internal/domain"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	logger, _ := test.NewNullLogger()
	return NewClient(server.URL, "key", time.Second, 1, logger)
}

func TestFindOrCreateCustomerMatchesEmailFirst(t *testing.T) {
	var queries []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method, "expected lookup only")
		queries = append(queries, r.URL.Query().Get("query"))
		_, _ = w.Write([]byte(`{"customers":[{"id":10,"email":"other@example.com"},{"id":11,"email":"Maria@Example.com"}]}`))
	})

	customer, created, err := client.FindOrCreateCustomer(context.Background(), CustomerRequest{Email: "maria@example.com", RegistryCode: "123.456.789-09"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ID("11"), customer.ID)
	assert.Equal(t, []string{`email="maria@example.com"`}, queries)
}

func TestFindOrCreateCustomerFallsBackToRegistryCode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		if strings.HasPrefix(query, "email=") {
			_, _ = w.Write([]byte(`{"customers":[]}`))
			return
		}
		assert.Equal(t, `registry_code="12345678909"`, query)
		_, _ = w.Write([]byte(`{"customers":[{"id":"cus_7","registry_code":"123.456.789-09"}]}`))
	})

	customer, created, err := client.FindOrCreateCustomer(context.Background(), CustomerRequest{Email: "maria@example.com", RegistryCode: "123.456.789-09"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ID("cus_7"), customer.ID)
}

func TestFindOrCreateCustomerCreatesWhenMissing(t *testing.T) {
	var posted CustomerRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"customers":[]}`))
			return
		}
		assert.Equal(t, "customer-ben-1", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"customer":{"id":99,"email":"maria@example.com"}}`))
	})

	customer, created, err := client.FindOrCreateCustomer(context.Background(), CustomerRequest{Name: "Maria", Email: "maria@example.com", RegistryCode: "123.456.789-09", Code: "ben-1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, ID("99"), customer.ID)
	assert.Equal(t, "12345678909", posted.RegistryCode)
}

func TestCreateSubscriptionReturnsFirstBill(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/subscriptions", r.URL.Path)
		assert.Equal(t, "sub-ben-1", r.Header.Get("Idempotency-Key"))
		_, _ = w.Write([]byte(`{
			"subscription":{"id":501,"status":"active"},
			"bill":{"id":900,"status":"pending","amount":"89.9","charges":[
				{"id":1200,"status":"pending","amount":"89.9","due_at":"2026-10-20T00:00:00.000-03:00",
				 "payment_method":{"code":"pix"},
				 "last_transaction":{"status":"waiting","gateway_response_fields":{"qrcode_original_path":"000201PIX","qrcode_path":"https://qr.example/1.png"}}}
			]}
		}`))
	})

	result, err := client.CreateSubscription(context.Background(), SubscriptionRequest{PlanID: "77", CustomerID: "99", PaymentMethodCode: "pix"}, "sub-ben-1")
	require.NoError(t, err)
	assert.Equal(t, ID("501"), result.Subscription.ID)
	require.NotNil(t, result.Bill)
	require.Len(t, result.Bill.Charges, 1)

	charge := result.Bill.Charges[0]
	assert.Equal(t, ID("1200"), charge.ID)
	assert.Equal(t, "89.9", charge.Amount.String())
	require.NotNil(t, charge.DueAt)
	assert.True(t, charge.HasPixCode())

	artifacts := charge.Artifacts()
	assert.Equal(t, "000201PIX", *artifacts.PixCode)
	assert.Equal(t, "https://qr.example/1.png", *artifacts.PixQRCodeURL)
	assert.Nil(t, artifacts.BoletoURL)
	assert.Nil(t, artifacts.CardStatus)
}

func TestGetChargeBoletoArtifacts(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/charges/1200", r.URL.Path)
		_, _ = w.Write([]byte(`{"charge":{"id":1200,"status":"paid","print_url":"https://boleto.example/1200","payment_method":{"code":"bank_slip"}}}`))
	})

	charge, err := client.GetCharge(context.Background(), "1200")
	require.NoError(t, err)
	assert.Equal(t, "paid", charge.Status)
	artifacts := charge.Artifacts()
	require.NotNil(t, artifacts.BoletoURL)
	assert.Equal(t, "https://boleto.example/1200", *artifacts.BoletoURL)
	assert.False(t, charge.HasPixCode())
}

func TestListSubscriptionBillsQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "subscription_id=501", r.URL.Query().Get("query"))
		assert.Equal(t, "desc", r.URL.Query().Get("sort_order"))
		_, _ = w.Write([]byte(`{"bills":[{"id":901,"status":"pending","charges":[{"id":1201,"status":"pending"}]}]}`))
	})

	bills, err := client.ListSubscriptionBills(context.Background(), "501")
	require.NoError(t, err)
	require.Len(t, bills, 1)
	assert.Equal(t, ID("1201"), bills[0].Charges[0].ID)
}

func TestMethodCode(t *testing.T) {
	assert.Equal(t, "pix", MethodCode(domain.PaymentMethodPix))
	assert.Equal(t, "bank_slip", MethodCode(domain.PaymentMethodBoleto))
	assert.Equal(t, "credit_card", MethodCode(domain.PaymentMethodCreditCard))
}
