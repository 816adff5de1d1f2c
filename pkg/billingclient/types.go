package billingclient

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/medpass/enrollment-service/internal/domain"
	"github.com/shopspring/decimal"
)

// ID is a provider identifier. The provider emits numeric ids; strings are
// accepted too so fakes and newer API versions decode the same way.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Customer is a billing-provider customer.
type Customer struct {
	ID           ID     `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	RegistryCode string `json:"registry_code"`
	Code         string `json:"code"`
	Status       string `json:"status"`
}

// Phone is a customer phone entry.
type Phone struct {
	PhoneType string `json:"phone_type"`
	Number    string `json:"number"`
}

// Address is a customer address in provider format.
type Address struct {
	Street            string `json:"street"`
	Number            string `json:"number"`
	AdditionalDetails string `json:"additional_details,omitempty"`
	Zipcode           string `json:"zipcode"`
	Neighborhood      string `json:"neighborhood"`
	City              string `json:"city"`
	State             string `json:"state"`
	Country           string `json:"country"`
}

// CustomerRequest is the payload for creating a customer.
type CustomerRequest struct {
	Name         string   `json:"name"`
	Email        string   `json:"email"`
	RegistryCode string   `json:"registry_code"`
	Code         string   `json:"code"`
	Phones       []Phone  `json:"phones,omitempty"`
	Address      *Address `json:"address,omitempty"`
}

// Subscription is a provider subscription.
type Subscription struct {
	ID     ID     `json:"id"`
	Status string `json:"status"`
	Code   string `json:"code"`
}

// SubscriptionRequest is the payload for creating a subscription.
type SubscriptionRequest struct {
	PlanID            string `json:"plan_id"`
	CustomerID        string `json:"customer_id"`
	PaymentMethodCode string `json:"payment_method_code"`
	Code              string `json:"code"`
}

// SubscriptionResult is the provider answer to subscription creation,
// which carries the first bill when the plan bills immediately.
type SubscriptionResult struct {
	Subscription Subscription `json:"subscription"`
	Bill         *Bill        `json:"bill"`
}

// BillRequest is the payload for creating an extra bill on a subscription.
type BillRequest struct {
	CustomerID        string          `json:"customer_id"`
	SubscriptionID    string          `json:"subscription_id"`
	PaymentMethodCode string          `json:"payment_method_code"`
	Amount            decimal.Decimal `json:"amount"`
	Code              string          `json:"code"`
}

// Bill groups the charges of one billing cycle or attempt.
type Bill struct {
	ID      ID              `json:"id"`
	Status  string          `json:"status"`
	Amount  decimal.Decimal `json:"amount"`
	Charges []Charge        `json:"charges"`
}

// Transaction is the gateway transaction behind a charge.
type Transaction struct {
	Status                string                 `json:"status"`
	GatewayMessage        string                 `json:"gateway_message"`
	GatewayResponseFields map[string]interface{} `json:"gateway_response_fields"`
}

// PaymentMethodRef is the payment method a charge is collected with.
type PaymentMethodRef struct {
	Code string `json:"code"`
}

// Charge is a single collectible amount of a bill.
type Charge struct {
	ID              ID               `json:"id"`
	Amount          decimal.Decimal  `json:"amount"`
	Status          string           `json:"status"`
	DueAt           *time.Time       `json:"due_at"`
	PrintURL        string           `json:"print_url"`
	PaymentMethod   PaymentMethodRef `json:"payment_method"`
	LastTransaction *Transaction     `json:"last_transaction"`
}

// Artifacts extracts the beneficiary-facing payment instructions of c.
func (c *Charge) Artifacts() domain.PaymentArtifacts {
	var out domain.PaymentArtifacts
	if url := strings.TrimSpace(c.PrintURL); url != "" && c.PaymentMethod.Code != "pix" {
		out.BoletoURL = &url
	}
	if c.LastTransaction == nil {
		return out
	}
	fields := c.LastTransaction.GatewayResponseFields
	if code := firstString(fields, "qrcode_original_path", "qr_code", "emv"); code != "" {
		out.PixCode = &code
	}
	if url := firstString(fields, "qrcode_path", "qr_code_url"); url != "" {
		out.PixQRCodeURL = &url
	}
	if status := strings.TrimSpace(c.LastTransaction.Status); status != "" && c.PaymentMethod.Code == "credit_card" {
		out.CardStatus = &status
	}
	return out
}

// HasPixCode reports whether the PIX copy-paste code is already available.
func (c *Charge) HasPixCode() bool {
	return c.Artifacts().PixCode != nil
}

func firstString(fields map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := fields[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// MethodCode maps an operator payment intent to the provider's method code.
func MethodCode(method domain.PaymentMethod) string {
	switch method {
	case domain.PaymentMethodBoleto:
		return "bank_slip"
	case domain.PaymentMethodCreditCard:
		return "credit_card"
	default:
		return "pix"
	}
}
