package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PaymentEnvelope carries the fields shared by every payment event.
type PaymentEnvelope struct {
	ChargeID       string
	ProviderStatus string
	Payload        json.RawMessage
}

// PaymentEvent is a normalized billing-provider status observation, from
// either a webhook or a poll. Implementations: PaymentPaid, PaymentFailed,
// PaymentPending and PaymentProcessing.
type PaymentEvent interface {
	Envelope() PaymentEnvelope
	ChargeStatus() ChargeStatus
}

type PaymentPaid struct{ PaymentEnvelope }
type PaymentFailed struct{ PaymentEnvelope }
type PaymentPending struct{ PaymentEnvelope }
type PaymentProcessing struct{ PaymentEnvelope }

func (e PaymentEnvelope) Envelope() PaymentEnvelope { return e }

func (PaymentPaid) ChargeStatus() ChargeStatus       { return ChargeStatusPaid }
func (PaymentFailed) ChargeStatus() ChargeStatus     { return ChargeStatusFailed }
func (PaymentPending) ChargeStatus() ChargeStatus    { return ChargeStatusPending }
func (PaymentProcessing) ChargeStatus() ChargeStatus { return ChargeStatusProcessing }

var providerChargeStatuses = map[string]func(PaymentEnvelope) PaymentEvent{
	"paid":       func(e PaymentEnvelope) PaymentEvent { return PaymentPaid{e} },
	"canceled":   func(e PaymentEnvelope) PaymentEvent { return PaymentFailed{e} },
	"cancelled":  func(e PaymentEnvelope) PaymentEvent { return PaymentFailed{e} },
	"rejected":   func(e PaymentEnvelope) PaymentEvent { return PaymentFailed{e} },
	"pending":    func(e PaymentEnvelope) PaymentEvent { return PaymentPending{e} },
	"processing": func(e PaymentEnvelope) PaymentEvent { return PaymentProcessing{e} },
}

// PaymentEventFromProviderStatus maps a provider charge status to an
// event. It is the only mapping table; webhook and poll paths both use it.
// The second result is false for statuses with no local meaning.
func PaymentEventFromProviderStatus(env PaymentEnvelope) (PaymentEvent, bool) {
	build, ok := providerChargeStatuses[strings.ToLower(strings.TrimSpace(env.ProviderStatus))]
	if !ok {
		return nil, false
	}
	return build(env), true
}

type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

type billingWebhook struct {
	ChargeID flexibleID `json:"charge_id"`
	Status   string     `json:"status"`
	Event    *struct {
		Type string `json:"type"`
		Data *struct {
			Charge *struct {
				ID     flexibleID `json:"id"`
				Status string     `json:"status"`
			} `json:"charge"`
		} `json:"data"`
	} `json:"event"`
}

// ParsePaymentWebhook normalizes a billing webhook. Both the flat
// {charge_id, status} shape and the provider envelope
// {event: {type, data: {charge: {id, status}}}} are accepted.
func ParsePaymentWebhook(body []byte) (PaymentEvent, error) {
	var payload billingWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	env := PaymentEnvelope{Payload: json.RawMessage(body)}
	switch {
	case payload.Event != nil:
		if payload.Event.Data == nil {
			return nil, fmt.Errorf("%w: missing event.data", ErrMalformedPayload)
		}
		if payload.Event.Data.Charge == nil {
			return nil, fmt.Errorf("%w: %s carries no charge", ErrUnsupportedEvent, payload.Event.Type)
		}
		env.ChargeID = string(payload.Event.Data.Charge.ID)
		env.ProviderStatus = payload.Event.Data.Charge.Status
	case payload.ChargeID != "":
		env.ChargeID = string(payload.ChargeID)
		env.ProviderStatus = payload.Status
	default:
		return nil, fmt.Errorf("%w: neither charge_id nor event envelope present", ErrMalformedPayload)
	}

	if env.ChargeID == "" {
		return nil, fmt.Errorf("%w: empty charge id", ErrMalformedPayload)
	}
	event, ok := PaymentEventFromProviderStatus(env)
	if !ok {
		return nil, fmt.Errorf("%w: charge status %q", ErrUnsupportedEvent, env.ProviderStatus)
	}
	return event, nil
}
