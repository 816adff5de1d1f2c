package domain

import (
	"errors"
	"testing"
)

func TestParseSignatureWebhook(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		body       string
		wantType   string
		documentID string
	}{
		{
			name:       "document finished uses data.id",
			body:       `{"event":{"type":"document.finished","data":{"id":"doc_1"}}}`,
			wantType:   "finished",
			documentID: "doc_1",
		},
		{
			name:       "signature accepted with string document",
			body:       `{"event":{"type":"signature.accepted","data":{"id":"sig_9","document":"doc_2"}}}`,
			wantType:   "accepted",
			documentID: "doc_2",
		},
		{
			name:       "signature rejected with object document",
			body:       `{"event":{"type":"signature.rejected","data":{"id":"sig_9","document":{"id":"doc_3"},"reason":"wrong plan"}}}`,
			wantType:   "rejected",
			documentID: "doc_3",
		},
		{
			name:       "signature viewed",
			body:       `{"event":{"type":"SIGNATURE.VIEWED","data":{"document":"doc_4"}}}`,
			wantType:   "viewed",
			documentID: "doc_4",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			event, err := ParseSignatureWebhook([]byte(tc.body))
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			var got string
			switch e := event.(type) {
			case SignatureFinished:
				got = "finished"
			case SignatureAccepted:
				got = "accepted"
			case SignatureRejected:
				got = "rejected"
				if e.Reason != "wrong plan" {
					t.Fatalf("expected rejection reason, got %q", e.Reason)
				}
			case SignatureViewed:
				got = "viewed"
			}
			if got != tc.wantType {
				t.Fatalf("expected %s event, got %s", tc.wantType, got)
			}
			if event.Envelope().DocumentID != tc.documentID {
				t.Fatalf("expected document %s, got %s", tc.documentID, event.Envelope().DocumentID)
			}
			if string(event.Envelope().Payload) != tc.body {
				t.Fatalf("expected raw payload to be preserved")
			}
		})
	}
}

func TestParseSignatureWebhookErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		body string
		want error
	}{
		{name: "invalid json", body: `{"event":`, want: ErrMalformedPayload},
		{name: "missing event", body: `{"foo":"bar"}`, want: ErrMalformedPayload},
		{name: "signature without document", body: `{"event":{"type":"signature.accepted","data":{"id":"sig"}}}`, want: ErrMalformedPayload},
		{name: "document without id", body: `{"event":{"type":"document.finished","data":{}}}`, want: ErrMalformedPayload},
		{name: "unknown document event", body: `{"event":{"type":"document.created","data":{"id":"doc"}}}`, want: ErrUnsupportedEvent},
		{name: "unknown family", body: `{"event":{"type":"member.created","data":{"id":"m"}}}`, want: ErrUnsupportedEvent},
		{name: "unknown signature event without document", body: `{"event":{"type":"signature.created","data":{"id":"sig_1"}}}`, want: ErrUnsupportedEvent},
		{name: "unknown document event without id", body: `{"event":{"type":"document.created","data":{"document":"doc_1"}}}`, want: ErrUnsupportedEvent},
		{name: "unknown event without data", body: `{"event":{"type":"folder.deleted"}}`, want: ErrUnsupportedEvent},
		{name: "handled event without data", body: `{"event":{"type":"document.finished"}}`, want: ErrMalformedPayload},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseSignatureWebhook([]byte(tc.body))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestParsePaymentWebhook(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		body     string
		chargeID string
		status   ChargeStatus
	}{
		{name: "flat paid", body: `{"charge_id":"ch_1","status":"paid"}`, chargeID: "ch_1", status: ChargeStatusPaid},
		{name: "flat numeric id", body: `{"charge_id":12345,"status":"processing"}`, chargeID: "12345", status: ChargeStatusProcessing},
		{name: "envelope canceled", body: `{"event":{"type":"charge_canceled","data":{"charge":{"id":77,"status":"canceled"}}}}`, chargeID: "77", status: ChargeStatusFailed},
		{name: "envelope rejected", body: `{"event":{"type":"charge_rejected","data":{"charge":{"id":"ch_2","status":"rejected"}}}}`, chargeID: "ch_2", status: ChargeStatusFailed},
		{name: "envelope pending", body: `{"event":{"type":"charge_created","data":{"charge":{"id":"ch_3","status":"Pending"}}}}`, chargeID: "ch_3", status: ChargeStatusPending},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			event, err := ParsePaymentWebhook([]byte(tc.body))
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if event.Envelope().ChargeID != tc.chargeID {
				t.Fatalf("expected charge %s, got %s", tc.chargeID, event.Envelope().ChargeID)
			}
			if event.ChargeStatus() != tc.status {
				t.Fatalf("expected status %s, got %s", tc.status, event.ChargeStatus())
			}
		})
	}
}

func TestParsePaymentWebhookErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		body string
		want error
	}{
		{name: "not json", body: `nope`, want: ErrMalformedPayload},
		{name: "empty object", body: `{}`, want: ErrMalformedPayload},
		{name: "envelope without data", body: `{"event":{"type":"bill_paid"}}`, want: ErrMalformedPayload},
		{name: "envelope without charge", body: `{"event":{"type":"test","data":{}}}`, want: ErrUnsupportedEvent},
		{name: "unmapped status", body: `{"charge_id":"ch_1","status":"refunded"}`, want: ErrUnsupportedEvent},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParsePaymentWebhook([]byte(tc.body))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPaymentEventFromProviderStatusMatchesWebhookMapping(t *testing.T) {
	t.Parallel()

	for providerStatus := range providerChargeStatuses {
		polled, ok := PaymentEventFromProviderStatus(PaymentEnvelope{ChargeID: "ch", ProviderStatus: providerStatus})
		if !ok {
			t.Fatalf("expected %s to be mapped", providerStatus)
		}
		hooked, err := ParsePaymentWebhook([]byte(`{"charge_id":"ch","status":"` + providerStatus + `"}`))
		if err != nil {
			t.Fatalf("expected webhook for %s to parse, got %v", providerStatus, err)
		}
		if polled.ChargeStatus() != hooked.ChargeStatus() {
			t.Fatalf("expected identical mapping for %s, got poll=%s webhook=%s", providerStatus, polled.ChargeStatus(), hooked.ChargeStatus())
		}
	}
}
