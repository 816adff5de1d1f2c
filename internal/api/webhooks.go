/**
 * @description
 * This file contains the HTTP handlers for provider webhooks. Each request
 * is authenticated with an HMAC-SHA256 signature over the raw body, then
 * normalized into a domain event and dispatched to the enrollment service.
 *
 * Response contract:
 * - 401 bad signature, 400 malformed payload.
 * - 200 "ignored" for event types the service does not handle.
 * - 404 echoing the id when the document or charge is unknown.
 * - 500 for anything else, so the provider re-delivers.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256, encoding/hex: signature verification.
 * - internal/domain: webhook parsing and event types.
 */

package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/medpass/enrollment-service/internal/domain"
	"github.com/sirupsen/logrus"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body, optionally prefixed with "sha256=".
const SignatureHeader = "X-Signature"

const maxWebhookBody = 1 << 20

// WebhookService is the event surface of the enrollment lifecycle.
type WebhookService interface {
	OnSignatureEvent(ctx context.Context, event domain.SignatureEvent) (*domain.SignatureOutcome, error)
	OnPaymentEvent(ctx context.Context, event domain.PaymentEvent) (*domain.ChargeUpdate, error)
}

// WebhookHandlers processes provider callbacks.
type WebhookHandlers struct {
	service         WebhookService
	signatureSecret string
	billingSecret   string
	logger          logrus.FieldLogger
}

// NewWebhookHandlers creates the webhook handlers. An empty secret disables
// signature verification for that provider.
func NewWebhookHandlers(service WebhookService, signatureSecret, billingSecret string, logger logrus.FieldLogger) *WebhookHandlers {
	logger = logger.WithField("component", "webhook")
	if signatureSecret == "" {
		logger.Warn("SIGNATURE_WEBHOOK_SECRET is not set, signature webhooks are not authenticated")
	}
	if billingSecret == "" {
		logger.Warn("BILLING_WEBHOOK_SECRET is not set, billing webhooks are not authenticated")
	}
	return &WebhookHandlers{
		service:         service,
		signatureSecret: signatureSecret,
		billingSecret:   billingSecret,
		logger:          logger,
	}
}

type webhookAck struct {
	Status string      `json:"status"`
	Event  string      `json:"event,omitempty"`
	ID     string      `json:"id,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

type webhookNotFound struct {
	Error string `json:"error"`
	ID    string `json:"id"`
}

// dispatchFunc applies a parsed webhook and returns the event name, the
// external id and the service result.
type dispatchFunc func(ctx context.Context, body []byte) (event, id string, result interface{}, err error)

// SignatureWebhook handles e-signature provider callbacks.
func (h *WebhookHandlers) SignatureWebhook(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "signature", h.signatureSecret, func(ctx context.Context, body []byte) (string, string, interface{}, error) {
		event, err := domain.ParseSignatureWebhook(body)
		if err != nil {
			return "", "", nil, err
		}
		env := event.Envelope()
		outcome, err := h.service.OnSignatureEvent(ctx, event)
		if err != nil {
			return env.EventType, env.DocumentID, nil, err
		}
		return env.EventType, env.DocumentID, outcome, nil
	})
}

// BillingWebhook handles billing provider callbacks.
func (h *WebhookHandlers) BillingWebhook(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "billing", h.billingSecret, func(ctx context.Context, body []byte) (string, string, interface{}, error) {
		event, err := domain.ParsePaymentWebhook(body)
		if err != nil {
			return "", "", nil, err
		}
		env := event.Envelope()
		name := "charge." + string(event.ChargeStatus())
		update, err := h.service.OnPaymentEvent(ctx, event)
		if err != nil {
			return name, env.ChargeID, nil, err
		}
		if update == nil {
			return name, env.ChargeID, nil, nil
		}
		return name, env.ChargeID, update, nil
	})
}

func (h *WebhookHandlers) serve(w http.ResponseWriter, r *http.Request, provider, secret string, dispatch dispatchFunc) {
	logger := h.logger.WithFields(logrus.Fields{"provider": provider, "request_id": middleware.GetReqID(r.Context())})
	defer func() {
		if rec := recover(); rec != nil {
			logger.WithField("panic", fmt.Sprint(rec)).Error("webhook handler panicked")
			webhookOutcomes.WithLabelValues(provider, "error").Inc()
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		logger.WithError(err).Warn("cannot read webhook body")
		webhookOutcomes.WithLabelValues(provider, "malformed").Inc()
		writeError(w, http.StatusBadRequest, "Cannot read request body")
		return
	}

	if secret != "" && !ValidSignature(secret, r.Header.Get(SignatureHeader), body) {
		logger.Warn("invalid webhook signature")
		webhookOutcomes.WithLabelValues(provider, "unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	event, id, result, err := dispatch(r.Context(), body)
	logger = logger.WithFields(logrus.Fields{"event": event, "id": id})
	switch {
	case err == nil:
		status := "processed"
		if result == nil {
			status = "unchanged"
		}
		logger.WithField("status", status).Info("webhook processed")
		webhookOutcomes.WithLabelValues(provider, status).Inc()
		writeJSON(w, http.StatusOK, webhookAck{Status: status, Event: event, ID: id, Result: result})
	case errors.Is(err, domain.ErrUnsupportedEvent):
		logger.WithError(err).Info("webhook ignored")
		webhookOutcomes.WithLabelValues(provider, "ignored").Inc()
		writeJSON(w, http.StatusOK, webhookAck{Status: "ignored", Event: event, ID: id})
	case errors.Is(err, domain.ErrMalformedPayload):
		logger.WithError(err).Warn("malformed webhook payload")
		webhookOutcomes.WithLabelValues(provider, "malformed").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
	case domain.IsNotFound(err):
		logger.WithError(err).Warn("webhook references an unknown id")
		webhookOutcomes.WithLabelValues(provider, "not_found").Inc()
		writeJSON(w, http.StatusNotFound, webhookNotFound{Error: err.Error(), ID: id})
	default:
		logger.WithError(err).Error("webhook processing failed")
		webhookOutcomes.WithLabelValues(provider, "error").Inc()
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// ValidSignature reports whether header is the HMAC-SHA256 of body under secret.
func ValidSignature(secret, header string, body []byte) bool {
	provided := strings.TrimSpace(header)
	provided = strings.TrimPrefix(strings.TrimPrefix(provided, "sha256="), "SHA256=")
	if provided == "" {
		return false
	}
	got, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignBody returns the X-Signature value for body.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
