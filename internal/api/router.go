/**
 * @description
 * This file sets up the HTTP router for the enrollment service. Provider
 * webhooks are authenticated by their HMAC signature; operator routes require
 * an operator JWT.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: router and standard middleware.
 * - github.com/go-chi/cors: CORS for the admin UI.
 * - github.com/prometheus/client_golang: /metrics exposition.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RouterConfig carries the HTTP-facing settings.
type RouterConfig struct {
	OperatorJWTSecret string
	AllowedOrigins    []string
	RequestTimeout    time.Duration
	MetricsEnabled    bool
}

// NewRouter creates the chi router with operator and webhook routes.
func NewRouter(h *Handlers, wh *WebhookHandlers, cfg RouterConfig, logger logrus.FieldLogger) *chi.Mux {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(prometheusMiddleware)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	// Cross-origin access stays closed unless origins are configured; an
	// empty list would make the cors handler allow every origin.
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"Link"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/signature", wh.SignatureWebhook)
		r.Post("/billing", wh.BillingWebhook)
	})

	r.Group(func(r chi.Router) {
		r.Use(OperatorAuthMiddleware(cfg.OperatorJWTSecret))

		r.Get("/enrollments/{beneficiaryID}", h.GetEnrollmentHandler)
		r.Post("/enrollments/{beneficiaryID}/contract", h.GenerateContractHandler)
		r.Post("/enrollments/{beneficiaryID}/contract/resend", h.ResendContractHandler)
		r.Post("/enrollments/{beneficiaryID}/activate", h.ActivateHandler)
		r.Post("/enrollments/{beneficiaryID}/payment-link", h.GeneratePaymentLinkHandler)
		r.Post("/payments/refresh", h.RefreshPaymentStatusesHandler)
	})

	return r
}
