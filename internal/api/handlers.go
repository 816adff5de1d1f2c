/**
 * @description
 * This file contains the operator-facing HTTP handlers. Handlers parse the
 * request, call the enrollment service and map its typed errors to HTTP
 * status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/google/uuid: beneficiary id parsing.
 * - internal/domain: request/response models and error taxonomy.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/medpass/enrollment-service/internal/domain"
	"github.com/sirupsen/logrus"
)

// EnrollmentService is the operator surface of the enrollment lifecycle.
type EnrollmentService interface {
	GenerateContract(ctx context.Context, beneficiaryID uuid.UUID, customer domain.CustomerData, plan domain.PlanData) (*domain.ContractLink, error)
	IssueContract(ctx context.Context, beneficiaryID uuid.UUID) (*domain.ContractLink, error)
	ResendContract(ctx context.Context, beneficiaryID uuid.UUID) (*domain.ContractLink, error)
	Activate(ctx context.Context, beneficiaryID uuid.UUID, method domain.PaymentMethod) (*domain.Charge, error)
	GeneratePaymentLink(ctx context.Context, beneficiaryID uuid.UUID, method domain.PaymentMethod) (*domain.Charge, error)
	RefreshPaymentStatuses(ctx context.Context) (*domain.ReconcileSummary, error)
	GetEnrollment(ctx context.Context, beneficiaryID uuid.UUID) (*domain.Enrollment, error)
}

// Handlers holds the service the operator handlers use.
type Handlers struct {
	service EnrollmentService
	logger  logrus.FieldLogger
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(service EnrollmentService, logger logrus.FieldLogger) *Handlers {
	return &Handlers{service: service, logger: logger.WithField("component", "http")}
}

type generateContractRequest struct {
	Customer *domain.CustomerData `json:"customer"`
	Plan     *domain.PlanData     `json:"plan"`
}

type paymentRequest struct {
	PaymentMethod string `json:"payment_method"`
}

// GetEnrollmentHandler returns the beneficiary, contract and charges.
func (h *Handlers) GetEnrollmentHandler(w http.ResponseWriter, r *http.Request) {
	beneficiaryID, ok := h.beneficiaryID(w, r)
	if !ok {
		return
	}
	view, err := h.service.GetEnrollment(r.Context(), beneficiaryID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GenerateContractHandler issues the contract. With no body the stored
// beneficiary and plan are used; otherwise both customer and plan are required.
func (h *Handlers) GenerateContractHandler(w http.ResponseWriter, r *http.Request) {
	beneficiaryID, ok := h.beneficiaryID(w, r)
	if !ok {
		return
	}

	var req generateContractRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}

	var (
		link *domain.ContractLink
		err  error
	)
	switch {
	case req.Customer == nil && req.Plan == nil:
		link, err = h.service.IssueContract(r.Context(), beneficiaryID)
	case req.Customer == nil || req.Plan == nil:
		err = &domain.ValidationError{Fields: map[string]string{"customer": "required_with_plan", "plan": "required_with_customer"}}
	default:
		link, err = h.service.GenerateContract(r.Context(), beneficiaryID, *req.Customer, *req.Plan)
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

// ResendContractHandler regenerates the signature link.
func (h *Handlers) ResendContractHandler(w http.ResponseWriter, r *http.Request) {
	beneficiaryID, ok := h.beneficiaryID(w, r)
	if !ok {
		return
	}
	link, err := h.service.ResendContract(r.Context(), beneficiaryID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

// ActivateHandler runs billing activation for a signed contract.
func (h *Handlers) ActivateHandler(w http.ResponseWriter, r *http.Request) {
	h.chargeAction(w, r, h.service.Activate)
}

// GeneratePaymentLinkHandler opens a new payment attempt.
func (h *Handlers) GeneratePaymentLinkHandler(w http.ResponseWriter, r *http.Request) {
	h.chargeAction(w, r, h.service.GeneratePaymentLink)
}

func (h *Handlers) chargeAction(w http.ResponseWriter, r *http.Request, action func(context.Context, uuid.UUID, domain.PaymentMethod) (*domain.Charge, error)) {
	beneficiaryID, ok := h.beneficiaryID(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}

	var method domain.PaymentMethod
	if raw := strings.TrimSpace(req.PaymentMethod); raw != "" {
		parsed, valid := domain.ParsePaymentMethod(strings.ToLower(raw))
		if !valid {
			h.writeServiceError(w, r, &domain.ValidationError{Fields: map[string]string{"payment_method": "oneof=pix boleto credit_card"}})
			return
		}
		method = parsed
	}

	charge, err := action(r.Context(), beneficiaryID, method)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, charge)
}

// RefreshPaymentStatusesHandler runs one reconciliation batch and returns its summary.
func (h *Handlers) RefreshPaymentStatusesHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.RefreshPaymentStatuses(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handlers) beneficiaryID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "beneficiaryID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid beneficiary ID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusForError(err)
	entry := h.logger.WithFields(logrus.Fields{"path": r.URL.Path, "status": status}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("operator request failed")
	} else {
		entry.Info("operator request rejected")
	}

	body := map[string]interface{}{"error": err.Error()}
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		body["fields"] = validationErr.Fields
	}
	if status == http.StatusInternalServerError {
		body["error"] = "internal server error"
	}
	writeJSON(w, status, body)
}

// StatusForError maps the domain error taxonomy to HTTP status codes.
func StatusForError(err error) int {
	var (
		validationErr *domain.ValidationError
		rejectedErr   *domain.GatewayRejectedError
		stateErr      *domain.InvalidStateError
		notFoundErr   *domain.NotFoundError
		planErr       *domain.PlanNotConfiguredError
		transientErr  *domain.GatewayTransientError
	)
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &rejectedErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &stateErr):
		return http.StatusConflict
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound
	case errors.As(err, &planErr):
		return http.StatusPreconditionFailed
	case errors.As(err, &transientErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// decodeOptionalJSON accepts an empty body and rejects malformed JSON.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil {
		return true
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "Invalid request body")
	return false
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
