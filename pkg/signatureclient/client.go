/**
 * @description
 * This package provides a client for the e-signature provider. It creates
 * contract documents from a template for a single signer and returns the
 * document id together with the link the beneficiary opens to sign.
 *
 * @dependencies
 * - github.com/medpass/enrollment-service/pkg/gateway: retrying provider transport.
 * - github.com/google/uuid: per-call idempotency keys.
 */
package signatureclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/medpass/enrollment-service/internal/domain"
	"github.com/medpass/enrollment-service/pkg/gateway"
	"github.com/sirupsen/logrus"
)

// Client is a client for the e-signature API.
type Client struct {
	transport *gateway.Client
}

// NewClient creates a new e-signature API client authenticated with a bearer token.
func NewClient(baseURL, apiKey string, timeout time.Duration, maxAttempts int, logger logrus.FieldLogger) *Client {
	return &Client{
		transport: gateway.NewClient(gateway.Options{
			Provider:    "signature",
			BaseURL:     baseURL,
			Timeout:     timeout,
			MaxAttempts: maxAttempts,
			Authorize: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+apiKey)
			},
			Logger: logger,
		}),
	}
}

// NewClientWithTransport wraps an already configured transport.
func NewClientWithTransport(transport *gateway.Client) *Client {
	return &Client{transport: transport}
}

// Signer is the single signer of an enrollment contract.
type Signer struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	DocumentNumber string `json:"document_number"`
	Phone          string `json:"phone,omitempty"`
	Action         string `json:"action"`
}

// CreateDocumentRequest is the payload for creating a contract document.
type CreateDocumentRequest struct {
	Name              string            `json:"name"`
	TemplateID        string            `json:"template_id,omitempty"`
	ExternalReference string            `json:"external_reference"`
	Signers           []Signer          `json:"signers"`
	Fields            map[string]string `json:"fields,omitempty"`
}

// CreateDocumentResponse is the provider's answer to document creation.
type CreateDocumentResponse struct {
	DocumentID    string `json:"document_id"`
	SignatureLink string `json:"signature_link"`
}

// CreateDocument builds the contract for beneficiaryID and returns its signature link.
func (c *Client) CreateDocument(ctx context.Context, beneficiaryID uuid.UUID, customer domain.CustomerData, plan domain.PlanData) (*CreateDocumentResponse, error) {
	signer := Signer{
		Name:           customer.Name,
		Email:          customer.Email,
		DocumentNumber: domain.DigitsOnly(customer.DocumentNumber),
		Action:         "SIGN",
	}
	if phone, ok := domain.NormalizePhone(customer.Phone); ok {
		signer.Phone = phone
	}

	payload := CreateDocumentRequest{
		Name:              fmt.Sprintf("Contrato %s - %s", plan.Name, customer.Name),
		TemplateID:        plan.TemplateID,
		ExternalReference: beneficiaryID.String(),
		Signers:           []Signer{signer},
		Fields: map[string]string{
			"plan_id":    plan.PlanID,
			"plan_name":  plan.Name,
			"plan_price": plan.Price.StringFixed(2),
			"city":       customer.Address.City,
			"state":      customer.Address.State,
		},
	}

	var resp CreateDocumentResponse
	err := c.transport.Do(ctx, gateway.Request{
		Operation:      "create_document",
		Method:         http.MethodPost,
		Path:           "/documents",
		Body:           payload,
		IdempotencyKey: "contract-" + beneficiaryID.String() + "-" + uuid.NewString(),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.DocumentID == "" || resp.SignatureLink == "" {
		return nil, &domain.GatewayRejectedError{
			Provider:   "signature",
			Operation:  "create_document",
			StatusCode: http.StatusOK,
			Message:    "response is missing document_id or signature_link",
		}
	}
	return &resp, nil
}
