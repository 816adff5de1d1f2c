package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys of downstream enrollment notifications.
const (
	EventContractSigned     = "contract.signed"
	EventContractRefused    = "contract.refused"
	EventPaymentLinkCreated = "payment.link_created"
	EventPaymentPaid        = "payment.paid"
	EventPaymentFailed      = "payment.failed"
)

// EnrollmentNotification is published for downstream consumers (e-mail,
// CRM) whenever an enrollment reaches a milestone.
type EnrollmentNotification struct {
	Event         string        `json:"event"`
	BeneficiaryID uuid.UUID     `json:"beneficiary_id"`
	DocumentID    string        `json:"document_id,omitempty"`
	ChargeID      string        `json:"charge_id,omitempty"`
	PaymentMethod PaymentMethod `json:"payment_method,omitempty"`
	PaymentLink   string        `json:"payment_link,omitempty"`
	Source        SyncSource    `json:"source,omitempty"`
	OccurredAt    time.Time     `json:"occurred_at"`
}
