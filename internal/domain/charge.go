package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ChargeStatus is the local state of a single payment attempt.
type ChargeStatus string

const (
	ChargeStatusPending    ChargeStatus = "pending"
	ChargeStatusProcessing ChargeStatus = "processing"
	ChargeStatusPaid       ChargeStatus = "paid"
	ChargeStatusFailed     ChargeStatus = "failed"
)

// IsSettled reports whether the charge may no longer change.
func (s ChargeStatus) IsSettled() bool {
	return s == ChargeStatusPaid || s == ChargeStatusFailed
}

// PaymentStatus is the beneficiary payment status mirrored by this charge status.
func (s ChargeStatus) PaymentStatus() PaymentStatus {
	switch s {
	case ChargeStatusPaid:
		return PaymentStatusPaid
	case ChargeStatusFailed:
		return PaymentStatusFailed
	case ChargeStatusProcessing:
		return PaymentStatusProcessing
	default:
		return PaymentStatusPending
	}
}

// SyncSource records which path last touched a charge.
type SyncSource string

const (
	SyncSourceActivation SyncSource = "activation"
	SyncSourceWebhook    SyncSource = "webhook"
	SyncSourcePoll       SyncSource = "poll"
)

// Subscription links a beneficiary to a recurring billing-provider subscription.
type Subscription struct {
	ID                     uuid.UUID `json:"id"`
	BeneficiaryID          uuid.UUID `json:"beneficiary_id"`
	ExternalSubscriptionID string    `json:"external_subscription_id"`
	CustomerID             string    `json:"customer_id"`
	ExternalPlanID         string    `json:"external_plan_id"`
	Status                 string    `json:"status"`
	CreatedAt              time.Time `json:"created_at"`
}

// PaymentArtifacts are the beneficiary-facing payment instructions of a charge.
type PaymentArtifacts struct {
	PixCode      *string `json:"pix_code,omitempty"`
	PixQRCodeURL *string `json:"pix_qr_code_url,omitempty"`
	BoletoURL    *string `json:"boleto_url,omitempty"`
	CardStatus   *string `json:"card_status,omitempty"`
}

// Charge is one billing attempt. A new attempt is always a new row.
type Charge struct {
	ID               uuid.UUID        `json:"id"`
	SubscriptionID   uuid.UUID        `json:"subscription_id"`
	BeneficiaryID    uuid.UUID        `json:"beneficiary_id"`
	ExternalChargeID string           `json:"external_charge_id"`
	ExternalBillID   string           `json:"external_bill_id"`
	Status           ChargeStatus     `json:"status"`
	PaymentMethod    PaymentMethod    `json:"payment_method"`
	Amount           decimal.Decimal  `json:"amount"`
	DueAt            *time.Time       `json:"due_at,omitempty"`
	Artifacts        PaymentArtifacts `json:"artifacts"`
	PixPending       bool             `json:"pix_pending"`
	LastSyncSource   SyncSource       `json:"last_sync_source"`
	LastError        *string          `json:"last_error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// IsActive reports whether the charge still counts as the beneficiary's
// open attempt.
func (c *Charge) IsActive() bool {
	return c.Status != ChargeStatusFailed
}

// ChargeUpdate describes one applied reconciliation change.
type ChargeUpdate struct {
	ChargeID      string        `json:"charge_id"`
	BeneficiaryID uuid.UUID     `json:"beneficiary_id"`
	From          ChargeStatus  `json:"from"`
	To            ChargeStatus  `json:"to"`
	PaymentFrom   PaymentStatus `json:"payment_from"`
	PaymentTo     PaymentStatus `json:"payment_to"`
	Source        SyncSource    `json:"source"`
}

// ReconcileSummary is the result of one batch reconciliation run.
type ReconcileSummary struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Examined   int            `json:"examined"`
	Updated    int            `json:"updated"`
	Unchanged  int            `json:"unchanged"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	Updates    []ChargeUpdate `json:"updates"`
}

// Enrollment is the operator view of one beneficiary's lifecycle.
type Enrollment struct {
	Beneficiary *Beneficiary `json:"beneficiary"`
	Contract    *Contract    `json:"contract,omitempty"`
	Charges     []Charge     `json:"charges"`
}
