/**
 * @description
 * This file defines the `Repository` interface, the contract for every data
 * access operation the enrollment lifecycle needs: beneficiaries and plans,
 * contracts, subscriptions and charges. Application logic depends on the
 * interface only; PostgreSQL and in-memory implementations live alongside.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/medpass/enrollment-service/internal/domain"
)

var (
	ErrBeneficiaryNotFound  = errors.New("beneficiary not found")
	ErrPlanNotFound         = errors.New("plan not found")
	ErrContractNotFound     = errors.New("contract not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrChargeNotFound       = errors.New("charge not found")
	ErrDuplicateCharge      = errors.New("charge already recorded")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Beneficiary and plan methods
	FindBeneficiaryByID(ctx context.Context, beneficiaryID uuid.UUID) (*domain.Beneficiary, error)
	FindPlanByID(ctx context.Context, planID uuid.UUID) (*domain.Plan, error)
	SetBeneficiaryBillingCustomer(ctx context.Context, beneficiaryID uuid.UUID, customerID string) error
	SetBeneficiaryBillingError(ctx context.Context, beneficiaryID uuid.UUID, message *string) error

	// Contract methods
	FindContractByBeneficiaryID(ctx context.Context, beneficiaryID uuid.UUID) (*domain.Contract, error)
	FindContractByDocumentID(ctx context.Context, documentID string) (*domain.Contract, error)
	SaveContract(ctx context.Context, contract *domain.Contract) error

	// Subscription and charge methods
	FindActiveSubscriptionByBeneficiaryID(ctx context.Context, beneficiaryID uuid.UUID) (*domain.Subscription, error)
	CreateSubscription(ctx context.Context, subscription *domain.Subscription) error
	RecordActivation(ctx context.Context, params RecordActivationParams) error
	FindChargeByExternalID(ctx context.Context, externalChargeID string) (*domain.Charge, error)
	ListChargesByBeneficiaryID(ctx context.Context, beneficiaryID uuid.UUID) ([]domain.Charge, error)
	ApplyChargeReconciliation(ctx context.Context, params ApplyChargeReconciliationParams) error
	ListReconcileCandidates(ctx context.Context, limit int) ([]ReconcileCandidate, error)
}

// RecordActivationParams persists the outcome of an activation: the new
// charge and the beneficiary status it implies, in one unit of work.
type RecordActivationParams struct {
	Charge            domain.Charge
	PaymentStatus     domain.PaymentStatus
	BeneficiaryStatus domain.BeneficiaryStatus
	PaymentMethod     domain.PaymentMethod
}

// ApplyChargeReconciliation params. Nil fields are left unchanged.
type ApplyChargeReconciliationParams struct {
	ChargeID          uuid.UUID
	BeneficiaryID     uuid.UUID
	Source            domain.SyncSource
	ChargeStatus      *domain.ChargeStatus
	PaymentStatus     *domain.PaymentStatus
	BeneficiaryStatus *domain.BeneficiaryStatus
	Artifacts         *domain.PaymentArtifacts
	PixPending        *bool
}

// ReconcileCandidate is a charge the poll path should look at: every
// unsettled charge, plus paid charges whose beneficiary does not show paid.
type ReconcileCandidate struct {
	ChargeID         uuid.UUID
	ExternalChargeID string
	BeneficiaryID    uuid.UUID
	ChargeStatus     domain.ChargeStatus
	PaymentStatus    domain.PaymentStatus
}
