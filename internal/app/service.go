/**
 * @description
 * This file contains the `Service` that drives the enrollment lifecycle. It
 * coordinates the repository, the e-signature and billing gateways, the
 * per-beneficiary locker and the downstream event publisher. The contract
 * coordinator, billing orchestrator and payment reconciler are implemented
 * as methods on this type in their own files.
 *
 * @dependencies
 * - github.com/sirupsen/logrus: structured logging.
 * - internal/domain, internal/store: domain models and data access.
 * - pkg/signatureclient, pkg/billingclient: provider payload types.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/medpass/enrollment-service/internal/domain"
	"github.com/medpass/enrollment-service/internal/store"
	"github.com/medpass/enrollment-service/pkg/billingclient"
	"github.com/medpass/enrollment-service/pkg/signatureclient"
	"github.com/sirupsen/logrus"
)

// SignatureGateway creates contract documents at the e-signature provider.
type SignatureGateway interface {
	CreateDocument(ctx context.Context, beneficiaryID uuid.UUID, customer domain.CustomerData, plan domain.PlanData) (*signatureclient.CreateDocumentResponse, error)
}

// BillingGateway is the subset of the billing provider activation and reconciliation use.
type BillingGateway interface {
	FindOrCreateCustomer(ctx context.Context, req billingclient.CustomerRequest) (*billingclient.Customer, bool, error)
	CreateSubscription(ctx context.Context, req billingclient.SubscriptionRequest, idempotencyKey string) (*billingclient.SubscriptionResult, error)
	CreateBill(ctx context.Context, req billingclient.BillRequest, idempotencyKey string) (*billingclient.Bill, error)
	ListSubscriptionBills(ctx context.Context, subscriptionID string) ([]billingclient.Bill, error)
	GetCharge(ctx context.Context, chargeID string) (*billingclient.Charge, error)
}

// Publisher sends downstream notifications.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Options tunes the Service.
type Options struct {
	DefaultPaymentMethod   domain.PaymentMethod
	PixRetry               RetryPolicy
	ActivationTimeout      time.Duration
	LockTimeout            time.Duration
	NotificationExchange   string
	ReconcileBudget        time.Duration
	ReconcileChargeTimeout time.Duration
	ReconcileConcurrency   int
	ReconcileBatchLimit    int
}

func (o Options) withDefaults() Options {
	if o.DefaultPaymentMethod == "" {
		o.DefaultPaymentMethod = domain.PaymentMethodPix
	}
	if o.PixRetry.Attempts <= 0 {
		o.PixRetry = DefaultPixRetryPolicy()
	}
	if o.ActivationTimeout <= 0 {
		o.ActivationTimeout = 2 * time.Minute
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = 30 * time.Second
	}
	if o.NotificationExchange == "" {
		o.NotificationExchange = "enrollment_events"
	}
	if o.ReconcileBudget <= 0 {
		o.ReconcileBudget = 2 * time.Minute
	}
	if o.ReconcileChargeTimeout <= 0 {
		o.ReconcileChargeTimeout = 15 * time.Second
	}
	if o.ReconcileConcurrency <= 0 {
		o.ReconcileConcurrency = 4
	}
	if o.ReconcileBatchLimit <= 0 {
		o.ReconcileBatchLimit = 200
	}
	return o
}

// Service provides the enrollment lifecycle business logic.
type Service struct {
	repo      store.Repository
	signature SignatureGateway
	billing   BillingGateway
	locker    Locker
	publisher Publisher
	logger    logrus.FieldLogger
	opts      Options
	now       func() time.Time
}

// NewService creates a new enrollment service instance. A nil locker
// falls back to a process-local KeyedMutex; a nil publisher disables
// downstream notifications.
func NewService(repo store.Repository, signature SignatureGateway, billing BillingGateway, locker Locker, publisher Publisher, logger logrus.FieldLogger, opts Options) *Service {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		repo:      repo,
		signature: signature,
		billing:   billing,
		locker:    locker,
		publisher: publisher,
		logger:    logger,
		opts:      opts.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) lockBeneficiary(ctx context.Context, beneficiaryID uuid.UUID) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
	defer cancel()
	return s.locker.Lock(lockCtx, beneficiaryLockKey(beneficiaryID))
}

func (s *Service) loadBeneficiary(ctx context.Context, beneficiaryID uuid.UUID) (*domain.Beneficiary, error) {
	b, err := s.repo.FindBeneficiaryByID(ctx, beneficiaryID)
	if err != nil {
		if errors.Is(err, store.ErrBeneficiaryNotFound) {
			return nil, &domain.NotFoundError{Entity: "beneficiary", ID: beneficiaryID.String()}
		}
		return nil, fmt.Errorf("failed to load beneficiary: %w", err)
	}
	return b, nil
}

func (s *Service) loadPlan(ctx context.Context, planID uuid.UUID) (*domain.Plan, error) {
	plan, err := s.repo.FindPlanByID(ctx, planID)
	if err != nil {
		if errors.Is(err, store.ErrPlanNotFound) {
			return nil, &domain.NotFoundError{Entity: "plan", ID: planID.String()}
		}
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	return plan, nil
}

// GetEnrollment returns the operator view of one beneficiary.
func (s *Service) GetEnrollment(ctx context.Context, beneficiaryID uuid.UUID) (*domain.Enrollment, error) {
	b, err := s.loadBeneficiary(ctx, beneficiaryID)
	if err != nil {
		return nil, err
	}
	view := &domain.Enrollment{Beneficiary: b}

	contract, err := s.repo.FindContractByBeneficiaryID(ctx, beneficiaryID)
	switch {
	case err == nil:
		view.Contract = contract
	case !errors.Is(err, store.ErrContractNotFound):
		return nil, fmt.Errorf("failed to load contract: %w", err)
	}

	charges, err := s.repo.ListChargesByBeneficiaryID(ctx, beneficiaryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load charges: %w", err)
	}
	view.Charges = charges
	return view, nil
}

// notify publishes a downstream notification. Failures are logged only;
// the enrollment state is already committed.
func (s *Service) notify(ctx context.Context, n domain.EnrollmentNotification) {
	if s.publisher == nil {
		return
	}
	n.OccurredAt = s.now()
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, s.opts.NotificationExchange, n.Event, n); err != nil {
		s.logger.WithFields(logrus.Fields{
			"component":      "notifications",
			"event":          n.Event,
			"beneficiary_id": n.BeneficiaryID,
		}).WithError(err).Warn("failed to publish enrollment notification")
	}
}

func errorMessage(err error) *string {
	msg := err.Error()
	return &msg
}
