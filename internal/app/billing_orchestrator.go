package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/medpass/enrollment-service/internal/domain"
	"github.com/medpass/enrollment-service/internal/store"
	"github.com/medpass/enrollment-service/pkg/billingclient"
	"github.com/sirupsen/logrus"
)

const activeSubscriptionStatus = "active"

// Activate turns a signed contract into a subscription with a payable
// charge. It is idempotent: when the beneficiary already has an open
// charge, that charge is returned and nothing is created. Once started it
// runs to completion even if the caller goes away.
func (s *Service) Activate(ctx context.Context, beneficiaryID uuid.UUID, method domain.PaymentMethod) (*domain.Charge, error) {
	unlock, err := s.lockBeneficiary(ctx, beneficiaryID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	activationCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ActivationTimeout)
	defer cancel()
	charge, _, err := s.activateLocked(activationCtx, beneficiaryID, method, false)
	return charge, err
}

// GeneratePaymentLink opens a new payment attempt for a signed contract
// whose previous charges all failed (or that was never billed).
func (s *Service) GeneratePaymentLink(ctx context.Context, beneficiaryID uuid.UUID, method domain.PaymentMethod) (*domain.Charge, error) {
	unlock, err := s.lockBeneficiary(ctx, beneficiaryID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	activationCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ActivationTimeout)
	defer cancel()
	charge, _, err := s.activateLocked(activationCtx, beneficiaryID, method, true)
	return charge, err
}

// activateLocked must be called with the beneficiary lock held.
func (s *Service) activateLocked(ctx context.Context, beneficiaryID uuid.UUID, method domain.PaymentMethod, requireNew bool) (charge *domain.Charge, created bool, err error) {
	logger := s.logger.WithFields(logrus.Fields{"component": "billing", "beneficiary_id": beneficiaryID})

	b, err := s.loadBeneficiary(ctx, beneficiaryID)
	if err != nil {
		return nil, false, err
	}

	contract, err := s.repo.FindContractByBeneficiaryID(ctx, beneficiaryID)
	switch {
	case errors.Is(err, store.ErrContractNotFound):
		return nil, false, &domain.InvalidStateError{Entity: "contract", ID: beneficiaryID.String(), Current: string(domain.ContractStatusNotRequested), Operation: "activate billing for"}
	case err != nil:
		return nil, false, fmt.Errorf("failed to load contract: %w", err)
	case contract.Status != domain.ContractStatusSigned:
		return nil, false, &domain.InvalidStateError{Entity: "contract", ID: beneficiaryID.String(), Current: string(contract.Status), Operation: "activate billing for"}
	}

	existing, err := s.repo.ListChargesByBeneficiaryID(ctx, beneficiaryID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load charges: %w", err)
	}
	for i := range existing {
		if !existing[i].IsActive() {
			continue
		}
		if requireNew {
			return nil, false, &domain.InvalidStateError{Entity: "charge", ID: existing[i].ExternalChargeID, Current: string(existing[i].Status), Operation: "replace"}
		}
		logger.WithField("charge_id", existing[i].ExternalChargeID).Info("activation already done, returning open charge")
		return &existing[i], false, nil
	}

	defer func() {
		if err == nil {
			return
		}
		if recErr := s.repo.SetBeneficiaryBillingError(context.WithoutCancel(ctx), beneficiaryID, errorMessage(err)); recErr != nil {
			logger.WithError(recErr).Error("failed to record billing error")
		}
		logger.WithError(err).Warn("billing activation failed")
	}()

	plan, err := s.loadPlan(ctx, b.PlanID)
	if err != nil {
		return nil, false, err
	}
	if plan.ExternalPlanID == nil || strings.TrimSpace(*plan.ExternalPlanID) == "" {
		return nil, false, &domain.PlanNotConfiguredError{PlanID: plan.ID.String()}
	}

	method = s.resolvePaymentMethod(method, b)
	methodCode := billingclient.MethodCode(method)

	customerID, err := s.ensureBillingCustomer(ctx, b, logger)
	if err != nil {
		return nil, false, err
	}

	sub, firstBill, err := s.ensureSubscription(ctx, b, plan, customerID, methodCode, logger)
	if err != nil {
		return nil, false, err
	}

	bill := firstBill
	if bill == nil || len(bill.Charges) == 0 {
		bill, err = s.openBill(ctx, sub, plan, customerID, methodCode, len(existing))
		if err != nil {
			return nil, false, err
		}
	}
	if len(bill.Charges) == 0 {
		return nil, false, &domain.GatewayRejectedError{Provider: "billing", Operation: "create_bill", Message: "bill " + bill.ID.String() + " has no charges"}
	}

	remote := bill.Charges[0]
	pixPending := false
	if method == domain.PaymentMethodPix && !remote.HasPixCode() {
		remote, pixPending = s.awaitPixCode(ctx, remote, logger)
	}

	status := domain.ChargeStatusPending
	if event, ok := domain.PaymentEventFromProviderStatus(domain.PaymentEnvelope{ChargeID: remote.ID.String(), ProviderStatus: remote.Status}); ok {
		status = event.ChargeStatus()
	}
	amount := remote.Amount
	if amount.IsZero() {
		amount = bill.Amount
	}
	if amount.IsZero() {
		amount = plan.Price
	}

	newCharge := domain.Charge{
		ID:               uuid.New(),
		SubscriptionID:   sub.ID,
		BeneficiaryID:    beneficiaryID,
		ExternalChargeID: remote.ID.String(),
		ExternalBillID:   bill.ID.String(),
		Status:           status,
		PaymentMethod:    method,
		Amount:           amount,
		DueAt:            remote.DueAt,
		Artifacts:        remote.Artifacts(),
		PixPending:       pixPending,
		LastSyncSource:   domain.SyncSourceActivation,
	}
	err = s.repo.RecordActivation(ctx, store.RecordActivationParams{
		Charge:            newCharge,
		PaymentStatus:     status.PaymentStatus(),
		BeneficiaryStatus: domain.BeneficiaryStatusFor(status.PaymentStatus()),
		PaymentMethod:     method,
	})
	if errors.Is(err, store.ErrDuplicateCharge) {
		stored, findErr := s.repo.FindChargeByExternalID(ctx, newCharge.ExternalChargeID)
		if findErr != nil {
			return nil, false, fmt.Errorf("failed to load existing charge: %w", findErr)
		}
		return stored, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to record activation: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"charge_id":      newCharge.ExternalChargeID,
		"payment_method": method,
		"status":         status,
		"pix_pending":    pixPending,
	}).Info("billing activated")

	link := ""
	switch {
	case newCharge.Artifacts.PixCode != nil:
		link = *newCharge.Artifacts.PixCode
	case newCharge.Artifacts.BoletoURL != nil:
		link = *newCharge.Artifacts.BoletoURL
	}
	s.notify(ctx, domain.EnrollmentNotification{
		Event:         domain.EventPaymentLinkCreated,
		BeneficiaryID: beneficiaryID,
		ChargeID:      newCharge.ExternalChargeID,
		PaymentMethod: method,
		PaymentLink:   link,
		Source:        domain.SyncSourceActivation,
	})
	return &newCharge, true, nil
}

func (s *Service) resolvePaymentMethod(requested domain.PaymentMethod, b *domain.Beneficiary) domain.PaymentMethod {
	if m, ok := domain.ParsePaymentMethod(string(requested)); ok {
		return m
	}
	if b.PaymentMethod != nil {
		if m, ok := domain.ParsePaymentMethod(string(*b.PaymentMethod)); ok {
			return m
		}
	}
	return s.opts.DefaultPaymentMethod
}

func (s *Service) ensureBillingCustomer(ctx context.Context, b *domain.Beneficiary, logger logrus.FieldLogger) (string, error) {
	if b.BillingCustomerID != nil && *b.BillingCustomerID != "" {
		return *b.BillingCustomerID, nil
	}

	req := billingclient.CustomerRequest{
		Name:         b.Name,
		Email:        strings.TrimSpace(b.Email),
		RegistryCode: domain.DigitsOnly(b.DocumentNumber),
		Code:         b.ID.String(),
	}
	if phone, ok := domain.NormalizePhone(b.Phone); ok {
		req.Phones = []billingclient.Phone{{PhoneType: "mobile", Number: strings.TrimPrefix(phone, "+")}}
	}
	if b.Address.Street != "" {
		req.Address = &billingclient.Address{
			Street:            b.Address.Street,
			Number:            b.Address.Number,
			AdditionalDetails: b.Address.Complement,
			Zipcode:           domain.DigitsOnly(b.Address.ZipCode),
			Neighborhood:      b.Address.District,
			City:              b.Address.City,
			State:             b.Address.State,
			Country:           "BR",
		}
	}

	customer, created, err := s.billing.FindOrCreateCustomer(ctx, req)
	if err != nil {
		return "", err
	}
	if err := s.repo.SetBeneficiaryBillingCustomer(ctx, b.ID, customer.ID.String()); err != nil {
		return "", fmt.Errorf("failed to record billing customer: %w", err)
	}
	logger.WithFields(logrus.Fields{"customer_id": customer.ID, "created": created}).Info("billing customer resolved")
	return customer.ID.String(), nil
}

// ensureSubscription reuses the beneficiary's active subscription or creates
// one. A freshly created subscription may come back with its first bill.
func (s *Service) ensureSubscription(ctx context.Context, b *domain.Beneficiary, plan *domain.Plan, customerID, methodCode string, logger logrus.FieldLogger) (*domain.Subscription, *billingclient.Bill, error) {
	sub, err := s.repo.FindActiveSubscriptionByBeneficiaryID(ctx, b.ID)
	if err == nil {
		return sub, nil, nil
	}
	if !errors.Is(err, store.ErrSubscriptionNotFound) {
		return nil, nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	result, err := s.billing.CreateSubscription(ctx, billingclient.SubscriptionRequest{
		PlanID:            *plan.ExternalPlanID,
		CustomerID:        customerID,
		PaymentMethodCode: methodCode,
		Code:              b.ID.String(),
	}, "sub-"+b.ID.String())
	if err != nil {
		return nil, nil, err
	}

	sub = &domain.Subscription{
		ID:                     uuid.New(),
		BeneficiaryID:          b.ID,
		ExternalSubscriptionID: result.Subscription.ID.String(),
		CustomerID:             customerID,
		ExternalPlanID:         *plan.ExternalPlanID,
		Status:                 activeSubscriptionStatus,
	}
	if err := s.repo.CreateSubscription(ctx, sub); err != nil {
		return nil, nil, fmt.Errorf("failed to record subscription: %w", err)
	}
	logger.WithField("subscription_id", sub.ExternalSubscriptionID).Info("subscription created")
	return sub, result.Bill, nil
}

// openBill finds the bill to collect on an existing subscription. When no
// charge was ever recorded locally, a bill the provider already issued is
// reused; otherwise a new bill is opened for the next attempt.
func (s *Service) openBill(ctx context.Context, sub *domain.Subscription, plan *domain.Plan, customerID, methodCode string, priorAttempts int) (*billingclient.Bill, error) {
	if priorAttempts == 0 {
		bills, err := s.billing.ListSubscriptionBills(ctx, sub.ExternalSubscriptionID)
		if err != nil {
			return nil, err
		}
		for i := range bills {
			for _, c := range bills[i].Charges {
				event, ok := domain.PaymentEventFromProviderStatus(domain.PaymentEnvelope{ChargeID: c.ID.String(), ProviderStatus: c.Status})
				if ok && event.ChargeStatus() != domain.ChargeStatusFailed {
					bill := bills[i]
					bill.Charges = []billingclient.Charge{c}
					return &bill, nil
				}
			}
		}
	}

	return s.billing.CreateBill(ctx, billingclient.BillRequest{
		CustomerID:        customerID,
		SubscriptionID:    sub.ExternalSubscriptionID,
		PaymentMethodCode: methodCode,
		Amount:            plan.Price,
		Code:              fmt.Sprintf("%s-%d", sub.BeneficiaryID, priorAttempts+1),
	}, fmt.Sprintf("bill-%s-%d", sub.ExternalSubscriptionID, priorAttempts+1))
}

// awaitPixCode re-fetches a PIX charge until the provider has generated the
// QR code or the retry policy is spent. The second result reports that the
// code is still missing.
func (s *Service) awaitPixCode(ctx context.Context, charge billingclient.Charge, logger logrus.FieldLogger) (billingclient.Charge, bool) {
	latest := charge
	done, err := s.opts.PixRetry.Run(ctx, func(ctx context.Context, attempt int) (bool, error) {
		fetched, err := s.billing.GetCharge(ctx, charge.ID.String())
		if err != nil {
			logger.WithFields(logrus.Fields{"charge_id": charge.ID, "attempt": attempt}).WithError(err).Warn("pix charge lookup failed")
			return false, err
		}
		latest = *fetched
		return fetched.HasPixCode(), nil
	})
	if done {
		return latest, false
	}
	entry := logger.WithField("charge_id", charge.ID)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("pix code not available yet, charge marked pix_pending")
	return latest, true
}
