package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/medpass/enrollment-service/internal/domain"
	"github.com/medpass/enrollment-service/internal/store"
	"github.com/medpass/enrollment-service/pkg/billingclient"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// OnPaymentEvent applies a billing webhook. It returns the applied change,
// or nil when the event changed nothing (replay, stale or regressive event).
func (s *Service) OnPaymentEvent(ctx context.Context, event domain.PaymentEvent) (*domain.ChargeUpdate, error) {
	env := event.Envelope()
	charge, err := s.repo.FindChargeByExternalID(ctx, env.ChargeID)
	if err != nil {
		if errors.Is(err, store.ErrChargeNotFound) {
			return nil, &domain.NotFoundError{Entity: "charge", ID: env.ChargeID}
		}
		return nil, fmt.Errorf("failed to load charge: %w", err)
	}

	unlock, err := s.lockBeneficiary(ctx, charge.BeneficiaryID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.applyPaymentEvent(ctx, env.ChargeID, event, domain.SyncSourceWebhook, nil)
}

// RefreshPaymentStatuses is the operator-triggered poll.
func (s *Service) RefreshPaymentStatuses(ctx context.Context) (*domain.ReconcileSummary, error) {
	return s.ReconcileAll(ctx)
}

// ReconcileAll polls the billing provider for every open charge (and every
// paid charge whose beneficiary disagrees) and applies what changed. Lookup
// failures are counted and skipped; the batch stops taking new work once its
// time budget is spent. Beneficiaries run in parallel up to the configured
// concurrency; the same beneficiary is serialized by its lock.
func (s *Service) ReconcileAll(ctx context.Context) (*domain.ReconcileSummary, error) {
	logger := s.logger.WithField("component", "reconcile")
	summary := &domain.ReconcileSummary{StartedAt: s.now(), Updates: make([]domain.ChargeUpdate, 0)}

	budgetCtx, cancel := context.WithTimeout(ctx, s.opts.ReconcileBudget)
	defer cancel()

	candidates, err := s.repo.ListReconcileCandidates(budgetCtx, s.opts.ReconcileBatchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconcile candidates: %w", err)
	}
	summary.Examined = len(candidates)

	var (
		mu    sync.Mutex
		group errgroup.Group
	)
	group.SetLimit(s.opts.ReconcileConcurrency)

	for _, candidate := range candidates {
		candidate := candidate
		group.Go(func() error {
			update, outcome := s.reconcileCandidate(budgetCtx, candidate, logger)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case reconcileUpdated:
				summary.Updated++
				summary.Updates = append(summary.Updates, *update)
			case reconcileUnchanged:
				summary.Unchanged++
			case reconcileFailed:
				summary.Failed++
			case reconcileSkipped:
				summary.Skipped++
			}
			reconcileOutcomes.WithLabelValues(string(outcome)).Inc()
			return nil
		})
	}
	_ = group.Wait()

	summary.FinishedAt = s.now()
	logger.WithFields(logrus.Fields{
		"examined":  summary.Examined,
		"updated":   summary.Updated,
		"unchanged": summary.Unchanged,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
	}).Info("reconciliation finished")
	return summary, nil
}

type reconcileOutcome string

const (
	reconcileUpdated   reconcileOutcome = "updated"
	reconcileUnchanged reconcileOutcome = "unchanged"
	reconcileFailed    reconcileOutcome = "failed"
	reconcileSkipped   reconcileOutcome = "skipped"
)

func (s *Service) reconcileCandidate(ctx context.Context, candidate store.ReconcileCandidate, logger logrus.FieldLogger) (*domain.ChargeUpdate, reconcileOutcome) {
	logger = logger.WithFields(logrus.Fields{"charge_id": candidate.ExternalChargeID, "beneficiary_id": candidate.BeneficiaryID})
	if ctx.Err() != nil {
		logger.Warn("reconcile budget exhausted, charge skipped")
		return nil, reconcileSkipped
	}

	chargeCtx, cancel := context.WithTimeout(ctx, s.opts.ReconcileChargeTimeout)
	defer cancel()

	// The lookup happens under the lock so a webhook cannot commit a newer
	// status between the fetch and the write.
	unlock, err := s.lockBeneficiary(chargeCtx, candidate.BeneficiaryID)
	if err != nil {
		logger.WithError(err).Warn("could not lock beneficiary")
		return nil, reconcileFailed
	}
	defer unlock()

	remote, err := s.billing.GetCharge(chargeCtx, candidate.ExternalChargeID)
	if err != nil {
		logger.WithError(err).Warn("charge lookup failed")
		return nil, reconcileFailed
	}

	event, ok := domain.PaymentEventFromProviderStatus(domain.PaymentEnvelope{ChargeID: candidate.ExternalChargeID, ProviderStatus: remote.Status})
	if !ok {
		logger.WithField("provider_status", remote.Status).Warn("unmapped provider charge status")
		return nil, reconcileSkipped
	}

	update, err := s.applyPaymentEvent(chargeCtx, candidate.ExternalChargeID, event, domain.SyncSourcePoll, remote)
	if err != nil {
		logger.WithError(err).Error("failed to apply polled status")
		return nil, reconcileFailed
	}
	if update == nil {
		return nil, reconcileUnchanged
	}
	return update, reconcileUpdated
}

// applyPaymentEvent must be called with the beneficiary lock held. The
// beneficiary mirrors only its newest charge; events for older attempts
// update that charge alone. remote, when present, backfills a missing PIX code.
func (s *Service) applyPaymentEvent(ctx context.Context, externalChargeID string, event domain.PaymentEvent, source domain.SyncSource, remote *billingclient.Charge) (*domain.ChargeUpdate, error) {
	charge, err := s.repo.FindChargeByExternalID(ctx, externalChargeID)
	if err != nil {
		if errors.Is(err, store.ErrChargeNotFound) {
			return nil, &domain.NotFoundError{Entity: "charge", ID: externalChargeID}
		}
		return nil, fmt.Errorf("failed to reload charge: %w", err)
	}
	b, err := s.loadBeneficiary(ctx, charge.BeneficiaryID)
	if err != nil {
		return nil, err
	}
	charges, err := s.repo.ListChargesByBeneficiaryID(ctx, charge.BeneficiaryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load charges: %w", err)
	}
	isCurrent := len(charges) > 0 && charges[0].ID == charge.ID

	logger := s.logger.WithFields(logrus.Fields{
		"component":      "reconcile",
		"charge_id":      externalChargeID,
		"beneficiary_id": charge.BeneficiaryID,
		"source":         source,
	})

	params := store.ApplyChargeReconciliationParams{ChargeID: charge.ID, BeneficiaryID: b.ID, Source: source}
	update := &domain.ChargeUpdate{
		ChargeID:      externalChargeID,
		BeneficiaryID: b.ID,
		From:          charge.Status,
		To:            charge.Status,
		PaymentFrom:   b.PaymentStatus,
		PaymentTo:     b.PaymentStatus,
		Source:        source,
	}
	changed := false

	target := event.ChargeStatus()
	if charge.Status != target {
		if charge.Status.IsSettled() {
			logger.WithFields(logrus.Fields{"current": charge.Status, "observed": target}).Info("ignoring status change for settled charge")
		} else {
			params.ChargeStatus = &target
			update.To = target
			changed = true
		}
	}

	if isCurrent {
		mirrored := update.To.PaymentStatus()
		if mirrored != b.PaymentStatus {
			if b.PaymentStatus.CanTransition(mirrored) {
				beneficiaryStatus := domain.BeneficiaryStatusFor(mirrored)
				params.PaymentStatus = &mirrored
				params.BeneficiaryStatus = &beneficiaryStatus
				update.PaymentTo = mirrored
				changed = true
			} else {
				logger.WithFields(logrus.Fields{"payment_status": b.PaymentStatus, "observed": mirrored}).Info("ignoring regressive payment status")
			}
		}
	}

	if remote != nil && charge.PixPending && remote.HasPixCode() {
		artifacts := remote.Artifacts()
		pending := false
		params.Artifacts = &artifacts
		params.PixPending = &pending
		changed = true
	}

	if !changed {
		return nil, nil
	}
	if err := s.repo.ApplyChargeReconciliation(ctx, params); err != nil {
		return nil, fmt.Errorf("failed to apply reconciliation: %w", err)
	}
	reconcileUpdates.WithLabelValues(string(source), string(update.To)).Inc()
	logger.WithFields(logrus.Fields{
		"from":         update.From,
		"to":           update.To,
		"payment_from": update.PaymentFrom,
		"payment_to":   update.PaymentTo,
	}).Info("charge reconciled")

	if update.From != update.To {
		switch update.To {
		case domain.ChargeStatusPaid:
			s.notify(ctx, domain.EnrollmentNotification{Event: domain.EventPaymentPaid, BeneficiaryID: b.ID, ChargeID: externalChargeID, PaymentMethod: charge.PaymentMethod, Source: source})
		case domain.ChargeStatusFailed:
			s.notify(ctx, domain.EnrollmentNotification{Event: domain.EventPaymentFailed, BeneficiaryID: b.ID, ChargeID: externalChargeID, PaymentMethod: charge.PaymentMethod, Source: source})
		}
	}
	return update, nil
}
