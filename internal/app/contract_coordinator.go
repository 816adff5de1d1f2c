package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/medpass/enrollment-service/internal/domain"
	"github.com/medpass/enrollment-service/internal/store"
	"github.com/sirupsen/logrus"
)

// GenerateContract creates (or regenerates) the beneficiary's contract at the
// e-signature provider and returns the signature link. Contracts that are
// already signed or refused are left untouched.
func (s *Service) GenerateContract(ctx context.Context, beneficiaryID uuid.UUID, customer domain.CustomerData, plan domain.PlanData) (*domain.ContractLink, error) {
	return s.generateContract(ctx, beneficiaryID, customer, plan, "generate")
}

// IssueContract generates the contract from the stored beneficiary and plan.
func (s *Service) IssueContract(ctx context.Context, beneficiaryID uuid.UUID) (*domain.ContractLink, error) {
	customer, plan, err := s.contractInputs(ctx, beneficiaryID)
	if err != nil {
		return nil, err
	}
	return s.generateContract(ctx, beneficiaryID, customer, plan, "generate")
}

// ResendContract regenerates the link of a contract that is still awaiting
// signature or previously failed.
func (s *Service) ResendContract(ctx context.Context, beneficiaryID uuid.UUID) (*domain.ContractLink, error) {
	customer, plan, err := s.contractInputs(ctx, beneficiaryID)
	if err != nil {
		return nil, err
	}
	return s.generateContract(ctx, beneficiaryID, customer, plan, "resend")
}

func (s *Service) contractInputs(ctx context.Context, beneficiaryID uuid.UUID) (domain.CustomerData, domain.PlanData, error) {
	b, err := s.loadBeneficiary(ctx, beneficiaryID)
	if err != nil {
		return domain.CustomerData{}, domain.PlanData{}, err
	}
	plan, err := s.loadPlan(ctx, b.PlanID)
	if err != nil {
		return domain.CustomerData{}, domain.PlanData{}, err
	}
	return domain.CustomerDataFor(b), domain.PlanDataFor(plan), nil
}

func (s *Service) generateContract(ctx context.Context, beneficiaryID uuid.UUID, customer domain.CustomerData, plan domain.PlanData, operation string) (*domain.ContractLink, error) {
	if err := domain.ValidateCustomerData(customer); err != nil {
		return nil, err
	}

	logger := s.logger.WithFields(logrus.Fields{"component": "contract", "beneficiary_id": beneficiaryID, "op": operation})

	unlock, err := s.lockBeneficiary(ctx, beneficiaryID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	contract, err := s.repo.FindContractByBeneficiaryID(ctx, beneficiaryID)
	switch {
	case errors.Is(err, store.ErrContractNotFound):
		if operation == "resend" {
			return nil, &domain.InvalidStateError{Entity: "contract", ID: beneficiaryID.String(), Current: string(domain.ContractStatusNotRequested), Operation: operation}
		}
		if _, err := s.loadBeneficiary(ctx, beneficiaryID); err != nil {
			return nil, err
		}
		contract = &domain.Contract{ID: uuid.New(), BeneficiaryID: beneficiaryID, Status: domain.ContractStatusNotRequested}
	case err != nil:
		return nil, fmt.Errorf("failed to load contract: %w", err)
	}

	if contract.Status.IsTerminal() {
		return nil, &domain.InvalidStateError{Entity: "contract", ID: beneficiaryID.String(), Current: string(contract.Status), Operation: operation}
	}
	if operation == "resend" && contract.Status == domain.ContractStatusNotRequested {
		return nil, &domain.InvalidStateError{Entity: "contract", ID: beneficiaryID.String(), Current: string(contract.Status), Operation: operation}
	}
	if contract.Status == domain.ContractStatusError {
		contract.Status = domain.ContractStatusNotRequested
	}

	doc, gwErr := s.signature.CreateDocument(ctx, beneficiaryID, customer, plan)
	if gwErr != nil {
		contract.Status = domain.ContractStatusError
		contract.LastError = errorMessage(gwErr)
		if err := s.repo.SaveContract(ctx, contract); err != nil {
			logger.WithError(err).Error("failed to record contract error")
		}
		logger.WithError(gwErr).Warn("contract generation failed")
		return nil, gwErr
	}

	contract.DocumentID = &doc.DocumentID
	contract.SignatureLink = &doc.SignatureLink
	contract.Status = domain.ContractStatusPendingSignature
	contract.LastError = nil
	if err := s.repo.SaveContract(ctx, contract); err != nil {
		return nil, fmt.Errorf("failed to save contract: %w", err)
	}

	logger.WithField("document_id", doc.DocumentID).Info("contract awaiting signature")
	return &domain.ContractLink{
		BeneficiaryID: beneficiaryID,
		DocumentID:    doc.DocumentID,
		SignatureLink: doc.SignatureLink,
		Status:        contract.Status,
	}, nil
}

// OnSignatureEvent applies an e-signature webhook. Replays are no-ops and
// events that do not fit the contract's current state are ignored. A signed
// contract triggers billing activation under the same beneficiary lock; an
// activation failure is recorded on the beneficiary without undoing the signature.
func (s *Service) OnSignatureEvent(ctx context.Context, event domain.SignatureEvent) (*domain.SignatureOutcome, error) {
	env := event.Envelope()
	contract, err := s.repo.FindContractByDocumentID(ctx, env.DocumentID)
	if err != nil {
		if errors.Is(err, store.ErrContractNotFound) {
			return nil, &domain.NotFoundError{Entity: "document", ID: env.DocumentID}
		}
		return nil, fmt.Errorf("failed to load contract: %w", err)
	}

	logger := s.logger.WithFields(logrus.Fields{
		"component":      "contract",
		"beneficiary_id": contract.BeneficiaryID,
		"document_id":    env.DocumentID,
		"event":          env.EventType,
	})

	unlock, err := s.lockBeneficiary(ctx, contract.BeneficiaryID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	contract, err = s.repo.FindContractByBeneficiaryID(ctx, contract.BeneficiaryID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload contract: %w", err)
	}
	outcome := &domain.SignatureOutcome{
		DocumentID:     env.DocumentID,
		BeneficiaryID:  contract.BeneficiaryID,
		ContractStatus: contract.Status,
	}
	if contract.DocumentID == nil || *contract.DocumentID != env.DocumentID {
		logger.Info("ignoring event for a superseded document")
		outcome.Action = domain.SignatureActionStaleDocument
		return outcome, nil
	}

	var target domain.ContractStatus
	switch e := event.(type) {
	case domain.SignatureFinished, domain.SignatureAccepted:
		target = domain.ContractStatusSigned
	case domain.SignatureRejected:
		target = domain.ContractStatusRefused
		logger = logger.WithField("reason", e.Reason)
	case domain.SignatureViewed:
		logger.Info("contract viewed by signer")
		outcome.Action = domain.SignatureActionViewed
		return outcome, nil
	default:
		logger.Warn("unhandled signature event")
		outcome.Action = domain.SignatureActionIgnored
		return outcome, nil
	}

	if contract.Status == target {
		logger.Info("signature event already applied")
		outcome.Action = domain.SignatureActionAlreadyDone
		return outcome, nil
	}
	if contract.Status != domain.ContractStatusPendingSignature || !contract.Status.CanTransition(target) {
		logger.WithField("contract_status", contract.Status).Warn("ignoring signature event outside pending_signature")
		outcome.Action = domain.SignatureActionIgnored
		return outcome, nil
	}

	contract.Status = target
	if target == domain.ContractStatusSigned {
		signedAt := s.now()
		contract.SignedAt = &signedAt
		contract.SignedPayload = append([]byte(nil), env.Payload...)
	}
	if err := s.repo.SaveContract(ctx, contract); err != nil {
		return nil, fmt.Errorf("failed to save contract: %w", err)
	}
	outcome.ContractStatus = target

	if target == domain.ContractStatusRefused {
		logger.Info("contract refused")
		outcome.Action = domain.SignatureActionRefused
		s.notify(ctx, domain.EnrollmentNotification{Event: domain.EventContractRefused, BeneficiaryID: contract.BeneficiaryID, DocumentID: env.DocumentID})
		return outcome, nil
	}

	logger.Info("contract signed")
	outcome.Action = domain.SignatureActionSigned
	s.notify(ctx, domain.EnrollmentNotification{Event: domain.EventContractSigned, BeneficiaryID: contract.BeneficiaryID, DocumentID: env.DocumentID})

	activationCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ActivationTimeout)
	defer cancel()
	charge, _, err := s.activateLocked(activationCtx, contract.BeneficiaryID, "", false)
	if err != nil {
		logger.WithError(err).Error("billing activation after signature failed")
		outcome.ActivationError = err.Error()
		return outcome, nil
	}
	outcome.ChargeID = charge.ExternalChargeID
	return outcome, nil
}
