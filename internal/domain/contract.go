package domain

import (
	"time"

	"github.com/google/uuid"
)

// ContractStatus is the lifecycle state of a beneficiary's contract.
type ContractStatus string

const (
	ContractStatusNotRequested     ContractStatus = "not_requested"
	ContractStatusPendingSignature ContractStatus = "pending_signature"
	ContractStatusSigned           ContractStatus = "signed"
	ContractStatusRefused          ContractStatus = "refused"
	ContractStatusError            ContractStatus = "error"
)

var contractTransitions = map[ContractStatus][]ContractStatus{
	ContractStatusNotRequested:     {ContractStatusPendingSignature, ContractStatusError},
	ContractStatusPendingSignature: {ContractStatusPendingSignature, ContractStatusSigned, ContractStatusRefused, ContractStatusError},
	ContractStatusError:            {ContractStatusNotRequested},
}

// CanTransition reports whether a contract may move from s to next.
// Signed and refused are terminal.
func (s ContractStatus) CanTransition(next ContractStatus) bool {
	for _, allowed := range contractTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s ContractStatus) IsTerminal() bool {
	return s == ContractStatusSigned || s == ContractStatusRefused
}

// Contract is the single e-signature document of a beneficiary.
type Contract struct {
	ID            uuid.UUID      `json:"id"`
	BeneficiaryID uuid.UUID      `json:"beneficiary_id"`
	DocumentID    *string        `json:"document_id,omitempty"`
	SignatureLink *string        `json:"signature_link,omitempty"`
	Status        ContractStatus `json:"status"`
	SignedAt      *time.Time     `json:"signed_at,omitempty"`
	SignedPayload []byte         `json:"-"`
	LastError     *string        `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ContractLink is what the operator hands to the beneficiary.
type ContractLink struct {
	BeneficiaryID uuid.UUID      `json:"beneficiary_id"`
	DocumentID    string         `json:"document_id"`
	SignatureLink string         `json:"signature_link"`
	Status        ContractStatus `json:"status"`
}

// SignatureOutcome describes what a signature event did.
type SignatureOutcome struct {
	DocumentID      string         `json:"document_id"`
	BeneficiaryID   uuid.UUID      `json:"beneficiary_id"`
	Action          string         `json:"action"`
	ContractStatus  ContractStatus `json:"contract_status"`
	ChargeID        string         `json:"charge_id,omitempty"`
	ActivationError string         `json:"activation_error,omitempty"`
}

const (
	SignatureActionSigned        = "signed"
	SignatureActionRefused       = "refused"
	SignatureActionViewed        = "viewed"
	SignatureActionAlreadyDone   = "already_applied"
	SignatureActionIgnored       = "ignored"
	SignatureActionStaleDocument = "stale_document"
)
