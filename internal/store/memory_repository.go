package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medpass/enrollment-service/internal/domain"
)

// MemoryRepository is an in-process Repository for local development and
// tests. It applies the same guards as the PostgreSQL implementation.
type MemoryRepository struct {
	mu            sync.RWMutex
	now           func() time.Time
	plans         map[uuid.UUID]domain.Plan
	beneficiaries map[uuid.UUID]domain.Beneficiary
	contracts     map[uuid.UUID]domain.Contract
	subscriptions map[uuid.UUID]domain.Subscription
	charges       map[uuid.UUID]domain.Charge
	seq           int64
	chargeSeq     map[uuid.UUID]int64
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:           time.Now,
		plans:         make(map[uuid.UUID]domain.Plan),
		beneficiaries: make(map[uuid.UUID]domain.Beneficiary),
		contracts:     make(map[uuid.UUID]domain.Contract),
		subscriptions: make(map[uuid.UUID]domain.Subscription),
		charges:       make(map[uuid.UUID]domain.Charge),
		chargeSeq:     make(map[uuid.UUID]int64),
	}
}

// AddPlan stores a plan, replacing any plan with the same id.
func (r *MemoryRepository) AddPlan(plan domain.Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[plan.ID] = plan
}

// AddBeneficiary stores a beneficiary, replacing any with the same id.
func (r *MemoryRepository) AddBeneficiary(b domain.Beneficiary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.PaymentStatus == "" {
		b.PaymentStatus = domain.PaymentStatusNotRequested
	}
	if b.Status == "" {
		b.Status = domain.BeneficiaryStatusPending
	}
	now := r.now()
	b.CreatedAt, b.UpdatedAt = now, now
	r.beneficiaries[b.ID] = b
}

func (r *MemoryRepository) FindBeneficiaryByID(_ context.Context, beneficiaryID uuid.UUID) (*domain.Beneficiary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.beneficiaries[beneficiaryID]
	if !ok {
		return nil, ErrBeneficiaryNotFound
	}
	return &b, nil
}

func (r *MemoryRepository) FindPlanByID(_ context.Context, planID uuid.UUID) (*domain.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) SetBeneficiaryBillingCustomer(_ context.Context, beneficiaryID uuid.UUID, customerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.beneficiaries[beneficiaryID]
	if !ok {
		return ErrBeneficiaryNotFound
	}
	b.BillingCustomerID = &customerID
	b.UpdatedAt = r.now()
	r.beneficiaries[beneficiaryID] = b
	return nil
}

func (r *MemoryRepository) SetBeneficiaryBillingError(_ context.Context, beneficiaryID uuid.UUID, message *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.beneficiaries[beneficiaryID]
	if !ok {
		return ErrBeneficiaryNotFound
	}
	b.LastBillingError = copyString(message)
	b.UpdatedAt = r.now()
	r.beneficiaries[beneficiaryID] = b
	return nil
}

func (r *MemoryRepository) FindContractByBeneficiaryID(_ context.Context, beneficiaryID uuid.UUID) (*domain.Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[beneficiaryID]
	if !ok {
		return nil, ErrContractNotFound
	}
	return cloneContract(c), nil
}

func (r *MemoryRepository) FindContractByDocumentID(_ context.Context, documentID string) (*domain.Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.contracts {
		if c.DocumentID != nil && *c.DocumentID == documentID {
			return cloneContract(c), nil
		}
	}
	return nil, ErrContractNotFound
}

func (r *MemoryRepository) SaveContract(_ context.Context, contract *domain.Contract) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.beneficiaries[contract.BeneficiaryID]; !ok {
		return ErrBeneficiaryNotFound
	}
	now := r.now()
	if existing, ok := r.contracts[contract.BeneficiaryID]; ok {
		contract.ID = existing.ID
		contract.CreatedAt = existing.CreatedAt
	} else {
		if contract.ID == uuid.Nil {
			contract.ID = uuid.New()
		}
		contract.CreatedAt = now
	}
	contract.UpdatedAt = now
	r.contracts[contract.BeneficiaryID] = *cloneContract(*contract)
	return nil
}

func (r *MemoryRepository) FindActiveSubscriptionByBeneficiaryID(_ context.Context, beneficiaryID uuid.UUID) (*domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.subscriptions {
		if s.BeneficiaryID == beneficiaryID && s.Status == "active" {
			return &s, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (r *MemoryRepository) CreateSubscription(_ context.Context, subscription *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	subscription.CreatedAt = r.now()
	r.subscriptions[subscription.ID] = *subscription
	return nil
}

func (r *MemoryRepository) RecordActivation(_ context.Context, params RecordActivationParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.beneficiaries[params.Charge.BeneficiaryID]
	if !ok {
		return ErrBeneficiaryNotFound
	}
	for _, existing := range r.charges {
		if existing.ExternalChargeID == params.Charge.ExternalChargeID {
			return ErrDuplicateCharge
		}
	}

	now := r.now()
	ch := params.Charge
	ch.CreatedAt, ch.UpdatedAt = now, now
	r.seq++
	r.charges[ch.ID] = ch
	r.chargeSeq[ch.ID] = r.seq

	if b.PaymentStatus.CanTransition(params.PaymentStatus) {
		b.PaymentStatus = params.PaymentStatus
	}
	b.Status = params.BeneficiaryStatus
	method := params.PaymentMethod
	b.PaymentMethod = &method
	b.LastBillingError = nil
	b.UpdatedAt = now
	r.beneficiaries[b.ID] = b
	return nil
}

func (r *MemoryRepository) FindChargeByExternalID(_ context.Context, externalChargeID string) (*domain.Charge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.charges {
		if c.ExternalChargeID == externalChargeID {
			return &c, nil
		}
	}
	return nil, ErrChargeNotFound
}

func (r *MemoryRepository) ListChargesByBeneficiaryID(_ context.Context, beneficiaryID uuid.UUID) ([]domain.Charge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Charge, 0)
	for _, c := range r.charges {
		if c.BeneficiaryID == beneficiaryID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return r.chargeSeq[out[i].ID] > r.chargeSeq[out[j].ID]
	})
	return out, nil
}

func (r *MemoryRepository) ApplyChargeReconciliation(_ context.Context, params ApplyChargeReconciliationParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.charges[params.ChargeID]
	if !ok {
		return ErrChargeNotFound
	}
	now := r.now()
	if params.ChargeStatus != nil && !c.Status.IsSettled() {
		c.Status = *params.ChargeStatus
	}
	if a := params.Artifacts; a != nil {
		if a.PixCode != nil {
			c.Artifacts.PixCode = copyString(a.PixCode)
		}
		if a.PixQRCodeURL != nil {
			c.Artifacts.PixQRCodeURL = copyString(a.PixQRCodeURL)
		}
		if a.BoletoURL != nil {
			c.Artifacts.BoletoURL = copyString(a.BoletoURL)
		}
		if a.CardStatus != nil {
			c.Artifacts.CardStatus = copyString(a.CardStatus)
		}
	}
	if params.PixPending != nil {
		c.PixPending = *params.PixPending
	}
	c.LastSyncSource = params.Source
	c.UpdatedAt = now
	r.charges[c.ID] = c

	if params.PaymentStatus != nil {
		b, ok := r.beneficiaries[params.BeneficiaryID]
		if !ok {
			return ErrBeneficiaryNotFound
		}
		if b.PaymentStatus.CanTransition(*params.PaymentStatus) {
			b.PaymentStatus = *params.PaymentStatus
			if params.BeneficiaryStatus != nil {
				b.Status = *params.BeneficiaryStatus
			}
			b.UpdatedAt = now
			r.beneficiaries[b.ID] = b
		}
	}
	return nil
}

func (r *MemoryRepository) ListReconcileCandidates(_ context.Context, limit int) ([]ReconcileCandidate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ReconcileCandidate, 0)
	for _, c := range r.charges {
		b := r.beneficiaries[c.BeneficiaryID]
		open := !c.Status.IsSettled()
		divergent := c.Status == domain.ChargeStatusPaid && b.PaymentStatus != domain.PaymentStatusPaid
		if !open && !divergent {
			continue
		}
		out = append(out, ReconcileCandidate{
			ChargeID:         c.ID,
			ExternalChargeID: c.ExternalChargeID,
			BeneficiaryID:    c.BeneficiaryID,
			ChargeStatus:     c.Status,
			PaymentStatus:    b.PaymentStatus,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return r.chargeSeq[out[i].ChargeID] < r.chargeSeq[out[j].ChargeID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneContract(c domain.Contract) *domain.Contract {
	out := c
	out.DocumentID = copyString(c.DocumentID)
	out.SignatureLink = copyString(c.SignatureLink)
	out.LastError = copyString(c.LastError)
	if c.SignedAt != nil {
		t := *c.SignedAt
		out.SignedAt = &t
	}
	if c.SignedPayload != nil {
		out.SignedPayload = append([]byte(nil), c.SignedPayload...)
	}
	return &out
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
