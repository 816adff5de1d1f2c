package app

import (
	"context"
	"testing"
	"time"

	"github.com/medpass/enrollment-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivate_RequiresSignedContract(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Activate(ctx, h.beneficiary.ID, domain.PaymentMethodPix)
	var stateErr *domain.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "contract", stateErr.Entity)

	_, err = h.svc.IssueContract(ctx, h.beneficiary.ID)
	require.NoError(t, err)
	_, err = h.svc.Activate(ctx, h.beneficiary.ID, domain.PaymentMethodPix)
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, string(domain.ContractStatusPendingSignature), stateErr.Current)

	subs, bills := h.billing.stats()
	assert.Zero(t, subs)
	assert.Zero(t, bills)
}

func TestActivate_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	outcome := h.signContract(t)

	charge, err := h.svc.Activate(context.Background(), h.beneficiary.ID, domain.PaymentMethodBoleto)
	require.NoError(t, err)
	assert.Equal(t, outcome.ChargeID, charge.ExternalChargeID)
	assert.Equal(t, domain.PaymentMethodPix, charge.PaymentMethod, "existing charge keeps its method")
	require.NotNil(t, charge.Artifacts.PixCode)

	subs, bills := h.billing.stats()
	assert.Equal(t, 1, subs)
	assert.Zero(t, bills)
	assert.Len(t, h.charges(t), 1)
}

func TestActivate_RetryAfterLostSubscriptionResponseCreatesOneCharge(t *testing.T) {
	h := newHarness(t)
	h.billing.failAfterSubscription = true

	outcome := h.signContract(t)
	require.NotEmpty(t, outcome.ActivationError)
	assert.Empty(t, outcome.ChargeID)

	b := h.beneficiaryState(t)
	require.NotNil(t, b.LastBillingError)
	require.NotNil(t, b.BillingCustomerID, "customer id is kept for the retry")

	charge, err := h.svc.Activate(context.Background(), h.beneficiary.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ChargeStatusPending, charge.Status)

	subs, bills := h.billing.stats()
	assert.Equal(t, 1, subs, "same idempotency key must not create a second subscription")
	assert.Zero(t, bills)
	assert.Len(t, h.charges(t), 1)

	b = h.beneficiaryState(t)
	assert.Nil(t, b.LastBillingError)
	assert.Equal(t, domain.PaymentStatusPending, b.PaymentStatus)
	require.NotNil(t, b.PaymentMethod)
	assert.Equal(t, domain.PaymentMethodPix, *b.PaymentMethod)
}

func TestActivate_PlanNotConfigured(t *testing.T) {
	h := newHarness(t)
	h.plan.ExternalPlanID = ptrString("  ")
	h.repo.AddPlan(h.plan)
	h.signContract(t)

	_, err := h.svc.Activate(context.Background(), h.beneficiary.ID, domain.PaymentMethodPix)
	var planErr *domain.PlanNotConfiguredError
	require.ErrorAs(t, err, &planErr)
	assert.Equal(t, h.plan.ID.String(), planErr.PlanID)

	subs, _ := h.billing.stats()
	assert.Zero(t, subs)
}

func TestActivate_PixCodeMissingMarksPending(t *testing.T) {
	h := newHarness(t)
	h.billing.withholdPixCode = true

	outcome := h.signContract(t)
	require.Empty(t, outcome.ActivationError)

	charges := h.charges(t)
	require.Len(t, charges, 1)
	assert.True(t, charges[0].PixPending)
	assert.Nil(t, charges[0].Artifacts.PixCode)
	assert.Equal(t, []time.Duration{3 * time.Second, 6 * time.Second, 9 * time.Second}, h.sleeper.delays)
	assert.Equal(t, 3, h.billing.getChargeCalls)

	h.billing.issuePixCode(charges[0].ExternalChargeID)
	summary, err := h.svc.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)

	charges = h.charges(t)
	assert.False(t, charges[0].PixPending)
	require.NotNil(t, charges[0].Artifacts.PixCode)
	assert.Equal(t, domain.SyncSourcePoll, charges[0].LastSyncSource)
}

func TestGeneratePaymentLink_OpensNewAttemptAfterFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	outcome := h.signContract(t)

	_, err := h.svc.GeneratePaymentLink(ctx, h.beneficiary.ID, domain.PaymentMethodBoleto)
	var stateErr *domain.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "charge", stateErr.Entity)

	h.billing.setStatus(outcome.ChargeID, "canceled")
	update, err := h.svc.OnPaymentEvent(ctx, domain.PaymentFailed{PaymentEnvelope: domain.PaymentEnvelope{ChargeID: outcome.ChargeID, ProviderStatus: "canceled"}})
	require.NoError(t, err)
	require.NotNil(t, update)
	assert.Equal(t, domain.PaymentStatusFailed, h.beneficiaryState(t).PaymentStatus)

	charge, err := h.svc.GeneratePaymentLink(ctx, h.beneficiary.ID, domain.PaymentMethodBoleto)
	require.NoError(t, err)
	assert.NotEqual(t, outcome.ChargeID, charge.ExternalChargeID)
	assert.Equal(t, domain.PaymentMethodBoleto, charge.PaymentMethod)
	require.NotNil(t, charge.Artifacts.BoletoURL)

	sub, err := h.repo.FindActiveSubscriptionByBeneficiaryID(ctx, h.beneficiary.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bill-" + sub.ExternalSubscriptionID + "-2"}, h.billing.billKeys)

	charges := h.charges(t)
	require.Len(t, charges, 2)
	assert.Equal(t, charge.ExternalChargeID, charges[0].ExternalChargeID, "newest attempt first")
	assert.Equal(t, domain.ChargeStatusFailed, charges[1].Status)

	b := h.beneficiaryState(t)
	assert.Equal(t, domain.PaymentStatusPending, b.PaymentStatus)
	assert.Equal(t, domain.BeneficiaryStatusPendingPayment, b.Status)
	assert.Equal(t, 2, h.publisher.count(domain.EventPaymentLinkCreated))
}

func TestResolvePaymentMethod(t *testing.T) {
	h := newHarness(t)
	boleto := domain.PaymentMethodBoleto
	unknown := domain.PaymentMethod("cheque")

	tests := []struct {
		name      string
		requested domain.PaymentMethod
		stored    *domain.PaymentMethod
		want      domain.PaymentMethod
	}{
		{name: "explicit request wins", requested: domain.PaymentMethodCreditCard, stored: &boleto, want: domain.PaymentMethodCreditCard},
		{name: "stored preference", requested: "", stored: &boleto, want: domain.PaymentMethodBoleto},
		{name: "unknown values fall back to default", requested: "wire", stored: &unknown, want: domain.PaymentMethodPix},
		{name: "no preference", requested: "", stored: nil, want: domain.PaymentMethodPix},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := h.svc.resolvePaymentMethod(tt.requested, &domain.Beneficiary{PaymentMethod: tt.stored})
			assert.Equal(t, tt.want, got)
		})
	}
}
