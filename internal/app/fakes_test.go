package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/medpass/enrollment-service/internal/domain"
	"github.com/medpass/enrollment-service/internal/store"
	"github.com/medpass/enrollment-service/pkg/billingclient"
	"github.com/medpass/enrollment-service/pkg/signatureclient"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
)

type fakeSignature struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSignature) CreateDocument(_ context.Context, beneficiaryID uuid.UUID, _ domain.CustomerData, _ domain.PlanData) (*signatureclient.CreateDocumentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	doc := fmt.Sprintf("doc_%d", f.calls)
	return &signatureclient.CreateDocumentResponse{
		DocumentID:    doc,
		SignatureLink: "https://sign.example.com/" + doc + "?signer=" + beneficiaryID.String(),
	}, nil
}

func (f *fakeSignature) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeBilling behaves like the provider: requests are idempotent by key and
// every charge is kept so tests can move it through provider states.
type fakeBilling struct {
	mu sync.Mutex

	nextID        int
	customerCalls int
	subscriptions map[string]*billingclient.SubscriptionResult
	subsCreated   int
	bills         map[string]*billingclient.Bill
	billKeys      []string
	subBills      map[string][]string
	charges       map[string]*billingclient.Charge

	withholdPixCode bool
	// failAfterSubscription makes the next CreateSubscription create the
	// subscription and then lose the response.
	failAfterSubscription bool
	getChargeErr          map[string]error
	getChargeCalls        int
	// afterGetCharge runs once GetCharge has taken its snapshot, outside
	// the fake's own mutex.
	afterGetCharge func(chargeID string)
}

func newFakeBilling() *fakeBilling {
	return &fakeBilling{
		subscriptions: make(map[string]*billingclient.SubscriptionResult),
		bills:         make(map[string]*billingclient.Bill),
		subBills:      make(map[string][]string),
		charges:       make(map[string]*billingclient.Charge),
		getChargeErr:  make(map[string]error),
	}
}

func (f *fakeBilling) id() billingclient.ID {
	f.nextID++
	return billingclient.ID(fmt.Sprintf("%d", 1000+f.nextID))
}

func (f *fakeBilling) newCharge(methodCode string, amount decimal.Decimal) billingclient.Charge {
	c := billingclient.Charge{
		ID:            f.id(),
		Amount:        amount,
		Status:        "pending",
		PaymentMethod: billingclient.PaymentMethodRef{Code: methodCode},
	}
	switch methodCode {
	case "pix":
		if !f.withholdPixCode {
			c.LastTransaction = &billingclient.Transaction{Status: "waiting", GatewayResponseFields: map[string]interface{}{
				"qrcode_original_path": "00020126580014br.gov.bcb.pix" + c.ID.String(),
				"qrcode_path":          "https://pix.example.com/qr/" + c.ID.String(),
			}}
		}
	case "bank_slip":
		c.PrintURL = "https://boleto.example.com/" + c.ID.String()
	}
	f.charges[c.ID.String()] = &c
	return c
}

func (f *fakeBilling) newBill(subID, methodCode string, amount decimal.Decimal) *billingclient.Bill {
	bill := &billingclient.Bill{ID: f.id(), Status: "pending", Amount: amount}
	bill.Charges = []billingclient.Charge{f.newCharge(methodCode, amount)}
	f.bills[bill.ID.String()] = bill
	f.subBills[subID] = append([]string{bill.ID.String()}, f.subBills[subID]...)
	return bill
}

func (f *fakeBilling) FindOrCreateCustomer(_ context.Context, req billingclient.CustomerRequest) (*billingclient.Customer, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customerCalls++
	return &billingclient.Customer{ID: "cus_" + billingclient.ID(req.Code), Email: req.Email, Code: req.Code}, true, nil
}

func (f *fakeBilling) CreateSubscription(_ context.Context, req billingclient.SubscriptionRequest, key string) (*billingclient.SubscriptionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result, ok := f.subscriptions[key]
	if !ok {
		sub := billingclient.Subscription{ID: f.id(), Status: "active", Code: req.Code}
		result = &billingclient.SubscriptionResult{Subscription: sub, Bill: f.newBill(sub.ID.String(), req.PaymentMethodCode, decimal.RequireFromString("89.90"))}
		f.subscriptions[key] = result
		f.subsCreated++
	}
	if f.failAfterSubscription {
		f.failAfterSubscription = false
		return nil, &domain.GatewayTransientError{Provider: "billing", Operation: "create_subscription", StatusCode: 504, Attempts: 3}
	}
	out := *result
	return &out, nil
}

func (f *fakeBilling) CreateBill(_ context.Context, req billingclient.BillRequest, key string) (*billingclient.Bill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.billKeys = append(f.billKeys, key)
	bill := f.newBill(req.SubscriptionID, req.PaymentMethodCode, req.Amount)
	out := *bill
	return &out, nil
}

func (f *fakeBilling) ListSubscriptionBills(_ context.Context, subscriptionID string) ([]billingclient.Bill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]billingclient.Bill, 0)
	for _, id := range f.subBills[subscriptionID] {
		bill := *f.bills[id]
		charges := make([]billingclient.Charge, 0, len(bill.Charges))
		for _, c := range bill.Charges {
			charges = append(charges, *f.charges[c.ID.String()])
		}
		bill.Charges = charges
		out = append(out, bill)
	}
	return out, nil
}

func (f *fakeBilling) GetCharge(_ context.Context, chargeID string) (*billingclient.Charge, error) {
	out, hook, err := f.snapshotCharge(chargeID)
	if hook != nil {
		hook(chargeID)
	}
	return out, err
}

func (f *fakeBilling) snapshotCharge(chargeID string) (*billingclient.Charge, func(string), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getChargeCalls++
	if err := f.getChargeErr[chargeID]; err != nil {
		return nil, f.afterGetCharge, err
	}
	c, ok := f.charges[chargeID]
	if !ok {
		return nil, f.afterGetCharge, &domain.GatewayRejectedError{Provider: "billing", Operation: "get_charge", StatusCode: 404, Message: "not found"}
	}
	out := *c
	return &out, f.afterGetCharge, nil
}

func (f *fakeBilling) setStatus(chargeID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges[chargeID].Status = status
}

func (f *fakeBilling) issuePixCode(chargeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges[chargeID].LastTransaction = &billingclient.Transaction{Status: "waiting", GatewayResponseFields: map[string]interface{}{
		"qrcode_original_path": "00020126580014br.gov.bcb.pix" + chargeID,
	}}
}

func (f *fakeBilling) stats() (subscriptions, bills int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subsCreated, len(f.billKeys)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.EnrollmentNotification
}

func (f *fakePublisher) Publish(_ context.Context, _ string, routingKey string, body interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := body.(domain.EnrollmentNotification)
	if !ok {
		return fmt.Errorf("unexpected body %T", body)
	}
	n.Event = routingKey
	f.events = append(f.events, n)
	return nil
}

func (f *fakePublisher) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

type harness struct {
	svc         *Service
	repo        *store.MemoryRepository
	signature   *fakeSignature
	billing     *fakeBilling
	publisher   *fakePublisher
	sleeper     *recordingSleeper
	beneficiary domain.Beneficiary
	plan        domain.Plan
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := store.NewMemoryRepository()
	externalPlan := "plan_77"
	plan := domain.Plan{ID: uuid.New(), Name: "Essencial", Price: decimal.RequireFromString("89.90"), ExternalPlanID: &externalPlan, ContractTemplateID: "tpl_1"}
	repo.AddPlan(plan)
	b := domain.Beneficiary{
		ID:             uuid.New(),
		Name:           "Maria Souza",
		Email:          "maria@example.com",
		DocumentNumber: "123.456.789-09",
		Phone:          "(11) 91234-5678",
		Address:        domain.Address{Street: "Rua A", Number: "10", District: "Centro", City: "São Paulo", State: "SP", ZipCode: "01001-000"},
		PlanID:         plan.ID,
	}
	repo.AddBeneficiary(b)

	logger, _ := test.NewNullLogger()
	sleeper := &recordingSleeper{}
	h := &harness{
		repo:        repo,
		signature:   &fakeSignature{},
		billing:     newFakeBilling(),
		publisher:   &fakePublisher{},
		sleeper:     sleeper,
		beneficiary: b,
		plan:        plan,
	}
	h.svc = NewService(repo, h.signature, h.billing, NewKeyedMutex(), h.publisher, logger, Options{
		PixRetry:        RetryPolicy{Attempts: 3, BaseDelay: 3 * time.Second, Sleep: sleeper.Sleep},
		LockTimeout:     2 * time.Second,
		ReconcileBudget: 10 * time.Second,
	})
	return h
}

// signContract drives the beneficiary through contract generation and
// signature, which activates billing.
func (h *harness) signContract(t *testing.T) *domain.SignatureOutcome {
	t.Helper()
	ctx := context.Background()
	link, err := h.svc.IssueContract(ctx, h.beneficiary.ID)
	if err != nil {
		t.Fatalf("IssueContract returned error: %v", err)
	}
	outcome, err := h.svc.OnSignatureEvent(ctx, domain.SignatureFinished{SignatureEnvelope: domain.SignatureEnvelope{
		EventType:  "document.finished",
		DocumentID: link.DocumentID,
		Payload:    []byte(`{"event":{"type":"document.finished"}}`),
	}})
	if err != nil {
		t.Fatalf("OnSignatureEvent returned error: %v", err)
	}
	return outcome
}

func (h *harness) beneficiaryState(t *testing.T) *domain.Beneficiary {
	t.Helper()
	b, err := h.repo.FindBeneficiaryByID(context.Background(), h.beneficiary.ID)
	if err != nil {
		t.Fatalf("FindBeneficiaryByID returned error: %v", err)
	}
	return b
}

func (h *harness) charges(t *testing.T) []domain.Charge {
	t.Helper()
	charges, err := h.repo.ListChargesByBeneficiaryID(context.Background(), h.beneficiary.ID)
	if err != nil {
		t.Fatalf("ListChargesByBeneficiaryID returned error: %v", err)
	}
	return charges
}

func ptrString(value string) *string {
	return &value
}
