package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BeneficiaryStatus is the enrollment stage of a beneficiary.
type BeneficiaryStatus string

const (
	BeneficiaryStatusActive           BeneficiaryStatus = "ativo"
	BeneficiaryStatusInactive         BeneficiaryStatus = "inativo"
	BeneficiaryStatusPending          BeneficiaryStatus = "pendente"
	BeneficiaryStatusPendingPayment   BeneficiaryStatus = "pending_payment"
	BeneficiaryStatusPaymentConfirmed BeneficiaryStatus = "payment_confirmed"
)

// Address is the postal address sent to both providers.
type Address struct {
	Street     string `json:"street"`
	Number     string `json:"number"`
	Complement string `json:"complement,omitempty"`
	District   string `json:"district"`
	City       string `json:"city"`
	State      string `json:"state"`
	ZipCode    string `json:"zip_code"`
}

// Beneficiary is a person being enrolled into a health plan.
type Beneficiary struct {
	ID                uuid.UUID         `json:"id"`
	Name              string            `json:"name"`
	Email             string            `json:"email"`
	DocumentNumber    string            `json:"document_number"`
	Phone             string            `json:"phone"`
	Address           Address           `json:"address"`
	PlanID            uuid.UUID         `json:"plan_id"`
	Status            BeneficiaryStatus `json:"status"`
	PaymentStatus     PaymentStatus     `json:"payment_status"`
	PaymentMethod     *PaymentMethod    `json:"payment_method,omitempty"`
	BillingCustomerID *string           `json:"billing_customer_id,omitempty"`
	LastBillingError  *string           `json:"last_billing_error,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Plan is a health plan a beneficiary can subscribe to.
// ExternalPlanID is the billing provider's plan identifier; activation
// refuses to run while it is unset.
type Plan struct {
	ID                 uuid.UUID       `json:"id"`
	Name               string          `json:"name"`
	Price              decimal.Decimal `json:"price"`
	ExternalPlanID     *string         `json:"external_plan_id,omitempty"`
	ContractTemplateID string          `json:"contract_template_id"`
}

// CustomerData is the signer/payer identity collected at registration.
type CustomerData struct {
	Name           string  `json:"name"`
	Email          string  `json:"email"`
	DocumentNumber string  `json:"document_number"`
	Phone          string  `json:"phone"`
	Address        Address `json:"address"`
}

// PlanData is the subset of a plan rendered into the contract document.
type PlanData struct {
	PlanID     string          `json:"plan_id"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	TemplateID string          `json:"template_id"`
}

// CustomerDataFor builds the provider identity from a stored beneficiary.
func CustomerDataFor(b *Beneficiary) CustomerData {
	return CustomerData{
		Name:           b.Name,
		Email:          b.Email,
		DocumentNumber: b.DocumentNumber,
		Phone:          b.Phone,
		Address:        b.Address,
	}
}

// PlanDataFor builds the contract rendering data from a stored plan.
func PlanDataFor(p *Plan) PlanData {
	return PlanData{
		PlanID:     p.ID.String(),
		Name:       p.Name,
		Price:      p.Price,
		TemplateID: p.ContractTemplateID,
	}
}
