package domain

// PaymentStatus mirrors the state of a beneficiary's current charge.
type PaymentStatus string

const (
	PaymentStatusNotRequested PaymentStatus = "not_requested"
	PaymentStatusPending      PaymentStatus = "pending"
	PaymentStatusProcessing   PaymentStatus = "processing"
	PaymentStatusPaid         PaymentStatus = "paid"
	PaymentStatusFailed       PaymentStatus = "failed"
)

// PaymentMethod is the operator-facing payment method intent.
type PaymentMethod string

const (
	PaymentMethodPix        PaymentMethod = "pix"
	PaymentMethodBoleto     PaymentMethod = "boleto"
	PaymentMethodCreditCard PaymentMethod = "credit_card"
)

// ParsePaymentMethod accepts the operator intent values. Unknown values
// are rejected so a typo never silently bills through the wrong rail.
func ParsePaymentMethod(raw string) (PaymentMethod, bool) {
	switch PaymentMethod(raw) {
	case PaymentMethodPix, PaymentMethodBoleto, PaymentMethodCreditCard:
		return PaymentMethod(raw), true
	}
	return "", false
}

// CanTransition reports whether the beneficiary payment status may move
// from s to next. Paid is absorbing. Failed may only be reached from an
// open state, and a failed payment may reopen for a new attempt.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case PaymentStatusPaid:
		return false
	case PaymentStatusNotRequested, "":
		return next == PaymentStatusPending || next == PaymentStatusProcessing || next == PaymentStatusPaid
	case PaymentStatusPending, PaymentStatusProcessing:
		return true
	case PaymentStatusFailed:
		return next == PaymentStatusPending || next == PaymentStatusProcessing || next == PaymentStatusPaid
	}
	return false
}

// BeneficiaryStatusFor derives the enrollment stage implied by a payment
// status once a charge exists.
func BeneficiaryStatusFor(s PaymentStatus) BeneficiaryStatus {
	if s == PaymentStatusPaid {
		return BeneficiaryStatusPaymentConfirmed
	}
	return BeneficiaryStatusPendingPayment
}
