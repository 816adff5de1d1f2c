/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Multi-row state changes (activation, reconciliation) run in a single
 * transaction with row locks so a concurrent webhook and poll can never
 * interleave their writes.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC columns are moved as text and parsed.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/medpass/enrollment-service/internal/domain"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const beneficiaryColumns = `id, plan_id, name, email, document_number, phone, address, status, payment_status,
	payment_method, billing_customer_id, last_billing_error, created_at, updated_at`

func scanBeneficiary(row rowScanner) (*domain.Beneficiary, error) {
	var (
		b             domain.Beneficiary
		address       []byte
		status        string
		paymentStatus string
		paymentMethod *string
	)
	err := row.Scan(&b.ID, &b.PlanID, &b.Name, &b.Email, &b.DocumentNumber, &b.Phone, &address, &status, &paymentStatus,
		&paymentMethod, &b.BillingCustomerID, &b.LastBillingError, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(address) > 0 {
		if err := json.Unmarshal(address, &b.Address); err != nil {
			return nil, fmt.Errorf("failed to decode beneficiary address: %w", err)
		}
	}
	b.Status = domain.BeneficiaryStatus(status)
	b.PaymentStatus = domain.PaymentStatus(paymentStatus)
	if paymentMethod != nil {
		method := domain.PaymentMethod(*paymentMethod)
		b.PaymentMethod = &method
	}
	return &b, nil
}

// FindBeneficiaryByID retrieves a beneficiary by id.
func (r *PostgresRepository) FindBeneficiaryByID(ctx context.Context, beneficiaryID uuid.UUID) (*domain.Beneficiary, error) {
	query := `SELECT ` + beneficiaryColumns + ` FROM beneficiaries WHERE id = $1`
	b, err := scanBeneficiary(r.db.QueryRow(ctx, query, beneficiaryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBeneficiaryNotFound
		}
		return nil, err
	}
	return b, nil
}

// FindPlanByID retrieves a plan by id.
func (r *PostgresRepository) FindPlanByID(ctx context.Context, planID uuid.UUID) (*domain.Plan, error) {
	var (
		plan  domain.Plan
		price string
	)
	query := `SELECT id, name, price::text, external_plan_id, contract_template_id FROM plans WHERE id = $1`
	err := r.db.QueryRow(ctx, query, planID).Scan(&plan.ID, &plan.Name, &price, &plan.ExternalPlanID, &plan.ContractTemplateID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	plan.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("failed to parse plan price: %w", err)
	}
	return &plan, nil
}

// SetBeneficiaryBillingCustomer records the billing-provider customer as soon
// as it is known, so a resumed activation skips the lookup.
func (r *PostgresRepository) SetBeneficiaryBillingCustomer(ctx context.Context, beneficiaryID uuid.UUID, customerID string) error {
	cmd, err := r.db.Exec(ctx, `UPDATE beneficiaries SET billing_customer_id = $2, updated_at = NOW() WHERE id = $1`, beneficiaryID, customerID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrBeneficiaryNotFound
	}
	return nil
}

// SetBeneficiaryBillingError stores (or clears, with nil) the latest activation failure.
func (r *PostgresRepository) SetBeneficiaryBillingError(ctx context.Context, beneficiaryID uuid.UUID, message *string) error {
	cmd, err := r.db.Exec(ctx, `UPDATE beneficiaries SET last_billing_error = $2, updated_at = NOW() WHERE id = $1`, beneficiaryID, message)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrBeneficiaryNotFound
	}
	return nil
}

const contractColumns = `id, beneficiary_id, document_id, signature_link, status, signed_at, signed_payload::text, last_error, created_at, updated_at`

func scanContract(row rowScanner) (*domain.Contract, error) {
	var (
		c       domain.Contract
		status  string
		payload *string
	)
	err := row.Scan(&c.ID, &c.BeneficiaryID, &c.DocumentID, &c.SignatureLink, &status, &c.SignedAt, &payload, &c.LastError, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = domain.ContractStatus(status)
	if payload != nil {
		c.SignedPayload = []byte(*payload)
	}
	return &c, nil
}

// FindContractByBeneficiaryID retrieves the contract of a beneficiary.
func (r *PostgresRepository) FindContractByBeneficiaryID(ctx context.Context, beneficiaryID uuid.UUID) (*domain.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE beneficiary_id = $1`
	c, err := scanContract(r.db.QueryRow(ctx, query, beneficiaryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContractNotFound
		}
		return nil, err
	}
	return c, nil
}

// FindContractByDocumentID retrieves a contract by its e-signature document id.
func (r *PostgresRepository) FindContractByDocumentID(ctx context.Context, documentID string) (*domain.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE document_id = $1 AND beneficiary_id IS NOT NULL`
	c, err := scanContract(r.db.QueryRow(ctx, query, documentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContractNotFound
		}
		return nil, err
	}
	return c, nil
}

// SaveContract inserts the contract or replaces the beneficiary's existing one.
func (r *PostgresRepository) SaveContract(ctx context.Context, contract *domain.Contract) error {
	var payload *string
	if len(contract.SignedPayload) > 0 {
		raw := string(contract.SignedPayload)
		payload = &raw
	}
	query := `
		INSERT INTO contracts (id, beneficiary_id, document_id, signature_link, status, signed_at, signed_payload, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, NOW(), NOW())
		ON CONFLICT (beneficiary_id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			signature_link = EXCLUDED.signature_link,
			status = EXCLUDED.status,
			signed_at = EXCLUDED.signed_at,
			signed_payload = EXCLUDED.signed_payload,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		contract.ID,
		contract.BeneficiaryID,
		contract.DocumentID,
		contract.SignatureLink,
		string(contract.Status),
		contract.SignedAt,
		payload,
		contract.LastError,
	).Scan(&contract.ID, &contract.CreatedAt, &contract.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save contract: %w", err)
	}
	return nil
}

// FindActiveSubscriptionByBeneficiaryID returns the beneficiary's active subscription.
func (r *PostgresRepository) FindActiveSubscriptionByBeneficiaryID(ctx context.Context, beneficiaryID uuid.UUID) (*domain.Subscription, error) {
	var s domain.Subscription
	query := `
		SELECT id, beneficiary_id, external_subscription_id, customer_id, external_plan_id, status, created_at
		FROM subscriptions
		WHERE beneficiary_id = $1 AND status = 'active'
	`
	err := r.db.QueryRow(ctx, query, beneficiaryID).Scan(&s.ID, &s.BeneficiaryID, &s.ExternalSubscriptionID, &s.CustomerID, &s.ExternalPlanID, &s.Status, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// CreateSubscription records a provider subscription as soon as it exists.
func (r *PostgresRepository) CreateSubscription(ctx context.Context, subscription *domain.Subscription) error {
	query := `
		INSERT INTO subscriptions (id, beneficiary_id, external_subscription_id, customer_id, external_plan_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING created_at
	`
	err := r.db.QueryRow(ctx, query,
		subscription.ID,
		subscription.BeneficiaryID,
		subscription.ExternalSubscriptionID,
		subscription.CustomerID,
		subscription.ExternalPlanID,
		subscription.Status,
	).Scan(&subscription.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// RecordActivation stores the new charge and moves the beneficiary to the
// payment status it implies, atomically.
func (r *PostgresRepository) RecordActivation(ctx context.Context, params RecordActivationParams) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT payment_status FROM beneficiaries WHERE id = $1 FOR UPDATE`, params.Charge.BeneficiaryID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrBeneficiaryNotFound
		}
		return err
	}

	ch := params.Charge
	insert := `
		INSERT INTO charges (
			id, subscription_id, beneficiary_id, external_charge_id, external_bill_id, status, payment_method,
			amount, due_at, pix_code, pix_qr_code_url, boleto_url, card_status, pix_pending, last_sync_source,
			last_error, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err = tx.QueryRow(ctx, insert,
		ch.ID, ch.SubscriptionID, ch.BeneficiaryID, ch.ExternalChargeID, ch.ExternalBillID, string(ch.Status), string(ch.PaymentMethod),
		ch.Amount.String(), ch.DueAt, ch.Artifacts.PixCode, ch.Artifacts.PixQRCodeURL, ch.Artifacts.BoletoURL, ch.Artifacts.CardStatus,
		ch.PixPending, string(ch.LastSyncSource), ch.LastError,
	).Scan(&params.Charge.CreatedAt, &params.Charge.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateCharge
		}
		return fmt.Errorf("failed to insert charge: %w", err)
	}

	paymentStatus := params.PaymentStatus
	if !domain.PaymentStatus(current).CanTransition(paymentStatus) {
		paymentStatus = domain.PaymentStatus(current)
	}
	update := `
		UPDATE beneficiaries
		SET payment_status = $2, status = $3, payment_method = $4, last_billing_error = NULL, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, update, ch.BeneficiaryID, string(paymentStatus), string(params.BeneficiaryStatus), string(params.PaymentMethod)); err != nil {
		return fmt.Errorf("failed to update beneficiary after activation: %w", err)
	}

	return tx.Commit(ctx)
}

const chargeColumns = `id, subscription_id, beneficiary_id, external_charge_id, external_bill_id, status, payment_method,
	amount::text, due_at, pix_code, pix_qr_code_url, boleto_url, card_status, pix_pending, last_sync_source,
	last_error, created_at, updated_at`

func scanCharge(row rowScanner) (*domain.Charge, error) {
	var (
		c      domain.Charge
		status string
		method string
		amount string
		source string
	)
	err := row.Scan(&c.ID, &c.SubscriptionID, &c.BeneficiaryID, &c.ExternalChargeID, &c.ExternalBillID, &status, &method,
		&amount, &c.DueAt, &c.Artifacts.PixCode, &c.Artifacts.PixQRCodeURL, &c.Artifacts.BoletoURL, &c.Artifacts.CardStatus,
		&c.PixPending, &source, &c.LastError, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = domain.ChargeStatus(status)
	c.PaymentMethod = domain.PaymentMethod(method)
	c.LastSyncSource = domain.SyncSource(source)
	c.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("failed to parse charge amount: %w", err)
	}
	return &c, nil
}

// FindChargeByExternalID retrieves a charge by its billing-provider id.
func (r *PostgresRepository) FindChargeByExternalID(ctx context.Context, externalChargeID string) (*domain.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE external_charge_id = $1 AND beneficiary_id IS NOT NULL`
	c, err := scanCharge(r.db.QueryRow(ctx, query, externalChargeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChargeNotFound
		}
		return nil, err
	}
	return c, nil
}

// ListChargesByBeneficiaryID returns a beneficiary's charges, newest first.
func (r *PostgresRepository) ListChargesByBeneficiaryID(ctx context.Context, beneficiaryID uuid.UUID) ([]domain.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE beneficiary_id = $1 ORDER BY created_at DESC, id DESC`
	rows, err := r.db.Query(ctx, query, beneficiaryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	charges := make([]domain.Charge, 0)
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		charges = append(charges, *c)
	}
	return charges, rows.Err()
}

// ApplyChargeReconciliation applies one reconciliation step. Settled charges
// and paid beneficiaries are re-checked under row locks, so a stale caller
// can never regress them.
func (r *PostgresRepository) ApplyChargeReconciliation(ctx context.Context, params ApplyChargeReconciliationParams) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var chargeStatus string
	err = tx.QueryRow(ctx, `SELECT status FROM charges WHERE id = $1 FOR UPDATE`, params.ChargeID).Scan(&chargeStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrChargeNotFound
		}
		return err
	}

	var nextChargeStatus *string
	if params.ChargeStatus != nil && !domain.ChargeStatus(chargeStatus).IsSettled() {
		s := string(*params.ChargeStatus)
		nextChargeStatus = &s
	}
	var pixCode, pixQR, boleto, card *string
	if params.Artifacts != nil {
		pixCode, pixQR, boleto, card = params.Artifacts.PixCode, params.Artifacts.PixQRCodeURL, params.Artifacts.BoletoURL, params.Artifacts.CardStatus
	}
	updateCharge := `
		UPDATE charges
		SET status = COALESCE($2, status),
			pix_code = COALESCE($3, pix_code),
			pix_qr_code_url = COALESCE($4, pix_qr_code_url),
			boleto_url = COALESCE($5, boleto_url),
			card_status = COALESCE($6, card_status),
			pix_pending = COALESCE($7, pix_pending),
			last_sync_source = $8,
			updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, updateCharge, params.ChargeID, nextChargeStatus, pixCode, pixQR, boleto, card, params.PixPending, string(params.Source)); err != nil {
		return fmt.Errorf("failed to update charge: %w", err)
	}

	if params.PaymentStatus != nil || params.BeneficiaryStatus != nil {
		var current string
		err = tx.QueryRow(ctx, `SELECT payment_status FROM beneficiaries WHERE id = $1 FOR UPDATE`, params.BeneficiaryID).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrBeneficiaryNotFound
			}
			return err
		}
		var paymentStatus, beneficiaryStatus *string
		if params.PaymentStatus != nil && domain.PaymentStatus(current).CanTransition(*params.PaymentStatus) {
			s := string(*params.PaymentStatus)
			paymentStatus = &s
			if params.BeneficiaryStatus != nil {
				bs := string(*params.BeneficiaryStatus)
				beneficiaryStatus = &bs
			}
		}
		updateBeneficiary := `
			UPDATE beneficiaries
			SET payment_status = COALESCE($2, payment_status),
				status = COALESCE($3, status),
				updated_at = NOW()
			WHERE id = $1
		`
		if _, err := tx.Exec(ctx, updateBeneficiary, params.BeneficiaryID, paymentStatus, beneficiaryStatus); err != nil {
			return fmt.Errorf("failed to update beneficiary payment status: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ListReconcileCandidates returns charges the poll path should check, least
// recently synced first.
func (r *PostgresRepository) ListReconcileCandidates(ctx context.Context, limit int) ([]ReconcileCandidate, error) {
	query := `
		SELECT c.id, c.external_charge_id, c.beneficiary_id, c.status, b.payment_status
		FROM charges c
		JOIN beneficiaries b ON b.id = c.beneficiary_id
		WHERE c.status IN ('pending', 'processing')
		   OR (c.status = 'paid' AND b.payment_status <> 'paid')
		ORDER BY c.updated_at ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candidates := make([]ReconcileCandidate, 0)
	for rows.Next() {
		var (
			c             ReconcileCandidate
			chargeStatus  string
			paymentStatus string
		)
		if err := rows.Scan(&c.ChargeID, &c.ExternalChargeID, &c.BeneficiaryID, &chargeStatus, &paymentStatus); err != nil {
			return nil, err
		}
		c.ChargeStatus = domain.ChargeStatus(chargeStatus)
		c.PaymentStatus = domain.PaymentStatus(paymentStatus)
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}
