package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"payflow-be/internal/gateway"
)

type Repository interface {
	SavePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetPaymentByGatewayID(ctx context.Context, provider, gatewayPaymentID string) (*Payment, error)
	GetPaymentByOrder(ctx context.Context, orderID string) (*Payment, error)
	UpdatePaymentTransition(
		ctx context.Context,
		id string,
		status gateway.Status,
		failureReason string,
		raw json.RawMessage,
		completedAt *time.Time,
		failedAt *time.Time,
	) error

	// SaveWebhookEvent is the event-ledger check-and-insert. A replay of an
	// already-ledgered (provider, event_id) pair comes back as isDuplicate
	// with no new row.
	SaveWebhookEvent(
		ctx context.Context,
		provider string,
		eventID string,
		eventType string,
		gatewayPaymentID string,
		payload json.RawMessage,
		signatureValid bool,
	) (eventRowID int64, isDuplicate bool, err error)

	MarkWebhookProcessed(ctx context.Context, eventRowID int64) error
	MarkWebhookFailed(ctx context.Context, eventRowID int64, reason string) error
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

func (r *repository) SavePayment(ctx context.Context, p *Payment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payments (id,
		order_id,
		provider,
		gateway_payment_id,
		amount_minor,
		currency,
		status,
		failure_reason,
		raw_gateway_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		p.ID, p.OrderID, p.Provider, p.GatewayPaymentID, p.AmountMinor, p.Currency,
		string(p.Status), p.FailureReason, []byte(p.RawGatewayData),
	)
	return err
}

const paymentColumns = `
	SELECT id, order_id, provider, gateway_payment_id, amount_minor, currency,
	       status, failure_reason, completed_at, failed_at, raw_gateway_data,
	       created_at, updated_at
	FROM payments
`

func (r *repository) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return r.scanPayment(r.db.QueryRowContext(ctx, paymentColumns+` WHERE id = $1`, id))
}

func (r *repository) GetPaymentByGatewayID(ctx context.Context, provider, gatewayPaymentID string) (*Payment, error) {
	return r.scanPayment(r.db.QueryRowContext(ctx,
		paymentColumns+` WHERE provider = $1 AND gateway_payment_id = $2`,
		provider, gatewayPaymentID,
	))
}

func (r *repository) GetPaymentByOrder(ctx context.Context, orderID string) (*Payment, error) {
	return r.scanPayment(r.db.QueryRowContext(ctx, paymentColumns+` WHERE order_id = $1`, orderID))
}

func (r *repository) scanPayment(row *sql.Row) (*Payment, error) {
	var p Payment
	var status string
	var failureReason sql.NullString
	var completedAt, failedAt sql.NullTime
	var raw []byte

	err := row.Scan(
		&p.ID, &p.OrderID, &p.Provider, &p.GatewayPaymentID, &p.AmountMinor, &p.Currency,
		&status, &failureReason, &completedAt, &failedAt, &raw,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}

	p.Status = gateway.Status(status)
	p.FailureReason = failureReason.String
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	if failedAt.Valid {
		t := failedAt.Time
		p.FailedAt = &t
	}
	p.RawGatewayData = json.RawMessage(raw)
	return &p, nil
}

func (r *repository) UpdatePaymentTransition(
	ctx context.Context,
	id string,
	status gateway.Status,
	failureReason string,
	raw json.RawMessage,
	completedAt *time.Time,
	failedAt *time.Time,
) error {

	const q = `
	UPDATE payments
	SET status = $2,
	    failure_reason = $3,
	    raw_gateway_data = $4,
	    completed_at = COALESCE($5, completed_at),
	    failed_at = COALESCE($6, failed_at),
	    updated_at = now()
	WHERE id = $1;
	`

	res, err := r.db.ExecContext(ctx, q, id, string(status), failureReason, []byte(raw), completedAt, failedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (r *repository) SaveWebhookEvent(
	ctx context.Context,
	provider string,
	eventID string,
	eventType string,
	gatewayPaymentID string,
	payload json.RawMessage,
	signatureValid bool,
) (int64, bool, error) {

	const q = `
	INSERT INTO payment_webhook_events (
		provider,
		event_id,
		event_type,
		gateway_payment_id,
		signature_valid,
		payload
	)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (provider, event_id)
	DO NOTHING
	RETURNING id;
	`

	var id int64
	err := r.db.QueryRowContext(
		ctx,
		q,
		provider,
		eventID,
		eventType,
		gatewayPaymentID,
		signatureValid,
		[]byte(payload),
	).Scan(&id)

	if err != nil {
		// Conflict swallowed the insert: this event was already ledgered.
		if errors.Is(err, sql.ErrNoRows) {
			return 0, true, nil
		}
		return 0, false, err
	}

	return id, false, nil
}

func (r *repository) MarkWebhookProcessed(ctx context.Context, eventRowID int64) error {
	const q = `
	UPDATE payment_webhook_events
	SET processed_at = now()
	WHERE id = $1;
	`

	_, err := r.db.ExecContext(ctx, q, eventRowID)
	return err
}

func (r *repository) MarkWebhookFailed(ctx context.Context, eventRowID int64, reason string) error {
	const q = `
	UPDATE payment_webhook_events
	SET process_error = $2
	WHERE id = $1;
	`

	_, err := r.db.ExecContext(ctx, q, eventRowID, reason)
	return err
}
