package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"payflow-be/internal/gateway"
	"payflow-be/internal/logger"
	"payflow-be/internal/money"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WebhookOutcome tags what happened to an inbound event so the HTTP handler
// can pick a response without inspecting error types.
type WebhookOutcome string

const (
	OutcomeApplied          WebhookOutcome = "applied"
	OutcomeDuplicate        WebhookOutcome = "duplicate"
	OutcomeIgnored          WebhookOutcome = "ignored"
	OutcomeInvalidSignature WebhookOutcome = "invalid_signature"
	OutcomeDropped          WebhookOutcome = "dropped"
	OutcomeError            WebhookOutcome = "error"
)

// errInvalidTransition marks a state change the table forbids. Webhook
// callers drop these instead of propagating them.
var errInvalidTransition = errors.New("invalid payment state transition")

// Options carries the checkout URLs stamped onto outbound intents.
type Options struct {
	ReturnURL      string
	CancelURL      string
	WebhookBaseURL string
}

type Service interface {
	CreateIntent(ctx context.Context, provider, orderID string, amount money.Money, customer gateway.Customer) (*Payment, *gateway.Intent, error)
	Confirm(ctx context.Context, paymentID string, extra map[string]string) (gateway.Status, error)
	Status(ctx context.Context, paymentID string) (gateway.Status, error)
	Refund(ctx context.Context, paymentID string, amount *money.Money, reason string) (*gateway.RefundResult, error)
	HandleWebhook(ctx context.Context, provider string, body []byte, headers http.Header) (WebhookOutcome, error)
	EnabledProviders() []string
	GetByOrder(ctx context.Context, orderID string) (*Payment, error)
}

type service struct {
	repo     Repository
	registry *gateway.Registry
	opts     Options
	locks    *keyLocks
}

func NewService(repo Repository, registry *gateway.Registry, opts Options) Service {
	return &service{
		repo:     repo,
		registry: registry,
		opts:     opts,
		locks:    newKeyLocks(),
	}
}

func (s *service) EnabledProviders() []string {
	return s.registry.ListEnabled()
}

func (s *service) GetByOrder(ctx context.Context, orderID string) (*Payment, error) {
	return s.repo.GetPaymentByOrder(ctx, orderID)
}

func (s *service) CreateIntent(
	ctx context.Context,
	provider, orderID string,
	amount money.Money,
	customer gateway.Customer,
) (*Payment, *gateway.Intent, error) {

	log := logger.FromCtx(ctx).With(
		zap.String("provider", provider),
		zap.String("order_id", orderID),
	)

	gw, err := s.registry.Create(provider)
	if err != nil {
		return nil, nil, err
	}

	if !currencySupported(gw, amount.Currency) {
		return nil, nil, &gateway.ValidationError{
			Reason: fmt.Sprintf("currency %s not supported by %s", amount.Currency, provider),
		}
	}

	req := gateway.IntentRequest{
		OrderID:    orderID,
		Amount:     amount,
		Customer:   customer,
		ReturnURL:  s.opts.ReturnURL,
		CancelURL:  s.opts.CancelURL,
		WebhookURL: s.opts.WebhookBaseURL + "/payments/webhook/" + provider,
	}

	intent, err := gw.CreateIntent(ctx, req)
	if err != nil {
		log.Error("intent creation failed", zap.Error(err))
		return nil, nil, err
	}

	p := &Payment{
		ID:               uuid.New().String(),
		OrderID:          orderID,
		Provider:         provider,
		GatewayPaymentID: intent.GatewayPaymentID,
		AmountMinor:      amount.AmountMinor,
		Currency:         amount.Currency,
		Status:           gateway.StatusPending,
		RawGatewayData:   intent.Raw,
	}
	if err := s.repo.SavePayment(ctx, p); err != nil {
		log.Error("failed to persist payment", zap.Error(err))
		return nil, nil, err
	}

	// A provider may report the intent past pending already (instant
	// approval); route that through the same transition function.
	if intent.Status != gateway.StatusPending {
		if err := s.applyTransition(ctx, p, intent.Status, "", intent.Raw); err != nil && !errors.Is(err, errInvalidTransition) {
			return nil, nil, err
		}
	}

	log.Info("payment created",
		zap.String("payment_id", p.ID),
		zap.String("gateway_payment_id", p.GatewayPaymentID),
		zap.String("status", string(p.Status)),
	)
	return p, intent, nil
}

func (s *service) Confirm(ctx context.Context, paymentID string, extra map[string]string) (gateway.Status, error) {
	p, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return "", err
	}

	gw, err := s.registry.Create(p.Provider)
	if err != nil {
		return "", err
	}

	res, err := gw.ConfirmPayment(ctx, p.GatewayPaymentID, extra)
	if err != nil {
		logger.FromCtx(ctx).Error("confirm failed",
			zap.String("provider", p.Provider),
			zap.String("payment_id", p.ID),
			zap.Error(err),
		)
		return "", err
	}

	s.syncStatus(ctx, p, res)
	return p.Status, nil
}

func (s *service) Status(ctx context.Context, paymentID string) (gateway.Status, error) {
	p, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return "", err
	}

	gw, err := s.registry.Create(p.Provider)
	if err != nil {
		return "", err
	}

	res, err := gw.GetPaymentStatus(ctx, p.GatewayPaymentID)
	if err != nil {
		logger.FromCtx(ctx).Error("status fetch failed",
			zap.String("provider", p.Provider),
			zap.String("payment_id", p.ID),
			zap.Error(err),
		)
		return "", err
	}

	s.syncStatus(ctx, p, res)
	return p.Status, nil
}

// syncStatus folds a provider snapshot into the persisted payment when the
// transition table allows it; a forbidden move is logged and dropped.
func (s *service) syncStatus(ctx context.Context, p *Payment, res *gateway.StatusResult) {
	if res.Status == p.Status {
		return
	}
	if err := s.applyTransition(ctx, p, res.Status, res.FailureReason, res.Raw); err != nil && !errors.Is(err, errInvalidTransition) {
		logger.FromCtx(ctx).Error("failed to persist status sync",
			zap.String("payment_id", p.ID),
			zap.Error(err),
		)
	}
}

func (s *service) Refund(ctx context.Context, paymentID string, amount *money.Money, reason string) (*gateway.RefundResult, error) {
	log := logger.FromCtx(ctx).With(zap.String("payment_id", paymentID))

	p, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != gateway.StatusCompleted {
		return nil, &gateway.ValidationError{
			Reason: fmt.Sprintf("payment %s is %s, only completed payments are refundable", paymentID, p.Status),
		}
	}

	captured := money.Money{AmountMinor: p.AmountMinor, Currency: p.Currency}
	if amount != nil {
		if amount.Currency != captured.Currency {
			return nil, &gateway.ValidationError{
				Reason: fmt.Sprintf("refund currency %s does not match payment currency %s", amount.Currency, captured.Currency),
			}
		}
		if amount.AmountMinor > captured.AmountMinor {
			return nil, &gateway.ValidationError{
				Reason: fmt.Sprintf("refund amount %d exceeds captured amount %d", amount.AmountMinor, captured.AmountMinor),
			}
		}
	}

	gw, err := s.registry.Create(p.Provider)
	if err != nil {
		return nil, err
	}

	res, err := gw.RefundPayment(ctx, p.GatewayPaymentID, amount, reason)
	if err != nil {
		log.Error("refund failed", zap.String("provider", p.Provider), zap.Error(err))
		return nil, err
	}

	// Only a refund settling the full captured amount moves the payment to
	// refunded; partial refunds leave it completed until a webhook says
	// otherwise.
	fullRefund := amount == nil || amount.AmountMinor == captured.AmountMinor
	if res.Status == gateway.StatusRefunded && fullRefund {
		if err := s.applyTransition(ctx, p, gateway.StatusRefunded, reason, res.Raw); err != nil && !errors.Is(err, errInvalidTransition) {
			return nil, err
		}
	}

	log.Info("refund processed",
		zap.String("provider", p.Provider),
		zap.String("refund_id", res.RefundID),
		zap.String("status", string(res.Status)),
	)
	return res, nil
}

func (s *service) HandleWebhook(ctx context.Context, provider string, body []byte, headers http.Header) (WebhookOutcome, error) {
	log := logger.FromCtx(ctx).With(zap.String("provider", provider))

	gw, err := s.registry.Create(provider)
	if err != nil {
		return OutcomeError, err
	}

	if !gw.VerifyWebhookSignature(body, headers) {
		// Dropped silently toward the provider; the response stays 200 so
		// verification details do not leak.
		log.Warn("webhook signature verification failed")
		return OutcomeInvalidSignature, nil
	}

	event, err := gw.ProcessWebhook(body, headers)
	if err != nil {
		log.Warn("webhook payload rejected", zap.Error(err))
		var netErr *gateway.NetworkError
		var rejection *gateway.GatewayRejection
		if errors.As(err, &netErr) || errors.As(err, &rejection) {
			// Resolving the event needed a provider read that failed;
			// retryable, not the sender's fault.
			return OutcomeError, err
		}
		return OutcomeError, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if event == nil {
		log.Debug("webhook event type ignored")
		return OutcomeIgnored, nil
	}

	rowID, duplicate, err := s.repo.SaveWebhookEvent(
		ctx, provider, event.EventID, event.EventType, event.GatewayPaymentID, event.Raw, true,
	)
	if err != nil {
		log.Error("failed to ledger webhook event", zap.Error(err))
		return OutcomeError, err
	}
	if duplicate {
		log.Info("duplicate webhook event acknowledged",
			zap.String("event_id", event.EventID),
		)
		return OutcomeDuplicate, nil
	}

	// Serialize per gateway payment so near-simultaneous deliveries cannot
	// race each other; unrelated payments proceed in parallel.
	lockKey := provider + ":" + event.GatewayPaymentID
	s.locks.lock(lockKey)
	defer s.locks.unlock(lockKey)

	p, err := s.repo.GetPaymentByGatewayID(ctx, provider, event.GatewayPaymentID)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			log.Warn("webhook references unknown payment",
				zap.String("gateway_payment_id", event.GatewayPaymentID),
				zap.String("event_id", event.EventID),
			)
			_ = s.repo.MarkWebhookFailed(ctx, rowID, "unknown payment")
			return OutcomeDropped, nil
		}
		return OutcomeError, err
	}

	err = s.applyTransition(ctx, p, event.Status, event.FailureReason, event.Raw)
	switch {
	case errors.Is(err, errInvalidTransition):
		log.Warn("webhook transition rejected",
			zap.String("payment_id", p.ID),
			zap.String("from", string(p.Status)),
			zap.String("to", string(event.Status)),
			zap.String("event_id", event.EventID),
		)
		_ = s.repo.MarkWebhookFailed(ctx, rowID, fmt.Sprintf("transition %s -> %s not allowed", p.Status, event.Status))
		return OutcomeDropped, nil
	case err != nil:
		log.Error("failed to apply webhook transition", zap.Error(err))
		_ = s.repo.MarkWebhookFailed(ctx, rowID, err.Error())
		return OutcomeError, err
	}

	if err := s.repo.MarkWebhookProcessed(ctx, rowID); err != nil {
		log.Error("failed to mark webhook processed", zap.Error(err))
	}

	log.Info("webhook transition applied",
		zap.String("payment_id", p.ID),
		zap.String("status", string(p.Status)),
		zap.String("event_id", event.EventID),
	)
	return OutcomeApplied, nil
}

// applyTransition is the single place a persisted payment changes state.
func (s *service) applyTransition(
	ctx context.Context,
	p *Payment,
	to gateway.Status,
	failureReason string,
	raw json.RawMessage,
) error {

	if !canTransition(p.Status, to) {
		return fmt.Errorf("%w: %s -> %s", errInvalidTransition, p.Status, to)
	}

	var completedAt, failedAt *time.Time
	now := time.Now().UTC()
	switch to {
	case gateway.StatusCompleted:
		completedAt = &now
	case gateway.StatusFailed, gateway.StatusCancelled:
		failedAt = &now
	}

	if err := s.repo.UpdatePaymentTransition(ctx, p.ID, to, failureReason, raw, completedAt, failedAt); err != nil {
		return err
	}

	p.Status = to
	p.FailureReason = failureReason
	p.RawGatewayData = raw
	p.CompletedAt = completedAt
	p.FailedAt = failedAt
	return nil
}

func currencySupported(gw gateway.Gateway, currency string) bool {
	for _, c := range gw.SupportedCurrencies() {
		if c == currency {
			return true
		}
	}
	return false
}
