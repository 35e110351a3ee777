package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"payflow-be/internal/logger"
	"payflow-be/internal/money"

	"go.uber.org/zap"
)

const stripeDefaultBaseURL = "https://api.stripe.com"

// StripeConfig holds the credentials for the card-intent provider.
type StripeConfig struct {
	Enabled       bool
	SecretKey     string
	WebhookSecret string
	BaseURL       string
}

type stripeGateway struct {
	cfg        StripeConfig
	baseURL    string
	httpClient *http.Client
}

func NewStripeGateway(cfg StripeConfig, client *http.Client) Gateway {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeDefaultBaseURL
	}
	return &stripeGateway{cfg: cfg, baseURL: baseURL, httpClient: client}
}

func (g *stripeGateway) Name() string { return ProviderStripe }

func (g *stripeGateway) IsConfigured() bool {
	return g.cfg.SecretKey != "" && g.cfg.WebhookSecret != ""
}

func (g *stripeGateway) SupportedCurrencies() []string {
	return []string{"USD", "EUR", "GBP", "MXN", "BRL", "JPY"}
}

// stripeStatuses maps the provider's payment-intent statuses onto canonical
// ones. Values the table does not know normalize to pending.
var stripeStatuses = map[string]Status{
	"requires_payment_method": StatusPending,
	"requires_confirmation":   StatusPending,
	"requires_action":         StatusPending,
	"processing":              StatusProcessing,
	"requires_capture":        StatusProcessing,
	"succeeded":               StatusCompleted,
	"canceled":                StatusCancelled,
}

func normalizeStripeStatus(raw string) Status {
	if s, ok := stripeStatuses[raw]; ok {
		return s
	}
	return StatusPending
}

type stripeIntent struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	ClientSecret     string `json:"client_secret"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// postForm sends one form-encoded API call with bearer auth, the provider's
// wire convention for every write endpoint.
func (g *stripeGateway) postForm(ctx context.Context, path string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return send(g.httpClient, req, ProviderStripe)
}

func (g *stripeGateway) CreateIntent(ctx context.Context, r IntentRequest) (*Intent, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("provider", ProviderStripe),
		zap.String("order_id", r.OrderID),
		zap.Int64("amount_minor", r.Amount.AmountMinor),
		zap.String("currency", r.Amount.Currency),
	)

	form := url.Values{}
	// This provider already speaks integer minor units.
	form.Set("amount", strconv.FormatInt(r.Amount.AmountMinor, 10))
	form.Set("currency", strings.ToLower(r.Amount.Currency))
	form.Set("metadata[order_id]", r.OrderID)
	if r.Customer.Email != "" {
		form.Set("receipt_email", r.Customer.Email)
	}
	for k, v := range r.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	log.Info("creating payment intent")

	status, body, err := g.postForm(ctx, "/v1/payment_intents", form)
	if err != nil {
		log.Error("payment intent request failed", zap.Error(err))
		return nil, err
	}
	if status != http.StatusOK {
		log.Error("provider rejected payment intent",
			zap.Int("http_status", status),
			zap.ByteString("response", body),
		)
		return nil, &GatewayRejection{Provider: ProviderStripe, HTTPStatus: status, Body: string(body)}
	}

	var intent stripeIntent
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, &GatewayRejection{Provider: ProviderStripe, HTTPStatus: status, Body: string(body)}
	}

	log.Info("payment intent created",
		zap.String("gateway_payment_id", intent.ID),
		zap.String("raw_status", intent.Status),
	)

	return &Intent{
		GatewayPaymentID: intent.ID,
		Status:           normalizeStripeStatus(intent.Status),
		ClientHandle:     intent.ClientSecret,
		Raw:              json.RawMessage(body),
	}, nil
}

func (g *stripeGateway) ConfirmPayment(ctx context.Context, gatewayPaymentID string, extra map[string]string) (*StatusResult, error) {
	form := url.Values{}
	if extra != nil {
		if pm, ok := extra["payment_method"]; ok {
			form.Set("payment_method", pm)
		}
	}

	status, body, err := g.postForm(ctx, "/v1/payment_intents/"+gatewayPaymentID+"/confirm", form)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &GatewayRejection{Provider: ProviderStripe, HTTPStatus: status, Body: string(body)}
	}
	return stripeStatusResult(body, status)
}

func (g *stripeGateway) GetPaymentStatus(ctx context.Context, gatewayPaymentID string) (*StatusResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/payment_intents/"+gatewayPaymentID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.SecretKey)

	status, body, err := send(g.httpClient, req, ProviderStripe)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &GatewayRejection{Provider: ProviderStripe, HTTPStatus: status, Body: string(body)}
	}
	return stripeStatusResult(body, status)
}

func stripeStatusResult(body []byte, httpStatus int) (*StatusResult, error) {
	var intent stripeIntent
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, &GatewayRejection{Provider: ProviderStripe, HTTPStatus: httpStatus, Body: string(body)}
	}

	res := &StatusResult{
		Status:    normalizeStripeStatus(intent.Status),
		RawStatus: intent.Status,
		Raw:       json.RawMessage(body),
	}
	if intent.LastPaymentError != nil {
		res.FailureReason = intent.LastPaymentError.Message
	}
	return res, nil
}

func (g *stripeGateway) RefundPayment(ctx context.Context, gatewayPaymentID string, amount *money.Money, reason string) (*RefundResult, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("provider", ProviderStripe),
		zap.String("gateway_payment_id", gatewayPaymentID),
	)

	form := url.Values{}
	form.Set("payment_intent", gatewayPaymentID)
	if amount != nil {
		form.Set("amount", strconv.FormatInt(amount.AmountMinor, 10))
	}
	if reason != "" {
		form.Set("reason", reason)
	}

	status, body, err := g.postForm(ctx, "/v1/refunds", form)
	if err != nil {
		log.Error("refund request failed", zap.Error(err))
		return nil, err
	}
	if status != http.StatusOK {
		log.Error("provider rejected refund",
			zap.Int("http_status", status),
			zap.ByteString("response", body),
		)
		return nil, &GatewayRejection{Provider: ProviderStripe, HTTPStatus: status, Body: string(body)}
	}

	var refund struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(body, &refund); err != nil {
		return nil, &GatewayRejection{Provider: ProviderStripe, HTTPStatus: status, Body: string(body)}
	}

	refundStatus := StatusProcessing
	switch refund.Status {
	case "succeeded":
		refundStatus = StatusRefunded
	case "failed", "canceled":
		refundStatus = StatusFailed
	}

	log.Info("refund accepted",
		zap.String("refund_id", refund.ID),
		zap.String("raw_status", refund.Status),
	)

	return &RefundResult{
		RefundID: refund.ID,
		Status:   refundStatus,
		Amount:   money.Money{AmountMinor: refund.Amount, Currency: strings.ToUpper(refund.Currency)},
		Raw:      json.RawMessage(body),
	}, nil
}

// VerifyWebhookSignature checks the timestamped signature header
// "t=<unix>,v1=<hex>" against HMAC-SHA256(secret, "<t>.<body>").
func (g *stripeGateway) VerifyWebhookSignature(payload []byte, headers http.Header) bool {
	if g.cfg.WebhookSecret == "" {
		return false
	}

	header := headers.Get("Stripe-Signature")
	if header == "" {
		return false
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			signatures = append(signatures, v)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return false
	}
	if _, err := strconv.ParseInt(timestamp, 10, 64); err != nil {
		return false
	}

	signed := append([]byte(timestamp+"."), payload...)
	expected := hmacSHA256Hex(g.cfg.WebhookSecret, signed)

	for _, sig := range signatures {
		if secureCompareHex(sig, expected) {
			return true
		}
	}
	return false
}

func (g *stripeGateway) ProcessWebhook(payload []byte, headers http.Header) (*WebhookEvent, error) {
	var event struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("webhook payload missing id or type")
	}

	var canonical Status
	switch event.Type {
	case "payment_intent.succeeded":
		canonical = StatusCompleted
	case "payment_intent.payment_failed":
		canonical = StatusFailed
	case "payment_intent.canceled":
		canonical = StatusCancelled
	case "payment_intent.processing":
		canonical = StatusProcessing
	case "charge.refunded":
		canonical = StatusRefunded
	default:
		// Not a payment lifecycle event.
		return nil, nil
	}

	var object stripeIntent
	if err := json.Unmarshal(event.Data.Object, &object); err != nil {
		return nil, fmt.Errorf("invalid webhook object: %w", err)
	}

	gatewayPaymentID := object.ID
	if event.Type == "charge.refunded" {
		// Charge objects reference their intent separately.
		var charge struct {
			PaymentIntent string `json:"payment_intent"`
		}
		if err := json.Unmarshal(event.Data.Object, &charge); err == nil && charge.PaymentIntent != "" {
			gatewayPaymentID = charge.PaymentIntent
		}
	}
	if gatewayPaymentID == "" {
		return nil, fmt.Errorf("webhook object missing payment id")
	}

	we := &WebhookEvent{
		Provider:         ProviderStripe,
		EventID:          event.ID,
		EventType:        event.Type,
		GatewayPaymentID: gatewayPaymentID,
		RawStatus:        object.Status,
		Status:           canonical,
		Raw:              json.RawMessage(payload),
	}
	if object.LastPaymentError != nil {
		we.FailureReason = object.LastPaymentError.Message
	}
	return we, nil
}
