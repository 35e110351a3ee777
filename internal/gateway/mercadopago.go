package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"payflow-be/internal/logger"
	"payflow-be/internal/money"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const mercadopagoDefaultBaseURL = "https://api.mercadopago.com"

// MercadoPagoConfig holds the credentials for the token-auth provider.
type MercadoPagoConfig struct {
	Enabled       bool
	AccessToken   string
	WebhookSecret string
	BaseURL       string
}

type mercadopagoGateway struct {
	cfg        MercadoPagoConfig
	baseURL    string
	httpClient *http.Client
}

func NewMercadoPagoGateway(cfg MercadoPagoConfig, client *http.Client) Gateway {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = mercadopagoDefaultBaseURL
	}
	return &mercadopagoGateway{cfg: cfg, baseURL: baseURL, httpClient: client}
}

func (g *mercadopagoGateway) Name() string { return ProviderMercadoPago }

func (g *mercadopagoGateway) IsConfigured() bool {
	return g.cfg.AccessToken != "" && g.cfg.WebhookSecret != ""
}

func (g *mercadopagoGateway) SupportedCurrencies() []string {
	return []string{"ARS", "BRL", "CLP", "COP", "MXN", "USD"}
}

var mercadopagoStatuses = map[string]Status{
	"pending":      StatusPending,
	"approved":     StatusCompleted,
	"authorized":   StatusProcessing,
	"in_process":   StatusProcessing,
	"in_mediation": StatusProcessing,
	"rejected":     StatusFailed,
	"cancelled":    StatusCancelled,
	"refunded":     StatusRefunded,
	"charged_back": StatusRefunded,
}

func normalizeMercadoPagoStatus(raw string) Status {
	if s, ok := mercadopagoStatuses[raw]; ok {
		return s
	}
	return StatusPending
}

type mercadopagoPayment struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	StatusDetail      string      `json:"status_detail"`
	ExternalReference string      `json:"external_reference"`
}

func (g *mercadopagoGateway) doJSON(ctx context.Context, method, path string, payload any, idempotencyKey string) (int, []byte, error) {
	var reqBody *bytes.Buffer
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		reqBody = bytes.NewBuffer(encoded)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	return send(g.httpClient, req, ProviderMercadoPago)
}

func (g *mercadopagoGateway) CreateIntent(ctx context.Context, r IntentRequest) (*Intent, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("provider", ProviderMercadoPago),
		zap.String("order_id", r.OrderID),
		zap.Int64("amount_minor", r.Amount.AmountMinor),
		zap.String("currency", r.Amount.Currency),
	)

	payload := map[string]any{
		// Wire format wants a decimal major-unit number.
		"transaction_amount": json.RawMessage(r.Amount.MajorString()),
		"description":        "order " + r.OrderID,
		"external_reference": r.OrderID,
		"payer": map[string]string{
			"email":      r.Customer.Email,
			"first_name": r.Customer.FirstName,
			"last_name":  r.Customer.LastName,
		},
	}
	if method, ok := r.Metadata["payment_method_id"]; ok {
		payload["payment_method_id"] = method
	}
	if r.WebhookURL != "" {
		payload["notification_url"] = r.WebhookURL
	}

	log.Info("creating payment")

	status, body, err := g.doJSON(ctx, http.MethodPost, "/v1/payments", payload, uuid.New().String())
	if err != nil {
		log.Error("payment request failed", zap.Error(err))
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		log.Error("provider rejected payment",
			zap.Int("http_status", status),
			zap.ByteString("response", body),
		)
		return nil, &GatewayRejection{Provider: ProviderMercadoPago, HTTPStatus: status, Body: string(body)}
	}

	var payment mercadopagoPayment
	if err := json.Unmarshal(body, &payment); err != nil {
		return nil, &GatewayRejection{Provider: ProviderMercadoPago, HTTPStatus: status, Body: string(body)}
	}

	log.Info("payment created",
		zap.String("gateway_payment_id", payment.ID.String()),
		zap.String("raw_status", payment.Status),
	)

	return &Intent{
		GatewayPaymentID: payment.ID.String(),
		Status:           normalizeMercadoPagoStatus(payment.Status),
		Raw:              json.RawMessage(body),
	}, nil
}

// ConfirmPayment captures an authorized payment.
func (g *mercadopagoGateway) ConfirmPayment(ctx context.Context, gatewayPaymentID string, _ map[string]string) (*StatusResult, error) {
	payload := map[string]any{"capture": true}

	status, body, err := g.doJSON(ctx, http.MethodPut, "/v1/payments/"+gatewayPaymentID, payload, uuid.New().String())
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &GatewayRejection{Provider: ProviderMercadoPago, HTTPStatus: status, Body: string(body)}
	}
	return mercadopagoStatusResult(body, status)
}

func (g *mercadopagoGateway) GetPaymentStatus(ctx context.Context, gatewayPaymentID string) (*StatusResult, error) {
	status, body, err := g.doJSON(ctx, http.MethodGet, "/v1/payments/"+gatewayPaymentID, nil, "")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &GatewayRejection{Provider: ProviderMercadoPago, HTTPStatus: status, Body: string(body)}
	}
	return mercadopagoStatusResult(body, status)
}

func mercadopagoStatusResult(body []byte, httpStatus int) (*StatusResult, error) {
	var payment mercadopagoPayment
	if err := json.Unmarshal(body, &payment); err != nil {
		return nil, &GatewayRejection{Provider: ProviderMercadoPago, HTTPStatus: httpStatus, Body: string(body)}
	}
	return &StatusResult{
		Status:        normalizeMercadoPagoStatus(payment.Status),
		RawStatus:     payment.Status,
		FailureReason: payment.StatusDetail,
		Raw:           json.RawMessage(body),
	}, nil
}

func (g *mercadopagoGateway) RefundPayment(ctx context.Context, gatewayPaymentID string, amount *money.Money, reason string) (*RefundResult, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("provider", ProviderMercadoPago),
		zap.String("gateway_payment_id", gatewayPaymentID),
	)

	var payload any
	if amount != nil {
		payload = map[string]any{
			"amount": json.RawMessage(amount.MajorString()),
		}
	}

	status, body, err := g.doJSON(ctx, http.MethodPost, "/v1/payments/"+gatewayPaymentID+"/refunds", payload, uuid.New().String())
	if err != nil {
		log.Error("refund request failed", zap.Error(err))
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		log.Error("provider rejected refund",
			zap.Int("http_status", status),
			zap.ByteString("response", body),
		)
		return nil, &GatewayRejection{Provider: ProviderMercadoPago, HTTPStatus: status, Body: string(body)}
	}

	var refund struct {
		ID     json.Number `json:"id"`
		Status string      `json:"status"`
		Amount json.Number `json:"amount"`
	}
	if err := json.Unmarshal(body, &refund); err != nil {
		return nil, &GatewayRejection{Provider: ProviderMercadoPago, HTTPStatus: status, Body: string(body)}
	}

	refundStatus := StatusProcessing
	switch refund.Status {
	case "approved":
		refundStatus = StatusRefunded
	case "rejected", "cancelled":
		refundStatus = StatusFailed
	}

	var refunded money.Money
	if amount != nil {
		refunded = *amount
	}

	log.Info("refund accepted",
		zap.String("refund_id", refund.ID.String()),
		zap.String("raw_status", refund.Status),
	)

	return &RefundResult{
		RefundID: refund.ID.String(),
		Status:   refundStatus,
		Amount:   refunded,
		Raw:      json.RawMessage(body),
	}, nil
}

// VerifyWebhookSignature checks the manifest scheme: the signature header
// carries "ts=<ts>,v1=<hex>" and the HMAC input is
// "id:<dataID>;request-id:<requestID>;ts:<ts>;".
func (g *mercadopagoGateway) VerifyWebhookSignature(payload []byte, headers http.Header) bool {
	if g.cfg.WebhookSecret == "" {
		return false
	}

	signature := headers.Get("X-Signature")
	requestID := headers.Get("X-Request-Id")
	if signature == "" || requestID == "" {
		return false
	}

	var ts, v1 string
	for _, part := range strings.Split(signature, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "ts":
			ts = v
		case "v1":
			v1 = v
		}
	}
	if ts == "" || v1 == "" {
		return false
	}

	var notification struct {
		Data struct {
			ID json.Number `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &notification); err != nil {
		return false
	}
	dataID := strings.ToLower(notification.Data.ID.String())
	if dataID == "" {
		return false
	}

	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", dataID, requestID, ts)
	expected := hmacSHA256Hex(g.cfg.WebhookSecret, []byte(manifest))
	return secureCompareHex(v1, expected)
}

// ProcessWebhook resolves the notification into a payment snapshot. The
// notification body only names the payment, so the current status comes from
// a follow-up read against the payments API.
func (g *mercadopagoGateway) ProcessWebhook(payload []byte, _ http.Header) (*WebhookEvent, error) {
	var notification struct {
		ID     json.Number `json:"id"`
		Type   string      `json:"type"`
		Action string      `json:"action"`
		Data   struct {
			ID json.Number `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &notification); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}

	if notification.Type != "payment" {
		// Plan, subscription and test notifications are not this layer's
		// concern.
		return nil, nil
	}
	paymentID := notification.Data.ID.String()
	if paymentID == "" {
		return nil, fmt.Errorf("webhook payload missing data.id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout(g.httpClient))
	defer cancel()

	snapshot, err := g.GetPaymentStatus(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	eventID := notification.ID.String()
	if eventID == "" {
		eventID = fmt.Sprintf("%s-%s", paymentID, snapshot.RawStatus)
	}

	eventType := notification.Action
	if eventType == "" {
		eventType = notification.Type
	}

	return &WebhookEvent{
		Provider:         ProviderMercadoPago,
		EventID:          eventID,
		EventType:        eventType,
		GatewayPaymentID: paymentID,
		RawStatus:        snapshot.RawStatus,
		Status:           snapshot.Status,
		FailureReason:    snapshot.FailureReason,
		Raw:              json.RawMessage(payload),
	}, nil
}
