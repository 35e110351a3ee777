package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"payflow-be/internal/logger"
	"payflow-be/internal/money"

	"go.uber.org/zap"
)

const paypalDefaultBaseURL = "https://api-m.paypal.com"

// PayPalConfig holds the credentials for the redirect-checkout provider.
type PayPalConfig struct {
	Enabled      bool
	ClientID     string
	ClientSecret string
	// WebhookID identifies the registered webhook during verification.
	WebhookID string
	BaseURL   string
}

type paypalGateway struct {
	cfg        PayPalConfig
	baseURL    string
	httpClient *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewPayPalGateway(cfg PayPalConfig, client *http.Client) Gateway {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = paypalDefaultBaseURL
	}
	return &paypalGateway{cfg: cfg, baseURL: baseURL, httpClient: client}
}

func (g *paypalGateway) Name() string { return ProviderPayPal }

func (g *paypalGateway) IsConfigured() bool {
	return g.cfg.ClientID != "" && g.cfg.ClientSecret != "" && g.cfg.WebhookID != ""
}

func (g *paypalGateway) SupportedCurrencies() []string {
	return []string{"USD", "EUR", "GBP", "MXN", "BRL", "JPY"}
}

var paypalStatuses = map[string]Status{
	"CREATED":               StatusPending,
	"SAVED":                 StatusPending,
	"PAYER_ACTION_REQUIRED": StatusPending,
	"APPROVED":              StatusProcessing,
	"COMPLETED":             StatusCompleted,
	"DECLINED":              StatusFailed,
	"VOIDED":                StatusCancelled,
	"REFUNDED":              StatusRefunded,
	"PARTIALLY_REFUNDED":    StatusCompleted,
}

func normalizePayPalStatus(raw string) Status {
	if s, ok := paypalStatuses[raw]; ok {
		return s
	}
	return StatusPending
}

// token returns a cached OAuth access token, fetching a fresh one via the
// client-credentials grant when the cache is empty or near expiry.
func (g *paypalGateway) token(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.accessToken != "" && time.Now().Before(g.tokenExpiry.Add(-time.Minute)) {
		return g.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/v1/oauth2/token", strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(g.cfg.ClientID, g.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	status, body, err := send(g.httpClient, req, ProviderPayPal)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", &GatewayRejection{Provider: ProviderPayPal, HTTPStatus: status, Body: string(body)}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		return "", &GatewayRejection{Provider: ProviderPayPal, HTTPStatus: status, Body: string(body)}
	}

	g.accessToken = tok.AccessToken
	g.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return g.accessToken, nil
}

func (g *paypalGateway) doJSON(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	token, err := g.token(ctx)
	if err != nil {
		return 0, nil, err
	}

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
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	return send(g.httpClient, req, ProviderPayPal)
}

type paypalOrder struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Links         []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (g *paypalGateway) CreateIntent(ctx context.Context, r IntentRequest) (*Intent, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("provider", ProviderPayPal),
		zap.String("order_id", r.OrderID),
		zap.Int64("amount_minor", r.Amount.AmountMinor),
		zap.String("currency", r.Amount.Currency),
	)

	// This provider wants decimal major units on the wire.
	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": r.OrderID,
			"amount": map[string]string{
				"currency_code": r.Amount.Currency,
				"value":         r.Amount.MajorString(),
			},
		}},
	}
	appCtx := map[string]string{}
	if r.ReturnURL != "" {
		appCtx["return_url"] = r.ReturnURL
	}
	if r.CancelURL != "" {
		appCtx["cancel_url"] = r.CancelURL
	}
	if len(appCtx) > 0 {
		payload["application_context"] = appCtx
	}

	log.Info("creating checkout order")

	status, body, err := g.doJSON(ctx, http.MethodPost, "/v2/checkout/orders", payload)
	if err != nil {
		log.Error("checkout order request failed", zap.Error(err))
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		log.Error("provider rejected checkout order",
			zap.Int("http_status", status),
			zap.ByteString("response", body),
		)
		return nil, &GatewayRejection{Provider: ProviderPayPal, HTTPStatus: status, Body: string(body)}
	}

	var order paypalOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, &GatewayRejection{Provider: ProviderPayPal, HTTPStatus: status, Body: string(body)}
	}

	var approveURL string
	for _, link := range order.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			approveURL = link.Href
			break
		}
	}

	log.Info("checkout order created",
		zap.String("gateway_payment_id", order.ID),
		zap.String("raw_status", order.Status),
	)

	return &Intent{
		GatewayPaymentID: order.ID,
		Status:           normalizePayPalStatus(order.Status),
		RedirectURL:      approveURL,
		Raw:              json.RawMessage(body),
	}, nil
}

// ConfirmPayment captures an approved order. This is the provider's explicit
// authorize/capture split.
func (g *paypalGateway) ConfirmPayment(ctx context.Context, gatewayPaymentID string, extra map[string]string) (*StatusResult, error) {
	status, body, err := g.doJSON(ctx, http.MethodPost, "/v2/checkout/orders/"+gatewayPaymentID+"/capture", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, &GatewayRejection{Provider: ProviderPayPal, HTTPStatus: status, Body: string(body)}
	}
	return paypalStatusResult(body, status)
}

func (g *paypalGateway) GetPaymentStatus(ctx context.Context, gatewayPaymentID string) (*StatusResult, error) {
	status, body, err := g.doJSON(ctx, http.MethodGet, "/v2/checkout/orders/"+gatewayPaymentID, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &GatewayRejection{Provider: ProviderPayPal, HTTPStatus: status, Body: string(body)}
	}
	return paypalStatusResult(body, status)
}

func paypalStatusResult(body []byte, httpStatus int) (*StatusResult, error) {
	var order paypalOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, &GatewayRejection{Provider: ProviderPayPal, HTTPStatus: httpStatus, Body: string(body)}
	}
	return &StatusResult{
		Status:    normalizePayPalStatus(order.Status),
		RawStatus: order.Status,
		Raw:       json.RawMessage(body),
	}, nil
}

func (g *paypalGateway) RefundPayment(ctx context.Context, gatewayPaymentID string, amount *money.Money, reason string) (*RefundResult, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("provider", ProviderPayPal),
		zap.String("gateway_payment_id", gatewayPaymentID),
	)

	// Refunds target the capture, not the order, so look the capture up first.
	status, body, err := g.doJSON(ctx, http.MethodGet, "/v2/checkout/orders/"+gatewayPaymentID, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &GatewayRejection{Provider: ProviderPayPal, HTTPStatus: status, Body: string(body)}
	}

	var order paypalOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, &GatewayRejection{Provider: ProviderPayPal, HTTPStatus: status, Body: string(body)}
	}

	var captureID string
	for _, pu := range order.PurchaseUnits {
		for _, capture := range pu.Payments.Captures {
			if capture.Status == "COMPLETED" || capture.Status == "PARTIALLY_REFUNDED" {
				captureID = capture.ID
				break
			}
		}
	}
	if captureID == "" {
		return nil, &ValidationError{Reason: "order has no completed capture to refund"}
	}

	payload := map[string]any{}
	if amount != nil {
		payload["amount"] = map[string]string{
			"currency_code": amount.Currency,
			"value":         amount.MajorString(),
		}
	}
	if reason != "" {
		payload["note_to_payer"] = reason
	}

	status, body, err = g.doJSON(ctx, http.MethodPost, "/v2/payments/captures/"+captureID+"/refund", payload)
	if err != nil {
		log.Error("refund request failed", zap.Error(err))
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		log.Error("provider rejected refund",
			zap.Int("http_status", status),
			zap.ByteString("response", body),
		)
		return nil, &GatewayRejection{Provider: ProviderPayPal, HTTPStatus: status, Body: string(body)}
	}

	var refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Amount struct {
			CurrencyCode string `json:"currency_code"`
			Value        string `json:"value"`
		} `json:"amount"`
	}
	if err := json.Unmarshal(body, &refund); err != nil {
		return nil, &GatewayRejection{Provider: ProviderPayPal, HTTPStatus: status, Body: string(body)}
	}

	refundStatus := StatusProcessing
	switch refund.Status {
	case "COMPLETED":
		refundStatus = StatusRefunded
	case "CANCELLED", "FAILED":
		refundStatus = StatusFailed
	}

	refunded := money.Money{Currency: refund.Amount.CurrencyCode}
	if refund.Amount.Value != "" {
		if m, convErr := money.FromMajorString(refund.Amount.Value, refund.Amount.CurrencyCode); convErr == nil {
			refunded = m
		}
	}

	log.Info("refund accepted",
		zap.String("refund_id", refund.ID),
		zap.String("raw_status", refund.Status),
	)

	return &RefundResult{
		RefundID: refund.ID,
		Status:   refundStatus,
		Amount:   refunded,
		Raw:      json.RawMessage(body),
	}, nil
}

// VerifyWebhookSignature asks the provider's verification endpoint for a
// verdict instead of trusting header presence. Any transport failure or
// non-SUCCESS verdict fails closed.
func (g *paypalGateway) VerifyWebhookSignature(payload []byte, headers http.Header) bool {
	transmissionID := headers.Get("Paypal-Transmission-Id")
	transmissionTime := headers.Get("Paypal-Transmission-Time")
	transmissionSig := headers.Get("Paypal-Transmission-Sig")
	certURL := headers.Get("Paypal-Cert-Url")
	authAlgo := headers.Get("Paypal-Auth-Algo")

	if transmissionID == "" || transmissionTime == "" || transmissionSig == "" || certURL == "" || authAlgo == "" {
		return false
	}
	if !json.Valid(payload) {
		return false
	}

	body := map[string]any{
		"transmission_id":   transmissionID,
		"transmission_time": transmissionTime,
		"transmission_sig":  transmissionSig,
		"cert_url":          certURL,
		"auth_algo":         authAlgo,
		"webhook_id":        g.cfg.WebhookID,
		"webhook_event":     json.RawMessage(payload),
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout(g.httpClient))
	defer cancel()

	status, respBody, err := g.doJSON(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", body)
	if err != nil || status != http.StatusOK {
		logger.L().Warn("webhook signature verification call failed",
			zap.String("provider", ProviderPayPal),
			zap.Int("http_status", status),
			zap.Error(err),
		)
		return false
	}

	var verdict struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := json.Unmarshal(respBody, &verdict); err != nil {
		return false
	}
	return verdict.VerificationStatus == "SUCCESS"
}

func (g *paypalGateway) ProcessWebhook(payload []byte, headers http.Header) (*WebhookEvent, error) {
	var event struct {
		ID        string `json:"id"`
		EventType string `json:"event_type"`
		Resource  struct {
			ID                string `json:"id"`
			Status            string `json:"status"`
			StatusDetails     *struct {
				Reason string `json:"reason"`
			} `json:"status_details"`
			SupplementaryData *struct {
				RelatedIDs struct {
					OrderID string `json:"order_id"`
				} `json:"related_ids"`
			} `json:"supplementary_data"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	if event.ID == "" || event.EventType == "" {
		return nil, fmt.Errorf("webhook payload missing id or event_type")
	}

	var canonical Status
	switch event.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		canonical = StatusProcessing
	case "PAYMENT.CAPTURE.PENDING":
		canonical = StatusProcessing
	case "PAYMENT.CAPTURE.COMPLETED":
		canonical = StatusCompleted
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		canonical = StatusFailed
	case "PAYMENT.CAPTURE.REFUNDED":
		canonical = StatusRefunded
	default:
		return nil, nil
	}

	// Capture events carry the checkout order id in supplementary data;
	// order events carry it directly.
	gatewayPaymentID := event.Resource.ID
	if event.Resource.SupplementaryData != nil && event.Resource.SupplementaryData.RelatedIDs.OrderID != "" {
		gatewayPaymentID = event.Resource.SupplementaryData.RelatedIDs.OrderID
	}
	if gatewayPaymentID == "" {
		return nil, fmt.Errorf("webhook resource missing payment id")
	}

	we := &WebhookEvent{
		Provider:         ProviderPayPal,
		EventID:          event.ID,
		EventType:        event.EventType,
		GatewayPaymentID: gatewayPaymentID,
		RawStatus:        event.Resource.Status,
		Status:           canonical,
		Raw:              json.RawMessage(payload),
	}
	if event.Resource.StatusDetails != nil {
		we.FailureReason = event.Resource.StatusDetails.Reason
	}
	return we, nil
}
