package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"payflow-be/internal/logger"
	"payflow-be/internal/money"

	"go.uber.org/zap"
)

const wompiDefaultBaseURL = "https://production.wompi.co"

// WompiConfig holds the credentials for the cents-based redirect provider.
// The provider settles refunds manually through its dashboard, so there is
// no refund API to call.
type WompiConfig struct {
	Enabled      bool
	PublicKey    string
	PrivateKey   string
	EventsSecret string
	BaseURL      string
}

type wompiGateway struct {
	cfg        WompiConfig
	baseURL    string
	httpClient *http.Client
}

func NewWompiGateway(cfg WompiConfig, client *http.Client) Gateway {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = wompiDefaultBaseURL
	}
	return &wompiGateway{cfg: cfg, baseURL: baseURL, httpClient: client}
}

func (g *wompiGateway) Name() string { return ProviderWompi }

func (g *wompiGateway) IsConfigured() bool {
	return g.cfg.PublicKey != "" && g.cfg.PrivateKey != "" && g.cfg.EventsSecret != ""
}

func (g *wompiGateway) SupportedCurrencies() []string {
	return []string{"COP"}
}

var wompiStatuses = map[string]Status{
	"PENDING":  StatusPending,
	"APPROVED": StatusCompleted,
	"DECLINED": StatusFailed,
	"VOIDED":   StatusCancelled,
	"ERROR":    StatusFailed,
}

func normalizeWompiStatus(raw string) Status {
	if s, ok := wompiStatuses[raw]; ok {
		return s
	}
	return StatusPending
}

type wompiTransaction struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	StatusMessage string `json:"status_message"`
	Reference     string `json:"reference"`
	AmountInCents int64  `json:"amount_in_cents"`
	Currency      string `json:"currency"`
	RedirectURL   string `json:"redirect_url"`
}

func (g *wompiGateway) CreateIntent(ctx context.Context, r IntentRequest) (*Intent, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("provider", ProviderWompi),
		zap.String("order_id", r.OrderID),
		zap.Int64("amount_minor", r.Amount.AmountMinor),
		zap.String("currency", r.Amount.Currency),
	)

	payload := map[string]any{
		// Native unit is cents, same integer minor units we keep internally.
		"amount_in_cents": r.Amount.AmountMinor,
		"currency":        r.Amount.Currency,
		"reference":       r.OrderID,
		"customer_email":  r.Customer.Email,
	}
	if r.ReturnURL != "" {
		payload["redirect_url"] = r.ReturnURL
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/transactions", bytes.NewBuffer(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.PrivateKey)
	req.Header.Set("Content-Type", "application/json")

	log.Info("creating transaction")

	status, body, err := send(g.httpClient, req, ProviderWompi)
	if err != nil {
		log.Error("transaction request failed", zap.Error(err))
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		log.Error("provider rejected transaction",
			zap.Int("http_status", status),
			zap.ByteString("response", body),
		)
		return nil, &GatewayRejection{Provider: ProviderWompi, HTTPStatus: status, Body: string(body)}
	}

	var res struct {
		Data wompiTransaction `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, &GatewayRejection{Provider: ProviderWompi, HTTPStatus: status, Body: string(body)}
	}

	log.Info("transaction created",
		zap.String("gateway_payment_id", res.Data.ID),
		zap.String("raw_status", res.Data.Status),
	)

	return &Intent{
		GatewayPaymentID: res.Data.ID,
		Status:           normalizeWompiStatus(res.Data.Status),
		RedirectURL:      res.Data.RedirectURL,
		Raw:              json.RawMessage(body),
	}, nil
}

// ConfirmPayment has no capture step on this provider; it re-fetches status.
func (g *wompiGateway) ConfirmPayment(ctx context.Context, gatewayPaymentID string, _ map[string]string) (*StatusResult, error) {
	return g.GetPaymentStatus(ctx, gatewayPaymentID)
}

func (g *wompiGateway) GetPaymentStatus(ctx context.Context, gatewayPaymentID string) (*StatusResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/transactions/"+gatewayPaymentID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.PrivateKey)

	status, body, err := send(g.httpClient, req, ProviderWompi)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &GatewayRejection{Provider: ProviderWompi, HTTPStatus: status, Body: string(body)}
	}

	var res struct {
		Data wompiTransaction `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, &GatewayRejection{Provider: ProviderWompi, HTTPStatus: status, Body: string(body)}
	}

	return &StatusResult{
		Status:        normalizeWompiStatus(res.Data.Status),
		RawStatus:     res.Data.Status,
		FailureReason: res.Data.StatusMessage,
		Raw:           json.RawMessage(body),
	}, nil
}

// RefundPayment always fails: the provider only settles refunds manually.
func (g *wompiGateway) RefundPayment(_ context.Context, _ string, _ *money.Money, _ string) (*RefundResult, error) {
	return nil, fmt.Errorf("%w: %s refunds are manual", ErrUnsupportedOperation, ProviderWompi)
}

// VerifyWebhookSignature checks HMAC-SHA256(secret, rawBody) against the hex
// digest carried directly in the checksum header.
func (g *wompiGateway) VerifyWebhookSignature(payload []byte, headers http.Header) bool {
	if g.cfg.EventsSecret == "" {
		return false
	}

	checksum := headers.Get("X-Event-Checksum")
	if checksum == "" {
		return false
	}

	expected := hmacSHA256Hex(g.cfg.EventsSecret, payload)
	return secureCompareHex(checksum, expected)
}

func (g *wompiGateway) ProcessWebhook(payload []byte, _ http.Header) (*WebhookEvent, error) {
	var event struct {
		Event string `json:"event"`
		Data  struct {
			Transaction wompiTransaction `json:"transaction"`
		} `json:"data"`
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	if event.Event == "" {
		return nil, fmt.Errorf("webhook payload missing event")
	}

	if event.Event != "transaction.updated" {
		return nil, nil
	}

	tx := event.Data.Transaction
	if tx.ID == "" {
		return nil, fmt.Errorf("webhook transaction missing id")
	}

	// Events carry no id of their own; derive one from the state change.
	dedup := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", tx.ID, tx.Status, event.Timestamp))

	return &WebhookEvent{
		Provider:         ProviderWompi,
		EventID:          hex.EncodeToString(dedup[:]),
		EventType:        event.Event,
		GatewayPaymentID: tx.ID,
		RawStatus:        tx.Status,
		Status:           normalizeWompiStatus(tx.Status),
		FailureReason:    tx.StatusMessage,
		Raw:              json.RawMessage(payload),
	}, nil
}
