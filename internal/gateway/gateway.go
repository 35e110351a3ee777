package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"payflow-be/internal/money"
)

// Provider names as they appear in webhook URLs, the registry, and
// persisted Payment rows.
const (
	ProviderStripe      = "stripe"
	ProviderPayPal      = "paypal"
	ProviderPayU        = "payu"
	ProviderWompi       = "wompi"
	ProviderMercadoPago = "mercadopago"
)

// Customer is the buyer information forwarded to the provider.
type Customer struct {
	Email     string
	FirstName string
	LastName  string
}

// IntentRequest carries everything an adapter needs to open a payment with
// its provider. Built by the orchestrator from order data; immutable.
type IntentRequest struct {
	OrderID    string
	Amount     money.Money
	Customer   Customer
	ReturnURL  string
	CancelURL  string
	WebhookURL string
	Metadata   map[string]string
}

// Intent is the provider's answer to a successful create call.
type Intent struct {
	GatewayPaymentID string
	Status           Status
	// ClientHandle is the provider-specific token the checkout frontend
	// needs to continue the flow (client secret, preference id, ...).
	ClientHandle string
	RedirectURL  string
	Raw          json.RawMessage
}

// StatusResult is a normalized snapshot of a remote payment.
type StatusResult struct {
	Status        Status
	RawStatus     string
	FailureReason string
	Raw           json.RawMessage
}

// RefundResult reports a refund accepted by the provider.
type RefundResult struct {
	RefundID string
	Status   Status
	Amount   money.Money
	Raw      json.RawMessage
}

// WebhookEvent is a provider notification normalized into canonical terms.
type WebhookEvent struct {
	Provider         string
	EventID          string
	EventType        string
	GatewayPaymentID string
	RawStatus        string
	Status           Status
	FailureReason    string
	Raw              json.RawMessage
}

// Gateway is the uniform contract every provider adapter implements.
//
// Outbound calls are single-shot blocking I/O bounded by the shared HTTP
// client timeout; retry and backoff belong to the caller. Webhook methods are
// pure with respect to the remote account.
type Gateway interface {
	Name() string

	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)

	// ConfirmPayment captures a previously authorized payment. Providers
	// without a separate authorize/capture step re-fetch the status instead.
	ConfirmPayment(ctx context.Context, gatewayPaymentID string, extra map[string]string) (*StatusResult, error)

	// GetPaymentStatus is an idempotent read with no remote side effects.
	GetPaymentStatus(ctx context.Context, gatewayPaymentID string) (*StatusResult, error)

	// RefundPayment refunds the full captured amount when amount is nil.
	RefundPayment(ctx context.Context, gatewayPaymentID string, amount *money.Money, reason string) (*RefundResult, error)

	// VerifyWebhookSignature never errors on malformed input; it returns
	// false. The final comparison is constant time.
	VerifyWebhookSignature(payload []byte, headers http.Header) bool

	// ProcessWebhook returns (nil, nil) for event types this layer ignores
	// and errors only on structurally invalid payloads.
	ProcessWebhook(payload []byte, headers http.Header) (*WebhookEvent, error)

	IsConfigured() bool
	SupportedCurrencies() []string
}

// Settings is the one explicit configuration object the registry is built
// from. No adapter reads the environment on its own.
type Settings struct {
	// Timeout bounds every outbound provider call.
	Timeout time.Duration

	Stripe      StripeConfig
	PayPal      PayPalConfig
	PayU        PayUConfig
	Wompi       WompiConfig
	MercadoPago MercadoPagoConfig
}

func (s Settings) httpClient() *http.Client {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// callTimeout bounds adapter-initiated calls that have no caller context
// (webhook verification follow-ups).
func callTimeout(client *http.Client) time.Duration {
	if client.Timeout > 0 {
		return client.Timeout
	}
	return 30 * time.Second
}

// send executes one outbound provider request. Transport failures come back
// as *NetworkError; the response body is fully read so callers can log it.
func send(client *http.Client, req *http.Request, provider string) (int, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, &NetworkError{Provider: provider, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &NetworkError{Provider: provider, Err: err}
	}
	return resp.StatusCode, body, nil
}
