package gateway

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"context"
	"payflow-be/internal/logger"
	"payflow-be/internal/money"

	"go.uber.org/zap"
)

const (
	payuDefaultPaymentsURL = "https://api.payulatam.com/payments-api/4.0/service.cgi"
	payuDefaultReportsURL  = "https://api.payulatam.com/reports-api/4.0/service.cgi"
)

// PayUConfig holds the merchant credentials for the LatAm form-post provider.
type PayUConfig struct {
	Enabled    bool
	APIKey     string
	APILogin   string
	MerchantID string
	AccountID  string
	// PaymentsURL and ReportsURL override the live endpoints in tests.
	PaymentsURL string
	ReportsURL  string
}

type payuGateway struct {
	cfg         PayUConfig
	paymentsURL string
	reportsURL  string
	httpClient  *http.Client
}

func NewPayUGateway(cfg PayUConfig, client *http.Client) Gateway {
	paymentsURL := cfg.PaymentsURL
	if paymentsURL == "" {
		paymentsURL = payuDefaultPaymentsURL
	}
	reportsURL := cfg.ReportsURL
	if reportsURL == "" {
		reportsURL = payuDefaultReportsURL
	}
	return &payuGateway{cfg: cfg, paymentsURL: paymentsURL, reportsURL: reportsURL, httpClient: client}
}

func (g *payuGateway) Name() string { return ProviderPayU }

func (g *payuGateway) IsConfigured() bool {
	return g.cfg.APIKey != "" && g.cfg.APILogin != "" && g.cfg.MerchantID != "" && g.cfg.AccountID != ""
}

func (g *payuGateway) SupportedCurrencies() []string {
	return []string{"COP", "MXN", "BRL", "ARS", "CLP", "USD"}
}

// API transaction states.
var payuStates = map[string]Status{
	"APPROVED":  StatusCompleted,
	"DECLINED":  StatusFailed,
	"ERROR":     StatusFailed,
	"EXPIRED":   StatusCancelled,
	"PENDING":   StatusProcessing,
	"SUBMITTED": StatusProcessing,
}

// Confirmation-page state_pol codes carried by webhooks.
var payuStatePolCodes = map[string]Status{
	"4":   StatusCompleted,
	"5":   StatusCancelled,
	"6":   StatusFailed,
	"7":   StatusProcessing,
	"104": StatusFailed,
}

func normalizePayUState(raw string) Status {
	if s, ok := payuStates[raw]; ok {
		return s
	}
	return StatusPending
}

func normalizePayUStatePol(raw string) Status {
	if s, ok := payuStatePolCodes[raw]; ok {
		return s
	}
	return StatusPending
}

// payuSignatureValue applies the provider's amount convention for digest
// input: a trailing ".X0" decimal collapses to one decimal place
// ("150.00" -> "150.0"), any other value is used verbatim.
func payuSignatureValue(value string) string {
	dot := strings.IndexByte(value, '.')
	if dot < 0 {
		return value
	}
	frac := value[dot+1:]
	if len(frac) == 2 && frac[1] == '0' {
		return value[:dot+2]
	}
	return value
}

func payuDigest(parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, "~")))
	return hex.EncodeToString(sum[:])
}

func (g *payuGateway) post(ctx context.Context, endpoint string, payload any) (int, []byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(encoded))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return send(g.httpClient, req, ProviderPayU)
}

type payuTransactionResponse struct {
	OrderID         json.Number `json:"orderId"`
	TransactionID   string      `json:"transactionId"`
	State           string      `json:"state"`
	ResponseCode    string      `json:"responseCode"`
	ResponseMessage string      `json:"responseMessage"`
}

type payuAPIResponse struct {
	Code                string                   `json:"code"`
	Error               string                   `json:"error"`
	TransactionResponse *payuTransactionResponse `json:"transactionResponse"`
}

func (g *payuGateway) CreateIntent(ctx context.Context, r IntentRequest) (*Intent, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("provider", ProviderPayU),
		zap.String("order_id", r.OrderID),
		zap.Int64("amount_minor", r.Amount.AmountMinor),
		zap.String("currency", r.Amount.Currency),
	)

	// The order id doubles as the merchant referenceCode; confirmation-page
	// posts echo it back as reference_sale, which is how webhooks correlate.
	referenceCode := r.OrderID
	value := r.Amount.MajorString()
	signature := payuDigest(g.cfg.APIKey, g.cfg.MerchantID, referenceCode, payuSignatureValue(value), r.Amount.Currency)

	payload := map[string]any{
		"language": "es",
		"command":  "SUBMIT_TRANSACTION",
		"merchant": map[string]string{
			"apiKey":   g.cfg.APIKey,
			"apiLogin": g.cfg.APILogin,
		},
		"transaction": map[string]any{
			"type": "AUTHORIZATION_AND_CAPTURE",
			"order": map[string]any{
				"accountId":     g.cfg.AccountID,
				"referenceCode": referenceCode,
				"description":   "order " + r.OrderID,
				"signature":     signature,
				"notifyUrl":     r.WebhookURL,
				"additionalValues": map[string]any{
					"TX_VALUE": map[string]any{
						"value":    json.RawMessage(value),
						"currency": r.Amount.Currency,
					},
				},
				"buyer": map[string]string{
					"emailAddress": r.Customer.Email,
					"fullName":     strings.TrimSpace(r.Customer.FirstName + " " + r.Customer.LastName),
				},
			},
		},
		"test": false,
	}

	log.Info("submitting transaction")

	status, body, err := g.post(ctx, g.paymentsURL, payload)
	if err != nil {
		log.Error("transaction request failed", zap.Error(err))
		return nil, err
	}
	if status != http.StatusOK {
		log.Error("provider rejected transaction",
			zap.Int("http_status", status),
			zap.ByteString("response", body),
		)
		return nil, &GatewayRejection{Provider: ProviderPayU, HTTPStatus: status, Body: string(body)}
	}

	var res payuAPIResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, &GatewayRejection{Provider: ProviderPayU, HTTPStatus: status, Body: string(body)}
	}
	if res.Code != "SUCCESS" || res.TransactionResponse == nil {
		log.Error("provider returned error code",
			zap.String("code", res.Code),
			zap.String("error", res.Error),
		)
		return nil, &GatewayRejection{Provider: ProviderPayU, HTTPStatus: status, Body: string(body)}
	}

	tx := res.TransactionResponse
	log.Info("transaction submitted",
		zap.String("transaction_id", tx.TransactionID),
		zap.String("raw_state", tx.State),
	)

	return &Intent{
		GatewayPaymentID: referenceCode,
		Status:           normalizePayUState(tx.State),
		ClientHandle:     tx.TransactionID,
		Raw:              json.RawMessage(body),
	}, nil
}

// ConfirmPayment has no separate capture step here; it re-fetches the state.
func (g *payuGateway) ConfirmPayment(ctx context.Context, gatewayPaymentID string, _ map[string]string) (*StatusResult, error) {
	return g.GetPaymentStatus(ctx, gatewayPaymentID)
}

func (g *payuGateway) GetPaymentStatus(ctx context.Context, gatewayPaymentID string) (*StatusResult, error) {
	payload := map[string]any{
		"language": "es",
		"command":  "ORDER_DETAIL_BY_REFERENCE_CODE",
		"merchant": map[string]string{
			"apiKey":   g.cfg.APIKey,
			"apiLogin": g.cfg.APILogin,
		},
		"details": map[string]string{
			"referenceCode": gatewayPaymentID,
		},
	}

	status, body, err := g.post(ctx, g.reportsURL, payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &GatewayRejection{Provider: ProviderPayU, HTTPStatus: status, Body: string(body)}
	}

	var res struct {
		Code   string `json:"code"`
		Result struct {
			Payload []struct {
				ID           json.Number `json:"id"`
				Transactions []struct {
					ID                  string `json:"id"`
					TransactionResponse struct {
						State           string `json:"state"`
						ResponseMessage string `json:"responseMessage"`
					} `json:"transactionResponse"`
				} `json:"transactions"`
			} `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, &GatewayRejection{Provider: ProviderPayU, HTTPStatus: status, Body: string(body)}
	}
	if res.Code != "SUCCESS" || len(res.Result.Payload) == 0 || len(res.Result.Payload[0].Transactions) == 0 {
		return nil, &GatewayRejection{Provider: ProviderPayU, HTTPStatus: status, Body: string(body)}
	}

	tr := res.Result.Payload[0].Transactions[0].TransactionResponse
	return &StatusResult{
		Status:        normalizePayUState(tr.State),
		RawStatus:     tr.State,
		FailureReason: tr.ResponseMessage,
		Raw:           json.RawMessage(body),
	}, nil
}

func (g *payuGateway) RefundPayment(ctx context.Context, gatewayPaymentID string, amount *money.Money, reason string) (*RefundResult, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("provider", ProviderPayU),
		zap.String("gateway_payment_id", gatewayPaymentID),
	)

	// The refund command needs the provider's own order and transaction ids,
	// which the reference code resolves via the reports API.
	payload := map[string]any{
		"language": "es",
		"command":  "ORDER_DETAIL_BY_REFERENCE_CODE",
		"merchant": map[string]string{
			"apiKey":   g.cfg.APIKey,
			"apiLogin": g.cfg.APILogin,
		},
		"details": map[string]string{
			"referenceCode": gatewayPaymentID,
		},
	}

	status, body, err := g.post(ctx, g.reportsURL, payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &GatewayRejection{Provider: ProviderPayU, HTTPStatus: status, Body: string(body)}
	}

	var detail struct {
		Code   string `json:"code"`
		Result struct {
			Payload []struct {
				ID           json.Number `json:"id"`
				Transactions []struct {
					ID string `json:"id"`
				} `json:"transactions"`
			} `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, &GatewayRejection{Provider: ProviderPayU, HTTPStatus: status, Body: string(body)}
	}
	if detail.Code != "SUCCESS" || len(detail.Result.Payload) == 0 || len(detail.Result.Payload[0].Transactions) == 0 {
		return nil, &ValidationError{Reason: "no settled transaction found for reference " + gatewayPaymentID}
	}

	orderEntry := detail.Result.Payload[0]
	transaction := map[string]any{
		"order": map[string]any{
			"id": orderEntry.ID,
		},
		"type":                "REFUND",
		"reason":              reason,
		"parentTransactionId": orderEntry.Transactions[0].ID,
	}
	if amount != nil {
		transaction["type"] = "PARTIAL_REFUND"
		transaction["additionalValues"] = map[string]any{
			"TX_VALUE": map[string]any{
				"value":    json.RawMessage(amount.MajorString()),
				"currency": amount.Currency,
			},
		}
	}

	refundPayload := map[string]any{
		"language": "es",
		"command":  "SUBMIT_TRANSACTION",
		"merchant": map[string]string{
			"apiKey":   g.cfg.APIKey,
			"apiLogin": g.cfg.APILogin,
		},
		"transaction": transaction,
		"test":        false,
	}

	status, body, err = g.post(ctx, g.paymentsURL, refundPayload)
	if err != nil {
		log.Error("refund request failed", zap.Error(err))
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &GatewayRejection{Provider: ProviderPayU, HTTPStatus: status, Body: string(body)}
	}

	var res payuAPIResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, &GatewayRejection{Provider: ProviderPayU, HTTPStatus: status, Body: string(body)}
	}
	if res.Code != "SUCCESS" || res.TransactionResponse == nil {
		return nil, &GatewayRejection{Provider: ProviderPayU, HTTPStatus: status, Body: string(body)}
	}

	refundStatus := StatusProcessing
	if res.TransactionResponse.State == "APPROVED" {
		refundStatus = StatusRefunded
	}

	var refunded money.Money
	if amount != nil {
		refunded = *amount
	}

	log.Info("refund submitted",
		zap.String("refund_id", res.TransactionResponse.TransactionID),
		zap.String("raw_state", res.TransactionResponse.State),
	)

	return &RefundResult{
		RefundID: res.TransactionResponse.TransactionID,
		Status:   refundStatus,
		Amount:   refunded,
		Raw:      json.RawMessage(body),
	}, nil
}

// VerifyWebhookSignature checks the confirmation-page digest
// MD5(apiKey~merchant_id~reference_sale~value~currency~state_pol) against the
// sign field of the form body.
func (g *payuGateway) VerifyWebhookSignature(payload []byte, _ http.Header) bool {
	if g.cfg.APIKey == "" {
		return false
	}

	form, err := url.ParseQuery(string(payload))
	if err != nil {
		return false
	}

	sign := form.Get("sign")
	merchantID := form.Get("merchant_id")
	referenceSale := form.Get("reference_sale")
	value := form.Get("value")
	currency := form.Get("currency")
	statePol := form.Get("state_pol")
	if sign == "" || merchantID == "" || referenceSale == "" || value == "" || currency == "" || statePol == "" {
		return false
	}

	expected := payuDigest(g.cfg.APIKey, merchantID, referenceSale, payuSignatureValue(value), currency, statePol)
	return secureCompare(sign, expected)
}

func (g *payuGateway) ProcessWebhook(payload []byte, _ http.Header) (*WebhookEvent, error) {
	form, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, fmt.Errorf("invalid webhook form body: %w", err)
	}

	referenceSale := form.Get("reference_sale")
	statePol := form.Get("state_pol")
	if referenceSale == "" || statePol == "" {
		return nil, fmt.Errorf("webhook form missing reference_sale or state_pol")
	}

	// Confirmation posts carry no event id; derive a stable dedup key from
	// the fields that identify the logical state change.
	dedup := sha256.Sum256([]byte(referenceSale + "|" + statePol + "|" + form.Get("value")))

	rawJSON, err := json.Marshal(flattenForm(form))
	if err != nil {
		return nil, err
	}

	return &WebhookEvent{
		Provider:         ProviderPayU,
		EventID:          hex.EncodeToString(dedup[:]),
		EventType:        "confirmation",
		GatewayPaymentID: referenceSale,
		RawStatus:        statePol,
		Status:           normalizePayUStatePol(statePol),
		FailureReason:    form.Get("response_message_pol"),
		Raw:              rawJSON,
	}, nil
}

func flattenForm(form url.Values) map[string]string {
	out := make(map[string]string, len(form))
	for k := range form {
		out[k] = form.Get(k)
	}
	return out
}
