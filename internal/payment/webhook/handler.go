package webhook

import (
	"errors"
	"io"
	"net/http"

	"payflow-be/internal/gateway"
	"payflow-be/internal/logger"
	"payflow-be/internal/metrics"
	"payflow-be/internal/payment"

	"go.uber.org/zap"
)

// maxBodyBytes caps inbound notification bodies; providers send payloads far
// below this.
const maxBodyBytes = 1 << 20

// Handler terminates POST /payments/webhook/{provider}. The raw body is kept
// byte-for-byte for signature verification and never re-serialized first.
type Handler struct {
	svc     payment.Service
	metrics *metrics.Webhook
}

func NewHandler(svc payment.Service, m *metrics.Webhook) *Handler {
	if m == nil {
		m = &metrics.Webhook{}
	}
	return &Handler{svc: svc, metrics: m}
}

// Register mounts the handler on the given mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /payments/webhook/{provider}", h.ServeWebhook)
}

func (h *Handler) ServeWebhook(w http.ResponseWriter, r *http.Request) {
	h.metrics.Received.Inc()

	provider := r.PathValue("provider")
	log := logger.FromCtx(r.Context()).With(zap.String("provider", provider))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.metrics.Errors.Inc()
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	outcome, err := h.svc.HandleWebhook(r.Context(), provider, body, r.Header)

	switch outcome {
	case payment.OutcomeApplied:
		h.metrics.Applied.Inc()
	case payment.OutcomeDuplicate:
		h.metrics.Duplicates.Inc()
	case payment.OutcomeIgnored:
		h.metrics.Ignored.Inc()
	case payment.OutcomeInvalidSignature:
		h.metrics.SignatureFailures.Inc()
	case payment.OutcomeDropped:
		h.metrics.Dropped.Inc()
	case payment.OutcomeError:
		h.metrics.Errors.Inc()
	}

	if err != nil {
		if errors.Is(err, gateway.ErrNotSupported) {
			http.Error(w, "unknown provider", http.StatusNotFound)
			return
		}

		// A structurally broken payload is the sender's fault; everything
		// else (provider reads, ledger writes) is retryable server trouble.
		if errors.Is(err, payment.ErrBadPayload) {
			log.Warn("rejecting webhook", zap.Error(err))
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		http.Error(w, "failed to process event", http.StatusInternalServerError)
		return
	}

	// Signature failures and dropped events still acknowledge with 200:
	// nothing changed, and the provider should not keep retrying.
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
