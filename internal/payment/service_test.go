package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"payflow-be/internal/gateway"
	"payflow-be/internal/money"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway is a scriptable adapter for orchestration tests.
type fakeGateway struct {
	name       string
	currencies []string

	intent       *gateway.Intent
	intentErr    error
	statusResult *gateway.StatusResult
	refundResult *gateway.RefundResult
	refundErr    error

	signatureOK bool
	event       *gateway.WebhookEvent
	eventErr    error

	mu         sync.Mutex
	eventQueue []*gateway.WebhookEvent
}

func (f *fakeGateway) Name() string       { return f.name }
func (f *fakeGateway) IsConfigured() bool { return true }
func (f *fakeGateway) SupportedCurrencies() []string {
	if f.currencies == nil {
		return []string{"USD"}
	}
	return f.currencies
}

func (f *fakeGateway) CreateIntent(context.Context, gateway.IntentRequest) (*gateway.Intent, error) {
	return f.intent, f.intentErr
}

func (f *fakeGateway) ConfirmPayment(context.Context, string, map[string]string) (*gateway.StatusResult, error) {
	return f.statusResult, nil
}

func (f *fakeGateway) GetPaymentStatus(context.Context, string) (*gateway.StatusResult, error) {
	return f.statusResult, nil
}

func (f *fakeGateway) RefundPayment(context.Context, string, *money.Money, string) (*gateway.RefundResult, error) {
	return f.refundResult, f.refundErr
}

func (f *fakeGateway) VerifyWebhookSignature([]byte, http.Header) bool { return f.signatureOK }

func (f *fakeGateway) ProcessWebhook([]byte, http.Header) (*gateway.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.eventQueue) > 0 {
		e := f.eventQueue[0]
		f.eventQueue = f.eventQueue[1:]
		return e, nil
	}
	return f.event, f.eventErr
}

// memRepo is an in-memory Repository with the same dedup semantics as the
// SQL ledger.
type memRepo struct {
	mu       sync.Mutex
	payments map[string]*Payment
	ledger   map[string]int64
	failed   map[int64]string
	done     map[int64]bool
	nextID   int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		payments: make(map[string]*Payment),
		ledger:   make(map[string]int64),
		failed:   make(map[int64]string),
		done:     make(map[int64]bool),
	}
}

func (m *memRepo) SavePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *memRepo) GetPayment(_ context.Context, id string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memRepo) GetPaymentByGatewayID(_ context.Context, provider, gatewayPaymentID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.Provider == provider && p.GatewayPaymentID == gatewayPaymentID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *memRepo) GetPaymentByOrder(_ context.Context, orderID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.OrderID == orderID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *memRepo) UpdatePaymentTransition(
	_ context.Context,
	id string,
	status gateway.Status,
	failureReason string,
	raw json.RawMessage,
	completedAt *time.Time,
	failedAt *time.Time,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	p.Status = status
	p.FailureReason = failureReason
	p.RawGatewayData = raw
	if completedAt != nil {
		p.CompletedAt = completedAt
	}
	if failedAt != nil {
		p.FailedAt = failedAt
	}
	return nil
}

func (m *memRepo) SaveWebhookEvent(
	_ context.Context,
	provider, eventID, eventType, gatewayPaymentID string,
	payload json.RawMessage,
	signatureValid bool,
) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := provider + "/" + eventID
	if _, ok := m.ledger[key]; ok {
		return 0, true, nil
	}
	m.nextID++
	m.ledger[key] = m.nextID
	return m.nextID, false, nil
}

func (m *memRepo) MarkWebhookProcessed(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done[id] = true
	return nil
}

func (m *memRepo) MarkWebhookFailed(_ context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[id] = reason
	return nil
}

func newTestService(fake *fakeGateway) (Service, *memRepo) {
	repo := newMemRepo()
	registry := gateway.NewRegistry(gateway.Settings{})
	registry.Register(fake.name, true, func() gateway.Gateway { return fake })
	svc := NewService(repo, registry, Options{
		ReturnURL:      "https://shop.example.com/return",
		CancelURL:      "https://shop.example.com/cancel",
		WebhookBaseURL: "https://shop.example.com",
	})
	return svc, repo
}

func TestService_CreateIntent(t *testing.T) {
	t.Run("PersistsPending", func(t *testing.T) {
		fake := &fakeGateway{
			name: "fakepay",
			intent: &gateway.Intent{
				GatewayPaymentID: "gw-1",
				Status:           gateway.StatusPending,
				Raw:              json.RawMessage(`{}`),
			},
		}
		svc, repo := newTestService(fake)

		p, intent, err := svc.CreateIntent(context.Background(), "fakepay", "ord-1",
			money.Money{AmountMinor: 5000, Currency: "USD"}, gateway.Customer{})
		require.NoError(t, err)
		assert.Equal(t, "gw-1", intent.GatewayPaymentID)
		assert.Equal(t, gateway.StatusPending, p.Status)
		assert.NotEmpty(t, p.ID)

		stored, err := repo.GetPayment(context.Background(), p.ID)
		require.NoError(t, err)
		assert.Equal(t, gateway.StatusPending, stored.Status)
	})

	t.Run("InstantApprovalTransitions", func(t *testing.T) {
		fake := &fakeGateway{
			name: "fakepay",
			intent: &gateway.Intent{
				GatewayPaymentID: "gw-2",
				Status:           gateway.StatusCompleted,
				Raw:              json.RawMessage(`{}`),
			},
		}
		svc, repo := newTestService(fake)

		p, _, err := svc.CreateIntent(context.Background(), "fakepay", "ord-2",
			money.Money{AmountMinor: 5000, Currency: "USD"}, gateway.Customer{})
		require.NoError(t, err)
		assert.Equal(t, gateway.StatusCompleted, p.Status)
		assert.NotNil(t, p.CompletedAt)

		stored, err := repo.GetPayment(context.Background(), p.ID)
		require.NoError(t, err)
		assert.Equal(t, gateway.StatusCompleted, stored.Status)
	})

	t.Run("UnsupportedCurrency", func(t *testing.T) {
		fake := &fakeGateway{name: "fakepay", currencies: []string{"COP"}}
		svc, _ := newTestService(fake)

		_, _, err := svc.CreateIntent(context.Background(), "fakepay", "ord-3",
			money.Money{AmountMinor: 5000, Currency: "USD"}, gateway.Customer{})
		var vErr *gateway.ValidationError
		assert.ErrorAs(t, err, &vErr)
	})

	t.Run("UnknownProvider", func(t *testing.T) {
		svc, _ := newTestService(&fakeGateway{name: "fakepay"})
		_, _, err := svc.CreateIntent(context.Background(), "skrill", "ord-4",
			money.Money{AmountMinor: 5000, Currency: "USD"}, gateway.Customer{})
		assert.ErrorIs(t, err, gateway.ErrNotSupported)
	})
}

func seedPayment(t *testing.T, repo *memRepo, status gateway.Status) *Payment {
	t.Helper()
	p := &Payment{
		ID:               "pay-1",
		OrderID:          "ord-1",
		Provider:         "fakepay",
		GatewayPaymentID: "gw-1",
		AmountMinor:      5000,
		Currency:         "USD",
		Status:           status,
	}
	require.NoError(t, repo.SavePayment(context.Background(), p))
	return p
}

func TestService_Refund(t *testing.T) {
	t.Run("OnlyCompletedRefundable", func(t *testing.T) {
		fake := &fakeGateway{name: "fakepay"}
		svc, repo := newTestService(fake)
		seedPayment(t, repo, gateway.StatusProcessing)

		_, err := svc.Refund(context.Background(), "pay-1", nil, "")
		var vErr *gateway.ValidationError
		assert.ErrorAs(t, err, &vErr)
	})

	t.Run("AmountExceedsCaptured", func(t *testing.T) {
		fake := &fakeGateway{name: "fakepay"}
		svc, repo := newTestService(fake)
		seedPayment(t, repo, gateway.StatusCompleted)

		over := money.Money{AmountMinor: 6000, Currency: "USD"}
		_, err := svc.Refund(context.Background(), "pay-1", &over, "")
		var vErr *gateway.ValidationError
		assert.ErrorAs(t, err, &vErr)
	})

	t.Run("CurrencyMismatch", func(t *testing.T) {
		fake := &fakeGateway{name: "fakepay"}
		svc, repo := newTestService(fake)
		seedPayment(t, repo, gateway.StatusCompleted)

		other := money.Money{AmountMinor: 100, Currency: "EUR"}
		_, err := svc.Refund(context.Background(), "pay-1", &other, "")
		var vErr *gateway.ValidationError
		assert.ErrorAs(t, err, &vErr)
	})

	t.Run("FullRefundTransitions", func(t *testing.T) {
		fake := &fakeGateway{
			name: "fakepay",
			refundResult: &gateway.RefundResult{
				RefundID: "ref-1",
				Status:   gateway.StatusRefunded,
				Amount:   money.Money{AmountMinor: 5000, Currency: "USD"},
			},
		}
		svc, repo := newTestService(fake)
		seedPayment(t, repo, gateway.StatusCompleted)

		res, err := svc.Refund(context.Background(), "pay-1", nil, "customer request")
		require.NoError(t, err)
		assert.Equal(t, "ref-1", res.RefundID)

		stored, err := repo.GetPayment(context.Background(), "pay-1")
		require.NoError(t, err)
		assert.Equal(t, gateway.StatusRefunded, stored.Status)
	})

	t.Run("PartialRefundStaysCompleted", func(t *testing.T) {
		fake := &fakeGateway{
			name: "fakepay",
			refundResult: &gateway.RefundResult{
				RefundID: "ref-2",
				Status:   gateway.StatusRefunded,
				Amount:   money.Money{AmountMinor: 2000, Currency: "USD"},
			},
		}
		svc, repo := newTestService(fake)
		seedPayment(t, repo, gateway.StatusCompleted)

		partial := money.Money{AmountMinor: 2000, Currency: "USD"}
		_, err := svc.Refund(context.Background(), "pay-1", &partial, "")
		require.NoError(t, err)

		stored, err := repo.GetPayment(context.Background(), "pay-1")
		require.NoError(t, err)
		assert.Equal(t, gateway.StatusCompleted, stored.Status)
	})
}

func TestService_HandleWebhook(t *testing.T) {
	completedEvent := &gateway.WebhookEvent{
		Provider:         "fakepay",
		EventID:          "evt-1",
		EventType:        "payment.updated",
		GatewayPaymentID: "gw-1",
		Status:           gateway.StatusCompleted,
		Raw:              json.RawMessage(`{}`),
	}

	t.Run("Applied", func(t *testing.T) {
		fake := &fakeGateway{name: "fakepay", signatureOK: true, event: completedEvent}
		svc, repo := newTestService(fake)
		seedPayment(t, repo, gateway.StatusProcessing)

		outcome, err := svc.HandleWebhook(context.Background(), "fakepay", []byte(`{}`), nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)

		stored, err := repo.GetPayment(context.Background(), "pay-1")
		require.NoError(t, err)
		assert.Equal(t, gateway.StatusCompleted, stored.Status)
		assert.NotNil(t, stored.CompletedAt)
		assert.True(t, repo.done[1])
	})

	t.Run("ReplayIsDuplicate", func(t *testing.T) {
		fake := &fakeGateway{name: "fakepay", signatureOK: true, event: completedEvent}
		svc, repo := newTestService(fake)
		seedPayment(t, repo, gateway.StatusProcessing)

		outcome, err := svc.HandleWebhook(context.Background(), "fakepay", []byte(`{}`), nil)
		require.NoError(t, err)
		require.Equal(t, OutcomeApplied, outcome)

		outcome, err = svc.HandleWebhook(context.Background(), "fakepay", []byte(`{}`), nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)

		// Still exactly one applied state, no double processing.
		stored, err := repo.GetPayment(context.Background(), "pay-1")
		require.NoError(t, err)
		assert.Equal(t, gateway.StatusCompleted, stored.Status)
	})

	t.Run("InvalidSignature", func(t *testing.T) {
		fake := &fakeGateway{name: "fakepay", signatureOK: false}
		svc, repo := newTestService(fake)
		seedPayment(t, repo, gateway.StatusProcessing)

		outcome, err := svc.HandleWebhook(context.Background(), "fakepay", []byte(`{}`), nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeInvalidSignature, outcome)

		stored, err := repo.GetPayment(context.Background(), "pay-1")
		require.NoError(t, err)
		assert.Equal(t, gateway.StatusProcessing, stored.Status)
	})

	t.Run("IgnoredEventType", func(t *testing.T) {
		fake := &fakeGateway{name: "fakepay", signatureOK: true, event: nil}
		svc, _ := newTestService(fake)

		outcome, err := svc.HandleWebhook(context.Background(), "fakepay", []byte(`{}`), nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, outcome)
	})

	t.Run("UnknownPaymentDropped", func(t *testing.T) {
		fake := &fakeGateway{name: "fakepay", signatureOK: true, event: completedEvent}
		svc, repo := newTestService(fake)

		outcome, err := svc.HandleWebhook(context.Background(), "fakepay", []byte(`{}`), nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDropped, outcome)
		assert.Equal(t, "unknown payment", repo.failed[1])
	})

	t.Run("InvalidTransitionDropped", func(t *testing.T) {
		fake := &fakeGateway{name: "fakepay", signatureOK: true, event: completedEvent}
		svc, repo := newTestService(fake)
		seedPayment(t, repo, gateway.StatusFailed)

		outcome, err := svc.HandleWebhook(context.Background(), "fakepay", []byte(`{}`), nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDropped, outcome)

		stored, err := repo.GetPayment(context.Background(), "pay-1")
		require.NoError(t, err)
		assert.Equal(t, gateway.StatusFailed, stored.Status)
		assert.NotEmpty(t, repo.failed[1])
	})

	t.Run("BadPayload", func(t *testing.T) {
		fake := &fakeGateway{name: "fakepay", signatureOK: true, eventErr: assert.AnError}
		svc, _ := newTestService(fake)

		outcome, err := svc.HandleWebhook(context.Background(), "fakepay", []byte(`garbage`), nil)
		assert.Equal(t, OutcomeError, outcome)
		assert.ErrorIs(t, err, ErrBadPayload)
	})

	t.Run("LookupNetworkError", func(t *testing.T) {
		fake := &fakeGateway{
			name:        "fakepay",
			signatureOK: true,
			eventErr:    &gateway.NetworkError{Provider: "fakepay", Err: assert.AnError},
		}
		svc, _ := newTestService(fake)

		outcome, err := svc.HandleWebhook(context.Background(), "fakepay", []byte(`{}`), nil)
		assert.Equal(t, OutcomeError, outcome)
		assert.NotErrorIs(t, err, ErrBadPayload)
		var netErr *gateway.NetworkError
		assert.ErrorAs(t, err, &netErr)
	})

	t.Run("ConcurrentDistinctEventsSerialize", func(t *testing.T) {
		fake := &fakeGateway{
			name:        "fakepay",
			signatureOK: true,
			eventQueue: []*gateway.WebhookEvent{
				{Provider: "fakepay", EventID: "evt-a", GatewayPaymentID: "gw-1", Status: gateway.StatusProcessing, Raw: json.RawMessage(`{}`)},
				{Provider: "fakepay", EventID: "evt-b", GatewayPaymentID: "gw-1", Status: gateway.StatusCompleted, Raw: json.RawMessage(`{}`)},
			},
		}
		svc, repo := newTestService(fake)
		seedPayment(t, repo, gateway.StatusPending)

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = svc.HandleWebhook(context.Background(), "fakepay", []byte(`{}`), nil)
			}()
		}
		wg.Wait()

		// Whatever the interleaving, the payment must land in a state the
		// transition table allows and never regress from terminal.
		stored, err := repo.GetPayment(context.Background(), "pay-1")
		require.NoError(t, err)
		assert.Contains(t, []gateway.Status{gateway.StatusProcessing, gateway.StatusCompleted}, stored.Status)
	})
}

func TestService_StatusSyncsRemoteState(t *testing.T) {
	fake := &fakeGateway{
		name:         "fakepay",
		statusResult: &gateway.StatusResult{Status: gateway.StatusCompleted, RawStatus: "approved"},
	}
	svc, repo := newTestService(fake)
	seedPayment(t, repo, gateway.StatusProcessing)

	status, err := svc.Status(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusCompleted, status)

	stored, err := repo.GetPayment(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusCompleted, stored.Status)
}

func TestService_StatusDropsForbiddenRegression(t *testing.T) {
	// A provider snapshot can lag; a completed payment must never move back.
	fake := &fakeGateway{
		name:         "fakepay",
		statusResult: &gateway.StatusResult{Status: gateway.StatusPending, RawStatus: "created"},
	}
	svc, repo := newTestService(fake)
	seedPayment(t, repo, gateway.StatusCompleted)

	status, err := svc.Status(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusCompleted, status)
}

func TestService_Confirm(t *testing.T) {
	fake := &fakeGateway{
		name:         "fakepay",
		statusResult: &gateway.StatusResult{Status: gateway.StatusCompleted, RawStatus: "succeeded"},
	}
	svc, repo := newTestService(fake)
	seedPayment(t, repo, gateway.StatusPending)

	status, err := svc.Confirm(context.Background(), "pay-1", map[string]string{"payment_method": "pm_card"})
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusCompleted, status)

	stored, err := repo.GetPayment(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.NotNil(t, stored.CompletedAt)
}

func TestService_GetByOrder(t *testing.T) {
	fake := &fakeGateway{name: "fakepay"}
	svc, repo := newTestService(fake)
	seedPayment(t, repo, gateway.StatusPending)

	p, err := svc.GetByOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "pay-1", p.ID)

	_, err = svc.GetByOrder(context.Background(), "ord-missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}
