package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestResolveBucket(t *testing.T) {
	t.Run("WebhookBucketsPerProvider", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/payments/webhook/stripe", nil)
		limit, burst, key := resolveBucket(r)
		assert.Equal(t, limitStrict, limit)
		assert.Equal(t, burstStrict, burst)
		assert.Equal(t, "webhook:stripe", key)
	})

	t.Run("OtherPathsBucketPerIP", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.RemoteAddr = "10.0.0.7:52811"
		limit, burst, key := resolveBucket(r)
		assert.Equal(t, limitGeneral, limit)
		assert.Equal(t, burstGeneral, burst)
		assert.Equal(t, "ip:10.0.0.7", key)
	})
}

func TestRateLimitMiddleware_StrictTier(t *testing.T) {
	handler := RateLimitMiddleware(okHandler())

	var rejected int
	for i := 0; i < burstStrict+5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/payments/webhook/payu", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			rejected++
		}
	}
	assert.NotZero(t, rejected)
}

func TestRateLimitMiddleware_ProvidersDoNotShareBuckets(t *testing.T) {
	handler := RateLimitMiddleware(okHandler())

	// Exhaust one provider's bucket.
	for i := 0; i < burstStrict+5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/payments/webhook/wompi", nil)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	req := httptest.NewRequest(http.MethodPost, "/payments/webhook/mercadopago", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
