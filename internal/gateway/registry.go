package gateway

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds one adapter instance. The registry holds factories rather
// than instances so tests can swap in fakes per name.
type Factory func() Gateway

type registration struct {
	factory Factory
	enabled bool
}

// Registry maps provider names to adapter factories. Built once at process
// start from Settings; Register exists for extensions and tests.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry wires the five built-in providers from the given settings.
func NewRegistry(s Settings) *Registry {
	client := s.httpClient()

	r := &Registry{entries: make(map[string]registration)}
	r.Register(ProviderStripe, s.Stripe.Enabled, func() Gateway { return NewStripeGateway(s.Stripe, client) })
	r.Register(ProviderPayPal, s.PayPal.Enabled, func() Gateway { return NewPayPalGateway(s.PayPal, client) })
	r.Register(ProviderPayU, s.PayU.Enabled, func() Gateway { return NewPayUGateway(s.PayU, client) })
	r.Register(ProviderWompi, s.Wompi.Enabled, func() Gateway { return NewWompiGateway(s.Wompi, client) })
	r.Register(ProviderMercadoPago, s.MercadoPago.Enabled, func() Gateway { return NewMercadoPagoGateway(s.MercadoPago, client) })
	return r
}

func (r *Registry) Register(name string, enabled bool, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = registration{factory: f, enabled: enabled}
}

// Create returns a fresh adapter for the named provider.
func (r *Registry) Create(name string) (Gateway, error) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotSupported, name)
	}
	return entry.factory(), nil
}

// ListEnabled returns the names of providers that are both administratively
// enabled and fully configured, sorted for stable output.
func (r *Registry) ListEnabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name, entry := range r.entries {
		if !entry.enabled {
			continue
		}
		if !entry.factory().IsConfigured() {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
