package providers

import (
	"fmt"

	"github.com/angelmondragon/escrowpay-backend/pkg/config"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
)

// Registry resolves adapters by provider name. It is built once at startup.
type Registry struct {
	providers map[enums.PaymentProvider]Provider
	catalog   *config.Catalog
}

// NewRegistry indexes the adapters and validates them against the catalog.
func NewRegistry(catalog *config.Catalog, adapters ...Provider) (*Registry, error) {
	if catalog == nil {
		return nil, fmt.Errorf("provider catalog is required")
	}
	reg := &Registry{
		providers: make(map[enums.PaymentProvider]Provider, len(adapters)),
		catalog:   catalog,
	}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		name := adapter.Name()
		if !name.IsValid() {
			return nil, fmt.Errorf("adapter reports invalid provider %q", name)
		}
		if _, dup := reg.providers[name]; dup {
			return nil, fmt.Errorf("provider %s registered twice", name)
		}
		if _, ok := catalog.Providers[string(name)]; !ok {
			return nil, fmt.Errorf("provider %s missing from catalog", name)
		}
		reg.providers[name] = adapter
	}
	return reg, nil
}

// Get returns the adapter for provider or a validation error when it is not enabled.
func (r *Registry) Get(provider enums.PaymentProvider) (Provider, error) {
	adapter, ok := r.providers[provider]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment provider not enabled").
			WithDetails(map[string]any{"provider": provider})
	}
	return adapter, nil
}

// Transferer returns the payout capability of provider when it has one.
func (r *Registry) Transferer(provider enums.PaymentProvider) (Transferer, bool) {
	adapter, ok := r.providers[provider]
	if !ok {
		return nil, false
	}
	if !r.catalog.SupportsTransfers(string(provider)) {
		return nil, false
	}
	t, ok := adapter.(Transferer)
	return t, ok
}

// Supports reports whether provider is enabled and accepts currency.
func (r *Registry) Supports(provider enums.PaymentProvider, currency string) bool {
	if _, ok := r.providers[provider]; !ok {
		return false
	}
	return r.catalog.Supports(string(provider), currency)
}

// Catalog exposes the currency catalog the registry was built with.
func (r *Registry) Catalog() *config.Catalog {
	return r.catalog
}

// Enabled lists the registered providers.
func (r *Registry) Enabled() []enums.PaymentProvider {
	out := make([]enums.PaymentProvider, 0, len(r.providers))
	for _, p := range enums.PaymentProviders() {
		if _, ok := r.providers[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
