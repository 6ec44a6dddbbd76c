// Package backend dispatches chat requests to vendor APIs. Each Caller
// speaks one wire protocol; the registry routes by the provider's vendor
// type.
package backend

import (
	"context"

	"github.com/medgate-ai/medgate"
)

// Caller sends one chat request to a vendor API. The credential arrives in
// plaintext; unsealing happens before dispatch.
type Caller interface {
	Vendor() medgate.VendorType
	Complete(ctx context.Context, provider *medgate.ProviderConfig, credential string, request *medgate.ChatRequest) (*medgate.ChatResponse, error)
}

// Registry maps vendor types to their callers.
type Registry struct {
	callers map[medgate.VendorType]Caller
}

func NewRegistry(callers ...Caller) *Registry {
	registry := &Registry{callers: make(map[medgate.VendorType]Caller)}
	for _, caller := range callers {
		registry.callers[caller.Vendor()] = caller
	}
	return registry
}

// For returns the caller for a vendor type. Unknown vendors cannot occur for
// validated providers, but the registry still reports them cleanly.
func (r *Registry) For(vendor medgate.VendorType) (Caller, error) {
	caller, exists := r.callers[vendor]
	if !exists {
		return nil, &medgate.ValidationError{Field: "vendor", Reason: "no backend registered for " + string(vendor)}
	}
	return caller, nil
}
