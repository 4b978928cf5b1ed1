// Package gateway abstracts payment collection behind a single capability
// interface. One variant settles immediately against internal credit; the
// external variants park the user on a gateway-hosted page and settle later
// through an unauthenticated callback keyed by our merchant order id.
package gateway

import (
	"context"
	"fmt"
	"strings"
)

// Initiate result modes.
const (
	ModeImmediate = "immediate"
	ModeRedirect  = "redirect"
)

// OrderContext is what a gateway needs to start collecting a payment.
// Amount is in Currency; AmountUSD is the canonical figure used for
// internal-credit accounting.
type OrderContext struct {
	OrderID     string // merchant order id, unique per attempt
	UserID      uint
	Email       string
	Amount      float64
	AmountUSD   float64
	Currency    string
	Description string
	CallbackURL string // where the gateway sends the user back
}

// InitiateResult is either an immediate settlement or a redirect target.
// Reference is the gateway-side id persisted alongside the merchant order id
// so Confirm never depends on gateway session state surviving the redirect.
type InitiateResult struct {
	Mode        string
	RedirectURL string
	Reference   string
}

// ConfirmResult reports whether a payment settled.
type ConfirmResult struct {
	Settled        bool
	AmountCaptured float64
	TransactionID  string
}

// Gateway is implemented once per payment backend.
type Gateway interface {
	Name() string
	// Configured reports whether the gateway has usable credentials. An
	// unconfigured gateway fails Initiate with ErrGatewayNotConfigured
	// rather than a decline.
	Configured() bool
	Initiate(ctx context.Context, order OrderContext) (*InitiateResult, error)
	Confirm(ctx context.Context, reference string) (*ConfirmResult, error)
}

// Registry dispatches gateway names from checkout requests to variants.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gws ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gws))}
	for _, gw := range gws {
		r.gateways[gw.Name()] = gw
	}
	return r
}

// ForName returns the gateway registered under name.
func (r *Registry) ForName(name string) (Gateway, error) {
	gw, ok := r.gateways[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown payment gateway %q", name)
	}
	return gw, nil
}

// Names lists registered gateways, for the checkout UI.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	return names
}
