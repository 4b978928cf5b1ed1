package gateway

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"

	apperrors "nebulapanel-backend/internal/errors"
	"nebulapanel-backend/internal/settings"
)

// StripeGateway collects payment through a Stripe Checkout session. The
// session id is the stored reference; confirmation re-fetches the session,
// so nothing beyond our merchant order id needs to survive the redirect.
type StripeGateway struct {
	settings *settings.Store
}

func NewStripeGateway(s *settings.Store) *StripeGateway {
	return &StripeGateway{settings: s}
}

func (g *StripeGateway) Name() string { return "stripe" }

func (g *StripeGateway) Configured() bool {
	if !g.settings.GetBool("stripe_enabled", false) {
		return false
	}
	return g.settings.Get("stripe_secret_key", "") != ""
}

func (g *StripeGateway) Initiate(ctx context.Context, order OrderContext) (*InitiateResult, error) {
	if !g.Configured() {
		return nil, apperrors.ErrGatewayNotConfigured
	}
	stripe.Key = g.settings.Get("stripe_secret_key", "")

	successURL := fmt.Sprintf("%s?order_id=%s", order.CallbackURL, url.QueryEscape(order.OrderID))
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(order.OrderID),
		CustomerEmail:     stripe.String(order.Email),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(successURL + "&cancelled=1"),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(order.Currency)),
					UnitAmount: stripe.Int64(int64(math.Round(order.Amount * 100))),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(order.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("create stripe checkout session: %w", err)
	}

	return &InitiateResult{
		Mode:        ModeRedirect,
		RedirectURL: sess.URL,
		Reference:   sess.ID,
	}, nil
}

func (g *StripeGateway) Confirm(ctx context.Context, reference string) (*ConfirmResult, error) {
	if !g.Configured() {
		return nil, apperrors.ErrGatewayNotConfigured
	}
	stripe.Key = g.settings.Get("stripe_secret_key", "")

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := session.Get(reference, params)
	if err != nil {
		return nil, fmt.Errorf("fetch stripe checkout session: %w", err)
	}

	return &ConfirmResult{
		Settled:        sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		AmountCaptured: float64(sess.AmountTotal) / 100,
		TransactionID:  sess.ID,
	}, nil
}
