// Package orders drives the purchase lifecycle: price a plan, collect the
// payment through a gateway, provision the server on the panel, and record
// the result. Every external step is resumable from persisted state, so a
// crashed process or a lost redirect never double-charges or double-builds.
package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"nebulapanel-backend/internal/affiliate"
	"nebulapanel-backend/internal/currency"
	apperrors "nebulapanel-backend/internal/errors"
	"nebulapanel-backend/internal/gateway"
	"nebulapanel-backend/internal/metrics"
	"nebulapanel-backend/internal/models"
	"nebulapanel-backend/internal/notify"
	"nebulapanel-backend/internal/pricing"
	"nebulapanel-backend/internal/pterodactyl"
	"nebulapanel-backend/internal/settings"
	"nebulapanel-backend/pkg/utils"
)

// PanelClient is the slice of the panel API the orchestrator needs.
type PanelClient interface {
	EnsureUser(ctx context.Context, email, firstName string) (uint, error)
	CreateServer(ctx context.Context, spec pterodactyl.ServerSpec) (*pterodactyl.CreatedServer, error)
	Suspend(ctx context.Context, serverID uint) error
	Unsuspend(ctx context.Context, serverID uint) error
	Delete(ctx context.Context, serverID uint) error
}

// Orchestrator owns the order state machine.
type Orchestrator struct {
	db         *gorm.DB
	settings   *settings.Store
	converter  *currency.Converter
	gateways   *gateway.Registry
	panel      PanelClient
	affiliates *affiliate.Engine
	notifier   notify.Notifier
}

func NewOrchestrator(db *gorm.DB, store *settings.Store, conv *currency.Converter, reg *gateway.Registry, panel PanelClient, aff *affiliate.Engine, notifier notify.Notifier) *Orchestrator {
	return &Orchestrator{
		db:         db,
		settings:   store,
		converter:  conv,
		gateways:   reg,
		panel:      panel,
		affiliates: aff,
		notifier:   notifier,
	}
}

// CheckoutRequest is a buyer's purchase submission.
type CheckoutRequest struct {
	PlanID     uint              `json:"plan_id" binding:"required"`
	LocationID uint              `json:"location_id" binding:"required"`
	Gateway    string            `json:"gateway" binding:"required"`
	ServerName string            `json:"server_name" binding:"required,min=3,max=48"`
	EggID      uint              `json:"egg_id"`  // only honored when the plan allows egg choice
	NestID     uint              `json:"nest_id"` // ditto
	Env        map[string]string `json:"env"`
	CouponCode string            `json:"coupon_code"`
	Currency   string            `json:"currency"`
}

// CheckoutResult is what StartCheckout hands back: either a finished order
// (immediate gateways) or a redirect the buyer must follow.
type CheckoutResult struct {
	OrderID     string               `json:"order_id"`
	Status      string               `json:"status"` // provisioned | redirect
	RedirectURL string               `json:"redirect_url,omitempty"`
	Server      *models.ActiveServer `json:"server,omitempty"`
	Invoice     *models.Invoice      `json:"invoice,omitempty"`
}

// PriceQuote is the buyer-visible price breakdown for a checkout preview.
type PriceQuote struct {
	Currency       string  `json:"currency"`
	CurrencySymbol string  `json:"currency_symbol"`
	Subtotal       float64 `json:"subtotal"`
	Discount       float64 `json:"discount"`
	TaxRate        float64 `json:"tax_rate"`
	TaxAmount      float64 `json:"tax_amount"`
	Total          float64 `json:"total"`
	TotalUSD       float64 `json:"total_usd"`
}

type pricedOrder struct {
	plan     models.Plan
	location models.Location
	coupon   *models.Coupon
	currency string
	rate     float64
	quote    pricing.QuoteResult
	taxRate  float64
}

// Price computes the charge for a plan+location+coupon combination in the
// user's display currency. Pure read; nothing is reserved.
func (o *Orchestrator) Price(user *models.User, planID, locationID uint, couponCode, currencyCode string) (*PriceQuote, error) {
	po, err := o.price(user, planID, locationID, couponCode, currencyCode)
	if err != nil {
		return nil, err
	}
	return &PriceQuote{
		Currency:       po.currency,
		CurrencySymbol: o.converter.Symbol(po.currency),
		Subtotal:       pricing.Round2(po.quote.Subtotal),
		Discount:       pricing.Round2(po.quote.Discount),
		TaxRate:        po.taxRate,
		TaxAmount:      pricing.Round2(po.quote.TaxAmount),
		Total:          po.quote.FinalPrice,
		TotalUSD:       po.quote.PriceUSD,
	}, nil
}

func (o *Orchestrator) price(user *models.User, planID, locationID uint, couponCode, currencyCode string) (*pricedOrder, error) {
	var plan models.Plan
	if err := o.db.First(&plan, planID).Error; err != nil {
		return nil, apperrors.New("PLAN_NOT_FOUND", "Plan not found")
	}
	if !plan.Visible || plan.OutOfStock {
		return nil, apperrors.New("PLAN_UNAVAILABLE", "Plan is not available for purchase")
	}

	var loc models.Location
	if err := o.db.First(&loc, locationID).Error; err != nil {
		return nil, apperrors.New("LOCATION_NOT_FOUND", "Location not found")
	}
	if !loc.Public || loc.SoldOut {
		return nil, apperrors.New("LOCATION_UNAVAILABLE", "Location is not available")
	}

	code := strings.ToUpper(strings.TrimSpace(currencyCode))
	if code == "" {
		code = user.PreferredCurrency
	}
	if code == "" {
		code = "USD"
	}

	price, rate, _, err := o.converter.Resolve(&plan, code)
	if err != nil {
		return nil, apperrors.Wrap(err, "CURRENCY_UNAVAILABLE", "Currency is not supported")
	}

	var coupon *models.Coupon
	discount := 0.0
	if couponCode != "" {
		coupon, err = o.validateCoupon(couponCode)
		if err != nil {
			return nil, err
		}
		discount = coupon.Percent
	}

	taxRate := o.settings.GetFloat("tax_rate", 0)
	quote := pricing.Quote(pricing.QuoteInput{
		CurrencyPrice:   price,
		CurrencyRate:    rate,
		Multiplier:      loc.Multiplier,
		DiscountPercent: discount,
		TaxPercent:      taxRate,
	})

	return &pricedOrder{
		plan:     plan,
		location: loc,
		coupon:   coupon,
		currency: code,
		rate:     rate,
		quote:    quote,
		taxRate:  taxRate,
	}, nil
}

func (o *Orchestrator) validateCoupon(code string) (*models.Coupon, error) {
	var coupon models.Coupon
	err := o.db.Where("code = ? AND active = ?", strings.TrimSpace(code), true).First(&coupon).Error
	if err != nil {
		return nil, apperrors.ErrCouponInvalid
	}
	if coupon.MaxUses > 0 && coupon.Uses >= coupon.MaxUses {
		return nil, apperrors.ErrCouponInvalid
	}
	return &coupon, nil
}

// StartCheckout prices the order, starts payment collection, and for
// immediate gateways finishes provisioning in the same call. Redirect
// gateways park the order as a PendingPayment and hand back the gateway URL.
func (o *Orchestrator) StartCheckout(ctx context.Context, userID uint, req CheckoutRequest) (*CheckoutResult, error) {
	var user models.User
	if err := o.db.First(&user, userID).Error; err != nil {
		return nil, apperrors.ErrUnauthorized
	}

	po, err := o.price(&user, req.PlanID, req.LocationID, req.CouponCode, req.Currency)
	if err != nil {
		return nil, err
	}

	eggID, nestID := po.plan.EggID, po.plan.NestID
	if eggID == 0 {
		if req.EggID == 0 || req.NestID == 0 {
			return nil, apperrors.New("EGG_REQUIRED", "This plan requires choosing a server type")
		}
		eggID, nestID = req.EggID, req.NestID
	}

	gw, err := o.gateways.ForName(req.Gateway)
	if err != nil {
		return nil, apperrors.New("UNKNOWN_GATEWAY", "Unknown payment gateway")
	}
	if !gw.Configured() {
		return nil, apperrors.ErrGatewayNotConfigured
	}

	orderID := uuid.NewString()
	metrics.OrdersStarted.WithLabelValues(gw.Name()).Inc()

	init, err := gw.Initiate(ctx, gateway.OrderContext{
		OrderID:     orderID,
		UserID:      user.ID,
		Email:       user.Email,
		Amount:      po.quote.FinalPrice,
		AmountUSD:   po.quote.PriceUSD,
		Currency:    po.currency,
		Description: fmt.Sprintf("%s (%s)", po.plan.Name, po.location.Name),
		CallbackURL: o.callbackURL(),
	})
	if err != nil {
		metrics.OrdersFailed.WithLabelValues("payment").Inc()
		return nil, err
	}

	pending := models.PendingPayment{
		OrderID:      orderID,
		Gateway:      gw.Name(),
		GatewayRef:   init.Reference,
		UserID:       user.ID,
		Type:         models.InvoicePurchase,
		PlanID:       po.plan.ID,
		LocationID:   po.location.ID,
		ServerName:   req.ServerName,
		EggID:        eggID,
		NestID:       nestID,
		EnvOverrides: req.Env,
		CouponCode:   req.CouponCode,
		FinalPrice:   po.quote.FinalPrice,
		PriceUSD:     po.quote.PriceUSD,
		CurrencyCode: po.currency,
		CurrencyRate: po.rate,
		Subtotal:     pricing.Round2(po.quote.Subtotal),
		TaxRate:      po.taxRate,
		TaxAmount:    pricing.Round2(po.quote.TaxAmount),
		Status:       models.PendingOpen,
	}
	if err := o.db.Create(&pending).Error; err != nil {
		return nil, fmt.Errorf("persist pending payment: %w", err)
	}

	if init.Mode == gateway.ModeRedirect {
		logrus.WithFields(logrus.Fields{
			"order_id": orderID,
			"gateway":  gw.Name(),
			"user_id":  user.ID,
		}).Info("Checkout redirected to gateway")
		return &CheckoutResult{
			OrderID:     orderID,
			Status:      "redirect",
			RedirectURL: init.RedirectURL,
		}, nil
	}

	// Immediate gateway (internal credit): payment is considered settled,
	// claim the order and finish it now.
	if err := o.claimPending(orderID); err != nil {
		return nil, err
	}
	server, invoice, err := o.finalizePurchase(ctx, &user, &pending)
	if err != nil {
		return nil, err
	}
	return &CheckoutResult{
		OrderID: orderID,
		Status:  "provisioned",
		Server:  server,
		Invoice: invoice,
	}, nil
}

func (o *Orchestrator) callbackURL() string {
	base := strings.TrimRight(o.settings.Get("app_url", "http://localhost:8080"), "/")
	return base + "/api/v1/orders/callback"
}

// claimPending flips a pending payment to completed exactly once. The
// conditional update is the idempotency barrier for gateway callbacks: a
// replayed or concurrent callback loses the race and becomes a no-op.
func (o *Orchestrator) claimPending(orderID string) error {
	res := o.db.Model(&models.PendingPayment{}).
		Where("order_id = ? AND status = ?", orderID, models.PendingOpen).
		Update("status", models.PendingCompleted)
	if res.Error != nil {
		return fmt.Errorf("claim order %s: %w", orderID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.New("ORDER_ALREADY_PROCESSED", "Order has already been processed")
	}
	return nil
}

// CallbackResult is the outcome of resuming an order from a gateway return.
type CallbackResult struct {
	OrderID string               `json:"order_id"`
	Status  string               `json:"status"` // provisioned | already_processed | not_settled | provision_failed
	Server  *models.ActiveServer `json:"server,omitempty"`
	Invoice *models.Invoice      `json:"invoice,omitempty"`
}

// HandleCallback resumes an order when the gateway sends the buyer back.
// Settlement is verified against the gateway using only the locally stored
// reference; nothing from the callback request besides the merchant order
// id is trusted.
func (o *Orchestrator) HandleCallback(ctx context.Context, orderID string) (*CallbackResult, error) {
	var pending models.PendingPayment
	if err := o.db.Where("order_id = ?", orderID).First(&pending).Error; err != nil {
		return nil, apperrors.New("ORDER_NOT_FOUND", "Unknown order")
	}
	if pending.Status != models.PendingOpen {
		return &CallbackResult{OrderID: orderID, Status: "already_processed"}, nil
	}

	gw, err := o.gateways.ForName(pending.Gateway)
	if err != nil {
		return nil, fmt.Errorf("order %s references unknown gateway %s", orderID, pending.Gateway)
	}

	conf, err := gw.Confirm(ctx, pending.GatewayRef)
	if err != nil {
		return nil, apperrors.Wrap(err, "GATEWAY_UNAVAILABLE", "Could not verify payment")
	}
	if !conf.Settled {
		metrics.OrdersFailed.WithLabelValues("payment").Inc()
		return &CallbackResult{OrderID: orderID, Status: "not_settled"}, nil
	}

	if err := o.claimPending(orderID); err != nil {
		// Lost the race against a concurrent callback for the same order.
		return &CallbackResult{OrderID: orderID, Status: "already_processed"}, nil
	}

	var user models.User
	if err := o.db.First(&user, pending.UserID).Error; err != nil {
		return nil, fmt.Errorf("order %s references missing user %d", orderID, pending.UserID)
	}

	if pending.Type == models.InvoiceRenewal {
		invoice, err := o.settleRenewal(ctx, &pending)
		if err != nil {
			return nil, err
		}
		return &CallbackResult{OrderID: orderID, Status: "provisioned", Invoice: invoice}, nil
	}

	server, invoice, err := o.finalizePurchase(ctx, &user, &pending)
	if err != nil {
		return &CallbackResult{OrderID: orderID, Status: "provision_failed", Server: server}, err
	}
	return &CallbackResult{OrderID: orderID, Status: "provisioned", Server: server, Invoice: invoice}, nil
}

// finalizePurchase runs the post-payment half of a purchase: panel account,
// server, balance debit for credit orders, coupon redemption, billing rows.
// The panel server is created before any money moves, so a provisioning
// failure leaves balances and coupons untouched.
func (o *Orchestrator) finalizePurchase(ctx context.Context, user *models.User, pending *models.PendingPayment) (*models.ActiveServer, *models.Invoice, error) {
	var plan models.Plan
	if err := o.db.First(&plan, pending.PlanID).Error; err != nil {
		return nil, nil, fmt.Errorf("order %s references missing plan %d", pending.OrderID, pending.PlanID)
	}
	var loc models.Location
	if err := o.db.First(&loc, pending.LocationID).Error; err != nil {
		return nil, nil, fmt.Errorf("order %s references missing location %d", pending.OrderID, pending.LocationID)
	}

	panelUserID, err := o.ensurePanelUser(ctx, user)
	if err != nil {
		return o.recordProvisionFailure(pending, "panel account could not be prepared: "+err.Error())
	}

	created, err := o.panel.CreateServer(ctx, pterodactyl.ServerSpec{
		Name:             pending.ServerName,
		PanelUserID:      panelUserID,
		NestID:           pending.NestID,
		EggID:            pending.EggID,
		PanelLocationID:  loc.PteroLocationID,
		Memory:           plan.Memory,
		Swap:             plan.Swap,
		Disk:             plan.Disk,
		IO:               plan.IO,
		CPU:              plan.CPU,
		Databases:        plan.Databases,
		Backups:          plan.Backups,
		ExtraAllocations: plan.Allocations,
		PlanEnv:          plan.EnvOverrides,
		UserEnv:          pending.EnvOverrides,
	})
	if err != nil {
		return o.recordProvisionFailure(pending, err.Error())
	}

	if pending.Gateway == "balance" {
		res := o.db.Model(&models.User{}).
			Where("id = ? AND balance >= ?", user.ID, pending.PriceUSD).
			Update("balance", gorm.Expr("balance - ?", pending.PriceUSD))
		if res.Error != nil || res.RowsAffected == 0 {
			// Funds moved between the checkout check and settlement. The
			// server must not stay up unpaid.
			if delErr := o.panel.Delete(ctx, created.ID); delErr != nil {
				logrus.WithError(delErr).Errorf("Failed to tear down server %d after debit failure", created.ID)
			}
			return o.recordProvisionFailure(pending, "account balance was no longer sufficient at settlement")
		}
	}

	o.redeemCoupon(pending)

	now := time.Now()
	server := models.ActiveServer{
		OrderID:         pending.OrderID,
		UserID:          user.ID,
		PlanID:          plan.ID,
		LocationID:      loc.ID,
		Name:            pending.ServerName,
		EggID:           pending.EggID,
		NestID:          pending.NestID,
		EnvOverrides:    pending.EnvOverrides,
		PteroServerID:   &created.ID,
		PteroIdentifier: created.Identifier,
		Status:          models.ServerActive,
		RenewalDate:     now.Add(plan.BillingInterval()),
	}
	if err := o.db.Create(&server).Error; err != nil {
		return nil, nil, fmt.Errorf("record server for order %s: %w", pending.OrderID, err)
	}

	invoice := models.Invoice{
		UserID:         user.ID,
		ServerID:       &server.ID,
		Status:         models.InvoicePaid,
		Type:           models.InvoicePurchase,
		AmountUSD:      pending.PriceUSD,
		CurrencyCode:   pending.CurrencyCode,
		CurrencyAmount: pending.FinalPrice,
		Subtotal:       pending.Subtotal,
		TaxRate:        pending.TaxRate,
		TaxAmount:      pending.TaxAmount,
		Gateway:        pending.Gateway,
		PaidAt:         &now,
	}
	if err := o.db.Create(&invoice).Error; err != nil {
		return &server, nil, fmt.Errorf("record invoice for order %s: %w", pending.OrderID, err)
	}

	o.affiliates.ProcessCommission(invoice.ID)
	metrics.OrdersCompleted.WithLabelValues(pending.Gateway).Inc()

	o.notifier.Notify(ctx, notify.Event{
		Title: "New server provisioned",
		Body:  fmt.Sprintf("%s bought %s in %s", user.Email, plan.Name, loc.Name),
		Level: "info",
		Fields: map[string]string{
			"order_id": pending.OrderID,
			"amount":   fmt.Sprintf("%.2f %s", pending.FinalPrice, pending.CurrencyCode),
		},
	})

	logrus.WithFields(logrus.Fields{
		"order_id":  pending.OrderID,
		"server_id": server.ID,
		"user_id":   user.ID,
	}).Info("Order completed")

	return &server, &invoice, nil
}

// recordProvisionFailure parks a paid-but-unprovisioned order: the failed
// server row keeps the full provisioning payload so support can retry
// without a new payment.
func (o *Orchestrator) recordProvisionFailure(pending *models.PendingPayment, reason string) (*models.ActiveServer, *models.Invoice, error) {
	server := models.ActiveServer{
		OrderID:       pending.OrderID,
		UserID:        pending.UserID,
		PlanID:        pending.PlanID,
		LocationID:    pending.LocationID,
		Name:          pending.ServerName,
		EggID:         pending.EggID,
		NestID:        pending.NestID,
		EnvOverrides:  pending.EnvOverrides,
		Status:        models.ServerFailed,
		FailureReason: reason,
	}
	if err := o.db.Create(&server).Error; err != nil {
		logrus.WithError(err).Errorf("Failed to record provisioning failure for order %s", pending.OrderID)
	}
	if err := o.db.Model(&models.PendingPayment{}).
		Where("order_id = ?", pending.OrderID).
		Update("status", models.PendingProvisionFailed).Error; err != nil {
		logrus.WithError(err).Errorf("Failed to flag order %s as provision-failed", pending.OrderID)
	}

	metrics.OrdersFailed.WithLabelValues("provision").Inc()
	utils.CaptureSentryError(nil, apperrors.ErrProvisionFailed, reason, map[string]interface{}{
		"order_id": pending.OrderID,
		"user_id":  pending.UserID,
	})
	o.notifier.Notify(context.Background(), notify.Event{
		Title:  "Provisioning failed",
		Body:   reason,
		Level:  "error",
		Fields: map[string]string{"order_id": pending.OrderID},
	})

	return &server, nil, apperrors.Wrap(fmt.Errorf("%s", reason), "PROVISION_FAILED", "Server could not be provisioned")
}

// redeemCoupon burns one use. The guard in the WHERE clause makes exhaustion
// under concurrency impossible; losing the race after the price was already
// honored is logged, not refunded.
func (o *Orchestrator) redeemCoupon(pending *models.PendingPayment) {
	if pending.CouponCode == "" {
		return
	}
	res := o.db.Model(&models.Coupon{}).
		Where("code = ? AND active = ? AND (max_uses = 0 OR uses < max_uses)",
			strings.TrimSpace(pending.CouponCode), true).
		Update("uses", gorm.Expr("uses + 1"))
	if res.Error != nil {
		logrus.WithError(res.Error).Warnf("Coupon redemption failed for order %s", pending.OrderID)
		return
	}
	if res.RowsAffected == 0 {
		logrus.Warnf("Coupon %s exhausted before order %s settled; discount honored", pending.CouponCode, pending.OrderID)
	}
}

func (o *Orchestrator) ensurePanelUser(ctx context.Context, user *models.User) (uint, error) {
	if user.PteroUserID != nil {
		return *user.PteroUserID, nil
	}
	panelID, err := o.panel.EnsureUser(ctx, user.Email, user.Name)
	if err != nil {
		return 0, err
	}
	if err := o.db.Model(&models.User{}).Where("id = ?", user.ID).Update("ptero_user_id", panelID).Error; err != nil {
		return 0, err
	}
	user.PteroUserID = &panelID
	return panelID, nil
}

// RetryProvision re-runs provisioning for a failed order. The payment is
// already settled (or, for credit orders, still undebited), so only the
// provisioning half runs again.
func (o *Orchestrator) RetryProvision(ctx context.Context, serverID uint) (*models.ActiveServer, error) {
	var server models.ActiveServer
	if err := o.db.First(&server, serverID).Error; err != nil {
		return nil, apperrors.New("SERVER_NOT_FOUND", "Server not found")
	}
	if server.Status != models.ServerFailed {
		return nil, apperrors.New("NOT_FAILED", "Server is not in a failed state")
	}

	var pending models.PendingPayment
	if err := o.db.Where("order_id = ?", server.OrderID).First(&pending).Error; err != nil {
		return nil, fmt.Errorf("failed server %d has no order record", serverID)
	}

	var user models.User
	if err := o.db.First(&user, server.UserID).Error; err != nil {
		return nil, fmt.Errorf("failed server %d references missing user %d", serverID, server.UserID)
	}

	// Re-arm the order, drop the failed row, and run the normal settlement
	// path so retry and first attempt share one code path.
	err := o.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.ActiveServer{}, server.ID).Error; err != nil {
			return err
		}
		return tx.Model(&models.PendingPayment{}).
			Where("order_id = ?", pending.OrderID).
			Update("status", models.PendingCompleted).Error
	})
	if err != nil {
		return nil, fmt.Errorf("re-arm order %s: %w", pending.OrderID, err)
	}

	retried, _, err := o.finalizePurchase(ctx, &user, &pending)
	if err != nil {
		return retried, err
	}
	logrus.WithField("order_id", pending.OrderID).Info("Provisioning retry succeeded")
	return retried, nil
}

// settleRenewal marks a renewal invoice paid and pushes the server's renewal
// date forward, unsuspending it when needed. The invoice state flip is
// conditional so a replayed callback cannot extend the term twice.
func (o *Orchestrator) settleRenewal(ctx context.Context, pending *models.PendingPayment) (*models.Invoice, error) {
	if pending.InvoiceID == nil {
		return nil, fmt.Errorf("renewal order %s has no invoice", pending.OrderID)
	}
	return o.SettleRenewalInvoice(ctx, *pending.InvoiceID, pending.Gateway)
}

// SettleRenewalInvoice settles one pending renewal invoice. Callers are the
// gateway callback path and the balance-paid renewal endpoint.
func (o *Orchestrator) SettleRenewalInvoice(ctx context.Context, invoiceID uint, gatewayName string) (*models.Invoice, error) {
	var invoice models.Invoice
	if err := o.db.First(&invoice, invoiceID).Error; err != nil {
		return nil, apperrors.New("INVOICE_NOT_FOUND", "Invoice not found")
	}

	now := time.Now()
	res := o.db.Model(&models.Invoice{}).
		Where("id = ? AND status = ?", invoiceID, models.InvoicePending).
		Updates(map[string]interface{}{
			"status":  models.InvoicePaid,
			"paid_at": now,
			"gateway": gatewayName,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return &invoice, apperrors.New("INVOICE_ALREADY_PAID", "Invoice is already settled")
	}

	if invoice.ServerID != nil {
		var server models.ActiveServer
		if err := o.db.Preload("Plan").First(&server, *invoice.ServerID).Error; err == nil {
			// Extend from the current renewal date so paying early never
			// shortens the term; heavily overdue servers restart from now.
			base := server.RenewalDate
			if base.Before(now) {
				base = now
			}
			updates := map[string]interface{}{
				"renewal_date": base.Add(server.Plan.BillingInterval()),
			}
			if server.Status == models.ServerSuspended {
				if server.PteroServerID != nil {
					if err := o.panel.Unsuspend(ctx, *server.PteroServerID); err != nil {
						logrus.WithError(err).Errorf("Failed to unsuspend server %d after renewal", server.ID)
					}
				}
				updates["status"] = models.ServerActive
				updates["suspended_at"] = nil
			}
			if err := o.db.Model(&models.ActiveServer{}).Where("id = ?", server.ID).Updates(updates).Error; err != nil {
				logrus.WithError(err).Errorf("Failed to push renewal date for server %d", server.ID)
			}
		}
	}

	// Renewal revenue earns commission the same as the first purchase.
	o.affiliates.ProcessCommission(invoiceID)

	metrics.RenewalsPaid.Inc()
	logrus.WithFields(logrus.Fields{
		"invoice_id": invoiceID,
		"gateway":    gatewayName,
	}).Info("Renewal invoice settled")

	if err := o.db.First(&invoice, invoiceID).Error; err != nil {
		return nil, err
	}
	return &invoice, nil
}
