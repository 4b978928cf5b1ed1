package orders

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"nebulapanel-backend/internal/affiliate"
	"nebulapanel-backend/internal/currency"
	apperrors "nebulapanel-backend/internal/errors"
	"nebulapanel-backend/internal/gateway"
	"nebulapanel-backend/internal/models"
	"nebulapanel-backend/internal/notify"
	"nebulapanel-backend/internal/pterodactyl"
	"nebulapanel-backend/internal/settings"
)

// fakePanel implements PanelClient without a network.
type fakePanel struct {
	createErr   error
	nextID      uint
	created     []pterodactyl.ServerSpec
	deleted     []uint
	suspended   []uint
	unsuspended []uint
	users       map[string]uint
}

func newFakePanel() *fakePanel {
	return &fakePanel{nextID: 100, users: map[string]uint{}}
}

func (p *fakePanel) EnsureUser(_ context.Context, email, _ string) (uint, error) {
	if id, ok := p.users[email]; ok {
		return id, nil
	}
	id := uint(len(p.users) + 1)
	p.users[email] = id
	return id, nil
}

func (p *fakePanel) CreateServer(_ context.Context, spec pterodactyl.ServerSpec) (*pterodactyl.CreatedServer, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.nextID++
	p.created = append(p.created, spec)
	return &pterodactyl.CreatedServer{ID: p.nextID, Identifier: fmt.Sprintf("srv%d", p.nextID)}, nil
}

func (p *fakePanel) Suspend(_ context.Context, id uint) error {
	p.suspended = append(p.suspended, id)
	return nil
}

func (p *fakePanel) Unsuspend(_ context.Context, id uint) error {
	p.unsuspended = append(p.unsuspended, id)
	return nil
}

func (p *fakePanel) Delete(_ context.Context, id uint) error {
	p.deleted = append(p.deleted, id)
	return nil
}

// fakeRedirectGateway is a redirect gateway whose settlement outcome the
// test controls.
type fakeRedirectGateway struct {
	settled   bool
	lastOrder gateway.OrderContext
	confirms  int
}

func (g *fakeRedirectGateway) Name() string     { return "fakepay" }
func (g *fakeRedirectGateway) Configured() bool { return true }

func (g *fakeRedirectGateway) Initiate(_ context.Context, order gateway.OrderContext) (*gateway.InitiateResult, error) {
	g.lastOrder = order
	return &gateway.InitiateResult{
		Mode:        gateway.ModeRedirect,
		RedirectURL: "https://pay.example.com/" + order.OrderID,
		Reference:   "ref-" + order.OrderID,
	}, nil
}

func (g *fakeRedirectGateway) Confirm(_ context.Context, _ string) (*gateway.ConfirmResult, error) {
	g.confirms++
	return &gateway.ConfirmResult{Settled: g.settled, AmountCaptured: g.lastOrder.Amount}, nil
}

type testEnv struct {
	db      *gorm.DB
	orch    *Orchestrator
	panel   *fakePanel
	fakepay *fakeRedirectGateway
	store   *settings.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.Setting{}, &models.Plan{}, &models.Location{},
		&models.Coupon{}, &models.ActiveServer{}, &models.Invoice{},
		&models.PendingPayment{}, &models.Affiliate{}, &models.Referral{},
	))

	store := settings.NewStore(db, nil)
	panel := newFakePanel()
	fakepay := &fakeRedirectGateway{settled: true}
	reg := gateway.NewRegistry(gateway.NewBalanceGateway(db), fakepay)
	orch := NewOrchestrator(db, store, currency.NewConverter(store), reg, panel,
		affiliate.NewEngine(db, store), notify.LogNotifier{})

	return &testEnv{db: db, orch: orch, panel: panel, fakepay: fakepay, store: store}
}

func (e *testEnv) seed(t *testing.T) (models.User, models.Plan, models.Location) {
	t.Helper()
	user := models.User{Email: "buyer@example.com", Name: "Buyer", Balance: 50, PreferredCurrency: "USD"}
	require.NoError(t, e.db.Create(&user).Error)
	plan := models.Plan{
		Name: "Iron", PriceUSD: 30, Memory: 4096, Disk: 10240, CPU: 200,
		Allocations: 1, EggID: 5, NestID: 1, BillingPeriod: "monthly", Visible: true,
		EnvOverrides: models.EnvMap{"MC_VERSION": "1.20.4"},
	}
	require.NoError(t, e.db.Create(&plan).Error)
	loc := models.Location{Name: "Frankfurt", PteroLocationID: 3, Multiplier: 1, Public: true}
	require.NoError(t, e.db.Create(&loc).Error)
	return user, plan, loc
}

func TestCheckoutWithBalanceProvisionsAndDebits(t *testing.T) {
	env := newTestEnv(t)
	user, plan, loc := env.seed(t)

	result, err := env.orch.StartCheckout(context.Background(), user.ID, CheckoutRequest{
		PlanID: plan.ID, LocationID: loc.ID, Gateway: "balance",
		ServerName: "my-server", Env: map[string]string{"SERVER_JARFILE": "paper.jar"},
	})
	require.NoError(t, err)
	assert.Equal(t, "provisioned", result.Status)
	require.NotNil(t, result.Server)
	require.NotNil(t, result.Invoice)

	var got models.User
	require.NoError(t, env.db.First(&got, user.ID).Error)
	assert.InDelta(t, 20.0, got.Balance, 0.001, "balance debited only after provisioning")
	assert.NotNil(t, got.PteroUserID)

	assert.Equal(t, models.ServerActive, result.Server.Status)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), result.Server.RenewalDate, time.Minute)

	assert.Equal(t, models.InvoicePaid, result.Invoice.Status)
	assert.Equal(t, models.InvoicePurchase, result.Invoice.Type)
	assert.InDelta(t, 30.0, result.Invoice.AmountUSD, 0.001)
	assert.Equal(t, "balance", result.Invoice.Gateway)

	require.Len(t, env.panel.created, 1)
	spec := env.panel.created[0]
	assert.Equal(t, uint(3), spec.PanelLocationID)
	assert.Equal(t, "1.20.4", spec.PlanEnv["MC_VERSION"])
	assert.Equal(t, "paper.jar", spec.UserEnv["SERVER_JARFILE"])
	assert.Equal(t, 1, spec.ExtraAllocations)
}

func TestCheckoutInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	user, plan, loc := env.seed(t)
	require.NoError(t, env.db.Model(&models.User{}).Where("id = ?", user.ID).Update("balance", 10).Error)

	_, err := env.orch.StartCheckout(context.Background(), user.ID, CheckoutRequest{
		PlanID: plan.ID, LocationID: loc.ID, Gateway: "balance", ServerName: "my-server",
	})
	require.ErrorIs(t, err, apperrors.ErrInsufficientFunds)

	var pendings int64
	env.db.Model(&models.PendingPayment{}).Count(&pendings)
	assert.Zero(t, pendings, "nothing persisted when payment never starts")
	assert.Empty(t, env.panel.created)
}

func TestProvisionFailureLeavesMoneyUntouched(t *testing.T) {
	env := newTestEnv(t)
	user, plan, loc := env.seed(t)
	env.panel.createErr = errors.New("no allocations available on node")

	_, err := env.orch.StartCheckout(context.Background(), user.ID, CheckoutRequest{
		PlanID: plan.ID, LocationID: loc.ID, Gateway: "balance", ServerName: "my-server",
	})
	require.Error(t, err)

	var got models.User
	require.NoError(t, env.db.First(&got, user.ID).Error)
	assert.InDelta(t, 50.0, got.Balance, 0.001, "no debit on provisioning failure")

	var invoices int64
	env.db.Model(&models.Invoice{}).Count(&invoices)
	assert.Zero(t, invoices)

	var failed models.ActiveServer
	require.NoError(t, env.db.Where("user_id = ?", user.ID).First(&failed).Error)
	assert.Equal(t, models.ServerFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "no allocations available")
	assert.Equal(t, plan.ID, failed.PlanID, "failed row keeps the payload for retry")

	var pending models.PendingPayment
	require.NoError(t, env.db.Where("user_id = ?", user.ID).First(&pending).Error)
	assert.Equal(t, models.PendingProvisionFailed, pending.Status)
}

func TestRetryProvisionAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	user, plan, loc := env.seed(t)
	env.panel.createErr = errors.New("node offline")

	_, err := env.orch.StartCheckout(context.Background(), user.ID, CheckoutRequest{
		PlanID: plan.ID, LocationID: loc.ID, Gateway: "balance", ServerName: "my-server",
	})
	require.Error(t, err)

	var failed models.ActiveServer
	require.NoError(t, env.db.Where("status = ?", models.ServerFailed).First(&failed).Error)

	env.panel.createErr = nil
	server, err := env.orch.RetryProvision(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ServerActive, server.Status)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), server.RenewalDate, time.Minute)

	var got models.User
	require.NoError(t, env.db.First(&got, user.ID).Error)
	assert.InDelta(t, 20.0, got.Balance, 0.001, "credit order debited on successful retry")

	var invoices int64
	env.db.Model(&models.Invoice{}).Count(&invoices)
	assert.EqualValues(t, 1, invoices)

	// Only one server row remains.
	var servers int64
	env.db.Model(&models.ActiveServer{}).Count(&servers)
	assert.EqualValues(t, 1, servers)
}

func TestRedirectCheckoutAndCallbackIdempotency(t *testing.T) {
	env := newTestEnv(t)
	user, plan, loc := env.seed(t)

	result, err := env.orch.StartCheckout(context.Background(), user.ID, CheckoutRequest{
		PlanID: plan.ID, LocationID: loc.ID, Gateway: "fakepay", ServerName: "my-server",
	})
	require.NoError(t, err)
	assert.Equal(t, "redirect", result.Status)
	assert.Contains(t, result.RedirectURL, result.OrderID)
	assert.Empty(t, env.panel.created, "nothing provisioned before settlement")

	cb, err := env.orch.HandleCallback(context.Background(), result.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "provisioned", cb.Status)
	require.NotNil(t, cb.Server)

	// Replayed callback is a no-op.
	again, err := env.orch.HandleCallback(context.Background(), result.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "already_processed", again.Status)

	var servers, invoices int64
	env.db.Model(&models.ActiveServer{}).Count(&servers)
	env.db.Model(&models.Invoice{}).Count(&invoices)
	assert.EqualValues(t, 1, servers)
	assert.EqualValues(t, 1, invoices)

	// Gateway money never touches internal credit.
	var got models.User
	require.NoError(t, env.db.First(&got, user.ID).Error)
	assert.InDelta(t, 50.0, got.Balance, 0.001)
}

func TestCallbackUnsettledKeepsOrderOpen(t *testing.T) {
	env := newTestEnv(t)
	user, plan, loc := env.seed(t)
	env.fakepay.settled = false

	result, err := env.orch.StartCheckout(context.Background(), user.ID, CheckoutRequest{
		PlanID: plan.ID, LocationID: loc.ID, Gateway: "fakepay", ServerName: "my-server",
	})
	require.NoError(t, err)

	cb, err := env.orch.HandleCallback(context.Background(), result.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "not_settled", cb.Status)

	// The buyer can complete payment later and return again.
	env.fakepay.settled = true
	cb, err = env.orch.HandleCallback(context.Background(), result.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "provisioned", cb.Status)
}

func TestCouponAppliedAndBurnedAtMostOnce(t *testing.T) {
	env := newTestEnv(t)
	user, plan, loc := env.seed(t)
	require.NoError(t, env.db.Create(&models.Coupon{Code: "LAUNCH20", Percent: 20, MaxUses: 1, Active: true}).Error)

	result, err := env.orch.StartCheckout(context.Background(), user.ID, CheckoutRequest{
		PlanID: plan.ID, LocationID: loc.ID, Gateway: "balance",
		ServerName: "my-server", CouponCode: "LAUNCH20",
	})
	require.NoError(t, err)
	assert.InDelta(t, 24.0, result.Invoice.AmountUSD, 0.001, "20% off 30")

	var coupon models.Coupon
	require.NoError(t, env.db.Where("code = ?", "LAUNCH20").First(&coupon).Error)
	assert.Equal(t, 1, coupon.Uses)

	// Exhausted coupon rejects the next checkout at pricing time.
	_, err = env.orch.StartCheckout(context.Background(), user.ID, CheckoutRequest{
		PlanID: plan.ID, LocationID: loc.ID, Gateway: "balance",
		ServerName: "other", CouponCode: "LAUNCH20",
	})
	require.ErrorIs(t, err, apperrors.ErrCouponInvalid)
}

func TestCheckoutPricesInDisplayCurrency(t *testing.T) {
	env := newTestEnv(t)
	user, plan, loc := env.seed(t)
	require.NoError(t, env.store.Set("currency_rate_inr", "83"))
	require.NoError(t, env.store.Set("tax_rate", "18"))
	require.NoError(t, env.db.Model(&models.Location{}).Where("id = ?", loc.ID).Update("multiplier", 1.2).Error)

	result, err := env.orch.StartCheckout(context.Background(), user.ID, CheckoutRequest{
		PlanID: plan.ID, LocationID: loc.ID, Gateway: "fakepay",
		ServerName: "my-server", Currency: "INR",
	})
	require.NoError(t, err)

	// 30 USD * 83 * 1.2 = 2988, +18% tax = 3525.84
	assert.Equal(t, "INR", env.fakepay.lastOrder.Currency)
	assert.InDelta(t, 3525.84, env.fakepay.lastOrder.Amount, 0.001)

	var pending models.PendingPayment
	require.NoError(t, env.db.Where("order_id = ?", result.OrderID).First(&pending).Error)
	assert.Equal(t, "INR", pending.CurrencyCode)
	assert.InDelta(t, 3525.84, pending.FinalPrice, 0.001)
	assert.InDelta(t, 42.48, pending.PriceUSD, 0.001)
}

func TestCommissionCreditedOnPurchase(t *testing.T) {
	env := newTestEnv(t)
	user, plan, loc := env.seed(t)

	aff := seedReferrer(t, env, user.ID, 10)

	_, err := env.orch.StartCheckout(context.Background(), user.ID, CheckoutRequest{
		PlanID: plan.ID, LocationID: loc.ID, Gateway: "balance", ServerName: "my-server",
	})
	require.NoError(t, err)

	var got models.Affiliate
	require.NoError(t, env.db.First(&got, aff.ID).Error)
	assert.InDelta(t, 3.0, got.Balance, 0.001)
}

// seedReferrer enrolls a fresh referrer and marks buyerID as referred by
// them, the way registration with a referral code does.
func seedReferrer(t *testing.T, env *testEnv, buyerID uint, ratePercent float64) *models.Affiliate {
	t.Helper()
	engine := affiliate.NewEngine(env.db, env.store)
	referrer := models.User{Email: "ref@example.com", Name: "Ref"}
	require.NoError(t, env.db.Create(&referrer).Error)
	aff, err := engine.Enroll(referrer.ID)
	require.NoError(t, err)
	require.NoError(t, env.db.Model(&models.Affiliate{}).Where("id = ?", aff.ID).Update("rate_percent", ratePercent).Error)
	require.NotNil(t, engine.RecordSignup(aff.Code, buyerID))
	require.NoError(t, env.db.Model(&models.User{}).Where("id = ?", buyerID).Update("referred_by", referrer.ID).Error)
	return aff
}

func TestRenewalSettlementCreditsCommission(t *testing.T) {
	env := newTestEnv(t)
	user, plan, loc := env.seed(t)
	aff := seedReferrer(t, env, user.ID, 10)

	renewal := time.Now().Add(72 * time.Hour)
	server := models.ActiveServer{
		UserID: user.ID, PlanID: plan.ID, LocationID: loc.ID, Name: "keeper",
		PteroIdentifier: "keeper", Status: models.ServerActive, RenewalDate: renewal,
	}
	require.NoError(t, env.db.Create(&server).Error)
	invoice := models.Invoice{
		UserID: user.ID, ServerID: &server.ID, Status: models.InvoicePending,
		Type: models.InvoiceRenewal, AmountUSD: 30, CurrencyCode: "USD", CurrencyAmount: 30,
	}
	require.NoError(t, env.db.Create(&invoice).Error)

	_, err := env.orch.SettleRenewalInvoice(context.Background(), invoice.ID, "balance")
	require.NoError(t, err)

	var got models.Affiliate
	require.NoError(t, env.db.First(&got, aff.ID).Error)
	assert.InDelta(t, 3.0, got.Balance, 0.001, "renewal revenue earns commission")
	assert.InDelta(t, 3.0, got.TotalEarned, 0.001)

	// The rejected double-settle credits nothing further.
	_, err = env.orch.SettleRenewalInvoice(context.Background(), invoice.ID, "balance")
	require.Error(t, err)
	require.NoError(t, env.db.First(&got, aff.ID).Error)
	assert.InDelta(t, 3.0, got.Balance, 0.001)
}

func TestSettleRenewalInvoiceUnsuspendsAndPushesDate(t *testing.T) {
	env := newTestEnv(t)
	user, plan, loc := env.seed(t)

	pteroID := uint(200)
	suspendedAt := time.Now().Add(-24 * time.Hour)
	due := time.Now().Add(-48 * time.Hour)
	server := models.ActiveServer{
		UserID: user.ID, PlanID: plan.ID, LocationID: loc.ID, Name: "old",
		PteroServerID: &pteroID, PteroIdentifier: "oldsrv",
		Status: models.ServerSuspended, SuspendedAt: &suspendedAt, RenewalDate: due,
	}
	require.NoError(t, env.db.Create(&server).Error)
	invoice := models.Invoice{
		UserID: user.ID, ServerID: &server.ID, Status: models.InvoicePending,
		Type: models.InvoiceRenewal, AmountUSD: 30, CurrencyCode: "USD", CurrencyAmount: 30,
	}
	require.NoError(t, env.db.Create(&invoice).Error)

	settled, err := env.orch.SettleRenewalInvoice(context.Background(), invoice.ID, "balance")
	require.NoError(t, err)
	assert.Equal(t, models.InvoicePaid, settled.Status)
	assert.NotNil(t, settled.PaidAt)

	var got models.ActiveServer
	require.NoError(t, env.db.First(&got, server.ID).Error)
	assert.Equal(t, models.ServerActive, got.Status)
	assert.Nil(t, got.SuspendedAt)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), got.RenewalDate, time.Minute,
		"overdue renewal restarts the term from now")
	assert.Equal(t, []uint{pteroID}, env.panel.unsuspended)

	// Settling again is rejected and changes nothing.
	_, err = env.orch.SettleRenewalInvoice(context.Background(), invoice.ID, "balance")
	require.Error(t, err)
	var after models.ActiveServer
	require.NoError(t, env.db.First(&after, server.ID).Error)
	assert.Equal(t, got.RenewalDate.Unix(), after.RenewalDate.Unix())
}
