package invoices

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"nebulapanel-backend/internal/affiliate"
	"nebulapanel-backend/internal/currency"
	"nebulapanel-backend/internal/database"
	"nebulapanel-backend/internal/gateway"
	"nebulapanel-backend/internal/models"
	"nebulapanel-backend/internal/notify"
	"nebulapanel-backend/internal/orders"
	"nebulapanel-backend/internal/pterodactyl"
	"nebulapanel-backend/internal/settings"
)

type noopPanel struct{}

func (noopPanel) EnsureUser(context.Context, string, string) (uint, error) { return 1, nil }
func (noopPanel) CreateServer(context.Context, pterodactyl.ServerSpec) (*pterodactyl.CreatedServer, error) {
	return &pterodactyl.CreatedServer{ID: 1, Identifier: "srv1"}, nil
}
func (noopPanel) Suspend(context.Context, uint) error   { return nil }
func (noopPanel) Unsuspend(context.Context, uint) error { return nil }
func (noopPanel) Delete(context.Context, uint) error    { return nil }

type fakeRedirect struct{}

func (fakeRedirect) Name() string     { return "fakepay" }
func (fakeRedirect) Configured() bool { return true }
func (fakeRedirect) Initiate(_ context.Context, order gateway.OrderContext) (*gateway.InitiateResult, error) {
	return &gateway.InitiateResult{
		Mode:        gateway.ModeRedirect,
		RedirectURL: "https://pay.example.com/" + order.OrderID,
		Reference:   "ref-" + order.OrderID,
	}, nil
}
func (fakeRedirect) Confirm(context.Context, string) (*gateway.ConfirmResult, error) {
	return &gateway.ConfirmResult{Settled: true}, nil
}

func setupRouter(t *testing.T, userID uint) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.Setting{}, &models.Plan{}, &models.Location{},
		&models.ActiveServer{}, &models.Invoice{}, &models.PendingPayment{},
		&models.Affiliate{}, &models.Referral{}, &models.Coupon{},
	))
	database.DB = db

	store := settings.NewStore(db, nil)
	reg := gateway.NewRegistry(gateway.NewBalanceGateway(db), fakeRedirect{})
	orch := orders.NewOrchestrator(db, store, currency.NewConverter(store), reg, noopPanel{},
		affiliate.NewEngine(db, store), notify.LogNotifier{})
	h := NewHandlers(orch, reg, store)

	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set("user_id", userID) })
	r.GET("/invoices", h.HandleListInvoices)
	r.GET("/invoices/:id", h.HandleGetInvoice)
	r.POST("/invoices/:id/pay", h.HandlePayInvoice)
	return r, db
}

func seedRenewal(t *testing.T, db *gorm.DB, balance float64) (models.User, models.Invoice) {
	t.Helper()
	user := models.User{Email: "u@example.com", Name: "U", Balance: balance}
	require.NoError(t, db.Create(&user).Error)
	plan := models.Plan{Name: "Iron", PriceUSD: 30, BillingPeriod: "monthly", Visible: true}
	require.NoError(t, db.Create(&plan).Error)
	loc := models.Location{Name: "FRA", Multiplier: 1, Public: true}
	require.NoError(t, db.Create(&loc).Error)
	server := models.ActiveServer{
		UserID: user.ID, PlanID: plan.ID, LocationID: loc.ID, Name: "srv",
		Status: models.ServerActive, RenewalDate: time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, db.Create(&server).Error)
	invoice := models.Invoice{
		UserID: user.ID, ServerID: &server.ID, Status: models.InvoicePending,
		Type: models.InvoiceRenewal, AmountUSD: 30, CurrencyCode: "USD", CurrencyAmount: 30,
	}
	require.NoError(t, db.Create(&invoice).Error)
	return user, invoice
}

func payRequest(r *gin.Engine, invoiceID uint, gatewayName string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(map[string]string{"gateway": gatewayName})
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/invoices/%d/pay", invoiceID), bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPayRenewalWithBalance(t *testing.T) {
	r, db := setupRouter(t, 1)
	user, invoice := seedRenewal(t, db, 50)

	w := payRequest(r, invoice.ID, "balance")
	assert.Equal(t, http.StatusOK, w.Code)

	var gotUser models.User
	require.NoError(t, db.First(&gotUser, user.ID).Error)
	assert.InDelta(t, 20.0, gotUser.Balance, 0.001)

	var gotInvoice models.Invoice
	require.NoError(t, db.First(&gotInvoice, invoice.ID).Error)
	assert.Equal(t, models.InvoicePaid, gotInvoice.Status)
	assert.Equal(t, "balance", gotInvoice.Gateway)

	var server models.ActiveServer
	require.NoError(t, db.First(&server, *invoice.ServerID).Error)
	assert.WithinDuration(t, time.Now().Add(31*24*time.Hour), server.RenewalDate, time.Minute,
		"term extends from the current renewal date")
}

func TestPayRenewalInsufficientBalance(t *testing.T) {
	r, db := setupRouter(t, 1)
	user, invoice := seedRenewal(t, db, 5)

	w := payRequest(r, invoice.ID, "balance")
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	var gotUser models.User
	require.NoError(t, db.First(&gotUser, user.ID).Error)
	assert.InDelta(t, 5.0, gotUser.Balance, 0.001, "no partial debit")

	var gotInvoice models.Invoice
	require.NoError(t, db.First(&gotInvoice, invoice.ID).Error)
	assert.Equal(t, models.InvoicePending, gotInvoice.Status)
}

func TestPayRenewalAlreadyPaid(t *testing.T) {
	r, db := setupRouter(t, 1)
	_, invoice := seedRenewal(t, db, 100)
	require.NoError(t, db.Model(&models.Invoice{}).Where("id = ?", invoice.ID).
		Update("status", models.InvoicePaid).Error)

	w := payRequest(r, invoice.ID, "balance")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPayRenewalViaGatewayCreatesPendingPayment(t *testing.T) {
	r, db := setupRouter(t, 1)
	_, invoice := seedRenewal(t, db, 0)

	w := payRequest(r, invoice.ID, "fakepay")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		OrderID     string `json:"order_id"`
		Status      string `json:"status"`
		RedirectURL string `json:"redirect_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "redirect", resp.Status)
	assert.Contains(t, resp.RedirectURL, resp.OrderID)

	var pending models.PendingPayment
	require.NoError(t, db.Where("order_id = ?", resp.OrderID).First(&pending).Error)
	assert.Equal(t, models.InvoiceRenewal, pending.Type)
	require.NotNil(t, pending.InvoiceID)
	assert.Equal(t, invoice.ID, *pending.InvoiceID)
	assert.Equal(t, models.PendingOpen, pending.Status)
}

func TestListInvoicesFiltersAndScopes(t *testing.T) {
	r, db := setupRouter(t, 1)
	_, invoice := seedRenewal(t, db, 0)

	other := models.User{Email: "other@example.com"}
	require.NoError(t, db.Create(&other).Error)
	require.NoError(t, db.Create(&models.Invoice{
		UserID: other.ID, Status: models.InvoicePending, Type: models.InvoiceRenewal, AmountUSD: 99,
	}).Error)

	req := httptest.NewRequest(http.MethodGet, "/invoices?status=pending", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Invoices []models.Invoice `json:"invoices"`
		Total    int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, invoice.ID, resp.Invoices[0].ID)
}
