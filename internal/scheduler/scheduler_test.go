package scheduler

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

	"nebulapanel-backend/internal/currency"
	"nebulapanel-backend/internal/models"
	"nebulapanel-backend/internal/notify"
	"nebulapanel-backend/internal/settings"
)

type fakePanelOps struct {
	suspendErr error
	deleteErr  map[uint]error
	suspended  []uint
	deleted    []uint
}

func (p *fakePanelOps) Suspend(_ context.Context, id uint) error {
	if p.suspendErr != nil {
		return p.suspendErr
	}
	p.suspended = append(p.suspended, id)
	return nil
}

func (p *fakePanelOps) Delete(_ context.Context, id uint) error {
	if err, ok := p.deleteErr[id]; ok {
		return err
	}
	p.deleted = append(p.deleted, id)
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *gorm.DB, *fakePanelOps, *settings.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.Setting{}, &models.Plan{}, &models.Location{},
		&models.ActiveServer{}, &models.Invoice{}, &models.RadarResult{},
	))

	store := settings.NewStore(db, nil)
	panel := &fakePanelOps{deleteErr: map[uint]error{}}
	sched := New(db, store, currency.NewConverter(store), panel, nil, notify.LogNotifier{})
	return sched, db, panel, store
}

func seedServer(t *testing.T, db *gorm.DB, status string, renewal time.Time) models.ActiveServer {
	t.Helper()
	user := models.User{Email: fmt.Sprintf("u%d@example.com", time.Now().UnixNano()), PreferredCurrency: "USD"}
	require.NoError(t, db.Create(&user).Error)
	plan := models.Plan{Name: fmt.Sprintf("plan-%d", time.Now().UnixNano()), PriceUSD: 30, BillingPeriod: "monthly", Visible: true}
	require.NoError(t, db.Create(&plan).Error)
	loc := models.Location{Name: "FRA", Multiplier: 1, Public: true}
	require.NoError(t, db.Create(&loc).Error)

	pteroID := uint(500 + plan.ID)
	server := models.ActiveServer{
		UserID: user.ID, PlanID: plan.ID, LocationID: loc.ID, Name: "srv",
		PteroServerID: &pteroID, PteroIdentifier: fmt.Sprintf("id%d", pteroID),
		Status: status, RenewalDate: renewal,
	}
	if status == models.ServerSuspended {
		at := time.Now().Add(-10 * 24 * time.Hour)
		server.SuspendedAt = &at
	}
	require.NoError(t, db.Create(&server).Error)
	return server
}

func TestGenerateRenewalInvoicesDedupes(t *testing.T) {
	sched, db, _, _ := newTestScheduler(t)
	server := seedServer(t, db, models.ServerActive, time.Now().Add(2*24*time.Hour))
	seedServer(t, db, models.ServerActive, time.Now().Add(20*24*time.Hour)) // outside lookahead

	issued, err := sched.GenerateRenewalInvoices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, issued)

	// Second run: the pending invoice suppresses a duplicate.
	issued, err = sched.GenerateRenewalInvoices(context.Background())
	require.NoError(t, err)
	assert.Zero(t, issued)

	var invoices []models.Invoice
	require.NoError(t, db.Where("server_id = ?", server.ID).Find(&invoices).Error)
	require.Len(t, invoices, 1)
	assert.Equal(t, models.InvoiceRenewal, invoices[0].Type)
	assert.Equal(t, models.InvoicePending, invoices[0].Status)
	assert.InDelta(t, 30.0, invoices[0].AmountUSD, 0.001)
	require.NotNil(t, invoices[0].DueDate)
	assert.WithinDuration(t, server.RenewalDate, *invoices[0].DueDate, time.Second)
}

type recordingNotifier struct {
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, e notify.Event) {
	r.events = append(r.events, e)
}

func TestGenerateRenewalInvoicesNotifiesUser(t *testing.T) {
	_, db, panel, store := newTestScheduler(t)
	rec := &recordingNotifier{}
	sched := New(db, store, currency.NewConverter(store), panel, nil, rec)

	server := seedServer(t, db, models.ServerActive, time.Now().Add(2*24*time.Hour))

	issued, err := sched.GenerateRenewalInvoices(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, issued)

	var user models.User
	require.NoError(t, db.First(&user, server.UserID).Error)
	require.Len(t, rec.events, 1)
	assert.Equal(t, "Renewal invoice issued", rec.events[0].Title)
	assert.Equal(t, user.Email, rec.events[0].Fields["user"])
	assert.Equal(t, "30.00 USD", rec.events[0].Fields["amount"])

	// The deduped re-run notifies nobody.
	_, err = sched.GenerateRenewalInvoices(context.Background())
	require.NoError(t, err)
	assert.Len(t, rec.events, 1)
}

func TestGenerateRenewalInvoicesAppliesTaxAndMultiplier(t *testing.T) {
	sched, db, _, store := newTestScheduler(t)
	require.NoError(t, store.Set("tax_rate", "10"))
	server := seedServer(t, db, models.ServerActive, time.Now().Add(24*time.Hour))
	require.NoError(t, db.Model(&models.Location{}).Where("id = ?", server.LocationID).
		Update("multiplier", 1.5).Error)

	issued, err := sched.GenerateRenewalInvoices(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, issued)

	var invoice models.Invoice
	require.NoError(t, db.Where("server_id = ?", server.ID).First(&invoice).Error)
	// 30 * 1.5 = 45, +10% tax = 49.50
	assert.InDelta(t, 49.50, invoice.CurrencyAmount, 0.001)
	assert.InDelta(t, 10.0, invoice.TaxRate, 0.001)
}

func TestSuspendOverdue(t *testing.T) {
	sched, db, panel, _ := newTestScheduler(t)
	overdue := seedServer(t, db, models.ServerActive, time.Now().Add(-time.Hour))
	current := seedServer(t, db, models.ServerActive, time.Now().Add(time.Hour))

	n, err := sched.SuspendOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint{*overdue.PteroServerID}, panel.suspended)

	var got models.ActiveServer
	require.NoError(t, db.First(&got, overdue.ID).Error)
	assert.Equal(t, models.ServerSuspended, got.Status)
	assert.NotNil(t, got.SuspendedAt)

	var gotCurrent models.ActiveServer
	require.NoError(t, db.First(&gotCurrent, current.ID).Error)
	assert.Equal(t, models.ServerActive, gotCurrent.Status)
}

func TestSuspendOverdueKeepsLocalStateOnPanelFailure(t *testing.T) {
	sched, db, panel, _ := newTestScheduler(t)
	panel.suspendErr = errors.New("panel down")
	overdue := seedServer(t, db, models.ServerActive, time.Now().Add(-time.Hour))

	n, err := sched.SuspendOverdue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	var got models.ActiveServer
	require.NoError(t, db.First(&got, overdue.ID).Error)
	assert.Equal(t, models.ServerActive, got.Status, "not marked suspended while the panel still runs it")
}

func TestPurgeSuspendedAfterGrace(t *testing.T) {
	sched, db, panel, _ := newTestScheduler(t)
	expired := seedServer(t, db, models.ServerSuspended, time.Now().Add(-10*24*time.Hour))

	fresh := seedServer(t, db, models.ServerSuspended, time.Now())
	recent := time.Now().Add(-24 * time.Hour)
	require.NoError(t, db.Model(&models.ActiveServer{}).Where("id = ?", fresh.ID).
		Update("suspended_at", recent).Error)

	require.NoError(t, db.Create(&models.Invoice{
		UserID: expired.UserID, ServerID: &expired.ID,
		Status: models.InvoicePending, Type: models.InvoiceRenewal, AmountUSD: 30,
	}).Error)

	n, err := sched.PurgeSuspended(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint{*expired.PteroServerID}, panel.deleted)

	var count int64
	db.Model(&models.ActiveServer{}).Where("id = ?", expired.ID).Count(&count)
	assert.Zero(t, count)
	db.Model(&models.ActiveServer{}).Where("id = ?", fresh.ID).Count(&count)
	assert.EqualValues(t, 1, count, "inside grace period")

	var invoice models.Invoice
	require.NoError(t, db.Where("server_id = ?", expired.ID).First(&invoice).Error)
	assert.Equal(t, models.InvoiceVoid, invoice.Status, "open invoices voided with the server")
}

func TestPurgeKeepsRecordWhenPanelDeleteFails(t *testing.T) {
	sched, db, panel, _ := newTestScheduler(t)
	stuck := seedServer(t, db, models.ServerSuspended, time.Now().Add(-10*24*time.Hour))
	panel.deleteErr[*stuck.PteroServerID] = errors.New("panel 500")

	n, err := sched.PurgeSuspended(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	var count int64
	db.Model(&models.ActiveServer{}).Where("id = ?", stuck.ID).Count(&count)
	assert.EqualValues(t, 1, count, "kept for the next sweep")
}

func TestPurgeRemovesCancelledServersPastTerm(t *testing.T) {
	sched, db, panel, _ := newTestScheduler(t)
	cancelled := seedServer(t, db, models.ServerCancelled, time.Now().Add(-time.Hour))

	n, err := sched.PurgeSuspended(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint{*cancelled.PteroServerID}, panel.deleted)
}

func TestRadarIntervalClamped(t *testing.T) {
	sched, _, _, store := newTestScheduler(t)

	assert.Equal(t, time.Hour, sched.RadarInterval(), "default")

	require.NoError(t, store.Set("radar_scan_interval", "1m"))
	assert.Equal(t, 10*time.Minute, sched.RadarInterval(), "floor")

	require.NoError(t, store.Set("radar_scan_interval", "72h"))
	assert.Equal(t, 24*time.Hour, sched.RadarInterval(), "ceiling")
}
