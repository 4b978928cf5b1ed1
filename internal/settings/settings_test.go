package settings

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"nebulapanel-backend/internal/models"
)

func newTestStore(t *testing.T) *Store {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Setting{}))
	return NewStore(db, nil)
}

func TestSetAndGet(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Set("tax_rate", "18"))
	assert.Equal(t, "18", store.Get("tax_rate", "0"))

	require.NoError(t, store.Set("tax_rate", "20"))
	assert.Equal(t, "20", store.Get("tax_rate", "0"))
}

func TestGetFallback(t *testing.T) {
	store := newTestStore(t)
	assert.Equal(t, "default", store.Get("unset_key", "default"))
}

func TestGetSurvivesColdCache(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Set("app_url", "https://billing.example.com"))

	// A second store over the same database starts with an empty cache
	// and must read through to the row.
	fresh := NewStore(store.db, nil)
	assert.Equal(t, "https://billing.example.com", fresh.Get("app_url", ""))
}

func TestSetDefaultDoesNotOverwrite(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Set("purge_grace_days", "14"))
	require.NoError(t, store.SetDefault("purge_grace_days", "7"))
	assert.Equal(t, "14", store.Get("purge_grace_days", ""))

	require.NoError(t, store.SetDefault("affiliate_default_rate", "5"))
	assert.Equal(t, "5", store.Get("affiliate_default_rate", ""))
}

func TestTypedGetters(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Set("stripe_enabled", "true"))
	require.NoError(t, store.Set("tax_rate", "18.5"))
	require.NoError(t, store.Set("max_ticket_replies", "45"))
	require.NoError(t, store.Set("scan_window", "15m"))
	require.NoError(t, store.Set("supported_currencies", "USD, EUR ,GBP,"))

	assert.True(t, store.GetBool("stripe_enabled", false))
	assert.False(t, store.GetBool("paypal_enabled", false))
	assert.Equal(t, 18.5, store.GetFloat("tax_rate", 0))
	assert.Equal(t, 45, store.GetInt("max_ticket_replies", 60))
	assert.Equal(t, 15*time.Minute, store.GetDuration("scan_window", time.Hour))
	assert.Equal(t, []string{"USD", "EUR", "GBP"}, store.GetList("supported_currencies"))
}

func TestTypedGettersFallBackOnGarbage(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Set("tax_rate", "not-a-number"))
	require.NoError(t, store.Set("stripe_enabled", "maybe"))

	assert.Equal(t, 7.5, store.GetFloat("tax_rate", 7.5))
	assert.False(t, store.GetBool("stripe_enabled", false))
}

func TestAll(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Set("a", "1"))
	require.NoError(t, store.Set("b", "2"))

	all, err := store.All()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)
}
