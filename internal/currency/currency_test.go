package currency

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"nebulapanel-backend/internal/models"
	"nebulapanel-backend/internal/settings"
)

func newTestConverter(t *testing.T) *Converter {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Setting{}))

	store := settings.NewStore(db, nil)
	require.NoError(t, store.Set("currency_rate_eur", "0.92"))
	require.NoError(t, store.Set("currency_rate_inr", "83"))
	require.NoError(t, store.Set("currency_symbol_eur", "€"))
	return NewConverter(store)
}

func TestRate(t *testing.T) {
	conv := newTestConverter(t)

	rate, err := conv.Rate("USD")
	require.NoError(t, err)
	assert.Equal(t, float64(1), rate)

	rate, err = conv.Rate("eur")
	require.NoError(t, err)
	assert.Equal(t, 0.92, rate)

	_, err = conv.Rate("JPY")
	assert.Error(t, err)
}

func TestSymbol(t *testing.T) {
	conv := newTestConverter(t)

	assert.Equal(t, "€", conv.Symbol("EUR"))
	// Unknown currencies fall back to the code itself.
	assert.Equal(t, "INR", conv.Symbol("inr"))
	assert.Equal(t, "USD", conv.Symbol(""))
}

func TestResolveConverts(t *testing.T) {
	conv := newTestConverter(t)
	plan := &models.Plan{PriceUSD: 10}

	price, rate, override, err := conv.Resolve(plan, "INR")
	require.NoError(t, err)
	assert.Equal(t, float64(830), price)
	assert.Equal(t, float64(83), rate)
	assert.False(t, override)
}

func TestResolveOverrideBypassesRate(t *testing.T) {
	conv := newTestConverter(t)
	plan := &models.Plan{
		PriceUSD:       10,
		PriceOverrides: models.PriceMap{"EUR": 8.49},
	}

	price, rate, override, err := conv.Resolve(plan, "eur")
	require.NoError(t, err)
	assert.Equal(t, 8.49, price)
	assert.Equal(t, 0.92, rate)
	assert.True(t, override)

	// An override for one currency leaves others on the rate path.
	price, _, override, err = conv.Resolve(plan, "INR")
	require.NoError(t, err)
	assert.Equal(t, float64(830), price)
	assert.False(t, override)
}

func TestResolveUnknownCurrency(t *testing.T) {
	conv := newTestConverter(t)
	plan := &models.Plan{PriceUSD: 10, PriceOverrides: models.PriceMap{"JPY": 1500}}

	// Even with an override present, an unconfigured rate is an error:
	// PriceUSD for the invoice record cannot be derived without one.
	_, _, _, err := conv.Resolve(plan, "JPY")
	assert.Error(t, err)
}
