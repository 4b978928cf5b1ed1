package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type User struct {
	ID                  uint       `json:"id" gorm:"primaryKey"`
	Email               string     `json:"email" gorm:"uniqueIndex"`
	Password            string     `json:"-"`
	Name                string     `json:"name"`
	Role                string     `json:"role" gorm:"default:'user'"`
	Active              bool       `json:"active" gorm:"default:true"`
	Balance             float64    `json:"balance" gorm:"default:0"` // internal credit, always USD
	PreferredCurrency   string     `json:"preferred_currency" gorm:"default:'USD';size:8"`
	PteroUserID         *uint      `json:"ptero_user_id"` // set once, on first provision
	ReferredBy          *uint      `json:"referred_by" gorm:"index"`
	FailedLoginAttempts int        `json:"-" gorm:"default:0"`
	LockedUntil         *time.Time `json:"-"`
	LastFailedLogin     *time.Time `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// TokenBlacklist represents blacklisted JWT tokens
type TokenBlacklist struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	TokenHash string    `json:"-" gorm:"uniqueIndex;not null"`
	UserID    uint      `json:"user_id" gorm:"index"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason" gorm:"default:'logout'"`
	CreatedAt time.Time `json:"created_at"`
}

// Plan is a purchasable hosting product. EggID/NestID of 0 means the buyer
// picks the egg at checkout.
type Plan struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	Name           string    `json:"name" gorm:"uniqueIndex"`
	Description    string    `json:"description"`
	PriceUSD       float64   `json:"price_usd"`
	Memory         int       `json:"memory"` // MB
	Swap           int       `json:"swap"`
	Disk           int       `json:"disk"` // MB
	CPU            int       `json:"cpu"`  // percent, 100 = one core
	IO             int       `json:"io" gorm:"default:500"`
	Allocations    int       `json:"allocations"` // extra ports beyond the default one
	Backups        int       `json:"backups"`
	Databases      int       `json:"databases"`
	EggID          uint      `json:"egg_id"`
	NestID         uint      `json:"nest_id"`
	BillingPeriod  string    `json:"billing_period" gorm:"default:'monthly'"` // weekly, monthly, quarterly, yearly
	Visible        bool      `json:"visible" gorm:"default:true"`
	OutOfStock     bool      `json:"out_of_stock" gorm:"default:false"`
	PriceOverrides PriceMap  `json:"price_overrides" gorm:"type:jsonb;serializer:json"` // absolute per-currency prices
	EnvOverrides   EnvMap    `json:"env_overrides" gorm:"type:jsonb;serializer:json"`   // admin egg-variable overrides
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BillingInterval returns the renewal interval for the plan's billing period.
func (p Plan) BillingInterval() time.Duration {
	switch p.BillingPeriod {
	case "weekly":
		return 7 * 24 * time.Hour
	case "quarterly":
		return 90 * 24 * time.Hour
	case "yearly":
		return 365 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// Location is a provisioning target region with a price multiplier.
type Location struct {
	ID              uint      `json:"id" gorm:"primaryKey"`
	Name            string    `json:"name"`
	PteroLocationID uint      `json:"ptero_location_id"`
	Multiplier      float64   `json:"multiplier" gorm:"default:1"`
	Public          bool      `json:"public" gorm:"default:true"`
	SoldOut         bool      `json:"sold_out" gorm:"default:false"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Coupon struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Code      string    `json:"code" gorm:"uniqueIndex"`
	Percent   float64   `json:"percent"`
	MaxUses   int       `json:"max_uses" gorm:"default:0"` // 0 = unlimited
	Uses      int       `json:"uses" gorm:"default:0"`
	Active    bool      `json:"active" gorm:"default:true"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActiveServer statuses. A server only ever moves between these four.
const (
	ServerActive    = "active"
	ServerSuspended = "suspended"
	ServerCancelled = "cancelled"
	ServerFailed    = "failed"
)

// ActiveServer mirrors a server on the panel together with its billing state.
// A failed row keeps everything needed to retry provisioning without a new
// payment.
type ActiveServer struct {
	ID              uint       `json:"id" gorm:"primaryKey"`
	OrderID         string     `json:"order_id" gorm:"size:64;index"`
	UserID          uint       `json:"user_id" gorm:"index"`
	User            User       `json:"-" gorm:"foreignKey:UserID"`
	PlanID          uint       `json:"plan_id" gorm:"index"`
	Plan            Plan       `json:"plan" gorm:"foreignKey:PlanID"`
	LocationID      uint       `json:"location_id"`
	Location        Location   `json:"location" gorm:"foreignKey:LocationID"`
	Name            string     `json:"name"`
	EggID           uint       `json:"egg_id"`
	NestID          uint       `json:"nest_id"`
	EnvOverrides    EnvMap     `json:"env_overrides" gorm:"type:jsonb;serializer:json"` // buyer checkout inputs
	PteroServerID   *uint      `json:"ptero_server_id"`
	PteroIdentifier string     `json:"ptero_identifier" gorm:"size:32;index"`
	Status          string     `json:"status" gorm:"default:'active';index"`
	RenewalDate     time.Time  `json:"renewal_date" gorm:"index"`
	SuspendedAt     *time.Time `json:"suspended_at"`
	FailureReason   string     `json:"failure_reason"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Invoice statuses and types.
const (
	InvoicePending = "pending"
	InvoicePaid    = "paid"
	InvoiceVoid    = "void"

	InvoicePurchase = "purchase"
	InvoiceRenewal  = "renewal"
)

// Invoice records money owed or collected. AmountUSD is canonical;
// CurrencyAmount is what the user actually saw and paid.
type Invoice struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	UserID         uint       `json:"user_id" gorm:"index"`
	User           User       `json:"-" gorm:"foreignKey:UserID"`
	ServerID       *uint      `json:"server_id" gorm:"index"`
	Status         string     `json:"status" gorm:"default:'pending';index"`
	Type           string     `json:"type" gorm:"default:'purchase'"`
	AmountUSD      float64    `json:"amount_usd"`
	CurrencyCode   string     `json:"currency_code" gorm:"size:8"`
	CurrencyAmount float64    `json:"currency_amount"`
	Subtotal       float64    `json:"subtotal"`
	TaxRate        float64    `json:"tax_rate"`
	TaxAmount      float64    `json:"tax_amount"`
	Gateway        string     `json:"gateway" gorm:"size:32"`
	DueDate        *time.Time `json:"due_date"`
	PaidAt         *time.Time `json:"paid_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// PendingPayment statuses.
const (
	PendingOpen            = "pending"
	PendingCompleted       = "completed"
	PendingProvisionFailed = "provision_failed"
)

// PendingPayment parks a checkout across a redirect gateway round trip.
// OrderID is the merchant order id: generated before redirect, unique per
// attempt, and the only key a callback needs to resume the order.
type PendingPayment struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	OrderID      string    `json:"order_id" gorm:"uniqueIndex;size:64"`
	Gateway      string    `json:"gateway" gorm:"size:32"`
	GatewayRef   string    `json:"-" gorm:"size:255"` // gateway-side order/session id
	UserID       uint      `json:"user_id" gorm:"index"`
	Type         string    `json:"type" gorm:"default:'purchase'"`
	InvoiceID    *uint     `json:"invoice_id"` // set for renewal payments
	PlanID       uint      `json:"plan_id"`
	LocationID   uint      `json:"location_id"`
	ServerName   string    `json:"server_name"`
	EggID        uint      `json:"egg_id"`
	NestID       uint      `json:"nest_id"`
	EnvOverrides EnvMap    `json:"env_overrides" gorm:"type:jsonb;serializer:json"`
	CouponCode   string    `json:"coupon_code"`
	FinalPrice   float64   `json:"final_price"` // in CurrencyCode
	PriceUSD     float64   `json:"price_usd"`
	CurrencyCode string    `json:"currency_code" gorm:"size:8"`
	CurrencyRate float64   `json:"currency_rate"`
	Subtotal     float64   `json:"subtotal"`
	TaxRate      float64   `json:"tax_rate"`
	TaxAmount    float64   `json:"tax_amount"`
	Status       string    `json:"status" gorm:"default:'pending';index"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Affiliate is a user-linked earning account. A RatePercent of zero means
// the global default commission rate applies.
type Affiliate struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	UserID      uint      `json:"user_id" gorm:"uniqueIndex"`
	Code        string    `json:"code" gorm:"uniqueIndex;size:32"`
	RatePercent float64   `json:"rate_percent" gorm:"default:0"`
	Balance     float64   `json:"balance" gorm:"default:0"`
	TotalEarned float64   `json:"total_earned" gorm:"default:0"`
	Active      bool      `json:"active" gorm:"default:true"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Referral struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	AffiliateID    uint      `json:"affiliate_id" gorm:"index"`
	ReferredUserID uint      `json:"referred_user_id" gorm:"uniqueIndex"`
	CreatedAt      time.Time `json:"created_at"`
}

// Radar classifications, ordered by severity.
const (
	RadarSafe    = "safe"
	RadarWarning = "warning"
	RadarDanger  = "danger"
)

// RadarResult is the latest abuse-scan verdict for a server, one row per
// server.
type RadarResult struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	ServerID       uint      `json:"server_id" gorm:"uniqueIndex"`
	Classification string    `json:"classification" gorm:"size:16;index"`
	CPUPercent     float64   `json:"cpu_percent"`
	DiskPercent    float64   `json:"disk_percent"`
	Reason         string    `json:"reason"`
	ScannedAt      time.Time `json:"scanned_at"`
}

// Setting is a flat key/value row in the operator settings store.
type Setting struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Key       string    `json:"key" gorm:"uniqueIndex;size:128"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Ticket struct {
	ID        uint            `json:"id" gorm:"primaryKey"`
	UserID    uint            `json:"user_id" gorm:"index"`
	Subject   string          `json:"subject"`
	Status    string          `json:"status" gorm:"default:'open';index"` // open, answered, closed
	Messages  []TicketMessage `json:"messages,omitempty" gorm:"foreignKey:TicketID"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type TicketMessage struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	TicketID  uint      `json:"ticket_id" gorm:"index"`
	UserID    uint      `json:"user_id"`
	Staff     bool      `json:"staff" gorm:"default:false"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// EnvMap is a JSON map of egg environment variables.
type EnvMap map[string]string

// Value implements the driver.Valuer interface
func (m EnvMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface
func (m *EnvMap) Scan(value interface{}) error {
	if value == nil {
		*m = make(EnvMap)
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("cannot scan into EnvMap")
	}
}

// PriceMap is a JSON map of currency code to an absolute admin-set price.
type PriceMap map[string]float64

// Value implements the driver.Valuer interface
func (m PriceMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface
func (m *PriceMap) Scan(value interface{}) error {
	if value == nil {
		*m = make(PriceMap)
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("cannot scan into PriceMap")
	}
}
