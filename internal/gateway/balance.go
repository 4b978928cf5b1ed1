package gateway

import (
	"context"

	"gorm.io/gorm"

	apperrors "nebulapanel-backend/internal/errors"
	"nebulapanel-backend/internal/models"
)

// BalanceGateway settles orders against the user's internal USD credit.
// Initiate only verifies funds; the actual debit is deferred until after the
// server has been provisioned, so a provisioning failure never leaves the
// user charged.
type BalanceGateway struct {
	db *gorm.DB
}

func NewBalanceGateway(db *gorm.DB) *BalanceGateway {
	return &BalanceGateway{db: db}
}

func (g *BalanceGateway) Name() string { return "balance" }

func (g *BalanceGateway) Configured() bool { return true }

func (g *BalanceGateway) Initiate(ctx context.Context, order OrderContext) (*InitiateResult, error) {
	var user models.User
	if err := g.db.WithContext(ctx).First(&user, order.UserID).Error; err != nil {
		return nil, err
	}
	if user.Balance < order.AmountUSD {
		return nil, apperrors.ErrInsufficientFunds
	}
	return &InitiateResult{Mode: ModeImmediate, Reference: order.OrderID}, nil
}

func (g *BalanceGateway) Confirm(ctx context.Context, reference string) (*ConfirmResult, error) {
	// Funds were verified at Initiate and are debited post-provisioning.
	return &ConfirmResult{Settled: true, TransactionID: reference}, nil
}
