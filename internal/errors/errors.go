package errors

import "fmt"

// AppError represents a custom application error
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Predefined error types
var (
	ErrDatabaseConnection = &AppError{Code: "DB_CONNECTION_FAILED", Message: "Failed to connect to database"}
	ErrInvalidCredentials = &AppError{Code: "INVALID_CREDENTIALS", Message: "Invalid credentials"}
	ErrAccountLocked      = &AppError{Code: "ACCOUNT_LOCKED", Message: "Account is locked"}
	ErrUnauthorized       = &AppError{Code: "UNAUTHORIZED", Message: "Unauthorized access"}
	ErrValidationFailed   = &AppError{Code: "VALIDATION_FAILED", Message: "Validation failed"}

	// Billing and provisioning errors. A misconfigured gateway must read as
	// "service unavailable" to the user, never as a card decline.
	ErrGatewayNotConfigured = &AppError{Code: "GATEWAY_NOT_CONFIGURED", Message: "Payment method is currently unavailable"}
	ErrInsufficientFunds    = &AppError{Code: "INSUFFICIENT_FUNDS", Message: "Insufficient account balance"}
	ErrPaymentDeclined      = &AppError{Code: "PAYMENT_DECLINED", Message: "Payment was declined"}
	ErrProvisionFailed      = &AppError{Code: "PROVISION_FAILED", Message: "Server could not be provisioned"}
	ErrPanelUnavailable     = &AppError{Code: "PANEL_UNAVAILABLE", Message: "Provisioning panel is unavailable"}
	ErrCouponInvalid        = &AppError{Code: "COUPON_INVALID", Message: "Coupon is invalid or exhausted"}
)

// New creates a new AppError
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an error with additional context
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
