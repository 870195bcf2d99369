package types

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// CreateSessionRequest asks for a delegated grant: the user signed Message
// with their wallet and declared a budget and duration out of band.
type CreateSessionRequest struct {
	UserAddress     string `json:"userAddress" validate:"required,eth_addr"`
	Signature       string `json:"signature" validate:"required"`
	Message         string `json:"message" validate:"required"`
	MaxSpendUSD     string `json:"maxSpendUSD" validate:"required"`
	DurationMinutes int    `json:"durationMinutes" validate:"omitempty,gt=0"`
}

// CreateSessionResponse returns the issued grant.
type CreateSessionResponse struct {
	SessionID   string    `json:"sessionId"`
	MaxSpendUSD string    `json:"maxSpendUSD"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// CreateTypedSessionRequest asks for a typed grant: Signature covers the
// EIP-712 hash of Authorization under the fixed Dhalway domain.
type CreateTypedSessionRequest struct {
	UserAddress     string               `json:"userAddress" validate:"required,eth_addr"`
	MerchantAddress string               `json:"merchantAddress" validate:"required,eth_addr"`
	Signature       string               `json:"signature" validate:"required"`
	Authorization   PaymentAuthorization `json:"authorization"`
	UserPayments    []PaymentItem        `json:"userPayments" validate:"required,min=1,dive"`
	MerchantPayouts []PayoutItem         `json:"merchantPayouts" validate:"required,min=1,dive"`
}

// CreateTypedSessionResponse returns the issued grant.
type CreateTypedSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// ExecuteRequest starts a settlement run. SessionID is optional; when set,
// the run is gated by a spend check against that session before any
// transaction is submitted.
type ExecuteRequest struct {
	SessionID       string        `json:"sessionId,omitempty"`
	UserPayments    []PaymentItem `json:"userPayments" validate:"required,min=1,dive"`
	MerchantAddress string        `json:"merchantAddress" validate:"required,eth_addr"`
	MerchantPayouts []PayoutItem  `json:"merchantPayouts" validate:"required,min=1,dive"`
}

var validate = validator.New()

// Validate checks the structural invariants that do not need decimal math.
func (r *ExecuteRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid execute request: %w", err)
	}
	return nil
}

// Validate checks the request against its declared constraints.
func (r *CreateSessionRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid session request: %w", err)
	}
	return nil
}

// Validate checks the request against its declared constraints.
func (r *CreateTypedSessionRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid typed session request: %w", err)
	}
	return nil
}

// RevokeSessionResponse reports whether the session was known.
type RevokeSessionResponse struct {
	SessionID string `json:"sessionId"`
	Revoked   bool   `json:"revoked"`
}
