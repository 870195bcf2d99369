// Package session turns a user's wallet signature into a time- and
// budget-bounded grant the backend enforces on every spend. Two grant kinds
// are supported: a delegated grant over a free-form signed message with an
// externally declared budget, and a typed grant over an EIP-712
// PaymentAuthorization enumerating the exact line items.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/derek2403/dhal-way/logger"
	"github.com/derek2403/dhal-way/types"
	"github.com/derek2403/dhal-way/utils"
	"github.com/derek2403/dhal-way/utils/eip712"
)

const (
	defaultDurationMinutes = 60

	// Typed grants always expire one hour after issuance.
	typedSessionTTL = time.Hour
)

// Manager issues and enforces sessions against an injected store.
type Manager struct {
	store Store
	log   logger.Logger

	// mu serializes all budget mutations: the spend check is the single
	// authoritative counter update, never a read-then-write across calls.
	mu sync.Mutex

	now func() time.Time
}

// NewManager creates a session manager backed by the given store.
func NewManager(store Store, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Manager{
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// CreateSession verifies a personal_sign signature over req.Message and, on
// success, issues a delegated grant with the declared budget and duration.
// Signature mismatch is a terminal, security-relevant rejection.
func (m *Manager) CreateSession(req types.CreateSessionRequest) (*types.CreateSessionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, &types.Error{
			Code:    types.ErrInvalidRequest,
			Message: err.Error(),
		}
	}

	maxSpend, err := utils.ValidateAmount(req.MaxSpendUSD)
	if err != nil {
		return nil, &types.Error{
			Code:    types.ErrInvalidRequest,
			Message: fmt.Sprintf("invalid maxSpendUSD: %v", err),
		}
	}

	duration := req.DurationMinutes
	if duration <= 0 {
		duration = defaultDurationMinutes
	}

	user := common.HexToAddress(req.UserAddress)
	ok, err := utils.VerifyPersonalMessage(req.Message, req.Signature, user)
	if err != nil || !ok {
		return nil, &types.Error{
			Code:    types.ErrInvalidSignature,
			Message: "signature does not match user address",
		}
	}

	now := m.now()
	sess := &types.Session{
		ID:          utils.SessionID(user.Hex(), now.UnixNano()),
		UserAddress: user.Hex(),
		Kind:        types.GrantDelegated,
		MaxSpendUSD: *maxSpend,
		SpentUSD:    decimal.Zero,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(duration) * time.Minute),
		Proof:       req.Signature,
	}
	m.store.Put(sess)

	m.log.Info("delegated session created", map[string]any{
		"sessionId":   sess.ID,
		"user":        sess.UserAddress,
		"maxSpendUSD": maxSpend.String(),
		"expiresAt":   sess.ExpiresAt,
	})

	return &types.CreateSessionResponse{
		SessionID:   sess.ID,
		MaxSpendUSD: maxSpend.String(),
		ExpiresAt:   sess.ExpiresAt,
	}, nil
}

// CreateTypedSession verifies an EIP-712 PaymentAuthorization signature and,
// on success, issues a typed grant scoped to exactly the enumerated line
// items, with a fixed one-hour expiry. The budget is the sum of the payment
// items.
func (m *Manager) CreateTypedSession(req types.CreateTypedSessionRequest) (*types.CreateTypedSessionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, &types.Error{
			Code:    types.ErrInvalidRequest,
			Message: err.Error(),
		}
	}

	recovered, err := eip712.RecoverSigner(req.Authorization, req.Signature)
	if err != nil || !strings.EqualFold(recovered.Hex(), req.UserAddress) {
		return nil, &types.Error{
			Code:    types.ErrInvalidSignature,
			Message: "typed signature does not match user address",
		}
	}

	total, err := types.SumPayments(req.UserPayments)
	if err != nil {
		return nil, &types.Error{
			Code:    types.ErrInvalidRequest,
			Message: fmt.Sprintf("invalid payment items: %v", err),
		}
	}

	user := common.HexToAddress(req.UserAddress)
	now := m.now()
	sess := &types.Session{
		ID:              utils.SessionID(user.Hex(), now.UnixNano()),
		UserAddress:     user.Hex(),
		MerchantAddress: common.HexToAddress(req.MerchantAddress).Hex(),
		Kind:            types.GrantTyped,
		MaxSpendUSD:     total,
		SpentUSD:        decimal.Zero,
		CreatedAt:       now,
		ExpiresAt:       now.Add(typedSessionTTL),
		Proof:           req.Signature,
		Payments:        req.UserPayments,
		Payouts:         req.MerchantPayouts,
	}
	m.store.Put(sess)

	m.log.Info("typed session created", map[string]any{
		"sessionId": sess.ID,
		"user":      sess.UserAddress,
		"merchant":  sess.MerchantAddress,
		"payments":  len(sess.Payments),
		"totalUSD":  total.String(),
	})

	return &types.CreateTypedSessionResponse{SessionID: sess.ID}, nil
}

// CheckAndSpend debits amountUSD from the session budget. It is the only
// mutator of SpentUSD and is atomic with respect to concurrent calls: on
// failure the counter is untouched.
func (m *Manager) CheckAndSpend(sessionID string, amountUSD decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.store.Get(sessionID)
	if !ok {
		return decimal.Zero, &types.Error{
			Code:    types.ErrSessionNotFound,
			Message: fmt.Sprintf("session not found: %s", sessionID),
		}
	}
	if sess.Revoked {
		return decimal.Zero, &types.Error{
			Code:    types.ErrSessionRevoked,
			Message: "session has been revoked",
		}
	}
	if sess.Expired(m.now()) {
		return decimal.Zero, &types.Error{
			Code:    types.ErrSessionExpired,
			Message: "session expired",
		}
	}

	spent := sess.SpentUSD.Add(amountUSD)
	if spent.GreaterThan(sess.MaxSpendUSD) {
		return decimal.Zero, &types.Error{
			Code:    types.ErrSpendLimitExceeded,
			Message: fmt.Sprintf("spend limit exceeded: %s > %s", spent, sess.MaxSpendUSD),
		}
	}

	sess.SpentUSD = spent
	m.store.Put(sess)

	return sess.RemainingUSD(), nil
}

// Revoke marks the session revoked. It is idempotent: revoking an
// already-revoked session still reports true; only an unknown session
// reports false.
func (m *Manager) Revoke(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.store.Get(sessionID)
	if !ok {
		return false
	}
	sess.Revoked = true
	m.store.Put(sess)

	m.log.Info("session revoked", map[string]any{"sessionId": sessionID})
	return true
}

// HasPermission reports whether the session exists, is not revoked, and has
// not expired.
func (m *Manager) HasPermission(sessionID string) bool {
	sess, ok := m.store.Get(sessionID)
	return ok && !sess.Revoked && !sess.Expired(m.now())
}

// Get returns the session by id, if known.
func (m *Manager) Get(sessionID string) (*types.Session, bool) {
	return m.store.Get(sessionID)
}

// StartReaper periodically reclaims expired sessions if the store supports
// it. It blocks until ctx is done.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) {
	reaper, ok := m.store.(interface{ Reap(time.Time) int })
	if !ok {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := reaper.Reap(m.now()); n > 0 {
				m.log.Debug("expired sessions reaped", map[string]any{"count": n})
			}
		}
	}
}
