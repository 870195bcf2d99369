// Package dhalway provides cross-chain split-payment settlement: users pay
// from balances spread over several chains, merchants receive on the chains
// and tokens they choose, and a bridge token carries value in between.
// Sessions gate how much a backend may settle on a user's behalf; the
// executor turns an approved set of line items into on-chain transactions.
package dhalway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/derek2403/dhal-way/clients"
	"github.com/derek2403/dhal-way/logger"
	"github.com/derek2403/dhal-way/metrics"
	"github.com/derek2403/dhal-way/registry"
	"github.com/derek2403/dhal-way/session"
	"github.com/derek2403/dhal-way/settlement"
	"github.com/derek2403/dhal-way/types"
)

// Dhalway is the main entry point bundling session management and the
// settlement executor behind one API.
type Dhalway struct {
	registry *registry.Registry
	sessions *session.Manager
	executor *settlement.Executor
	config   *types.Config

	store   session.Store
	tracker settlement.DeliveryTracker
	log     logger.Logger
	metrics metrics.Recorder
	timeout time.Duration
}

// New creates a Dhalway instance with the given configuration and the
// default chain registry. Options override logging, metrics and timeouts.
func New(config *types.Config, opts ...Option) *Dhalway {
	if config == nil {
		config = &types.Config{}
	}

	d := &Dhalway{
		registry: registry.Default(),
		config:   config,
		log:      logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
		timeout:  60 * time.Second,
	}
	if config.LogLevel != "" {
		d.log = logger.NewZapLogger(config.LogLevel)
	}
	if config.EnableMetrics {
		d.metrics = metrics.NewPrometheusRecorder()
	}
	if config.DefaultTimeout > 0 {
		d.timeout = config.DefaultTimeout
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.store == nil {
		d.store = session.NewMemoryStore()
	}
	d.sessions = session.NewManager(d.store, d.log)

	execCfg := mergeDefaults(settlement.Config{
		MaxAttempts:    config.MaxAttempts,
		RetryDelay:     config.RetryDelay,
		InterTxDelay:   config.InterTxDelay,
		BridgeWait:     config.BridgeWait,
		BridgeWaitTick: config.BridgeWaitTick,
	})
	d.executor = settlement.NewExecutor(d.registry, settlement.NewFixedRateQuoter(), execCfg, d.log, d.metrics)
	if d.tracker != nil {
		d.executor.SetDeliveryTracker(d.tracker)
	}

	return d
}

// NewWithDefaults creates a Dhalway instance with the reference pacing and
// info-level logging.
func NewWithDefaults() *Dhalway {
	def := settlement.DefaultConfig()
	return New(&types.Config{
		DefaultTimeout: 60 * time.Second,
		MaxAttempts:    def.MaxAttempts,
		RetryDelay:     def.RetryDelay,
		InterTxDelay:   def.InterTxDelay,
		BridgeWait:     def.BridgeWait,
		BridgeWaitTick: def.BridgeWaitTick,
		LogLevel:       "info",
	})
}

func mergeDefaults(cfg settlement.Config) settlement.Config {
	def := settlement.DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.InterTxDelay <= 0 {
		cfg.InterTxDelay = def.InterTxDelay
	}
	if cfg.BridgeWait <= 0 {
		cfg.BridgeWait = def.BridgeWait
	}
	if cfg.BridgeWaitTick <= 0 {
		cfg.BridgeWaitTick = def.BridgeWaitTick
	}
	return cfg
}

// AddChain connects the backend signer to one registered chain. The chain
// must exist in the registry; the gateway config supplies the signer key and
// an optional RPC override.
func (d *Dhalway) AddChain(chain types.Chain, config types.GatewayConfig) error {
	profile, err := d.registry.Get(chain)
	if err != nil {
		return err
	}
	if config.Timeout <= 0 {
		config.Timeout = d.timeout
	}

	gw, err := clients.NewEVMGateway(profile, config, d.log)
	if err != nil {
		return fmt.Errorf("failed to create gateway for %s: %w", chain, err)
	}
	return d.executor.AddGateway(chain, gw)
}

// AddGateway registers a pre-built gateway, letting callers substitute their
// own transport for a chain.
func (d *Dhalway) AddGateway(chain types.Chain, gw settlement.ChainGateway) error {
	return d.executor.AddGateway(chain, gw)
}

// CreateSession verifies a personal-sign delegated grant and issues a
// session with a spend budget.
func (d *Dhalway) CreateSession(req types.CreateSessionRequest) (*types.CreateSessionResponse, error) {
	return d.sessions.CreateSession(req)
}

// CreateTypedSession verifies an EIP-712 typed grant, whose signature pins
// the exact line items, and issues a session budgeted at their sum.
func (d *Dhalway) CreateTypedSession(req types.CreateTypedSessionRequest) (*types.CreateTypedSessionResponse, error) {
	return d.sessions.CreateTypedSession(req)
}

// RevokeSession revokes a session. Revoking an already-revoked session
// reports revoked again; only an unknown id reports false.
func (d *Dhalway) RevokeSession(sessionID string) *types.RevokeSessionResponse {
	revoked := d.sessions.Revoke(sessionID)
	return &types.RevokeSessionResponse{SessionID: sessionID, Revoked: revoked}
}

// HasPermission reports whether a session is currently able to spend.
func (d *Dhalway) HasPermission(sessionID string) bool {
	return d.sessions.HasPermission(sessionID)
}

// GetSession returns the stored session record.
func (d *Dhalway) GetSession(sessionID string) (*types.Session, bool) {
	return d.sessions.Get(sessionID)
}

// StartSessionReaper removes expired sessions in the background until ctx is
// cancelled.
func (d *Dhalway) StartSessionReaper(ctx context.Context, interval time.Duration) {
	d.sessions.StartReaper(ctx, interval)
}

// ExecuteSettlement runs the four-phase settlement workflow. When the
// request names a session, the run total is debited from the session budget
// before any transaction is submitted; a failed check rejects the run with
// the budget untouched. Typed sessions additionally pin the run to the
// signed line items and merchant.
func (d *Dhalway) ExecuteSettlement(ctx context.Context, req *types.ExecuteRequest) (*types.ExecuteResult, error) {
	if req == nil {
		return nil, &types.Error{Code: types.ErrInvalidRequest, Message: "request is required"}
	}

	if req.SessionID != "" {
		sess, ok := d.sessions.Get(req.SessionID)
		if !ok {
			return nil, &types.Error{
				Code:    types.ErrSessionNotFound,
				Message: fmt.Sprintf("session not found: %s", req.SessionID),
			}
		}

		if sess.Kind == types.GrantTyped {
			if err := applyTypedSession(req, sess); err != nil {
				return nil, err
			}
		}

		total, err := types.SumPayments(req.UserPayments)
		if err != nil {
			return nil, &types.Error{Code: types.ErrInvalidRequest, Message: err.Error()}
		}
		remaining, err := d.sessions.CheckAndSpend(req.SessionID, total)
		if err != nil {
			return nil, err
		}
		d.log.Info("session debit approved", map[string]any{
			"sessionId": req.SessionID,
			"amountUSD": total.StringFixed(2),
			"remaining": remaining.StringFixed(2),
		})
	}

	return d.executor.Execute(ctx, req)
}

// applyTypedSession pins the request to the line items the typed grant was
// signed over. An empty request side is filled from the session; a non-empty
// side must match the signed items exactly.
func applyTypedSession(req *types.ExecuteRequest, sess *types.Session) error {
	if req.MerchantAddress == "" {
		req.MerchantAddress = sess.MerchantAddress
	} else if !strings.EqualFold(req.MerchantAddress, sess.MerchantAddress) {
		return &types.Error{
			Code:    types.ErrInvalidRequest,
			Message: "merchant does not match the signed authorization",
		}
	}

	if len(req.UserPayments) == 0 {
		req.UserPayments = sess.Payments
	} else if !paymentsEqual(req.UserPayments, sess.Payments) {
		return &types.Error{
			Code:    types.ErrInvalidRequest,
			Message: "payments do not match the signed authorization",
		}
	}

	if len(req.MerchantPayouts) == 0 {
		req.MerchantPayouts = sess.Payouts
	} else if !payoutsEqual(req.MerchantPayouts, sess.Payouts) {
		return &types.Error{
			Code:    types.ErrInvalidRequest,
			Message: "payouts do not match the signed authorization",
		}
	}
	return nil
}

func paymentsEqual(a, b []types.PaymentItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		da, erra := a[i].USD()
		db, errb := b[i].USD()
		if a[i].Chain != b[i].Chain || a[i].Token != b[i].Token ||
			erra != nil || errb != nil || !da.Equal(db) {
			return false
		}
	}
	return true
}

func payoutsEqual(a, b []types.PayoutItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		da, erra := a[i].USD()
		db, errb := b[i].USD()
		if a[i].Chain != b[i].Chain || a[i].Token != b[i].Token ||
			erra != nil || errb != nil || !da.Equal(db) {
			return false
		}
	}
	return true
}

// SupportedChains lists the chains the registry knows about.
func (d *Dhalway) SupportedChains() []types.Chain {
	return d.registry.Chains()
}

// Registry exposes the chain registry for profile lookups.
func (d *Dhalway) Registry() *registry.Registry {
	return d.registry
}

// Close closes all gateway connections.
func (d *Dhalway) Close() {
	d.executor.Close()
}

// Version information
const Version = "1.0.0"
