package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// GrantKind distinguishes how a session was authorized.
type GrantKind string

const (
	// GrantDelegated is a free-form signed message plus an externally
	// declared spend budget and duration.
	GrantDelegated GrantKind = "delegated"

	// GrantTyped is an EIP-712 PaymentAuthorization enumerating the exact
	// line items the backend may execute.
	GrantTyped GrantKind = "typed"
)

// PaymentItem is one contribution from the payer: a USD value funded in a
// single token on a single chain.
type PaymentItem struct {
	Chain    Chain  `json:"chain" validate:"required"`
	Token    string `json:"token" validate:"required"`
	USDValue string `json:"usdValue" validate:"required"`
}

// USD parses the declared USD value.
func (p PaymentItem) USD() (decimal.Decimal, error) {
	return parseUSD(p.USDValue)
}

// PayoutItem is one disbursement to the merchant: a USD value delivered in a
// single token on a single chain.
type PayoutItem struct {
	Chain    Chain  `json:"chain" validate:"required"`
	Token    string `json:"token" validate:"required"`
	USDValue string `json:"usdValue" validate:"required"`
}

// USD parses the declared USD value.
func (p PayoutItem) USD() (decimal.Decimal, error) {
	return parseUSD(p.USDValue)
}

func parseUSD(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid usd value %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("usd value %q is negative", s)
	}
	return d, nil
}

// SumPayments totals the USD values of a payment list.
func SumPayments(items []PaymentItem) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, it := range items {
		d, err := it.USD()
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(d)
	}
	return total, nil
}

// SumPayouts totals the USD values of a payout list.
func SumPayouts(items []PayoutItem) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, it := range items {
		d, err := it.USD()
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(d)
	}
	return total, nil
}

// Session is a time- and budget-bounded grant letting the backend signer
// execute payments the user has approved. SpentUSD is mutated only through
// the session manager's spend check; every other field is fixed at creation
// except Revoked.
type Session struct {
	ID              string          `json:"id"`
	UserAddress     string          `json:"userAddress"`
	MerchantAddress string          `json:"merchantAddress,omitempty"`
	Kind            GrantKind       `json:"kind"`
	MaxSpendUSD     decimal.Decimal `json:"maxSpendUSD"`
	SpentUSD        decimal.Decimal `json:"spentUSD"`
	CreatedAt       time.Time       `json:"createdAt"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	Revoked         bool            `json:"revoked"`

	// Proof is the user signature the session was created from.
	Proof string `json:"proof"`

	// Payments and Payouts are set only for typed grants: the enumerated
	// line items the user signed. The executor must run at most these.
	Payments []PaymentItem `json:"payments,omitempty"`
	Payouts  []PayoutItem  `json:"payouts,omitempty"`
}

// Expired reports whether the session has passed its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// RemainingUSD is the unspent part of the budget.
func (s *Session) RemainingUSD() decimal.Decimal {
	return s.MaxSpendUSD.Sub(s.SpentUSD)
}

// AuthorizedPayment is one line item of an EIP-712 PaymentAuthorization,
// carrying the resolved token and treasury addresses the user saw when
// signing.
type AuthorizedPayment struct {
	ChainKey     string `json:"chainKey"`
	TokenAddress string `json:"tokenAddress"`
	TokenName    string `json:"tokenName"`
	Amount       string `json:"amount"`
	Treasury     string `json:"treasury"`
}

// PaymentAuthorization is the typed payload a user signs to create a typed
// session. It is hashed under the fixed Dhalway EIP-712 domain.
type PaymentAuthorization struct {
	User      string              `json:"user"`
	Merchant  string              `json:"merchant"`
	TotalUSD  string              `json:"totalUSD"`
	Payments  []AuthorizedPayment `json:"payments"`
	Timestamp int64               `json:"timestamp"`
	Nonce     int64               `json:"nonce"`
}

// Phase names one stage of a settlement run.
type Phase string

const (
	PhaseCollection Phase = "collection"
	PhaseBridging   Phase = "bridging"
	PhaseWaiting    Phase = "waiting"
	PhaseSettlement Phase = "settlement"
)

// StepStatus is the lifecycle of a single execution step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepProcessing StepStatus = "processing"
	StepComplete   StepStatus = "complete"
	StepFailed     StepStatus = "failed"
)

// ExecutionStep records one sub-operation of a settlement run. The ordered
// list of steps is the run's execution log and the primary result surface:
// a run that reaches Done can still carry failed steps.
type ExecutionStep struct {
	Phase         Phase      `json:"phase"`
	Chain         Chain      `json:"chain,omitempty"`
	Description   string     `json:"description"`
	Status        StepStatus `json:"status"`
	TxHash        string     `json:"txHash,omitempty"`
	ExplorerURL   string     `json:"explorerUrl,omitempty"`
	BridgeScanURL string     `json:"bridgeScanUrl,omitempty"`
	Substeps      []string   `json:"substeps,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// RunState is the per-run state machine. There is no failed terminal state:
// step-level failures are recorded and the run still reaches RunDone.
type RunState string

const (
	RunCreated    RunState = "created"
	RunCollecting RunState = "collecting"
	RunBridging   RunState = "bridging"
	RunWaiting    RunState = "waiting"
	RunSettling   RunState = "settling"
	RunDone       RunState = "done"
)

// ExecuteResult is the aggregate outcome of a settlement run. Success means
// the run itself completed; callers must scan Steps for per-item status.
// ParkedUSD totals collected value whose settlement step failed and which is
// therefore left as bridge-token balance under the backend signer.
type ExecuteResult struct {
	Success   bool            `json:"success"`
	TotalUSD  string          `json:"totalUSD"`
	Steps     []ExecutionStep `json:"steps"`
	ParkedUSD string          `json:"parkedUsd,omitempty"`
}

// Error is the library's error type: a stable machine code plus a
// human-readable message.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Error codes.
const (
	ErrInvalidSignature   = "INVALID_SIGNATURE"
	ErrSessionNotFound    = "SESSION_NOT_FOUND"
	ErrSessionExpired     = "SESSION_EXPIRED"
	ErrSessionRevoked     = "SESSION_REVOKED"
	ErrSpendLimitExceeded = "SPEND_LIMIT_EXCEEDED"
	ErrUnknownChain       = "UNKNOWN_CHAIN"
	ErrTotalsMismatch     = "TOTALS_MISMATCH"
	ErrInvalidRequest     = "INVALID_REQUEST"
	ErrQuoteUnavailable   = "QUOTE_UNAVAILABLE"
	ErrBridgeTimeout      = "BRIDGE_DELIVERY_TIMEOUT"
	ErrConfigError        = "CONFIG_ERROR"
)

// CodeOf extracts the library error code from err, or "" if err is not a
// *types.Error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Config is the library-wide configuration consumed by the facade.
type Config struct {
	// DefaultTimeout bounds every external RPC call.
	DefaultTimeout time.Duration `json:"defaultTimeout,omitempty"`

	// MaxAttempts caps submissions of a single transaction when the chain
	// reports an ordering conflict.
	MaxAttempts int `json:"maxAttempts,omitempty"`

	// RetryDelay is the fixed backoff between ordering-conflict retries.
	RetryDelay time.Duration `json:"retryDelay,omitempty"`

	// InterTxDelay separates dependent transactions on the same chain.
	InterTxDelay time.Duration `json:"interTxDelay,omitempty"`

	// BridgeWait is the unconditional pause for cross-chain delivery,
	// reported in BridgeWaitTick sub-increments.
	BridgeWait     time.Duration `json:"bridgeWait,omitempty"`
	BridgeWaitTick time.Duration `json:"bridgeWaitTick,omitempty"`

	LogLevel      string `json:"logLevel,omitempty"`
	EnableMetrics bool   `json:"enableMetrics,omitempty"`
}

// GatewayConfig configures one chain's gateway connection.
type GatewayConfig struct {
	RPCURL       string        `json:"rpcUrl,omitempty"`
	SignerKeyHex string        `json:"signerKeyHex,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
}
