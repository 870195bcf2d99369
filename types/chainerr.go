package types

import (
	"errors"
	"fmt"
)

// ChainErrorKind is the closed classification of a failed gateway call. The
// executor branches on this enum, never on error text.
type ChainErrorKind int

const (
	// ChainErrRPC covers connection and encoding failures with no better
	// classification.
	ChainErrRPC ChainErrorKind = iota

	// ChainErrOrderingConflict means the chain rejected the transaction
	// because the signer's expected sequence number was stale. Resubmission
	// with a fresh nonce is safe: the rejected transaction consumed nothing.
	ChainErrOrderingConflict

	// ChainErrReverted means the call executed and failed on-chain.
	// Retrying blindly is not safe.
	ChainErrReverted

	// ChainErrTimeout means the call exceeded its context deadline.
	ChainErrTimeout
)

func (k ChainErrorKind) String() string {
	switch k {
	case ChainErrOrderingConflict:
		return "ordering_conflict"
	case ChainErrReverted:
		return "reverted"
	case ChainErrTimeout:
		return "timeout"
	default:
		return "rpc"
	}
}

// ChainError wraps a gateway failure with its classification, the chain it
// occurred on, and the operation that raised it.
type ChainError struct {
	Kind  ChainErrorKind
	Chain Chain
	Op    string
	Err   error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("%s on %s: %s: %v", e.Op, e.Chain, e.Kind, e.Err)
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

// IsOrderingConflict reports whether err is a retryable sequence-number
// rejection.
func IsOrderingConflict(err error) bool {
	var ce *ChainError
	return errors.As(err, &ce) && ce.Kind == ChainErrOrderingConflict
}
