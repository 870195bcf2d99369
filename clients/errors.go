package clients

import (
	"context"
	"errors"
	"strings"

	"github.com/derek2403/dhal-way/types"
)

// orderingConflictMarkers are the RPC error fragments that mean the
// submission lost a sequence-number race and consumed nothing on-chain.
// Resubmitting with a fresh nonce is safe for exactly these.
var orderingConflictMarkers = []string{
	"nonce too low",
	"nonce too high",
	"nonce expired",
	"invalid nonce",
	"replacement transaction underpriced",
	"already known",
	"known transaction",
}

var revertMarkers = []string{
	"execution reverted",
	"always failing transaction",
	"gas required exceeds allowance",
}

// classify folds a raw RPC error into the closed ChainError kind set. RPC
// error strings are inspected only here; callers above this package branch
// on the kind, never on text.
func classify(chain types.Chain, op string, err error) *types.ChainError {
	kind := types.ChainErrRPC
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		kind = types.ChainErrTimeout
	case matchesAny(err, orderingConflictMarkers):
		kind = types.ChainErrOrderingConflict
	case matchesAny(err, revertMarkers):
		kind = types.ChainErrReverted
	}
	return &types.ChainError{Kind: kind, Chain: chain, Op: op, Err: err}
}

func matchesAny(err error, markers []string) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
