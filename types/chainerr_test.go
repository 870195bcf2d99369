package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainErrorWrapping(t *testing.T) {
	cause := fmt.Errorf("nonce too low")
	err := &ChainError{
		Kind:  ChainErrOrderingConflict,
		Chain: ChainBaseSepolia,
		Op:    "mint",
		Err:   cause,
	}

	assert.Contains(t, err.Error(), "base-sepolia")
	assert.Contains(t, err.Error(), "mint")
	require.ErrorIs(t, err, cause)
}

func TestIsOrderingConflict(t *testing.T) {
	conflict := &ChainError{Kind: ChainErrOrderingConflict, Chain: ChainSepolia, Op: "send", Err: errors.New("x")}
	rpc := &ChainError{Kind: ChainErrRPC, Chain: ChainSepolia, Op: "send", Err: errors.New("x")}

	assert.True(t, IsOrderingConflict(conflict))
	assert.True(t, IsOrderingConflict(fmt.Errorf("wrapped: %w", conflict)))
	assert.False(t, IsOrderingConflict(rpc))
	assert.False(t, IsOrderingConflict(errors.New("nonce too low")))
	assert.False(t, IsOrderingConflict(nil))
}

func TestChainErrorKindString(t *testing.T) {
	assert.Equal(t, "rpc", ChainErrRPC.String())
	assert.Equal(t, "ordering_conflict", ChainErrOrderingConflict.String())
	assert.Equal(t, "reverted", ChainErrReverted.String())
	assert.Equal(t, "timeout", ChainErrTimeout.String())
}
