package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derek2403/dhal-way/registry"
	"github.com/derek2403/dhal-way/types"
)

// fakeGateway records every call and returns deterministic transaction
// hashes. Individual operations can be scripted to fail.
type fakeGateway struct {
	mu    sync.Mutex
	chain types.Chain
	seq   int
	calls []string

	// failures maps an operation name to a queue of errors returned before
	// the operation starts succeeding.
	failures map[string][]error
	hashes   []string
}

func newFakeGateway(chain types.Chain) *fakeGateway {
	return &fakeGateway{chain: chain, failures: make(map[string][]error)}
}

func (f *fakeGateway) failNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

func (f *fakeGateway) do(op string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if queue := f.failures[op]; len(queue) > 0 {
		err := queue[0]
		f.failures[op] = queue[1:]
		return "", err
	}
	f.seq++
	hash := fmt.Sprintf("0x%s-%s-%d", f.chain, op, f.seq)
	f.hashes = append(f.hashes, hash)
	return hash, nil
}

func (f *fakeGateway) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeGateway) ApproveStable(context.Context, common.Address, *big.Int) (string, error) {
	return f.do("approve")
}

func (f *fakeGateway) MintBridgeToken(context.Context, *big.Int) (string, error) {
	return f.do("mint")
}

func (f *fakeGateway) BurnBridgeToken(context.Context, *big.Int) (string, error) {
	return f.do("burn")
}

func (f *fakeGateway) TransferToken(context.Context, common.Address, common.Address, *big.Int) (string, error) {
	return f.do("transfer")
}

func (f *fakeGateway) ExactSwap(context.Context, common.Address, common.Address, *big.Int, *big.Int) (string, error) {
	return f.do("swap")
}

func (f *fakeGateway) QuoteBridgeFee(context.Context, uint32, *big.Int) (*big.Int, error) {
	if _, err := f.do("quote"); err != nil {
		return nil, err
	}
	return big.NewInt(1000), nil
}

func (f *fakeGateway) BridgeSend(context.Context, uint32, *big.Int, *big.Int) (string, error) {
	return f.do("send")
}

func (f *fakeGateway) WaitForConfirmation(context.Context, string) error { return nil }

func (f *fakeGateway) SignerAddress() common.Address {
	return common.HexToAddress("0x1111111111111111111111111111111111111111")
}

func (f *fakeGateway) Close() {}

func testConfig() Config {
	return Config{
		MaxAttempts:    3,
		RetryDelay:     time.Millisecond,
		InterTxDelay:   0,
		BridgeWait:     20 * time.Millisecond,
		BridgeWaitTick: 10 * time.Millisecond,
	}
}

func newTestExecutor(t *testing.T, chains ...types.Chain) (*Executor, map[types.Chain]*fakeGateway) {
	t.Helper()
	e := NewExecutor(registry.Default(), NewFixedRateQuoter(), testConfig(), nil, nil)
	gateways := make(map[types.Chain]*fakeGateway)
	for _, c := range chains {
		gw := newFakeGateway(c)
		require.NoError(t, e.AddGateway(c, gw))
		gateways[c] = gw
	}
	return e, gateways
}

func stepsByPhase(steps []types.ExecutionStep, phase types.Phase) []types.ExecutionStep {
	var out []types.ExecutionStep
	for _, s := range steps {
		if s.Phase == phase {
			out = append(out, s)
		}
	}
	return out
}

func TestExecuteSingleCrossChainRun(t *testing.T) {
	e, gateways := newTestExecutor(t, types.ChainArbitrumSepolia, types.ChainBaseSepolia)

	result, err := e.Execute(context.Background(), &types.ExecuteRequest{
		UserPayments: []types.PaymentItem{
			{Chain: types.ChainArbitrumSepolia, Token: "USDC", USDValue: "10.00"},
		},
		MerchantAddress: "0x742d35Cc6634C0532925a3b8D4C9db96590b5b8c",
		MerchantPayouts: []types.PayoutItem{
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "10.00"},
		},
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "10.00", result.TotalUSD)
	assert.Empty(t, result.ParkedUSD)

	assert.Len(t, stepsByPhase(result.Steps, types.PhaseCollection), 1)
	assert.Len(t, stepsByPhase(result.Steps, types.PhaseBridging), 1)
	assert.Len(t, stepsByPhase(result.Steps, types.PhaseWaiting), 1)
	assert.Len(t, stepsByPhase(result.Steps, types.PhaseSettlement), 1)

	for _, step := range result.Steps {
		assert.Equal(t, types.StepComplete, step.Status, "step %s", step.Description)
	}

	bridging := stepsByPhase(result.Steps, types.PhaseBridging)[0]
	assert.Equal(t, types.ChainArbitrumSepolia, bridging.Chain)
	assert.Contains(t, bridging.BridgeScanURL, "layerzeroscan.com")

	// Collection on the source, burn+transfer on the destination.
	assert.Equal(t, 1, gateways[types.ChainArbitrumSepolia].callCount("approve"))
	assert.Equal(t, 1, gateways[types.ChainArbitrumSepolia].callCount("mint"))
	assert.Equal(t, 1, gateways[types.ChainArbitrumSepolia].callCount("send"))
	assert.Equal(t, 1, gateways[types.ChainBaseSepolia].callCount("burn"))
	assert.Equal(t, 1, gateways[types.ChainBaseSepolia].callCount("transfer"))
	assert.Equal(t, 0, gateways[types.ChainBaseSepolia].callCount("swap"))
}

func TestExecuteSameChainSkipsBridging(t *testing.T) {
	e, gateways := newTestExecutor(t, types.ChainBaseSepolia)

	result, err := e.Execute(context.Background(), &types.ExecuteRequest{
		UserPayments: []types.PaymentItem{
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "5.00"},
		},
		MerchantAddress: "0x742d35Cc6634C0532925a3b8D4C9db96590b5b8c",
		MerchantPayouts: []types.PayoutItem{
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "5.00"},
		},
	})
	require.NoError(t, err)

	assert.Empty(t, stepsByPhase(result.Steps, types.PhaseBridging))
	assert.Equal(t, 0, gateways[types.ChainBaseSepolia].callCount("send"))

	// The waiting step is always present; an all-local run completes it
	// immediately.
	waiting := stepsByPhase(result.Steps, types.PhaseWaiting)
	require.Len(t, waiting, 1)
	assert.Equal(t, types.StepComplete, waiting[0].Status)
	require.NotEmpty(t, waiting[0].Substeps)
	assert.Contains(t, waiting[0].Substeps[0], "nothing to wait for")
}

func TestExecuteRefusesTotalsMismatch(t *testing.T) {
	e, gateways := newTestExecutor(t, types.ChainBaseSepolia)

	_, err := e.Execute(context.Background(), &types.ExecuteRequest{
		UserPayments: []types.PaymentItem{
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "10.00"},
		},
		MerchantAddress: "0x742d35Cc6634C0532925a3b8D4C9db96590b5b8c",
		MerchantPayouts: []types.PayoutItem{
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "10.02"},
		},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrTotalsMismatch, types.CodeOf(err))

	// Nothing was submitted anywhere.
	assert.Empty(t, gateways[types.ChainBaseSepolia].calls)
}

func TestExecuteAcceptsTotalsWithinTolerance(t *testing.T) {
	e, _ := newTestExecutor(t, types.ChainBaseSepolia)

	result, err := e.Execute(context.Background(), &types.ExecuteRequest{
		UserPayments: []types.PaymentItem{
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "10.00"},
		},
		MerchantAddress: "0x742d35Cc6634C0532925a3b8D4C9db96590b5b8c",
		MerchantPayouts: []types.PayoutItem{
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "10.01"},
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestExecuteRefusesUnknownChain(t *testing.T) {
	e, _ := newTestExecutor(t, types.ChainBaseSepolia)

	_, err := e.Execute(context.Background(), &types.ExecuteRequest{
		UserPayments: []types.PaymentItem{
			{Chain: "hardhat-local", Token: "USDC", USDValue: "10.00"},
		},
		MerchantAddress: "0x742d35Cc6634C0532925a3b8D4C9db96590b5b8c",
		MerchantPayouts: []types.PayoutItem{
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "10.00"},
		},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrUnknownChain, types.CodeOf(err))
}

func TestExecuteRetriesOrderingConflict(t *testing.T) {
	e, gateways := newTestExecutor(t, types.ChainBaseSepolia)
	gw := gateways[types.ChainBaseSepolia]

	gw.failNext("mint", &types.ChainError{
		Kind:  types.ChainErrOrderingConflict,
		Chain: types.ChainBaseSepolia,
		Op:    "mint",
		Err:   fmt.Errorf("nonce too low"),
	})

	result, err := e.Execute(context.Background(), &types.ExecuteRequest{
		UserPayments: []types.PaymentItem{
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "10.00"},
		},
		MerchantAddress: "0x742d35Cc6634C0532925a3b8D4C9db96590b5b8c",
		MerchantPayouts: []types.PayoutItem{
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "10.00"},
		},
	})
	require.NoError(t, err)

	collection := stepsByPhase(result.Steps, types.PhaseCollection)[0]
	assert.Equal(t, types.StepComplete, collection.Status)
	assert.Equal(t, 2, gw.callCount("mint"))

	// The recorded hash must be the one from the successful resubmission.
	assert.Contains(t, collection.TxHash, "mint")
	assert.Equal(t, collection.TxHash, gw.hashes[len(gw.hashes)-3])
}

func TestExecuteGivesUpAfterMaxAttempts(t *testing.T) {
	e, gateways := newTestExecutor(t, types.ChainBaseSepolia)
	gw := gateways[types.ChainBaseSepolia]

	conflict := func() error {
		return &types.ChainError{
			Kind:  types.ChainErrOrderingConflict,
			Chain: types.ChainBaseSepolia,
			Op:    "approve",
			Err:   fmt.Errorf("nonce too low"),
		}
	}
	gw.failNext("approve", conflict(), conflict(), conflict())

	result, err := e.Execute(context.Background(), &types.ExecuteRequest{
		UserPayments: []types.PaymentItem{
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "10.00"},
		},
		MerchantAddress: "0x742d35Cc6634C0532925a3b8D4C9db96590b5b8c",
		MerchantPayouts: []types.PayoutItem{
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "10.00"},
		},
	})
	require.NoError(t, err)

	collection := stepsByPhase(result.Steps, types.PhaseCollection)[0]
	assert.Equal(t, types.StepFailed, collection.Status)
	assert.NotEmpty(t, collection.Error)
	assert.Equal(t, 3, gw.callCount("approve"))
	assert.Equal(t, 0, gw.callCount("mint"))
}

func TestExecuteDoesNotRetryReverts(t *testing.T) {
	e, gateways := newTestExecutor(t, types.ChainBaseSepolia)
	gw := gateways[types.ChainBaseSepolia]

	gw.failNext("mint", &types.ChainError{
		Kind:  types.ChainErrReverted,
		Chain: types.ChainBaseSepolia,
		Op:    "mint",
		Err:   fmt.Errorf("execution reverted"),
	})

	result, err := e.Execute(context.Background(), &types.ExecuteRequest{
		UserPayments: []types.PaymentItem{
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "10.00"},
		},
		MerchantAddress: "0x742d35Cc6634C0532925a3b8D4C9db96590b5b8c",
		MerchantPayouts: []types.PayoutItem{
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "10.00"},
		},
	})
	require.NoError(t, err)

	collection := stepsByPhase(result.Steps, types.PhaseCollection)[0]
	assert.Equal(t, types.StepFailed, collection.Status)
	assert.Equal(t, 1, gw.callCount("mint"))
}

func TestExecuteParksFailedPayouts(t *testing.T) {
	e, gateways := newTestExecutor(t, types.ChainArbitrumSepolia, types.ChainBaseSepolia)
	gw := gateways[types.ChainBaseSepolia]

	gw.failNext("burn", &types.ChainError{
		Kind:  types.ChainErrRPC,
		Chain: types.ChainBaseSepolia,
		Op:    "burn",
		Err:   fmt.Errorf("connection refused"),
	})

	result, err := e.Execute(context.Background(), &types.ExecuteRequest{
		UserPayments: []types.PaymentItem{
			{Chain: types.ChainArbitrumSepolia, Token: "USDC", USDValue: "10.00"},
		},
		MerchantAddress: "0x742d35Cc6634C0532925a3b8D4C9db96590b5b8c",
		MerchantPayouts: []types.PayoutItem{
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "10.00"},
		},
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	settlement := stepsByPhase(result.Steps, types.PhaseSettlement)[0]
	assert.Equal(t, types.StepFailed, settlement.Status)
	assert.Equal(t, "10.00", result.ParkedUSD)
}

func TestExecuteMultiSourceMultiDest(t *testing.T) {
	e, _ := newTestExecutor(t,
		types.ChainArbitrumSepolia, types.ChainBaseSepolia, types.ChainOptimismSepolia)

	result, err := e.Execute(context.Background(), &types.ExecuteRequest{
		UserPayments: []types.PaymentItem{
			{Chain: types.ChainArbitrumSepolia, Token: "USDC", USDValue: "6.00"},
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "4.00"},
		},
		MerchantAddress: "0x742d35Cc6634C0532925a3b8D4C9db96590b5b8c",
		MerchantPayouts: []types.PayoutItem{
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "4.00"},
			{Chain: types.ChainOptimismSepolia, Token: "USDC", USDValue: "6.00"},
		},
	})
	require.NoError(t, err)

	assert.Len(t, stepsByPhase(result.Steps, types.PhaseCollection), 2)
	// Base's collection covers Base's payout locally; only the Arbitrum
	// value moves, to Optimism.
	bridging := stepsByPhase(result.Steps, types.PhaseBridging)
	require.Len(t, bridging, 1)
	assert.Equal(t, types.ChainArbitrumSepolia, bridging[0].Chain)
	assert.Len(t, stepsByPhase(result.Steps, types.PhaseWaiting), 1)
	assert.Len(t, stepsByPhase(result.Steps, types.PhaseSettlement), 2)
	assert.Equal(t, "10.00", result.TotalUSD)
}

func TestExecuteSwapsNonStableLineItems(t *testing.T) {
	e, gateways := newTestExecutor(t, types.ChainSepolia)
	gw := gateways[types.ChainSepolia]

	result, err := e.Execute(context.Background(), &types.ExecuteRequest{
		UserPayments: []types.PaymentItem{
			{Chain: types.ChainSepolia, Token: "ETH", USDValue: "10.00"},
		},
		MerchantAddress: "0x742d35Cc6634C0532925a3b8D4C9db96590b5b8c",
		MerchantPayouts: []types.PayoutItem{
			{Chain: types.ChainSepolia, Token: "ETH", USDValue: "10.00"},
		},
	})
	require.NoError(t, err)

	// One swap into the stablecoin at collection, one back out at
	// settlement.
	assert.Equal(t, 2, gw.callCount("swap"))
	for _, step := range result.Steps {
		assert.Equal(t, types.StepComplete, step.Status, "step %s", step.Description)
	}
}

func TestPlanBridgesNetsLocalValue(t *testing.T) {
	transfers := planBridges(
		[]types.PaymentItem{
			{Chain: types.ChainArbitrumSepolia, Token: "USDC", USDValue: "7.00"},
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "3.00"},
		},
		[]types.PayoutItem{
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "10.00"},
		},
	)

	require.Len(t, transfers, 1)
	assert.Equal(t, types.ChainArbitrumSepolia, transfers[0].Source)
	assert.Equal(t, types.ChainBaseSepolia, transfers[0].Dest)
	assert.Equal(t, "7", transfers[0].USD.String())
}

// fakeTracker reports every send delivered once it has been polled a fixed
// number of times.
type fakeTracker struct {
	mu    sync.Mutex
	after int
	polls int
}

func (f *fakeTracker) Delivered(context.Context, types.Chain, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return f.polls >= f.after, nil
}

func crossChainRequest() *types.ExecuteRequest {
	return &types.ExecuteRequest{
		UserPayments: []types.PaymentItem{
			{Chain: types.ChainArbitrumSepolia, Token: "USDC", USDValue: "10.00"},
		},
		MerchantAddress: "0x742d35Cc6634C0532925a3b8D4C9db96590b5b8c",
		MerchantPayouts: []types.PayoutItem{
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "10.00"},
		},
	}
}

func TestExecuteTrackerCompletesWaitEarly(t *testing.T) {
	e, _ := newTestExecutor(t, types.ChainArbitrumSepolia, types.ChainBaseSepolia)
	tracker := &fakeTracker{after: 1}
	e.SetDeliveryTracker(tracker)

	result, err := e.Execute(context.Background(), crossChainRequest())
	require.NoError(t, err)

	waiting := stepsByPhase(result.Steps, types.PhaseWaiting)
	require.Len(t, waiting, 1)
	assert.Equal(t, types.StepComplete, waiting[0].Status)
	require.NotEmpty(t, waiting[0].Substeps)
	assert.Contains(t, waiting[0].Substeps[len(waiting[0].Substeps)-1], "all sends delivered")
	assert.Equal(t, 1, tracker.polls)
}

func TestExecuteTrackerTimesOut(t *testing.T) {
	e, _ := newTestExecutor(t, types.ChainArbitrumSepolia, types.ChainBaseSepolia)
	e.SetDeliveryTracker(&fakeTracker{after: 1000})

	result, err := e.Execute(context.Background(), crossChainRequest())
	require.NoError(t, err)

	waiting := stepsByPhase(result.Steps, types.PhaseWaiting)
	require.Len(t, waiting, 1)
	assert.Equal(t, types.StepFailed, waiting[0].Status)
	assert.Contains(t, waiting[0].Error, "undelivered")

	// The run still carries on into settlement.
	settlement := stepsByPhase(result.Steps, types.PhaseSettlement)
	require.Len(t, settlement, 1)
	assert.Equal(t, types.StepComplete, settlement[0].Status)
}

func TestExecuteConcurrentRunsOnOneChain(t *testing.T) {
	e, gateways := newTestExecutor(t, types.ChainBaseSepolia)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := e.Execute(context.Background(), &types.ExecuteRequest{
				UserPayments: []types.PaymentItem{
					{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "5.00"},
				},
				MerchantAddress: "0x742d35Cc6634C0532925a3b8D4C9db96590b5b8c",
				MerchantPayouts: []types.PayoutItem{
					{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "5.00"},
				},
			})
			assert.NoError(t, err)
			assert.True(t, result.Success)
		}()
	}
	wg.Wait()

	gw := gateways[types.ChainBaseSepolia]
	assert.Equal(t, 4, gw.callCount("mint"))
	assert.Equal(t, 4, gw.callCount("transfer"))
}

func TestExecuteContextCancellation(t *testing.T) {
	e, _ := newTestExecutor(t, types.ChainArbitrumSepolia, types.ChainBaseSepolia)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := e.Execute(ctx, &types.ExecuteRequest{
		UserPayments: []types.PaymentItem{
			{Chain: types.ChainArbitrumSepolia, Token: "USDC", USDValue: "10.00"},
		},
		MerchantAddress: "0x742d35Cc6634C0532925a3b8D4C9db96590b5b8c",
		MerchantPayouts: []types.PayoutItem{
			{Chain: types.ChainBaseSepolia, Token: "USDC", USDValue: "10.00"},
		},
	})
	require.NoError(t, err)

	// A cancelled context still yields a complete execution log; the steps
	// that needed to pause are marked failed.
	waiting := stepsByPhase(result.Steps, types.PhaseWaiting)
	require.Len(t, waiting, 1)
	assert.Equal(t, types.StepFailed, waiting[0].Status)
}
