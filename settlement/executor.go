// Package settlement executes an approved set of payment and payout line
// items as a phased, best-effort, cross-chain workflow: collect each payment
// into bridge token on its source chain, bridge to the payout chains, wait
// out cross-chain delivery, then burn and pay the merchant. Failures are
// scoped to individual steps; a failing chain never blocks the others, and
// the run always produces a complete execution log.
package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/derek2403/dhal-way/logger"
	"github.com/derek2403/dhal-way/metrics"
	"github.com/derek2403/dhal-way/registry"
	"github.com/derek2403/dhal-way/types"
	"github.com/derek2403/dhal-way/utils"
)

// totalsTolerance is the largest acceptable gap between the payment and
// payout totals of one run.
var totalsTolerance = decimal.NewFromFloat(0.01)

// Config tunes the executor's pacing and retry behavior.
type Config struct {
	// MaxAttempts caps submissions of one transaction across
	// ordering-conflict retries.
	MaxAttempts int

	// RetryDelay is the fixed backoff after an ordering conflict.
	RetryDelay time.Duration

	// InterTxDelay separates dependent transactions on the same chain to
	// reduce ordering races at the RPC layer.
	InterTxDelay time.Duration

	// BridgeWait is the unconditional pause for cross-chain delivery,
	// reported in BridgeWaitTick increments for progress visibility.
	BridgeWait     time.Duration
	BridgeWaitTick time.Duration
}

// DefaultConfig returns the reference pacing: 3 attempts, 3s backoff, 2s
// between dependent transactions, 120s bridge wait ticked every 10s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		RetryDelay:     3 * time.Second,
		InterTxDelay:   2 * time.Second,
		BridgeWait:     120 * time.Second,
		BridgeWaitTick: 10 * time.Second,
	}
}

// Executor drives settlement runs across the configured chain gateways.
// Phases and the steps within them run sequentially; the backend signer's
// per-chain nonce space is the reason intra-chain order must hold, and the
// sequential schedule is the simplest way to hold it. Concurrent runs are
// safe: each chain-touching step holds that chain's lock for its duration.
type Executor struct {
	registry *registry.Registry
	quoter   SwapQuoter
	tracker  DeliveryTracker
	cfg      Config
	log      logger.Logger
	metrics  metrics.Recorder

	mu       sync.RWMutex
	gateways map[types.Chain]ChainGateway
	chainMu  map[types.Chain]*sync.Mutex
}

// SetDeliveryTracker switches the waiting phase from a fixed pause to
// delivery polling. Must be called before Execute.
func (e *Executor) SetDeliveryTracker(t DeliveryTracker) {
	e.tracker = t
}

// NewExecutor creates an executor. A nil quoter disables non-stablecoin line
// items; nil logger and recorder fall back to noops.
func NewExecutor(reg *registry.Registry, quoter SwapQuoter, cfg Config, log logger.Logger, rec metrics.Recorder) *Executor {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Executor{
		registry: reg,
		quoter:   quoter,
		cfg:      cfg,
		log:      log,
		metrics:  rec,
		gateways: make(map[types.Chain]ChainGateway),
		chainMu:  make(map[types.Chain]*sync.Mutex),
	}
}

// AddGateway registers the gateway for a chain. The chain must be known to
// the registry.
func (e *Executor) AddGateway(chain types.Chain, gw ChainGateway) error {
	if !e.registry.Has(chain) {
		return &types.Error{
			Code:    types.ErrUnknownChain,
			Message: fmt.Sprintf("unknown chain: %s", chain),
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gateways[chain] = gw
	return nil
}

// lockChain serializes steps touching one chain across concurrent runs. All
// runs share the signer's per-chain nonce space, and dependent transactions
// within a step (approve before mint, burn before transfer) must not
// interleave with another run's.
func (e *Executor) lockChain(chain types.Chain) func() {
	e.mu.Lock()
	l, ok := e.chainMu[chain]
	if !ok {
		l = &sync.Mutex{}
		e.chainMu[chain] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Executor) gateway(chain types.Chain) (ChainGateway, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	gw, ok := e.gateways[chain]
	if !ok {
		return nil, fmt.Errorf("no gateway configured for chain %s", chain)
	}
	return gw, nil
}

// Close closes all gateway connections.
func (e *Executor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, gw := range e.gateways {
		gw.Close()
	}
}

// Execute runs the four-phase workflow for the given line items. It refuses
// to start when the payment and payout totals diverge beyond the tolerance
// or when an item names an unregistered chain; after that point the run
// always completes, recording per-step outcomes in the returned log.
func (e *Executor) Execute(ctx context.Context, req *types.ExecuteRequest) (*types.ExecuteResult, error) {
	if err := req.Validate(); err != nil {
		return nil, &types.Error{Code: types.ErrInvalidRequest, Message: err.Error()}
	}

	payTotal, err := types.SumPayments(req.UserPayments)
	if err != nil {
		return nil, &types.Error{Code: types.ErrInvalidRequest, Message: err.Error()}
	}
	payoutTotal, err := types.SumPayouts(req.MerchantPayouts)
	if err != nil {
		return nil, &types.Error{Code: types.ErrInvalidRequest, Message: err.Error()}
	}
	if payTotal.Sub(payoutTotal).Abs().GreaterThan(totalsTolerance) {
		return nil, &types.Error{
			Code:    types.ErrTotalsMismatch,
			Message: fmt.Sprintf("payment total %s does not match payout total %s", payTotal, payoutTotal),
		}
	}

	for _, p := range req.UserPayments {
		if !e.registry.Has(p.Chain) {
			return nil, &types.Error{Code: types.ErrUnknownChain, Message: fmt.Sprintf("unknown chain: %s", p.Chain)}
		}
	}
	for _, p := range req.MerchantPayouts {
		if !e.registry.Has(p.Chain) {
			return nil, &types.Error{Code: types.ErrUnknownChain, Message: fmt.Sprintf("unknown chain: %s", p.Chain)}
		}
	}

	merchant := common.HexToAddress(req.MerchantAddress)
	start := time.Now()
	steps := make([]types.ExecutionStep, 0, 2*len(req.UserPayments)+len(req.MerchantPayouts)+1)

	e.log.Info("settlement run started", map[string]any{
		"payments": len(req.UserPayments),
		"payouts":  len(req.MerchantPayouts),
		"totalUSD": payTotal.StringFixed(2),
		"merchant": merchant.Hex(),
	})

	e.transition(types.RunCollecting)
	for _, payment := range req.UserPayments {
		steps = append(steps, e.recordStep(e.collect(ctx, payment)))
	}

	e.transition(types.RunBridging)
	transfers := planBridges(req.UserPayments, req.MerchantPayouts)
	var sends []bridgeSend
	for _, t := range transfers {
		step := e.recordStep(e.bridge(ctx, t))
		if step.Status == types.StepComplete {
			sends = append(sends, bridgeSend{Dest: t.Dest, TxHash: step.TxHash})
		}
		steps = append(steps, step)
	}

	e.transition(types.RunWaiting)
	if len(transfers) == 0 {
		// The log always carries exactly one waiting step, even when every
		// payout was funded locally and there is nothing to wait for.
		steps = append(steps, e.recordStep(types.ExecutionStep{
			Phase:       types.PhaseWaiting,
			Description: "Waiting for cross-chain bridge delivery",
			Substeps:    []string{"no cross-chain transfers, nothing to wait for"},
			Status:      types.StepComplete,
		}))
	} else {
		steps = append(steps, e.recordStep(e.waitForDelivery(ctx, sends)))
	}

	e.transition(types.RunSettling)
	parked := decimal.Zero
	for _, payout := range req.MerchantPayouts {
		step := e.recordStep(e.settle(ctx, payout, merchant))
		if step.Status == types.StepFailed {
			if usd, uerr := payout.USD(); uerr == nil {
				parked = parked.Add(usd)
			}
		}
		steps = append(steps, step)
	}

	e.transition(types.RunDone)
	e.log.Info("settlement run finished", map[string]any{
		"state":    string(types.RunDone),
		"steps":    len(steps),
		"duration": time.Since(start).String(),
	})
	e.metrics.ObserveLatency("settlement_run", time.Since(start), nil)

	result := &types.ExecuteResult{
		Success:  true,
		TotalUSD: payTotal.StringFixed(2),
		Steps:    steps,
	}
	if parked.IsPositive() {
		// Collected value whose payout failed stays parked as bridge-token
		// balance under the backend signer. There is no automatic refund;
		// operators must reconcile it.
		result.ParkedUSD = parked.StringFixed(2)
	}
	return result, nil
}

func (e *Executor) transition(s types.RunState) {
	e.log.Debug("run state changed", map[string]any{"state": string(s)})
}

func (e *Executor) recordStep(step types.ExecutionStep) types.ExecutionStep {
	labels := map[string]string{"network": step.Chain.String()}
	switch step.Status {
	case types.StepFailed:
		e.metrics.IncCounter("step_failed", labels)
		e.log.Warn("step failed", map[string]any{
			"phase": string(step.Phase),
			"chain": step.Chain.String(),
			"error": step.Error,
		})
	default:
		e.metrics.IncCounter("step_complete", labels)
	}
	return step
}

// collect runs Phase 1 for one payment item: swap into the stablecoin if
// needed, approve the bridge-token contract, then mint bridge token 1:1.
func (e *Executor) collect(ctx context.Context, p types.PaymentItem) types.ExecutionStep {
	step := types.ExecutionStep{
		Phase:       types.PhaseCollection,
		Chain:       p.Chain,
		Description: fmt.Sprintf("Collect %s USD (%s) on %s", p.USDValue, p.Token, p.Chain),
		Status:      types.StepProcessing,
	}

	usd, err := p.USD()
	if err != nil {
		return failStep(step, err)
	}
	profile, err := e.registry.Get(p.Chain)
	if err != nil {
		return failStep(step, err)
	}
	gw, err := e.gateway(p.Chain)
	if err != nil {
		return failStep(step, err)
	}
	defer e.lockChain(p.Chain)()

	stableAmount := utils.USDToStableUnits(usd)

	if p.Token != types.StableSymbol {
		if e.quoter == nil {
			return failStep(step, fmt.Errorf("no swap quoter configured for token %s", p.Token))
		}
		rate, err := e.quoter.Quote(ctx, p.Chain, p.Token, types.StableSymbol, decimal.NewFromInt(1))
		if err != nil {
			return failStep(step, err)
		}
		if !rate.IsPositive() {
			return failStep(step, fmt.Errorf("unusable %s/%s rate %s", p.Token, types.StableSymbol, rate))
		}
		amountIn := usd.Div(rate)
		tokenIn, err := e.registry.TokenAddress(p.Chain, p.Token)
		if err != nil {
			return failStep(step, err)
		}
		inUnits := amountIn.Shift(TokenDecimals(p.Token)).Truncate(0).BigInt()

		_, err = e.submit(ctx, gw, p.Chain, "swap", func(c context.Context) (string, error) {
			return gw.ExactSwap(c, tokenIn, profile.StableToken, inUnits, stableAmount)
		})
		if err != nil {
			return failStep(step, err)
		}
		step.Substeps = append(step.Substeps,
			fmt.Sprintf("swapped %s %s into %s %s", amountIn.StringFixed(6), p.Token, usd.StringFixed(2), types.StableSymbol))
		if err := e.pause(ctx, e.cfg.InterTxDelay); err != nil {
			return failStep(step, err)
		}
	}

	_, err = e.submit(ctx, gw, p.Chain, "approve", func(c context.Context) (string, error) {
		return gw.ApproveStable(c, profile.BridgeToken, stableAmount)
	})
	if err != nil {
		return failStep(step, err)
	}
	step.Substeps = append(step.Substeps,
		fmt.Sprintf("approved %s %s for the bridge token", usd.StringFixed(2), types.StableSymbol))
	if err := e.pause(ctx, e.cfg.InterTxDelay); err != nil {
		return failStep(step, err)
	}

	mintTx, err := e.submit(ctx, gw, p.Chain, "mint", func(c context.Context) (string, error) {
		return gw.MintBridgeToken(c, stableAmount)
	})
	if err != nil {
		return failStep(step, err)
	}
	step.Substeps = append(step.Substeps, fmt.Sprintf("minted %s bridge token", usd.StringFixed(2)))
	step.TxHash = mintTx
	step.ExplorerURL = profile.ExplorerURL(mintTx)
	step.Status = types.StepComplete
	return step
}

// bridgeTransfer is one planned cross-chain movement of collected value.
type bridgeTransfer struct {
	Source types.Chain
	Dest   types.Chain
	USD    decimal.Decimal
}

// planBridges matches collected source balances against destination needs.
// Value already sitting on a payout chain is consumed locally first, so a
// same-chain payment never produces a bridge transfer; the remainder is
// assigned greedily over sorted chain keys, yielding a deterministic plan
// with at most one transfer per (source, destination) pair.
func planBridges(payments []types.PaymentItem, payouts []types.PayoutItem) []bridgeTransfer {
	collected := make(map[types.Chain]decimal.Decimal)
	for _, p := range payments {
		usd, err := p.USD()
		if err != nil {
			continue // validated before the run starts
		}
		collected[p.Chain] = collected[p.Chain].Add(usd)
	}
	needed := make(map[types.Chain]decimal.Decimal)
	for _, p := range payouts {
		usd, err := p.USD()
		if err != nil {
			continue
		}
		needed[p.Chain] = needed[p.Chain].Add(usd)
	}

	for chain, have := range collected {
		want, ok := needed[chain]
		if !ok {
			continue
		}
		local := decimal.Min(have, want)
		collected[chain] = have.Sub(local)
		needed[chain] = want.Sub(local)
	}

	sources := sortedChains(collected)
	dests := sortedChains(needed)

	var transfers []bridgeTransfer
	for _, dst := range dests {
		for _, src := range sources {
			if src == dst {
				continue
			}
			amount := decimal.Min(collected[src], needed[dst])
			if !amount.IsPositive() {
				continue
			}
			transfers = append(transfers, bridgeTransfer{Source: src, Dest: dst, USD: amount})
			collected[src] = collected[src].Sub(amount)
			needed[dst] = needed[dst].Sub(amount)
		}
	}
	return transfers
}

func sortedChains(m map[types.Chain]decimal.Decimal) []types.Chain {
	out := make([]types.Chain, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// bridge runs Phase 2 for one planned transfer: quote the delivery fee, then
// send the bridge token cross-chain.
func (e *Executor) bridge(ctx context.Context, t bridgeTransfer) types.ExecutionStep {
	step := types.ExecutionStep{
		Phase:       types.PhaseBridging,
		Chain:       t.Source,
		Description: fmt.Sprintf("Bridge %s USD of bridge token: %s -> %s", t.USD.StringFixed(2), t.Source, t.Dest),
		Status:      types.StepProcessing,
	}

	srcProfile, err := e.registry.Get(t.Source)
	if err != nil {
		return failStep(step, err)
	}
	dstProfile, err := e.registry.Get(t.Dest)
	if err != nil {
		return failStep(step, err)
	}
	gw, err := e.gateway(t.Source)
	if err != nil {
		return failStep(step, err)
	}
	defer e.lockChain(t.Source)()

	amount := utils.USDToStableUnits(t.USD)

	fee, err := gw.QuoteBridgeFee(ctx, dstProfile.BridgeEndpointID, amount)
	if err != nil {
		return failStep(step, err)
	}
	step.Substeps = append(step.Substeps, fmt.Sprintf("bridge fee quoted: %s wei", fee))

	txHash, err := e.submit(ctx, gw, t.Source, "bridge send", func(c context.Context) (string, error) {
		return gw.BridgeSend(c, dstProfile.BridgeEndpointID, amount, fee)
	})
	if err != nil {
		return failStep(step, err)
	}
	if err := e.pause(ctx, e.cfg.InterTxDelay); err != nil {
		return failStep(step, err)
	}

	step.TxHash = txHash
	step.ExplorerURL = srcProfile.ExplorerURL(txHash)
	step.BridgeScanURL = registry.BridgeTrackingURL(txHash)
	step.Status = types.StepComplete
	return step
}

// bridgeSend is one completed Phase 2 submission awaiting delivery.
type bridgeSend struct {
	Dest   types.Chain
	TxHash string
}

// waitForDelivery runs Phase 3. Without a tracker it is a single fixed pause
// standing in for bridge delivery, surfaced in sub-increments. With a
// tracker it polls delivery each tick, completing as soon as every send has
// landed and failing with a delivery timeout when BridgeWait runs out first.
func (e *Executor) waitForDelivery(ctx context.Context, sends []bridgeSend) types.ExecutionStep {
	step := types.ExecutionStep{
		Phase:       types.PhaseWaiting,
		Description: fmt.Sprintf("Waiting up to %s for cross-chain bridge delivery", e.cfg.BridgeWait),
		Status:      types.StepProcessing,
	}

	total := e.cfg.BridgeWait
	tick := e.cfg.BridgeWaitTick
	if tick <= 0 || tick > total {
		tick = total
	}

	pending := make(map[string]bridgeSend, len(sends))
	if e.tracker != nil {
		for _, s := range sends {
			pending[s.TxHash] = s
		}
	}

	for elapsed := time.Duration(0); elapsed < total; {
		d := tick
		if remaining := total - elapsed; d > remaining {
			d = remaining
		}
		if err := e.pause(ctx, d); err != nil {
			return failStep(step, err)
		}
		elapsed += d

		if e.tracker == nil {
			step.Substeps = append(step.Substeps, fmt.Sprintf("%s / %s elapsed", elapsed, total))
			continue
		}

		for hash, s := range pending {
			done, err := e.tracker.Delivered(ctx, s.Dest, hash)
			if err != nil {
				e.log.Warn("delivery check failed", map[string]any{
					"dest":  s.Dest.String(),
					"tx":    hash,
					"error": err.Error(),
				})
				continue
			}
			if done {
				delete(pending, hash)
				step.Substeps = append(step.Substeps, fmt.Sprintf("delivered on %s: %s", s.Dest, hash))
			}
		}
		if len(pending) == 0 {
			step.Substeps = append(step.Substeps, fmt.Sprintf("all sends delivered after %s", elapsed))
			step.Status = types.StepComplete
			return step
		}
		step.Substeps = append(step.Substeps,
			fmt.Sprintf("%s / %s elapsed, %d sends pending", elapsed, total, len(pending)))
	}

	if e.tracker != nil && len(pending) > 0 {
		return failStep(step, &types.Error{
			Code:    types.ErrBridgeTimeout,
			Message: fmt.Sprintf("%d bridge sends undelivered after %s", len(pending), total),
		})
	}

	step.Status = types.StepComplete
	return step
}

// settle runs Phase 4 for one payout item: burn bridge token back into the
// stablecoin, swap into the payout token if needed, transfer to the
// merchant.
func (e *Executor) settle(ctx context.Context, p types.PayoutItem, merchant common.Address) types.ExecutionStep {
	step := types.ExecutionStep{
		Phase:       types.PhaseSettlement,
		Chain:       p.Chain,
		Description: fmt.Sprintf("Settle %s %s on %s", p.USDValue, p.Token, p.Chain),
		Status:      types.StepProcessing,
	}

	usd, err := p.USD()
	if err != nil {
		return failStep(step, err)
	}
	profile, err := e.registry.Get(p.Chain)
	if err != nil {
		return failStep(step, err)
	}
	gw, err := e.gateway(p.Chain)
	if err != nil {
		return failStep(step, err)
	}
	defer e.lockChain(p.Chain)()

	stableAmount := utils.USDToStableUnits(usd)

	_, err = e.submit(ctx, gw, p.Chain, "burn", func(c context.Context) (string, error) {
		return gw.BurnBridgeToken(c, stableAmount)
	})
	if err != nil {
		return failStep(step, err)
	}
	step.Substeps = append(step.Substeps,
		fmt.Sprintf("burned %s bridge token into %s", usd.StringFixed(2), types.StableSymbol))
	if err := e.pause(ctx, e.cfg.InterTxDelay); err != nil {
		return failStep(step, err)
	}

	transferToken := profile.StableToken
	transferAmount := stableAmount

	if p.Token != types.StableSymbol {
		if e.quoter == nil {
			return failStep(step, fmt.Errorf("no swap quoter configured for token %s", p.Token))
		}
		out, err := e.quoter.Quote(ctx, p.Chain, types.StableSymbol, p.Token, usd)
		if err != nil {
			return failStep(step, err)
		}
		tokenOut, err := e.registry.TokenAddress(p.Chain, p.Token)
		if err != nil {
			return failStep(step, err)
		}
		outUnits := out.Shift(TokenDecimals(p.Token)).Truncate(0).BigInt()

		_, err = e.submit(ctx, gw, p.Chain, "swap", func(c context.Context) (string, error) {
			return gw.ExactSwap(c, profile.StableToken, tokenOut, stableAmount, outUnits)
		})
		if err != nil {
			return failStep(step, err)
		}
		step.Substeps = append(step.Substeps,
			fmt.Sprintf("swapped %s %s into %s %s", usd.StringFixed(2), types.StableSymbol, out.StringFixed(6), p.Token))
		if err := e.pause(ctx, e.cfg.InterTxDelay); err != nil {
			return failStep(step, err)
		}

		transferToken = tokenOut
		transferAmount = outUnits
	} else {
		step.Substeps = append(step.Substeps, "already settlement stablecoin, no swap needed")
	}

	txHash, err := e.submit(ctx, gw, p.Chain, "transfer", func(c context.Context) (string, error) {
		return gw.TransferToken(c, transferToken, merchant, transferAmount)
	})
	if err != nil {
		return failStep(step, err)
	}
	step.Substeps = append(step.Substeps,
		fmt.Sprintf("transferred %s %s to %s", p.USDValue, p.Token, merchant.Hex()))
	step.TxHash = txHash
	step.ExplorerURL = profile.ExplorerURL(txHash)
	step.Status = types.StepComplete
	return step
}

// submit sends one transaction and waits for its confirmation, retrying only
// on ordering conflicts: a conflicting submission consumed nothing on-chain,
// so resubmitting with a fresh sequence number is safe. Every other error is
// terminal for the step.
func (e *Executor) submit(
	ctx context.Context,
	gw ChainGateway,
	chain types.Chain,
	op string,
	send func(context.Context) (string, error),
) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		txHash, err := send(ctx)
		if err == nil {
			if werr := gw.WaitForConfirmation(ctx, txHash); werr != nil {
				return "", werr
			}
			return txHash, nil
		}
		lastErr = err
		if !types.IsOrderingConflict(err) || attempt == e.cfg.MaxAttempts {
			return "", err
		}
		e.log.Warn("ordering conflict, resubmitting", map[string]any{
			"chain":   chain.String(),
			"op":      op,
			"attempt": attempt,
		})
		e.metrics.IncCounter("ordering_conflict_retry", map[string]string{"network": chain.String()})
		if serr := e.pause(ctx, e.cfg.RetryDelay); serr != nil {
			return "", serr
		}
	}
	return "", lastErr
}

func (e *Executor) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func failStep(step types.ExecutionStep, err error) types.ExecutionStep {
	step.Status = types.StepFailed
	step.Error = err.Error()
	return step
}
