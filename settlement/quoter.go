package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/derek2403/dhal-way/types"
)

// FixedRateQuoter prices swaps from a static USD price table with a flat
// 0.3% fee. It is the default quoter; swap it out for live pricing.
type FixedRateQuoter struct {
	prices map[string]decimal.Decimal
	fee    decimal.Decimal
}

// NewFixedRateQuoter builds the quoter with the default testnet price table.
func NewFixedRateQuoter() *FixedRateQuoter {
	return &FixedRateQuoter{
		prices: map[string]decimal.Decimal{
			"ETH":  decimal.NewFromInt(2500),
			"WETH": decimal.NewFromInt(2500),
			"USDC": decimal.NewFromInt(1),
			"USDT": decimal.NewFromInt(1),
			"DAI":  decimal.NewFromInt(1),
			"FLOW": decimal.NewFromFloat(0.70),
		},
		// 0.3% swap fee, applied to the output side.
		fee: decimal.NewFromFloat(0.997),
	}
}

// Quote converts amountIn of tokenIn into tokenOut at the table rates, net
// of the fee.
func (q *FixedRateQuoter) Quote(_ context.Context, _ types.Chain, tokenIn, tokenOut string, amountIn decimal.Decimal) (decimal.Decimal, error) {
	priceIn, ok := q.prices[tokenIn]
	if !ok {
		return decimal.Zero, &types.Error{
			Code:    types.ErrQuoteUnavailable,
			Message: fmt.Sprintf("no price for token %s", tokenIn),
		}
	}
	priceOut, ok := q.prices[tokenOut]
	if !ok {
		return decimal.Zero, &types.Error{
			Code:    types.ErrQuoteUnavailable,
			Message: fmt.Sprintf("no price for token %s", tokenOut),
		}
	}

	usd := amountIn.Mul(priceIn)
	return usd.Div(priceOut).Mul(q.fee), nil
}

// TokenDecimals returns the on-chain precision for a token symbol. Stables
// use 6 decimals; everything else is assumed to be an 18-decimal native or
// wrapped-native token.
func TokenDecimals(symbol string) int32 {
	switch symbol {
	case "USDC", "USDT":
		return 6
	default:
		return 18
	}
}
