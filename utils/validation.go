package utils

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/derek2403/dhal-way/types"
)

// ValidateAmount checks if an amount string is a valid non-negative decimal.
func ValidateAmount(amount string) (*decimal.Decimal, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	return &dec, nil
}

// USDToStableUnits converts a USD decimal into base units of the settlement
// stablecoin. The conversion truncates below the stablecoin's precision.
func USDToStableUnits(usd decimal.Decimal) *big.Int {
	return usd.Shift(types.StableDecimals).Truncate(0).BigInt()
}

// StableUnitsToUSD is the inverse of USDToStableUnits.
func StableUnitsToUSD(units *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(units, -types.StableDecimals)
}

// ValidateBigInt checks if a string is a valid base-10 big integer.
func ValidateBigInt(value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("value cannot be empty")
	}

	bigInt := new(big.Int)
	_, success := bigInt.SetString(value, 10)
	if !success {
		return nil, fmt.Errorf("invalid big integer format")
	}

	return bigInt, nil
}
