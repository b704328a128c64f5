// Package units converts between human decimal amounts and integer base units.
//
// Base-unit magnitudes for 18-decimal assets exceed 64 bits, so every
// computation goes through arbitrary-precision integers.
package units

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/availwatch/internal/faults"
)

// DefaultDecimals is the native asset precision of the ledger.
const DefaultDecimals = 18

// DefaultDisplayDecimals is the number of fractional digits shown for balances.
const DefaultDisplayDecimals = 6

// DefaultReserve is the display amount kept back for the transaction fee
// when checking whether a transfer is affordable.
const DefaultReserve = "0.124"

// ToBaseUnits converts a decimal string such as "1.5" into its base-unit
// integer representation. The fractional part is right-padded with zeros or
// truncated to exactly decimals digits. An empty whole part before a
// fraction reads as zero, so ".5" is "0.5".
func ToBaseUnits(amount string, decimals int) (string, error) {
	if decimals < 0 {
		return "", faults.InvalidAmount(amount, "negative decimals")
	}

	whole, fraction, _ := strings.Cut(amount, ".")
	if whole == "" && fraction != "" {
		whole = "0"
	}
	if !isDigits(whole) {
		return "", faults.InvalidAmount(amount, "whole part is not a non-negative integer")
	}
	if fraction != "" && !isDigits(fraction) {
		return "", faults.InvalidAmount(amount, "fractional part is not numeric")
	}

	if len(fraction) > decimals {
		fraction = fraction[:decimals]
	} else {
		fraction += strings.Repeat("0", decimals-len(fraction))
	}

	n, ok := new(big.Int).SetString(whole+fraction, 10)
	if !ok {
		return "", faults.InvalidAmount(amount, "not representable")
	}
	return n.String(), nil
}

// FromBaseUnits converts a base-unit integer string into a decimal string with
// at most displayDecimals fractional digits. Extra digits are truncated, not
// rounded, and an all-zero fraction is omitted entirely.
func FromBaseUnits(amount string, decimals, displayDecimals int) (string, error) {
	n, ok := new(big.Int).SetString(amount, 10)
	if !ok || n.Sign() < 0 {
		return "", faults.InvalidAmount(amount, "not a non-negative integer")
	}
	return FormatBase(n, decimals, displayDecimals), nil
}

// FormatBase is FromBaseUnits for an already parsed integer.
func FormatBase(n *big.Int, decimals, displayDecimals int) string {
	if n == nil {
		return "0"
	}
	d := decimal.NewFromBigInt(n, -int32(decimals)).Truncate(int32(displayDecimals))
	return d.String()
}

// Sufficient reports whether free covers amount plus reserve. All three are
// decimal strings in display units; unparsable input is never sufficient.
func Sufficient(free, amount, reserve string) bool {
	f, err := decimal.NewFromString(free)
	if err != nil {
		return false
	}
	a, err := decimal.NewFromString(amount)
	if err != nil {
		return false
	}
	r, err := decimal.NewFromString(reserve)
	if err != nil {
		return false
	}
	return f.GreaterThanOrEqual(a.Add(r))
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
