package arbitrage

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

var weiPerEther = decimal.New(1, 18)

// GasCost converts a fee estimate into the quote currency: max_total_fee ×
// gas_limit wei, expressed in ether, times the gas token's price. It returns
// fallback when the estimate or the gas token price is unavailable.
func GasCost(fee *domain.FeeEstimate, gasLimit uint64, gasTokenPrice, fallback decimal.Decimal) decimal.Decimal {
	if fee == nil || fee.MaxTotalFee == nil || fee.MaxTotalFee.Sign() <= 0 || gasLimit == 0 {
		return fallback
	}
	if !gasTokenPrice.IsPositive() {
		return fallback
	}
	wei := decimal.NewFromBigInt(fee.MaxTotalFee, 0).Mul(decimal.NewFromInt(int64(gasLimit)))
	return wei.Div(weiPerEther).Mul(gasTokenPrice)
}
