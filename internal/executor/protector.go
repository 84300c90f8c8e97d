package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// TradeProtector supplies the slippage and validity bounds a bundle must
// carry before it is built.
type TradeProtector interface {
	Bounds(ctx context.Context, opp domain.ArbitrageOpportunity) (domain.ProtectionBounds, error)
}

// SlippageProtector derives bounds from a maximum slippage:
//
//	expected_output = trade_size × sell_price / buy_price
//	min_output      = expected_output × (1 − max_slippage)
//
// When Params is set its MaxSlippage overrides the static value.
type SlippageProtector struct {
	MaxSlippage decimal.Decimal
	Validity    time.Duration
	Params      domain.ParameterProvider
}

// Bounds implements TradeProtector.
func (p SlippageProtector) Bounds(ctx context.Context, opp domain.ArbitrageOpportunity) (domain.ProtectionBounds, error) {
	slippage := p.MaxSlippage
	if p.Params != nil {
		params, err := p.Params.Params(ctx)
		if err != nil {
			return domain.ProtectionBounds{}, fmt.Errorf("executor: protector params: %w", err)
		}
		if params.MaxSlippage.IsPositive() {
			slippage = params.MaxSlippage
		}
	}
	if slippage.IsNegative() || slippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return domain.ProtectionBounds{}, fmt.Errorf("executor: max slippage %s out of range", slippage)
	}
	if !opp.BuyPrice.IsPositive() {
		return domain.ProtectionBounds{}, fmt.Errorf("executor: buy price %s not positive", opp.BuyPrice)
	}

	expected := opp.TradeSize.Mul(opp.SellPrice).Div(opp.BuyPrice)
	return domain.ProtectionBounds{
		ExpectedOutput: expected,
		MinOutput:      expected.Mul(decimal.NewFromInt(1).Sub(slippage)),
		MaxSlippage:    slippage,
		ValidityWindow: p.Validity,
	}, nil
}
