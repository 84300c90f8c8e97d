package chain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// FeeSample extracts the base fee and the average effective priority fee
// of b's transactions.
func FeeSample(b *types.Block) domain.BlockFeeSample {
	base := b.BaseFee()
	s := domain.BlockFeeSample{
		Number:  b.NumberU64(),
		BaseFee: base,
		Time:    time.Unix(int64(b.Time()), 0).UTC(),
	}
	if base == nil {
		s.BaseFee = new(big.Int)
	}

	sum := new(big.Int)
	for _, tx := range b.Transactions() {
		tip := EffectiveTip(tx, base)
		if tip.Sign() < 0 {
			continue
		}
		sum.Add(sum, tip)
		s.TxCount++
	}
	if s.TxCount > 0 {
		s.AvgPriorityFee = sum.Div(sum, big.NewInt(int64(s.TxCount)))
	} else {
		s.AvgPriorityFee = new(big.Int)
	}
	return s
}

// EffectiveTip returns min(tip cap, fee cap − base fee). Legacy
// transactions report their gas price for both caps.
func EffectiveTip(tx *types.Transaction, baseFee *big.Int) *big.Int {
	tip := new(big.Int).Set(tx.GasTipCap())
	if baseFee == nil {
		return tip
	}
	headroom := new(big.Int).Sub(tx.GasFeeCap(), baseFee)
	if headroom.Cmp(tip) < 0 {
		return headroom
	}
	return tip
}
