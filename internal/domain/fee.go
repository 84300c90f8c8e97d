package domain

import (
	"math/big"
	"time"
)

// FeeEstimate holds per-gas fee bounds in wei. MaxTotalFee is never below
// BaseFee + PriorityFee.
type FeeEstimate struct {
	BaseFee     *big.Int  `json:"base_fee"`
	PriorityFee *big.Int  `json:"priority_fee"`
	MaxTotalFee *big.Int  `json:"max_total_fee"`
	ComputedAt  time.Time `json:"computed_at"`
	SampleSize  int       `json:"sample_size"`
}

// Total returns BaseFee + PriorityFee.
func (f FeeEstimate) Total() *big.Int {
	out := new(big.Int)
	if f.BaseFee != nil {
		out.Add(out, f.BaseFee)
	}
	if f.PriorityFee != nil {
		out.Add(out, f.PriorityFee)
	}
	return out
}

// BlockFeeSample is the fee information extracted from one block.
type BlockFeeSample struct {
	Number         uint64
	BaseFee        *big.Int
	AvgPriorityFee *big.Int
	TxCount        int
	Time           time.Time
}
