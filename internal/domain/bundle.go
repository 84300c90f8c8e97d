package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// BundleState is the lifecycle state of a protected bundle.
type BundleState string

const (
	BundlePendingBuild BundleState = "PENDING_BUILD"
	BundleSimulated    BundleState = "SIMULATED"
	BundleSubmitted    BundleState = "SUBMITTED"
	BundleConfirmed    BundleState = "CONFIRMED"
	BundleRejected     BundleState = "REJECTED"
	BundleExpired      BundleState = "EXPIRED"
	BundleCancelled    BundleState = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s BundleState) Terminal() bool {
	switch s {
	case BundleConfirmed, BundleRejected, BundleExpired, BundleCancelled:
		return true
	default:
		return false
	}
}

// TxRole is the position of a transaction inside a bundle.
type TxRole string

const (
	TxRoleLead     TxRole = "lead"
	TxRoleTarget   TxRole = "target"
	TxRoleTrailing TxRole = "trailing"
)

// BundleTx is one signed transaction of a bundle.
type BundleTx struct {
	Role     TxRole   `json:"role"`
	Hash     string   `json:"hash"`
	Nonce    uint64   `json:"nonce"`
	To       string   `json:"to"`
	Value    *big.Int `json:"value"`
	GasLimit uint64   `json:"gas_limit"`
	Raw      string   `json:"raw"` // 0x-prefixed RLP of the signed tx
}

// ProtectionBounds are the slippage and validity limits a bundle must carry.
type ProtectionBounds struct {
	ExpectedOutput decimal.Decimal `json:"expected_output"`
	MinOutput      decimal.Decimal `json:"min_output"`
	MaxSlippage    decimal.Decimal `json:"max_slippage"`
	ValidityWindow time.Duration   `json:"validity_window"`
}

// Valid reports whether the bounds are usable: a positive minimum output not
// above the expected output and a non-zero validity window.
func (b ProtectionBounds) Valid() bool {
	if !b.MinOutput.IsPositive() || b.MinOutput.GreaterThan(b.ExpectedOutput) {
		return false
	}
	return b.ValidityWindow > 0
}

// ProtectedBundle is an ordered, atomically submitted set of transactions.
type ProtectedBundle struct {
	ID                 string           `json:"id"`
	OpportunityID      string           `json:"opportunity_id"`
	Token              string           `json:"token"`
	Transactions       []BundleTx       `json:"transactions"`
	TargetBlock        uint64           `json:"target_block"`
	ValidFrom          time.Time        `json:"valid_from"`
	ValidUntil         time.Time        `json:"valid_until"`
	RevertOnAnyFailure bool             `json:"revert_on_any_failure"`
	State              BundleState      `json:"state"`
	Bounds             ProtectionBounds `json:"bounds"`
	Fee                FeeEstimate      `json:"fee"`
	RelayBundleHash    string           `json:"relay_bundle_hash,omitempty"`
	SubmittedAt        *time.Time       `json:"submitted_at,omitempty"`
	Reason             string           `json:"reason,omitempty"`
	// Unsimulated marks a bundle submitted without a simulation because the
	// relay could not be reached.
	Unsimulated bool      `json:"unsimulated,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Target returns the target transaction of the bundle, if built.
func (b ProtectedBundle) Target() (BundleTx, bool) {
	for _, tx := range b.Transactions {
		if tx.Role == TxRoleTarget {
			return tx, true
		}
	}
	return BundleTx{}, false
}

// RawTransactions returns the signed transactions in bundle order.
func (b ProtectedBundle) RawTransactions() []string {
	out := make([]string, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		out = append(out, tx.Raw)
	}
	return out
}
