package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbguard/internal/crypto"
	"github.com/alanyoungcy/arbguard/internal/domain"
)

const executorABI = `[{
	"type": "function",
	"name": "executeArbitrage",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "opportunityId", "type": "bytes32"},
		{"name": "amountIn", "type": "uint256"},
		{"name": "minAmountOut", "type": "uint256"},
		{"name": "deadline", "type": "uint256"}
	],
	"outputs": []
}]`

const transferGas = 21_000

var parsedExecutorABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(executorABI))
	if err != nil {
		panic(fmt.Sprintf("executor: parse abi: %v", err))
	}
	return a
}()

// ExecuteCalldata encodes the executor contract call for opp. Amounts are
// scaled to 18 decimals.
func ExecuteCalldata(opp domain.ArbitrageOpportunity, bounds domain.ProtectionBounds, deadline time.Time) ([]byte, error) {
	data, err := parsedExecutorABI.Pack("executeArbitrage",
		[32]byte(common.HexToHash(opp.ID)),
		toWei(opp.TradeSize),
		toWei(bounds.MinOutput),
		big.NewInt(deadline.Unix()),
	)
	if err != nil {
		return nil, fmt.Errorf("executor: pack calldata: %w", err)
	}
	return data, nil
}

func toWei(d decimal.Decimal) *big.Int {
	return d.Shift(18).Truncate(0).BigInt()
}

// build signs the bundle transactions in order: optional lead, target,
// optional trailing. It returns the transactions and the first nonce used.
func (e *Engine) build(ctx context.Context, opp domain.ArbitrageOpportunity, bounds domain.ProtectionBounds, fee domain.FeeEstimate, deadline time.Time) ([]domain.BundleTx, uint64, error) {
	if fee.MaxTotalFee == nil || fee.PriorityFee == nil {
		return nil, 0, fmt.Errorf("executor: build: incomplete fee estimate")
	}
	self := e.deps.Signer.Address()
	nonce, err := e.deps.Chain.PendingNonceAt(ctx, self)
	if err != nil {
		return nil, 0, fmt.Errorf("executor: build: nonce: %w", err)
	}
	first := nonce

	data, err := ExecuteCalldata(opp, bounds, deadline)
	if err != nil {
		return nil, 0, err
	}

	type planned struct {
		role domain.TxRole
		p    domain.TxParams
	}
	base := func(to common.Address, gas uint64, data []byte) domain.TxParams {
		return domain.TxParams{
			To:        to.Hex(),
			Value:     new(big.Int),
			Data:      data,
			GasLimit:  gas,
			GasTipCap: new(big.Int).Set(fee.PriorityFee),
			GasFeeCap: new(big.Int).Set(fee.MaxTotalFee),
		}
	}

	var plan []planned
	if e.cfg.LeadTx {
		plan = append(plan, planned{domain.TxRoleLead, base(self, transferGas, nil)})
	}
	plan = append(plan, planned{domain.TxRoleTarget, base(e.cfg.ExecutorAddress, e.cfg.GasLimit, data)})
	if e.cfg.TrailingTx {
		plan = append(plan, planned{domain.TxRoleTrailing, base(self, transferGas, nil)})
	}

	out := make([]domain.BundleTx, 0, len(plan))
	for _, pl := range plan {
		pl.p.Nonce = nonce
		tx, err := e.sign(ctx, pl.p)
		if err != nil {
			return nil, 0, fmt.Errorf("executor: build %s tx: %w", pl.role, err)
		}
		btx, err := crypto.BundleTx(pl.role, tx)
		if err != nil {
			return nil, 0, fmt.Errorf("executor: build %s tx: %w", pl.role, err)
		}
		out = append(out, btx)
		nonce++
	}
	return out, first, nil
}

// sign runs p through the shaper and signs the result. A shaper that alters
// the destination, calldata or nonce is rejected.
func (e *Engine) sign(ctx context.Context, p domain.TxParams) (*types.Transaction, error) {
	shaped := e.deps.Shaper.Shape(ctx, p)
	if !strings.EqualFold(shaped.To, p.To) || shaped.Nonce != p.Nonce || string(shaped.Data) != string(p.Data) {
		return nil, fmt.Errorf("tx shaper altered destination, calldata or nonce")
	}
	return e.deps.Signer.SignTx(shaped)
}

// replace preempts a submitted bundle by spending its first nonce on a
// zero-value self-transfer with bumped fees.
func (e *Engine) replace(ctx context.Context, h *handle) error {
	h.mu.Lock()
	nonce, fee, id := h.firstNonce, h.fee, h.bundle.ID
	h.mu.Unlock()
	if fee.MaxTotalFee == nil || fee.PriorityFee == nil {
		return fmt.Errorf("executor: replace %s: bundle was never built", id)
	}

	self := e.deps.Signer.Address()
	p := domain.TxParams{
		To:        self.Hex(),
		Value:     new(big.Int),
		GasLimit:  transferGas,
		GasTipCap: bump(fee.PriorityFee, e.cfg.ReplacementFeeBump),
		GasFeeCap: bump(fee.MaxTotalFee, e.cfg.ReplacementFeeBump),
		Nonce:     nonce,
	}
	tx, err := e.deps.Signer.SignTx(p)
	if err != nil {
		return fmt.Errorf("executor: replace %s: %w", id, err)
	}
	if err := e.deps.Chain.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("executor: replace %s: %w", id, err)
	}
	e.logger.WarnContext(ctx, "replacement transaction broadcast",
		slog.String("bundle_id", id),
		slog.Uint64("nonce", nonce),
		slog.String("tx", tx.Hash().Hex()),
	)
	return nil
}

func bump(v *big.Int, factor float64) *big.Int {
	f := new(big.Float).SetInt(v)
	f.Mul(f, big.NewFloat(factor))
	out, _ := f.Int(nil)
	// Must exceed the original.
	if out.Cmp(v) <= 0 {
		out = new(big.Int).Add(v, big.NewInt(1))
	}
	return out
}
