package chain

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbguard/internal/retry"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// newRPCServer answers JSON-RPC calls from a method -> result table.
func newRPCServer(t *testing.T, results map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, ok := results[req.Method]
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]any{"code": -32601, "message": "method not found"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testPolicy() retry.Policy {
	return retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, CallTimeout: time.Second}
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url, testPolicy(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestClient_Calls(t *testing.T) {
	srv := newRPCServer(t, map[string]any{
		"eth_chainId":               "0x1",
		"eth_blockNumber":           "0x10",
		"eth_getBalance":            "0xde0b6b3a7640000",
		"eth_getTransactionCount":   "0x5",
		"eth_getTransactionReceipt": nil,
	})
	c := dial(t, srv.URL)
	ctx := context.Background()
	addr := common.HexToAddress("0x000000000000000000000000000000000000dEaD")

	id, err := c.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id.Int64())

	n, err := c.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), n)

	bal, err := c.BalanceAt(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", bal.String())

	nonce, err := c.PendingNonceAt(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), nonce)

	inc, err := c.Inclusion(ctx, "0x01")
	require.NoError(t, err)
	assert.False(t, inc.Included)
}

func TestClient_ErrorsAreWrapped(t *testing.T) {
	c := dial(t, newRPCServer(t, nil).URL)
	_, err := c.BalanceAt(context.Background(), common.Address{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain: balance")
}

func TestEffectiveTip(t *testing.T) {
	to := common.HexToAddress("0x01")
	dyn := types.NewTx(&types.DynamicFeeTx{
		GasTipCap: big.NewInt(3),
		GasFeeCap: big.NewInt(12),
		To:        &to,
	})
	legacy := types.NewTx(&types.LegacyTx{GasPrice: big.NewInt(15), To: &to})

	tests := []struct {
		name string
		tx   *types.Transaction
		base *big.Int
		want int64
	}{
		{name: "tip below headroom", tx: dyn, base: big.NewInt(5), want: 3},
		{name: "headroom caps tip", tx: dyn, base: big.NewInt(10), want: 2},
		{name: "underpriced", tx: dyn, base: big.NewInt(20), want: -8},
		{name: "legacy", tx: legacy, base: big.NewInt(10), want: 5},
		{name: "no base fee", tx: dyn, base: nil, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EffectiveTip(tt.tx, tt.base).Int64())
		})
	}
}

func TestFeeSample_EmptyBlock(t *testing.T) {
	b := types.NewBlockWithHeader(&types.Header{
		Number:  big.NewInt(42),
		BaseFee: big.NewInt(7),
		Time:    1_700_000_000,
	})
	s := FeeSample(b)
	assert.Equal(t, uint64(42), s.Number)
	assert.Equal(t, int64(7), s.BaseFee.Int64())
	assert.Zero(t, s.TxCount)
	assert.Zero(t, s.AvgPriorityFee.Sign())
	assert.Equal(t, int64(1_700_000_000), s.Time.Unix())
}
