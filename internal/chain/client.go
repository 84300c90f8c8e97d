// Package chain wraps the go-ethereum RPC client with per-call timeouts and
// bounded retries.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/arbguard/internal/domain"
	"github.com/alanyoungcy/arbguard/internal/retry"
)

// Inclusion is the on-chain status of a transaction.
type Inclusion struct {
	Included bool
	Reverted bool
	Block    uint64
}

// Client is the block, fee, balance and transaction interface to the chain.
type Client struct {
	eth    *ethclient.Client
	policy retry.Policy
	logger *slog.Logger
}

// Dial connects to the node at url.
func Dial(ctx context.Context, url string, policy retry.Policy, logger *slog.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", url, err)
	}
	return &Client{
		eth:    eth,
		policy: policy,
		logger: logger.With(slog.String("component", "chain")),
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() { c.eth.Close() }

// Underlying returns the raw ethclient for callers that need methods not
// wrapped here.
func (c *Client) Underlying() *ethclient.Client { return c.eth }

func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, ethereum.NotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("chain: %s: %w", op, err)
	}
	return nil
}

// ChainID returns the chain id reported by the node.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.do(ctx, "chain id", func(ctx context.Context) (err error) {
		id, err = c.eth.ChainID(ctx)
		return err
	})
	return id, err
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.do(ctx, "block number", func(ctx context.Context) (err error) {
		n, err = c.eth.BlockNumber(ctx)
		return err
	})
	return n, err
}

// LatestBlock returns the latest block with its full transaction list.
func (c *Client) LatestBlock(ctx context.Context) (*types.Block, error) {
	return c.block(ctx, nil)
}

// BlockByNumber returns block n with its full transaction list.
func (c *Client) BlockByNumber(ctx context.Context, n uint64) (*types.Block, error) {
	return c.block(ctx, new(big.Int).SetUint64(n))
}

func (c *Client) block(ctx context.Context, n *big.Int) (*types.Block, error) {
	var b *types.Block
	err := c.do(ctx, "block by number", func(ctx context.Context) (err error) {
		b, err = c.eth.BlockByNumber(ctx, n)
		return err
	})
	return b, err
}

// LatestFeeSample returns the fee sample of the latest block.
func (c *Client) LatestFeeSample(ctx context.Context) (domain.BlockFeeSample, error) {
	b, err := c.LatestBlock(ctx)
	if err != nil {
		return domain.BlockFeeSample{}, err
	}
	return FeeSample(b), nil
}

// TransactionByHash returns a transaction and whether it is still pending.
func (c *Client) TransactionByHash(ctx context.Context, hash string) (*types.Transaction, bool, error) {
	var (
		tx      *types.Transaction
		pending bool
	)
	err := c.do(ctx, "transaction by hash", func(ctx context.Context) (err error) {
		tx, pending, err = c.eth.TransactionByHash(ctx, common.HexToHash(hash))
		return err
	})
	return tx, pending, err
}

// Inclusion reports whether the transaction has been mined. A transaction
// the node does not know about is reported as not included.
func (c *Client) Inclusion(ctx context.Context, hash string) (Inclusion, error) {
	var r *types.Receipt
	err := c.do(ctx, "transaction receipt", func(ctx context.Context) (err error) {
		r, err = c.eth.TransactionReceipt(ctx, common.HexToHash(hash))
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return Inclusion{}, nil
	}
	if err != nil {
		return Inclusion{}, err
	}
	inc := Inclusion{Included: true, Reverted: r.Status == types.ReceiptStatusFailed}
	if r.BlockNumber != nil {
		inc.Block = r.BlockNumber.Uint64()
	}
	return inc, nil
}

// BalanceAt returns the latest balance of addr in wei.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	var bal *big.Int
	err := c.do(ctx, "balance", func(ctx context.Context) (err error) {
		bal, err = c.eth.BalanceAt(ctx, addr, nil)
		return err
	})
	return bal, err
}

// PendingNonceAt returns the next nonce for addr including pending txs.
func (c *Client) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	var n uint64
	err := c.do(ctx, "pending nonce", func(ctx context.Context) (err error) {
		n, err = c.eth.PendingNonceAt(ctx, addr)
		return err
	})
	return n, err
}

// SendTransaction broadcasts tx to the public mempool. It is not retried.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, c.policy.CallTimeout)
	defer cancel()
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("chain: send transaction: %w", err)
	}
	return nil
}

// CallContract executes a read-only call. It is not retried; callers apply
// their own policy.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	return c.eth.CallContract(ctx, msg, block)
}

var _ ethereum.ContractCaller = (*Client)(nil)
