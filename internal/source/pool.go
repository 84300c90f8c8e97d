package source

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbguard/internal/domain"
	"github.com/alanyoungcy/arbguard/internal/retry"
)

const pairABIJSON = `[{"constant":true,"inputs":[],"name":"getReserves","outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"}]`

var pairABI = mustParseABI(pairABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("source: parse pair abi: %v", err))
	}
	return parsed
}

// PoolConfig describes one constant-product pair.
type PoolConfig struct {
	ID           string
	Token        string
	PairAddress  common.Address
	BaseIsToken0 bool
	// Decimals of the base (priced) and quote (pricing) assets.
	BaseDecimals  int32
	QuoteDecimals int32
	PollInterval  time.Duration
}

// PoolSource polls getReserves() on a Uniswap-V2 style pair and prices the
// base asset in units of the quote asset.
type PoolSource struct {
	cfg    PoolConfig
	caller ethereum.ContractCaller
	policy retry.Policy
	t      *tracker
	lc     lifecycle
	logger *slog.Logger
}

// NewPoolSource creates a pool adapter reading through caller.
func NewPoolSource(cfg PoolConfig, caller ethereum.ContractCaller, policy retry.Policy, opts ...Option) *PoolSource {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	logger := o.logger.With(slog.String("component", "source"), slog.String("source", cfg.ID))
	o.logger = logger
	return &PoolSource{
		cfg:    cfg,
		caller: caller,
		policy: policy,
		t:      newTracker(cfg.ID, o),
		logger: logger,
	}
}

func (p *PoolSource) ID() string              { return p.cfg.ID }
func (p *PoolSource) Kind() domain.SourceKind { return domain.SourceKindPool }
func (p *PoolSource) Healthy() bool           { return p.t.healthy() }
func (p *PoolSource) LastError() error        { return p.t.err() }

func (p *PoolSource) GetPrice(token string) (domain.Quote, bool) { return p.t.price(token) }

func (p *PoolSource) GetLiquidity(token string) (decimal.Decimal, bool) {
	return p.t.liquidity(token)
}

func (p *PoolSource) ValidatePrice(token string, candidate decimal.Decimal) bool {
	return p.t.validate(token, candidate)
}

// Start polls the pair every PollInterval until stopped.
func (p *PoolSource) Start(ctx context.Context) error {
	return p.lc.run(ctx, func(ctx context.Context) {
		p.logger.InfoContext(ctx, "pool source started",
			slog.String("pair", p.cfg.PairAddress.Hex()),
			slog.String("token", p.cfg.Token),
		)
		p.pollOnce(ctx)

		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.logger.Info("pool source stopped")
				return
			case <-ticker.C:
				p.pollOnce(ctx)
			}
		}
	})
}

// Stop halts the poll loop and waits for it to exit.
func (p *PoolSource) Stop() error {
	p.lc.stop()
	return nil
}

func (p *PoolSource) pollOnce(ctx context.Context) {
	q, err := p.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.t.markDegraded(fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err))
		return
	}
	p.t.record(ctx, q)
}

func (p *PoolSource) fetch(ctx context.Context) (domain.Quote, error) {
	data, err := pairABI.Pack("getReserves")
	if err != nil {
		return domain.Quote{}, fmt.Errorf("source: pack getReserves: %w", err)
	}

	start := p.t.opts.now()
	var raw []byte
	err = retry.Do(ctx, p.policy, func(ctx context.Context) error {
		var callErr error
		raw, callErr = p.caller.CallContract(ctx, ethereum.CallMsg{To: &p.cfg.PairAddress, Data: data}, nil)
		return callErr
	})
	if err != nil {
		return domain.Quote{}, fmt.Errorf("source: getReserves %s: %w", p.cfg.PairAddress.Hex(), err)
	}
	observed := p.t.opts.now()

	r0, r1, err := decodeReserves(raw)
	if err != nil {
		return domain.Quote{}, err
	}
	base, quote := r1, r0
	if p.cfg.BaseIsToken0 {
		base, quote = r0, r1
	}

	price, liquidity, err := reservePrice(base, quote, p.cfg.BaseDecimals, p.cfg.QuoteDecimals)
	if err != nil {
		return domain.Quote{}, err
	}

	return domain.Quote{
		SourceID:   p.cfg.ID,
		Token:      p.cfg.Token,
		Price:      price,
		Liquidity:  liquidity,
		ObservedAt: observed,
		LatencyMs:  observed.Sub(start).Milliseconds(),
	}, nil
}

func decodeReserves(raw []byte) (*big.Int, *big.Int, error) {
	out, err := pairABI.Unpack("getReserves", raw)
	if err != nil {
		return nil, nil, fmt.Errorf("source: unpack getReserves: %w", err)
	}
	if len(out) < 2 {
		return nil, nil, fmt.Errorf("source: getReserves returned %d values", len(out))
	}
	r0, ok0 := out[0].(*big.Int)
	r1, ok1 := out[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, fmt.Errorf("source: unexpected getReserves types %T, %T", out[0], out[1])
	}
	return r0, r1, nil
}

// reservePrice returns quote/base adjusted for decimals and the quote-side
// reserve as liquidity.
func reservePrice(base, quote *big.Int, baseDecimals, quoteDecimals int32) (decimal.Decimal, decimal.Decimal, error) {
	if base.Sign() <= 0 || quote.Sign() <= 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("source: empty reserves")
	}
	b := decimal.NewFromBigInt(base, -baseDecimals)
	q := decimal.NewFromBigInt(quote, -quoteDecimals)
	return q.Div(b), q, nil
}
