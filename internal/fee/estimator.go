// Package fee estimates EIP-1559 base and priority fees from a ring buffer
// of recent block samples.
package fee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbguard/internal/domain"
	"github.com/alanyoungcy/arbguard/internal/metrics"
)

// ErrNoSamples is returned by Estimate before the first block was observed.
var ErrNoSamples = errors.New("fee: no block samples")

// SampleSource returns fee information for the latest block.
type SampleSource interface {
	LatestFeeSample(ctx context.Context) (domain.BlockFeeSample, error)
}

// Config configures the estimator. Fees are in wei.
type Config struct {
	HistorySize           int
	BaseFeeMultiplier     float64
	PriorityFeeMultiplier float64
	MinPriorityFee        *big.Int
	// MaxTotalFee is the ceiling; zero or nil disables it.
	MaxTotalFee  *big.Int
	PollInterval time.Duration
}

// Estimator keeps the last HistorySize block samples and derives fee
// estimates from them. It is safe for concurrent use.
type Estimator struct {
	cfg    Config
	src    SampleSource
	now    func() time.Time
	logger *slog.Logger

	mu      sync.RWMutex
	samples []domain.BlockFeeSample // oldest first
}

// NewEstimator creates an Estimator. src may be nil when samples are fed
// through Observe.
func NewEstimator(cfg Config, src SampleSource, logger *slog.Logger) *Estimator {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 20
	}
	if cfg.BaseFeeMultiplier <= 0 {
		cfg.BaseFeeMultiplier = 1.125
	}
	if cfg.PriorityFeeMultiplier <= 0 {
		cfg.PriorityFeeMultiplier = 1.2
	}
	if cfg.MinPriorityFee == nil {
		cfg.MinPriorityFee = new(big.Int)
	}
	return &Estimator{
		cfg:    cfg,
		src:    src,
		now:    time.Now,
		logger: logger.With(slog.String("component", "fee_estimator")),
	}
}

// Observe adds a block sample. Samples at or below the newest known block
// number are ignored.
func (e *Estimator) Observe(s domain.BlockFeeSample) bool {
	if s.BaseFee == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if n := len(e.samples); n > 0 && s.Number <= e.samples[n-1].Number {
		return false
	}
	next := append(e.samples, s)
	if len(next) > e.cfg.HistorySize {
		next = append([]domain.BlockFeeSample(nil), next[len(next)-e.cfg.HistorySize:]...)
	}
	e.samples = next
	return true
}

// Sample pulls the latest block from the source and observes it.
func (e *Estimator) Sample(ctx context.Context) error {
	if e.src == nil {
		return fmt.Errorf("fee: sample: no source configured")
	}
	s, err := e.src.LatestFeeSample(ctx)
	if err != nil {
		return fmt.Errorf("fee: sample: %w", err)
	}
	if e.Observe(s) {
		e.logger.DebugContext(ctx, "block sampled",
			slog.Uint64("block", s.Number),
			slog.String("base_fee", s.BaseFee.String()),
			slog.Int("txs", s.TxCount),
		)
	}
	return nil
}

// Run samples on every poll interval until ctx is cancelled. Sampling
// failures are logged and retried next interval.
func (e *Estimator) Run(ctx context.Context) error {
	interval := e.cfg.PollInterval
	if interval <= 0 {
		interval = 12 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.InfoContext(ctx, "fee estimator started", slog.Duration("interval", interval))
	if err := e.Sample(ctx); err != nil {
		e.logger.WarnContext(ctx, "fee sample failed", slog.String("error", err.Error()))
	}
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("fee estimator stopped")
			return nil
		case <-ticker.C:
			if err := e.Sample(ctx); err != nil {
				e.logger.WarnContext(ctx, "fee sample failed", slog.String("error", err.Error()))
				continue
			}
			if est, err := e.Estimate(); err == nil || errors.Is(err, domain.ErrFeeTooHigh) {
				metrics.SetFeeEstimate(ToGwei(est.BaseFee), ToGwei(est.PriorityFee), ToGwei(est.MaxTotalFee))
			}
		}
	}
}

// Estimate computes the current fee estimate:
//
//	base      = latest_base_fee × base_fee_multiplier
//	priority  = max(min_priority_fee, avg_priority_fee × priority_fee_multiplier)
//	max_total = base + priority
//
// When max_total exceeds the ceiling the uncapped estimate is returned
// together with domain.ErrFeeTooHigh; the caller decides how to proceed.
func (e *Estimator) Estimate() (domain.FeeEstimate, error) {
	samples := e.Samples()
	if len(samples) == 0 {
		return domain.FeeEstimate{}, ErrNoSamples
	}

	latest := samples[len(samples)-1]
	base := scale(latest.BaseFee, e.cfg.BaseFeeMultiplier)

	priority := scale(averagePriority(samples), e.cfg.PriorityFeeMultiplier)
	if priority.Cmp(e.cfg.MinPriorityFee) < 0 {
		priority = new(big.Int).Set(e.cfg.MinPriorityFee)
	}

	est := domain.FeeEstimate{
		BaseFee:     base,
		PriorityFee: priority,
		MaxTotalFee: new(big.Int).Add(base, priority),
		ComputedAt:  e.now(),
		SampleSize:  len(samples),
	}
	if c := e.cfg.MaxTotalFee; c != nil && c.Sign() > 0 && est.MaxTotalFee.Cmp(c) > 0 {
		return est, fmt.Errorf("fee: %w: %s gwei above %s gwei ceiling",
			domain.ErrFeeTooHigh, gweiString(est.MaxTotalFee), gweiString(c))
	}
	return est, nil
}

// Latest is Estimate under the name consumers read fees by.
func (e *Estimator) Latest() (domain.FeeEstimate, error) { return e.Estimate() }

// Samples returns a copy of the buffered samples, oldest first.
func (e *Estimator) Samples() []domain.BlockFeeSample {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]domain.BlockFeeSample(nil), e.samples...)
}

// averagePriority averages the per-block priority fee over blocks that
// carried transactions.
func averagePriority(samples []domain.BlockFeeSample) *big.Int {
	sum := new(big.Int)
	n := 0
	for _, s := range samples {
		if s.TxCount == 0 || s.AvgPriorityFee == nil {
			continue
		}
		sum.Add(sum, s.AvgPriorityFee)
		n++
	}
	if n == 0 {
		return sum
	}
	return sum.Div(sum, big.NewInt(int64(n)))
}

// scale multiplies v by f, rounding up.
func scale(v *big.Int, f float64) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return decimal.NewFromBigInt(v, 0).Mul(decimal.NewFromFloat(f)).Ceil().BigInt()
}

var gwei = decimal.New(1, 9)

// FromGwei converts a gwei amount to wei.
func FromGwei(g float64) *big.Int {
	return decimal.NewFromFloat(g).Mul(gwei).Round(0).BigInt()
}

// ToGwei converts wei to gwei as a float for metrics and logs.
func ToGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	return decimal.NewFromBigInt(wei, 0).Div(gwei).InexactFloat64()
}

func gweiString(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, 0).Div(gwei).StringFixed(2)
}
