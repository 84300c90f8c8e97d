package fee

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func gweiInt(g int64) *big.Int { return new(big.Int).Mul(big.NewInt(g), big.NewInt(1_000_000_000)) }

func sample(n uint64, baseGwei, prioGwei int64, txs int) domain.BlockFeeSample {
	return domain.BlockFeeSample{
		Number:         n,
		BaseFee:        gweiInt(baseGwei),
		AvgPriorityFee: gweiInt(prioGwei),
		TxCount:        txs,
	}
}

func testConfig() Config {
	return Config{
		HistorySize:           20,
		BaseFeeMultiplier:     1.125,
		PriorityFeeMultiplier: 1.2,
		MinPriorityFee:        FromGwei(1),
		MaxTotalFee:           FromGwei(300),
	}
}

func TestEstimate_NoSamples(t *testing.T) {
	e := NewEstimator(testConfig(), nil, discardLogger())
	_, err := e.Estimate()
	require.ErrorIs(t, err, ErrNoSamples)
}

func TestEstimate_Formula(t *testing.T) {
	e := NewEstimator(testConfig(), nil, discardLogger())
	require.True(t, e.Observe(sample(1, 90, 1, 5)))
	require.True(t, e.Observe(sample(2, 100, 3, 5)))

	est, err := e.Estimate()
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(112_500_000_000), est.BaseFee)
	assert.Equal(t, big.NewInt(2_400_000_000), est.PriorityFee)
	assert.Equal(t, big.NewInt(114_900_000_000), est.MaxTotalFee)
	assert.Equal(t, 2, est.SampleSize)
}

func TestEstimate_MinPriorityFloor(t *testing.T) {
	e := NewEstimator(testConfig(), nil, discardLogger())
	e.Observe(sample(1, 10, 5, 0)) // no txs: priority sample ignored

	est, err := e.Estimate()
	require.NoError(t, err)
	assert.Equal(t, FromGwei(1), est.PriorityFee)
}

func TestEstimate_AboveCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotalFee = FromGwei(100)
	e := NewEstimator(cfg, nil, discardLogger())
	e.Observe(sample(1, 100, 2, 10))

	est, err := e.Estimate()
	require.ErrorIs(t, err, domain.ErrFeeTooHigh)
	// Not silently capped.
	assert.Equal(t, 1, est.MaxTotalFee.Cmp(FromGwei(100)))
	assert.Equal(t, big.NewInt(114_900_000_000), est.MaxTotalFee)
}

func TestEstimate_TotalNeverBelowParts(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 100; i++ {
		cfg := testConfig()
		cfg.MaxTotalFee = nil
		cfg.BaseFeeMultiplier = 1 + rng.Float64()
		cfg.PriorityFeeMultiplier = 1 + rng.Float64()
		e := NewEstimator(cfg, nil, discardLogger())
		for n := uint64(1); n <= 25; n++ {
			e.Observe(sample(n, rng.Int63n(500)+1, rng.Int63n(20), rng.Intn(3)))
		}
		est, err := e.Estimate()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, est.MaxTotalFee.Cmp(est.Total()), 0)
	}
}

func TestObserve_RingBuffer(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 3
	e := NewEstimator(cfg, nil, discardLogger())

	for n := uint64(1); n <= 5; n++ {
		require.True(t, e.Observe(sample(n, int64(n), 1, 1)))
	}
	assert.False(t, e.Observe(sample(4, 1, 1, 1)), "older block ignored")
	assert.False(t, e.Observe(domain.BlockFeeSample{Number: 9}), "missing base fee ignored")

	got := e.Samples()
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].Number)
	assert.Equal(t, uint64(5), got[2].Number)
}

type fakeSource struct {
	next domain.BlockFeeSample
	err  error
}

func (f *fakeSource) LatestFeeSample(context.Context) (domain.BlockFeeSample, error) {
	return f.next, f.err
}

func TestSample(t *testing.T) {
	src := &fakeSource{next: sample(7, 30, 2, 3)}
	e := NewEstimator(testConfig(), src, discardLogger())

	require.NoError(t, e.Sample(context.Background()))
	require.Len(t, e.Samples(), 1)

	src.err = errors.New("rpc down")
	err := e.Sample(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rpc down")
}

func TestGweiConversions(t *testing.T) {
	assert.Equal(t, big.NewInt(1_500_000_000), FromGwei(1.5))
	assert.InDelta(t, 1.5, ToGwei(big.NewInt(1_500_000_000)), 1e-12)
	assert.Zero(t, ToGwei(nil))
}
