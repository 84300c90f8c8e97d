package app

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbguard/internal/arbitrage"
	"github.com/alanyoungcy/arbguard/internal/breaker"
	"github.com/alanyoungcy/arbguard/internal/cache/memory"
	"github.com/alanyoungcy/arbguard/internal/chain"
	"github.com/alanyoungcy/arbguard/internal/crypto"
	"github.com/alanyoungcy/arbguard/internal/domain"
	"github.com/alanyoungcy/arbguard/internal/executor"
	"github.com/alanyoungcy/arbguard/internal/fee"
	"github.com/alanyoungcy/arbguard/internal/normalizer"
	"github.com/alanyoungcy/arbguard/internal/relay"
	"github.com/alanyoungcy/arbguard/internal/retry"
	"github.com/alanyoungcy/arbguard/internal/server"
	"github.com/alanyoungcy/arbguard/internal/server/handler"
	"github.com/alanyoungcy/arbguard/internal/server/ws"
	"github.com/alanyoungcy/arbguard/internal/service"
	"github.com/alanyoungcy/arbguard/internal/source"
)

// components are the running parts of a mode. Fields a mode does not use
// stay nil.
type components struct {
	chain      *chain.Client
	quotes     *memory.QuoteCache
	sources    *source.Set
	normalizer *normalizer.Normalizer
	fees       *fee.Estimator
	arb        *service.ArbService
	detector   *arbitrage.Detector
	engine     *executor.Engine
	positions  *service.PositionMonitor
	breaker    *breaker.Breaker
	params     domain.ParameterProvider
	risk       domain.RiskGate
}

// MonitorMode runs the price sources, the normalizer and the ops API.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	c, err := a.buildMarketData(ctx, deps)
	if err != nil {
		return err
	}
	return a.run(ctx, c, deps)
}

// DetectMode adds opportunity detection without execution.
func (a *App) DetectMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting detect mode")
	c, err := a.buildMarketData(ctx, deps)
	if err != nil {
		return err
	}
	if err := a.buildDetection(ctx, c, deps); err != nil {
		return err
	}
	return a.run(ctx, c, deps)
}

// FullMode runs detection, protected execution, position monitoring and the
// circuit breaker.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	c, err := a.buildMarketData(ctx, deps)
	if err != nil {
		return err
	}
	if err := a.buildExecution(ctx, c, deps); err != nil {
		return err
	}
	if err := a.buildDetection(ctx, c, deps); err != nil {
		return err
	}
	return a.run(ctx, c, deps)
}

// buildMarketData dials the chain and builds the venues, quote cache and
// normalizer.
func (a *App) buildMarketData(ctx context.Context, deps *Dependencies) (*components, error) {
	cfg := a.cfg
	policy := retry.Default()
	if cfg.Chain.CallTimeout.Duration > 0 {
		policy.CallTimeout = cfg.Chain.CallTimeout.Duration
	}
	if cfg.Chain.MaxRetries > 0 {
		policy.Attempts = cfg.Chain.MaxRetries
	}

	chainClient, err := chain.Dial(ctx, cfg.Chain.RPCURL, policy, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: dial chain: %w", err)
	}
	a.closers = append(a.closers, chainClient.Close)
	deps.Checks["chain"] = func(ctx context.Context) error {
		_, err := chainClient.BlockNumber(ctx)
		return err
	}

	var cacheOpts []memory.Option
	if deps.QuoteMirror != nil {
		cacheOpts = append(cacheOpts, memory.WithMirror(deps.QuoteMirror, cfg.Sources.MirrorTTL.Duration))
	}
	quotes := memory.NewQuoteCache(cfg.Normalizer.StalenessWindow.Duration, a.logger, cacheOpts...)

	srcOpts := []source.Option{
		source.WithSink(func(ctx context.Context, q domain.Quote) { quotes.Put(ctx, q) }),
		source.WithMaxDeviation(cfg.Sources.MaxDeviation),
		source.WithMaxAge(cfg.Normalizer.StalenessWindow.Duration),
		source.WithLogger(a.logger),
	}
	var venues []source.PriceSource
	for _, p := range cfg.Sources.Pools {
		venues = append(venues, source.NewPoolSource(source.PoolConfig{
			ID:            p.ID,
			Token:         p.Token,
			PairAddress:   common.HexToAddress(p.PairAddress),
			BaseIsToken0:  p.BaseIsToken0,
			BaseDecimals:  p.BaseDecimals,
			QuoteDecimals: p.QuoteDecimals,
			PollInterval:  p.PollInterval.Duration,
		}, chainClient, policy, srcOpts...))
	}
	for _, x := range cfg.Sources.Exchanges {
		venues = append(venues, source.NewExchangeSource(source.ExchangeConfig{
			ID:      x.ID,
			URL:     x.URL,
			Symbols: x.Symbols,
		}, srcOpts...))
	}
	for _, o := range cfg.Sources.Oracles {
		venues = append(venues, source.NewOracleSource(source.OracleConfig{
			ID:               o.ID,
			URL:              o.URL,
			APIKey:           o.APIKey,
			Feeds:            o.Feeds,
			PollInterval:     o.PollInterval.Duration,
			NominalLiquidity: o.NominalLiquidity,
		}, nil, policy, srcOpts...))
	}
	set, err := source.NewSet(venues...)
	if err != nil {
		return nil, fmt.Errorf("app: sources: %w", err)
	}

	n := cfg.Normalizer
	norm := normalizer.New(normalizer.Config{
		MinSources:         n.MinSources,
		ExpectedSources:    n.ExpectedSources,
		OutlierThreshold:   n.OutlierThreshold,
		StalenessWindow:    n.StalenessWindow.Duration,
		FreshnessHorizon:   n.FreshnessHorizon.Duration,
		HistorySize:        n.HistorySize,
		StabilityThreshold: n.StabilityThreshold,
		VolatilityCeiling:  n.VolatilityCeiling,
		TickInterval:       n.TickInterval.Duration,
	}, quotes, cfg.Sources.Tokens, a.logger)
	norm.Subscribe(service.NewPricePublisher(deps.PriceCache, deps.SignalBus, a.logger).Handle)

	return &components{
		chain:      chainClient,
		quotes:     quotes,
		sources:    set,
		normalizer: norm,
		params:     a.params(),
		risk:       a.riskGate(),
	}, nil
}

// buildDetection adds the fee estimator, opportunity recording and the
// detector. In full mode the detector hands accepted opportunities to the
// engine when auto_execute is set.
func (a *App) buildDetection(_ context.Context, c *components, deps *Dependencies) error {
	cfg := a.cfg
	if c.fees == nil {
		c.fees = a.newFeeEstimator(c.chain)
	}
	c.arb = service.NewArbService(deps.Opportunities(), deps.SignalBus, deps.Audit(), a.logger)

	registry := arbitrage.NewRegistry(arbitrage.NewCrossVenueSpread(arbitrage.CrossVenueConfig{
		AgeGapPenalty: cfg.Arbitrage.AgeGapPenalty,
		EpochBucket:   cfg.Arbitrage.EpochBucket.Duration,
	}, a.logger))
	strategy, err := registry.Get(cfg.Arbitrage.Strategy)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.logger.Info("arbitrage strategy selected",
		slog.String("strategy", strategy.Name()),
		slog.Any("available", registry.List()),
	)

	dc := arbitrage.DetectorConfig{
		Strategy:        strategy,
		Quotes:          c.quotes,
		Prices:          c.normalizer,
		Fees:            c.fees,
		Params:          c.params,
		Risk:            c.risk,
		Recorder:        c.arb,
		Tokens:          cfg.Sources.Tokens,
		TickInterval:    cfg.Arbitrage.TickInterval.Duration,
		StalenessWindow: cfg.Normalizer.StalenessWindow.Duration,
		GasToken:        cfg.Arbitrage.GasToken,
		GasLimit:        cfg.Execution.GasLimit,
		GasCostFallback: cfg.Arbitrage.GasCostFallback,
		DedupTTL:        cfg.Arbitrage.DedupTTL.Duration,
		Logger:          a.logger,
	}
	if c.breaker != nil {
		dc.Halt = c.breaker
	}
	if c.engine != nil && cfg.Arbitrage.AutoExecute {
		dc.Executor = c.engine
		dc.AutoExecute = true
	}
	c.detector = arbitrage.NewDetector(dc)
	return nil
}

// buildExecution loads the wallet key and builds the relay client, the
// execution engine, the position monitor and the circuit breaker.
func (a *App) buildExecution(ctx context.Context, c *components, deps *Dependencies) error {
	cfg := a.cfg

	walletKey, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fmt.Errorf("app: wallet key: %w", err)
	}
	signer := crypto.NewSigner(walletKey, cfg.Chain.ChainID)

	relayKey, err := a.relayKey()
	if err != nil {
		return err
	}
	payloadSigner, err := crypto.NewPayloadSigner(relayKey)
	if err != nil {
		return fmt.Errorf("app: relay signer: %w", err)
	}
	relayClient := relay.New(relay.Config{
		URL:        cfg.Relay.URL,
		Timeout:    cfg.Relay.Timeout.Duration,
		RateLimit:  cfg.Relay.RateLimit,
		RateWindow: cfg.Relay.RateWindow.Duration,
	}, payloadSigner,
		relay.WithRateLimiter(deps.RateLimiter),
		relay.WithLogger(a.logger),
	)

	c.fees = a.newFeeEstimator(c.chain)

	c.positions = service.NewPositionMonitor(service.PositionConfig{
		StopLossPct:   cfg.Positions.StopLossPct,
		TakeProfitPct: cfg.Positions.TakeProfitPct,
	}, deps.Positions(), deps.SignalBus, deps.Audit(), deps.Notifier, a.logger)
	if err := c.positions.Restore(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	c.normalizer.Subscribe(c.positions.OnPrice)

	// The breaker cancels the engine's bundles and the engine consults the
	// breaker before every submit.
	bundles := &bundleCanceller{}
	c.breaker = breaker.New(breaker.Config{
		TickInterval:     cfg.Breaker.TickInterval.Duration,
		Wallet:           signer.Address(),
		MinBalance:       ethToWei(cfg.Breaker.MinBalanceEth),
		MaxGas:           fee.FromGwei(cfg.Breaker.MaxGasThresholdGwei),
		MaxLossThreshold: cfg.Breaker.MaxLossThreshold,
		LossWindow:       cfg.Breaker.LossWindow.Duration,
	}, breaker.Deps{
		Balances:  c.chain,
		Fees:      c.fees,
		Losses:    c.positions,
		Bundles:   bundles,
		Positions: c.positions,
		Bus:       deps.SignalBus,
		Audit:     deps.Audit(),
		Notifier:  deps.Notifier,
		Logger:    a.logger,
	})
	if _, err := c.breaker.Restore(ctx); err != nil {
		a.logger.WarnContext(ctx, "breaker state not restored", slog.String("error", err.Error()))
	}

	ed := executor.Deps{
		Chain:  c.chain,
		Signer: signer,
		Relay:  relayClient,
		Fees:   c.fees,
		Protector: executor.SlippageProtector{
			MaxSlippage: cfg.Execution.MaxSlippage,
			Validity:    cfg.Execution.BundleTimeout.Duration,
			Params:      c.params,
		},
		Risk:          c.risk,
		Venues:        c.sources,
		Halt:          c.breaker,
		Positions:     c.positions,
		Bundles:       deps.Bundles(),
		Opportunities: deps.Opportunities(),
		Audit:         deps.Audit(),
		Bus:           deps.SignalBus,
		Notifier:      deps.Notifier,
		Logger:        a.logger,
	}
	if cfg.Execution.DistributedLock {
		ed.Locks = deps.LockManager
	}
	c.engine = executor.NewEngine(executor.Config{
		MaxPendingBundles:  cfg.Execution.MaxPendingBundles,
		BundleTimeout:      cfg.Execution.BundleTimeout.Duration,
		MinValidity:        cfg.Execution.MinValidity.Duration,
		SimulationRequired: cfg.Execution.SimulationRequired,
		ExecutorAddress:    common.HexToAddress(cfg.Execution.ExecutorAddress),
		GasLimit:           cfg.Execution.GasLimit,
		LeadTx:             cfg.Execution.LeadTx,
		TrailingTx:         cfg.Execution.TrailingTx,
		InclusionPoll:      cfg.Execution.InclusionPoll.Duration,
		LockTTL:            cfg.Execution.LockTTL.Duration,
	}, ed)
	bundles.engine = c.engine

	a.logger.InfoContext(ctx, "execution ready",
		slog.String("wallet", signer.Address().Hex()),
		slog.String("relay_signer", payloadSigner.Address().Hex()),
		slog.Int("restored_positions", len(c.positions.OpenPositions())),
	)
	return nil
}

// run starts every built component under one errgroup and blocks until ctx
// is cancelled or a component fails.
func (a *App) run(ctx context.Context, c *components, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, src := range c.sources.All() {
		g.Go(func() error {
			if err := src.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("source %s: %w", src.ID(), err)
			}
			return nil
		})
	}
	g.Go(func() error { return c.quotes.Run(ctx, a.cfg.Normalizer.StalenessWindow.Duration) })
	g.Go(func() error { return c.normalizer.Run(ctx) })
	if c.fees != nil {
		g.Go(func() error { return c.fees.Run(ctx) })
	}
	if c.detector != nil {
		g.Go(func() error { return c.detector.Run(ctx) })
	}
	if c.engine != nil {
		g.Go(func() error { return c.engine.Run(ctx) })
	}
	if c.breaker != nil {
		g.Go(func() error { return c.breaker.Run(ctx) })
	}
	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx, a.cfg.S3.ArchiveInterval.Duration, a.cfg.S3.ArchiveRetention.Duration)
		})
	}
	if a.cfg.Server.Enabled {
		srv, hub := a.newServer(c, deps)
		g.Go(func() error { return hub.Run(ctx) })
		g.Go(func() error { return srv.Run(ctx) })
	}

	err := g.Wait()
	if stopErr := c.sources.StopAll(); stopErr != nil {
		a.logger.Warn("stop sources failed", slog.String("error", stopErr.Error()))
	}
	return err
}

// newServer builds the ops API over whichever components the mode runs.
func (a *App) newServer(c *components, deps *Dependencies) (*server.Server, *ws.Hub) {
	statusSrc := handler.StatusSources{
		Prices:  c.normalizer,
		Sources: c.sources,
	}
	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.Checks),
		Prices: handler.NewPriceHandler(c.normalizer),
	}
	if c.arb != nil {
		var store handler.OpportunityStore
		if deps.OpportunityStore != nil {
			store = deps.OpportunityStore
		}
		handlers.Opportunities = handler.NewOpportunityHandler(c.arb, store, a.logger)
	}
	if c.engine != nil {
		var store handler.BundleStore
		if deps.BundleStore != nil {
			store = deps.BundleStore
		}
		handlers.Bundles = handler.NewBundleHandler(c.engine, store, a.logger)
		statusSrc.Bundles = c.engine
	}
	if c.positions != nil {
		var history handler.PositionHistory
		if deps.PositionStore != nil {
			history = deps.PositionStore
		}
		handlers.Positions = handler.NewPositionHandler(c.positions, history, a.logger)
		statusSrc.Positions = c.positions
	}
	if c.breaker != nil {
		handlers.Breaker = handler.NewBreakerHandler(c.breaker, a.logger)
		statusSrc.Breaker = c.breaker
	}
	status := handler.NewStatusHandler(a.cfg.Mode, a.startedAt, statusSrc)
	handlers.Status = status

	hub := ws.NewHub(deps.SignalBus, status.Snapshot, a.logger)
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)
	return srv, hub
}

func (a *App) newFeeEstimator(src fee.SampleSource) *fee.Estimator {
	f := a.cfg.Fees
	return fee.NewEstimator(fee.Config{
		HistorySize:           f.HistorySize,
		BaseFeeMultiplier:     f.BaseFeeMultiplier,
		PriorityFeeMultiplier: f.PriorityFeeMultiplier,
		MinPriorityFee:        fee.FromGwei(f.MinPriorityFeeGwei),
		MaxTotalFee:           fee.FromGwei(f.MaxTotalFeeGwei),
		PollInterval:          f.PollInterval.Duration,
	}, src, a.logger)
}

func (a *App) params() domain.ParameterProvider {
	return service.NewStaticParams(domain.TradingParams{
		MinSpread:          a.cfg.Arbitrage.MinSpread,
		MinProfitThreshold: a.cfg.Arbitrage.MinProfitThreshold,
		TradeSize:          a.cfg.Arbitrage.TradeSize,
		MaxSlippage:        a.cfg.Execution.MaxSlippage,
	})
}

func (a *App) riskGate() domain.RiskGate {
	r := a.cfg.Risk
	var gate domain.RiskGate
	if r.URL != "" {
		gate = service.NewHTTPRiskGate(r.URL, r.Timeout.Duration)
	} else {
		gate = service.NewStaticRiskGate(r.Allow, r.Deny)
	}
	return service.NewCachedRiskGate(gate, r.CacheTTL.Duration, a.logger)
}

// relayKey returns the configured relay signing key, or a throwaway one.
func (a *App) relayKey() (*ecdsa.PrivateKey, error) {
	if a.cfg.Wallet.RelayKey == "" {
		k, err := gethcrypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("app: generate relay key: %w", err)
		}
		return k, nil
	}
	k, err := crypto.LoadKey(crypto.KeyConfig{RawPrivateKey: a.cfg.Wallet.RelayKey})
	if err != nil {
		return nil, fmt.Errorf("app: relay key: %w", err)
	}
	return k, nil
}

// bundleCanceller forwards the breaker's emergency calls to the engine,
// which is built after the breaker.
type bundleCanceller struct {
	engine *executor.Engine
}

func (b *bundleCanceller) CancelPending(ctx context.Context, reason string) int {
	if b.engine == nil {
		return 0
	}
	return b.engine.CancelPending(ctx, reason)
}

func (b *bundleCanceller) ReplaceSubmitted(ctx context.Context) error {
	if b.engine == nil {
		return nil
	}
	return b.engine.ReplaceSubmitted(ctx)
}

func ethToWei(eth decimal.Decimal) *big.Int {
	return eth.Shift(18).BigInt()
}
