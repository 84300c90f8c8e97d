// Package executor turns arbitrage opportunities into protected bundles and
// drives each bundle through build, simulation, submission and inclusion.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbguard/internal/chain"
	"github.com/alanyoungcy/arbguard/internal/domain"
	"github.com/alanyoungcy/arbguard/internal/metrics"
	"github.com/alanyoungcy/arbguard/internal/relay"
)

// ChainClient is the subset of the chain client the engine needs.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	Inclusion(ctx context.Context, hash string) (chain.Inclusion, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// TxSigner signs outgoing transactions with the wallet key.
type TxSigner interface {
	Address() common.Address
	SignTx(p domain.TxParams) (*types.Transaction, error)
}

// BundleRelay simulates and submits bundles.
type BundleRelay interface {
	CallBundle(ctx context.Context, b relay.Bundle) (relay.Simulation, error)
	SendBundle(ctx context.Context, b relay.Bundle) (string, error)
}

// FeeEstimator returns the current fee estimate, or the uncapped estimate
// with domain.ErrFeeTooHigh.
type FeeEstimator interface {
	Estimate() (domain.FeeEstimate, error)
}

// PriceValidator checks a price against a venue's own last-known price.
type PriceValidator interface {
	ValidatePrice(sourceID, token string, candidate decimal.Decimal) bool
}

// PositionOpener opens a position for a confirmed bundle.
type PositionOpener interface {
	Open(ctx context.Context, pos domain.Position) (domain.Position, error)
}

// Halter reports whether new work is forbidden.
type Halter interface {
	Halted() bool
}

// Config holds the engine parameters.
type Config struct {
	MaxPendingBundles  int
	BundleTimeout      time.Duration
	MinValidity        time.Duration
	SimulationRequired bool
	ExecutorAddress    common.Address
	GasLimit           uint64
	LeadTx             bool
	TrailingTx         bool
	InclusionPoll      time.Duration
	LockTTL            time.Duration
	// ReplacementFeeBump multiplies the original fees of a replacement
	// transaction.
	ReplacementFeeBump float64
}

// Deps are the engine's collaborators. Chain, Signer, Relay, Fees and
// Protector are required; the rest are optional.
type Deps struct {
	Chain     ChainClient
	Signer    TxSigner
	Relay     BundleRelay
	Fees      FeeEstimator
	Protector TradeProtector
	Shaper    domain.TxShaper
	Risk      domain.RiskGate
	Venues    PriceValidator
	Halt      Halter
	Locks     domain.LockManager
	Positions PositionOpener

	Bundles       domain.BundleStore
	Opportunities domain.OpportunityStore
	Audit         domain.AuditStore
	Bus           domain.SignalBus
	Notifier      domain.Notifier

	Now    func() time.Time
	Logger *slog.Logger
}

const recentLimit = 200

type handle struct {
	mu     sync.Mutex
	bundle domain.ProtectedBundle
	opp    domain.ArbitrageOpportunity
	cancel context.CancelFunc
	unlock func()

	firstNonce uint64
	fee        domain.FeeEstimate
}

func (h *handle) snapshot() domain.ProtectedBundle {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.bundle
	b.Transactions = append([]domain.BundleTx(nil), h.bundle.Transactions...)
	return b
}

func (h *handle) state() domain.BundleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bundle.State
}

// Engine owns every bundle from creation until it reaches a terminal state.
type Engine struct {
	cfg    Config
	deps   Deps
	now    func() time.Time
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*handle // opportunity id -> live bundle
	recent []domain.ProtectedBundle
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.MaxPendingBundles <= 0 {
		cfg.MaxPendingBundles = 5
	}
	if cfg.BundleTimeout <= 0 {
		cfg.BundleTimeout = 90 * time.Second
	}
	if cfg.InclusionPoll <= 0 {
		cfg.InclusionPoll = 3 * time.Second
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 350_000
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.ReplacementFeeBump < 1.125 {
		cfg.ReplacementFeeBump = 1.25
	}
	if deps.Shaper == nil {
		deps.Shaper = domain.PassThroughShaper{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		now:    now,
		logger: deps.Logger.With(slog.String("component", "executor")),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]*handle),
	}
}

// Submit starts protected execution of opp and returns the bundle handle.
// A second Submit for an opportunity whose bundle is still active returns
// that bundle unchanged.
func (e *Engine) Submit(ctx context.Context, opp domain.ArbitrageOpportunity) (domain.ProtectedBundle, error) {
	if e.halted() {
		return domain.ProtectedBundle{}, fmt.Errorf("executor: submit: %w", domain.ErrEmergencyTriggered)
	}
	if h, ok := e.lookup(opp.ID); ok {
		return h.snapshot(), nil
	}
	if err := e.checkRisk(ctx, opp.Token); err != nil {
		return domain.ProtectedBundle{}, err
	}
	if _, err := e.deps.Fees.Estimate(); err != nil {
		return domain.ProtectedBundle{}, fmt.Errorf("executor: submit: %w", err)
	}

	var unlock func()
	if e.deps.Locks != nil {
		var err error
		unlock, err = e.deps.Locks.Acquire(ctx, "bundle:"+opp.ID, e.cfg.LockTTL)
		if err != nil {
			return domain.ProtectedBundle{}, fmt.Errorf("executor: submit: lock %s: %w", opp.ID, err)
		}
	}

	e.mu.Lock()
	if h, ok := e.active[opp.ID]; ok {
		e.mu.Unlock()
		if unlock != nil {
			unlock()
		}
		return h.snapshot(), nil
	}
	if len(e.active) >= e.cfg.MaxPendingBundles {
		e.mu.Unlock()
		if unlock != nil {
			unlock()
		}
		return domain.ProtectedBundle{}, fmt.Errorf("executor: submit: %w (%d active)", domain.ErrPendingLimit, e.cfg.MaxPendingBundles)
	}
	now := e.now()
	lctx, cancel := context.WithCancel(e.ctx)
	h := &handle{
		bundle: domain.ProtectedBundle{
			ID:                 uuid.NewString(),
			OpportunityID:      opp.ID,
			Token:              opp.Token,
			State:              domain.BundlePendingBuild,
			RevertOnAnyFailure: true,
			CreatedAt:          now,
			UpdatedAt:          now,
		},
		opp:    opp,
		cancel: cancel,
		unlock: unlock,
	}
	e.active[opp.ID] = h
	e.wg.Add(1)
	e.mu.Unlock()

	b := h.snapshot()
	metrics.RecordBundleState(string(b.State))
	e.persist(ctx, b)
	e.logger.InfoContext(ctx, "bundle created",
		slog.String("bundle_id", b.ID),
		slog.String("opp_id", opp.ID),
		slog.String("token", opp.Token),
	)

	go e.lifecycle(lctx, h)
	return b, nil
}

func (e *Engine) lookup(oppID string) (*handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.active[oppID]
	return h, ok
}

func (e *Engine) halted() bool {
	return e.deps.Halt != nil && e.deps.Halt.Halted()
}

func (e *Engine) checkRisk(ctx context.Context, token string) error {
	if e.deps.Risk == nil {
		return nil
	}
	a, err := e.deps.Risk.IsSafe(ctx, token)
	if err != nil {
		return fmt.Errorf("executor: risk gate: %w: %w", domain.ErrUnsafeToken, err)
	}
	if !a.Safe {
		return fmt.Errorf("executor: %w: %s (%s)", domain.ErrUnsafeToken, token, a.RiskLevel)
	}
	return nil
}

func (e *Engine) lifecycle(ctx context.Context, h *handle) {
	defer e.wg.Done()

	err := e.execute(ctx, h)
	if err == nil {
		return
	}
	state := domain.BundleRejected
	switch {
	case errors.Is(err, domain.ErrExpired):
		state = domain.BundleExpired
	case errors.Is(err, domain.ErrEmergencyTriggered), ctx.Err() != nil:
		state = domain.BundleCancelled
	}
	e.transition(ctx, h, state, err.Error(), nil)
}

func (e *Engine) execute(ctx context.Context, h *handle) error {
	opp := h.opp

	bounds, err := e.protect(ctx, opp)
	if err != nil {
		return err
	}
	fee, err := e.deps.Fees.Estimate()
	if err != nil {
		return fmt.Errorf("executor: fee estimate: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	block, err := e.deps.Chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("executor: block number: %w", err)
	}
	validFrom := e.now()
	validUntil := validFrom.Add(e.cfg.BundleTimeout)

	txs, firstNonce, err := e.build(ctx, opp, bounds, fee, validUntil)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.firstNonce = firstNonce
	h.fee = fee
	h.mu.Unlock()

	if !e.update(ctx, h, func(b *domain.ProtectedBundle) {
		b.Transactions = txs
		b.Bounds = bounds
		b.Fee = fee
		b.TargetBlock = block + 1
		b.ValidFrom = validFrom
		b.ValidUntil = validUntil
	}) {
		return nil
	}
	req := relay.FromProtected(h.snapshot())

	note, err := e.simulate(ctx, req)
	if err != nil {
		return err
	}
	var markUnsimulated func(*domain.ProtectedBundle)
	if note != "" {
		markUnsimulated = func(b *domain.ProtectedBundle) { b.Unsimulated = true }
		e.auditUnsimulated(ctx, h.snapshot(), note)
	}
	if !e.transition(ctx, h, domain.BundleSimulated, note, markUnsimulated) {
		return nil
	}

	if e.halted() {
		return fmt.Errorf("executor: %w", domain.ErrEmergencyTriggered)
	}
	hash, err := e.deps.Relay.SendBundle(ctx, req)
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	submittedAt := e.now()
	if !e.transition(ctx, h, domain.BundleSubmitted, "", func(b *domain.ProtectedBundle) {
		b.RelayBundleHash = hash
		b.SubmittedAt = &submittedAt
	}) {
		// Cancelled while the relay call was in flight: try to preempt it.
		if err := e.replace(e.detached(ctx), h); err != nil {
			e.logger.Warn("replace after late cancel failed", slog.String("bundle_id", h.snapshot().ID), slog.String("error", err.Error()))
		}
		return nil
	}

	target, _ := h.snapshot().Target()
	return e.awaitInclusion(ctx, h, target.Hash, validUntil)
}

func (e *Engine) protect(ctx context.Context, opp domain.ArbitrageOpportunity) (domain.ProtectionBounds, error) {
	if v := e.deps.Venues; v != nil {
		if !v.ValidatePrice(opp.BuyVenue, opp.Token, opp.BuyPrice) {
			return domain.ProtectionBounds{}, fmt.Errorf("executor: buy price %s rejected by %s: %w", opp.BuyPrice, opp.BuyVenue, domain.ErrPriceAnomaly)
		}
		if !v.ValidatePrice(opp.SellVenue, opp.Token, opp.SellPrice) {
			return domain.ProtectionBounds{}, fmt.Errorf("executor: sell price %s rejected by %s: %w", opp.SellPrice, opp.SellVenue, domain.ErrPriceAnomaly)
		}
	}
	if e.deps.Protector == nil {
		return domain.ProtectionBounds{}, fmt.Errorf("executor: %w: no trade protector", domain.ErrUnprotected)
	}
	b, err := e.deps.Protector.Bounds(ctx, opp)
	if err != nil {
		return domain.ProtectionBounds{}, fmt.Errorf("executor: %w: %w", domain.ErrUnprotected, err)
	}
	switch {
	case !b.Valid():
		return domain.ProtectionBounds{}, fmt.Errorf("executor: %w: invalid bounds (min %s, expected %s, window %s)",
			domain.ErrUnprotected, b.MinOutput, b.ExpectedOutput, b.ValidityWindow)
	case e.cfg.MinValidity > 0 && b.ValidityWindow < e.cfg.MinValidity:
		return domain.ProtectionBounds{}, fmt.Errorf("executor: %w: validity window %s below %s",
			domain.ErrUnprotected, b.ValidityWindow, e.cfg.MinValidity)
	case b.ValidityWindow > e.cfg.BundleTimeout:
		return domain.ProtectionBounds{}, fmt.Errorf("executor: %w: validity window %s exceeds bundle timeout %s",
			domain.ErrUnprotected, b.ValidityWindow, e.cfg.BundleTimeout)
	}
	return b, nil
}

// simulate dry-runs the bundle. A failed simulation always aborts; a relay
// that cannot be reached aborts only when simulation is required, otherwise
// the returned note marks the bundle as unsimulated.
func (e *Engine) simulate(ctx context.Context, req relay.Bundle) (string, error) {
	sim, err := e.deps.Relay.CallBundle(ctx, req)
	if err != nil {
		if e.cfg.SimulationRequired {
			return "", fmt.Errorf("executor: %w: %w", domain.ErrSimulationFailed, err)
		}
		e.logger.WarnContext(ctx, "simulation unavailable, submitting unsimulated", slog.String("error", err.Error()))
		return "unsimulated: " + err.Error(), nil
	}
	if !sim.Success {
		return "", fmt.Errorf("executor: %w: %s", domain.ErrSimulationFailed, sim.Reason)
	}
	return "", nil
}

func (e *Engine) awaitInclusion(ctx context.Context, h *handle, txHash string, validUntil time.Time) error {
	deadline := time.NewTimer(validUntil.Sub(e.now()))
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.InclusionPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("executor: awaiting inclusion: %w", ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("executor: %w: not included before %s", domain.ErrExpired, validUntil.UTC().Format(time.RFC3339))
		case <-ticker.C:
			inc, err := e.deps.Chain.Inclusion(ctx, txHash)
			if err != nil {
				e.logger.DebugContext(ctx, "inclusion check failed",
					slog.String("tx", txHash),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !inc.Included {
				continue
			}
			if inc.Reverted {
				return fmt.Errorf("executor: %w: target reverted in block %d", domain.ErrSubmissionFailed, inc.Block)
			}
			e.confirm(ctx, h, inc.Block)
			return nil
		}
	}
}

func (e *Engine) confirm(ctx context.Context, h *handle, block uint64) {
	if !e.transition(ctx, h, domain.BundleConfirmed, fmt.Sprintf("included in block %d", block), nil) {
		return
	}
	b := h.snapshot()
	opp := h.opp
	dctx := e.detached(ctx)

	if e.deps.Opportunities != nil {
		if err := e.deps.Opportunities.MarkExecuted(dctx, opp.ID, b.ID); err != nil {
			e.logger.Warn("mark opportunity executed failed", slog.String("opp_id", opp.ID), slog.String("error", err.Error()))
		}
	}
	if e.deps.Positions == nil || !opp.BuyPrice.IsPositive() {
		return
	}
	pos, err := e.deps.Positions.Open(dctx, domain.Position{
		Token:         opp.Token,
		EntryPrice:    opp.BuyPrice,
		Size:          opp.TradeSize.Div(opp.BuyPrice),
		OpportunityID: opp.ID,
		BundleID:      b.ID,
	})
	if err != nil {
		e.logger.Error("open position failed", slog.String("bundle_id", b.ID), slog.String("error", err.Error()))
		return
	}
	e.logger.Info("position opened from bundle", slog.String("bundle_id", b.ID), slog.String("position_id", pos.ID))
}

// update mutates a live bundle without changing its state. It returns false
// when the bundle already finished.
func (e *Engine) update(ctx context.Context, h *handle, mutate func(*domain.ProtectedBundle)) bool {
	h.mu.Lock()
	if h.bundle.State.Terminal() {
		h.mu.Unlock()
		return false
	}
	mutate(&h.bundle)
	h.bundle.UpdatedAt = e.now()
	h.mu.Unlock()

	e.persist(ctx, h.snapshot())
	return true
}

// transition moves h to state. It returns false when the bundle already
// reached a terminal state; terminal bundles never change again.
func (e *Engine) transition(ctx context.Context, h *handle, state domain.BundleState, reason string, mutate func(*domain.ProtectedBundle)) bool {
	h.mu.Lock()
	if h.bundle.State.Terminal() {
		h.mu.Unlock()
		return false
	}
	from := h.bundle.State
	h.bundle.State = state
	if reason != "" {
		h.bundle.Reason = reason
	}
	if mutate != nil {
		mutate(&h.bundle)
	}
	h.bundle.UpdatedAt = e.now()
	h.mu.Unlock()

	b := h.snapshot()
	metrics.RecordBundleState(string(state))
	e.logger.DebugContext(ctx, "bundle transition",
		slog.String("bundle_id", b.ID),
		slog.String("from", string(from)),
		slog.String("to", string(state)),
	)
	e.persist(ctx, b)
	if state.Terminal() {
		e.finish(ctx, h, b)
	} else {
		e.updatePendingGauge()
	}
	return true
}

func (e *Engine) finish(ctx context.Context, h *handle, b domain.ProtectedBundle) {
	e.mu.Lock()
	if cur, ok := e.active[b.OpportunityID]; ok && cur == h {
		delete(e.active, b.OpportunityID)
	}
	e.recent = append(e.recent, b)
	if len(e.recent) > recentLimit {
		e.recent = append([]domain.ProtectedBundle(nil), e.recent[len(e.recent)-recentLimit:]...)
	}
	e.mu.Unlock()

	e.updatePendingGauge()
	if h.unlock != nil {
		h.unlock()
	}
	h.cancel()
	e.report(e.detached(ctx), b)
}

func (e *Engine) updatePendingGauge() {
	e.mu.Lock()
	n := 0
	for _, h := range e.active {
		if h.state() == domain.BundleSubmitted {
			n++
		}
	}
	e.mu.Unlock()
	metrics.SetPendingBundles(n)
}

func (e *Engine) persist(ctx context.Context, b domain.ProtectedBundle) {
	if e.deps.Bundles == nil {
		return
	}
	if err := e.deps.Bundles.Upsert(e.detached(ctx), b); err != nil {
		e.logger.Warn("persist bundle failed", slog.String("bundle_id", b.ID), slog.String("error", err.Error()))
	}
}

// detached returns a context that survives cancellation of ctx, for writes
// that must complete after a bundle was cancelled.
func (e *Engine) detached(ctx context.Context) context.Context {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	context.AfterFunc(dctx, cancel)
	return dctx
}

// CancelPending cancels every bundle that has not been submitted yet and
// returns how many were cancelled.
func (e *Engine) CancelPending(ctx context.Context, reason string) int {
	n := 0
	for _, h := range e.handles() {
		switch h.state() {
		case domain.BundlePendingBuild, domain.BundleSimulated:
			if e.transition(ctx, h, domain.BundleCancelled, reason, nil) {
				n++
			}
		}
	}
	if n > 0 {
		e.logger.WarnContext(ctx, "pending bundles cancelled", slog.Int("count", n), slog.String("reason", reason))
	}
	return n
}

// ReplaceSubmitted broadcasts a zero-value self-transfer with the same
// nonce and higher fees for every submitted bundle. Failures are collected
// and returned; the bundles themselves are left to expire.
func (e *Engine) ReplaceSubmitted(ctx context.Context) error {
	var errs []error
	for _, h := range e.handles() {
		if h.state() != domain.BundleSubmitted {
			continue
		}
		if err := e.replace(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) handles() []*handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*handle, 0, len(e.active))
	for _, h := range e.active {
		out = append(out, h)
	}
	return out
}

// Active returns the live bundles ordered by creation time.
func (e *Engine) Active() []domain.ProtectedBundle {
	hs := e.handles()
	out := make([]domain.ProtectedBundle, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Recent returns up to limit finished bundles, newest first.
func (e *Engine) Recent(limit int) []domain.ProtectedBundle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.recent) {
		limit = len(e.recent)
	}
	out := make([]domain.ProtectedBundle, 0, limit)
	for i := len(e.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.recent[i])
	}
	return out
}

// Bundle returns a live or recently finished bundle by id.
func (e *Engine) Bundle(id string) (domain.ProtectedBundle, bool) {
	for _, h := range e.handles() {
		if b := h.snapshot(); b.ID == id {
			return b, true
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.recent) - 1; i >= 0; i-- {
		if e.recent[i].ID == id {
			return e.recent[i], true
		}
	}
	return domain.ProtectedBundle{}, false
}

// Run blocks until ctx is cancelled, then cancels every live bundle and
// waits for their lifecycles to finish.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "execution engine started",
		slog.Int("max_pending", e.cfg.MaxPendingBundles),
		slog.Bool("simulation_required", e.cfg.SimulationRequired),
	)
	<-ctx.Done()
	e.Shutdown()
	e.logger.Info("execution engine stopped")
	return nil
}

// Shutdown cancels every live bundle and waits for the lifecycles.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
}
