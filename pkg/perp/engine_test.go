package perp

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openperp/openperp/pkg/fixed"
	"github.com/openperp/openperp/pkg/oracle"
	"github.com/openperp/openperp/pkg/pool"
	"github.com/openperp/openperp/pkg/util"
	"github.com/openperp/openperp/pkg/vault"
)

var (
	testOperator   = common.HexToAddress("0xe01")
	testEscrowAcct = common.HexToAddress("0xe02")
	testVaultAcct  = common.HexToAddress("0xe03")
	testLP         = common.HexToAddress("0xa01")
	alice          = common.HexToAddress("0xa10")
	bob            = common.HexToAddress("0xa20")
	keeper         = common.HexToAddress("0xa30")
)

type testEnv struct {
	engine *Engine
	reg    *Registry
	clock  *util.ManualClock
	feed   *oracle.Static
	pool   *pool.Pool
	vault  *vault.FeeVault
	escrow *vault.Timelock
	fees   *FeeBook
	market common.Hash
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	reg, err := NewRegistry(DefaultGlobalParams(), nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	market := MarketID("BTC-USD")
	if err := reg.AddMarket(market, DefaultMarketParams()); err != nil {
		t.Fatalf("add market: %v", err)
	}

	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	feed := oracle.NewStatic()
	feed.SetMid(market, fixed.FromUint64(2000), fixed.Zero(), clock.Now().Unix())

	lp := pool.New()
	lp.Approve(testOperator)
	if _, err := lp.Deposit(testLP, fixed.FromUint64(1_000_000)); err != nil {
		t.Fatalf("seed pool: %v", err)
	}

	feeBook := NewFeeBook(DefaultFees())
	feeVault := vault.NewFeeVault()
	timelock := vault.NewTimelock(clock, 24*time.Hour)

	env := &testEnv{
		reg:    reg,
		clock:  clock,
		feed:   feed,
		pool:   lp,
		vault:  feeVault,
		escrow: timelock,
		fees:   feeBook,
		market: market,
	}
	env.engine = NewEngine(EngineConfig{
		Registry:      reg,
		Oracle:        oracle.NewAggregator(fixed.Zero(), feed),
		Pool:          lp,
		Vault:         feeVault,
		Escrow:        timelock,
		Fees:          feeBook,
		Clock:         clock,
		Logger:        zap.NewNop().Sugar(),
		Operator:      testOperator,
		EscrowAccount: testEscrowAcct,
		VaultAccount:  testVaultAcct,
		FeeSplit:      FeeSplit{VaultShare: fixed.MustParse("500000000000000000")},
	})
	env.engine.SetLiquidator(keeper, true)
	return env
}

// setPrice re-publishes a symmetric quote at the current clock time.
func (env *testEnv) setPrice(mid fixed.Dec) {
	env.feed.SetMid(env.market, mid, fixed.Zero(), env.clock.Now().Unix())
}

func (env *testEnv) openLong(t *testing.T, user common.Address, margin, leverage uint64) *OpenReceipt {
	t.Helper()
	receipt, err := env.engine.OpenMarketOrder(OpenOrder{
		User:     user,
		PriceID:  env.market,
		IsBuy:    true,
		Margin:   fixed.FromUint64(margin),
		Leverage: fixed.FromUint64(leverage),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return receipt
}

func fullClose() fixed.Dec { return fixed.FromUint64(100) }
func halfClose() fixed.Dec { return fixed.FromUint64(50) }

func TestOpenLongComputesSlippageAndLiquidationPrice(t *testing.T) {
	env := newTestEnv(t)

	receipt := env.openLong(t, alice, 1000, 10)
	trade := receipt.Trade

	if trade.Slippage.IsZero() {
		t.Fatal("expected nonzero slippage with nonzero notional")
	}
	// impact = notional / 1e6 depth; on a 2000 price with ~9920 notional
	// the penalty is well under one unit
	if trade.Slippage.Gte(fixed.One()) {
		t.Fatalf("slippage %s unexpectedly large", trade.Slippage)
	}

	exec := receipt.ExecutionPrice
	if !trade.LiquidationPrice.Lt(exec) {
		t.Fatalf("long liquidation price %s not below execution %s", trade.LiquidationPrice, exec)
	}
	// threshold 0.9 on 10x: liq = exec * (10 - 0.9) / 10
	want := exec.MulDown(fixed.MustParse("9100000000000000000")).DivDown(fixed.FromUint64(10))
	if !trade.LiquidationPrice.Eq(want) {
		t.Fatalf("liquidation price %s, want %s", trade.LiquidationPrice, want)
	}

	// fee is netted out of margin before notional is computed
	feeRate := DefaultFees().OpenFee
	wantFee := fixed.FromUint64(10).MulDown(fixed.FromUint64(1000)).MulDown(feeRate)
	if !receipt.OpenFee.Eq(wantFee) {
		t.Fatalf("open fee %s, want %s", receipt.OpenFee, wantFee)
	}
	wantMargin := fixed.FromUint64(1000).Sub(wantFee)
	if !trade.Margin.Eq(wantMargin) {
		t.Fatalf("net margin %s, want %s", trade.Margin, wantMargin)
	}

	if got := env.reg.Exposure(env.market, true); !got.Eq(trade.Notional()) {
		t.Fatalf("long exposure %s, want %s", got, trade.Notional())
	}
}

func TestOpenRejectsLeverageAboveMarketMax(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.OpenMarketOrder(OpenOrder{
		User:     alice,
		PriceID:  env.market,
		IsBuy:    true,
		Margin:   fixed.FromUint64(1000),
		Leverage: fixed.FromUint64(200),
	})
	if CodeOf(err) != CodeLeverageTooHigh {
		t.Fatalf("expected leverage_too_high, got %v", err)
	}
	if n := env.reg.OpenCount(env.market); n != 0 {
		t.Fatalf("open count %d after rejected open", n)
	}
	if !env.reg.Exposure(env.market, true).IsZero() {
		t.Fatal("exposure mutated by rejected open")
	}
}

func TestCloseSameBlockRejected(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.openLong(t, alice, 1000, 10)

	_, err := env.engine.CloseMarketOrder(alice, receipt.OrderHash, fullClose())
	if CodeOf(err) != CodeMinBlockGap {
		t.Fatalf("expected min_block_gap, got %v", err)
	}

	// one block later the same close succeeds
	env.clock.AdvanceBlocks(1)
	env.setPrice(fixed.FromUint64(2000))
	if _, err := env.engine.CloseMarketOrder(alice, receipt.OrderHash, fullClose()); err != nil {
		t.Fatalf("close after gap: %v", err)
	}
}

func TestLiquidationBelowTriggerPrice(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.openLong(t, alice, 1000, 10)

	env.clock.AdvanceBlocks(2)
	env.clock.AdvanceTime(2 * time.Second)
	env.setPrice(fixed.FromUint64(1500)) // far below the ~1820 trigger

	s, err := env.engine.LiquidateMarketOrder(keeper, receipt.OrderHash)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !s.IsLiquidated {
		t.Fatal("expected isLiquidated")
	}
	// price is clamped to the trigger, not the raw quote
	if !s.ClosePrice.Lte(receipt.Trade.LiquidationPrice) {
		t.Fatalf("close price %s above liquidation trigger %s", s.ClosePrice, receipt.Trade.LiquidationPrice)
	}

	wantPenalty := s.ClosedMargin.MulDown(DefaultGlobalParams().LiquidationPenalty)
	if !s.Penalty.Eq(wantPenalty) {
		t.Fatalf("penalty %s, want %s", s.Penalty, wantPenalty)
	}
	if s.NetPayout.IsZero() {
		t.Fatal("expected a residual payout at a 90% threshold")
	}
	if !s.NetPayout.Lt(s.ClosedMargin) {
		t.Fatalf("liquidation payout %s not below closed margin %s", s.NetPayout, s.ClosedMargin)
	}

	if _, open := env.reg.Trade(receipt.OrderHash); open {
		t.Fatal("registry record survived full liquidation")
	}
	if !env.reg.Exposure(env.market, true).IsZero() {
		t.Fatal("exposure not decremented to zero")
	}
	if env.pool.PaidTo(keeper).IsZero() {
		t.Fatal("liquidator was not paid the penalty")
	}
}

func TestLiquidateHealthyPositionFails(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.openLong(t, alice, 1000, 10)

	env.clock.AdvanceBlocks(2)
	env.clock.AdvanceTime(2 * time.Second)
	env.setPrice(fixed.FromUint64(2000))

	_, err := env.engine.LiquidateMarketOrder(keeper, receipt.OrderHash)
	if CodeOf(err) != CodeNotLiquidatable {
		t.Fatalf("expected not_liquidatable, got %v", err)
	}
	if _, open := env.reg.Trade(receipt.OrderHash); !open {
		t.Fatal("healthy trade was removed by failed liquidation")
	}
}

func TestPartialCloseHalvesThenTerminates(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.openLong(t, alice, 1000, 10)
	openedMargin := receipt.Trade.Margin
	openedExposure := env.reg.Exposure(env.market, true)

	env.clock.AdvanceBlocks(2)
	env.setPrice(fixed.FromUint64(2000))

	s, err := env.engine.CloseMarketOrder(alice, receipt.OrderHash, halfClose())
	if err != nil {
		t.Fatalf("partial close: %v", err)
	}
	if !s.ClosedMargin.Eq(openedMargin.PctDown(halfClose())) {
		t.Fatalf("closed margin %s, want half of %s", s.ClosedMargin, openedMargin)
	}

	remaining, open := env.reg.Trade(receipt.OrderHash)
	if !open {
		t.Fatal("trade terminated by 50% close")
	}
	if !remaining.Margin.Eq(openedMargin.Sub(openedMargin.PctDown(halfClose()))) {
		t.Fatalf("remaining margin %s after half close of %s", remaining.Margin, openedMargin)
	}
	halfExposure := env.reg.Exposure(env.market, true)
	if !halfExposure.Eq(openedExposure.Sub(openedExposure.PctDown(halfClose()))) {
		t.Fatalf("exposure %s, want half of %s", halfExposure, openedExposure)
	}
	if n := env.reg.OpenCount(env.market); n != 1 {
		t.Fatalf("open count %d after partial close", n)
	}

	env.clock.AdvanceBlocks(1)
	env.setPrice(fixed.FromUint64(2000))
	if _, err := env.engine.CloseMarketOrder(alice, receipt.OrderHash, fullClose()); err != nil {
		t.Fatalf("final close: %v", err)
	}
	if _, open := env.reg.Trade(receipt.OrderHash); open {
		t.Fatal("trade survived full close")
	}
	if !env.reg.Exposure(env.market, true).IsZero() {
		t.Fatal("exposure nonzero after full close")
	}
}

func TestCloseFeeNeverExceedsGrossPnL(t *testing.T) {
	env := newTestEnv(t)
	// a 2% close fee on 10x notional is 20% of margin, more than the 10%
	// buffer a liquidated trade settles with
	fees := DefaultFees()
	fees.CloseFee = fixed.MustParse("20000000000000000")
	env.fees.SetOverride(alice, fees)

	receipt := env.openLong(t, alice, 1000, 10)

	env.clock.AdvanceBlocks(2)
	env.clock.AdvanceTime(2 * time.Second)
	env.setPrice(fixed.FromUint64(1500))

	s, err := env.engine.LiquidateMarketOrder(keeper, receipt.OrderHash)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !s.CloseFee.Eq(s.GrossPnL) {
		t.Fatalf("close fee %s, want capped at gross pnl %s", s.CloseFee, s.GrossPnL)
	}
	if !s.NetPayout.IsZero() {
		t.Fatalf("payout %s, want zero once fees consume the pnl", s.NetPayout)
	}
}

func TestReferralPayoutScaledByEarnings(t *testing.T) {
	env := newTestEnv(t)
	// high close fee guarantees gross PnL < nominal fee at liquidation
	fees := DefaultFees()
	fees.CloseFee = fixed.MustParse("20000000000000000")
	env.fees.SetOverride(alice, fees)
	if err := env.fees.Refer(alice, bob, "FRIEND"); err != nil {
		t.Fatalf("refer: %v", err)
	}
	receipt := env.openLong(t, alice, 1000, 10)
	if receipt.ReferralPaid.IsZero() {
		t.Fatal("expected referral cut on open fee")
	}

	env.clock.AdvanceBlocks(2)
	env.clock.AdvanceTime(2 * time.Second)
	env.setPrice(fixed.FromUint64(1500))

	s, err := env.engine.LiquidateMarketOrder(keeper, receipt.OrderHash)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	// nominal referral cut, had the full fee been collectable
	effective := env.fees.FeesOf(alice)
	nominalFee := receipt.Trade.Notional().MulDown(effective.CloseFee)
	fullCut := nominalFee.MulDown(effective.ReferralShare)

	if !s.GrossPnL.Lt(nominalFee) {
		t.Fatalf("setup broken: gross pnl %s not below nominal fee %s", s.GrossPnL, nominalFee)
	}
	if s.ReferralPaid.IsZero() || !s.ReferralPaid.Lt(fullCut) {
		t.Fatalf("referral %s not scaled below nominal cut %s", s.ReferralPaid, fullCut)
	}
	if env.fees.Earned(bob).IsZero() {
		t.Fatal("referrer earnings not credited")
	}
}

func TestProfitClampForcesStop(t *testing.T) {
	env := newTestEnv(t)
	// small margin keeps maxPercentagePnL at the floor (5x)
	receipt := env.openLong(t, alice, 1000, 10)

	env.clock.AdvanceBlocks(2)
	// +100% move at 10x leverage: raw pnl far beyond the 5x cap
	env.setPrice(fixed.FromUint64(4000))

	s, err := env.engine.CloseMarketOrder(alice, receipt.OrderHash, fullClose())
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	capAmount := s.ClosedMargin.MulDown(receipt.Trade.MaxPercentagePnL)
	if !s.GrossPnL.Eq(capAmount) {
		t.Fatalf("gross pnl %s, want clamped to %s", s.GrossPnL, capAmount)
	}
	if !s.IsStop {
		t.Fatal("pnl clamp must set isStop")
	}
}

func TestAddAndRemoveMargin(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.openLong(t, alice, 1000, 10)
	opened := receipt.Trade

	env.clock.AdvanceBlocks(2)
	env.setPrice(fixed.FromUint64(2000))

	added, err := env.engine.AddMargin(alice, receipt.OrderHash, fixed.FromUint64(500))
	if err != nil {
		t.Fatalf("add margin: %v", err)
	}
	if !added.Margin.Eq(opened.Margin.Add(fixed.FromUint64(500))) {
		t.Fatalf("margin %s after adding 500 to %s", added.Margin, opened.Margin)
	}
	if !added.Leverage.Lt(opened.Leverage) {
		t.Fatalf("leverage %s not reduced from %s by added margin", added.Leverage, opened.Leverage)
	}
	if !added.LiquidationPrice.Lt(opened.LiquidationPrice) {
		t.Fatalf("long liquidation price %s not moved down from %s", added.LiquidationPrice, opened.LiquidationPrice)
	}
	// notional is preserved across margin changes up to leverage rounding
	if diff := fixed.SDiff(opened.Notional(), added.Notional()).Abs(); diff.Gt(fixed.FromRaw(1_000_000)) {
		t.Fatalf("notional drifted by %s: %s -> %s", diff, opened.Notional(), added.Notional())
	}

	removed, err := env.engine.RemoveMargin(alice, receipt.OrderHash, fixed.FromUint64(500))
	if err != nil {
		t.Fatalf("remove margin: %v", err)
	}
	if !removed.Margin.Eq(opened.Margin) {
		t.Fatalf("margin %s after add+remove, want %s", removed.Margin, opened.Margin)
	}
}

func TestRemoveMarginRejectedWhenLeverageWouldExceedMax(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.openLong(t, alice, 1000, 90)

	env.clock.AdvanceBlocks(2)
	env.setPrice(fixed.FromUint64(2000))

	// pulling most of the margin would push effective leverage past 100x
	_, err := env.engine.RemoveMargin(alice, receipt.OrderHash, fixed.FromUint64(900))
	if err == nil {
		t.Fatal("expected rejection")
	}
	trade, _ := env.reg.Trade(receipt.OrderHash)
	if !trade.Margin.Eq(receipt.Trade.Margin) {
		t.Fatal("margin mutated by rejected removal")
	}
}

func TestUpdateStopsValidatesSpacing(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.openLong(t, alice, 1000, 10)

	env.clock.AdvanceBlocks(2)
	env.setPrice(fixed.FromUint64(2000))

	// stop-loss glued to the market price violates trigger spacing
	_, err := env.engine.UpdateStops(alice, receipt.OrderHash, fixed.FromUint64(2000), fixed.Zero())
	if CodeOf(err) != CodeInvalidStopLoss {
		t.Fatalf("expected invalid_stop_loss, got %v", err)
	}

	updated, err := env.engine.UpdateStops(alice, receipt.OrderHash, fixed.FromUint64(1900), fixed.FromUint64(2500))
	if err != nil {
		t.Fatalf("update stops: %v", err)
	}
	if !updated.StopLoss.Eq(fixed.FromUint64(1900)) || !updated.ProfitTarget.Eq(fixed.FromUint64(2500)) {
		t.Fatalf("triggers %s/%s not persisted", updated.StopLoss, updated.ProfitTarget)
	}
}

func TestLiquidatorRequiresRoleAndFreshPrice(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.openLong(t, alice, 1000, 10)
	env.clock.AdvanceBlocks(2)

	_, err := env.engine.LiquidateMarketOrder(bob, receipt.OrderHash)
	if CodeOf(err) != CodeUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	// quote published before the trade opened is unusable for liquidation
	env.feed.SetMid(env.market, fixed.FromUint64(1500), fixed.Zero(), env.clock.Now().Unix()-60)
	_, err = env.engine.LiquidateMarketOrder(keeper, receipt.OrderHash)
	if CodeOf(err) != CodeStalePrice {
		t.Fatalf("expected stale_price, got %v", err)
	}
}

func TestOwnershipEnforcedOnCloseAndUpdates(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.openLong(t, alice, 1000, 10)
	env.clock.AdvanceBlocks(2)
	env.setPrice(fixed.FromUint64(2000))

	if _, err := env.engine.CloseMarketOrder(bob, receipt.OrderHash, fullClose()); CodeOf(err) != CodeNotTradeOwner {
		t.Fatalf("close by stranger: %v", err)
	}
	if _, err := env.engine.AddMargin(bob, receipt.OrderHash, fixed.FromUint64(10)); CodeOf(err) != CodeNotTradeOwner {
		t.Fatalf("add margin by stranger: %v", err)
	}
}

func TestPauseBlocksMutations(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Pause()
	_, err := env.engine.OpenMarketOrder(OpenOrder{
		User:     alice,
		PriceID:  env.market,
		IsBuy:    true,
		Margin:   fixed.FromUint64(1000),
		Leverage: fixed.FromUint64(10),
	})
	if CodeOf(err) != CodePaused {
		t.Fatalf("expected paused, got %v", err)
	}
	env.engine.Resume()
	env.openLong(t, alice, 1000, 10)
}

func TestSettlementEventEmitted(t *testing.T) {
	env := newTestEnv(t)
	var events []any
	env.engine.SetNotifier(func(event any) { events = append(events, event) })

	receipt := env.openLong(t, alice, 1000, 10)
	env.clock.AdvanceBlocks(2)
	env.setPrice(fixed.FromUint64(2000))
	if _, err := env.engine.CloseMarketOrder(alice, receipt.OrderHash, fullClose()); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want open receipt + settlement", len(events))
	}
	if _, ok := events[0].(*OpenReceipt); !ok {
		t.Fatalf("first event %T, want *OpenReceipt", events[0])
	}
	if _, ok := events[1].(*Settlement); !ok {
		t.Fatalf("second event %T, want *Settlement", events[1])
	}
}

func TestZeroImpactDepthRefusedByGovernance(t *testing.T) {
	env := newTestEnv(t)
	// a zero depth would mean a division fault inside the slippage path,
	// so the setter refuses it outright
	mp := DefaultMarketParams()
	mp.LongImpactDepth = fixed.Zero()
	err := env.reg.SetMarketParams(env.market, mp)
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeInvalidParameter {
		t.Fatalf("expected invalid_parameter, got %v", err)
	}
}

// drainPool burns the seed provider's entire share position, emptying the
// reserve down to rounding dust.
func (env *testEnv) drainPool(t *testing.T) {
	t.Helper()
	if _, err := env.pool.Withdraw(testLP, env.pool.SharesOf(testLP)); err != nil {
		t.Fatalf("drain pool: %v", err)
	}
}

func TestRemoveMarginRejectedWhenReserveDrained(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.openLong(t, alice, 1000, 10)
	before := receipt.Trade.Margin

	env.drainPool(t)
	env.clock.AdvanceBlocks(2)
	env.setPrice(fixed.FromUint64(2000))

	_, err := env.engine.RemoveMargin(alice, receipt.OrderHash, fixed.FromUint64(300))
	if CodeOf(err) != CodeInsufficientPoolLiquidity {
		t.Fatalf("expected insufficient_pool_liquidity, got %v", err)
	}
	// the rejection must leave the trade untouched and pay nothing
	trade, ok := env.reg.Trade(receipt.OrderHash)
	if !ok {
		t.Fatal("trade disappeared on rejected withdrawal")
	}
	if !trade.Margin.Eq(before) {
		t.Fatalf("margin %s changed on rejected withdrawal, want %s", trade.Margin, before)
	}
	if !env.pool.PaidTo(alice).IsZero() {
		t.Fatal("rejected withdrawal still paid out")
	}
}

func TestCloseRejectedWhenReserveDrained(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.openLong(t, alice, 1000, 10)
	openedExposure := env.reg.Exposure(env.market, true)

	env.drainPool(t)
	env.clock.AdvanceBlocks(2)
	env.setPrice(fixed.FromUint64(2000))

	_, err := env.engine.CloseMarketOrder(alice, receipt.OrderHash, fullClose())
	if CodeOf(err) != CodeInsufficientPoolLiquidity {
		t.Fatalf("expected insufficient_pool_liquidity, got %v", err)
	}
	if _, open := env.reg.Trade(receipt.OrderHash); !open {
		t.Fatal("trade removed by rejected settlement")
	}
	if !env.reg.Exposure(env.market, true).Eq(openedExposure) {
		t.Fatal("exposure changed on rejected settlement")
	}
	if !env.pool.PaidTo(alice).IsZero() {
		t.Fatal("rejected settlement still paid out")
	}
}

func TestLargePayoutRoutedThroughTimelock(t *testing.T) {
	env := newTestEnv(t)
	gp := env.reg.Global()
	gp.LargePayoutThreshold = fixed.FromUint64(100)
	if err := env.reg.SetGlobalParams(gp); err != nil {
		t.Fatalf("lower payout threshold: %v", err)
	}

	receipt := env.openLong(t, alice, 1000, 10)
	env.clock.AdvanceBlocks(2)
	env.setPrice(fixed.FromUint64(2100))

	s, err := env.engine.CloseMarketOrder(alice, receipt.OrderHash, fullClose())
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !s.Escrowed {
		t.Fatalf("payout %s above threshold was not escrowed", s.NetPayout)
	}
	if !s.NetPayout.Gt(fixed.FromUint64(100)) {
		t.Fatalf("payout %s not above the lowered threshold", s.NetPayout)
	}
	// funds sit with the escrow account, not the trader
	if !env.pool.PaidTo(alice).IsZero() {
		t.Fatal("escrowed settlement paid the trader directly")
	}
	if !env.pool.PaidTo(testEscrowAcct).Eq(s.NetPayout) {
		t.Fatalf("escrow account holds %s, want %s", env.pool.PaidTo(testEscrowAcct), s.NetPayout)
	}

	pending := env.escrow.Pending(alice)
	if len(pending) != 1 {
		t.Fatalf("got %d pending agreements, want 1", len(pending))
	}
	if !pending[0].Amount.Eq(s.NetPayout) {
		t.Fatalf("agreement amount %s, want %s", pending[0].Amount, s.NetPayout)
	}

	// immature release fails, matured release succeeds
	if _, err := env.escrow.Release(pending[0].ID); err == nil {
		t.Fatal("agreement released before maturity")
	}
	env.clock.AdvanceTime(25 * time.Hour)
	released, err := env.escrow.Release(pending[0].ID)
	if err != nil {
		t.Fatalf("release after maturity: %v", err)
	}
	if !released.Amount.Eq(s.NetPayout) {
		t.Fatalf("released %s, want %s", released.Amount, s.NetPayout)
	}
}
