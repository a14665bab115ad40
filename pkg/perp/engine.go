package perp

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openperp/openperp/pkg/fixed"
	"github.com/openperp/openperp/pkg/oracle"
	"github.com/openperp/openperp/pkg/util"
)

// Oracle supplies bid/ask price packages per market id. A fetch failure
// aborts the whole operation.
type Oracle interface {
	Latest(priceID common.Hash) (oracle.Quote, error)
}

// LiquidityPool is the base-asset reserve backing open positions.
type LiquidityPool interface {
	BaseBalance() fixed.Dec
	CreditBase(amount fixed.Dec)
	TransferBase(caller, to common.Address, amount fixed.Dec) error
}

// FeeSink accrues the protocol's fee share.
type FeeSink interface {
	Add(amount fixed.Dec)
}

// Escrow timelock-escrows large payouts.
type Escrow interface {
	CreateAgreement(asset string, amount fixed.Dec, beneficiary common.Address, context string) uuid.UUID
}

// RewardHook receives fire-and-forget post-settlement notifications.
// Settlement correctness never depends on it.
type RewardHook interface {
	OnSettlement(s Settlement)
}

// FeeSplit routes the non-referral part of a charged fee: VaultShare goes
// to the protocol reserve, the remainder stays in the pool as LP rebate.
type FeeSplit struct {
	VaultShare fixed.Dec
}

// EngineConfig wires the engine's collaborators. Oracle, pool, vault and
// escrow are injected interfaces so the engine can run against
// deterministic fakes in tests.
type EngineConfig struct {
	Registry *Registry
	Oracle   Oracle
	Pool     LiquidityPool
	Vault    FeeSink
	Escrow   Escrow
	Fees     *FeeBook
	Clock    util.BlockClock
	Logger   *zap.SugaredLogger
	Metrics  *Metrics   // optional
	Rewards  RewardHook // optional

	// Operator is the engine's identity for the pool's approved-caller
	// role; EscrowAccount and VaultAccount receive reserve debits for
	// escrowed payouts and protocol fees.
	Operator      common.Address
	EscrowAccount common.Address
	VaultAccount  common.Address

	FeeSplit FeeSplit
}

// Engine is the trade-lifecycle state machine: it validates and opens
// trades, processes margin updates, and settles closes and liquidations.
// One mutex wraps every mutating operation end to end, reproducing the
// source environment's all-or-nothing transaction semantics; all external
// data (price, pool balance, params) is gathered before validation begins.
type Engine struct {
	mu sync.Mutex

	reg     *Registry
	oracle  Oracle
	pool    LiquidityPool
	vault   FeeSink
	escrow  Escrow
	fees    *FeeBook
	clock   util.BlockClock
	log     *zap.SugaredLogger
	metrics *Metrics
	rewards RewardHook

	operator      common.Address
	escrowAccount common.Address
	vaultAccount  common.Address
	split         FeeSplit

	paused      bool
	liquidators map[common.Address]bool

	notify func(event any) // optional event sink (websocket hub)
}

func NewEngine(cfg EngineConfig) *Engine {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		reg:           cfg.Registry,
		oracle:        cfg.Oracle,
		pool:          cfg.Pool,
		vault:         cfg.Vault,
		escrow:        cfg.Escrow,
		fees:          cfg.Fees,
		clock:         cfg.Clock,
		log:           log,
		metrics:       cfg.Metrics,
		rewards:       cfg.Rewards,
		operator:      cfg.Operator,
		escrowAccount: cfg.EscrowAccount,
		vaultAccount:  cfg.VaultAccount,
		split:         cfg.FeeSplit,
		liquidators:   make(map[common.Address]bool),
	}
}

// SetNotifier installs the event sink receiving OpenReceipt and
// Settlement records.
func (e *Engine) SetNotifier(fn func(event any)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = fn
}

// SetLiquidator grants or revokes the liquidator role.
func (e *Engine) SetLiquidator(addr common.Address, allowed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.liquidators[addr] = allowed
}

// Pause halts all mutating operations.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
}

// Resume re-enables trading.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
}

// guard serializes a mutating operation and converts fixed-point
// arithmetic panics into a CodeArithmetic abort. The lock is held for the
// whole call so validation and commit observe one world state.
func (e *Engine) guard(op string, fn func() error) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			fe, ok := r.(*fixed.Error)
			if !ok {
				panic(r)
			}
			err = errf(CodeArithmetic, "%s: %v", op, fe)
		}
		if err != nil {
			e.metrics.recordRejection(CodeOf(err))
			e.log.Debugw("operation rejected", "op", op, "code", CodeOf(err).String(), "err", err)
		}
	}()
	if e.paused {
		return errf(CodePaused, "engine paused")
	}
	return fn()
}

// ---- open ----

// OpenOrder are the trader-supplied parameters for a market open.
type OpenOrder struct {
	User         common.Address
	PriceID      common.Hash
	IsBuy        bool
	Margin       fixed.Dec // gross collateral; the open fee is deducted from it
	Leverage     fixed.Dec
	ProfitTarget fixed.Dec // 0 = disabled
	StopLoss     fixed.Dec // 0 = disabled
	LimitPrice   fixed.Dec // 0 = unbounded; rejects if slippage pushes execution past it
}

// OpenReceipt is the structured record of a committed open.
type OpenReceipt struct {
	OrderHash      common.Hash `json:"orderHash"`
	Trade          Trade       `json:"trade"`
	ExecutionPrice fixed.Dec   `json:"executionPrice"`
	OpenFee        fixed.Dec   `json:"openFee"`
	ReferralPaid   fixed.Dec   `json:"referralPaid"`
}

// OpenMarketOrder validates and opens a leveraged trade at the current
// oracle price. Validation is strictly ordered and the first failure
// aborts with no partial effects.
func (e *Engine) OpenMarketOrder(order OpenOrder) (*OpenReceipt, error) {
	var receipt *OpenReceipt
	err := e.guard("open", func() error {
		if order.Margin.IsZero() {
			return errf(CodeInvalidAmount, "zero margin")
		}
		if order.Leverage.Lt(fixed.One()) {
			return errf(CodeInvalidLeverage, "leverage %s below 1.0", order.Leverage)
		}

		mp, ok := e.reg.Market(order.PriceID)
		if !ok {
			return errf(CodeMarketUnknown, "market %s not registered", order.PriceID)
		}
		quote, err := e.oracle.Latest(order.PriceID)
		if err != nil {
			return errf(CodeStalePrice, "price fetch: %v", err)
		}
		openPrice := quote.Bid
		if order.IsBuy {
			openPrice = quote.Ask
		}
		poolLiquidity := e.pool.BaseBalance()
		gp := e.reg.Global()

		userFees := e.fees.FeesOf(order.User)
		openFee := order.Leverage.MulDown(order.Margin).MulDown(userFees.OpenFee)
		if openFee.Gte(order.Margin) {
			return errf(CodeFeeExceedsMargin, "open fee %s >= margin %s", openFee, order.Margin)
		}
		netMargin := order.Margin.Sub(openFee)
		notional := order.Leverage.MulDown(netMargin)

		existing := e.reg.Exposure(order.PriceID, order.IsBuy)
		slippage := slippageFor(openPrice, existing, notional, mp.impactDepth(order.IsBuy))
		execPrice := openPrice.Add(slippage)
		if !order.IsBuy {
			execPrice = openPrice.Sub(slippage)
		}
		liqPrice := liquidationPrice(execPrice, order.Leverage, mp.LiquidationThreshold, order.IsBuy)
		maxPct := maxPercentagePnL(gp, poolLiquidity, netMargin)

		// Ordered validation; no state is written until all pass.
		if order.Leverage.Lt(mp.MinLeverage) {
			return errf(CodeLeverageTooLow, "leverage %s below market min %s", order.Leverage, mp.MinLeverage)
		}
		if order.Leverage.Gt(mp.MaxLeverage) {
			return errf(CodeLeverageTooHigh, "leverage %s above market max %s", order.Leverage, mp.MaxLeverage)
		}
		if !mp.Approved {
			return errf(CodeMarketNotApproved, "market %s not approved", order.PriceID)
		}
		if e.reg.OpenCount(order.PriceID) >= gp.MaxTradesPerMarket {
			return errf(CodeMaxTradesPerMarket, "market at %d open trades", gp.MaxTradesPerMarket)
		}
		if e.reg.OpenCountForUser(order.User, order.PriceID) >= gp.MaxTradesPerUser {
			return errf(CodeMaxTradesPerUser, "user at %d open trades", gp.MaxTradesPerUser)
		}
		if !e.reg.MarginOf(order.User).Add(netMargin).Lt(gp.MaxMarginPerUser) {
			return errf(CodeMaxMarginPerUser, "user margin cap %s exceeded", gp.MaxMarginPerUser)
		}
		if netMargin.MulDown(maxPct).Gt(poolLiquidity) {
			return errf(CodeInsufficientPoolLiquidity, "worst-case payout exceeds pool liquidity %s", poolLiquidity)
		}
		if existing.Add(notional).Gt(mp.MaxOpenInterest) {
			return errf(CodeMaxExposure, "side exposure would exceed %s", mp.MaxOpenInterest)
		}
		if notional.Lt(gp.MinPositionSize) {
			return errf(CodePositionTooSmall, "position %s below minimum %s", notional, gp.MinPositionSize)
		}
		if order.IsBuy && !liqPrice.Lt(execPrice) {
			return errf(CodeInvalidLeverage, "long liquidation price %s not below execution %s", liqPrice, execPrice)
		}
		if !order.IsBuy && !liqPrice.Gt(execPrice) {
			return errf(CodeInvalidLeverage, "short liquidation price %s not above execution %s", liqPrice, execPrice)
		}
		if err := validateTriggers(order.IsBuy, execPrice, mp.TriggerSpacing, order.StopLoss, order.ProfitTarget); err != nil {
			return err
		}
		if !order.LimitPrice.IsZero() {
			if order.IsBuy && execPrice.Gt(order.LimitPrice) {
				return errf(CodeSlippageExceeded, "execution %s above limit %s", execPrice, order.LimitPrice)
			}
			if !order.IsBuy && execPrice.Lt(order.LimitPrice) {
				return errf(CodeSlippageExceeded, "execution %s below limit %s", execPrice, order.LimitPrice)
			}
		}

		trade := Trade{
			User:             order.User,
			IsBuy:            order.IsBuy,
			ExecutionBlock:   e.clock.Height(),
			ExecutionTime:    e.clock.Now().Unix(),
			PriceID:          order.PriceID,
			Margin:           netMargin,
			Leverage:         order.Leverage,
			OpenPrice:        openPrice,
			Slippage:         slippage,
			LiquidationPrice: liqPrice,
			ProfitTarget:     order.ProfitTarget,
			StopLoss:         order.StopLoss,
			MaxPercentagePnL: maxPct,
			Salt:             0, // assigned by the registry
		}
		hash, err := e.reg.OpenTrade(&trade)
		if err != nil {
			return err
		}

		// Margin (gross) enters the pool, then the protocol and referral
		// shares of the fee are routed out of the reserve.
		e.pool.CreditBase(order.Margin)
		referralPaid := referralCut(userFees, openFee, openFee)
		e.routeFee(openFee, referralPaid, userFees.Referrer)

		receipt = &OpenReceipt{
			OrderHash:      hash,
			Trade:          trade,
			ExecutionPrice: execPrice,
			OpenFee:        openFee,
			ReferralPaid:   referralPaid,
		}
		e.metrics.recordOpen(order.IsBuy)
		e.metrics.recordExposure(order.PriceID,
			e.reg.Exposure(order.PriceID, true), e.reg.Exposure(order.PriceID, false))
		e.log.Infow("trade opened",
			"hash", hash.Hex(), "user", order.User.Hex(), "buy", order.IsBuy,
			"margin", netMargin.String(), "leverage", order.Leverage.String(),
			"exec_price", execPrice.String(), "liq_price", liqPrice.String())
		e.emit(receipt)
		return nil
	})
	return receipt, err
}

// validateTriggers enforces that stop-loss and profit-target sit at least
// one trigger-spacing away from the execution price on the correct side.
func validateTriggers(isBuy bool, execPrice, spacing, stopLoss, profitTarget fixed.Dec) error {
	dist := execPrice.MulDown(spacing)
	if !stopLoss.IsZero() {
		if isBuy && stopLoss.Gt(execPrice.Sub(dist)) {
			return errf(CodeInvalidStopLoss, "long stop-loss %s too close to execution %s", stopLoss, execPrice)
		}
		if !isBuy && stopLoss.Lt(execPrice.Add(dist)) {
			return errf(CodeInvalidStopLoss, "short stop-loss %s too close to execution %s", stopLoss, execPrice)
		}
	}
	if !profitTarget.IsZero() {
		if isBuy && profitTarget.Lt(execPrice.Add(dist)) {
			return errf(CodeInvalidProfitTarget, "long profit-target %s too close to execution %s", profitTarget, execPrice)
		}
		if !isBuy && profitTarget.Gt(execPrice.Sub(dist)) {
			return errf(CodeInvalidProfitTarget, "short profit-target %s too close to execution %s", profitTarget, execPrice)
		}
	}
	return nil
}

// routeFee moves the protocol and referral shares of a charged fee out of
// the pool reserve; the remainder stays as LP rebate.
func (e *Engine) routeFee(charged, referralPaid fixed.Dec, referrer common.Address) {
	if !referralPaid.IsZero() {
		if err := e.pool.TransferBase(e.operator, referrer, referralPaid); err != nil {
			e.log.Errorw("referral transfer failed", "err", err)
		} else {
			e.fees.Credit(referrer, referralPaid)
		}
	}
	vaultAmt := charged.Sub(referralPaid).MulDown(e.split.VaultShare)
	if !vaultAmt.IsZero() {
		if err := e.pool.TransferBase(e.operator, e.vaultAccount, vaultAmt); err != nil {
			e.log.Errorw("vault transfer failed", "err", err)
		} else {
			e.vault.Add(vaultAmt)
		}
	}
}

func (e *Engine) emit(event any) {
	if e.notify != nil {
		e.notify(event)
	}
}
