package perp

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openperp/openperp/pkg/fixed"
)

// Settlement is the full before/after accounting record emitted for every
// close, partial close or liquidation.
type Settlement struct {
	OrderHash    common.Hash    `json:"orderHash"`
	User         common.Address `json:"user"`
	PriceID      common.Hash    `json:"priceId"`
	ClosePercent fixed.Dec      `json:"closePercent"`

	RawPrice      fixed.Dec `json:"rawPrice"`      // oracle price before adjustments
	ClosePrice    fixed.Dec `json:"closePrice"`    // net price after fees, triggers, slippage
	OpenExecution fixed.Dec `json:"openExecution"` // the trade's open execution price

	ClosedMargin fixed.Dec `json:"closedMargin"`
	FundingFee   fixed.Dec `json:"fundingFee"`
	RolloverFee  fixed.Dec `json:"rolloverFee"`
	GrossPnL     fixed.Dec `json:"grossPnl"` // margin + price pnl, floored at 0 and capped
	CloseFee     fixed.Dec `json:"closeFee"`
	ReferralPaid fixed.Dec `json:"referralPaid"`
	Penalty      fixed.Dec `json:"penalty"`
	NetPayout    fixed.Dec `json:"netPayout"`

	IsStop       bool           `json:"isStop"`
	IsLiquidated bool           `json:"isLiquidated"`
	Escrowed     bool           `json:"escrowed"`
	Liquidator   common.Address `json:"liquidator"` // zero for voluntary closes
}

func (s *Settlement) outcome() string {
	switch {
	case s.IsLiquidated:
		return "liquidated"
	case s.IsStop:
		return "stopped"
	case s.ClosePercent.Eq(fixed.FromUint64(100)):
		return "closed"
	default:
		return "partial"
	}
}

// CloseMarketOrder closes closePct (a fixed-point percent, 100e18 = full)
// of the caller's trade at the current oracle price.
func (e *Engine) CloseMarketOrder(caller common.Address, hash common.Hash, closePct fixed.Dec) (*Settlement, error) {
	return e.settle(caller, hash, closePct, false)
}

// LiquidateMarketOrder force-closes an underwater trade in full. It is
// fatal to liquidate a healthy position: the call aborts unless a
// stop-loss, profit-target or liquidation trigger fires.
func (e *Engine) LiquidateMarketOrder(liquidator common.Address, hash common.Hash) (*Settlement, error) {
	return e.settle(liquidator, hash, fixed.FromUint64(100), true)
}

func (e *Engine) settle(caller common.Address, hash common.Hash, closePct fixed.Dec, isLiquidator bool) (*Settlement, error) {
	var out *Settlement
	err := e.guard("settle", func() error {
		trade, ok := e.reg.Trade(hash)
		if !ok {
			return errf(CodeOrderNotFound, "no open trade at %s", hash)
		}
		full := fixed.FromUint64(100)
		if isLiquidator {
			if !e.liquidators[caller] {
				return errf(CodeUnauthorized, "caller %s lacks liquidator role", caller.Hex())
			}
			if !closePct.Eq(full) {
				return errf(CodeInvalidClosePercent, "liquidation must close 100%%")
			}
		} else {
			if trade.User != caller {
				return errf(CodeNotTradeOwner, "trade %s not owned by %s", hash, caller.Hex())
			}
			if closePct.IsZero() || closePct.Gt(full) {
				return errf(CodeInvalidClosePercent, "close percent %s outside (0, 100]", closePct)
			}
		}

		gp := e.reg.Global()
		height := e.clock.Height()
		if height < trade.ExecutionBlock+gp.MinBlockGap {
			return errf(CodeMinBlockGap, "block %d within %d of execution block %d", height, gp.MinBlockGap, trade.ExecutionBlock)
		}

		mp, ok := e.reg.Market(trade.PriceID)
		if !ok {
			return errf(CodeMarketUnknown, "market %s not registered", trade.PriceID)
		}
		quote, err := e.oracle.Latest(trade.PriceID)
		if err != nil {
			return errf(CodeStalePrice, "price fetch: %v", err)
		}
		if isLiquidator && quote.PublishTime < trade.ExecutionTime {
			return errf(CodeStalePrice, "quote published %d before trade execution %d", quote.PublishTime, trade.ExecutionTime)
		}
		// longs close against the bid, shorts against the ask
		rawPrice := quote.Ask
		if trade.IsBuy {
			rawPrice = quote.Bid
		}

		now := e.clock.Now()
		funding, rollover := e.reg.AccruedFees(&trade, height, now, closePct)

		openExec := trade.ExecutionPrice()
		closedMargin := trade.Margin.PctDown(closePct)
		closedNotional := trade.Notional().PctDown(closePct)
		if closedNotional.IsZero() || closedMargin.IsZero() {
			return errf(CodeInvalidClosePercent, "close fraction too small to settle")
		}
		units := closedNotional.DivDown(openExec)

		// Carrying costs convert into a price adjustment against the trader.
		closeNet := rawPrice
		carry := funding.Add(rollover)
		if !carry.IsZero() {
			adj := carry.DivDown(units)
			if trade.IsBuy {
				closeNet = fixed.SDiff(closeNet, adj).FloorZero()
			} else {
				closeNet = closeNet.Add(adj)
			}
		}

		// Trigger priority: stop-loss, then profit-target, then
		// liquidation. Exactly one fires; first match wins.
		var isStop, isLiquidated bool
		switch {
		case breached(closeNet, trade.StopLoss, trade.IsBuy):
			closeNet = trade.StopLoss
			isStop = true
		case breached(closeNet, trade.ProfitTarget, !trade.IsBuy):
			closeNet = trade.ProfitTarget
			isStop = true
		case breached(closeNet, trade.LiquidationPrice, trade.IsBuy):
			closeNet = trade.LiquidationPrice
			isLiquidated = true
		}

		// Closing slippage: same impact formula as open, applied in the
		// opposite direction. Exposure still includes this trade.
		exposure := e.reg.Exposure(trade.PriceID, trade.IsBuy)
		slip := slippageFor(closeNet, exposure.Sub(fixed.Min(exposure, closedNotional)), closedNotional, mp.impactDepth(trade.IsBuy))
		if trade.IsBuy {
			closeNet = fixed.SDiff(closeNet, slip).FloorZero()
		} else {
			closeNet = closeNet.Add(slip)
		}

		// Gross PnL: signed price move scaled by closed size, applied to
		// the closed margin, floored at zero and capped per trade.
		priceMove := fixed.SDiff(closeNet, openExec)
		if !trade.IsBuy {
			priceMove = priceMove.Neg()
		}
		grossPnL := fixed.SFromDec(closedMargin).Add(priceMove.MulDown(units)).FloorZero()
		cap := closedMargin.MulDown(trade.MaxPercentagePnL)
		if grossPnL.Gt(cap) {
			grossPnL = cap
			isStop = true
		}

		if isLiquidator && !isStop && !isLiquidated {
			return errf(CodeNotLiquidatable, "trade %s is healthy at price %s", hash, closeNet)
		}

		// Close fee, capped so fees alone never drive the payout negative.
		userFees := e.fees.FeesOf(trade.User)
		nominalFee := closedNotional.MulDown(userFees.CloseFee)
		closeFee := fixed.Min(nominalFee, grossPnL)
		referralPaid := referralCut(userFees, nominalFee, grossPnL)
		net := grossPnL.Sub(closeFee)

		var penalty fixed.Dec
		if isLiquidator && isLiquidated {
			penalty = fixed.Min(closedMargin.MulDown(gp.LiquidationPenalty), net)
		} else if isLiquidator && isStop {
			penalty = fixed.Min(closedMargin.MulDown(gp.StopPenalty), net)
		}
		net = net.Sub(penalty)

		// Every outbound leg of the settlement (payout, penalty, fee
		// routing) draws on the reserve, and together they never exceed
		// the gross PnL. Checked here, under the engine lock, so the
		// transfers after the registry commit cannot fail.
		if e.pool.BaseBalance().Lt(grossPnL) {
			return errf(CodeInsufficientPoolLiquidity, "reserve %s below settlement obligation %s", e.pool.BaseBalance(), grossPnL)
		}

		// ---- commit ----
		if err := e.reg.CloseTrade(hash, closePct); err != nil {
			return err
		}
		escrowed := false
		if !net.IsZero() {
			if e.escrow != nil && net.Gt(gp.LargePayoutThreshold) {
				if err := e.pool.TransferBase(e.operator, e.escrowAccount, net); err != nil {
					return errf(CodeInsufficientPoolLiquidity, "escrow transfer: %v", err)
				}
				e.escrow.CreateAgreement("BASE", net, trade.User, "settlement "+hash.Hex())
				escrowed = true
			} else {
				if err := e.pool.TransferBase(e.operator, trade.User, net); err != nil {
					return errf(CodeInsufficientPoolLiquidity, "payout transfer: %v", err)
				}
			}
		}
		if !penalty.IsZero() {
			if err := e.pool.TransferBase(e.operator, caller, penalty); err != nil {
				return errf(CodeInsufficientPoolLiquidity, "penalty transfer: %v", err)
			}
		}
		e.routeFee(closeFee, referralPaid, userFees.Referrer)

		out = &Settlement{
			OrderHash:     hash,
			User:          trade.User,
			PriceID:       trade.PriceID,
			ClosePercent:  closePct,
			RawPrice:      rawPrice,
			ClosePrice:    closeNet,
			OpenExecution: openExec,
			ClosedMargin:  closedMargin,
			FundingFee:    funding,
			RolloverFee:   rollover,
			GrossPnL:      grossPnL,
			CloseFee:      closeFee,
			ReferralPaid:  referralPaid,
			Penalty:       penalty,
			NetPayout:     net,
			IsStop:        isStop,
			IsLiquidated:  isLiquidated,
			Escrowed:      escrowed,
		}
		if isLiquidator {
			out.Liquidator = caller
		}
		e.metrics.recordClose(out.outcome(), payoutUnits(net))
		e.metrics.recordExposure(trade.PriceID,
			e.reg.Exposure(trade.PriceID, true), e.reg.Exposure(trade.PriceID, false))
		e.log.Infow("trade settled",
			"hash", hash.Hex(), "user", trade.User.Hex(), "outcome", out.outcome(),
			"close_pct", closePct.String(), "close_price", closeNet.String(),
			"gross_pnl", grossPnL.String(), "net", net.String())
		e.emit(out)
		if e.rewards != nil {
			// fire-and-forget: reward distribution is not part of the
			// settlement invariants
			go e.rewards.OnSettlement(*out)
		}
		return nil
	})
	return out, err
}

// payoutUnits renders a Dec as whole base units for histogram observation.
func payoutUnits(d fixed.Dec) float64 {
	f, err := strconv.ParseFloat(d.String(), 64)
	if err != nil {
		return 0
	}
	return f
}

// ---- margin and trigger updates ----

// AddMargin moves collateral into an open trade, lowering its effective
// leverage and moving the liquidation price away from the market.
func (e *Engine) AddMargin(caller common.Address, hash common.Hash, amount fixed.Dec) (*Trade, error) {
	return e.updateMargin(caller, hash, amount, true)
}

// RemoveMargin withdraws collateral from an open trade, raising its
// effective leverage. Rejected if it would leave the trade liquidatable.
func (e *Engine) RemoveMargin(caller common.Address, hash common.Hash, amount fixed.Dec) (*Trade, error) {
	return e.updateMargin(caller, hash, amount, false)
}

func (e *Engine) updateMargin(caller common.Address, hash common.Hash, amount fixed.Dec, isAdding bool) (*Trade, error) {
	var updated *Trade
	err := e.guard("update_margin", func() error {
		trade, ok := e.reg.Trade(hash)
		if !ok {
			return errf(CodeOrderNotFound, "no open trade at %s", hash)
		}
		if trade.User != caller {
			return errf(CodeNotTradeOwner, "trade %s not owned by %s", hash, caller.Hex())
		}
		if amount.IsZero() {
			return errf(CodeInvalidAmount, "zero margin delta")
		}
		gp := e.reg.Global()
		height := e.clock.Height()
		if height < trade.ExecutionBlock+gp.MinBlockGap {
			return errf(CodeMinBlockGap, "block %d within %d of execution block %d", height, gp.MinBlockGap, trade.ExecutionBlock)
		}
		quote, err := e.oracle.Latest(trade.PriceID)
		if err != nil {
			return errf(CodeStalePrice, "price fetch: %v", err)
		}
		// validate against the adverse-side price
		price := quote.Ask
		if trade.IsBuy {
			price = quote.Bid
		}
		// A withdrawal draws on the reserve; check it before any state
		// changes so the transfer after the commit cannot fail.
		if !isAdding && e.pool.BaseBalance().Lt(amount) {
			return errf(CodeInsufficientPoolLiquidity, "reserve %s below withdrawal %s", e.pool.BaseBalance(), amount)
		}

		next, err := e.reg.UpdateTrade(hash, price, amount, isAdding, e.pool.BaseBalance())
		if err != nil {
			return err
		}
		if err := e.reg.CommitTrade(hash, next); err != nil {
			return err
		}
		if isAdding {
			e.pool.CreditBase(amount)
		} else {
			if err := e.pool.TransferBase(e.operator, caller, amount); err != nil {
				return errf(CodeInsufficientPoolLiquidity, "margin withdrawal transfer: %v", err)
			}
		}
		updated = &next
		e.log.Infow("margin updated",
			"hash", hash.Hex(), "adding", isAdding, "amount", amount.String(),
			"leverage", next.Leverage.String(), "liq_price", next.LiquidationPrice.String())
		return nil
	})
	return updated, err
}

// UpdateStops replaces a trade's stop-loss and profit-target, validated
// against the current market price with the market's trigger spacing.
// Passing zero disables a trigger.
func (e *Engine) UpdateStops(caller common.Address, hash common.Hash, stopLoss, profitTarget fixed.Dec) (*Trade, error) {
	var updated *Trade
	err := e.guard("update_stops", func() error {
		trade, ok := e.reg.Trade(hash)
		if !ok {
			return errf(CodeOrderNotFound, "no open trade at %s", hash)
		}
		if trade.User != caller {
			return errf(CodeNotTradeOwner, "trade %s not owned by %s", hash, caller.Hex())
		}
		gp := e.reg.Global()
		height := e.clock.Height()
		if height < trade.ExecutionBlock+gp.MinBlockGap {
			return errf(CodeMinBlockGap, "block %d within %d of execution block %d", height, gp.MinBlockGap, trade.ExecutionBlock)
		}
		mp, ok := e.reg.Market(trade.PriceID)
		if !ok {
			return errf(CodeMarketUnknown, "market %s not registered", trade.PriceID)
		}
		quote, err := e.oracle.Latest(trade.PriceID)
		if err != nil {
			return errf(CodeStalePrice, "price fetch: %v", err)
		}
		price := quote.Ask
		if trade.IsBuy {
			price = quote.Bid
		}
		if err := validateTriggers(trade.IsBuy, price, mp.TriggerSpacing, stopLoss, profitTarget); err != nil {
			return err
		}

		trade.StopLoss = stopLoss
		trade.ProfitTarget = profitTarget
		if err := e.reg.CommitTrade(hash, trade); err != nil {
			return err
		}
		updated = &trade
		e.log.Infow("stops updated",
			"hash", hash.Hex(), "stop_loss", stopLoss.String(), "profit_target", profitTarget.String())
		return nil
	})
	return updated, err
}
