package perp

import (
	"github.com/openperp/openperp/pkg/fixed"
)

// slippageFor computes the price-impact penalty for adding notional to the
// existing same-side exposure against the market's reference depth:
//
//	impact   = (existingExposure + notional) / depth
//	slippage = price * impact / 100
//
// Slippage always worsens the trader's price; the caller applies the sign.
func slippageFor(price, existingExposure, notional, depth fixed.Dec) fixed.Dec {
	impact := existingExposure.Add(notional).DivDown(depth)
	return price.MulDown(impact).DivDown(fixed.FromUint64(100))
}

// liquidationPrice derives the trigger price from leverage and the
// market's liquidation threshold:
//
//	long:  exec * (leverage - threshold) / leverage
//	short: exec * (leverage + threshold) / leverage
//
// For any leverage > threshold the long trigger sits strictly below the
// execution price and the short trigger strictly above it.
func liquidationPrice(execPrice, leverage, threshold fixed.Dec, isBuy bool) fixed.Dec {
	if isBuy {
		return execPrice.MulDown(leverage.Sub(threshold)).DivDown(leverage)
	}
	return execPrice.MulDown(leverage.Add(threshold)).DivDown(leverage)
}

// maxPercentagePnL caps a trade's gross PnL as a multiple of its margin,
// scaling with how much pool liquidity backs it and clamped to the
// governance floor/cap.
func maxPercentagePnL(gp GlobalParams, poolLiquidity, margin fixed.Dec) fixed.Dec {
	if margin.IsZero() {
		return gp.PnLFloor
	}
	raw := poolLiquidity.MulDown(gp.PnLFactor).DivDown(margin)
	return fixed.Clamp(raw, gp.PnLFloor, gp.PnLCap)
}

// breached reports whether price has crossed trigger on the adverse side
// for the position direction. adverseBelow is true when the trigger fires
// on prices at or below it (long stop-loss / long liquidation).
func breached(price, trigger fixed.Dec, adverseBelow bool) bool {
	if trigger.IsZero() {
		return false
	}
	if adverseBelow {
		return price.Lte(trigger)
	}
	return price.Gte(trigger)
}
