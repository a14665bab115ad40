package perp

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/openperp/openperp/pkg/fixed"
)

// MarketParams holds the governance-tunable risk parameters for one market.
// All Dec fields are 18-decimal fixed-point.
type MarketParams struct {
	Approved bool

	// Leverage bounds: 1.0 <= MinLeverage <= MaxLeverage
	MinLeverage fixed.Dec
	MaxLeverage fixed.Dec

	// Fraction of margin that may be lost before the position is
	// liquidatable. 0.9 means the trader keeps a 10% buffer:
	// long liq price = exec * (lev - 0.9) / lev.
	LiquidationThreshold fixed.Dec

	// Reference depth at which same-side exposure starts to move the
	// execution price. Separate per direction.
	LongImpactDepth  fixed.Dec
	ShortImpactDepth fixed.Dec

	// Cap on aggregate leverage*margin per side.
	MaxOpenInterest fixed.Dec

	// Carrying costs, accrued while the position is open.
	FundingRatePerBlock fixed.Dec // applied to notional, per block
	RolloverRatePerHour fixed.Dec // applied to margin, per hour

	// Minimum distance of stop-loss/profit-target from the execution
	// price, as a fraction of that price (0.001 = 0.1%).
	TriggerSpacing fixed.Dec
}

// GlobalParams are the registry-wide caps and rates shared by all markets.
type GlobalParams struct {
	MaxTradesPerMarket uint64
	MaxTradesPerUser   uint64
	MaxMarginPerUser   fixed.Dec
	MinPositionSize    fixed.Dec // in notional (leverage * margin)

	// Close/liquidation penalties, as fractions of the closed margin.
	LiquidationPenalty fixed.Dec
	StopPenalty        fixed.Dec

	// Per-trade gross-PnL cap as a multiple of margin:
	// clamp(poolLiquidity * PnLFactor / margin, PnLFloor, PnLCap).
	PnLFloor  fixed.Dec
	PnLCap    fixed.Dec
	PnLFactor fixed.Dec

	// Blocks that must elapse between a trade's last execution and any
	// update or close. Defeats same-block price manipulation.
	MinBlockGap uint64

	// Payouts above this amount settle through the timelock escrow.
	LargePayoutThreshold fixed.Dec
}

// DefaultGlobalParams mirror conservative mainnet-style settings.
func DefaultGlobalParams() GlobalParams {
	return GlobalParams{
		MaxTradesPerMarket:   100,
		MaxTradesPerUser:     10,
		MaxMarginPerUser:     fixed.FromUint64(1_000_000),
		MinPositionSize:      fixed.FromUint64(100),
		LiquidationPenalty:   fixed.MustParse("50000000000000000"), // 5%
		StopPenalty:          fixed.MustParse("10000000000000000"), // 1%
		PnLFloor:             fixed.FromUint64(5),                  // 500% of margin
		PnLCap:               fixed.FromUint64(9),                  // 900% of margin
		PnLFactor:            fixed.MustParse("10000000000000"),    // 1e-5 of pool per margin unit
		MinBlockGap:          1,
		LargePayoutThreshold: fixed.FromUint64(100_000),
	}
}

// DefaultMarketParams is a 100x market with a 90% liquidation threshold
// and deep impact reference.
func DefaultMarketParams() MarketParams {
	return MarketParams{
		Approved:             true,
		MinLeverage:          fixed.One(),
		MaxLeverage:          fixed.FromUint64(100),
		LiquidationThreshold: fixed.MustParse("900000000000000000"), // 0.9
		LongImpactDepth:      fixed.FromUint64(1_000_000),
		ShortImpactDepth:     fixed.FromUint64(1_000_000),
		MaxOpenInterest:      fixed.FromUint64(10_000_000),
		FundingRatePerBlock:  fixed.MustParse("10000000000"),     // 1e-8 per block
		RolloverRatePerHour:  fixed.MustParse("100000000000000"), // 0.01% per hour
		TriggerSpacing:       fixed.MustParse("1000000000000000"), // 0.1%
	}
}

// Validate rejects structurally inconsistent market parameters. Setters
// never clamp: a violating update is refused wholesale.
func (mp MarketParams) Validate() error {
	if mp.MinLeverage.Lt(fixed.One()) {
		return errf(CodeInvalidParameter, "min leverage %s below 1.0", mp.MinLeverage)
	}
	if mp.MaxLeverage.Lt(mp.MinLeverage) {
		return errf(CodeInvalidParameter, "max leverage %s below min %s", mp.MaxLeverage, mp.MinLeverage)
	}
	if mp.LiquidationThreshold.IsZero() || mp.LiquidationThreshold.Gte(mp.MinLeverage) {
		return errf(CodeInvalidParameter, "liquidation threshold %s outside (0, minLeverage)", mp.LiquidationThreshold)
	}
	if mp.LongImpactDepth.IsZero() || mp.ShortImpactDepth.IsZero() {
		return errf(CodeInvalidParameter, "impact depth must be nonzero")
	}
	return nil
}

// Validate rejects inconsistent global parameters.
func (gp GlobalParams) Validate() error {
	if gp.MaxTradesPerMarket == 0 || gp.MaxTradesPerUser == 0 {
		return errf(CodeInvalidParameter, "trade count caps must be nonzero")
	}
	if gp.PnLFloor.Gt(gp.PnLCap) {
		return errf(CodeInvalidParameter, "pnl floor %s above cap %s", gp.PnLFloor, gp.PnLCap)
	}
	if gp.LiquidationPenalty.Gte(fixed.One()) || gp.StopPenalty.Gte(fixed.One()) {
		return errf(CodeInvalidParameter, "penalty rates must be below 1.0")
	}
	if gp.StopPenalty.Gt(gp.LiquidationPenalty) {
		return errf(CodeInvalidParameter, "stop penalty %s above liquidation penalty %s", gp.StopPenalty, gp.LiquidationPenalty)
	}
	return nil
}

// impactDepth returns the side-specific reference depth.
func (mp MarketParams) impactDepth(isBuy bool) fixed.Dec {
	if isBuy {
		return mp.LongImpactDepth
	}
	return mp.ShortImpactDepth
}

// MarketID derives the opaque 32-byte market key from a symbol.
func MarketID(symbol string) common.Hash {
	return crypto.Keccak256Hash([]byte(symbol))
}
