package perp

import "fmt"

// Code is a stable error code surfaced to calling tooling so it can tell
// "retry with a fresh price" apart from "structurally invalid trade" and
// "not authorized". Codes are append-only; never renumber.
type Code int

const (
	CodeUnknown Code = iota

	// Input validation
	CodeInvalidAmount
	CodeInvalidLeverage
	CodeLeverageTooLow
	CodeLeverageTooHigh
	CodePositionTooSmall
	CodeInvalidStopLoss
	CodeInvalidProfitTarget
	CodeInvalidClosePercent
	CodeSlippageExceeded
	CodeFeeExceedsMargin

	// Capacity
	CodeMaxTradesPerMarket
	CodeMaxTradesPerUser
	CodeMaxMarginPerUser
	CodeMaxExposure
	CodeInsufficientPoolLiquidity

	// Timing
	CodeMinBlockGap
	CodeStalePrice

	// State
	CodeOrderNotFound
	CodeOrderHashCollision
	CodeNotTradeOwner
	CodeNotLiquidatable
	CodeMarketNotApproved
	CodeMarketUnknown

	// Access / lifecycle
	CodeUnauthorized
	CodePaused

	// Governance
	CodeInvalidParameter

	// Arithmetic fault escaped from fixed-point (overflow, div-zero)
	CodeArithmetic
)

var codeNames = map[Code]string{
	CodeUnknown:                   "unknown",
	CodeInvalidAmount:             "invalid_amount",
	CodeInvalidLeverage:           "invalid_leverage",
	CodeLeverageTooLow:            "leverage_too_low",
	CodeLeverageTooHigh:           "leverage_too_high",
	CodePositionTooSmall:          "position_too_small",
	CodeInvalidStopLoss:           "invalid_stop_loss",
	CodeInvalidProfitTarget:       "invalid_profit_target",
	CodeInvalidClosePercent:       "invalid_close_percent",
	CodeSlippageExceeded:          "slippage_exceeded",
	CodeFeeExceedsMargin:          "fee_exceeds_margin",
	CodeMaxTradesPerMarket:        "max_trades_per_market",
	CodeMaxTradesPerUser:          "max_trades_per_user",
	CodeMaxMarginPerUser:          "max_margin_per_user",
	CodeMaxExposure:               "max_exposure",
	CodeInsufficientPoolLiquidity: "insufficient_pool_liquidity",
	CodeMinBlockGap:               "min_block_gap",
	CodeStalePrice:                "stale_price",
	CodeOrderNotFound:             "order_not_found",
	CodeOrderHashCollision:        "order_hash_collision",
	CodeNotTradeOwner:             "not_trade_owner",
	CodeNotLiquidatable:           "not_liquidatable",
	CodeMarketNotApproved:         "market_not_approved",
	CodeMarketUnknown:             "market_unknown",
	CodeUnauthorized:              "unauthorized",
	CodePaused:                    "paused",
	CodeInvalidParameter:          "invalid_parameter",
	CodeArithmetic:                "arithmetic",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error carries a stable code plus human detail. Operations that return an
// *Error have made no state mutation.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("perp: %s: %s", e.Code, e.Detail)
}

// Is makes errors.Is(err, &Error{Code: c}) match on code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the stable code from an error, or CodeUnknown.
func CodeOf(err error) Code {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return CodeUnknown
}
