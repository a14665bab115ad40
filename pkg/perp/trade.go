package perp

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/openperp/openperp/pkg/fixed"
)

// Trade is the canonical open-position record, keyed in the registry by
// its order hash. Margin is stored net of the open fee. A zero-value User
// address means "no open trade" at that hash.
type Trade struct {
	User             common.Address `json:"user"`
	IsBuy            bool           `json:"isBuy"`
	ExecutionBlock   uint64         `json:"executionBlock"`
	ExecutionTime    int64          `json:"executionTime"` // unix seconds at open
	PriceID          common.Hash    `json:"priceId"`
	Margin           fixed.Dec      `json:"margin"`
	Leverage         fixed.Dec      `json:"leverage"`
	OpenPrice        fixed.Dec      `json:"openPrice"` // raw oracle price, before slippage
	Slippage         fixed.Dec      `json:"slippage"`
	LiquidationPrice fixed.Dec      `json:"liquidationPrice"`
	ProfitTarget     fixed.Dec      `json:"profitTarget"` // 0 = disabled
	StopLoss         fixed.Dec      `json:"stopLoss"`     // 0 = disabled
	MaxPercentagePnL fixed.Dec      `json:"maxPercentagePnl"`
	Salt             uint64         `json:"salt"`
}

// IsOpen reports whether the record represents a live position.
func (t *Trade) IsOpen() bool {
	return t.User != (common.Address{})
}

// Notional returns leverage * margin, the effective exposure size.
func (t *Trade) Notional() fixed.Dec {
	return t.Leverage.MulDown(t.Margin)
}

// ExecutionPrice returns the open price with slippage applied against the
// trader: buys pay more, sells receive less.
func (t *Trade) ExecutionPrice() fixed.Dec {
	if t.IsBuy {
		return t.OpenPrice.Add(t.Slippage)
	}
	return t.OpenPrice.Sub(t.Slippage)
}

// Hash computes the deterministic order hash over the trade's defining
// fields plus the salt. The salt disambiguates structurally identical
// trades opened in the same block.
func (t *Trade) Hash() common.Hash {
	var buf []byte
	buf = append(buf, t.User.Bytes()...)
	if t.IsBuy {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint64(buf, t.ExecutionBlock)
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.ExecutionTime))
	buf = append(buf, t.PriceID.Bytes()...)
	for _, d := range []fixed.Dec{t.Margin, t.Leverage, t.OpenPrice} {
		b := d.Bytes32()
		buf = append(buf, b[:]...)
	}
	buf = binary.BigEndian.AppendUint64(buf, t.Salt)
	return crypto.Keccak256Hash(buf)
}

// scaled returns a copy with margin scaled to the given close fraction
// remaining, used for partial closes. fraction is a percent (50e18 = 50%).
func (t *Trade) scaledMargin(remainingPct fixed.Dec) fixed.Dec {
	return t.Margin.PctDown(remainingPct)
}
