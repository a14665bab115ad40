package api

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Request Types
// ==============================

// OpenRequest is the payload for POST /api/v1/trades/open.
// All fixed-point fields are 18-decimal integer strings.
type OpenRequest struct {
	User         string `json:"user"`    // trader's Ethereum address
	Market       string `json:"market"`  // price id (0x-prefixed 32-byte hash) or symbol
	IsBuy        bool   `json:"isBuy"`   // true = long
	Margin       string `json:"margin"`  // gross collateral, fee deducted from it
	Leverage     string `json:"leverage"`
	ProfitTarget string `json:"profitTarget,omitempty"` // "0" or absent = disabled
	StopLoss     string `json:"stopLoss,omitempty"`
	LimitPrice   string `json:"limitPrice,omitempty"` // reject if execution ends up past it
}

// CloseRequest is the payload for POST /api/v1/trades/close.
type CloseRequest struct {
	User         string `json:"user"`
	OrderHash    string `json:"orderHash"`
	ClosePercent string `json:"closePercent"` // 18-decimal percent, "100000000000000000000" = full
}

// LiquidateRequest is the payload for POST /api/v1/trades/liquidate.
type LiquidateRequest struct {
	Liquidator string `json:"liquidator"`
	OrderHash  string `json:"orderHash"`
}

// MarginRequest is the payload for POST /api/v1/trades/margin/add and /remove.
type MarginRequest struct {
	User      string `json:"user"`
	OrderHash string `json:"orderHash"`
	Amount    string `json:"amount"`
}

// StopsRequest is the payload for POST /api/v1/trades/stops.
type StopsRequest struct {
	User         string `json:"user"`
	OrderHash    string `json:"orderHash"`
	StopLoss     string `json:"stopLoss"`     // "0" disables
	ProfitTarget string `json:"profitTarget"` // "0" disables
}

// ReferRequest is the payload for POST /api/v1/referrals.
type ReferRequest struct {
	User     string `json:"user"`
	Referrer string `json:"referrer"`
	Code     string `json:"code"`
}

// PoolRequest is the payload for POST /api/v1/pool/deposit and /withdraw.
// Deposit amount is base asset; withdraw amount is shares.
type PoolRequest struct {
	User   string `json:"user"`
	Amount string `json:"amount"`
}

// ==============================
// REST Response Types
// ==============================

// MarketInfo represents a market's risk configuration.
type MarketInfo struct {
	PriceID              string `json:"priceId"`
	Approved             bool   `json:"approved"`
	MinLeverage          string `json:"minLeverage"`
	MaxLeverage          string `json:"maxLeverage"`
	LiquidationThreshold string `json:"liquidationThreshold"`
	LongImpactDepth      string `json:"longImpactDepth"`
	ShortImpactDepth     string `json:"shortImpactDepth"`
	MaxOpenInterest      string `json:"maxOpenInterest"`
	FundingRatePerBlock  string `json:"fundingRatePerBlock"`
	RolloverRatePerHour  string `json:"rolloverRatePerHour"`
	LongExposure         string `json:"longExposure"`
	ShortExposure        string `json:"shortExposure"`
	OpenTrades           uint64 `json:"openTrades"`
}

// PoolInfo represents the liquidity pool's current state.
type PoolInfo struct {
	BaseBalance string `json:"baseBalance"`
	TotalShares string `json:"totalShares"`
}

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Height  uint64 `json:"height"`
	Time    int64  `json:"time"` // unix seconds
	Markets int    `json:"markets"`
}

// ErrorResponse is returned for all errors. Code is the engine's stable
// rejection code when the failure came from trade validation.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by a client to manage channel subscriptions.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["trades", "settlements"]
}

// WSEvent wraps an engine event for broadcast.
type WSEvent struct {
	Type      string `json:"type"` // "open" or "settlement"
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}
