package perp

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openperp/openperp/pkg/fixed"
)

// Registry is the sole source of truth for open trades and risk
// parameters. It performs no price logic: the engine computes, the
// registry commits. Single-writer/multi-reader via one RWMutex; every
// mutation is applied atomically under the write lock.
type Registry struct {
	mu sync.RWMutex

	global  GlobalParams
	markets map[common.Hash]MarketParams

	trades        map[common.Hash]*Trade
	openPerMarket map[common.Hash]uint64
	openPerUser   map[common.Address]map[common.Hash]uint64
	marginPerUser map[common.Address]fixed.Dec
	longExposure  map[common.Hash]fixed.Dec
	shortExposure map[common.Hash]fixed.Dec

	salt  uint64
	store *Store // nil = in-memory only
}

// NewRegistry builds a registry with the given global parameters. When a
// store is supplied, persisted trades and parameters are reloaded and the
// counters rebuilt from registry contents.
func NewRegistry(global GlobalParams, store *Store) (*Registry, error) {
	if err := global.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		global:        global,
		markets:       make(map[common.Hash]MarketParams),
		trades:        make(map[common.Hash]*Trade),
		openPerMarket: make(map[common.Hash]uint64),
		openPerUser:   make(map[common.Address]map[common.Hash]uint64),
		marginPerUser: make(map[common.Address]fixed.Dec),
		longExposure:  make(map[common.Hash]fixed.Dec),
		shortExposure: make(map[common.Hash]fixed.Dec),
		store:         store,
	}
	if store == nil {
		return r, nil
	}

	if gp, ok, err := store.LoadGlobalParams(); err != nil {
		return nil, err
	} else if ok {
		r.global = gp
	}
	if err := store.LoadMarkets(func(id common.Hash, mp MarketParams) {
		r.markets[id] = mp
	}); err != nil {
		return nil, err
	}
	if err := store.LoadTrades(func(hash common.Hash, t *Trade) {
		r.trades[hash] = t
		r.applyOpenLocked(t)
		if t.Salt >= r.salt {
			r.salt = t.Salt + 1
		}
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// Close releases the underlying store.
func (r *Registry) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}

// ---- risk parameters ----

// AddMarket registers a market's risk parameters under its price id.
func (r *Registry) AddMarket(priceID common.Hash, mp MarketParams) error {
	if err := mp.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.markets[priceID]; exists {
		return errf(CodeInvalidParameter, "market %s already registered", priceID)
	}
	r.markets[priceID] = mp
	return r.persistMarket(priceID, mp)
}

// SetMarketParams replaces a market's parameter set wholesale, validated
// as a unit. Rejects, never clamps.
func (r *Registry) SetMarketParams(priceID common.Hash, mp MarketParams) error {
	if err := mp.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.markets[priceID]; !exists {
		return errf(CodeMarketUnknown, "market %s not registered", priceID)
	}
	r.markets[priceID] = mp
	return r.persistMarket(priceID, mp)
}

// SetMaxLeverage updates one market's leverage ceiling, validated against
// its current floor.
func (r *Registry) SetMaxLeverage(priceID common.Hash, max fixed.Dec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mp, exists := r.markets[priceID]
	if !exists {
		return errf(CodeMarketUnknown, "market %s not registered", priceID)
	}
	if max.Lt(mp.MinLeverage) {
		return errf(CodeInvalidParameter, "max leverage %s below min %s", max, mp.MinLeverage)
	}
	mp.MaxLeverage = max
	r.markets[priceID] = mp
	return r.persistMarket(priceID, mp)
}

// SetPnLBounds updates the global PnL floor/cap/factor as a unit.
func (r *Registry) SetPnLBounds(floor, cap, factor fixed.Dec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if floor.Gt(cap) {
		return errf(CodeInvalidParameter, "pnl floor %s above cap %s", floor, cap)
	}
	r.global.PnLFloor, r.global.PnLCap, r.global.PnLFactor = floor, cap, factor
	return r.persistGlobal()
}

// SetGlobalParams replaces the global parameter set wholesale.
func (r *Registry) SetGlobalParams(gp GlobalParams) error {
	if err := gp.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = gp
	return r.persistGlobal()
}

func (r *Registry) persistMarket(priceID common.Hash, mp MarketParams) error {
	if r.store == nil {
		return nil
	}
	return r.store.SaveMarketParams(priceID, mp)
}

func (r *Registry) persistGlobal() error {
	if r.store == nil {
		return nil
	}
	return r.store.SaveGlobalParams(r.global)
}

// Global returns the global parameter set.
func (r *Registry) Global() GlobalParams {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.global
}

// Market returns one market's parameters.
func (r *Registry) Market(priceID common.Hash) (MarketParams, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mp, ok := r.markets[priceID]
	return mp, ok
}

// ---- trade lifecycle ----

// OpenTrade assigns a fresh salt, computes the deterministic order hash,
// persists the record and bumps counters and side exposure. A hash
// collision with an existing open trade is fatal.
func (r *Registry) OpenTrade(t *Trade) (common.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.markets[t.PriceID]; !ok {
		return common.Hash{}, errf(CodeMarketUnknown, "market %s not registered", t.PriceID)
	}
	if t.Margin.IsZero() || t.Leverage.IsZero() {
		return common.Hash{}, errf(CodeInvalidAmount, "zero margin or leverage")
	}

	t.Salt = r.salt
	r.salt++
	hash := t.Hash()
	if existing, ok := r.trades[hash]; ok && existing.IsOpen() {
		return common.Hash{}, errf(CodeOrderHashCollision, "order hash %s already open", hash)
	}

	cp := *t
	r.trades[hash] = &cp
	r.applyOpenLocked(&cp)

	if r.store != nil {
		if err := r.store.SaveTrade(hash, &cp); err != nil {
			r.unapplyOpenLocked(&cp)
			delete(r.trades, hash)
			return common.Hash{}, err
		}
	}
	return hash, nil
}

// applyOpenLocked increments counters/exposure for a newly tracked trade.
func (r *Registry) applyOpenLocked(t *Trade) {
	r.openPerMarket[t.PriceID]++
	byUser := r.openPerUser[t.User]
	if byUser == nil {
		byUser = make(map[common.Hash]uint64)
		r.openPerUser[t.User] = byUser
	}
	byUser[t.PriceID]++
	r.marginPerUser[t.User] = r.marginPerUser[t.User].Add(t.Margin)
	if t.IsBuy {
		r.longExposure[t.PriceID] = r.longExposure[t.PriceID].Add(t.Notional())
	} else {
		r.shortExposure[t.PriceID] = r.shortExposure[t.PriceID].Add(t.Notional())
	}
}

func (r *Registry) unapplyOpenLocked(t *Trade) {
	r.openPerMarket[t.PriceID]--
	r.openPerUser[t.User][t.PriceID]--
	r.marginPerUser[t.User] = r.marginPerUser[t.User].Sub(t.Margin)
	if t.IsBuy {
		r.longExposure[t.PriceID] = r.longExposure[t.PriceID].Sub(t.Notional())
	} else {
		r.shortExposure[t.PriceID] = r.shortExposure[t.PriceID].Sub(t.Notional())
	}
}

// Trade returns a copy of the open trade at hash.
func (r *Registry) Trade(hash common.Hash) (Trade, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trades[hash]
	if !ok || !t.IsOpen() {
		return Trade{}, false
	}
	return *t, true
}

// CloseTrade removes closePct of the trade. 100% deletes the record and
// decrements all counters by the full amount; a partial close scales the
// margin down in place and decrements by the closed fraction only.
// closePct is a fixed-point percent (100e18 = full close).
func (r *Registry) CloseTrade(hash common.Hash, closePct fixed.Dec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.trades[hash]
	if !ok || !t.IsOpen() {
		return errf(CodeOrderNotFound, "no open trade at %s", hash)
	}
	full := fixed.FromUint64(100)
	if closePct.IsZero() || closePct.Gt(full) {
		return errf(CodeInvalidClosePercent, "close percent %s outside (0, 100]", closePct)
	}

	if closePct.Eq(full) {
		r.unapplyOpenLocked(t)
		delete(r.trades, hash)
		if r.store != nil {
			return r.store.DeleteTrade(hash)
		}
		return nil
	}

	remaining := full.Sub(closePct)
	newMargin := t.scaledMargin(remaining)
	oldNotional := t.Notional()
	newNotional := t.Leverage.MulDown(newMargin)

	r.marginPerUser[t.User] = r.marginPerUser[t.User].Sub(t.Margin.Sub(newMargin))
	closedExposure := oldNotional.Sub(newNotional)
	if t.IsBuy {
		r.longExposure[t.PriceID] = r.longExposure[t.PriceID].Sub(closedExposure)
	} else {
		r.shortExposure[t.PriceID] = r.shortExposure[t.PriceID].Sub(closedExposure)
	}
	t.Margin = newMargin

	if r.store != nil {
		return r.store.SaveTrade(hash, t)
	}
	return nil
}

// UpdateTrade is a pure computation: it returns what the trade would look
// like after adding or removing margin at the given oracle price, with
// LiquidationPrice and MaxPercentagePnL recomputed and the open-time
// solvency checks re-enforced. Nothing is mutated; the caller commits via
// CommitTrade.
func (r *Registry) UpdateTrade(hash common.Hash, newPrice, marginDelta fixed.Dec, isAdding bool, poolLiquidity fixed.Dec) (Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cur, ok := r.trades[hash]
	if !ok || !cur.IsOpen() {
		return Trade{}, errf(CodeOrderNotFound, "no open trade at %s", hash)
	}
	mp, ok := r.markets[cur.PriceID]
	if !ok {
		return Trade{}, errf(CodeMarketUnknown, "market %s not registered", cur.PriceID)
	}
	if marginDelta.IsZero() {
		return Trade{}, errf(CodeInvalidAmount, "zero margin delta")
	}

	t := *cur
	notional := t.Notional()

	if isAdding {
		t.Margin = t.Margin.Add(marginDelta)
		userMargin := r.marginPerUser[t.User].Add(marginDelta)
		if !userMargin.Lt(r.global.MaxMarginPerUser) {
			return Trade{}, errf(CodeMaxMarginPerUser, "user margin %s exceeds cap %s", userMargin, r.global.MaxMarginPerUser)
		}
	} else {
		if !marginDelta.Lt(t.Margin) {
			return Trade{}, errf(CodeInvalidAmount, "margin removal %s >= margin %s", marginDelta, t.Margin)
		}
		t.Margin = t.Margin.Sub(marginDelta)
	}

	// Position notional is unchanged; margin moves, so effective leverage
	// moves the other way and must stay within the market's bounds.
	t.Leverage = notional.DivDown(t.Margin)
	if t.Leverage.Lt(mp.MinLeverage) {
		return Trade{}, errf(CodeLeverageTooLow, "leverage %s below market min %s", t.Leverage, mp.MinLeverage)
	}
	if t.Leverage.Gt(mp.MaxLeverage) {
		return Trade{}, errf(CodeLeverageTooHigh, "leverage %s above market max %s", t.Leverage, mp.MaxLeverage)
	}

	t.LiquidationPrice = liquidationPrice(t.ExecutionPrice(), t.Leverage, mp.LiquidationThreshold, t.IsBuy)
	t.MaxPercentagePnL = maxPercentagePnL(r.global, poolLiquidity, t.Margin)

	// Same adverse-side solvency check as open.
	exec := t.ExecutionPrice()
	if t.IsBuy && !t.LiquidationPrice.Lt(exec) {
		return Trade{}, errf(CodeInvalidLeverage, "long liquidation price %s not below execution %s", t.LiquidationPrice, exec)
	}
	if !t.IsBuy && !t.LiquidationPrice.Gt(exec) {
		return Trade{}, errf(CodeInvalidLeverage, "short liquidation price %s not above execution %s", t.LiquidationPrice, exec)
	}
	// The update must not leave the trade instantly liquidatable at the
	// fresh oracle price.
	if breached(newPrice, t.LiquidationPrice, t.IsBuy) {
		return Trade{}, errf(CodeInvalidAmount, "update would leave trade liquidatable: price %s vs trigger %s", newPrice, t.LiquidationPrice)
	}
	return t, nil
}

// CommitTrade overwrites an open trade with an engine-recomputed copy,
// adjusting the margin and exposure aggregates by the deltas.
func (r *Registry) CommitTrade(hash common.Hash, updated Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.trades[hash]
	if !ok || !cur.IsOpen() {
		return errf(CodeOrderNotFound, "no open trade at %s", hash)
	}
	if cur.User != updated.User || cur.PriceID != updated.PriceID || cur.IsBuy != updated.IsBuy {
		return errf(CodeInvalidParameter, "commit must not change trade identity")
	}

	// margin delta
	if updated.Margin.Gt(cur.Margin) {
		r.marginPerUser[cur.User] = r.marginPerUser[cur.User].Add(updated.Margin.Sub(cur.Margin))
	} else {
		r.marginPerUser[cur.User] = r.marginPerUser[cur.User].Sub(cur.Margin.Sub(updated.Margin))
	}
	// exposure delta
	oldN, newN := cur.Notional(), updated.Notional()
	side := r.longExposure
	if !cur.IsBuy {
		side = r.shortExposure
	}
	if newN.Gt(oldN) {
		side[cur.PriceID] = side[cur.PriceID].Add(newN.Sub(oldN))
	} else {
		side[cur.PriceID] = side[cur.PriceID].Sub(oldN.Sub(newN))
	}

	*cur = updated
	if r.store != nil {
		return r.store.SaveTrade(hash, cur)
	}
	return nil
}

// ---- fee accrual ----

// AccruedFees returns the funding and rollover fees accumulated since the
// trade opened, proportional to the fraction being closed. Funding applies
// to notional per block; rollover applies to margin per hour.
func (r *Registry) AccruedFees(t *Trade, nowBlock uint64, now time.Time, closePct fixed.Dec) (funding, rollover fixed.Dec) {
	r.mu.RLock()
	mp, ok := r.markets[t.PriceID]
	r.mu.RUnlock()
	if !ok {
		return fixed.Zero(), fixed.Zero()
	}

	var blocks uint64
	if nowBlock > t.ExecutionBlock {
		blocks = nowBlock - t.ExecutionBlock
	}
	var secs uint64
	if u := now.Unix(); u > t.ExecutionTime {
		secs = uint64(u - t.ExecutionTime)
	}

	funding = t.Notional().
		MulDown(mp.FundingRatePerBlock).
		MulDown(fixed.FromUint64(blocks)).
		PctDown(closePct)
	hours := fixed.FromUint64(secs).DivDown(fixed.FromUint64(3600))
	rollover = t.Margin.
		MulDown(mp.RolloverRatePerHour).
		MulDown(hours).
		PctDown(closePct)
	return funding, rollover
}

// ---- counters & accessors ----

// OpenCount returns the number of open trades on a market.
func (r *Registry) OpenCount(priceID common.Hash) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.openPerMarket[priceID]
}

// OpenCountForUser returns a user's open-trade count on one market.
func (r *Registry) OpenCountForUser(user common.Address, priceID common.Hash) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.openPerUser[user][priceID]
}

// MarginOf returns the sum of a user's open margins.
func (r *Registry) MarginOf(user common.Address) fixed.Dec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.marginPerUser[user]
}

// Exposure returns the aggregate leverage*margin open on one side of a
// market. Maintained incrementally, never recomputed by scan.
func (r *Registry) Exposure(priceID common.Hash, isBuy bool) fixed.Dec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if isBuy {
		return r.longExposure[priceID]
	}
	return r.shortExposure[priceID]
}

// OpenTradeRecord pairs a trade with its order hash for listings.
type OpenTradeRecord struct {
	Hash  common.Hash `json:"orderHash"`
	Trade Trade       `json:"trade"`
}

// TradesOf returns copies of a user's open trades.
func (r *Registry) TradesOf(user common.Address) []OpenTradeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []OpenTradeRecord
	for h, t := range r.trades {
		if t.IsOpen() && t.User == user {
			out = append(out, OpenTradeRecord{Hash: h, Trade: *t})
		}
	}
	return out
}

// Markets lists the registered market ids.
func (r *Registry) Markets() []common.Hash {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.Hash, 0, len(r.markets))
	for id := range r.markets {
		out = append(out, id)
	}
	return out
}
