package perp

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openperp/openperp/pkg/fixed"
)

// UserFees is the per-user fee schedule the engine scales against notional
// size. Open/Close fees are fractions of notional. ReferredShare is the
// discount a referred trader receives off the base fee; ReferralShare is
// the cut of the (discounted) fee routed to the referrer.
type UserFees struct {
	OpenFee       fixed.Dec
	CloseFee      fixed.Dec
	ReferredShare fixed.Dec
	ReferralShare fixed.Dec
	Code          string
	Referrer      common.Address
}

// FeeBook owns fee schedules, referral links and referrer earnings.
type FeeBook struct {
	mu        sync.RWMutex
	base      UserFees
	overrides map[common.Address]UserFees
	referrals map[common.Address]referral
	earnings  map[common.Address]fixed.Dec
}

type referral struct {
	code     string
	referrer common.Address
}

// DefaultFees: 0.08% open, 0.08% close, 10% referred discount, 20% of the
// fee to the referrer.
func DefaultFees() UserFees {
	return UserFees{
		OpenFee:       fixed.MustParse("800000000000000"),   // 0.0008
		CloseFee:      fixed.MustParse("800000000000000"),   // 0.0008
		ReferredShare: fixed.MustParse("100000000000000000"), // 0.10
		ReferralShare: fixed.MustParse("200000000000000000"), // 0.20
	}
}

func NewFeeBook(base UserFees) *FeeBook {
	return &FeeBook{
		base:      base,
		overrides: make(map[common.Address]UserFees),
		referrals: make(map[common.Address]referral),
		earnings:  make(map[common.Address]fixed.Dec),
	}
}

// SetOverride installs a bespoke schedule for one user (e.g. a fee tier).
func (fb *FeeBook) SetOverride(user common.Address, fees UserFees) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.overrides[user] = fees
}

// Refer links a trader to a referrer under a code. A user cannot refer
// themselves; an existing link is not overwritten.
func (fb *FeeBook) Refer(user, referrer common.Address, code string) error {
	if user == referrer {
		return errf(CodeInvalidParameter, "self-referral")
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if _, ok := fb.referrals[user]; ok {
		return errf(CodeInvalidParameter, "user %s already referred", user.Hex())
	}
	fb.referrals[user] = referral{code: code, referrer: referrer}
	return nil
}

// FeesOf returns the effective schedule for a user: base or override, with
// the referral link attached and the referred discount already applied to
// the open/close rates.
func (fb *FeeBook) FeesOf(user common.Address) UserFees {
	fb.mu.RLock()
	defer fb.mu.RUnlock()

	fees := fb.base
	if o, ok := fb.overrides[user]; ok {
		fees = o
	}
	if r, ok := fb.referrals[user]; ok {
		fees.Code = r.code
		fees.Referrer = r.referrer
		discount := fixed.One().Sub(fees.ReferredShare)
		fees.OpenFee = fees.OpenFee.MulDown(discount)
		fees.CloseFee = fees.CloseFee.MulDown(discount)
	}
	return fees
}

// Credit records referral earnings for a referrer.
func (fb *FeeBook) Credit(referrer common.Address, amount fixed.Dec) {
	if amount.IsZero() || referrer == (common.Address{}) {
		return
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.earnings[referrer] = fb.earnings[referrer].Add(amount)
}

// Earned returns a referrer's cumulative referral earnings.
func (fb *FeeBook) Earned(referrer common.Address) fixed.Dec {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	return fb.earnings[referrer]
}

// referralCut computes the referrer payout for a charged fee, scaled by
// min(grossPnL/fee, 1) on the close path so referral payouts never exceed
// what the trade actually earned. Pass fee as the nominal fee and cap as
// the amount actually collectable.
func referralCut(fees UserFees, nominalFee, collectable fixed.Dec) fixed.Dec {
	if fees.Referrer == (common.Address{}) || nominalFee.IsZero() {
		return fixed.Zero()
	}
	cut := nominalFee.MulDown(fees.ReferralShare)
	if collectable.Lt(nominalFee) {
		// scale down proportionally to what was actually earned
		cut = cut.MulDown(collectable.DivDown(nominalFee))
	}
	return cut
}
