// Package vault holds the protocol fee reserve and the timelock escrow
// that large payouts settle through.
package vault

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/openperp/openperp/pkg/fixed"
)

// Clock is the minimal time source the timelock needs; util.RealClock,
// util.TickingClock and util.ManualClock all satisfy it.
type Clock interface {
	Now() time.Time
}

// FeeVault accrues the protocol's share of trading fees.
type FeeVault struct {
	mu      sync.RWMutex
	reserve fixed.Dec
}

func NewFeeVault() *FeeVault {
	return &FeeVault{}
}

// Add accrues amount into the reserve.
func (v *FeeVault) Add(amount fixed.Dec) {
	if amount.IsZero() {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reserve = v.reserve.Add(amount)
}

// Reserve returns the accrued total.
func (v *FeeVault) Reserve() fixed.Dec {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.reserve
}

// Agreement is one escrowed payout subject to the release delay.
type Agreement struct {
	ID          uuid.UUID
	Asset       string
	Amount      fixed.Dec
	Beneficiary common.Address
	Context     string
	CreatedAt   time.Time
	ReleasesAt  time.Time
	Released    bool
}

// Timelock escrows payouts above the engine's large-payout threshold.
type Timelock struct {
	mu         sync.Mutex
	clock      Clock
	delay      time.Duration
	agreements map[uuid.UUID]*Agreement
}

func NewTimelock(clock Clock, delay time.Duration) *Timelock {
	return &Timelock{
		clock:      clock,
		delay:      delay,
		agreements: make(map[uuid.UUID]*Agreement),
	}
}

// CreateAgreement escrows amount for beneficiary, releasable after the
// configured delay.
func (t *Timelock) CreateAgreement(asset string, amount fixed.Dec, beneficiary common.Address, context string) uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	id := uuid.New()
	t.agreements[id] = &Agreement{
		ID:          id,
		Asset:       asset,
		Amount:      amount,
		Beneficiary: beneficiary,
		Context:     context,
		CreatedAt:   now,
		ReleasesAt:  now.Add(t.delay),
	}
	return id
}

// Release pays out a matured agreement. It fails before the release time
// and on double release.
func (t *Timelock) Release(id uuid.UUID) (Agreement, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ag, ok := t.agreements[id]
	if !ok {
		return Agreement{}, fmt.Errorf("timelock: unknown agreement %s", id)
	}
	if ag.Released {
		return Agreement{}, fmt.Errorf("timelock: agreement %s already released", id)
	}
	if t.clock.Now().Before(ag.ReleasesAt) {
		return Agreement{}, fmt.Errorf("timelock: agreement %s releases at %s", id, ag.ReleasesAt)
	}
	ag.Released = true
	return *ag, nil
}

// Pending returns the unreleased agreements for a beneficiary.
func (t *Timelock) Pending(beneficiary common.Address) []Agreement {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Agreement
	for _, ag := range t.agreements {
		if ag.Beneficiary == beneficiary && !ag.Released {
			out = append(out, *ag)
		}
	}
	return out
}
