// Package pool implements the base-asset reserve backing open positions.
// Liquidity providers deposit the base asset and receive fungible shares
// pro-rata; the trading engine moves base in and out through an approved
// operator role.
package pool

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openperp/openperp/pkg/fixed"
)

// Pool is a share-issuing fungible-balance reserve. Same single-writer
// discipline as the trade registry: one mutex around every mutation.
type Pool struct {
	mu          sync.RWMutex
	base        fixed.Dec // reserve backing open positions
	shares      map[common.Address]fixed.Dec
	totalShares fixed.Dec
	operators   map[common.Address]bool
	payouts     map[common.Address]fixed.Dec // credited settlements awaiting withdrawal
}

func New() *Pool {
	return &Pool{
		shares:    make(map[common.Address]fixed.Dec),
		operators: make(map[common.Address]bool),
		payouts:   make(map[common.Address]fixed.Dec),
	}
}

// Approve grants addr the operator role required for TransferBase.
func (p *Pool) Approve(addr common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.operators[addr] = true
}

// Deposit adds base liquidity and mints shares pro-rata:
// shares = amount * totalShares / balance (first deposit mints 1:1).
func (p *Pool) Deposit(provider common.Address, amount fixed.Dec) (fixed.Dec, error) {
	if amount.IsZero() {
		return fixed.Zero(), fmt.Errorf("pool: zero deposit")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	minted := amount
	if !p.totalShares.IsZero() {
		minted = amount.MulDown(p.totalShares).DivDown(p.base)
	}
	p.base = p.base.Add(amount)
	p.totalShares = p.totalShares.Add(minted)
	p.shares[provider] = p.shares[provider].Add(minted)
	return minted, nil
}

// Withdraw burns shares and returns the pro-rata base amount.
func (p *Pool) Withdraw(provider common.Address, burn fixed.Dec) (fixed.Dec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	held := p.shares[provider]
	if burn.IsZero() || burn.Gt(held) {
		return fixed.Zero(), fmt.Errorf("pool: invalid share burn %s (held %s)", burn, held)
	}
	amount := burn.MulDown(p.base).DivDown(p.totalShares)
	if amount.Gt(p.base) {
		return fixed.Zero(), fmt.Errorf("pool: reserve underflow")
	}
	p.base = p.base.Sub(amount)
	p.totalShares = p.totalShares.Sub(burn)
	p.shares[provider] = held.Sub(burn)
	return amount, nil
}

// BaseBalance returns the current reserve.
func (p *Pool) BaseBalance() fixed.Dec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.base
}

// CreditBase adds base to the reserve without minting shares: incoming
// margin, losing-side settlements and the pool's fee rebate land here.
func (p *Pool) CreditBase(amount fixed.Dec) {
	if amount.IsZero() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = p.base.Add(amount)
}

// TransferBase moves base from the reserve to a beneficiary's payout
// balance. Gated to approved operators.
func (p *Pool) TransferBase(caller, to common.Address, amount fixed.Dec) error {
	if amount.IsZero() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.operators[caller] {
		return fmt.Errorf("pool: caller %s not approved", caller.Hex())
	}
	if amount.Gt(p.base) {
		return fmt.Errorf("pool: insufficient reserve %s for transfer %s", p.base, amount)
	}
	p.base = p.base.Sub(amount)
	p.payouts[to] = p.payouts[to].Add(amount)
	return nil
}

// PaidTo returns the cumulative payouts credited to an address.
func (p *Pool) PaidTo(addr common.Address) fixed.Dec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.payouts[addr]
}

// SharesOf returns a provider's share balance.
func (p *Pool) SharesOf(provider common.Address) fixed.Dec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.shares[provider]
}

// TotalShares returns the outstanding share supply.
func (p *Pool) TotalShares() fixed.Dec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalShares
}
