// Package oracle supplies bid/ask price packages per market identifier.
// The trading engine treats it as a synchronous black box: a failed fetch
// aborts the whole operation.
package oracle

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openperp/openperp/pkg/fixed"
)

// Quote is one price package. Ask is quoted to buyers, Bid to sellers.
type Quote struct {
	Ask         fixed.Dec
	Bid         fixed.Dec
	PublishTime int64 // unix seconds
}

// Mid returns the midpoint of bid and ask, rounding down.
func (q Quote) Mid() fixed.Dec {
	return q.Ask.Add(q.Bid).DivDown(fixed.FromUint64(2))
}

// Provider is a single upstream price source.
type Provider interface {
	Quote(priceID common.Hash) (Quote, error)
}

// Aggregator cross-checks redundant providers and serves the median quote.
// Providers whose mid deviates from the median mid by more than
// maxDeviation (a fraction, 0.01 = 1%) are discarded; at least one
// surviving quote is required.
type Aggregator struct {
	providers    []Provider
	maxDeviation fixed.Dec
}

func NewAggregator(maxDeviation fixed.Dec, providers ...Provider) *Aggregator {
	return &Aggregator{providers: providers, maxDeviation: maxDeviation}
}

// Latest returns the median quote across providers.
func (a *Aggregator) Latest(priceID common.Hash) (Quote, error) {
	quotes := make([]Quote, 0, len(a.providers))
	var lastErr error
	for _, p := range a.providers {
		q, err := p.Quote(priceID)
		if err != nil {
			lastErr = err
			continue
		}
		if q.Ask.IsZero() || q.Bid.IsZero() || q.Ask.Lt(q.Bid) {
			lastErr = fmt.Errorf("oracle: degenerate quote ask=%s bid=%s", q.Ask, q.Bid)
			continue
		}
		quotes = append(quotes, q)
	}
	if len(quotes) == 0 {
		if lastErr != nil {
			return Quote{}, fmt.Errorf("oracle: no usable quotes: %w", lastErr)
		}
		return Quote{}, fmt.Errorf("oracle: no providers")
	}

	sort.Slice(quotes, func(i, j int) bool {
		return quotes[i].Mid().Lt(quotes[j].Mid())
	})
	median := quotes[len(quotes)/2]

	// Cross-check: every surviving quote must sit within maxDeviation of
	// the median mid, otherwise the set is inconsistent and unusable.
	if len(quotes) > 1 && !a.maxDeviation.IsZero() {
		bound := median.Mid().MulDown(a.maxDeviation)
		for _, q := range quotes {
			diff := fixed.SDiff(q.Mid(), median.Mid()).Abs()
			if diff.Gt(bound) {
				return Quote{}, fmt.Errorf("oracle: provider deviates %s from median %s (bound %s)",
					diff, median.Mid(), bound)
			}
		}
	}
	return median, nil
}

// Static is a settable in-memory provider for tests and devnet.
type Static struct {
	mu     sync.RWMutex
	quotes map[common.Hash]Quote
}

func NewStatic() *Static {
	return &Static{quotes: make(map[common.Hash]Quote)}
}

// Set installs the quote served for priceID.
func (s *Static) Set(priceID common.Hash, q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[priceID] = q
}

// SetMid installs a symmetric quote around mid with the given half-spread.
func (s *Static) SetMid(priceID common.Hash, mid, halfSpread fixed.Dec, publishTime int64) {
	s.Set(priceID, Quote{
		Ask:         mid.Add(halfSpread),
		Bid:         mid.Sub(halfSpread),
		PublishTime: publishTime,
	})
}

func (s *Static) Quote(priceID common.Hash) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[priceID]
	if !ok {
		return Quote{}, fmt.Errorf("oracle: no quote for %s", priceID)
	}
	return q, nil
}
