package perp

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Store provides Pebble-based persistence for trades and risk parameters.
// Thread-safe: all operations go through the registry's mutex.
type Store struct {
	db *pebble.DB
}

var (
	tradePrefix     = []byte("t:")
	marketPrefix    = []byte("m:")
	globalParamsKey = []byte("p:global")
)

// NewStore opens a Pebble database at the given path.
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(64 << 20),
		MemTableSize:          32 << 20,
		L0CompactionThreshold: 2,
		MaxOpenFiles:          1000,
	}
	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func tradeKey(hash common.Hash) []byte {
	return append(append([]byte{}, tradePrefix...), hash.Bytes()...)
}

func marketKey(priceID common.Hash) []byte {
	return append(append([]byte{}, marketPrefix...), priceID.Bytes()...)
}

// SaveTrade persists a trade under its order hash.
func (s *Store) SaveTrade(hash common.Hash, t *Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}
	if err := s.db.Set(tradeKey(hash), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// DeleteTrade removes a closed trade.
func (s *Store) DeleteTrade(hash common.Hash) error {
	if err := s.db.Delete(tradeKey(hash), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete trade: %w", err)
	}
	return nil
}

// LoadTrades iterates all persisted open trades, invoking fn for each.
func (s *Store) LoadTrades(fn func(common.Hash, *Trade)) error {
	upper := append(append([]byte{}, tradePrefix...), 0xff)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: tradePrefix,
		UpperBound: upper,
	})
	if err != nil {
		return fmt.Errorf("failed to open trade iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var t Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return fmt.Errorf("failed to unmarshal trade: %w", err)
		}
		hash := common.BytesToHash(iter.Key()[len(tradePrefix):])
		fn(hash, &t)
	}
	return iter.Error()
}

// SaveMarketParams persists the risk parameters for one market.
func (s *Store) SaveMarketParams(priceID common.Hash, mp MarketParams) error {
	data, err := json.Marshal(mp)
	if err != nil {
		return fmt.Errorf("failed to marshal market params: %w", err)
	}
	if err := s.db.Set(marketKey(priceID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save market params: %w", err)
	}
	return nil
}

// LoadMarkets iterates all persisted market parameter sets.
func (s *Store) LoadMarkets(fn func(common.Hash, MarketParams)) error {
	upper := append(append([]byte{}, marketPrefix...), 0xff)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: marketPrefix,
		UpperBound: upper,
	})
	if err != nil {
		return fmt.Errorf("failed to open market iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var mp MarketParams
		if err := json.Unmarshal(iter.Value(), &mp); err != nil {
			return fmt.Errorf("failed to unmarshal market params: %w", err)
		}
		priceID := common.BytesToHash(iter.Key()[len(marketPrefix):])
		fn(priceID, mp)
	}
	return iter.Error()
}

// SaveGlobalParams persists the global parameter set.
func (s *Store) SaveGlobalParams(gp GlobalParams) error {
	data, err := json.Marshal(gp)
	if err != nil {
		return fmt.Errorf("failed to marshal global params: %w", err)
	}
	if err := s.db.Set(globalParamsKey, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save global params: %w", err)
	}
	return nil
}

// LoadGlobalParams loads the global parameter set.
// Returns (zero, false) if never persisted.
func (s *Store) LoadGlobalParams() (GlobalParams, bool, error) {
	data, closer, err := s.db.Get(globalParamsKey)
	if err == pebble.ErrNotFound {
		return GlobalParams{}, false, nil
	}
	if err != nil {
		return GlobalParams{}, false, fmt.Errorf("failed to get global params: %w", err)
	}
	defer closer.Close()

	var gp GlobalParams
	if err := json.Unmarshal(data, &gp); err != nil {
		return GlobalParams{}, false, fmt.Errorf("failed to unmarshal global params: %w", err)
	}
	return gp, true, nil
}
