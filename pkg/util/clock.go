package util

import (
	"sync"
	"sync/atomic"
	"time"
)

type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }

// BlockClock is the engine's view of sequenced time: a monotonically
// increasing height plus wall time. Minimum-block-gap and price-staleness
// rules are validated against this source.
type BlockClock interface {
	Height() uint64
	Now() time.Time
}

// TickingClock advances its height on a fixed interval, standing in for a
// chain's block production in a single-process deployment.
type TickingClock struct {
	height atomic.Uint64
	stop   chan struct{}
	once   sync.Once
}

func NewTickingClock(interval time.Duration) *TickingClock {
	tc := &TickingClock{stop: make(chan struct{})}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				tc.height.Add(1)
			case <-tc.stop:
				return
			}
		}
	}()
	return tc
}

func (tc *TickingClock) Height() uint64 { return tc.height.Load() }
func (tc *TickingClock) Now() time.Time { return time.Now() }

func (tc *TickingClock) Stop() { tc.once.Do(func() { close(tc.stop) }) }

// ManualClock is a test clock: height and time advance only when told to.
type ManualClock struct {
	mu     sync.Mutex
	height uint64
	now    time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (mc *ManualClock) Height() uint64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.height
}

func (mc *ManualClock) Now() time.Time {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.now
}

// AdvanceBlocks bumps the height by n.
func (mc *ManualClock) AdvanceBlocks(n uint64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.height += n
}

// AdvanceTime moves wall time forward by d.
func (mc *ManualClock) AdvanceTime(d time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.now = mc.now.Add(d)
}
