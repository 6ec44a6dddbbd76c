package state

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type MemoryManager struct {
	// Provider id -> cooldown expiry (unix nanoseconds)
	state   map[string]int64
	stateMu sync.RWMutex

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock clock.Clock
}

func NewMemoryManager() (*MemoryManager, func()) {
	return newMemoryManagerWithClock(clock.New())
}

func newMemoryManagerWithClock(clk clock.Clock) (*MemoryManager, func()) {
	m := &MemoryManager{
		state: make(map[string]int64),
		clock: clk,
	}
	stop := m.startCleanup(5 * time.Minute)
	return m, stop
}

func (m *MemoryManager) Allow(ctx context.Context, providerId string) (bool, time.Duration, error) {
	now := m.clock.Now().UnixNano()

	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	if cooldownUntil, exists := m.state[providerId]; exists && cooldownUntil > now {
		waitDuration := time.Duration(cooldownUntil - now)
		return false, waitDuration, nil
	}
	return true, 0, nil
}

func (m *MemoryManager) Cooldown(ctx context.Context, providerId string, duration time.Duration) error {
	cooldownUntil := m.clock.Now().Add(duration).UnixNano()

	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	m.state[providerId] = cooldownUntil
	return nil
}

func (m *MemoryManager) cleanup() {
	now := m.clock.Now().UnixNano()

	m.stateMu.Lock()
	for providerId, cooldownUntil := range m.state {
		if cooldownUntil <= now {
			delete(m.state, providerId)
		}
	}
	m.stateMu.Unlock()
}

func (m *MemoryManager) startCleanup(interval time.Duration) func() {
	ticker := m.clock.Ticker(interval)
	done := make(chan bool)

	go func() {
		for {
			select {
			case <-ticker.C:
				m.cleanup()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}
