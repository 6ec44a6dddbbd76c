package state

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestMemoryManager(t *testing.T) {
	t.Run("New memory manager", func(t *testing.T) {
		mockClock := clock.NewMock()
		manager, cleanup := newMemoryManagerWithClock(mockClock)
		defer cleanup()

		assert.NotNil(t, manager)
		assert.NotNil(t, manager.state)
	})

	t.Run("Allow and Cooldown", func(t *testing.T) {
		mockClock := clock.NewMock()
		manager, cleanup := newMemoryManagerWithClock(mockClock)
		defer cleanup()

		ctx := context.Background()

		// A provider with no cooldown should be allowed.
		allowed, wait, err := manager.Allow(ctx, "prov-1")
		assert.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, time.Duration(0), wait)

		// Put the provider in cooldown.
		cooldownDuration := 200 * time.Millisecond
		err = manager.Cooldown(ctx, "prov-1", cooldownDuration)
		assert.NoError(t, err)

		// Request during cooldown should not be allowed.
		allowed, wait, err = manager.Allow(ctx, "prov-1")
		assert.NoError(t, err)
		assert.False(t, allowed)
		assert.True(t, wait > 0)

		// Other providers are unaffected.
		allowed, _, err = manager.Allow(ctx, "prov-2")
		assert.NoError(t, err)
		assert.True(t, allowed)

		// Advance clock past the cooldown.
		mockClock.Add(cooldownDuration)

		allowed, wait, err = manager.Allow(ctx, "prov-1")
		assert.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, time.Duration(0), wait)
	})

	t.Run("Precise waiting durations", func(t *testing.T) {
		mockClock := clock.NewMock()
		manager, cleanup := newMemoryManagerWithClock(mockClock)
		defer cleanup()

		ctx := context.Background()

		err := manager.Cooldown(ctx, "prov-1", 100*time.Millisecond)
		assert.NoError(t, err)

		// Request exactly 50ms into the cooldown.
		mockClock.Add(50 * time.Millisecond)
		allowed, wait, err := manager.Allow(ctx, "prov-1")
		assert.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, 50*time.Millisecond, wait)

		// Request exactly at the cooldown boundary.
		mockClock.Add(50 * time.Millisecond)
		allowed, wait, err = manager.Allow(ctx, "prov-1")
		assert.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, time.Duration(0), wait)
	})

	t.Run("Cleanup timer behavior", func(t *testing.T) {
		mockClock := clock.NewMock()
		manager, cleanup := newMemoryManagerWithClock(mockClock)
		defer cleanup()

		ctx := context.Background()

		// Add cooldowns that expire at different times.
		for i := 0; i < 5; i++ {
			err := manager.Cooldown(ctx, fmt.Sprintf("prov-%d", i), time.Duration(i+1)*time.Minute)
			assert.NoError(t, err)
		}
		assert.Equal(t, 5, len(manager.state))

		// Advance clock just past the first minute.
		mockClock.Add(61 * time.Second)
		manager.cleanup()
		assert.Equal(t, 4, len(manager.state))

		// Advance clock past all expiration times.
		mockClock.Add(5 * time.Minute)
		manager.cleanup()
		assert.Equal(t, 0, len(manager.state))
	})
}
