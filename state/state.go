// Package state tracks per-provider cooldowns. A provider enters cooldown
// after a vendor rate-limit response; dispatch is refused until it expires.
// The memory manager serves a single process, the valkey manager shares the
// state across replicas.
package state

import (
	"context"
	"time"
)

type Manager interface {
	// Checks if the provider is allowed to receive requests. If not,
	// returns false and the duration to wait before retrying.
	Allow(ctx context.Context, providerId string) (bool, time.Duration, error)

	// Puts the provider in cooldown for a given duration.
	Cooldown(ctx context.Context, providerId string, duration time.Duration) error
}
