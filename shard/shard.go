// Package shard manages the fleet of gateway sessions owned by one bot
// instance: staggered startup, graceful stop, and per-shard failure
// surfacing.
package shard

import (
	"context"
)

// Shard is one independently-running gateway session. gateway.Session
// implements it.
type Shard interface {
	// Run connects and blocks until the shard stops. It returns nil on a
	// graceful stop and a fatal error if the shard failed permanently.
	Run(ctx context.Context) error

	// Close force-closes the shard's transport.
	Close() error

	// ShardID returns the shard's ID.
	ShardID() int
}

// NewShardFunc constructs the Shard for the given shard ID out of the total.
type NewShardFunc func(id, total int) Shard

// GenerateShardIDs generates the full ID range 0..(total-1).
func GenerateShardIDs(total int) []int {
	ids := make([]int, total)

	for i := range ids {
		ids[i] = i
	}

	return ids
}
