package command

import (
	"context"
	"sync"
	"time"

	"github.com/sasha-s/go-csync"

	"github.com/nekobot/nekobot/gateway"
)

// Cooldown is a per-bucket rate policy: at most Rate executions every Per.
type Cooldown struct {
	Rate int
	Per  time.Duration
}

// PerUser is the common 1-per-window cooldown of most commands.
func PerUser(per time.Duration) *Cooldown {
	return &Cooldown{Rate: 1, Per: per}
}

type cooldownBucket struct {
	mu csync.Mutex

	used    int
	resetAt time.Time
}

// Cooldowns tracks cooldown buckets keyed by (user, command). A bucket never
// double-charges a single invocation: one Check call consumes at most one
// token.
type Cooldowns struct {
	mu      sync.Mutex
	buckets map[cooldownKey]*cooldownBucket

	// now is swappable for tests.
	now func() time.Time
}

type cooldownKey struct {
	userID  gateway.Snowflake
	command string
}

func NewCooldowns() *Cooldowns {
	return &Cooldowns{
		buckets: map[cooldownKey]*cooldownBucket{},
		now:     time.Now,
	}
}

func (c *Cooldowns) bucket(key cooldownKey) *cooldownBucket {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[key]
	if !ok {
		b = &cooldownBucket{}
		c.buckets[key] = b
	}
	return b
}

// Check charges one use of the command for the user. If the bucket is
// exhausted, it returns the remaining wait without charging.
func (c *Cooldowns) Check(
	ctx context.Context,
	userID gateway.Snowflake, command string, cd *Cooldown) (time.Duration, error) {

	if cd == nil || cd.Rate <= 0 {
		return 0, nil
	}

	b := c.bucket(cooldownKey{userID: userID, command: command})

	if err := b.mu.CLock(ctx); err != nil {
		return 0, err
	}
	defer b.mu.Unlock()

	now := c.now()

	if now.After(b.resetAt) {
		b.used = 0
		b.resetAt = now.Add(cd.Per)
	}

	if b.used >= cd.Rate {
		return b.resetAt.Sub(now), nil
	}

	b.used++
	return 0, nil
}
