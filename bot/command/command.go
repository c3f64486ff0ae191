// Package command defines chat command descriptors and the registry the
// dispatch pipeline resolves invocations against.
package command

import (
	"context"
	"time"

	"github.com/nekobot/nekobot/cache"
	"github.com/nekobot/nekobot/gateway"
)

// Invocation is one parsed command call. It is created per matched message
// and discarded after the handler completes.
type Invocation struct {
	AuthorID  gateway.Snowflake
	ChannelID gateway.Snowflake
	GuildID   gateway.Snowflake // zero in private messages

	Command string
	Args    []string

	// Message is the raw message the invocation was parsed from.
	Message *gateway.Message
}

// Reply is the optional outbound message a handler produces.
type Reply struct {
	Content string
	Embed   *Embed

	// ExpireAfter, if positive, asks the transport to delete the reply after
	// the duration. Used for rate and permission notices.
	ExpireAfter time.Duration
}

// Embed is a rich reply block.
type Embed struct {
	Title       string
	Description string
	Color       uint32
}

// HandlerFunc executes one invocation, returning zero or one reply.
type HandlerFunc func(ctx context.Context, inv *Invocation) (*Reply, error)

// Descriptor is the registered capability set of one command. Descriptors are
// registered once at startup and immutable afterwards.
type Descriptor struct {
	// Name is the canonical, case-sensitive command name.
	Name    string
	Aliases []string

	Description string
	// Usage is the argument signature shown in help texts, e.g. "<a> <b>".
	Usage  string
	Hidden bool

	// Cooldown, if non-nil, rate-limits invocations per bucket key.
	Cooldown *Cooldown

	// Guards run in order before the handler; the first failure wins.
	Guards []Guard

	// MutexKey, if set, serializes invocations across every command sharing
	// the same key. Unset means unconstrained concurrency.
	MutexKey string

	Run HandlerFunc
}

// UsageReader exposes process-wide usage counters to command handlers.
type UsageReader interface {
	Count(name string) int64
	CommandCount(name string) int64
}

// Env is what a command module gets to build its descriptors from.
type Env struct {
	Cache    *cache.Client
	Usage    UsageReader
	Instance int
	OwnerID  gateway.Snowflake
	// StartTime is when the bot came up, for uptime displays.
	StartTime time.Time
	// Shutdown requests a graceful process shutdown (owner commands).
	Shutdown func()
}
