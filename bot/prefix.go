package bot

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/nekobot/nekobot/gateway"
)

// DefaultPrefixes are the always-accepted invocation prefixes. A stored
// custom prefix supplements these, it never replaces them.
var DefaultPrefixes = []string{"n!", "N!"}

// DebugPrefix is the single prefix accepted in the restricted debug mode.
const DebugPrefix = "n."

// PrefStore reads a user's stored custom prefix. cache.Client implements it.
type PrefStore interface {
	Prefix(ctx context.Context, userID gateway.Snowflake) (string, error)
}

// PrefixResolver computes the accepted prefixes for an author, per call.
// Nothing is memoized: the store stays the single source of truth.
type PrefixResolver struct {
	Store PrefStore

	// Debug switches to the fixed development prefix.
	Debug bool

	// Timeout bounds the store read; on expiry the resolver degrades to
	// DefaultPrefixes.
	Timeout time.Duration

	ErrorLog func(error)

	// botID enables the mention prefixes, which are accepted regardless of
	// any stored preference. It is only known once the gateway reports the
	// bot's own user, hence the atomic.
	botID atomic.Uint64
}

func NewPrefixResolver(store PrefStore) *PrefixResolver {
	return &PrefixResolver{
		Store:    store,
		Timeout:  2 * time.Second,
		ErrorLog: func(error) {},
	}
}

// SetBotID records the bot's own user ID, enabling the mention prefixes.
func (r *PrefixResolver) SetBotID(id gateway.Snowflake) {
	r.botID.Store(uint64(id))
}

// Resolve returns the set of accepted prefixes for the author. A store
// failure degrades to the default set rather than failing the invocation.
func (r *PrefixResolver) Resolve(ctx context.Context, authorID gateway.Snowflake) []string {
	prefixes := make([]string, 0, 6)

	if botID := gateway.Snowflake(r.botID.Load()); botID.IsValid() {
		prefixes = append(prefixes,
			"<@"+botID.String()+"> ",
			"<@!"+botID.String()+"> ",
		)
	}

	if r.Debug {
		return append(prefixes, DebugPrefix)
	}

	if r.Store != nil {
		tctx, cancel := context.WithTimeout(ctx, r.Timeout)
		defer cancel()

		custom, err := r.Store.Prefix(tctx, authorID)
		if err != nil {
			r.ErrorLog(errors.Wrap(err, "prefix lookup degraded to defaults"))
		} else if custom != "" {
			prefixes = append(prefixes, custom)
		}
	}

	return append(prefixes, DefaultPrefixes...)
}

// MatchPrefix strips the accepted prefix the content starts with. When
// several prefixes match, the longest one wins. Matching is case-sensitive
// and exact.
func MatchPrefix(content string, prefixes []string) (rest string, ok bool) {
	best := -1

	for _, prefix := range prefixes {
		if len(prefix) > best && strings.HasPrefix(content, prefix) {
			best = len(prefix)
		}
	}

	if best < 0 {
		return "", false
	}
	return content[best:], true
}
