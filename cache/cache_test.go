package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "123-prefix", prefixKey(123))
	assert.Equal(t, "123-lang", langKey(123))
	assert.Equal(t, "instance2-guilds", InstanceKey(2, "guilds"))
}

func TestDegradedClient(t *testing.T) {
	c := New(Config{}) // no address, never connects
	c.ErrorLog = func(error) {}

	require.False(t, c.Available())

	ctx := context.Background()

	prefix, err := c.Prefix(ctx, 123)
	require.NoError(t, err)
	assert.Empty(t, prefix, "degraded reads must return zero values")

	lang, err := c.Lang(ctx, 123)
	require.NoError(t, err)
	assert.Empty(t, lang)

	n, err := c.IncrUserCounter(ctx, 123, "cookies")
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, c.SetPrefix(ctx, 123, "!"), ErrUnavailable)
	assert.ErrorIs(t, c.SetInstanceStat(ctx, 0, "guilds", 1), ErrUnavailable)

	require.NoError(t, c.Close())
}
