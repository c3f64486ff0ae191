// Package cache is the client for the external key-value store holding
// per-user preferences and cross-instance counters.
//
// The store is the single source of truth; nothing here is cached in-process
// across invocations. If the store is unreachable, reads degrade to zero
// values and never propagate the failure to a command invocation.
package cache

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/nekobot/nekobot/gateway"
)

// Config holds the connection settings for the store.
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Client wraps a Redis connection pool. The zero-value-like degraded Client
// returned when the store is unreachable is still safe to use; every read
// returns zero values and every write reports unavailability.
type Client struct {
	// Timeout bounds every single operation.
	Timeout time.Duration

	ErrorLog func(error)

	rdb *redis.Client
}

// ErrUnavailable is returned by writes when the store is not connected.
var ErrUnavailable = errors.New("cache unavailable")

// New connects to the store. A failed ping does not fail construction; it
// yields a degraded Client.
func New(cfg Config) *Client {
	c := &Client{
		Timeout: 3 * time.Second,
		ErrorLog: func(err error) {
			log.Println("cache error:", err)
		},
	}

	if cfg.Addr == "" {
		return c
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		c.ErrorLog(errors.Wrap(err, "ping failed, running degraded"))
		rdb.Close()
		return c
	}

	c.rdb = rdb
	return c
}

// Available reports whether the store is connected.
func (c *Client) Available() bool {
	return c.rdb != nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	if c.rdb == nil {
		return nil
	}

	err := c.rdb.Close()
	c.rdb = nil
	return err
}

func (c *Client) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.Timeout)
}

// get reads a key, mapping a missing key to ("", nil).
func (c *Client) get(ctx context.Context, key string) (string, error) {
	if c.rdb == nil {
		return "", nil
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	val, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		return val, nil
	case errors.Is(err, redis.Nil):
		return "", nil
	default:
		return "", errors.Wrapf(err, "failed to get %q", key)
	}
}

func (c *Client) set(ctx context.Context, key, val string) error {
	if c.rdb == nil {
		return ErrUnavailable
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	return errors.Wrapf(c.rdb.Set(ctx, key, val, 0).Err(), "failed to set %q", key)
}

// prefixKey is "{user_id}-prefix", langKey "{user_id}-lang".
func prefixKey(userID gateway.Snowflake) string { return userID.String() + "-prefix" }
func langKey(userID gateway.Snowflake) string   { return userID.String() + "-lang" }

// Prefix returns the user's stored custom prefix, or "" if none.
func (c *Client) Prefix(ctx context.Context, userID gateway.Snowflake) (string, error) {
	return c.get(ctx, prefixKey(userID))
}

// SetPrefix stores the user's custom prefix.
func (c *Client) SetPrefix(ctx context.Context, userID gateway.Snowflake, prefix string) error {
	return c.set(ctx, prefixKey(userID), prefix)
}

// Lang returns the user's stored language, or "" if none.
func (c *Client) Lang(ctx context.Context, userID gateway.Snowflake) (string, error) {
	return c.get(ctx, langKey(userID))
}

// SetLang stores the user's language.
func (c *Client) SetLang(ctx context.Context, userID gateway.Snowflake, lang string) error {
	return c.set(ctx, langKey(userID), lang)
}

// InstanceKey is the key of one cross-instance stat counter,
// "instance{N}-{name}".
func InstanceKey(instance int, name string) string {
	return "instance" + strconv.Itoa(instance) + "-" + name
}

// SetInstanceStat publishes one instance stat counter.
func (c *Client) SetInstanceStat(ctx context.Context, instance int, name string, value int64) error {
	return c.set(ctx, InstanceKey(instance, name), strconv.FormatInt(value, 10))
}

// IncrUserCounter atomically bumps a per-user counter such as
// "{user_id}-cookies" and returns the new value. Degrades to 0 without error
// when the store is down.
func (c *Client) IncrUserCounter(ctx context.Context, userID gateway.Snowflake, name string) (int64, error) {
	if c.rdb == nil {
		return 0, nil
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	n, err := c.rdb.Incr(ctx, userID.String()+"-"+name).Result()
	return n, errors.Wrapf(err, "failed to incr %q", name)
}
