// Package bot wires the gateway shards to the command dispatch pipeline.
package bot

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/nekobot/nekobot/bot/command"
	"github.com/nekobot/nekobot/cache"
	"github.com/nekobot/nekobot/config"
	"github.com/nekobot/nekobot/gateway"
	"github.com/nekobot/nekobot/shard"
	"github.com/nekobot/nekobot/webhook"
)

// Bot owns one instance's worth of shards plus everything the dispatch
// pipeline needs. Create one with New, then Start, then Wait.
type Bot struct {
	Cache     *cache.Client
	Registry  *command.Registry
	Telemetry *Telemetry
	Prefixes  *PrefixResolver
	Pipeline  *Pipeline
	Manager   *shard.Manager

	// StatsInterval is how often the instance counters are published to the
	// store. Zero disables publishing.
	StatsInterval time.Duration

	ErrorLog func(error)
	DebugLog func(...interface{})

	cfg       config.Config
	startTime time.Time

	// Population counters fed by lifecycle events, published alongside the
	// usage counters.
	guilds   atomic.Int64
	users    atomic.Int64
	channels atomic.Int64

	// guildTallies remembers each guild's contribution to the population
	// counters. A GUILD_DELETE carries only an unavailable-guild stub, so the
	// amounts to subtract must come from here.
	guildMu      sync.Mutex
	guildTallies map[gateway.Snowflake]guildTally

	cancel   context.CancelFunc
	forwards sync.WaitGroup
	tasks    sync.WaitGroup
	stopOnce sync.Once
}

// New builds an unstarted Bot from the configuration and command modules.
func New(cfg config.Config, modules []command.Module) (*Bot, error) {
	token := cfg.GatewayToken()
	if token == "" {
		return nil, errors.New("no gateway token configured")
	}

	b := &Bot{
		Cache:         cache.New(cfg.Redis),
		Registry:      command.NewRegistry(),
		Telemetry:     NewTelemetry(),
		StatsInterval: time.Minute,
		ErrorLog:      func(err error) { log.Println("bot error:", err) },
		DebugLog:      func(v ...interface{}) { log.Println(v...) },
		cfg:           cfg,
		startTime:     time.Now(),
		guildTallies:  map[gateway.Snowflake]guildTally{},
	}

	env := command.Env{
		Cache:     b.Cache,
		Usage:     b.Telemetry,
		Instance:  cfg.Instance,
		OwnerID:   gateway.Snowflake(cfg.OwnerID),
		StartTime: b.startTime,
		// Stop blocks on in-flight invocations, so the shutdown command must
		// not call it from inside one.
		Shutdown: func() { go b.Stop() },
	}

	results := command.LoadModules(b.Registry, env, modules)
	command.LogResults(results, nil)

	b.Prefixes = NewPrefixResolver(b.Cache)
	b.Prefixes.Debug = cfg.Debug
	b.Prefixes.ErrorLog = func(err error) { b.ErrorLog(err) }

	b.Pipeline = NewPipeline()
	b.Pipeline.Registry = b.Registry
	b.Pipeline.Prefixes = b.Prefixes
	b.Pipeline.Telemetry = b.Telemetry
	b.Pipeline.Instance = cfg.Instance

	// Replies need a transport the caller installs on Pipeline.Send. Until
	// then they are logged rather than vanishing.
	b.Pipeline.Send = func(_ context.Context, channelID gateway.Snowflake, reply *command.Reply) error {
		b.DebugLog("no reply transport installed, dropping reply to", channelID)
		return nil
	}

	if cfg.WebhookURL != "" {
		b.Pipeline.Incidents = webhook.NewClient(cfg.WebhookURL)
	}

	ids := cfg.ShardIDs
	if len(ids) == 0 {
		ids = shard.GenerateShardIDs(cfg.Shards)
	}

	b.Manager = shard.NewManager(ids, cfg.Shards, func(id, total int) shard.Shard {
		s := gateway.NewSession(cfg.GatewayURL, token, gateway.Shard{id, total})

		b.forwards.Add(1)
		go b.forward(s)

		return s
	})

	return b, nil
}

// Start launches the pipeline workers, the shards and the stats publisher. It
// does not block; use Wait.
func (b *Bot) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)

	// The pipeline runs on its own context: Stop cancels it only after the
	// forwarders exit, so Handle never sends on stopped workers. Events still
	// buffered at that point are discarded.
	b.Pipeline.Start(context.Background(), b.cfg.Workers)
	b.Manager.Start(ctx)

	if b.StatsInterval > 0 {
		b.tasks.Add(1)
		go b.publishStats(ctx)
	}
}

// Wait blocks until every shard has exited, whether by Stop, an owner-issued
// shutdown, or permanent failure. It returns an error only if all shards
// failed permanently.
func (b *Bot) Wait() error {
	return b.Manager.Wait()
}

// Stop shuts everything down in order: shards first so no new events arrive,
// then the pipeline, then the store connection. Safe to call more than once.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}

		if err := b.Manager.Stop(); err != nil {
			b.ErrorLog(errors.Wrap(err, "shard shutdown"))
		}

		// Session event channels are closed now; the forwarders drain out.
		b.forwards.Wait()

		b.Pipeline.Stop()
		b.tasks.Wait()

		if err := b.Cache.Close(); err != nil {
			b.ErrorLog(errors.Wrap(err, "cache shutdown"))
		}
	})
}

// Uptime is how long the bot has been up.
func (b *Bot) Uptime() time.Duration {
	return time.Since(b.startTime)
}

// GuildCount returns the number of guilds currently visible to this instance.
func (b *Bot) GuildCount() int64 {
	return b.guilds.Load()
}

// forward pumps one session's events into the pipeline until the session
// exits, keeping the population counters current on the way through.
func (b *Bot) forward(s *gateway.Session) {
	defer b.forwards.Done()

	for ev := range s.Events {
		switch ev.Type {
		case "READY":
			var ready struct {
				User gateway.User `json:"user"`
			}
			if err := json.Unmarshal(ev.Raw, &ready); err == nil {
				b.Prefixes.SetBotID(ready.User.ID)
			}
			continue

		case "GUILD_CREATE":
			b.addGuild(ev.Raw)
			continue

		case "GUILD_DELETE":
			b.removeGuild(ev.Raw)
			continue
		}

		b.Pipeline.Handle(ev)
	}
}

type guildTally struct {
	members  int64
	channels int64
}

func (b *Bot) addGuild(raw json.RawMessage) {
	var g struct {
		ID          gateway.Snowflake `json:"id"`
		MemberCount int64             `json:"member_count"`
		Channels    []json.RawMessage `json:"channels"`
	}
	if err := json.Unmarshal(raw, &g); err != nil || !g.ID.IsValid() {
		return
	}

	tally := guildTally{members: g.MemberCount, channels: int64(len(g.Channels))}

	b.guildMu.Lock()
	prev, known := b.guildTallies[g.ID]
	b.guildTallies[g.ID] = tally
	b.guildMu.Unlock()

	// A re-sent GUILD_CREATE after a resume replaces the old tally instead
	// of double-counting.
	if !known {
		b.guilds.Inc()
	}
	b.users.Add(tally.members - prev.members)
	b.channels.Add(tally.channels - prev.channels)
}

func (b *Bot) removeGuild(raw json.RawMessage) {
	var g struct {
		ID gateway.Snowflake `json:"id"`
	}
	if err := json.Unmarshal(raw, &g); err != nil || !g.ID.IsValid() {
		return
	}

	b.guildMu.Lock()
	tally, known := b.guildTallies[g.ID]
	delete(b.guildTallies, g.ID)
	b.guildMu.Unlock()

	if !known {
		return
	}

	b.guilds.Dec()
	b.users.Sub(tally.members)
	b.channels.Sub(tally.channels)
}

// publishStats pushes the instance counters to the store on a fixed cadence,
// so the instances can read each other's totals.
func (b *Bot) publishStats(ctx context.Context) {
	defer b.tasks.Done()

	ticker := time.NewTicker(b.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.pushStats(ctx)
		}
	}
}

func (b *Bot) pushStats(ctx context.Context) {
	if !b.Cache.Available() {
		return
	}

	stats := map[string]int64{
		"guilds":   b.guilds.Load(),
		"users":    b.users.Load(),
		"channels": b.channels.Load(),
		"messages": b.Telemetry.Count(CounterMessagesRead),
		"commands": b.Telemetry.Count(CounterCommandsUsed),
	}

	for name, value := range stats {
		if err := b.Cache.SetInstanceStat(ctx, b.cfg.Instance, name, value); err != nil {
			b.DebugLog("stat publish dropped:", err)
			return
		}
	}
}
