package bot

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/nekobot/nekobot/bot/command"
	"github.com/nekobot/nekobot/config"
	"github.com/nekobot/nekobot/gateway"
)

func newCountingBot() *Bot {
	return &Bot{guildTallies: map[gateway.Snowflake]guildTally{}}
}

func TestGuildCountersLeave(t *testing.T) {
	b := newCountingBot()

	b.addGuild(json.RawMessage(
		`{"id":"1","member_count":50,"channels":[{},{},{}]}`))

	if b.guilds.Load() != 1 || b.users.Load() != 50 || b.channels.Load() != 3 {
		t.Fatalf("after create: guilds=%d users=%d channels=%d",
			b.guilds.Load(), b.users.Load(), b.channels.Load())
	}

	// Leaving a guild delivers only an unavailable-guild stub; the amounts to
	// subtract come from the remembered tally.
	b.removeGuild(json.RawMessage(`{"id":"1","unavailable":true}`))

	if b.guilds.Load() != 0 || b.users.Load() != 0 || b.channels.Load() != 0 {
		t.Errorf("after delete: guilds=%d users=%d channels=%d, want all 0",
			b.guilds.Load(), b.users.Load(), b.channels.Load())
	}
}

func TestGuildCountersResync(t *testing.T) {
	b := newCountingBot()

	b.addGuild(json.RawMessage(`{"id":"1","member_count":50,"channels":[{}]}`))

	// The same guild re-sent after a resume replaces the tally, it does not
	// double-count.
	b.addGuild(json.RawMessage(`{"id":"1","member_count":60,"channels":[{},{}]}`))

	if b.guilds.Load() != 1 {
		t.Errorf("guilds = %d, want 1", b.guilds.Load())
	}
	if b.users.Load() != 60 {
		t.Errorf("users = %d, want 60", b.users.Load())
	}
	if b.channels.Load() != 2 {
		t.Errorf("channels = %d, want 2", b.channels.Load())
	}
}

func TestGuildCountersUnknownDelete(t *testing.T) {
	b := newCountingBot()

	b.removeGuild(json.RawMessage(`{"id":"9","unavailable":true}`))

	if b.guilds.Load() != 0 || b.users.Load() != 0 {
		t.Error("deleting an unknown guild must not move the counters")
	}
}

func TestNewWiresReplyFallback(t *testing.T) {
	cfg := config.Default()
	cfg.Token = "token"
	cfg.Redis.Addr = ""

	b, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	if b.Pipeline.Send == nil {
		t.Fatal("no default reply sink installed")
	}

	var logged []interface{}
	b.DebugLog = func(v ...interface{}) { logged = v }

	err = b.Pipeline.Send(context.Background(), 555, &command.Reply{Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) == 0 {
		t.Error("dropped reply was not logged")
	}
	if !strings.Contains(logged[0].(string), "dropping reply") {
		t.Errorf("unexpected log line: %v", logged)
	}
}
