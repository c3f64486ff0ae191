package bot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/nekobot/nekobot/bot/command"
	"github.com/nekobot/nekobot/gateway"
	"github.com/nekobot/nekobot/webhook"
)

type sentReply struct {
	ChannelID gateway.Snowflake
	Reply     *command.Reply
}

// newTestPipeline builds a started single-worker pipeline whose replies land
// on the returned channel.
func newTestPipeline(t *testing.T) (*Pipeline, chan sentReply) {
	t.Helper()

	sent := make(chan sentReply, 8)

	p := NewPipeline()
	p.Registry = command.NewRegistry()
	p.Prefixes = NewPrefixResolver(stubStore{})
	p.Telemetry = NewTelemetry()
	p.GraceTimeout = time.Second
	p.ErrorLog = func(error) {}
	p.DebugLog = func(...interface{}) {}
	p.Send = func(_ context.Context, channelID gateway.Snowflake, reply *command.Reply) error {
		sent <- sentReply{channelID, reply}
		return nil
	}

	p.Start(context.Background(), 1)
	t.Cleanup(p.Stop)

	return p, sent
}

func msgEvent(authorID gateway.Snowflake, content string) gateway.InboundEvent {
	return gateway.InboundEvent{
		ShardID: 0,
		Kind:    gateway.KindMessage,
		Type:    "MESSAGE_CREATE",
		Message: &gateway.Message{
			ID:        999,
			ChannelID: 555,
			GuildID:   777,
			Author:    gateway.User{ID: authorID, Username: "tester"},
			Content:   content,
		},
	}
}

func botMsgEvent(content string) gateway.InboundEvent {
	ev := msgEvent(1, content)
	ev.Message.Author.Bot = true
	return ev
}

func awaitReply(t *testing.T, sent chan sentReply) sentReply {
	t.Helper()

	select {
	case r := <-sent:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a reply")
		return sentReply{}
	}
}

func TestPipelineDispatch(t *testing.T) {
	p, sent := newTestPipeline(t)

	invoked := make(chan *command.Invocation, 1)

	err := p.Registry.Register(&command.Descriptor{
		Name: "choose",
		Run: func(_ context.Context, inv *command.Invocation) (*command.Reply, error) {
			invoked <- inv
			return &command.Reply{Content: "picked " + inv.Args[0]}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	p.Handle(msgEvent(123, "n!choose a b c"))

	select {
	case inv := <-invoked:
		if inv.Command != "choose" {
			t.Errorf("command = %q, want choose", inv.Command)
		}
		if len(inv.Args) != 3 || inv.Args[0] != "a" || inv.Args[2] != "c" {
			t.Errorf("args = %v, want [a b c]", inv.Args)
		}
		if inv.AuthorID != 123 {
			t.Errorf("author = %v, want 123", inv.AuthorID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler was never invoked")
	}

	r := awaitReply(t, sent)
	if r.ChannelID != 555 {
		t.Errorf("reply channel = %v, want 555", r.ChannelID)
	}
	if r.Reply.Content != "picked a" {
		t.Errorf("reply content = %q", r.Reply.Content)
	}

	if n := p.Telemetry.Count(CounterMessagesRead); n != 1 {
		t.Errorf("messages read = %d, want 1", n)
	}
	if n := p.Telemetry.CommandCount("choose"); n != 1 {
		t.Errorf("choose count = %d, want 1", n)
	}
}

func TestPipelineBotAuthorSkipped(t *testing.T) {
	p, _ := newTestPipeline(t)

	invoked := make(chan struct{}, 2)

	p.Registry.Register(&command.Descriptor{
		Name: "ping",
		Run: func(context.Context, *command.Invocation) (*command.Reply, error) {
			invoked <- struct{}{}
			return nil, nil
		},
	})

	// Same shard, so the bot message is fully processed before the human one.
	p.Handle(botMsgEvent("n!ping"))
	p.Handle(msgEvent(123, "n!ping"))

	select {
	case <-invoked:
	case <-time.After(5 * time.Second):
		t.Fatal("human invocation never ran")
	}

	select {
	case <-invoked:
		t.Fatal("bot-authored message must not invoke commands")
	default:
	}

	// The bot message still counts as read.
	if n := p.Telemetry.Count(CounterMessagesRead); n != 2 {
		t.Errorf("messages read = %d, want 2", n)
	}
	if n := p.Telemetry.Count(CounterCommandsUsed); n != 1 {
		t.Errorf("commands used = %d, want 1", n)
	}
}

func TestPipelineUnknownCommandSilent(t *testing.T) {
	p, sent := newTestPipeline(t)

	done := make(chan struct{})
	p.Registry.Register(&command.Descriptor{
		Name: "marker",
		Run: func(context.Context, *command.Invocation) (*command.Reply, error) {
			close(done)
			return nil, nil
		},
	})

	p.Handle(msgEvent(123, "n!doesnotexist"))
	p.Handle(msgEvent(123, "n!marker"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("marker never ran")
	}

	select {
	case r := <-sent:
		t.Fatalf("unknown command produced a reply: %+v", r.Reply)
	default:
	}
}

func TestPipelineGuardDenied(t *testing.T) {
	p, sent := newTestPipeline(t)

	p.Registry.Register(&command.Descriptor{
		Name:   "admin",
		Guards: []command.Guard{command.OwnerOnly(1)},
		Run: func(context.Context, *command.Invocation) (*command.Reply, error) {
			t.Error("guarded handler must not run")
			return nil, nil
		},
	})

	p.Handle(msgEvent(123, "n!admin"))

	r := awaitReply(t, sent)
	if r.Reply.Content != "You are not allowed to use that command." {
		t.Errorf("notice = %q", r.Reply.Content)
	}
	if r.Reply.ExpireAfter != noticeExpiry {
		t.Errorf("notice expiry = %v, want %v", r.Reply.ExpireAfter, noticeExpiry)
	}

	// A guard denial is not a dispatch.
	if n := p.Telemetry.Count(CounterCommandsUsed); n != 0 {
		t.Errorf("commands used = %d, want 0", n)
	}
}

func TestPipelineCooldownNotice(t *testing.T) {
	p, sent := newTestPipeline(t)

	p.Registry.Register(&command.Descriptor{
		Name:     "cookie",
		Cooldown: command.PerUser(10 * time.Second),
		Run: func(context.Context, *command.Invocation) (*command.Reply, error) {
			return &command.Reply{Content: "ok"}, nil
		},
	})

	p.Handle(msgEvent(123, "n!cookie"))
	p.Handle(msgEvent(123, "n!cookie"))

	first := awaitReply(t, sent)
	if first.Reply.Content != "ok" {
		t.Fatalf("first reply = %q", first.Reply.Content)
	}

	second := awaitReply(t, sent)
	if !strings.Contains(second.Reply.Content, "left until you can use this command again.") {
		t.Errorf("cooldown notice = %q", second.Reply.Content)
	}
	if !strings.HasPrefix(second.Reply.Content, "`") {
		t.Errorf("cooldown notice missing remaining time: %q", second.Reply.Content)
	}
	if second.Reply.ExpireAfter != noticeExpiry {
		t.Errorf("notice expiry = %v", second.Reply.ExpireAfter)
	}

	// The denied attempt is not a dispatch.
	if n := p.Telemetry.CommandCount("cookie"); n != 1 {
		t.Errorf("cookie count = %d, want 1", n)
	}
}

func TestPipelineReportable(t *testing.T) {
	received := make(chan webhook.ExecuteData, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var data webhook.ExecuteData
		json.NewDecoder(r.Body).Decode(&data)
		received <- data
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p, sent := newTestPipeline(t)
	p.Incidents = webhook.NewClient(srv.URL)
	p.Instance = 2

	p.Registry.Register(&command.Descriptor{
		Name: "broken",
		Run: func(context.Context, *command.Invocation) (*command.Reply, error) {
			return nil, errors.New("nil map write")
		},
	})

	p.Handle(msgEvent(123, "n!broken"))

	r := awaitReply(t, sent)
	if r.Reply.Embed == nil {
		t.Fatal("expected an error embed")
	}
	if r.Reply.Embed.Color != errorEmbedColor {
		t.Errorf("embed color = %#x, want %#x", r.Reply.Embed.Color, errorEmbedColor)
	}

	select {
	case data := <-received:
		if len(data.Embeds) != 1 {
			t.Fatalf("incident embeds = %d, want 1", len(data.Embeds))
		}
		em := data.Embeds[0]
		if em.Title != "Command: broken, Instance: 2" {
			t.Errorf("incident title = %q", em.Title)
		}
		if !strings.Contains(em.Description, "nil map write") {
			t.Errorf("incident description = %q", em.Description)
		}
		if !strings.Contains(em.Description, "By `tester` (`123`)") {
			t.Errorf("incident description missing author: %q", em.Description)
		}
		if em.Color != incidentColor {
			t.Errorf("incident color = %d, want %d", em.Color, incidentColor)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("incident report never arrived")
	}
}

func TestPipelineMutexKeySerializes(t *testing.T) {
	sent := make(chan sentReply, 8)

	p := NewPipeline()
	p.Registry = command.NewRegistry()
	p.Prefixes = NewPrefixResolver(stubStore{})
	p.Telemetry = NewTelemetry()
	p.GraceTimeout = time.Second
	p.ErrorLog = func(error) {}
	p.DebugLog = func(...interface{}) {}
	p.Send = func(_ context.Context, channelID gateway.Snowflake, reply *command.Reply) error {
		sent <- sentReply{channelID, reply}
		return nil
	}

	// Two workers, so the two shards' invocations genuinely race.
	p.Start(context.Background(), 2)
	t.Cleanup(p.Stop)

	release := make(chan struct{})
	entered := make(chan string, 2)

	p.Registry.Register(&command.Descriptor{
		Name:     "backup",
		MutexKey: "maintenance",
		Run: func(context.Context, *command.Invocation) (*command.Reply, error) {
			entered <- "backup"
			<-release
			return nil, nil
		},
	})
	p.Registry.Register(&command.Descriptor{
		Name:     "restore",
		MutexKey: "maintenance",
		Run: func(context.Context, *command.Invocation) (*command.Reply, error) {
			entered <- "restore"
			return nil, nil
		},
	})

	first := msgEvent(123, "n!backup")
	first.ShardID = 0
	p.Handle(first)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("backup never started")
	}

	second := msgEvent(456, "n!restore")
	second.ShardID = 1
	p.Handle(second)

	// restore shares the maintenance key and must wait for backup.
	select {
	case <-entered:
		t.Fatal("restore ran while backup held the key")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	select {
	case name := <-entered:
		if name != "restore" {
			t.Errorf("got %q, want restore", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("restore never ran after the key was released")
	}
}

func TestPipelineSlowStoreStillMatchesDefaults(t *testing.T) {
	p, sent := newTestPipeline(t)

	// A store that hangs well past the resolver's patience.
	p.Prefixes = NewPrefixResolver(stubStore{prefix: "!!", delay: time.Minute})
	p.Prefixes.Timeout = 10 * time.Millisecond
	p.Prefixes.ErrorLog = func(error) {}

	p.Registry.Register(&command.Descriptor{
		Name: "ping",
		Run: func(context.Context, *command.Invocation) (*command.Reply, error) {
			return &command.Reply{Content: "pong"}, nil
		},
	})

	p.Handle(msgEvent(123, "n!ping"))

	r := awaitReply(t, sent)
	if r.Reply.Content != "pong" {
		t.Errorf("reply = %q, want pong", r.Reply.Content)
	}
}

func TestPipelinePanicRecovered(t *testing.T) {
	p, sent := newTestPipeline(t)

	p.Registry.Register(&command.Descriptor{
		Name: "crash",
		Run: func(context.Context, *command.Invocation) (*command.Reply, error) {
			panic("oh no")
		},
	})
	p.Registry.Register(&command.Descriptor{
		Name: "after",
		Run: func(context.Context, *command.Invocation) (*command.Reply, error) {
			return &command.Reply{Content: "still alive"}, nil
		},
	})

	p.Handle(msgEvent(123, "n!crash"))
	p.Handle(msgEvent(123, "n!after"))

	first := awaitReply(t, sent)
	if first.Reply.Embed == nil || !strings.Contains(first.Reply.Embed.Description, "crash") {
		t.Errorf("panic should surface as an error embed, got %+v", first.Reply)
	}

	// The worker survived the panic.
	second := awaitReply(t, sent)
	if second.Reply.Content != "still alive" {
		t.Errorf("second reply = %q", second.Reply.Content)
	}
}
