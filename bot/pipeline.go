package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-csync"

	"github.com/nekobot/nekobot/bot/command"
	"github.com/nekobot/nekobot/gateway"
	"github.com/nekobot/nekobot/webhook"
)

// DefaultQueueSize is the per-worker event buffer. Handle blocks the
// producing session once its worker's buffer is full; events are never
// dropped.
var DefaultQueueSize = 256

// noticeExpiry is how long rate/permission notices stay up before the
// transport deletes them.
const noticeExpiry = 5 * time.Second

// errorEmbedColor is the color of the generic error notice.
const errorEmbedColor = 0xDEADBF

// incidentColor is the color of operator incident embeds.
const incidentColor = 16740159

// SendFunc delivers one outbound reply. The platform REST transport supplies
// it; tests supply a capture.
type SendFunc func(ctx context.Context, channelID gateway.Snowflake, reply *command.Reply) error

// Pipeline consumes inbound events from every shard and turns matching
// messages into command invocations. Events from one shard are processed in
// arrival order; shards interleave freely.
type Pipeline struct {
	Registry  *command.Registry
	Prefixes  *PrefixResolver
	Cooldowns *command.Cooldowns
	Telemetry *Telemetry

	// Send delivers replies. A nil Send discards them.
	Send SendFunc

	// Incidents, if non-nil, receives a structured record per reportable
	// failure. Best-effort.
	Incidents *webhook.Client
	Instance  int

	// GraceTimeout bounds Stop's wait for in-flight invocations.
	GraceTimeout time.Duration

	ErrorLog func(error)
	DebugLog func(...interface{})

	workers []chan gateway.InboundEvent
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	locks map[string]*csync.Mutex
}

// NewPipeline wires a Pipeline with defaults. Registry, Prefixes and
// Telemetry must be set by the caller before Start.
func NewPipeline() *Pipeline {
	return &Pipeline{
		Cooldowns:    command.NewCooldowns(),
		GraceTimeout: 10 * time.Second,
		ErrorLog:     gateway.WSError,
		DebugLog:     gateway.WSDebug,
		locks:        map[string]*csync.Mutex{},
	}
}

// Start launches the worker pool. Events are routed to workers by shard ID,
// so one worker owns one shard's stream and per-shard order is preserved.
func (p *Pipeline) Start(ctx context.Context, nworkers int) {
	if nworkers < 1 {
		nworkers = 1
	}

	ctx, p.cancel = context.WithCancel(ctx)

	p.workers = make([]chan gateway.InboundEvent, nworkers)

	for i := range p.workers {
		ch := make(chan gateway.InboundEvent, DefaultQueueSize)
		p.workers[i] = ch

		p.wg.Add(1)
		go p.work(ctx, ch)
	}
}

// Handle enqueues one event. It never blocks the caller unless the owning
// worker's buffer is full, in which case only the producing session waits.
func (p *Pipeline) Handle(ev gateway.InboundEvent) {
	ix := ev.ShardID
	if ix < 0 {
		ix = 0
	}

	p.workers[ix%len(p.workers)] <- ev
}

// Stop cancels the workers and waits up to GraceTimeout for in-flight
// invocations, after which they are abandoned.
func (p *Pipeline) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.GraceTimeout):
		p.ErrorLog(errors.New("dispatch workers abandoned after grace timeout"))
	}
}

func (p *Pipeline) work(ctx context.Context, ch <-chan gateway.InboundEvent) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			p.process(ctx, ev)
		}
	}
}

// process runs one event through the full dispatch sequence.
func (p *Pipeline) process(ctx context.Context, ev gateway.InboundEvent) {
	if ev.Kind != gateway.KindMessage {
		return
	}

	p.Telemetry.MessageRead()

	msg := ev.Message

	// Bot accounts never reach the prefix-match stage.
	if msg.Author.Bot {
		return
	}

	prefixes := p.Prefixes.Resolve(ctx, msg.Author.ID)

	rest, ok := MatchPrefix(msg.Content, prefixes)
	if !ok {
		return
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return
	}

	desc := p.Registry.Lookup(fields[0])
	if desc == nil {
		// A registry miss is not an error.
		return
	}

	inv := &command.Invocation{
		AuthorID:  msg.Author.ID,
		ChannelID: msg.ChannelID,
		GuildID:   msg.GuildID,
		Command:   desc.Name,
		Args:      fields[1:],
		Message:   msg,
	}

	if err := p.invoke(ctx, desc, inv); err != nil {
		p.fail(ctx, desc, inv, err)
	}
}

// invoke runs guards, the cooldown check and the handler.
func (p *Pipeline) invoke(ctx context.Context, desc *command.Descriptor, inv *command.Invocation) error {
	for _, guard := range desc.Guards {
		if cerr := guard(inv); cerr != nil {
			return cerr
		}
	}

	left, err := p.Cooldowns.Check(ctx, inv.AuthorID, desc.Name, desc.Cooldown)
	if err != nil {
		return err
	}
	if left > 0 {
		return &CooldownError{Remaining: left}
	}

	// The command counts as dispatched from here, whatever the handler's
	// outcome.
	p.Telemetry.CommandUsed(desc.Name)

	if desc.MutexKey != "" {
		mut := p.exclusive(desc.MutexKey)
		if err := mut.CLock(ctx); err != nil {
			return err
		}
		defer mut.Unlock()
	}

	return p.run(ctx, desc, inv)
}

// run invokes the handler, capturing panics so one failing command never
// destabilizes the worker.
func (p *Pipeline) run(ctx context.Context, desc *command.Descriptor, inv *command.Invocation) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("command %s panicked: %v", desc.Name, rec)
		}
	}()

	reply, err := desc.Run(ctx, inv)
	if err != nil {
		return err
	}

	if reply != nil {
		p.send(ctx, inv.ChannelID, reply)
	}
	return nil
}

func (p *Pipeline) exclusive(key string) *csync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	mut, ok := p.locks[key]
	if !ok {
		mut = &csync.Mutex{}
		p.locks[key] = mut
	}
	return mut
}

func (p *Pipeline) send(ctx context.Context, channelID gateway.Snowflake, reply *command.Reply) {
	if p.Send == nil {
		return
	}
	if err := p.Send(ctx, channelID, reply); err != nil {
		p.ErrorLog(errors.Wrap(err, "failed to send reply"))
	}
}

// fail routes a failed invocation by its classified kind.
func (p *Pipeline) fail(ctx context.Context, desc *command.Descriptor, inv *command.Invocation, err error) {
	switch Classify(err) {
	case KindSilent:
		p.DebugLog("silent failure in", desc.Name+":", err)

	case KindUserFacing:
		p.send(ctx, inv.ChannelID, userFacingReply(desc, err))

	case KindReportable:
		p.ErrorLog(errors.Wrapf(err, "exception in %s", desc.Name))

		p.send(ctx, inv.ChannelID, &command.Reply{
			Embed: &command.Embed{
				Title:       "Error",
				Description: fmt.Sprintf("Error in command %s.\n`%v`", desc.Name, err),
				Color:       errorEmbedColor,
			},
		})

		p.report(desc, inv, err)
	}
}

// userFacingReply builds the short, auto-expiring notice for a user-facing
// failure.
func userFacingReply(desc *command.Descriptor, err error) *command.Reply {
	var uerr *UsageError
	if errors.As(err, &uerr) {
		usage := strings.TrimSpace(desc.Name + " " + desc.Usage)
		return &command.Reply{
			Content: "Usage: `" + usage + "`\n" + desc.Description,
		}
	}

	var cderr *CooldownError
	if errors.As(err, &cderr) {
		return &command.Reply{
			Content: fmt.Sprintf(
				"`%.2fs` left until you can use this command again.",
				cderr.Remaining.Seconds()),
			ExpireAfter: noticeExpiry,
		}
	}

	return &command.Reply{
		Content:     "You are not allowed to use that command.",
		ExpireAfter: noticeExpiry,
	}
}

// report forwards a structured incident record to the operator webhook in a
// short-lived task. Failures are swallowed.
func (p *Pipeline) report(desc *command.Descriptor, inv *command.Invocation, err error) {
	if p.Incidents == nil {
		return
	}

	data := webhook.ExecuteData{
		Embeds: []webhook.Embed{{
			Title: fmt.Sprintf("Command: %s, Instance: %d", desc.Name, p.Instance),
			Description: fmt.Sprintf(
				"```\n%v\n```\n By `%s` (`%s`)",
				err, inv.Message.Author.Username, inv.AuthorID),
			Color: incidentColor,
		}},
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := p.Incidents.Execute(ctx, data); err != nil {
			p.DebugLog("incident report dropped:", err)
		}
	}()
}
