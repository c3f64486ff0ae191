package shard

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nekobot/nekobot/gateway"
)

// ErrStopTimeout is returned by Stop if some shards had to be force-closed
// and still did not exit in time.
var ErrStopTimeout = errors.New("shards did not stop in time")

// ErrAllShardsFailed is returned by Wait once every shard has failed
// permanently. This is the only shard condition that is process-fatal.
var ErrAllShardsFailed = errors.New("all shards failed permanently")

// Manager owns all shards of this instance. An instance of Manager must never
// be copied.
type Manager struct {
	// IdentifyDelay staggers session startup; the platform allows one new
	// identify per 5 seconds.
	IdentifyDelay time.Duration

	// StopTimeout bounds the graceful half of Stop before stragglers are
	// force-closed.
	StopTimeout time.Duration

	ErrorLog func(error)

	shards []Shard

	mutex   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{} // closed once all shard goroutines exit
	running []chan struct{}
	fatals  []error
}

// NewManager constructs the given shard IDs using fn. The IDs this instance
// runs may be a subset of the total.
func NewManager(ids []int, total int, fn NewShardFunc) *Manager {
	m := Manager{
		IdentifyDelay: 5 * time.Second,
		StopTimeout:   10 * time.Second,
		ErrorLog: func(err error) {
			log.Println("shard error:", err)
		},
		shards: make([]Shard, len(ids)),
	}

	for i, id := range ids {
		m.shards[i] = fn(id, total)
	}

	return &m
}

// NumShards returns the number of shards this manager runs.
func (m *Manager) NumShards() int {
	return len(m.shards)
}

// Shard returns the shard at the given index, or nil if out of range.
func (m *Manager) Shard(ix int) Shard {
	if ix < 0 || ix >= len(m.shards) {
		return nil
	}
	return m.shards[ix]
}

// FromGuildID returns the shard and index responsible for the given guild.
func (m *Manager) FromGuildID(guildID gateway.Snowflake) (Shard, int) {
	ix := int(uint64(guildID>>22) % uint64(len(m.shards)))
	return m.shards[ix], ix
}

// ForEach calls f on each shard from first to last.
func (m *Manager) ForEach(f func(Shard)) {
	for _, sh := range m.shards {
		f(sh)
	}
}

// Start launches one goroutine per shard, each delayed by its position times
// IdentifyDelay to respect the platform's connection rate limit. It does not
// block.
func (m *Manager) Start(ctx context.Context) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	ctx, m.cancel = context.WithCancel(ctx)

	m.done = make(chan struct{})
	m.running = make([]chan struct{}, len(m.shards))

	var wg sync.WaitGroup

	for i, sh := range m.shards {
		wg.Add(1)

		exited := make(chan struct{})
		m.running[i] = exited

		stagger := time.Duration(i) * m.IdentifyDelay

		go func(sh Shard, stagger time.Duration, exited chan struct{}) {
			defer wg.Done()
			defer close(exited)

			select {
			case <-time.After(stagger):
			case <-ctx.Done():
				return
			}

			if err := sh.Run(ctx); err != nil {
				m.recordFatal(err)
			}
		}(sh, stagger, exited)
	}

	done := m.done
	go func() {
		wg.Wait()
		close(done)
	}()
}

func (m *Manager) recordFatal(err error) {
	m.ErrorLog(err)

	m.mutex.Lock()
	m.fatals = append(m.fatals, err)
	m.mutex.Unlock()
}

// FatalErrors returns the permanent per-shard failures seen so far.
func (m *Manager) FatalErrors() []error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return append([]error(nil), m.fatals...)
}

// Wait blocks until every shard goroutine has exited. It returns
// ErrAllShardsFailed if no shard stopped gracefully.
func (m *Manager) Wait() error {
	m.mutex.Lock()
	done := m.done
	m.mutex.Unlock()

	if done == nil {
		return nil
	}
	<-done

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if len(m.fatals) == len(m.shards) && len(m.shards) > 0 {
		return errors.Wrapf(ErrAllShardsFailed, "%d shards down", len(m.fatals))
	}
	return nil
}

// Stop signals every shard to close gracefully and blocks until all have
// exited or StopTimeout elapses, force-closing stragglers. It is safe to call
// more than once.
func (m *Manager) Stop() error {
	m.mutex.Lock()
	cancel := m.cancel
	done := m.done
	running := m.running
	m.cancel = nil
	m.mutex.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(m.StopTimeout):
	}

	// Force-close whatever is still up.
	for i, exited := range running {
		select {
		case <-exited:
		default:
			m.ErrorLog(errors.Errorf("force-closing shard %d", m.shards[i].ShardID()))
			m.shards[i].Close()
		}
	}

	select {
	case <-done:
		return nil
	case <-time.After(m.StopTimeout):
		return ErrStopTimeout
	}
}
