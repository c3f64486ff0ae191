package shard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// mockShard records its start time and blocks until canceled or closed.
type mockShard struct {
	id      int
	runErr  error
	ignores bool // ignore cancellation, forcing a Close

	mu        sync.Mutex
	startedAt time.Time
	closed    bool
	forced    chan struct{}
}

func newMockShard(id int) *mockShard {
	return &mockShard{id: id, forced: make(chan struct{})}
}

func (s *mockShard) Run(ctx context.Context) error {
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	if s.ignores {
		<-s.forced
		return nil
	}

	<-ctx.Done()
	return s.runErr
}

func (s *mockShard) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.forced)
	}
	return nil
}

func (s *mockShard) ShardID() int { return s.id }

func (s *mockShard) started() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

func TestGenerateShardIDs(t *testing.T) {
	ids := GenerateShardIDs(3)
	if len(ids) != 3 || ids[0] != 0 || ids[1] != 1 || ids[2] != 2 {
		t.Fatal("unexpected IDs:", ids)
	}
}

func TestManagerStaggeredStart(t *testing.T) {
	shards := make([]*mockShard, 3)

	m := NewManager(GenerateShardIDs(3), 3, func(id, total int) Shard {
		shards[id] = newMockShard(id)
		return shards[id]
	})
	m.IdentifyDelay = 30 * time.Millisecond
	m.StopTimeout = time.Second
	m.ErrorLog = func(error) {}

	m.Start(context.Background())

	// Give every shard time to pass its stagger delay.
	time.Sleep(150 * time.Millisecond)

	for i := 1; i < len(shards); i++ {
		prev, cur := shards[i-1].started(), shards[i].started()
		if prev.IsZero() || cur.IsZero() {
			t.Fatalf("shard %d or %d never started", i-1, i)
		}
		if gap := cur.Sub(prev); gap < 15*time.Millisecond {
			t.Fatalf("shards %d and %d started %v apart, want a stagger", i-1, i, gap)
		}
	}

	if err := m.Stop(); err != nil {
		t.Fatal("stop failed:", err)
	}
	if err := m.Wait(); err != nil {
		t.Fatal("wait failed:", err)
	}
}

func TestManagerForceClose(t *testing.T) {
	var stubborn *mockShard

	m := NewManager([]int{0}, 1, func(id, total int) Shard {
		stubborn = newMockShard(id)
		stubborn.ignores = true
		return stubborn
	})
	m.IdentifyDelay = 0
	m.StopTimeout = 20 * time.Millisecond
	m.ErrorLog = func(error) {}

	m.Start(context.Background())
	time.Sleep(10 * time.Millisecond)

	if err := m.Stop(); err != nil {
		t.Fatal("stop failed:", err)
	}

	stubborn.mu.Lock()
	closed := stubborn.closed
	stubborn.mu.Unlock()

	if !closed {
		t.Fatal("straggler shard was never force-closed")
	}
}

func TestManagerAllFailed(t *testing.T) {
	fatal := errors.New("authentication failed")

	m := NewManager(GenerateShardIDs(2), 2, func(id, total int) Shard {
		s := newMockShard(id)
		s.runErr = fatal
		return s
	})
	m.IdentifyDelay = 0
	m.StopTimeout = time.Second
	m.ErrorLog = func(error) {}

	m.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	m.Stop()

	if err := m.Wait(); !errors.Is(err, ErrAllShardsFailed) {
		t.Fatal("expected ErrAllShardsFailed, got", err)
	}

	if n := len(m.FatalErrors()); n != 2 {
		t.Fatal("expected 2 fatal errors, got", n)
	}
}

func TestManagerPartialFailureIsNotFatal(t *testing.T) {
	fatal := errors.New("authentication failed")

	m := NewManager(GenerateShardIDs(2), 2, func(id, total int) Shard {
		s := newMockShard(id)
		if id == 0 {
			s.runErr = fatal
		}
		return s
	})
	m.IdentifyDelay = 0
	m.StopTimeout = time.Second
	m.ErrorLog = func(error) {}

	m.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	m.Stop()

	if err := m.Wait(); err != nil {
		t.Fatal("one healthy shard should keep Wait nil, got", err)
	}
	if n := len(m.FatalErrors()); n != 1 {
		t.Fatal("expected 1 fatal error, got", n)
	}
}
