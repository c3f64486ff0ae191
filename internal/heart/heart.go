// Package heart implements the gateway heartbeat pacemaker.
package heart

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ErrDead is returned by the pacemaker when the peer stopped echoing
// heartbeats back.
var ErrDead = errors.New("no heartbeat replied")

// Pacemaker beats on a fixed interval and watches for echoes. A beat that goes
// unanswered for more than two intervals declares the connection dead.
type Pacemaker struct {
	// Interval is the duration between beats, dictated by the peer's Hello.
	Interval time.Duration

	// Pace sends a single heartbeat. An error stops the pacemaker.
	Pace func(context.Context) error

	sent atomic.Int64 // unixnano
	echo atomic.Int64 // unixnano

	stop  chan struct{}
	death chan error
}

func NewPacemaker(interval time.Duration, pace func(context.Context) error) *Pacemaker {
	return &Pacemaker{
		Interval: interval,
		Pace:     pace,
	}
}

// Echo records a heartbeat acknowledgement from the peer.
func (p *Pacemaker) Echo() {
	p.echo.Store(time.Now().UnixNano())
}

// Dead reports whether the last sent beat went unanswered for more than twice
// the interval.
func (p *Pacemaker) Dead() bool {
	var (
		echo = p.echo.Load()
		sent = p.sent.Load()
	)

	if echo == 0 || sent == 0 {
		return false
	}

	return sent-echo > 2*int64(p.Interval)
}

// EchoAt returns the time of the last recorded echo.
func (p *Pacemaker) EchoAt() time.Time {
	return time.Unix(0, p.echo.Load())
}

// Stop stops the pacemaker loop. It is safe to call more than once, but only
// after StartAsync.
func (p *Pacemaker) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

// StartAsync starts the pacemaker loop in its own goroutine and returns the
// channel its death error arrives on. A nil error means Stop was called.
func (p *Pacemaker) StartAsync(ctx context.Context) <-chan error {
	p.stop = make(chan struct{}, 1)
	p.death = make(chan error, 1)

	go func() {
		p.death <- p.run(ctx)
	}()

	return p.death
}

func (p *Pacemaker) run(ctx context.Context) error {
	tick := time.NewTicker(p.Interval)
	defer tick.Stop()

	// Count the start of the loop as an echo, so the first Dead check has a
	// baseline to compare against.
	p.Echo()

	for {
		if err := p.Pace(ctx); err != nil {
			return errors.Wrap(err, "failed to pace")
		}

		p.sent.Store(time.Now().UnixNano())

		if p.Dead() {
			return ErrDead
		}

		select {
		case <-p.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}
