package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/nekobot/nekobot/internal/backoff"
	"github.com/nekobot/nekobot/internal/heart"
)

// State is the lifecycle state of a Session.
type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateResuming
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateResuming:
		return "resuming"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// ErrMaxAttempts is wrapped into the FatalError returned by Run once the
// reconnect attempt ceiling is reached.
var ErrMaxAttempts = errors.New("reconnect attempt ceiling reached")

// FatalError is the terminal error of a single shard. It never affects other
// shards.
type FatalError struct {
	ShardID int
	Err     error
}

func (e *FatalError) Error() string {
	return "shard " + strconv.Itoa(e.ShardID) + " failed permanently: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatalCloseCode reports whether the close code means the credentials or
// shard configuration were rejected, making reconnecting pointless.
func IsFatalCloseCode(code int) bool {
	switch code {
	case 4004, // authentication failed
		4010, // invalid shard
		4011, // sharding required
		4012, // invalid API version
		4013, // invalid intents
		4014: // disallowed intents
		return true
	}
	return false
}

// Session owns a single shard's gateway connection. Create one with
// NewSession, then call Run exactly once from its own goroutine. All other
// methods are safe to call concurrently with Run.
type Session struct {
	// Events receives normalized events. It is closed when Run returns.
	Events chan InboundEvent

	// Reconnect tuning. Must be set before Run.
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	StabilityWindow time.Duration
	// MaxAttempts is the reconnect ceiling; 0 means no ceiling.
	MaxAttempts int

	Timeout  time.Duration
	ErrorLog func(error)
	DebugLog func(...interface{})

	ws    *Websocket
	token string
	shard Shard

	state  atomic.Uint32
	closed atomic.Bool
	seq    atomic.Int64

	// Owned by the Run goroutine.
	sessionID string
	pacer     *heart.Pacemaker
}

// NewSession creates an unstarted Session for one shard on the default
// websocket driver.
func NewSession(addr, token string, shard Shard) *Session {
	return NewCustomSession(NewConn(), addr, token, shard)
}

// NewCustomSession creates an unstarted Session on a custom Connection
// driver.
func NewCustomSession(conn Connection, addr, token string, shard Shard) *Session {
	return &Session{
		Events:          make(chan InboundEvent, WSBuffer),
		BackoffMin:      time.Second,
		BackoffMax:      5 * time.Minute,
		StabilityWindow: time.Minute,
		MaxAttempts:     10,
		Timeout:         WSTimeout,
		ErrorLog:        WSError,
		DebugLog:        WSDebug,
		ws:              NewCustomWebsocket(conn, addr),
		token:           token,
		shard:           shard,
	}
}

// ShardID returns the shard ID this session identifies as.
func (s *Session) ShardID() int {
	return s.shard.ShardID()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(uint32(state))
}

// Close signals the session to close its transport. Run unblocks and returns
// nil shortly after.
func (s *Session) Close() error {
	s.closed.Store(true)
	s.setState(StateClosing)

	err := s.ws.Close()
	if errors.Is(err, ErrWebsocketClosed) {
		return nil
	}
	return err
}

// Run connects and pumps events until ctx is canceled, Close is called, a
// fatal close code arrives, or the reconnect ceiling is reached. Transient
// drops are retried with capped exponential backoff; the attempt counter
// resets after StabilityWindow of sustained connection.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.Events)
	defer s.setState(StateDisconnected)

	bo := backoff.New(s.BackoffMin, s.BackoffMax)

	for {
		if s.sessionID == "" {
			s.setState(StateConnecting)
		} else {
			s.setState(StateResuming)
		}

		var connectedAt time.Time
		err := s.connect(ctx, &connectedAt)

		if ctx.Err() != nil || s.closed.Load() {
			s.closeWS()
			return nil
		}

		var cerr *CloseError
		if errors.As(err, &cerr) && IsFatalCloseCode(cerr.Code) {
			ferr := &FatalError{ShardID: s.ShardID(), Err: err}
			s.ErrorLog(ferr)
			return ferr
		}

		if err != nil {
			s.ErrorLog(errors.Wrapf(err, "shard %d dropped", s.ShardID()))
		}

		if !connectedAt.IsZero() && time.Since(connectedAt) >= s.StabilityWindow {
			bo.Reset()
		}

		if s.MaxAttempts > 0 && bo.Attempt() >= s.MaxAttempts {
			ferr := &FatalError{ShardID: s.ShardID(), Err: ErrMaxAttempts}
			s.ErrorLog(ferr)
			return ferr
		}

		wait := bo.Next()
		s.DebugLog("shard", s.ShardID(), "reconnecting in", wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			s.closeWS()
			return nil
		}
	}
}

func (s *Session) closeWS() {
	if err := s.ws.Close(); err != nil && !errors.Is(err, ErrWebsocketClosed) {
		s.DebugLog("shard", s.ShardID(), "close error:", err)
	}
}

// connect performs one dial-handshake-pump cycle. It returns once the
// connection drops for any reason; connectedAt is set if the handshake
// completed.
func (s *Session) connect(ctx context.Context, connectedAt *time.Time) error {
	hctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	if err := s.ws.Dial(hctx); err != nil {
		return errors.Wrap(err, "failed to dial gateway")
	}

	ch := s.ws.Listen()

	interval, err := s.waitHello(hctx, ch)
	if err != nil {
		s.closeWS()
		return err
	}

	if s.sessionID == "" {
		err = s.identify(hctx)
	} else {
		err = s.resume(hctx)
	}
	if err != nil {
		s.closeWS()
		return err
	}

	if err := s.waitReady(hctx, ch); err != nil {
		s.closeWS()
		return err
	}

	*connectedAt = time.Now()
	s.setState(StateConnected)
	s.DebugLog("shard", s.ShardID(), "connected")

	s.pacer = heart.NewPacemaker(interval, s.heartbeat)
	death := s.pacer.StartAsync(ctx)
	defer s.pacer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.closeWS()
			return nil

		case err := <-death:
			s.closeWS()
			return errors.Wrap(err, "pacemaker died")

		case ev, ok := <-ch:
			if !ok {
				return errors.New("gateway read loop ended")
			}
			if ev.Error != nil {
				return ev.Error
			}
			if _, err := s.handleFrame(ctx, ev.Data); err != nil {
				return err
			}
		}
	}
}

// waitHello reads frames until the Hello frame and returns the heartbeat
// interval.
func (s *Session) waitHello(ctx context.Context, ch <-chan Event) (time.Duration, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, errors.Wrap(ctx.Err(), "failed to wait for Hello")

		case ev, ok := <-ch:
			if !ok {
				return 0, errors.New("connection closed while waiting for Hello")
			}
			if ev.Error != nil {
				return 0, ev.Error
			}

			var f Frame
			if err := json.Unmarshal(ev.Data, &f); err != nil {
				return 0, errors.Wrap(err, "failed to decode frame")
			}
			if f.Op != HelloOP {
				continue
			}

			var hello helloData
			if err := json.Unmarshal(f.Data, &hello); err != nil {
				return 0, errors.Wrap(err, "failed to decode Hello")
			}

			return time.Duration(hello.HeartbeatInterval) * time.Millisecond, nil
		}
	}
}

// waitReady pumps frames until a READY or RESUMED dispatch arrives.
func (s *Session) waitReady(ctx context.Context, ch <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "failed to wait for Ready")

		case ev, ok := <-ch:
			if !ok {
				return errors.New("connection closed while waiting for Ready")
			}
			if ev.Error != nil {
				return ev.Error
			}

			t, err := s.handleFrame(ctx, ev.Data)
			if err != nil {
				return err
			}

			switch t {
			case "READY", "RESUMED":
				return nil
			}
		}
	}
}

// errInvalidSession signals that the server rejected a resume; the session
// re-identifies on the next attempt.
var errInvalidSession = errors.New("invalid session")

// handleFrame decodes and reacts to a single frame, returning the dispatch
// event type, if any.
func (s *Session) handleFrame(ctx context.Context, b []byte) (string, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return "", errors.Wrap(err, "failed to decode frame")
	}

	switch f.Op {
	case DispatchOP:
		if f.Seq > 0 {
			s.seq.Store(f.Seq)
		}

		if f.Type == "READY" {
			var ready readyData
			if err := json.Unmarshal(f.Data, &ready); err != nil {
				return "", errors.Wrap(err, "failed to decode Ready")
			}
			s.sessionID = ready.SessionID
		}

		ev, err := decodeEvent(s.ShardID(), f)
		if err != nil {
			// A malformed event payload is not worth a reconnect.
			s.ErrorLog(err)
			return f.Type, nil
		}

		select {
		case s.Events <- ev:
		case <-ctx.Done():
			return f.Type, ctx.Err()
		}

		return f.Type, nil

	case HeartbeatOP:
		// Server requested an immediate beat.
		return "", s.heartbeat(ctx)

	case HeartbeatAckOP:
		if s.pacer != nil {
			s.pacer.Echo()
		}
		return "", nil

	case ReconnectOP:
		return "", errors.New("server requested a reconnect")

	case InvalidSessionOP:
		var resumable bool
		json.Unmarshal(f.Data, &resumable)

		if !resumable {
			s.sessionID = ""
			s.seq.Store(0)
		}

		return "", errInvalidSession
	}

	return "", nil
}

func (s *Session) identify(ctx context.Context) error {
	shard := s.shard

	err := s.send(ctx, IdentifyOP, identifyData{
		Token: s.token,
		Properties: IdentifyProperties{
			OS:      "linux",
			Browser: "nekobot",
			Device:  "nekobot",
		},
		Shard: &shard,
	})

	return errors.Wrap(err, "failed to identify")
}

func (s *Session) resume(ctx context.Context) error {
	err := s.send(ctx, ResumeOP, resumeData{
		Token:     s.token,
		SessionID: s.sessionID,
		Seq:       s.seq.Load(),
	})

	return errors.Wrap(err, "failed to resume")
}

func (s *Session) heartbeat(ctx context.Context) error {
	tctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	return s.send(tctx, HeartbeatOP, s.seq.Load())
}

func (s *Session) send(ctx context.Context, op OpCode, v interface{}) error {
	f := Frame{Op: op}

	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return errors.Wrap(err, "failed to encode payload data")
		}
		f.Data = b
	}

	b, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "failed to encode frame")
	}

	return s.ws.Send(ctx, b)
}
