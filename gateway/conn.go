package gateway

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// CloseDeadline controls the deadline to wait for sending the close frame.
var CloseDeadline = time.Second

// Event is a raw payload or error coming from the connection read loop. Error
// is non-nil if Data is nil, so check Error first.
type Event struct {
	Data  []byte
	Error error
}

// CloseError is the close frame the peer ended the connection with. Sessions
// inspect its Code to tell fatal auth failures from transient drops.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return "websocket closed: " + strconv.Itoa(e.Code) + " " + e.Reason
}

// Connection abstracts a generic websocket driver. Implementations must be
// re-dialable after Close.
type Connection interface {
	// Dial dials the address. The context bounds the handshake.
	Dial(ctx context.Context, addr string) error

	// Listen returns the channel of read payloads. The channel is closed
	// after an Event carrying the terminal error is delivered.
	Listen() <-chan Event

	// Send writes b as a single frame. Thread safety is a requirement.
	Send(ctx context.Context, b []byte) error

	// Close closes the connection, sending a close frame if possible.
	Close() error
}

// Conn is the default gorilla/websocket Connection.
type Conn struct {
	dialer *websocket.Dialer

	mut    sync.Mutex
	wmut   sync.Mutex
	conn   *websocket.Conn
	events chan Event
}

var _ Connection = (*Conn)(nil)

func NewConn() *Conn {
	return &Conn{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: WSTimeout,
		},
	}
}

func (c *Conn) Dial(ctx context.Context, addr string) error {
	conn, _, err := c.dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return errors.Wrap(err, "failed to dial")
	}

	events := make(chan Event, WSBuffer)

	c.mut.Lock()
	c.conn = conn
	c.events = events
	c.mut.Unlock()

	go readLoop(conn, events)

	return nil
}

func readLoop(conn *websocket.Conn, events chan<- Event) {
	defer close(events)

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			var cerr *websocket.CloseError
			if errors.As(err, &cerr) {
				err = &CloseError{Code: cerr.Code, Reason: cerr.Text}
			}

			events <- Event{Error: err}
			return
		}

		events <- Event{Data: b}
	}
}

func (c *Conn) Listen() <-chan Event {
	c.mut.Lock()
	defer c.mut.Unlock()

	return c.events
}

func (c *Conn) Send(ctx context.Context, b []byte) error {
	c.mut.Lock()
	conn := c.conn
	c.mut.Unlock()

	if conn == nil {
		return errors.New("send on undialed connection")
	}

	// One concurrent writer per connection.
	c.wmut.Lock()
	defer c.wmut.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return errors.Wrap(err, "failed to set write deadline")
		}
	}

	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) Close() error {
	c.mut.Lock()
	conn := c.conn
	c.conn = nil
	c.mut.Unlock()

	if conn == nil {
		return nil
	}

	// Send the close frame best-effort; the read loop unblocks either way
	// once the underlying connection is gone.
	c.wmut.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(CloseDeadline),
	)
	c.wmut.Unlock()

	return conn.Close()
}
