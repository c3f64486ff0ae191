// Package gateway implements the client half of the platform's real-time
// event stream: the wire frame codec, a websocket transport with rate limits,
// and the per-shard Session lifecycle (connect, heartbeat, resume, reconnect
// with backoff, graceful close).
//
// This package does not know about commands or dispatch; it exposes a single
// Events channel per Session and leaves everything else to the bot package.
package gateway

import (
	"encoding/json"
	"log"
	"time"

	"golang.org/x/time/rate"
)

var (
	// WSTimeout is the timeout for dialing, handshaking and writing to the
	// gateway before the Session gives the attempt up.
	WSTimeout = 30 * time.Second
	// WSBuffer is the size of the per-session Events channel.
	WSBuffer = 16
	// WSError is the default error handler.
	WSError = func(err error) { log.Println("gateway error:", err) }
	// WSDebug is used for extra debug logging. This is expected to behave
	// similarly to log.Println().
	WSDebug = func(v ...interface{}) {}
)

// NewSendLimiter returns the rate limiter for outgoing frames. The platform
// allows 120 frames per minute per connection; two slots are reserved for
// heartbeats.
func NewSendLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute/118), 118)
}

// NewDialLimiter returns the rate limiter for dialing, one dial per 5
// seconds, matching the platform's identify rate limit.
func NewDialLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(5*time.Second), 1)
}

// OpCode is the operation code of a gateway frame.
type OpCode int

const (
	DispatchOP       OpCode = 0
	HeartbeatOP      OpCode = 1
	IdentifyOP       OpCode = 2
	ResumeOP         OpCode = 6
	ReconnectOP      OpCode = 7
	InvalidSessionOP OpCode = 9
	HelloOP          OpCode = 10
	HeartbeatAckOP   OpCode = 11
)

// Frame is a single decoded gateway payload.
type Frame struct {
	Op   OpCode          `json:"op"`
	Seq  int64           `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// Shard is the (shard ID, shard count) pair sent during identify.
type Shard [2]int

// DefaultShard is the shard pair of an unsharded connection.
func DefaultShard() *Shard {
	s := Shard{0, 1}
	return &s
}

func (s Shard) ShardID() int {
	return s[0]
}

func (s Shard) NumShards() int {
	return s[1]
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // milliseconds
}

// IdentifyProperties is the connection metadata sent during identify.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Properties IdentifyProperties `json:"properties"`
	Shard      *Shard             `json:"shard,omitempty"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type readyData struct {
	SessionID string `json:"session_id"`
	User      User   `json:"user"`
}
