package gateway

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// EventKind tags an InboundEvent at the dispatch boundary.
type EventKind uint8

const (
	// KindOther covers every event the dispatcher has no special handling
	// for. Raw and Type still carry the full payload.
	KindOther EventKind = iota
	KindMessage
	KindPresence
)

// InboundEvent is one normalized event produced by a Session. It is immutable
// and consumed exactly once by the dispatch pipeline.
type InboundEvent struct {
	ShardID int
	Kind    EventKind
	Type    string
	Raw     json.RawMessage

	// Message is non-nil if and only if Kind is KindMessage.
	Message *Message
}

// User is the author of a message.
type User struct {
	ID       Snowflake `json:"id"`
	Username string    `json:"username"`
	Bot      bool      `json:"bot,omitempty"`
}

// Message is the payload of a MESSAGE_CREATE event.
type Message struct {
	ID        Snowflake `json:"id"`
	ChannelID Snowflake `json:"channel_id"`
	GuildID   Snowflake `json:"guild_id,omitempty"`
	Author    User      `json:"author"`
	Content   string    `json:"content"`
}

// decodeEvent normalizes a dispatch frame into an InboundEvent.
func decodeEvent(shardID int, f Frame) (InboundEvent, error) {
	ev := InboundEvent{
		ShardID: shardID,
		Kind:    KindOther,
		Type:    f.Type,
		Raw:     f.Data,
	}

	switch f.Type {
	case "MESSAGE_CREATE":
		msg := &Message{}
		if err := json.Unmarshal(f.Data, msg); err != nil {
			return ev, errors.Wrap(err, "failed to decode MESSAGE_CREATE")
		}

		ev.Kind = KindMessage
		ev.Message = msg

	case "PRESENCE_UPDATE":
		ev.Kind = KindPresence
	}

	return ev, nil
}
