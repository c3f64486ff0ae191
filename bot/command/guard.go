package command

import "github.com/nekobot/nekobot/gateway"

// DenyReason is the specific reason a guard refused an invocation.
type DenyReason uint8

const (
	// ReasonNotAllowed is a plain permission refusal, reported to the
	// invoker.
	ReasonNotAllowed DenyReason = iota
	// ReasonGuildOnly means the command was invoked from a private message.
	// Silent, matching the platform convention.
	ReasonGuildOnly
	// ReasonDisabled means the command is turned off. Silent.
	ReasonDisabled
)

func (r DenyReason) String() string {
	switch r {
	case ReasonNotAllowed:
		return "not allowed"
	case ReasonGuildOnly:
		return "guild only"
	case ReasonDisabled:
		return "disabled"
	default:
		return "denied"
	}
}

// CheckError is returned by a failing guard.
type CheckError struct {
	Reason DenyReason
}

func (e *CheckError) Error() string {
	return "check failed: " + e.Reason.String()
}

// Guard is a predicate gating command execution. A nil return allows the
// invocation; guards run in registration order and short-circuit on the
// first failure.
type Guard func(inv *Invocation) *CheckError

// GuildOnly refuses invocations from private messages.
func GuildOnly() Guard {
	return func(inv *Invocation) *CheckError {
		if !inv.GuildID.IsValid() {
			return &CheckError{Reason: ReasonGuildOnly}
		}
		return nil
	}
}

// OwnerOnly refuses everyone but the configured owner.
func OwnerOnly(ownerID gateway.Snowflake) Guard {
	return func(inv *Invocation) *CheckError {
		if inv.AuthorID != ownerID {
			return &CheckError{Reason: ReasonNotAllowed}
		}
		return nil
	}
}

// Disabled refuses everything. Kept for turning a command off without
// unregistering it.
func Disabled() Guard {
	return func(inv *Invocation) *CheckError {
		return &CheckError{Reason: ReasonDisabled}
	}
}
