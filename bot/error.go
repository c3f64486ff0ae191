package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/nekobot/nekobot/bot/command"
)

// ErrorKind routes a failed invocation: stay quiet, tell the invoker, or tell
// the operator.
type ErrorKind int

const (
	// KindSilent failures produce no user-visible response.
	KindSilent ErrorKind = iota
	// KindUserFacing failures produce a short, auto-expiring notice.
	KindUserFacing
	// KindReportable failures produce a generic notice and a structured
	// incident record for the operator.
	KindReportable
)

// Platform-side failures handlers may surface.
var (
	ErrForbidden = errors.New("forbidden by platform")
	ErrNotFound  = errors.New("not found on platform")
)

// UsageError means the invocation had bad or missing arguments; the invoker
// gets the command's help text.
type UsageError struct {
	Command string
	Usage   string
	Hint    string
}

func (e *UsageError) Error() string {
	if e.Hint != "" {
		return "invalid usage of " + e.Command + ": " + e.Hint
	}
	return "invalid usage of " + e.Command
}

// CooldownError means the (user, command) bucket is exhausted.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("on cooldown for another %s", e.Remaining)
}

// Classify maps an invocation failure to its ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindSilent
	}

	// Shutdown races are not incidents.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindSilent
	}

	if errors.Is(err, ErrForbidden) || errors.Is(err, ErrNotFound) {
		return KindSilent
	}

	var cerr *command.CheckError
	if errors.As(err, &cerr) {
		switch cerr.Reason {
		case command.ReasonGuildOnly, command.ReasonDisabled:
			return KindSilent
		default:
			return KindUserFacing
		}
	}

	var uerr *UsageError
	if errors.As(err, &uerr) {
		return KindUserFacing
	}

	var cderr *CooldownError
	if errors.As(err, &cderr) {
		return KindUserFacing
	}

	return KindReportable
}
