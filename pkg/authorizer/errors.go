package authorizer

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/tessera/pkg/event"
)

var (
	// ErrRoomNotFound means the room has no create event known to this
	// server.
	ErrRoomNotFound = errors.New("authorizer: room not found")

	// ErrForbidden is the generic policy denial. More specific failures
	// wrap it so callers can match either way.
	ErrForbidden = errors.New("authorizer: forbidden")

	// ErrUnableToAuthorise means a restricted join could not be granted:
	// the user matches no allow condition, or no local user has the power
	// to stand as the authorising member.
	ErrUnableToAuthorise = errors.New("authorizer: unable to authorise join")

	// ErrUnableToGrantJoin means the room's restricted allow list cannot
	// ever be satisfied through this server, e.g. it is empty or names
	// only condition types we do not understand.
	ErrUnableToGrantJoin = errors.New("authorizer: unable to grant join")
)

// InsufficientPowerError reports a power-level check failure.
type InsufficientPowerError struct {
	Action      Action
	Actor       string
	ActorLevel  int64
	Required    int64
	Target      string
	TargetLevel int64
}

func (e *InsufficientPowerError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("authorizer: %s by %s (level %d) on %s (level %d) needs level %d with strict dominance",
			e.Action, e.Actor, e.ActorLevel, e.Target, e.TargetLevel, e.Required)
	}
	return fmt.Sprintf("authorizer: %s by %s (level %d) needs level %d",
		e.Action, e.Actor, e.ActorLevel, e.Required)
}

func (e *InsufficientPowerError) Unwrap() error { return ErrForbidden }

// InvalidTransitionError reports a membership change the state machine
// does not permit, e.g. ban directly to join.
type InvalidTransitionError struct {
	From, To event.Membership
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("authorizer: membership cannot change %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrForbidden }
