// Package dag places new events into a room's event graph: depth
// assignment, prev_events selection from the forward extremities and
// auth_events selection from current state.
package dag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/tessera/pkg/event"
)

// ErrMissingCreateEvent means the room has no m.room.create in current
// state. Nothing can be authorized against such a room; this is fatal for
// the operation, never silently skipped.
var ErrMissingCreateEvent = errors.New("dag: room has no create event")

// DefaultPrevEventLimit bounds prev_events fan-out. Three parents are
// enough to converge extremities quickly without bloating events.
const DefaultPrevEventLimit = 3

// maxPrevEventLimit is the protocol ceiling on prev_events.
const maxPrevEventLimit = 20

// Store is the graph-state backend.
type Store interface {
	// MaxDepth returns the highest depth in the room, 0 for an empty room.
	MaxDepth(ctx context.Context, roomID string) (int64, error)
	// ForwardExtremities returns event IDs nothing references yet,
	// deepest first, at most limit.
	ForwardExtremities(ctx context.Context, roomID string, limit int) ([]string, error)
	// CurrentStateEventID resolves (type, state_key) in current state to
	// an event ID, "" when absent.
	CurrentStateEventID(ctx context.Context, roomID, eventType, stateKey string) (string, error)
}

// Assembler computes graph placement for new events.
type Assembler struct {
	store  Store
	logger *slog.Logger
}

func NewAssembler(store Store) *Assembler {
	return &Assembler{
		store:  store,
		logger: slog.Default().With("component", "dag"),
	}
}

// NextDepth returns the depth for a new event: one past the deepest known
// event, and at least 1.
func (a *Assembler) NextDepth(ctx context.Context, roomID string) (int64, error) {
	max, err := a.store.MaxDepth(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("dag: max depth %s: %w", roomID, err)
	}
	if max < 0 {
		max = 0
	}
	return max + 1, nil
}

// SelectPrevEvents picks the new event's parents: the deepest forward
// extremities, bounded by limit (0 means DefaultPrevEventLimit). An empty
// result is valid only for the room's first event.
func (a *Assembler) SelectPrevEvents(ctx context.Context, roomID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultPrevEventLimit
	}
	if limit > maxPrevEventLimit {
		limit = maxPrevEventLimit
	}
	prev, err := a.store.ForwardExtremities(ctx, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("dag: forward extremities %s: %w", roomID, err)
	}
	return prev, nil
}

// SelectAuthEvents picks the auth chain for a new event: the create event
// and current power_levels always; for member events additionally the
// current join_rules, the target's current membership and, when sender and
// target differ, the sender's membership (it proves the sender's right to
// act). Result is deduplicated, create first.
func (a *Assembler) SelectAuthEvents(ctx context.Context, roomID, eventType, sender, stateKey string) ([]string, error) {
	createID, err := a.store.CurrentStateEventID(ctx, roomID, event.TypeCreate, "")
	if err != nil {
		return nil, fmt.Errorf("dag: create lookup %s: %w", roomID, err)
	}
	if createID == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingCreateEvent, roomID)
	}

	ids := []string{createID}
	seen := map[string]bool{createID: true}
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	plID, err := a.store.CurrentStateEventID(ctx, roomID, event.TypePowerLevels, "")
	if err != nil {
		return nil, fmt.Errorf("dag: power_levels lookup %s: %w", roomID, err)
	}
	add(plID)

	if eventType == event.TypeMember {
		jrID, err := a.store.CurrentStateEventID(ctx, roomID, event.TypeJoinRules, "")
		if err != nil {
			return nil, fmt.Errorf("dag: join_rules lookup %s: %w", roomID, err)
		}
		add(jrID)

		targetID, err := a.store.CurrentStateEventID(ctx, roomID, event.TypeMember, stateKey)
		if err != nil {
			return nil, fmt.Errorf("dag: target membership lookup %s: %w", roomID, err)
		}
		add(targetID)

		if sender != stateKey {
			senderID, err := a.store.CurrentStateEventID(ctx, roomID, event.TypeMember, sender)
			if err != nil {
				return nil, fmt.Errorf("dag: sender membership lookup %s: %w", roomID, err)
			}
			add(senderID)
		}
	}

	a.logger.Debug("selected auth events",
		"room_id", roomID, "type", eventType, "count", len(ids))
	return ids, nil
}

// Place fills in Depth, PrevEvents and AuthEvents on a new event.
func (a *Assembler) Place(ctx context.Context, ev *event.Event) error {
	depth, err := a.NextDepth(ctx, ev.RoomID)
	if err != nil {
		return err
	}
	prev, err := a.SelectPrevEvents(ctx, ev.RoomID, 0)
	if err != nil {
		return err
	}
	auth, err := a.SelectAuthEvents(ctx, ev.RoomID, ev.Type, ev.Sender, ev.StateKeyOr(""))
	if err != nil {
		return err
	}
	ev.Depth = depth
	ev.PrevEvents = prev
	ev.AuthEvents = auth
	return nil
}
