// Package authorizer decides membership transitions: the membership state
// machine, power-level checks and join-rule evaluation, serialized per
// (room, user) so concurrent requests cannot interleave their
// read-evaluate-write cycles.
package authorizer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/tessera/pkg/event"
	"github.com/Mindburn-Labs/tessera/pkg/observability"
)

// Action is a requested membership operation. Kick and Unban are distinct
// from Leave even though all three land on the leave state: they carry
// different power requirements.
type Action int

const (
	ActionJoin Action = iota
	ActionLeave
	ActionKick
	ActionInvite
	ActionBan
	ActionUnban
	ActionKnock
)

func (a Action) String() string {
	switch a {
	case ActionJoin:
		return "join"
	case ActionLeave:
		return "leave"
	case ActionKick:
		return "kick"
	case ActionInvite:
		return "invite"
	case ActionBan:
		return "ban"
	case ActionUnban:
		return "unban"
	case ActionKnock:
		return "knock"
	default:
		return "unknown"
	}
}

// result is the membership state the action lands on.
func (a Action) result() event.Membership {
	switch a {
	case ActionJoin:
		return event.MembershipJoin
	case ActionInvite:
		return event.MembershipInvite
	case ActionBan:
		return event.MembershipBan
	case ActionKnock:
		return event.MembershipKnock
	default: // leave, kick, unban
		return event.MembershipLeave
	}
}

// RoomStore is the room-state backend the authorizer evaluates against.
// Membership returns nil (not an error) for users with no membership row.
type RoomStore interface {
	RoomExists(ctx context.Context, roomID string) (bool, error)
	Membership(ctx context.Context, roomID, userID string) (*event.MemberInfo, error)
	PowerLevels(ctx context.Context, roomID string) (*event.PowerLevels, error)
	JoinRule(ctx context.Context, roomID string) (event.JoinRule, error)
	LocalJoinedMembers(ctx context.Context, roomID string) ([]string, error)
	SetMembership(ctx context.Context, info *event.MemberInfo) error
}

// Decision is a granted transition.
type Decision struct {
	RoomID string
	Target string
	From   event.Membership
	To     event.Membership
	// AuthorisedVia is the local user standing as authorising member for
	// a restricted join, empty otherwise.
	AuthorisedVia string
	// NoOp marks an idempotent transition onto the current state.
	NoOp bool
}

// Request describes a membership operation. Actor performs it, Target is
// affected; for join, leave and knock they are the same user.
type Request struct {
	RoomID string
	Actor  string
	Target string
	Action Action
	Reason string
}

// Authorizer evaluates membership requests.
type Authorizer struct {
	store      RoomStore
	locks      *lockTable
	serverName string
	logger     *slog.Logger
	obs        *observability.Provider
}

func New(store RoomStore, serverName string, obs *observability.Provider) *Authorizer {
	return &Authorizer{
		store:      store,
		locks:      newLockTable(),
		serverName: serverName,
		logger:     slog.Default().With("component", "authorizer"),
		obs:        obs,
	}
}

// Authorize evaluates a request without applying it. It takes the same
// (room, target) lock as Transition, so its answer is consistent with any
// concurrent writes.
func (a *Authorizer) Authorize(ctx context.Context, req Request) (d *Decision, err error) {
	if a.obs != nil {
		done := a.obs.TrackOperation(ctx, "authorizer.authorize")
		defer func() { done(err) }()
	}
	release := a.locks.acquire(req.RoomID + "\x00" + req.Target)
	defer release()
	return a.evaluate(ctx, req)
}

// Transition evaluates a request and, when granted, writes the resulting
// membership. The lock is held across read, evaluation and write: two
// racing requests serialize, and the second sees the first one's outcome.
func (a *Authorizer) Transition(ctx context.Context, req Request) (d *Decision, err error) {
	if a.obs != nil {
		done := a.obs.TrackOperation(ctx, "authorizer.transition")
		defer func() { done(err) }()
	}
	release := a.locks.acquire(req.RoomID + "\x00" + req.Target)
	defer release()

	d, err = a.evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	if d.NoOp {
		return d, nil
	}

	info := &event.MemberInfo{
		RoomID:        req.RoomID,
		UserID:        req.Target,
		Membership:    d.To,
		Reason:        req.Reason,
		AuthorisedVia: d.AuthorisedVia,
		UpdatedTS:     time.Now().UnixMilli(),
	}
	if req.Action == ActionInvite {
		info.InvitedBy = req.Actor
	}
	if err := a.store.SetMembership(ctx, info); err != nil {
		return nil, fmt.Errorf("authorizer: persist membership %s/%s: %w", req.RoomID, req.Target, err)
	}
	a.logger.Info("membership transition",
		"room_id", req.RoomID, "target", req.Target, "actor", req.Actor,
		"action", req.Action.String(), "from", d.From.String(), "to", d.To.String())
	return d, nil
}

func (a *Authorizer) evaluate(ctx context.Context, req Request) (*Decision, error) {
	exists, err := a.store.RoomExists(ctx, req.RoomID)
	if err != nil {
		return nil, fmt.Errorf("authorizer: room lookup %s: %w", req.RoomID, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, req.RoomID)
	}

	action := req.Action
	// Self-kick is just a leave.
	if action == ActionKick && req.Actor == req.Target {
		action = ActionLeave
	}

	from, err := a.membershipState(ctx, req.RoomID, req.Target)
	if err != nil {
		return nil, err
	}
	to := action.result()

	d := &Decision{RoomID: req.RoomID, Target: req.Target, From: from, To: to}

	// Idempotent transitions are allowed but change nothing. A repeated
	// ban by an unprivileged actor is still a no-op grant, not an
	// escalation, since the state is already ban.
	if from == to && action != ActionUnban {
		d.NoOp = true
		return d, nil
	}

	// Ban is sticky: only an unban moves a banned user, and nobody
	// banned may act.
	if from == event.MembershipBan && action != ActionUnban {
		return nil, fmt.Errorf("%w: %s is banned from %s", ErrForbidden, req.Target, req.RoomID)
	}
	if req.Actor != req.Target {
		actorFrom, err := a.membershipState(ctx, req.RoomID, req.Actor)
		if err != nil {
			return nil, err
		}
		if actorFrom != event.MembershipJoin {
			return nil, fmt.Errorf("%w: actor %s is not joined to %s", ErrForbidden, req.Actor, req.RoomID)
		}
	}

	if !transitionAllowed(from, to) {
		return nil, &InvalidTransitionError{From: from, To: to}
	}

	switch action {
	case ActionJoin:
		if req.Actor != req.Target {
			return nil, fmt.Errorf("%w: join must be performed by the joining user", ErrForbidden)
		}
		if err := a.evaluateJoin(ctx, req.RoomID, req.Target, from, d); err != nil {
			return nil, err
		}

	case ActionKnock:
		if req.Actor != req.Target {
			return nil, fmt.Errorf("%w: knock must be performed by the knocking user", ErrForbidden)
		}
		rule, err := a.store.JoinRule(ctx, req.RoomID)
		if err != nil {
			return nil, fmt.Errorf("authorizer: join rule %s: %w", req.RoomID, err)
		}
		if !rule.Knockable() {
			return nil, fmt.Errorf("%w: room %s does not accept knocks (rule %s)", ErrForbidden, req.RoomID, rule.Raw)
		}

	case ActionLeave:
		if req.Actor != req.Target {
			return nil, fmt.Errorf("%w: leave must be performed by the leaving user (use kick)", ErrForbidden)
		}

	case ActionInvite:
		if err := a.checkPower(ctx, req, ActionInvite); err != nil {
			return nil, err
		}

	case ActionKick:
		if err := a.checkPower(ctx, req, ActionKick); err != nil {
			return nil, err
		}

	case ActionBan:
		if req.Actor == req.Target {
			return nil, fmt.Errorf("%w: cannot ban yourself", ErrForbidden)
		}
		if err := a.checkPower(ctx, req, ActionBan); err != nil {
			return nil, err
		}

	case ActionUnban:
		if from != event.MembershipBan {
			return nil, &InvalidTransitionError{From: from, To: to}
		}
		if req.Actor == req.Target {
			return nil, fmt.Errorf("%w: cannot unban yourself", ErrForbidden)
		}
		if err := a.checkPower(ctx, req, ActionUnban); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// transitionAllowed is the membership state machine. Kick, unban and leave
// all arrive here as a transition onto leave.
func transitionAllowed(from, to event.Membership) bool {
	switch from {
	case event.MembershipLeave:
		return to == event.MembershipJoin || to == event.MembershipInvite ||
			to == event.MembershipBan || to == event.MembershipKnock
	case event.MembershipJoin:
		return to == event.MembershipLeave || to == event.MembershipBan
	case event.MembershipInvite:
		return to == event.MembershipJoin || to == event.MembershipLeave ||
			to == event.MembershipBan
	case event.MembershipBan:
		return to == event.MembershipLeave
	case event.MembershipKnock:
		return to == event.MembershipInvite || to == event.MembershipLeave ||
			to == event.MembershipBan
	default:
		return false
	}
}

// evaluateJoin applies the room's join rule for a self-join.
func (a *Authorizer) evaluateJoin(ctx context.Context, roomID, userID string, from event.Membership, d *Decision) error {
	// A standing invite admits the user under every join rule.
	if from == event.MembershipInvite {
		return nil
	}

	rule, err := a.store.JoinRule(ctx, roomID)
	if err != nil {
		return fmt.Errorf("authorizer: join rule %s: %w", roomID, err)
	}
	switch rule.Kind {
	case event.JoinRulePublic:
		return nil
	case event.JoinRuleInvite, event.JoinRulePrivate, event.JoinRuleKnock:
		return fmt.Errorf("%w: room %s requires an invite (rule %s)", ErrForbidden, roomID, rule.Raw)
	case event.JoinRuleRestricted, event.JoinRuleKnockRestricted:
		return a.evaluateRestrictedJoin(ctx, roomID, userID, rule, d)
	default:
		// Unknown join rules fail closed.
		return fmt.Errorf("%w: room %s has unrecognized join rule %q", ErrForbidden, roomID, rule.Raw)
	}
}

// evaluateRestrictedJoin checks the allow conditions of a restricted room
// and selects the local authorising member.
func (a *Authorizer) evaluateRestrictedJoin(ctx context.Context, roomID, userID string, rule event.JoinRule, d *Decision) error {
	usable := false
	matched := false
	for _, cond := range rule.Allow {
		// Unknown condition types never grant access.
		if cond.Type != event.AllowConditionMembership || cond.RoomID == "" {
			continue
		}
		usable = true
		info, err := a.store.Membership(ctx, cond.RoomID, userID)
		if err != nil {
			return fmt.Errorf("authorizer: allow-condition lookup %s/%s: %w", cond.RoomID, userID, err)
		}
		if info != nil && info.Membership == event.MembershipJoin {
			matched = true
			break
		}
	}
	if !usable {
		// No condition this server could ever evaluate in the user's
		// favor; distinct from the user simply not qualifying.
		return fmt.Errorf("%w: room %s has no usable allow conditions", ErrUnableToGrantJoin, roomID)
	}
	if !matched {
		return fmt.Errorf("%w: %s matches no allow condition of %s", ErrUnableToAuthorise, userID, roomID)
	}

	// The join event must name a local member with invite power as the
	// authorising user.
	authoriser, err := a.selectAuthorisingUser(ctx, roomID)
	if err != nil {
		return err
	}
	d.AuthorisedVia = authoriser
	return nil
}

func (a *Authorizer) selectAuthorisingUser(ctx context.Context, roomID string) (string, error) {
	pl, err := a.store.PowerLevels(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("authorizer: power levels %s: %w", roomID, err)
	}
	locals, err := a.store.LocalJoinedMembers(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("authorizer: local members %s: %w", roomID, err)
	}
	for _, member := range locals {
		if pl.CanInvite(member) {
			return member, nil
		}
	}
	return "", fmt.Errorf("%w: no local member of %s may authorise joins", ErrUnableToAuthorise, roomID)
}

// checkPower enforces the power-level requirements for invite, kick, ban
// and unban. Ban, unban and kick require strict dominance over the target;
// invite only requires meeting the invite threshold.
func (a *Authorizer) checkPower(ctx context.Context, req Request, action Action) error {
	pl, err := a.store.PowerLevels(ctx, req.RoomID)
	if err != nil {
		return fmt.Errorf("authorizer: power levels %s: %w", req.RoomID, err)
	}
	actorLevel := pl.UserLevel(req.Actor)
	targetLevel := pl.UserLevel(req.Target)

	switch action {
	case ActionInvite:
		if actorLevel < pl.Invite {
			return &InsufficientPowerError{
				Action: action, Actor: req.Actor, ActorLevel: actorLevel, Required: pl.Invite,
			}
		}
	case ActionKick:
		if actorLevel < pl.Kick || actorLevel <= targetLevel {
			return &InsufficientPowerError{
				Action: action, Actor: req.Actor, ActorLevel: actorLevel, Required: pl.Kick,
				Target: req.Target, TargetLevel: targetLevel,
			}
		}
	case ActionBan, ActionUnban:
		if actorLevel < pl.Ban || actorLevel <= targetLevel {
			return &InsufficientPowerError{
				Action: action, Actor: req.Actor, ActorLevel: actorLevel, Required: pl.Ban,
				Target: req.Target, TargetLevel: targetLevel,
			}
		}
	}
	return nil
}

func (a *Authorizer) membershipState(ctx context.Context, roomID, userID string) (event.Membership, error) {
	info, err := a.store.Membership(ctx, roomID, userID)
	if err != nil {
		return event.MembershipLeave, fmt.Errorf("authorizer: membership lookup %s/%s: %w", roomID, userID, err)
	}
	if info == nil {
		return event.MembershipLeave, nil
	}
	return info.Membership, nil
}
