package event

// Membership is the closed set of m.room.member states. Unrecognized wire
// values parse to MembershipUnknown so policy code fails closed instead of
// treating garbage as "leave".
type Membership int

const (
	MembershipLeave Membership = iota // also "no membership yet"
	MembershipInvite
	MembershipJoin
	MembershipBan
	MembershipKnock
	MembershipUnknown
)

// ParseMembership maps a wire string onto the closed membership set.
func ParseMembership(s string) Membership {
	switch s {
	case "leave", "":
		return MembershipLeave
	case "invite":
		return MembershipInvite
	case "join":
		return MembershipJoin
	case "ban":
		return MembershipBan
	case "knock":
		return MembershipKnock
	default:
		return MembershipUnknown
	}
}

func (m Membership) String() string {
	switch m {
	case MembershipLeave:
		return "leave"
	case MembershipInvite:
		return "invite"
	case MembershipJoin:
		return "join"
	case MembershipBan:
		return "ban"
	case MembershipKnock:
		return "knock"
	default:
		return "unknown"
	}
}

// MemberInfo is the stored membership row for a (room, user) pair,
// mirroring the m.room.member content plus bookkeeping columns.
type MemberInfo struct {
	RoomID        string
	UserID        string
	Membership    Membership
	DisplayName   string
	AvatarURL     string
	Reason        string
	InvitedBy     string
	IsDirect      bool
	AuthorisedVia string // join_authorised_via_users_server
	EventID       string
	UpdatedTS     int64
}

// MemberContent renders the m.room.member event content for this row.
func (m *MemberInfo) MemberContent() map[string]any {
	c := map[string]any{"membership": m.Membership.String()}
	if m.DisplayName != "" {
		c["displayname"] = m.DisplayName
	}
	if m.AvatarURL != "" {
		c["avatar_url"] = m.AvatarURL
	}
	if m.Reason != "" {
		c["reason"] = m.Reason
	}
	if m.IsDirect {
		c["is_direct"] = true
	}
	if m.AuthorisedVia != "" {
		c["join_authorised_via_users_server"] = m.AuthorisedVia
	}
	return c
}
