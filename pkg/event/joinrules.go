package event

// JoinRuleKind is the closed set of m.room.join_rules values. Anything the
// parser does not recognize becomes JoinRuleUnknown, which every policy path
// treats as a denial.
type JoinRuleKind int

const (
	JoinRulePublic JoinRuleKind = iota
	JoinRuleInvite
	JoinRuleKnock
	JoinRuleRestricted
	JoinRuleKnockRestricted
	JoinRulePrivate
	JoinRuleUnknown
)

func (k JoinRuleKind) String() string {
	switch k {
	case JoinRulePublic:
		return "public"
	case JoinRuleInvite:
		return "invite"
	case JoinRuleKnock:
		return "knock"
	case JoinRuleRestricted:
		return "restricted"
	case JoinRuleKnockRestricted:
		return "knock_restricted"
	case JoinRulePrivate:
		return "private"
	default:
		return "unknown"
	}
}

// AllowCondition is one entry of a restricted room's allow list. Only
// "m.room_membership" conditions grant access; other types are preserved
// for round-tripping but never match.
type AllowCondition struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id,omitempty"`
}

// AllowConditionMembership is the only allow-condition type with defined
// semantics: membership in the referenced room grants the join.
const AllowConditionMembership = "m.room_membership"

// JoinRule is the decoded m.room.join_rules content. Raw keeps the wire
// string so unknown rules stay observable in logs.
type JoinRule struct {
	Kind  JoinRuleKind
	Raw   string
	Allow []AllowCondition
}

// ParseJoinRule decodes join_rules content. A room with no join_rules event
// (nil content) defaults to invite-only, matching room-creation semantics.
func ParseJoinRule(content map[string]any) JoinRule {
	if len(content) == 0 {
		return JoinRule{Kind: JoinRuleInvite, Raw: "invite"}
	}
	raw, _ := content["join_rule"].(string)
	jr := JoinRule{Raw: raw}
	switch raw {
	case "public":
		jr.Kind = JoinRulePublic
	case "invite":
		jr.Kind = JoinRuleInvite
	case "knock":
		jr.Kind = JoinRuleKnock
	case "restricted":
		jr.Kind = JoinRuleRestricted
	case "knock_restricted":
		jr.Kind = JoinRuleKnockRestricted
	case "private":
		jr.Kind = JoinRulePrivate
	default:
		jr.Kind = JoinRuleUnknown
	}
	if jr.Kind == JoinRuleRestricted || jr.Kind == JoinRuleKnockRestricted {
		if allow, ok := content["allow"].([]any); ok {
			for _, a := range allow {
				cond, ok := a.(map[string]any)
				if !ok {
					continue
				}
				c := AllowCondition{}
				c.Type, _ = cond["type"].(string)
				c.RoomID, _ = cond["room_id"].(string)
				jr.Allow = append(jr.Allow, c)
			}
		}
	}
	return jr
}

// Restricted reports whether the rule carries an allow list that can admit
// members of other rooms.
func (jr JoinRule) Restricted() bool {
	return jr.Kind == JoinRuleRestricted || jr.Kind == JoinRuleKnockRestricted
}

// Knockable reports whether knocking is a defined entry path for the rule.
func (jr JoinRule) Knockable() bool {
	return jr.Kind == JoinRuleKnock || jr.Kind == JoinRuleKnockRestricted
}
