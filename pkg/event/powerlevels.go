package event

import "encoding/json"

// Power-level defaults applied when the m.room.power_levels content omits a
// field entirely. Invite defaults to 0 so any joined member may invite
// unless the room raises the bar.
const (
	DefaultPowerUsersDefault  = 0
	DefaultPowerEventsDefault = 0
	DefaultPowerStateDefault  = 50
	DefaultPowerInvite        = 0
	DefaultPowerKick          = 50
	DefaultPowerBan           = 50
	DefaultPowerRedact        = 50
)

// PowerLevels is the decoded m.room.power_levels content.
type PowerLevels struct {
	Users         map[string]int64 `json:"users,omitempty"`
	UsersDefault  int64            `json:"users_default"`
	Events        map[string]int64 `json:"events,omitempty"`
	EventsDefault int64            `json:"events_default"`
	StateDefault  int64            `json:"state_default"`
	Invite        int64            `json:"invite"`
	Kick          int64            `json:"kick"`
	Ban           int64            `json:"ban"`
	Redact        int64            `json:"redact"`
}

// NewPowerLevels returns the defaults for a room with no power_levels event.
func NewPowerLevels() *PowerLevels {
	return &PowerLevels{
		UsersDefault:  DefaultPowerUsersDefault,
		EventsDefault: DefaultPowerEventsDefault,
		StateDefault:  DefaultPowerStateDefault,
		Invite:        DefaultPowerInvite,
		Kick:          DefaultPowerKick,
		Ban:           DefaultPowerBan,
		Redact:        DefaultPowerRedact,
	}
}

// ParsePowerLevels decodes power_levels content, filling defaults for
// missing fields. A nil content map yields the room defaults.
func ParsePowerLevels(content map[string]any) (*PowerLevels, error) {
	pl := NewPowerLevels()
	if len(content) == 0 {
		return pl, nil
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	// Decode over the defaults so absent keys keep their default values.
	if err := json.Unmarshal(raw, pl); err != nil {
		return nil, err
	}
	return pl, nil
}

// UserLevel returns the effective power level for userID.
func (pl *PowerLevels) UserLevel(userID string) int64 {
	if lvl, ok := pl.Users[userID]; ok {
		return lvl
	}
	return pl.UsersDefault
}

// EventLevel returns the level required to send eventType.
func (pl *PowerLevels) EventLevel(eventType string, isState bool) int64 {
	if lvl, ok := pl.Events[eventType]; ok {
		return lvl
	}
	if isState {
		return pl.StateDefault
	}
	return pl.EventsDefault
}

// CanInvite reports whether userID meets the invite threshold.
func (pl *PowerLevels) CanInvite(userID string) bool {
	return pl.UserLevel(userID) >= pl.Invite
}

// CanKick reports whether actor may kick target: actor must meet the kick
// threshold and strictly dominate the target.
func (pl *PowerLevels) CanKick(actor, target string) bool {
	al := pl.UserLevel(actor)
	return al >= pl.Kick && al > pl.UserLevel(target)
}

// CanBan reports whether actor may ban target: actor must meet the ban
// threshold and strictly dominate the target.
func (pl *PowerLevels) CanBan(actor, target string) bool {
	al := pl.UserLevel(actor)
	return al >= pl.Ban && al > pl.UserLevel(target)
}
