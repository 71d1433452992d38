// Package event defines the wire-level Matrix event model shared by the
// signing, authorization and graph-assembly engines.
package event

import (
	"fmt"
	"strings"
)

// Event is a Matrix persistent data unit (PDU). Fields map 1:1 to the
// federation wire format; optional fields are omitted when empty so the
// struct can round-trip through canonical JSON without injecting nulls.
type Event struct {
	EventID        string                       `json:"event_id,omitempty"`
	RoomID         string                       `json:"room_id"`
	Sender         string                       `json:"sender"`
	Type           string                       `json:"type"`
	StateKey       *string                      `json:"state_key,omitempty"`
	Content        map[string]any               `json:"content"`
	OriginServerTS int64                        `json:"origin_server_ts"`
	Depth          int64                        `json:"depth,omitempty"`
	PrevEvents     []string                     `json:"prev_events,omitempty"`
	AuthEvents     []string                     `json:"auth_events,omitempty"`
	Redacts        string                       `json:"redacts,omitempty"`
	Hashes         map[string]string            `json:"hashes,omitempty"`
	Signatures     map[string]map[string]string `json:"signatures,omitempty"`
	Unsigned       map[string]any               `json:"unsigned,omitempty"`
}

// State event types the engine dispatches on.
const (
	TypeCreate      = "m.room.create"
	TypeMember      = "m.room.member"
	TypePowerLevels = "m.room.power_levels"
	TypeJoinRules   = "m.room.join_rules"
	TypeHistoryVis  = "m.room.history_visibility"
	TypeAliases     = "m.room.aliases"
)

// IsState reports whether the event carries a state key.
func (e *Event) IsState() bool { return e.StateKey != nil }

// StateKeyOr returns the state key or def when the event is not a state event.
func (e *Event) StateKeyOr(def string) string {
	if e.StateKey == nil {
		return def
	}
	return *e.StateKey
}

// SetSignature records sig for (serverName, keyID), allocating maps as needed.
func (e *Event) SetSignature(serverName, keyID, sig string) {
	if e.Signatures == nil {
		e.Signatures = make(map[string]map[string]string, 1)
	}
	if e.Signatures[serverName] == nil {
		e.Signatures[serverName] = make(map[string]string, 1)
	}
	e.Signatures[serverName][keyID] = sig
}

// SignedBy reports whether the event carries any signature from serverName.
func (e *Event) SignedBy(serverName string) bool {
	return len(e.Signatures[serverName]) > 0
}

// UserDomain extracts the server part of a Matrix identifier such as
// "@alice:example.org" or "!room:example.org". The domain is everything
// after the first colon, so ports ("example.org:8448") survive intact.
func UserDomain(id string) (string, error) {
	i := strings.IndexByte(id, ':')
	if i < 0 || i == len(id)-1 {
		return "", fmt.Errorf("event: identifier %q has no server part", id)
	}
	return id[i+1:], nil
}
