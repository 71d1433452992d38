package canonical

import (
	"strconv"

	"github.com/Mindburn-Labs/tessera/pkg/event"
)

// Redact applies the Matrix redaction algorithm for the given room version
// and returns the surviving event as a generic map. Top-level protocol keys
// are kept; content is filtered down to the per-type allow list.
func Redact(ev *event.Event, roomVersion string) (map[string]any, error) {
	m, err := eventMap(ev)
	if err != nil {
		return nil, err
	}

	kept := map[string]bool{
		"event_id": true, "type": true, "room_id": true, "sender": true,
		"state_key": true, "content": true, "hashes": true, "signatures": true,
		"depth": true, "prev_events": true, "auth_events": true,
		"origin_server_ts": true,
	}
	if versionNum(roomVersion) < 11 {
		// v11 dropped these from the preserved top-level set.
		kept["origin"] = true
		kept["membership"] = true
		kept["prev_state"] = true
	}
	for k := range m {
		if !kept[k] {
			delete(m, k)
		}
	}

	content, _ := m["content"].(map[string]any)
	m["content"] = preservedContent(ev.Type, content, roomVersion)
	return m, nil
}

// preservedContent filters event content down to the fields redaction keeps
// for this event type in this room version.
func preservedContent(eventType string, content map[string]any, roomVersion string) map[string]any {
	v := versionNum(roomVersion)

	var fields []string
	switch eventType {
	case event.TypeMember:
		fields = []string{"membership"}
		if v >= 9 {
			fields = append(fields, "join_authorised_via_users_server")
		}
	case event.TypeCreate:
		if v >= 11 {
			// v11 keeps the entire create content.
			out := make(map[string]any, len(content))
			for k, val := range content {
				out[k] = val
			}
			return out
		}
		fields = []string{"creator", "m.federate", "room_version"}
	case event.TypeJoinRules:
		fields = []string{"join_rule"}
		if v >= 9 {
			fields = append(fields, "allow")
		}
	case event.TypePowerLevels:
		fields = []string{
			"ban", "events", "events_default", "kick", "redact",
			"state_default", "users", "users_default",
		}
		if v >= 11 {
			fields = append(fields, "invite")
		}
	case event.TypeHistoryVis:
		fields = []string{"history_visibility"}
	case event.TypeAliases:
		if v <= 5 {
			fields = []string{"aliases"}
		}
	case "m.room.redaction":
		if v >= 11 {
			fields = []string{"redacts"}
		}
	}

	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if val, ok := content[f]; ok {
			out[f] = val
		}
	}
	return out
}

// versionNum parses a numeric room version. Unrecognized versions (future
// or vendored strings) get current-version semantics rather than the legacy
// v1 rules.
func versionNum(roomVersion string) int {
	n, err := strconv.Atoi(roomVersion)
	if err != nil || n < 1 {
		return 11
	}
	return n
}
