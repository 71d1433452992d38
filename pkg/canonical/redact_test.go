package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tessera/pkg/event"
)

func memberEvent(content map[string]any) *event.Event {
	sk := "@bob:example.org"
	return &event.Event{
		EventID:        "$m:example.org",
		RoomID:         "!room:example.org",
		Sender:         "@alice:example.org",
		Type:           event.TypeMember,
		StateKey:       &sk,
		Content:        content,
		OriginServerTS: 1700000000000,
	}
}

func TestRedactMemberKeepsMembershipOnly(t *testing.T) {
	ev := memberEvent(map[string]any{
		"membership":                       "join",
		"displayname":                      "Bob",
		"avatar_url":                       "mxc://example.org/abc",
		"join_authorised_via_users_server": "example.org",
	})

	got, err := Redact(ev, "8")
	require.NoError(t, err)
	content := got["content"].(map[string]any)
	assert.Equal(t, map[string]any{"membership": "join"}, content)

	// v9 additionally keeps the restricted-join authorization.
	got, err = Redact(ev, "9")
	require.NoError(t, err)
	content = got["content"].(map[string]any)
	assert.Equal(t, "join", content["membership"])
	assert.Equal(t, "example.org", content["join_authorised_via_users_server"])
	assert.NotContains(t, content, "displayname")
}

func TestRedactCreateKeepsAllContentInV11(t *testing.T) {
	sk := ""
	ev := &event.Event{
		EventID:  "$c:example.org",
		RoomID:   "!room:example.org",
		Sender:   "@alice:example.org",
		Type:     event.TypeCreate,
		StateKey: &sk,
		Content: map[string]any{
			"creator":      "@alice:example.org",
			"room_version": "11",
			"custom_field": "survives in v11",
		},
	}

	got, err := Redact(ev, "11")
	require.NoError(t, err)
	content := got["content"].(map[string]any)
	assert.Equal(t, "survives in v11", content["custom_field"])

	got, err = Redact(ev, "10")
	require.NoError(t, err)
	content = got["content"].(map[string]any)
	assert.NotContains(t, content, "custom_field")
	assert.Equal(t, "@alice:example.org", content["creator"])
}

func TestRedactPowerLevelsInviteAddedInV11(t *testing.T) {
	sk := ""
	ev := &event.Event{
		RoomID: "!room:example.org", Sender: "@alice:example.org",
		Type: event.TypePowerLevels, StateKey: &sk,
		Content: map[string]any{"invite": float64(50), "ban": float64(50), "notifications": map[string]any{"room": float64(50)}},
	}

	got, err := Redact(ev, "10")
	require.NoError(t, err)
	content := got["content"].(map[string]any)
	assert.NotContains(t, content, "invite")
	assert.NotContains(t, content, "notifications")

	got, err = Redact(ev, "11")
	require.NoError(t, err)
	content = got["content"].(map[string]any)
	assert.Contains(t, content, "invite")
}

func TestRedactAliasesDroppedFromV6(t *testing.T) {
	sk := "example.org"
	ev := &event.Event{
		RoomID: "!room:example.org", Sender: "@alice:example.org",
		Type: event.TypeAliases, StateKey: &sk,
		Content: map[string]any{"aliases": []any{"#a:example.org"}},
	}

	got, err := Redact(ev, "5")
	require.NoError(t, err)
	assert.Contains(t, got["content"].(map[string]any), "aliases")

	got, err = Redact(ev, "6")
	require.NoError(t, err)
	assert.Empty(t, got["content"].(map[string]any))
}

func TestRedactUnknownVersionUsesCurrentRules(t *testing.T) {
	ev := memberEvent(map[string]any{
		"membership":                       "join",
		"join_authorised_via_users_server": "example.org",
	})
	got, err := Redact(ev, "org.example.custom")
	require.NoError(t, err)
	content := got["content"].(map[string]any)
	assert.Contains(t, content, "join_authorised_via_users_server")
}

func TestRedactDropsUnknownTopLevelKeys(t *testing.T) {
	ev := memberEvent(map[string]any{"membership": "join"})
	ev.Unsigned = map[string]any{"age_ts": 1}
	got, err := Redact(ev, "10")
	require.NoError(t, err)
	assert.NotContains(t, got, "unsigned")
	assert.Contains(t, got, "origin_server_ts")
	assert.Contains(t, got, "state_key")
}
