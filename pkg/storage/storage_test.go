package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/tessera/pkg/event"
	"github.com/Mindburn-Labs/tessera/pkg/keystore"
)

const (
	room        = "!room:example.org"
	localServer = "example.org"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// One in-memory database per test; the pool must not open a second,
	// empty copy.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := NewSQLStore(db, localServer)
	require.NoError(t, store.Init(context.Background()))
	return store
}

func stateEvent(id, eventType, stateKey, sender string, depth int64, content map[string]any, prev []string) *event.Event {
	return &event.Event{
		EventID:        id,
		RoomID:         room,
		Type:           eventType,
		StateKey:       &stateKey,
		Sender:         sender,
		Content:        content,
		OriginServerTS: time.Now().UnixMilli(),
		Depth:          depth,
		PrevEvents:     prev,
		AuthEvents:     []string{},
	}
}

func TestRoomLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	exists, err := store.RoomExists(ctx, room)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.RoomVersion(ctx, room)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.CreateRoom(ctx, room, "10"))

	exists, err = store.RoomExists(ctx, room)
	require.NoError(t, err)
	assert.True(t, exists)

	v, err := store.RoomVersion(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, "10", v)
}

func TestExtremityMaintenance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRoom(ctx, room, "11"))

	require.NoError(t, store.InsertEvent(ctx,
		stateEvent("$create", event.TypeCreate, "", "@alice:example.org", 1, map[string]any{"room_version": "11"}, nil)))

	ext, err := store.ForwardExtremities(ctx, room, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"$create"}, ext)

	// A child replaces its parent in the extremity set.
	require.NoError(t, store.InsertEvent(ctx,
		stateEvent("$pl", event.TypePowerLevels, "", "@alice:example.org", 2, map[string]any{}, []string{"$create"})))

	ext, err = store.ForwardExtremities(ctx, room, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"$pl"}, ext)

	// Two siblings of the same parent are both extremities, deepest first
	// then newest first.
	require.NoError(t, store.InsertEvent(ctx,
		stateEvent("$a", "m.room.message", "", "@alice:example.org", 3, map[string]any{}, []string{"$pl"})))
	require.NoError(t, store.InsertEvent(ctx,
		stateEvent("$b", "m.room.message", "", "@alice:example.org", 3, map[string]any{}, []string{"$pl"})))

	ext, err = store.ForwardExtremities(ctx, room, 10)
	require.NoError(t, err)
	assert.Len(t, ext, 2)
	assert.ElementsMatch(t, []string{"$a", "$b"}, ext)

	depth, err := store.MaxDepth(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)
}

func TestMaxDepthEmptyRoom(t *testing.T) {
	store := newTestStore(t)
	depth, err := store.MaxDepth(context.Background(), room)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestCurrentStateResolution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CurrentStateEventID(ctx, room, event.TypeCreate, "")
	require.NoError(t, err)
	assert.Empty(t, id, "absent state resolves to empty, not an error")

	require.NoError(t, store.InsertEvent(ctx,
		stateEvent("$jr1", event.TypeJoinRules, "", "@alice:example.org", 1,
			map[string]any{"join_rule": "invite"}, nil)))
	require.NoError(t, store.InsertEvent(ctx,
		stateEvent("$jr2", event.TypeJoinRules, "", "@alice:example.org", 5,
			map[string]any{"join_rule": "public"}, []string{"$jr1"})))

	id, err = store.CurrentStateEventID(ctx, room, event.TypeJoinRules, "")
	require.NoError(t, err)
	assert.Equal(t, "$jr2", id, "deepest state event wins")

	rule, err := store.JoinRule(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, event.JoinRulePublic, rule.Kind)
}

func TestJoinRuleDefaultsToInvite(t *testing.T) {
	store := newTestStore(t)
	rule, err := store.JoinRule(context.Background(), room)
	require.NoError(t, err)
	assert.Equal(t, event.JoinRuleInvite, rule.Kind)
}

func TestPowerLevelsFromState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// No power_levels event: defaults apply.
	pl, err := store.PowerLevels(ctx, room)
	require.NoError(t, err)
	assert.EqualValues(t, 50, pl.Ban)
	assert.EqualValues(t, 0, pl.UserLevel("@alice:example.org"))

	require.NoError(t, store.InsertEvent(ctx,
		stateEvent("$pl", event.TypePowerLevels, "", "@alice:example.org", 1,
			map[string]any{
				"ban":   float64(75),
				"users": map[string]any{"@alice:example.org": float64(100)},
			}, nil)))

	pl, err = store.PowerLevels(ctx, room)
	require.NoError(t, err)
	assert.EqualValues(t, 75, pl.Ban)
	assert.EqualValues(t, 100, pl.UserLevel("@alice:example.org"))
}

func TestMembershipUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	bob := "@bob:example.org"

	info, err := store.Membership(ctx, room, bob)
	require.NoError(t, err)
	assert.Nil(t, info, "absent membership is nil, not an error")

	require.NoError(t, store.SetMembership(ctx, &event.MemberInfo{
		RoomID: room, UserID: bob, Membership: event.MembershipInvite,
		InvitedBy: "@alice:example.org", UpdatedTS: 100,
	}))
	require.NoError(t, store.SetMembership(ctx, &event.MemberInfo{
		RoomID: room, UserID: bob, Membership: event.MembershipJoin,
		AuthorisedVia: "@alice:example.org", UpdatedTS: 200,
	}))

	info, err = store.Membership(ctx, room, bob)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, event.MembershipJoin, info.Membership)
	assert.Equal(t, "@alice:example.org", info.AuthorisedVia)
	assert.EqualValues(t, 200, info.UpdatedTS)
}

func TestLocalJoinedMembersFiltersByServer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, m := range []*event.MemberInfo{
		{RoomID: room, UserID: "@alice:example.org", Membership: event.MembershipJoin},
		{RoomID: room, UserID: "@bob:example.org", Membership: event.MembershipInvite},
		{RoomID: room, UserID: "@carol:remote.org", Membership: event.MembershipJoin},
	} {
		require.NoError(t, store.SetMembership(ctx, m))
	}

	locals, err := store.LocalJoinedMembers(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, []string{"@alice:example.org"}, locals,
		"only joined users on the local server count")
}

func TestSigningKeyRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ks := keystore.NewStore(localServer, time.Hour, store)
	key, err := ks.Generate(ctx)
	require.NoError(t, err)

	// A second store restores the key from SQL, including the private half.
	ks2 := keystore.NewStore(localServer, time.Hour, store)
	require.NoError(t, ks2.Load(ctx))

	cur, err := ks2.Current()
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, cur.KeyID)
	assert.Equal(t, key.PrivateKey, cur.PrivateKey)
	assert.WithinDuration(t, key.ExpiresAt, cur.ExpiresAt, time.Second)
}

func TestSigningKeyCurrentDemotion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ks := keystore.NewStore(localServer, 0, store)

	_, err := ks.Generate(ctx)
	require.NoError(t, err)
	second, err := ks.Generate(ctx)
	require.NoError(t, err)

	var currents int
	err = store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM signing_keys WHERE is_current = 1`).Scan(&currents)
	require.NoError(t, err)
	assert.Equal(t, 1, currents, "exactly one current key after rotation")

	var currentID string
	err = store.db.QueryRowContext(ctx,
		`SELECT key_id FROM signing_keys WHERE is_current = 1`).Scan(&currentID)
	require.NoError(t, err)
	assert.Equal(t, second.KeyID, currentID)
}

func TestSigningKeyDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ks := keystore.NewStore(localServer, 0, store)
	key, err := ks.Generate(ctx)
	require.NoError(t, err)

	require.NoError(t, store.DeleteSigningKey(ctx, localServer, key.KeyID))
	keys, err := store.LoadSigningKeys(ctx, localServer)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRemoteKeyCache(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	_, err := store.GetVerifyKey(ctx, "remote.org", "ed25519:abc")
	assert.ErrorIs(t, err, keystore.ErrKeyNotFound)

	key := &keystore.RemoteVerifyKey{
		ServerName: "remote.org",
		KeyID:      "ed25519:abc",
		PublicKey:  make([]byte, 32),
		FetchedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	}
	require.NoError(t, store.PutVerifyKeys(ctx, []*keystore.RemoteVerifyKey{key}))

	got, err := store.GetVerifyKey(ctx, "remote.org", "ed25519:abc")
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey, got.PublicKey)
	assert.True(t, got.ExpiresAt.Equal(key.ExpiresAt))

	// Re-put overwrites the cached entry.
	key.ExpiresAt = now.Add(2 * time.Hour)
	require.NoError(t, store.PutVerifyKeys(ctx, []*keystore.RemoteVerifyKey{key}))
	got, err = store.GetVerifyKey(ctx, "remote.org", "ed25519:abc")
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.Equal(key.ExpiresAt))
}

func TestInsertEventRollsBackOnParentUpdateFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewSQLStore(db, localServer)

	boom := errors.New("disk on fire")
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE events SET is_extremity").WillReturnError(boom)
	mock.ExpectRollback()

	ev := stateEvent("$child", "m.room.message", "", "@alice:example.org", 2, map[string]any{}, []string{"$parent"})
	err = store.InsertEvent(context.Background(), ev)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
