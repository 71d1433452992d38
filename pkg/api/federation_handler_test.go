package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/tessera/pkg/authorizer"
	"github.com/Mindburn-Labs/tessera/pkg/dag"
	"github.com/Mindburn-Labs/tessera/pkg/event"
	"github.com/Mindburn-Labs/tessera/pkg/fedauth"
	"github.com/Mindburn-Labs/tessera/pkg/keystore"
	"github.com/Mindburn-Labs/tessera/pkg/signing"
	"github.com/Mindburn-Labs/tessera/pkg/storage"
)

const testRoom = "!room:example.org"

type handlerFixture struct {
	handler      *FederationHandler
	store        *storage.SQLStore
	originSigner *signing.Signer
	originHeader *fedauth.Header
}

// newHandlerFixture builds a local server with a public room and a remote
// origin server whose keys the local side can resolve.
func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := storage.NewSQLStore(db, serverName)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.CreateRoom(ctx, testRoom, "10"))

	creator := "@alice:example.org"
	createSK, jrSK := "", ""
	require.NoError(t, store.InsertEvent(ctx, &event.Event{
		EventID: "$create", RoomID: testRoom, Type: event.TypeCreate, StateKey: &createSK,
		Sender: creator, Content: map[string]any{"room_version": "10"},
		OriginServerTS: time.Now().UnixMilli(), Depth: 1,
	}))
	require.NoError(t, store.InsertEvent(ctx, &event.Event{
		EventID: "$jr", RoomID: testRoom, Type: event.TypeJoinRules, StateKey: &jrSK,
		Sender: creator, Content: map[string]any{"join_rule": "public"},
		OriginServerTS: time.Now().UnixMilli(), Depth: 2, PrevEvents: []string{"$create"},
	}))

	originKeys := keystore.NewStore("origin.org", 0, nil)
	_, err = originKeys.Generate(ctx)
	require.NoError(t, err)

	// The local side resolves origin.org's keys as if fetched.
	localRemote := keystore.NewRemoteStore(keystore.NewMemoryCache(),
		&storeFetcher{server: "origin.org", keys: originKeys})

	fixture := &handlerFixture{
		store: store,
		originSigner: signing.NewSigner(originKeys,
			keystore.NewRemoteStore(keystore.NewMemoryCache(), &storeFetcher{server: "origin.org", keys: originKeys}),
			"origin.org", nil),
		originHeader: &fedauth.Header{Origin: "origin.org", Destination: serverName},
	}
	fixture.handler = NewFederationHandler(
		authorizer.New(store, serverName, nil),
		dag.NewAssembler(store),
		signing.NewSigner(keystore.NewStore(serverName, 0, nil), localRemote, serverName, nil),
		store,
	)
	return fixture
}

func withHeader(r *http.Request, h *fedauth.Header) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), headerContextKey, h))
}

func TestMakeJoinReturnsPlacedTemplate(t *testing.T) {
	f := newHandlerFixture(t)
	bob := "@bob:origin.org"

	req := httptest.NewRequest(http.MethodGet, "/make_join", nil)
	req.SetPathValue("roomID", testRoom)
	req.SetPathValue("userID", bob)
	rec := httptest.NewRecorder()
	f.handler.MakeJoin(rec, withHeader(req, f.originHeader))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		RoomVersion string       `json:"room_version"`
		Event       *event.Event `json:"event"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "10", resp.RoomVersion)
	assert.Equal(t, event.TypeMember, resp.Event.Type)
	assert.Equal(t, bob, resp.Event.Sender)
	assert.Equal(t, int64(3), resp.Event.Depth)
	assert.Contains(t, resp.Event.AuthEvents, "$create")
	assert.Contains(t, resp.Event.PrevEvents, "$jr")
}

func TestMakeJoinVersionNegotiation(t *testing.T) {
	f := newHandlerFixture(t)
	bob := "@bob:origin.org"

	// The requesting server only speaks versions the room is not in.
	req := httptest.NewRequest(http.MethodGet, "/make_join?ver=1&ver=2", nil)
	req.SetPathValue("roomID", testRoom)
	req.SetPathValue("userID", bob)
	rec := httptest.NewRecorder()
	f.handler.MakeJoin(rec, withHeader(req, f.originHeader))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeIncompatibleVersion, body["errcode"])

	// Listing the room's version succeeds.
	req = httptest.NewRequest(http.MethodGet, "/make_join?ver=10&ver=11", nil)
	req.SetPathValue("roomID", testRoom)
	req.SetPathValue("userID", bob)
	rec = httptest.NewRecorder()
	f.handler.MakeJoin(rec, withHeader(req, f.originHeader))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestMakeJoinRejectsForeignUser(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/make_join", nil)
	req.SetPathValue("roomID", testRoom)
	req.SetPathValue("userID", "@mallory:elsewhere.org")
	rec := httptest.NewRecorder()
	f.handler.MakeJoin(rec, withHeader(req, f.originHeader))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSendJoinAppliesSignedEvent(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	bob := "@bob:origin.org"

	// Template from make_join, signed by the origin server.
	req := httptest.NewRequest(http.MethodGet, "/make_join", nil)
	req.SetPathValue("roomID", testRoom)
	req.SetPathValue("userID", bob)
	rec := httptest.NewRecorder()
	f.handler.MakeJoin(rec, withHeader(req, f.originHeader))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var made struct {
		Event *event.Event `json:"event"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &made))
	require.NoError(t, f.originSigner.SignEvent(ctx, made.Event, ""))

	body, err := json.Marshal(made.Event)
	require.NoError(t, err)
	sendReq := httptest.NewRequest(http.MethodPut, "/send_join", bytes.NewReader(body))
	sendReq.SetPathValue("roomID", testRoom)
	sendReq.SetPathValue("eventID", "$placeholder")
	rec = httptest.NewRecorder()
	f.handler.SendJoin(rec, withHeader(sendReq, f.originHeader))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "join", resp["membership"])
	assert.NotEmpty(t, resp["event_id"])

	info, err := f.store.Membership(ctx, testRoom, bob)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, event.MembershipJoin, info.Membership)
}

func TestSendJoinRejectsNonJoinContent(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	bob := "@bob:origin.org"

	// Properly signed, but the content smuggles a different membership.
	sk := bob
	ev := &event.Event{
		RoomID: testRoom, Sender: bob, Type: event.TypeMember, StateKey: &sk,
		Content:        map[string]any{"membership": "ban"},
		OriginServerTS: time.Now().UnixMilli(), Depth: 3,
		PrevEvents: []string{"$jr"}, AuthEvents: []string{"$create"},
	}
	require.NoError(t, f.originSigner.SignEvent(ctx, ev, ""))

	body, err := json.Marshal(ev)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPut, "/send_join", bytes.NewReader(body))
	req.SetPathValue("roomID", testRoom)
	req.SetPathValue("eventID", "$x")
	rec := httptest.NewRecorder()
	f.handler.SendJoin(rec, withHeader(req, f.originHeader))

	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, CodeBadJSON, resp["errcode"])

	info, err := f.store.Membership(ctx, testRoom, bob)
	require.NoError(t, err)
	assert.Nil(t, info, "rejected event must not change membership")
}

func TestSendJoinRejectsUnexpectedAuthorisedVia(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	bob := "@bob:origin.org"

	// A public room grants no authorising user, so a claimed one is a lie.
	sk := bob
	ev := &event.Event{
		RoomID: testRoom, Sender: bob, Type: event.TypeMember, StateKey: &sk,
		Content: map[string]any{
			"membership":                       "join",
			"join_authorised_via_users_server": "@alice:example.org",
		},
		OriginServerTS: time.Now().UnixMilli(), Depth: 3,
		PrevEvents: []string{"$jr"}, AuthEvents: []string{"$create"},
	}
	require.NoError(t, f.originSigner.SignEvent(ctx, ev, ""))

	body, err := json.Marshal(ev)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPut, "/send_join", bytes.NewReader(body))
	req.SetPathValue("roomID", testRoom)
	req.SetPathValue("eventID", "$x")
	rec := httptest.NewRecorder()
	f.handler.SendJoin(rec, withHeader(req, f.originHeader))

	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, CodeBadJSON, resp["errcode"])
}

func TestSendJoinRejectsTamperedEvent(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	bob := "@bob:origin.org"

	sk := bob
	ev := &event.Event{
		RoomID: testRoom, Sender: bob, Type: event.TypeMember, StateKey: &sk,
		Content:        map[string]any{"membership": "join"},
		OriginServerTS: time.Now().UnixMilli(), Depth: 3,
		PrevEvents: []string{"$jr"}, AuthEvents: []string{"$create"},
	}
	require.NoError(t, f.originSigner.SignEvent(ctx, ev, ""))
	ev.Content["membership"] = "ban"

	body, err := json.Marshal(ev)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPut, "/send_join", bytes.NewReader(body))
	req.SetPathValue("roomID", testRoom)
	req.SetPathValue("eventID", "$x")
	rec := httptest.NewRecorder()
	f.handler.SendJoin(rec, withHeader(req, f.originHeader))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
