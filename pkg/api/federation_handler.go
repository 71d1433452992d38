package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/Mindburn-Labs/tessera/pkg/authorizer"
	"github.com/Mindburn-Labs/tessera/pkg/canonical"
	"github.com/Mindburn-Labs/tessera/pkg/dag"
	"github.com/Mindburn-Labs/tessera/pkg/event"
	"github.com/Mindburn-Labs/tessera/pkg/signing"
	"github.com/Mindburn-Labs/tessera/pkg/storage"
)

// FederationHandler serves the membership handshake: a remote server asks
// for a join template (make_join), fills it in, signs it and sends it back
// (send_join). Both endpoints require FederationAuth.
type FederationHandler struct {
	auth   *authorizer.Authorizer
	graph  *dag.Assembler
	signer *signing.Signer
	store  *storage.SQLStore
}

func NewFederationHandler(auth *authorizer.Authorizer, graph *dag.Assembler, signer *signing.Signer, store *storage.SQLStore) *FederationHandler {
	return &FederationHandler{auth: auth, graph: graph, signer: signer, store: store}
}

// Register mounts the handlers on mux behind the given middleware.
func (h *FederationHandler) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	mux.Handle("GET /_matrix/federation/v1/make_join/{roomID}/{userID}",
		wrap(http.HandlerFunc(h.MakeJoin)))
	mux.Handle("PUT /_matrix/federation/v2/send_join/{roomID}/{eventID}",
		wrap(http.HandlerFunc(h.SendJoin)))
}

// MakeJoin evaluates whether userID may join and returns an unsigned join
// event template placed into the room's graph.
func (h *FederationHandler) MakeJoin(w http.ResponseWriter, r *http.Request) {
	roomID, userID := r.PathValue("roomID"), r.PathValue("userID")
	header := AuthenticatedHeader(r.Context())
	if header == nil {
		WriteMatrixError(w, errUnauthenticated())
		return
	}

	// Only the user's own server may request a join template for them.
	if err := validateOriginUser(header.Origin, userID); err != nil {
		WriteError(w, err)
		return
	}

	version, err := h.store.RoomVersion(r.Context(), roomID)
	if err != nil {
		WriteError(w, err)
		return
	}
	// ver lists the room versions the requesting server supports.
	if supported := r.URL.Query()["ver"]; len(supported) > 0 && !slices.Contains(supported, version) {
		WriteMatrixError(w, &MatrixError{
			Code:    CodeIncompatibleVersion,
			Message: "room version " + version + " is not supported by the requesting server",
			status:  http.StatusBadRequest,
		})
		return
	}

	d, err := h.auth.Authorize(r.Context(), authorizer.Request{
		RoomID: roomID, Actor: userID, Target: userID, Action: authorizer.ActionJoin,
	})
	if err != nil {
		WriteError(w, err)
		return
	}

	content := map[string]any{"membership": "join"}
	if d.AuthorisedVia != "" {
		content["join_authorised_via_users_server"] = d.AuthorisedVia
	}
	ev := &event.Event{
		RoomID:         roomID,
		Sender:         userID,
		Type:           event.TypeMember,
		StateKey:       &userID,
		Content:        content,
		OriginServerTS: time.Now().UnixMilli(),
	}
	if err := h.graph.Place(r.Context(), ev); err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"room_version": version,
		"event":        ev,
	})
}

// SendJoin accepts the signed join event, verifies it against the origin's
// keys and applies the membership transition.
func (h *FederationHandler) SendJoin(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	header := AuthenticatedHeader(r.Context())
	if header == nil {
		WriteMatrixError(w, errUnauthenticated())
		return
	}

	var ev event.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&ev); err != nil {
		WriteMatrixError(w, &MatrixError{
			Code: CodeBadJSON, Message: "event body is not JSON", status: http.StatusBadRequest,
		})
		return
	}
	if ev.RoomID != roomID || ev.Type != event.TypeMember || ev.StateKeyOr("") == "" {
		WriteMatrixError(w, &MatrixError{
			Code: CodeBadJSON, Message: "not a membership event for this room", status: http.StatusBadRequest,
		})
		return
	}
	userID := ev.StateKeyOr("")
	if err := validateOriginUser(header.Origin, userID); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.signer.VerifyEvent(r.Context(), &ev, header.Origin); err != nil {
		WriteError(w, err)
		return
	}
	if membership, _ := ev.Content["membership"].(string); membership != "join" {
		WriteMatrixError(w, &MatrixError{
			Code: CodeBadJSON, Message: "event content membership must be join", status: http.StatusBadRequest,
		})
		return
	}

	// The event's claimed authorising user must match what this server
	// would grant; check before any state is written.
	joinReq := authorizer.Request{
		RoomID: roomID, Actor: userID, Target: userID, Action: authorizer.ActionJoin,
	}
	granted, err := h.auth.Authorize(r.Context(), joinReq)
	if err != nil {
		WriteError(w, err)
		return
	}
	claimedVia, _ := ev.Content["join_authorised_via_users_server"].(string)
	if claimedVia != granted.AuthorisedVia {
		WriteMatrixError(w, &MatrixError{
			Code: CodeBadJSON, Message: "join_authorised_via_users_server does not match the granted authorisation", status: http.StatusBadRequest,
		})
		return
	}

	d, err := h.auth.Transition(r.Context(), joinReq)
	if err != nil {
		WriteError(w, err)
		return
	}

	version, err := h.store.RoomVersion(r.Context(), roomID)
	if err != nil {
		WriteError(w, err)
		return
	}
	eventID, err := canonical.EventID(&ev, version)
	if err != nil {
		WriteError(w, err)
		return
	}
	ev.EventID = eventID
	ev.Depth = max(ev.Depth, 1)
	if err := h.store.InsertEvent(r.Context(), &ev); err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"event_id":       eventID,
		"membership":     d.To.String(),
		"authorised_via": d.AuthorisedVia,
	})
}

func errUnauthenticated() *MatrixError {
	return &MatrixError{
		Code: CodeUnauthorized, Message: "request is not authenticated", status: http.StatusUnauthorized,
	}
}

func validateOriginUser(origin, userID string) error {
	domain, err := event.UserDomain(userID)
	if err != nil {
		return err
	}
	if domain != origin {
		return &MatrixError{
			Code: CodeForbidden, Message: "user does not belong to the requesting server", status: http.StatusForbidden,
		}
	}
	return nil
}
