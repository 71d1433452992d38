// Package api renders Matrix standard error responses and maps internal
// errors onto Matrix errcodes and HTTP statuses.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/tessera/pkg/authorizer"
	"github.com/Mindburn-Labs/tessera/pkg/canonical"
	"github.com/Mindburn-Labs/tessera/pkg/dag"
	"github.com/Mindburn-Labs/tessera/pkg/fedauth"
	"github.com/Mindburn-Labs/tessera/pkg/keystore"
	"github.com/Mindburn-Labs/tessera/pkg/signing"
	"github.com/Mindburn-Labs/tessera/pkg/storage"
)

// Matrix error codes. Every error response carries one.
const (
	CodeForbidden             = "M_FORBIDDEN"
	CodeNotFound              = "M_NOT_FOUND"
	CodeUnauthorized          = "M_UNAUTHORIZED"
	CodeBadJSON               = "M_BAD_JSON"
	CodeUnknown               = "M_UNKNOWN"
	CodeUnableToAuthoriseJoin = "M_UNABLE_TO_AUTHORISE_JOIN"
	CodeUnableToGrantJoin     = "M_UNABLE_TO_GRANT_JOIN"
	CodeIncompatibleVersion   = "M_INCOMPATIBLE_ROOM_VERSION"
	CodeTooLarge              = "M_TOO_LARGE"
)

// MatrixError is the standard error body: {"errcode": ..., "error": ...}.
type MatrixError struct {
	Code    string `json:"errcode"`
	Message string `json:"error"`
	status  int
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Status is the HTTP status the error renders with.
func (e *MatrixError) Status() int {
	if e.status == 0 {
		return http.StatusInternalServerError
	}
	return e.status
}

// FromError maps an internal error to a MatrixError. Unrecognized errors
// become M_UNKNOWN 500 with a generic message; the cause is for the log,
// not the client.
func FromError(err error) *MatrixError {
	var me *MatrixError
	if errors.As(err, &me) {
		return me
	}

	var insufficient *authorizer.InsufficientPowerError
	var invalid *authorizer.InvalidTransitionError
	var codec *canonical.CodecError
	var invalidEvent *signing.InvalidEventError

	switch {
	case errors.Is(err, authorizer.ErrUnableToGrantJoin):
		return &MatrixError{Code: CodeUnableToGrantJoin, Message: err.Error(), status: http.StatusForbidden}
	case errors.Is(err, authorizer.ErrUnableToAuthorise):
		return &MatrixError{Code: CodeUnableToAuthoriseJoin, Message: err.Error(), status: http.StatusForbidden}
	case errors.As(err, &insufficient), errors.As(err, &invalid),
		errors.Is(err, authorizer.ErrForbidden):
		return &MatrixError{Code: CodeForbidden, Message: err.Error(), status: http.StatusForbidden}

	case errors.Is(err, authorizer.ErrRoomNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, keystore.ErrKeyNotFound),
		errors.Is(err, dag.ErrMissingCreateEvent):
		return &MatrixError{Code: CodeNotFound, Message: err.Error(), status: http.StatusNotFound}

	case errors.Is(err, fedauth.ErrVerificationFailed),
		errors.Is(err, fedauth.ErrOriginMismatch),
		errors.Is(err, fedauth.ErrInvalidScheme),
		errors.Is(err, fedauth.ErrMalformedHeader),
		errors.Is(err, fedauth.ErrUnterminatedString),
		errors.Is(err, fedauth.ErrMissingParameter),
		errors.Is(err, fedauth.ErrInvalidKeyFormat),
		errors.Is(err, signing.ErrBadSignature),
		errors.Is(err, signing.ErrContentHashMismatch):
		return &MatrixError{Code: CodeUnauthorized, Message: err.Error(), status: http.StatusUnauthorized}

	case errors.As(err, &codec), errors.As(err, &invalidEvent):
		return &MatrixError{Code: CodeBadJSON, Message: err.Error(), status: http.StatusBadRequest}

	default:
		return &MatrixError{Code: CodeUnknown, Message: "internal server error", status: http.StatusInternalServerError}
	}
}

// WriteError renders err as a Matrix error body. Internal errors are
// logged with their cause but never leak it to the client.
func WriteError(w http.ResponseWriter, err error) {
	me := FromError(err)
	if me.Code == CodeUnknown {
		slog.Error("internal server error", "error", err)
	}
	WriteMatrixError(w, me)
}

// WriteMatrixError renders a prepared MatrixError.
func WriteMatrixError(w http.ResponseWriter, me *MatrixError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(me.Status())
	_ = json.NewEncoder(w).Encode(me)
}

// WriteJSON renders a success body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
