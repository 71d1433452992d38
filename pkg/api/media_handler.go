package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/Mindburn-Labs/tessera/pkg/media"
)

// maxMediaBytes caps a single upload.
const maxMediaBytes = 50 << 20

// MediaStore is the slice of the media store the handlers use.
type MediaStore interface {
	Put(ctx context.Context, content []byte, contentType string) (string, error)
	Get(ctx context.Context, mediaID string) ([]byte, error)
}

// MediaHandler serves content-addressed media: uploads return the derived
// media ID, downloads re-verify content against it. Downloads sit behind
// federation auth like the rest of the surface.
type MediaHandler struct {
	store      MediaStore
	serverName string
}

func NewMediaHandler(store MediaStore, serverName string) *MediaHandler {
	return &MediaHandler{store: store, serverName: serverName}
}

// Register mounts the handlers on mux behind the given middleware.
func (h *MediaHandler) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	mux.Handle("POST /_matrix/media/v3/upload",
		wrap(http.HandlerFunc(h.Upload)))
	mux.Handle("GET /_matrix/federation/v1/media/download/{mediaID}",
		wrap(http.HandlerFunc(h.Download)))
}

func (h *MediaHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if AuthenticatedHeader(r.Context()) == nil {
		WriteMatrixError(w, errUnauthenticated())
		return
	}
	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMediaBytes))
	if err != nil {
		WriteMatrixError(w, &MatrixError{
			Code: CodeTooLarge, Message: "upload exceeds the size limit", status: http.StatusRequestEntityTooLarge,
		})
		return
	}
	id, err := h.store.Put(r.Context(), content, r.Header.Get("Content-Type"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"content_uri": "mxc://" + h.serverName + "/" + id,
	})
}

func (h *MediaHandler) Download(w http.ResponseWriter, r *http.Request) {
	if AuthenticatedHeader(r.Context()) == nil {
		WriteMatrixError(w, errUnauthenticated())
		return
	}
	content, err := h.store.Get(r.Context(), r.PathValue("mediaID"))
	if errors.Is(err, media.ErrNotFound) {
		WriteMatrixError(w, &MatrixError{
			Code: CodeNotFound, Message: "media not found", status: http.StatusNotFound,
		})
		return
	}
	if err != nil {
		WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}
