package api

import (
	"net/http"

	"vidhub/internal/api/response"
	"vidhub/internal/observability/logging"
)

// StreamVideo serves /{username}/video/{filename} with range support.
func (h *Handler) StreamVideo(w http.ResponseWriter, r *http.Request) {
	h.Playback.ServeVideo(w, r, r.PathValue("username"), r.PathValue("filename"))
}

// StreamThumbnail serves /{username}/thumbnail/{filename}.
func (h *Handler) StreamThumbnail(w http.ResponseWriter, r *http.Request) {
	h.Playback.ServeThumbnail(w, r, r.PathValue("username"), r.PathValue("filename"))
}

// IncrementViewCount adds one view to the video named by the uuid path value.
func (h *Handler) IncrementViewCount(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("uuid") == "" {
		response.Error(w, http.StatusBadRequest, response.RequiredParamsNotFound)
		return
	}
	id, ok := videoIDParam(r, "uuid")
	if !ok {
		response.Error(w, http.StatusBadRequest, response.InvalidVideoID)
		return
	}
	ctx := logging.ContextWithVideoID(r.Context(), id)
	if err := h.Views.Increment(ctx, id); err != nil {
		h.writeViewError(w, r.WithContext(ctx), err)
		return
	}
	response.Success(w, response.ViewCountUpdated, nil)
}
