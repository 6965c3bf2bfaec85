package api

import (
	"errors"
	"net/http"

	"vidhub/internal/api/response"
	"vidhub/internal/ingest"
	"vidhub/internal/views"
)

type errorMapping struct {
	target error
	status int
	code   response.Code
}

var ingestErrors = []errorMapping{
	{ingest.ErrVideoRequired, http.StatusBadRequest, response.VideoIsRequired},
	{ingest.ErrThumbnailRequired, http.StatusBadRequest, response.ThumbnailIsRequired},
	{ingest.ErrUnsupportedVideoType, http.StatusBadRequest, response.UnsupportedVideoType},
	{ingest.ErrUnsupportedThumbnailType, http.StatusBadRequest, response.UnsupportedThumbnailType},
	{ingest.ErrVideoTooLarge, http.StatusBadRequest, response.VideoTooLarge},
	{ingest.ErrThumbnailTooLarge, http.StatusBadRequest, response.ThumbnailTooLarge},
	{ingest.ErrUserNotFound, http.StatusBadRequest, response.UserNotFound},
	{ingest.ErrInvalidUsername, http.StatusBadRequest, response.InvalidUsername},
	{ingest.ErrVideoNotFound, http.StatusBadRequest, response.VideoNotFound},
	{ingest.ErrVideoNotUploaded, http.StatusBadRequest, response.VideoNotUploaded},
	{ingest.ErrThumbnailNotUploaded, http.StatusBadRequest, response.ThumbnailNotUploaded},
	{ingest.ErrAlreadyConfirmed, http.StatusConflict, response.UploadAlreadyConfirmed},
	{ingest.ErrPresignUnsupported, http.StatusNotImplemented, response.PresignUnavailable},
}

// writeIngestError renders err from the ingest pipeline. Client mistakes get
// their specific code; everything else is logged and answered generically.
func (h *Handler) writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *ingest.ValidationError
	if errors.As(err, &validation) {
		response.Write(w, http.StatusBadRequest, response.ValidationFailed, validation.Fields)
		return
	}
	for _, m := range ingestErrors {
		if errors.Is(err, m.target) {
			response.Error(w, m.status, m.code)
			return
		}
	}

	logger := h.logger(r.Context())
	var metadata *ingest.MetadataError
	switch outcome := ingest.Outcome(err); {
	case errors.As(err, &metadata):
		logger.Error("metadata store failed", "op", metadata.Op, "error", err)
		response.Error(w, http.StatusInternalServerError, response.Database)
	case outcome == "transform_failed", outcome == "probe_failed", outcome == "storage_failed":
		logger.Error("video upload failed", "outcome", outcome, "error", err)
		response.Error(w, http.StatusInternalServerError, response.VideoUploadFailed)
	default:
		logger.Error("unexpected ingest error", "error", err)
		response.Error(w, http.StatusInternalServerError, response.UnexpectedError)
	}
}

func (h *Handler) writeViewError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, views.ErrVideoNotFound) {
		response.Error(w, http.StatusBadRequest, response.VideoNotFound)
		return
	}
	h.logger(r.Context()).Error("view count update failed", "error", err)
	response.Error(w, http.StatusInternalServerError, response.Database)
}
