package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"vidhub/internal/api/response"
	"vidhub/internal/ingest"
	"vidhub/internal/models"
)

const (
	maxFieldBytes   = 64 << 10
	maxPrepareBytes = 1 << 20
)

var errInvalidPayload = errors.New("invalid request payload")

type uploadResponse struct {
	UUID string `json:"uuid"`
	models.StoredMedia
}

func newUploadResponse(result ingest.Result) uploadResponse {
	return uploadResponse{UUID: result.Video.UUID, StoredMedia: result.Media}
}

// UploadVideo accepts a multipart upload carrying the video, its thumbnail
// and the metadata fields, and runs it through the ingest pipeline.
func (h *Handler) UploadVideo(w http.ResponseWriter, r *http.Request) {
	cfg := h.Pipeline.Config()
	r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxRequestBytes())

	req, cleanup, err := h.readUpload(r, cfg)
	defer cleanup()
	if err != nil {
		if errors.Is(err, errInvalidPayload) {
			response.Error(w, http.StatusBadRequest, response.InvalidPayload)
			return
		}
		h.writeIngestError(w, r, err)
		return
	}

	result, err := h.Pipeline.Ingest(r.Context(), req)
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}
	response.Success(w, response.VideoUploaded, newUploadResponse(result))
}

// readUpload spools the file parts to disk and collects the text fields. The
// returned cleanup removes whatever temp files were created, including those
// the pipeline has already moved away.
func (h *Handler) readUpload(r *http.Request, cfg ingest.Config) (ingest.UploadRequest, func(), error) {
	var (
		req   ingest.UploadRequest
		temps []string
	)
	cleanup := func() {
		for _, path := range temps {
			_ = os.Remove(path)
		}
	}

	reader, err := r.MultipartReader()
	if err != nil {
		return req, cleanup, errInvalidPayload
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return req, cleanup, classifyBodyError(err, ingest.ErrVideoTooLarge)
		}
		name := part.FormName()
		switch name {
		case "":
			_ = part.Close()
		case "video", "thumbnail":
			target := &req.Video
			limit, tooLarge := cfg.MaxVideoBytes, ingest.ErrVideoTooLarge
			if name == "thumbnail" {
				target = &req.Thumbnail
				limit, tooLarge = cfg.MaxThumbnailInputBytes, ingest.ErrThumbnailTooLarge
			}
			if *target != nil {
				_ = part.Close()
				continue
			}
			saved, err := spoolPart(cfg.SpoolDir(), part, limit, tooLarge)
			if saved != nil {
				temps = append(temps, saved.TempPath)
			}
			if err != nil {
				return req, cleanup, err
			}
			*target = saved
		default:
			payload, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			_ = part.Close()
			if err != nil {
				return req, cleanup, classifyBodyError(err, ingest.ErrVideoTooLarge)
			}
			setField(&req.UploadFields, name, string(payload))
		}
	}
	return req, cleanup, nil
}

func spoolPart(dir string, part *multipart.Part, limit int64, tooLarge error) (*ingest.FilePart, error) {
	defer part.Close()
	tmp, err := os.CreateTemp(dir, "pending-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()
	saved := &ingest.FilePart{
		TempPath:    tmp.Name(),
		Filename:    part.FileName(),
		ContentType: part.Header.Get("Content-Type"),
	}
	written, err := io.Copy(tmp, io.LimitReader(part, limit+1))
	saved.Size = written
	if err != nil {
		return saved, classifyBodyError(err, tooLarge)
	}
	if written > limit {
		return saved, tooLarge
	}
	return saved, nil
}

// classifyBodyError turns a body read failure into tooLarge when the request
// hit its byte ceiling and into errInvalidPayload otherwise.
func classifyBodyError(err error, tooLarge error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return tooLarge
	}
	return fmt.Errorf("%w: %v", errInvalidPayload, err)
}

func setField(fields *ingest.UploadFields, name, value string) {
	switch name {
	case "userId":
		fields.UserID = value
	case "categoryId":
		fields.CategoryID = value
	case "title":
		fields.Title = value
	case "description":
		fields.Description = value
	case "keywords":
		fields.Keywords = value
	case "isPrivate":
		fields.IsPrivate = value
	case "isAgeRestricted":
		fields.IsAgeRestricted = value
	}
}

// GeneratePresignedURL prepares a direct-to-storage upload and returns the
// signed PUT requests for both objects.
func (h *Handler) GeneratePresignedURL(w http.ResponseWriter, r *http.Request) {
	if !h.Pipeline.Presigning() {
		response.Error(w, http.StatusNotImplemented, response.PresignUnavailable)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxPrepareBytes)
	req, err := decodePrepareRequest(r)
	if err != nil {
		var validation *ingest.ValidationError
		if errors.As(err, &validation) {
			response.Write(w, http.StatusBadRequest, response.ValidationFailed, validation.Fields)
			return
		}
		response.Error(w, http.StatusBadRequest, response.InvalidPayload)
		return
	}
	prepared, err := h.Pipeline.Prepare(r.Context(), req)
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}
	response.Success(w, response.PresignedURLsGenerated, prepared)
}

// ConfirmUpload finalises a presigned upload once both objects are stored.
func (h *Handler) ConfirmUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := videoIDParam(r, "videoId")
	if !ok {
		response.Error(w, http.StatusBadRequest, response.InvalidVideoID)
		return
	}
	result, err := h.Pipeline.Confirm(r.Context(), id)
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}
	response.Success(w, response.VideoUploaded, newUploadResponse(result))
}

func isJSON(r *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Type"))), "application/json")
}
