package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"vidhub/internal/mediastore"
	"vidhub/internal/models"
	"vidhub/internal/observability/logging"
	"vidhub/internal/storage"
)

// Prepare validates a presigned upload request, creates a pending record and
// returns PUT URLs for both objects.
func (p *Pipeline) Prepare(ctx context.Context, req PrepareRequest) (PreparedUpload, error) {
	prepared, err := p.prepare(ctx, req)
	p.observe("presign_prepare", err)
	return prepared, err
}

func (p *Pipeline) prepare(ctx context.Context, req PrepareRequest) (PreparedUpload, error) {
	presigner, ok := mediastore.Presigning(p.backend)
	if !ok {
		return PreparedUpload{}, ErrPresignUnsupported
	}
	fields, err := p.validateFields(req.UploadFields)
	if err != nil {
		return PreparedUpload{}, err
	}
	if err := checkContentTypes(req.VideoContentType, req.ThumbnailContentType); err != nil {
		return PreparedUpload{}, err
	}
	if req.VideoSize > p.cfg.MaxVideoBytes {
		return PreparedUpload{}, ErrVideoTooLarge
	}
	if req.ThumbnailSize > p.cfg.MaxThumbnailInputBytes {
		return PreparedUpload{}, ErrThumbnailTooLarge
	}
	user, err := p.lookupUser(ctx, fields.UserID)
	if err != nil {
		return PreparedUpload{}, err
	}
	namespace, err := mediastore.UserNamespace(user.Username)
	if err != nil {
		return PreparedUpload{}, fmt.Errorf("%w: %v", ErrInvalidUsername, err)
	}
	id := p.newID()
	ctx = logging.ContextWithVideoID(ctx, id)
	videoKey := mediastore.VideoKey(namespace, id)
	thumbnailKey := mediastore.ThumbnailKey(namespace, id)

	if err := p.ensureNamespaces(ctx, namespace); err != nil {
		return PreparedUpload{}, err
	}
	videoURL, err := presigner.PresignPut(ctx, videoKey, mediaType(req.VideoContentType), p.cfg.UploadURLTTL)
	if err != nil {
		return PreparedUpload{}, err
	}
	thumbnailURL, err := presigner.PresignPut(ctx, thumbnailKey, mediaType(req.ThumbnailContentType), p.cfg.UploadURLTTL)
	if err != nil {
		return PreparedUpload{}, err
	}

	_, err = p.store.CreateVideo(ctx, storage.CreateVideoParams{
		UUID:            id,
		UserID:          user.ID,
		CategoryID:      fields.CategoryID,
		Title:           fields.Title,
		Description:     fields.Description,
		Keywords:        fields.Keywords,
		IsPrivate:       fields.IsPrivate,
		IsAgeRestricted: fields.IsAgeRestricted,
		Size:            req.VideoSize,
		VideoPath:       videoKey,
		ThumbnailPath:   thumbnailKey,
		Status:          models.VideoStatusPending,
	})
	if err != nil {
		return PreparedUpload{}, &MetadataError{Op: "create pending video", Err: err}
	}

	expires := videoURL.ExpiresAt
	if thumbnailURL.ExpiresAt.Before(expires) {
		expires = thumbnailURL.ExpiresAt
	}
	logging.WithContext(ctx, p.logger).Info("presigned upload prepared", "video_path", videoKey, "expires_at", expires)
	return PreparedUpload{
		VideoID:   id,
		Video:     videoURL,
		Thumbnail: thumbnailURL,
		ExpiresAt: expires,
	}, nil
}

// Confirm finalises a presigned upload once the client has PUT both objects.
// Oversized videos and videos stored with a type other than video/mp4 are
// deleted and the record stays pending until it expires.
func (p *Pipeline) Confirm(ctx context.Context, id string) (Result, error) {
	result, err := p.confirm(ctx, id)
	p.observe("presign_confirm", err)
	return result, err
}

func (p *Pipeline) confirm(ctx context.Context, id string) (Result, error) {
	presigner, ok := mediastore.Presigning(p.backend)
	if !ok {
		return Result{}, ErrPresignUnsupported
	}
	ctx = logging.ContextWithVideoID(ctx, id)
	logger := logging.WithContext(ctx, p.logger)

	video, err := p.store.GetVideo(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, ErrVideoNotFound
	}
	if err != nil {
		return Result{}, &MetadataError{Op: "get video", Err: err}
	}
	switch video.Status {
	case models.VideoStatusPending:
	case models.VideoStatusExpired:
		return Result{}, ErrVideoNotFound
	default:
		return Result{}, ErrAlreadyConfirmed
	}

	videoInfo, err := p.backend.Stat(ctx, video.VideoPath)
	if errors.Is(err, mediastore.ErrNotFound) {
		return Result{}, ErrVideoNotUploaded
	}
	if err != nil {
		return Result{}, err
	}
	thumbnailInfo, err := p.backend.Stat(ctx, video.ThumbnailPath)
	if errors.Is(err, mediastore.ErrNotFound) {
		return Result{}, ErrThumbnailNotUploaded
	}
	if err != nil {
		return Result{}, err
	}
	if !videoTypes[mediaType(videoInfo.ContentType)] {
		logger.Warn("uploaded video has unexpected content type", "content_type", videoInfo.ContentType)
		p.discard(ctx, video.VideoPath)
		return Result{}, ErrUnsupportedVideoType
	}
	if videoInfo.Size > p.cfg.MaxVideoBytes {
		p.discard(ctx, video.VideoPath)
		return Result{}, ErrVideoTooLarge
	}
	if thumbnailInfo.Size > p.cfg.MaxThumbnailInputBytes {
		p.discard(ctx, video.ThumbnailPath)
		return Result{}, ErrThumbnailTooLarge
	}

	started := time.Now()
	if err := p.rewriteThumbnail(ctx, video.ThumbnailPath); err != nil {
		if errors.Is(err, ErrThumbnailTooLarge) {
			p.discard(ctx, video.ThumbnailPath)
		}
		return Result{}, err
	}
	p.stage("transform", started)

	started = time.Now()
	readURL, err := presigner.PresignGet(ctx, video.VideoPath, p.cfg.ReadURLTTL)
	if err != nil {
		return Result{}, err
	}
	duration, err := p.prober.ProbeDuration(ctx, readURL.URL)
	if err != nil {
		return Result{}, err
	}
	p.stage("probe", started)

	started = time.Now()
	checksum, err := p.objectChecksum(ctx, video.VideoPath)
	if err != nil {
		return Result{}, err
	}
	p.stage("checksum", started)

	finalized, err := p.store.FinalizeVideo(ctx, id, storage.FinalizeVideoParams{
		Size:     videoInfo.Size,
		Duration: duration,
		Checksum: checksum,
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return Result{}, ErrVideoNotFound
	case errors.Is(err, storage.ErrConflict):
		return Result{}, ErrAlreadyConfirmed
	case err != nil:
		return Result{}, &MetadataError{Op: "finalize video", Err: err}
	}
	logger.Info("presigned upload confirmed", "video_path", finalized.VideoPath, "size", finalized.Size, "duration", duration)
	return Result{Video: finalized, Media: storedMedia(finalized)}, nil
}

// rewriteThumbnail downloads the uploaded thumbnail, resizes it and stores
// the JPEG under the same key.
func (p *Pipeline) rewriteThumbnail(ctx context.Context, key string) error {
	src, err := p.backend.Open(ctx, key)
	if err != nil {
		if errors.Is(err, mediastore.ErrNotFound) {
			return ErrThumbnailNotUploaded
		}
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(p.cfg.SpoolDir(), "confirm-thumb-*"+resizedSuffix)
	if err != nil {
		return fmt.Errorf("create thumbnail temp: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()
	if err := p.thumbnails.Encode(ctx, src, tmp); err != nil {
		return err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("size thumbnail: %w", err)
	}
	if size > p.cfg.MaxThumbnailBytes {
		return ErrThumbnailTooLarge
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind thumbnail: %w", err)
	}
	return p.backend.Put(ctx, key, tmp, "image/jpeg")
}

func (p *Pipeline) objectChecksum(ctx context.Context, key string) (string, error) {
	body, err := p.backend.Open(ctx, key)
	if err != nil {
		return "", err
	}
	defer body.Close()
	return readerChecksum(body)
}

func (p *Pipeline) discard(ctx context.Context, key string) {
	if err := p.backend.Delete(context.WithoutCancel(ctx), key); err != nil {
		logging.WithContext(ctx, p.logger).Error("failed to delete rejected object", "key", key, "error", err)
	}
}
