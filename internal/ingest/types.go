package ingest

import (
	"errors"
	"fmt"
	"time"

	"vidhub/internal/mediastore"
	"vidhub/internal/models"
)

var (
	ErrVideoRequired            = errors.New("video file is required")
	ErrThumbnailRequired        = errors.New("thumbnail file is required")
	ErrUnsupportedVideoType     = errors.New("only MP4 video files are allowed")
	ErrUnsupportedThumbnailType = errors.New("only JPEG or PNG thumbnails are allowed")
	ErrVideoTooLarge            = errors.New("video exceeds the size limit")
	ErrThumbnailTooLarge        = errors.New("thumbnail exceeds the size limit")
	ErrUserNotFound             = errors.New("user not found")
	ErrInvalidUsername          = errors.New("username cannot be used as a storage namespace")
	ErrVideoNotFound            = errors.New("video not found")
	ErrPresignUnsupported       = errors.New("storage backend cannot presign uploads")
	ErrAlreadyConfirmed         = errors.New("upload already confirmed")
	ErrVideoNotUploaded         = errors.New("video object has not been uploaded")
	ErrThumbnailNotUploaded     = errors.New("thumbnail object has not been uploaded")
)

// MetadataError wraps a failure of the metadata store.
type MetadataError struct {
	Op  string
	Err error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("metadata %s: %v", e.Op, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

// UploadFields are the text fields shared by both upload strategies. Values
// arrive as strings from forms; booleans and ids are parsed after
// validation.
type UploadFields struct {
	UserID          string `json:"userId" validate:"required,min=1,max=200,positiveint"`
	CategoryID      string `json:"categoryId" validate:"required,min=1,max=200,positiveint"`
	Title           string `json:"title" validate:"required,min=5,max=80"`
	Description     string `json:"description" validate:"required,min=10,max=500"`
	Keywords        string `json:"keywords" validate:"required,min=10,max=100,keywordlist"`
	IsPrivate       string `json:"isPrivate" validate:"required,boolean"`
	IsAgeRestricted string `json:"isAgeRestricted" validate:"required,boolean"`
}

// FilePart is an uploaded file spooled to disk.
type FilePart struct {
	TempPath    string
	Size        int64
	Filename    string
	ContentType string
}

// UploadRequest is a multipart upload.
type UploadRequest struct {
	UploadFields
	Video     *FilePart
	Thumbnail *FilePart
}

// Result is the outcome of a successful Ingest or Confirm.
type Result struct {
	Video models.Video
	Media models.StoredMedia
}

// PrepareRequest asks for presigned upload URLs. Sizes and content types are
// the client's declarations and are checked again on Confirm.
type PrepareRequest struct {
	UploadFields
	VideoSize            int64  `json:"videoSize"`
	ThumbnailSize        int64  `json:"thumbnailSize"`
	VideoContentType     string `json:"videoContentType"`
	ThumbnailContentType string `json:"thumbnailContentType"`
}

// PreparedUpload is what a client needs to upload both objects directly.
type PreparedUpload struct {
	VideoID   string                      `json:"videoId"`
	Video     mediastore.PresignedRequest `json:"video"`
	Thumbnail mediastore.PresignedRequest `json:"thumbnail"`
	ExpiresAt time.Time                   `json:"expiresAt"`
}

func storedMedia(video models.Video) models.StoredMedia {
	return models.StoredMedia{
		VideoPath:     video.VideoPath,
		ThumbnailPath: video.ThumbnailPath,
		Size:          video.Size,
		Duration:      video.Duration,
	}
}
