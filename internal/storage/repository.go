// Package storage persists users and video metadata records.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vidhub/internal/mediastore"
	"vidhub/internal/models"
)

var (
	// ErrNotFound is returned when a user or video does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write clashes with existing state, such
	// as a duplicate uuid or finalising a record that is no longer pending.
	ErrConflict = errors.New("record conflict")
	// ErrInvalidUsername is returned by CreateUser for names that cannot
	// serve as a storage namespace.
	ErrInvalidUsername = errors.New("invalid username")
)

// normalizeUsername returns the stored form of username. Only names the media
// store accepts as a namespace are allowed.
func normalizeUsername(username string) (string, error) {
	normalized, err := mediastore.UserNamespace(username)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidUsername, username, err)
	}
	return normalized, nil
}

// Repository exposes the datastore operations the media subsystem requires.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateUser(ctx context.Context, username string) (models.User, error)
	GetUser(ctx context.Context, id int64) (models.User, error)

	CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error)
	GetVideo(ctx context.Context, uuid string) (models.Video, error)
	FinalizeVideo(ctx context.Context, uuid string, update FinalizeVideoParams) (models.Video, error)
	// IncrementViewCount adds delta atomically and returns the new count.
	IncrementViewCount(ctx context.Context, uuid string, delta int64) (int64, error)
	SoftDeleteVideo(ctx context.Context, uuid string) error

	// ListPurgeableVideos returns soft-deleted videos whose bytes have not
	// been purged yet, oldest deletion first.
	ListPurgeableVideos(ctx context.Context, limit int) ([]models.Video, error)
	// ListStalePendingVideos returns pending videos created before cutoff.
	ListStalePendingVideos(ctx context.Context, cutoff time.Time, limit int) ([]models.Video, error)
	// MarkVideoPurged records that a video's bytes are gone and moves it to
	// status. Expiring a record that is no longer pending is an ErrConflict.
	MarkVideoPurged(ctx context.Context, uuid string, status models.VideoStatus) error
}

// CreateVideoParams carries the fields of a new video record.
type CreateVideoParams struct {
	UUID            string
	UserID          int64
	CategoryID      int64
	Title           string
	Description     string
	Keywords        string
	IsPrivate       bool
	IsAgeRestricted bool
	Size            int64
	Duration        float64
	VideoPath       string
	ThumbnailPath   string
	Checksum        string
	Status          models.VideoStatus
}

// FinalizeVideoParams completes a pending record once its bytes are verified.
type FinalizeVideoParams struct {
	Size     int64
	Duration float64
	Checksum string
}

const defaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
