package models

import "time"

// VideoStatus tracks whether a video's bytes have been accepted.
type VideoStatus string

const (
	// VideoStatusPending marks a presigned upload that has not been confirmed.
	VideoStatusPending VideoStatus = "pending"
	// VideoStatusReady marks a video whose bytes are stored and probed.
	VideoStatusReady VideoStatus = "ready"
	// VideoStatusExpired marks a pending upload abandoned past its TTL.
	VideoStatusExpired VideoStatus = "expired"
)

// User is the subset of an account that media ingestion depends on.
type User struct {
	ID        int64      `json:"id"`
	Username  string     `json:"username"`
	CreatedAt time.Time  `json:"createdAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// Active reports whether the account has not been soft-deleted.
func (u User) Active() bool {
	return u.DeletedAt == nil
}

// Video is the metadata record persisted for every uploaded video.
type Video struct {
	ID              int64       `json:"id"`
	UUID            string      `json:"uuid"`
	UserID          int64       `json:"userId"`
	CategoryID      int64       `json:"categoryId"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	Keywords        string      `json:"keywords"`
	IsPrivate       bool        `json:"isPrivate"`
	IsAgeRestricted bool        `json:"isAgeRestricted"`
	Size            int64       `json:"size"`
	Duration        float64     `json:"duration"`
	VideoPath       string      `json:"videoPath"`
	ThumbnailPath   string      `json:"thumbnailPath"`
	Checksum        string      `json:"checksum,omitempty"`
	Status          VideoStatus `json:"status"`
	ViewCount       int64       `json:"viewCount"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
	DeletedAt       *time.Time  `json:"deletedAt,omitempty"`
	PurgedAt        *time.Time  `json:"purgedAt,omitempty"`
}

// Deleted reports whether the record has been soft-deleted.
func (v Video) Deleted() bool {
	return v.DeletedAt != nil
}

// StoredMedia describes where an ingested video and thumbnail now live.
type StoredMedia struct {
	VideoPath     string  `json:"videoPath"`
	ThumbnailPath string  `json:"thumbnailPath"`
	Size          int64   `json:"size"`
	Duration      float64 `json:"duration"`
}
