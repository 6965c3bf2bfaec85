package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"vidhub/internal/models"
)

// memoryRepository keeps records in process memory. It backs tests and
// single-node development setups.
type memoryRepository struct {
	mu          sync.RWMutex
	now         func() time.Time
	nextUserID  int64
	nextVideoID int64
	users       map[int64]models.User
	usernames   map[string]int64
	videos      map[string]*models.Video
}

// NewMemoryRepository returns an empty in-memory Repository.
func NewMemoryRepository(opts ...Option) Repository {
	return &memoryRepository{
		now:       resolveOptions("", opts).Clock,
		users:     make(map[int64]models.User),
		usernames: make(map[string]int64),
		videos:    make(map[string]*models.Video),
	}
}

func (r *memoryRepository) Ping(context.Context) error { return nil }

func (r *memoryRepository) Close(context.Context) error { return nil }

func (r *memoryRepository) CreateUser(_ context.Context, username string) (models.User, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return models.User{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.usernames[strings.ToLower(username)]; exists {
		return models.User{}, fmt.Errorf("username %q: %w", username, ErrConflict)
	}
	r.nextUserID++
	user := models.User{ID: r.nextUserID, Username: username, CreatedAt: r.now()}
	r.users[user.ID] = user
	r.usernames[strings.ToLower(username)] = user.ID
	return user, nil
}

func (r *memoryRepository) GetUser(_ context.Context, id int64) (models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[id]
	if !ok || !user.Active() {
		return models.User{}, ErrNotFound
	}
	return user, nil
}

func (r *memoryRepository) CreateVideo(_ context.Context, params CreateVideoParams) (models.Video, error) {
	if strings.TrimSpace(params.UUID) == "" {
		return models.Video{}, fmt.Errorf("video uuid is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[params.UserID]; !ok {
		return models.Video{}, fmt.Errorf("user %d: %w", params.UserID, ErrNotFound)
	}
	if _, exists := r.videos[params.UUID]; exists {
		return models.Video{}, fmt.Errorf("video %s: %w", params.UUID, ErrConflict)
	}
	status := params.Status
	if status == "" {
		status = models.VideoStatusReady
	}
	now := r.now()
	r.nextVideoID++
	video := &models.Video{
		ID:              r.nextVideoID,
		UUID:            params.UUID,
		UserID:          params.UserID,
		CategoryID:      params.CategoryID,
		Title:           params.Title,
		Description:     params.Description,
		Keywords:        params.Keywords,
		IsPrivate:       params.IsPrivate,
		IsAgeRestricted: params.IsAgeRestricted,
		Size:            params.Size,
		Duration:        params.Duration,
		VideoPath:       params.VideoPath,
		ThumbnailPath:   params.ThumbnailPath,
		Checksum:        params.Checksum,
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.videos[video.UUID] = video
	return *video, nil
}

func (r *memoryRepository) GetVideo(_ context.Context, uuid string) (models.Video, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	video, ok := r.videos[uuid]
	if !ok || video.Deleted() {
		return models.Video{}, ErrNotFound
	}
	return *video, nil
}

func (r *memoryRepository) FinalizeVideo(_ context.Context, uuid string, update FinalizeVideoParams) (models.Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	video, ok := r.videos[uuid]
	if !ok || video.Deleted() {
		return models.Video{}, ErrNotFound
	}
	if video.Status != models.VideoStatusPending {
		return models.Video{}, fmt.Errorf("video %s is %s: %w", uuid, video.Status, ErrConflict)
	}
	video.Size = update.Size
	video.Duration = update.Duration
	if update.Checksum != "" {
		video.Checksum = update.Checksum
	}
	video.Status = models.VideoStatusReady
	video.UpdatedAt = r.now()
	return *video, nil
}

func (r *memoryRepository) IncrementViewCount(_ context.Context, uuid string, delta int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	video, ok := r.videos[uuid]
	if !ok || video.Deleted() {
		return 0, ErrNotFound
	}
	video.ViewCount += delta
	return video.ViewCount, nil
}

func (r *memoryRepository) SoftDeleteVideo(_ context.Context, uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	video, ok := r.videos[uuid]
	if !ok || video.Deleted() {
		return ErrNotFound
	}
	now := r.now()
	video.DeletedAt = &now
	video.UpdatedAt = now
	return nil
}

func (r *memoryRepository) ListPurgeableVideos(_ context.Context, limit int) ([]models.Video, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Video
	for _, video := range r.videos {
		if video.Deleted() && video.PurgedAt == nil {
			out = append(out, *video)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt.Before(*out[j].DeletedAt) })
	return truncate(out, limit), nil
}

func (r *memoryRepository) ListStalePendingVideos(_ context.Context, cutoff time.Time, limit int) ([]models.Video, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Video
	for _, video := range r.videos {
		if video.Status == models.VideoStatusPending && video.PurgedAt == nil && video.CreatedAt.Before(cutoff) {
			out = append(out, *video)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func (r *memoryRepository) MarkVideoPurged(_ context.Context, uuid string, status models.VideoStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	video, ok := r.videos[uuid]
	if !ok {
		return ErrNotFound
	}
	if status == models.VideoStatusExpired && video.Status != models.VideoStatusPending {
		return fmt.Errorf("video %s is %s: %w", uuid, video.Status, ErrConflict)
	}
	now := r.now()
	video.PurgedAt = &now
	video.UpdatedAt = now
	if status != "" {
		video.Status = status
	}
	return nil
}

func truncate(videos []models.Video, limit int) []models.Video {
	limit = normalizeLimit(limit)
	if len(videos) > limit {
		return videos[:limit]
	}
	return videos
}
