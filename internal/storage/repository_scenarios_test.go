package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vidhub/internal/models"
)

type repositoryFactory func(t *testing.T, opts ...Option) Repository

// runRepositoryScenarios exercises behaviour every implementation must share.
func runRepositoryScenarios(t *testing.T, factory repositoryFactory) {
	t.Run("users", func(t *testing.T) { scenarioUsers(t, factory) })
	t.Run("video lifecycle", func(t *testing.T) { scenarioVideoLifecycle(t, factory) })
	t.Run("finalize", func(t *testing.T) { scenarioFinalize(t, factory) })
	t.Run("concurrent views", func(t *testing.T) { scenarioConcurrentViews(t, factory) })
	t.Run("gc listings", func(t *testing.T) { scenarioGCListings(t, factory) })
}

func newVideoParams(userID int64, uuid string, status models.VideoStatus) CreateVideoParams {
	return CreateVideoParams{
		UUID:          uuid,
		UserID:        userID,
		CategoryID:    3,
		Title:         "A title",
		Description:   "A long enough description",
		Keywords:      "music,live,show",
		Size:          1024,
		Duration:      12.5,
		VideoPath:     "alice/video/" + uuid + ".mp4",
		ThumbnailPath: "alice/thumbnail/" + uuid + ".jpeg",
		Status:        status,
	}
}

func scenarioUsers(t *testing.T, factory repositoryFactory) {
	ctx := context.Background()
	repo := factory(t)
	user, err := repo.CreateUser(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	got, err := repo.GetUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Username != "alice" || !got.Active() {
		t.Fatalf("unexpected user %+v", got)
	}
	if _, err := repo.CreateUser(ctx, "Alice"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate username, got %v", err)
	}
	if _, err := repo.GetUser(ctx, user.ID+1000); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, name := range []string{"", "   ", "a b", "a/b", ".."} {
		if _, err := repo.CreateUser(ctx, name); !errors.Is(err, ErrInvalidUsername) {
			t.Fatalf("CreateUser(%q): expected ErrInvalidUsername, got %v", name, err)
		}
	}
	folded, err := repo.CreateUser(ctx, " ｂｏｂ ")
	if err != nil {
		t.Fatalf("CreateUser fullwidth: %v", err)
	}
	if folded.Username != "bob" {
		t.Fatalf("stored username = %q, want bob", folded.Username)
	}
}

func scenarioVideoLifecycle(t *testing.T, factory repositoryFactory) {
	ctx := context.Background()
	repo := factory(t)
	user, err := repo.CreateUser(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	created, err := repo.CreateVideo(ctx, newVideoParams(user.ID, "video-1", ""))
	if err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	if created.Status != models.VideoStatusReady || created.ID == 0 || created.CreatedAt.IsZero() {
		t.Fatalf("unexpected record %+v", created)
	}
	if _, err := repo.CreateVideo(ctx, newVideoParams(user.ID, "video-1", "")); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate uuid, got %v", err)
	}
	if _, err := repo.CreateVideo(ctx, newVideoParams(user.ID+1000, "video-2", "")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}

	got, err := repo.GetVideo(ctx, "video-1")
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if got.Title != "A title" || got.Duration != 12.5 || got.VideoPath != "alice/video/video-1.mp4" {
		t.Fatalf("unexpected record %+v", got)
	}

	count, err := repo.IncrementViewCount(ctx, "video-1", 1)
	if err != nil || count != 1 {
		t.Fatalf("IncrementViewCount = %d, %v", count, err)
	}
	if _, err := repo.IncrementViewCount(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := repo.SoftDeleteVideo(ctx, "video-1"); err != nil {
		t.Fatalf("SoftDeleteVideo: %v", err)
	}
	if _, err := repo.GetVideo(ctx, "video-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted video hidden, got %v", err)
	}
	if err := repo.SoftDeleteVideo(ctx, "video-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected second delete to miss, got %v", err)
	}
	if _, err := repo.IncrementViewCount(ctx, "video-1", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted video to reject views, got %v", err)
	}
}

func scenarioFinalize(t *testing.T, factory repositoryFactory) {
	ctx := context.Background()
	repo := factory(t)
	user, _ := repo.CreateUser(ctx, "bob")
	params := newVideoParams(user.ID, "pending-1", models.VideoStatusPending)
	params.Size, params.Duration = 0, 0
	if _, err := repo.CreateVideo(ctx, params); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	video, err := repo.FinalizeVideo(ctx, "pending-1", FinalizeVideoParams{Size: 2048, Duration: 7.25, Checksum: "abc"})
	if err != nil {
		t.Fatalf("FinalizeVideo: %v", err)
	}
	if video.Status != models.VideoStatusReady || video.Size != 2048 || video.Duration != 7.25 || video.Checksum != "abc" {
		t.Fatalf("unexpected finalized record %+v", video)
	}
	if _, err := repo.FinalizeVideo(ctx, "pending-1", FinalizeVideoParams{}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on second finalize, got %v", err)
	}
	if err := repo.MarkVideoPurged(ctx, "pending-1", models.VideoStatusExpired); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict expiring a ready video, got %v", err)
	}
	if got, err := repo.GetVideo(ctx, "pending-1"); err != nil || got.Status != models.VideoStatusReady || got.PurgedAt != nil {
		t.Fatalf("ready video changed by expiry: %+v, %v", got, err)
	}
	if err := repo.MarkVideoPurged(ctx, "missing", models.VideoStatusExpired); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound expiring a missing video, got %v", err)
	}
	if _, err := repo.FinalizeVideo(ctx, "missing", FinalizeVideoParams{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func scenarioConcurrentViews(t *testing.T, factory repositoryFactory) {
	ctx := context.Background()
	repo := factory(t)
	user, _ := repo.CreateUser(ctx, "carol")
	if _, err := repo.CreateVideo(ctx, newVideoParams(user.ID, "popular", "")); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	const workers = 50
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.IncrementViewCount(ctx, "popular", 1)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("IncrementViewCount: %v", err)
		}
	}
	video, err := repo.GetVideo(ctx, "popular")
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if video.ViewCount != workers {
		t.Fatalf("expected %d views, got %d", workers, video.ViewCount)
	}
}

func scenarioGCListings(t *testing.T, factory repositoryFactory) {
	ctx := context.Background()
	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	advance := func(d time.Duration) {
		mu.Lock()
		current = current.Add(d)
		mu.Unlock()
	}
	repo := factory(t, WithClock(clock))
	user, _ := repo.CreateUser(ctx, "dave")

	if _, err := repo.CreateVideo(ctx, newVideoParams(user.ID, "old-pending", models.VideoStatusPending)); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	advance(time.Hour)
	if _, err := repo.CreateVideo(ctx, newVideoParams(user.ID, "fresh-pending", models.VideoStatusPending)); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	if _, err := repo.CreateVideo(ctx, newVideoParams(user.ID, "deleted", "")); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	if err := repo.SoftDeleteVideo(ctx, "deleted"); err != nil {
		t.Fatalf("SoftDeleteVideo: %v", err)
	}

	stale, err := repo.ListStalePendingVideos(ctx, clock().Add(-30*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStalePendingVideos: %v", err)
	}
	if len(stale) != 1 || stale[0].UUID != "old-pending" {
		t.Fatalf("unexpected stale list %+v", stale)
	}

	purgeable, err := repo.ListPurgeableVideos(ctx, 10)
	if err != nil {
		t.Fatalf("ListPurgeableVideos: %v", err)
	}
	if len(purgeable) != 1 || purgeable[0].UUID != "deleted" {
		t.Fatalf("unexpected purgeable list %+v", purgeable)
	}

	if err := repo.MarkVideoPurged(ctx, "deleted", ""); err != nil {
		t.Fatalf("MarkVideoPurged: %v", err)
	}
	if err := repo.MarkVideoPurged(ctx, "old-pending", models.VideoStatusExpired); err != nil {
		t.Fatalf("MarkVideoPurged: %v", err)
	}
	if err := repo.MarkVideoPurged(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if purgeable, _ := repo.ListPurgeableVideos(ctx, 10); len(purgeable) != 0 {
		t.Fatalf("expected nothing left to purge, got %+v", purgeable)
	}
	if stale, _ := repo.ListStalePendingVideos(ctx, clock().Add(time.Minute), 10); len(stale) != 1 || stale[0].UUID != "fresh-pending" {
		t.Fatalf("expected only the fresh pending video, got %+v", stale)
	}
	expired, err := repo.GetVideo(ctx, "old-pending")
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if expired.Status != models.VideoStatusExpired || expired.PurgedAt == nil {
		t.Fatalf("unexpected expired record %+v", expired)
	}
}
