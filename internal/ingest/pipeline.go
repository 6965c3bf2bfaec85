package ingest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"vidhub/internal/media"
	"vidhub/internal/mediastore"
	"vidhub/internal/models"
	"vidhub/internal/observability/logging"
	"vidhub/internal/observability/metrics"
	"vidhub/internal/storage"
)

// resizedSuffix names the transformed thumbnail next to the spooled original.
const resizedSuffix = ".resized.jpeg"

// Store is the slice of storage.Repository the pipeline writes through.
type Store interface {
	GetUser(ctx context.Context, id int64) (models.User, error)
	CreateVideo(ctx context.Context, params storage.CreateVideoParams) (models.Video, error)
	GetVideo(ctx context.Context, uuid string) (models.Video, error)
	FinalizeVideo(ctx context.Context, uuid string, update storage.FinalizeVideoParams) (models.Video, error)
}

// Thumbnailer resizes thumbnails. *media.Transformer satisfies it.
type Thumbnailer interface {
	ResizeThumbnail(ctx context.Context, src, dst string) error
	Encode(ctx context.Context, r io.Reader, w io.Writer) error
}

// Prober reports a video's duration in seconds. *media.FFProbe satisfies it.
type Prober interface {
	ProbeDuration(ctx context.Context, target string) (float64, error)
}

// PipelineConfig wires a Pipeline to its collaborators.
type PipelineConfig struct {
	Store      Store
	Backend    mediastore.Backend
	Thumbnails Thumbnailer
	Prober     Prober
	Config     Config
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	// NewID generates public video ids. Defaults to uuid.NewString.
	NewID func() string
}

// Pipeline ingests uploads. It is safe for concurrent use.
type Pipeline struct {
	store      Store
	backend    mediastore.Backend
	thumbnails Thumbnailer
	prober     Prober
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Recorder
	newID      func() string
	validate   *validator.Validate
}

func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, errors.New("ingest: store is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("ingest: storage backend is required")
	}
	if cfg.Thumbnails == nil {
		return nil, errors.New("ingest: thumbnailer is required")
	}
	if cfg.Prober == nil {
		return nil, errors.New("ingest: prober is required")
	}
	if err := cfg.Config.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Pipeline{
		store:      cfg.Store,
		backend:    cfg.Backend,
		thumbnails: cfg.Thumbnails,
		prober:     cfg.Prober,
		cfg:        cfg.Config,
		logger:     logging.WithComponent(logger, "ingest"),
		metrics:    cfg.Metrics,
		newID:      newID,
		validate:   newValidator(),
	}, nil
}

// Config returns the limits the pipeline enforces.
func (p *Pipeline) Config() Config { return p.cfg }

// Presigning reports whether Prepare and Confirm are available.
func (p *Pipeline) Presigning() bool {
	_, ok := mediastore.Presigning(p.backend)
	return ok
}

// Ingest stores a multipart upload. The caller owns the request's temp files
// and removes whatever is left of them afterwards.
func (p *Pipeline) Ingest(ctx context.Context, req UploadRequest) (Result, error) {
	result, err := p.ingest(ctx, req)
	p.observe("multipart", err)
	return result, err
}

func (p *Pipeline) ingest(ctx context.Context, req UploadRequest) (Result, error) {
	fields, err := p.validateFields(req.UploadFields)
	if err != nil {
		return Result{}, err
	}
	if req.Video == nil || req.Video.TempPath == "" {
		return Result{}, ErrVideoRequired
	}
	if req.Thumbnail == nil || req.Thumbnail.TempPath == "" {
		return Result{}, ErrThumbnailRequired
	}
	if err := checkContentTypes(req.Video.ContentType, req.Thumbnail.ContentType); err != nil {
		return Result{}, err
	}
	videoSize, err := partSize(req.Video)
	if err != nil {
		return Result{}, err
	}
	if videoSize > p.cfg.MaxVideoBytes {
		return Result{}, ErrVideoTooLarge
	}
	thumbnailSize, err := partSize(req.Thumbnail)
	if err != nil {
		return Result{}, err
	}
	if thumbnailSize > p.cfg.MaxThumbnailInputBytes {
		return Result{}, ErrThumbnailTooLarge
	}

	user, err := p.lookupUser(ctx, fields.UserID)
	if err != nil {
		return Result{}, err
	}
	namespace, err := mediastore.UserNamespace(user.Username)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidUsername, err)
	}
	id := p.newID()
	ctx = logging.ContextWithVideoID(ctx, id)
	logger := logging.WithContext(ctx, p.logger)
	videoKey := mediastore.VideoKey(namespace, id)
	thumbnailKey := mediastore.ThumbnailKey(namespace, id)

	if err := p.ensureNamespaces(ctx, namespace); err != nil {
		return Result{}, err
	}

	var undo rollback
	fail := func(err error) (Result, error) {
		undo.run(ctx, logger)
		return Result{}, err
	}

	resized := req.Thumbnail.TempPath + resizedSuffix
	started := time.Now()
	if err := p.thumbnails.ResizeThumbnail(ctx, req.Thumbnail.TempPath, resized); err != nil {
		return fail(err)
	}
	p.stage("transform", started)
	_ = os.Remove(req.Thumbnail.TempPath)
	info, err := os.Stat(resized)
	if err != nil {
		_ = os.Remove(resized)
		return fail(fmt.Errorf("stat resized thumbnail: %w", err))
	}
	if info.Size() > p.cfg.MaxThumbnailBytes {
		_ = os.Remove(resized)
		return fail(ErrThumbnailTooLarge)
	}
	started = time.Now()
	if err := p.backend.Import(ctx, thumbnailKey, resized, "image/jpeg"); err != nil {
		_ = os.Remove(resized)
		return fail(err)
	}
	undo.add("delete thumbnail", func(ctx context.Context) error {
		return p.backend.Delete(ctx, thumbnailKey)
	})
	p.stage("store_thumbnail", started)

	started = time.Now()
	duration, err := p.prober.ProbeDuration(ctx, req.Video.TempPath)
	if err != nil {
		return fail(err)
	}
	p.stage("probe", started)

	started = time.Now()
	checksum, err := fileChecksum(req.Video.TempPath)
	if err != nil {
		return fail(err)
	}
	p.stage("checksum", started)

	started = time.Now()
	if err := p.backend.Import(ctx, videoKey, req.Video.TempPath, "video/mp4"); err != nil {
		return fail(err)
	}
	undo.add("delete video", func(ctx context.Context) error {
		return p.backend.Delete(ctx, videoKey)
	})
	p.stage("store_video", started)

	video, err := p.store.CreateVideo(ctx, storage.CreateVideoParams{
		UUID:            id,
		UserID:          user.ID,
		CategoryID:      fields.CategoryID,
		Title:           fields.Title,
		Description:     fields.Description,
		Keywords:        fields.Keywords,
		IsPrivate:       fields.IsPrivate,
		IsAgeRestricted: fields.IsAgeRestricted,
		Size:            videoSize,
		Duration:        duration,
		VideoPath:       videoKey,
		ThumbnailPath:   thumbnailKey,
		Checksum:        checksum,
		Status:          models.VideoStatusReady,
	})
	if err != nil {
		return fail(&MetadataError{Op: "create video", Err: err})
	}
	logger.Info("video ingested", "video_path", videoKey, "size", videoSize, "duration", duration)
	return Result{Video: video, Media: storedMedia(video)}, nil
}

// partSize is the larger of the declared and on-disk sizes.
func partSize(part *FilePart) (int64, error) {
	info, err := os.Stat(part.TempPath)
	if err != nil {
		return 0, fmt.Errorf("stat upload %s: %w", part.Filename, err)
	}
	return max(part.Size, info.Size()), nil
}

func (p *Pipeline) lookupUser(ctx context.Context, id int64) (models.User, error) {
	user, err := p.store.GetUser(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.User{}, ErrUserNotFound
	}
	if err != nil {
		return models.User{}, &MetadataError{Op: "get user", Err: err}
	}
	if !user.Active() {
		return models.User{}, ErrUserNotFound
	}
	return user, nil
}

func (p *Pipeline) ensureNamespaces(ctx context.Context, namespace string) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, kind := range []string{mediastore.KindVideo, mediastore.KindThumbnail} {
		prefix := mediastore.NamespacePrefix(namespace, kind)
		group.Go(func() error {
			return p.backend.EnsureNamespace(groupCtx, prefix)
		})
	}
	return group.Wait()
}

func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for checksum: %w", err)
	}
	defer file.Close()
	return readerChecksum(file)
}

func readerChecksum(r io.Reader) (string, error) {
	hash, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(hash, r); err != nil {
		return "", fmt.Errorf("checksum: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func (p *Pipeline) stage(name string, started time.Time) {
	if p.metrics != nil {
		p.metrics.ObserveIngestStage(name, time.Since(started))
	}
}

func (p *Pipeline) observe(strategy string, err error) {
	if p.metrics != nil {
		p.metrics.ObserveIngest(strategy, Outcome(err))
	}
}

// Outcome classifies an ingest error into a short metric label.
func Outcome(err error) string {
	var validation *ValidationError
	var metadata *MetadataError
	var storageErr *mediastore.StorageError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &validation),
		errors.Is(err, ErrVideoRequired), errors.Is(err, ErrThumbnailRequired), errors.Is(err, ErrInvalidUsername),
		errors.Is(err, ErrUnsupportedVideoType), errors.Is(err, ErrUnsupportedThumbnailType):
		return "invalid"
	case errors.Is(err, ErrVideoTooLarge), errors.Is(err, ErrThumbnailTooLarge):
		return "too_large"
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrVideoNotFound),
		errors.Is(err, ErrVideoNotUploaded), errors.Is(err, ErrThumbnailNotUploaded):
		return "not_found"
	case errors.Is(err, ErrAlreadyConfirmed):
		return "conflict"
	case errors.Is(err, ErrPresignUnsupported):
		return "unsupported"
	case errors.Is(err, media.ErrTransform):
		return "transform_failed"
	case errors.Is(err, media.ErrProbeFailed):
		return "probe_failed"
	case errors.As(err, &storageErr):
		return "storage_failed"
	case errors.As(err, &metadata):
		return "metadata_failed"
	default:
		return "error"
	}
}
