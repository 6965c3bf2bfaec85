package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vidhub/internal/models"
)

// ErrPostgresUnavailable is returned by a repository whose pool was never
// opened or has been closed.
var ErrPostgresUnavailable = errors.New("postgres repository unavailable")

//go:embed schema.sql
var schemaSQL string

// PostgresRepository is the Repository backed by a pgx connection pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository opens a Postgres-backed repository. Call Migrate
// before first use on a fresh database.
func NewPostgresRepository(dsn string, opts ...Option) (*PostgresRepository, error) {
	cfg := resolveOptions(dsn, opts)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresRepository{pool: pool, cfg: cfg}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		if _, err := conn.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// withConn acquires a pooled connection bounded by the acquire timeout and
// runs fn with the same deadline.
func (r *PostgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.AcquireTimeout)
	defer cancel()
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func (r *PostgresRepository) now() time.Time {
	if r.cfg.Clock != nil {
		return r.cfg.Clock()
	}
	return time.Now().UTC()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

func (r *PostgresRepository) CreateUser(ctx context.Context, username string) (models.User, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return models.User{}, err
	}
	var user models.User
	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx,
			`INSERT INTO users (username, created_at) VALUES ($1, $2) RETURNING id, username, created_at, deleted_at`,
			username, r.now(),
		).Scan(&user.ID, &user.Username, &user.CreatedAt, &user.DeletedAt)
	})
	if err != nil {
		return models.User{}, classify(fmt.Sprintf("create user %q", username), err)
	}
	return user, nil
}

func (r *PostgresRepository) GetUser(ctx context.Context, id int64) (models.User, error) {
	var user models.User
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx,
			`SELECT id, username, created_at, deleted_at FROM users WHERE id = $1 AND deleted_at IS NULL`,
			id,
		).Scan(&user.ID, &user.Username, &user.CreatedAt, &user.DeletedAt)
	})
	if err != nil {
		return models.User{}, classify(fmt.Sprintf("get user %d", id), err)
	}
	return user, nil
}

const videoColumns = `id, uuid, user_id, category_id, title, description, keywords, is_private,
	is_age_restricted, size, duration, video_path, thumbnail_path, checksum, status, view_count,
	created_at, updated_at, deleted_at, purged_at`

func scanVideo(row pgx.Row) (models.Video, error) {
	var (
		video  models.Video
		status string
	)
	err := row.Scan(
		&video.ID, &video.UUID, &video.UserID, &video.CategoryID, &video.Title, &video.Description,
		&video.Keywords, &video.IsPrivate, &video.IsAgeRestricted, &video.Size, &video.Duration,
		&video.VideoPath, &video.ThumbnailPath, &video.Checksum, &status, &video.ViewCount,
		&video.CreatedAt, &video.UpdatedAt, &video.DeletedAt, &video.PurgedAt,
	)
	video.Status = models.VideoStatus(status)
	return video, err
}

func (r *PostgresRepository) CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error) {
	if strings.TrimSpace(params.UUID) == "" {
		return models.Video{}, fmt.Errorf("video uuid is required")
	}
	status := params.Status
	if status == "" {
		status = models.VideoStatusReady
	}
	var video models.Video
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		now := r.now()
		row := conn.QueryRow(ctx, `INSERT INTO videos (
			uuid, user_id, category_id, title, description, keywords, is_private, is_age_restricted,
			size, duration, video_path, thumbnail_path, checksum, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		RETURNING `+videoColumns,
			params.UUID, params.UserID, params.CategoryID, params.Title, params.Description, params.Keywords,
			params.IsPrivate, params.IsAgeRestricted, params.Size, params.Duration, params.VideoPath,
			params.ThumbnailPath, params.Checksum, string(status), now,
		)
		var err error
		video, err = scanVideo(row)
		return err
	})
	if err != nil {
		return models.Video{}, classify("create video "+params.UUID, err)
	}
	return video, nil
}

func (r *PostgresRepository) GetVideo(ctx context.Context, uuid string) (models.Video, error) {
	var video models.Video
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		video, err = scanVideo(conn.QueryRow(ctx,
			`SELECT `+videoColumns+` FROM videos WHERE uuid = $1 AND deleted_at IS NULL`, uuid))
		return err
	})
	if err != nil {
		return models.Video{}, classify("get video "+uuid, err)
	}
	return video, nil
}

func (r *PostgresRepository) FinalizeVideo(ctx context.Context, uuid string, update FinalizeVideoParams) (models.Video, error) {
	var video models.Video
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		video, err = scanVideo(conn.QueryRow(ctx, `UPDATE videos
			SET size = $2, duration = $3, checksum = COALESCE(NULLIF($4, ''), checksum),
			    status = 'ready', updated_at = $5
			WHERE uuid = $1 AND deleted_at IS NULL AND status = 'pending'
			RETURNING `+videoColumns,
			uuid, update.Size, update.Duration, update.Checksum, r.now()))
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		// Distinguish a missing record from one that is no longer pending.
		var status string
		lookupErr := conn.QueryRow(ctx,
			`SELECT status FROM videos WHERE uuid = $1 AND deleted_at IS NULL`, uuid).Scan(&status)
		if lookupErr != nil {
			return lookupErr
		}
		return fmt.Errorf("video %s is %s: %w", uuid, status, ErrConflict)
	})
	if err != nil {
		return models.Video{}, classify("finalize video "+uuid, err)
	}
	return video, nil
}

func (r *PostgresRepository) IncrementViewCount(ctx context.Context, uuid string, delta int64) (int64, error) {
	var count int64
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx,
			`UPDATE videos SET view_count = view_count + $2 WHERE uuid = $1 AND deleted_at IS NULL RETURNING view_count`,
			uuid, delta,
		).Scan(&count)
	})
	if err != nil {
		return 0, classify("increment views "+uuid, err)
	}
	return count, nil
}

func (r *PostgresRepository) SoftDeleteVideo(ctx context.Context, uuid string) error {
	return r.exec(ctx, "soft delete video "+uuid,
		`UPDATE videos SET deleted_at = $2, updated_at = $2 WHERE uuid = $1 AND deleted_at IS NULL`,
		uuid, r.now())
}

func (r *PostgresRepository) MarkVideoPurged(ctx context.Context, uuid string, status models.VideoStatus) error {
	if status != models.VideoStatusExpired {
		return r.exec(ctx, "mark video purged "+uuid,
			`UPDATE videos SET purged_at = $2, updated_at = $2, status = COALESCE(NULLIF($3, ''), status) WHERE uuid = $1`,
			uuid, r.now(), string(status))
	}
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx,
			`UPDATE videos SET purged_at = $2, updated_at = $2, status = 'expired' WHERE uuid = $1 AND status = 'pending'`,
			uuid, r.now())
		if err != nil || tag.RowsAffected() > 0 {
			return err
		}
		var current string
		if err := conn.QueryRow(ctx, `SELECT status FROM videos WHERE uuid = $1`, uuid).Scan(&current); err != nil {
			return err
		}
		return fmt.Errorf("video %s is %s: %w", uuid, current, ErrConflict)
	})
	if err != nil {
		return classify("expire video "+uuid, err)
	}
	return nil
}

func (r *PostgresRepository) exec(ctx context.Context, op, sql string, args ...any) error {
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return classify(op, err)
	}
	return nil
}

func (r *PostgresRepository) ListPurgeableVideos(ctx context.Context, limit int) ([]models.Video, error) {
	return r.listVideos(ctx, "list purgeable videos",
		`SELECT `+videoColumns+` FROM videos
		WHERE deleted_at IS NOT NULL AND purged_at IS NULL
		ORDER BY deleted_at LIMIT $1`, normalizeLimit(limit))
}

func (r *PostgresRepository) ListStalePendingVideos(ctx context.Context, cutoff time.Time, limit int) ([]models.Video, error) {
	return r.listVideos(ctx, "list stale pending videos",
		`SELECT `+videoColumns+` FROM videos
		WHERE status = 'pending' AND purged_at IS NULL AND created_at < $2
		ORDER BY created_at LIMIT $1`, normalizeLimit(limit), cutoff)
}

func (r *PostgresRepository) listVideos(ctx context.Context, op, sql string, args ...any) ([]models.Video, error) {
	var videos []models.Video
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			video, err := scanVideo(rows)
			if err != nil {
				return err
			}
			videos = append(videos, video)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return videos, nil
}

// classify maps driver errors onto the package sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w", op, ErrConflict)
		case "23503":
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
