// Package playback serves stored media back to HTTP clients with byte range
// support for seeking.
package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vidhub/internal/api/response"
	"vidhub/internal/mediastore"
	"vidhub/internal/observability/logging"
	"vidhub/internal/observability/metrics"
)

// DefaultRedirectTTL bounds presigned download URLs handed out by redirects.
const DefaultRedirectTTL = time.Hour

// Responder streams video and thumbnail objects from a storage backend.
type Responder struct {
	Backend mediastore.Backend
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// Redirect answers video GETs with a 307 to a presigned URL when the
	// backend can presign.
	Redirect    bool
	RedirectTTL time.Duration
}

// NewResponder returns a Responder reading from backend.
func NewResponder(backend mediastore.Backend, logger *slog.Logger, recorder *metrics.Recorder) *Responder {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Responder{
		Backend:     backend,
		Logger:      logging.WithComponent(logger, "playback"),
		Metrics:     recorder,
		RedirectTTL: DefaultRedirectTTL,
	}
}

type mediaKind struct {
	name        string
	ranges      bool
	cors        bool
	contentType string
	notFound    response.Code
}

var (
	videoKind = mediaKind{
		name:        mediastore.KindVideo,
		ranges:      true,
		contentType: "video/mp4",
		notFound:    response.VideoNotFound,
	}
	thumbnailKind = mediaKind{
		name:        mediastore.KindThumbnail,
		cors:        true,
		contentType: "image/jpeg",
		notFound:    response.ThumbnailNotFound,
	}
)

// ServeVideo streams {username}/video/{filename}, honouring Range.
func (s *Responder) ServeVideo(w http.ResponseWriter, r *http.Request, username, filename string) {
	s.serve(w, r, videoKind, username, filename)
}

// ServeThumbnail streams {username}/thumbnail/{filename} in full with
// permissive CORS headers.
func (s *Responder) ServeThumbnail(w http.ResponseWriter, r *http.Request, username, filename string) {
	s.serve(w, r, thumbnailKind, username, filename)
}

func (s *Responder) serve(w http.ResponseWriter, r *http.Request, kind mediaKind, username, filename string) {
	ctx := r.Context()
	logger := logging.FromContext(ctx, s.Logger)

	key, ok := objectKey(kind, username, filename)
	if !ok {
		response.Error(w, http.StatusNotFound, kind.notFound)
		return
	}
	info, err := s.Backend.Stat(ctx, key)
	if err != nil {
		s.fail(w, logger, kind, key, err)
		return
	}

	if kind.ranges && s.Redirect && r.Method == http.MethodGet {
		if presigner, ok := mediastore.Presigning(s.Backend); ok {
			s.redirect(w, r, logger, presigner, key)
			return
		}
	}

	header := w.Header()
	header.Set("Cross-Origin-Resource-Policy", "cross-origin")
	if kind.cors {
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("Access-Control-Allow-Methods", "GET")
		header.Set("Access-Control-Allow-Headers", "Content-Type")
	}
	if kind.ranges {
		header.Set("Accept-Ranges", "bytes")
	}
	if !info.ModTime.IsZero() {
		header.Set("Last-Modified", info.ModTime.UTC().Format(http.TimeFormat))
	}

	var (
		span    ByteRange
		partial bool
	)
	if kind.ranges {
		span, partial, err = ParseRange(r.Header.Get("Range"), info.Size)
		if errors.Is(err, ErrUnsatisfiable) {
			header.Set("Content-Range", "bytes */"+strconv.FormatInt(info.Size, 10))
			response.Error(w, http.StatusRequestedRangeNotSatisfiable, response.RangeNotSatisfiable)
			return
		}
	}

	status := http.StatusOK
	length := info.Size
	if partial {
		status = http.StatusPartialContent
		length = span.Length()
	}

	var body io.ReadCloser
	if r.Method != http.MethodHead {
		if partial {
			body, err = s.Backend.ReadRange(ctx, key, span.Start, span.End)
		} else {
			body, err = s.Backend.Open(ctx, key)
		}
		if err != nil {
			s.fail(w, logger, kind, key, err)
			return
		}
		defer body.Close()
	}

	// The stored type is client-controlled on presigned uploads; never echo it.
	header.Set("Content-Type", kind.contentType)
	header.Set("Content-Length", strconv.FormatInt(length, 10))
	if partial {
		header.Set("Content-Range", span.ContentRange(info.Size))
	}
	w.WriteHeader(status)
	if body == nil {
		return
	}

	if s.Metrics != nil {
		s.Metrics.StreamStarted(kind.name)
	}
	written, err := io.Copy(w, &contextReader{ctx: ctx, r: body})
	if s.Metrics != nil {
		s.Metrics.StreamStopped(kind.name, written)
	}
	if err != nil {
		logger.Debug("stream interrupted", "key", key, "written", written, "error", err)
	}
}

func (s *Responder) redirect(w http.ResponseWriter, r *http.Request, logger *slog.Logger, presigner mediastore.Presigner, key string) {
	ttl := s.RedirectTTL
	if ttl <= 0 {
		ttl = DefaultRedirectTTL
	}
	signed, err := presigner.PresignGet(r.Context(), key, ttl)
	if err != nil {
		logger.Error("presign download failed", "key", key, "error", err)
		response.Error(w, http.StatusInternalServerError, response.UnexpectedError)
		return
	}
	w.Header().Set("Cache-Control", "private, max-age="+strconv.Itoa(int(ttl.Seconds())))
	http.Redirect(w, r, signed.URL, http.StatusTemporaryRedirect)
}

func (s *Responder) fail(w http.ResponseWriter, logger *slog.Logger, kind mediaKind, key string, err error) {
	if errors.Is(err, mediastore.ErrNotFound) || errors.Is(err, mediastore.ErrInvalidKey) {
		response.Error(w, http.StatusNotFound, kind.notFound)
		return
	}
	logger.Error("read media failed", "kind", kind.name, "key", key, "error", err)
	response.Error(w, http.StatusInternalServerError, response.UnexpectedError)
}

func objectKey(kind mediaKind, username, filename string) (string, bool) {
	filename = strings.TrimSpace(filename)
	if filename == "" || filename == "." || filename == ".." || strings.ContainsAny(filename, `/\`) {
		return "", false
	}
	namespace, err := mediastore.UserNamespace(username)
	if err != nil {
		return "", false
	}
	return mediastore.ObjectKey(namespace, kind.name, filename), true
}

// contextReader stops reads once the request context is done so an aborted
// client releases the object promptly.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
