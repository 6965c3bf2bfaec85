// Package media implements the CPU and subprocess heavy parts of ingestion:
// resizing thumbnails and probing video duration.
package media

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
	"golang.org/x/sync/semaphore"
)

const (
	ThumbnailWidth   = 1280
	ThumbnailHeight  = 720
	ThumbnailQuality = 80

	// DefaultMaxPixels caps the decoded size of a thumbnail source.
	DefaultMaxPixels = 50_000_000
)

// ErrTransform is matched by every TransformError.
var ErrTransform = errors.New("thumbnail transform failed")

// TransformError reports an undecodable input or an encoding failure.
type TransformError struct {
	Stage string
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("thumbnail %s: %v", e.Stage, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

func (e *TransformError) Is(target error) bool { return target == ErrTransform }

// Transformer resizes thumbnails to a fixed cover box. Concurrent work is
// bounded by the shared limiter.
type Transformer struct {
	Width   int
	Height  int
	Quality int
	// MaxPixels rejects sources whose header declares more pixels, before
	// any pixel data is decoded. Zero means DefaultMaxPixels.
	MaxPixels int64
	limiter   *semaphore.Weighted
}

// NewTransformer returns a Transformer producing 1280x720 JPEG q80 output.
// A nil limiter leaves concurrency unbounded.
func NewTransformer(limiter *semaphore.Weighted) *Transformer {
	return &Transformer{
		Width:   ThumbnailWidth,
		Height:  ThumbnailHeight,
		Quality:   ThumbnailQuality,
		MaxPixels: DefaultMaxPixels,
		limiter:   limiter,
	}
}

// NewLimiter bounds how many transforms and probes run at once.
func NewLimiter(n int) *semaphore.Weighted {
	if n <= 0 {
		n = 4
	}
	return semaphore.NewWeighted(int64(n))
}

// ResizeThumbnail reads the image at src and writes the resized JPEG to dst.
// dst is written through a sibling temp file so a failed transform never
// leaves partial output behind.
func (t *Transformer) ResizeThumbnail(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open thumbnail source: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".thumb-*")
	if err != nil {
		return fmt.Errorf("create thumbnail output: %w", err)
	}
	tmpName := tmp.Name()
	buffered := bufio.NewWriter(tmp)
	if err := t.Encode(ctx, in, buffered); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := buffered.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write thumbnail: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close thumbnail: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store thumbnail: %w", err)
	}
	return nil
}

// Encode decodes a JPEG or PNG from r, scales it to cover the target box,
// crops the overflow around the centre, and writes a JPEG to w.
func (t *Transformer) Encode(ctx context.Context, r io.Reader, w io.Writer) error {
	if t.limiter != nil {
		if err := t.limiter.Acquire(ctx, 1); err != nil {
			return err
		}
		defer t.limiter.Release(1)
	}
	var header bytes.Buffer
	cfg, _, err := image.DecodeConfig(io.TeeReader(r, &header))
	if err != nil {
		return &TransformError{Stage: "decode", Err: err}
	}
	maxPixels := t.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return &TransformError{Stage: "decode", Err: fmt.Errorf("%dx%d image exceeds %d pixels", cfg.Width, cfg.Height, maxPixels)}
	}
	src, _, err := image.Decode(io.MultiReader(&header, r))
	if err != nil {
		return &TransformError{Stage: "decode", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := image.NewRGBA(image.Rect(0, 0, t.Width, t.Height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, CoverCrop(src.Bounds(), t.Width, t.Height), draw.Src, nil)
	if err := jpeg.Encode(w, dst, &jpeg.Options{Quality: t.Quality}); err != nil {
		return &TransformError{Stage: "encode", Err: err}
	}
	return nil
}

// CoverCrop returns the centred region of bounds with the target aspect
// ratio. Scaling that region to width x height fills the box exactly.
func CoverCrop(bounds image.Rectangle, width, height int) image.Rectangle {
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW <= 0 || srcH <= 0 || width <= 0 || height <= 0 {
		return bounds
	}
	cropW, cropH := srcW, srcH
	// Compare srcW/srcH with width/height without floating point.
	if srcW*height > srcH*width {
		cropW = srcH * width / height
		if cropW < 1 {
			cropW = 1
		}
	} else {
		cropH = srcW * height / width
		if cropH < 1 {
			cropH = 1
		}
	}
	x0 := bounds.Min.X + (srcW-cropW)/2
	y0 := bounds.Min.Y + (srcH-cropH)/2
	return image.Rect(x0, y0, x0+cropW, y0+cropH)
}
