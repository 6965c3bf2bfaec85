package mediastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// S3Config describes an S3-compatible bucket. Endpoint is optional and
// targets MinIO-style stores; UsePathStyle is usually required with it.
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Prefix       string
	UsePathStyle bool
	HTTPClient   *http.Client
}

// S3Backend stores objects in a single bucket.
type S3Backend struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	prefix    string
	now       func() time.Time
}

// NewS3Backend loads AWS configuration (static credentials when provided,
// the default chain otherwise) and returns a backend bound to cfg.Bucket.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	if cfg.HTTPClient != nil {
		loadOpts = append(loadOpts, config.WithHTTPClient(cfg.HTTPClient))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Backend{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    strings.TrimSpace(cfg.Bucket),
		prefix:    strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		now:       time.Now,
	}, nil
}

func (b *S3Backend) Name() string { return "s3" }

func (b *S3Backend) objectKey(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if b.prefix == "" {
		return cleaned, nil
	}
	return path.Join(b.prefix, cleaned), nil
}

// EnsureNamespace only validates the prefix; buckets have no directories.
func (b *S3Backend) EnsureNamespace(_ context.Context, prefix string) error {
	_, err := b.objectKey(prefix)
	return err
}

func (b *S3Backend) Put(ctx context.Context, key string, body io.ReadSeeker, contentType string) error {
	objectKey, err := b.objectKey(key)
	if err != nil {
		return err
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(objectKey),
		Body:        body,
		ContentType: optionalString(contentType),
	})
	return b.mapErr("put", key, err)
}

// Import uploads the file and removes it once the object is stored.
func (b *S3Backend) Import(ctx context.Context, key, srcPath, contentType string) error {
	objectKey, err := b.objectKey(key)
	if err != nil {
		return err
	}
	file, err := os.Open(srcPath)
	if err != nil {
		return wrapErr("import", key, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return wrapErr("import", key, err)
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(objectKey),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   optionalString(contentType),
	})
	_ = file.Close()
	if err != nil {
		return b.mapErr("import", key, err)
	}
	return wrapErr("import", key, os.Remove(srcPath))
}

func (b *S3Backend) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	objectKey, err := b.objectKey(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return ObjectInfo{}, b.mapErr("stat", key, err)
	}
	return ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ModTime:     aws.ToTime(out.LastModified),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

func (b *S3Backend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return b.get(ctx, "open", key, "")
}

func (b *S3Backend) ReadRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	if start < 0 || end < start {
		return nil, &StorageError{Op: "read", Key: key, Err: fmt.Errorf("invalid range %d-%d", start, end)}
	}
	return b.get(ctx, "read", key, fmt.Sprintf("bytes=%d-%d", start, end))
}

func (b *S3Backend) get(ctx context.Context, op, key, byteRange string) (io.ReadCloser, error) {
	objectKey, err := b.objectKey(key)
	if err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
		Range:  optionalString(byteRange),
	})
	if err != nil {
		return nil, b.mapErr(op, key, err)
	}
	return out.Body, nil
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	objectKey, err := b.objectKey(key)
	if err != nil {
		return err
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil && !isNotFound(err) {
		return b.mapErr("delete", key, err)
	}
	return nil
}

// PresignPut returns a URL the client can PUT the object to directly. The
// content type is part of the signature, so the returned headers must be
// sent verbatim and the stored object carries exactly that type.
func (b *S3Backend) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (PresignedRequest, error) {
	objectKey, err := b.objectKey(key)
	if err != nil {
		return PresignedRequest{}, err
	}
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return PresignedRequest{}, wrapErr("presign", key, errors.New("content type is required"))
	}
	req, err := b.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(objectKey),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(ttl), s3.WithPresignClientFromClientOptions(func(o *s3.Options) {
		o.APIOptions = append(o.APIOptions, signHeader("Content-Type", contentType))
	}))
	if err != nil {
		return PresignedRequest{}, wrapErr("presign", key, err)
	}
	presigned := b.presigned(req.URL, req.Method, req.SignedHeader, ttl)
	if presigned.Header == nil {
		presigned.Header = make(http.Header, 1)
	}
	presigned.Header.Set("Content-Type", contentType)
	return presigned, nil
}

// signHeader sets a header on the outgoing request just before the presign
// signer runs, which makes the header part of the signed set.
func signHeader(name, value string) func(*middleware.Stack) error {
	mw := middleware.FinalizeMiddlewareFunc("vidhubSignHeader", func(ctx context.Context, in middleware.FinalizeInput, next middleware.FinalizeHandler) (middleware.FinalizeOutput, middleware.Metadata, error) {
		if req, ok := in.Request.(*smithyhttp.Request); ok {
			req.Header.Set(name, value)
		}
		return next.HandleFinalize(ctx, in)
	})
	return func(stack *middleware.Stack) error {
		if err := stack.Finalize.Insert(mw, "PresignHTTPRequest", middleware.Before); err == nil {
			return nil
		}
		return stack.Finalize.Add(mw, middleware.Before)
	}
}

// PresignGet returns a time-limited download URL.
func (b *S3Backend) PresignGet(ctx context.Context, key string, ttl time.Duration) (PresignedRequest, error) {
	objectKey, err := b.objectKey(key)
	if err != nil {
		return PresignedRequest{}, err
	}
	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return PresignedRequest{}, wrapErr("presign", key, err)
	}
	return b.presigned(req.URL, req.Method, req.SignedHeader, ttl), nil
}

func (b *S3Backend) presigned(url, method string, signed http.Header, ttl time.Duration) PresignedRequest {
	header := make(http.Header, len(signed))
	for name, values := range signed {
		if strings.EqualFold(name, "Host") {
			continue
		}
		header[name] = append([]string(nil), values...)
	}
	if len(header) == 0 {
		header = nil
	}
	return PresignedRequest{
		URL:       url,
		Method:    method,
		Header:    header,
		ExpiresAt: b.now().Add(ttl).UTC(),
	}
}

func (b *S3Backend) mapErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return ErrNotFound
	}
	return wrapErr(op, key, err)
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		case "NoSuchBucket":
			return false
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return aws.String(value)
}
