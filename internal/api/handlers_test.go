package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"vidhub/internal/api/response"
	"vidhub/internal/ingest"
	"vidhub/internal/media"
	"vidhub/internal/mediastore"
	"vidhub/internal/models"
	"vidhub/internal/playback"
	"vidhub/internal/storage"
	"vidhub/internal/testsupport/s3stub"
	"vidhub/internal/views"
)

type fakeProber struct {
	mu       sync.Mutex
	duration float64
	err      error
}

func (f *fakeProber) ProbeDuration(context.Context, string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duration, f.err
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fixture struct {
	handler *Handler
	repo    storage.Repository
	backend mediastore.Backend
	prober  *fakeProber
	spool   string
	user    models.User
}

type fixtureOptions struct {
	backend mediastore.Backend
	driver  string
	mutate  func(*ingest.Config)
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	user, err := repo.CreateUser(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	backend := opts.backend
	if backend == nil {
		local, err := mediastore.NewLocalBackend(t.TempDir())
		if err != nil {
			t.Fatalf("NewLocalBackend: %v", err)
		}
		backend = local
	}
	driver := opts.driver
	if driver == "" {
		driver = "local"
	}
	cfg := ingest.DefaultConfig(driver)
	cfg.TempDir = t.TempDir()
	if opts.mutate != nil {
		opts.mutate(&cfg)
	}
	prober := &fakeProber{duration: 9.5}
	pipeline, err := ingest.NewPipeline(ingest.PipelineConfig{
		Store:      repo,
		Backend:    backend,
		Thumbnails: media.NewTransformer(nil),
		Prober:     prober,
		Config:     cfg,
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	handler, err := NewHandler(HandlerConfig{
		Pipeline:   pipeline,
		Playback:   playback.NewResponder(backend, nil, nil),
		Views:      views.NewStoreCounter(repo, nil, nil),
		Components: map[string]Pinger{"datastore": repo},
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return &fixture{handler: handler, repo: repo, backend: backend, prober: prober, spool: cfg.TempDir, user: user}
}

func (f *fixture) fields() map[string]string {
	return map[string]string{
		"userId":          fmt.Sprint(f.user.ID),
		"categoryId":      "3",
		"title":           "Mountain ride",
		"description":     "Riding down the ridge at dawn",
		"keywords":        "bike,mountain,dawn",
		"isPrivate":       "false",
		"isAgeRestricted": "false",
	}
}

type filePart struct {
	field, filename, contentType string
	data                         []byte
}

func multipartRequest(t *testing.T, fields map[string]string, files ...filePart) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	for _, file := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, file.field, file.filename))
		header.Set("Content-Type", file.contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("CreatePart: %v", err)
		}
		if _, err := part.Write(file.data); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/upload-video", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func videoPart(data string) filePart {
	return filePart{field: "video", filename: "clip.mp4", contentType: "video/mp4", data: []byte(data)}
}

func thumbnailPart(t *testing.T) filePart {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return filePart{field: "thumbnail", filename: "cover.png", contentType: "image/png", data: buf.Bytes()}
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope %q: %v", rec.Body.String(), err)
	}
	return env
}

func expectCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code response.Code) envelope {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if env.Code != code.Key || env.Status != code.OK() {
		t.Fatalf("envelope = %+v, want code %s", env, code.Key)
	}
	return env
}

func countFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	return n
}

func TestUploadVideoStoresMedia(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	rec := httptest.NewRecorder()
	f.handler.UploadVideo(rec, multipartRequest(t, f.fields(), videoPart("fake mp4 payload"), thumbnailPart(t)))

	env := expectCode(t, rec, http.StatusOK, response.VideoUploaded)
	var data uploadResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if _, err := uuid.Parse(data.UUID); err != nil {
		t.Fatalf("expected uuid, got %q", data.UUID)
	}
	if data.VideoPath != "alice/video/"+data.UUID+".mp4" || data.ThumbnailPath != "alice/thumbnail/"+data.UUID+".jpeg" {
		t.Fatalf("unexpected paths %+v", data)
	}
	if data.Size != int64(len("fake mp4 payload")) || data.Duration != 9.5 {
		t.Fatalf("unexpected size or duration %+v", data)
	}
	video, err := f.repo.GetVideo(context.Background(), data.UUID)
	if err != nil || video.Status != models.VideoStatusReady || video.Title != "Mountain ride" {
		t.Fatalf("record = %+v, %v", video, err)
	}
	if _, err := f.backend.Stat(context.Background(), data.VideoPath); err != nil {
		t.Fatalf("video not stored: %v", err)
	}
	if n := countFiles(t, f.spool); n != 0 {
		t.Fatalf("expected spool dir empty, found %d files", n)
	}
}

func TestUploadVideoRejections(t *testing.T) {
	cases := []struct {
		name   string
		opts   fixtureOptions
		build  func(t *testing.T, f *fixture) *http.Request
		status int
		code   response.Code
	}{
		{
			name: "not multipart",
			build: func(t *testing.T, f *fixture) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/upload-video", strings.NewReader(`{}`))
				req.Header.Set("Content-Type", "application/json")
				return req
			},
			status: http.StatusBadRequest,
			code:   response.InvalidPayload,
		},
		{
			name: "missing video",
			build: func(t *testing.T, f *fixture) *http.Request {
				return multipartRequest(t, f.fields(), thumbnailPart(t))
			},
			status: http.StatusBadRequest,
			code:   response.VideoIsRequired,
		},
		{
			name: "missing thumbnail",
			build: func(t *testing.T, f *fixture) *http.Request {
				return multipartRequest(t, f.fields(), videoPart("bytes"))
			},
			status: http.StatusBadRequest,
			code:   response.ThumbnailIsRequired,
		},
		{
			name: "wrong video type",
			build: func(t *testing.T, f *fixture) *http.Request {
				part := videoPart("bytes")
				part.contentType = "video/webm"
				return multipartRequest(t, f.fields(), part, thumbnailPart(t))
			},
			status: http.StatusBadRequest,
			code:   response.UnsupportedVideoType,
		},
		{
			name: "oversized video",
			opts: fixtureOptions{mutate: func(cfg *ingest.Config) { cfg.MaxVideoBytes = 8 }},
			build: func(t *testing.T, f *fixture) *http.Request {
				return multipartRequest(t, f.fields(), videoPart("well beyond eight bytes"), thumbnailPart(t))
			},
			status: http.StatusBadRequest,
			code:   response.VideoTooLarge,
		},
		{
			name: "unknown user",
			build: func(t *testing.T, f *fixture) *http.Request {
				fields := f.fields()
				fields["userId"] = "999"
				return multipartRequest(t, fields, videoPart("bytes"), thumbnailPart(t))
			},
			status: http.StatusBadRequest,
			code:   response.UserNotFound,
		},
		{
			name: "probe failure",
			build: func(t *testing.T, f *fixture) *http.Request {
				f.prober.err = fmt.Errorf("%w: no moov atom", media.ErrProbeFailed)
				return multipartRequest(t, f.fields(), videoPart("bytes"), thumbnailPart(t))
			},
			status: http.StatusInternalServerError,
			code:   response.VideoUploadFailed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.opts)
			rec := httptest.NewRecorder()
			f.handler.UploadVideo(rec, tc.build(t, f))
			expectCode(t, rec, tc.status, tc.code)
			if n := countFiles(t, f.spool); n != 0 {
				t.Fatalf("expected spool dir empty, found %d files", n)
			}
			if local, ok := f.backend.(*mediastore.LocalBackend); ok {
				if n := countFiles(t, local.Root()); n != 0 {
					t.Fatalf("expected no stored objects, found %d", n)
				}
			}
		})
	}
}

func TestUploadVideoValidationFields(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	fields := f.fields()
	delete(fields, "title")
	fields["isPrivate"] = "sometimes"
	rec := httptest.NewRecorder()
	f.handler.UploadVideo(rec, multipartRequest(t, fields, videoPart("bytes"), thumbnailPart(t)))

	env := expectCode(t, rec, http.StatusBadRequest, response.ValidationFailed)
	var messages map[string]string
	if err := json.Unmarshal(env.Data, &messages); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if messages["title"] != "Title is required" {
		t.Fatalf("title message = %q", messages["title"])
	}
	if _, ok := messages["isPrivate"]; !ok {
		t.Fatalf("expected isPrivate message, got %v", messages)
	}
}

func TestGeneratePresignedURLUnavailableOnLocal(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	rec := httptest.NewRecorder()
	f.handler.GeneratePresignedURL(rec, httptest.NewRequest(http.MethodPost, "/generate-presigned-url", strings.NewReader(`{}`)))
	expectCode(t, rec, http.StatusNotImplemented, response.PresignUnavailable)
}

func newS3Fixture(t *testing.T) (*fixture, *s3stub.Server) {
	t.Helper()
	stub := s3stub.Start("media")
	t.Cleanup(stub.Close)
	backend, err := mediastore.NewS3Backend(context.Background(), mediastore.S3Config{
		Bucket:       "media",
		Region:       "us-east-1",
		Endpoint:     stub.URL,
		AccessKey:    "test-access",
		SecretKey:    "test-secret",
		UsePathStyle: true,
	})
	if err != nil {
		t.Fatalf("NewS3Backend: %v", err)
	}
	return newFixture(t, fixtureOptions{backend: backend, driver: "s3"}), stub
}

func put(t *testing.T, req mediastore.PresignedRequest, body []byte) {
	t.Helper()
	httpReq, err := http.NewRequest(req.Method, req.URL, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for name, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(name, value)
		}
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status %d", resp.StatusCode)
	}
}

func confirmRequest(id string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/confirm-upload/"+id, nil)
	req.SetPathValue("videoId", id)
	return req
}

func TestPresignedUploadFlow(t *testing.T) {
	f, _ := newS3Fixture(t)
	thumb := thumbnailPart(t)
	body := fmt.Sprintf(`{
		"userId": %d, "categoryId": 7, "title": "Harbour timelapse",
		"description": "Boats leaving at sunrise", "keywords": "harbour,boats,sunrise",
		"isPrivate": true, "isAgeRestricted": false,
		"videoSize": 64, "thumbnailSize": %d,
		"videoContentType": "video/mp4", "thumbnailContentType": "image/png"
	}`, f.user.ID, len(thumb.data))
	req := httptest.NewRequest(http.MethodPost, "/generate-presigned-url", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.GeneratePresignedURL(rec, req)

	env := expectCode(t, rec, http.StatusOK, response.PresignedURLsGenerated)
	var prepared ingest.PreparedUpload
	if err := json.Unmarshal(env.Data, &prepared); err != nil {
		t.Fatalf("decode prepared: %v", err)
	}
	pending, err := f.repo.GetVideo(context.Background(), prepared.VideoID)
	if err != nil || pending.Status != models.VideoStatusPending || !pending.IsPrivate || pending.CategoryID != 7 {
		t.Fatalf("pending record = %+v, %v", pending, err)
	}

	rec = httptest.NewRecorder()
	f.handler.ConfirmUpload(rec, confirmRequest(prepared.VideoID))
	expectCode(t, rec, http.StatusBadRequest, response.VideoNotUploaded)

	put(t, prepared.Video, []byte("direct mp4 upload"))
	put(t, prepared.Thumbnail, thumb.data)

	rec = httptest.NewRecorder()
	f.handler.ConfirmUpload(rec, confirmRequest(prepared.VideoID))
	env = expectCode(t, rec, http.StatusOK, response.VideoUploaded)
	var data uploadResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.UUID != prepared.VideoID || data.Size != int64(len("direct mp4 upload")) || data.Duration != 9.5 {
		t.Fatalf("unexpected confirmation %+v", data)
	}

	rec = httptest.NewRecorder()
	f.handler.ConfirmUpload(rec, confirmRequest(prepared.VideoID))
	expectCode(t, rec, http.StatusConflict, response.UploadAlreadyConfirmed)
}

func TestGeneratePresignedURLFormAndErrors(t *testing.T) {
	f, stub := newS3Fixture(t)
	form := func(overrides map[string]string) *http.Request {
		values := f.fields()
		values["videoSize"] = "1024"
		values["thumbnailSize"] = "2048"
		values["videoContentType"] = "video/mp4"
		values["thumbnailContentType"] = "image/jpeg"
		for k, v := range overrides {
			values[k] = v
		}
		encoded := make(url.Values, len(values))
		for k, v := range values {
			encoded.Set(k, v)
		}
		req := httptest.NewRequest(http.MethodPost, "/generate-presigned-url", strings.NewReader(encoded.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req
	}

	rec := httptest.NewRecorder()
	f.handler.GeneratePresignedURL(rec, form(nil))
	expectCode(t, rec, http.StatusOK, response.PresignedURLsGenerated)

	cases := []struct {
		name      string
		overrides map[string]string
		code      response.Code
	}{
		{"bad size", map[string]string{"videoSize": "huge"}, response.ValidationFailed},
		{"oversized", map[string]string{"videoSize": fmt.Sprint(ingest.DefaultMaxVideoBytes + 1)}, response.VideoTooLarge},
		{"wrong type", map[string]string{"thumbnailContentType": "image/gif"}, response.UnsupportedThumbnailType},
		{"short title", map[string]string{"title": "abc"}, response.ValidationFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := len(stub.Requests())
			rec := httptest.NewRecorder()
			f.handler.GeneratePresignedURL(rec, form(tc.overrides))
			expectCode(t, rec, http.StatusBadRequest, tc.code)
			if len(stub.Requests()) != before {
				t.Fatal("rejected request should not reach the object store")
			}
		})
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/generate-presigned-url", strings.NewReader(`{"title": [1]}`))
	req.Header.Set("Content-Type", "application/json")
	f.handler.GeneratePresignedURL(rec, req)
	expectCode(t, rec, http.StatusBadRequest, response.InvalidPayload)
}

func TestConfirmUploadRejectsBadIDs(t *testing.T) {
	f, _ := newS3Fixture(t)
	rec := httptest.NewRecorder()
	f.handler.ConfirmUpload(rec, confirmRequest("not-a-uuid"))
	expectCode(t, rec, http.StatusBadRequest, response.InvalidVideoID)

	rec = httptest.NewRecorder()
	f.handler.ConfirmUpload(rec, confirmRequest(uuid.NewString()))
	expectCode(t, rec, http.StatusBadRequest, response.VideoNotFound)
}

func viewRequest(id string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/view-count/"+id, nil)
	req.SetPathValue("uuid", id)
	return req
}

func TestIncrementViewCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})
	id := uuid.NewString()
	if _, err := f.repo.CreateVideo(ctx, storage.CreateVideoParams{
		UUID:          id,
		UserID:        f.user.ID,
		CategoryID:    1,
		Title:         "title",
		VideoPath:     mediastore.VideoKey("alice", id),
		ThumbnailPath: mediastore.ThumbnailKey("alice", id),
		Status:        models.VideoStatusReady,
	}); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		f.handler.IncrementViewCount(rec, viewRequest(id))
		expectCode(t, rec, http.StatusOK, response.ViewCountUpdated)
	}
	video, err := f.repo.GetVideo(ctx, id)
	if err != nil || video.ViewCount != 3 {
		t.Fatalf("view count = %d, %v", video.ViewCount, err)
	}

	cases := []struct {
		id   string
		code response.Code
	}{
		{"", response.RequiredParamsNotFound},
		{"42", response.InvalidVideoID},
		{uuid.NewString(), response.VideoNotFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		f.handler.IncrementViewCount(rec, viewRequest(tc.id))
		expectCode(t, rec, http.StatusBadRequest, tc.code)
	}
}

func TestStreamHandlersUsePathValues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})
	if err := f.backend.Put(ctx, "alice/video/clip.mp4", bytes.NewReader([]byte("0123456789")), "video/mp4"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/alice/video/clip.mp4", nil)
	req.SetPathValue("username", "alice")
	req.SetPathValue("filename", "clip.mp4")
	req.Header.Set("Range", "bytes=2-5")
	rec := httptest.NewRecorder()
	f.handler.StreamVideo(rec, req)
	if rec.Code != http.StatusPartialContent || rec.Body.String() != "2345" {
		t.Fatalf("range stream = %d %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/alice/thumbnail/missing.jpeg", nil)
	req.SetPathValue("username", "alice")
	req.SetPathValue("filename", "missing.jpeg")
	rec = httptest.NewRecorder()
	f.handler.StreamThumbnail(rec, req)
	expectCode(t, rec, http.StatusNotFound, response.ThumbnailNotFound)
}

func TestHealthReportsDegradedComponents(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	rec := httptest.NewRecorder()
	f.handler.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	expectCode(t, rec, http.StatusOK, response.DataFetched)

	f.handler.Components["redis"] = pingFunc(func(context.Context) error { return errors.New("connection refused") })
	rec = httptest.NewRecorder()
	f.handler.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	env := expectCode(t, rec, http.StatusServiceUnavailable, response.UnexpectedError)
	var report healthReport
	if err := json.Unmarshal(env.Data, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Status != "degraded" || len(report.Components) != 2 || report.Components[1].Component != "redis" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestNewHandlerRequiresCollaborators(t *testing.T) {
	if _, err := NewHandler(HandlerConfig{}); err == nil {
		t.Fatal("expected error without collaborators")
	}
}

func TestWriteIngestErrorMapping(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	cases := []struct {
		name    string
		err     error
		status  int
		code    response.Code
		outcome string
	}{
		{"unusable stored username", fmt.Errorf("%w: %v", ingest.ErrInvalidUsername, mediastore.ErrInvalidKey), http.StatusBadRequest, response.InvalidUsername, "invalid"},
		{"stored type mismatch", ingest.ErrUnsupportedVideoType, http.StatusBadRequest, response.UnsupportedVideoType, "invalid"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, response.UnexpectedError, "error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.handler.writeIngestError(rec, httptest.NewRequest(http.MethodPost, "/api/v1/video/upload", nil), tc.err)
			expectCode(t, rec, tc.status, tc.code)
			if got := ingest.Outcome(tc.err); got != tc.outcome {
				t.Fatalf("Outcome = %q, want %q", got, tc.outcome)
			}
		})
	}
}
