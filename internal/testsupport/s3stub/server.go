// Package s3stub hosts an in-memory, path-style S3 endpoint for tests. It
// understands PUT, GET (including single byte ranges), HEAD, and DELETE on
// objects, and accepts presigned query-string requests without verifying
// signatures.
package s3stub

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Request captures what the stub saw for later assertions.
type Request struct {
	Method        string
	Bucket        string
	Key           string
	Range         string
	Authorization string
	Presigned     bool
}

type object struct {
	data        []byte
	contentType string
	modified    time.Time
}

// Server is an httptest-backed S3 stand-in.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	buckets  map[string]map[string]object
	requests []Request
}

// Start launches a stub with the named buckets already created.
func Start(buckets ...string) *Server {
	s := &Server{buckets: make(map[string]map[string]object)}
	for _, name := range buckets {
		s.buckets[name] = make(map[string]object)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// Object returns a copy of a stored object.
func (s *Server) Object(bucket, key string) ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.buckets[bucket][key]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.data...), obj.contentType, true
}

// PutObject seeds an object directly.
func (s *Server) PutObject(bucket, key, contentType string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buckets[bucket] == nil {
		s.buckets[bucket] = make(map[string]object)
	}
	s.buckets[bucket][key] = object{data: append([]byte(nil), data...), contentType: contentType, modified: time.Now().UTC()}
}

// Requests returns the requests seen so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		_ = r.Body.Close()
	}()
	bucket, key := splitPath(r.URL.Path)
	if bucket == "" || key == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "path-style bucket and key required")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", "read body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, Request{
		Method:        r.Method,
		Bucket:        bucket,
		Key:           key,
		Range:         r.Header.Get("Range"),
		Authorization: r.Header.Get("Authorization"),
		Presigned:     r.URL.Query().Get("X-Amz-Signature") != "",
	})
	objects, ok := s.buckets[bucket]
	if !ok {
		writeError(w, http.StatusNotFound, "NoSuchBucket", "bucket not found")
		return
	}

	switch r.Method {
	case http.MethodPut:
		objects[key] = object{data: body, contentType: r.Header.Get("Content-Type"), modified: time.Now().UTC()}
		w.Header().Set("ETag", fmt.Sprintf("%q", strconv.Itoa(len(body))))
		w.WriteHeader(http.StatusOK)
	case http.MethodHead:
		obj, ok := objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeObjectHeaders(w, obj)
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		obj, ok := objects[key]
		if !ok {
			writeError(w, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.")
			return
		}
		writeObjectHeaders(w, obj)
		start, end, partial := parseRange(r.Header.Get("Range"), int64(len(obj.data)))
		if start < 0 {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(obj.data)))
			writeError(w, http.StatusRequestedRangeNotSatisfiable, "InvalidRange", "range not satisfiable")
			return
		}
		chunk := obj.data[start : end+1]
		w.Header().Set("Content-Length", strconv.Itoa(len(chunk)))
		if partial {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(obj.data)))
			w.WriteHeader(http.StatusPartialContent)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_, _ = w.Write(chunk)
	case http.MethodDelete:
		delete(objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed")
	}
}

func writeObjectHeaders(w http.ResponseWriter, obj object) {
	if obj.contentType != "" {
		w.Header().Set("Content-Type", obj.contentType)
	}
	w.Header().Set("Last-Modified", obj.modified.Format(http.TimeFormat))
	w.Header().Set("Accept-Ranges", "bytes")
}

// parseRange understands "bytes=a-b" and "bytes=a-". An empty header selects
// the whole object; an unsatisfiable one returns start -1.
func parseRange(header string, size int64) (int64, int64, bool) {
	if header == "" {
		return 0, size - 1, false
	}
	rangeSet := strings.TrimPrefix(header, "bytes=")
	startText, endText, ok := strings.Cut(rangeSet, "-")
	if !ok {
		return -1, -1, false
	}
	start, err := strconv.ParseInt(startText, 10, 64)
	if err != nil || start >= size {
		return -1, -1, false
	}
	end := size - 1
	if endText != "" {
		parsed, err := strconv.ParseInt(endText, 10, 64)
		if err != nil || parsed < start {
			return -1, -1, false
		}
		if parsed < end {
			end = parsed
		}
	}
	return start, end, true
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, message)
}

func splitPath(path string) (string, string) {
	trimmed := strings.TrimPrefix(path, "/")
	bucket, key, _ := strings.Cut(trimmed, "/")
	return bucket, key
}
