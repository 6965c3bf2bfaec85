package metrics

import (
	"io"
	"net/http"
	"time"
)

// ResponseRecorder wraps an http.ResponseWriter to capture the status code
// and body size. It keeps Flush and ReadFrom reachable so streamed media
// still takes the fast copy path.
type ResponseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	written     int64
}

// NewResponseRecorder returns a recorder whose status defaults to 200 when
// the handler never calls WriteHeader.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rr *ResponseRecorder) Status() int { return rr.status }

// BytesWritten reports how many body bytes reached the underlying writer.
func (rr *ResponseRecorder) BytesWritten() int64 { return rr.written }

// WriteHeader keeps the first status, matching what net/http sends.
func (rr *ResponseRecorder) WriteHeader(status int) {
	if !rr.wroteHeader {
		rr.status = status
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *ResponseRecorder) Write(p []byte) (int, error) {
	rr.wroteHeader = true
	n, err := rr.ResponseWriter.Write(p)
	rr.written += int64(n)
	return n, err
}

func (rr *ResponseRecorder) Flush() {
	rr.wroteHeader = true
	if flusher, ok := rr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rr *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

func (rr *ResponseRecorder) ReadFrom(r io.Reader) (int64, error) {
	rr.wroteHeader = true
	var (
		n   int64
		err error
	)
	if readerFrom, ok := rr.ResponseWriter.(io.ReaderFrom); ok {
		n, err = readerFrom.ReadFrom(r)
	} else {
		n, err = io.Copy(rr.ResponseWriter, r)
	}
	rr.written += n
	return n, err
}

// RouteMiddleware records request metrics labelled by the route pattern that
// patternOf reports for the request. Without patternOf the request path is
// used, with identifier-like segments collapsed.
func RouteMiddleware(recorder *Recorder, patternOf func(*http.Request) string, next http.Handler) http.Handler {
	if recorder == nil {
		recorder = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr := NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rr, r)
		if patternOf == nil {
			recorder.ObserveRequest(r.Method, r.URL.Path, rr.Status(), time.Since(start))
			return
		}
		recorder.ObserveRoute(r.Method, patternOf(r), rr.Status(), time.Since(start))
	})
}
