// Package response renders the JSON envelope every endpoint answers with.
package response

import (
	"encoding/json"
	"net/http"
)

// Category groups codes the way clients branch on them.
type Category string

const (
	CategorySuccess  Category = "success"
	CategoryAuth     Category = "auth"
	CategoryToken    Category = "token"
	CategoryError    Category = "error"
	CategoryDatabase Category = "database"
)

// Code is a stable machine-readable response key with its default message.
type Code struct {
	Category Category
	Key      string
	Message  string
}

func (c Code) String() string { return c.Key }

// OK reports whether the code describes a successful outcome.
func (c Code) OK() bool { return c.Category == CategorySuccess }

var (
	VideoUploaded          = Code{CategorySuccess, "videoUploaded", "Video Uploaded Successfully"}
	ViewCountUpdated       = Code{CategorySuccess, "viewCountUpdated", "View Count Updated Successfully"}
	PresignedURLsGenerated = Code{CategorySuccess, "presignedUrlsGenerated", "Presigned URL Generated"}
	DataFetched            = Code{CategorySuccess, "dataFetched", "Data Fetched Successfully"}

	Database = Code{CategoryDatabase, "database", "Database error"}

	UnexpectedError          = Code{CategoryError, "unexpectedError", "Unexpected Error Occurs"}
	ValidationFailed         = Code{CategoryError, "validationFailed", "Validation Failed"}
	UserNotFound             = Code{CategoryError, "userNotFound", "User Not Found"}
	InvalidUsername          = Code{CategoryError, "invalidUsername", "Username cannot own media"}
	VideoNotFound            = Code{CategoryError, "videoNotFound", "Video Not Found"}
	ThumbnailNotFound        = Code{CategoryError, "thumbnailNotFound", "Thumbnail Not Found"}
	InvalidVideoID           = Code{CategoryError, "invalidVideoId", "Invalid Video Id"}
	RequiredParamsNotFound   = Code{CategoryError, "requiredParamsNotFound", "Required parameters not found"}
	InvalidPayload           = Code{CategoryError, "invalidPayload", "Request body could not be parsed"}
	ThumbnailTooLarge        = Code{CategoryError, "thumbnailTooLarge", "Thumbnail is too large"}
	VideoTooLarge            = Code{CategoryError, "videoTooLarge", "Maximum Video size is 500MB"}
	VideoUploadFailed        = Code{CategoryError, "videoUploadFailed", "Video Upload Failed"}
	VideoIsRequired          = Code{CategoryError, "videoIsRequired", "Video is Required"}
	ThumbnailIsRequired      = Code{CategoryError, "thumbnailIsRequired", "Thumbnail is Required"}
	UnsupportedVideoType     = Code{CategoryError, "unsupportedVideoType", "Video must be video/mp4"}
	UnsupportedThumbnailType = Code{CategoryError, "unsupportedThumbnailType", "Thumbnail must be image/jpeg or image/png"}
	PresignUnavailable       = Code{CategoryError, "presignUnavailable", "Presigned uploads are not available"}
	UploadAlreadyConfirmed   = Code{CategoryError, "uploadAlreadyConfirmed", "Upload already confirmed"}
	VideoNotUploaded         = Code{CategoryError, "videoNotUploaded", "Video object has not been uploaded"}
	ThumbnailNotUploaded     = Code{CategoryError, "thumbnailNotUploaded", "Thumbnail object has not been uploaded"}
	RangeNotSatisfiable      = Code{CategoryError, "rangeNotSatisfiable", "Requested range not satisfiable"}
	TooManyRequests          = Code{CategoryError, "tooManyRequests", "Too many requests"}
	NotFound                 = Code{CategoryError, "dataNotFound", "Data Not Found"}
	MethodNotAllowed         = Code{CategoryError, "methodNotAllowed", "Method not allowed"}
	OriginNotAllowed         = Code{CategoryError, "originNotAllowed", "Origin not allowed"}
	RateLimiterUnavailable   = Code{CategoryError, "rateLimiterUnavailable", "Rate limiter unavailable"}
)

// Envelope is the body shape shared by every JSON response.
type Envelope struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Code    string `json:"code"`
}

// New builds the envelope for code. An empty message falls back to the
// code's default.
func New(code Code, message string, data any) Envelope {
	if message == "" {
		message = code.Message
	}
	return Envelope{Status: code.OK(), Message: message, Data: data, Code: code.Key}
}

// JSON writes payload with the given status.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// Write renders code's envelope with data.
func Write(w http.ResponseWriter, status int, code Code, data any) {
	JSON(w, status, New(code, "", data))
}

// Success writes a 200 envelope.
func Success(w http.ResponseWriter, code Code, data any) {
	Write(w, http.StatusOK, code, data)
}

// Error writes a failure envelope without data.
func Error(w http.ResponseWriter, status int, code Code) {
	Write(w, status, code, nil)
}
