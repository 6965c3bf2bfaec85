package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"vidhub/internal/ingest"
)

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// decodePrepareRequest reads a presign request from a JSON or form body.
// JSON clients may send booleans and ids as native values; they are turned
// back into the string form the field validator expects.
func decodePrepareRequest(r *http.Request) (ingest.PrepareRequest, error) {
	values := make(map[string]string)
	if isJSON(r) {
		raw := make(map[string]interface{})
		if err := decodeJSON(r, &raw); err != nil {
			return ingest.PrepareRequest{}, err
		}
		for key, value := range raw {
			switch v := value.(type) {
			case nil:
			case string:
				values[key] = v
			case bool:
				values[key] = strconv.FormatBool(v)
			case json.Number:
				values[key] = v.String()
			default:
				return ingest.PrepareRequest{}, fmt.Errorf("field %s has unsupported type %T", key, value)
			}
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return ingest.PrepareRequest{}, err
		}
		for key := range r.PostForm {
			values[key] = r.PostForm.Get(key)
		}
	}

	var req ingest.PrepareRequest
	for name, value := range values {
		setField(&req.UploadFields, name, value)
	}
	req.VideoContentType = strings.TrimSpace(values["videoContentType"])
	req.ThumbnailContentType = strings.TrimSpace(values["thumbnailContentType"])

	invalid := make(map[string]string)
	req.VideoSize = parseSize(values, "videoSize", invalid)
	req.ThumbnailSize = parseSize(values, "thumbnailSize", invalid)
	if len(invalid) > 0 {
		return ingest.PrepareRequest{}, &ingest.ValidationError{Fields: invalid}
	}
	return req, nil
}

func parseSize(values map[string]string, name string, invalid map[string]string) int64 {
	text := strings.TrimSpace(values[name])
	if text == "" {
		invalid[name] = name + " is required"
		return 0
	}
	size, err := strconv.ParseInt(text, 10, 64)
	if err != nil || size <= 0 {
		invalid[name] = name + " must be a positive integer"
		return 0
	}
	return size
}

// videoIDParam returns the path value name when it is a well-formed uuid.
func videoIDParam(r *http.Request, name string) (string, bool) {
	id := strings.TrimSpace(r.PathValue(name))
	if id == "" {
		return "", false
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}
