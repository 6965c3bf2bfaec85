package playback

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsatisfiable reports a syntactically valid range that selects no bytes
// of the object.
var ErrUnsatisfiable = errors.New("range not satisfiable")

// ByteRange is an inclusive, zero-indexed span of an object.
type ByteRange struct {
	Start int64
	End   int64
}

// Length is the number of bytes the range covers.
func (r ByteRange) Length() int64 { return r.End - r.Start + 1 }

// ContentRange formats the Content-Range value for an object of size bytes.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// ParseRange interprets a Range header against an object of size bytes.
//
// It returns ok=false when the whole object should be served: no header, a
// unit other than bytes, multiple ranges, or values that do not parse.
// ErrUnsatisfiable is returned when the start lies beyond the object, the
// start exceeds the end, or the object is empty. Ends past the object are
// clamped to size-1.
func ParseRange(header string, size int64) (ByteRange, bool, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return ByteRange{}, false, nil
	}
	const prefix = "bytes="
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ByteRange{}, false, nil
	}
	rangeSet := strings.TrimSpace(header[len(prefix):])
	if rangeSet == "" || strings.Contains(rangeSet, ",") {
		return ByteRange{}, false, nil
	}
	startText, endText, found := strings.Cut(rangeSet, "-")
	if !found {
		return ByteRange{}, false, nil
	}
	startText = strings.TrimSpace(startText)
	endText = strings.TrimSpace(endText)

	if startText == "" {
		suffix, ok := parseOffset(endText)
		if !ok {
			return ByteRange{}, false, nil
		}
		if suffix == 0 || size == 0 {
			return ByteRange{}, true, ErrUnsatisfiable
		}
		if suffix > size {
			suffix = size
		}
		return ByteRange{Start: size - suffix, End: size - 1}, true, nil
	}

	start, ok := parseOffset(startText)
	if !ok {
		return ByteRange{}, false, nil
	}
	end := size - 1
	if endText != "" {
		parsed, ok := parseOffset(endText)
		if !ok {
			return ByteRange{}, false, nil
		}
		if start > parsed {
			return ByteRange{}, true, ErrUnsatisfiable
		}
		if parsed < end {
			end = parsed
		}
	}
	if start >= size {
		return ByteRange{}, true, ErrUnsatisfiable
	}
	return ByteRange{Start: start, End: end}, true, nil
}

func parseOffset(text string) (int64, bool) {
	if text == "" {
		return 0, false
	}
	for _, c := range text {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}
