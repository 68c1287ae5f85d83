package download

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
)

var (
	// bytes <start>-<end>/<total|*>
	contentRangeRegexp = regexp.MustCompile(`^bytes ([0-9]+)-([0-9]+)/([0-9]+|\*)$`)

	errMalformedContentRange = errors.New("malformed content range")
)

// contentRange is a parsed Content-Range response header. total is -1 when the
// server sent "*".
type contentRange struct {
	start, end, total int64
}

func parseContentRange(header string) (contentRange, error) {
	matches := contentRangeRegexp.FindStringSubmatch(header)
	if matches == nil {
		return contentRange{}, fmt.Errorf("%w: %q", errMalformedContentRange, header)
	}
	start, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return contentRange{}, fmt.Errorf("%w: %q", errMalformedContentRange, header)
	}
	end, err := strconv.ParseInt(matches[2], 10, 64)
	if err != nil || end < start {
		return contentRange{}, fmt.Errorf("%w: %q", errMalformedContentRange, header)
	}
	total := int64(-1)
	if matches[3] != "*" {
		total, err = strconv.ParseInt(matches[3], 10, 64)
		if err != nil || end >= total {
			return contentRange{}, fmt.Errorf("%w: %q", errMalformedContentRange, header)
		}
	}
	return contentRange{start: start, end: end, total: total}, nil
}

func setRangeHeader(req *http.Request, start, end int64) {
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
}
