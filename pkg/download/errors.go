package download

import (
	"fmt"
)

// SizeUnknownError is returned when the length of the remote file cannot be
// determined. Without it the file cannot be partitioned.
type SizeUnknownError struct {
	URL    string
	Reason string
}

func (e *SizeUnknownError) Error() string {
	return fmt.Sprintf("unable to determine size of %s: %s", e.URL, e.Reason)
}

// RangeUnsupportedError is returned when the server does not honour byte
// range requests.
type RangeUnsupportedError struct {
	URL        string
	StatusCode int
	Reason     string
}

func (e *RangeUnsupportedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("range requests not supported by %s: %s", e.URL, e.Reason)
	}
	return fmt.Sprintf("range requests not supported by %s: status code %d", e.URL, e.StatusCode)
}

// TransportError wraps a network level failure. Segment is -1 for the probe.
type TransportError struct {
	URL     string
	Segment int
	Err     error
}

func (e *TransportError) Error() string {
	if e.Segment < 0 {
		return fmt.Sprintf("error probing %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("error downloading segment %d of %s: %v", e.Segment, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ShortReadError is returned when a segment's stream ends before all of its
// bytes arrived.
type ShortReadError struct {
	Segment  int
	Expected int64
	Received int64
}

func (e *ShortReadError) Error() string {
	return fmt.Sprintf("segment %d: downloaded %d bytes instead of %d", e.Segment, e.Received, e.Expected)
}

type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d for %s", e.StatusCode, e.URL)
}
