package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/replicate/rget/pkg/logging"
)

type SegmentState int

const (
	SegmentPending SegmentState = iota
	SegmentInFlight
	SegmentCompleted
	SegmentFailed
)

func (s SegmentState) String() string {
	switch s {
	case SegmentPending:
		return "pending"
	case SegmentInFlight:
		return "in-flight"
	case SegmentCompleted:
		return "completed"
	case SegmentFailed:
		return "failed"
	}
	return fmt.Sprintf("SegmentState(%d)", int(s))
}

// Segment is one inclusive byte range of the file. It is owned by the
// goroutine fetching it until that fetch returns.
type Segment struct {
	Index       int
	Start       int64
	End         int64
	Transferred int64
	State       SegmentState
}

func (s *Segment) Length() int64 {
	return s.End - s.Start + 1
}

// SegmentWriter commits segment bytes to the output. WriteAt receives absolute
// file offsets inside the segment's own range; Complete is called once the
// segment has been fully received.
type SegmentWriter interface {
	WriteAt(seg *Segment, p []byte, off int64) error
	Complete(seg *Segment) error
}

// ProgressRecorder receives the size of every block as it is written.
type ProgressRecorder interface {
	RecordDelta(segment int, n int64, at time.Time)
}

type Fetcher struct {
	Client  Doer
	Options Options
	// Limiter is shared by all segments of a download, nil means unlimited.
	Limiter *rate.Limiter
}

// NewFetcher builds a fetcher whose bandwidth limiter, if any, is sized for
// the configured buffer.
func NewFetcher(c Doer, opts Options) *Fetcher {
	f := &Fetcher{Client: c, Options: opts}
	if opts.MaxBandwidth > 0 {
		f.Limiter = rate.NewLimiter(rate.Limit(opts.MaxBandwidth), opts.bufferSize())
	}
	return f
}

// Fetch downloads seg from url through a single block buffer. Each block is
// written to w before the next one is read, so memory stays bounded by the
// buffer size and a slow writer slows the transfer down.
func (f *Fetcher) Fetch(ctx context.Context, url string, seg *Segment, w SegmentWriter, rec ProgressRecorder) (err error) {
	logger := logging.GetLogger()
	seg.State = SegmentInFlight
	defer func() {
		if err != nil {
			seg.State = SegmentFailed
			logger.Debug().Err(err).Int("segment", seg.Index).Int64("transferred", seg.Transferred).Msg("Segment failed")
			return
		}
		seg.State = SegmentCompleted
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", url, err)
	}
	setRangeHeader(req, seg.Start, seg.End)

	logger.Trace().Int("segment", seg.Index).Str("range", req.Header.Get("Range")).Msg("Segment request")
	resp, err := f.Client.Do(req)
	if err != nil {
		return &TransportError{URL: url, Segment: seg.Index, Err: err}
	}
	defer resp.Body.Close()

	if err := checkRangeResponse(resp, url, seg); err != nil {
		return err
	}

	if err := f.stream(ctx, resp.Body, url, seg, w, rec); err != nil {
		return err
	}
	return w.Complete(seg)
}

func checkRangeResponse(resp *http.Response, url string, seg *Segment) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return &RangeUnsupportedError{URL: url, StatusCode: resp.StatusCode}
	case resp.StatusCode != http.StatusPartialContent:
		return &HTTPStatusError{URL: url, StatusCode: resp.StatusCode}
	}
	header := resp.Header.Get("Content-Range")
	if header == "" {
		return nil
	}
	cr, err := parseContentRange(header)
	if err != nil {
		return &RangeUnsupportedError{URL: url, StatusCode: resp.StatusCode, Reason: err.Error()}
	}
	if cr.start != seg.Start || cr.end != seg.End {
		return &RangeUnsupportedError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Reason:     fmt.Sprintf("asked for bytes %d-%d, got %d-%d", seg.Start, seg.End, cr.start, cr.end),
		}
	}
	return nil
}

func (f *Fetcher) stream(ctx context.Context, body io.Reader, url string, seg *Segment, w SegmentWriter, rec ProgressRecorder) error {
	buf := make([]byte, f.Options.bufferSize())
	offset := seg.Start + seg.Transferred
	remaining := seg.Length() - seg.Transferred

	for remaining > 0 {
		n, readErr := body.Read(buf[:min(int64(len(buf)), remaining)])
		if n > 0 {
			if f.Limiter != nil {
				if err := f.Limiter.WaitN(ctx, n); err != nil {
					return &TransportError{URL: url, Segment: seg.Index, Err: err}
				}
			}
			if err := w.WriteAt(seg, buf[:n], offset); err != nil {
				return err
			}
			offset += int64(n)
			remaining -= int64(n)
			seg.Transferred += int64(n)
			if rec != nil {
				rec.RecordDelta(seg.Index, int64(n), time.Now())
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return &TransportError{URL: url, Segment: seg.Index, Err: readErr}
		}
	}
	if remaining > 0 {
		return &ShortReadError{Segment: seg.Index, Expected: seg.Length(), Received: seg.Transferred}
	}
	return nil
}
