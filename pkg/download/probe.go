package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/replicate/rget/pkg/logging"
)

// Doer is the part of *http.Client used by the prober and the fetcher.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RemoteFile describes the resource behind a URL.
type RemoteFile struct {
	// URL after following redirects; segments are requested from here.
	URL            string
	Size           int64
	RangeSupported bool
	// AcceptRanges is the Accept-Ranges header of the HEAD response, if any.
	AcceptRanges string
}

type Prober struct {
	Client Doer
}

// Probe discovers the size of the resource at url and whether it can be
// fetched in byte ranges. A HEAD request supplies the declared length, then a
// one byte ranged GET confirms the server actually honours Range.
func (p *Prober) Probe(ctx context.Context, url string) (RemoteFile, error) {
	logger := logging.GetLogger()
	remote := RemoteFile{URL: url, Size: -1}

	headSize, acceptRanges, trueURL, err := p.head(ctx, url)
	if err != nil {
		return remote, err
	}
	remote.AcceptRanges = acceptRanges
	if trueURL != url {
		logger.Info().Str("url", url).Str("redirect_url", trueURL).Msg("Redirect")
		remote.URL = trueURL
	}

	size, rangeSupported, err := p.rangeProbe(ctx, remote.URL)
	if err != nil {
		return remote, err
	}
	if size <= 0 {
		size = headSize
	}
	if size <= 0 {
		return remote, &SizeUnknownError{URL: url, Reason: "no content length or content range declared"}
	}
	remote.Size = size
	remote.RangeSupported = rangeSupported

	logger.Debug().
		Str("url", remote.URL).
		Int64("size", remote.Size).
		Str("accept_ranges", remote.AcceptRanges).
		Bool("range_supported", remote.RangeSupported).
		Msg("Probe")
	return remote, nil
}

// head returns the declared length (-1 when unknown), the Accept-Ranges
// header and the URL after redirects. Servers that reject HEAD are tolerated.
func (p *Prober) head(ctx context.Context, url string) (int64, string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return -1, "", url, fmt.Errorf("failed to create request for %s: %w", url, err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return -1, "", url, &TransportError{URL: url, Segment: -1, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		return -1, "", url, nil
	case resp.StatusCode >= http.StatusBadRequest:
		return -1, "", url, &HTTPStatusError{URL: url, StatusCode: resp.StatusCode}
	}
	trueURL := url
	if resp.Request != nil && resp.Request.URL != nil {
		trueURL = resp.Request.URL.String()
	}
	acceptRanges := strings.TrimSpace(resp.Header.Get("Accept-Ranges"))
	return resp.ContentLength, acceptRanges, trueURL, nil
}

// rangeProbe requests the first byte of the resource. A 206 proves range
// support and carries the total length in Content-Range; a 200 means the
// Range header was ignored.
func (p *Prober) rangeProbe(ctx context.Context, url string) (int64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return -1, false, fmt.Errorf("failed to create request for %s: %w", url, err)
	}
	setRangeHeader(req, 0, 0)
	resp, err := p.Client.Do(req)
	if err != nil {
		return -1, false, &TransportError{URL: url, Segment: -1, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1))
		cr, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return -1, false, &SizeUnknownError{URL: url, Reason: err.Error()}
		}
		if cr.start != 0 || cr.end != 0 {
			return -1, false, &RangeUnsupportedError{URL: url, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("asked for bytes 0-0, got %d-%d", cr.start, cr.end)}
		}
		return cr.total, true, nil
	case http.StatusOK:
		// don't read the body, it is the whole file
		return resp.ContentLength, false, nil
	case http.StatusRequestedRangeNotSatisfiable:
		// an empty resource answers "bytes */0"
		return -1, false, &SizeUnknownError{URL: url, Reason: "resource is empty"}
	default:
		return -1, false, &HTTPStatusError{URL: url, StatusCode: resp.StatusCode}
	}
}
