package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/replicate/rget/pkg/logging"
	"github.com/replicate/rget/pkg/version"
)

const (
	retryMinWait     = 100 * time.Millisecond
	retryMaxWait     = 3000 * time.Millisecond // do not backoff further than 3 seconds
	retrySleepJitter = 500                     // (will add 0-500 additional milliseconds), multiplied by time.Millisecond in backoffFunc

	defaultConnectTimeout = 5 * time.Second
	maxRedirects          = 10
)

// HTTPClient issues the probe and ranged requests of a download.
type HTTPClient struct {
	*http.Client
}

// Options configures the transport.
type Options struct {
	// ForceHTTP2 negotiates HTTP/2 over TLS. By default every segment gets its
	// own HTTP/1.1 connection.
	ForceHTTP2 bool
	// MaxRetries is handed to retryablehttp; it only covers obtaining a
	// response, a body that fails part way is not retried.
	MaxRetries     int
	ConnectTimeout time.Duration
	// ResolveOverrides maps host:port to ip:port, see --resolve.
	ResolveOverrides map[string]string
}

type UserAgentTransport struct {
	Transport http.RoundTripper
}

func (t *UserAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", version.UserAgent())
	return t.Transport.RoundTrip(req)
}

// NewHTTPClient returns a client backed by retryablehttp with the given options.
func NewHTTPClient(opts Options) *HTTPClient {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = defaultConnectTimeout
	}
	baseTransport := &http.Transport{
		DialContext: transportDialContext(&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}, opts.ResolveOverrides),
		ForceAttemptHTTP2:     opts.ForceHTTP2,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// byte ranges refer to the raw representation
		DisableCompression: true,
	}
	if !opts.ForceHTTP2 {
		// a non-nil empty map disables HTTP/2 negotiation
		baseTransport.TLSNextProto = make(map[string]func(string, *tls.Conn) http.RoundTripper)
	}

	retryClient := &retryablehttp.Client{
		HTTPClient: &http.Client{
			Transport:     &UserAgentTransport{Transport: baseTransport},
			CheckRedirect: checkRedirectFunc,
		},
		Logger:       nil,
		RetryWaitMin: retryMinWait,
		RetryWaitMax: retryMaxWait,
		RetryMax:     opts.MaxRetries,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      backoffFunc,
		// hand the final response back so status codes stay distinguishable
		// from network failures
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}

	return &HTTPClient{Client: retryClient.StandardClient()}
}

// backoffFunc is a wrapper around retryablehttp.DefaultBackoff that adds a random jitter, so the
// segments of one download do not retry in lockstep.
func backoffFunc(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	sleep := time.Duration(rand.Intn(retrySleepJitter)) * time.Millisecond
	sleep += retryablehttp.DefaultBackoff(min, max, attemptNum, resp)
	return sleep
}

// checkRedirectFunc is a wrapper around http.Client.CheckRedirect that allows for printing out redirects
func checkRedirectFunc(req *http.Request, via []*http.Request) error {
	logger := logging.GetLogger()
	logger.Trace().
		Str("redirect_url", req.URL.String()).
		Str("url", via[0].URL.String()).
		Int("status", req.Response.StatusCode).
		Msg("Redirect")
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	return nil
}

// transportDialContext is a wrapper around net.Dialer that allows for overriding DNS lookups via the values passed to
// `--resolve` argument.
func transportDialContext(dialer *net.Dialer, overrides map[string]string) func(context.Context, string, string) (net.Conn, error) {
	// Allow for overriding DNS lookups in the dialer without impacting Host and SSL resolution
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if addrOverride := overrides[addr]; addrOverride != "" {
			logger := logging.GetLogger()
			logger.Debug().Str("addr", addr).Str("override", addrOverride).Msg("DNS Override")
			addr = addrOverride
		}
		return dialer.DialContext(ctx, network, addr)
	}
}
