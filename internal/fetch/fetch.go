// Package fetch implements the RangeFetcher: a single HTTP GET/HEAD against
// a resource, optionally range-restricted, streamed with cooperative
// pause/cancel checks and a shared, tuned transport.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/lkaranl/keeper/internal/retry"
)

// ErrLinkExpired signals a 403 on a resource that previously probed fine,
// the common shape of a time-limited signed URL going stale mid-download.
var ErrLinkExpired = errors.New("fetch: link expired")

// NewTransport builds the shared, tuned HTTP transport used for every probe
// and segment request: bounded idle connections per host, explicit dial and
// TLS handshake timeouts, and a response-header timeout that doubles as the
// "request establishment" deadline RetryPolicy operates within.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
}

// NewClient wraps transport with a 30s overall per-request timeout, matching
// the header-receipt/inter-chunk-stall timeout the engine requires.
func NewClient(transport http.RoundTripper) *http.Client {
	return &http.Client{Transport: transport, Timeout: 30 * time.Second}
}

// Probe issues HEAD url and reports the resource's declared size and range
// support, retried per RetryPolicy.
type ProbeResult struct {
	TotalBytes    int64
	SupportsRange bool
	ETag          string
	LastModified  string
}

func Probe(ctx context.Context, client *http.Client, url string) (ProbeResult, error) {
	var result ProbeResult
	err := retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return &retry.Terminal{Err: err}
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusForbidden {
			return &retry.Terminal{Err: ErrLinkExpired}
		}
		if resp.StatusCode >= 400 {
			return &retry.Terminal{Err: fmt.Errorf("probe: %s", resp.Status)}
		}
		result = ProbeResult{
			TotalBytes:    resp.ContentLength,
			SupportsRange: resp.Header.Get("Accept-Ranges") == "bytes",
			ETag:          resp.Header.Get("ETag"),
			LastModified:  resp.Header.Get("Last-Modified"),
		}
		if result.TotalBytes < 0 {
			result.TotalBytes = 0
		}
		return nil
	})
	return result, err
}

// Range describes an inclusive byte range, or an open-ended range when End
// is negative.
type Range struct {
	Start int64
	End   int64 // -1 means open-ended: "bytes=Start-"
}

func (r Range) header() string {
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Open issues the GET (optionally ranged) with RetryPolicy applied only to
// establishing the response; once the body is streaming, errors are the
// caller's to surface without retry. The returned response's Body must be
// closed by the caller.
func Open(ctx context.Context, client *http.Client, url string, rng *Range) (*http.Response, error) {
	var resp *http.Response
	err := retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return &retry.Terminal{Err: err}
		}
		if rng != nil {
			req.Header.Set("Range", rng.header())
		}
		r, err := client.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode == http.StatusForbidden {
			r.Body.Close()
			return &retry.Terminal{Err: ErrLinkExpired}
		}
		if sErr := retry.ClassifyHTTPStatus(r); sErr != nil {
			r.Body.Close()
			return sErr
		}
		resp = r
		return nil
	})
	return resp, err
}
