package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/apex-build/sheetext-host/internal/extensions"
	"github.com/apex-build/sheetext-host/internal/extensions/permissions"
)

// maxFetchBody caps how much of a response body network.fetch reads back
// into the worker, so a large or malicious response can't blow up the
// sandbox's memory budget via a single api_call round trip.
const maxFetchBody = 2 << 20 // 2 MiB

// Fetcher performs outbound HTTP requests on behalf of network.fetch,
// rate-limited per extension and scoped by the permission manager's
// allowlist. One limiter per extension id is created lazily, mirroring
// the teacher's per-key limiter map convention.
type Fetcher struct {
	client *http.Client
	perms  *permissions.Manager

	limiters limiterSet
	rps      rate.Limit
	burst    int
}

// NewFetcher builds a Fetcher enforcing rps requests/sec (with the given
// burst) per extension, and delegating host authorization to perms.
func NewFetcher(perms *permissions.Manager, rps float64, burst int) *Fetcher {
	return &Fetcher{
		client:   &http.Client{Timeout: 15 * time.Second},
		perms:    perms,
		limiters: newLimiterSet(),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (f *Fetcher) limiterFor(id extensions.ExtensionID) *rate.Limiter {
	return f.limiters.get(id, f.rps, f.burst)
}

// FetchResult is the shape network.fetch returns to the worker.
type FetchResult struct {
	OK         bool              `json:"ok"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers"`
	BodyText   string            `json:"bodyText"`
}

// Fetch validates rawURL against id's network policy, applies the rate
// limiter, and performs the request (spec §6 network namespace).
func (f *Fetcher) Fetch(ctx context.Context, id extensions.ExtensionID, manifest *extensions.Manifest, rawURL, method string, headers map[string]string, body string) (*FetchResult, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, &extensions.ShapeError{Detail: fmt.Sprintf("invalid fetch url %q", rawURL)}
	}

	if err := f.perms.EnsureNetworkHost(ctx, id, manifest, parsed.Hostname()); err != nil {
		return nil, err
	}

	if err := f.limiterFor(id).Wait(ctx); err != nil {
		return nil, fmt.Errorf("network: rate limit wait: %w", err)
	}

	if method == "" {
		method = http.MethodGet
	}
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, &extensions.ShapeError{Detail: err.Error()}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network: request failed: %w", err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxFetchBody)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("network: read response: %w", err)
	}

	out := &FetchResult{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:     resp.StatusCode,
		StatusText: resp.Status,
		URL:        rawURL,
		Headers:    map[string]string{},
		BodyText:   string(data),
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	return out, nil
}

func handleNetworkFetch(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a struct {
		URL     string
		Method  string
		Headers map[string]string
		Body    string
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, &extensions.ShapeError{Detail: "invalid network.fetch arguments"}
	}
	if d.Fetcher == nil {
		return nil, &extensions.ShapeError{Detail: "network.fetch is not available on this host"}
	}
	res, err := d.Fetcher.Fetch(ctx, rc.ID, rc.Manifest, a.URL, a.Method, a.Headers, a.Body)
	if err != nil {
		switch err.(type) {
		case *extensions.PermissionError, *extensions.NotDeclaredError:
			d.logDenied(ctx, rc.ID, "network.fetch", []extensions.Permission{extensions.PermNetwork}, a.URL, err.Error())
		}
		return nil, err
	}
	return res, nil
}

// handleNetworkOpenWebSocket checks the target against the network policy
// the same way Fetch does (Fetch's per-extension rate limiter is not
// applied), then returns a handle the worker uses over the
// same bridge to drive the connection; the actual gorilla/websocket dial
// happens in the daemon layer that owns the real socket lifecycle, since an
// in-sandbox goja value cannot hold a live net.Conn.
func handleNetworkOpenWebSocket(d *Dispatcher, ctx context.Context, rc RequestContext, args json.RawMessage) (interface{}, error) {
	var a struct{ URL string }
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, &extensions.ShapeError{Detail: "invalid network.openWebSocket arguments"}
	}
	parsed, err := url.Parse(a.URL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
		return nil, &extensions.ShapeError{Detail: fmt.Sprintf("invalid websocket url %q", a.URL)}
	}
	if err := d.Perms.EnsureNetworkHost(ctx, rc.ID, rc.Manifest, parsed.Hostname()); err != nil {
		switch err.(type) {
		case *extensions.PermissionError, *extensions.NotDeclaredError:
			d.logDenied(ctx, rc.ID, "network.openWebSocket", []extensions.Permission{extensions.PermNetwork}, a.URL, err.Error())
		}
		return nil, err
	}
	return map[string]interface{}{"url": a.URL, "accepted": true}, nil
}
