// Package calendar pulls external ICS feeds, parses them into event
// occurrences and reconciles those occurrences into local storage.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"syscall"
	"time"

	"github.com/daybook/calsync/internal/metrics"
)

var (
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrResponseTooLarge = errors.New("response too large")
	ErrFetchTimeout     = errors.New("fetch timed out")
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// Default fetch limits.
const (
	DefaultFetchTimeout = 15 * time.Second
	DefaultMaxRedirects = 5
	DefaultMaxBytes     = 5 << 20
	DefaultUserAgent    = "daybook-calsync/1.0"
)

// FetchError is returned by Fetch. Its message names only the scheme and
// host of the feed, never its path, query or credentials.
type FetchError struct {
	Origin string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.Origin, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Resolver looks up every address of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

type contextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// FetcherConfig bounds a single fetch. Zero values select the defaults; a
// negative MaxRedirects refuses every redirect.
type FetcherConfig struct {
	Timeout      time.Duration
	MaxRedirects int
	MaxBytes     int64
	UserAgent    string
}

func (c FetcherConfig) withDefaults() FetcherConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultFetchTimeout
	}
	if c.MaxRedirects < 0 {
		c.MaxRedirects = 0
	} else if c.MaxRedirects == 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	return c
}

// CacheMetadata carries the validators from the previous successful fetch.
type CacheMetadata struct {
	EntityTag    string
	LastModified string
}

// FetchResult is a successful fetch. NotModified results carry no body.
type FetchResult struct {
	StatusCode   int
	NotModified  bool
	Body         []byte
	EntityTag    string
	LastModified string
}

// Fetcher retrieves ICS feeds while refusing to reach internal addresses.
// Every hop, including redirect targets, is validated and resolved once; the
// connection is then dialed only to the addresses that passed validation.
type Fetcher struct {
	cfg      FetcherConfig
	resolver Resolver
	dialer   contextDialer
}

// NewFetcher creates a Fetcher using the system resolver.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	cfg = cfg.withDefaults()
	return &Fetcher{
		cfg:      cfg,
		resolver: net.DefaultResolver,
		dialer: &net.Dialer{
			Timeout: cfg.Timeout,
			Control: blockingControl,
		},
	}
}

// blockingControl rejects the socket right before connect if its address is
// internal. Addresses are pinned before this point; this is the last check.
func blockingControl(network, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: unparseable dial address", ErrBlockedAddress)
	}
	if isBlockedAddr(ap.Addr()) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, ap.Addr().Unmap())
	}
	return nil
}

// Fetch performs a conditional GET of rawURL. The configured timeout covers
// resolution, every redirect hop and the body read.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, cache CacheMetadata) (*FetchResult, error) {
	start := time.Now()
	res, err := f.fetch(ctx, rawURL, cache)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case res.NotModified:
		outcome = "not_modified"
	}
	metrics.ObserveFetch(outcome, time.Since(start))
	return res, err
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string, cache CacheMetadata) (*FetchResult, error) {
	u, literal, err := validateFeedURL(rawURL)
	if err != nil {
		return nil, &FetchError{Origin: redactURL(rawURL), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	for redirects := 0; ; redirects++ {
		origin := redactParsed(u)

		addrs, err := f.resolve(ctx, u.Hostname(), literal)
		if err != nil {
			return nil, &FetchError{Origin: origin, Err: f.classify(ctx, err)}
		}

		resp, err := f.get(ctx, u, addrs, cache)
		if err != nil {
			return nil, &FetchError{Origin: origin, Err: f.classify(ctx, err)}
		}

		switch {
		case resp.StatusCode == http.StatusNotModified:
			resp.Body.Close()
			return &FetchResult{
				StatusCode:   resp.StatusCode,
				NotModified:  true,
				EntityTag:    firstNonEmpty(resp.Header.Get("ETag"), cache.EntityTag),
				LastModified: firstNonEmpty(resp.Header.Get("Last-Modified"), cache.LastModified),
			}, nil

		case isRedirect(resp.StatusCode):
			location := resp.Header.Get("Location")
			resp.Body.Close()
			if location == "" {
				return nil, &FetchError{Origin: origin, Err: fmt.Errorf("%w: %d without Location", ErrUnexpectedStatus, resp.StatusCode)}
			}
			if redirects >= f.cfg.MaxRedirects {
				return nil, &FetchError{Origin: origin, Err: fmt.Errorf("%w: limit %d", ErrTooManyRedirects, f.cfg.MaxRedirects)}
			}
			next, err := u.Parse(location)
			if err != nil {
				return nil, &FetchError{Origin: origin, Err: fmt.Errorf("%w: bad redirect target", ErrInvalidURL)}
			}
			if u, literal, err = validateParsedURL(next); err != nil {
				return nil, &FetchError{Origin: redactParsed(next), Err: err}
			}
			slog.Debug("following feed redirect", "from", origin, "to", redactParsed(u), "status", resp.StatusCode)
			continue

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			body, err := f.readBody(resp)
			if err != nil {
				return nil, &FetchError{Origin: origin, Err: f.classify(ctx, err)}
			}
			return &FetchResult{
				StatusCode:   resp.StatusCode,
				Body:         body,
				EntityTag:    resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}, nil

		default:
			resp.Body.Close()
			return nil, &FetchError{Origin: origin, Err: fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)}
		}
	}
}

// resolve returns the addresses a hop may connect to. A literal host is
// used as is; a name is resolved once and rejected if any answer is internal.
func (f *Fetcher) resolve(ctx context.Context, host string, literal netip.Addr) ([]netip.Addr, error) {
	if literal.IsValid() {
		if isBlockedAddr(literal) {
			return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, literal.Unmap())
		}
		return []netip.Addr{literal}, nil
	}

	addrs, err := f.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolving %s: no addresses", host)
	}
	for _, a := range addrs {
		if isBlockedAddr(a) {
			return nil, fmt.Errorf("%w: %s resolves to %s", ErrBlockedAddress, host, a.Unmap())
		}
	}
	return addrs, nil
}

func (f *Fetcher) get(ctx context.Context, u *url.URL, addrs []netip.Addr, cache CacheMetadata) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request", ErrInvalidURL)
	}
	req.Header.Set("Accept", "text/calendar, text/plain;q=0.9, */*;q=0.1")
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	if cache.EntityTag != "" {
		req.Header.Set("If-None-Match", cache.EntityTag)
	}
	if cache.LastModified != "" {
		req.Header.Set("If-Modified-Since", cache.LastModified)
	}

	transport := f.pinnedTransport(addrs)
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		// url.Error embeds the full URL; keep only the cause.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, err
	}
	return resp, nil
}

// pinnedTransport dials only the given addresses, whatever host the request
// names. Proxies are disabled since they would resolve the host themselves.
func (f *Fetcher) pinnedTransport(addrs []netip.Addr) *http.Transport {
	return &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(address)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, a := range addrs {
				conn, err := f.dialer.DialContext(ctx, network, net.JoinHostPort(a.Unmap().String(), port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
		DisableKeepAlives:      true,
		TLSHandshakeTimeout:    f.cfg.Timeout,
		ResponseHeaderTimeout:  f.cfg.Timeout,
		MaxResponseHeaderBytes: 64 << 10,
	}
}

func (f *Fetcher) readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	if resp.ContentLength > f.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrResponseTooLarge, resp.ContentLength, f.cfg.MaxBytes)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > f.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: exceeds limit of %d bytes", ErrResponseTooLarge, f.cfg.MaxBytes)
	}
	return body, nil
}

// classify maps deadline expiry to ErrFetchTimeout and leaves other errors alone.
func (f *Fetcher) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrFetchTimeout, f.cfg.Timeout)
	}
	return err
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
