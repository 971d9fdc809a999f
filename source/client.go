// Package source acquires live streams over HTTP: progressive FLV
// downloads with bounded mid-stream resume, and HLS playlist monitoring
// that turns a live rendition into an ordered run of segments. Both
// feed the repair pipeline; defects past this boundary are the
// pipeline's job, defects at it (status codes, dead playlists, spent
// retry budgets) surface as errors from the acquisition calls.
package source

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// Acquisition errors.
var (
	ErrBadStatus        = errors.New("source: unexpected HTTP status")
	ErrProxyScheme      = errors.New("source: unsupported proxy scheme")
	ErrRetriesExhausted = errors.New("source: retries exhausted")
)

// defaultUserAgent poses as a desktop browser. Several CDNs throttle or
// refuse unknown agents.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// ClientConfig carries the HTTP policy shared by every fetch of a run.
type ClientConfig struct {
	// Timeout bounds the wait for response headers. Bodies stream
	// without a deadline; progressive downloads run for hours.
	Timeout time.Duration

	// ConnectTimeout bounds dialing and the TLS handshake.
	ConnectTimeout time.Duration

	// ProxyURL routes requests through a proxy. http, https, socks5
	// and socks5h schemes are accepted. Empty falls back to the
	// environment proxy settings.
	ProxyURL string

	// UserAgent overrides the default desktop browser string.
	UserAgent string

	// Referer is sent with every request when set. Some platforms
	// reject segment requests without one.
	Referer string

	// HTTP3 speaks HTTP/3 over QUIC instead of TCP. Not combinable
	// with ProxyURL.
	HTTP3 bool

	// InsecureSkipVerify accepts invalid TLS certificates.
	InsecureSkipVerify bool
}

// DefaultClientConfig returns the policy used when a job specifies
// nothing.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:        30 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Client issues the package's HTTP requests with one shared transport
// and header policy.
type Client struct {
	hc        *http.Client
	userAgent string
	referer   string
	closeFn   func() error
}

// NewClient builds a Client from cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	tlsConf := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}

	var (
		rt      http.RoundTripper
		closeFn func() error
	)
	if cfg.HTTP3 {
		if cfg.ProxyURL != "" {
			return nil, fmt.Errorf("%w: HTTP/3 transport cannot use a proxy", ErrProxyScheme)
		}
		h3 := &http3.RoundTripper{
			TLSClientConfig: tlsConf,
			QUICConfig: &quic.Config{
				MaxIdleTimeout:  30 * time.Second,
				KeepAlivePeriod: 15 * time.Second,
			},
		}
		rt, closeFn = h3, h3.Close
	} else {
		proxy := http.ProxyFromEnvironment
		if cfg.ProxyURL != "" {
			u, err := url.Parse(cfg.ProxyURL)
			if err != nil {
				return nil, fmt.Errorf("source: proxy url: %w", err)
			}
			switch u.Scheme {
			case "http", "https", "socks5", "socks5h":
			default:
				return nil, fmt.Errorf("%w: %q", ErrProxyScheme, u.Scheme)
			}
			proxy = http.ProxyURL(u)
		}
		tr := &http.Transport{
			Proxy: proxy,
			DialContext: (&net.Dialer{
				Timeout: cfg.ConnectTimeout,
			}).DialContext,
			TLSClientConfig:       tlsConf,
			TLSHandshakeTimeout:   cfg.ConnectTimeout,
			ResponseHeaderTimeout: cfg.Timeout,
			ForceAttemptHTTP2:     true,
		}
		rt, closeFn = tr, func() error {
			tr.CloseIdleConnections()
			return nil
		}
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Client{
		hc:        &http.Client{Transport: rt},
		userAgent: ua,
		referer:   cfg.Referer,
		closeFn:   closeFn,
	}, nil
}

// Get issues a GET with the client's header policy applied.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	return c.get(ctx, rawURL, "")
}

// GetRange issues a GET asking for the bytes from offset to the end of
// the resource.
func (c *Client) GetRange(ctx context.Context, rawURL string, offset int64) (*http.Response, error) {
	return c.get(ctx, rawURL, fmt.Sprintf("bytes=%d-", offset))
}

func (c *Client) get(ctx context.Context, rawURL, byteRange string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("source: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.referer != "" {
		req.Header.Set("Referer", c.referer)
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}
	return c.hc.Do(req)
}

// fetch retrieves one bounded resource in full.
func (c *Client) fetch(ctx context.Context, rawURL string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	return data, nil
}

// Close releases the connections held by the transport.
func (c *Client) Close() error {
	return c.closeFn()
}

// checkStatus screens a response status. Any 2xx passes.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
}

// sleep waits d or until ctx is done. Non-positive d returns
// immediately.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
