package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/c360studio/webdigest/fetch/weburl"
)

// clientResult contains the outcome of one direct-client attempt.
type clientResult struct {
	Body         []byte
	ContentType  string
	ETag         string
	LastModified string
	StatusCode   int
	FinalURL     string
}

// Client is the lightweight direct HTTP tier with SSRF protection.
type Client struct {
	httpClient     *http.Client
	userAgent      string
	maxContentSize int64
	allowPrivate   bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAllowPrivateHosts disables SSRF target validation. Only for tests and
// explicitly trusted single-tenant deployments.
func WithAllowPrivateHosts() ClientOption {
	return func(c *Client) { c.allowPrivate = true }
}

// NewClient creates the direct-tier HTTP client. The timeout bounds a whole
// attempt independently of the browser tier's budget.
func NewClient(timeout time.Duration, userAgent string, maxContentSize int64, opts ...ClientOption) *Client {
	c := &Client{
		userAgent:      userAgent,
		maxContentSize: maxContentSize,
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	// Custom DialContext that validates resolved IPs to prevent DNS
	// rebinding attacks.
	safeDialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address: %w", err)
		}

		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("DNS lookup failed: %w", err)
		}

		if !c.allowPrivate {
			for _, ipAddr := range ips {
				if weburl.IsPrivateIP(ipAddr.IP) {
					return nil, fmt.Errorf("connection to private IP %s is not allowed", ipAddr.IP)
				}
			}
		}

		// Connect to the first reachable IP
		for _, ipAddr := range ips {
			connAddr := net.JoinHostPort(ipAddr.IP.String(), port)
			conn, err := dialer.DialContext(ctx, network, connAddr)
			if err == nil {
				return conn, nil
			}
		}

		return nil, fmt.Errorf("failed to connect to any resolved IP")
	}

	transport := &http.Transport{
		DialContext:           safeDialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}

	c.httpClient = &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects (max 5)")
			}
			if c.allowPrivate {
				return nil
			}
			// Validate redirect target is not to a private host
			if err := weburl.ValidateURL(req.URL.String()); err != nil {
				return fmt.Errorf("redirect blocked: %w", err)
			}
			return nil
		},
	}

	return c
}

// Get retrieves content from the given URL. If etag is non-empty a
// conditional request is made and a 304 comes back with an empty body.
// Non-2xx statuses are returned as (result, *HTTPError) so the caller can
// inspect the status for tier escalation.
func (c *Client) Get(ctx context.Context, urlStr, etag string) (*clientResult, error) {
	if !c.allowPrivate {
		if err := weburl.ValidateURL(urlStr); err != nil {
			return nil, NewPermanentError(err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failures are transient; the caller may escalate or retry.
		return nil, NewTransientError(fmt.Errorf("fetch: %w", err))
	}
	defer resp.Body.Close()

	result := &clientResult{
		ContentType:  resp.Header.Get("Content-Type"),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		StatusCode:   resp.StatusCode,
		FinalURL:     resp.Request.URL.String(),
	}

	// Handle 304 Not Modified
	if resp.StatusCode == http.StatusNotModified {
		return result, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, &HTTPError{StatusCode: resp.StatusCode, URL: urlStr}
	}

	// Read body with size limit
	limitReader := io.LimitReader(resp.Body, c.maxContentSize+1)
	body, err := io.ReadAll(limitReader)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read body: %w", err))
	}

	if int64(len(body)) > c.maxContentSize {
		return nil, NewPermanentError(fmt.Errorf("content too large (exceeds %d bytes)", c.maxContentSize))
	}

	result.Body = body
	return result, nil
}
