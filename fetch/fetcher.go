package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/c360studio/webdigest/cache"
	"github.com/c360studio/webdigest/metrics"
	"github.com/c360studio/webdigest/pool"
)

// Method identifies which tier produced a fetch result.
type Method string

const (
	MethodDirect  Method = "direct"
	MethodBrowser Method = "browser"
	MethodFile    Method = "file"
	MethodCache   Method = "cache"
)

// Result is the outcome of one fetch, whichever tier produced it.
type Result struct {
	ResolvedURL string `json:"resolved_url"`
	Content     []byte `json:"content"`
	ContentType string `json:"content_type"`
	StatusCode  int    `json:"status_code,omitempty"`
	Method      Method `json:"method"`
	FromCache   bool   `json:"from_cache"`
}

// Options adjust a single Fetch call.
type Options struct {
	// ForceBrowser skips the direct tier and renders in a pooled browser.
	ForceBrowser bool
	// NoCache bypasses the cache read; the result is still written through.
	NoCache bool
}

// Config holds the tier budgets and concurrency limit for a Fetcher.
type Config struct {
	DirectTimeout  time.Duration
	BrowserTimeout time.Duration
	MaxConcurrent  int64
	CacheTTL       time.Duration
}

// Fetcher resolves targets through up to three tiers: direct HTTP client,
// pooled headless browser, and the local filesystem, with a shared
// write-through cache in front of all of them.
type Fetcher struct {
	client   *Client
	browsers *pool.Pool
	resolver *FilesystemResolver
	store    *cache.Store
	limiter  *semaphore.Weighted
	group    singleflight.Group
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithBrowserPool enables the browser escalation tier.
func WithBrowserPool(p *pool.Pool) Option {
	return func(f *Fetcher) { f.browsers = p }
}

// WithFilesystemResolver enables file:// and local-path targets.
func WithFilesystemResolver(r *FilesystemResolver) Option {
	return func(f *Fetcher) { f.resolver = r }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = logger }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// New creates a Fetcher over the given direct client and cache store.
func New(client *Client, store *cache.Store, cfg Config, opts ...Option) *Fetcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.DirectTimeout <= 0 {
		cfg.DirectTimeout = 30 * time.Second
	}
	if cfg.BrowserTimeout <= 0 {
		cfg.BrowserTimeout = 60 * time.Second
	}

	f := &Fetcher{
		client:  client,
		store:   store,
		limiter: semaphore.NewWeighted(cfg.MaxConcurrent),
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves target through the appropriate tier. Network targets check
// the cache first, then try the direct client, escalating to the browser
// tier on transport errors, bot-blocking statuses, or script-required pages.
// Filesystem targets resolve through the allow-list. Concurrent calls for
// the same key share one in-flight fetch.
func (f *Fetcher) Fetch(ctx context.Context, target string, opts Options) (*Result, error) {
	if IsFilesystemTarget(target) {
		return f.fetchFile(ctx, target, opts)
	}

	var params map[string]string
	if opts.ForceBrowser {
		params = map[string]string{"render": "browser"}
	}
	key := cache.FetchKey(target, params)

	var stale []byte
	var validators *cache.Validators
	if !opts.NoCache {
		payload, v, fresh, err := f.store.GetStale(key)
		switch {
		case err != nil:
			f.logger.Warn("cache read failed", "key", key, "error", err)
		case fresh:
			if res, derr := decodeCached(payload); derr == nil {
				f.metrics.ObserveCache("fetch", true)
				return res, nil
			}
			f.store.Delete(key)
		default:
			stale, validators = payload, v
		}
		f.metrics.ObserveCache("fetch", false)
	}

	v, err, _ := f.group.Do(key, func() (any, error) {
		if err := f.limiter.Acquire(ctx, 1); err != nil {
			return nil, NewTransientError(fmt.Errorf("fetch limiter: %w", err))
		}
		defer f.limiter.Release(1)
		return f.fetchNetwork(ctx, target, opts, key, stale, validators)
	})
	if err != nil {
		return nil, err
	}

	// singleflight hands the same *Result to every waiting caller.
	out := *v.(*Result)
	return &out, nil
}

// updatePoolGauges publishes browser pool occupancy.
func (f *Fetcher) updatePoolGauges() {
	live, idle := f.browsers.Stats()
	f.metrics.SetPoolStats(live-idle, f.browsers.Waiting())
}

// InvalidateFile drops the cached entry for a local file, if any.
func (f *Fetcher) InvalidateFile(path string) {
	f.store.Delete(cache.FetchKey("file://"+path, nil))
}

func (f *Fetcher) fetchNetwork(ctx context.Context, target string, opts Options, key string, stale []byte, validators *cache.Validators) (*Result, error) {
	start := time.Now()

	if opts.ForceBrowser {
		res, err := f.fetchBrowser(ctx, target)
		f.metrics.ObserveFetch(string(MethodBrowser), time.Since(start).Seconds(), err)
		if err != nil {
			return nil, err
		}
		f.writeThrough(key, res, nil)
		return res, nil
	}

	etag := ""
	if stale != nil && validators != nil {
		etag = validators.ETag
	}

	cres, directErr := f.direct(ctx, target, etag)
	if directErr == nil && cres.StatusCode == http.StatusNotModified {
		if res := f.reviveStale(key, stale, validators); res != nil {
			f.metrics.ObserveFetch(string(MethodDirect), time.Since(start).Seconds(), nil)
			return res, nil
		}
		// Stale payload was unusable; refetch unconditionally.
		cres, directErr = f.direct(ctx, target, "")
	}

	var direct *Result
	escalate := false
	reason := ""
	switch {
	case directErr == nil:
		direct = resultFromClient(cres, MethodDirect)
		if needsBrowser(cres) {
			escalate, reason = true, "script-required content"
		}
	default:
		var httpErr *HTTPError
		switch {
		case errors.As(directErr, &httpErr):
			switch httpErr.StatusCode {
			case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
				escalate, reason = true, fmt.Sprintf("status %d", httpErr.StatusCode)
			default:
				f.metrics.ObserveFetch(string(MethodDirect), time.Since(start).Seconds(), directErr)
				if httpErr.StatusCode >= 500 {
					return nil, NewTransientError(directErr)
				}
				return nil, NewPermanentError(directErr)
			}
		case IsTransient(directErr):
			escalate, reason = true, "transport error"
		default:
			f.metrics.ObserveFetch(string(MethodDirect), time.Since(start).Seconds(), directErr)
			return nil, directErr
		}
	}

	if !escalate {
		f.metrics.ObserveFetch(string(MethodDirect), time.Since(start).Seconds(), nil)
		f.writeThrough(key, direct, validatorsFromClient(cres))
		return direct, nil
	}

	f.logger.Debug("escalating to browser tier", "url", target, "reason", reason)
	bres, berr := f.fetchBrowser(ctx, target)
	f.metrics.ObserveFetch(string(MethodBrowser), time.Since(start).Seconds(), berr)
	if berr != nil {
		if direct != nil {
			// Thin direct content still beats a failed render.
			f.logger.Warn("browser render failed, keeping direct result", "url", target, "error", berr)
			f.writeThrough(key, direct, validatorsFromClient(cres))
			return direct, nil
		}
		return nil, fmt.Errorf("direct fetch failed (%v); browser fetch failed: %w", directErr, berr)
	}
	f.writeThrough(key, bres, nil)
	return bres, nil
}

func (f *Fetcher) direct(ctx context.Context, target, etag string) (*clientResult, error) {
	dctx, cancel := context.WithTimeout(ctx, f.cfg.DirectTimeout)
	defer cancel()
	return f.client.Get(dctx, target, etag)
}

func (f *Fetcher) fetchBrowser(ctx context.Context, target string) (*Result, error) {
	if f.browsers == nil {
		return nil, NewPermanentError(errors.New("browser tier is not configured"))
	}

	bctx, cancel := context.WithTimeout(ctx, f.cfg.BrowserTimeout)
	defer cancel()

	h, err := f.browsers.Acquire(bctx)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("acquire browser: %w", err))
	}
	// LIFO defers: Release runs first, then the gauges see the returned
	// handle. Release must run even when the caller's context is already
	// cancelled.
	defer f.updatePoolGauges()
	defer f.browsers.Release(context.WithoutCancel(ctx), h)
	f.updatePoolGauges()

	rendered, finalURL, err := h.Render(bctx, target)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("render %s: %w", target, err))
	}
	if finalURL == "" {
		finalURL = target
	}

	return &Result{
		ResolvedURL: finalURL,
		Content:     []byte(rendered),
		ContentType: "text/html; charset=utf-8",
		StatusCode:  http.StatusOK,
		Method:      MethodBrowser,
	}, nil
}

func (f *Fetcher) fetchFile(ctx context.Context, target string, opts Options) (*Result, error) {
	if f.resolver == nil {
		return nil, NewPermanentError(errors.New("filesystem access is not configured"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	canonical, err := f.resolver.Resolve(target)
	if err != nil {
		return nil, err
	}

	key := cache.FetchKey("file://"+canonical, nil)
	if !opts.NoCache {
		payload, _, fresh, gerr := f.store.GetStale(key)
		if gerr == nil && fresh {
			if res, derr := decodeCached(payload); derr == nil {
				f.metrics.ObserveCache("fetch", true)
				return res, nil
			}
			f.store.Delete(key)
		}
		f.metrics.ObserveCache("fetch", false)
	}

	// Local reads share the global limiter and in-flight dedup with
	// network fetches.
	v, err, _ := f.group.Do(key, func() (any, error) {
		if err := f.limiter.Acquire(ctx, 1); err != nil {
			return nil, NewTransientError(fmt.Errorf("fetch limiter: %w", err))
		}
		defer f.limiter.Release(1)
		return f.readFile(canonical, key)
	})
	if err != nil {
		return nil, err
	}

	out := *v.(*Result)
	return &out, nil
}

func (f *Fetcher) readFile(canonical, key string) (*Result, error) {
	start := time.Now()
	_, content, err := f.resolver.Read(canonical)
	f.metrics.ObserveFetch(string(MethodFile), time.Since(start).Seconds(), err)
	if err != nil {
		return nil, err
	}

	res := &Result{
		ResolvedURL: "file://" + canonical,
		Content:     content,
		ContentType: contentTypeForFile(canonical),
		Method:      MethodFile,
	}
	f.writeThrough(key, res, nil)
	return res, nil
}

// writeThrough stores the result under key. Cache failures are logged, never
// surfaced: a fetch that worked is a success even if caching it did not.
func (f *Fetcher) writeThrough(key string, res *Result, v *cache.Validators) {
	payload, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := f.store.Set(key, payload, f.cfg.CacheTTL, v); err != nil {
		if cache.IsEntryTooLarge(err) {
			f.logger.Debug("result exceeds cache entry cap", "key", key)
		} else {
			f.logger.Warn("cache write failed", "key", key, "error", err)
		}
		return
	}
	st := f.store.Stats()
	f.metrics.SetCacheSize(st.EntryCount, st.TotalBytes)
}

// reviveStale re-stores an expired entry whose upstream returned 304 and
// serves it as a cache hit with a fresh TTL.
func (f *Fetcher) reviveStale(key string, stale []byte, v *cache.Validators) *Result {
	if stale == nil {
		return nil
	}
	var r Result
	if err := json.Unmarshal(stale, &r); err != nil {
		f.store.Delete(key)
		return nil
	}
	f.writeThrough(key, &r, v)
	r.FromCache = true
	r.Method = MethodCache
	return &r
}

func decodeCached(payload []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, err
	}
	r.FromCache = true
	r.Method = MethodCache
	return &r, nil
}

func resultFromClient(res *clientResult, method Method) *Result {
	return &Result{
		ResolvedURL: res.FinalURL,
		Content:     res.Body,
		ContentType: res.ContentType,
		StatusCode:  res.StatusCode,
		Method:      method,
	}
}

func validatorsFromClient(res *clientResult) *cache.Validators {
	if res == nil || (res.ETag == "" && res.LastModified == "") {
		return nil
	}
	return &cache.Validators{ETag: res.ETag, LastModified: res.LastModified}
}

// minReadableChars is the visible-text floor below which an HTML page is
// assumed to require script execution to produce its content.
const minReadableChars = 200

func needsBrowser(res *clientResult) bool {
	if !strings.Contains(res.ContentType, "text/html") {
		return false
	}
	text := visibleText(res.Body)
	if len(text) < minReadableChars {
		return true
	}
	lower := strings.ToLower(text)
	return strings.Contains(lower, "enable javascript") ||
		strings.Contains(lower, "javascript is required")
}

// visibleText extracts the text a non-scripting client would show,
// including noscript fallbacks.
func visibleText(body []byte) string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return string(body)
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			trimmed := strings.TrimSpace(n.Data)
			if trimmed != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(trimmed)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return b.String()
}

func contentTypeForFile(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".html"), strings.HasSuffix(lower, ".htm"):
		return "text/html; charset=utf-8"
	case strings.HasSuffix(lower, ".md"), strings.HasSuffix(lower, ".markdown"):
		return "text/markdown; charset=utf-8"
	case strings.HasSuffix(lower, ".json"):
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}
