package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// Browser manages a shared headless Chrome process whose tabs serve as pool
// handles. One exec allocator is created per Browser; each handle is an
// isolated browser context on top of it.
type Browser struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	userAgent   string
	navTimeout  time.Duration
}

// BrowserOptions configures the shared browser process.
type BrowserOptions struct {
	// UserAgent overrides the browser's user agent string.
	UserAgent string

	// NavigationTimeout bounds a single Render call.
	NavigationTimeout time.Duration
}

// NewBrowser starts the shared allocator. The returned Browser's Factory is
// passed to pool.New; Shutdown must be called after the pool is closed.
func NewBrowser(opts BrowserOptions) *Browser {
	if opts.NavigationTimeout == 0 {
		opts.NavigationTimeout = 60 * time.Second
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)

	return &Browser{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		userAgent:   opts.UserAgent,
		navTimeout:  opts.NavigationTimeout,
	}
}

// Factory returns a pool.Factory creating tab handles on this browser.
func (b *Browser) Factory() Factory {
	return func(ctx context.Context) (Handle, error) {
		tabCtx, tabCancel := chromedp.NewContext(b.allocCtx)

		// Force browser startup now so creation cost is paid here, inside
		// the pool's accounting, not on the first Render.
		startCtx, cancel := context.WithTimeout(tabCtx, 30*time.Second)
		defer cancel()
		if err := chromedp.Run(startCtx); err != nil {
			tabCancel()
			return nil, fmt.Errorf("start browser tab: %w", err)
		}

		return &tabHandle{
			ctx:        tabCtx,
			cancel:     tabCancel,
			navTimeout: b.navTimeout,
		}, nil
	}
}

// Shutdown terminates the shared browser process.
func (b *Browser) Shutdown() {
	b.allocCancel()
}

// tabHandle is one pooled browser tab.
type tabHandle struct {
	ctx        context.Context
	cancel     context.CancelFunc
	navTimeout time.Duration
}

// Render navigates to url, waits for the document to settle, and returns
// the rendered HTML.
func (t *tabHandle) Render(ctx context.Context, url string) (string, string, error) {
	runCtx, cancel := context.WithTimeout(t.ctx, t.navTimeout)
	defer cancel()

	// Caller cancellation must interrupt the tab's own timeout budget.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html, finalURL string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		return "", "", fmt.Errorf("render %s: %w", url, err)
	}

	return html, finalURL, nil
}

// Healthy probes the tab with a trivial navigation.
func (t *tabHandle) Healthy(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(t.ctx, 5*time.Second)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(probeCtx, chromedp.Navigate("about:blank")) == nil
}

// Close destroys the tab.
func (t *tabHandle) Close() error {
	t.cancel()
	return nil
}
