package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	// Register LLM providers via init()
	_ "github.com/c360studio/webdigest/llm/providers"

	"github.com/c360studio/webdigest/cache"
	"github.com/c360studio/webdigest/chunk"
	"github.com/c360studio/webdigest/config"
	"github.com/c360studio/webdigest/extract"
	"github.com/c360studio/webdigest/fetch"
	"github.com/c360studio/webdigest/llm"
	"github.com/c360studio/webdigest/metrics"
	"github.com/c360studio/webdigest/pipeline"
	"github.com/c360studio/webdigest/pool"
	"github.com/c360studio/webdigest/summarize"
)

// maxContentBytes caps one fetched network response.
const maxContentBytes = 10 << 20

// App wires the digest components together for the CLI.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store       *cache.Store
	browser     *pool.Browser
	browserPool *pool.Pool
	fetcher     *fetch.Fetcher
	watcher     *fetch.Watcher
	pipeline    *pipeline.Pipeline
}

// NewApp builds every component from the resolved configuration. Call
// Close when done.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}
	m := metrics.New(prometheus.NewRegistry())

	store, err := cache.Open(cfg.Cache.Directory, cfg.Cache.MaxBytes, cache.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	a.store = store

	a.browser = pool.NewBrowser(pool.BrowserOptions{
		UserAgent:         cfg.Fetch.UserAgent,
		NavigationTimeout: cfg.Fetch.BrowserTimeout,
	})
	a.browserPool, err = pool.New(pool.Config{
		MaxSize:        cfg.Pool.MaxSize,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
	}, a.browser.Factory(), pool.WithLogger(logger))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create browser pool: %w", err)
	}

	fetchOpts := []fetch.Option{
		fetch.WithBrowserPool(a.browserPool),
		fetch.WithLogger(logger),
		fetch.WithMetrics(m),
	}
	var resolver *fetch.FilesystemResolver
	if len(cfg.Filesystem.AllowedDirectories) > 0 {
		resolver, err = fetch.NewFilesystemResolver(cfg.Filesystem.AllowedDirectories, cfg.Filesystem.MaxFileBytes)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("filesystem allow-list: %w", err)
		}
		fetchOpts = append(fetchOpts, fetch.WithFilesystemResolver(resolver))
	}

	client := fetch.NewClient(cfg.Fetch.Timeout, cfg.Fetch.UserAgent, maxContentBytes)
	a.fetcher = fetch.New(client, store, fetch.Config{
		DirectTimeout:  cfg.Fetch.Timeout,
		BrowserTimeout: cfg.Fetch.BrowserTimeout,
		MaxConcurrent:  int64(cfg.Fetch.MaxConcurrent),
		CacheTTL:       cfg.Cache.TTL,
	}, fetchOpts...)

	if resolver != nil {
		a.watcher, err = fetch.NewWatcher(resolver, a.fetcher.InvalidateFile, logger)
		if err != nil {
			logger.Warn("file watcher unavailable", "error", err)
		}
	}

	endpoints := make([]llm.Endpoint, len(cfg.LLM.Endpoints))
	for i, ep := range cfg.LLM.Endpoints {
		endpoints[i] = llm.Endpoint{
			Provider:  ep.Provider,
			URL:       ep.URL,
			Model:     ep.Model,
			MaxTokens: ep.MaxTokens,
		}
	}
	llmClient, err := llm.NewClient(endpoints,
		llm.WithLogger(logger),
		llm.WithHTTPClient(&http.Client{Timeout: cfg.LLM.Timeout}))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create llm client: %w", err)
	}

	chunker, err := chunk.New(chunk.Config{
		TargetTokens:  cfg.Chunk.TargetTokens,
		MaxTokens:     cfg.Chunk.TargetTokens * 3 / 2,
		OverlapTokens: cfg.Chunk.OverlapTokens,
	}, chunk.TokenCounter(endpoints[0].Model))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create chunker: %w", err)
	}

	temperature := cfg.LLM.Temperature
	summarizer, err := summarize.New(llmClient, store, summarize.Config{
		MapReduceThresholdTokens: cfg.Summary.MapReduceThresholdTokens,
		MaxConcurrent:            cfg.Summary.MaxConcurrent,
		CacheTTL:                 cfg.Cache.TTL,
		Temperature:              &temperature,
	}, summarize.WithLogger(logger), summarize.WithMetrics(m))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create summarizer: %w", err)
	}

	a.pipeline, err = pipeline.New(a.fetcher, extract.New(extract.WithLogger(logger)),
		chunker, summarizer, store,
		pipeline.Config{ExtractTTL: cfg.Cache.TTL},
		pipeline.WithLogger(logger))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	return a, nil
}

// Start begins background work (the local-file invalidation watcher).
func (a *App) Start(ctx context.Context) {
	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			a.logger.Warn("file watcher failed to start", "error", err)
		}
	}
}

// Summarize runs one digest job through the pipeline.
func (a *App) Summarize(ctx context.Context, req pipeline.Request) (*summarize.Stream, error) {
	return a.pipeline.Summarize(ctx, req)
}

// CacheStats reports the store's current footprint.
func (a *App) CacheStats() cache.Stats {
	return a.store.Stats()
}

// ClearCache removes every cached entry.
func (a *App) ClearCache() {
	a.store.Clear()
}

// Close releases every component in reverse dependency order.
func (a *App) Close() {
	if a.watcher != nil {
		_ = a.watcher.Stop()
	}
	if a.browserPool != nil {
		a.browserPool.Close()
	}
	if a.browser != nil {
		a.browser.Shutdown()
	}
}
