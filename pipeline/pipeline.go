// Package pipeline wires fetch, extract, chunk, and summarize into the
// end-to-end digest flow. It owns target fan-out and link following; each
// stage keeps its own caching and concurrency behavior.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/webdigest/cache"
	"github.com/c360studio/webdigest/chunk"
	"github.com/c360studio/webdigest/extract"
	"github.com/c360studio/webdigest/fetch"
	"github.com/c360studio/webdigest/summarize"
)

const (
	defaultMaxDepth = 1

	// maxFollowLinksPerPage bounds how many discovered links one page may
	// contribute to the next crawl level.
	maxFollowLinksPerPage = 8

	// maxTotalTargets bounds the whole crawl regardless of depth.
	maxTotalTargets = 32
)

// Request describes one digest job over one or more targets. Targets may
// mix network URLs and local paths.
type Request struct {
	URLs        []string
	Query       string
	FollowLinks bool
	// MaxDepth limits link following. 0 means the default of 1.
	MaxDepth int
	// ForceBrowser renders every network target in a pooled browser.
	ForceBrowser bool
	// NoCache bypasses cache reads at every stage.
	NoCache bool
}

// Config holds pipeline tunables.
type Config struct {
	// Strategy selects the chunking strategy. Empty means hierarchical.
	Strategy chunk.Strategy
	// ExtractTTL bounds cached extraction results.
	ExtractTTL time.Duration
}

// Pipeline runs the fetch, extract, chunk, summarize flow.
type Pipeline struct {
	fetcher    *fetch.Fetcher
	extractor  *extract.Extractor
	chunker    *chunk.Chunker
	summarizer *summarize.Summarizer
	store      *cache.Store
	cfg        Config
	logger     *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// New creates a Pipeline. store may be nil to disable extraction caching.
func New(fetcher *fetch.Fetcher, extractor *extract.Extractor, chunker *chunk.Chunker, summarizer *summarize.Summarizer, store *cache.Store, cfg Config, opts ...Option) (*Pipeline, error) {
	if fetcher == nil || extractor == nil || chunker == nil || summarizer == nil {
		return nil, fmt.Errorf("fetcher, extractor, chunker, and summarizer are required")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = chunk.StrategyHierarchical
	}
	if cfg.ExtractTTL <= 0 {
		cfg.ExtractTTL = 7 * 24 * time.Hour
	}

	p := &Pipeline{
		fetcher:    fetcher,
		extractor:  extractor,
		chunker:    chunker,
		summarizer: summarizer,
		store:      store,
		cfg:        cfg,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// document is one successfully processed target.
type document struct {
	source string
	chunks []chunk.Chunk
	links  []string
}

// Summarize fans out over the requested targets, optionally follows
// same-host links, and streams a summary over everything that could be
// read. Individual target failures are tolerated; the job fails only when
// no target yields content.
func (p *Pipeline) Summarize(ctx context.Context, req Request) (*summarize.Stream, error) {
	if len(req.URLs) == 0 {
		return nil, fmt.Errorf("no targets given")
	}
	maxDepth := req.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}

	visited := make(map[string]bool)
	frontier := dedupe(req.URLs, visited, maxTotalTargets)

	var docs []document
	failed := 0
	attempted := 0

	for depth := 0; len(frontier) > 0; depth++ {
		results := p.processLevel(ctx, frontier, req)
		var next []string
		for i, res := range results {
			attempted++
			if res.err != nil {
				failed++
				p.logger.Warn("target failed",
					"target", frontier[i],
					"depth", depth,
					"error", res.err)
				continue
			}
			docs = append(docs, *res.doc)
			if req.FollowLinks && depth < maxDepth {
				next = append(next, followable(frontier[i], res.doc.links)...)
			}
		}
		budget := maxTotalTargets - len(visited)
		frontier = dedupe(next, visited, budget)
	}

	if len(docs) == 0 {
		return nil, fmt.Errorf("all %d targets failed", attempted)
	}
	if failed > 0 {
		p.logger.Warn("continuing with partial content",
			"failed", failed,
			"succeeded", len(docs))
	}

	var chunks []chunk.Chunk
	sources := make([]string, 0, len(docs))
	for _, d := range docs {
		chunks = append(chunks, d.chunks...)
		sources = append(sources, d.source)
	}

	return p.summarizer.Summarize(ctx, summarize.Request{
		Chunks:  chunks,
		Query:   req.Query,
		Sources: sources,
		NoCache: req.NoCache,
	})
}

type targetResult struct {
	doc *document
	err error
}

// processLevel runs one crawl level concurrently. The fetcher's own
// limiter bounds network concurrency, so the group is unbounded here.
func (p *Pipeline) processLevel(ctx context.Context, targets []string, req Request) []targetResult {
	results := make([]targetResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		g.Go(func() error {
			doc, err := p.processTarget(gctx, target, req)
			results[i] = targetResult{doc: doc, err: err}
			return nil
		})
	}
	_ = g.Wait() // goroutines always return nil
	return results
}

func (p *Pipeline) processTarget(ctx context.Context, target string, req Request) (*document, error) {
	key := cache.ExtractKey(target, extract.Fingerprint())

	if p.store != nil && !req.NoCache {
		var art extract.Article
		if ok, err := p.store.GetJSON(key, &art); err == nil && ok {
			return p.buildDocument(target, &art)
		}
	}

	res, err := p.fetcher.Fetch(ctx, target, fetch.Options{
		ForceBrowser: req.ForceBrowser && !fetch.IsFilesystemTarget(target),
		NoCache:      req.NoCache,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	art, err := p.extractor.Extract(res.ResolvedURL, res.Content, res.ContentType)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}

	if p.store != nil {
		if serr := p.store.SetJSON(key, art, p.cfg.ExtractTTL); serr != nil {
			p.logger.Warn("extract cache write failed", "key", key, "error", serr)
		}
	}

	return p.buildDocument(target, art)
}

// buildDocument chunks an article and tags every chunk with its origin.
func (p *Pipeline) buildDocument(target string, art *extract.Article) (*document, error) {
	text := art.Markdown
	if strings.TrimSpace(text) == "" {
		text = art.Text
	}
	chunks, err := p.chunker.Chunk(text, p.cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("chunk: %w", err)
	}
	for i := range chunks {
		if chunks[i].Metadata == nil {
			chunks[i].Metadata = make(map[string]string)
		}
		chunks[i].Metadata["source"] = target
	}
	return &document{source: target, chunks: chunks, links: art.Links}, nil
}

// followable filters a page's discovered links down to same-host
// candidates, capped per page. Filesystem targets never contribute links.
func followable(from string, links []string) []string {
	host := hostOf(from)
	if host == "" {
		return nil
	}
	var out []string
	for _, link := range links {
		if hostOf(link) != host {
			continue
		}
		out = append(out, link)
		if len(out) == maxFollowLinksPerPage {
			break
		}
	}
	return out
}

func hostOf(target string) string {
	if fetch.IsFilesystemTarget(target) {
		return ""
	}
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// dedupe filters already-visited targets, marks the rest visited, and
// truncates to budget.
func dedupe(targets []string, visited map[string]bool, budget int) []string {
	if budget <= 0 {
		return nil
	}
	var out []string
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" || visited[t] {
			continue
		}
		if len(out) == budget {
			break
		}
		visited[t] = true
		out = append(out, t)
	}
	return out
}
