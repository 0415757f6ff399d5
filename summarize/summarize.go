// Package summarize turns chunked document text into a streamed summary.
//
// Small inputs go to the model in a single streamed call. Inputs over the
// configured token threshold are handled map-reduce style: each chunk is
// condensed concurrently, then the partials are merged in one final streamed
// call. Finished summaries are written through to the cache so repeat
// requests replay without touching the model.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/webdigest/cache"
	"github.com/c360studio/webdigest/chunk"
	"github.com/c360studio/webdigest/llm"
	"github.com/c360studio/webdigest/metrics"
)

// ErrSummarizationFailed indicates that no summary could be produced at
// all. Partial map-phase failures do not raise it as long as at least one
// chunk was summarized.
var ErrSummarizationFailed = errors.New("summarization failed")

// PartialError reports map-phase calls that failed while the summary as a
// whole still completed. It is surfaced through Stream.Err after the
// fragment channel closes.
type PartialError struct {
	// Failed is the number of map calls that returned an error.
	Failed int
	// Total is the number of map calls attempted.
	Total int
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("summary incomplete: %d of %d sections failed", e.Failed, e.Total)
}

// Strategy names, recorded in metrics and logs.
const (
	strategyDirect    = "direct"
	strategyMapReduce = "map_reduce"
	strategyCached    = "cached"
)

// Client is the subset of the llm client the summarizer needs. The
// fingerprint participates in cache keys so a model change never serves a
// stale summary.
type Client interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
	CompleteStream(ctx context.Context, req llm.Request, emit func(delta string)) (*llm.Response, error)
	Fingerprint() string
}

// Request describes one summarization job.
type Request struct {
	// Chunks is the prepared document text. Chunks carry their origin in
	// Metadata["source"] when the job spans multiple documents.
	Chunks []chunk.Chunk

	// Query optionally focuses the summary on a question.
	Query string

	// Sources lists the documents the chunks came from. It labels partials
	// and keys the cached summary; order does not matter.
	Sources []string

	// NoCache skips the cached-summary lookup. The finished summary is
	// still written through.
	NoCache bool
}

// Stream delivers summary text fragments as the model produces them. Read
// Fragments until it closes, then check Err.
type Stream struct {
	fragments chan string
	done      chan struct{}
	err       error
	strategy  string
}

func newStream(strategy string) *Stream {
	return &Stream{
		fragments: make(chan string, 16),
		done:      make(chan struct{}),
		strategy:  strategy,
	}
}

// Fragments returns the channel of summary text fragments. It is closed
// when the summary is complete or has failed.
func (s *Stream) Fragments() <-chan string {
	return s.fragments
}

// Err reports how the stream ended. It blocks until the stream finishes,
// so call it after draining Fragments. A *PartialError means the summary
// completed but some sections are missing.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Strategy reports which path produced the summary: "direct",
// "map_reduce", or "cached".
func (s *Stream) Strategy() string {
	return s.strategy
}

// Text drains the stream and returns the assembled summary. Convenience
// for callers that do not need incremental delivery.
func (s *Stream) Text() (string, error) {
	var sb strings.Builder
	for f := range s.fragments {
		sb.WriteString(f)
	}
	return sb.String(), s.Err()
}

// emit pushes one fragment, giving up when the context is canceled so a
// stalled consumer cannot wedge the producer.
func (s *Stream) emit(ctx context.Context, fragment string) bool {
	select {
	case s.fragments <- fragment:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) finish(err error) {
	s.err = err
	close(s.fragments)
	close(s.done)
}

// Config holds summarizer tunables.
type Config struct {
	// MapReduceThresholdTokens selects map-reduce over a direct call when
	// the total chunk volume exceeds it.
	MapReduceThresholdTokens int

	// MaxConcurrent caps concurrent map-phase model calls.
	MaxConcurrent int

	// CacheTTL bounds how long finished summaries are served from cache.
	CacheTTL time.Duration

	// Temperature is passed through to the model. nil uses the endpoint
	// default.
	Temperature *float64
}

// Summarizer produces streamed summaries backed by a write-through cache.
type Summarizer struct {
	client  Client
	store   *cache.Store
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Summarizer.
type Option func(*Summarizer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Summarizer) {
		s.logger = logger
	}
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Summarizer) {
		s.metrics = m
	}
}

// New creates a Summarizer. store may be nil to disable caching.
func New(client Client, store *cache.Store, cfg Config, opts ...Option) (*Summarizer, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if cfg.MapReduceThresholdTokens <= 0 {
		cfg.MapReduceThresholdTokens = 6000
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 7 * 24 * time.Hour
	}

	s := &Summarizer{
		client: client,
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Summarize starts a summary job and returns its stream. The producer runs
// in a goroutine; cancel ctx to abandon it. Errors that prevent the job
// from starting at all are returned directly.
func (s *Summarizer) Summarize(ctx context.Context, req Request) (*Stream, error) {
	if len(req.Chunks) == 0 {
		return nil, fmt.Errorf("no chunks to summarize")
	}

	key := cache.SummaryKey(req.Sources, req.Query, s.client.Fingerprint())

	if s.store != nil && !req.NoCache {
		if cached, ok, err := s.store.Get(key); err == nil && ok {
			s.metrics.ObserveCache("summary", true)
			s.logger.Debug("summary cache hit", "key", key, "bytes", len(cached))
			stream := newStream(strategyCached)
			go func() {
				stream.emit(ctx, string(cached))
				stream.finish(nil)
			}()
			return stream, nil
		}
		s.metrics.ObserveCache("summary", false)
	}

	total := 0
	for _, c := range req.Chunks {
		total += c.TokenCount
	}
	strategy := strategyDirect
	if total > s.cfg.MapReduceThresholdTokens {
		strategy = strategyMapReduce
	}

	s.logger.Info("summarizing",
		"chunks", len(req.Chunks),
		"tokens", total,
		"strategy", strategy,
		"sources", len(req.Sources))

	stream := newStream(strategy)
	go s.run(ctx, req, key, strategy, stream)
	return stream, nil
}

func (s *Summarizer) run(ctx context.Context, req Request, key, strategy string, stream *Stream) {
	start := time.Now()

	var (
		text    string
		partial *PartialError
		err     error
	)
	if strategy == strategyDirect {
		text, err = s.direct(ctx, req, stream)
	} else {
		text, partial, err = s.mapReduce(ctx, req, stream)
	}
	s.metrics.ObserveSummary(strategy, time.Since(start).Seconds(), err)

	if err != nil {
		stream.finish(fmt.Errorf("%w: %v", ErrSummarizationFailed, err))
		return
	}

	s.writeThrough(key, text)

	if partial != nil {
		s.logger.Warn("summary incomplete",
			"failed", partial.Failed,
			"total", partial.Total)
		stream.finish(partial)
		return
	}
	stream.finish(nil)
}

// direct summarizes everything in one streamed call.
func (s *Summarizer) direct(ctx context.Context, req Request, stream *Stream) (string, error) {
	resp, err := s.client.CompleteStream(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: directSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(directUserPrompt, focusClause(req.Query), labeledChunks(req.Chunks))},
		},
		Temperature: s.cfg.Temperature,
	}, func(delta string) {
		stream.emit(ctx, delta)
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// mapReduce condenses each chunk concurrently, then merges the partials in
// one streamed reduce call. Individual map failures are tolerated as long
// as at least one partial survives.
func (s *Summarizer) mapReduce(ctx context.Context, req Request, stream *Stream) (string, *PartialError, error) {
	type partial struct {
		source string
		text   string
	}
	partials := make([]*partial, len(req.Chunks))
	mapErrs := make([]error, len(req.Chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrent)
	for i, c := range req.Chunks {
		g.Go(func() error {
			resp, err := s.client.Complete(gctx, llm.Request{
				Messages: []llm.Message{
					{Role: "system", Content: mapSystemPrompt},
					{Role: "user", Content: fmt.Sprintf(mapUserPrompt, focusClause(req.Query), c.Body())},
				},
				Temperature: s.cfg.Temperature,
			})
			if err != nil {
				// Record and keep going; other chunks may still succeed.
				mapErrs[i] = err
				s.logger.Warn("map call failed", "chunk", i, "error", err)
				return nil
			}
			partials[i] = &partial{source: chunkSource(c, req.Sources), text: resp.Content}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", nil, err
	}

	failed := 0
	var lastErr error
	var sb strings.Builder
	for i, p := range partials {
		if p == nil {
			failed++
			lastErr = mapErrs[i]
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		if p.source != "" {
			fmt.Fprintf(&sb, "[Source: %s]\n", p.source)
		}
		sb.WriteString(p.text)
	}
	if failed == len(req.Chunks) {
		return "", nil, fmt.Errorf("all %d map calls failed, last error: %v", failed, lastErr)
	}

	resp, err := s.client.CompleteStream(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: reduceSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(reduceUserPrompt, focusClause(req.Query), sb.String())},
		},
		Temperature: s.cfg.Temperature,
	}, func(delta string) {
		stream.emit(ctx, delta)
	})
	if err != nil {
		return "", nil, fmt.Errorf("reduce call: %v", err)
	}

	var perr *PartialError
	if failed > 0 {
		perr = &PartialError{Failed: failed, Total: len(req.Chunks)}
	}
	return resp.Content, perr, nil
}

// writeThrough caches the finished summary. Store failures are logged and
// absorbed; the caller already has the text.
func (s *Summarizer) writeThrough(key, text string) {
	if s.store == nil || text == "" {
		return
	}
	if err := s.store.Set(key, []byte(text), s.cfg.CacheTTL, nil); err != nil {
		s.logger.Warn("summary cache write failed", "key", key, "error", err)
	}
}

// focusClause renders the optional query into a prompt fragment.
func focusClause(query string) string {
	if strings.TrimSpace(query) == "" {
		return ""
	}
	return fmt.Sprintf(focusInstruction, query)
}

// labeledChunks concatenates chunk bodies, prefixing each with its source
// when it has one. Consecutive chunks from the same source share a label.
func labeledChunks(chunks []chunk.Chunk) string {
	var sb strings.Builder
	lastSource := ""
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		if src := c.Metadata["source"]; src != "" && src != lastSource {
			fmt.Fprintf(&sb, "[Source: %s]\n", src)
			lastSource = src
		}
		sb.WriteString(c.Body())
	}
	return sb.String()
}

// chunkSource resolves which source a chunk came from.
func chunkSource(c chunk.Chunk, sources []string) string {
	if src := c.Metadata["source"]; src != "" {
		return src
	}
	if len(sources) == 1 {
		return sources[0]
	}
	return ""
}
