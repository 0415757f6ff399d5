// Package chunk splits extracted text into token-bounded pieces whose byte
// offsets reconstruct the source exactly.
package chunk

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// charsPerToken is the approximate average characters per token for GPT
// tokenizers, used for byte-window sizing where exact counting would be
// circular.
const charsPerToken = 4

// Strategy selects how split points are chosen.
type Strategy string

const (
	// StrategyHierarchical splits along markdown headings first; oversized
	// sections recurse into the semantic strategy.
	StrategyHierarchical Strategy = "hierarchical"
	// StrategySemantic splits at paragraph then sentence boundaries with
	// greedy packing.
	StrategySemantic Strategy = "semantic"
	// StrategyFixed splits into fixed byte windows; the fallback for
	// unstructured text.
	StrategyFixed Strategy = "fixed"
)

// Chunk is one token-bounded piece of a source document. Text carries
// Overlap bytes of trailing context from the preceding chunk, then the body
// source[StartOffset:EndOffset]. Body spans are contiguous and
// non-overlapping: concatenating Text[Overlap:] across a sequence yields the
// source exactly.
type Chunk struct {
	Text        string
	TokenCount  int
	StartOffset int
	EndOffset   int
	Overlap     int
	Metadata    map[string]string
}

// Body returns the chunk text without the overlap prefix.
func (c Chunk) Body() string {
	return c.Text[c.Overlap:]
}

// CounterFunc counts the tokens in text. The chunker takes the counter as a
// dependency so it is not tied to any particular tokenizer.
type CounterFunc func(text string) int

// Config holds chunking limits.
type Config struct {
	// TargetTokens is the ideal chunk body size.
	TargetTokens int

	// MaxTokens is the hard per-chunk limit; segments over it are split at
	// finer boundaries.
	MaxTokens int

	// OverlapTokens is how much trailing context from the previous chunk is
	// prepended to the next chunk's text.
	OverlapTokens int
}

// DefaultConfig returns sensible chunking defaults.
func DefaultConfig() Config {
	return Config{
		TargetTokens:  512,
		MaxTokens:     768,
		OverlapTokens: 50,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.TargetTokens <= 0 {
		return fmt.Errorf("TargetTokens must be positive, got %d", c.TargetTokens)
	}
	if c.MaxTokens < c.TargetTokens {
		return fmt.Errorf("MaxTokens (%d) must be at least TargetTokens (%d)", c.MaxTokens, c.TargetTokens)
	}
	if c.OverlapTokens < 0 {
		return fmt.Errorf("OverlapTokens must not be negative, got %d", c.OverlapTokens)
	}
	if c.OverlapTokens >= c.TargetTokens {
		return fmt.Errorf("OverlapTokens (%d) must be less than TargetTokens (%d)", c.OverlapTokens, c.TargetTokens)
	}
	return nil
}

// Chunker splits documents.
type Chunker struct {
	config Config
	count  CounterFunc
}

// New creates a Chunker with the given configuration and token counter.
func New(cfg Config, counter CounterFunc) (*Chunker, error) {
	if cfg.TargetTokens == 0 {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if counter == nil {
		return nil, fmt.Errorf("token counter is required")
	}
	return &Chunker{config: cfg, count: counter}, nil
}

// span is a half-open byte range of the source, tagged with the section
// heading it belongs to.
type span struct {
	start, end int
	heading    string
}

// Chunk splits source using the given strategy.
func (c *Chunker) Chunk(source string, strategy Strategy) ([]Chunk, error) {
	if source == "" {
		return []Chunk{}, nil
	}

	whole := span{start: 0, end: len(source)}
	if c.count(source) <= c.config.MaxTokens {
		return c.assemble(source, []span{whole}), nil
	}

	var spans []span
	switch strategy {
	case StrategyHierarchical:
		spans = c.packSections(source)
	case StrategySemantic:
		spans = c.packParagraphs(source, whole)
	case StrategyFixed:
		spans = fixedSpans(source, whole, c.config.TargetTokens*charsPerToken)
	default:
		return nil, fmt.Errorf("unknown chunking strategy %q", strategy)
	}

	return c.assemble(source, spans), nil
}

// packSections packs heading-delimited sections up to the target size;
// sections over the hard limit recurse into paragraph packing.
func (c *Chunker) packSections(source string) []span {
	var out []span
	var cur span
	curTokens, open := 0, false

	flush := func() {
		if open {
			out = append(out, cur)
			open = false
			curTokens = 0
		}
	}

	for _, sec := range sectionSpans(source) {
		tokens := c.count(source[sec.start:sec.end])

		if tokens > c.config.MaxTokens {
			flush()
			out = append(out, c.packParagraphs(source, sec)...)
			continue
		}

		if open && curTokens+tokens > c.config.TargetTokens {
			flush()
		}
		if !open {
			cur, curTokens, open = sec, tokens, true
		} else {
			cur.end = sec.end
			curTokens += tokens
		}
	}
	flush()
	return out
}

// packParagraphs packs paragraphs within sec; paragraphs over the hard
// limit recurse into sentence packing.
func (c *Chunker) packParagraphs(source string, sec span) []span {
	var out []span
	var cur span
	curTokens, open := 0, false

	flush := func() {
		if open {
			out = append(out, cur)
			open = false
			curTokens = 0
		}
	}

	for _, para := range paragraphSpans(source, sec) {
		tokens := c.count(source[para.start:para.end])

		if tokens > c.config.MaxTokens {
			flush()
			out = append(out, c.packSentences(source, para)...)
			continue
		}

		if open && curTokens+tokens > c.config.TargetTokens {
			flush()
		}
		if !open {
			cur, curTokens, open = para, tokens, true
		} else {
			cur.end = para.end
			curTokens += tokens
		}
	}
	flush()
	return out
}

// packSentences packs sentences within para; a single sentence over the
// hard limit falls back to fixed windows.
func (c *Chunker) packSentences(source string, para span) []span {
	var out []span
	var cur span
	curTokens, open := 0, false

	flush := func() {
		if open {
			out = append(out, cur)
			open = false
			curTokens = 0
		}
	}

	for _, sent := range sentenceSpans(source, para) {
		tokens := c.count(source[sent.start:sent.end])

		if tokens > c.config.MaxTokens {
			flush()
			out = append(out, fixedSpans(source, sent, c.config.TargetTokens*charsPerToken)...)
			continue
		}

		if open && curTokens+tokens > c.config.TargetTokens {
			flush()
		}
		if !open {
			cur, curTokens, open = sent, tokens, true
		} else {
			cur.end = sent.end
			curTokens += tokens
		}
	}
	flush()
	return out
}

// assemble turns body spans into chunks, prepending the overlap prefix and
// counting tokens on the final text.
func (c *Chunker) assemble(source string, spans []span) []Chunk {
	overlapBytes := c.config.OverlapTokens * charsPerToken

	chunks := make([]Chunk, 0, len(spans))
	for i, sp := range spans {
		prefixStart := sp.start
		if i > 0 && overlapBytes > 0 {
			prefixStart = sp.start - overlapBytes
			if prefixStart < spans[i-1].start {
				prefixStart = spans[i-1].start
			}
			// Never start the prefix mid-rune.
			for prefixStart < sp.start && !utf8.RuneStart(source[prefixStart]) {
				prefixStart++
			}
		}

		text := source[prefixStart:sp.end]
		var meta map[string]string
		if sp.heading != "" {
			meta = map[string]string{"section": sp.heading}
		}

		chunks = append(chunks, Chunk{
			Text:        text,
			TokenCount:  c.count(text),
			StartOffset: sp.start,
			EndOffset:   sp.end,
			Overlap:     sp.start - prefixStart,
			Metadata:    meta,
		})
	}
	return chunks
}

// sectionSpans tiles the source into heading-delimited sections. Headings
// inside code fences do not split.
func sectionSpans(source string) []span {
	var spans []span
	secStart, offset := 0, 0
	heading := ""
	inFence := false

	for _, line := range strings.SplitAfter(source, "\n") {
		trimmed := strings.TrimSpace(line)

		if !inFence && isHeading(trimmed) {
			if offset > secStart {
				spans = append(spans, span{start: secStart, end: offset, heading: heading})
				secStart = offset
			}
			heading = parseHeading(trimmed)
		}
		if isCodeFence(trimmed) {
			inFence = !inFence
		}
		offset += len(line)
	}

	if secStart < len(source) {
		spans = append(spans, span{start: secStart, end: len(source), heading: heading})
	}
	return spans
}

// paragraphSpans tiles sec into blank-line-delimited paragraphs. Blank
// lines inside code fences do not split.
func paragraphSpans(source string, sec span) []span {
	var spans []span
	segStart, offset := sec.start, sec.start
	inFence := false
	prevBlank := false

	for _, line := range strings.SplitAfter(source[sec.start:sec.end], "\n") {
		trimmed := strings.TrimSpace(line)

		if !inFence && prevBlank && trimmed != "" && offset > segStart {
			spans = append(spans, span{start: segStart, end: offset, heading: sec.heading})
			segStart = offset
		}
		if isCodeFence(trimmed) {
			inFence = !inFence
		}
		prevBlank = !inFence && trimmed == ""
		offset += len(line)
	}

	if segStart < sec.end {
		spans = append(spans, span{start: segStart, end: sec.end, heading: sec.heading})
	}
	return spans
}

// sentenceSpans tiles para at sentence-ending punctuation followed by a
// space or newline. The delimiter stays with the preceding sentence so the
// tiling is exact.
func sentenceSpans(source string, para span) []span {
	var spans []span
	segStart := para.start

	for i := para.start; i < para.end; i++ {
		switch source[i] {
		case '.', '!', '?':
			if i+1 < para.end && (source[i+1] == ' ' || source[i+1] == '\n') {
				spans = append(spans, span{start: segStart, end: i + 2, heading: para.heading})
				segStart = i + 2
				i++
			}
		}
	}

	if segStart < para.end {
		spans = append(spans, span{start: segStart, end: para.end, heading: para.heading})
	}
	return spans
}

// fixedSpans tiles sec into byte windows of roughly window bytes, never
// cutting mid-rune.
func fixedSpans(source string, sec span, window int) []span {
	if window <= 0 {
		window = charsPerToken
	}

	var spans []span
	for pos := sec.start; pos < sec.end; {
		stop := pos + window
		if stop >= sec.end {
			stop = sec.end
		} else {
			for stop > pos && !utf8.RuneStart(source[stop]) {
				stop--
			}
			if stop == pos {
				stop = sec.end
			}
		}
		spans = append(spans, span{start: pos, end: stop, heading: sec.heading})
		pos = stop
	}
	return spans
}

func isCodeFence(trimmed string) bool {
	return strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")
}

func isHeading(trimmed string) bool {
	return strings.HasPrefix(trimmed, "#")
}

func parseHeading(trimmed string) string {
	return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
}
