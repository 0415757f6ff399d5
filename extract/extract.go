// Package extract turns fetched bytes into readable article text, a
// markdown rendering, and the page's outbound links.
package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	readability "github.com/go-shiori/go-readability"
)

// minArticleChars is the readability-output floor below which the selector
// fallback runs instead.
const minArticleChars = 80

// Article is the readable form of one fetched resource.
type Article struct {
	Title    string
	Text     string
	Markdown string
	Links    []string
}

// Extractor extracts readable content from HTML or passes through already
// textual formats.
type Extractor struct {
	converter *md.Converter
	logger    *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) { e.logger = logger }
}

// New creates an Extractor.
func New(opts ...Option) *Extractor {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())

	e := &Extractor{
		converter: converter,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract produces an Article from fetched content. HTML goes through
// readability first, falling back to a main-content selector walk when
// readability yields nothing usable. Markdown, plain text, and JSON pass
// through unchanged.
func (e *Extractor) Extract(pageURL string, content []byte, contentType string) (*Article, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("empty content from %s", pageURL)
	}

	if !isHTML(contentType, content) {
		return passthrough(content), nil
	}

	article := e.extractHTML(pageURL, content)
	if strings.TrimSpace(article.Text) == "" {
		return nil, fmt.Errorf("no readable content in %s", pageURL)
	}

	article.Links = discoverLinks(content, pageURL)
	return article, nil
}

// Fingerprint identifies the extraction configuration. It participates in
// extract-stage cache keys so cached output is invalidated when the
// extraction behavior changes.
func Fingerprint() string {
	material := strings.Join([]string{
		"extract-v1",
		"readability",
		fmt.Sprintf("min-chars=%d", minArticleChars),
		strings.Join(mainSelectors, ","),
	}, "\n")
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:8])
}

func (e *Extractor) extractHTML(pageURL string, content []byte) *Article {
	title := extractHTMLTitle(content)

	if parsed, err := url.Parse(pageURL); err == nil {
		article, err := readability.FromReader(strings.NewReader(string(content)), parsed)
		if err == nil && len(strings.TrimSpace(article.TextContent)) >= minArticleChars {
			if article.Title != "" {
				title = strings.TrimSpace(article.Title)
			}
			markdown := e.toMarkdown(article.Content)
			return &Article{
				Title:    title,
				Text:     strings.TrimSpace(article.TextContent),
				Markdown: markdown,
			}
		}
		if err != nil {
			e.logger.Debug("readability extraction failed, using selector fallback",
				"url", pageURL, "error", err)
		}
	}

	// Selector fallback: strip chrome, keep the main content region.
	cleaned := extractMainContent(content)
	markdown := e.toMarkdown(cleaned)
	if title == "" {
		title = extractMarkdownTitle(markdown)
	}
	return &Article{
		Title:    title,
		Text:     markdownToText(markdown),
		Markdown: markdown,
	}
}

func (e *Extractor) toMarkdown(htmlContent string) string {
	markdown, err := e.converter.ConvertString(htmlContent)
	if err != nil {
		return ""
	}
	return cleanMarkdown(markdown)
}

func passthrough(content []byte) *Article {
	text := strings.TrimSpace(string(content))
	return &Article{
		Title:    extractMarkdownTitle(text),
		Text:     text,
		Markdown: text,
	}
}

func isHTML(contentType string, content []byte) bool {
	if strings.Contains(contentType, "text/html") || strings.Contains(contentType, "application/xhtml") {
		return true
	}
	if contentType != "" && !strings.Contains(contentType, "text/plain") {
		return false
	}
	// Sniff untyped and text/plain content for markup.
	head := strings.ToLower(string(content[:min(len(content), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

// markdownToText strips the most common markdown markers so the chunker and
// summarizer see prose. Structure beyond headings is not worth preserving
// here.
func markdownToText(markdown string) string {
	lines := strings.Split(markdown, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		trimmed = strings.TrimLeft(trimmed, "#")
		lines[i] = strings.TrimSpace(trimmed)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
