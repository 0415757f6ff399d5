package extract

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func articleHTML() string {
	paras := make([]string, 6)
	for i := range paras {
		paras[i] = fmt.Sprintf("<p>Paragraph %d discusses the migration in enough detail "+
			"to count as real article content rather than boilerplate chrome.</p>", i+1)
	}
	return `<html><head><title>Release Notes</title></head><body>
<nav><a href="/home">Home</a></nav>
<article><h1>Release Notes</h1>` + strings.Join(paras, "\n") + `</article>
<footer>Copyright</footer>
</body></html>`
}

func TestExtract_HTMLArticle(t *testing.T) {
	e := New()

	article, err := e.Extract("https://example.com/notes", []byte(articleHTML()), "text/html; charset=utf-8")
	require.NoError(t, err)

	assert.Equal(t, "Release Notes", article.Title)
	assert.Contains(t, article.Text, "Paragraph 1")
	assert.Contains(t, article.Text, "Paragraph 6")
	assert.NotContains(t, article.Text, "Copyright")
	assert.NotEmpty(t, article.Markdown)
}

func TestExtract_MarkdownPassthrough(t *testing.T) {
	e := New()
	src := "# My Document\n\nSome **bold** prose."

	article, err := e.Extract("file:///docs/a.md", []byte(src), "text/markdown; charset=utf-8")
	require.NoError(t, err)

	assert.Equal(t, "My Document", article.Title)
	assert.Equal(t, src, article.Text)
	assert.Equal(t, src, article.Markdown)
	assert.Empty(t, article.Links)
}

func TestExtract_SniffsHTMLInUntypedContent(t *testing.T) {
	e := New()

	article, err := e.Extract("https://example.com", []byte(articleHTML()), "")
	require.NoError(t, err)
	assert.NotContains(t, article.Text, "<article>")
	assert.Contains(t, article.Text, "Paragraph 1")
}

func TestExtract_EmptyContent(t *testing.T) {
	e := New()
	_, err := e.Extract("https://example.com", nil, "text/html")
	assert.Error(t, err)
}

func TestExtract_NoReadableContent(t *testing.T) {
	e := New()
	page := `<html><body><script>boot();</script></body></html>`
	_, err := e.Extract("https://example.com", []byte(page), "text/html")
	assert.Error(t, err)
}

func TestDiscoverLinks(t *testing.T) {
	page := `<html><body>
<a href="/docs/one">One</a>
<a href="two.html">Two</a>
<a href="https://other.example.org/three">Three</a>
<a href="/docs/one">Duplicate</a>
<a href="/docs/one#section">Fragment duplicate</a>
<a href="#top">Pure fragment</a>
<a href="mailto:team@example.com">Mail</a>
<a href="javascript:void(0)">JS</a>
</body></html>`

	links := discoverLinks([]byte(page), "https://example.com/docs/index.html")
	assert.Equal(t, []string{
		"https://example.com/docs/one",
		"https://example.com/docs/two.html",
		"https://other.example.org/three",
	}, links)
}

func TestExtract_CollectsLinksFromHTML(t *testing.T) {
	e := New()
	page := strings.Replace(articleHTML(), "<nav><a href=\"/home\">Home</a></nav>",
		`<nav><a href="/home">Home</a></nav><a href="/docs/next">Next</a>`, 1)

	article, err := e.Extract("https://example.com/notes", []byte(page), "text/html")
	require.NoError(t, err)
	assert.Contains(t, article.Links, "https://example.com/docs/next")
}

func TestExtractMarkdownTitle(t *testing.T) {
	assert.Equal(t, "Top", extractMarkdownTitle("intro\n# Top\nbody"))
	assert.Equal(t, "", extractMarkdownTitle("## Not a top heading\nbody"))
}

func TestCleanMarkdown(t *testing.T) {
	messy := "# Title   \n\n\n\n\n\nbody line\t\n"
	cleaned := cleanMarkdown(messy)
	assert.Equal(t, "# Title\n\n\nbody line", cleaned)
}

func TestFingerprint_Stable(t *testing.T) {
	assert.Equal(t, Fingerprint(), Fingerprint())
	assert.Len(t, Fingerprint(), 16)
}
