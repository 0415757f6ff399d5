package pipeline_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/webdigest/cache"
	"github.com/c360studio/webdigest/chunk"
	"github.com/c360studio/webdigest/extract"
	"github.com/c360studio/webdigest/fetch"
	"github.com/c360studio/webdigest/llm"
	"github.com/c360studio/webdigest/llm/testutil"
	"github.com/c360studio/webdigest/pipeline"
	"github.com/c360studio/webdigest/summarize"
)

func articlePage(title, body string, links ...string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<html><head><title>%s</title></head><body><article><h1>%s</h1>", title, title)
	fmt.Fprintf(&sb, "<p>%s %s</p>", body, strings.Repeat("More perfectly readable static prose for the extractor. ", 8))
	for _, link := range links {
		fmt.Fprintf(&sb, `<p><a href=%q>related</a></p>`, link)
	}
	sb.WriteString("</article></body></html>")
	return sb.String()
}

func serveHTML(hits *atomic.Int32, pages map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		page, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, page)
	}
}

type testRig struct {
	store    *cache.Store
	mock     *testutil.MockClient
	pipeline *pipeline.Pipeline
}

func newRig(t *testing.T, store *cache.Store, mock *testutil.MockClient, fetchOpts ...fetch.Option) *testRig {
	t.Helper()
	if store == nil {
		var err error
		store, err = cache.Open(t.TempDir(), 1<<20)
		require.NoError(t, err)
	}
	if mock == nil {
		mock = &testutil.MockClient{Responses: []*llm.Response{{Content: "the summary"}}}
	}

	client := fetch.NewClient(5*time.Second, "test-agent", 1<<20, fetch.WithAllowPrivateHosts())
	fetcher := fetch.New(client, store, fetch.Config{CacheTTL: time.Hour}, fetchOpts...)

	chunker, err := chunk.New(chunk.DefaultConfig(), chunk.HeuristicCounter)
	require.NoError(t, err)

	summarizer, err := summarize.New(mock, store, summarize.Config{
		MapReduceThresholdTokens: 100000,
		MaxConcurrent:            2,
		CacheTTL:                 time.Hour,
	})
	require.NoError(t, err)

	p, err := pipeline.New(fetcher, extract.New(), chunker, summarizer, store, pipeline.Config{})
	require.NoError(t, err)
	return &testRig{store: store, mock: mock, pipeline: p}
}

func drain(t *testing.T, stream *summarize.Stream) (string, error) {
	t.Helper()
	var sb strings.Builder
	for f := range stream.Fragments() {
		sb.WriteString(f)
	}
	return sb.String(), stream.Err()
}

func TestPipeline_SingleTarget(t *testing.T) {
	srv := httptest.NewServer(serveHTML(nil, map[string]string{
		"/": articlePage("Release Notes", "The cache layer gained eviction support."),
	}))
	defer srv.Close()

	rig := newRig(t, nil, nil)
	stream, err := rig.pipeline.Summarize(context.Background(), pipeline.Request{
		URLs: []string{srv.URL + "/"},
	})
	require.NoError(t, err)

	text, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "the summary", text)

	// The model saw the extracted page content labeled with its source.
	require.Equal(t, 1, rig.mock.CallCount())
	prompt := rig.mock.Requests()[0].Messages[1].Content
	assert.Contains(t, prompt, "eviction support")
	assert.Contains(t, prompt, "[Source: "+srv.URL+"/]")
}

func TestPipeline_PartialTargetFailureTolerated(t *testing.T) {
	srv := httptest.NewServer(serveHTML(nil, map[string]string{
		"/good": articlePage("Good", "Readable content survives a sibling failure."),
	}))
	defer srv.Close()

	rig := newRig(t, nil, nil)
	stream, err := rig.pipeline.Summarize(context.Background(), pipeline.Request{
		URLs: []string{srv.URL + "/good", srv.URL + "/missing"},
	})
	require.NoError(t, err)

	_, err = drain(t, stream)
	require.NoError(t, err)

	prompt := rig.mock.Requests()[0].Messages[1].Content
	assert.Contains(t, prompt, "sibling failure")
	assert.NotContains(t, prompt, "/missing")
}

func TestPipeline_AllTargetsFailed(t *testing.T) {
	srv := httptest.NewServer(serveHTML(nil, nil))
	defer srv.Close()

	rig := newRig(t, nil, nil)
	_, err := rig.pipeline.Summarize(context.Background(), pipeline.Request{
		URLs: []string{srv.URL + "/a", srv.URL + "/b"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 targets failed")
	assert.Equal(t, 0, rig.mock.CallCount())
}

func TestPipeline_FollowLinksSameHostOnly(t *testing.T) {
	var offsiteHits atomic.Int32
	offsite := httptest.NewServer(serveHTML(&offsiteHits, map[string]string{
		"/": articlePage("Offsite", "Should never be fetched."),
	}))
	defer offsite.Close()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, articlePage("Index", "The index introduces the details page.",
				srv.URL+"/details", offsite.URL+"/"))
		case "/details":
			fmt.Fprint(w, articlePage("Details", "The details page holds the specifics."))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rig := newRig(t, nil, nil)
	stream, err := rig.pipeline.Summarize(context.Background(), pipeline.Request{
		URLs:        []string{srv.URL + "/"},
		FollowLinks: true,
	})
	require.NoError(t, err)
	_, err = drain(t, stream)
	require.NoError(t, err)

	prompt := rig.mock.Requests()[0].Messages[1].Content
	assert.Contains(t, prompt, "introduces the details page")
	assert.Contains(t, prompt, "holds the specifics")
	assert.NotContains(t, prompt, "Should never be fetched")
	assert.Equal(t, int32(0), offsiteHits.Load())
}

func TestPipeline_LinksIgnoredWithoutFollowLinks(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, articlePage("Index", "Just the index.", srv.URL+"/details"))
		case "/details":
			fmt.Fprint(w, articlePage("Details", "Linked but not requested."))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rig := newRig(t, nil, nil)
	stream, err := rig.pipeline.Summarize(context.Background(), pipeline.Request{
		URLs: []string{srv.URL + "/"},
	})
	require.NoError(t, err)
	_, err = drain(t, stream)
	require.NoError(t, err)

	prompt := rig.mock.Requests()[0].Messages[1].Content
	assert.NotContains(t, prompt, "not requested")
}

func TestPipeline_StageCachesSurviveSourceLoss(t *testing.T) {
	srv := httptest.NewServer(serveHTML(nil, map[string]string{
		"/": articlePage("Durable", "Cached extraction outlives the origin."),
	}))

	store, err := cache.Open(t.TempDir(), 1<<20)
	require.NoError(t, err)

	rig := newRig(t, store, nil)
	stream, err := rig.pipeline.Summarize(context.Background(), pipeline.Request{
		URLs: []string{srv.URL + "/"},
	})
	require.NoError(t, err)
	_, err = drain(t, stream)
	require.NoError(t, err)

	// Origin gone; a different query forces fresh summarization, which
	// must be fed entirely from cached stages.
	url := srv.URL + "/"
	srv.Close()

	second := newRig(t, store, &testutil.MockClient{
		Responses: []*llm.Response{{Content: "fresh answer"}},
	})
	stream, err = second.pipeline.Summarize(context.Background(), pipeline.Request{
		URLs:  []string{url},
		Query: "what changed",
	})
	require.NoError(t, err)

	text, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "fresh answer", text)
	prompt := second.mock.Requests()[0].Messages[1].Content
	assert.Contains(t, prompt, "outlives the origin")
}

func TestPipeline_FilesystemTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(path,
		[]byte("# Notes\n\nLocal files flow through the same digest path.\n"), 0o644))

	resolver, err := fetch.NewFilesystemResolver([]string{dir}, 1<<20)
	require.NoError(t, err)

	rig := newRig(t, nil, nil, fetch.WithFilesystemResolver(resolver))
	stream, err := rig.pipeline.Summarize(context.Background(), pipeline.Request{
		URLs: []string{path},
	})
	require.NoError(t, err)
	_, err = drain(t, stream)
	require.NoError(t, err)

	prompt := rig.mock.Requests()[0].Messages[1].Content
	assert.Contains(t, prompt, "same digest path")
}

func TestPipeline_NoTargets(t *testing.T) {
	rig := newRig(t, nil, nil)
	_, err := rig.pipeline.Summarize(context.Background(), pipeline.Request{})
	require.Error(t, err)
}
