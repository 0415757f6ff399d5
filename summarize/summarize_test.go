package summarize_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/webdigest/cache"
	"github.com/c360studio/webdigest/chunk"
	"github.com/c360studio/webdigest/llm"
	"github.com/c360studio/webdigest/llm/testutil"
	"github.com/c360studio/webdigest/summarize"
)

func newStore(t *testing.T) *cache.Store {
	t.Helper()
	store, err := cache.Open(t.TempDir(), 1<<20)
	require.NoError(t, err)
	return store
}

func newSummarizer(t *testing.T, client summarize.Client, store *cache.Store) *summarize.Summarizer {
	t.Helper()
	s, err := summarize.New(client, store, summarize.Config{
		MapReduceThresholdTokens: 100,
		MaxConcurrent:            1,
		CacheTTL:                 time.Hour,
	})
	require.NoError(t, err)
	return s
}

func mkChunk(text string, tokens int, source string) chunk.Chunk {
	c := chunk.Chunk{Text: text, TokenCount: tokens}
	if source != "" {
		c.Metadata = map[string]string{"source": source}
	}
	return c
}

func collect(t *testing.T, stream *summarize.Stream) (string, error) {
	t.Helper()
	var sb strings.Builder
	for f := range stream.Fragments() {
		sb.WriteString(f)
	}
	return sb.String(), stream.Err()
}

func TestSummarizer_DirectStrategyForSmallInput(t *testing.T) {
	mock := &testutil.MockClient{
		Responses:    []*llm.Response{{Content: "a short summary", Model: "test-model"}},
		StreamChunks: []string{"a short ", "summary"},
	}
	s := newSummarizer(t, mock, newStore(t))

	stream, err := s.Summarize(context.Background(), summarize.Request{
		Chunks:  []chunk.Chunk{mkChunk("some text", 40, "")},
		Sources: []string{"https://example.com/a"},
	})
	require.NoError(t, err)
	assert.Equal(t, "direct", stream.Strategy())

	text, err := collect(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "a short summary", text)
	assert.Equal(t, 1, mock.CallCount())
}

func TestSummarizer_MapReduceOverThreshold(t *testing.T) {
	mock := &testutil.MockClient{
		Responses: []*llm.Response{
			{Content: "partial one"},
			{Content: "partial two"},
			{Content: "merged summary"},
		},
	}
	s := newSummarizer(t, mock, newStore(t))

	stream, err := s.Summarize(context.Background(), summarize.Request{
		Chunks: []chunk.Chunk{
			mkChunk("first half", 80, "https://example.com/a"),
			mkChunk("second half", 80, "https://example.com/b"),
		},
		Sources: []string{"https://example.com/a", "https://example.com/b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "map_reduce", stream.Strategy())

	text, err := collect(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "merged summary", text)
	require.Equal(t, 3, mock.CallCount())

	// Reduce sees source-labeled partials, not raw chunk text.
	reduce := mock.Requests()[2].Messages[1].Content
	assert.Contains(t, reduce, "[Source: https://example.com/a]")
	assert.Contains(t, reduce, "partial one")
	assert.Contains(t, reduce, "partial two")
	assert.NotContains(t, reduce, "first half")
}

func TestSummarizer_PartialMapFailureTolerated(t *testing.T) {
	mock := &testutil.MockClient{
		Responses: []*llm.Response{
			{Content: "partial one"},
			nil,
			{Content: "partial three"},
			{Content: "merged"},
		},
		Errs: []error{nil, errors.New("model unavailable"), nil, nil},
	}
	s := newSummarizer(t, mock, newStore(t))

	stream, err := s.Summarize(context.Background(), summarize.Request{
		Chunks: []chunk.Chunk{
			mkChunk("a", 60, "src-a"),
			mkChunk("b", 60, "src-b"),
			mkChunk("c", 60, "src-c"),
		},
		Sources: []string{"src-a", "src-b", "src-c"},
	})
	require.NoError(t, err)

	text, err := collect(t, stream)
	assert.Equal(t, "merged", text)

	var perr *summarize.PartialError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.Failed)
	assert.Equal(t, 3, perr.Total)
}

func TestSummarizer_AllMapCallsFailedIsHardError(t *testing.T) {
	boom := errors.New("model unavailable")
	mock := &testutil.MockClient{
		Errs: []error{boom, boom},
	}
	s := newSummarizer(t, mock, newStore(t))

	stream, err := s.Summarize(context.Background(), summarize.Request{
		Chunks: []chunk.Chunk{
			mkChunk("a", 80, ""),
			mkChunk("b", 80, ""),
		},
		Sources: []string{"src"},
	})
	require.NoError(t, err)

	_, err = collect(t, stream)
	require.ErrorIs(t, err, summarize.ErrSummarizationFailed)
}

func TestSummarizer_ReduceFailureIsHardError(t *testing.T) {
	mock := &testutil.MockClient{
		Responses: []*llm.Response{
			{Content: "partial one"},
			{Content: "partial two"},
		},
		Errs: []error{nil, nil, errors.New("reduce blew up")},
	}
	s := newSummarizer(t, mock, newStore(t))

	stream, err := s.Summarize(context.Background(), summarize.Request{
		Chunks: []chunk.Chunk{
			mkChunk("a", 80, ""),
			mkChunk("b", 80, ""),
		},
		Sources: []string{"src"},
	})
	require.NoError(t, err)

	_, err = collect(t, stream)
	require.ErrorIs(t, err, summarize.ErrSummarizationFailed)
}

func TestSummarizer_CacheHitReplaysSummary(t *testing.T) {
	store := newStore(t)
	mock := &testutil.MockClient{
		Responses: []*llm.Response{{Content: "cached answer"}},
	}
	s := newSummarizer(t, mock, store)

	req := summarize.Request{
		Chunks:  []chunk.Chunk{mkChunk("text", 40, "")},
		Query:   "what is this",
		Sources: []string{"https://example.com/a"},
	}

	stream, err := s.Summarize(context.Background(), req)
	require.NoError(t, err)
	text, err := collect(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "cached answer", text)

	// Second run with a fresh client must not touch the model.
	replay := &testutil.MockClient{}
	s2 := newSummarizer(t, replay, store)
	stream, err = s2.Summarize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "cached", stream.Strategy())

	text, err = collect(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "cached answer", text)
	assert.Equal(t, 0, replay.CallCount())
}

func TestSummarizer_NoCacheBypassesLookup(t *testing.T) {
	store := newStore(t)
	req := summarize.Request{
		Chunks:  []chunk.Chunk{mkChunk("text", 40, "")},
		Sources: []string{"https://example.com/a"},
		NoCache: true,
	}

	mock := &testutil.MockClient{Responses: []*llm.Response{{Content: "first"}}}
	s := newSummarizer(t, mock, store)
	stream, err := s.Summarize(context.Background(), req)
	require.NoError(t, err)
	_, err = collect(t, stream)
	require.NoError(t, err)

	second := &testutil.MockClient{Responses: []*llm.Response{{Content: "second"}}}
	s2 := newSummarizer(t, second, store)
	stream, err = s2.Summarize(context.Background(), req)
	require.NoError(t, err)
	text, err := collect(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "second", text)
	assert.Equal(t, 1, second.CallCount())
}

func TestSummarizer_QueryFocusesPrompt(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*llm.Response{{Content: "answer"}}}
	s := newSummarizer(t, mock, newStore(t))

	stream, err := s.Summarize(context.Background(), summarize.Request{
		Chunks:  []chunk.Chunk{mkChunk("text", 40, "")},
		Query:   "when was it founded",
		Sources: []string{"src"},
	})
	require.NoError(t, err)
	_, err = collect(t, stream)
	require.NoError(t, err)

	user := mock.Requests()[0].Messages[1].Content
	assert.Contains(t, user, "when was it founded")
}

func TestSummarizer_DirectPromptLabelsSources(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*llm.Response{{Content: "answer"}}}
	s := newSummarizer(t, mock, newStore(t))

	stream, err := s.Summarize(context.Background(), summarize.Request{
		Chunks: []chunk.Chunk{
			mkChunk("from the first page", 20, "https://example.com/a"),
			mkChunk("from the second page", 20, "https://example.com/b"),
		},
		Sources: []string{"https://example.com/a", "https://example.com/b"},
	})
	require.NoError(t, err)
	_, err = collect(t, stream)
	require.NoError(t, err)

	user := mock.Requests()[0].Messages[1].Content
	assert.Contains(t, user, "[Source: https://example.com/a]")
	assert.Contains(t, user, "[Source: https://example.com/b]")
	assert.Contains(t, user, "from the first page")
}

func TestSummarizer_EmptyChunks(t *testing.T) {
	s := newSummarizer(t, &testutil.MockClient{}, nil)
	_, err := s.Summarize(context.Background(), summarize.Request{})
	require.Error(t, err)
}

func TestPartialError_Message(t *testing.T) {
	err := &summarize.PartialError{Failed: 2, Total: 5}
	assert.Equal(t, "summary incomplete: 2 of 5 sections failed", err.Error())
}
