// Package testutil provides mock implementations for testing code that
// talks to the llm client.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/webdigest/llm"
)

// MockClient is a thread-safe mock LLM client. It returns configured
// responses in sequence and records every request it sees.
//
// Usage:
//
//	mock := &testutil.MockClient{
//	    Responses: []*llm.Response{{Content: "a summary", Model: "test-model"}},
//	}
type MockClient struct {
	mu       sync.Mutex
	requests []llm.Request
	index    int

	// Responses are returned in sequence; past the end the last one
	// repeats.
	Responses []*llm.Response

	// Errs are returned in sequence alongside Responses; a nil entry means
	// success.
	Errs []error

	// StreamChunks, when set, is emitted piecewise by CompleteStream
	// instead of the whole response content.
	StreamChunks []string
}

// Complete returns the next configured response or error.
func (m *MockClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next(req)
}

// CompleteStream emits the configured stream chunks (or the whole content)
// before returning the response.
func (m *MockClient) CompleteStream(ctx context.Context, req llm.Request, emit func(string)) (*llm.Response, error) {
	m.mu.Lock()
	resp, err := m.next(req)
	chunks := m.StreamChunks
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if emit != nil {
		if len(chunks) > 0 {
			for _, chunk := range chunks {
				emit(chunk)
			}
		} else {
			emit(resp.Content)
		}
	}
	return resp, nil
}

// Fingerprint returns a fixed test fingerprint.
func (m *MockClient) Fingerprint() string {
	return "mock-fingerprint"
}

func (m *MockClient) next(req llm.Request) (*llm.Response, error) {
	m.requests = append(m.requests, req)
	i := m.index
	m.index++

	if i < len(m.Errs) && m.Errs[i] != nil {
		return nil, m.Errs[i]
	}
	if len(m.Responses) == 0 {
		return &llm.Response{Content: "", Model: "test-model"}, nil
	}
	if i >= len(m.Responses) {
		i = len(m.Responses) - 1
	}
	return m.Responses[i], nil
}

// Requests returns a copy of every request seen so far.
func (m *MockClient) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns how many completion calls were made.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Reset clears recorded requests and the response cursor.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.index = 0
}
