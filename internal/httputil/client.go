// Package httputil holds JSON response helpers shared by the API handlers and
// an HTTP client abstraction used by outbound integrations.
package httputil

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"time"
)

// HTTPClient is the subset of *http.Client used by outbound callers.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StandardClient wraps *http.Client to implement HTTPClient.
type StandardClient struct {
	*http.Client
}

// NewStandardClient returns a client with the given request timeout. A zero
// timeout means no limit beyond the request context.
func NewStandardClient(timeout time.Duration) *StandardClient {
	return &StandardClient{Client: &http.Client{Timeout: timeout}}
}

// RecordedRequest is a request captured by MockHTTPClient, with its body
// read eagerly so tests can inspect it after the caller closed it.
type RecordedRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// MockResponse is a canned response. A non-nil Error fails the request.
type MockResponse struct {
	StatusCode int
	Body       string
	Header     http.Header
	Error      error
}

// MockHTTPClient replays queued responses in order and records every
// request. Once the queue is exhausted it answers 200 with an empty body.
type MockHTTPClient struct {
	mu       sync.Mutex
	queue    []MockResponse
	requests []RecordedRequest

	// Handler, when set, answers every request instead of the queue.
	Handler func(req *http.Request) (*http.Response, error)
}

// NewMockHTTPClient creates an empty mock client.
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{}
}

// Enqueue adds a response with the given status and body.
func (m *MockHTTPClient) Enqueue(status int, body string) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, MockResponse{StatusCode: status, Body: body, Header: make(http.Header)})
	return m
}

// EnqueueError adds a transport failure.
func (m *MockHTTPClient) EnqueueError(err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, MockResponse{Error: err})
	return m
}

// Do records req and returns the next queued response.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	rec := RecordedRequest{Method: req.Method, URL: req.URL.String(), Header: req.Header.Clone()}
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		rec.Body = body
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.requests = append(m.requests, rec)
	handler := m.Handler
	var next *MockResponse
	if handler == nil && len(m.queue) > 0 {
		next = &m.queue[0]
		m.queue = m.queue[1:]
	}
	m.mu.Unlock()

	if handler != nil {
		return handler(req)
	}
	if next == nil {
		return newResponse(req, http.StatusOK, "", nil), nil
	}
	if next.Error != nil {
		return nil, next.Error
	}
	return newResponse(req, next.StatusCode, next.Body, next.Header), nil
}

// Requests returns the requests recorded so far.
func (m *MockHTTPClient) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns the number of recorded requests.
func (m *MockHTTPClient) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func newResponse(req *http.Request, status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     header,
		Request:    req,
	}
}
