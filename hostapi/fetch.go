package hostapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wippyai/wasm-plugin-host/errors"
)

// FetchRequest is what a guest asks sk_fetch to retrieve. A plain URL
// argument is a GET; an argument starting with '{' is decoded as this
// struct.
type FetchRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// FetchResponse is the result handed back to the guest. Only the body is
// copied into guest memory.
type FetchResponse struct {
	StatusCode int
	Body       []byte
}

// Fetcher performs network requests on behalf of plugins with the network
// capability.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error)
}

// ParseFetchRequest decodes the sk_fetch URL argument.
func ParseFetchRequest(arg string) (FetchRequest, error) {
	arg = strings.TrimSpace(arg)
	if !strings.HasPrefix(arg, "{") {
		if arg == "" {
			return FetchRequest{}, errors.InvalidInput(errors.PhaseHost, "empty fetch url")
		}
		return FetchRequest{URL: arg, Method: http.MethodGet}, nil
	}
	var req FetchRequest
	if err := json.Unmarshal([]byte(arg), &req); err != nil {
		return FetchRequest{}, errors.Marshal(errors.PhaseDecode, "fetch request", err)
	}
	if req.URL == "" {
		return FetchRequest{}, errors.InvalidInput(errors.PhaseHost, "fetch request without url")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	req.Method = strings.ToUpper(req.Method)
	return req, nil
}

// FetchOption configures an HTTPFetcher.
type FetchOption func(*HTTPFetcher)

// WithFetchTimeout bounds each request.
func WithFetchTimeout(d time.Duration) FetchOption {
	return func(f *HTTPFetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithMaxBodySize caps the response body read from the server.
func WithMaxBodySize(n int64) FetchOption {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.maxBody = n
		}
	}
}

// WithHTTPClient replaces the client used for requests.
func WithHTTPClient(c *http.Client) FetchOption {
	return func(f *HTTPFetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// HTTPFetcher is the default Fetcher backed by net/http.
type HTTPFetcher struct {
	client  *http.Client
	timeout time.Duration
	maxBody int64
}

// NewHTTPFetcher returns a fetcher with a 30s timeout and a 10MB body cap.
func NewHTTPFetcher(opts ...FetchOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:  http.DefaultClient,
		timeout: 30 * time.Second,
		maxBody: 10 * 1024 * 1024,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		body = bytes.NewReader([]byte(req.Body))
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	resp, err := f.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > f.maxBody {
		return nil, fmt.Errorf("response body exceeds %d bytes", f.maxBody)
	}
	return &FetchResponse{StatusCode: resp.StatusCode, Body: data}, nil
}
