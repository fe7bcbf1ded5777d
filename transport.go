package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const maxResponseBody = 10 * 1024 * 1024

// HTTPTransport sends Requests to a base URL over net/http. Bodies are JSON
// encoded unless they are already []byte or json.RawMessage.
type HTTPTransport struct {
	baseURL     *url.URL
	client      *http.Client
	timeout     time.Duration
	userAgent   string
	tokenSource oauth2.TokenSource
}

// TransportOption configures an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		t.client = client
	}
}

// WithRequestTimeout sets the per-request timeout.
func WithRequestTimeout(d time.Duration) TransportOption {
	return func(t *HTTPTransport) {
		t.timeout = d
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) TransportOption {
	return func(t *HTTPTransport) {
		t.userAgent = ua
	}
}

// WithTokenSource authenticates every request with tokens from ts.
func WithTokenSource(ts oauth2.TokenSource) TransportOption {
	return func(t *HTTPTransport) {
		t.tokenSource = ts
	}
}

// WithStaticToken authenticates with a fixed bearer token.
func WithStaticToken(token string) TransportOption {
	return WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
}

// NewHTTPTransport creates a transport rooted at baseURL.
func NewHTTPTransport(baseURL string, opts ...TransportOption) (*HTTPTransport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}

	t := &HTTPTransport{
		baseURL:   u,
		client:    &http.Client{},
		timeout:   30 * time.Second,
		userAgent: "fieldsync/" + Version,
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.tokenSource != nil {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, t.client)
		t.client = oauth2.NewClient(ctx, t.tokenSource)
	}
	t.client.Timeout = t.timeout
	return t, nil
}

// Send implements Transport. Any status code is returned as a Response; only
// failures to obtain a response are errors.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, t.resolve(req), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if t.userAgent != "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
	}, nil
}

func (t *HTTPTransport) resolve(req *Request) string {
	u := *t.baseURL
	u.Path = strings.TrimRight(t.baseURL.Path, "/") + req.Path
	u.RawPath = ""
	u.RawQuery = req.Params.Encode()
	return u.String()
}

func encodeBody(body any) (io.Reader, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return bytes.NewReader(b), nil
	case json.RawMessage:
		return bytes.NewReader(b), nil
	case string:
		return strings.NewReader(b), nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		return bytes.NewReader(data), nil
	}
}
