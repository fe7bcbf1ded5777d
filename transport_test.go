package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPTransportSend(t *testing.T) {
	var gotAuth, gotUA, gotQuery, gotPath, gotCT string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		gotQuery = r.URL.RawQuery
		gotPath = r.URL.Path
		gotCT = r.Header.Get("Content-Type")
		if r.Body != nil {
			data, _ := io.ReadAll(r.Body)
			if len(data) > 0 {
				_ = json.Unmarshal(data, &gotBody)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":42}`))
	}))
	defer server.Close()

	transport, err := NewHTTPTransport(server.URL+"/api/v2/", WithStaticToken("s3cret"), WithUserAgent("field-app/1.0"))
	if err != nil {
		t.Fatal(err)
	}

	resp, err := transport.Send(context.Background(), &Request{
		Method: "POST",
		Path:   "/audits",
		Params: map[string][]string{"draft": {"true"}},
		Body:   map[string]any{"score": 88},
	})
	if err != nil {
		t.Fatal(err)
	}

	if resp.StatusCode != http.StatusCreated || string(resp.Body) != `{"id":42}` {
		t.Errorf("resp = %d %s", resp.StatusCode, resp.Body)
	}
	if gotPath != "/api/v2/audits" {
		t.Errorf("path = %q", gotPath)
	}
	if gotQuery != "draft=true" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotAuth != "Bearer s3cret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotUA != "field-app/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if gotCT != "application/json" {
		t.Errorf("Content-Type = %q", gotCT)
	}
	if gotBody["score"] != float64(88) {
		t.Errorf("body = %v", gotBody)
	}
}

func TestHTTPTransportReturnsErrorStatusesAsResponses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	transport, err := NewHTTPTransport(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := transport.Send(context.Background(), &Request{Method: "GET", Path: "/dashboard"})
	if err != nil {
		t.Fatalf("non-2xx must not be a transport error: %v", err)
	}
	if resp.StatusCode != 503 || resp.Header.Get("Retry-After") != "30" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHTTPTransportNetworkFailureThroughClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	transport, err := NewHTTPTransport(url, WithRequestTimeout(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	h := newTestHarness(t, func(_ int, req *Request) (*Response, error) {
		return transport.Send(context.Background(), req)
	})

	_, err = h.client.Get(context.Background(), "/audits", nil)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want TransientNetwork", err)
	}
	if h.transport.Calls() != 3 {
		t.Errorf("calls = %d, want 3", h.transport.Calls())
	}
}

func TestNewHTTPTransportRejectsRelativeURL(t *testing.T) {
	if _, err := NewHTTPTransport("/relative"); err == nil {
		t.Error("expected error for relative base URL")
	}
	if _, err := NewHTTPTransport("://bad"); err == nil {
		t.Error("expected parse error")
	}
}

func TestEncodeBody(t *testing.T) {
	tests := []struct {
		name string
		body any
		want string
	}{
		{"raw json", json.RawMessage(`{"a":1}`), `{"a":1}`},
		{"bytes", []byte(`[1]`), `[1]`},
		{"string", `"x"`, `"x"`},
		{"struct", struct {
			URI string `json:"uri"`
		}{"file:///p.jpg"}, `{"uri":"file:///p.jpg"}`},
	}
	for _, tt := range tests {
		r, err := encodeBody(tt.body)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		data, _ := io.ReadAll(r)
		if string(data) != tt.want {
			t.Errorf("%s: got %s", tt.name, data)
		}
	}

	if r, err := encodeBody(nil); r != nil || err != nil {
		t.Error("nil body should encode to nil reader")
	}
	if _, err := encodeBody(make(chan int)); err == nil {
		t.Error("expected encode error for channel")
	}
}
