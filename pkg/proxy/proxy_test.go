package proxy

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ngoyal88/promptrelay/pkg/credential"
	"github.com/ngoyal88/promptrelay/pkg/provider"
)

type seen struct {
	method string
	uri    string
	header http.Header
	body   []byte
}

func setupUpstream(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *seen) {
	t.Helper()
	s := &seen{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.method = r.Method
		s.uri = r.URL.RequestURI()
		s.header = r.Header.Clone()
		s.body, _ = io.ReadAll(r.Body)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, s
}

func target(t *testing.T, id provider.ID, upstream string, h http.Header, body []byte) Target {
	t.Helper()
	reg, err := provider.NewRegistry(map[string]string{id.Key(): upstream})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	d, _ := reg.Lookup(id)
	cred, err := credential.Extract(d, h, nil)
	if err != nil {
		t.Fatalf("extract credential: %v", err)
	}
	return Target{Descriptor: d, Credential: cred, Body: body}
}

func TestForward_PassesRequestThrough(t *testing.T) {
	srv, got := setupUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"usage":{"prompt_tokens":3,"completion_tokens":5}}`))
	})

	body := []byte(`{"model":"gpt-4","messages":[{"role":"user","content":"Hello"}]}`)
	req := httptest.NewRequest("POST", "/v1/chat/completions?foo=bar%20baz", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer sk-test-key")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Custom", "kept")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("X-Forwarded-For", "198.51.100.1")

	w := httptest.NewRecorder()
	ex := New(Options{}, nil).Forward(w, req, target(t, provider.OpenAI, srv.URL, req.Header, body))

	if w.Code != http.StatusOK || ex.StatusCode != http.StatusOK || ex.Err != nil {
		t.Fatalf("expected 200, got %d/%d (%v)", w.Code, ex.StatusCode, ex.Err)
	}
	if got.method != "POST" || got.uri != "/v1/chat/completions?foo=bar%20baz" {
		t.Errorf("unexpected upstream request %s %s", got.method, got.uri)
	}
	if !bytes.Equal(got.body, body) {
		t.Errorf("body changed: %q", got.body)
	}
	if got.header.Get("Authorization") != "Bearer sk-test-key" || got.header.Get("X-Custom") != "kept" {
		t.Errorf("end-to-end headers lost: %v", got.header)
	}
	if got.header.Get("Keep-Alive") != "" {
		t.Errorf("hop-by-hop header forwarded")
	}
	if got.header.Get("X-Forwarded-For") != "198.51.100.1" {
		t.Errorf("forwarding header changed: %q", got.header.Get("X-Forwarded-For"))
	}
	if !strings.Contains(string(ex.Response.Bytes()), `"prompt_tokens":3`) {
		t.Errorf("response not captured: %q", ex.Response.Bytes())
	}
	if w.Body.String() != string(ex.Response.Bytes()) {
		t.Errorf("client and capture disagree")
	}
}

func TestForward_InjectsRequiredHeadersOnlyWhenAbsent(t *testing.T) {
	tests := []struct {
		name    string
		version string
		want    string
	}{
		{name: "absent", want: provider.AnthropicVersion},
		{name: "client supplied", version: "2024-01-01", want: "2024-01-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, got := setupUpstream(t, func(w http.ResponseWriter, r *http.Request) {})

			req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{}`))
			req.Header.Set("x-api-key", "sk-ant-REDACTED")
			if tt.version != "" {
				req.Header.Set("anthropic-version", tt.version)
			}

			New(Options{}, nil).Forward(httptest.NewRecorder(), req,
				target(t, provider.Anthropic, srv.URL, req.Header, []byte(`{}`)))

			if v := got.header.Get("anthropic-version"); v != tt.want {
				t.Errorf("anthropic-version = %q, want %q", v, tt.want)
			}
			if got.header.Get("x-api-key") != "sk-ant-REDACTED" {
				t.Errorf("api key not forwarded")
			}
		})
	}
}

func TestForward_DoesNotFollowRedirects(t *testing.T) {
	srv, _ := setupUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	})

	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer sk-test-key")
	w := httptest.NewRecorder()
	ex := New(Options{}, nil).Forward(w, req, target(t, provider.OpenAI, srv.URL, req.Header, []byte(`{}`)))

	if w.Code != http.StatusFound || ex.StatusCode != http.StatusFound {
		t.Errorf("expected 302 relayed, got %d", w.Code)
	}
	if w.Header().Get("Location") != "/elsewhere" {
		t.Errorf("unexpected location %q", w.Header().Get("Location"))
	}
}

func TestForward_UpstreamStatusRelayed(t *testing.T) {
	srv, _ := setupUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	})

	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer sk-test-key")
	w := httptest.NewRecorder()
	ex := New(Options{}, nil).Forward(w, req, target(t, provider.OpenAI, srv.URL, req.Header, []byte(`{}`)))

	if w.Code != http.StatusTooManyRequests || w.Body.String() != `{"error":"slow down"}` {
		t.Errorf("unexpected relay %d %q", w.Code, w.Body.String())
	}
	if ex.Err != nil {
		t.Errorf("upstream status is not a transport error: %v", ex.Err)
	}
}

func TestForward_UnreachableUpstream(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer sk-test-key")
	w := httptest.NewRecorder()
	ex := New(Options{ResponseHeaderTimeout: time.Second}, nil).
		Forward(w, req, target(t, provider.OpenAI, addr, req.Header, []byte(`{}`)))

	if w.Code != http.StatusBadGateway || !strings.Contains(w.Body.String(), "upstream error") {
		t.Errorf("expected 502 upstream error, got %d %q", w.Code, w.Body.String())
	}
	if ex.Err == nil {
		t.Errorf("expected transport error on exchange")
	}
}

func TestForward_PartialBodyFailsUpstream(t *testing.T) {
	srv, _ := setupUpstream(t, func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{"model":`))
	req.Header.Set("Authorization", "Bearer sk-test-key")
	req.ContentLength = 100
	tgt := target(t, provider.OpenAI, srv.URL, req.Header, []byte(`{"model":`))
	tgt.BodyErr = errors.New("client reset")

	w := httptest.NewRecorder()
	ex := New(Options{}, nil).Forward(w, req, tgt)

	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}
	if ex.Err == nil {
		t.Errorf("expected exchange error")
	}
}

func TestSingleJoin(t *testing.T) {
	tests := []struct{ a, b, want string }{
		{"", "/v1/messages", "/v1/messages"},
		{"/", "/v1/messages", "/v1/messages"},
		{"/base/", "/v1", "/base/v1"},
		{"/base", "v1", "/base/v1"},
		{"/base", "/v1", "/base/v1"},
	}
	for _, tt := range tests {
		if got := singleJoin(tt.a, tt.b); got != tt.want {
			t.Errorf("singleJoin(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}
