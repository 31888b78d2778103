package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"chat-relay/internal/auth"
	"chat-relay/internal/config"
	"chat-relay/internal/metrics"
	"chat-relay/internal/upstream"
)

const upstreamStream = "data: {\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"\"}}]}\n\n" +
	"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"<think>hmm\"}}]}\n\n" +
	"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"</think>Hi\"}}]}\n\n" +
	"data: [DONE]\n\n"

type capturedRequest struct {
	Header http.Header
	Body   map[string]any
}

type fakeUpstream struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	body     string
	ctype    string
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.requests = append(f.requests, capturedRequest{Header: r.Header.Clone(), Body: body})
	f.mu.Unlock()

	w.Header().Set("Content-Type", f.ctype)
	w.WriteHeader(f.status)
	_, _ = io.WriteString(w, f.body)
}

func (f *fakeUpstream) calls() []capturedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capturedRequest(nil), f.requests...)
}

func singleTenantConfig(baseURL string) config.Config {
	cfg := config.Default()
	cfg.Upstream.BaseURL = baseURL
	cfg.Auth.Password = "pw"
	cfg.Auth.Token = "upstream-token"
	return cfg
}

func multiTenantConfig(baseURL string) config.Config {
	cfg := config.Default()
	cfg.Upstream.BaseURL = baseURL
	cfg.Auth.Tenancy = config.TenancyMulti
	cfg.Auth.Keys = map[string]string{"client-key": "secret-a"}
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config, up *fakeUpstream) *Server {
	t.Helper()

	ts := httptest.NewServer(up)
	t.Cleanup(ts.Close)
	cfg.Upstream.BaseURL = ts.URL

	var (
		gate auth.Gate
		err  error
	)
	if cfg.Auth.Tenancy == config.TenancyMulti {
		gate, err = auth.NewKeyed(cfg.Auth.Keys)
	} else {
		gate, err = auth.NewSharedSecret(cfg.Auth.Password, cfg.Auth.Token)
	}
	if err != nil {
		t.Fatalf("gate: %v", err)
	}

	client, err := upstream.New(cfg.Upstream, ts.Client())
	if err != nil {
		t.Fatalf("upstream.New: %v", err)
	}

	srv, err := New(cfg, gate, client, metrics.NewCollector(nil))
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	return srv
}

func doChat(srv *Server, authorization, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, chatPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRootReportsSpaceURL(t *testing.T) {
	srv := newTestServer(t, singleTenantConfig("http://unused"), &fakeUpstream{status: http.StatusOK})

	tests := []struct {
		name  string
		proto string
		want  string
	}{
		{name: "plain", want: "http://relay.example" + chatPath},
		{name: "forwarded https", proto: "https", want: "https://relay.example" + chatPath},
		{name: "forwarded http", proto: "http", want: "http://relay.example" + chatPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Host = "relay.example"
			if tt.proto != "" {
				req.Header.Set("X-Forwarded-Proto", tt.proto)
			}
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["spaceUrl"] != tt.want {
				t.Errorf("spaceUrl = %q, want %q", body["spaceUrl"], tt.want)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, singleTenantConfig("http://unused"), &fakeUpstream{status: http.StatusOK})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}
}

func TestChatRejectsBadCredentials(t *testing.T) {
	tests := []struct {
		name          string
		cfg           func(string) config.Config
		authorization string
	}{
		{name: "single missing", cfg: singleTenantConfig},
		{name: "single wrong", cfg: singleTenantConfig, authorization: "Bearer nope"},
		{name: "single no scheme", cfg: singleTenantConfig, authorization: "pw"},
		{name: "multi unknown", cfg: multiTenantConfig, authorization: "Bearer other"},
		{name: "multi missing", cfg: multiTenantConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{status: http.StatusOK, ctype: "application/json", body: `{}`}
			srv := newTestServer(t, tt.cfg("http://unused"), up)

			rec := doChat(srv, tt.authorization, `{"messages":[{"role":"user","content":"hi"}]}`)
			if rec.Code != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", rec.Code)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != `{"error":"Forbidden: Invalid password"}` {
				t.Errorf("body = %s", got)
			}
			if n := len(up.calls()); n != 0 {
				t.Errorf("upstream called %d times", n)
			}
		})
	}
}

func TestSingleTenantAggregatesForNonStreamingClient(t *testing.T) {
	up := &fakeUpstream{status: http.StatusOK, ctype: "text/event-stream", body: upstreamStream}
	srv := newTestServer(t, singleTenantConfig("http://unused"), up)

	rec := doChat(srv, "Bearer pw", `{"model":"gpt-4","messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hi"}],"max_tokens":0}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("content type = %q", ct)
	}
	if strings.Contains(rec.Body.String(), `\u003c`) {
		t.Errorf("tags were HTML-escaped: %s", rec.Body.String())
	}

	var completion struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &completion); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if completion.Object != "chat.completion" || completion.Model != "DeepSeek-R1" || !strings.HasPrefix(completion.ID, "chatcmpl-") {
		t.Errorf("envelope = %+v", completion)
	}
	if len(completion.Choices) != 1 || completion.Choices[0].Message.Content != "<Thoughts>hmm</Thoughts>Hi" {
		t.Fatalf("choices = %+v", completion.Choices)
	}

	calls := up.calls()
	if len(calls) != 1 {
		t.Fatalf("upstream calls = %d", len(calls))
	}
	got := calls[0]
	if got.Header.Get("Authorization") != "Bearer upstream-token" {
		t.Errorf("upstream authorization = %q", got.Header.Get("Authorization"))
	}
	if got.Body["model"] != "DeepSeek-R1" || got.Body["stream"] != true {
		t.Errorf("upstream body = %v", got.Body)
	}
	if got.Body["max_tokens"] != float64(4096) || got.Body["temperature"] != float64(1) {
		t.Errorf("upstream defaults = %v", got.Body)
	}
}

func TestSingleTenantStreamsToStreamingClient(t *testing.T) {
	up := &fakeUpstream{status: http.StatusOK, ctype: "text/event-stream", body: upstreamStream}
	srv := newTestServer(t, singleTenantConfig("http://unused"), up)

	rec := doChat(srv, "Bearer pw", `{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{`"content":"<Thoughts>hmm"`, `"content":"</Thoughts>Hi"`, "data: [DONE]\n\n"} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "<think>") {
		t.Errorf("tag not renamed:\n%s", body)
	}
}

func TestMultiTenantPassesModelThrough(t *testing.T) {
	up := &fakeUpstream{
		status: http.StatusOK,
		ctype:  "application/json",
		body:   `{"choices":[{"index":0,"message":{"role":"assistant","content":"done"},"finish_reason":"stop"}]}`,
	}
	srv := newTestServer(t, multiTenantConfig("http://unused"), up)

	rec := doChat(srv, "Bearer client-key", `{"model":"o1","messages":[{"role":"assistant","content":"hello"},{"role":"user","content":"hi"}],"max_tokens":100,"temperature":0}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"content":"done"`) || !strings.Contains(rec.Body.String(), `"model":"o1"`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	calls := up.calls()
	if len(calls) != 1 {
		t.Fatalf("upstream calls = %d", len(calls))
	}
	got := calls[0]
	if got.Header.Get("Authorization") != "Bearer secret-a" {
		t.Errorf("upstream authorization = %q", got.Header.Get("Authorization"))
	}
	if got.Body["stream"] != false || got.Body["model"] != "o1" {
		t.Errorf("upstream body = %v", got.Body)
	}
	if got.Body["max_output_tokens"] != float64(100) || got.Body["temperature"] != float64(0) {
		t.Errorf("upstream limits = %v", got.Body)
	}
	if _, ok := got.Body["max_tokens"]; ok {
		t.Errorf("reasoning model received max_tokens: %v", got.Body)
	}
	msgs, _ := got.Body["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("normalized messages = %v", got.Body["messages"])
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "user" || first["content"] != "" {
		t.Errorf("first message = %v", msgs[0])
	}
}

func TestUpstreamErrorStatusBecomes500(t *testing.T) {
	up := &fakeUpstream{status: http.StatusBadGateway, ctype: "application/json", body: `{"error":{"message":"model overloaded","type":"server_error"}}`}
	srv := newTestServer(t, singleTenantConfig("http://unused"), up)

	rec := doChat(srv, "Bearer pw", `{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Error struct {
			Message string `json:"message"`
			Details string `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body.String())
	}
	if body.Error.Message != "An error occurred while processing your request." {
		t.Errorf("message = %q", body.Error.Message)
	}
	if !strings.Contains(body.Error.Details, "model overloaded") {
		t.Errorf("details = %q", body.Error.Details)
	}
}

func TestChatRejectsInvalidJSON(t *testing.T) {
	up := &fakeUpstream{status: http.StatusOK}
	srv := newTestServer(t, singleTenantConfig("http://unused"), up)

	for _, body := range []string{``, `{"messages":`, `{"messages":[{"role":"user","content":42}]}`, `{} {}`} {
		rec := doChat(srv, "Bearer pw", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
			continue
		}
		if !strings.Contains(rec.Body.String(), `"invalid_request_error"`) {
			t.Errorf("body %q: response = %s", body, rec.Body.String())
		}
	}
	if n := len(up.calls()); n != 0 {
		t.Errorf("upstream called %d times", n)
	}
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	up := &fakeUpstream{status: http.StatusOK, ctype: "text/event-stream", body: upstreamStream}
	srv := newTestServer(t, singleTenantConfig("http://unused"), up)

	doChat(srv, "Bearer pw", `{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	doChat(srv, "Bearer wrong", `{"messages":[]}`)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`chat_relay_requests_total{mode="stream",outcome="end"} 1`,
		`chat_relay_requests_total{mode="json",outcome="forbidden"} 1`,
		`chat_relay_relay_sessions_closed_total{reason="end"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	cfg := singleTenantConfig("http://upstream.example")
	gate, _ := auth.NewSharedSecret("pw", "tok")
	client, _ := upstream.New(cfg.Upstream, http.DefaultClient)

	if _, err := New(cfg, nil, client, nil); err == nil {
		t.Error("expected error for nil gate")
	}
	if _, err := New(cfg, gate, nil, nil); err == nil {
		t.Error("expected error for nil upstream")
	}
	bad := cfg
	bad.Server.Port = 0
	if _, err := New(bad, gate, client, nil); err == nil {
		t.Error("expected validation error")
	}
}
