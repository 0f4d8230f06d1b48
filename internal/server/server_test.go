package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cm-proxy/gateway/internal/ledger"
	"github.com/cm-proxy/gateway/internal/provider"
	"github.com/gin-gonic/gin"
)

// fakeProvider scripts a single Provider for end-to-end route tests, mirror
// of the one in internal/provider/router_test.go.
type fakeProvider struct {
	available  bool
	result     *provider.Result
	stream     *provider.StreamResult
	execErr    error
	executions int
}

func (f *fakeProvider) Name() string    { return "fake" }
func (f *fakeProvider) Priority() int   { return 1 }
func (f *fakeProvider) Enabled() bool   { return true }
func (f *fakeProvider) Available() bool { return f.available }

func (f *fakeProvider) Acquire(ctx context.Context) (provider.AuthHandle, error) {
	return struct{}{}, nil
}

func (f *fakeProvider) Execute(ctx context.Context, handle provider.AuthHandle, body []byte, endpoint, accept string, stream bool) (*provider.Result, *provider.StreamResult, error) {
	f.executions++
	if f.execErr != nil {
		return nil, nil, f.execErr
	}
	if stream {
		return nil, f.stream, nil
	}
	return f.result, nil, nil
}

func (f *fakeProvider) OnRateLimit(handle provider.AuthHandle)          {}
func (f *fakeProvider) OnFailure(handle provider.AuthHandle, err error) {}

func newTestServer(p provider.Provider) (*Server, *ledger.Ledger) {
	gin.SetMode(gin.TestMode)
	router := provider.NewRouter([]provider.Provider{p})
	l := ledger.New()
	return New(router, l, time.Second), l
}

func TestChatCompletions_NonStreamingDebitsActualUsage(t *testing.T) {
	p := &fakeProvider{available: true, result: &provider.Result{
		Body:        []byte(`{"choices":[{"message":{"content":"hi"}}],"usage":{"total_tokens":42}}`),
		TotalTokens: 42,
	}}
	s, l := newTestServer(p)
	key, err := l.Create("user-1", 1.0)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+key.Key)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	entry, _ := l.Balance(key.Key)
	wantCredits := 1.0 - 42.0/ledger.TokensPerCredit
	if entry.TotalTokensUsed != 42 || entry.Credits != wantCredits {
		t.Fatalf("expected 42 tokens debited, got tokens=%d credits=%v", entry.TotalTokensUsed, entry.Credits)
	}
}

func TestChatCompletions_MissingAuthIsUnauthenticated(t *testing.T) {
	p := &fakeProvider{available: true}
	s, _ := newTestServer(p)

	body := `{"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestChatCompletions_InsufficientCreditsIs402AndNeverDispatches(t *testing.T) {
	p := &fakeProvider{available: true, result: &provider.Result{Body: []byte(`{}`)}}
	s, l := newTestServer(p)
	key, _ := l.Create("user-1", 0)

	body := `{"messages":[{"role":"user","content":"` + strings.Repeat("x", 100) + `"}],"max_tokens":1000000}`
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+key.Key)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}
	if p.executions != 0 {
		t.Fatalf("expected admission to reject before dispatching to the provider, got %d executions", p.executions)
	}
}

func TestChatCompletions_NoProviderAvailableIs503(t *testing.T) {
	p := &fakeProvider{available: false}
	s, l := newTestServer(p)
	key, _ := l.Create("user-1", 10)

	body := `{"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+key.Key)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestChatCompletions_NonTextPartIsBadRequest(t *testing.T) {
	p := &fakeProvider{available: true}
	s, l := newTestServer(p)
	key, _ := l.Create("user-1", 10)

	body := `{"messages":[{"role":"user","content":[{"type":"image_url","image_url":{"url":"x"}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+key.Key)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

// chunkedReadCloser feeds a fixed SSE body for the streaming test.
type chunkedReadCloser struct {
	r io.Reader
}

func (c *chunkedReadCloser) Read(p []byte) (int, error) { return c.r.Read(p) }
func (c *chunkedReadCloser) Close() error               { return nil }

func TestChatCompletions_StreamingDebitsEstimateOnceAndRelaysSSE(t *testing.T) {
	sseBody := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n"
	p := &fakeProvider{available: true, stream: &provider.StreamResult{
		Body: &chunkedReadCloser{r: strings.NewReader(sseBody)},
	}}
	s, l := newTestServer(p)
	key, _ := l.Create("user-1", 10)

	body := `{"stream":true,"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+key.Key)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected SSE content-type, got %q", ct)
	}
	if !strings.HasSuffix(rec.Body.String(), "data: [DONE]\n\n") {
		t.Fatalf("expected body to end with DONE sentinel, got %q", rec.Body.String())
	}

	// Estimate: ceil(len("hello")/4) = 2, no max_tokens. A second debit
	// would show as 4.
	entry, _ := l.Balance(key.Key)
	if entry.TotalTokensUsed != 2 {
		t.Fatalf("expected the pre-request estimate of 2 to have been debited exactly once, got %d", entry.TotalTokensUsed)
	}
}

func TestAPIKeyLifecycle_CreateBalanceAddCreditsDisableEnable(t *testing.T) {
	p := &fakeProvider{available: true}
	s, _ := newTestServer(p)
	eng := s.Engine()

	createReq := httptest.NewRequest(http.MethodPost, "/v1/api-keys", strings.NewReader(`{"user_id":"u1","initial_credits":5}`))
	createRec := httptest.NewRecorder()
	eng.ServeHTTP(createRec, createReq)
	if createRec.Code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d: %s", createRec.Code, createRec.Body.String())
	}

	var created struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Key == "" {
		t.Fatalf("expected a non-empty key")
	}

	balReq := httptest.NewRequest(http.MethodGet, "/v1/balance", nil)
	balReq.Header.Set("Authorization", "Bearer "+created.Key)
	balRec := httptest.NewRecorder()
	eng.ServeHTTP(balRec, balReq)
	if balRec.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d", balRec.Code)
	}

	addReq := httptest.NewRequest(http.MethodPost, "/v1/add-credits", strings.NewReader(`{"amount":2}`))
	addReq.Header.Set("Authorization", "Bearer "+created.Key)
	addRec := httptest.NewRecorder()
	eng.ServeHTTP(addRec, addReq)
	if addRec.Code != http.StatusOK {
		t.Fatalf("add-credits: expected 200, got %d: %s", addRec.Code, addRec.Body.String())
	}
	var afterAdd struct {
		Credits float64 `json:"credits"`
	}
	if err := json.Unmarshal(addRec.Body.Bytes(), &afterAdd); err != nil {
		t.Fatalf("decode add-credits response: %v", err)
	}
	if afterAdd.Credits != 7 {
		t.Fatalf("add-credits: expected 7 credits, got %v", afterAdd.Credits)
	}

	disableReq := httptest.NewRequest(http.MethodPost, "/v1/disable", nil)
	disableReq.Header.Set("Authorization", "Bearer "+created.Key)
	disableRec := httptest.NewRecorder()
	eng.ServeHTTP(disableRec, disableReq)
	if disableRec.Code != http.StatusOK {
		t.Fatalf("disable: expected 200, got %d", disableRec.Code)
	}

	chatReq := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	chatReq.Header.Set("Authorization", "Bearer "+created.Key)
	chatRec := httptest.NewRecorder()
	eng.ServeHTTP(chatRec, chatReq)
	if chatRec.Code != http.StatusForbidden {
		t.Fatalf("expected disabled key to be forbidden, got %d", chatRec.Code)
	}

	enableReq := httptest.NewRequest(http.MethodPost, "/v1/enable", nil)
	enableReq.Header.Set("Authorization", "Bearer "+created.Key)
	enableRec := httptest.NewRecorder()
	eng.ServeHTTP(enableRec, enableReq)
	if enableRec.Code != http.StatusOK {
		t.Fatalf("enable: expected 200, got %d", enableRec.Code)
	}
	var afterEnable struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(enableRec.Body.Bytes(), &afterEnable); err != nil {
		t.Fatalf("decode enable response: %v", err)
	}
	if !afterEnable.Enabled {
		t.Fatalf("enable: expected the key to be enabled again")
	}
}

func TestModels_RelaysUpstreamBody(t *testing.T) {
	p := &fakeProvider{available: true, result: &provider.Result{Body: []byte(`{"data":[{"id":"gpt-4"}]}`)}}
	s, l := newTestServer(p)
	key, err := l.Create("user-1", 0)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Authorization", "Bearer "+key.Key)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "gpt-4") {
		t.Fatalf("expected model list to be relayed, got %q", rec.Body.String())
	}
	entry, _ := l.Balance(key.Key)
	if entry.TotalTokensUsed != 0 || entry.Credits != 0 {
		t.Fatalf("listing models must not cost anything, got %+v", entry)
	}
}

func TestModels_UnknownKeyIsUnauthenticated(t *testing.T) {
	p := &fakeProvider{available: true, result: &provider.Result{Body: []byte(`{"data":[]}`)}}
	s, _ := newTestServer(p)

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Authorization", "Bearer cm-never-created")
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a key the ledger has never seen, got %d", rec.Code)
	}
	if p.executions != 0 {
		t.Fatalf("an unknown key must never reach the router, got %d executions", p.executions)
	}
}

func TestModels_DisabledKeyIsForbidden(t *testing.T) {
	p := &fakeProvider{available: true, result: &provider.Result{Body: []byte(`{"data":[]}`)}}
	s, l := newTestServer(p)
	key, _ := l.Create("user-1", 1)
	if err := l.Disable(key.Key); err != nil {
		t.Fatalf("disable: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Authorization", "Bearer "+key.Key)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a disabled key, got %d", rec.Code)
	}
}
