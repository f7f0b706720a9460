package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/engine"
	"github.com/promptgate/promptgate/pkg/policy"
)

// fakeUpstream returns a canned completion.
type fakeUpstream struct {
	content string
	err     error
	calls   int
}

func (f *fakeUpstream) Complete(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &ChatCompletionResponse{
		ID:     "chatcmpl-test",
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []ChatCompletionChoice{
			{Index: 0, Message: ChatMessage{Role: "assistant", Content: f.content}, FinishReason: "stop"},
		},
		Usage: Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}, nil
}

func newTestServer(t *testing.T, store policy.Store, up Upstream) *Server {
	t.Helper()
	svc := newGuardService(store)
	return NewServer(ServerOptions{
		Config:         config.ServerConfig{ListenAddress: ":0"},
		Service:        svc,
		Store:          store,
		Upstream:       up,
		Guard:          NewGuard(svc, false, zerolog.Nop(), nil),
		GuardResponses: true,
		DefaultOrg:     "default",
		Logger:         zerolog.Nop(),
	})
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t, policy.NewMemoryStore(), nil)
	w := doJSON(t, s, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestServer_Evaluate(t *testing.T) {
	store := policy.NewMemoryStore()
	seedBlockPolicy(t, store, "default", "forbidden")
	s := newTestServer(t, store, nil)

	w := doJSON(t, s, http.MethodPost, "/v1/evaluations", map[string]any{"content": "a clean question"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	result := decodeBody[engine.EvaluationResult](t, w)
	if result.Status != engine.StatusCompleted {
		t.Errorf("status = %s, want completed", result.Status)
	}
	if len(result.PolicyResults) != 1 {
		t.Errorf("policy results = %d, want 1", len(result.PolicyResults))
	}

	w = doJSON(t, s, http.MethodPost, "/v1/evaluations", map[string]any{"content": "contains forbidden words"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	result = decodeBody[engine.EvaluationResult](t, w)
	if result.Status != engine.StatusBlocked {
		t.Errorf("status = %s, want blocked", result.Status)
	}
}

func TestServer_Evaluate_EmptyContent(t *testing.T) {
	s := newTestServer(t, policy.NewMemoryStore(), nil)

	w := doJSON(t, s, http.MethodPost, "/v1/evaluations", map[string]any{"content": ""})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestServer_PolicyCRUD(t *testing.T) {
	s := newTestServer(t, policy.NewMemoryStore(), nil)

	body := map[string]any{
		"name":   "block-spam",
		"type":   "keyword_filter",
		"status": "active",
		"config": map[string]any{
			"action":   "block",
			"severity": "high",
			"patterns": []string{"spam"},
		},
	}
	w := doJSON(t, s, http.MethodPost, "/v1/policies", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	created := decodeBody[policy.Policy](t, w)
	if created.ID == "" || created.Version != 1 {
		t.Fatalf("created policy = %+v", created)
	}
	if created.OrganizationID != "default" {
		t.Errorf("organization = %s, want default", created.OrganizationID)
	}

	w = doJSON(t, s, http.MethodGet, "/v1/policies/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = doJSON(t, s, http.MethodGet, "/v1/policies/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get missing status = %d, want 404", w.Code)
	}

	// Changing the type on update is rejected.
	body["type"] = "performance"
	body["config"] = map[string]any{"action": "warn", "severity": "low"}
	w = doJSON(t, s, http.MethodPut, "/v1/policies/"+created.ID, body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("type-change update status = %d, want 400, body %s", w.Code, w.Body.String())
	}

	body["type"] = "keyword_filter"
	body["description"] = "updated"
	body["config"] = map[string]any{"action": "block", "severity": "high", "patterns": []string{"spam"}}
	w = doJSON(t, s, http.MethodPut, "/v1/policies/"+created.ID, body)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", w.Code, w.Body.String())
	}
	updated := decodeBody[policy.Policy](t, w)
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}

	w = doJSON(t, s, http.MethodDelete, "/v1/policies/"+created.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", w.Code)
	}
	w = doJSON(t, s, http.MethodDelete, "/v1/policies/"+created.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", w.Code)
	}
}

func TestServer_CreatePolicy_InvalidConfig(t *testing.T) {
	s := newTestServer(t, policy.NewMemoryStore(), nil)

	w := doJSON(t, s, http.MethodPost, "/v1/policies", map[string]any{
		"name":   "broken",
		"type":   "keyword_filter",
		"status": "active",
		"config": map[string]any{"action": "block", "severity": "high", "patterns": []string{}},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body %s", w.Code, w.Body.String())
	}
}

func TestServer_ChatCompletion_Allowed(t *testing.T) {
	store := policy.NewMemoryStore()
	seedBlockPolicy(t, store, "default", "forbidden")
	up := &fakeUpstream{content: "a perfectly safe answer"}
	s := newTestServer(t, store, up)

	w := doJSON(t, s, http.MethodPost, "/v1/chat/completions", ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []ChatMessage{{Role: "user", Content: "tell me something nice"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	resp := decodeBody[ChatCompletionResponse](t, w)
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "a perfectly safe answer" {
		t.Errorf("choices = %+v", resp.Choices)
	}
	if resp.Guardrail == nil {
		t.Fatal("guardrail summary missing")
	}
	if resp.Guardrail.RequestEvaluationID == "" || resp.Guardrail.ResponseEvaluationID == "" {
		t.Errorf("guardrail = %+v, want both evaluation ids", resp.Guardrail)
	}
	if resp.Guardrail.HasViolations {
		t.Error("no violations expected")
	}
	if up.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", up.calls)
	}
}

func TestServer_ChatCompletion_BlockedRequest(t *testing.T) {
	store := policy.NewMemoryStore()
	p := seedBlockPolicy(t, store, "default", "forbidden")
	up := &fakeUpstream{content: "never reached"}
	s := newTestServer(t, store, up)

	w := doJSON(t, s, http.MethodPost, "/v1/chat/completions", ChatCompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "say something forbidden"}},
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body %s", w.Code, w.Body.String())
	}

	blocked := decodeBody[BlockedError](t, w)
	if blocked.Stage != StageRequest {
		t.Errorf("stage = %s, want request", blocked.Stage)
	}
	if blocked.BlockedBy != p.ID {
		t.Errorf("blocked_by = %s, want %s", blocked.BlockedBy, p.ID)
	}
	if len(blocked.Violations) != 1 {
		t.Errorf("violations = %d, want 1", len(blocked.Violations))
	}
	if up.calls != 0 {
		t.Errorf("upstream calls = %d, want 0 for a blocked request", up.calls)
	}
}

func TestServer_ChatCompletion_BlockedResponse(t *testing.T) {
	store := policy.NewMemoryStore()
	seedBlockPolicy(t, store, "default", "forbidden")
	up := &fakeUpstream{content: "this answer says forbidden things"}
	s := newTestServer(t, store, up)

	w := doJSON(t, s, http.MethodPost, "/v1/chat/completions", ChatCompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "an innocent question"}},
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body %s", w.Code, w.Body.String())
	}

	blocked := decodeBody[BlockedError](t, w)
	if blocked.Stage != StageResponse {
		t.Errorf("stage = %s, want response", blocked.Stage)
	}
	if up.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", up.calls)
	}
}

func TestServer_ChatCompletion_RequestErrors(t *testing.T) {
	s := newTestServer(t, policy.NewMemoryStore(), &fakeUpstream{content: "ok"})

	w := doJSON(t, s, http.MethodPost, "/v1/chat/completions", ChatCompletionRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty messages status = %d, want 400", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, "/v1/chat/completions", ChatCompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
		Stream:   true,
	})
	if w.Code != http.StatusNotImplemented {
		t.Errorf("stream status = %d, want 501", w.Code)
	}

	noUpstream := newTestServer(t, policy.NewMemoryStore(), nil)
	w = doJSON(t, noUpstream, http.MethodPost, "/v1/chat/completions", ChatCompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("no-upstream status = %d, want 503", w.Code)
	}
}

func TestServer_OrganizationHeader(t *testing.T) {
	store := policy.NewMemoryStore()
	seedBlockPolicy(t, store, "org-a", "forbidden")
	s := newTestServer(t, store, nil)

	// Default organization has no policies, so the content passes.
	w := doJSON(t, s, http.MethodPost, "/v1/evaluations", map[string]any{"content": "forbidden content"})
	result := decodeBody[engine.EvaluationResult](t, w)
	if result.Status != engine.StatusCompleted {
		t.Fatalf("default-org status = %s, want completed", result.Status)
	}

	// The seeded organization blocks it.
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(map[string]any{"content": "forbidden content"})
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluations", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Organization-ID", "org-a")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	result = decodeBody[engine.EvaluationResult](t, rec)
	if result.Status != engine.StatusBlocked {
		t.Fatalf("org-a status = %s, want blocked", result.Status)
	}
}

func TestServer_HistoryDisabled(t *testing.T) {
	s := newTestServer(t, policy.NewMemoryStore(), nil)

	for _, path := range []string{"/v1/evaluations/some-id", "/v1/stats"} {
		w := doJSON(t, s, http.MethodGet, path, nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s status = %d, want 503", path, w.Code)
		}
	}
}
