package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/routatel/trunkline/internal/fault"
	"github.com/routatel/trunkline/pkg/provider/llm"
	"github.com/routatel/trunkline/pkg/types"
)

// ---- helpers ----------------------------------------------------------------

// newCompletionServer creates a test server that answers POST /chat/completions
// with the given status and body. Other paths return 404.
func newCompletionServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat/completions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
}

// newStreamServer creates a test server that answers POST /chat/completions
// with a server-sent-events stream of the given data payloads followed by a
// [DONE] marker.
func newStreamServer(t *testing.T, events []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat/completions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			_, _ = io.WriteString(w, "data: "+ev+"\n\n")
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
}

// mustNew constructs a Provider against the given test server.
func mustNew(t *testing.T, srv *httptest.Server, opts ...Option) *Provider {
	t.Helper()
	opts = append(opts, WithBaseURL(srv.URL))
	p, err := New("sk-test", "openai/gpt-4o-mini", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// completeWithStatus runs a Complete call against a server that answers with
// the given HTTP status and returns the resulting error.
func completeWithStatus(t *testing.T, status int) error {
	t.Helper()
	srv := newCompletionServer(t, status, `{"error":{"message":"nope"}}`)
	defer srv.Close()

	p := mustNew(t, srv)
	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "Hi"}},
	})
	if err == nil {
		t.Fatalf("expected error for status %d, got nil", status)
	}
	return err
}

// collectChunks drains a chunk channel with a timeout guard.
func collectChunks(t *testing.T, ch <-chan llm.Chunk) []llm.Chunk {
	t.Helper()
	var out []llm.Chunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-deadline:
			t.Fatal("timed out draining chunk channel")
		}
	}
}

// ---- constructor --------------------------------------------------------------

// TestNew_MissingAPIKey ensures the constructor rejects an empty API key.
func TestNew_MissingAPIKey(t *testing.T) {
	_, err := New("", "openai/gpt-4o-mini")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
	if fault.KindOf(err) != fault.Validation {
		t.Errorf("expected validation fault, got %v", fault.KindOf(err))
	}
}

// TestNew_MissingModel ensures the constructor rejects an empty model.
func TestNew_MissingModel(t *testing.T) {
	_, err := New("sk-test", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
	if fault.KindOf(err) != fault.Validation {
		t.Errorf("expected validation fault, got %v", fault.KindOf(err))
	}
}

// TestNew_Options checks that optional settings are accepted without error.
func TestNew_Options(t *testing.T) {
	p, err := New("sk-test", "openai/gpt-4o-mini",
		WithBaseURL("https://custom.example.com"),
		WithSiteURL("https://trunkline.example.com"),
		WithAppName("trunkline"),
		WithTimeout(10*time.Second),
	)
	if err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
	if p.Model() != "openai/gpt-4o-mini" {
		t.Errorf("expected model openai/gpt-4o-mini, got %q", p.Model())
	}
}

// ---- convertMessage -----------------------------------------------------------

// TestConvertMessage_System checks that system role is converted correctly.
func TestConvertMessage_System(t *testing.T) {
	msg := types.Message{Role: "system", Content: "You are a call agent."}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfSystem == nil {
		t.Fatal("expected OfSystem to be set")
	}
}

// TestConvertMessage_User checks that user role is converted correctly.
func TestConvertMessage_User(t *testing.T) {
	msg := types.Message{Role: "user", Content: "Hello!"}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfUser == nil {
		t.Fatal("expected OfUser to be set")
	}
}

// TestConvertMessage_AssistantWithToolCalls checks tool call conversion.
func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	msg := types.Message{
		Role: "assistant",
		ToolCalls: []types.ToolCall{
			{ID: "call_1", Name: "transfer_call", Arguments: `{"department":"billing"}`},
		},
	}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
	if len(param.OfAssistant.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(param.OfAssistant.ToolCalls))
	}
	tc := param.OfAssistant.ToolCalls[0]
	if tc.ID != "call_1" {
		t.Errorf("expected ID call_1, got %s", tc.ID)
	}
	if tc.Function.Name != "transfer_call" {
		t.Errorf("expected function name transfer_call, got %s", tc.Function.Name)
	}
	if tc.Function.Arguments != `{"department":"billing"}` {
		t.Errorf("unexpected arguments: %s", tc.Function.Arguments)
	}
}

// TestConvertMessage_Tool checks tool response message conversion.
func TestConvertMessage_Tool(t *testing.T) {
	msg := types.Message{Role: "tool", Content: "transferred", ToolCallID: "call_1"}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfTool == nil {
		t.Fatal("expected OfTool to be set")
	}
	if param.OfTool.ToolCallID != "call_1" {
		t.Errorf("expected ToolCallID call_1, got %s", param.OfTool.ToolCallID)
	}
}

// TestConvertMessage_UnknownRole checks that unknown roles return a validation fault.
func TestConvertMessage_UnknownRole(t *testing.T) {
	msg := types.Message{Role: "narrator", Content: "meanwhile"}
	_, err := convertMessage(msg)
	if err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
	if fault.KindOf(err) != fault.Validation {
		t.Errorf("expected validation fault, got %v", fault.KindOf(err))
	}
}

// ---- retryableStatus / classify ------------------------------------------------

// TestRetryableStatus covers the status set that triggers failover.
func TestRetryableStatus(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{500, true},
		{502, true},
		{503, true},
		{504, true},
		{408, true},
		{425, true},
		{429, true},
		{200, false},
		{400, false},
		{401, false},
		{403, false},
		{404, false},
		{422, false},
	}
	for _, tt := range tests {
		if got := retryableStatus(tt.status); got != tt.want {
			t.Errorf("retryableStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

// TestComplete_TransientStatuses checks that retryable HTTP statuses classify
// as transient model faults.
func TestComplete_TransientStatuses(t *testing.T) {
	for _, status := range []int{500, 503, 408, 425, 429} {
		err := completeWithStatus(t, status)
		if fault.KindOf(err) != fault.ModelTransient {
			t.Errorf("status %d: expected model_transient, got %v", status, fault.KindOf(err))
		}
		if !fault.KindOf(err).Retryable() {
			t.Errorf("status %d: expected retryable classification", status)
		}
	}
}

// TestComplete_AuthStatuses checks that credential failures classify as auth faults.
func TestComplete_AuthStatuses(t *testing.T) {
	for _, status := range []int{401, 403} {
		err := completeWithStatus(t, status)
		if fault.KindOf(err) != fault.Auth {
			t.Errorf("status %d: expected auth fault, got %v", status, fault.KindOf(err))
		}
	}
}

// TestComplete_PermanentStatuses checks that client errors classify as permanent.
func TestComplete_PermanentStatuses(t *testing.T) {
	for _, status := range []int{400, 404, 422} {
		err := completeWithStatus(t, status)
		if fault.KindOf(err) != fault.ModelPermanent {
			t.Errorf("status %d: expected model_permanent, got %v", status, fault.KindOf(err))
		}
	}
}

// TestComplete_StatusCodeInFaultCode checks that the HTTP status lands in the
// machine-readable code.
func TestComplete_StatusCodeInFaultCode(t *testing.T) {
	err := completeWithStatus(t, 503)
	if got := fault.CodeOf(err); got != "openrouter_http_503" {
		t.Errorf("expected code openrouter_http_503, got %q", got)
	}
}

// TestClassify_ContextCanceled checks that caller cancellation passes through
// unclassified.
func TestClassify_ContextCanceled(t *testing.T) {
	got := classify(context.Canceled)
	if !errors.Is(got, context.Canceled) {
		t.Errorf("expected context.Canceled to pass through, got %v", got)
	}
	if fault.CodeOf(got) != "" {
		t.Errorf("expected no fault code, got %q", fault.CodeOf(got))
	}
}

// TestClassify_DeadlineExceeded checks that timeouts classify as transient.
func TestClassify_DeadlineExceeded(t *testing.T) {
	got := classify(context.DeadlineExceeded)
	if fault.KindOf(got) != fault.ModelTransient {
		t.Errorf("expected model_transient, got %v", fault.KindOf(got))
	}
	if fault.CodeOf(got) != "openrouter_timeout" {
		t.Errorf("expected code openrouter_timeout, got %q", fault.CodeOf(got))
	}
}

// TestClassify_ConnReset checks that socket resets classify as transient.
func TestClassify_ConnReset(t *testing.T) {
	for _, err := range []error{
		fmt.Errorf("read tcp: %w", syscall.ECONNRESET),
		io.ErrUnexpectedEOF,
	} {
		got := classify(err)
		if fault.KindOf(got) != fault.ModelTransient {
			t.Errorf("%v: expected model_transient, got %v", err, fault.KindOf(got))
		}
		if fault.CodeOf(got) != "openrouter_conn_reset" {
			t.Errorf("%v: expected code openrouter_conn_reset, got %q", err, fault.CodeOf(got))
		}
	}
}

// TestClassify_UnknownTransport checks that opaque transport errors default to
// transient so spillover to the backup model can happen.
func TestClassify_UnknownTransport(t *testing.T) {
	got := classify(errors.New("tls handshake mangled"))
	if fault.KindOf(got) != fault.ModelTransient {
		t.Errorf("expected model_transient, got %v", fault.KindOf(got))
	}
	if fault.CodeOf(got) != "openrouter_transport" {
		t.Errorf("expected code openrouter_transport, got %q", fault.CodeOf(got))
	}
}

// ---- Complete -------------------------------------------------------------------

// TestComplete_Success checks the happy path end to end, including model and
// message wiring in the request body.
func TestComplete_Success(t *testing.T) {
	var gotBody struct {
		Model    string           `json:"model"`
		Messages []map[string]any `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "gen-abc",
			"object": "chat.completion",
			"created": 1714000000,
			"model": "openai/gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hi! How can I help?"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 6, "total_tokens": 18}
		}`)
	}))
	defer srv.Close()

	p := mustNew(t, srv)
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "You are a call agent.",
		Messages:     []types.Message{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Hi! How can I help?" {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 6 || resp.Usage.TotalTokens != 18 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if gotBody.Model != "openai/gpt-4o-mini" {
		t.Errorf("expected model openai/gpt-4o-mini in request, got %q", gotBody.Model)
	}
	if len(gotBody.Messages) != 2 {
		t.Errorf("expected 2 messages (system + user), got %d", len(gotBody.Messages))
	}
}

// TestComplete_EmptyChoices checks that a choiceless response is a permanent fault.
func TestComplete_EmptyChoices(t *testing.T) {
	srv := newCompletionServer(t, http.StatusOK,
		`{"id":"gen-x","object":"chat.completion","created":1714000000,"model":"openai/gpt-4o-mini","choices":[]}`)
	defer srv.Close()

	p := mustNew(t, srv)
	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "Hello"}},
	})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
	if fault.KindOf(err) != fault.ModelPermanent {
		t.Errorf("expected model_permanent, got %v", fault.KindOf(err))
	}
	if fault.CodeOf(err) != "openrouter_empty" {
		t.Errorf("expected code openrouter_empty, got %q", fault.CodeOf(err))
	}
}

// TestComplete_SendsAttributionHeaders checks that OpenRouter attribution
// headers flow when configured.
func TestComplete_SendsAttributionHeaders(t *testing.T) {
	var gotReferer, gotTitle, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("HTTP-Referer")
		gotTitle = r.Header.Get("X-Title")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w,
			`{"id":"gen-y","object":"chat.completion","created":1714000000,"model":"openai/gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	p := mustNew(t, srv,
		WithSiteURL("https://trunkline.example.com"),
		WithAppName("trunkline"),
	)
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "Hello"}},
	}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gotReferer != "https://trunkline.example.com" {
		t.Errorf("expected HTTP-Referer header, got %q", gotReferer)
	}
	if gotTitle != "trunkline" {
		t.Errorf("expected X-Title header, got %q", gotTitle)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("expected bearer auth header, got %q", gotAuth)
	}
}

// ---- StreamCompletion -------------------------------------------------------------

// TestStreamCompletion_TextAndUsage checks text chunk delivery, the finish
// frame, and the trailing usage-only chunk.
func TestStreamCompletion_TextAndUsage(t *testing.T) {
	srv := newStreamServer(t, []string{
		`{"id":"gen-1","object":"chat.completion.chunk","created":1714000000,"model":"openai/gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`,
		`{"id":"gen-1","object":"chat.completion.chunk","created":1714000000,"model":"openai/gpt-4o-mini","choices":[{"index":0,"delta":{"content":" there"},"finish_reason":null}]}`,
		`{"id":"gen-1","object":"chat.completion.chunk","created":1714000000,"model":"openai/gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"gen-1","object":"chat.completion.chunk","created":1714000000,"model":"openai/gpt-4o-mini","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}}`,
	})
	defer srv.Close()

	p := mustNew(t, srv)
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	chunks := collectChunks(t, ch)

	var text string
	var sawStop bool
	var usage *llm.Usage
	for _, c := range chunks {
		text += c.Text
		if c.FinishReason == "stop" {
			sawStop = true
		}
		if c.Usage != nil {
			usage = c.Usage
		}
	}
	if text != "Hello there" {
		t.Errorf("expected text %q, got %q", "Hello there", text)
	}
	if !sawStop {
		t.Error("expected a chunk with finish_reason stop")
	}
	if usage == nil {
		t.Fatal("expected a trailing usage chunk")
	}
	if usage.PromptTokens != 12 || usage.CompletionTokens != 4 || usage.TotalTokens != 16 {
		t.Errorf("unexpected usage: %+v", usage)
	}
}

// TestStreamCompletion_ToolCallAssembly checks that fragmented tool call
// arguments are reassembled onto the finish frame.
func TestStreamCompletion_ToolCallAssembly(t *testing.T) {
	srv := newStreamServer(t, []string{
		`{"id":"gen-2","object":"chat.completion.chunk","created":1714000001,"model":"openai/gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_9","type":"function","function":{"name":"transfer_call","arguments":""}}]},"finish_reason":null}]}`,
		`{"id":"gen-2","object":"chat.completion.chunk","created":1714000001,"model":"openai/gpt-4o-mini","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"department\":"}}]},"finish_reason":null}]}`,
		`{"id":"gen-2","object":"chat.completion.chunk","created":1714000001,"model":"openai/gpt-4o-mini","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"billing\"}"}}]},"finish_reason":null}]}`,
		`{"id":"gen-2","object":"chat.completion.chunk","created":1714000001,"model":"openai/gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	})
	defer srv.Close()

	p := mustNew(t, srv)
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "Transfer me to billing"}},
		Tools: []types.ToolDefinition{
			{Name: "transfer_call", Description: "Transfers the call", Parameters: map[string]any{"type": "object"}},
		},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	chunks := collectChunks(t, ch)

	var final *llm.Chunk
	for i := range chunks {
		if chunks[i].FinishReason == "tool_calls" {
			final = &chunks[i]
		}
	}
	if final == nil {
		t.Fatal("expected a chunk with finish_reason tool_calls")
	}
	if len(final.ToolCalls) != 1 {
		t.Fatalf("expected 1 assembled tool call, got %d", len(final.ToolCalls))
	}
	tc := final.ToolCalls[0]
	if tc.ID != "call_9" {
		t.Errorf("expected ID call_9, got %q", tc.ID)
	}
	if tc.Name != "transfer_call" {
		t.Errorf("expected name transfer_call, got %q", tc.Name)
	}
	if tc.Arguments != `{"department":"billing"}` {
		t.Errorf("unexpected assembled arguments: %q", tc.Arguments)
	}
}

// TestStreamCompletion_HTTPError checks that an HTTP failure surfaces before
// any channel is handed out.
func TestStreamCompletion_HTTPError(t *testing.T) {
	srv := newCompletionServer(t, http.StatusUnauthorized, `{"error":{"message":"bad key"}}`)
	defer srv.Close()

	p := mustNew(t, srv)
	_, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "Hello"}},
	})
	if err == nil {
		t.Fatal("expected error for unauthorized stream")
	}
	if fault.KindOf(err) != fault.Auth {
		t.Errorf("expected auth fault, got %v", fault.KindOf(err))
	}
}

// ---- capabilities / tokens ---------------------------------------------------------

// TestModelCapabilities_VendorPrefixStripped checks matching on the model segment.
func TestModelCapabilities_VendorPrefixStripped(t *testing.T) {
	caps := modelCapabilities("openai/gpt-4o-mini")
	if caps.MaxOutputTokens != 16_384 {
		t.Errorf("expected MaxOutputTokens 16384, got %d", caps.MaxOutputTokens)
	}
	if caps.ContextWindow != 128_000 {
		t.Errorf("expected context window 128000, got %d", caps.ContextWindow)
	}
}

// TestModelCapabilities_GPT41 checks the gpt-4.1 entry.
func TestModelCapabilities_GPT41(t *testing.T) {
	caps := modelCapabilities("openai/gpt-4.1")
	if caps.ContextWindow != 1_047_576 {
		t.Errorf("expected context window 1047576, got %d", caps.ContextWindow)
	}
	if caps.MaxOutputTokens != 32_768 {
		t.Errorf("expected MaxOutputTokens 32768, got %d", caps.MaxOutputTokens)
	}
}

// TestModelCapabilities_ClaudeSpellings checks both Claude 3.5 id spellings.
func TestModelCapabilities_ClaudeSpellings(t *testing.T) {
	for _, model := range []string{"anthropic/claude-3.5-sonnet", "anthropic/claude-3-5-sonnet"} {
		caps := modelCapabilities(model)
		if caps.ContextWindow != 200_000 {
			t.Errorf("%s: expected context window 200000, got %d", model, caps.ContextWindow)
		}
		if caps.MaxOutputTokens != 8_192 {
			t.Errorf("%s: expected MaxOutputTokens 8192, got %d", model, caps.MaxOutputTokens)
		}
	}
}

// TestModelCapabilities_ClaudeGeneric checks the Claude catch-all.
func TestModelCapabilities_ClaudeGeneric(t *testing.T) {
	caps := modelCapabilities("anthropic/claude-next")
	if caps.ContextWindow != 200_000 {
		t.Errorf("expected context window 200000, got %d", caps.ContextWindow)
	}
	if caps.MaxOutputTokens != 4_096 {
		t.Errorf("expected MaxOutputTokens 4096, got %d", caps.MaxOutputTokens)
	}
}

// TestModelCapabilities_OpenModels checks llama and mistral entries.
func TestModelCapabilities_OpenModels(t *testing.T) {
	if caps := modelCapabilities("meta-llama/llama-3.1-70b-instruct"); caps.ContextWindow != 131_072 {
		t.Errorf("llama-3: expected context window 131072, got %d", caps.ContextWindow)
	}
	if caps := modelCapabilities("mistralai/mixtral-8x7b-instruct"); caps.ContextWindow != 32_768 {
		t.Errorf("mixtral: expected context window 32768, got %d", caps.ContextWindow)
	}
}

// TestModelCapabilities_Unknown checks defaults for unrecognised models.
func TestModelCapabilities_Unknown(t *testing.T) {
	caps := modelCapabilities("somelab/brand-new-model")
	if caps.ContextWindow <= 0 {
		t.Error("unknown model: expected positive ContextWindow")
	}
	if caps.MaxOutputTokens <= 0 {
		t.Error("unknown model: expected positive MaxOutputTokens")
	}
	if !caps.SupportsStreaming || !caps.SupportsToolCalling {
		t.Error("unknown model: expected streaming and tool calling defaults")
	}
}

// TestCountTokens_Estimation checks the four-characters-per-token estimate.
func TestCountTokens_Estimation(t *testing.T) {
	p := &Provider{model: "openai/gpt-4o-mini"}
	msgs := []types.Message{
		{Role: "user", Content: "Hello world"}, // 11 chars → ceil(11/4) = 3
	}
	count, err := p.CountTokens(msgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 tokens, got %d", count)
	}
}

// TestCountTokens_Empty checks that no messages count zero tokens.
func TestCountTokens_Empty(t *testing.T) {
	p := &Provider{model: "openai/gpt-4o-mini"}
	count, err := p.CountTokens(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 tokens, got %d", count)
	}
}
