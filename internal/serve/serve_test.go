package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vireohq/chatcore/internal/config"
	"github.com/vireohq/chatcore/internal/history"
	"github.com/vireohq/chatcore/internal/ledger"
	"github.com/vireohq/chatcore/internal/llm"
	"github.com/vireohq/chatcore/internal/mcp"
)

// fakeUpstream serves a canned OpenAI-compatible streaming completion.
func fakeUpstream(t *testing.T, text string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		chunk := map[string]any{
			"choices": []map[string]any{{"delta": map[string]any{"content": text}}},
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		usage := map[string]any{
			"choices": []map[string]any{},
			"usage":   map[string]any{"prompt_tokens": 20, "completion_tokens": 8},
		}
		data, _ = json.Marshal(usage)
		fmt.Fprintf(w, "data: %s\n\n", data)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func newTestServer(t *testing.T, upstreamURL, token string) (*Server, *ledger.Ledger) {
	t.Helper()

	cfg := &config.Config{
		DefaultProvider: "local",
		Providers: map[string]config.ProviderConfig{
			"local": {
				Type:    "openai-compat",
				BaseURL: upstreamURL,
				Model:   "llama3",
			},
		},
	}

	store, err := ledger.OpenMemoryStore()
	if err != nil {
		t.Fatalf("OpenMemoryStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	pricing := ledger.NewPricingTable(ledger.ModelPricing{InputPerMTok: 1.0, OutputPerMTok: 2.0})
	ldgr := ledger.NewLedger(store, pricing)

	hist, err := history.OpenMemory()
	if err != nil {
		t.Fatalf("history.OpenMemory: %v", err)
	}
	t.Cleanup(func() { hist.Close() })

	server := NewServer(Options{Token: token}, cfg, llm.NewProviderCache(cfg), mcp.NewRegistry(), ldgr, hist)
	return server, ldgr
}

// sseEvents parses "event:"/"data:" frames from a response body.
func sseEvents(body string) map[string][]string {
	events := make(map[string][]string)
	var current string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "event: ") {
			current = strings.TrimPrefix(line, "event: ")
			continue
		}
		if strings.HasPrefix(line, "data: ") {
			events[current] = append(events[current], strings.TrimPrefix(line, "data: "))
		}
	}
	return events
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t, "http://unused", "")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	server, _ := newTestServer(t, "http://unused", "secret")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/models")
	if err != nil {
		t.Fatalf("GET /v1/models: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", ts.URL+"/v1/models", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authenticated GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}
}

func TestTurnStreamsAndSettles(t *testing.T) {
	upstream := fakeUpstream(t, "Paris.")
	defer upstream.Close()

	server, ldgr := newTestServer(t, upstream.URL, "")
	if err := ldgr.Store().Grant(context.Background(), "alice", 5.0); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	body := `{"user_id":"alice","messages":[{"role":"user","content":"capital of France?"}]}`
	resp, err := http.Post(ts.URL+"/v1/turns", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/turns: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	streamed, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	raw := string(streamed)

	events := sseEvents(raw)
	if len(events["turn.text.delta"]) == 0 {
		t.Errorf("no text deltas in response: %v", events)
	}
	completed := events["turn.completed"]
	if len(completed) != 1 {
		t.Fatalf("turn.completed frames = %d, body %q", len(completed), raw)
	}

	var terminal struct {
		Status string  `json:"status"`
		Power  float64 `json:"power"`
		Usage  struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal([]byte(completed[0]), &terminal); err != nil {
		t.Fatalf("parse terminal event: %v", err)
	}
	if terminal.Status != "completed" {
		t.Errorf("status = %q", terminal.Status)
	}
	if terminal.Usage.InputTokens != 20 || terminal.Usage.OutputTokens != 8 {
		t.Errorf("usage = %+v", terminal.Usage)
	}

	// Settlement deducted from the granted balance
	balance, err := ldgr.Store().Balance(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance >= 5.0 {
		t.Errorf("balance = %f, expected a deduction", balance)
	}
}

func TestTurnRejectsEmptyBalance(t *testing.T) {
	server, _ := newTestServer(t, "http://unused", "")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	body := `{"user_id":"broke","messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(ts.URL+"/v1/turns", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/turns: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402", resp.StatusCode)
	}
}

func TestTurnValidation(t *testing.T) {
	server, ldgr := newTestServer(t, "http://unused", "")
	if err := ldgr.Store().Grant(context.Background(), "alice", 5.0); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing user", `{"messages":[{"role":"user","content":"hi"}]}`, http.StatusBadRequest},
		{"missing messages", `{"user_id":"alice"}`, http.StatusBadRequest},
		{"unknown provider", `{"user_id":"alice","model":"nonexistent","messages":[{"role":"user","content":"hi"}]}`, http.StatusBadRequest},
		{"unknown field", `{"user_id":"alice","bogus":1,"messages":[]}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/turns", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestBalanceEndpoint(t *testing.T) {
	server, ldgr := newTestServer(t, "http://unused", "")
	if err := ldgr.Store().Grant(context.Background(), "alice", 2.5); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/balance?user_id=alice&required=2.0")
	if err != nil {
		t.Fatalf("GET /v1/balance: %v", err)
	}
	defer resp.Body.Close()

	var payload struct {
		UserID     string  `json:"user_id"`
		Power      float64 `json:"power"`
		Sufficient bool    `json:"sufficient"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Power != 2.5 || !payload.Sufficient {
		t.Errorf("payload = %+v", payload)
	}
}

func TestSessionHistoryAcrossTurns(t *testing.T) {
	upstream := fakeUpstream(t, "Paris.")
	defer upstream.Close()

	server, ldgr := newTestServer(t, upstream.URL, "")
	if err := ldgr.Store().Grant(context.Background(), "alice", 5.0); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	body := `{"user_id":"alice","session_id":"s1","messages":[{"role":"user","content":"capital of France?"}]}`
	resp, err := http.Post(ts.URL+"/v1/turns", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	// Drain so the handler finishes persisting before we look
	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	resp.Body.Close()

	messages, err := server.history.LoadHistory(context.Background(), "s1")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("persisted %d messages, want user + assistant", len(messages))
	}
	if messages[1].Role != llm.RoleAssistant || messages[1].Parts[0].Text != "Paris." {
		t.Errorf("assistant message = %+v", messages[1])
	}
}
