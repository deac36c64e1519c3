package serve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vireohq/chatcore/internal/gateway"
	"github.com/vireohq/chatcore/internal/ledger"
	"github.com/vireohq/chatcore/internal/llm"
)

// turnRequest is the body of POST /v1/turns.
type turnRequest struct {
	UserID    string        `json:"user_id"`
	SessionID string        `json:"session_id,omitempty"`
	Model     string        `json:"model,omitempty"` // "provider" or "provider:model"
	System    string        `json:"system,omitempty"`
	Messages  []turnMessage `json:"messages"`
	MaxRounds int           `json:"max_rounds,omitempty"`
	NoTools   bool          `json:"no_tools,omitempty"`
}

type turnMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// minimumPower is the advisory floor a balance must clear before a turn
// starts. Settlement still decides authoritatively.
const minimumPower = 0.000001

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}

	var req turnRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "messages must not be empty")
		return
	}

	// Advisory gate: reject obviously empty balances before streaming
	// anything. The atomic deduction at settle time is the real check.
	ok, err := s.ledger.Store().HasSufficientPower(r.Context(), req.UserID, minimumPower)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusPaymentRequired, "insufficient_balance", "balance is empty")
		return
	}

	orch, model, err := s.orchestratorFor(req.Model)
	if err != nil {
		status := http.StatusBadRequest
		var configErr *llm.ConfigError
		if errors.As(err, &configErr) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "invalid_request", err.Error())
		return
	}

	messages, err := s.buildMessages(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	llmReq := llm.Request{
		Model:    model,
		Messages: messages,
	}
	if req.MaxRounds > 0 {
		llmReq.MaxRounds = req.MaxRounds
	}
	if req.NoTools {
		llmReq.ToolChoice = llm.ToolChoice{Mode: llm.ToolChoiceNone}
	}

	flusher, ok2 := w.(http.Flusher)
	if !ok2 {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming not supported")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), turnTimeout)
	defer cancel()

	setSSEHeaders(w)
	flusher.Flush()

	outcome, turnErr := orch.ExecuteTurn(ctx, llmReq, func(event llm.Event) error {
		if err := writeTurnEvent(w, event); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	record := s.settleTurn(req.UserID, outcome)
	s.appendHistory(req, outcome)

	writeTurnTerminal(w, outcome, turnErr, record)
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// settleTurn records the turn against the user's balance. Settlement runs on
// its own context: a client that disconnected mid-turn still pays for the
// tokens that streamed before the disconnect.
func (s *Server) settleTurn(userID string, outcome *gateway.TurnOutcome) *ledger.UsageRecord {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.ledger.Store().BeginTx(ctx)
	if err != nil {
		slog.Error("settle: begin transaction", "turn_id", outcome.TurnID, "error", err)
		return nil
	}
	record, err := s.ledger.Settle(ctx, tx, userID, outcome)
	if err != nil {
		tx.Rollback()
		var insufficient *ledger.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			slog.Warn("settle: insufficient balance",
				"turn_id", outcome.TurnID, "user_id", userID,
				"required", insufficient.Required, "available", insufficient.Available)
		} else {
			slog.Error("settle: record turn", "turn_id", outcome.TurnID, "error", err)
		}
		return nil
	}
	if err := tx.Commit(); err != nil {
		slog.Error("settle: commit", "turn_id", outcome.TurnID, "error", err)
		return nil
	}
	return record
}

// buildMessages assembles the request transcript: system prompt, stored
// session history when one is named, then the new messages.
func (s *Server) buildMessages(ctx context.Context, req turnRequest) ([]llm.Message, error) {
	var messages []llm.Message
	if req.System != "" {
		messages = append(messages, llm.SystemText(req.System))
	}

	if req.SessionID != "" && s.history != nil {
		prior, err := s.history.LoadHistory(ctx, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", req.SessionID, err)
		}
		messages = append(messages, prior...)
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "user", "":
			messages = append(messages, llm.UserText(msg.Content))
		case "assistant":
			messages = append(messages, llm.AssistantText(msg.Content))
		case "system", "developer":
			messages = append(messages, llm.SystemText(msg.Content))
		default:
			return nil, fmt.Errorf("unsupported role %q", msg.Role)
		}
	}
	return messages, nil
}

// appendHistory persists the new user messages and the assistant reply for
// session continuity. History failures never fail the turn.
func (s *Server) appendHistory(req turnRequest, outcome *gateway.TurnOutcome) {
	if req.SessionID == "" || s.history == nil || outcome == nil {
		return
	}
	if outcome.Status != gateway.StatusCompleted {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var messages []llm.Message
	for _, msg := range req.Messages {
		if msg.Role == "user" || msg.Role == "" {
			messages = append(messages, llm.UserText(msg.Content))
		}
	}
	if outcome.Text != "" {
		messages = append(messages, llm.AssistantText(outcome.Text))
	}
	if err := s.history.AppendMessages(ctx, req.SessionID, messages); err != nil {
		slog.Warn("append session history", "session_id", req.SessionID, "error", err)
	}
}

// writeTurnEvent maps stream events to SSE frames.
func writeTurnEvent(w io.Writer, event llm.Event) error {
	switch event.Type {
	case llm.EventTextDelta:
		return writeSSEEvent(w, "turn.text.delta", map[string]any{"delta": event.Text})
	case llm.EventToolExecStart:
		return writeSSEEvent(w, "turn.tool.start", map[string]any{
			"call_id": event.ToolCallID,
			"name":    event.ToolName,
		})
	case llm.EventToolExecEnd:
		return writeSSEEvent(w, "turn.tool.end", map[string]any{
			"call_id": event.ToolCallID,
			"name":    event.ToolName,
			"success": event.ToolSuccess,
		})
	case llm.EventRetry:
		return writeSSEEvent(w, "turn.retry", map[string]any{
			"attempt":      event.RetryAttempt,
			"max_attempts": event.RetryMaxAttempts,
		})
	case llm.EventUsage:
		if event.Use == nil {
			return nil
		}
		return writeSSEEvent(w, "turn.usage", map[string]any{
			"input_tokens":  event.Use.InputTokens,
			"output_tokens": event.Use.OutputTokens,
		})
	default:
		return nil
	}
}

// writeTurnTerminal emits the final turn event carrying status, usage
// totals, and the settled cost.
func writeTurnTerminal(w io.Writer, outcome *gateway.TurnOutcome, turnErr error, record *ledger.UsageRecord) {
	payload := map[string]any{
		"turn_id":  outcome.TurnID,
		"provider": outcome.Provider,
		"model":    outcome.Model,
		"status":   string(outcome.Status),
		"rounds":   outcome.Rounds,
		"usage": map[string]any{
			"input_tokens":  outcome.Usage.InputTokens,
			"output_tokens": outcome.Usage.OutputTokens,
		},
	}
	if record != nil {
		payload["power"] = record.Power
	}
	if turnErr != nil {
		payload["error"] = turnErr.Error()
		var loopErr *llm.ToolLoopExceededError
		if errors.As(turnErr, &loopErr) {
			payload["error_type"] = "tool_loop_exceeded"
		}
		_ = writeSSEEvent(w, "turn.failed", payload)
		return
	}
	_ = writeSSEEvent(w, "turn.completed", payload)
}
