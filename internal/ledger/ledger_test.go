package ledger

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/vireohq/chatcore/internal/gateway"
	"github.com/vireohq/chatcore/internal/llm"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	store, err := OpenMemoryStore()
	if err != nil {
		t.Fatalf("OpenMemoryStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	pricing := NewPricingTable(ModelPricing{InputPerMTok: 3.0, OutputPerMTok: 15.0})
	return NewLedger(store, pricing)
}

func settle(t *testing.T, l *Ledger, userID string, outcome *gateway.TurnOutcome) (*UsageRecord, error) {
	t.Helper()
	ctx := context.Background()
	tx, err := l.Store().BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	record, err := l.Settle(ctx, tx, userID, outcome)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return record, nil
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSettleDeductsBalance(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if err := l.Store().Grant(ctx, "alice", 10.0); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	outcome := &gateway.TurnOutcome{
		TurnID:   "turn-1",
		Provider: "anthropic",
		Model:    "claude-sonnet-4-5",
		Usage:    llm.Usage{InputTokens: 1_000_000, OutputTokens: 100_000},
		Status:   gateway.StatusCompleted,
	}

	record, err := settle(t, l, "alice", outcome)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	// 1M input at 3.0 + 100K output at 15.0
	wantPower := 3.0 + 1.5
	if !approxEqual(record.Power, wantPower) {
		t.Errorf("record power = %f, want %f", record.Power, wantPower)
	}
	if record.Kind != "charge" {
		t.Errorf("record kind = %q, want charge", record.Kind)
	}

	balance, err := l.Store().Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !approxEqual(balance, 10.0-wantPower) {
		t.Errorf("balance = %f, want %f", balance, 10.0-wantPower)
	}
}

func TestSettleIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if err := l.Store().Grant(ctx, "alice", 100.0); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	outcome := &gateway.TurnOutcome{
		TurnID:   "turn-dup",
		Provider: "anthropic",
		Model:    "claude-sonnet-4-5",
		Usage:    llm.Usage{InputTokens: 2_000_000},
		Status:   gateway.StatusCompleted,
	}

	first, err := settle(t, l, "alice", outcome)
	if err != nil {
		t.Fatalf("first Settle: %v", err)
	}
	second, err := settle(t, l, "alice", outcome)
	if err != nil {
		t.Fatalf("second Settle: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("duplicate settle created a new record: %d vs %d", second.ID, first.ID)
	}

	balance, err := l.Store().Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !approxEqual(balance, 100.0-first.Power) {
		t.Errorf("balance = %f, want single deduction %f", balance, 100.0-first.Power)
	}
}

func TestSettleInsufficientBalance(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if err := l.Store().Grant(ctx, "bob", 0.5); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	outcome := &gateway.TurnOutcome{
		TurnID:   "turn-broke",
		Provider: "anthropic",
		Model:    "claude-sonnet-4-5",
		Usage:    llm.Usage{InputTokens: 1_000_000}, // costs 3.0
		Status:   gateway.StatusCompleted,
	}

	_, err := settle(t, l, "bob", outcome)
	var insufficientErr *InsufficientBalanceError
	if !errors.As(err, &insufficientErr) {
		t.Fatalf("Settle error = %v, want InsufficientBalanceError", err)
	}
	if !approxEqual(insufficientErr.Available, 0.5) {
		t.Errorf("available = %f, want 0.5", insufficientErr.Available)
	}

	// Rollback means the balance is untouched and no record was written
	balance, err := l.Store().Balance(ctx, "bob")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !approxEqual(balance, 0.5) {
		t.Errorf("balance after failed settle = %f, want 0.5", balance)
	}
	records, err := l.Store().History(ctx, "bob", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records after failed settle, got %d", len(records))
	}
}

func TestSettleUnknownUser(t *testing.T) {
	l := newTestLedger(t)

	outcome := &gateway.TurnOutcome{
		TurnID:   "turn-ghost",
		Provider: "anthropic",
		Model:    "claude-sonnet-4-5",
		Usage:    llm.Usage{InputTokens: 1000},
		Status:   gateway.StatusCompleted,
	}

	_, err := settle(t, l, "nobody", outcome)
	var insufficientErr *InsufficientBalanceError
	if !errors.As(err, &insufficientErr) {
		t.Fatalf("Settle error = %v, want InsufficientBalanceError", err)
	}
	if insufficientErr.Available != 0 {
		t.Errorf("available = %f, want 0 for unknown user", insufficientErr.Available)
	}
}

func TestSettleZeroTokensChargesNothing(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	// Cancelled before any usage event; no balance row needed
	outcome := &gateway.TurnOutcome{
		TurnID:   "turn-cancelled",
		Provider: "anthropic",
		Model:    "claude-sonnet-4-5",
		Status:   gateway.StatusCancelled,
	}

	record, err := settle(t, l, "carol", outcome)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if record.Power != 0 {
		t.Errorf("record power = %f, want 0", record.Power)
	}
	if record.Status != string(gateway.StatusCancelled) {
		t.Errorf("record status = %q, want cancelled", record.Status)
	}

	records, err := l.Store().History(ctx, "carol", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
}

func TestCompensateCreditsBalance(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if err := l.Store().Grant(ctx, "alice", 10.0); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	outcome := &gateway.TurnOutcome{
		TurnID:   "turn-comp",
		Provider: "anthropic",
		Model:    "claude-sonnet-4-5",
		Usage:    llm.Usage{InputTokens: 1_000_000}, // costs 3.0
		Status:   gateway.StatusCompleted,
	}
	charged, err := settle(t, l, "alice", outcome)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	tx, err := l.Store().BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	comp, err := l.Compensate(ctx, tx, "turn-comp", charged.Power)
	if err != nil {
		tx.Rollback()
		t.Fatalf("Compensate: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if comp.Kind != "compensation" {
		t.Errorf("kind = %q, want compensation", comp.Kind)
	}
	if comp.RefTurnID != "turn-comp" {
		t.Errorf("ref turn id = %q, want turn-comp", comp.RefTurnID)
	}
	if !approxEqual(comp.Power, -charged.Power) {
		t.Errorf("compensation power = %f, want %f", comp.Power, -charged.Power)
	}

	balance, err := l.Store().Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !approxEqual(balance, 10.0) {
		t.Errorf("balance after compensation = %f, want 10.0", balance)
	}

	// Original record is untouched
	records, err := l.Store().History(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
}

func TestCompensateRejectsOvercredit(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if err := l.Store().Grant(ctx, "alice", 10.0); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	outcome := &gateway.TurnOutcome{
		TurnID:   "turn-over",
		Provider: "anthropic",
		Model:    "claude-sonnet-4-5",
		Usage:    llm.Usage{InputTokens: 1_000_000},
		Status:   gateway.StatusCompleted,
	}
	charged, err := settle(t, l, "alice", outcome)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	tx, err := l.Store().BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	defer tx.Rollback()
	if _, err := l.Compensate(ctx, tx, "turn-over", charged.Power*2); err == nil {
		t.Error("expected error compensating more than charged")
	}
}

func TestHasSufficientPower(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	if err := l.Store().Grant(ctx, "dave", 5.0); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	tests := []struct {
		name   string
		userID string
		power  float64
		want   bool
	}{
		{"covered", "dave", 3.0, true},
		{"exact", "dave", 5.0, true},
		{"short", "dave", 5.1, false},
		{"unknown user", "nobody", 0.1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Store().HasSufficientPower(ctx, tt.userID, tt.power)
			if err != nil {
				t.Fatalf("HasSufficientPower: %v", err)
			}
			if got != tt.want {
				t.Errorf("HasSufficientPower(%q, %f) = %v, want %v", tt.userID, tt.power, got, tt.want)
			}
		})
	}
}

func TestPricingLookup(t *testing.T) {
	table := NewPricingTable(ModelPricing{InputPerMTok: 1.0, OutputPerMTok: 2.0})

	tests := []struct {
		name      string
		model     string
		wantInput float64
	}{
		{"exact match", "claude-sonnet-4-5", 3.0},
		{"partial match", "claude-sonnet-4-5-20250929", 3.0},
		{"unknown falls back", "totally-unknown-model", 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := table.Lookup(tt.model)
			if got.InputPerMTok != tt.wantInput {
				t.Errorf("Lookup(%q).InputPerMTok = %f, want %f", tt.model, got.InputPerMTok, tt.wantInput)
			}
		})
	}
}
