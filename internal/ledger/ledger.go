package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vireohq/chatcore/internal/gateway"
)

// UsageRecord is one settled entry in the ledger. Records are append-only;
// corrections go through Compensate rather than updates.
type UsageRecord struct {
	ID           int64     `json:"id"`
	TurnID       string    `json:"turn_id"`
	RefTurnID    string    `json:"ref_turn_id,omitempty"`
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Power        float64   `json:"power"`
	Kind         string    `json:"kind"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// InsufficientBalanceError is returned when the atomic deduction finds the
// balance cannot cover the turn's cost.
type InsufficientBalanceError struct {
	UserID    string
	Required  float64
	Available float64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for user %s: need %.6f power, have %.6f",
		e.UserID, e.Required, e.Available)
}

// Ledger settles turn usage against prepaid balances.
type Ledger struct {
	store   *Store
	pricing *PricingTable
}

// NewLedger creates a ledger over a store and pricing table.
func NewLedger(store *Store, pricing *PricingTable) *Ledger {
	return &Ledger{store: store, pricing: pricing}
}

// Store returns the backing store, for callers that begin their own
// transactions.
func (l *Ledger) Store() *Store {
	return l.store
}

// Settle records a finished turn and deducts its cost from the user's
// balance inside the caller's transaction. Settling the same turn id twice
// returns the original record without a second deduction. Zero-token turns
// (for example, turns cancelled before the first usage event) record a
// zero-power entry and leave the balance untouched.
//
// The deduction is a single conditional update, so the balance check and
// decrement are one atomic step even under concurrent settles.
func (l *Ledger) Settle(ctx context.Context, tx *sql.Tx, userID string, outcome *gateway.TurnOutcome) (*UsageRecord, error) {
	if existing, err := findRecordByTurnID(ctx, tx, outcome.TurnID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	power := l.pricing.Cost(outcome.Model, outcome.Usage.InputTokens, outcome.Usage.OutputTokens)

	if power > 0 {
		res, err := tx.ExecContext(ctx, `
			UPDATE balances
			SET power = power - ?, updated_at = CURRENT_TIMESTAMP
			WHERE user_id = ? AND power >= ?`,
			power, userID, power)
		if err != nil {
			return nil, fmt.Errorf("deduct power: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("deduct power: %w", err)
		}
		if affected == 0 {
			var available float64
			err := tx.QueryRowContext(ctx,
				`SELECT power FROM balances WHERE user_id = ?`, userID).Scan(&available)
			if err != nil && err != sql.ErrNoRows {
				return nil, fmt.Errorf("query balance: %w", err)
			}
			return nil, &InsufficientBalanceError{
				UserID:    userID,
				Required:  power,
				Available: available,
			}
		}
	}

	record := &UsageRecord{
		TurnID:       outcome.TurnID,
		UserID:       userID,
		Provider:     outcome.Provider,
		Model:        outcome.Model,
		InputTokens:  outcome.Usage.InputTokens,
		OutputTokens: outcome.Usage.OutputTokens,
		Power:        power,
		Kind:         "charge",
		Status:       string(outcome.Status),
		CreatedAt:    time.Now(),
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO usage_records
			(turn_id, user_id, provider, model, input_tokens, output_tokens, power, kind, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.TurnID, record.UserID, record.Provider, record.Model,
		record.InputTokens, record.OutputTokens, record.Power,
		record.Kind, record.Status, record.CreatedAt)
	if err != nil {
		// A concurrent settle for the same turn won the insert; their
		// record is authoritative and this transaction must not commit
		// its deduction.
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("turn %s already settled concurrently: %w", outcome.TurnID, err)
		}
		return nil, fmt.Errorf("insert usage record: %w", err)
	}
	record.ID, _ = res.LastInsertId()

	return record, nil
}

// Compensate reverses part or all of a prior charge with a compensating
// record: the power is credited back and a new record referencing the
// original turn is appended. The original record is never modified.
func (l *Ledger) Compensate(ctx context.Context, tx *sql.Tx, turnID string, power float64) (*UsageRecord, error) {
	original, err := findRecordByTurnID(ctx, tx, turnID)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, fmt.Errorf("no usage record for turn %s", turnID)
	}
	if power <= 0 || power > original.Power {
		return nil, fmt.Errorf("compensation of %.6f out of range for turn %s (charged %.6f)",
			power, turnID, original.Power)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE balances
		SET power = power + ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?`,
		power, original.UserID)
	if err != nil {
		return nil, fmt.Errorf("credit power: %w", err)
	}

	record := &UsageRecord{
		TurnID:    fmt.Sprintf("%s-comp-%s", turnID, uuid.NewString()[:8]),
		RefTurnID: turnID,
		UserID:    original.UserID,
		Provider:  original.Provider,
		Model:     original.Model,
		Power:     -power,
		Kind:      "compensation",
		Status:    "completed",
		CreatedAt: time.Now(),
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO usage_records
			(turn_id, ref_turn_id, user_id, provider, model, input_tokens, output_tokens, power, kind, status, created_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?)`,
		record.TurnID, record.RefTurnID, record.UserID, record.Provider,
		record.Model, record.Power, record.Kind, record.Status, record.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert compensation record: %w", err)
	}
	record.ID, _ = res.LastInsertId()

	return record, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUsageRecord(row rowScanner) (UsageRecord, error) {
	var record UsageRecord
	var refTurnID sql.NullString
	err := row.Scan(&record.ID, &record.TurnID, &refTurnID, &record.UserID,
		&record.Provider, &record.Model, &record.InputTokens,
		&record.OutputTokens, &record.Power, &record.Kind, &record.Status,
		&record.CreatedAt)
	if err != nil {
		return UsageRecord{}, fmt.Errorf("scan usage record: %w", err)
	}
	record.RefTurnID = refTurnID.String
	return record, nil
}

func findRecordByTurnID(ctx context.Context, tx *sql.Tx, turnID string) (*UsageRecord, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, turn_id, ref_turn_id, user_id, provider, model,
		       input_tokens, output_tokens, power, kind, status, created_at
		FROM usage_records
		WHERE turn_id = ?`,
		turnID)
	record, err := scanUsageRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
