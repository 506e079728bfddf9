package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Unmatched row statuses. A row transitions pending → claimed or
// pending → discarded exactly once; rows are never deleted (audit trail).
const (
	UnmatchedPending   = "pending"
	UnmatchedClaimed   = "claimed"
	UnmatchedDiscarded = "discarded"
)

// Match-failure reason codes recorded on quarantined messages.
const (
	ReasonNoIdentifier   = "no_identifier"
	ReasonUnknownSample  = "unknown_sample"
	ReasonUnexpectedTest = "unexpected_test"
)

// UnmatchedData is a quarantined instrument message awaiting operator triage.
type UnmatchedData struct {
	ID              string  `json:"id"`
	ConnectionID    string  `json:"connection_id"`
	Payload         string  `json:"payload"`
	Reason          string  `json:"reason"`
	Status          string  `json:"status"`
	ClaimedSampleID *string `json:"claimed_sample_id,omitempty"`
	ResolvedBy      *string `json:"resolved_by,omitempty"`
	DiscardReason   *string `json:"discard_reason,omitempty"`
	ArrivedAt       int64   `json:"arrived_at"`
	ResolvedAt      *int64  `json:"resolved_at,omitempty"`
}

// AddUnmatched files a new quarantine row and returns it with its generated
// id.
func (db *DB) AddUnmatched(ctx context.Context, connectionID, payload, reason string) (*UnmatchedData, error) {
	u := &UnmatchedData{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		Payload:      payload,
		Reason:       reason,
		Status:       UnmatchedPending,
		ArrivedAt:    time.Now().Unix(),
	}
	_, err := db.ExecContext(ctx, `INSERT INTO unmatched_data
		(id, connection_id, payload, reason, status, arrived_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.ConnectionID, u.Payload, u.Reason, u.Status, u.ArrivedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to file unmatched data: %w", err)
	}
	return u, nil
}

// ListUnmatched returns one page of quarantine rows ordered by arrival time,
// newest first. Page numbers start at 1.
func (db *DB) ListUnmatched(ctx context.Context, page, pageSize int) ([]UnmatchedData, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}
	rows, err := db.QueryContext(ctx, `SELECT id, connection_id, payload, reason, status,
		claimed_sample_id, resolved_by, discard_reason, arrived_at, resolved_at
		FROM unmatched_data
		ORDER BY arrived_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list unmatched data: %w", err)
	}
	defer rows.Close()

	var out []UnmatchedData
	for rows.Next() {
		var u UnmatchedData
		if err := rows.Scan(&u.ID, &u.ConnectionID, &u.Payload, &u.Reason, &u.Status,
			&u.ClaimedSampleID, &u.ResolvedBy, &u.DiscardReason, &u.ArrivedAt, &u.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan unmatched row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ClaimUnmatched assigns a quarantined message to a sample. The status guard
// in the UPDATE makes claim/discard a compare-and-swap: under concurrent
// resolution exactly one caller succeeds and the rest get
// ErrAlreadyResolved.
func (db *DB) ClaimUnmatched(ctx context.Context, id, sampleID, userID string) error {
	res, err := db.ExecContext(ctx, `UPDATE unmatched_data
		SET status = ?, claimed_sample_id = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		UnmatchedClaimed, sampleID, userID, time.Now().Unix(), id, UnmatchedPending)
	if err != nil {
		return fmt.Errorf("failed to claim unmatched row: %w", err)
	}
	return resolveOutcome(ctx, db, res, id)
}

// DiscardUnmatched resolves a quarantined message as not salvageable,
// recording the operator's reason.
func (db *DB) DiscardUnmatched(ctx context.Context, id, reason string) error {
	res, err := db.ExecContext(ctx, `UPDATE unmatched_data
		SET status = ?, discard_reason = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		UnmatchedDiscarded, reason, time.Now().Unix(), id, UnmatchedPending)
	if err != nil {
		return fmt.Errorf("failed to discard unmatched row: %w", err)
	}
	return resolveOutcome(ctx, db, res, id)
}

// resolveOutcome distinguishes "row missing" from "row already resolved"
// after a guarded update touched zero rows.
func resolveOutcome(ctx context.Context, db *DB, res interface{ RowsAffected() (int64, error) }, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var status string
	err = db.QueryRowContext(ctx, `SELECT status FROM unmatched_data WHERE id = ?`, id).Scan(&status)
	if err != nil {
		return fmt.Errorf("unmatched row %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("unmatched row %s is %s: %w", id, status, ErrAlreadyResolved)
}
