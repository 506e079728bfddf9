package db

import (
	"context"
	"fmt"
	"time"
)

// DeltaAlert records a clinically significant swing between a new result and
// the patient's prior result for the same test. The originating result is not
// released until the alert is acknowledged.
type DeltaAlert struct {
	ID             string  `json:"id"`
	ResultID       string  `json:"result_id"`
	PatientID      string  `json:"patient_id"`
	TestCode       string  `json:"test_code"`
	CurrentValue   float64 `json:"current_value"`
	PreviousValue  float64 `json:"previous_value"`
	PreviousAt     int64   `json:"previous_at"`
	PercentChange  float64 `json:"percent_change"`
	Acknowledged   bool    `json:"acknowledged"`
	AcknowledgedBy string  `json:"acknowledged_by,omitempty"`
	CreatedAt      int64   `json:"created_at"`
}

// SaveAlert persists a newly raised delta alert.
func (db *DB) SaveAlert(ctx context.Context, a *DeltaAlert) error {
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().Unix()
	}
	_, err := db.ExecContext(ctx, `INSERT INTO delta_alerts
		(id, result_id, patient_id, test_code, current_value, previous_value,
		 previous_at, percent_change, acknowledged, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		a.ID, a.ResultID, a.PatientID, a.TestCode, a.CurrentValue,
		a.PreviousValue, a.PreviousAt, a.PercentChange, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save delta alert: %w", err)
	}
	return nil
}

// ListUnacknowledgedAlerts returns all alerts awaiting operator review,
// oldest first.
func (db *DB) ListUnacknowledgedAlerts(ctx context.Context) ([]DeltaAlert, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, result_id, patient_id, test_code,
		current_value, previous_value, previous_at, percent_change, acknowledged,
		COALESCE(acknowledged_by, ''), created_at
		FROM delta_alerts WHERE acknowledged = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []DeltaAlert
	for rows.Next() {
		var a DeltaAlert
		var acked int
		if err := rows.Scan(&a.ID, &a.ResultID, &a.PatientID, &a.TestCode,
			&a.CurrentValue, &a.PreviousValue, &a.PreviousAt, &a.PercentChange,
			&acked, &a.AcknowledgedBy, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Acknowledged = acked == 1
		out = append(out, a)
	}
	return out, rows.Err()
}

// AcknowledgeAlert records operator acknowledgment and releases the
// originating result. The transition is one-way: acknowledging an already
// acknowledged alert returns ErrAlreadyResolved.
func (db *DB) AcknowledgeAlert(ctx context.Context, id, userID string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE delta_alerts
		SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
		WHERE id = ? AND acknowledged = 0`,
		userID, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var acked int
		if err := tx.QueryRowContext(ctx, `SELECT acknowledged FROM delta_alerts WHERE id = ?`, id).Scan(&acked); err != nil {
			return fmt.Errorf("delta alert %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("delta alert %s: %w", id, ErrAlreadyResolved)
	}

	// release of the gated result rides the same transaction
	if _, err := tx.ExecContext(ctx, `UPDATE lab_results SET released = 1
		WHERE id = (SELECT result_id FROM delta_alerts WHERE id = ?)`, id); err != nil {
		return fmt.Errorf("failed to release gated result: %w", err)
	}

	return tx.Commit()
}
