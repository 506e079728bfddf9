package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// OrderStatusPending marks an order still expecting results;
// OrderStatusComplete marks one fully resulted.
const (
	OrderStatusPending  = "pending"
	OrderStatusComplete = "complete"
)

// Order is a pending sample/test order awaiting instrument results.
type Order struct {
	ID        string   `json:"id"`
	SampleID  string   `json:"sample_id"`
	Accession string   `json:"accession"`
	PatientID string   `json:"patient_id"`
	Panel     []string `json:"panel"`
	Status    string   `json:"status"`
	CreatedAt int64    `json:"created_at"`
}

// ExpectsTest reports whether the given test code is on the order's panel. An
// empty panel accepts any test.
func (o *Order) ExpectsTest(code string) bool {
	if len(o.Panel) == 0 {
		return true
	}
	for _, c := range o.Panel {
		if c == code {
			return true
		}
	}
	return false
}

// LabResult is a matched, persisted instrument result.
type LabResult struct {
	ID           string    `json:"id"`
	OrderID      string    `json:"order_id"`
	PatientID    string    `json:"patient_id"`
	TestCode     string    `json:"test_code"`
	Value        string    `json:"value"`
	Unit         string    `json:"unit"`
	InstrumentTS time.Time `json:"instrument_ts"`
	ConnectionID string    `json:"connection_id"`
	Fingerprint  string    `json:"fingerprint"`
	Released     bool      `json:"released"`
	CreatedAt    int64     `json:"created_at"`
}

// CreateOrder inserts a new order.
func (db *DB) CreateOrder(ctx context.Context, o *Order) error {
	if o.Status == "" {
		o.Status = OrderStatusPending
	}
	if o.CreatedAt == 0 {
		o.CreatedAt = time.Now().Unix()
	}
	_, err := db.ExecContext(ctx, `INSERT INTO lab_orders
		(id, sample_id, accession, patient_id, panel, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.SampleID, o.Accession, o.PatientID,
		strings.Join(o.Panel, ","), o.Status, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// FindPendingOrder looks up an open order by sample identifier or accession
// number. Returns nil (no error) when no pending order matches.
func (db *DB) FindPendingOrder(ctx context.Context, identifier string) (*Order, error) {
	row := db.QueryRowContext(ctx, `SELECT id, sample_id, accession, patient_id, panel, status, created_at
		FROM lab_orders
		WHERE status = ? AND (sample_id = ? OR accession = ?)
		ORDER BY created_at ASC LIMIT 1`,
		OrderStatusPending, identifier, identifier)

	var o Order
	var panel string
	err := row.Scan(&o.ID, &o.SampleID, &o.Accession, &o.PatientID, &panel, &o.Status, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending order: %w", err)
	}
	if panel != "" {
		o.Panel = strings.Split(panel, ",")
	}
	return &o, nil
}

// SaveResult persists a matched result. A fingerprint collision returns
// ErrDuplicateResult and leaves the existing row untouched.
func (db *DB) SaveResult(ctx context.Context, r *LabResult) error {
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().Unix()
	}
	released := 0
	if r.Released {
		released = 1
	}
	_, err := db.ExecContext(ctx, `INSERT INTO lab_results
		(id, order_id, patient_id, test_code, value, unit, instrument_ts,
		 connection_id, fingerprint, released, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OrderID, r.PatientID, r.TestCode, r.Value, r.Unit,
		r.InstrumentTS.Unix(), r.ConnectionID, r.Fingerprint, released, r.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateResult
	}
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// LatestPriorResult returns the patient's most recent result for the same
// test strictly before the given instrument time. Returns nil when no prior
// result exists.
func (db *DB) LatestPriorResult(ctx context.Context, patientID, testCode string, before time.Time) (*LabResult, error) {
	row := db.QueryRowContext(ctx, `SELECT id, order_id, patient_id, test_code, value, unit,
		instrument_ts, connection_id, fingerprint, released, created_at
		FROM lab_results
		WHERE patient_id = ? AND test_code = ? AND instrument_ts < ?
		ORDER BY instrument_ts DESC LIMIT 1`,
		patientID, testCode, before.Unix())

	r, err := scanResult(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query prior result: %w", err)
	}
	return r, nil
}

// GetResult returns a result by id, or ErrNotFound.
func (db *DB) GetResult(ctx context.Context, id string) (*LabResult, error) {
	row := db.QueryRowContext(ctx, `SELECT id, order_id, patient_id, test_code, value, unit,
		instrument_ts, connection_id, fingerprint, released, created_at
		FROM lab_results WHERE id = ?`, id)
	r, err := scanResult(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("result %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	return r, nil
}

// MarkResultReleased flags a result as released to the ordering clinician.
// Used when a delta alert is acknowledged or when no alert gated release.
func (db *DB) MarkResultReleased(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `UPDATE lab_results SET released = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to release result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("result %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanResult(scan func(...any) error) (*LabResult, error) {
	var r LabResult
	var ts int64
	var released int
	err := scan(&r.ID, &r.OrderID, &r.PatientID, &r.TestCode, &r.Value, &r.Unit,
		&ts, &r.ConnectionID, &r.Fingerprint, &released, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.InstrumentTS = time.Unix(ts, 0).UTC()
	r.Released = released == 1
	return &r, nil
}
